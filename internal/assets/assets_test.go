package assets

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"tabletop/session/internal/net/proto"
	loggingassets "tabletop/session/logging/assets"
	"tabletop/session/logging/sinks"
)

func TestImageRoundTripPerFormat(t *testing.T) {
	for _, format := range []PixelFormat{R8Unorm, Rg8Unorm, Bgra8Unorm, Rgba8UnormSrgb, Bgra8UnormSrgb} {
		t.Run(string(format), func(t *testing.T) {
			bpp, _ := format.BytesPerPixel()
			img := Image{Data: make([]byte, 3*2*bpp), Width: 3, Height: 2, Format: format}
			for i := range img.Data {
				img.Data[i] = byte(i * 7)
			}
			payload, err := Encode(img)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := Decode(payload)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Width != 3 || got.Height != 2 || got.Format != format || !bytes.Equal(got.Data, img.Data) {
				t.Fatalf("round trip mismatch: %+v", got)
			}
		})
	}
}

func TestEncodeRejectsUnsupportedFormat(t *testing.T) {
	_, err := Encode(Image{Data: make([]byte, 16), Width: 1, Height: 1, Format: "rgba16float"})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	cases := map[string][]byte{
		"garbage":        []byte("not json"),
		"short data":     []byte(`{"data":"AAE=","size":[2,2],"format":"r8unorm"}`),
		"unknown format": []byte(`{"data":"AA==","size":[1,1],"format":"astc"}`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(payload); err == nil {
				t.Fatalf("expected decode to fail")
			}
		})
	}
}

func TestReadImageProducesRGBA(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.Set(0, 0, color.RGBA{R: 255, A: 255})
	src.Set(1, 0, color.RGBA{B: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("png: %v", err)
	}
	img, err := ReadImage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []byte{255, 0, 0, 255, 0, 0, 255, 255}
	if img.Format != Rgba8UnormSrgb || img.Width != 2 || img.Height != 1 || !bytes.Equal(img.Data, want) {
		t.Fatalf("unexpected image %+v", img)
	}
}

func TestRegistryPlaceholders(t *testing.T) {
	r := NewRegistry[Image]()
	id := uuid.New()
	h, created := r.Placeholder(id)
	if !created || r.Resolved(h) {
		t.Fatalf("expected a fresh unresolved placeholder")
	}
	if again, created := r.Placeholder(id); created || again != h {
		t.Fatalf("expected the same placeholder back")
	}
	if got := r.Insert(id, &Image{Format: R8Unorm}); got != h {
		t.Fatalf("expected insert to keep the handle")
	}
	if !r.Resolved(h) {
		t.Fatalf("expected resolved after insert")
	}
	if back, ok := r.ID(h); !ok || back != id {
		t.Fatalf("expected reverse mapping")
	}
	r.Remove(id)
	if r.Len() != 0 || r.Resolved(h) {
		t.Fatalf("expected removal")
	}
}

func newTestService(t *testing.T, retry time.Duration) (*Service, *clock.Mock, *sinks.Memory) {
	t.Helper()
	clk := clock.NewMock()
	sink := sinks.NewMemory()
	svc, err := NewService(Config{Publisher: sink, Clock: clk, RetryInterval: retry})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return svc, clk, sink
}

func testImage() Image {
	return Image{Data: []byte{1, 2, 3, 4}, Width: 2, Height: 2, Format: R8Unorm}
}

func TestShareRequestAndResolve(t *testing.T) {
	ctx := context.Background()
	owner, _, _ := newTestService(t, 0)
	receiver, _, sink := newTestService(t, 0)

	id, _, err := owner.Share(testImage())
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	ref := proto.SharedAssetRef{ID: id, Type: TypeImage}

	h := receiver.Reference(ctx, 1, ref, 0)
	if again := receiver.Reference(ctx, 1, ref, 0); again != h {
		t.Fatalf("expected the same handle for repeated references")
	}
	requests := receiver.Flush(ctx, 1)
	if len(requests) != 1 || requests[0].Kind != proto.KindRequestAsset || requests[0].To != 0 {
		t.Fatalf("expected exactly one request, got %+v", requests)
	}

	if err := owner.HandleRequest(ctx, 2, 9, requests[0].Message.(proto.RequestAsset)); err != nil {
		t.Fatalf("request: %v", err)
	}
	replies := owner.Flush(ctx, 2)
	if len(replies) != 1 || replies[0].To != 9 {
		t.Fatalf("expected one reply to client 9, got %+v", replies)
	}
	payload := replies[0].Message.(proto.AssetPayload)

	resolved, err := receiver.HandlePayload(ctx, 3, 0, payload)
	if err != nil || !resolved {
		t.Fatalf("expected payload to resolve, got %v %v", resolved, err)
	}
	img, ok := receiver.Image(id)
	if !ok || !bytes.Equal(img.Data, testImage().Data) {
		t.Fatalf("expected resolved content, got %+v", img)
	}
	if again, err := receiver.HandlePayload(ctx, 4, 0, payload); again || err != nil {
		t.Fatalf("expected a duplicate payload to change nothing")
	}
	if len(sink.OfType(loggingassets.EventResolved)) != 1 {
		t.Fatalf("expected a single resolved event")
	}
	if len(receiver.Pending()) != 0 {
		t.Fatalf("expected nothing pending")
	}
}

func TestHandleRequestIgnoresUnknownContent(t *testing.T) {
	svc, _, sink := newTestService(t, 0)
	err := svc.HandleRequest(context.Background(), 1, 3, proto.RequestAsset{ID: uuid.New(), Type: TypeImage})
	if !errors.Is(err, ErrNotShared) {
		t.Fatalf("expected ErrNotShared, got %v", err)
	}
	if len(svc.Flush(context.Background(), 1)) != 0 {
		t.Fatalf("expected no reply")
	}
	if len(sink.OfType(loggingassets.EventNotShared)) != 1 {
		t.Fatalf("expected a not-shared event")
	}
}

func TestMalformedPayloadKeepsPlaceholder(t *testing.T) {
	ctx := context.Background()
	svc, _, sink := newTestService(t, 0)
	id := uuid.New()
	svc.Reference(ctx, 1, proto.SharedAssetRef{ID: id, Type: TypeImage}, 0)
	svc.Flush(ctx, 1)

	_, err := svc.HandlePayload(ctx, 2, 0, proto.AssetPayload{ID: id, Type: TypeImage, Data: []byte(`{"data":"AA==","size":[1,1],"format":"astc"}`)})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, ok := svc.Lookup(id); !ok || svc.Resolved(id) {
		t.Fatalf("expected the placeholder to remain unresolved")
	}
	if len(sink.OfType(loggingassets.EventDecodeFailed)) != 1 {
		t.Fatalf("expected a decode failure event")
	}
}

func TestUnansweredRequestIsRetried(t *testing.T) {
	ctx := context.Background()
	svc, clk, _ := newTestService(t, 5*time.Second)
	id := uuid.New()
	svc.Reference(ctx, 1, proto.SharedAssetRef{ID: id, Type: TypeImage}, 0)
	if got := svc.Flush(ctx, 1); len(got) != 1 {
		t.Fatalf("expected the first request, got %d", len(got))
	}
	clk.Add(4 * time.Second)
	if got := svc.Flush(ctx, 2); len(got) != 0 {
		t.Fatalf("expected no retry before the interval, got %d", len(got))
	}
	clk.Add(time.Second)
	if got := svc.Flush(ctx, 3); len(got) != 1 {
		t.Fatalf("expected a retry after the interval, got %d", len(got))
	}
}

func TestRetryDisabled(t *testing.T) {
	ctx := context.Background()
	svc, clk, _ := newTestService(t, -1)
	svc.Reference(ctx, 1, proto.SharedAssetRef{ID: uuid.New(), Type: TypeImage}, 0)
	svc.Flush(ctx, 1)
	clk.Add(time.Hour)
	if got := svc.Flush(ctx, 2); len(got) != 0 {
		t.Fatalf("expected no retries, got %d", len(got))
	}
}

func TestAbandonDropsRequestsToDepartedOwner(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 0)
	lost := uuid.New()
	kept := uuid.New()
	svc.Reference(ctx, 1, proto.SharedAssetRef{ID: lost, Type: TypeImage}, 4)
	svc.Reference(ctx, 1, proto.SharedAssetRef{ID: kept, Type: TypeImage}, 5)
	svc.Abandon(4)
	out := svc.Flush(ctx, 1)
	if len(out) != 1 || out[0].To != 5 {
		t.Fatalf("expected only the request to 5, got %+v", out)
	}
	if _, ok := svc.Lookup(lost); ok {
		t.Fatalf("expected the abandoned placeholder removed")
	}
}

func TestLoadSharedReadsFile(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("png: %v", err)
	}
	path := filepath.Join(t.TempDir(), "token.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	svc, _, _ := newTestService(t, 0)
	id, _, err := svc.LoadShared(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	img, ok := svc.Image(id)
	if !ok || img.Width != 4 || img.Format != Rgba8UnormSrgb || len(img.Data) != 64 {
		t.Fatalf("unexpected image %+v", img)
	}
	if _, _, err := svc.LoadShared(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Fatalf("expected a missing file to fail")
	}
}

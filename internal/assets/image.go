package assets

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	// Decoders for LoadShared.
	_ "image/jpeg"
	_ "image/png"
	"io"
)

// TypeImage tags shared image references on the wire.
const TypeImage = "image"

// PixelFormat is the closed set of texture layouts that can be shared.
type PixelFormat string

const (
	R8Unorm        PixelFormat = "r8unorm"
	Rg8Unorm       PixelFormat = "rg8unorm"
	Bgra8Unorm     PixelFormat = "bgra8unorm"
	Rgba8UnormSrgb PixelFormat = "rgba8unorm_srgb"
	Bgra8UnormSrgb PixelFormat = "bgra8unorm_srgb"
)

var (
	// ErrUnsupportedFormat is returned for pixel formats outside the shareable set.
	ErrUnsupportedFormat = errors.New("assets: unsupported pixel format")
	// ErrMalformed is returned when a payload does not describe a valid image.
	ErrMalformed = errors.New("assets: malformed image payload")
)

// BytesPerPixel returns the texel size of f.
func (f PixelFormat) BytesPerPixel() (int, bool) {
	switch f {
	case R8Unorm:
		return 1, true
	case Rg8Unorm:
		return 2, true
	case Bgra8Unorm, Rgba8UnormSrgb, Bgra8UnormSrgb:
		return 4, true
	default:
		return 0, false
	}
}

// Image is raw texel data plus its descriptor.
type Image struct {
	Data   []byte
	Width  uint32
	Height uint32
	Format PixelFormat
}

// wireImage is the payload carried by AssetPayload.Data.
type wireImage struct {
	Data   []byte      `json:"data"`
	Size   [2]uint32   `json:"size"`
	Format PixelFormat `json:"format"`
}

func (img Image) validate() error {
	bpp, ok := img.Format.BytesPerPixel()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, img.Format)
	}
	if want := uint64(img.Width) * uint64(img.Height) * uint64(bpp); uint64(len(img.Data)) != want {
		return fmt.Errorf("%w: %dx%d %s needs %d bytes, have %d", ErrMalformed, img.Width, img.Height, img.Format, want, len(img.Data))
	}
	return nil
}

// Encode converts img to its wire representation.
func Encode(img Image) ([]byte, error) {
	if err := img.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(wireImage{Data: img.Data, Size: [2]uint32{img.Width, img.Height}, Format: img.Format})
}

// Decode parses a wire payload and checks that its data matches the descriptor.
func Decode(payload []byte) (Image, error) {
	var wire wireImage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	img := Image{Data: wire.Data, Width: wire.Size[0], Height: wire.Size[1], Format: wire.Format}
	if err := img.validate(); err != nil {
		return Image{}, err
	}
	return img, nil
}

// ReadImage decodes a PNG or JPEG stream into an sRGB RGBA image.
func ReadImage(r io.Reader) (Image, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return Image{}, fmt.Errorf("assets: decode image: %w", err)
	}
	bounds := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)
	return Image{
		Data:   dst.Pix,
		Width:  uint32(bounds.Dx()),
		Height: uint32(bounds.Dy()),
		Format: Rgba8UnormSrgb,
	}, nil
}

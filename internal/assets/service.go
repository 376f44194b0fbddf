// Package assets shares content between peers by UUID. The owner serves
// encoded payloads on request; receivers hold placeholders until the bytes
// arrive.
package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"tabletop/session/internal/net/proto"
	"tabletop/session/internal/telemetry"
	"tabletop/session/logging"
	loggingassets "tabletop/session/logging/assets"
)

const (
	// DefaultRetryInterval is how long an unanswered request waits before
	// it is sent again.
	DefaultRetryInterval = 5 * time.Second
	// DefaultCacheSize bounds the encoded payload cache.
	DefaultCacheSize = 64
)

const (
	metricRequestsSent   = "assets_requests_sent_total"
	metricPayloadsServed = "assets_payloads_served_total"
	metricResolved       = "assets_resolved_total"
	metricDecodeFailed   = "assets_decode_failed_total"
	metricUnsolicited    = "assets_unsolicited_total"
)

// ErrNotShared is returned when asking for content this peer does not hold.
var ErrNotShared = errors.New("assets: content not shared")

// Config wires a Service.
type Config struct {
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Clock     clock.Clock
	// RetryInterval re-sends unanswered requests. Negative disables retries;
	// zero selects DefaultRetryInterval.
	RetryInterval time.Duration
	CacheSize     int
}

// Outbound is a request or payload the peer must deliver.
type Outbound struct {
	To      uint64
	Kind    proto.Kind
	Message any
}

type pending struct {
	owner    uint64
	attempts int
	sentAt   time.Time
}

// Service tracks shared images for one peer. It is owned by the tick.
type Service struct {
	cfg     Config
	images  *Registry[Image]
	cache   *lru.Cache[uuid.UUID, []byte]
	pending map[uuid.UUID]*pending
	outbox  []Outbound
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	cache, err := lru.New[uuid.UUID, []byte](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("assets: create cache: %w", err)
	}
	return &Service{
		cfg:     cfg,
		images:  NewRegistry[Image](),
		cache:   cache,
		pending: make(map[uuid.UUID]*pending),
	}, nil
}

func peerRef(id uint64) logging.EntityRef {
	if id == 0 {
		return logging.HostRef()
	}
	return logging.ClientRef(strconv.FormatUint(id, 10))
}

// Share records img under a fresh UUID so peers can request it.
func (s *Service) Share(img Image) (uuid.UUID, Handle, error) {
	encoded, err := Encode(img)
	if err != nil {
		return uuid.Nil, 0, err
	}
	id := uuid.New()
	stored := img
	h := s.images.Insert(id, &stored)
	s.cache.Add(id, encoded)
	return id, h, nil
}

// LoadShared reads an image file and shares it.
func (s *Service) LoadShared(path string) (uuid.UUID, Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("assets: open %s: %w", path, err)
	}
	defer f.Close()
	img, err := ReadImage(f)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("assets: load %s: %w", path, err)
	}
	return s.Share(img)
}

// Reference returns the handle for ref. Unknown content becomes a
// placeholder and exactly one request to owner is queued for it.
func (s *Service) Reference(ctx context.Context, tick uint64, ref proto.SharedAssetRef, owner uint64) Handle {
	h, created := s.images.Placeholder(ref.ID)
	if !created {
		return h
	}
	s.pending[ref.ID] = &pending{owner: owner}
	s.request(ctx, tick, ref.ID)
	return h
}

func (s *Service) request(ctx context.Context, tick uint64, id uuid.UUID) {
	p := s.pending[id]
	p.attempts++
	p.sentAt = s.cfg.Clock.Now()
	s.outbox = append(s.outbox, Outbound{
		To:      p.owner,
		Kind:    proto.KindRequestAsset,
		Message: proto.RequestAsset{ID: id, Type: TypeImage},
	})
	s.cfg.Metrics.Add(metricRequestsSent, 1)
	loggingassets.Requested(ctx, s.cfg.Publisher, tick, peerRef(p.owner), loggingassets.AssetPayload{
		ID:      id.String(),
		Type:    TypeImage,
		Attempt: p.attempts,
	})
}

// HandleRequest answers a peer that asked for content. Requests for
// content this peer does not hold are logged and ignored.
func (s *Service) HandleRequest(ctx context.Context, tick uint64, from uint64, req proto.RequestAsset) error {
	payload := loggingassets.AssetPayload{ID: req.ID.String(), Type: req.Type}
	if req.Type != "" && req.Type != TypeImage {
		payload.Reason = "unknown type"
		loggingassets.NotShared(ctx, s.cfg.Publisher, tick, peerRef(from), payload)
		return fmt.Errorf("%w: type %q", ErrNotShared, req.Type)
	}
	encoded, err := s.encoded(req.ID)
	if err != nil {
		if errors.Is(err, ErrNotShared) {
			loggingassets.NotShared(ctx, s.cfg.Publisher, tick, peerRef(from), payload)
		} else {
			payload.Reason = err.Error()
			loggingassets.EncodeFailed(ctx, s.cfg.Publisher, tick, peerRef(from), payload)
		}
		return err
	}
	s.outbox = append(s.outbox, Outbound{
		To:      from,
		Kind:    proto.KindAssetPayload,
		Message: proto.AssetPayload{ID: req.ID, Type: TypeImage, Data: encoded},
	})
	s.cfg.Metrics.Add(metricPayloadsServed, 1)
	payload.Bytes = len(encoded)
	loggingassets.Served(ctx, s.cfg.Publisher, tick, peerRef(from), payload)
	return nil
}

func (s *Service) encoded(id uuid.UUID) ([]byte, error) {
	if data, ok := s.cache.Get(id); ok {
		return data, nil
	}
	h, ok := s.images.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotShared, id)
	}
	img, ok := s.images.Get(h)
	if !ok {
		return nil, fmt.Errorf("%w: %s unresolved", ErrNotShared, id)
	}
	data, err := Encode(*img)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, data)
	return data, nil
}

// HandlePayload resolves a placeholder. Payloads for content that is
// already resolved change nothing; malformed or unsupported ones are
// logged and the placeholder stays.
func (s *Service) HandlePayload(ctx context.Context, tick uint64, from uint64, msg proto.AssetPayload) (bool, error) {
	h, ok := s.images.Lookup(msg.ID)
	if !ok {
		s.cfg.Metrics.Add(metricUnsolicited, 1)
		return false, nil
	}
	if s.images.Resolved(h) {
		delete(s.pending, msg.ID)
		return false, nil
	}
	img, err := Decode(msg.Data)
	if err != nil {
		s.cfg.Metrics.Add(metricDecodeFailed, 1)
		loggingassets.DecodeFailed(ctx, s.cfg.Publisher, tick, peerRef(from), loggingassets.AssetPayload{
			ID:     msg.ID.String(),
			Type:   msg.Type,
			Bytes:  len(msg.Data),
			Reason: err.Error(),
		})
		return false, err
	}
	s.images.Insert(msg.ID, &img)
	s.cache.Add(msg.ID, append([]byte(nil), msg.Data...))
	delete(s.pending, msg.ID)
	s.cfg.Metrics.Add(metricResolved, 1)
	loggingassets.Resolved(ctx, s.cfg.Publisher, tick, peerRef(from), loggingassets.AssetPayload{
		ID:    msg.ID.String(),
		Type:  TypeImage,
		Bytes: len(msg.Data),
	})
	return true, nil
}

// Flush re-queues requests that stayed unanswered for the retry interval
// and returns everything queued since the last call.
func (s *Service) Flush(ctx context.Context, tick uint64) []Outbound {
	if s.cfg.RetryInterval > 0 {
		now := s.cfg.Clock.Now()
		ids := make([]uuid.UUID, 0, len(s.pending))
		for id, p := range s.pending {
			if now.Sub(p.sentAt) >= s.cfg.RetryInterval {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		for _, id := range ids {
			s.request(ctx, tick, id)
		}
	}
	out := s.outbox
	s.outbox = nil
	return out
}

// Abandon drops unanswered requests addressed to owner together with their
// placeholders, e.g. when the owner disconnects.
func (s *Service) Abandon(owner uint64) {
	for id, p := range s.pending {
		if p.owner != owner {
			continue
		}
		delete(s.pending, id)
		s.images.Remove(id)
	}
	kept := s.outbox[:0]
	for _, o := range s.outbox {
		if o.To != owner {
			kept = append(kept, o)
		}
	}
	s.outbox = kept
}

// Lookup returns the handle bound to id.
func (s *Service) Lookup(id uuid.UUID) (Handle, bool) { return s.images.Lookup(id) }

// Image returns resolved content by id.
func (s *Service) Image(id uuid.UUID) (Image, bool) {
	h, ok := s.images.Lookup(id)
	if !ok {
		return Image{}, false
	}
	img, ok := s.images.Get(h)
	if !ok {
		return Image{}, false
	}
	return *img, true
}

// Resolved reports whether id has content.
func (s *Service) Resolved(id uuid.UUID) bool {
	h, ok := s.images.Lookup(id)
	return ok && s.images.Resolved(h)
}

// Pending lists ids still waiting for a payload.
func (s *Service) Pending() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

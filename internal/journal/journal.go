// Package journal buffers the replication changes produced during a tick
// and keeps a bounded ring of full world keyframes used to bootstrap
// clients that join mid-session.
package journal

import (
	"maps"
	"slices"
	"sync"
	"time"

	"tabletop/session/internal/net/proto"
	"tabletop/session/internal/telemetry"
)

// PatchKind identifies the type of diff entry.
type PatchKind string

const (
	// PatchSpawn introduces an entity with its initial components.
	PatchSpawn PatchKind = "spawn"
	// PatchDespawn removes an entity.
	PatchDespawn PatchKind = "despawn"
	// PatchComponent inserts or replaces once-strategy components.
	PatchComponent PatchKind = "component"
)

// Patch is one staged world change keyed by network id.
type Patch struct {
	Kind       PatchKind
	Tick       uint64
	NetID      proto.NetID
	Components proto.Components
}

func clonePatch(p Patch) Patch {
	p.Components = p.Components.Clone()
	return p
}

// Keyframe is a full snapshot of the replicated world and resources.
type Keyframe struct {
	Tick       uint64
	Sequence   uint64
	Entities   []proto.EntityComponents
	Players    map[uint64]proto.PlayerRecord
	Clients    []uint64
	RecordedAt time.Time
}

func cloneKeyframe(frame Keyframe) Keyframe {
	clone := frame
	if len(frame.Entities) > 0 {
		clone.Entities = make([]proto.EntityComponents, len(frame.Entities))
		for i, entity := range frame.Entities {
			clone.Entities[i] = proto.EntityComponents{NetID: entity.NetID, Components: entity.Components.Clone()}
		}
	}
	clone.Players = maps.Clone(frame.Players)
	clone.Clients = slices.Clone(frame.Clients)
	return clone
}

type KeyframeEviction struct {
	Sequence uint64
	Tick     uint64
	Reason   string
}

type KeyframeRecordResult struct {
	Sequence       uint64
	Size           int
	OldestSequence uint64
	NewestSequence uint64
	Evicted        []KeyframeEviction
}

const (
	metricPatchesStaged     = "journal_patches_staged_total"
	metricPatchesPurged     = "journal_patches_purged_total"
	metricKeyframesRecorded = "journal_keyframes_recorded_total"
	metricKeyframesEvicted  = "journal_keyframes_evicted_total"
)

// Journal accumulates patches generated during a tick and keeps a rolling
// buffer of recent keyframes.
type Journal struct {
	mu        sync.RWMutex
	patches   []Patch
	keyframes []Keyframe
	maxFrames int
	maxAge    time.Duration
	nextSeq   uint64
	now       func() time.Time
	metrics   telemetry.Metrics
}

// New constructs a journal with storage for the configured number of
// keyframes and retention window.
func New(keyframeCapacity int, maxAge time.Duration) *Journal {
	if keyframeCapacity < 0 {
		keyframeCapacity = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return &Journal{
		keyframes: make([]Keyframe, 0, keyframeCapacity),
		maxFrames: keyframeCapacity,
		maxAge:    maxAge,
		now:       time.Now,
		metrics:   telemetry.Nop(),
	}
}

// AttachTelemetry routes journal counters to metrics.
func (j *Journal) AttachTelemetry(metrics telemetry.Metrics) {
	if metrics == nil {
		metrics = telemetry.Nop()
	}
	j.mu.Lock()
	j.metrics = metrics
	j.mu.Unlock()
}

// SetClock overrides the wall clock used for keyframe age.
func (j *Journal) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	j.mu.Lock()
	j.now = now
	j.mu.Unlock()
}

// AppendPatch records a patch for the current tick.
func (j *Journal) AppendPatch(p Patch) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.patches = append(j.patches, clonePatch(p))
	j.metrics.Add(metricPatchesStaged, 1)
}

// PurgeEntity drops staged patches for an entity that was spawned and
// despawned within the same window, so receivers never see it. It reports
// whether a spawn patch was among them.
func (j *Journal) PurgeEntity(id proto.NetID) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	spawned := false
	before := len(j.patches)
	j.patches = slices.DeleteFunc(j.patches, func(patch Patch) bool {
		if patch.NetID != id {
			return false
		}
		spawned = spawned || patch.Kind == PatchSpawn
		return true
	})
	if purged := before - len(j.patches); purged > 0 {
		j.metrics.Add(metricPatchesPurged, uint64(purged))
	}
	return spawned
}

// DrainPatches hands over the staged patches and starts a fresh buffer.
// Patches are copied on append, so the caller owns the result.
func (j *Journal) DrainPatches() []Patch {
	j.mu.Lock()
	defer j.mu.Unlock()
	drained := j.patches
	j.patches = nil
	return drained
}

// RecordKeyframe stores a keyframe, then evicts frames older than the
// retention window followed by the oldest frames beyond capacity. A zero
// Sequence is replaced by the next journal sequence.
func (j *Journal) RecordKeyframe(frame Keyframe) KeyframeRecordResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	if frame.Sequence == 0 {
		j.nextSeq++
		frame.Sequence = j.nextSeq
	}
	j.nextSeq = max(j.nextSeq, frame.Sequence)
	if j.maxFrames == 0 {
		j.keyframes = j.keyframes[:0]
		return KeyframeRecordResult{Sequence: frame.Sequence}
	}

	frame = cloneKeyframe(frame)
	frame.RecordedAt = j.now()
	j.keyframes = append(j.keyframes, frame)
	j.metrics.Add(metricKeyframesRecorded, 1)

	var evicted []KeyframeEviction
	if j.maxAge > 0 {
		cutoff := frame.RecordedAt.Add(-j.maxAge)
		stale := 0
		for stale < len(j.keyframes) && j.keyframes[stale].RecordedAt.Before(cutoff) {
			stale++
		}
		evicted = j.evictLocked(evicted, stale, "expired")
	}
	evicted = j.evictLocked(evicted, len(j.keyframes)-j.maxFrames, "count")
	if len(evicted) > 0 {
		j.metrics.Add(metricKeyframesEvicted, uint64(len(evicted)))
	}

	window := j.windowLocked()
	return KeyframeRecordResult{
		Sequence:       frame.Sequence,
		Size:           window.Size,
		OldestSequence: window.Oldest,
		NewestSequence: window.Newest,
		Evicted:        evicted,
	}
}

// evictLocked drops the n oldest keyframes, appending them to evicted.
func (j *Journal) evictLocked(evicted []KeyframeEviction, n int, reason string) []KeyframeEviction {
	if n <= 0 {
		return evicted
	}
	for _, old := range j.keyframes[:n] {
		evicted = append(evicted, KeyframeEviction{Sequence: old.Sequence, Tick: old.Tick, Reason: reason})
	}
	j.keyframes = slices.Delete(j.keyframes, 0, n)
	return evicted
}

// Window describes the retained keyframes for diagnostics.
type Window struct {
	Size           int    `json:"size"`
	Oldest         uint64 `json:"oldest"`
	Newest         uint64 `json:"newest"`
	Staged         int    `json:"staged"`
	LatestTick     uint64 `json:"latestTick,omitempty"`
	LatestEntities int    `json:"latestEntities,omitempty"`
	LatestPlayers  int    `json:"latestPlayers,omitempty"`
}

// KeyframeWindow reports the current retention window.
func (j *Journal) KeyframeWindow() Window {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.windowLocked()
}

func (j *Journal) windowLocked() Window {
	window := Window{Size: len(j.keyframes), Staged: len(j.patches)}
	if window.Size == 0 {
		return window
	}
	latest := j.keyframes[window.Size-1]
	window.Oldest = j.keyframes[0].Sequence
	window.Newest = latest.Sequence
	window.LatestTick = latest.Tick
	window.LatestEntities = len(latest.Entities)
	window.LatestPlayers = len(latest.Players)
	return window
}

// Package policy defines delivery policies for execution telemetry: how
// aggressively to buffer, when to drop droppable events, and how to persist
// artifact chunks.
package policy

import (
	"context"
	"sync"

	"github.com/pithecene-io/corral/types"
)

// Policy defines the delivery policy interface.
// Policies control buffering, dropping, and persistence behavior.
//
//   - May drop: log, lock_acquired, lock_released
//   - Must NOT drop: command, artifact, checkpoint, execution_error, execution_complete
//   - Policy must not alter event shapes
//   - Policy failure terminates the run
type Policy interface {
	// IngestEvent handles one telemetry event.
	// May drop droppable event types (log, lock_acquired, lock_released).
	// Must not drop non-droppable types; return error to terminate run.
	IngestEvent(ctx context.Context, event *types.ExecutionEvent) error

	// IngestArtifactChunk handles an artifact chunk.
	// Must buffer/persist chunks in order.
	// Returns error on failure (terminates run).
	IngestArtifactChunk(ctx context.Context, chunk *types.ArtifactChunk) error

	// Flush flushes any buffered data.
	// Called on execution_complete, execution_error, or runtime shutdown.
	Flush(ctx context.Context) error

	// Close cleans up policy resources.
	Close() error

	// Stats returns policy statistics for observability.
	// Returns an atomic snapshot of policy metrics at a point in time.
	// All counters in the returned Stats are consistent with each other.
	Stats() Stats
}

// Stats represents policy observability metrics.
type Stats struct {
	// TotalEvents is the total number of events received.
	TotalEvents int64
	// EventsPersisted is the number of events persisted.
	EventsPersisted int64
	// EventsDropped is the total number of events dropped.
	EventsDropped int64
	// DroppedByType maps event types to drop counts.
	DroppedByType map[types.EventType]int64
	// TotalChunks is the total number of artifact chunks received.
	TotalChunks int64
	// ChunksPersisted is the number of chunks persisted.
	ChunksPersisted int64
	// BufferSize is the current buffer size in bytes (if buffered).
	BufferSize int64
	// FlushCount is the number of flush operations.
	FlushCount int64
	// Errors is the count of non-fatal errors encountered.
	Errors int64
}

// droppableEventTypes is the set of event types a policy may discard under
// backpressure; everything else must reach the sink or the run fails.
var droppableEventTypes = map[types.EventType]bool{
	types.EventTypeLog:          true,
	types.EventTypeLockAcquired: true,
	types.EventTypeLockReleased: true,
}

// IsDroppable reports whether a policy is permitted to discard eventType
// under backpressure.
func IsDroppable(eventType types.EventType) bool {
	return droppableEventTypes[eventType]
}

// DroppableTypes returns a copy of the droppable event type set, safe for
// callers to range over without risking a mutation of the package default.
func DroppableTypes() map[types.EventType]bool {
	out := make(map[types.EventType]bool, len(droppableEventTypes))
	for k, v := range droppableEventTypes {
		out[k] = v
	}
	return out
}

// recordEvent folds one ingested event's outcome into s: always counted
// toward TotalEvents, then either EventsPersisted or EventsDropped (broken
// down by type).
func (s *Stats) recordEvent(eventType types.EventType, persisted bool) {
	s.TotalEvents++
	if persisted {
		s.EventsPersisted++
		return
	}
	s.EventsDropped++
	if s.DroppedByType == nil {
		s.DroppedByType = make(map[types.EventType]int64)
	}
	s.DroppedByType[eventType]++
}

// recordDrop counts a dropped event whose TotalEvents increment was already
// made at ingest time. BufferedPolicy uses it both for an incoming droppable
// event turned away for lack of room and for a buffered one evicted to make
// room.
func (s *Stats) recordDrop(eventType types.EventType) {
	s.EventsDropped++
	if s.DroppedByType == nil {
		s.DroppedByType = make(map[types.EventType]int64)
	}
	s.DroppedByType[eventType]++
}

// recordChunk folds one ingested artifact chunk into s. Chunks are never
// dropped, so this only ever adds to TotalChunks/ChunksPersisted together.
func (s *Stats) recordChunk() {
	s.TotalChunks++
	s.ChunksPersisted++
}

func (s *Stats) recordFlush() { s.FlushCount++ }
func (s *Stats) recordError() { s.Errors++ }

// copyWithBufferSize returns a value copy of s with its own DroppedByType
// map and BufferSize overridden — the shape every policy's Stats() needs so
// callers can't mutate a policy's live counters through the snapshot.
func (s Stats) copyWithBufferSize(bufferSize int64) Stats {
	out := s
	out.BufferSize = bufferSize
	out.DroppedByType = make(map[types.EventType]int64, len(s.DroppedByType))
	for k, v := range s.DroppedByType {
		out.DroppedByType[k] = v
	}
	return out
}

// statsRecorder guards a Stats value with its own mutex. Every policy
// (Strict, Buffered, Streaming, Noop) keeps its counters in one and changes
// them only through update.
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{stats: Stats{DroppedByType: make(map[types.EventType]int64)}}
}

// update runs fn against the recorder's stats under lock.
func (r *statsRecorder) update(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.copyWithBufferSize(r.stats.BufferSize)
}

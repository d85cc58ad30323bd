package policy

import (
	"context"
	"sync"

	"github.com/pithecene-io/corral/types"
)

// Sink is where a Policy ultimately sends events and artifact chunks.
// Implementations batch writes; a batch of one is a valid batch, which is
// what StrictPolicy relies on.
type Sink interface {
	WriteEvents(ctx context.Context, events []*types.ExecutionEvent) error
	WriteChunks(ctx context.Context, chunks []*types.ArtifactChunk) error
	Close() error
}

// WriteOp is one recorded call into a StubSink, kept so ordering tests can
// tell whether chunks or events landed first.
type WriteOp struct {
	Type   string
	Events []*types.ExecutionEvent
	Chunks []*types.ArtifactChunk
}

// StubSink is an in-memory Sink for tests: it never persists anything, it
// just remembers what it was asked to write.
type StubSink struct {
	mu sync.Mutex

	EventsWritten int64
	ChunksWritten int64
	EventBatches  int64
	ChunkBatches  int64
	Closed        bool

	WrittenEvents []*types.ExecutionEvent
	WrittenChunks []*types.ArtifactChunk
	WriteOrder    []WriteOp

	// ErrorOnWrite, when set, is returned by every WriteEvents/WriteChunks
	// call instead of recording the write.
	ErrorOnWrite error
}

// NewStubSink returns an empty StubSink.
func NewStubSink() *StubSink {
	return &StubSink{
		WrittenEvents: make([]*types.ExecutionEvent, 0),
		WrittenChunks: make([]*types.ArtifactChunk, 0),
		WriteOrder:    make([]WriteOp, 0),
	}
}

func (s *StubSink) WriteEvents(_ context.Context, events []*types.ExecutionEvent) error {
	if blocked := s.rejectIfArmed(); blocked != nil {
		return blocked
	}

	s.mu.Lock()
	s.EventBatches++
	s.EventsWritten += int64(len(events))
	s.WrittenEvents = append(s.WrittenEvents, events...)
	s.WriteOrder = append(s.WriteOrder, WriteOp{Type: "events", Events: events})
	s.mu.Unlock()
	return nil
}

func (s *StubSink) WriteChunks(_ context.Context, chunks []*types.ArtifactChunk) error {
	if blocked := s.rejectIfArmed(); blocked != nil {
		return blocked
	}

	s.mu.Lock()
	s.ChunkBatches++
	s.ChunksWritten += int64(len(chunks))
	s.WrittenChunks = append(s.WrittenChunks, chunks...)
	s.WriteOrder = append(s.WriteOrder, WriteOp{Type: "chunks", Chunks: chunks})
	s.mu.Unlock()
	return nil
}

// rejectIfArmed reports ErrorOnWrite under lock without touching any of the
// write counters, so a sink primed to fail never leaves partial state behind.
func (s *StubSink) rejectIfArmed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrorOnWrite
}

func (s *StubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// StubSinkStats is a snapshot of a StubSink's call counters.
type StubSinkStats struct {
	EventsWritten int64
	ChunksWritten int64
	EventBatches  int64
	ChunkBatches  int64
	Closed        bool
}

func (s *StubSink) Stats() StubSinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StubSinkStats{
		EventsWritten: s.EventsWritten,
		ChunksWritten: s.ChunksWritten,
		EventBatches:  s.EventBatches,
		ChunkBatches:  s.ChunkBatches,
		Closed:        s.Closed,
	}
}

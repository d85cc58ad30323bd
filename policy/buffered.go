package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pithecene-io/corral/log"
	"github.com/pithecene-io/corral/types"
)

// FlushMode selects how BufferedPolicy.Flush trades off duplicate writes
// against buffer-clearing precision when the sink fails partway through.
type FlushMode string

const (
	// FlushAtLeastOnce keeps every buffer intact on any failure. Safest:
	// nothing is lost, but a retry after a partial failure can re-send
	// data the sink already has.
	FlushAtLeastOnce FlushMode = "at_least_once"

	// FlushChunksFirst only clears the chunk buffer once chunks are
	// confirmed written; events are never attempted until chunks succeed.
	FlushChunksFirst FlushMode = "chunks_first"

	// FlushTwoPhase remembers which half of a flush already succeeded so
	// a retry doesn't resend it. The most bookkeeping, the fewest
	// duplicates.
	FlushTwoPhase FlushMode = "two_phase"
)

// BufferedConfig configures a BufferedPolicy.
type BufferedConfig struct {
	// MaxBufferEvents caps the number of buffered events. Zero disables
	// the count-based limit.
	MaxBufferEvents int

	// MaxBufferBytes caps the estimated buffer size. Zero disables the
	// byte-based limit. At least one of the two limits must be set.
	MaxBufferBytes int64

	FlushMode FlushMode
	Logger    *log.Logger
}

// DefaultBufferedConfig returns a reasonable starting configuration.
func DefaultBufferedConfig() BufferedConfig {
	return BufferedConfig{
		MaxBufferEvents: 1000,
		MaxBufferBytes:  10 * 1024 * 1024,
		FlushMode:       FlushAtLeastOnce,
	}
}

var (
	ErrBufferFull      = errors.New("buffer full: cannot accept non-droppable event")
	ErrInvalidConfig   = errors.New("invalid config: at least one of MaxBufferEvents or MaxBufferBytes must be set")
	ErrInvalidFlushMode = errors.New("invalid flush mode")
)

// buffer holds everything accumulated between flushes. eventsNext only ever
// has entries in FlushTwoPhase mode, for events ingested after the original
// event buffer has already been written but before chunks confirm.
// Artifact commit events live in their own slice so they can be held back
// until the chunks they reference are confirmed written, regardless of
// FlushMode: a commit record must never outlive the bytes it points to.
type buffer struct {
	events     []*types.ExecutionEvent
	eventsNext []*types.ExecutionEvent
	artifacts  []*types.ExecutionEvent
	chunks     []*types.ArtifactChunk
	bytes      int64
	// originalWritten marks, in two-phase mode, that events (not
	// eventsNext) already reached the sink on a prior attempt.
	originalWritten bool
}

// BufferedPolicy accumulates events and chunks up to a configured limit and
// writes them out in batches on Flush, dropping droppable event types
// (log, lock_acquired, lock_released) to make room when full. Non-droppable
// events never get dropped: if the buffer is full of only non-droppable
// data, IngestEvent fails the run with ErrBufferFull.
type BufferedPolicy struct {
	sink   Sink
	config BufferedConfig
	logger *log.Logger

	mu  sync.Mutex
	buf buffer

	stats *statsRecorder
}

// NewBufferedPolicy builds a BufferedPolicy. Requires at least one buffer
// limit and, if set, a recognized FlushMode.
func NewBufferedPolicy(sink Sink, config BufferedConfig) (*BufferedPolicy, error) {
	if config.MaxBufferEvents <= 0 && config.MaxBufferBytes <= 0 {
		return nil, ErrInvalidConfig
	}
	if config.FlushMode == "" {
		config.FlushMode = FlushAtLeastOnce
	}
	switch config.FlushMode {
	case FlushAtLeastOnce, FlushChunksFirst, FlushTwoPhase:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidFlushMode, config.FlushMode)
	}

	return &BufferedPolicy{
		sink:   sink,
		config: config,
		logger: config.Logger,
		buf:    buffer{events: make([]*types.ExecutionEvent, 0, max(config.MaxBufferEvents, 100))},
		stats:  newStatsRecorder(),
	}, nil
}

// IngestEvent buffers event, evicting the oldest droppable event to make
// room for a non-droppable one if the buffer is full, and dropping the
// incoming event outright if it is itself droppable and there's no room.
func (p *BufferedPolicy) IngestEvent(_ context.Context, event *types.ExecutionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.update(func(s *Stats) { s.TotalEvents++ })
	size := estimateEventSize(event)

	if p.roomFor(size) {
		p.enqueue(event, size)
		return nil
	}

	if IsDroppable(event.Type) {
		p.drop(event.Type, "buffer_full")
		return nil
	}

	if p.evictOldestDroppable() && p.roomForBytes(size) {
		p.enqueue(event, size)
		return nil
	}

	p.stats.update((*Stats).recordError)
	p.logBufferOverflow(event.Type)
	return ErrBufferFull
}

// enqueue appends event to the right buffer: artifact commits go to their
// own slice, everything else to the live event buffer, or to eventsNext if a
// two-phase flush has already written the live buffer. Caller holds mu.
func (p *BufferedPolicy) enqueue(event *types.ExecutionEvent, size int64) {
	switch {
	case event.Type == types.EventTypeArtifact:
		p.buf.artifacts = append(p.buf.artifacts, event)
	case p.config.FlushMode == FlushTwoPhase && p.buf.originalWritten:
		p.buf.eventsNext = append(p.buf.eventsNext, event)
	default:
		p.buf.events = append(p.buf.events, event)
	}
	p.buf.bytes += size
}

// IngestArtifactChunk buffers chunk. Chunks are never droppable, so a full
// buffer fails the run rather than discarding data; this also requires
// MaxBufferBytes to be configured since chunk size can't be bounded by an
// event count alone.
func (p *BufferedPolicy) IngestArtifactChunk(_ context.Context, chunk *types.ArtifactChunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.update(func(s *Stats) { s.TotalChunks++ })

	if p.config.MaxBufferBytes <= 0 {
		p.stats.update((*Stats).recordError)
		return fmt.Errorf("%w: chunk buffering requires MaxBufferBytes to be set", ErrBufferFull)
	}

	size := int64(len(chunk.Data))
	if p.buf.bytes+size > p.config.MaxBufferBytes {
		p.stats.update((*Stats).recordError)
		return fmt.Errorf("%w: chunk size %d would exceed buffer limit", ErrBufferFull, size)
	}

	p.buf.chunks = append(p.buf.chunks, chunk)
	p.buf.bytes += size
	return nil
}

// Flush writes the buffer to the sink according to the configured FlushMode.
func (p *BufferedPolicy) Flush(ctx context.Context) error {
	p.stats.update((*Stats).recordFlush)
	switch p.config.FlushMode {
	case FlushChunksFirst:
		return p.flushChunksFirst(ctx)
	case FlushTwoPhase:
		return p.flushTwoPhase(ctx)
	default:
		return p.flushAtLeastOnce(ctx)
	}
}

// writeChunks writes chunks to the sink and folds the outcome into stats.
// A no-op on an empty slice.
func (p *BufferedPolicy) writeChunks(ctx context.Context, chunks []*types.ArtifactChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := p.sink.WriteChunks(ctx, chunks); err != nil {
		p.stats.update((*Stats).recordError)
		p.logFlushFailure("chunks", err)
		return err
	}
	p.stats.update(func(s *Stats) { s.ChunksPersisted += int64(len(chunks)) })
	return nil
}

// writeEvents writes events to the sink and folds the outcome into stats.
// A no-op on an empty slice.
func (p *BufferedPolicy) writeEvents(ctx context.Context, events []*types.ExecutionEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := p.sink.WriteEvents(ctx, events); err != nil {
		p.stats.update((*Stats).recordError)
		p.logFlushFailure("events", err)
		return err
	}
	p.stats.update(func(s *Stats) { s.EventsPersisted += int64(len(events)) })
	return nil
}

// flushAtLeastOnce writes chunks, then events, then artifact commits, and on
// any failure leaves the whole buffer untouched so the next Flush retries
// everything.
func (p *BufferedPolicy) flushAtLeastOnce(ctx context.Context) error {
	p.mu.Lock()
	events, chunks, artifacts := p.buf.events, p.buf.chunks, p.buf.artifacts
	p.mu.Unlock()

	if err := p.writeChunks(ctx, chunks); err != nil {
		return err
	}
	if err := p.writeEvents(ctx, events); err != nil {
		return err
	}
	if err := p.writeEvents(ctx, artifacts); err != nil {
		return err
	}

	p.mu.Lock()
	p.resetBuffer()
	p.mu.Unlock()
	return nil
}

// flushChunksFirst refuses to attempt events or artifact commits until
// chunks are confirmed, clearing only the buffers that already landed if a
// later step fails.
func (p *BufferedPolicy) flushChunksFirst(ctx context.Context) error {
	p.mu.Lock()
	events, chunks, artifacts := p.buf.events, p.buf.chunks, p.buf.artifacts
	p.mu.Unlock()

	if err := p.writeChunks(ctx, chunks); err != nil {
		return err
	}

	if err := p.writeEvents(ctx, events); err != nil {
		p.mu.Lock()
		p.buf.chunks = nil
		p.recalculate()
		p.mu.Unlock()
		return err
	}

	if err := p.writeEvents(ctx, artifacts); err != nil {
		p.mu.Lock()
		p.buf.chunks = nil
		p.buf.events = nil
		p.recalculate()
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	p.resetBuffer()
	p.mu.Unlock()
	return nil
}

// flushTwoPhase writes the original event buffer, then events ingested
// since, then chunks, then artifact commits, tracking which step already
// landed so a retry after a partial failure never resends a step that
// already succeeded. Artifact commits always wait for chunks, even though
// both the original and next event buffers are flushed ahead of them.
func (p *BufferedPolicy) flushTwoPhase(ctx context.Context) error {
	p.mu.Lock()
	events, eventsNext, chunks, artifacts := p.buf.events, p.buf.eventsNext, p.buf.chunks, p.buf.artifacts
	alreadyWritten := p.buf.originalWritten
	p.mu.Unlock()

	if !alreadyWritten {
		if err := p.writeEvents(ctx, events); err != nil {
			return err
		}
		p.mu.Lock()
		p.buf.originalWritten = true
		p.mu.Unlock()
	}

	if err := p.writeEvents(ctx, eventsNext); err != nil {
		return err
	}

	if err := p.writeChunks(ctx, chunks); err != nil {
		p.mu.Lock()
		p.buf.eventsNext = nil
		p.recalculate()
		p.mu.Unlock()
		return err
	}

	if err := p.writeEvents(ctx, artifacts); err != nil {
		p.mu.Lock()
		p.buf.eventsNext = nil
		p.buf.chunks = nil
		p.recalculate()
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	p.resetBuffer()
	p.buf.originalWritten = false
	p.mu.Unlock()
	return nil
}

// resetBuffer clears every buffer after a fully successful flush. Caller
// holds mu.
func (p *BufferedPolicy) resetBuffer() {
	p.buf.events = make([]*types.ExecutionEvent, 0, max(p.config.MaxBufferEvents, 100))
	p.buf.eventsNext = nil
	p.buf.artifacts = nil
	p.buf.chunks = nil
	p.buf.bytes = 0
}

// recalculate recomputes buf.bytes from whatever remains buffered. Caller
// holds mu.
func (p *BufferedPolicy) recalculate() {
	var total int64
	for _, e := range p.buf.events {
		total += estimateEventSize(e)
	}
	for _, e := range p.buf.eventsNext {
		total += estimateEventSize(e)
	}
	for _, e := range p.buf.artifacts {
		total += estimateEventSize(e)
	}
	for _, c := range p.buf.chunks {
		total += int64(len(c.Data))
	}
	p.buf.bytes = total
}

// Close flushes whatever remains, best-effort, and closes the sink.
func (p *BufferedPolicy) Close() error {
	_ = p.Flush(context.Background())
	return p.sink.Close()
}

func (p *BufferedPolicy) Stats() Stats {
	p.mu.Lock()
	bytes := p.buf.bytes
	p.mu.Unlock()
	return p.stats.snapshot().copyWithBufferSize(bytes)
}

func (p *BufferedPolicy) roomFor(size int64) bool {
	total := len(p.buf.events) + len(p.buf.eventsNext) + len(p.buf.artifacts)
	if p.config.MaxBufferEvents > 0 && total >= p.config.MaxBufferEvents {
		return false
	}
	return p.roomForBytes(size)
}

func (p *BufferedPolicy) roomForBytes(size int64) bool {
	return p.config.MaxBufferBytes <= 0 || p.buf.bytes+size <= p.config.MaxBufferBytes
}

// evictOldestDroppable removes the first droppable event found, checking
// the live buffer before eventsNext. Caller holds mu.
func (p *BufferedPolicy) evictOldestDroppable() bool {
	if i, ok := firstDroppableIndex(p.buf.events); ok {
		evicted := p.buf.events[i]
		p.buf.events = append(p.buf.events[:i], p.buf.events[i+1:]...)
		p.buf.bytes -= estimateEventSize(evicted)
		p.drop(evicted.Type, "evicted_for_non_droppable")
		return true
	}
	if i, ok := firstDroppableIndex(p.buf.eventsNext); ok {
		evicted := p.buf.eventsNext[i]
		p.buf.eventsNext = append(p.buf.eventsNext[:i], p.buf.eventsNext[i+1:]...)
		p.buf.bytes -= estimateEventSize(evicted)
		p.drop(evicted.Type, "evicted_for_non_droppable")
		return true
	}
	return false
}

func firstDroppableIndex(events []*types.ExecutionEvent) (int, bool) {
	for i, e := range events {
		if IsDroppable(e.Type) {
			return i, true
		}
	}
	return 0, false
}

// drop records a dropped event in stats and logs it. Caller holds mu.
func (p *BufferedPolicy) drop(eventType types.EventType, reason string) {
	p.stats.update(func(s *Stats) { s.recordDrop(eventType) })
	p.logDrop(eventType, reason)
}

func (p *BufferedPolicy) logDrop(eventType types.EventType, reason string) {
	if p.logger == nil {
		return
	}
	p.logger.Warn("event dropped", map[string]any{
		"event_type": string(eventType),
		"reason":     reason,
		"policy":     "buffered",
	})
}

func (p *BufferedPolicy) logBufferOverflow(eventType types.EventType) {
	if p.logger == nil {
		return
	}
	p.logger.Error("buffer overflow", map[string]any{
		"event_type": string(eventType),
		"policy":     "buffered",
	})
}

func (p *BufferedPolicy) logFlushFailure(bufferType string, err error) {
	if p.logger == nil {
		return
	}
	p.logger.Error("flush failed", map[string]any{
		"buffer_type": bufferType,
		"error":       err.Error(),
		"policy":      "buffered",
	})
}

var _ Policy = (*BufferedPolicy)(nil)

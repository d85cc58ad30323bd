package policy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/corral/log"
	"github.com/pithecene-io/corral/types"
)

// StreamingConfig configures a StreamingPolicy.
type StreamingConfig struct {
	// FlushCount triggers a flush once the buffer holds this many events.
	// Zero disables the count trigger.
	FlushCount int

	// FlushInterval triggers a flush on a fixed cadence regardless of
	// buffer size. Zero disables the interval trigger.
	FlushInterval time.Duration

	Logger *log.Logger
}

// FlushTrigger names why a flush ran.
type FlushTrigger string

const (
	FlushTriggerCount       FlushTrigger = "count"
	FlushTriggerInterval    FlushTrigger = "interval"
	FlushTriggerTermination FlushTrigger = "termination"
)

// ErrStreamingInvalidConfig is returned when neither flush trigger is set.
var ErrStreamingInvalidConfig = errors.New("invalid streaming config: at least one of FlushCount or FlushInterval must be set")

// pendingWrites holds events and chunks accumulated between flushes.
type pendingWrites struct {
	events []*types.ExecutionEvent
	chunks []*types.ArtifactChunk
	bytes  int64
}

func newPendingWrites() pendingWrites {
	return pendingWrites{events: make([]*types.ExecutionEvent, 0, 128)}
}

func (p pendingWrites) empty() bool {
	return len(p.events) == 0 && len(p.chunks) == 0
}

// StreamingPolicy keeps an in-memory buffer that it drains periodically
// rather than on every call. The buffer has no size limit. Nothing is ever
// dropped: a failed flush puts the unwritten data back so the next trigger
// retries it.
//
// Two locks cooperate: mu guards the buffer and counters for the duration of
// an append or a swap, flushMu keeps two flushes (e.g. the count trigger and
// the interval goroutine) from writing to the sink concurrently.
type StreamingPolicy struct {
	sink   Sink
	config StreamingConfig
	logger *log.Logger

	mu      sync.Mutex
	pending pendingWrites
	stats   *statsRecorder

	flushMu      sync.Mutex
	triggerCount map[FlushTrigger]int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewStreamingPolicy builds a StreamingPolicy. At least one flush trigger
// must be configured.
func NewStreamingPolicy(sink Sink, config StreamingConfig) (*StreamingPolicy, error) {
	if config.FlushCount <= 0 && config.FlushInterval <= 0 {
		return nil, ErrStreamingInvalidConfig
	}

	p := &StreamingPolicy{
		sink:         sink,
		config:       config,
		logger:       config.Logger,
		pending:      newPendingWrites(),
		stats:        newStatsRecorder(),
		triggerCount: make(map[FlushTrigger]int64, 3),
		stopCh:       make(chan struct{}),
	}

	if config.FlushInterval > 0 {
		go p.intervalLoop()
	}

	return p, nil
}

func (p *StreamingPolicy) IngestEvent(ctx context.Context, event *types.ExecutionEvent) error {
	p.mu.Lock()
	p.stats.update(func(s *Stats) { s.TotalEvents++ })
	p.pending.events = append(p.pending.events, event)
	p.pending.bytes += estimateEventSize(event)
	full := p.config.FlushCount > 0 && len(p.pending.events) >= p.config.FlushCount
	p.mu.Unlock()

	if full {
		return p.triggerFlush(ctx, FlushTriggerCount)
	}
	return nil
}

func (p *StreamingPolicy) IngestArtifactChunk(_ context.Context, chunk *types.ArtifactChunk) error {
	p.mu.Lock()
	p.stats.update(func(s *Stats) { s.TotalChunks++ })
	p.pending.chunks = append(p.pending.chunks, chunk)
	p.pending.bytes += int64(len(chunk.Data))
	p.mu.Unlock()
	return nil
}

// Flush drains whatever is buffered, attributed to a termination trigger.
func (p *StreamingPolicy) Flush(ctx context.Context) error {
	return p.triggerFlush(ctx, FlushTriggerTermination)
}

// triggerFlush swaps out the current buffer for an empty one and writes the
// swapped-out contents to the sink outside of mu, so ingestion keeps moving
// while the write is in flight. A failed write is merged back in front of
// whatever accumulated in the meantime.
func (p *StreamingPolicy) triggerFlush(ctx context.Context, trigger FlushTrigger) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	p.triggerCount[trigger]++
	p.stats.update((*Stats).recordFlush)

	batch := p.pending
	if batch.empty() {
		p.mu.Unlock()
		return nil
	}
	p.pending = newPendingWrites()
	p.mu.Unlock()

	if len(batch.chunks) > 0 {
		if err := p.sink.WriteChunks(ctx, batch.chunks); err != nil {
			p.restore(batch)
			p.logFlushFailure("chunks", trigger, err)
			return err
		}
		p.stats.update(func(s *Stats) { s.ChunksPersisted += int64(len(batch.chunks)) })
	}

	if len(batch.events) > 0 {
		if err := p.sink.WriteEvents(ctx, batch.events); err != nil {
			p.restore(pendingWrites{events: batch.events})
			p.logFlushFailure("events", trigger, err)
			return err
		}
		p.stats.update(func(s *Stats) { s.EventsPersisted += int64(len(batch.events)) })
	}

	p.logFlush(trigger, len(batch.events), len(batch.chunks))
	return nil
}

// restore merges a batch that failed to write back in front of whatever has
// accumulated since the swap, marks one error, and recomputes buffer size.
func (p *StreamingPolicy) restore(batch pendingWrites) {
	p.mu.Lock()
	p.stats.update((*Stats).recordError)
	p.pending.events = append(batch.events, p.pending.events...)
	p.pending.chunks = append(batch.chunks, p.pending.chunks...)
	p.pending.bytes = bufferedBytes(p.pending)
	p.mu.Unlock()
}

func (p *StreamingPolicy) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	_ = p.Flush(context.Background())
	return p.sink.Close()
}

func (p *StreamingPolicy) Stats() Stats {
	p.mu.Lock()
	bytes := p.pending.bytes
	p.mu.Unlock()
	return p.stats.snapshot().copyWithBufferSize(bytes)
}

// FlushTriggerStats reports how many flushes each trigger produced. Additive
// to the counters in Stats, not a replacement for them.
func (p *StreamingPolicy) FlushTriggerStats() map[FlushTrigger]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[FlushTrigger]int64, len(p.triggerCount))
	for k, v := range p.triggerCount {
		out[k] = v
	}
	return out
}

func (p *StreamingPolicy) intervalLoop() {
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			hasData := !p.pending.empty()
			p.mu.Unlock()
			if hasData {
				_ = p.triggerFlush(context.Background(), FlushTriggerInterval)
			}
		case <-p.stopCh:
			return
		}
	}
}

func estimateEventSize(event *types.ExecutionEvent) int64 {
	size := int64(200)
	if event.Payload != nil {
		size += int64(len(event.Payload)) * 50
	}
	return size
}

func bufferedBytes(p pendingWrites) int64 {
	var total int64
	for _, event := range p.events {
		total += estimateEventSize(event)
	}
	for _, chunk := range p.chunks {
		total += int64(len(chunk.Data))
	}
	return total
}

func (p *StreamingPolicy) logFlush(trigger FlushTrigger, events, chunks int) {
	if p.logger == nil {
		return
	}
	p.logger.Info("streaming flush", map[string]any{
		"trigger": string(trigger),
		"events":  events,
		"chunks":  chunks,
		"policy":  "streaming",
	})
}

func (p *StreamingPolicy) logFlushFailure(bufferType string, trigger FlushTrigger, err error) {
	if p.logger == nil {
		return
	}
	p.logger.Error("streaming flush failed", map[string]any{
		"buffer_type": bufferType,
		"trigger":     string(trigger),
		"error":       err.Error(),
		"policy":      "streaming",
	})
}

var _ Policy = (*StreamingPolicy)(nil)

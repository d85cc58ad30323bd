package policy

import (
	"context"

	"github.com/pithecene-io/corral/types"
)

// StrictPolicy writes every event and chunk synchronously, one at a time.
// Nothing is buffered and nothing is dropped: a sink failure propagates to
// the caller and, per the Policy contract, ends the run. Useful when a
// telemetry gap is worse than a slower run.
type StrictPolicy struct {
	sink    Sink
	metrics *statsRecorder
}

// NewStrictPolicy builds a StrictPolicy writing through sink.
func NewStrictPolicy(sink Sink) *StrictPolicy {
	return &StrictPolicy{sink: sink, metrics: newStatsRecorder()}
}

// IngestEvent writes event to the sink before returning.
func (p *StrictPolicy) IngestEvent(ctx context.Context, event *types.ExecutionEvent) error {
	err := p.sink.WriteEvents(ctx, []*types.ExecutionEvent{event})
	p.metrics.update(func(s *Stats) {
		if err != nil {
			s.recordError()
			return
		}
		s.recordEvent(event.Type, true)
	})
	return err
}

// IngestArtifactChunk writes chunk to the sink before returning.
func (p *StrictPolicy) IngestArtifactChunk(ctx context.Context, chunk *types.ArtifactChunk) error {
	err := p.sink.WriteChunks(ctx, []*types.ArtifactChunk{chunk})
	p.metrics.update(func(s *Stats) {
		if err != nil {
			s.recordError()
			return
		}
		s.recordChunk()
	})
	return err
}

// Flush is a no-op: StrictPolicy has nothing buffered to flush. It still
// counts toward FlushCount so callers can't tell strict and buffered
// policies apart by whether Flush does anything observable.
func (p *StrictPolicy) Flush(_ context.Context) error {
	p.metrics.update((*Stats).recordFlush)
	return nil
}

// Close closes the underlying sink.
func (p *StrictPolicy) Close() error {
	return p.sink.Close()
}

// Stats returns a point-in-time copy of delivery statistics.
func (p *StrictPolicy) Stats() Stats {
	return p.metrics.snapshot()
}

var _ Policy = (*StrictPolicy)(nil)

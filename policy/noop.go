package policy

import (
	"context"

	"github.com/pithecene-io/corral/types"
)

// NoopPolicy accepts everything and keeps nothing. It exists for tests and
// for local runs where telemetry delivery is irrelevant to the result being
// checked. Its Stats still distinguish droppable from non-droppable event
// types, even though neither is ever written anywhere, so code exercising
// Policy.Stats() sees realistic numbers under a noop policy too.
type NoopPolicy struct {
	metrics *statsRecorder
}

// NewNoopPolicy returns a NoopPolicy.
func NewNoopPolicy() *NoopPolicy {
	return &NoopPolicy{metrics: newStatsRecorder()}
}

func (p *NoopPolicy) IngestEvent(_ context.Context, event *types.ExecutionEvent) error {
	p.metrics.update(func(s *Stats) {
		s.recordEvent(event.Type, !IsDroppable(event.Type))
	})
	return nil
}

func (p *NoopPolicy) IngestArtifactChunk(_ context.Context, _ *types.ArtifactChunk) error {
	p.metrics.update(func(s *Stats) { s.TotalChunks++ })
	return nil
}

func (p *NoopPolicy) Flush(_ context.Context) error {
	p.metrics.update((*Stats).recordFlush)
	return nil
}

func (p *NoopPolicy) Close() error { return nil }

func (p *NoopPolicy) Stats() Stats { return p.metrics.snapshot() }

var _ Policy = (*NoopPolicy)(nil)

package policy_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pithecene-io/corral/policy"
	"github.com/pithecene-io/corral/types"
)

// policiesUnderTest builds one instance of every Policy implementation that
// is expected to honor the Stats contract identically, keyed by name for
// subtests.
func policiesUnderTest(t *testing.T, sink policy.Sink) map[string]policy.Policy {
	t.Helper()

	buffered, err := policy.NewBufferedPolicy(sink, policy.BufferedConfig{
		MaxBufferEvents: 100,
		MaxBufferBytes:  10000,
	})
	if err != nil {
		t.Fatalf("NewBufferedPolicy: %v", err)
	}

	return map[string]policy.Policy{
		"StrictPolicy":   policy.NewStrictPolicy(sink),
		"BufferedPolicy": buffered,
	}
}

func TestBufferedPolicyStatsUnderConcurrentLoad(t *testing.T) {
	sink := policy.NewStubSink()
	pol, err := policy.NewBufferedPolicy(sink, policy.BufferedConfig{
		MaxBufferEvents: 1000,
		MaxBufferBytes:  100 * 1024,
	})
	if err != nil {
		t.Fatalf("NewBufferedPolicy: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var wg sync.WaitGroup
	const ingesters, perIngester = 4, 100

	for i := 0; i < ingesters; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perIngester; j++ {
				select {
				case <-ctx.Done():
					return
				default:
				}
				_ = pol.IngestEvent(ctx, &types.ExecutionEvent{
					EventID: "e", Type: types.EventTypeCommand, Seq: int64(id*perIngester + j),
				})
			}
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_ = pol.IngestArtifactChunk(ctx, &types.ArtifactChunk{ArtifactID: "a1", Seq: int64(i), Data: []byte("chunk-data")})
		}
	}()

	results := make(chan policy.Stats, 200)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			results <- pol.Stats()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_ = pol.Flush(ctx)
		}
	}()

	wg.Wait()
	close(results)

	for snap := range results {
		if snap.BufferSize < 0 || snap.TotalEvents < 0 || snap.EventsPersisted < 0 {
			t.Errorf("negative counter in snapshot: %+v", snap)
		}
	}
}

func TestBufferedPolicyBufferSizeReturnsToZeroAfterFlush(t *testing.T) {
	sink := policy.NewStubSink()
	pol, _ := policy.NewBufferedPolicy(sink, policy.BufferedConfig{MaxBufferBytes: 10000})
	ctx := t.Context()

	for i := 0; i < 10; i++ {
		_ = pol.IngestEvent(ctx, &types.ExecutionEvent{EventID: "e", Type: types.EventTypeCommand, Seq: int64(i)})
	}
	_ = pol.IngestArtifactChunk(ctx, &types.ArtifactChunk{ArtifactID: "a1", Seq: 1, Data: []byte("chunk")})

	if pol.Stats().BufferSize == 0 {
		t.Fatal("BufferSize should be nonzero with data still buffered")
	}

	if err := pol.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := pol.Stats().BufferSize; got != 0 {
		t.Errorf("BufferSize after a clean flush = %d, want 0", got)
	}
}

func TestPoliciesAgreeOnStatsAfterASuccessfulRound(t *testing.T) {
	for name, pol := range policiesUnderTest(t, policy.NewStubSink()) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			for i := 0; i < 5; i++ {
				if err := pol.IngestEvent(ctx, &types.ExecutionEvent{EventID: "e", Type: types.EventTypeCommand, Seq: int64(i)}); err != nil {
					t.Fatalf("IngestEvent: %v", err)
				}
			}
			for i := 0; i < 3; i++ {
				if err := pol.IngestArtifactChunk(ctx, &types.ArtifactChunk{ArtifactID: "a1", Seq: int64(i), Data: []byte("data")}); err != nil {
					t.Fatalf("IngestArtifactChunk: %v", err)
				}
			}
			if err := pol.Flush(ctx); err != nil {
				t.Fatalf("Flush: %v", err)
			}

			stats := pol.Stats()
			want := policy.Stats{TotalEvents: 5, EventsPersisted: 5, TotalChunks: 3, ChunksPersisted: 3, FlushCount: 1}
			if stats.TotalEvents != want.TotalEvents || stats.EventsPersisted != want.EventsPersisted ||
				stats.TotalChunks != want.TotalChunks || stats.ChunksPersisted != want.ChunksPersisted ||
				stats.FlushCount != want.FlushCount {
				t.Errorf("stats = %+v, want %+v (plus EventsDropped=0, Errors=0)", stats, want)
			}
			if stats.EventsDropped != 0 || stats.Errors != 0 {
				t.Errorf("expected a clean round: EventsDropped=%d Errors=%d", stats.EventsDropped, stats.Errors)
			}
			if stats.DroppedByType == nil {
				t.Error("DroppedByType must never be nil, even when empty")
			}
		})
	}
}

func TestPoliciesCountErrorsOnSinkFailure(t *testing.T) {
	sink := policy.NewStubSink()
	sink.ErrorOnWrite = errors.New("sink failure")

	for name, pol := range policiesUnderTest(t, sink) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			_ = pol.IngestEvent(ctx, &types.ExecutionEvent{EventID: "e1", Type: types.EventTypeCommand})
			_ = pol.Flush(ctx)

			if stats := pol.Stats(); stats.Errors < 1 {
				t.Errorf("Errors = %d, want >= 1 after a sink failure", stats.Errors)
			}
		})
	}
}

func TestBufferedPolicyDroppedByTypeSnapshotsAreIsolated(t *testing.T) {
	sink := policy.NewStubSink()
	pol, _ := policy.NewBufferedPolicy(sink, policy.BufferedConfig{MaxBufferEvents: 1})
	ctx := t.Context()

	_ = pol.IngestEvent(ctx, &types.ExecutionEvent{EventID: "e1", Type: types.EventTypeCommand})
	_ = pol.IngestEvent(ctx, &types.ExecutionEvent{EventID: "log1", Type: types.EventTypeLog})

	first := pol.Stats()
	if first.DroppedByType[types.EventTypeLog] != 1 {
		t.Fatalf("DroppedByType[log] = %d, want 1", first.DroppedByType[types.EventTypeLog])
	}

	_ = pol.IngestEvent(ctx, &types.ExecutionEvent{EventID: "log2", Type: types.EventTypeLog})

	second := pol.Stats()
	if second.DroppedByType[types.EventTypeLog] != 2 {
		t.Errorf("DroppedByType[log] = %d, want 2", second.DroppedByType[types.EventTypeLog])
	}
	if first.DroppedByType[types.EventTypeLog] != 1 {
		t.Errorf("earlier snapshot changed after a later ingest: got %d, want 1", first.DroppedByType[types.EventTypeLog])
	}

	second.DroppedByType[types.EventTypeLog] = 999
	third := pol.Stats()
	if third.DroppedByType[types.EventTypeLog] != 2 {
		t.Errorf("mutating a returned snapshot leaked into policy state: got %d, want 2", third.DroppedByType[types.EventTypeLog])
	}
}

func TestBufferedPolicyFlushCountIncrementsRegardlessOfOutcome(t *testing.T) {
	sink := policy.NewStubSink()
	pol, _ := policy.NewBufferedPolicy(sink, policy.BufferedConfig{MaxBufferBytes: 10000})
	ctx := t.Context()

	for i := 1; i <= 5; i++ {
		if err := pol.Flush(ctx); err != nil {
			t.Fatalf("Flush #%d: %v", i, err)
		}
		if got := pol.Stats().FlushCount; got != int64(i) {
			t.Errorf("FlushCount after %d flushes = %d, want %d", i, got, i)
		}
	}

	_ = pol.IngestEvent(ctx, &types.ExecutionEvent{EventID: "e1", Type: types.EventTypeCommand})
	sink.ErrorOnWrite = errors.New("write failed")
	_ = pol.Flush(ctx)

	stats := pol.Stats()
	if stats.FlushCount != 6 {
		t.Errorf("FlushCount = %d, want 6 (counted even though the flush failed)", stats.FlushCount)
	}
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
}

func TestBufferedPolicyEventsPersistedOnlyAfterASuccessfulFlush(t *testing.T) {
	sink := policy.NewStubSink()
	pol, _ := policy.NewBufferedPolicy(sink, policy.BufferedConfig{MaxBufferBytes: 10000})
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		_ = pol.IngestEvent(ctx, &types.ExecutionEvent{EventID: "e", Type: types.EventTypeCommand})
	}

	sink.ErrorOnWrite = errors.New("write failed")
	_ = pol.Flush(ctx)
	if got := pol.Stats().EventsPersisted; got != 0 {
		t.Errorf("EventsPersisted after a failed flush = %d, want 0", got)
	}

	sink.ErrorOnWrite = nil
	if err := pol.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := pol.Stats().EventsPersisted; got != 3 {
		t.Errorf("EventsPersisted after a successful retry = %d, want 3", got)
	}
}

package policy_test

import (
	"testing"

	"github.com/pithecene-io/corral/policy"
	"github.com/pithecene-io/corral/types"
)

func TestNoopPolicyAcceptsEveryEventType(t *testing.T) {
	pol := policy.NewNoopPolicy()

	for _, et := range []types.EventType{
		types.EventTypeCommand,
		types.EventTypeArtifact,
		types.EventTypeCheckpoint,
		types.EventTypeLog,
		types.EventTypeLockAcquired,
		types.EventTypeLockReleased,
		types.EventTypeExecutionError,
		types.EventTypeExecutionComplete,
	} {
		t.Run(string(et), func(t *testing.T) {
			err := pol.IngestEvent(t.Context(), &types.ExecutionEvent{EventID: "e1", Type: et, SessionID: "run-1", Seq: 1})
			if err != nil {
				t.Errorf("IngestEvent(%s) = %v, want nil", et, err)
			}
		})
	}
}

func TestNoopPolicyAcceptsArtifactChunks(t *testing.T) {
	pol := policy.NewNoopPolicy()

	err := pol.IngestArtifactChunk(t.Context(), &types.ArtifactChunk{ArtifactID: "a1", Seq: 1, Data: []byte("data"), IsLast: true})
	if err != nil {
		t.Errorf("IngestArtifactChunk() = %v, want nil", err)
	}
}

func TestNoopPolicyCloseAndFlushAreNoops(t *testing.T) {
	pol := policy.NewNoopPolicy()

	if err := pol.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
	if err := pol.Flush(t.Context()); err != nil {
		t.Errorf("Flush() = %v, want nil", err)
	}
}

func TestNoopPolicyDistinguishesDroppableFromPersisted(t *testing.T) {
	pol := policy.NewNoopPolicy()
	ctx := t.Context()

	if err := pol.IngestEvent(ctx, &types.ExecutionEvent{EventID: "e1", Type: types.EventTypeCommand, SessionID: "run-1", Seq: 1}); err != nil {
		t.Fatalf("IngestEvent(command): %v", err)
	}
	if err := pol.IngestEvent(ctx, &types.ExecutionEvent{EventID: "e2", Type: types.EventTypeLog, SessionID: "run-1", Seq: 2}); err != nil {
		t.Fatalf("IngestEvent(log): %v", err)
	}

	stats := pol.Stats()
	if stats.TotalEvents != 2 {
		t.Errorf("TotalEvents = %d, want 2", stats.TotalEvents)
	}
	if stats.EventsPersisted != 1 {
		t.Errorf("EventsPersisted = %d, want 1 (command only)", stats.EventsPersisted)
	}
	if stats.EventsDropped != 1 {
		t.Errorf("EventsDropped = %d, want 1 (log only)", stats.EventsDropped)
	}
	if stats.DroppedByType[types.EventTypeLog] != 1 {
		t.Errorf("DroppedByType[log] = %d, want 1", stats.DroppedByType[types.EventTypeLog])
	}
}

func TestNoopPolicyStatsIsADefensiveCopy(t *testing.T) {
	pol := policy.NewNoopPolicy()

	if err := pol.IngestEvent(t.Context(), &types.ExecutionEvent{EventID: "e1", Type: types.EventTypeLog, SessionID: "run-1", Seq: 1}); err != nil {
		t.Fatalf("IngestEvent: %v", err)
	}

	snapshot := pol.Stats()
	snapshot.TotalEvents = 999
	snapshot.DroppedByType[types.EventTypeLog] = 999

	fresh := pol.Stats()
	if fresh.TotalEvents != 1 {
		t.Errorf("TotalEvents = %d after mutating a prior snapshot, want 1", fresh.TotalEvents)
	}
	if fresh.DroppedByType[types.EventTypeLog] != 1 {
		t.Errorf("DroppedByType[log] = %d after mutating a prior snapshot, want 1", fresh.DroppedByType[types.EventTypeLog])
	}
}

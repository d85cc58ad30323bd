package metrics

import (
	"sync"
	"testing"
)

func TestCollector_PoolMethods(t *testing.T) {
	c := NewCollector("http://grid:4444/wd/hub")

	c.SetSessionsHealthy(4)
	c.SetSessionsDead(1)
	c.IncSessionsReplaced()
	c.IncSessionsReplaced()
	c.IncSessionAcquireFailure()

	s := c.Snapshot()

	if s.SessionsHealthy != 4 {
		t.Errorf("SessionsHealthy = %d, want 4", s.SessionsHealthy)
	}
	if s.SessionsDead != 1 {
		t.Errorf("SessionsDead = %d, want 1", s.SessionsDead)
	}
	if s.SessionsReplacedTotal != 2 {
		t.Errorf("SessionsReplacedTotal = %d, want 2", s.SessionsReplacedTotal)
	}
	if s.SessionAcquireFailures != 1 {
		t.Errorf("SessionAcquireFailures = %d, want 1", s.SessionAcquireFailures)
	}
}

func TestCollector_LockMethods(t *testing.T) {
	c := NewCollector("http://grid:4444/wd/hub")

	c.IncLockAcquired()
	c.IncLockAcquired()
	c.IncLockAcquired()
	c.IncLockReleased()
	c.IncLockReleased()
	c.IncLockTimedOut()
	c.IncLockStolen()

	s := c.Snapshot()

	if s.LocksAcquiredTotal != 3 {
		t.Errorf("LocksAcquiredTotal = %d, want 3", s.LocksAcquiredTotal)
	}
	if s.LocksReleasedTotal != 2 {
		t.Errorf("LocksReleasedTotal = %d, want 2", s.LocksReleasedTotal)
	}
	if s.LocksTimedOutTotal != 1 {
		t.Errorf("LocksTimedOutTotal = %d, want 1", s.LocksTimedOutTotal)
	}
	if s.LocksStolenTotal != 1 {
		t.Errorf("LocksStolenTotal = %d, want 1", s.LocksStolenTotal)
	}
}

func TestCollector_DispatcherMethods(t *testing.T) {
	c := NewCollector("http://grid:4444/wd/hub")

	c.IncExecutionStarted()
	c.IncExecutionStarted()
	c.IncExecutionSucceeded()
	c.IncExecutionFailed()
	c.AddCommandsRun(12)
	c.AddCommandsRun(3)

	s := c.Snapshot()

	if s.ExecutionsStartedTotal != 2 {
		t.Errorf("ExecutionsStartedTotal = %d, want 2", s.ExecutionsStartedTotal)
	}
	if s.ExecutionsSucceededTotal != 1 {
		t.Errorf("ExecutionsSucceededTotal = %d, want 1", s.ExecutionsSucceededTotal)
	}
	if s.ExecutionsFailedTotal != 1 {
		t.Errorf("ExecutionsFailedTotal = %d, want 1", s.ExecutionsFailedTotal)
	}
	if s.CommandsRunTotal != 15 {
		t.Errorf("CommandsRunTotal = %d, want 15", s.CommandsRunTotal)
	}
}

func TestCollector_Dimensions(t *testing.T) {
	c := NewCollector("http://grid:4444/wd/hub")
	s := c.Snapshot()

	if s.GridURL != "http://grid:4444/wd/hub" {
		t.Errorf("GridURL = %q, want %q", s.GridURL, "http://grid:4444/wd/hub")
	}
}

func TestCollector_AbsorbPolicyStats(t *testing.T) {
	c := NewCollector("http://grid:4444/wd/hub")

	droppedByType := map[string]int64{
		"log":           5,
		"lock_acquired": 2,
		"lock_released": 1,
	}
	c.AbsorbPolicyStats(100, 92, 8, droppedByType)

	s := c.Snapshot()

	if s.EventsReceived != 100 {
		t.Errorf("EventsReceived = %d, want 100", s.EventsReceived)
	}
	if s.EventsPersisted != 92 {
		t.Errorf("EventsPersisted = %d, want 92", s.EventsPersisted)
	}
	if s.EventsDropped != 8 {
		t.Errorf("EventsDropped = %d, want 8", s.EventsDropped)
	}
	if len(s.DroppedByType) != 3 {
		t.Errorf("DroppedByType has %d entries, want 3", len(s.DroppedByType))
	}
	if s.DroppedByType["log"] != 5 {
		t.Errorf("DroppedByType[log] = %d, want 5", s.DroppedByType["log"])
	}
	if s.DroppedByType["lock_acquired"] != 2 {
		t.Errorf("DroppedByType[lock_acquired] = %d, want 2", s.DroppedByType["lock_acquired"])
	}
	if s.DroppedByType["lock_released"] != 1 {
		t.Errorf("DroppedByType[lock_released] = %d, want 1", s.DroppedByType["lock_released"])
	}
}

func TestCollector_AbsorbPolicyStats_Accumulates(t *testing.T) {
	c := NewCollector("http://grid:4444/wd/hub")

	c.AbsorbPolicyStats(10, 8, 2, map[string]int64{"log": 2})
	c.AbsorbPolicyStats(20, 18, 2, map[string]int64{"log": 1, "command": 1})

	s := c.Snapshot()

	if s.EventsReceived != 30 {
		t.Errorf("EventsReceived = %d, want 30 (cumulative across executions)", s.EventsReceived)
	}
	if s.EventsPersisted != 26 {
		t.Errorf("EventsPersisted = %d, want 26", s.EventsPersisted)
	}
	if s.EventsDropped != 4 {
		t.Errorf("EventsDropped = %d, want 4", s.EventsDropped)
	}
	if s.DroppedByType["log"] != 3 {
		t.Errorf("DroppedByType[log] = %d, want 3 (cumulative)", s.DroppedByType["log"])
	}
	if s.DroppedByType["command"] != 1 {
		t.Errorf("DroppedByType[command] = %d, want 1", s.DroppedByType["command"])
	}
}

func TestCollector_AbsorbPolicyStats_MapIsolation(t *testing.T) {
	c := NewCollector("http://grid:4444/wd/hub")

	original := map[string]int64{"log": 5}
	c.AbsorbPolicyStats(10, 5, 5, original)

	// Mutate the original map after absorption
	original["log"] = 999
	original["new_type"] = 100

	s := c.Snapshot()
	if s.DroppedByType["log"] != 5 {
		t.Errorf("DroppedByType[log] = %d, want 5 (should be isolated from caller mutation)", s.DroppedByType["log"])
	}
	if _, exists := s.DroppedByType["new_type"]; exists {
		t.Error("DroppedByType should not contain new_type added after absorption")
	}
}

func TestCollector_SnapshotImmutability(t *testing.T) {
	c := NewCollector("http://grid:4444/wd/hub")
	c.IncExecutionStarted()
	c.IncLockAcquired()

	s1 := c.Snapshot()

	// Mutate collector after snapshot
	c.IncExecutionSucceeded()
	c.IncLockAcquired()
	c.IncLockAcquired()

	// s1 should be unchanged
	if s1.ExecutionsSucceededTotal != 0 {
		t.Errorf("s1.ExecutionsSucceededTotal = %d, want 0 (snapshot should be frozen)", s1.ExecutionsSucceededTotal)
	}
	if s1.LocksAcquiredTotal != 1 {
		t.Errorf("s1.LocksAcquiredTotal = %d, want 1 (snapshot should be frozen)", s1.LocksAcquiredTotal)
	}

	// New snapshot should reflect mutations
	s2 := c.Snapshot()
	if s2.ExecutionsSucceededTotal != 1 {
		t.Errorf("s2.ExecutionsSucceededTotal = %d, want 1", s2.ExecutionsSucceededTotal)
	}
	if s2.LocksAcquiredTotal != 3 {
		t.Errorf("s2.LocksAcquiredTotal = %d, want 3", s2.LocksAcquiredTotal)
	}
}

func TestCollector_SnapshotDroppedByTypeIsolation(t *testing.T) {
	c := NewCollector("http://grid:4444/wd/hub")
	c.AbsorbPolicyStats(10, 5, 5, map[string]int64{"log": 3})

	s := c.Snapshot()

	// Mutate the snapshot's map
	s.DroppedByType["log"] = 999
	s.DroppedByType["injected"] = 1

	// Collector should be unaffected
	s2 := c.Snapshot()
	if s2.DroppedByType["log"] != 3 {
		t.Errorf("DroppedByType[log] = %d, want 3 (collector should be isolated from snapshot mutation)", s2.DroppedByType["log"])
	}
	if _, exists := s2.DroppedByType["injected"]; exists {
		t.Error("DroppedByType should not contain injected key from snapshot mutation")
	}
}

func TestCollector_NilReceiverSafety(t *testing.T) {
	var c *Collector

	// None of these should panic
	c.SetSessionsHealthy(3)
	c.SetSessionsDead(1)
	c.IncSessionsReplaced()
	c.IncSessionAcquireFailure()
	c.IncLockAcquired()
	c.IncLockReleased()
	c.IncLockTimedOut()
	c.IncLockStolen()
	c.IncExecutionStarted()
	c.IncExecutionSucceeded()
	c.IncExecutionFailed()
	c.AddCommandsRun(5)
	c.AbsorbPolicyStats(10, 8, 2, map[string]int64{"log": 2})

	s := c.Snapshot()
	if s.SessionsHealthy != 0 {
		t.Errorf("nil collector snapshot SessionsHealthy = %d, want 0", s.SessionsHealthy)
	}
	if s.DroppedByType != nil {
		t.Errorf("nil collector snapshot DroppedByType should be nil, got %v", s.DroppedByType)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector("http://grid:4444/wd/hub")
	const goroutines = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				c.IncExecutionStarted()
				c.IncLockAcquired()
				c.AddCommandsRun(1)
			}
		}()
	}

	wg.Wait()

	s := c.Snapshot()
	want := int64(goroutines * iterations)

	if s.ExecutionsStartedTotal != want {
		t.Errorf("ExecutionsStartedTotal = %d, want %d", s.ExecutionsStartedTotal, want)
	}
	if s.LocksAcquiredTotal != want {
		t.Errorf("LocksAcquiredTotal = %d, want %d", s.LocksAcquiredTotal, want)
	}
	if s.CommandsRunTotal != want {
		t.Errorf("CommandsRunTotal = %d, want %d", s.CommandsRunTotal, want)
	}
}

func TestCollector_ZeroValueSnapshot(t *testing.T) {
	c := NewCollector("http://grid:4444/wd/hub")
	s := c.Snapshot()

	if s.SessionsHealthy != 0 || s.SessionsDead != 0 || s.SessionsReplacedTotal != 0 {
		t.Error("fresh collector should have zero pool counters")
	}
	if s.LocksAcquiredTotal != 0 || s.LocksReleasedTotal != 0 || s.LocksTimedOutTotal != 0 || s.LocksStolenTotal != 0 {
		t.Error("fresh collector should have zero lock counters")
	}
	if s.ExecutionsStartedTotal != 0 || s.ExecutionsSucceededTotal != 0 || s.ExecutionsFailedTotal != 0 {
		t.Error("fresh collector should have zero dispatcher counters")
	}
	if len(s.DroppedByType) != 0 {
		t.Errorf("fresh collector DroppedByType should be empty, got %v", s.DroppedByType)
	}
}

// Package metrics provides process-lifetime counters for the session pool,
// the lock repository, and the dispatcher.
//
// The Collector accumulates counters for as long as corrald runs. It is a
// leaf package with no internal dependencies, read by corralctl status and
// the TUI through Snapshot.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Pool
	SessionsHealthy        int64
	SessionsDead           int64
	SessionsReplacedTotal  int64
	SessionAcquireFailures int64

	// Locks
	LocksAcquiredTotal int64
	LocksReleasedTotal int64
	LocksTimedOutTotal int64
	LocksStolenTotal   int64

	// Dispatcher
	ExecutionsStartedTotal   int64
	ExecutionsSucceededTotal int64
	ExecutionsFailedTotal    int64
	CommandsRunTotal         int64

	// Telemetry (absorbed from policy.Stats at execution completion)
	EventsReceived  int64
	EventsPersisted int64
	EventsDropped   int64
	DroppedByType   map[string]int64

	// Dimensions (informational, set at construction)
	GridURL string
}

// Collector accumulates pool, lock, and dispatcher counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe so
// a caller can pass a nil *Collector when metrics are not configured.
type Collector struct {
	mu sync.Mutex

	sessionsHealthy        int64
	sessionsDead           int64
	sessionsReplacedTotal  int64
	sessionAcquireFailures int64

	locksAcquiredTotal int64
	locksReleasedTotal int64
	locksTimedOutTotal int64
	locksStolenTotal   int64

	executionsStartedTotal   int64
	executionsSucceededTotal int64
	executionsFailedTotal    int64
	commandsRunTotal         int64

	eventsReceived  int64
	eventsPersisted int64
	eventsDropped   int64
	droppedByType   map[string]int64

	gridURL string
}

// NewCollector creates a Collector labeled with the grid URL it reports
// against.
func NewCollector(gridURL string) *Collector {
	return &Collector{
		droppedByType: make(map[string]int64),
		gridURL:       gridURL,
	}
}

// --- Pool ---

// SetSessionsHealthy records the current count of healthy pooled sessions.
// Called by the pool after Warmup and after each replace.
func (c *Collector) SetSessionsHealthy(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionsHealthy = n
	c.mu.Unlock()
}

// SetSessionsDead records the current count of dead pooled sessions.
func (c *Collector) SetSessionsDead(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionsDead = n
	c.mu.Unlock()
}

// IncSessionsReplaced records a dead session being replaced with a fresh one.
func (c *Collector) IncSessionsReplaced() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionsReplacedTotal++
	c.mu.Unlock()
}

// IncSessionAcquireFailure records an Acquire call that returned
// ErrNoSuchSession or a replace failure.
func (c *Collector) IncSessionAcquireFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionAcquireFailures++
	c.mu.Unlock()
}

// --- Locks ---

// IncLockAcquired records a successful lock acquisition.
func (c *Collector) IncLockAcquired() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.locksAcquiredTotal++
	c.mu.Unlock()
}

// IncLockReleased records an explicit lock release. A lock reclaimed after
// its TTL expired is counted by IncLockStolen instead.
func (c *Collector) IncLockReleased() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.locksReleasedTotal++
	c.mu.Unlock()
}

// IncLockTimedOut records a waiter giving up after the wait timeout elapsed.
func (c *Collector) IncLockTimedOut() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.locksTimedOutTotal++
	c.mu.Unlock()
}

// IncLockStolen records a lock being reclaimed from a holder whose TTL had
// already lapsed.
func (c *Collector) IncLockStolen() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.locksStolenTotal++
	c.mu.Unlock()
}

// --- Dispatcher ---

// IncExecutionStarted records a dispatched execution beginning.
func (c *Collector) IncExecutionStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.executionsStartedTotal++
	c.mu.Unlock()
}

// IncExecutionSucceeded records an execution that ran to completion without
// error.
func (c *Collector) IncExecutionSucceeded() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.executionsSucceededTotal++
	c.mu.Unlock()
}

// IncExecutionFailed records an execution that returned an error, whether
// from a failed command or an infrastructure fault.
func (c *Collector) IncExecutionFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.executionsFailedTotal++
	c.mu.Unlock()
}

// AddCommandsRun adds n to the running total of commands executed across all
// scripts.
func (c *Collector) AddCommandsRun(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.commandsRunTotal += n
	c.mu.Unlock()
}

// --- Telemetry (absorbed from policy.Stats) ---

// AbsorbPolicyStats copies telemetry counters from policy.Stats into the
// collector. Called once per execution after Policy.Flush with the final
// stats snapshot.
// The droppedByType map keys are string-typed event types to keep this
// package free of dependencies on the types package.
func (c *Collector) AbsorbPolicyStats(totalEvents, persisted, dropped int64, droppedByType map[string]int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsReceived += totalEvents
	c.eventsPersisted += persisted
	c.eventsDropped += dropped
	for k, v := range droppedByType {
		c.droppedByType[k] += v
	}
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := make(map[string]int64, len(c.droppedByType))
	for k, v := range c.droppedByType {
		dropped[k] = v
	}

	return Snapshot{
		SessionsHealthy:        c.sessionsHealthy,
		SessionsDead:           c.sessionsDead,
		SessionsReplacedTotal:  c.sessionsReplacedTotal,
		SessionAcquireFailures: c.sessionAcquireFailures,

		LocksAcquiredTotal: c.locksAcquiredTotal,
		LocksReleasedTotal: c.locksReleasedTotal,
		LocksTimedOutTotal: c.locksTimedOutTotal,
		LocksStolenTotal:   c.locksStolenTotal,

		ExecutionsStartedTotal:   c.executionsStartedTotal,
		ExecutionsSucceededTotal: c.executionsSucceededTotal,
		ExecutionsFailedTotal:    c.executionsFailedTotal,
		CommandsRunTotal:         c.commandsRunTotal,

		EventsReceived:  c.eventsReceived,
		EventsPersisted: c.eventsPersisted,
		EventsDropped:   c.eventsDropped,
		DroppedByType:   dropped,

		GridURL: c.gridURL,
	}
}

// Package pool implements the session pool: warm-up, liveness probing,
// best-effort replacement, and handle lending over a set of WebDriver
// sessions backed by a Selenium Grid.
//
// The registry is guarded by a process-local mutex (the pool holds no
// cross-process exclusivity guarantee — that is the lock package's job).
// Lending a handle does not hold the registry mutex; it is held only while
// the registry is read or changed (open, List, markDead, replace, Shutdown).
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/tebeka/selenium"

	"github.com/pithecene-io/corral/log"
	"github.com/pithecene-io/corral/types"
)

// Driver is the subset of selenium.WebDriver the pool and the command
// executor need between them. Narrowed to an interface so tests can
// substitute a fake grid.
type Driver interface {
	Get(url string) error
	CurrentURL() (string, error)
	Quit() error
	FindElement(by, value string) (selenium.WebElement, error)
	ExecuteScript(script string, args []interface{}) (interface{}, error)
	ResizeWindow(name string, width, height int) error
	SetImplicitWaitTimeout(timeout time.Duration) error
	PageSource() (string, error)
	Screenshot() ([]byte, error)
}

// Factory opens a new WebDriver session against the grid.
type Factory func(cap types.Capability) (Driver, string, error)

type entry struct {
	snapshot types.SessionSnapshot
	driver   Driver
}

// Metrics receives pool health counters. Satisfied by *metrics.Collector.
type Metrics interface {
	SetSessionsHealthy(n int64)
	SetSessionsDead(n int64)
	IncSessionsReplaced()
	IncSessionAcquireFailure()
}

// Pool manages a registry of live WebDriver sessions.
type Pool struct {
	factory Factory
	logger  *log.Logger
	metrics Metrics

	mu       sync.Mutex
	registry map[string]*entry
	order    []string
}

// New builds an empty Pool. Call Warmup to populate it.
func New(factory Factory, logger *log.Logger) *Pool {
	return &Pool{
		factory:  factory,
		logger:   logger,
		registry: make(map[string]*entry),
	}
}

// SetMetrics attaches a counter sink. Health counts are pushed on every
// registry change from that point on.
func (p *Pool) SetMetrics(m Metrics) {
	p.metrics = m
}

// reportHealth pushes the current healthy/dead counts to metrics. Caller
// must hold p.mu.
func (p *Pool) reportHealth() {
	if p.metrics == nil {
		return
	}
	var healthy, dead int64
	for _, e := range p.registry {
		if e.snapshot.State == types.SessionDead {
			dead++
		} else {
			healthy++
		}
	}
	p.metrics.SetSessionsHealthy(healthy)
	p.metrics.SetSessionsDead(dead)
}

// Warmup opens up to capacity sessions in parallel and waits for them for
// at most initTimeout. Sessions still opening when that budget runs out
// keep opening in the background, so callers observe whatever subset of
// sessions is Healthy at that point plus whatever trickles in afterward.
func (p *Pool) Warmup(capability types.Capability, capacity int, initTimeout time.Duration) {
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < capacity; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.open(capability)
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(initTimeout):
		p.logger.Warn("warmup budget exceeded, continuing in background", map[string]any{
			"init_timeout": initTimeout.String(),
		})
	}
}

func (p *Pool) open(capability types.Capability) {
	driver, sessionID, err := p.factory(capability)
	if err != nil {
		p.logger.Error("failed to open session", map[string]any{"error": err.Error()})
		return
	}

	now := time.Now()
	snap := types.SessionSnapshot{
		SessionID:     sessionID,
		Capability:    capability,
		State:         types.SessionHealthy,
		CreatedAt:     now,
		LastCheckedAt: now,
	}

	p.mu.Lock()
	p.registry[sessionID] = &entry{snapshot: snap, driver: driver}
	p.order = append(p.order, sessionID)
	p.reportHealth()
	p.mu.Unlock()
}

// List returns current session ids in insertion order, excluding Dead
// entries.
func (p *Pool) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.order))
	for _, id := range p.order {
		e, ok := p.registry[id]
		if !ok || e.snapshot.State == types.SessionDead {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Snapshots returns every registered session's snapshot, healthy or dead,
// in insertion order. Used by status reporting (corralctl status, the TUI);
// dispatch logic should use List instead, since it must not see dead
// sessions as candidates.
func (p *Pool) Snapshots() []types.SessionSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.SessionSnapshot, 0, len(p.order))
	for _, id := range p.order {
		if e, ok := p.registry[id]; ok {
			out = append(out, e.snapshot)
		}
	}
	return out
}

// Handle is a scope-guard lending exclusive use of a driver to one caller.
// The pool itself does not prevent concurrent Acquire calls for the same
// session_id; callers rely on the lock package for that.
type Handle struct {
	Driver    Driver
	SessionID string
}

// Acquire looks up sessionID, probes liveness, replaces on failure (one
// retry), and lends the handle. Fails with types.ErrNoSuchSession if the
// session cannot be recovered.
func (p *Pool) Acquire(sessionID string) (*Handle, error) {
	p.mu.Lock()
	e, ok := p.registry[sessionID]
	p.mu.Unlock()

	if !ok {
		if p.metrics != nil {
			p.metrics.IncSessionAcquireFailure()
		}
		return nil, types.NewError(types.ErrNoSuchSession, "acquire", sessionID, nil)
	}

	if e.snapshot.State == types.SessionDead {
		replaced, err := p.replace(sessionID, e.snapshot.Capability)
		if err != nil {
			if p.metrics != nil {
				p.metrics.IncSessionAcquireFailure()
			}
			return nil, types.NewError(types.ErrNoSuchSession, "acquire", sessionID, err)
		}
		return &Handle{Driver: replaced.driver, SessionID: replaced.snapshot.SessionID}, nil
	}

	if err := p.probe(e); err != nil {
		p.markDead(sessionID)
		replaced, rerr := p.replace(sessionID, e.snapshot.Capability)
		if rerr != nil {
			if p.metrics != nil {
				p.metrics.IncSessionAcquireFailure()
			}
			return nil, types.NewError(types.ErrNoSuchSession, "acquire", sessionID, rerr)
		}
		return &Handle{Driver: replaced.driver, SessionID: replaced.snapshot.SessionID}, nil
	}

	return &Handle{Driver: e.driver, SessionID: e.snapshot.SessionID}, nil
}

func (p *Pool) probe(e *entry) error {
	_, err := e.driver.CurrentURL()
	if err != nil {
		return types.NewError(types.ErrGridUnreachable, "probe", e.snapshot.SessionID, err)
	}
	return nil
}

func (p *Pool) markDead(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.registry[sessionID]; ok {
		e.snapshot.State = types.SessionDead
		e.snapshot.LastCheckedAt = time.Now()
		p.reportHealth()
	}
}

// replace closes the dead session (best-effort) and opens a new one that
// inherits the same slot in p.order. The new session_id replaces the old
// entry atomically from List's point of view.
func (p *Pool) replace(oldID string, capability types.Capability) (*entry, error) {
	p.mu.Lock()
	old, hadOld := p.registry[oldID]
	p.mu.Unlock()

	if hadOld {
		if err := old.driver.Quit(); err != nil {
			p.logger.Warn("best-effort close of dead session failed", map[string]any{
				"session_id": oldID,
				"error":      err.Error(),
			})
		}
	}

	driver, newID, err := p.factory(capability)
	if err != nil {
		return nil, fmt.Errorf("replace %s: %w", oldID, err)
	}

	now := time.Now()
	fresh := &entry{
		snapshot: types.SessionSnapshot{
			SessionID:     newID,
			Capability:    capability,
			State:         types.SessionHealthy,
			CreatedAt:     now,
			LastCheckedAt: now,
		},
		driver: driver,
	}

	p.mu.Lock()
	delete(p.registry, oldID)
	p.registry[newID] = fresh
	for i, id := range p.order {
		if id == oldID {
			p.order[i] = newID
			break
		}
	}
	p.reportHealth()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.IncSessionsReplaced()
	}

	return fresh, nil
}

// Shutdown closes every handle, ignoring per-handle errors, and drains the
// registry.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, e := range p.registry {
		if err := e.driver.Quit(); err != nil {
			p.logger.Warn("shutdown: close failed", map[string]any{"session_id": id, "error": err.Error()})
		}
	}
	p.registry = make(map[string]*entry)
	p.order = nil
	p.reportHealth()
}

// GridFactory builds a Factory that opens real WebDriver sessions against a
// Selenium Grid hub at gridURL.
func GridFactory(gridURL string) Factory {
	return func(cap types.Capability) (Driver, string, error) {
		caps := selenium.Capabilities{"browserName": cap.BrowserName}
		if cap.Platform != "" {
			caps["platform"] = cap.Platform
		}
		wd, err := selenium.NewRemote(caps, gridURL)
		if err != nil {
			return nil, "", types.NewError(types.ErrGridUnreachable, "open", gridURL, err)
		}
		sid, err := wd.SessionID()
		if err != nil {
			_ = wd.Quit()
			return nil, "", types.NewError(types.ErrGridUnreachable, "open", gridURL, err)
		}
		return wd, sid, nil
	}
}

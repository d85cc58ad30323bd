// Package dispatch implements the execution dispatcher: the policy layer
// that picks a session, fences it with a lock, renders and loads the
// script, and runs it command by command.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/corral/command"
	"github.com/pithecene-io/corral/ipc"
	"github.com/pithecene-io/corral/lock"
	"github.com/pithecene-io/corral/log"
	"github.com/pithecene-io/corral/policy"
	"github.com/pithecene-io/corral/pool"
	"github.com/pithecene-io/corral/script"
	"github.com/pithecene-io/corral/store"
	"github.com/pithecene-io/corral/tmpl"
	"github.com/pithecene-io/corral/types"
)

// Archiver durably stores a completed execution's page source. Satisfied by
// archive.Client without either package importing the other.
type Archiver interface {
	Put(ctx context.Context, scriptID, sessionID string, kind string, body []byte, at time.Time) (string, error)
}

// archiveKindPageSource and archiveKindFailureContext mirror
// archive.KindPageSource and archive.KindFailureContext as plain strings so
// this package never needs to import archive.
const (
	archiveKindPageSource     = "page_source"
	archiveKindFailureContext = "failure_context"
)

// Notifier is notified when an execution completes, successfully or not.
// Satisfied by *adapter.Notifier.
type Notifier interface {
	Notify(result types.ExecutionResult, err error)
}

// Config bounds the dispatcher's timeouts. corrald fills DefaultLockTTL,
// StreamLockTTL and ImplicitWait from its config file and sets ExecuteOnWait
// to a fixed 30s.
type Config struct {
	DefaultLockTTL time.Duration
	StreamLockTTL  time.Duration
	ImplicitWait   time.Duration
	ExecuteOnWait  time.Duration
}

// Metrics receives pool, lock, and dispatch counters. Satisfied by
// *metrics.Collector; nil-safe, so a Dispatcher built without one just skips
// the calls (every method on a nil *metrics.Collector is a no-op).
type Metrics interface {
	IncLockAcquired()
	IncLockReleased()
	IncLockTimedOut()
	IncExecutionStarted()
	IncExecutionSucceeded()
	IncExecutionFailed()
	AddCommandsRun(n int64)
	AbsorbPolicyStats(totalEvents, persisted, dropped int64, droppedByType map[string]int64)
}

// Dispatcher wires together every subsystem needed to run a script.
type Dispatcher struct {
	Pool      *pool.Pool
	Locks     *lock.Repository
	Store     *store.Store
	Templates *tmpl.Renderer
	Notifier  Notifier
	Archive   Archiver
	Metrics   Metrics
	Policy    policy.Policy
	Logger    *log.Logger
	Config    Config

	seq atomic.Int64
}

// New builds a Dispatcher from its dependencies. archiver, metrics, and pol
// are optional (nil skips archival / counting / telemetry).
func New(p *pool.Pool, locks *lock.Repository, st *store.Store, templates *tmpl.Renderer, notifier Notifier, archiver Archiver, metrics Metrics, pol policy.Policy, logger *log.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		Pool:      p,
		Locks:     locks,
		Store:     st,
		Templates: templates,
		Notifier:  notifier,
		Archive:   archiver,
		Metrics:   metrics,
		Policy:    pol,
		Logger:    logger,
		Config:    cfg,
	}
}

// ExecuteAny auto-selects an idle session, fences it, and runs the request.
func (d *Dispatcher) ExecuteAny(req types.ExecutionRequest) (types.ExecutionResult, error) {
	sessions := d.Pool.List()
	idle := d.Locks.FilterIdle(sessions)
	if len(idle) == 0 {
		return types.ExecutionResult{}, types.NewError(types.ErrNoCapacity, "executeAny", req.ScriptID, nil)
	}

	for _, id := range idle {
		handle, _, err := d.Locks.AcquireScoped(id, d.Config.DefaultLockTTL, 0)
		if err != nil {
			continue
		}
		d.incLockAcquired()
		result, runErr := d.runLocked(id, handle, req)
		return result, runErr
	}

	return types.ExecutionResult{}, types.NewError(types.ErrNoCapacity, "executeAny", req.ScriptID, nil)
}

// ExecuteOn runs req against a caller-specified session, waiting up to
// ExecuteOnWait for it to free up.
func (d *Dispatcher) ExecuteOn(sessionID string, req types.ExecutionRequest) (types.ExecutionResult, error) {
	handle, _, err := d.Locks.AcquireScoped(sessionID, d.Config.DefaultLockTTL, d.Config.ExecuteOnWait)
	if err != nil {
		if types.IsTimeout(err) && d.Metrics != nil {
			d.Metrics.IncLockTimedOut()
		}
		return types.ExecutionResult{}, err
	}
	d.incLockAcquired()
	return d.runLocked(sessionID, handle, req)
}

// Stream is a pinned connection: one session, locked for the lifetime of
// the connection, fed one execution request per message. Close releases
// the pin; if the caller dies without calling it, the lock's TTL reclaims
// the session.
type Stream struct {
	dispatcher *Dispatcher
	sessionID  string
	handle     *lock.Handle
}

// OpenStream picks an idle session via the same scan policy as ExecuteAny
// and pins it with a long-lived lock for the stream's lifetime.
func (d *Dispatcher) OpenStream() (*Stream, error) {
	sessions := d.Pool.List()
	idle := d.Locks.FilterIdle(sessions)
	if len(idle) == 0 {
		return nil, types.NewError(types.ErrNoCapacity, "openStream", "", nil)
	}

	for _, id := range idle {
		handle, _, err := d.Locks.Acquire(id, d.Config.StreamLockTTL)
		if err != nil {
			continue
		}
		d.incLockAcquired()
		return &Stream{dispatcher: d, sessionID: id, handle: handle}, nil
	}

	return nil, types.NewError(types.ErrNoCapacity, "openStream", "", nil)
}

// Send executes one request against the stream's pinned session. Errors are
// returned to the caller; the lock persists regardless. Unlike ExecuteAny/
// ExecuteOn, a stream send does not fire the completion Notifier — the
// stream as a whole isn't done until Close.
func (s *Stream) Send(req types.ExecutionRequest) (types.ExecutionResult, error) {
	d := s.dispatcher
	d.incExecutionStarted()
	result, err := d.execute(s.sessionID, req)
	d.incExecutionOutcome(err)
	d.addCommandsRun(int64(result.CommandsRun))
	d.archiveResult(req.ScriptID, result, err)
	d.flushTelemetry()
	return result, err
}

// Close releases the pinned session. Idempotent.
func (s *Stream) Close() error {
	defer s.dispatcher.incLockReleased()
	return s.handle.Release()
}

// runLocked executes req against sessionID, holding handle for the
// duration, and releases it on every exit path.
func (d *Dispatcher) runLocked(sessionID string, handle *lock.Handle, req types.ExecutionRequest) (types.ExecutionResult, error) {
	defer func() {
		handle.Release()
		d.incLockReleased()
	}()

	d.incExecutionStarted()
	result, err := d.execute(sessionID, req)
	d.incExecutionOutcome(err)
	d.addCommandsRun(int64(result.CommandsRun))
	d.archiveResult(req.ScriptID, result, err)
	d.flushTelemetry()

	if d.Notifier != nil {
		d.Notifier.Notify(result, err)
	}
	return result, err
}

func (d *Dispatcher) incLockAcquired() {
	if d.Metrics != nil {
		d.Metrics.IncLockAcquired()
	}
}

func (d *Dispatcher) incLockReleased() {
	if d.Metrics != nil {
		d.Metrics.IncLockReleased()
	}
}

func (d *Dispatcher) incExecutionStarted() {
	if d.Metrics != nil {
		d.Metrics.IncExecutionStarted()
	}
}

func (d *Dispatcher) incExecutionOutcome(err error) {
	if d.Metrics == nil {
		return
	}
	if err != nil {
		d.Metrics.IncExecutionFailed()
		return
	}
	d.Metrics.IncExecutionSucceeded()
}

func (d *Dispatcher) addCommandsRun(n int64) {
	if d.Metrics != nil {
		d.Metrics.AddCommandsRun(n)
	}
}

// archiveResult uploads the execution's captured page source to the
// archive, if configured. A failed execution archives under
// archiveKindFailureContext instead of archiveKindPageSource, so the
// archive distinguishes a run's final state from the page it died on.
// Archival failures are logged, never propagated: it must not turn a
// successful execution into a failed one.
func (d *Dispatcher) archiveResult(scriptID string, result types.ExecutionResult, runErr error) {
	if d.Archive == nil || result.PageSource == "" {
		return
	}
	kind := archiveKindPageSource
	if runErr != nil {
		kind = archiveKindFailureContext
	}
	_, err := d.Archive.Put(context.Background(), scriptID, result.SessionID, kind, []byte(result.PageSource), time.Now())
	if err != nil && d.Logger != nil {
		d.Logger.Warn("archive upload failed", map[string]any{"script_id": scriptID, "session_id": result.SessionID, "kind": kind, "error": err.Error()})
	}
}

func (d *Dispatcher) execute(sessionID string, req types.ExecutionRequest) (types.ExecutionResult, error) {
	raw, err := d.Store.Get(req.ScriptID)
	if err != nil {
		return types.ExecutionResult{}, err
	}

	rendered, err := d.Templates.Render(raw, req.Params)
	if err != nil {
		return types.ExecutionResult{}, err
	}

	project, err := script.Load(rendered)
	if err != nil {
		return types.ExecutionResult{}, err
	}

	tests, err := selectTests(project, req)
	if err != nil {
		return types.ExecutionResult{}, err
	}

	handle, err := d.Pool.Acquire(sessionID)
	if err != nil {
		return types.ExecutionResult{}, err
	}

	executor := command.New(handle.Driver, project.URL, d.Config.ImplicitWait)

	result := types.ExecutionResult{SessionID: handle.SessionID}
	for _, test := range tests {
		for _, cmd := range test.Commands {
			cmdErr := executor.Run(cmd)
			d.emitCommandEvent(handle.SessionID, req.ScriptID, cmd, cmdErr)
			result.CommandsRun++
			if cmdErr != nil {
				result.PageSource, _ = handle.Driver.PageSource()
				d.captureFailureScreenshot(handle.SessionID, req.ScriptID, handle.Driver)
				d.emitTerminalEvent(handle.SessionID, req.ScriptID, result, cmdErr)
				return result, cmdErr
			}
		}
	}
	result.PageSource, _ = handle.Driver.PageSource()
	d.emitTerminalEvent(handle.SessionID, req.ScriptID, result, nil)
	return result, nil
}

// captureFailureScreenshot grabs a screenshot of the session at the point a
// command failed and feeds it to the telemetry policy as artifact chunks,
// so a live-streaming consumer (or a buffered sink) can recover the failure
// context without the dispatcher itself knowing how it will be stored.
// Screenshot and ingestion failures are logged, never propagated.
func (d *Dispatcher) captureFailureScreenshot(sessionID, scriptID string, driver pool.Driver) {
	if d.Policy == nil {
		return
	}
	data, err := driver.Screenshot()
	if err != nil {
		if d.Logger != nil {
			d.Logger.Warn("failure screenshot capture failed", map[string]any{"session_id": sessionID, "script_id": scriptID, "error": err.Error()})
		}
		return
	}
	d.emitArtifactChunks(sessionID, scriptID, data)
}

// emitArtifactChunks splits data into ipc.MaxChunkSize pieces, tagged with a
// fresh artifact id, and ingests each through the telemetry policy in order.
func (d *Dispatcher) emitArtifactChunks(sessionID, scriptID string, data []byte) {
	if len(data) == 0 {
		return
	}
	artifactID := uuid.NewString()
	var seq int64
	for offset := 0; offset < len(data); {
		end := offset + ipc.MaxChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := &types.ArtifactChunk{
			ArtifactID: artifactID,
			Seq:        seq,
			IsLast:     end == len(data),
			Data:       data[offset:end],
		}
		if err := d.Policy.IngestArtifactChunk(context.Background(), chunk); err != nil && d.Logger != nil {
			d.Logger.Warn("artifact chunk ingest failed", map[string]any{"session_id": sessionID, "script_id": scriptID, "artifact_id": artifactID, "seq": seq, "error": err.Error()})
		}
		offset = end
		seq++
	}
}

// emitCommandEvent reports one command's outcome to the telemetry policy, if
// configured. Policy ingestion errors are logged, never propagated: a
// telemetry sink problem must not fail the script it is observing.
func (d *Dispatcher) emitCommandEvent(sessionID, scriptID string, cmd types.Command, cmdErr error) {
	if d.Policy == nil {
		return
	}
	errMsg := ""
	if cmdErr != nil {
		errMsg = cmdErr.Error()
	}
	d.ingest(sessionID, scriptID, types.EventTypeCommand, map[string]any{
		"command_id": cmd.ID,
		"command":    cmd.Command,
		"target":     cmd.Target,
		"error":      errMsg,
	})
}

// emitTerminalEvent reports the execution's final outcome.
func (d *Dispatcher) emitTerminalEvent(sessionID, scriptID string, result types.ExecutionResult, runErr error) {
	if d.Policy == nil {
		return
	}
	if runErr != nil {
		d.ingest(sessionID, scriptID, types.EventTypeExecutionError, map[string]any{
			"kind":    "command_failed",
			"message": runErr.Error(),
		})
		return
	}
	d.ingest(sessionID, scriptID, types.EventTypeExecutionComplete, map[string]any{
		"commands_run": result.CommandsRun,
	})
}

func (d *Dispatcher) ingest(sessionID, scriptID string, eventType types.EventType, payload map[string]any) {
	event := &types.ExecutionEvent{
		TelemetryVersion: types.TelemetryVersion,
		EventID:          uuid.NewString(),
		SessionID:        sessionID,
		Seq:              d.seq.Add(1),
		Type:             eventType,
		Ts:               time.Now().UTC().Format(time.RFC3339Nano),
		Payload:          payload,
	}
	if scriptID != "" {
		event.ScriptID = &scriptID
	}
	if err := d.Policy.IngestEvent(context.Background(), event); err != nil && d.Logger != nil {
		d.Logger.Warn("telemetry ingest failed", map[string]any{"session_id": sessionID, "event_type": string(eventType), "error": err.Error()})
	}
}

// flushTelemetry flushes the policy and absorbs its stats into metrics, if
// both are configured.
func (d *Dispatcher) flushTelemetry() {
	if d.Policy == nil {
		return
	}
	if err := d.Policy.Flush(context.Background()); err != nil && d.Logger != nil {
		d.Logger.Warn("telemetry flush failed", map[string]any{"error": err.Error()})
	}
	if d.Metrics == nil {
		return
	}
	stats := d.Policy.Stats()
	droppedByType := make(map[string]int64, len(stats.DroppedByType))
	for k, v := range stats.DroppedByType {
		droppedByType[string(k)] = v
	}
	d.Metrics.AbsorbPolicyStats(stats.TotalEvents, stats.EventsPersisted, stats.EventsDropped, droppedByType)
}

// selectTests resolves req to the ordered list of tests to run: the named
// test, or every test in the named (or first) suite.
func selectTests(project *types.Project, req types.ExecutionRequest) ([]types.Test, error) {
	if req.Test != "" {
		test, ok := project.TestByName(req.Test)
		if !ok {
			return nil, types.NewError(types.ErrNotFound, "selectTests", req.Test, nil)
		}
		return []types.Test{test}, nil
	}

	suite := project.Suites[0]
	if req.Suite != "" {
		s, ok := project.SuiteByName(req.Suite)
		if !ok {
			return nil, types.NewError(types.ErrNotFound, "selectTests", req.Suite, nil)
		}
		suite = s
	}

	tests := make([]types.Test, 0, len(suite.TestIDs))
	for _, tid := range suite.TestIDs {
		test, ok := project.Tests[tid]
		if !ok {
			return nil, types.NewError(types.ErrInvalidReference, "selectTests", tid, nil)
		}
		tests = append(tests, test)
	}
	return tests, nil
}

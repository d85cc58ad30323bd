package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tebeka/selenium"

	"github.com/pithecene-io/corral/lock"
	"github.com/pithecene-io/corral/log"
	"github.com/pithecene-io/corral/policy"
	"github.com/pithecene-io/corral/pool"
	"github.com/pithecene-io/corral/store"
	"github.com/pithecene-io/corral/tmpl"
	"github.com/pithecene-io/corral/types"
)

const loginScript = `{
	"id": "login",
	"name": "Login",
	"url": "https://example.test",
	"tests": [
		{
			"id": "t1",
			"name": "Default",
			"commands": [
				{"id": "c1", "command": "open", "target": "https://example.test/", "value": ""},
				{"id": "c2", "command": "type", "target": "id=u", "value": "alice"},
				{"id": "c3", "command": "click", "target": "id=go", "value": ""}
			]
		}
	],
	"suites": [
		{"id": "s1", "name": "Default", "tests": ["t1"]}
	]
}`

type fakeDriver struct{}

func (fakeDriver) Get(url string) error { return nil }
func (fakeDriver) CurrentURL() (string, error) {
	return "https://example.test/", nil
}
func (fakeDriver) Quit() error { return nil }
func (fakeDriver) FindElement(by, value string) (selenium.WebElement, error) {
	return fakeElement{}, nil
}
func (fakeDriver) ExecuteScript(script string, args []interface{}) (interface{}, error) {
	return nil, nil
}
func (fakeDriver) ResizeWindow(name string, width, height int) error { return nil }
func (fakeDriver) SetImplicitWaitTimeout(timeout time.Duration) error { return nil }
func (fakeDriver) PageSource() (string, error) { return "<html>ok</html>", nil }
func (fakeDriver) Screenshot() ([]byte, error)  { return []byte("fake-png-bytes"), nil }

type fakeElement struct {
	selenium.WebElement
}

func (fakeElement) Click() error              { return nil }
func (fakeElement) Clear() error              { return nil }
func (fakeElement) SendKeys(keys string) error { return nil }
func (fakeElement) Text() (string, error)      { return "", nil }

type recordingNotifier struct {
	calls int
}

func (n *recordingNotifier) Notify(result types.ExecutionResult, err error) {
	n.calls++
}

type recordingArchiver struct {
	puts []string
}

func (a *recordingArchiver) Put(_ context.Context, scriptID, sessionID string, kind string, _ []byte, _ time.Time) (string, error) {
	key := scriptID + "/" + sessionID + "/" + kind
	a.puts = append(a.puts, key)
	return key, nil
}

type recordingMetrics struct {
	locksAcquired, locksReleased, locksTimedOut              int
	executionsStarted, executionsSucceeded, executionsFailed int
	commandsRun                                              int64

	absorbedEvents, absorbedPersisted, absorbedDropped int64
}

func (m *recordingMetrics) IncLockAcquired()       { m.locksAcquired++ }
func (m *recordingMetrics) IncLockReleased()       { m.locksReleased++ }
func (m *recordingMetrics) IncLockTimedOut()       { m.locksTimedOut++ }
func (m *recordingMetrics) IncExecutionStarted()   { m.executionsStarted++ }
func (m *recordingMetrics) IncExecutionSucceeded() { m.executionsSucceeded++ }
func (m *recordingMetrics) IncExecutionFailed()    { m.executionsFailed++ }
func (m *recordingMetrics) AddCommandsRun(n int64) { m.commandsRun += n }
func (m *recordingMetrics) AbsorbPolicyStats(totalEvents, persisted, dropped int64, _ map[string]int64) {
	m.absorbedEvents += totalEvents
	m.absorbedPersisted += persisted
	m.absorbedDropped += dropped
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *recordingNotifier) {
	t.Helper()
	d, notifier, _, _ := newTestDispatcherWithExtras(t)
	return d, notifier
}

func newTestDispatcherWithExtras(t *testing.T) (*Dispatcher, *recordingNotifier, *recordingArchiver, *recordingMetrics) {
	t.Helper()

	p := pool.New(func(cap types.Capability) (pool.Driver, string, error) {
		return fakeDriver{}, "sess-1", nil
	}, log.New("dispatch-test"))
	p.Warmup(types.Capability{BrowserName: "chrome"}, 1, time.Second)

	locks, err := lock.New(t.TempDir())
	if err != nil {
		t.Fatalf("lock.New failed: %v", err)
	}

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	if err := st.Save("login", []byte(loginScript)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	renderer := tmpl.New("", 1)
	notifier := &recordingNotifier{}
	archiver := &recordingArchiver{}
	metrics := &recordingMetrics{}

	d := New(p, locks, st, renderer, notifier, archiver, metrics, policy.NewNoopPolicy(), log.New("dispatch-test"), Config{
		DefaultLockTTL: time.Minute,
		StreamLockTTL:  time.Minute,
		ImplicitWait:   time.Second,
		ExecuteOnWait:  time.Second,
	})
	return d, notifier, archiver, metrics
}

func TestExecuteAnyHappyPath(t *testing.T) {
	d, notifier := newTestDispatcher(t)

	result, err := d.ExecuteAny(types.ExecutionRequest{ScriptID: "login"})
	if err != nil {
		t.Fatalf("ExecuteAny failed: %v", err)
	}
	if result.CommandsRun != 3 {
		t.Errorf("CommandsRun = %d, want 3", result.CommandsRun)
	}
	if result.PageSource != "<html>ok</html>" {
		t.Errorf("PageSource = %q", result.PageSource)
	}
	if notifier.calls != 1 {
		t.Errorf("Notify called %d times, want 1", notifier.calls)
	}

	if d.Locks.IsHeld("sess-1") {
		t.Errorf("lock should be released after ExecuteAny returns")
	}
}

func TestExecuteAnyNoCapacityWhenAllBusy(t *testing.T) {
	d, _ := newTestDispatcher(t)

	handle, _, err := d.Locks.Acquire("sess-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer handle.Release()

	_, err = d.ExecuteAny(types.ExecutionRequest{ScriptID: "login"})
	if !errors.Is(err, types.ErrNoCapacity) {
		t.Errorf("err = %v, want ErrNoCapacity", err)
	}
}

func TestExecuteAnyUnknownScriptFails(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, err := d.ExecuteAny(types.ExecutionRequest{ScriptID: "missing"})
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if d.Locks.IsHeld("sess-1") {
		t.Errorf("lock must be released even when the script lookup fails")
	}
}

func TestOpenStreamPinsSessionAcrossMessages(t *testing.T) {
	d, _ := newTestDispatcher(t)

	stream, err := d.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	if !d.Locks.IsHeld("sess-1") {
		t.Errorf("stream should hold the lock on its pinned session")
	}

	if _, err := stream.Send(types.ExecutionRequest{ScriptID: "login"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !d.Locks.IsHeld("sess-1") {
		t.Errorf("lock should persist across stream messages")
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if d.Locks.IsHeld("sess-1") {
		t.Errorf("lock should be released after Close")
	}
}

func TestExecuteAnyArchivesPageSourceAndRecordsMetrics(t *testing.T) {
	d, _, archiver, metrics := newTestDispatcherWithExtras(t)

	_, err := d.ExecuteAny(types.ExecutionRequest{ScriptID: "login"})
	if err != nil {
		t.Fatalf("ExecuteAny failed: %v", err)
	}

	if len(archiver.puts) != 1 {
		t.Fatalf("expected 1 archive upload, got %d", len(archiver.puts))
	}
	if archiver.puts[0] != "login/sess-1/page_source" {
		t.Errorf("archive key = %q, want login/sess-1/page_source", archiver.puts[0])
	}

	if metrics.locksAcquired != 1 || metrics.locksReleased != 1 {
		t.Errorf("locksAcquired=%d locksReleased=%d, want 1/1", metrics.locksAcquired, metrics.locksReleased)
	}
	if metrics.executionsStarted != 1 || metrics.executionsSucceeded != 1 || metrics.executionsFailed != 0 {
		t.Errorf("executions started=%d succeeded=%d failed=%d, want 1/1/0",
			metrics.executionsStarted, metrics.executionsSucceeded, metrics.executionsFailed)
	}
	if metrics.commandsRun != 3 {
		t.Errorf("commandsRun = %d, want 3", metrics.commandsRun)
	}

	if metrics.absorbedEvents != 4 {
		t.Errorf("absorbedEvents = %d, want 4 (3 commands + 1 execution_complete)", metrics.absorbedEvents)
	}
	if metrics.absorbedPersisted != 4 || metrics.absorbedDropped != 0 {
		t.Errorf("absorbedPersisted=%d absorbedDropped=%d, want 4/0", metrics.absorbedPersisted, metrics.absorbedDropped)
	}
}

type failingClickDriver struct {
	fakeDriver
}

func (failingClickDriver) FindElement(by, value string) (selenium.WebElement, error) {
	return nil, errors.New("no such element")
}

type recordingPolicy struct {
	events []*types.ExecutionEvent
	chunks []*types.ArtifactChunk
}

func (p *recordingPolicy) IngestEvent(_ context.Context, event *types.ExecutionEvent) error {
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPolicy) IngestArtifactChunk(_ context.Context, chunk *types.ArtifactChunk) error {
	p.chunks = append(p.chunks, chunk)
	return nil
}

func (p *recordingPolicy) Flush(_ context.Context) error { return nil }
func (p *recordingPolicy) Close() error                  { return nil }
func (p *recordingPolicy) Stats() policy.Stats           { return policy.Stats{} }

func TestExecuteAnyCapturesFailureScreenshotOnCommandError(t *testing.T) {
	p := pool.New(func(cap types.Capability) (pool.Driver, string, error) {
		return failingClickDriver{}, "sess-1", nil
	}, log.New("dispatch-test"))
	p.Warmup(types.Capability{BrowserName: "chrome"}, 1, time.Second)

	locks, err := lock.New(t.TempDir())
	if err != nil {
		t.Fatalf("lock.New failed: %v", err)
	}
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	if err := st.Save("login", []byte(loginScript)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	archiver := &recordingArchiver{}
	pol := &recordingPolicy{}

	d := New(p, locks, st, tmpl.New("", 1), &recordingNotifier{}, archiver, &recordingMetrics{}, pol, log.New("dispatch-test"), Config{
		DefaultLockTTL: time.Minute,
		StreamLockTTL:  time.Minute,
		ImplicitWait:   time.Second,
		ExecuteOnWait:  time.Second,
	})

	result, err := d.ExecuteAny(types.ExecutionRequest{ScriptID: "login"})
	if err == nil {
		t.Fatal("expected a command failure from the missing element")
	}
	if result.CommandsRun == 0 {
		t.Error("CommandsRun should reflect the commands attempted before the failure")
	}

	if len(archiver.puts) != 1 {
		t.Fatalf("expected 1 archive upload, got %d", len(archiver.puts))
	}
	if archiver.puts[0] != "login/sess-1/failure_context" {
		t.Errorf("archive key = %q, want login/sess-1/failure_context", archiver.puts[0])
	}

	if len(pol.chunks) == 0 {
		t.Fatal("expected the failure screenshot to be ingested as artifact chunks")
	}
	for _, c := range pol.chunks {
		if c.ArtifactID != pol.chunks[0].ArtifactID {
			t.Errorf("chunk ArtifactID = %q, want all chunks to share %q", c.ArtifactID, pol.chunks[0].ArtifactID)
		}
	}
	if last := pol.chunks[len(pol.chunks)-1]; !last.IsLast {
		t.Error("final chunk should be marked IsLast")
	}
}

func TestExecuteAnyRecordsFailureMetrics(t *testing.T) {
	d, _, archiver, metrics := newTestDispatcherWithExtras(t)

	_, err := d.ExecuteAny(types.ExecutionRequest{ScriptID: "missing"})
	if err == nil {
		t.Fatal("expected error for unknown script")
	}

	if metrics.locksAcquired != 1 || metrics.locksReleased != 1 {
		t.Errorf("locksAcquired=%d locksReleased=%d, want 1/1", metrics.locksAcquired, metrics.locksReleased)
	}
	if metrics.executionsFailed != 1 {
		t.Errorf("executionsFailed = %d, want 1", metrics.executionsFailed)
	}
	if len(archiver.puts) != 0 {
		t.Errorf("expected no archive upload on failure without page source, got %v", archiver.puts)
	}
}

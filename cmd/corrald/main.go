// Command corrald is the long-running execution service: it owns the
// session pool, the lock repository, and the dispatcher, and exposes them
// over a thin HTTP surface for corralctl and other callers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/corral/adapter"
	"github.com/pithecene-io/corral/adapter/redis"
	"github.com/pithecene-io/corral/adapter/webhook"
	"github.com/pithecene-io/corral/archive"
	"github.com/pithecene-io/corral/cli/config"
	"github.com/pithecene-io/corral/dispatch"
	"github.com/pithecene-io/corral/ipc"
	"github.com/pithecene-io/corral/iox"
	"github.com/pithecene-io/corral/lock"
	"github.com/pithecene-io/corral/log"
	"github.com/pithecene-io/corral/metrics"
	"github.com/pithecene-io/corral/policy"
	"github.com/pithecene-io/corral/pool"
	"github.com/pithecene-io/corral/store"
	"github.com/pithecene-io/corral/tmpl"
	"github.com/pithecene-io/corral/types"
)

const (
	exitSuccess = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	app := &cli.App{
		Name:    "corrald",
		Usage:   "long-running Selenium script execution service",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to corral.yaml",
				Value: "./corral.yaml",
			},
		},
		Action:         serveAction,
		ExitErrHandler: exitErrHandler,
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitRuntime)
	}
}

func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		if msg := exitCoder.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitCoder.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "corrald: %v\n", err)
	os.Exit(exitRuntime)
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	logger := log.New("corrald")

	srv, cleanup, err := build(cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]any{"addr": cfg.Addr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-errCh:
		return cli.Exit(fmt.Sprintf("listen failed: %v", err), exitRuntime)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", map[string]any{"error": err.Error()})
	}
	srv.dispatcher.Pool.Shutdown()

	return nil
}

// loadConfig reads corral.yaml if present, falling back to pure defaults
// when the file does not exist so corrald can run with zero configuration.
func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return config.Config{}.DefaultsApplied(), nil
		}
		return config.Config{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	return cfg.DefaultsApplied(), nil
}

// server bundles the dispatcher with the HTTP surface that fronts it.
type server struct {
	dispatcher *dispatch.Dispatcher
	mux        *http.ServeMux
	logger     *log.Logger
}

// build wires the full dependency graph described by the configuration:
// pool, locks, store, templates, policy sink, optional archive and
// notification adapters, and the dispatcher itself. The returned cleanup
// closes every resource that needs an explicit Close.
func build(cfg config.Config, logger *log.Logger) (*server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	coll := metrics.NewCollector(cfg.GridURL)

	locks, err := lock.New(cfg.LockDir)
	if err != nil {
		return nil, cleanup, fmt.Errorf("lock repository: %w", err)
	}
	locks.SetMetrics(coll)

	st, err := store.New(cfg.ScriptDir)
	if err != nil {
		return nil, cleanup, fmt.Errorf("script store: %w", err)
	}
	if err := loadScripts(st, cfg.ScriptDir, logger); err != nil {
		return nil, cleanup, fmt.Errorf("loading scripts: %w", err)
	}

	renderer := tmpl.New(cfg.JSDir, time.Now().UnixNano())

	p := pool.New(pool.GridFactory(cfg.GridURL), logger.With("component", "pool"))
	p.SetMetrics(coll)
	go p.Warmup(types.Capability{BrowserName: "chrome"}, cfg.PoolSize, cfg.PoolInitTimeout())

	pol, err := buildPolicy(cfg, logger)
	if err != nil {
		return nil, cleanup, fmt.Errorf("policy: %w", err)
	}
	closers = append(closers, func() { iox.DiscardErr(pol.Close) })

	var notifier dispatch.Notifier
	if ad, err := buildAdapter(cfg.Notify); err != nil {
		return nil, cleanup, fmt.Errorf("notify adapter: %w", err)
	} else if ad != nil {
		n := adapter.NewNotifier(ad)
		notifier = n
		closers = append(closers, func() { iox.DiscardErr(ad.Close) })
	}

	var archiver dispatch.Archiver
	if cfg.Archive.Bucket != "" {
		client, err := archive.New(context.Background(), archive.Config{
			Bucket:   cfg.Archive.Bucket,
			Prefix:   cfg.Archive.Prefix,
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("archive client: %w", err)
		}
		archiver = client
	}

	d := dispatch.New(p, locks, st, renderer, notifier, archiver, coll, pol, logger.With("component", "dispatch"), dispatch.Config{
		DefaultLockTTL: cfg.DefaultLockTTL(),
		StreamLockTTL:  cfg.StreamLockTTL(),
		ImplicitWait:   cfg.ImplicitWait(),
		ExecuteOnWait:  30 * time.Second,
	})

	srv := &server{dispatcher: d, logger: logger}
	srv.mux = buildMux(srv, coll)

	return srv, cleanup, nil
}

// loadScripts populates the store from every file directly under dir,
// keyed by the file's base name without extension. Only directories and
// leftover .tmp files are skipped; every other file is saved, so when dir
// is the store's own root a file without an extension is rewritten in
// place with its own contents.
func loadScripts(st *store.Store, dir string, logger *log.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if err := st.Save(id, b); err != nil {
			return err
		}
		logger.Info("loaded script", map[string]any{"id": id, "file": e.Name()})
	}
	return nil
}

func buildPolicy(cfg config.Config, logger *log.Logger) (policy.Policy, error) {
	sink, err := policy.NewFileSink(cfg.EventsDir)
	if err != nil {
		return nil, err
	}

	switch cfg.Policy.Name {
	case "strict":
		return policy.NewStrictPolicy(sink), nil

	case "streaming":
		return policy.NewStreamingPolicy(sink, policy.StreamingConfig{
			FlushCount:    cfg.Policy.FlushCount,
			FlushInterval: cfg.Policy.FlushInterval.Duration,
			Logger:        logger.With("component", "policy"),
		})

	case "noop":
		_ = sink.Close()
		return policy.NewNoopPolicy(), nil

	case "buffered", "":
		return policy.NewBufferedPolicy(sink, policy.BufferedConfig{
			MaxBufferEvents: cfg.Policy.BufferEvents,
			MaxBufferBytes:  cfg.Policy.BufferBytes,
			FlushMode:       policy.FlushMode(cfg.Policy.FlushMode),
			Logger:          logger.With("component", "policy"),
		})

	default:
		return nil, fmt.Errorf("unknown policy %q", cfg.Policy.Name)
	}
}

func buildAdapter(cfg config.AdapterConfig) (adapter.Adapter, error) {
	switch cfg.Type {
	case "":
		return nil, nil

	case "webhook":
		wcfg := webhook.Config{URL: cfg.URL, Headers: cfg.Headers, Timeout: cfg.Timeout.Duration}
		if cfg.Retries != nil {
			wcfg.Retries = *cfg.Retries
		} else {
			wcfg.Retries = webhook.DefaultRetries
		}
		return webhook.New(wcfg)

	case "redis":
		rcfg := redis.Config{URL: cfg.URL, Channel: cfg.Channel, Timeout: cfg.Timeout.Duration}
		if cfg.Retries != nil {
			rcfg.Retries = *cfg.Retries
		} else {
			rcfg.Retries = redis.DefaultRetries
		}
		return redis.New(rcfg)

	default:
		return nil, fmt.Errorf("unknown notify adapter %q", cfg.Type)
	}
}

// buildMux assembles the HTTP surface: a named execution endpoint, a
// pinned-session streaming endpoint reached by hijacking the connection,
// and a handful of read endpoints backing corralctl.
func buildMux(s *server, coll *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /executions", s.handleExecute)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /locks/{key}", s.handleLockInspect)
	mux.HandleFunc("GET /status", s.handleStatus(coll))
	return mux
}

// executeRequest is the wire shape of POST /executions: an ExecutionRequest
// plus an optional session_id to pin the run to a specific session instead
// of letting the dispatcher pick one.
type executeRequest struct {
	types.ExecutionRequest
	SessionID string `json:"session_id,omitempty"`
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		result types.ExecutionResult
		err    error
	)
	if req.SessionID != "" {
		result, err = s.dispatcher.ExecuteOn(req.SessionID, req.ExecutionRequest)
	} else {
		result, err = s.dispatcher.ExecuteAny(req.ExecutionRequest)
	}
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleStream hijacks the HTTP connection and speaks the length-prefixed
// msgpack stream protocol against one pinned session: a StreamRequestFrame
// per execution, a StreamResponseFrame per result, until the client
// disconnects.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}

	conn, buf, err := hijacker.Hijack()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer iox.DiscardClose(conn)

	if _, err := buf.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: corral-stream\r\nConnection: Upgrade\r\n\r\n"); err != nil {
		return
	}
	if err := buf.Flush(); err != nil {
		return
	}

	stream, err := s.dispatcher.OpenStream()
	if err != nil {
		s.logger.Warn("stream open failed", map[string]any{"error": err.Error()})
		return
	}
	defer iox.DiscardErr(stream.Close)

	decoder := ipc.NewFrameDecoder(buf)
	for {
		payload, err := decoder.ReadFrame()
		if err != nil {
			return
		}

		req, err := ipc.DecodeStreamRequest(payload)
		if err != nil {
			s.logger.Warn("malformed stream request", map[string]any{"error": err.Error()})
			return
		}

		resp := &ipc.StreamResponseFrame{}
		result, err := stream.Send(req.Request)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = &result
		}

		encoded, err := ipc.EncodeStreamResponse(resp)
		if err != nil {
			return
		}
		if _, err := conn.Write(encoded); err != nil {
			return
		}
	}
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Pool.Snapshots())
}

func (s *server) handleLockInspect(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	info, err := s.dispatcher.Locks.Info(key)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no held lock for key %q", key))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// statusResponse is the payload for GET /status: pool health, policy
// delivery stats, and the full metrics snapshot in one call so corralctl
// status and the TUI need only one round trip.
type statusResponse struct {
	Sessions []types.SessionSnapshot `json:"sessions"`
	Policy   policy.Stats            `json:"policy"`
	Metrics  metrics.Snapshot        `json:"metrics"`
}

func (s *server) handleStatus(coll *metrics.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Sessions: s.dispatcher.Pool.Snapshots(),
			Policy:   s.dispatcher.Policy.Stats(),
			Metrics:  coll.Snapshot(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrNoSuchSession):
		return http.StatusNotFound
	case errors.Is(err, types.ErrNoCapacity), types.IsAlreadyHeld(err):
		return http.StatusConflict
	case types.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrInvalidId), errors.Is(err, types.ErrMalformedScript), errors.Is(err, types.ErrInvalidReference):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

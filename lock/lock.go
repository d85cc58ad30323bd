// Package lock implements the filesystem-backed mutual exclusion layer that
// mediates exclusive access to sessions. Each key is represented by a
// sibling pair of files under a configured root: a zero-byte marker created
// with O_EXCL semantics and a JSON info file carrying the owner token and
// expiry. O_EXCL is the ordering primitive, not flock: it gives exclusivity
// without requiring every acquirer to cooperate through the same advisory
// lock call.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/corral/types"
)

// Metrics receives lock counters. Satisfied by *metrics.Collector.
type Metrics interface {
	IncLockStolen()
}

// Repository mediates exclusive access to keys via marker+info file pairs
// under Root.
type Repository struct {
	Root string

	// pollInterval governs acquireScoped's busy-wait cadence. Defaults to
	// 50ms when zero.
	pollInterval time.Duration

	metrics Metrics
}

// New builds a Repository rooted at root. The directory is created if
// absent.
func New(root string) (*Repository, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, types.NewError(types.ErrCommandFailed, "new", root, err)
	}
	return &Repository{Root: root, pollInterval: 50 * time.Millisecond}, nil
}

// SetMetrics attaches a counter sink for reclaimed (stale-owner) locks.
func (r *Repository) SetMetrics(m Metrics) {
	r.metrics = m
}

func (r *Repository) markerPath(key string) string {
	return filepath.Join(r.Root, key)
}

func (r *Repository) infoPath(key string) string {
	return filepath.Join(r.Root, key+".lock.json")
}

// Handle is a scope-guard returned by AcquireScoped. Release is idempotent
// and safe to call on every exit path, including via defer.
type Handle struct {
	repo  *Repository
	key   string
	token string

	mu       sync.Mutex
	released bool
}

// Release releases the lock if still held by this handle's token. No-ops on
// a second call.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	return h.repo.release(h.key, h.token)
}

// Token returns the owner token backing this handle.
func (h *Handle) Token() string {
	return h.token
}

func readInfo(path string) (*types.LockInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var info types.LockInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func writeInfo(path string, info types.LockInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// isLive reports whether info represents a non-expired lock as of now.
func isLive(info *types.LockInfo, now time.Time) bool {
	return info != nil && info.ExpiresAt > now.Unix()
}

// Acquire attempts a single, non-blocking acquisition of key for ttl.
// Fails with types.ErrAlreadyHeld if a live record already exists.
func (r *Repository) Acquire(key string, ttl time.Duration) (*Handle, types.LockInfo, error) {
	return r.acquireOnce(key, ttl, time.Now())
}

func (r *Repository) acquireOnce(key string, ttl time.Duration, now time.Time) (*Handle, types.LockInfo, error) {
	infoPath := r.infoPath(key)
	markerPath := r.markerPath(key)

	info, err := readInfo(infoPath)
	if err != nil {
		return nil, types.LockInfo{}, types.NewError(types.ErrCommandFailed, "acquire", key, err)
	}
	if isLive(info, now) {
		return nil, types.LockInfo{}, types.NewError(types.ErrAlreadyHeld, "acquire", key, nil)
	}

	f, err := os.OpenFile(markerPath, os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, types.LockInfo{}, types.NewError(types.ErrCommandFailed, "acquire", key, err)
		}
		// Marker exists. If info also exists and is live, someone else won
		// the race. Otherwise the previous holder crashed mid-acquire:
		// clean up both files and retry once.
		info, rerr := readInfo(infoPath)
		if rerr != nil {
			return nil, types.LockInfo{}, types.NewError(types.ErrCommandFailed, "acquire", key, rerr)
		}
		if isLive(info, now) {
			return nil, types.LockInfo{}, types.NewError(types.ErrAlreadyHeld, "acquire", key, nil)
		}
		_ = os.Remove(infoPath)
		_ = os.Remove(markerPath)
		f, err = os.OpenFile(markerPath, os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, types.LockInfo{}, types.NewError(types.ErrAlreadyHeld, "acquire", key, err)
		}
		if info != nil && r.metrics != nil {
			r.metrics.IncLockStolen()
		}
	}
	_ = f.Close()

	token := uuid.NewString()
	newInfo := types.NewLockInfo(key, token, now, ttl)
	if err := writeInfo(infoPath, newInfo); err != nil {
		_ = os.Remove(markerPath)
		return nil, types.LockInfo{}, types.NewError(types.ErrCommandFailed, "acquire", key, err)
	}

	return &Handle{repo: r, key: key, token: token}, newInfo, nil
}

// AcquireScoped blocks, polling for availability, until it acquires key or
// waitTimeout elapses. waitTimeout=0 means try exactly once.
func (r *Repository) AcquireScoped(key string, ttl, waitTimeout time.Duration) (*Handle, types.LockInfo, error) {
	deadline := time.Now().Add(waitTimeout)
	for {
		h, info, err := r.Acquire(key, ttl)
		if err == nil {
			return h, info, nil
		}
		if !types.IsAlreadyHeld(err) {
			return nil, types.LockInfo{}, err
		}
		if waitTimeout <= 0 || time.Now().After(deadline) {
			return nil, types.LockInfo{}, types.NewError(types.ErrTimeout, "acquireScoped", key, nil)
		}
		time.Sleep(r.pollInterval)
	}
}

// release removes the lock's info then marker file. Idempotent: a missing
// record is not an error. Fails with types.ErrNotOwner if the current token
// does not match.
func (r *Repository) release(key, token string) error {
	infoPath := r.infoPath(key)
	markerPath := r.markerPath(key)

	info, err := readInfo(infoPath)
	if err != nil {
		return types.NewError(types.ErrCommandFailed, "release", key, err)
	}
	if info == nil {
		_ = os.Remove(markerPath)
		return nil
	}
	if info.UUID != token {
		return types.NewError(types.ErrNotOwner, "release", key, fmt.Errorf("token mismatch"))
	}
	_ = os.Remove(infoPath)
	_ = os.Remove(markerPath)
	return nil
}

// Info returns the live lock info for key, or (nil, nil) if absent or
// expired.
func (r *Repository) Info(key string) (*types.LockInfo, error) {
	info, err := readInfo(r.infoPath(key))
	if err != nil {
		return nil, types.NewError(types.ErrCommandFailed, "info", key, err)
	}
	if !isLive(info, time.Now()) {
		return nil, nil
	}
	return info, nil
}

// IsHeld reports whether key has a live (non-expired) record.
func (r *Repository) IsHeld(key string) bool {
	info, err := r.Info(key)
	return err == nil && info != nil
}

// FilterIdle returns the subset of keys for which IsHeld is false, all
// evaluated as of a single pass. Not linearizable with concurrent Acquire
// calls; callers must follow up with a real Acquire.
func (r *Repository) FilterIdle(keys []string) []string {
	idle := make([]string, 0, len(keys))
	for _, k := range keys {
		if !r.IsHeld(k) {
			idle = append(idle, k)
		}
	}
	return idle
}

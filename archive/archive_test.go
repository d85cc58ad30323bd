package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestConfig_ValidateRequiresBucket(t *testing.T) {
	err := Config{}.Validate()
	if err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestNew_RejectsMissingBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

// fakeS3 runs a minimal HTTP server that accepts any PUT as a successful
// object write, recording the request path and body.
func fakeS3(t *testing.T) (*httptest.Server, *atomic.Pointer[string], *atomic.Pointer[string]) {
	t.Helper()
	var gotPath atomic.Pointer[string]
	var gotBody atomic.Pointer[string]

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		path := r.URL.Path
		gotPath.Store(&path)
		body, _ := io.ReadAll(r.Body)
		s := string(body)
		gotBody.Store(&s)
		w.Header().Set("ETag", `"fake-etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	return ts, &gotPath, &gotBody
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_REGION", "us-east-1")

	c, err := New(context.Background(), Config{
		Bucket:       "corral-artifacts",
		Prefix:       "sessions",
		Endpoint:     endpoint,
		UsePathStyle: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestPut_UploadsPageSource(t *testing.T) {
	ts, gotPath, gotBody := fakeS3(t)
	defer ts.Close()

	c := newTestClient(t, ts.URL)

	at := time.Unix(1700000000, 0)
	key, err := c.Put(context.Background(), "login", "sess-1", KindPageSource, []byte("<html></html>"), at)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	wantKey := "sessions/login/sess-1/1700000000-page_source.html"
	if key != wantKey {
		t.Errorf("key = %q, want %q", key, wantKey)
	}

	path := gotPath.Load()
	if path == nil || !strings.Contains(*path, wantKey) {
		t.Errorf("request path = %v, want to contain %q", path, wantKey)
	}

	body := gotBody.Load()
	if body == nil || *body != "<html></html>" {
		t.Errorf("uploaded body = %v, want <html></html>", body)
	}
}

func TestPut_FailureContextKey(t *testing.T) {
	ts, _, _ := fakeS3(t)
	defer ts.Close()

	c := newTestClient(t, ts.URL)

	at := time.Unix(1700000001, 0)
	key, err := c.Put(context.Background(), "checkout", "sess-2", KindFailureContext, []byte("partial"), at)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	want := "sessions/checkout/sess-2/1700000001-failure_context.html"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
}

func TestKey_WithoutPrefix(t *testing.T) {
	c := &Client{cfg: Config{Bucket: "b"}}
	at := time.Unix(100, 0)
	got := c.key("s", "sess", KindPageSource, at)
	want := "s/sess/100-page_source.html"
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

func TestKey_TrimsTrailingSlashInPrefix(t *testing.T) {
	c := &Client{cfg: Config{Bucket: "b", Prefix: "sessions/"}}
	at := time.Unix(100, 0)
	got := c.key("s", "sess", KindPageSource, at)
	want := "sessions/s/sess/100-page_source.html"
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

func TestPut_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)

	_, err := c.Put(context.Background(), "login", "sess-1", KindPageSource, []byte("x"), time.Unix(1, 0))
	if err == nil {
		t.Fatal("expected error on 500 response")
	}
}

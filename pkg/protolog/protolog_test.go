package protolog

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) (*Recorder, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	r := NewRecorder(s)
	r.Start()
	t.Cleanup(r.Stop)
	return r, s
}

func waitForEntries(t *testing.T, s store.Store, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		entries, err := s.ListProtocolEntries(10)
		require.NoError(t, err)
		if len(entries) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d protocol entries to persist", n)
}

func TestMiddlewareRecordsClassifiedEntry(t *testing.T) {
	r, s := newTestRecorder(t)

	handler := r.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"registered"}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/register", strings.NewReader(`{"id":"drone-1","name":"d1"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	waitForEntries(t, s, 1)
	entries, err := s.ListProtocolEntries(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	require.Equal(t, "register", e.Tag)
	require.Equal(t, http.StatusOK, e.StatusCode)
	require.Equal(t, "drone-1", e.DroneHint)
	require.Contains(t, e.ResponseBody, "registered")
}

func TestMiddlewarePreservesRequestBodyForHandler(t *testing.T) {
	r, _ := newTestRecorder(t)

	var seen string
	handler := r.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		buf := make([]byte, 1024)
		n, _ := req.Body.Read(buf)
		seen = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/complete", strings.NewReader(`{"id":"d1","package":"dev-libs/openssl"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Contains(t, seen, "dev-libs/openssl")
}

func TestBodyCaptureTruncatesOversizedBody(t *testing.T) {
	big := strings.Repeat("x", maxBodyCapture*2)
	got := capBody([]byte(big))
	require.Less(t, len(got), len(big))
	require.True(t, strings.HasSuffix(got, truncationMarker))
}

func TestClassifyTagsKnownEndpoints(t *testing.T) {
	cases := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/api/v1/register", "register"},
		{http.MethodGet, "/api/v1/work", "work-request"},
		{http.MethodPost, "/api/v1/complete", "complete"},
		{http.MethodPost, "/api/v1/control", "control"},
		{http.MethodPost, "/admin/api/payloads/agent/1.0.0/deploy", "admin-deploy"},
		{http.MethodGet, "/api/v1/status", "public-read"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, classify(c.method, c.path), c.path)
	}
}

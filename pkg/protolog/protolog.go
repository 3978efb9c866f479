// Package protolog implements a bounded, asynchronous
// recorder of completed HTTP exchanges. A net/http middleware captures
// method, path, status, latency and a size-capped copy of each body,
// classifies the exchange with a short symbolic tag, and hands the
// finished record to a single background worker so persistence never
// sits on the request path.
package protolog

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/drillmaster/pkg/log"
	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/cuemby/drillmaster/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxBodyCapture bounds how much of a request/response body is kept,
// per direction, before the remainder is replaced by a truncation marker.
const maxBodyCapture = 8 * 1024

const truncationMarker = "...[truncated]"

// queueDepth bounds the async write-behind channel. A full queue drops
// the new entry (pending entries are kept) rather than stall the
// request path.
const queueDepth = 512

// Recorder persists ProtocolEntry rows on a single background worker.
type Recorder struct {
	store  store.Store
	logger zerolog.Logger
	workCh chan *types.ProtocolEntry
	stopCh chan struct{}
}

// NewRecorder creates a Recorder. Call Start before wiring Middleware
// into a handler chain, and Stop on shutdown to drain the queue.
func NewRecorder(s store.Store) *Recorder {
	return &Recorder{
		store:  s,
		logger: log.WithComponent("protolog"),
		workCh: make(chan *types.ProtocolEntry, queueDepth),
		stopCh: make(chan struct{}),
	}
}

// Start launches the background writer.
func (r *Recorder) Start() {
	go r.run()
}

// Stop signals the background writer to drain and exit.
func (r *Recorder) Stop() {
	close(r.stopCh)
}

func (r *Recorder) run() {
	for {
		select {
		case e := <-r.workCh:
			if err := r.store.AppendProtocolEntry(e); err != nil {
				r.logger.Error().Err(err).Str("tag", e.Tag).Msg("failed to persist protocol entry")
			}
		case <-r.stopCh:
			// drain whatever is already queued before exiting
			for {
				select {
				case e := <-r.workCh:
					_ = r.store.AppendProtocolEntry(e)
				default:
					return
				}
			}
		}
	}
}

// responseRecorder captures the status code and a capped copy of the
// response body as it is written, without buffering the whole thing.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(p []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	if rr.body.Len() < maxBodyCapture {
		remaining := maxBodyCapture - rr.body.Len()
		if remaining > len(p) {
			rr.body.Write(p)
		} else {
			rr.body.Write(p[:remaining])
		}
	}
	return rr.ResponseWriter.Write(p)
}

// Middleware wraps next, recording one ProtocolEntry per completed
// exchange after the response has been written.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()

		var reqBody []byte
		if req.Body != nil {
			capped := io.LimitReader(req.Body, maxBodyCapture+1)
			reqBody, _ = io.ReadAll(capped)
			req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(reqBody), req.Body))
		}

		rr := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rr, req)
		if rr.status == 0 {
			rr.status = http.StatusOK
		}

		entry := &types.ProtocolEntry{
			ID:           uuid.New().String(),
			Timestamp:    start,
			SourceAddr:   req.RemoteAddr,
			Method:       req.Method,
			Path:         req.URL.Path,
			Tag:          classify(req.Method, req.URL.Path),
			StatusCode:   rr.status,
			LatencyMs:    float64(time.Since(start).Microseconds()) / 1000.0,
			DroneHint:    droneHint(req, reqBody),
			PackageHint:  packageHint(req, reqBody),
			RequestBody:  capBody(reqBody),
			ResponseBody: capBody(rr.body.Bytes()),
		}

		select {
		case r.workCh <- entry:
		default:
			// hot path never blocks on the write-behind queue; dashboards
			// lose one entry rather than stall a drone's request.
		}
	})
}

// classify derives a short symbolic tag from (method, path) so the
// protocol log reads like a narrative of drone/admin traffic instead of
// raw verb+path pairs.
func classify(method, path string) string {
	switch {
	case method == http.MethodPost && path == "/api/v1/register":
		return "register"
	case method == http.MethodGet && path == "/api/v1/work":
		return "work-request"
	case method == http.MethodPost && path == "/api/v1/complete":
		return "complete"
	case method == http.MethodPost && path == "/api/v1/control":
		return "control"
	case method == http.MethodPost && path == "/api/v1/queue":
		return "queue-submit"
	case strings.HasPrefix(path, "/api/v1/nodes/"):
		return "node-control"
	case strings.HasPrefix(path, "/api/v1/ping") || path == "/api/v1/escalation":
		return "self-heal"
	case strings.HasPrefix(path, "/admin/api/payloads"):
		return "admin-deploy"
	case strings.HasPrefix(path, "/admin/api/releases") || strings.HasPrefix(path, "/api/v1/releases"):
		return "admin-release"
	case strings.HasPrefix(path, "/admin/api/logs") || strings.HasPrefix(path, "/admin/api/drones"):
		return "admin-logs"
	case strings.HasPrefix(path, "/api/v1/sql"):
		return "admin-sql"
	case strings.HasPrefix(path, "/admin/"):
		return "admin"
	default:
		return "public-read"
	}
}

// droneHint extracts a best-effort drone id for dashboard correlation,
// preferring the query string (used by /work, /ping) and falling back
// to a cheap scan of the captured body (used by /register, /complete).
func droneHint(req *http.Request, body []byte) string {
	if id := req.URL.Query().Get("id"); id != "" {
		return id
	}
	return scanJSONField(body, "id")
}

func packageHint(req *http.Request, body []byte) string {
	if pkg := req.URL.Query().Get("package"); pkg != "" {
		return pkg
	}
	return scanJSONField(body, "package")
}

// scanJSONField does a bounded, best-effort extraction of `"field":"value"`
// from a raw JSON body. It exists purely to populate a dashboard hint
// without paying for a full decode of every request on the hot path.
func scanJSONField(body []byte, field string) string {
	needle := []byte(`"` + field + `":"`)
	idx := bytes.Index(body, needle)
	if idx < 0 {
		return ""
	}
	rest := body[idx+len(needle):]
	end := bytes.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return string(rest[:end])
}

func capBody(b []byte) string {
	if len(b) <= maxBodyCapture {
		return string(b)
	}
	return string(b[:maxBodyCapture]) + truncationMarker
}

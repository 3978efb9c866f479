// Package api implements the two JSON-over-HTTP listeners
// that make up the control plane's external surface — a public,
// unauthenticated listener carrying the drone wire protocol and
// read-only dashboards, and an admin listener gated by a shared-secret
// header carrying every write/control operation. See server.go for
// construction, public.go/admin.go for the handler sets.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cuemby/drillmaster/pkg/events"
	"github.com/cuemby/drillmaster/pkg/health"
	"github.com/cuemby/drillmaster/pkg/log"
	"github.com/cuemby/drillmaster/pkg/payload"
	"github.com/cuemby/drillmaster/pkg/protolog"
	"github.com/cuemby/drillmaster/pkg/release"
	"github.com/cuemby/drillmaster/pkg/scheduler"
	"github.com/cuemby/drillmaster/pkg/security"
	"github.com/cuemby/drillmaster/pkg/selfheal"
	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/rs/zerolog"
)

// requestDeadline bounds every handler; a handler that does not respond
// within this window is aborted by http.TimeoutHandler, which replies
// 503 Service Unavailable (not 504) with a JSON error body.
const requestDeadline = 30 * time.Second

// Config carries everything NewServer needs beyond the shared
// component instances: listener addresses, the admin shared secret,
// and the identity this control plane announces to registering drones.
type Config struct {
	PublicAddr       string
	AdminAddr        string
	AdminKey         string
	OrchestratorName string
}

// Server owns both HTTP listeners and every handler backing them.
type Server struct {
	store     store.Store
	broker    *events.Broker
	scheduler *scheduler.Scheduler
	health    *health.Monitor
	selfheal  *selfheal.Monitor
	payloads  *payload.Registry
	releases  *release.Registry
	protolog  *protolog.Recorder
	secrets   *security.SecretsManager

	cfg    Config
	logger zerolog.Logger

	publicSrv *http.Server
	adminSrv  *http.Server
}

// Deps bundles the components a Server wires into its handlers.
type Deps struct {
	Store     store.Store
	Broker    *events.Broker
	Scheduler *scheduler.Scheduler
	Health    *health.Monitor
	SelfHeal  *selfheal.Monitor
	Payloads  *payload.Registry
	Releases  *release.Registry
	ProtoLog  *protolog.Recorder
	Secrets   *security.SecretsManager
}

// NewServer builds both listeners' handler chains. Start must be called
// to actually begin serving.
func NewServer(cfg Config, d Deps) *Server {
	s := &Server{
		store:     d.Store,
		broker:    d.Broker,
		scheduler: d.Scheduler,
		health:    d.Health,
		selfheal:  d.SelfHeal,
		payloads:  d.Payloads,
		releases:  d.Releases,
		protolog:  d.ProtoLog,
		secrets:   d.Secrets,
		cfg:       cfg,
		logger:    log.WithComponent("api"),
	}

	publicMux := http.NewServeMux()
	s.registerPublicRoutes(publicMux)

	adminMux := http.NewServeMux()
	s.registerAdminRoutes(adminMux)

	s.publicSrv = &http.Server{
		Addr:         cfg.PublicAddr,
		Handler:      s.wrap(publicMux, false),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: requestDeadline + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.adminSrv = &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      s.wrap(adminMux, true),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: requestDeadline + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// wrap layers the protocol recorder, the per-request deadline, and
// (for the admin listener) the shared-secret auth check around mux.
func (s *Server) wrap(mux *http.ServeMux, requireAdminKey bool) http.Handler {
	var h http.Handler = mux
	if requireAdminKey {
		h = s.adminAuthMiddleware(h)
	}
	h = http.TimeoutHandler(h, requestDeadline, `{"error":"request timed out"}`)
	if s.protolog != nil {
		h = s.protolog.Middleware(h)
	}
	return h
}

// Start begins serving both listeners. It returns immediately; each
// listener runs in its own goroutine and logs a fatal-looking error
// (without exiting the process) if ListenAndServe fails for a reason
// other than a clean Stop.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.cfg.PublicAddr).Msg("public listener starting")
		if err := s.publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("public listener stopped")
		}
	}()
	go func() {
		s.logger.Info().Str("addr", s.cfg.AdminAddr).Msg("admin listener starting")
		if err := s.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("admin listener stopped")
		}
	}()
}

// Stop gracefully shuts down both listeners.
func (s *Server) Stop(ctx context.Context) {
	_ = s.publicSrv.Shutdown(ctx)
	_ = s.adminSrv.Shutdown(ctx)
}

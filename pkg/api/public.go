package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/drillmaster/pkg/health"
	"github.com/cuemby/drillmaster/pkg/metrics"
	"github.com/cuemby/drillmaster/pkg/scheduler"
	"github.com/cuemby/drillmaster/pkg/types"
	"github.com/google/uuid"
)

func (s *Server) registerPublicRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/register", s.handleRegister)
	mux.HandleFunc("/api/v1/work", s.handleWork)
	mux.HandleFunc("/api/v1/complete", s.handleComplete)

	mux.Handle("/api/v1/health", metrics.HealthHandler())
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/nodes", s.handleNodes)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/events/history", s.handleEventsHistory)
	mux.HandleFunc("/api/v1/history", s.handleBuildHistory)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
}

// registerRequest is a drone's self-reported identity and profile on
// its first (or every) check-in.
type registerRequest struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	IP           string             `json:"ip"`
	Type         string             `json:"type"`
	Capabilities types.Capabilities `json:"capabilities"`
	Metrics      types.Metrics      `json:"metrics"`
	CurrentTask  string             `json:"current_task"`
	Version      string             `json:"version"`
}

// registerResponse acknowledges a drone's check-in with the orchestrator
// identity it should report against and whether it should hold off
// requesting work.
type registerResponse struct {
	Status           string `json:"status"`
	Orchestrator     string `json:"orchestrator"`
	OrchestratorPort string `json:"orchestrator_port"`
	OrchestratorName string `json:"orchestrator_name"`
	Paused           bool   `json:"paused"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Name == "" || req.IP == "" {
		writeError(w, http.StatusBadRequest, "name and ip are required", "")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Type == "" {
		req.Type = "drone"
	}

	now := time.Now()
	existing, _ := s.store.GetDrone(req.ID)

	d := &types.Drone{
		ID:           req.ID,
		Name:         req.Name,
		Address:      req.IP,
		Role:         req.Type,
		Capabilities: req.Capabilities,
		Metrics:      req.Metrics,
		CurrentTask:  req.CurrentTask,
		LastSeen:     now,
		Status:       types.DroneOnline,
		Version:      req.Version,
		Kind:         types.DroneKindUnknown,
		CreatedAt:    now,
	}
	if existing != nil {
		d.Paused = existing.Paused
		d.Kind = existing.Kind
		d.CreatedAt = existing.CreatedAt
	}
	if err := s.store.CreateOrUpdateDrone(d); err != nil {
		writeDomainError(w, err)
		return
	}

	if _, err := s.store.GetDroneConfig(req.ID); err != nil {
		_ = s.store.UpsertDroneConfig(&types.DroneConfig{DroneID: req.ID, DisplayName: req.Name})
	}

	s.broker.Publish(&types.Event{
		Kind:      types.EventRegistered,
		Message:   "drone registered",
		DroneID:   req.ID,
		Timestamp: now,
	})

	// A drone's SSH config usually isn't on file yet on first contact
	// (it's added by an admin afterward), so a missing/incomplete config
	// here just means probing starts once that config shows up, via the
	// next register call or an admin ping.
	if checker, err := s.sshChecker(d); err == nil {
		s.health.StartProbing(d.ID, func(context.Context) health.Checker { return checker })
	}

	// The drone protocol (register/work/complete) lives on the public
	// listener, so that's the port a drone should keep reporting to.
	_, publicPort := splitHostPort(s.cfg.PublicAddr)
	writeJSON(w, http.StatusOK, registerResponse{
		Status:           "registered",
		Orchestrator:     s.cfg.OrchestratorName,
		OrchestratorPort: publicPort,
		OrchestratorName: s.cfg.OrchestratorName,
		Paused:           d.Paused,
	})
}

// splitHostPort splits an addr of the form "host:port" at its last
// colon, returning addr itself and an empty port if there is no colon.
func splitHostPort(addr string) (host, port string) {
	i := len(addr) - 1
	for ; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:]
		}
	}
	return addr, ""
}

func (s *Server) handleWork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required", "")
		return
	}

	if err := s.touchDrone(id); err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", err.Error())
		return
	}

	item, err := s.scheduler.Assign(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if item == nil {
		writeJSON(w, http.StatusOK, map[string]any{"package": nil})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// completeRequest reports the outcome of the package a drone was
// assigned.
type completeRequest struct {
	ID        string  `json:"id"`
	Package   string  `json:"package"`
	Status    string  `json:"status"`
	DurationS float64 `json:"duration_s"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.ID == "" || req.Package == "" {
		writeError(w, http.StatusBadRequest, "id and package are required", "")
		return
	}

	status := scheduler.CompletionStatus(req.Status)
	switch status {
	case scheduler.CompletionSuccess, scheduler.CompletionFailed, scheduler.CompletionReturned:
	default:
		writeError(w, http.StatusBadRequest, "status must be success, failed or returned", "")
		return
	}

	_ = s.touchDrone(req.ID)

	// A stale completion (reassigned/already-terminal item) is not an
	// error from the drone's point of view — it returns 200 so a slow
	// drone's late report never gets retried into a loop.
	if err := s.scheduler.Complete(req.ID, req.Package, status, req.DurationS, req.Error); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "package": req.Package})
}

func (s *Server) touchDrone(droneID string) error {
	d, err := s.store.GetDrone(droneID)
	if err != nil {
		return err
	}
	d.LastSeen = time.Now()
	d.Status = types.DroneOnline
	return s.store.CreateOrUpdateDrone(d)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	drones, err := s.store.ListDrones()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items, err := s.store.ListQueueItems()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	byStatus := map[types.QueueStatus]int{}
	for _, item := range items {
		byStatus[item.Status]++
	}
	online := 0
	for _, d := range drones {
		if d.Status == types.DroneOnline {
			online++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"orchestrator":    s.cfg.OrchestratorName,
		"drones_total":    len(drones),
		"drones_online":   online,
		"queue_paused":    s.scheduler.IsQueuePaused(),
		"queue_by_status": byStatus,
		"readiness":       metrics.GetReadiness(),
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	drones, err := s.store.ListDrones()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if r.URL.Query().Get("all") != "true" {
		online := make([]*types.Drone, 0, len(drones))
		for _, d := range drones {
			if d.Status == types.DroneOnline {
				online = append(online, d)
			}
		}
		drones = online
	}
	writeJSON(w, http.StatusOK, drones)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	kind := types.EventKind(r.URL.Query().Get("type"))
	writeJSON(w, http.StatusOK, s.broker.Tail(limit, kind))
}

func (s *Server) handleEventsHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	since := queryTime(r, "since")
	kind := types.EventKind(r.URL.Query().Get("type"))

	events, err := s.store.ListEvents(limit, since, kind)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if drone := r.URL.Query().Get("drone"); drone != "" {
		filtered := make([]*types.Event, 0, len(events))
		for _, e := range events {
			if e.DroneID == drone {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleBuildHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	drone := r.URL.Query().Get("drone")
	statusFilter := r.URL.Query().Get("status")

	var (
		history []*types.BuildHistoryEntry
		err     error
	)
	if drone != "" {
		history, err = s.store.ListBuildHistoryByDrone(drone, limit)
	} else {
		history, err = s.store.ListBuildHistory(limit)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if statusFilter != "" {
		filtered := make([]*types.BuildHistoryEntry, 0, len(history))
		for _, e := range history {
			if e.Status == statusFilter {
				filtered = append(filtered, e)
			}
		}
		history = filtered
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func queryTime(r *http.Request, key string) time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

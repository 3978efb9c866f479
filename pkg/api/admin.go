package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/drillmaster/pkg/payload"
	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/cuemby/drillmaster/pkg/types"
	"github.com/google/uuid"
)

// adminAuthMiddleware rejects any request missing the shared X-Admin-Key
// header.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" || r.Header.Get("X-Admin-Key") != s.cfg.AdminKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid admin key", "set the X-Admin-Key header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/queue", s.handleQueueSubmit)
	mux.HandleFunc("POST /api/v1/control", s.handleControl)

	mux.HandleFunc("POST /api/v1/nodes/{name}/pause", s.handleNodePause)
	mux.HandleFunc("POST /api/v1/nodes/{name}/resume", s.handleNodeResume)
	mux.HandleFunc("POST /api/v1/nodes/{name}/ping", s.handleNodePing)
	mux.HandleFunc("POST /api/v1/nodes/{name}/reset-escalation", s.handleNodeResetEscalation)
	mux.HandleFunc("POST /api/v1/nodes/{name}/set-type", s.handleNodeSetType)

	mux.HandleFunc("GET /api/v1/ping", s.handlePingOne)
	mux.HandleFunc("GET /api/v1/ping/all", s.handlePingAll)
	mux.HandleFunc("GET /api/v1/escalation", s.handleEscalation)

	mux.HandleFunc("GET /admin/api/payloads", s.handlePayloadsList)
	mux.HandleFunc("POST /admin/api/payloads", s.handlePayloadRegister)
	mux.HandleFunc("GET /admin/api/payloads/status", s.handlePayloadsStatus)
	mux.HandleFunc("GET /admin/api/payloads/{kind}/versions", s.handlePayloadVersions)
	mux.HandleFunc("POST /admin/api/payloads/{kind}/{version}/deploy", s.handlePayloadDeploy)
	mux.HandleFunc("POST /admin/api/payloads/{kind}/{version}/rolling-deploy", s.handlePayloadRollingDeploy)
	mux.HandleFunc("POST /admin/api/payloads/{kind}/{version}/verify", s.handlePayloadVerify)

	mux.HandleFunc("GET /admin/api/releases", s.handleReleasesList)
	mux.HandleFunc("POST /admin/api/releases", s.handleReleaseStage)
	mux.HandleFunc("GET /admin/api/releases/diff", s.handleReleaseDiff)
	mux.HandleFunc("POST /admin/api/releases/rollback", s.handleReleaseRollback)
	mux.HandleFunc("GET /admin/api/releases/{version}/packages", s.handleReleasePackages)
	mux.HandleFunc("POST /admin/api/releases/{version}/promote", s.handleReleasePromote)
	mux.HandleFunc("POST /admin/api/releases/{version}/archive", s.handleReleaseArchive)
	mux.HandleFunc("DELETE /admin/api/releases/{version}", s.handleReleaseDelete)

	mux.HandleFunc("GET /admin/api/logs/control-plane", s.handleControlPlaneLogs)
	mux.HandleFunc("GET /admin/api/drones/{name}/syslog", s.handleDroneSyslog)

	mux.HandleFunc("GET /api/v1/sql/tables", s.handleSQLTables)
	mux.HandleFunc("GET /api/v1/sql/schema", s.handleSQLSchema)
	mux.HandleFunc("GET /api/v1/sql/query", s.handleSQLQuery)
}

// ---- queue / control ----

type queueSubmitRequest struct {
	Packages    []string `json:"packages"`
	SessionName string   `json:"session_name"`
}

func (s *Server) handleQueueSubmit(w http.ResponseWriter, r *http.Request) {
	var req queueSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.Packages) == 0 {
		writeError(w, http.StatusBadRequest, "packages must be non-empty", "")
		return
	}

	now := time.Now()
	sess := &types.Session{
		ID:        uuid.New().String(),
		Name:      req.SessionName,
		Status:    types.SessionActive,
		Total:     len(req.Packages),
		CreatedAt: now,
	}
	if err := s.store.CreateSession(sess); err != nil {
		writeDomainError(w, err)
		return
	}

	for _, pkg := range req.Packages {
		// A package already in flight (needed/delegated/blocked) keeps its
		// existing row rather than getting a second one the scheduler could
		// hand to two drones at once; only a terminal row (received/failed)
		// is resubmittable.
		if existing, err := s.store.GetQueueItemByPackage(pkg); err == nil &&
			existing.Status != types.QueueReceived && existing.Status != types.QueueFailed {
			continue
		}

		item := &types.QueueItem{
			ID:        uuid.New().String(),
			Package:   pkg,
			Status:    types.QueueNeeded,
			SessionID: sess.ID,
			CreatedAt: now,
		}
		if err := s.store.CreateQueueItem(item); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, sess)
}

type controlRequest struct {
	Action string `json:"action"`
}

// handleControl implements the fleet-wide queue control actions.
// pause/resume/rebalance delegate straight to the scheduler;
// the remaining five apply to every queue item or drone rather than one
// at a time, since no target is named in the request body.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	switch req.Action {
	case "pause":
		s.scheduler.Pause()
	case "resume":
		s.scheduler.Resume()
	case "rebalance":
		if err := s.scheduler.Rebalance(); err != nil {
			writeDomainError(w, err)
			return
		}
	case "unblock":
		if err := s.bulkTransitionQueue(types.QueueBlocked, types.QueueNeeded, false); err != nil {
			writeDomainError(w, err)
			return
		}
	case "retry_failures":
		if err := s.bulkTransitionQueue(types.QueueBlocked, types.QueueNeeded, true); err != nil {
			writeDomainError(w, err)
			return
		}
	case "clear_failures":
		if err := s.forEachDrone(func(d *types.Drone) error { return s.health.ClearFailures(d.ID) }); err != nil {
			writeDomainError(w, err)
			return
		}
	case "unground":
		if err := s.forEachDrone(func(d *types.Drone) error { return s.health.Unground(d.ID) }); err != nil {
			writeDomainError(w, err)
			return
		}
	case "reset":
		if s.selfheal != nil {
			if err := s.forEachDrone(func(d *types.Drone) error { return s.selfheal.ResetEscalation(d.ID) }); err != nil {
				writeDomainError(w, err)
				return
			}
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown control action", req.Action)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"action": req.Action, "status": "applied"})
}

// bulkTransitionQueue moves every item in from status to to status.
// When clearFailCount is set it also zeroes FailCount, distinguishing
// retry_failures (a fresh start) from unblock (just lifts the block).
func (s *Server) bulkTransitionQueue(from, to types.QueueStatus, clearFailCount bool) error {
	items, err := s.store.ListQueueItemsByStatus(from)
	if err != nil {
		return err
	}
	for _, item := range items {
		item.Status = to
		item.AssignedTo = ""
		if clearFailCount {
			item.FailCount = 0
		}
		if err := s.store.UpdateQueueItem(item); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) forEachDrone(fn func(d *types.Drone) error) error {
	drones, err := s.store.ListDrones()
	if err != nil {
		return err
	}
	for _, d := range drones {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

// ---- per-node actions ----

func (s *Server) lookupDrone(w http.ResponseWriter, r *http.Request) *types.Drone {
	name := r.PathValue("name")
	d, err := s.store.GetDroneByName(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", name)
		return nil
	}
	return d
}

func (s *Server) handleNodePause(w http.ResponseWriter, r *http.Request) {
	d := s.lookupDrone(w, r)
	if d == nil {
		return
	}
	d.Paused = true
	if err := s.store.CreateOrUpdateDrone(d); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleNodeResume(w http.ResponseWriter, r *http.Request) {
	d := s.lookupDrone(w, r)
	if d == nil {
		return
	}
	d.Paused = false
	if err := s.store.CreateOrUpdateDrone(d); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleNodeResetEscalation(w http.ResponseWriter, r *http.Request) {
	d := s.lookupDrone(w, r)
	if d == nil {
		return
	}
	if s.selfheal != nil {
		if err := s.selfheal.ResetEscalation(d.ID); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "escalation reset"})
}

type setTypeRequest struct {
	Kind types.DroneKind `json:"kind"`
}

func (s *Server) handleNodeSetType(w http.ResponseWriter, r *http.Request) {
	d := s.lookupDrone(w, r)
	if d == nil {
		return
	}
	var req setTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	switch req.Kind {
	case types.DroneKindContainer, types.DroneKindVM, types.DroneKindBareMetal, types.DroneKindUnknown:
	default:
		writeError(w, http.StatusBadRequest, "unknown drone kind", string(req.Kind))
		return
	}
	d.Kind = req.Kind
	if err := s.store.CreateOrUpdateDrone(d); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleNodePing runs an on-demand SSH probe against one drone and
// reports the result without waiting for the regular probe cadence.
func (s *Server) handleNodePing(w http.ResponseWriter, r *http.Request) {
	d := s.lookupDrone(w, r)
	if d == nil {
		return
	}
	result := s.pingDrone(r, d)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePingOne(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	d, err := s.store.GetDrone(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", id)
		return
	}
	writeJSON(w, http.StatusOK, s.pingDrone(r, d))
}

func (s *Server) handlePingAll(w http.ResponseWriter, r *http.Request) {
	drones, err := s.store.ListDrones()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	results := make([]map[string]any, 0, len(drones))
	for _, d := range drones {
		results = append(results, s.pingDrone(r, d))
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) pingDrone(r *http.Request, d *types.Drone) map[string]any {
	checker, err := s.sshChecker(d)
	if err != nil {
		return map[string]any{"drone_id": d.ID, "healthy": false, "error": err.Error()}
	}
	result := checker.Check(r.Context())

	d.LastPingSent = time.Now()
	d.LastPingRecv = time.Now()
	d.LastRTTMs = float64(result.Duration.Microseconds()) / 1000.0
	_ = s.store.CreateOrUpdateDrone(d)

	return map[string]any{
		"drone_id":   d.ID,
		"healthy":    result.Healthy,
		"message":    result.Message,
		"rtt_ms":     d.LastRTTMs,
		"checked_at": result.CheckedAt,
	}
}

func (s *Server) handleEscalation(w http.ResponseWriter, r *http.Request) {
	drones, err := s.store.ListDrones()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(drones))
	for _, d := range drones {
		rec, err := s.store.GetHealthRecord(d.ID)
		if err != nil {
			continue
		}
		out = append(out, map[string]any{
			"drone_id":            d.ID,
			"escalation_level":    rec.EscalationLevel,
			"escalation_attempts": rec.EscalationAttempts,
			"grounded":            rec.Grounded(time.Now()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- payloads ----

type payloadRegisterRequest struct {
	Kind        string `json:"kind"`
	Version     string `json:"version"`
	Content     []byte `json:"content"`
	Description string `json:"description"`
}

func (s *Server) handlePayloadRegister(w http.ResponseWriter, r *http.Request) {
	var req payloadRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	pv, err := s.payloads.Register(req.Kind, req.Version, req.Content, req.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

func (s *Server) handlePayloadsList(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	versions, err := s.store.ListPayloadVersions(kind)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handlePayloadVersions(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	versions, err := s.store.ListPayloadVersions(kind)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handlePayloadsStatus(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	deployed, err := s.store.ListDronePayloads(kind)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployed)
}

type payloadDeployRequest struct {
	DroneIDs []string `json:"drone_ids"`
	Verify   bool     `json:"verify"`
}

func (s *Server) targetsFor(ids []string) ([]payload.DroneTarget, error) {
	out := make([]payload.DroneTarget, 0, len(ids))
	for _, id := range ids {
		d, err := s.store.GetDrone(id)
		if err != nil {
			return nil, err
		}
		target, err := s.droneTarget(d)
		if err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	return out, nil
}

func (s *Server) handlePayloadDeploy(w http.ResponseWriter, r *http.Request) {
	kind, version := r.PathValue("kind"), r.PathValue("version")
	var req payloadDeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.DroneIDs) != 1 {
		writeError(w, http.StatusBadRequest, "single-drone deploy requires exactly one drone_id", "use rolling-deploy for more than one")
		return
	}
	d, err := s.store.GetDrone(req.DroneIDs[0])
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", req.DroneIDs[0])
		return
	}
	target, err := s.droneTarget(d)
	if err != nil {
		writeError(w, http.StatusBadRequest, "drone has no usable ssh credentials", err.Error())
		return
	}

	// A deploy failure is a normal (200) outcome surfaced via the error
	// field, not an HTTP-level failure — the drone fleet is otherwise
	// healthy and the admin needs the detail, not a generic 5xx.
	if err := s.payloads.Deploy(kind, version, target, req.Verify); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "failed", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deployed"})
}

type rollingDeployRequest struct {
	DroneIDs       []string `json:"drone_ids"`
	HealthCheck    bool     `json:"health_check"`
	RollbackOnFail bool     `json:"rollback_on_fail"`
}

func (s *Server) handlePayloadRollingDeploy(w http.ResponseWriter, r *http.Request) {
	kind, version := r.PathValue("kind"), r.PathValue("version")
	var req rollingDeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	targets, err := s.targetsFor(req.DroneIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to resolve one or more drone targets", err.Error())
		return
	}

	result, deployErr := s.payloads.RollingDeploy(kind, version, targets, req.HealthCheck, req.RollbackOnFail)
	writeJSON(w, http.StatusOK, rollingDeployResponse(result, deployErr))
}

// rollingDeployResponse reshapes a payload.RollingDeployResult into its
// success_count/fail_count/results JSON shape.
func rollingDeployResponse(result *payload.RollingDeployResult, deployErr error) map[string]any {
	results := make(map[string]any, len(result.Succeeded)+1)
	for _, id := range result.Succeeded {
		results[id] = map[string]any{"success": true}
	}
	failCount := 0
	if result.Failed != "" {
		failCount = 1
		entry := map[string]any{"success": false}
		if deployErr != nil {
			entry["error"] = deployErr.Error()
		}
		results[result.Failed] = entry
	}
	return map[string]any{
		"success_count": len(result.Succeeded),
		"fail_count":    failCount,
		"rolled_back":   result.RolledBack,
		"results":       results,
	}
}

func (s *Server) handlePayloadVerify(w http.ResponseWriter, r *http.Request) {
	kind, version := r.PathValue("kind"), r.PathValue("version")
	var req payloadDeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.DroneIDs) != 1 {
		writeError(w, http.StatusBadRequest, "verify requires exactly one drone_id", "")
		return
	}
	d, err := s.store.GetDrone(req.DroneIDs[0])
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", req.DroneIDs[0])
		return
	}
	target, err := s.droneTarget(d)
	if err != nil {
		writeError(w, http.StatusBadRequest, "drone has no usable ssh credentials", err.Error())
		return
	}
	if err := s.payloads.Deploy(kind, version, target, true); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "failed", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

// ---- releases ----

type releaseStageRequest struct {
	Version   string   `json:"version"`
	Name      string   `json:"name"`
	Packages  []string `json:"packages"`
	SizeBytes int64    `json:"size_bytes"`
	Path      string   `json:"path"`
}

func (s *Server) handleReleaseStage(w http.ResponseWriter, r *http.Request) {
	var req releaseStageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	rel, err := s.releases.Stage(req.Version, req.Name, req.Packages, req.SizeBytes, req.Path)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleReleasesList(w http.ResponseWriter, r *http.Request) {
	releases, err := s.releases.List()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, releases)
}

func (s *Server) handleReleasePackages(w http.ResponseWriter, r *http.Request) {
	rel, err := s.releases.Get(r.PathValue("version"))
	if err != nil {
		writeError(w, http.StatusNotFound, "release not found", r.PathValue("version"))
		return
	}
	writeJSON(w, http.StatusOK, rel.Packages)
}

func (s *Server) handleReleasePromote(w http.ResponseWriter, r *http.Request) {
	rel, err := s.releases.Promote(r.PathValue("version"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleReleaseArchive(w http.ResponseWriter, r *http.Request) {
	rel, err := s.releases.Archive(r.PathValue("version"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleReleaseRollback(w http.ResponseWriter, r *http.Request) {
	rel, err := s.releases.Rollback()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleReleaseDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.releases.Delete(r.PathValue("version")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleReleaseDiff(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, "from and to are required", "")
		return
	}
	diff, err := s.releases.Diff(from, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// ---- logs & sql explorer ----

func (s *Server) handleControlPlaneLogs(w http.ResponseWriter, r *http.Request) {
	lines := queryInt(r, "lines", 200)
	entries, err := s.store.ListProtocolEntries(lines)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDroneSyslog(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d, err := s.store.GetDroneByName(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown drone", name)
		return
	}
	lines := queryInt(r, "lines", 200)
	history, err := s.store.ListBuildHistoryByDrone(d.ID, lines)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleSQLTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, store.TableNames())
}

func (s *Server) handleSQLSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"note": "each table is a JSON-document bucket keyed by entity id; columns are the corresponding Go struct's fields",
	})
}

func (s *Server) handleSQLQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required", "")
		return
	}
	rows, err := s.store.Query(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "query rejected", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Package scheduler implements assignment of queued
// packages to drones, completion handling, reclaim of delegated items
// from unresponsive drones, idle-drone rebalancing, and session rollup.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/drillmaster/pkg/events"
	"github.com/cuemby/drillmaster/pkg/health"
	"github.com/cuemby/drillmaster/pkg/log"
	"github.com/cuemby/drillmaster/pkg/metrics"
	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/cuemby/drillmaster/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds the scheduler's tunables.
type Config struct {
	MaxPrefetchPerDrone int
	OfflineThreshold    time.Duration // heartbeat age before a delegated item is reclaimed
	FailureWindow       time.Duration // window for the cross-drone block rule
}

// DefaultConfig returns the scheduler's default tunables.
func DefaultConfig() Config {
	return Config{
		MaxPrefetchPerDrone: 2,
		OfflineThreshold:    15 * time.Minute,
		FailureWindow:       30 * time.Minute,
	}
}

// Scheduler assigns queue items to drones and reconciles queue state.
type Scheduler struct {
	store       store.Store
	broker      *events.Broker
	health      *health.Monitor
	cfg         Config
	logger      zerolog.Logger
	mu          sync.Mutex
	stopCh      chan struct{}
	queuePaused bool
}

// NewScheduler creates a Scheduler over s. h may be nil in tests that
// exercise Assign/Complete without the circuit breaker wired in.
func NewScheduler(s store.Store, b *events.Broker, h *health.Monitor, cfg Config) *Scheduler {
	return &Scheduler{
		store:  s,
		broker: b,
		health: h,
		cfg:    cfg,
		logger: log.WithComponent("scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the background reclaim/rebalance loop (1s tick);
// assignment and completion are also invoked directly from
// the HTTP handlers on drone requests.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the background loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Pause stops the scheduler from handing out any new assignments,
// control-plane-wide, until Resume is called.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuePaused = true
}

// Resume re-enables assignment after a Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuePaused = false
}

// IsQueuePaused reports whether the queue is currently paused.
func (s *Scheduler) IsQueuePaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuePaused
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Reclaim(); err != nil {
				s.logger.Error().Err(err).Msg("reclaim cycle failed")
			}
			if err := s.Rebalance(); err != nil {
				s.logger.Error().Err(err).Msg("rebalance cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Assign selects one queue item for drone and atomically delegates it,
// or returns nil if the drone should receive no work this request.
func (s *Scheduler) Assign(droneID string) (*types.QueueItem, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queuePaused {
		return nil, nil
	}

	drone, err := s.store.GetDrone(droneID)
	if err != nil {
		return nil, fmt.Errorf("unknown drone %s: %w", droneID, err)
	}
	if drone.Paused || drone.Status == types.DroneUnknown || drone.Status == types.DroneOffline {
		return nil, nil
	}
	if s.health != nil {
		grounded, err := s.health.IsGrounded(droneID)
		if err != nil {
			return nil, err
		}
		if grounded {
			return nil, nil
		}
	}

	cfg, err := s.store.GetDroneConfig(droneID)
	if err != nil {
		return nil, err
	}
	if cfg.Locked {
		return nil, nil
	}

	current, err := s.currentDelegatedCount(droneID)
	if err != nil {
		return nil, err
	}
	maxPrefetch := s.cfg.MaxPrefetchPerDrone
	if cfg.JobCount > 0 {
		maxPrefetch = cfg.JobCount
	}
	if current >= maxPrefetch {
		return nil, nil
	}

	candidates, err := s.store.ListQueueItemsByStatus(types.QueueNeeded)
	if err != nil {
		return nil, err
	}

	candidate, err := s.selectCandidate(droneID, candidates)
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		return nil, nil
	}

	now := time.Now()
	var assigned *types.QueueItem
	err = s.store.Update(func(tx *store.Tx) error {
		item, err := tx.GetQueueItem(candidate.ID)
		if err != nil {
			return err
		}
		if item.Status != types.QueueNeeded {
			// lost a race with another assignment pass; caller gets nil this tick
			return nil
		}
		item.Status = types.QueueDelegated
		item.AssignedTo = droneID
		item.AssignedAt = now
		if err := tx.PutQueueItem(item); err != nil {
			return err
		}

		drone.CurrentTask = item.Package
		if err := tx.PutDrone(drone); err != nil {
			return err
		}

		return tx.AppendEvent(&types.Event{
			Kind:      types.EventAssigned,
			Message:   fmt.Sprintf("assigned %s to %s", item.Package, droneID),
			DroneID:   droneID,
			Package:   item.Package,
			Timestamp: now,
		})
	})
	if err != nil {
		return nil, err
	}
	if item, gerr := s.store.GetQueueItem(candidate.ID); gerr == nil && item.Status == types.QueueDelegated && item.AssignedTo == droneID {
		assigned = item
		metrics.AssignmentsTotal.Inc()
	}
	return assigned, nil
}

// selectCandidate applies the scheduler's exclusion and preference rules:
// skip packages this drone has already failed, skip packages blocked
// globally, prefer packages a different drone already lost, FIFO tiebreak.
func (s *Scheduler) selectCandidate(droneID string, candidates []*types.QueueItem) (*types.QueueItem, error) {
	var best *types.QueueItem
	bestPreferred := false

	for _, item := range candidates {
		failed, err := s.store.HasDroneFailedPackage(droneID, item.Package)
		if err != nil {
			return nil, err
		}
		if failed {
			continue
		}

		distinctFailures, err := s.store.CountDistinctFailedDrones(item.Package, time.Now().Add(-s.cfg.FailureWindow))
		if err != nil {
			return nil, err
		}
		if distinctFailures >= 2 {
			continue
		}

		preferred := distinctFailures == 1 // a different drone already attempted and lost it

		switch {
		case best == nil:
			best, bestPreferred = item, preferred
		case preferred && !bestPreferred:
			best, bestPreferred = item, preferred
		case preferred == bestPreferred && item.CreatedAt.Before(best.CreatedAt):
			best = item
		}
	}
	return best, nil
}

func (s *Scheduler) currentDelegatedCount(droneID string) (int, error) {
	items, err := s.store.ListQueueItemsByStatus(types.QueueDelegated)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, item := range items {
		if item.AssignedTo == droneID {
			count++
		}
	}
	return count, nil
}

// CompletionStatus is the drone-reported outcome of a build attempt.
type CompletionStatus string

const (
	CompletionSuccess  CompletionStatus = "success"
	CompletionFailed   CompletionStatus = "failed"
	CompletionReturned CompletionStatus = "returned"
)

// Complete records the outcome of a build attempt. A completion whose
// reporter no longer matches the item's assignee, or whose item is
// already terminal, is rejected as stale and silently discarded — this
// prevents reassignment-loop spurious failures when an old, slow drone
// finally reports in.
func (s *Scheduler) Complete(droneID, pkg string, status CompletionStatus, durationS float64, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.store.GetQueueItemByPackage(pkg)
	if err != nil {
		return fmt.Errorf("unknown package %s: %w", pkg, err)
	}

	if item.AssignedTo != droneID || item.Status == types.QueueReceived || item.Status == types.QueueBlocked {
		metrics.StaleCompletionsTotal.Inc()
		s.logger.Warn().
			Str("drone_id", droneID).
			Str("package", pkg).
			Str("assigned_to", item.AssignedTo).
			Str("status", string(item.Status)).
			Msg("rejected stale completion")
		return s.publishEvent(types.EventStaleCompletion, droneID, pkg, "stale completion rejected")
	}

	now := time.Now()
	history := &types.BuildHistoryEntry{
		ID:        uuid.New().String(),
		Package:   pkg,
		DroneID:   droneID,
		SessionID: item.SessionID,
		Status:    string(status),
		DurationS: durationS,
		Error:     errDetail,
		Timestamp: now,
	}

	switch status {
	case CompletionSuccess:
		item.Status = types.QueueReceived
		item.CompletedAt = now
		item.FailCount = 0
		if s.health != nil {
			if err := s.health.RecordBuildSuccess(droneID); err != nil {
				s.logger.Error().Err(err).Msg("failed to record build success")
			}
		}
		metrics.CompletionsTotal.WithLabelValues("success").Inc()
	case CompletionFailed:
		item.FailCount++
		item.LastError = errDetail
		distinct, err := s.store.CountDistinctFailedDrones(pkg, now.Add(-s.cfg.FailureWindow))
		if err != nil {
			return err
		}
		if distinct+1 >= 2 {
			item.Status = types.QueueBlocked
		} else {
			item.Status = types.QueueNeeded
			item.AssignedTo = ""
		}
		if s.health != nil {
			if err := s.health.RecordBuildFailure(droneID); err != nil {
				s.logger.Error().Err(err).Msg("failed to record build failure")
			}
		}
		metrics.CompletionsTotal.WithLabelValues("failed").Inc()
	case CompletionReturned:
		item.Status = types.QueueNeeded
		item.AssignedTo = ""
		metrics.CompletionsTotal.WithLabelValues("returned").Inc()
	default:
		return fmt.Errorf("unknown completion status %q", status)
	}

	if err := s.store.UpdateQueueItem(item); err != nil {
		return err
	}
	if err := s.store.AppendBuildHistory(history); err != nil {
		return err
	}
	if err := s.clearDroneTask(droneID, pkg); err != nil {
		return err
	}
	if err := s.rollupSession(item.SessionID); err != nil {
		return err
	}

	kind := types.EventCompleted
	if item.Status == types.QueueBlocked {
		kind = types.EventBlocked
	}
	return s.publishEvent(kind, droneID, pkg, fmt.Sprintf("completion: %s", status))
}

func (s *Scheduler) clearDroneTask(droneID, pkg string) error {
	d, err := s.store.GetDrone(droneID)
	if err != nil {
		return err
	}
	if d.CurrentTask == pkg {
		d.CurrentTask = ""
		return s.store.CreateOrUpdateDrone(d)
	}
	return nil
}

func (s *Scheduler) rollupSession(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	items, err := s.store.ListQueueItemsBySession(sessionID)
	if err != nil {
		return err
	}

	completed, failed, terminal := 0, 0, 0
	for _, item := range items {
		switch item.Status {
		case types.QueueReceived:
			completed++
			terminal++
		case types.QueueBlocked:
			failed++
			terminal++
		}
	}
	sess.Completed = completed
	sess.Failed = failed
	if terminal == len(items) && len(items) > 0 && sess.Status == types.SessionActive {
		sess.Status = types.SessionCompleted
		sess.ClosedAt = time.Now()
	}
	return s.store.UpdateSession(sess)
}

// Reclaim returns delegated items whose assigned drone has gone silent
// back to the needed pool. It never reclaims solely for time spent in
// delegated state while the drone is still reporting heartbeats.
func (s *Scheduler) Reclaim() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.store.ListQueueItemsByStatus(types.QueueDelegated)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, item := range items {
		drone, err := s.store.GetDrone(item.AssignedTo)
		if err != nil {
			continue
		}
		if now.Sub(drone.LastSeen) < s.cfg.OfflineThreshold {
			continue
		}

		item.Status = types.QueueNeeded
		item.AssignedTo = ""
		if err := s.store.UpdateQueueItem(item); err != nil {
			s.logger.Error().Err(err).Str("package", item.Package).Msg("failed to reclaim item")
			continue
		}
		metrics.ReclaimsTotal.Inc()
		_ = s.publishEvent(types.EventReclaimed, drone.ID, item.Package, "reclaimed from unresponsive drone")
	}
	return nil
}

// Rebalance lets an idle drone steal one not-yet-active queued item
// from a donor holding more than one, never stealing the donor's
// current in-progress task.
func (s *Scheduler) Rebalance() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drones, err := s.store.ListDrones()
	if err != nil {
		return err
	}
	delegated, err := s.store.ListQueueItemsByStatus(types.QueueDelegated)
	if err != nil {
		return err
	}

	byDrone := make(map[string][]*types.QueueItem)
	for _, item := range delegated {
		byDrone[item.AssignedTo] = append(byDrone[item.AssignedTo], item)
	}

	for _, idle := range drones {
		if idle.Paused || idle.CurrentTask != "" {
			continue
		}
		if len(byDrone[idle.ID]) > 0 {
			continue
		}

		for _, donor := range drones {
			if donor.ID == idle.ID {
				continue
			}
			items := byDrone[donor.ID]
			if len(items) <= 1 {
				continue
			}

			var stolen *types.QueueItem
			for _, item := range items {
				if item.Package == donor.CurrentTask {
					continue
				}
				stolen = item
				break
			}
			if stolen == nil {
				continue
			}

			stolen.AssignedTo = idle.ID
			stolen.AssignedAt = time.Now()
			if err := s.store.UpdateQueueItem(stolen); err != nil {
				return err
			}
			metrics.RebalancesTotal.Inc()
			_ = s.publishEvent(types.EventRebalanced, idle.ID, stolen.Package, fmt.Sprintf("stolen from %s", donor.ID))
			break
		}
	}
	return nil
}

func (s *Scheduler) publishEvent(kind types.EventKind, droneID, pkg, message string) error {
	if s.broker == nil {
		return nil
	}
	s.broker.Publish(&types.Event{
		Kind:      kind,
		Message:   message,
		DroneID:   droneID,
		Package:   pkg,
		Timestamp: time.Now(),
	})
	return nil
}

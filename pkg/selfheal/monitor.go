// Package selfheal implements the escalation ladder: a
// ticker-driven loop that converges each unhealthy drone's escalation
// level toward the action appropriate for how long it has been failing,
// independently of the build-failure circuit breaker in pkg/health.
package selfheal

import (
	"strconv"
	"time"

	"github.com/cuemby/drillmaster/pkg/events"
	"github.com/cuemby/drillmaster/pkg/log"
	"github.com/cuemby/drillmaster/pkg/metrics"
	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/cuemby/drillmaster/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the escalation ladder's tunables.
type Config struct {
	MinConsecutiveFailures int           // probe failures before escalation may begin
	MinFailureWindow       time.Duration // minimum elapsed-since-first-failure before escalation may begin
	HeartbeatWindow        time.Duration // a fresh heartbeat within this window suppresses escalation
	Level1Cooldown         time.Duration // restart worker
	Level2Cooldown         time.Duration // kill + restart worker
	Level3Cooldown         time.Duration // reboot host
}

// DefaultConfig returns the escalation ladder's default tunables.
func DefaultConfig() Config {
	return Config{
		MinConsecutiveFailures: 3,
		MinFailureWindow:       180 * time.Second,
		HeartbeatWindow:        60 * time.Second,
		Level1Cooldown:         30 * time.Second,
		Level2Cooldown:         30 * time.Second,
		Level3Cooldown:         120 * time.Second,
	}
}

// Action is one rung of the escalation ladder.
type Action func(drone *types.Drone) error

// Actions wires the escalation levels to concrete remediation. Restart
// and KillAndRestart run over SSH against the drone's worker service;
// Reboot runs over SSH against the host; each is supplied by the
// caller so the monitor itself stays transport-agnostic and testable.
type Actions struct {
	RestartWorker  Action
	KillAndRestart Action
	RebootHost     Action
}

// Monitor runs the escalation ladder loop.
type Monitor struct {
	store   store.Store
	broker  *events.Broker
	cfg     Config
	actions Actions
	logger  zerolog.Logger

	probeInterval time.Duration // 0 disables the monitor entirely

	stopCh chan struct{}
}

// NewMonitor creates a selfheal Monitor. probeInterval mirrors
// health.MonitorConfig.ProbeInterval: when it is 0 the ladder never runs.
func NewMonitor(s store.Store, b *events.Broker, cfg Config, actions Actions, probeInterval time.Duration) *Monitor {
	return &Monitor{
		store:         s,
		broker:        b,
		cfg:           cfg,
		actions:       actions,
		logger:        log.WithComponent("selfheal"),
		probeInterval: probeInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the escalation loop, evaluating every drone once per
// probe interval. A zero interval disables the loop.
func (m *Monitor) Start() {
	if m.probeInterval <= 0 {
		m.logger.Info().Msg("self-healing disabled: probe interval is 0")
		return
	}
	go m.run()
}

// Stop halts the escalation loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	m.logger.Info().Msg("self-healing monitor started")

	for {
		select {
		case <-ticker.C:
			m.evaluateAll()
		case <-m.stopCh:
			m.logger.Info().Msg("self-healing monitor stopped")
			return
		}
	}
}

// evaluateAll runs one escalation tick across every drone. Different
// drones escalate independently; this loop processes them sequentially
// since each drone's SSH action is itself the expensive operation.
func (m *Monitor) evaluateAll() {
	drones, err := m.store.ListDrones()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list drones for escalation tick")
		return
	}

	for _, d := range drones {
		if err := m.evaluateDrone(d); err != nil {
			m.logger.Error().Err(err).Str("drone_id", d.ID).Msg("escalation evaluation failed")
		}
	}
}

func (m *Monitor) evaluateDrone(d *types.Drone) error {
	rec, err := m.store.GetHealthRecord(d.ID)
	if err != nil {
		return err
	}

	now := time.Now()

	// A successful probe resets the ladder to 0 unconditionally.
	if rec.ConsecutiveProbeFailures == 0 {
		return m.resetIfEscalated(d, rec)
	}

	// A fresh heartbeat suppresses escalation even while the SSH probe
	// itself is failing: the drone is clearly alive and working.
	if !rec.LastHeartbeat.IsZero() && now.Sub(rec.LastHeartbeat) < m.cfg.HeartbeatWindow {
		return nil
	}

	if rec.ConsecutiveProbeFailures < m.cfg.MinConsecutiveFailures {
		return nil
	}
	if rec.FirstProbeFailure.IsZero() || now.Sub(rec.FirstProbeFailure) < m.cfg.MinFailureWindow {
		return nil
	}

	// A cooldown gates the transition out of the level the drone is
	// already sitting at; the action fired on entry, so until the
	// cooldown elapses this tick is a no-op.
	if !rec.LastCooldownUntil.IsZero() && now.Before(rec.LastCooldownUntil) {
		return nil
	}

	nextLevel := rec.EscalationLevel + 1
	if nextLevel > 4 {
		nextLevel = 4
	}

	// Bare-metal drones never get rebooted automatically: further
	// failures stay capped at the kill-and-restart level rather than
	// advancing toward (or past) a level-3 reboot.
	if d.Kind == types.DroneKindBareMetal && nextLevel >= 3 {
		if err := m.applyLevel(d, rec, 2, now); err != nil {
			return err
		}
		m.emit(types.EventBareMetalGuard, d.ID, "bare-metal drone capped at level 2, host reboot skipped")
		return nil
	}

	if nextLevel == 3 {
		cfg, cerr := m.store.GetDroneConfig(d.ID)
		allowed := cerr == nil && cfg.AutoRebootAllow && (d.Kind == types.DroneKindContainer || d.Kind == types.DroneKindVM)
		if !allowed {
			nextLevel = 4
		}
	}

	return m.applyLevel(d, rec, nextLevel, now)
}

// ResetEscalation forces a drone's escalation ladder back to 0,
// independent of probe state (admin `reset-escalation` action).
func (m *Monitor) ResetEscalation(droneID string) error {
	d, err := m.store.GetDrone(droneID)
	if err != nil {
		return err
	}
	rec, err := m.store.GetHealthRecord(droneID)
	if err != nil {
		return err
	}
	return m.resetIfEscalated(d, rec)
}

func (m *Monitor) resetIfEscalated(d *types.Drone, rec *types.HealthRecord) error {
	if rec.EscalationLevel == 0 {
		return nil
	}
	rec.EscalationLevel = 0
	rec.EscalationAttempts = 0
	rec.LastCooldownUntil = time.Time{}
	if err := m.store.UpdateHealthRecord(rec); err != nil {
		return err
	}
	metrics.EscalationLevel.WithLabelValues(d.ID).Set(0)
	m.emit(types.EventEscalationReset, d.ID, "probe recovered, escalation reset to 0")
	return nil
}

func (m *Monitor) applyLevel(d *types.Drone, rec *types.HealthRecord, level int, now time.Time) error {
	var action Action
	var cooldown time.Duration
	var actionName string

	switch level {
	case 1:
		action, cooldown, actionName = m.actions.RestartWorker, m.cfg.Level1Cooldown, "restart-worker"
	case 2:
		action, cooldown, actionName = m.actions.KillAndRestart, m.cfg.Level2Cooldown, "kill-and-restart"
	case 3:
		action, cooldown, actionName = m.actions.RebootHost, m.cfg.Level3Cooldown, "reboot-host"
	case 4:
		actionName = "admin-alert"
	}

	if action != nil {
		if err := action(d); err != nil {
			m.logger.Error().Err(err).Str("drone_id", d.ID).Int("level", level).Msg("escalation action failed")
		}
	}

	rec.EscalationLevel = level
	rec.EscalationAttempts++
	rec.LastEscalation = now
	if cooldown > 0 {
		rec.LastCooldownUntil = now.Add(cooldown)
	}
	if err := m.store.UpdateHealthRecord(rec); err != nil {
		return err
	}

	metrics.EscalationLevel.WithLabelValues(d.ID).Set(float64(level))
	metrics.EscalationActionsTotal.WithLabelValues(strconv.Itoa(level), actionName).Inc()

	if d.Kind == types.DroneKindBareMetal && level == 2 && rec.EscalationAttempts == 1 {
		m.emit(types.EventBareMetalGuard, d.ID, "bare-metal drone capped below host reboot")
	}
	if level == 4 {
		m.emit(types.EventAdminAlert, d.ID, "self-healing exhausted its ladder, manual intervention required")
	} else {
		m.emit(types.EventEscalated, d.ID, actionName)
	}
	return nil
}

func (m *Monitor) emit(kind types.EventKind, droneID, message string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&types.Event{
		Kind:      kind,
		Message:   message,
		DroneID:   droneID,
		Timestamp: time.Now(),
	})
}

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/drillmaster/pkg/events"
	"github.com/cuemby/drillmaster/pkg/log"
	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/cuemby/drillmaster/pkg/types"
	"golang.org/x/crypto/ssh"
)

// MonitorConfig holds the circuit-breaker and probe tunables.
type MonitorConfig struct {
	MaxFailures      int           // ceiling before grounding
	GroundingTimeout time.Duration // cooldown once grounded
	FailureAge       time.Duration // decay window for the failure counter
	ProbeInterval    time.Duration // 0 disables the probe loop entirely
}

// DefaultMonitorConfig returns the circuit breaker's default tunables.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		MaxFailures:      8,
		GroundingTimeout: 5 * time.Minute,
		FailureAge:       30 * time.Minute,
		ProbeInterval:    30 * time.Second,
	}
}

// Monitor owns the per-drone failure counters and circuit breaker.
// It also runs the SSH probe loop, one goroutine per
// registered drone, the same cancel-func-per-entity shape a
// per-container health check loop would use.
type Monitor struct {
	store  store.Store
	broker *events.Broker
	cfg    MonitorConfig

	cancelFns map[string]context.CancelFunc
	stopCh    chan struct{}
}

// NewMonitor creates a Monitor over s, publishing grounding transitions to b.
func NewMonitor(s store.Store, b *events.Broker, cfg MonitorConfig) *Monitor {
	return &Monitor{
		store:     s,
		broker:    b,
		cfg:       cfg,
		cancelFns: make(map[string]context.CancelFunc),
		stopCh:    make(chan struct{}),
	}
}

// RecordBuildSuccess decays a drone's failure streak after a successful
// completion.
func (m *Monitor) RecordBuildSuccess(droneID string) error {
	rec, err := m.store.GetHealthRecord(droneID)
	if err != nil {
		return err
	}
	if rec.Failures > 0 {
		rec.Failures--
	}
	return m.store.UpdateHealthRecord(rec)
}

// RecordBuildFailure increments the failure counter and grounds the
// drone once it crosses MaxFailures.
func (m *Monitor) RecordBuildFailure(droneID string) error {
	rec, err := m.store.GetHealthRecord(droneID)
	if err != nil {
		return err
	}
	now := time.Now()
	if rec.LastFailure.IsZero() || now.Sub(rec.LastFailure) > m.cfg.FailureAge {
		rec.Failures = 0
	}
	rec.Failures++
	rec.LastFailure = now

	grounding := rec.Failures >= m.cfg.MaxFailures && !rec.Grounded(now)
	if grounding {
		rec.GroundedUntil = now.Add(m.cfg.GroundingTimeout)
	}
	if err := m.store.UpdateHealthRecord(rec); err != nil {
		return err
	}
	if grounding {
		m.emit(types.EventGrounded, droneID, fmt.Sprintf("grounded after %d failures", rec.Failures))
	}
	return nil
}

// RecordUploadFailure counts artifact-upload failures in UploadFailures,
// separately from build failures. The count has no threshold and never
// grounds the drone.
func (m *Monitor) RecordUploadFailure(droneID string) error {
	rec, err := m.store.GetHealthRecord(droneID)
	if err != nil {
		return err
	}
	rec.UploadFailures++
	return m.store.UpdateHealthRecord(rec)
}

// Unground clears the circuit breaker for a drone (admin action).
func (m *Monitor) Unground(droneID string) error {
	rec, err := m.store.GetHealthRecord(droneID)
	if err != nil {
		return err
	}
	rec.GroundedUntil = time.Time{}
	rec.Failures = 0
	if err := m.store.UpdateHealthRecord(rec); err != nil {
		return err
	}
	m.emit(types.EventUngrounded, droneID, "grounding cleared by admin")
	return nil
}

// ClearFailures resets the build failure counter without touching
// grounding state (admin `clear_failures` control action).
func (m *Monitor) ClearFailures(droneID string) error {
	rec, err := m.store.GetHealthRecord(droneID)
	if err != nil {
		return err
	}
	rec.Failures = 0
	return m.store.UpdateHealthRecord(rec)
}

// IsGrounded reports whether a drone is currently ineligible for
// assignment under the circuit breaker.
func (m *Monitor) IsGrounded(droneID string) (bool, error) {
	rec, err := m.store.GetHealthRecord(droneID)
	if err != nil {
		return false, err
	}
	return rec.Grounded(time.Now()), nil
}

// StartProbing launches the SSH probe loop for a drone. Calling it twice
// for the same drone is a no-op; StopProbing cancels it.
func (m *Monitor) StartProbing(droneID string, dial func(ctx context.Context) Checker) {
	if m.cfg.ProbeInterval <= 0 {
		return // probe cadence 0 disables the monitor
	}
	if _, exists := m.cancelFns[droneID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelFns[droneID] = cancel

	go m.probeLoop(ctx, droneID, dial)
}

// StopProbing cancels the probe loop for a drone, e.g. on admin delete.
func (m *Monitor) StopProbing(droneID string) {
	if cancel, ok := m.cancelFns[droneID]; ok {
		cancel()
		delete(m.cancelFns, droneID)
	}
}

// Stop cancels every running probe loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	for id, cancel := range m.cancelFns {
		cancel()
		delete(m.cancelFns, id)
	}
}

func (m *Monitor) probeLoop(ctx context.Context, droneID string, dial func(ctx context.Context) Checker) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runProbe(ctx, droneID, dial)
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) runProbe(ctx context.Context, droneID string, dial func(ctx context.Context) Checker) {
	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	checker := dial(checkCtx)
	result := checker.Check(checkCtx)

	rec, err := m.store.GetHealthRecord(droneID)
	if err != nil {
		log.WithDroneID(droneID).Error("failed to load health record for probe result")
		return
	}

	now := time.Now()
	if result.Healthy {
		rec.ConsecutiveProbeFailures = 0
		rec.FirstProbeFailure = time.Time{}
		rec.LastProbeSuccess = now
	} else {
		if rec.ConsecutiveProbeFailures == 0 {
			rec.FirstProbeFailure = now
		}
		rec.ConsecutiveProbeFailures++
	}

	if err := m.store.UpdateHealthRecord(rec); err != nil {
		log.WithDroneID(droneID).Error("failed to persist probe result")
	}
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

// SSHAuthFromConfig builds an ssh.AuthMethod from decrypted drone
// credentials: a private key if present, otherwise a password.
func SSHAuthFromConfig(keyPEM []byte, password string) (ssh.AuthMethod, error) {
	if len(keyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	if password != "" {
		return ssh.Password(password), nil
	}
	return nil, fmt.Errorf("drone has neither ssh key nor password configured")
}

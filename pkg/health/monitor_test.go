package health

import (
	"testing"
	"time"

	"github.com/cuemby/drillmaster/pkg/events"
	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T) (*Monitor, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := events.NewBroker(s)
	b.Start()
	t.Cleanup(b.Stop)

	cfg := MonitorConfig{
		MaxFailures:      3,
		GroundingTimeout: time.Minute,
		FailureAge:       time.Hour,
		ProbeInterval:    0,
	}
	return NewMonitor(s, b, cfg), s
}

func TestRecordBuildFailureGroundsAtCeiling(t *testing.T) {
	m, s := newTestMonitor(t)

	require.NoError(t, m.RecordBuildFailure("drone-1"))
	require.NoError(t, m.RecordBuildFailure("drone-1"))

	grounded, err := m.IsGrounded("drone-1")
	require.NoError(t, err)
	require.False(t, grounded, "should not ground before reaching MaxFailures")

	require.NoError(t, m.RecordBuildFailure("drone-1"))

	grounded, err = m.IsGrounded("drone-1")
	require.NoError(t, err)
	require.True(t, grounded, "should ground once failures reach MaxFailures")

	rec, err := s.GetHealthRecord("drone-1")
	require.NoError(t, err)
	require.Equal(t, 3, rec.Failures)
	require.True(t, rec.GroundedUntil.After(time.Now()))
}

func TestRecordBuildSuccessDecaysFailures(t *testing.T) {
	m, _ := newTestMonitor(t)

	require.NoError(t, m.RecordBuildFailure("drone-1"))
	require.NoError(t, m.RecordBuildFailure("drone-1"))
	require.NoError(t, m.RecordBuildSuccess("drone-1"))

	grounded, err := m.IsGrounded("drone-1")
	require.NoError(t, err)
	require.False(t, grounded)
}

func TestRecordBuildFailureResetsAfterFailureAgeExpires(t *testing.T) {
	m, s := newTestMonitor(t)
	m.cfg.FailureAge = time.Millisecond

	require.NoError(t, m.RecordBuildFailure("drone-1"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.RecordBuildFailure("drone-1"))

	rec, err := s.GetHealthRecord("drone-1")
	require.NoError(t, err)
	require.Equal(t, 1, rec.Failures, "stale failure should not accumulate across the decay window")
}

func TestUngroundClearsCircuitBreaker(t *testing.T) {
	m, _ := newTestMonitor(t)

	require.NoError(t, m.RecordBuildFailure("drone-1"))
	require.NoError(t, m.RecordBuildFailure("drone-1"))
	require.NoError(t, m.RecordBuildFailure("drone-1"))

	grounded, _ := m.IsGrounded("drone-1")
	require.True(t, grounded)

	require.NoError(t, m.Unground("drone-1"))

	grounded, err := m.IsGrounded("drone-1")
	require.NoError(t, err)
	require.False(t, grounded)
}

func TestRecordUploadFailureIndependentOfBuildFailures(t *testing.T) {
	m, s := newTestMonitor(t)

	require.NoError(t, m.RecordUploadFailure("drone-1"))
	require.NoError(t, m.RecordUploadFailure("drone-1"))

	rec, err := s.GetHealthRecord("drone-1")
	require.NoError(t, err)
	require.Equal(t, 2, rec.UploadFailures)
	require.Equal(t, 0, rec.Failures)
}

func TestStartProbingDisabledWhenIntervalZero(t *testing.T) {
	m, _ := newTestMonitor(t)
	require.Equal(t, time.Duration(0), m.cfg.ProbeInterval)

	m.StartProbing("drone-1", nil)
	require.Empty(t, m.cancelFns, "probe cadence 0 must disable the monitor entirely")
}

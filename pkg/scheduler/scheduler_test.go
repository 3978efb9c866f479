package scheduler

import (
	"testing"
	"time"

	"github.com/cuemby/drillmaster/pkg/events"
	"github.com/cuemby/drillmaster/pkg/health"
	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/cuemby/drillmaster/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := events.NewBroker(s)
	b.Start()
	t.Cleanup(b.Stop)

	h := health.NewMonitor(s, b, health.DefaultMonitorConfig())

	return NewScheduler(s, b, h, DefaultConfig()), s
}

func seedDrone(t *testing.T, s store.Store, id string) *types.Drone {
	t.Helper()
	d := &types.Drone{ID: id, Name: id, LastSeen: time.Now(), Status: types.DroneOnline}
	require.NoError(t, s.CreateOrUpdateDrone(d))
	return d
}

func seedQueueItem(t *testing.T, s store.Store, pkg string) *types.QueueItem {
	t.Helper()
	item := &types.QueueItem{ID: pkg, Package: pkg, Status: types.QueueNeeded, CreatedAt: time.Now()}
	require.NoError(t, s.CreateQueueItem(item))
	return item
}

func TestAssignDelegatesOneItem(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedDrone(t, s, "drone-1")
	seedQueueItem(t, s, "app-foo")

	item, err := sched.Assign("drone-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, types.QueueDelegated, item.Status)
	require.Equal(t, "drone-1", item.AssignedTo)
}

func TestAssignReturnsNilWhenQueueEmpty(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedDrone(t, s, "drone-1")

	item, err := sched.Assign("drone-1")
	require.NoError(t, err)
	require.Nil(t, item)
}

func TestAssignRespectsPrefetchCap(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedDrone(t, s, "drone-1")
	seedQueueItem(t, s, "pkg-a")
	seedQueueItem(t, s, "pkg-b")
	seedQueueItem(t, s, "pkg-c")

	sched.cfg.MaxPrefetchPerDrone = 2

	a, err := sched.Assign("drone-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	b, err := sched.Assign("drone-1")
	require.NoError(t, err)
	require.NotNil(t, b)

	c, err := sched.Assign("drone-1")
	require.NoError(t, err)
	require.Nil(t, c, "prefetch cap must block a third assignment")
}

func TestAssignExcludesPackagesDroneAlreadyFailed(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedDrone(t, s, "drone-1")
	seedQueueItem(t, s, "app-foo")

	require.NoError(t, s.AppendBuildHistory(&types.BuildHistoryEntry{
		ID: "h1", Package: "app-foo", DroneID: "drone-1", Status: "failed", Timestamp: time.Now(),
	}))

	item, err := sched.Assign("drone-1")
	require.NoError(t, err)
	require.Nil(t, item, "a package this drone already failed must be excluded")
}

func TestAssignSkipsGroundedDrone(t *testing.T) {
	sched, s := newTestScheduler(t)
	d := seedDrone(t, s, "drone-1")
	seedQueueItem(t, s, "app-foo")

	rec, err := s.GetHealthRecord(d.ID)
	require.NoError(t, err)
	rec.GroundedUntil = time.Now().Add(time.Hour)
	require.NoError(t, s.UpdateHealthRecord(rec))

	item, err := sched.Assign("drone-1")
	require.NoError(t, err)
	require.Nil(t, item)
}

func TestCompleteSuccessMarksReceived(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedDrone(t, s, "drone-1")
	seedQueueItem(t, s, "app-foo")

	_, err := sched.Assign("drone-1")
	require.NoError(t, err)

	require.NoError(t, sched.Complete("drone-1", "app-foo", CompletionSuccess, 12.5, ""))

	item, err := s.GetQueueItemByPackage("app-foo")
	require.NoError(t, err)
	require.Equal(t, types.QueueReceived, item.Status)
}

func TestCompleteStaleRejectedWhenAssigneeMismatch(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedDrone(t, s, "drone-1")
	seedDrone(t, s, "drone-2")
	seedQueueItem(t, s, "app-foo")

	_, err := sched.Assign("drone-1")
	require.NoError(t, err)

	// drone-2 never had this item; its completion must be discarded, not applied.
	require.NoError(t, sched.Complete("drone-2", "app-foo", CompletionSuccess, 1, ""))

	item, err := s.GetQueueItemByPackage("app-foo")
	require.NoError(t, err)
	require.Equal(t, types.QueueDelegated, item.Status, "stale completion must not change assignment")
}

func TestCompleteFailedBlocksAfterTwoDistinctDrones(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedDrone(t, s, "drone-1")
	seedDrone(t, s, "drone-2")
	seedQueueItem(t, s, "app-foo")

	_, err := sched.Assign("drone-1")
	require.NoError(t, err)
	require.NoError(t, sched.Complete("drone-1", "app-foo", CompletionFailed, 1, "boom"))

	item, err := s.GetQueueItemByPackage("app-foo")
	require.NoError(t, err)
	require.Equal(t, types.QueueNeeded, item.Status, "single failure reverts to needed")

	item.AssignedTo = "drone-2"
	item.Status = types.QueueDelegated
	require.NoError(t, s.UpdateQueueItem(item))
	require.NoError(t, sched.Complete("drone-2", "app-foo", CompletionFailed, 1, "boom again"))

	item, err = s.GetQueueItemByPackage("app-foo")
	require.NoError(t, err)
	require.Equal(t, types.QueueBlocked, item.Status, "two distinct failing drones must block the package")
}

func TestCompleteReturnedGoesBackToNeededWithoutPenalty(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedDrone(t, s, "drone-1")
	seedQueueItem(t, s, "app-foo")

	_, err := sched.Assign("drone-1")
	require.NoError(t, err)
	require.NoError(t, sched.Complete("drone-1", "app-foo", CompletionReturned, 0, ""))

	item, err := s.GetQueueItemByPackage("app-foo")
	require.NoError(t, err)
	require.Equal(t, types.QueueNeeded, item.Status)
	require.Equal(t, 0, item.FailCount)
}

func TestReclaimReturnsItemsFromOfflineDrones(t *testing.T) {
	sched, s := newTestScheduler(t)
	d := seedDrone(t, s, "drone-1")
	d.LastSeen = time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateOrUpdateDrone(d))

	item := seedQueueItem(t, s, "app-foo")
	item.Status = types.QueueDelegated
	item.AssignedTo = "drone-1"
	require.NoError(t, s.UpdateQueueItem(item))

	sched.cfg.OfflineThreshold = time.Minute
	require.NoError(t, sched.Reclaim())

	got, err := s.GetQueueItemByPackage("app-foo")
	require.NoError(t, err)
	require.Equal(t, types.QueueNeeded, got.Status)
	require.Empty(t, got.AssignedTo)
}

func TestReclaimLeavesFreshHeartbeatAlone(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedDrone(t, s, "drone-1")

	item := seedQueueItem(t, s, "app-foo")
	item.Status = types.QueueDelegated
	item.AssignedTo = "drone-1"
	require.NoError(t, s.UpdateQueueItem(item))

	require.NoError(t, sched.Reclaim())

	got, err := s.GetQueueItemByPackage("app-foo")
	require.NoError(t, err)
	require.Equal(t, types.QueueDelegated, got.Status, "must not reclaim solely for time in delegated while drone is online")
}

func TestRebalanceStealsFromDonorHoldingMoreThanOne(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedDrone(t, s, "donor")
	seedDrone(t, s, "idle")

	a := seedQueueItem(t, s, "pkg-a")
	a.Status, a.AssignedTo = types.QueueDelegated, "donor"
	require.NoError(t, s.UpdateQueueItem(a))

	b := seedQueueItem(t, s, "pkg-b")
	b.Status, b.AssignedTo = types.QueueDelegated, "donor"
	require.NoError(t, s.UpdateQueueItem(b))

	require.NoError(t, sched.Rebalance())

	items, err := s.ListQueueItemsByStatus(types.QueueDelegated)
	require.NoError(t, err)

	stolenToIdle := 0
	for _, item := range items {
		if item.AssignedTo == "idle" {
			stolenToIdle++
		}
	}
	require.Equal(t, 1, stolenToIdle)
}

func TestRebalanceNeverStealsDonorsCurrentTask(t *testing.T) {
	sched, s := newTestScheduler(t)
	donor := seedDrone(t, s, "donor")
	donor.CurrentTask = "pkg-a"
	require.NoError(t, s.CreateOrUpdateDrone(donor))
	seedDrone(t, s, "idle")

	a := seedQueueItem(t, s, "pkg-a")
	a.Status, a.AssignedTo = types.QueueDelegated, "donor"
	require.NoError(t, s.UpdateQueueItem(a))

	b := seedQueueItem(t, s, "pkg-b")
	b.Status, b.AssignedTo = types.QueueDelegated, "donor"
	require.NoError(t, s.UpdateQueueItem(b))

	require.NoError(t, sched.Rebalance())

	stillDonors, err := s.GetQueueItemByPackage("pkg-a")
	require.NoError(t, err)
	require.Equal(t, "donor", stillDonors.AssignedTo, "donor's in-progress current_task must never be stolen")
}

func TestSessionRollupClosesWhenAllItemsTerminal(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedDrone(t, s, "drone-1")

	sess := &types.Session{ID: "sess-1", Name: "batch", Status: types.SessionActive, Total: 1, CreatedAt: time.Now()}
	require.NoError(t, s.CreateSession(sess))

	item := seedQueueItem(t, s, "app-foo")
	item.SessionID = "sess-1"
	require.NoError(t, s.UpdateQueueItem(item))

	_, err := sched.Assign("drone-1")
	require.NoError(t, err)
	require.NoError(t, sched.Complete("drone-1", "app-foo", CompletionSuccess, 1, ""))

	got, err := s.GetSession("sess-1")
	require.NoError(t, err)
	require.Equal(t, types.SessionCompleted, got.Status)
	require.Equal(t, 1, got.Completed)
}

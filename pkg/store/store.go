package store

import (
	"time"

	"github.com/cuemby/drillmaster/pkg/types"
)

// Store defines the interface for durable control-plane state.
// Implemented by BoltDB-backed storage (see boltdb.go). All reads allow
// concurrent access; writes serialize through the single underlying
// bolt.DB writer.
type Store interface {
	// Drones
	CreateOrUpdateDrone(d *types.Drone) error
	GetDrone(id string) (*types.Drone, error)
	GetDroneByName(name string) (*types.Drone, error)
	ListDrones() ([]*types.Drone, error)
	DeleteDrone(id string) error

	// Queue items
	CreateQueueItem(item *types.QueueItem) error
	GetQueueItem(id string) (*types.QueueItem, error)
	GetQueueItemByPackage(pkg string) (*types.QueueItem, error)
	ListQueueItems() ([]*types.QueueItem, error)
	ListQueueItemsByStatus(status types.QueueStatus) ([]*types.QueueItem, error)
	ListQueueItemsBySession(sessionID string) ([]*types.QueueItem, error)
	UpdateQueueItem(item *types.QueueItem) error

	// Sessions
	CreateSession(s *types.Session) error
	GetSession(id string) (*types.Session, error)
	ListSessions() ([]*types.Session, error)
	UpdateSession(s *types.Session) error

	// Build history
	AppendBuildHistory(e *types.BuildHistoryEntry) error
	ListBuildHistory(limit int) ([]*types.BuildHistoryEntry, error)
	ListBuildHistoryByDrone(droneID string, limit int) ([]*types.BuildHistoryEntry, error)
	HasDroneFailedPackage(droneID, pkg string) (bool, error)
	CountDistinctFailedDrones(pkg string, since time.Time) (int, error)

	// Health records
	GetHealthRecord(droneID string) (*types.HealthRecord, error)
	UpdateHealthRecord(h *types.HealthRecord) error
	ListHealthRecords() ([]*types.HealthRecord, error)

	// Events
	AppendEvent(e *types.Event) error
	ListEvents(limit int, since time.Time, kind types.EventKind) ([]*types.Event, error)

	// Protocol log
	AppendProtocolEntry(e *types.ProtocolEntry) error
	ListProtocolEntries(limit int) ([]*types.ProtocolEntry, error)

	// Payload registry
	CreatePayloadVersion(p *types.PayloadVersion) error
	GetPayloadVersion(kind, version string) (*types.PayloadVersion, error)
	ListPayloadVersions(kind string) ([]*types.PayloadVersion, error)
	UpsertDronePayload(dp *types.DronePayload) error
	GetDronePayload(droneID, kind string) (*types.DronePayload, error)
	ListDronePayloads(kind string) ([]*types.DronePayload, error)
	AppendDeployLog(d *types.DeployLog) error
	ListDeployLog(limit int) ([]*types.DeployLog, error)

	// Releases
	CreateRelease(r *types.Release) error
	GetRelease(version string) (*types.Release, error)
	ListReleases() ([]*types.Release, error)
	UpdateRelease(r *types.Release) error
	DeleteRelease(version string) error
	GetActiveRelease() (*types.Release, error)

	// Drone config (admin-owned)
	GetDroneConfig(droneID string) (*types.DroneConfig, error)
	UpsertDroneConfig(c *types.DroneConfig) error
	ListDroneConfigs() ([]*types.DroneConfig, error)

	// Update runs fn inside a single writer transaction spanning multiple
	// buckets, for callers that need cross-entity atomicity (e.g. assign an
	// item, bump a health counter, and emit an event in one commit).
	Update(fn func(*Tx) error) error
	// View runs fn inside a read-only transaction.
	View(fn func(*Tx) error) error

	// Query runs a whitelisted single-statement read-only "SQL explorer"
	// query (SELECT only) over the decoded rows of one table.
	Query(sql string) ([]map[string]any, error)

	Close() error
}

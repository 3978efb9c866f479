package types

import "time"

// Drone is a registered remote build worker.
type Drone struct {
	ID           string
	Name         string
	Address      string
	Role         string // self-reported on register: "drone" or "sweeper"
	Capabilities Capabilities
	Metrics      Metrics
	LastSeen     time.Time
	Status       DroneStatus
	Paused       bool
	CurrentTask  string
	Version      string
	Kind         DroneKind
	LastPingSent time.Time
	LastPingRecv time.Time
	LastRTTMs    float64
	CreatedAt    time.Time
}

// DroneStatus is the self-reported/derived online state of a drone.
type DroneStatus string

const (
	DroneOnline  DroneStatus = "online"
	DroneOffline DroneStatus = "offline"
	DroneUnknown DroneStatus = "unknown"
)

// DroneKind constrains which self-healing actions are safe on a drone.
type DroneKind string

const (
	DroneKindContainer  DroneKind = "container"
	DroneKindVM         DroneKind = "vm"
	DroneKindBareMetal  DroneKind = "bare-metal"
	DroneKindUnknown    DroneKind = "unknown"
)

// Capabilities is the drone's self-reported hardware/software profile.
type Capabilities struct {
	Cores            int      `json:"cores"`
	RAMGB            float64  `json:"ram_gb"`
	Architecture     string   `json:"architecture,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	AutoReboot       bool     `json:"auto_reboot"`
	PortageTimestamp int64    `json:"portage_timestamp"`
}

// Metrics is the drone's self-reported load snapshot, carried on register.
type Metrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
	Load1m     float64 `json:"load_1m"`
}

// QueueStatus is the lifecycle state of a QueueItem.
type QueueStatus string

const (
	QueueNeeded    QueueStatus = "needed"
	QueueDelegated QueueStatus = "delegated"
	QueueReceived  QueueStatus = "received"
	QueueBlocked   QueueStatus = "blocked"
	QueueFailed    QueueStatus = "failed"
)

// QueueItem is one package-atom unit of build work.
type QueueItem struct {
	ID          string
	Package     string
	Status      QueueStatus
	AssignedTo  string
	AssignedAt  time.Time
	CompletedAt time.Time
	FailCount   int
	LastError   string
	SessionID   string
	CreatedAt   time.Time
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// Session is a named batch of queue items submitted together.
type Session struct {
	ID        string
	Name      string
	Status    SessionStatus
	Total     int
	Completed int
	Failed    int
	CreatedAt time.Time
	ClosedAt  time.Time
}

// BuildHistoryEntry is an append-only record of one completed attempt.
type BuildHistoryEntry struct {
	ID        string
	Package   string
	DroneID   string
	SessionID string
	Status    string // "success", "failed", "returned"
	DurationS float64
	Error     string
	Timestamp time.Time
}

// HealthRecord is the per-drone circuit-breaker and escalation state.
// Grounding ('grounded') and escalation are independent dimensions.
type HealthRecord struct {
	DroneID            string
	Failures           int
	LastFailure        time.Time
	RebootFlag         bool
	GroundedUntil      time.Time
	UploadFailures     int
	EscalationLevel    int
	LastEscalation     time.Time
	EscalationAttempts int
	ConsecutiveProbeFailures int
	FirstProbeFailure  time.Time
	LastProbeSuccess   time.Time
	LastHeartbeat      time.Time
	LastCooldownUntil  time.Time
}

// Grounded reports whether the drone is circuit-broken at time t.
func (h *HealthRecord) Grounded(t time.Time) bool {
	return h.GroundedUntil.After(t)
}

// EventKind classifies an Event for dashboards and filtering.
type EventKind string

const (
	EventRegistered      EventKind = "registered"
	EventAssigned        EventKind = "assigned"
	EventCompleted       EventKind = "completed"
	EventBlocked         EventKind = "blocked"
	EventReclaimed       EventKind = "reclaimed"
	EventRebalanced      EventKind = "rebalanced"
	EventGrounded        EventKind = "grounded"
	EventUngrounded      EventKind = "ungrounded"
	EventStaleCompletion EventKind = "stale-completion"
	EventEscalated       EventKind = "escalated"
	EventEscalationReset EventKind = "escalation-reset"
	EventBareMetalGuard  EventKind = "bare-metal-protected"
	EventAdminAlert      EventKind = "admin-alert"
	EventPayloadDeployed EventKind = "payload-deployed"
	EventReleasePromoted EventKind = "release-promoted"
	EventReleaseArchived EventKind = "release-archived"
	EventReleaseFSDrift  EventKind = "release-fs-divergence"
)

// Event is an immutable record used for the tail ring and history.
type Event struct {
	ID        string
	Timestamp time.Time
	Kind      EventKind
	Message   string
	Details   map[string]string
	DroneID   string
	Package   string
}

// ProtocolEntry is one record per completed HTTP exchange.
type ProtocolEntry struct {
	ID             string
	Timestamp      time.Time
	SourceAddr     string
	Method         string
	Path           string
	Tag            string
	StatusCode     int
	LatencyMs      float64
	DroneHint      string
	PackageHint    string
	RequestBody    string
	ResponseBody   string
}

// PayloadVersion is a unique (kind, version) content-addressed artifact.
type PayloadVersion struct {
	Kind        string
	Version     string
	ContentHash string
	ContentRef  string
	Size        int64
	CreatedAt   time.Time
	Notes       string
}

// DronePayloadStatus is the deployment outcome recorded per drone.
type DronePayloadStatus string

const (
	DronePayloadDeployed DronePayloadStatus = "deployed"
	DronePayloadFailed   DronePayloadStatus = "failed"
	DronePayloadPending  DronePayloadStatus = "pending"
)

// DronePayload is the per-(drone, kind) deployed-version record.
type DronePayload struct {
	DroneID         string
	Kind            string
	Version         string
	ContentHash     string
	Status          DronePayloadStatus
	DeployedAt      time.Time
	PreviousVersion string
}

// DeployLog is an append-only per-attempt record of a payload deployment.
type DeployLog struct {
	ID        string
	Kind      string
	Version   string
	DroneID   string
	Action    string // "deploy", "rollback", "verify"
	Status    string // "success", "failed"
	DurationS float64
	Error     string
	Timestamp time.Time
}

// ReleaseStatus is the state-machine position of a Release.
type ReleaseStatus string

const (
	ReleaseStaging  ReleaseStatus = "staging"
	ReleaseActive   ReleaseStatus = "active"
	ReleaseArchived ReleaseStatus = "archived"
	ReleaseDeleted  ReleaseStatus = "deleted"
)

// Release is a named, content-addressed set of produced binary packages.
type Release struct {
	Version      string
	Name         string
	Status       ReleaseStatus
	PackageCount int
	SizeBytes    int64
	Path         string
	Packages     []string
	CreatedAt    time.Time
	PromotedAt   time.Time
	ArchivedAt   time.Time
}

// DroneConfig is the admin-owned SSH/operational configuration for a drone,
// distinct from the self-reported Drone record.
type DroneConfig struct {
	DroneID          string
	SSHUser          string
	SSHPort          int
	SSHKeyEncrypted  []byte
	SSHPassEncrypted []byte
	CoreLimit        int
	JobCount         int
	SoftMemCapGB     float64
	AutoRebootAllow  bool
	Protected        bool
	FailureCeiling   int
	BinhostTarget    string
	DisplayName      string
	ControlPlaneTag  string
	Locked           bool
	Notes            string
}

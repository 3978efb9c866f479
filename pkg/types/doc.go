/*
Package types defines the core data structures shared across drillmaster.

This package contains the domain model for the build-farm control plane:
drones, queue items, sessions, health records, events, protocol log
entries, payload versions and releases. These types are used by pkg/store
for persistence, by pkg/scheduler, pkg/health and pkg/selfheal for the
state machines that act on them, and by pkg/api for wire serialization.

# Core Types

Drone fleet:
  - Drone: a registered remote build worker and its self-reported state
  - Capabilities, Metrics: structured fields carried on registration
  - DroneKind: container, vm, bare-metal, unknown — gates reboot actions
  - DroneConfig: admin-owned SSH/operational settings, distinct from Drone

Work queue:
  - QueueItem: one package-compilation unit and its assignment state
  - Session: a named batch of queue items submitted together
  - BuildHistoryEntry: append-only record of a completed attempt

Health and recovery:
  - HealthRecord: circuit-breaker counters and escalation ladder state,
    kept as two independent dimensions on the same record

Observability:
  - Event: immutable record for the event bus ring and persisted history
  - ProtocolEntry: one record per completed HTTP exchange

Payloads and releases:
  - PayloadVersion, DronePayload, DeployLog: content-addressed artifact
    registry and per-drone deployment state
  - Release: staging/active/archived/deleted package-set snapshot

All types are plain structs serialized with encoding/json by pkg/store and
pkg/api; there are no methods beyond small helpers like
HealthRecord.Grounded.
*/
package types

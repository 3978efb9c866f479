// Package metrics exposes Prometheus instrumentation for the control
// plane, plus the HTTP health/readiness/liveness handlers every
// listener shares.
//
// Metrics are package-level vars registered at init via
// prometheus.MustRegister, with a full catalog:
// drone fleet composition and grounding (DronesTotal, DronesGrounded),
// queue throughput (QueueItemsTotal, SchedulingLatency,
// AssignmentsTotal, CompletionsTotal, StaleCompletionsTotal,
// ReclaimsTotal, RebalancesTotal), self-healing (EscalationLevel,
// EscalationActionsTotal, ProbeDuration), the HTTP surface
// (APIRequestsTotal, APIRequestDuration), payload deploys
// (DeploymentsTotal, DeploymentDuration, RolledBackDeploymentsTotal),
// and the protocol recorder (ProtocolEntriesTotal).
//
// Collector polls the Store on a ticker and samples the gauges above;
// HealthHandler reports every registered component, ReadyHandler checks
// a fixed critical-component list (store, events, scheduler), and
// LivenessHandler reports uptime only.
package metrics

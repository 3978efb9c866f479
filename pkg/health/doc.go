// Package health implements the liveness side of the control plane: the
// Checker/Result/Status vocabulary (kept general-purpose), an SSHChecker
// that probes a drone's load/disk/process indicator over SSH, and the
// Monitor that turns build outcomes and probe results into the
// per-drone circuit breaker ("grounding").
package health

// Package scheduler implements assigning queued packages
// to drones, recording completions, reclaiming work from unresponsive
// drones, and rebalancing load across idle ones. See scheduler.go.
package scheduler

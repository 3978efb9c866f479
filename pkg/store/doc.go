// Package store persists every control-plane entity to a
// single BoltDB (bbolt) file: drones, queue items, sessions, build
// history, health records, events, protocol entries, payload versions,
// per-drone payload deployments, the deploy log, releases, and per-drone
// admin config. Writes serialize through bbolt's own single-writer
// transaction; reads are concurrent and see committed snapshots.
package store

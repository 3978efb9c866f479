// Package events implements the in-process event bus: a
// non-blocking publish/subscribe broker backed by a bounded ring buffer
// for cheap dashboard tailing and a write-behind goroutine that batches
// events into the Store without ever blocking the publishing request.
package events

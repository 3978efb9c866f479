/*
Package api implements the control plane's two JSON-over-HTTP listeners.

The public listener (default :8100) carries the drone wire protocol
(register/work/complete) and a set of read-only dashboards. The admin
listener (default :8093) carries every write and control operation —
queue submission, node pause/resume/ping, payload deploys, release
promotion, log and SQL-explorer access — and requires the X-Admin-Key
header on every request.

Handlers translate domain errors from pkg/scheduler, pkg/health,
pkg/selfheal, pkg/payload and pkg/release into the JSON error shape
{"error": "...", "hint": "..."} with the status codes in errors.go.
*/
package api

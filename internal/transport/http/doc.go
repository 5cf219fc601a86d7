// Package http is the local agent's HTTP surface.
//
// Routes:
//
//	GET  /healthz                   component health, 503 when unhealthy
//	GET  /metrics                   Prometheus exposition
//	GET  /events                    websocket stream of license events
//	GET  /api/license               current snapshot and renewal status
//	POST /api/license/validate      validate, optionally requiring entitlements
//	POST /api/license/activate      store a key and activate this machine
//	POST /api/license/deactivate    release this machine
//	GET  /api/license/entitlements  entitlement codes of the license
//	GET  /api/license/heartbeat     heartbeat monitor status
//	GET  /api/stats                 validation cache and event hub counters
//
// Errors are RFC 7807 problem documents produced by internal/errors.
package http

// Package api implements the HTTP REST API and WebSocket server for Growlink Core.
//
// This package provides:
//   - REST endpoints for telemetry ingest and queries, command submission,
//     pull and push delivery, and outcome reports
//   - An observer WebSocket that sends a snapshot and then live events
//   - A device WebSocket that pushes commands and accepts telemetry and outcomes
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// Every handler is a thin translation onto gateway.Service. The gateway's
// error taxonomy maps to status codes: ErrValidation becomes 400 and
// ErrNotFound becomes 404. The caller recorded in the audit trail comes from
// the X-Operator header and defaults to "api".
//
// # Graceful Degradation
//
// MQTT, the audit database and Prometheus are optional. Without them the
// corresponding endpoints report "not configured" and everything else works.
package api

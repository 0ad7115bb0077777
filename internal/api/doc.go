// Package api implements the HTTP REST API and WebSocket server for Locker Core.
//
// This package provides:
//   - REST endpoints for the locker bank, scan/assign/open flows, staff
//     operations, the audit trail, and the durable command queue
//   - WebSocket hub for real-time locker event broadcasts
//   - Middleware stack (request ID, logging, recovery, CORS, body limits)
//   - TLS support for production deployments
//
// # Architecture
//
// The API server sits between kiosk front-ends (and staff tooling) and
// the locker state manager + assignment orchestrator. Hardware access
// goes through the orchestrator, which sequences every pulse through
// the state machine; the API never touches the relay bus directly.
// Committed transitions flow back over the in-process event bus and are
// broadcast to WebSocket clients.
//
// # Graceful Degradation
//
// The server operates with a dead relay bus — reads, the audit trail,
// and WebSocket connections keep working; only operations needing a
// pulse return 503.
package api

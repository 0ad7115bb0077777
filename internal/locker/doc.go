// Package locker owns the authoritative record of locker ownership and
// the state machine that governs it.
//
// # State Machine
//
//	              reserve                confirm
//	   ┌────────┐ ───────► ┌──────────┐ ───────► ┌───────┐
//	   │  Free  │          │ Reserved │          │ Owned │
//	   └────────┘ ◄─────── └──────────┘          └───────┘
//	        ▲      expire /      │                    │
//	        │      abandon       │ begin opening      │ release
//	        │                    ▼                    │
//	        │               ┌─────────┐               │
//	        └───────────────│ Opening │───────────────┘
//	          abort/recover └─────────┘  complete → Owned
//
// Any state can be forced to Blocked by staff; Blocked returns to Free
// on unblock. Opening is transient: it wraps a hardware pulse, and a
// recovery pass on restart resolves lockers stranded there by a crash
// using the event log.
//
// # Concurrency
//
// Several OS processes share the store, so no in-process lock can
// protect a row. Every transition is a single conditional UPDATE keyed
// on (kiosk_id, id, version): zero rows affected means a concurrent
// writer won and the operation re-reads and retries. SQLite's WAL mode
// serialises the writes themselves.
//
// # Events
//
// Every committed transition appends an immutable row to locker_events
// (audit trail, crash recovery) and is published to the in-process event
// bus for live consumers.
package locker

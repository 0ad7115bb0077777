// Package command implements the durable hardware command queue.
//
// Callers that want asynchronous, at-least-once execution enqueue a
// command instead of calling the hardware synchronously. A per-site
// worker claims the earliest eligible command, executes it, and resolves
// it to completed or failed. Failures are encoded as data (last_error,
// retry_count) rather than aborting the worker loop.
//
// # Lifecycle
//
//	pending ──claim──► executing ──► completed
//	   ▲                   │
//	   └──── reschedule ───┤ (retry_count < max_retries)
//	                       └──► failed (terminal)
//
// pending commands can also be cancelled; executing commands run to
// completion — there is no preemption of an in-flight hardware write,
// since interrupting mid-frame risks leaving a relay energised.
//
// # Claiming
//
// Several processes may poll one queue, so a claim is an optimistic
// conditional update keyed on (command_id, version, status=pending):
// exactly one claimant wins, the rest observe a conflict and move on.
//
// # Idempotency
//
// The command_id is caller-supplied. Re-enqueueing an id that already
// exists is a no-op, so duplicated client retries never double-fire
// hardware.
package command

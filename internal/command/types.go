package command

import "time"

// Status is the command lifecycle state.
type Status string

// Command statuses.
const (
	// StatusPending means the command awaits its next attempt.
	StatusPending Status = "pending"

	// StatusExecuting means a worker has claimed the command.
	StatusExecuting Status = "executing"

	// StatusCompleted means the command succeeded.
	StatusCompleted Status = "completed"

	// StatusFailed means the command exhausted its retries. Terminal;
	// never retried automatically.
	StatusFailed Status = "failed"

	// StatusCancelled means the command was withdrawn while pending.
	StatusCancelled Status = "cancelled"
)

// Command types executed by the worker.
const (
	// TypeOpenLocker pulses a locker open and sequences its state
	// transitions. Payload: {"locker_id": N, "zone": "..."} .
	TypeOpenLocker = "open_locker"

	// TypePulseChannel pulses a raw board/channel without touching
	// ownership state. Staff/diagnostic use.
	// Payload: {"board": N, "channel": N}.
	TypePulseChannel = "pulse_channel"

	// TypeExpireReservations runs the reservation expiry pass.
	TypeExpireReservations = "expire_reservations"
)

// Command is one durable queue entry.
//
// CommandID is the caller-supplied idempotency key: enqueueing the same
// id twice is a no-op. Version backs the optimistic claim: markExecuting
// is a conditional update, so exactly one of several competing workers
// wins a command.
type Command struct {
	CommandID string         `json:"command_id"`
	KioskID   string         `json:"kiosk_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`

	// NextAttemptAt is when the command becomes eligible for claiming.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// LastError records the most recent failure, as data, so the worker
	// loop itself is never aborted by one command's failure.
	LastError string `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Version int64 `json:"version"`
}

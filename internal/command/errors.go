package command

import "errors"

// Domain-specific errors for command queue operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when a command id does not exist.
	ErrNotFound = errors.New("command: not found")

	// ErrNoneEligible is returned when no pending command is due.
	ErrNoneEligible = errors.New("command: none eligible")

	// ErrClaimConflict is returned when another worker claimed the
	// command first. The loser simply polls again.
	ErrClaimConflict = errors.New("command: claimed by another worker")

	// ErrNotCancellable is returned when cancelling a command that is no
	// longer pending. Executing commands run to completion.
	ErrNotCancellable = errors.New("command: only pending commands can be cancelled")

	// ErrNoHandler is returned by the mux when a command's type has no
	// registered handler. Treated as a terminal failure.
	ErrNoHandler = errors.New("command: no handler for command type")
)

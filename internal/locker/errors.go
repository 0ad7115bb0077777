package locker

import "errors"

// Domain-specific errors for locker operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when a locker does not exist at the site.
	ErrNotFound = errors.New("locker: not found")

	// ErrVersionConflict is returned when a conditional update matched no
	// row because a concurrent writer changed it first. Callers re-read
	// and retry; they never overwrite.
	ErrVersionConflict = errors.New("locker: version conflict")

	// ErrNotFree is returned when a reservation targets a locker that is
	// not currently Free.
	ErrNotFree = errors.New("locker: not free")

	// ErrAlreadyOwnedElsewhere is returned when an identity that already
	// holds a locker at this site tries to take another.
	ErrAlreadyOwnedElsewhere = errors.New("locker: identity already holds a locker at this site")

	// ErrVIPOnly is returned when a non-VIP identity tries to reserve a
	// VIP-reserved locker.
	ErrVIPOnly = errors.New("locker: reserved for vip contracts")

	// ErrBlocked is returned when an operation targets a staff-blocked
	// locker.
	ErrBlocked = errors.New("locker: blocked by staff")

	// ErrNotOwner is returned when a release names an owner key that does
	// not match the locker's current owner.
	ErrNotOwner = errors.New("locker: owner key mismatch")

	// ErrInvalidTransition is returned when the locker's current status
	// does not permit the requested transition.
	ErrInvalidTransition = errors.New("locker: invalid state transition")

	// ErrNoFreeLockers is returned when automatic assignment finds no
	// Free candidate.
	ErrNoFreeLockers = errors.New("locker: no free lockers")
)

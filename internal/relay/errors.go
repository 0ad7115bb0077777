package relay

import "errors"

// Domain-specific errors for relay operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrBusUnavailable is returned when the bus cannot be opened or a
	// command received no valid response after all retry attempts. The
	// hardware may be unpowered, unplugged, or the port contended.
	ErrBusUnavailable = errors.New("relay: bus unavailable")

	// ErrUnmappedLocker is returned when a locker number does not fall in
	// any configured zone.
	ErrUnmappedLocker = errors.New("relay: locker not mapped to a board")

	// ErrUnknownZone is returned when a zone name is not configured.
	ErrUnknownZone = errors.New("relay: unknown zone")

	// ErrZoneOverlap is returned when two configured zones claim the same
	// locker number range.
	ErrZoneOverlap = errors.New("relay: zone locker ranges overlap")

	// ErrZoneTooSmall is returned when a zone's board list cannot cover
	// its locker range.
	ErrZoneTooSmall = errors.New("relay: zone has fewer channels than lockers")

	// ErrVerifyFailed is returned when the optional post-pulse read-back
	// shows the coil still energised.
	ErrVerifyFailed = errors.New("relay: coil still energised after pulse")

	// ErrClosed is returned when a command is issued on a closed transport.
	ErrClosed = errors.New("relay: transport closed")
)

package modbus

import "errors"

// Domain-specific errors for Modbus frame handling.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidFrame is returned when a frame is structurally invalid:
	// too short, CRC mismatch, or a response that does not echo the
	// request's address/function. The frame may have been corrupted on
	// the wire, so the command is safe to retry.
	ErrInvalidFrame = errors.New("modbus: invalid frame")

	// ErrDeviceFault is returned when a slave replies with a well-formed
	// exception response. The device received the command and rejected
	// it, so retrying the same frame will not help.
	ErrDeviceFault = errors.New("modbus: device fault")

	// ErrInvalidAddress is returned when a slave address is outside 0-247.
	ErrInvalidAddress = errors.New("modbus: slave address out of range")

	// ErrInvalidQuantity is returned when a coil count is zero or exceeds
	// the protocol maximum for the function.
	ErrInvalidQuantity = errors.New("modbus: coil quantity out of range")
)

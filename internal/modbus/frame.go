package modbus

import (
	"encoding/binary"
	"fmt"
)

// Slave addressing constants.
const (
	// BroadcastAddress addresses every board on the bus at once.
	// Broadcast requests receive no response.
	BroadcastAddress = 0

	// MaxSlaveAddress is the highest valid unicast slave address.
	MaxSlaveAddress = 247
)

// Function codes used by the relay boards.
const (
	// FuncReadCoils reads the current ON/OFF state of a coil range.
	FuncReadCoils byte = 0x01

	// FuncWriteSingleCoil forces a single coil ON or OFF.
	FuncWriteSingleCoil byte = 0x05

	// FuncWriteMultipleCoils forces a contiguous coil range in one frame.
	FuncWriteMultipleCoils byte = 0x0F
)

// Wire-level constants.
const (
	// exceptionFlag is OR'd into the function code of an exception response.
	exceptionFlag byte = 0x80

	// coilOn and coilOff are the only valid values for Write Single Coil.
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000

	// minFrameSize is address(1) + function(1) + CRC(2).
	minFrameSize = 4

	// ExceptionResponseLength is the fixed size of an exception response:
	// address(1) + function|0x80(1) + exception code(1) + CRC(2).
	ExceptionResponseLength = 5

	// echoResponseLength is the fixed size of 0x05/0x0F responses, which
	// echo the request header: address(1) + function(1) + field(2) +
	// field(2) + CRC(2).
	echoResponseLength = 8

	// maxReadQuantity is the protocol limit for Read Coils (0x07D0).
	maxReadQuantity = 2000

	// maxWriteQuantity is the protocol limit for Write Multiple Coils (0x07B0).
	maxWriteQuantity = 1968
)

// exceptionText maps Modbus exception codes to their standard meanings.
var exceptionText = map[byte]string{
	0x01: "illegal function",
	0x02: "illegal data address",
	0x03: "illegal data value",
	0x04: "slave device failure",
	0x05: "acknowledge",
	0x06: "slave device busy",
	0x08: "memory parity error",
	0x0A: "gateway path unavailable",
	0x0B: "gateway target device failed to respond",
}

// ExceptionError describes an exception response from a slave.
//
// It unwraps to ErrDeviceFault so callers can classify it without caring
// about the specific exception code.
type ExceptionError struct {
	// Function is the request function code (without the exception flag).
	Function byte

	// Code is the Modbus exception code reported by the slave.
	Code byte
}

// Error implements the error interface.
func (e *ExceptionError) Error() string {
	desc, ok := exceptionText[e.Code]
	if !ok {
		desc = "unknown exception"
	}
	return fmt.Sprintf("modbus: device fault: function 0x%02X exception 0x%02X (%s)", e.Function, e.Code, desc)
}

// Unwrap allows errors.Is(err, ErrDeviceFault).
func (e *ExceptionError) Unwrap() error {
	return ErrDeviceFault
}

// BuildReadCoils builds a Read Coils (0x01) request frame.
//
// Parameters:
//   - slave: Target board address (1-247; broadcast reads are meaningless)
//   - start: Zero-based address of the first coil
//   - quantity: Number of coils to read (1-2000)
//
// Returns:
//   - []byte: Complete frame including CRC
//   - error: ErrInvalidAddress or ErrInvalidQuantity on bad inputs
func BuildReadCoils(slave byte, start, quantity uint16) ([]byte, error) {
	if slave == BroadcastAddress || slave > MaxSlaveAddress {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, slave)
	}
	if quantity == 0 || quantity > maxReadQuantity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}

	frame := make([]byte, 6, 8)
	frame[0] = slave
	frame[1] = FuncReadCoils
	binary.BigEndian.PutUint16(frame[2:4], start)
	binary.BigEndian.PutUint16(frame[4:6], quantity)
	return AppendCRC(frame), nil
}

// BuildWriteSingleCoil builds a Write Single Coil (0x05) request frame.
//
// Parameters:
//   - slave: Target board address (0 = broadcast to all boards)
//   - coil: Zero-based coil address on the board
//   - on: Desired coil state (encoded as 0xFF00 / 0x0000)
//
// Returns:
//   - []byte: Complete frame including CRC
//   - error: ErrInvalidAddress if slave exceeds 247
func BuildWriteSingleCoil(slave byte, coil uint16, on bool) ([]byte, error) {
	if slave > MaxSlaveAddress {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, slave)
	}

	value := coilOff
	if on {
		value = coilOn
	}

	frame := make([]byte, 6, 8)
	frame[0] = slave
	frame[1] = FuncWriteSingleCoil
	binary.BigEndian.PutUint16(frame[2:4], coil)
	binary.BigEndian.PutUint16(frame[4:6], value)
	return AppendCRC(frame), nil
}

// BuildWriteMultipleCoils builds a Write Multiple Coils (0x0F) request frame.
//
// The coil states are packed LSB-first into the data bytes, per the Modbus
// specification: states[0] is bit 0 of the first data byte.
//
// Parameters:
//   - slave: Target board address (0 = broadcast to all boards)
//   - start: Zero-based address of the first coil
//   - states: Desired state for each coil, in address order (1-1968 coils)
//
// Returns:
//   - []byte: Complete frame including CRC
//   - error: ErrInvalidAddress or ErrInvalidQuantity on bad inputs
func BuildWriteMultipleCoils(slave byte, start uint16, states []bool) ([]byte, error) {
	if slave > MaxSlaveAddress {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, slave)
	}
	if len(states) == 0 || len(states) > maxWriteQuantity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, len(states))
	}

	byteCount := (len(states) + 7) / 8
	frame := make([]byte, 7+byteCount, 7+byteCount+2)
	frame[0] = slave
	frame[1] = FuncWriteMultipleCoils
	binary.BigEndian.PutUint16(frame[2:4], start)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(states))) //nolint:gosec // bounded by maxWriteQuantity
	frame[6] = byte(byteCount)

	for i, on := range states {
		if on {
			frame[7+i/8] |= 1 << (i % 8)
		}
	}
	return AppendCRC(frame), nil
}

// ResponseLength returns the expected response size in bytes for a request
// frame, excluding the exception case.
//
// RTU framing carries no length prefix for echo-style responses, so the
// transport must know in advance how many bytes to wait for. Exception
// responses are always ExceptionResponseLength bytes and are detected from
// the function-code byte.
//
// Returns 0 for broadcast requests (no response) and for unknown function
// codes.
func ResponseLength(request []byte) int {
	if len(request) < 6 {
		return 0
	}
	if request[0] == BroadcastAddress {
		return 0
	}

	switch request[1] {
	case FuncReadCoils:
		quantity := binary.BigEndian.Uint16(request[4:6])
		byteCount := (int(quantity) + 7) / 8
		// address(1) + function(1) + byte count(1) + data + CRC(2)
		return 5 + byteCount
	case FuncWriteSingleCoil, FuncWriteMultipleCoils:
		return echoResponseLength
	default:
		return 0
	}
}

// parseHeader validates the common response envelope: CRC, echoed address,
// and function code. It returns the payload between the function code and
// the CRC trailer.
//
// An exception response (function | 0x80) is surfaced as *ExceptionError.
func parseHeader(slave, function byte, frame []byte) ([]byte, error) {
	if err := VerifyCRC(frame); err != nil {
		return nil, err
	}
	if frame[0] != slave {
		return nil, fmt.Errorf("%w: address echo %d, want %d", ErrInvalidFrame, frame[0], slave)
	}

	switch frame[1] {
	case function:
		return frame[2 : len(frame)-2], nil
	case function | exceptionFlag:
		if len(frame) != ExceptionResponseLength {
			return nil, fmt.Errorf("%w: exception response is %d bytes, want %d",
				ErrInvalidFrame, len(frame), ExceptionResponseLength)
		}
		return nil, &ExceptionError{Function: function, Code: frame[2]}
	default:
		return nil, fmt.Errorf("%w: function echo 0x%02X, want 0x%02X", ErrInvalidFrame, frame[1], function)
	}
}

// ParseWriteSingleCoilResponse validates a Write Single Coil response.
//
// The response must echo the request's coil address and value exactly.
//
// Returns:
//   - error: ErrInvalidFrame on a corrupt or mismatched echo,
//     *ExceptionError (ErrDeviceFault) on an exception response
func ParseWriteSingleCoilResponse(slave byte, coil uint16, on bool, frame []byte) error {
	payload, err := parseHeader(slave, FuncWriteSingleCoil, frame)
	if err != nil {
		return err
	}
	if len(payload) != 4 {
		return fmt.Errorf("%w: write coil payload is %d bytes, want 4", ErrInvalidFrame, len(payload))
	}

	gotCoil := binary.BigEndian.Uint16(payload[0:2])
	gotValue := binary.BigEndian.Uint16(payload[2:4])
	wantValue := coilOff
	if on {
		wantValue = coilOn
	}
	if gotCoil != coil || gotValue != wantValue {
		return fmt.Errorf("%w: echo coil=%d value=0x%04X, want coil=%d value=0x%04X",
			ErrInvalidFrame, gotCoil, gotValue, coil, wantValue)
	}
	return nil
}

// ParseWriteMultipleCoilsResponse validates a Write Multiple Coils response.
//
// The response echoes the start address and quantity written.
func ParseWriteMultipleCoilsResponse(slave byte, start, quantity uint16, frame []byte) error {
	payload, err := parseHeader(slave, FuncWriteMultipleCoils, frame)
	if err != nil {
		return err
	}
	if len(payload) != 4 {
		return fmt.Errorf("%w: write coils payload is %d bytes, want 4", ErrInvalidFrame, len(payload))
	}

	gotStart := binary.BigEndian.Uint16(payload[0:2])
	gotQuantity := binary.BigEndian.Uint16(payload[2:4])
	if gotStart != start || gotQuantity != quantity {
		return fmt.Errorf("%w: echo start=%d quantity=%d, want start=%d quantity=%d",
			ErrInvalidFrame, gotStart, gotQuantity, start, quantity)
	}
	return nil
}

// ParseReadCoilsResponse validates a Read Coils response and unpacks the
// coil states.
//
// Parameters:
//   - slave: Expected board address
//   - quantity: Number of coils requested (trailing pad bits are discarded)
//   - frame: Raw response bytes
//
// Returns:
//   - []bool: Coil states in address order, length == quantity
//   - error: ErrInvalidFrame or *ExceptionError as for the other parsers
func ParseReadCoilsResponse(slave byte, quantity uint16, frame []byte) ([]bool, error) {
	payload, err := parseHeader(slave, FuncReadCoils, frame)
	if err != nil {
		return nil, err
	}
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: read coils response missing byte count", ErrInvalidFrame)
	}

	byteCount := int(payload[0])
	if byteCount != len(payload)-1 {
		return nil, fmt.Errorf("%w: byte count %d, payload %d bytes", ErrInvalidFrame, byteCount, len(payload)-1)
	}
	if wantBytes := (int(quantity) + 7) / 8; byteCount != wantBytes {
		return nil, fmt.Errorf("%w: byte count %d for %d coils, want %d", ErrInvalidFrame, byteCount, quantity, wantBytes)
	}

	states := make([]bool, quantity)
	for i := range states {
		states[i] = payload[1+i/8]&(1<<(i%8)) != 0
	}
	return states, nil
}

// errTooShort builds the short-frame variant of ErrInvalidFrame.
func errTooShort(n int) error {
	return fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidFrame, n, minFrameSize)
}

// errCRCMismatch builds the CRC variant of ErrInvalidFrame.
func errCRCMismatch(got, want uint16) error {
	return fmt.Errorf("%w: CRC mismatch (computed 0x%04X, frame 0x%04X)", ErrInvalidFrame, got, want)
}

// Package modbus implements the Modbus RTU framing used by the relay boards.
//
// Locker Core drives Waveshare-class relay cards over an RS-485 bus. Each
// board is a Modbus slave addressed 1-247 (0 is broadcast), and each locker
// lock maps to one coil on a board. This package is the pure codec layer:
// it builds request frames, validates responses, and knows nothing about
// serial ports or timing — that lives in internal/relay.
//
// # Frame Layout
//
// A request frame is:
//
//	byte 0      slave address (0 = broadcast)
//	byte 1      function code
//	bytes 2..n  function-specific payload (big-endian fields)
//	last 2      CRC-16/Modbus, little-endian
//
// Responses echo the address and function code. A slave signalling a fault
// sets the high bit of the function code (fc | 0x80) and carries a one-byte
// exception code instead of data.
//
// # Supported Functions
//
//   - 0x01 Read Coils
//   - 0x05 Write Single Coil (0xFF00 = ON, 0x0000 = OFF)
//   - 0x0F Write Multiple Coils
//
// # Error Classification
//
// Structural problems — short frames, CRC mismatches, address or function
// echoes that don't match the request — are ErrInvalidFrame: the wire was
// corrupted and the command may be retried. A well-formed exception response
// is ErrDeviceFault: the board heard us and said no, so blind retries are
// pointless. Callers distinguish the two with errors.Is.
package modbus

// Package relay drives the relay boards that physically unlock lockers.
//
// It sits between the pure modbus codec and the ownership logic:
//
//	┌──────────────┐          ┌──────────────┐   RS-485 /
//	│ State Manager│  Pulse   │  relay (this │   TCP gateway
//	│ / Orchestr.  │─────────►│   package)   │◄─────────────► relay boards
//	└──────────────┘          └──────────────┘
//
// # Components
//
//   - Mapping: immutable translation from logical locker numbers to
//     physical addresses (board + coil), built from the configured zones.
//     Swapped atomically via Holder on reconfiguration.
//   - Transport: the single exclusive bus connection. Serialises frames,
//     enforces inter-command spacing, retries corrupt exchanges, and
//     transparently reopens handles that have gone stale.
//   - Controller: the "pulse locker N" operation — coil ON, timed hold,
//     coil OFF. The OFF write is always attempted, even when the ON write's
//     acknowledgment was lost, because a permanently energised coil burns
//     out the solenoid.
//
// The package never touches locker ownership records. Callers sequence
// state transitions around hardware operations (see internal/locker and
// internal/assign).
//
// # Thread Safety
//
// All exported types are safe for concurrent use. The Transport admits one
// in-flight frame at a time: the bus has a single master and interleaved
// frames corrupt each other.
package relay

package modbus

// CRC-16/Modbus parameters.
const (
	crcInit = 0xFFFF
	crcPoly = 0xA001
)

// CRC16 computes the CRC-16/Modbus checksum over data.
//
// The algorithm is the standard Modbus RTU running checksum: initial value
// 0xFFFF, reflected polynomial 0xA001, no final XOR.
func CRC16(data []byte) uint16 {
	crc := uint16(crcInit)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ crcPoly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// AppendCRC appends the CRC-16 of frame to frame, low byte first, as
// required by Modbus RTU.
func AppendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// VerifyCRC recomputes the CRC over all but the last two bytes of frame
// and compares it with the little-endian trailer.
//
// Returns:
//   - error: ErrInvalidFrame if the frame is too short or the CRC differs
func VerifyCRC(frame []byte) error {
	if len(frame) < minFrameSize {
		return errTooShort(len(frame))
	}
	want := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	got := CRC16(frame[:len(frame)-2])
	if got != want {
		return errCRCMismatch(got, want)
	}
	return nil
}

package modbus

import (
	"errors"
	"testing"
)

func TestCRC16(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{
			// Reference vector from the CRC-16/Modbus specification.
			name: "check value 123456789",
			data: []byte("123456789"),
			want: 0x4B37,
		},
		{
			// Address-register probe frame for the relay vendor's cards:
			// 01 03 40 00 00 01, CRC trailer 91 CA on the wire.
			name: "read register probe",
			data: []byte{0x01, 0x03, 0x40, 0x00, 0x00, 0x01},
			want: 0xCA91,
		},
		{
			name: "empty input",
			data: nil,
			want: 0xFFFF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CRC16(tt.data); got != tt.want {
				t.Errorf("CRC16() = 0x%04X, want 0x%04X", got, tt.want)
			}
		})
	}
}

func TestAppendAndVerifyCRC(t *testing.T) {
	frame := AppendCRC([]byte{0x02, 0x05, 0x00, 0x03, 0xFF, 0x00})

	if err := VerifyCRC(frame); err != nil {
		t.Fatalf("VerifyCRC() error = %v, want nil", err)
	}

	// CRC trailer is little-endian.
	crc := CRC16(frame[:len(frame)-2])
	if frame[len(frame)-2] != byte(crc&0xFF) || frame[len(frame)-1] != byte(crc>>8) {
		t.Errorf("CRC trailer = % X, want little-endian 0x%04X", frame[len(frame)-2:], crc)
	}
}

func TestVerifyCRC_Corruption(t *testing.T) {
	frame := AppendCRC([]byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x08})

	// Flipping any single byte anywhere in the frame must be detected.
	for i := range frame {
		corrupted := make([]byte, len(frame))
		copy(corrupted, frame)
		corrupted[i] ^= 0x01

		if err := VerifyCRC(corrupted); !errors.Is(err, ErrInvalidFrame) {
			t.Errorf("VerifyCRC() with byte %d corrupted: error = %v, want ErrInvalidFrame", i, err)
		}
	}
}

func TestVerifyCRC_TooShort(t *testing.T) {
	if err := VerifyCRC([]byte{0x01, 0x05, 0x3A}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("VerifyCRC() error = %v, want ErrInvalidFrame", err)
	}
}

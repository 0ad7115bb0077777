package relay

import (
	"errors"
	"testing"
)

// twoZoneMapping builds the mapping used by most tests:
// "left" lockers 1-32 on boards 1,2 (16 channels each),
// "right" lockers 33-48 on board 3.
func twoZoneMapping(t *testing.T) *Mapping {
	t.Helper()
	m, err := NewMapping([]Zone{
		{Name: "left", FirstLocker: 1, LastLocker: 32, Boards: []byte{1, 2}, ChannelsPerBoard: 16},
		{Name: "right", FirstLocker: 33, LastLocker: 48, Boards: []byte{3}, ChannelsPerBoard: 16},
	})
	if err != nil {
		t.Fatalf("NewMapping() error = %v", err)
	}
	return m
}

func TestNewMappingValidation(t *testing.T) {
	tests := []struct {
		name    string
		zones   []Zone
		wantErr error
	}{
		{
			name:  "no zones",
			zones: nil,
		},
		{
			name: "duplicate zone name",
			zones: []Zone{
				{Name: "a", FirstLocker: 1, LastLocker: 8, Boards: []byte{1}, ChannelsPerBoard: 16},
				{Name: "a", FirstLocker: 9, LastLocker: 16, Boards: []byte{2}, ChannelsPerBoard: 16},
			},
		},
		{
			name: "inverted locker range",
			zones: []Zone{
				{Name: "a", FirstLocker: 10, LastLocker: 5, Boards: []byte{1}, ChannelsPerBoard: 16},
			},
		},
		{
			name: "broadcast address as board",
			zones: []Zone{
				{Name: "a", FirstLocker: 1, LastLocker: 8, Boards: []byte{0}, ChannelsPerBoard: 16},
			},
		},
		{
			name: "more lockers than channels",
			zones: []Zone{
				{Name: "a", FirstLocker: 1, LastLocker: 20, Boards: []byte{1}, ChannelsPerBoard: 16},
			},
			wantErr: ErrZoneTooSmall,
		},
		{
			name: "overlapping ranges",
			zones: []Zone{
				{Name: "a", FirstLocker: 1, LastLocker: 16, Boards: []byte{1}, ChannelsPerBoard: 16},
				{Name: "b", FirstLocker: 16, LastLocker: 31, Boards: []byte{2}, ChannelsPerBoard: 16},
			},
			wantErr: ErrZoneOverlap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMapping(tt.zones)
			if err == nil {
				t.Fatal("NewMapping() error = nil, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("NewMapping() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMappingResolve(t *testing.T) {
	m := twoZoneMapping(t)

	tests := []struct {
		name     string
		lockerID int
		zone     string
		want     Address
		wantErr  error
	}{
		{name: "first locker", lockerID: 1, want: Address{Board: 1, Channel: 0}},
		{name: "last channel of first board", lockerID: 16, want: Address{Board: 1, Channel: 15}},
		{name: "rolls onto second board", lockerID: 17, want: Address{Board: 2, Channel: 0}},
		{name: "second zone", lockerID: 33, want: Address{Board: 3, Channel: 0}},
		{name: "zone-scoped lookup", lockerID: 40, zone: "right", want: Address{Board: 3, Channel: 7}},
		{name: "locker outside named zone", lockerID: 5, zone: "right", wantErr: ErrUnmappedLocker},
		{name: "unknown zone", lockerID: 5, zone: "basement", wantErr: ErrUnknownZone},
		{name: "unmapped locker", lockerID: 99, wantErr: ErrUnmappedLocker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Resolve(tt.lockerID, tt.zone)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%d, %q) = %s, want %s", tt.lockerID, tt.zone, got, tt.want)
			}
		})
	}
}

func TestMappingLockerRange(t *testing.T) {
	m := twoZoneMapping(t)

	first, last, err := m.LockerRange("right")
	if err != nil {
		t.Fatalf("LockerRange() error = %v", err)
	}
	if first != 33 || last != 48 {
		t.Errorf("LockerRange(right) = %d-%d, want 33-48", first, last)
	}

	if _, _, err := m.LockerRange("nope"); !errors.Is(err, ErrUnknownZone) {
		t.Errorf("LockerRange(nope) error = %v, want ErrUnknownZone", err)
	}
}

func TestMappingLockersAndBoards(t *testing.T) {
	m := twoZoneMapping(t)

	ids := m.Lockers()
	if len(ids) != 48 {
		t.Fatalf("len(Lockers()) = %d, want 48", len(ids))
	}
	if ids[0] != 1 || ids[47] != 48 {
		t.Errorf("Lockers() bounds = %d..%d, want 1..48", ids[0], ids[47])
	}

	boards := m.Boards()
	want := []byte{1, 2, 3}
	if len(boards) != len(want) {
		t.Fatalf("Boards() = %v, want %v", boards, want)
	}
	for i := range want {
		if boards[i] != want[i] {
			t.Errorf("Boards()[%d] = %d, want %d", i, boards[i], want[i])
		}
	}
}

func TestHolderSwap(t *testing.T) {
	m1 := twoZoneMapping(t)
	h := NewHolder(m1)

	if h.Load() != m1 {
		t.Fatal("Load() did not return the seeded mapping")
	}

	m2, err := NewMapping([]Zone{
		{Name: "only", FirstLocker: 1, LastLocker: 8, Boards: []byte{9}, ChannelsPerBoard: 8},
	})
	if err != nil {
		t.Fatalf("NewMapping() error = %v", err)
	}

	h.Swap(m2)
	if h.Load() != m2 {
		t.Error("Load() after Swap() did not return the new mapping")
	}

	// The old snapshot stays usable for in-flight resolutions.
	if _, err := m1.Resolve(17, ""); err != nil {
		t.Errorf("old mapping Resolve() error = %v", err)
	}
}

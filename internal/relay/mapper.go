package relay

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// Address is the physical location of a locker's lock coil.
// It is derived from configuration, never persisted.
type Address struct {
	// Board is the Modbus slave address of the relay board (1-247).
	Board byte

	// Channel is the zero-based coil number on that board.
	Channel uint16
}

// String returns "board/channel" for logging.
func (a Address) String() string {
	return fmt.Sprintf("%d/%d", a.Board, a.Channel)
}

// Zone binds a contiguous locker number range to a run of relay boards.
//
// Lockers are assigned to boards in order: the first ChannelsPerBoard
// lockers of the range land on Boards[0], the next on Boards[1], and so on.
type Zone struct {
	// Name identifies the zone in config and API calls.
	Name string

	// FirstLocker and LastLocker bound the zone's locker numbers (inclusive).
	FirstLocker int
	LastLocker  int

	// Boards lists the slave addresses serving this zone, in locker order.
	Boards []byte

	// ChannelsPerBoard is the coil count per board (16 or 32 on the
	// deployed relay cards).
	ChannelsPerBoard int
}

// size returns the number of lockers in the zone.
func (z Zone) size() int {
	return z.LastLocker - z.FirstLocker + 1
}

// Mapping is an immutable locker-to-address translation table.
//
// Build one with NewMapping and publish it through a Holder; never mutate a
// Mapping that commands may be resolving against.
type Mapping struct {
	zones  []Zone
	byName map[string]int
}

// NewMapping validates the zone configuration and builds a Mapping.
//
// Validation rules:
//   - every zone needs a name, a non-empty locker range, and at least
//     enough board channels to cover the range
//   - locker ranges must not overlap across zones
//   - board addresses must be valid unicast slave addresses
//
// Returns:
//   - *Mapping: Immutable mapping ready for Resolve calls
//   - error: Description of the first configuration problem found
func NewMapping(zones []Zone) (*Mapping, error) {
	if len(zones) == 0 {
		return nil, fmt.Errorf("relay: at least one zone is required")
	}

	m := &Mapping{
		zones:  make([]Zone, len(zones)),
		byName: make(map[string]int, len(zones)),
	}
	copy(m.zones, zones)

	for i, z := range m.zones {
		if z.Name == "" {
			return nil, fmt.Errorf("relay: zone %d has no name", i)
		}
		if _, dup := m.byName[z.Name]; dup {
			return nil, fmt.Errorf("relay: duplicate zone name %q", z.Name)
		}
		if z.FirstLocker < 1 || z.LastLocker < z.FirstLocker {
			return nil, fmt.Errorf("relay: zone %q has invalid locker range %d-%d", z.Name, z.FirstLocker, z.LastLocker)
		}
		if z.ChannelsPerBoard <= 0 {
			return nil, fmt.Errorf("relay: zone %q has invalid channels_per_board %d", z.Name, z.ChannelsPerBoard)
		}
		if len(z.Boards) == 0 {
			return nil, fmt.Errorf("relay: zone %q has no boards", z.Name)
		}
		for _, b := range z.Boards {
			if b == 0 {
				return nil, fmt.Errorf("relay: zone %q uses broadcast address 0 as a board", z.Name)
			}
		}
		if z.size() > len(z.Boards)*z.ChannelsPerBoard {
			return nil, fmt.Errorf("%w: zone %q has %d lockers but %d channels",
				ErrZoneTooSmall, z.Name, z.size(), len(z.Boards)*z.ChannelsPerBoard)
		}
		m.byName[z.Name] = i
	}

	// Overlap check on ranges sorted by first locker.
	sorted := make([]Zone, len(m.zones))
	copy(sorted, m.zones)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FirstLocker < sorted[j].FirstLocker })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].FirstLocker <= sorted[i-1].LastLocker {
			return nil, fmt.Errorf("%w: %q and %q", ErrZoneOverlap, sorted[i-1].Name, sorted[i].Name)
		}
	}

	return m, nil
}

// Resolve translates a logical locker number to its physical address.
//
// Parameters:
//   - lockerID: Logical locker number
//   - zone: Optional zone name; when non-empty, the locker must fall
//     inside that zone's range
//
// Returns:
//   - Address: Board and coil serving the locker
//   - error: ErrUnknownZone or ErrUnmappedLocker
func (m *Mapping) Resolve(lockerID int, zone string) (Address, error) {
	if zone != "" {
		idx, ok := m.byName[zone]
		if !ok {
			return Address{}, fmt.Errorf("%w: %q", ErrUnknownZone, zone)
		}
		return m.resolveIn(m.zones[idx], lockerID)
	}

	for _, z := range m.zones {
		if lockerID >= z.FirstLocker && lockerID <= z.LastLocker {
			return m.resolveIn(z, lockerID)
		}
	}
	return Address{}, fmt.Errorf("%w: locker %d", ErrUnmappedLocker, lockerID)
}

// resolveIn computes the address of lockerID within zone z.
func (m *Mapping) resolveIn(z Zone, lockerID int) (Address, error) {
	if lockerID < z.FirstLocker || lockerID > z.LastLocker {
		return Address{}, fmt.Errorf("%w: locker %d not in zone %q (%d-%d)",
			ErrUnmappedLocker, lockerID, z.Name, z.FirstLocker, z.LastLocker)
	}

	offset := lockerID - z.FirstLocker
	return Address{
		Board:   z.Boards[offset/z.ChannelsPerBoard],
		Channel: uint16(offset % z.ChannelsPerBoard), //nolint:gosec // bounded by ChannelsPerBoard
	}, nil
}

// LockerRange returns the inclusive locker number range of a zone.
//
// Used by the state manager to scope oldest-free queries to a zone.
func (m *Mapping) LockerRange(zone string) (first, last int, err error) {
	idx, ok := m.byName[zone]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}
	z := m.zones[idx]
	return z.FirstLocker, z.LastLocker, nil
}

// Lockers returns every mapped locker number across all zones, ascending.
// Used at startup to provision one store row per physical channel.
func (m *Mapping) Lockers() []int {
	var ids []int
	for _, z := range m.zones {
		for id := z.FirstLocker; id <= z.LastLocker; id++ {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Boards returns the distinct board addresses across all zones, ascending.
// Used by health probes.
func (m *Mapping) Boards() []byte {
	seen := make(map[byte]bool)
	var boards []byte
	for _, z := range m.zones {
		for _, b := range z.Boards {
			if !seen[b] {
				seen[b] = true
				boards = append(boards, b)
			}
		}
	}
	sort.Slice(boards, func(i, j int) bool { return boards[i] < boards[j] })
	return boards
}

// Holder publishes the current Mapping and allows atomic replacement.
//
// Reconfiguration swaps in a complete new Mapping; commands already holding
// the old snapshot finish against it. Nothing is mutated in place.
type Holder struct {
	current atomic.Pointer[Mapping]
}

// NewHolder creates a Holder seeded with the given mapping.
func NewHolder(m *Mapping) *Holder {
	h := &Holder{}
	h.current.Store(m)
	return h
}

// Load returns the current mapping snapshot.
func (h *Holder) Load() *Mapping {
	return h.current.Load()
}

// Swap atomically replaces the mapping.
func (h *Holder) Swap(m *Mapping) {
	h.current.Store(m)
}

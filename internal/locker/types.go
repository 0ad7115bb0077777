package locker

import "time"

// Status is the locker lifecycle state.
type Status string

// Locker statuses.
const (
	// StatusFree means the locker has no owner and can be assigned.
	StatusFree Status = "free"

	// StatusReserved means an identity holds the locker pending the
	// hardware pulse that completes the assignment. Reservations expire
	// after a TTL if never confirmed.
	StatusReserved Status = "reserved"

	// StatusOwned means the assignment is confirmed and the identity
	// holds the locker until an explicit release.
	StatusOwned Status = "owned"

	// StatusOpening is the transient state wrapping a hardware pulse.
	// A recovery pass resolves lockers stranded here by a crash.
	StatusOpening Status = "opening"

	// StatusBlocked means staff removed the locker from service.
	StatusBlocked Status = "blocked"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusFree, StatusReserved, StatusOwned, StatusOpening, StatusBlocked:
		return true
	}
	return false
}

// OwnerType classifies the identity holding a locker.
type OwnerType string

// Owner types.
const (
	// OwnerCard is a member card scanned at the kiosk.
	OwnerCard OwnerType = "card"

	// OwnerDevice is a registered mobile device token.
	OwnerDevice OwnerType = "device"

	// OwnerVIP is a long-term contract holder; only VIP identities may
	// take VIP-reserved lockers.
	OwnerVIP OwnerType = "vip"
)

// Valid reports whether o is a known owner type.
func (o OwnerType) Valid() bool {
	switch o {
	case OwnerCard, OwnerDevice, OwnerVIP:
		return true
	}
	return false
}

// Locker is one physical compartment's authoritative ownership record.
//
// Rows are created at provisioning time, one per mapped relay channel,
// and never deleted, only transitioned. Version increments on every
// successful write; writers supply the version they read and fail on
// mismatch (optimistic concurrency across processes sharing the store).
type Locker struct {
	KioskID string `json:"kiosk_id"`
	ID      int    `json:"id"`
	Status  Status `json:"status"`

	// OwnerType and OwnerKey identify the holder. Set exactly when the
	// locker is Reserved, Owned, or Opening; empty when Free.
	OwnerType OwnerType `json:"owner_type,omitempty"`
	OwnerKey  string    `json:"owner_key,omitempty"`

	// ReservedAt is set while Reserved; reservations older than the
	// configured TTL are expired back to Free.
	ReservedAt *time.Time `json:"reserved_at,omitempty"`

	// OwnedAt is set when ownership is confirmed.
	OwnedAt *time.Time `json:"owned_at,omitempty"`

	// IsVIP marks lockers set aside for VIP contracts.
	IsVIP bool `json:"is_vip"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Owned reports whether the locker currently has a holder.
func (l *Locker) Owned() bool {
	switch l.Status {
	case StatusReserved, StatusOwned, StatusOpening:
		return true
	}
	return false
}

// clearOwner wipes the ownership fields on a transition back to Free.
func (l *Locker) clearOwner() {
	l.OwnerType = ""
	l.OwnerKey = ""
	l.ReservedAt = nil
	l.OwnedAt = nil
}

// Event types appended to the locker_events audit trail.
const (
	EventReserved           = "reserved"
	EventReservationExpired = "reservation_expired"
	EventOwnershipConfirmed = "ownership_confirmed"
	EventReleased           = "released"
	EventBlocked            = "blocked"
	EventUnblocked          = "unblocked"
	EventOpeningStarted     = "opening_started"
	EventOpeningFinished    = "opening_finished"
	EventOpeningRecovered   = "opening_recovered"
)

// Event is one immutable entry in the locker event log. The log serves
// audit queries and crash recovery for lockers stranded in Opening.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	KioskID   string         `json:"kiosk_id"`
	LockerID  int            `json:"locker_id"`
	OwnerKey  string         `json:"owner_key,omitempty"`
	StaffUser string         `json:"staff_user,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

package locker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// defaultReservationTTL is how long a reservation may sit unconfirmed
// before the expiry pass returns the locker to Free. Assignments confirm
// within seconds; 90s absorbs slow hardware retries.
const defaultReservationTTL = 90 * time.Second

// conflictRetries bounds the re-read-and-retry loop on version
// conflicts. Each retry re-evaluates preconditions against fresh state.
const conflictRetries = 3

// EventSink receives committed transition events for live consumers
// (web sockets, MQTT). Implementations must not block.
type EventSink interface {
	Publish(evt Event)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Manager enforces the ownership state machine on top of the store.
//
// Every transition runs as read, precondition check, conditional write.
// A version conflict re-reads and retries the whole sequence so
// preconditions are always judged against current state. The event log
// append and sink publish happen after the write commits, except for
// opening_started which is written first so crash recovery can always
// find the pre-transition state.
type Manager struct {
	repo   Repository
	events EventRepository
	sink   EventSink
	logger Logger

	reservationTTL time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEventSink attaches a sink receiving committed transition events.
func WithEventSink(sink EventSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithLogger attaches a logger.
func WithLogger(logger Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithReservationTTL overrides the reservation expiry window.
func WithReservationTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.reservationTTL = ttl
		}
	}
}

// NewManager creates a state manager over the given store and event log.
func NewManager(repo Repository, events EventRepository, opts ...ManagerOption) *Manager {
	m := &Manager{
		repo:           repo,
		events:         events,
		reservationTTL: defaultReservationTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns one locker.
func (m *Manager) Get(ctx context.Context, kioskID string, id int) (*Locker, error) {
	return m.repo.Get(ctx, kioskID, id)
}

// List returns all lockers at a site.
func (m *Manager) List(ctx context.Context, kioskID string) ([]Locker, error) {
	return m.repo.List(ctx, kioskID)
}

// ListFree returns the assignable lockers at a site, for manual selection.
func (m *Manager) ListFree(ctx context.Context, kioskID string, first, last int) ([]Locker, error) {
	return m.repo.ListFree(ctx, kioskID, first, last)
}

// OwnerActive returns the locker currently held by an owner key, or
// ErrNotFound.
func (m *Manager) OwnerActive(ctx context.Context, kioskID, ownerKey string) (*Locker, error) {
	return m.repo.OwnerActive(ctx, kioskID, ownerKey)
}

// Events exposes the event log for audit queries.
func (m *Manager) Events(ctx context.Context, kioskID string, filter EventFilter) (*EventListResult, error) {
	return m.events.List(ctx, kioskID, filter)
}

// Reserve transitions Free → Reserved for the given identity.
//
// A reservation that outlived the TTL counts as Free: Reserve expires it
// in the same conditional write, so a stale holder cannot starve the
// locker between sweep runs.
//
// Preconditions, re-checked on every conflict retry:
//   - the locker is Free (ErrNotFree / ErrBlocked otherwise)
//   - VIP-reserved lockers only accept VIP identities (ErrVIPOnly)
//   - the identity holds no other locker at this site
//     (ErrAlreadyOwnedElsewhere)
func (m *Manager) Reserve(ctx context.Context, kioskID string, id int, ownerType OwnerType, ownerKey string) (*Locker, error) {
	if !ownerType.Valid() {
		return nil, fmt.Errorf("locker: invalid owner type %q", ownerType)
	}
	if ownerKey == "" {
		return nil, fmt.Errorf("locker: owner key is required")
	}

	var expiredOwner string
	l, err := m.transition(ctx, kioskID, id, func(l *Locker) error {
		if l.Status == StatusBlocked {
			return ErrBlocked
		}
		expiredOwner = ""
		if m.reservationExpired(l) {
			expiredOwner = l.OwnerKey
			l.Status = StatusFree
			l.clearOwner()
		}
		if l.Status != StatusFree {
			return ErrNotFree
		}
		if l.IsVIP && ownerType != OwnerVIP {
			return ErrVIPOnly
		}

		existing, err := m.repo.OwnerActive(ctx, kioskID, ownerKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		// existing.ID == id is this locker's own expired reservation,
		// about to be replaced in the same write.
		if existing != nil && existing.ID != id {
			return fmt.Errorf("%w: locker %d", ErrAlreadyOwnedElsewhere, existing.ID)
		}

		now := time.Now().UTC()
		l.Status = StatusReserved
		l.OwnerType = ownerType
		l.OwnerKey = ownerKey
		l.ReservedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if expiredOwner != "" {
		m.record(ctx, &Event{Type: EventReservationExpired, KioskID: kioskID, LockerID: id, OwnerKey: expiredOwner})
	}
	m.record(ctx, &Event{Type: EventReserved, KioskID: kioskID, LockerID: id, OwnerKey: ownerKey,
		Details: map[string]any{"owner_type": string(ownerType)}})
	return l, nil
}

// ConfirmOwnership transitions Reserved/Opening → Owned after a
// successful hardware pulse.
func (m *Manager) ConfirmOwnership(ctx context.Context, kioskID string, id int) (*Locker, error) {
	l, err := m.transition(ctx, kioskID, id, func(l *Locker) error {
		if l.Status != StatusReserved && l.Status != StatusOpening {
			return fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, l.Status)
		}
		now := time.Now().UTC()
		l.Status = StatusOwned
		l.OwnedAt = &now
		l.ReservedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.record(ctx, &Event{Type: EventOwnershipConfirmed, KioskID: kioskID, LockerID: id, OwnerKey: l.OwnerKey})
	return l, nil
}

// Release transitions a held locker back to Free, clearing the owner.
//
// When ownerKey is non-empty it must match the current owner; staff
// callers pass an empty key to force-release.
func (m *Manager) Release(ctx context.Context, kioskID string, id int, ownerKey string) (*Locker, error) {
	var released string
	l, err := m.transition(ctx, kioskID, id, func(l *Locker) error {
		if !l.Owned() {
			return fmt.Errorf("%w: release from %s", ErrInvalidTransition, l.Status)
		}
		if ownerKey != "" && l.OwnerKey != ownerKey {
			return ErrNotOwner
		}
		released = l.OwnerKey
		l.Status = StatusFree
		l.clearOwner()
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.record(ctx, &Event{Type: EventReleased, KioskID: kioskID, LockerID: id, OwnerKey: released})
	return l, nil
}

// Block forces a locker out of service. The owner fields are kept so
// staff can see who held it; unblock clears them.
func (m *Manager) Block(ctx context.Context, kioskID string, id int, staffUser string) (*Locker, error) {
	l, err := m.transition(ctx, kioskID, id, func(l *Locker) error {
		if l.Status == StatusBlocked {
			return nil // idempotent
		}
		l.Status = StatusBlocked
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.record(ctx, &Event{Type: EventBlocked, KioskID: kioskID, LockerID: id, OwnerKey: l.OwnerKey, StaffUser: staffUser})
	return l, nil
}

// Unblock returns a blocked locker to service as Free.
func (m *Manager) Unblock(ctx context.Context, kioskID string, id int, staffUser string) (*Locker, error) {
	l, err := m.transition(ctx, kioskID, id, func(l *Locker) error {
		if l.Status != StatusBlocked {
			return fmt.Errorf("%w: unblock from %s", ErrInvalidTransition, l.Status)
		}
		l.Status = StatusFree
		l.clearOwner()
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.record(ctx, &Event{Type: EventUnblocked, KioskID: kioskID, LockerID: id, StaffUser: staffUser})
	return l, nil
}

// BeginOpening transitions Reserved/Owned → Opening around a hardware
// pulse. The opening_started event is appended before the transition
// commits so a crash mid-pulse always leaves the pre-transition state on
// record for recovery.
func (m *Manager) BeginOpening(ctx context.Context, kioskID string, id int) (*Locker, error) {
	current, err := m.repo.Get(ctx, kioskID, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusReserved && current.Status != StatusOwned {
		return nil, fmt.Errorf("%w: open from %s", ErrInvalidTransition, current.Status)
	}

	evt := &Event{
		Type:     EventOpeningStarted,
		KioskID:  kioskID,
		LockerID: id,
		OwnerKey: current.OwnerKey,
		Details: map[string]any{
			"prior_status": string(current.Status),
			"owner_type":   string(current.OwnerType),
		},
	}
	if err := m.events.Append(ctx, evt); err != nil {
		return nil, fmt.Errorf("recording opening start: %w", err)
	}

	l, err := m.transition(ctx, kioskID, id, func(l *Locker) error {
		if l.Status != StatusReserved && l.Status != StatusOwned {
			return fmt.Errorf("%w: open from %s", ErrInvalidTransition, l.Status)
		}
		l.Status = StatusOpening
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(*evt)
	return l, nil
}

// CompleteOpening transitions Opening → Owned after a successful pulse.
func (m *Manager) CompleteOpening(ctx context.Context, kioskID string, id int) (*Locker, error) {
	l, err := m.transition(ctx, kioskID, id, func(l *Locker) error {
		if l.Status != StatusOpening {
			return fmt.Errorf("%w: complete opening from %s", ErrInvalidTransition, l.Status)
		}
		now := time.Now().UTC()
		l.Status = StatusOwned
		if l.OwnedAt == nil {
			l.OwnedAt = &now
		}
		l.ReservedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.record(ctx, &Event{Type: EventOpeningFinished, KioskID: kioskID, LockerID: id, OwnerKey: l.OwnerKey,
		Details: map[string]any{"result": "owned"}})
	return l, nil
}

// AbortOpening reverts Opening to the pre-transition state recorded by
// the matching opening_started event (Reserved or Owned). Used when the
// pulse failed; the caller decides whether to release afterwards.
func (m *Manager) AbortOpening(ctx context.Context, kioskID string, id int) (*Locker, error) {
	var prior Status
	l, err := m.transition(ctx, kioskID, id, func(l *Locker) error {
		if l.Status != StatusOpening {
			return fmt.Errorf("%w: abort opening from %s", ErrInvalidTransition, l.Status)
		}
		prior = m.priorStatus(ctx, kioskID, id, l.OwnerKey)
		l.Status = prior
		if prior == StatusFree {
			l.clearOwner()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.record(ctx, &Event{Type: EventOpeningFinished, KioskID: kioskID, LockerID: id, OwnerKey: l.OwnerKey,
		Details: map[string]any{"result": "aborted", "reverted_to": string(prior)}})
	return l, nil
}

// RecoverOpening resolves lockers stranded in Opening by a crash,
// reverting each to the pre-transition state from its opening_started
// event. The pulse is self-terminating hardware-side, so no coil read is
// needed. Returns the number of lockers recovered.
func (m *Manager) RecoverOpening(ctx context.Context, kioskID string) (int, error) {
	stranded, err := m.repo.ListByStatus(ctx, kioskID, StatusOpening)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range stranded {
		l := &stranded[i]
		prior := m.priorStatus(ctx, kioskID, l.ID, l.OwnerKey)

		l.Status = prior
		if prior == StatusFree {
			l.clearOwner()
		}
		if err := m.repo.Update(ctx, l); err != nil {
			m.logWarn("opening recovery skipped locker", "kiosk_id", kioskID, "locker_id", l.ID, "error", err.Error())
			continue
		}
		recovered++

		m.record(ctx, &Event{Type: EventOpeningRecovered, KioskID: kioskID, LockerID: l.ID, OwnerKey: l.OwnerKey,
			Details: map[string]any{"reverted_to": string(prior)}})
	}

	if recovered > 0 {
		m.logInfo("recovered lockers stranded opening", "kiosk_id", kioskID, "count", recovered)
	}
	return recovered, nil
}

// priorStatus reads the pre-transition state from the last
// opening_started event. When the log is missing or unreadable the row
// itself decides: an owner on record means Owned, never silently Free -
// freeing a locker that still holds someone's belongings hands them to
// the next assignment. Only an ownerless row falls back to Free.
func (m *Manager) priorStatus(ctx context.Context, kioskID string, id int, ownerKey string) Status {
	evt, err := m.events.LastByType(ctx, kioskID, id, EventOpeningStarted)
	if err == nil {
		if s, ok := evt.Details["prior_status"].(string); ok {
			prior := Status(s)
			if prior == StatusReserved || prior == StatusOwned {
				return prior
			}
		}
	} else {
		m.logWarn("no opening_started event for stranded locker", "kiosk_id", kioskID, "locker_id", id)
	}
	if ownerKey != "" {
		return StatusOwned
	}
	return StatusFree
}

// AssignOldestFree reserves the least-recently-touched Free locker,
// optionally restricted to an id range. Retries when a concurrent
// assignment takes the candidate first.
func (m *Manager) AssignOldestFree(ctx context.Context, kioskID string, first, last int, ownerType OwnerType, ownerKey string) (*Locker, error) {
	if existing, err := m.repo.OwnerActive(ctx, kioskID, ownerKey); err == nil {
		return nil, fmt.Errorf("%w: locker %d", ErrAlreadyOwnedElsewhere, existing.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		candidate, err := m.repo.OldestFree(ctx, kioskID, first, last)
		if err != nil {
			return nil, err
		}

		l, err := m.Reserve(ctx, kioskID, candidate.ID, ownerType, ownerKey)
		if err == nil {
			return l, nil
		}
		// Another process took this candidate; pick the next oldest.
		if errors.Is(err, ErrNotFree) || errors.Is(err, ErrVersionConflict) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// reservationExpired reports whether a Reserved locker's hold has
// outlived the TTL. Reservations without a timestamp never expire; the
// sweep would otherwise free a locker it cannot age.
func (m *Manager) reservationExpired(l *Locker) bool {
	return l.Status == StatusReserved && l.ReservedAt != nil &&
		l.ReservedAt.Before(time.Now().UTC().Add(-m.reservationTTL))
}

// ExpireReservations returns lockers whose reservation outlived the TTL
// to Free. Runs as the periodic sweep behind the lazy check in Reserve;
// a conflict on one locker just means someone confirmed or released it
// first.
func (m *Manager) ExpireReservations(ctx context.Context, kioskID string) (int, error) {
	reserved, err := m.repo.ListByStatus(ctx, kioskID, StatusReserved)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range reserved {
		l := &reserved[i]
		if !m.reservationExpired(l) {
			continue
		}

		ownerKey := l.OwnerKey
		l.Status = StatusFree
		l.clearOwner()
		if err := m.repo.Update(ctx, l); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return expired, err
		}
		expired++

		m.record(ctx, &Event{Type: EventReservationExpired, KioskID: kioskID, LockerID: l.ID, OwnerKey: ownerKey})
	}
	return expired, nil
}

// transition runs the read / check / conditional-write loop for one
// locker, retrying on version conflicts with fresh state each time.
func (m *Manager) transition(ctx context.Context, kioskID string, id int, apply func(*Locker) error) (*Locker, error) {
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		l, err := m.repo.Get(ctx, kioskID, id)
		if err != nil {
			return nil, err
		}

		if err := apply(l); err != nil {
			return nil, err
		}

		err = m.repo.Update(ctx, l)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// record appends an event to the log and publishes it to the sink. Audit
// failures are logged, never propagated: the transition has already
// committed.
func (m *Manager) record(ctx context.Context, evt *Event) {
	if err := m.events.Append(ctx, evt); err != nil {
		m.logError("appending locker event", "type", evt.Type, "locker_id", evt.LockerID, "error", err.Error())
	}
	m.publish(*evt)
}

// publish forwards a committed event to the sink, if any.
func (m *Manager) publish(evt Event) {
	if m.sink != nil {
		m.sink.Publish(evt)
	}
}

func (m *Manager) logInfo(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Info(msg, keysAndValues...)
	}
}

func (m *Manager) logWarn(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, keysAndValues...)
	}
}

func (m *Manager) logError(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Error(msg, keysAndValues...)
	}
}

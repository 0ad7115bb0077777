package locker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventFilter controls which locker events to return.
type EventFilter struct {
	Type     string // optional: filter by event type
	LockerID int    // optional: filter by locker number (0 = all)
	Limit    int    // default 50, max 200
	Offset   int    // pagination offset
}

// EventListResult contains the paginated event log results.
type EventListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// EventRepository defines the interface for the append-only event log.
type EventRepository interface {
	// Append inserts one event. The ID and CreatedAt are generated if empty.
	Append(ctx context.Context, evt *Event) error

	// List returns events at a site matching the filter, most recent first.
	List(ctx context.Context, kioskID string, filter EventFilter) (*EventListResult, error)

	// LastByType returns the most recent event of a given type for one
	// locker, or ErrNotFound. Crash recovery uses it to find the
	// pre-transition state recorded by the last opening_started event.
	LastByType(ctx context.Context, kioskID string, lockerID int, eventType string) (*Event, error)
}

// SQLiteEventRepository stores locker events in SQLite.
type SQLiteEventRepository struct {
	db *sql.DB
}

// NewSQLiteEventRepository creates a new event log repository.
func NewSQLiteEventRepository(db *sql.DB) *SQLiteEventRepository {
	return &SQLiteEventRepository{db: db}
}

// Append inserts one event.
func (r *SQLiteEventRepository) Append(ctx context.Context, evt *Event) error {
	if evt.ID == "" {
		evt.ID = "evt-" + uuid.NewString()[:8]
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	var detailsJSON *string
	if evt.Details != nil {
		b, err := json.Marshal(evt.Details)
		if err != nil {
			return fmt.Errorf("marshalling event details: %w", err)
		}
		s := string(b)
		detailsJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO locker_events (id, type, kiosk_id, locker_id, owner_key, staff_user, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.Type, evt.KioskID, evt.LockerID,
		nullableString(evt.OwnerKey), nullableString(evt.StaffUser),
		detailsJSON,
		evt.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting locker event: %w", err)
	}
	return nil
}

// List returns events at a site matching the filter, most recent first.
func (r *SQLiteEventRepository) List(ctx context.Context, kioskID string, filter EventFilter) (*EventListResult, error) {
	// Clamp limit.
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for event log queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	where := "WHERE kiosk_id = ?"
	args := []any{kioskID}
	if filter.Type != "" {
		where += " AND type = ?"
		args = append(args, filter.Type)
	}
	if filter.LockerID > 0 {
		where += " AND locker_id = ?"
		args = append(args, filter.LockerID)
	}

	// WHERE clause is assembled from parameterised conditions (? placeholders) — no user input in SQL string.
	countQuery := "SELECT COUNT(*) FROM locker_events " + where
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting locker events: %w", err)
	}

	query := `SELECT id, type, kiosk_id, locker_id, owner_key, staff_user, details, created_at
		FROM locker_events ` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying locker events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating locker events: %w", err)
	}

	if events == nil {
		events = []Event{}
	}
	return &EventListResult{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// LastByType returns the most recent event of a given type for one locker.
func (r *SQLiteEventRepository) LastByType(ctx context.Context, kioskID string, lockerID int, eventType string) (*Event, error) {
	query := `SELECT id, type, kiosk_id, locker_id, owner_key, staff_user, details, created_at
		FROM locker_events
		WHERE kiosk_id = ? AND locker_id = ? AND type = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	rows, err := r.db.QueryContext(ctx, query, kioskID, lockerID, eventType)
	if err != nil {
		return nil, fmt.Errorf("querying last event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating last event: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanEvent(rows)
}

// scanEvent scans a rows result into an Event.
func scanEvent(rows *sql.Rows) (*Event, error) {
	var evt Event
	var ownerKey, staffUser, detailsJSON sql.NullString
	var createdAt string

	if err := rows.Scan(&evt.ID, &evt.Type, &evt.KioskID, &evt.LockerID,
		&ownerKey, &staffUser, &detailsJSON, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning locker event: %w", err)
	}

	if ownerKey.Valid {
		evt.OwnerKey = ownerKey.String
	}
	if staffUser.Valid {
		evt.StaffUser = staffUser.String
	}
	if detailsJSON.Valid && detailsJSON.String != "" {
		var details map[string]any
		if json.Unmarshal([]byte(detailsJSON.String), &details) == nil {
			evt.Details = details
		}
	}

	t, err := parseEventTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing event timestamp %q: %w", createdAt, err)
	}
	evt.CreatedAt = t

	return &evt, nil
}

// parseEventTime accepts both nanosecond and second precision RFC3339.
func parseEventTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	t, err2 := time.Parse(time.RFC3339, s)
	if err2 == nil {
		return t, nil
	}
	return time.Time{}, errors.Join(err, err2)
}

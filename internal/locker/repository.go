package locker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for locker persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Get retrieves one locker by site and number.
	// Returns ErrNotFound if the locker does not exist.
	Get(ctx context.Context, kioskID string, id int) (*Locker, error)

	// List retrieves all lockers at a site, ordered by number.
	List(ctx context.Context, kioskID string) ([]Locker, error)

	// ListByStatus retrieves all lockers at a site in a given status.
	ListByStatus(ctx context.Context, kioskID string, status Status) ([]Locker, error)

	// ListFree retrieves the Free, non-VIP lockers at a site, optionally
	// restricted to an inclusive id range (first=0, last=0 means
	// unrestricted). Ordered by number for manual-selection lists.
	ListFree(ctx context.Context, kioskID string, first, last int) ([]Locker, error)

	// OldestFree returns the Free, non-VIP locker whose last activity
	// (updated_at, falling back to created_at) is oldest, ties broken by
	// lowest number. Returns ErrNoFreeLockers when there is no candidate.
	OldestFree(ctx context.Context, kioskID string, first, last int) (*Locker, error)

	// OwnerActive returns the locker currently held (Reserved, Owned or
	// Opening) by the given owner key at a site, or ErrNotFound.
	OwnerActive(ctx context.Context, kioskID, ownerKey string) (*Locker, error)

	// Provision inserts Free rows for the given locker numbers, skipping
	// numbers that already exist. vipIDs marks which of them are
	// VIP-reserved. Returns the count of newly created rows.
	Provision(ctx context.Context, kioskID string, ids []int, vipIDs map[int]bool) (int, error)

	// Update applies a transition as a conditional write keyed on the
	// version the caller read. On success the locker's Version and
	// UpdatedAt are advanced in place. Returns ErrVersionConflict when a
	// concurrent writer got there first, ErrNotFound when the row is gone.
	Update(ctx context.Context, l *Locker) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const lockerColumns = `kiosk_id, id, status, owner_type, owner_key,
	reserved_at, owned_at, is_vip, version, created_at, updated_at`

// Get retrieves one locker by site and number.
func (r *SQLiteRepository) Get(ctx context.Context, kioskID string, id int) (*Locker, error) {
	query := `SELECT ` + lockerColumns + ` FROM lockers WHERE kiosk_id = ? AND id = ?`

	l, err := scanLocker(r.db.QueryRowContext(ctx, query, kioskID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying locker: %w", err)
	}
	return l, nil
}

// List retrieves all lockers at a site.
func (r *SQLiteRepository) List(ctx context.Context, kioskID string) ([]Locker, error) {
	query := `SELECT ` + lockerColumns + ` FROM lockers WHERE kiosk_id = ? ORDER BY id`
	return r.queryLockers(ctx, query, kioskID)
}

// ListByStatus retrieves all lockers at a site in a given status.
func (r *SQLiteRepository) ListByStatus(ctx context.Context, kioskID string, status Status) ([]Locker, error) {
	query := `SELECT ` + lockerColumns + ` FROM lockers WHERE kiosk_id = ? AND status = ? ORDER BY id`
	return r.queryLockers(ctx, query, kioskID, string(status))
}

// ListFree retrieves the Free, non-VIP lockers at a site.
func (r *SQLiteRepository) ListFree(ctx context.Context, kioskID string, first, last int) ([]Locker, error) {
	query := `SELECT ` + lockerColumns + `
		FROM lockers
		WHERE kiosk_id = ? AND status = ? AND is_vip = 0`
	args := []any{kioskID, string(StatusFree)}

	if first > 0 || last > 0 {
		query += " AND id BETWEEN ? AND ?"
		args = append(args, first, last)
	}
	query += " ORDER BY id"

	return r.queryLockers(ctx, query, args...)
}

// OldestFree returns the least-recently-touched Free, non-VIP locker.
// The ordering spreads wear across compartments instead of hammering the
// lowest-numbered one.
func (r *SQLiteRepository) OldestFree(ctx context.Context, kioskID string, first, last int) (*Locker, error) {
	query := `SELECT ` + lockerColumns + `
		FROM lockers
		WHERE kiosk_id = ? AND status = ? AND is_vip = 0`
	args := []any{kioskID, string(StatusFree)}

	if first > 0 || last > 0 {
		query += " AND id BETWEEN ? AND ?"
		args = append(args, first, last)
	}
	query += ` ORDER BY COALESCE(updated_at, created_at), id LIMIT 1`

	l, err := scanLocker(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoFreeLockers
		}
		return nil, fmt.Errorf("querying oldest free locker: %w", err)
	}
	return l, nil
}

// OwnerActive returns the locker currently held by an owner key.
func (r *SQLiteRepository) OwnerActive(ctx context.Context, kioskID, ownerKey string) (*Locker, error) {
	query := `SELECT ` + lockerColumns + `
		FROM lockers
		WHERE kiosk_id = ? AND owner_key = ? AND status IN (?, ?, ?)
		LIMIT 1`

	l, err := scanLocker(r.db.QueryRowContext(ctx, query,
		kioskID, ownerKey,
		string(StatusReserved), string(StatusOwned), string(StatusOpening),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying active owner: %w", err)
	}
	return l, nil
}

// Provision inserts Free rows for newly mapped locker numbers.
func (r *SQLiteRepository) Provision(ctx context.Context, kioskID string, ids []int, vipIDs map[int]bool) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT INTO lockers (kiosk_id, id, status, is_vip, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (kiosk_id, id) DO NOTHING`

	created := 0
	for _, id := range ids {
		result, err := r.db.ExecContext(ctx, query,
			kioskID, id, string(StatusFree), boolToInt(vipIDs[id]), now, now,
		)
		if err != nil {
			return created, fmt.Errorf("provisioning locker %d: %w", id, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return created, fmt.Errorf("checking rows affected: %w", err)
		}
		created += int(rows)
	}
	return created, nil
}

// Update applies a transition as a conditional write keyed on the
// version the caller read. Zero rows affected means a concurrent writer
// won; the caller must re-read and retry, never overwrite.
//
// A write that would give an identity a second held locker at the site
// trips the idx_lockers_owner_active unique index and returns
// ErrAlreadyOwnedElsewhere. The manager checks OwnerActive first, but
// only the index holds under concurrent reserves.
func (r *SQLiteRepository) Update(ctx context.Context, l *Locker) error {
	now := time.Now().UTC()
	query := `
		UPDATE lockers SET
			status = ?, owner_type = ?, owner_key = ?,
			reserved_at = ?, owned_at = ?, is_vip = ?,
			version = version + 1, updated_at = ?
		WHERE kiosk_id = ? AND id = ? AND version = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(l.Status),
		nullableString(string(l.OwnerType)),
		nullableString(l.OwnerKey),
		nullableTime(l.ReservedAt),
		nullableTime(l.OwnedAt),
		boolToInt(l.IsVIP),
		now.Format(time.RFC3339),
		l.KioskID, l.ID, l.Version,
	)
	if err != nil {
		// The PK never changes on UPDATE, so a unique violation can
		// only be the one-active-locker-per-owner index.
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: locker %d update", ErrAlreadyOwnedElsewhere, l.ID)
		}
		return fmt.Errorf("updating locker: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish a lost race from a missing row.
		exists, err := r.exists(ctx, l.KioskID, l.ID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	l.Version++
	l.UpdatedAt = now
	return nil
}

// queryLockers executes a query and returns a slice of lockers.
func (r *SQLiteRepository) queryLockers(ctx context.Context, query string, args ...any) ([]Locker, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying lockers: %w", err)
	}
	defer rows.Close()

	var lockers []Locker
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning locker: %w", err)
		}
		lockers = append(lockers, *l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lockers: %w", err)
	}
	return lockers, nil
}

// exists checks if a locker row exists.
func (r *SQLiteRepository) exists(ctx context.Context, kioskID string, id int) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM lockers WHERE kiosk_id = ? AND id = ?", kioskID, id,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking locker exists: %w", err)
	}
	return count > 0, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanLocker scans a row or rows result into a Locker.
func scanLocker(scanner rowScanner) (*Locker, error) {
	var l Locker
	var status string
	var ownerType, ownerKey sql.NullString
	var reservedAt, ownedAt sql.NullString
	var isVIP int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&l.KioskID,
		&l.ID,
		&status,
		&ownerType,
		&ownerKey,
		&reservedAt,
		&ownedAt,
		&isVIP,
		&l.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.Status = Status(status)
	l.IsVIP = isVIP != 0
	if ownerType.Valid {
		l.OwnerType = OwnerType(ownerType.String)
	}
	if ownerKey.Valid {
		l.OwnerKey = ownerKey.String
	}

	if reservedAt.Valid {
		t, err := time.Parse(time.RFC3339, reservedAt.String)
		if err == nil {
			l.ReservedAt = &t
		}
	}
	if ownedAt.Valid {
		t, err := time.Parse(time.RFC3339, ownedAt.String)
		if err == nil {
			l.OwnedAt = &t
		}
	}

	var parseErr error
	l.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	l.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &l, nil
}

// nullableString returns nil for empty strings, or the value otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}

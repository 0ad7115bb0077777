package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// defaultMaxRetries bounds automatic re-attempts when the caller does
// not specify a cap.
const defaultMaxRetries = 3

// Repository defines the interface for command queue persistence.
type Repository interface {
	// Enqueue inserts a command as pending, due immediately. If a
	// command with the same id already exists the call is a no-op
	// (idempotency), reported via the created return.
	Enqueue(ctx context.Context, cmd *Command) (created bool, err error)

	// Get retrieves a command by id. Returns ErrNotFound if missing.
	Get(ctx context.Context, commandID string) (*Command, error)

	// NextEligible returns the earliest due pending command for a site
	// (next_attempt_at <= now, ordered by next_attempt_at then
	// created_at), or ErrNoneEligible.
	NextEligible(ctx context.Context, kioskID string) (*Command, error)

	// MarkExecuting claims a pending command via a conditional update on
	// (command_id, version, status=pending). Returns ErrClaimConflict
	// when another worker won the claim.
	MarkExecuting(ctx context.Context, cmd *Command) error

	// MarkCompleted resolves an executing command as succeeded.
	MarkCompleted(ctx context.Context, cmd *Command) error

	// MarkFailed records a failed attempt: increments retry_count and
	// either reschedules (retry_count was under max_retries) or marks the
	// command terminally failed.
	MarkFailed(ctx context.Context, cmd *Command, execErr error, backoff time.Duration) error

	// Cancel withdraws a pending command. Returns ErrNotCancellable when
	// the command already left pending, ErrNotFound when missing.
	Cancel(ctx context.Context, commandID string) error

	// ClearPending cancels every pending command at a site. Used before
	// maintenance. Returns the number of commands cancelled.
	ClearPending(ctx context.Context, kioskID string) (int, error)

	// PurgeOlderThan deletes resolved commands (completed, failed,
	// cancelled) created before the cutoff. Returns the rows removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed command repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const commandColumns = `command_id, kiosk_id, type, payload, status,
	retry_count, max_retries, next_attempt_at, last_error,
	created_at, executed_at, completed_at, version`

// Enqueue inserts a command as pending.
func (r *SQLiteRepository) Enqueue(ctx context.Context, cmd *Command) (bool, error) {
	if cmd.CommandID == "" {
		return false, fmt.Errorf("command: command id is required")
	}
	if cmd.MaxRetries <= 0 {
		cmd.MaxRetries = defaultMaxRetries
	}

	now := time.Now().UTC()
	cmd.Status = StatusPending
	cmd.RetryCount = 0
	cmd.CreatedAt = now
	if cmd.NextAttemptAt.IsZero() {
		cmd.NextAttemptAt = now
	}
	cmd.Version = 1

	var payloadJSON *string
	if cmd.Payload != nil {
		b, err := json.Marshal(cmd.Payload)
		if err != nil {
			return false, fmt.Errorf("marshalling command payload: %w", err)
		}
		s := string(b)
		payloadJSON = &s
	}

	query := `
		INSERT INTO commands (command_id, kiosk_id, type, payload, status,
			retry_count, max_retries, next_attempt_at, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (command_id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query,
		cmd.CommandID, cmd.KioskID, cmd.Type, payloadJSON, string(cmd.Status),
		cmd.RetryCount, cmd.MaxRetries,
		cmd.NextAttemptAt.Format(time.RFC3339),
		cmd.CreatedAt.Format(time.RFC3339),
		cmd.Version,
	)
	if err != nil {
		return false, fmt.Errorf("inserting command: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows > 0, nil
}

// Get retrieves a command by id.
func (r *SQLiteRepository) Get(ctx context.Context, commandID string) (*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE command_id = ?`

	cmd, err := scanCommand(r.db.QueryRowContext(ctx, query, commandID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return cmd, nil
}

// NextEligible returns the earliest due pending command for a site.
func (r *SQLiteRepository) NextEligible(ctx context.Context, kioskID string) (*Command, error) {
	query := `SELECT ` + commandColumns + `
		FROM commands
		WHERE kiosk_id = ? AND status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at, created_at
		LIMIT 1`

	now := time.Now().UTC().Format(time.RFC3339)
	cmd, err := scanCommand(r.db.QueryRowContext(ctx, query, kioskID, string(StatusPending), now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoneEligible
		}
		return nil, fmt.Errorf("querying eligible command: %w", err)
	}
	return cmd, nil
}

// MarkExecuting claims a pending command.
func (r *SQLiteRepository) MarkExecuting(ctx context.Context, cmd *Command) error {
	now := time.Now().UTC()
	query := `
		UPDATE commands SET status = ?, executed_at = ?, version = version + 1
		WHERE command_id = ? AND version = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(StatusExecuting), now.Format(time.RFC3339),
		cmd.CommandID, cmd.Version, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("claiming command: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrClaimConflict
	}

	cmd.Status = StatusExecuting
	cmd.ExecutedAt = &now
	cmd.Version++
	return nil
}

// MarkCompleted resolves an executing command as succeeded.
func (r *SQLiteRepository) MarkCompleted(ctx context.Context, cmd *Command) error {
	now := time.Now().UTC()
	query := `
		UPDATE commands SET status = ?, completed_at = ?, version = version + 1
		WHERE command_id = ? AND version = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(StatusCompleted), now.Format(time.RFC3339),
		cmd.CommandID, cmd.Version,
	)
	if err != nil {
		return fmt.Errorf("completing command: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrClaimConflict
	}

	cmd.Status = StatusCompleted
	cmd.CompletedAt = &now
	cmd.Version++
	return nil
}

// MarkFailed records a failed attempt.
//
// Under the retry cap the command returns to pending with
// next_attempt_at pushed out by the backoff; at the cap it becomes
// terminally failed and is never retried automatically.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, cmd *Command, execErr error, backoff time.Duration) error {
	now := time.Now().UTC()

	status := StatusFailed
	retryCount := cmd.RetryCount
	nextAttempt := cmd.NextAttemptAt
	var completedAt *time.Time

	if cmd.RetryCount < cmd.MaxRetries {
		status = StatusPending
		retryCount = cmd.RetryCount + 1
		nextAttempt = now.Add(backoff)
	} else {
		completedAt = &now
	}

	query := `
		UPDATE commands SET status = ?, retry_count = ?, next_attempt_at = ?,
			last_error = ?, completed_at = ?, version = version + 1
		WHERE command_id = ? AND version = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(status), retryCount,
		nextAttempt.UTC().Format(time.RFC3339),
		execErr.Error(),
		nullableTime(completedAt),
		cmd.CommandID, cmd.Version,
	)
	if err != nil {
		return fmt.Errorf("failing command: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrClaimConflict
	}

	cmd.Status = status
	cmd.RetryCount = retryCount
	cmd.NextAttemptAt = nextAttempt
	cmd.LastError = execErr.Error()
	cmd.CompletedAt = completedAt
	cmd.Version++
	return nil
}

// Cancel withdraws a pending command.
func (r *SQLiteRepository) Cancel(ctx context.Context, commandID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		UPDATE commands SET status = ?, completed_at = ?, version = version + 1
		WHERE command_id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(StatusCancelled), now, commandID, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("cancelling command: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := r.Get(ctx, commandID); err != nil {
			return err
		}
		return ErrNotCancellable
	}
	return nil
}

// ClearPending cancels every pending command at a site.
func (r *SQLiteRepository) ClearPending(ctx context.Context, kioskID string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		UPDATE commands SET status = ?, completed_at = ?, version = version + 1
		WHERE kiosk_id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(StatusCancelled), now, kioskID, string(StatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("clearing pending commands: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(rows), nil
}

// PurgeOlderThan deletes resolved commands created before the cutoff.
func (r *SQLiteRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM commands
		WHERE status IN (?, ?, ?) AND created_at < ?`

	result, err := r.db.ExecContext(ctx, query,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled),
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("purging commands: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(rows), nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanCommand scans a row or rows result into a Command.
func scanCommand(scanner rowScanner) (*Command, error) {
	var cmd Command
	var status string
	var payloadJSON, lastError sql.NullString
	var nextAttemptAt, createdAt string
	var executedAt, completedAt sql.NullString

	err := scanner.Scan(
		&cmd.CommandID,
		&cmd.KioskID,
		&cmd.Type,
		&payloadJSON,
		&status,
		&cmd.RetryCount,
		&cmd.MaxRetries,
		&nextAttemptAt,
		&lastError,
		&createdAt,
		&executedAt,
		&completedAt,
		&cmd.Version,
	)
	if err != nil {
		return nil, err
	}

	cmd.Status = Status(status)
	if lastError.Valid {
		cmd.LastError = lastError.String
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON.String), &payload); err != nil {
			return nil, fmt.Errorf("unmarshalling command payload: %w", err)
		}
		cmd.Payload = payload
	}

	var parseErr error
	cmd.NextAttemptAt, parseErr = time.Parse(time.RFC3339, nextAttemptAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing next_attempt_at: %w", parseErr)
	}
	cmd.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	if executedAt.Valid {
		t, err := time.Parse(time.RFC3339, executedAt.String)
		if err == nil {
			cmd.ExecutedAt = &t
		}
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err == nil {
			cmd.CompletedAt = &t
		}
	}

	return &cmd, nil
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

package locker

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the lockers and
// locker_events tables.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// Each pooled connection would get its own :memory: database.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE lockers (
			kiosk_id TEXT NOT NULL,
			id INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'free',
			owner_type TEXT,
			owner_key TEXT,
			reserved_at TEXT,
			owned_at TEXT,
			is_vip INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (kiosk_id, id)
		) STRICT;
		CREATE INDEX idx_lockers_status ON lockers(kiosk_id, status);
		CREATE INDEX idx_lockers_owner ON lockers(kiosk_id, owner_key);
		CREATE UNIQUE INDEX idx_lockers_owner_active ON lockers(kiosk_id, owner_key)
			WHERE status IN ('reserved', 'owned', 'opening');

		CREATE TABLE locker_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			kiosk_id TEXT NOT NULL,
			locker_id INTEGER NOT NULL,
			owner_key TEXT,
			staff_user TEXT,
			details TEXT,
			created_at TEXT NOT NULL
		) STRICT;
		CREATE INDEX idx_locker_events_locker ON locker_events(kiosk_id, locker_id, created_at);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// seedLocker inserts a locker row with explicit timestamps, bypassing the
// repository so tests control the oldest-free ordering.
func seedLocker(t *testing.T, db *sql.DB, kioskID string, id int, status Status, updatedAt time.Time) {
	t.Helper()
	ts := updatedAt.UTC().Format(time.RFC3339)
	_, err := db.Exec(`
		INSERT INTO lockers (kiosk_id, id, status, is_vip, version, created_at, updated_at)
		VALUES (?, ?, ?, 0, 1, ?, ?)`,
		kioskID, id, string(status), ts, ts,
	)
	if err != nil {
		t.Fatalf("seeding locker %d: %v", id, err)
	}
}

func TestSQLiteRepository_Provision(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	created, err := repo.Provision(ctx, "gym-1", []int{1, 2, 3}, map[int]bool{3: true})
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if created != 3 {
		t.Errorf("created = %d, want 3", created)
	}

	// Provisioning again with one new locker only creates the new row.
	created, err = repo.Provision(ctx, "gym-1", []int{1, 2, 3, 4}, nil)
	if err != nil {
		t.Fatalf("second Provision() error = %v", err)
	}
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}

	l, err := repo.Get(ctx, "gym-1", 3)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !l.IsVIP {
		t.Error("locker 3 should be VIP")
	}
	if l.Status != StatusFree || l.Version != 1 {
		t.Errorf("locker 3 = %s v%d, want free v1", l.Status, l.Version)
	}
}

func TestSQLiteRepository_GetNotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	if _, err := repo.Get(context.Background(), "gym-1", 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRepository_UpdateVersioning(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	if _, err := repo.Provision(ctx, "gym-1", []int{1}, nil); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	// Two independent readers get the same version.
	first, err := repo.Get(ctx, "gym-1", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	second, err := repo.Get(ctx, "gym-1", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	first.Status = StatusReserved
	first.OwnerType = OwnerCard
	first.OwnerKey = "card-42"
	if err := repo.Update(ctx, first); err != nil {
		t.Fatalf("first Update() error = %v", err)
	}
	if first.Version != 2 {
		t.Errorf("version after update = %d, want 2", first.Version)
	}

	// The stale writer must fail, not overwrite.
	second.Status = StatusBlocked
	if err := repo.Update(ctx, second); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale Update() error = %v, want ErrVersionConflict", err)
	}

	current, err := repo.Get(ctx, "gym-1", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if current.Status != StatusReserved || current.OwnerKey != "card-42" {
		t.Errorf("locker = %s/%s, the stale write must not have landed", current.Status, current.OwnerKey)
	}

	// A missing row is a distinct failure.
	ghost := *current
	ghost.ID = 99
	if err := repo.Update(ctx, &ghost); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() on missing row error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRepository_OneActiveLockerPerOwner(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	if _, err := repo.Provision(ctx, "gym-1", []int{1, 2}, nil); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	// Two writers reserve different Free lockers for the same identity,
	// the way concurrent reserves look after both passed the OwnerActive
	// precheck. Versioning cannot catch this: the writes hit different
	// rows.
	first, err := repo.Get(ctx, "gym-1", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	second, err := repo.Get(ctx, "gym-1", 2)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	first.Status = StatusReserved
	first.OwnerType = OwnerCard
	first.OwnerKey = "card-42"
	if err := repo.Update(ctx, first); err != nil {
		t.Fatalf("first Update() error = %v", err)
	}

	second.Status = StatusReserved
	second.OwnerType = OwnerCard
	second.OwnerKey = "card-42"
	if err := repo.Update(ctx, second); !errors.Is(err, ErrAlreadyOwnedElsewhere) {
		t.Fatalf("second Update() error = %v, want ErrAlreadyOwnedElsewhere", err)
	}

	// The losing write must not have landed.
	got, err := repo.Get(ctx, "gym-1", 2)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusFree || got.OwnerKey != "" || got.Version != 1 {
		t.Errorf("locker 2 = %s/%q v%d, want untouched free v1", got.Status, got.OwnerKey, got.Version)
	}

	// Blocking keeps the owner attribution without counting as held, so
	// the identity can be given a replacement locker.
	first.Status = StatusBlocked
	if err := repo.Update(ctx, first); err != nil {
		t.Fatalf("Update() to blocked error = %v", err)
	}
	got.Status = StatusReserved
	got.OwnerType = OwnerCard
	got.OwnerKey = "card-42"
	if err := repo.Update(ctx, got); err != nil {
		t.Errorf("Update() after block error = %v, want replacement reserve to land", err)
	}
}

func TestSQLiteRepository_OldestFree(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedLocker(t, db, "gym-1", 1, StatusFree, base.Add(2*time.Hour))
	seedLocker(t, db, "gym-1", 2, StatusFree, base.Add(time.Hour))
	seedLocker(t, db, "gym-1", 3, StatusFree, base) // oldest
	seedLocker(t, db, "gym-1", 4, StatusFree, base.Add(3*time.Hour))
	seedLocker(t, db, "gym-1", 5, StatusOwned, base.Add(-time.Hour))

	l, err := repo.OldestFree(ctx, "gym-1", 0, 0)
	if err != nil {
		t.Fatalf("OldestFree() error = %v", err)
	}
	if l.ID != 3 {
		t.Errorf("OldestFree() = locker %d, want 3", l.ID)
	}

	// Range restriction skips the overall-oldest.
	l, err = repo.OldestFree(ctx, "gym-1", 1, 2)
	if err != nil {
		t.Fatalf("OldestFree(1,2) error = %v", err)
	}
	if l.ID != 2 {
		t.Errorf("OldestFree(1,2) = locker %d, want 2", l.ID)
	}

	// Ties break by lowest id.
	seedLocker(t, db, "gym-1", 7, StatusFree, base)
	l, err = repo.OldestFree(ctx, "gym-1", 0, 0)
	if err != nil {
		t.Fatalf("OldestFree() error = %v", err)
	}
	if l.ID != 3 {
		t.Errorf("OldestFree() tie = locker %d, want 3 (lowest id)", l.ID)
	}

	if _, err := repo.OldestFree(ctx, "empty-site", 0, 0); !errors.Is(err, ErrNoFreeLockers) {
		t.Errorf("OldestFree() on empty site error = %v, want ErrNoFreeLockers", err)
	}
}

func TestSQLiteRepository_ListFree(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	if _, err := repo.Provision(ctx, "gym-1", []int{1, 2, 3, 4}, map[int]bool{2: true}); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	// VIP lockers never appear in the assignable list.
	free, err := repo.ListFree(ctx, "gym-1", 0, 0)
	if err != nil {
		t.Fatalf("ListFree() error = %v", err)
	}
	if len(free) != 3 {
		t.Fatalf("len(free) = %d, want 3", len(free))
	}
	for _, l := range free {
		if l.IsVIP {
			t.Errorf("VIP locker %d in free list", l.ID)
		}
	}

	// Range restriction.
	free, err = repo.ListFree(ctx, "gym-1", 3, 4)
	if err != nil {
		t.Fatalf("ListFree(3,4) error = %v", err)
	}
	if len(free) != 2 || free[0].ID != 3 || free[1].ID != 4 {
		t.Errorf("ListFree(3,4) = %v, want lockers 3 and 4", free)
	}
}

func TestSQLiteRepository_OwnerActive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	if _, err := repo.Provision(ctx, "gym-1", []int{1, 2}, nil); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	if _, err := repo.OwnerActive(ctx, "gym-1", "card-42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("OwnerActive() error = %v, want ErrNotFound", err)
	}

	l, err := repo.Get(ctx, "gym-1", 2)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	l.Status = StatusOwned
	l.OwnerType = OwnerCard
	l.OwnerKey = "card-42"
	if err := repo.Update(ctx, l); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	active, err := repo.OwnerActive(ctx, "gym-1", "card-42")
	if err != nil {
		t.Fatalf("OwnerActive() error = %v", err)
	}
	if active.ID != 2 {
		t.Errorf("OwnerActive() = locker %d, want 2", active.ID)
	}

	// Ownership is per site.
	if _, err := repo.OwnerActive(ctx, "gym-2", "card-42"); !errors.Is(err, ErrNotFound) {
		t.Errorf("OwnerActive() at other site error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteEventRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteEventRepository(db)
	ctx := context.Background()

	events := []*Event{
		{Type: EventReserved, KioskID: "gym-1", LockerID: 3, OwnerKey: "card-1"},
		{Type: EventOpeningStarted, KioskID: "gym-1", LockerID: 3, OwnerKey: "card-1",
			Details: map[string]any{"prior_status": "reserved"}},
		{Type: EventOpeningStarted, KioskID: "gym-1", LockerID: 3, OwnerKey: "card-1",
			Details: map[string]any{"prior_status": "owned"}},
		{Type: EventReleased, KioskID: "gym-1", LockerID: 4, OwnerKey: "card-2"},
	}
	for i, evt := range events {
		evt.CreatedAt = time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC)
		if err := repo.Append(ctx, evt); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if evt.ID == "" {
			t.Error("Append() did not generate an ID")
		}
	}

	t.Run("list filters by locker", func(t *testing.T) {
		result, err := repo.List(ctx, "gym-1", EventFilter{LockerID: 3})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if result.Total != 3 {
			t.Errorf("total = %d, want 3", result.Total)
		}
		// Most recent first.
		if result.Events[0].Type != EventOpeningStarted {
			t.Errorf("first event = %s, want opening_started", result.Events[0].Type)
		}
	})

	t.Run("last by type returns newest", func(t *testing.T) {
		evt, err := repo.LastByType(ctx, "gym-1", 3, EventOpeningStarted)
		if err != nil {
			t.Fatalf("LastByType() error = %v", err)
		}
		if evt.Details["prior_status"] != "owned" {
			t.Errorf("prior_status = %v, want owned (the newest event)", evt.Details["prior_status"])
		}
	})

	t.Run("last by type not found", func(t *testing.T) {
		if _, err := repo.LastByType(ctx, "gym-1", 9, EventOpeningStarted); !errors.Is(err, ErrNotFound) {
			t.Errorf("LastByType() error = %v, want ErrNotFound", err)
		}
	})
}

package command

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// testWorkerConfig keeps polling and backoff tight for unit tests.
func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		KioskID:      "gym-1",
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffCap:   time.Millisecond,
	}
}

// waitForStatus polls until the command reaches the wanted status.
func waitForStatus(t *testing.T, repo Repository, commandID string, want Status) *Command {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		cmd, err := repo.Get(context.Background(), commandID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if cmd.Status == want {
			return cmd
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("command %s never reached status %s", commandID, want)
	return nil
}

func TestWorkerCompletesCommand(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	var executions atomic.Int32
	mux := NewMux()
	mux.Register(TypeOpenLocker, func(_ context.Context, cmd *Command) error {
		executions.Add(1)
		if cmd.Payload["locker_id"] != float64(7) {
			t.Errorf("payload = %v", cmd.Payload)
		}
		return nil
	})

	w := NewWorker(testWorkerConfig(), repo, mux)
	w.Start(context.Background())
	defer w.Stop()

	enqueue(t, repo, "cmd-1", "gym-1", TypeOpenLocker, 3)

	cmd := waitForStatus(t, repo, "cmd-1", StatusCompleted)
	if cmd.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", cmd.RetryCount)
	}
	if got := executions.Load(); got != 1 {
		t.Errorf("executions = %d, want 1", got)
	}

	stats := w.Stats()
	if stats.Claimed != 1 || stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	var executions atomic.Int32
	mux := NewMux()
	mux.Register(TypeOpenLocker, func(context.Context, *Command) error {
		if executions.Add(1) <= 2 {
			return errors.New("bus unavailable")
		}
		return nil
	})

	w := NewWorker(testWorkerConfig(), repo, mux)
	w.Start(context.Background())
	defer w.Stop()

	enqueue(t, repo, "cmd-1", "gym-1", TypeOpenLocker, 5)

	cmd := waitForStatus(t, repo, "cmd-1", StatusCompleted)
	if cmd.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", cmd.RetryCount)
	}
	if cmd.LastError != "bus unavailable" {
		t.Errorf("last_error = %q, want the last failure preserved", cmd.LastError)
	}
	if got := executions.Load(); got != 3 {
		t.Errorf("executions = %d, want 3", got)
	}
}

func TestWorkerTerminalFailure(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	var executions atomic.Int32
	mux := NewMux()
	mux.Register(TypeOpenLocker, func(context.Context, *Command) error {
		executions.Add(1)
		return errors.New("device fault")
	})

	w := NewWorker(testWorkerConfig(), repo, mux)
	w.Start(context.Background())
	defer w.Stop()

	enqueue(t, repo, "cmd-1", "gym-1", TypeOpenLocker, 1)

	cmd := waitForStatus(t, repo, "cmd-1", StatusFailed)
	if cmd.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", cmd.RetryCount)
	}

	// Terminal means terminal: give the worker time to (wrongly) retry.
	executed := executions.Load()
	time.Sleep(50 * time.Millisecond)
	if got := executions.Load(); got != executed {
		t.Errorf("executions grew from %d to %d after terminal failure", executed, got)
	}
	if executed != 2 {
		t.Errorf("executions = %d, want 2 (initial attempt plus one retry)", executed)
	}

	if stats := w.Stats(); stats.Terminal != 1 {
		t.Errorf("terminal = %d, want 1", stats.Terminal)
	}
}

func TestWorkerUnknownTypeFails(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	w := NewWorker(testWorkerConfig(), repo, NewMux())
	w.Start(context.Background())
	defer w.Stop()

	enqueue(t, repo, "cmd-1", "gym-1", "mystery_type", 1)

	cmd := waitForStatus(t, repo, "cmd-1", StatusFailed)
	if cmd.LastError == "" {
		t.Error("last_error is empty, want the no-handler failure recorded")
	}
}

func TestWorkerIgnoresOtherSites(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	mux := NewMux()
	mux.Register(TypeOpenLocker, func(context.Context, *Command) error { return nil })

	w := NewWorker(testWorkerConfig(), repo, mux) // gym-1 worker
	w.Start(context.Background())
	defer w.Stop()

	enqueue(t, repo, "cmd-other", "gym-2", TypeOpenLocker, 3)

	time.Sleep(50 * time.Millisecond)
	cmd, err := repo.Get(context.Background(), "cmd-other")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cmd.Status != StatusPending {
		t.Errorf("status = %s, want pending (other site's queue)", cmd.Status)
	}
}

func TestWorkerBackoffGrowth(t *testing.T) {
	w := NewWorker(WorkerConfig{
		KioskID:     "gym-1",
		BackoffBase: time.Second,
		BackoffCap:  10 * time.Second,
	}, nil, nil)

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // capped
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := w.backoff(tt.retryCount); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

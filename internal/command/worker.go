package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Worker timing defaults.
const (
	// defaultPollInterval is how often the worker checks for eligible
	// commands when idle.
	defaultPollInterval = 250 * time.Millisecond

	// defaultBackoffBase seeds the exponential retry backoff:
	// base * 2^retry_count, capped at defaultBackoffCap.
	defaultBackoffBase = 2 * time.Second
	defaultBackoffCap  = 2 * time.Minute

	// defaultPurgeInterval and defaultRetention control removal of
	// resolved commands.
	defaultPurgeInterval = time.Hour
	defaultRetention     = 7 * 24 * time.Hour
)

// Executor runs one claimed command. A nil return resolves the command
// completed; an error resolves it failed (rescheduled or terminal,
// depending on the retry budget).
type Executor interface {
	Execute(ctx context.Context, cmd *Command) error
}

// HandlerFunc executes one command type.
type HandlerFunc func(ctx context.Context, cmd *Command) error

// Mux dispatches commands to handlers by command type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMux creates an empty command mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a command type, replacing any previous one.
func (m *Mux) Register(commandType string, handler HandlerFunc) {
	m.mu.Lock()
	m.handlers[commandType] = handler
	m.mu.Unlock()
}

// Execute dispatches to the registered handler. Unknown types fail with
// ErrNoHandler, which the worker treats as terminal.
func (m *Mux) Execute(ctx context.Context, cmd *Command) error {
	m.mu.RLock()
	handler, ok := m.handlers[cmd.Type]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, cmd.Type)
	}
	return handler(ctx, cmd)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// WorkerStats holds queue worker operational statistics.
type WorkerStats struct {
	Claimed   uint64
	Completed uint64
	Failed    uint64 // failed attempts, including rescheduled ones
	Terminal  uint64 // commands that exhausted their retries
	Purged    uint64
}

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	// KioskID scopes the worker to one site's queue. Commands execute
	// one at a time per site (the bus has one master), but workers for
	// different sites run independently.
	KioskID string

	// PollInterval is the idle polling period.
	PollInterval time.Duration

	// BackoffBase and BackoffCap shape the exponential retry backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// PurgeInterval and Retention control cleanup of resolved commands.
	// PurgeInterval <= 0 disables purging.
	PurgeInterval time.Duration
	Retention     time.Duration
}

// Worker drains one site's command queue.
//
// It claims the earliest eligible command via the optimistic
// markExecuting update, runs the executor, and records the outcome. A
// claim conflict just means another process's worker won; the loop polls
// again. Executor errors become command state, never worker crashes.
type Worker struct {
	cfg  WorkerConfig
	repo Repository
	exec Executor

	logger Logger

	claimed   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	terminal  atomic.Uint64
	purged    atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWorker creates a queue worker. Zero config fields get defaults.
func NewWorker(cfg WorkerConfig, repo Repository, exec Executor) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Worker{
		cfg:  cfg,
		repo: repo,
		exec: exec,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// SetLogger sets the logger for this worker.
func (w *Worker) SetLogger(logger Logger) {
	w.logger = logger
}

// Start launches the worker loop. It runs until Stop is called or the
// context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop halts the loop and waits for an in-flight command to finish.
// In-flight hardware writes are never preempted.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// Stats returns current worker statistics.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Claimed:   w.claimed.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Terminal:  w.terminal.Load(),
		Purged:    w.purged.Load(),
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()

	var purge <-chan time.Time
	if w.cfg.PurgeInterval > 0 {
		ticker := time.NewTicker(w.cfg.PurgeInterval)
		defer ticker.Stop()
		purge = ticker.C
	}

	w.logInfo("command worker started", "kiosk_id", w.cfg.KioskID)
	for {
		select {
		case <-ctx.Done():
			w.logInfo("command worker stopped", "kiosk_id", w.cfg.KioskID, "reason", "context cancelled")
			return
		case <-w.stop:
			w.logInfo("command worker stopped", "kiosk_id", w.cfg.KioskID)
			return
		case <-purge:
			w.runPurge(ctx)
		case <-poll.C:
			// Drain everything due before sleeping again.
			for w.processNext(ctx) {
				select {
				case <-ctx.Done():
					return
				case <-w.stop:
					return
				default:
				}
			}
		}
	}
}

// processNext claims and executes one command. Returns true when a
// command was handled, so the caller keeps draining.
func (w *Worker) processNext(ctx context.Context) bool {
	cmd, err := w.repo.NextEligible(ctx, w.cfg.KioskID)
	if err != nil {
		if !errors.Is(err, ErrNoneEligible) {
			w.logError("polling command queue", "kiosk_id", w.cfg.KioskID, "error", err.Error())
		}
		return false
	}

	if err := w.repo.MarkExecuting(ctx, cmd); err != nil {
		if errors.Is(err, ErrClaimConflict) {
			// Another worker got it; keep draining.
			return true
		}
		w.logError("claiming command", "command_id", cmd.CommandID, "error", err.Error())
		return false
	}
	w.claimed.Add(1)

	w.logDebug("executing command", "command_id", cmd.CommandID, "type", cmd.Type, "retry_count", cmd.RetryCount)

	if execErr := w.exec.Execute(ctx, cmd); execErr != nil {
		w.resolveFailed(ctx, cmd, execErr)
		return true
	}

	if err := w.repo.MarkCompleted(ctx, cmd); err != nil {
		w.logError("completing command", "command_id", cmd.CommandID, "error", err.Error())
		return true
	}
	w.completed.Add(1)
	return true
}

// resolveFailed records a failed attempt with exponential backoff.
func (w *Worker) resolveFailed(ctx context.Context, cmd *Command, execErr error) {
	w.failed.Add(1)

	backoff := w.backoff(cmd.RetryCount)
	if err := w.repo.MarkFailed(ctx, cmd, execErr, backoff); err != nil {
		w.logError("recording command failure", "command_id", cmd.CommandID, "error", err.Error())
		return
	}

	if cmd.Status == StatusFailed {
		w.terminal.Add(1)
		w.logWarn("command failed terminally",
			"command_id", cmd.CommandID, "type", cmd.Type,
			"retry_count", cmd.RetryCount, "error", execErr.Error())
		return
	}
	w.logDebug("command rescheduled",
		"command_id", cmd.CommandID, "retry_count", cmd.RetryCount,
		"backoff", backoff.String(), "error", execErr.Error())
}

// backoff computes base * 2^retryCount, capped.
func (w *Worker) backoff(retryCount int) time.Duration {
	d := w.cfg.BackoffBase
	for i := 0; i < retryCount && d < w.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > w.cfg.BackoffCap {
		d = w.cfg.BackoffCap
	}
	return d
}

func (w *Worker) runPurge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.cfg.Retention)
	purged, err := w.repo.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		w.logError("purging resolved commands", "error", err.Error())
		return
	}
	if purged > 0 {
		w.purged.Add(uint64(purged)) //nolint:gosec // row counts are non-negative
		w.logInfo("purged resolved commands", "kiosk_id", w.cfg.KioskID, "count", purged)
	}
}

func (w *Worker) logDebug(msg string, keysAndValues ...any) {
	if w.logger != nil {
		w.logger.Debug(msg, keysAndValues...)
	}
}

func (w *Worker) logInfo(msg string, keysAndValues ...any) {
	if w.logger != nil {
		w.logger.Info(msg, keysAndValues...)
	}
}

func (w *Worker) logWarn(msg string, keysAndValues ...any) {
	if w.logger != nil {
		w.logger.Warn(msg, keysAndValues...)
	}
}

func (w *Worker) logError(msg string, keysAndValues ...any) {
	if w.logger != nil {
		w.logger.Error(msg, keysAndValues...)
	}
}

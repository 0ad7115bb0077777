// Package assign implements the user-facing assignment flow: given an
// identity token scanned at a kiosk, open the identity's existing locker,
// auto-assign the oldest free one, or fall back to manual selection.
//
// Automatic mode is an optimisation, never a hard requirement: any
// failure along the automatic path (no candidates, a lost race, hardware
// trouble) releases partial state and degrades to the manual list, with
// the reason recorded.
package assign

import (
	"context"
	"errors"
	"fmt"

	"github.com/kioskworks/locker-core/internal/locker"
	"github.com/kioskworks/locker-core/internal/modbus"
	"github.com/kioskworks/locker-core/internal/relay"
)

// Mode selects how a scan with no existing assignment is handled.
type Mode string

// Assignment modes.
const (
	// ModeAutomatic assigns the oldest free locker and opens it.
	ModeAutomatic Mode = "automatic"

	// ModeManual returns the free list for user selection.
	ModeManual Mode = "manual"
)

// FallbackReason explains why an automatic assignment degraded to
// manual selection.
type FallbackReason string

// Fallback reasons.
const (
	ReasonNoCandidates        FallbackReason = "no_candidates"
	ReasonStateConflict       FallbackReason = "state_conflict"
	ReasonHardwareUnavailable FallbackReason = "hardware_unavailable"
	ReasonHardwareRejected    FallbackReason = "hardware_rejected"
)

// Pulser is the hardware side of an assignment. Satisfied by
// *relay.Controller.
type Pulser interface {
	Pulse(ctx context.Context, lockerID int, zone string) error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Result is the outcome of a scan.
//
// Exactly one of three shapes:
//   - Locker set, Existing true: the identity already held this locker
//     and it was opened again.
//   - Locker set, Existing false: a fresh automatic assignment, opened
//     and confirmed.
//   - Locker nil: manual selection. FreeLockers carries the choices;
//     FallbackReason is set when automatic mode degraded, empty when the
//     site simply runs in manual mode.
type Result struct {
	Locker         *locker.Locker  `json:"locker,omitempty"`
	Existing       bool            `json:"existing,omitempty"`
	FallbackReason FallbackReason  `json:"fallback_reason,omitempty"`
	FreeLockers    []locker.Locker `json:"free_lockers,omitempty"`
}

// Config holds orchestrator configuration.
type Config struct {
	// Modes maps kiosk ids to their assignment mode.
	Modes map[string]Mode

	// DefaultMode applies to kiosks not listed in Modes.
	DefaultMode Mode
}

// Orchestrator composes the state manager and the relay controller into
// the scan/assign/open flows called by the API layer.
type Orchestrator struct {
	lockers  *locker.Manager
	pulser   Pulser
	mappings *relay.Holder
	cfg      Config

	logger Logger
}

// New creates an orchestrator.
func New(lockers *locker.Manager, pulser Pulser, mappings *relay.Holder, cfg Config) *Orchestrator {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeAutomatic
	}
	return &Orchestrator{
		lockers:  lockers,
		pulser:   pulser,
		mappings: mappings,
		cfg:      cfg,
	}
}

// SetLogger sets the logger for this orchestrator.
func (o *Orchestrator) SetLogger(logger Logger) {
	o.logger = logger
}

// modeFor returns the assignment mode configured for a kiosk.
func (o *Orchestrator) modeFor(kioskID string) Mode {
	if mode, ok := o.cfg.Modes[kioskID]; ok {
		return mode
	}
	return o.cfg.DefaultMode
}

// zoneRange resolves a zone name to its locker id range; an empty zone
// means the whole site.
func (o *Orchestrator) zoneRange(zone string) (first, last int, err error) {
	if zone == "" {
		return 0, 0, nil
	}
	return o.mappings.Load().LockerRange(zone)
}

// Scan handles an identity token presented at a kiosk.
//
// An identity that already holds a locker gets that locker opened again,
// never a second assignment and never an implicit release. Otherwise the
// site's mode decides: manual returns the free list; automatic assigns
// the oldest free locker, pulses it, and confirms — degrading to the
// manual list on any failure.
func (o *Orchestrator) Scan(ctx context.Context, kioskID string, ownerType locker.OwnerType, ownerKey, zone string) (*Result, error) {
	first, last, err := o.zoneRange(zone)
	if err != nil {
		return nil, err
	}

	// Re-scan of an existing holder: open, don't reassign.
	existing, err := o.lockers.OwnerActive(ctx, kioskID, ownerKey)
	switch {
	case err == nil:
		opened, err := o.openSequence(ctx, existing)
		if err != nil {
			return nil, err
		}
		return &Result{Locker: opened, Existing: true}, nil
	case !errors.Is(err, locker.ErrNotFound):
		return nil, err
	}

	if o.modeFor(kioskID) == ModeManual {
		free, err := o.lockers.ListFree(ctx, kioskID, first, last)
		if err != nil {
			return nil, err
		}
		return &Result{FreeLockers: free}, nil
	}

	return o.autoAssign(ctx, kioskID, first, last, ownerType, ownerKey)
}

// autoAssign runs the automatic path with unconditional manual fallback.
func (o *Orchestrator) autoAssign(ctx context.Context, kioskID string, first, last int, ownerType locker.OwnerType, ownerKey string) (*Result, error) {
	reserved, err := o.lockers.AssignOldestFree(ctx, kioskID, first, last, ownerType, ownerKey)
	if err != nil {
		switch {
		case errors.Is(err, locker.ErrNoFreeLockers):
			return o.fallback(ctx, kioskID, first, last, ReasonNoCandidates, err)
		case errors.Is(err, locker.ErrVersionConflict), errors.Is(err, locker.ErrNotFree):
			return o.fallback(ctx, kioskID, first, last, ReasonStateConflict, err)
		default:
			return nil, err
		}
	}

	opened, err := o.openSequence(ctx, reserved)
	if err != nil {
		// Compensating release: the locker must never stay stranded
		// Reserved with no path back to Free.
		if _, relErr := o.lockers.Release(ctx, kioskID, reserved.ID, ownerKey); relErr != nil {
			o.logError("compensating release failed",
				"kiosk_id", kioskID, "locker_id", reserved.ID, "error", relErr.Error())
		}
		return o.fallback(ctx, kioskID, first, last, hardwareReason(err), err)
	}

	return &Result{Locker: opened}, nil
}

// openSequence wraps a pulse in the Opening transition: begin, pulse,
// complete on success or abort back to the prior state on failure.
func (o *Orchestrator) openSequence(ctx context.Context, l *locker.Locker) (*locker.Locker, error) {
	if _, err := o.lockers.BeginOpening(ctx, l.KioskID, l.ID); err != nil {
		return nil, err
	}

	if err := o.pulser.Pulse(ctx, l.ID, ""); err != nil {
		if _, abortErr := o.lockers.AbortOpening(ctx, l.KioskID, l.ID); abortErr != nil {
			o.logError("abort opening failed",
				"kiosk_id", l.KioskID, "locker_id", l.ID, "error", abortErr.Error())
		}
		return nil, fmt.Errorf("pulsing locker %d: %w", l.ID, err)
	}

	return o.lockers.CompleteOpening(ctx, l.KioskID, l.ID)
}

// fallback returns the manual selection list with the recorded reason.
// It must not fail just because the free list cannot be read: the caller
// still deserves the reason.
func (o *Orchestrator) fallback(ctx context.Context, kioskID string, first, last int, reason FallbackReason, cause error) (*Result, error) {
	o.logWarn("automatic assignment fell back to manual",
		"kiosk_id", kioskID, "reason", string(reason), "cause", cause.Error())

	free, err := o.lockers.ListFree(ctx, kioskID, first, last)
	if err != nil {
		o.logError("listing free lockers for fallback", "kiosk_id", kioskID, "error", err.Error())
		free = []locker.Locker{}
	}
	if free == nil {
		free = []locker.Locker{}
	}
	return &Result{FallbackReason: reason, FreeLockers: free}, nil
}

// Assign handles a manual selection: reserve the chosen locker for the
// identity, pulse it, confirm ownership. Hardware failure releases the
// reservation and surfaces the error.
func (o *Orchestrator) Assign(ctx context.Context, kioskID string, lockerID int, ownerType locker.OwnerType, ownerKey string) (*locker.Locker, error) {
	reserved, err := o.lockers.Reserve(ctx, kioskID, lockerID, ownerType, ownerKey)
	if err != nil {
		return nil, err
	}

	opened, err := o.openSequence(ctx, reserved)
	if err != nil {
		if _, relErr := o.lockers.Release(ctx, kioskID, lockerID, ownerKey); relErr != nil {
			o.logError("compensating release failed",
				"kiosk_id", kioskID, "locker_id", lockerID, "error", relErr.Error())
		}
		return nil, err
	}
	return opened, nil
}

// Open pulses a locker already held by the given identity.
func (o *Orchestrator) Open(ctx context.Context, kioskID string, lockerID int, ownerKey string) (*locker.Locker, error) {
	l, err := o.lockers.Get(ctx, kioskID, lockerID)
	if err != nil {
		return nil, err
	}
	if !l.Owned() {
		return nil, locker.ErrInvalidTransition
	}
	if ownerKey != "" && l.OwnerKey != ownerKey {
		return nil, ErrOwnedByOther
	}
	return o.openSequence(ctx, l)
}

// hardwareReason classifies a pulse failure for the fallback record.
func hardwareReason(err error) FallbackReason {
	switch {
	case errors.Is(err, modbus.ErrDeviceFault):
		return ReasonHardwareRejected
	case errors.Is(err, locker.ErrVersionConflict), errors.Is(err, locker.ErrInvalidTransition):
		return ReasonStateConflict
	default:
		return ReasonHardwareUnavailable
	}
}

func (o *Orchestrator) logWarn(msg string, keysAndValues ...any) {
	if o.logger != nil {
		o.logger.Warn(msg, keysAndValues...)
	}
}

func (o *Orchestrator) logError(msg string, keysAndValues ...any) {
	if o.logger != nil {
		o.logger.Error(msg, keysAndValues...)
	}
}

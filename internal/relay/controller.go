package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kioskworks/locker-core/internal/modbus"
)

// defaultPulseDuration is how long the lock coil stays energised. The
// deployed solenoid latches reliably at 300ms; 500ms gives margin without
// heating the coil.
const defaultPulseDuration = 500 * time.Millisecond

// CoilBus is the subset of the Transport the controller drives. Declared
// here so tests can substitute a fake bus.
type CoilBus interface {
	WriteCoil(ctx context.Context, board byte, channel uint16, on bool) error
	ReadCoils(ctx context.Context, board byte, start, quantity uint16) ([]bool, error)
}

// ControllerConfig holds pulse behaviour configuration.
type ControllerConfig struct {
	// PulseDuration is the coil hold time between the ON and OFF writes.
	PulseDuration time.Duration

	// VerifyAfterPulse reads the coil back after the OFF write and fails
	// the pulse if it is still energised. Costs one extra bus round trip
	// per pulse; off by default.
	VerifyAfterPulse bool
}

// Controller executes lock pulses against the relay bus.
//
// A pulse is ON, timed hold, OFF. The OFF write is issued unconditionally
// once the ON write has been sent, even when the ON acknowledgment was
// lost or the caller's context is cancelled mid-hold: the acknowledgment
// being lost does not mean the coil is off, and a coil left energised
// burns out the solenoid.
type Controller struct {
	bus      CoilBus
	mappings *Holder
	cfg      ControllerConfig

	logger Logger
}

// NewController creates a pulse controller.
//
// Parameters:
//   - bus: Transport (or fake) carrying coil commands
//   - mappings: Holder publishing the current locker-to-address mapping
//   - cfg: Pulse behaviour; zero values get defaults
func NewController(bus CoilBus, mappings *Holder, cfg ControllerConfig) *Controller {
	if cfg.PulseDuration == 0 {
		cfg.PulseDuration = defaultPulseDuration
	}
	return &Controller{
		bus:      bus,
		mappings: mappings,
		cfg:      cfg,
	}
}

// SetLogger sets the logger for this controller.
func (c *Controller) SetLogger(logger Logger) {
	c.logger = logger
}

// Pulse unlocks a locker: energise its coil, hold, de-energise.
//
// Parameters:
//   - ctx: Context honoured up to the ON write; once the coil may be
//     energised the OFF write proceeds regardless of cancellation
//   - lockerID: Logical locker number
//   - zone: Optional zone name constraining the lookup
//
// Returns:
//   - error: nil when the full sequence was acknowledged.
//     ErrUnmappedLocker/ErrUnknownZone for resolution failures,
//     modbus.ErrDeviceFault when the board rejected the command,
//     ErrBusUnavailable when the bus did not answer,
//     ErrVerifyFailed when the optional read-back shows the coil stuck.
func (c *Controller) Pulse(ctx context.Context, lockerID int, zone string) error {
	addr, err := c.mappings.Load().Resolve(lockerID, zone)
	if err != nil {
		return err
	}

	c.logDebug("pulse start", "locker_id", lockerID, "address", addr.String())

	onErr := c.bus.WriteCoil(ctx, addr.Board, addr.Channel, true)
	if errors.Is(onErr, modbus.ErrDeviceFault) {
		// The board explicitly refused; the coil never latched, so there
		// is nothing to turn off.
		return fmt.Errorf("energising locker %d (%s): %w", lockerID, addr, onErr)
	}

	if onErr == nil {
		time.Sleep(c.cfg.PulseDuration)
	}

	// From here on the coil may be energised (a lost acknowledgment still
	// means the write likely landed). The OFF write must not be skipped,
	// so it runs detached from the caller's cancellation.
	offCtx := context.WithoutCancel(ctx)
	offErr := c.bus.WriteCoil(offCtx, addr.Board, addr.Channel, false)

	switch {
	case onErr != nil:
		c.logWarn("pulse ON unacknowledged, OFF issued anyway",
			"locker_id", lockerID, "address", addr.String(), "on_error", onErr.Error(), "off_ok", offErr == nil)
		return fmt.Errorf("energising locker %d (%s): %w", lockerID, addr, onErr)
	case offErr != nil:
		// The coil may be stuck energised. Operators must check the board.
		c.logError("pulse OFF failed, coil may be stuck energised",
			"locker_id", lockerID, "address", addr.String(), "error", offErr.Error())
		return fmt.Errorf("de-energising locker %d (%s): %w", lockerID, addr, offErr)
	}

	if c.cfg.VerifyAfterPulse {
		states, readErr := c.bus.ReadCoils(offCtx, addr.Board, addr.Channel, 1)
		if readErr != nil {
			return fmt.Errorf("verifying locker %d (%s): %w", lockerID, addr, readErr)
		}
		if len(states) > 0 && states[0] {
			c.logError("coil readback shows energised after OFF",
				"locker_id", lockerID, "address", addr.String())
			return fmt.Errorf("%w: locker %d (%s)", ErrVerifyFailed, lockerID, addr)
		}
	}

	c.logDebug("pulse complete", "locker_id", lockerID, "address", addr.String())
	return nil
}

// ProbeBoard checks that a board answers on the bus by reading its first
// coil. Used by startup and health checks.
func (c *Controller) ProbeBoard(ctx context.Context, board byte) error {
	if _, err := c.bus.ReadCoils(ctx, board, 0, 1); err != nil {
		return fmt.Errorf("probing board %d: %w", board, err)
	}
	return nil
}

// ProbeAll probes every board in the current mapping and returns the
// joined errors of the boards that did not answer. A nil return means
// every board responded.
func (c *Controller) ProbeAll(ctx context.Context) error {
	var errs []error
	for _, board := range c.mappings.Load().Boards() {
		if err := c.ProbeBoard(ctx, board); err != nil {
			c.logWarn("board probe failed", "board", board, "error", err.Error())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) logDebug(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}

func (c *Controller) logWarn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, keysAndValues...)
	}
}

func (c *Controller) logError(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Error(msg, keysAndValues...)
	}
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/kioskworks/locker-core/internal/modbus"
)

// Default timings for bus communication.
const (
	// defaultBaudRate matches the relay boards' factory setting (9600 8N1).
	defaultBaudRate = 9600

	// defaultResponseTimeout bounds the wait for a board's acknowledgment.
	defaultResponseTimeout = 250 * time.Millisecond

	// defaultInterCommandGap is the minimum quiet time between frames.
	// Commands issued back-to-back without this gap corrupt in-flight
	// frames on the half-duplex bus.
	defaultInterCommandGap = 50 * time.Millisecond

	// defaultRetryAttempts is how many times a command is tried before
	// the bus is declared unavailable.
	defaultRetryAttempts = 3

	// defaultRetryDelay is the pause between attempts.
	defaultRetryDelay = 100 * time.Millisecond

	// defaultStaleAfter is the idle age beyond which the handle is
	// reopened before the next command. Long-lived handles on these
	// USB-RS485 adapters degrade silently.
	defaultStaleAfter = 5 * time.Minute

	// defaultBroadcastSettle is the pause after a broadcast frame, which
	// receives no acknowledgment, so boards can finish processing.
	defaultBroadcastSettle = 100 * time.Millisecond

	// connectTimeout bounds TCP gateway dialing.
	connectTimeout = 5 * time.Second

	// writeTimeout bounds a single frame write.
	writeTimeout = 1 * time.Second
)

// errNoResponse marks an exchange that produced no (complete) response
// within the response timeout. Internal: surfaced as ErrBusUnavailable
// after retries are exhausted.
var errNoResponse = errors.New("relay: no response")

// Config holds bus transport configuration.
type Config struct {
	// Connection is the bus connection URL.
	// Supported formats:
	//   - "serial:///dev/ttyUSB0" (direct RS-485 adapter)
	//   - "tcp://192.168.1.50:4196" (RS-485-over-TCP gateway)
	Connection string

	// BaudRate applies to serial connections. Default: 9600.
	BaudRate int

	// ResponseTimeout is the bounded wait for a board's acknowledgment.
	ResponseTimeout time.Duration

	// InterCommandGap is the minimum spacing between frames on the bus.
	InterCommandGap time.Duration

	// RetryAttempts is the per-command attempt cap.
	RetryAttempts int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// StaleAfter is the idle age after which the handle is reopened
	// before the next command.
	StaleAfter time.Duration

	// BroadcastSettle is the pause after broadcast frames.
	BroadcastSettle time.Duration
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = defaultResponseTimeout
	}
	if c.InterCommandGap == 0 {
		c.InterCommandGap = defaultInterCommandGap
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.BroadcastSettle == 0 {
		c.BroadcastSettle = defaultBroadcastSettle
	}
	return c
}

// Port abstracts the open bus handle so the transport works identically
// over a local serial adapter, a TCP gateway, or a test double.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	// SetReadTimeout bounds subsequent Read calls. A timed-out serial
	// read returns (0, nil); a timed-out network read returns a
	// net.Error with Timeout() == true. The transport handles both.
	SetReadTimeout(d time.Duration) error
}

// Dialer opens a fresh bus handle.
type Dialer func() (Port, error)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Stats holds transport operational statistics.
type Stats struct {
	FramesTx     uint64
	FramesRx     uint64
	Retries      uint64
	Reopens      uint64
	ErrorsTotal  uint64
	LastActivity time.Time
	Connected    bool
}

// Transport owns the single exclusive connection to the relay bus.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Exactly one frame is in flight at any time: callers queue on an
//     internal mutex. The bus has one master; two overlapping frames
//     corrupt each other.
type Transport struct {
	cfg  Config
	dial Dialer

	mu        sync.Mutex // guards port, openedAt, lastUse, closed; held for the whole exchange
	port      Port
	openedAt  time.Time
	lastWrite time.Time
	closed    bool

	logger   Logger
	loggerMu sync.RWMutex

	framesTx     atomic.Uint64
	framesRx     atomic.Uint64
	retries      atomic.Uint64
	reopens      atomic.Uint64
	errorsTotal  atomic.Uint64
	lastActivity atomic.Int64 // Unix timestamp
}

// NewTransport creates a transport for the configured connection URL.
// The handle is opened lazily on the first command.
func NewTransport(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	dial, err := dialerFor(cfg)
	if err != nil {
		return nil, err
	}
	return &Transport{cfg: cfg, dial: dial}, nil
}

// NewTransportWithDialer creates a transport with a custom port dialer.
// This allows injecting fakes in tests and exotic gateways in deployments.
func NewTransportWithDialer(cfg Config, dial Dialer) *Transport {
	return &Transport{cfg: cfg.withDefaults(), dial: dial}
}

// dialerFor builds the default dialer from the connection URL.
func dialerFor(cfg Config) (Dialer, error) {
	u, err := url.Parse(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid connection URL: %w", err)
	}

	switch u.Scheme {
	case "serial":
		device := u.Host + u.Path // serial://COM3 or serial:///dev/ttyUSB0
		if device == "" {
			return nil, fmt.Errorf("relay: connection URL %q has no device path", cfg.Connection)
		}
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		return func() (Port, error) {
			p, openErr := serial.Open(device, mode)
			if openErr != nil {
				return nil, fmt.Errorf("opening %s: %w", device, openErr)
			}
			return p, nil
		}, nil
	case "tcp":
		host := u.Host
		if host == "" {
			return nil, fmt.Errorf("relay: connection URL %q has no host", cfg.Connection)
		}
		return func() (Port, error) {
			conn, dialErr := net.DialTimeout("tcp", host, connectTimeout)
			if dialErr != nil {
				return nil, fmt.Errorf("dialing %s: %w", host, dialErr)
			}
			return &tcpPort{conn: conn}, nil
		}, nil
	default:
		return nil, fmt.Errorf("relay: unsupported connection scheme %q (use serial or tcp)", u.Scheme)
	}
}

// tcpPort adapts a net.Conn to the Port interface for RS-485-over-TCP
// gateways.
type tcpPort struct {
	conn        net.Conn
	readTimeout time.Duration
}

func (p *tcpPort) Read(b []byte) (int, error) {
	if p.readTimeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			return 0, err
		}
	}
	return p.conn.Read(b)
}

func (p *tcpPort) Write(b []byte) (int, error) {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return 0, err
	}
	return p.conn.Write(b)
}

func (p *tcpPort) Close() error {
	return p.conn.Close()
}

func (p *tcpPort) SetReadTimeout(d time.Duration) error {
	p.readTimeout = d
	return nil
}

// WriteCoil forces a single coil ON or OFF.
//
// Board 0 broadcasts to every board; broadcasts receive no acknowledgment
// and are followed by a settle delay instead.
//
// Parameters:
//   - ctx: Context for cancellation between attempts (an in-flight frame
//     is never interrupted mid-write)
//   - board: Slave address (0 = broadcast)
//   - channel: Zero-based coil number
//   - on: Desired state
//
// Returns:
//   - error: nil on acknowledged success; ErrBusUnavailable after
//     exhausted retries; modbus.ErrDeviceFault if the board rejected the
//     command; modbus.ErrInvalidFrame if every response was corrupt
func (t *Transport) WriteCoil(ctx context.Context, board byte, channel uint16, on bool) error {
	req, err := modbus.BuildWriteSingleCoil(board, channel, on)
	if err != nil {
		return err
	}
	if board == modbus.BroadcastAddress {
		return t.broadcast(ctx, req)
	}
	_, err = t.execute(ctx, req, func(resp []byte) error {
		return modbus.ParseWriteSingleCoilResponse(board, channel, on, resp)
	})
	return err
}

// WriteCoils forces a contiguous coil range in one frame.
func (t *Transport) WriteCoils(ctx context.Context, board byte, start uint16, states []bool) error {
	req, err := modbus.BuildWriteMultipleCoils(board, start, states)
	if err != nil {
		return err
	}
	if board == modbus.BroadcastAddress {
		return t.broadcast(ctx, req)
	}
	quantity := uint16(len(states)) //nolint:gosec // validated by the frame builder
	_, err = t.execute(ctx, req, func(resp []byte) error {
		return modbus.ParseWriteMultipleCoilsResponse(board, start, quantity, resp)
	})
	return err
}

// ReadCoils reads the current state of a coil range.
func (t *Transport) ReadCoils(ctx context.Context, board byte, start, quantity uint16) ([]bool, error) {
	req, err := modbus.BuildReadCoils(board, start, quantity)
	if err != nil {
		return nil, err
	}

	var states []bool
	_, err = t.execute(ctx, req, func(resp []byte) error {
		parsed, parseErr := modbus.ParseReadCoilsResponse(board, quantity, resp)
		if parseErr != nil {
			return parseErr
		}
		states = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// execute runs one command through the retry loop while holding the bus.
//
// Classification:
//   - corrupt/mismatched response (modbus.ErrInvalidFrame): retried
//   - no response within the timeout: retried
//   - exception response (modbus.ErrDeviceFault): returned immediately,
//     blind retries cannot help
//
// After the attempt cap, protocol corruption is surfaced as-is and
// everything else as ErrBusUnavailable.
func (t *Transport) execute(ctx context.Context, request []byte, validate func([]byte) error) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	expected := modbus.ResponseLength(request)
	var lastErr error

	for attempt := 1; attempt <= t.cfg.RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 1 {
			t.retries.Add(1)
			time.Sleep(t.cfg.RetryDelay)
		}

		if err := t.ensureOpenLocked(); err != nil {
			lastErr = err
			t.errorsTotal.Add(1)
			continue
		}

		resp, err := t.exchangeLocked(request, expected)
		if err != nil {
			lastErr = err
			t.errorsTotal.Add(1)
			if !errors.Is(err, modbus.ErrInvalidFrame) && !errors.Is(err, errNoResponse) {
				// Write/handle failure: force a reopen on the next attempt.
				t.dropPortLocked()
			}
			continue
		}

		if err := validate(resp); err != nil {
			if errors.Is(err, modbus.ErrDeviceFault) {
				return nil, err
			}
			lastErr = err
			t.errorsTotal.Add(1)
			continue
		}

		return resp, nil
	}

	if errors.Is(lastErr, modbus.ErrInvalidFrame) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %d attempts failed: %w", ErrBusUnavailable, t.cfg.RetryAttempts, lastErr)
}

// broadcast writes a frame addressed to every board. No response is read;
// a settle delay gives the boards time to act.
func (t *Transport) broadcast(ctx context.Context, request []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.ensureOpenLocked(); err != nil {
		return fmt.Errorf("%w: %w", ErrBusUnavailable, err)
	}

	t.waitGapLocked()
	if _, err := t.port.Write(request); err != nil {
		t.errorsTotal.Add(1)
		t.dropPortLocked()
		return fmt.Errorf("%w: broadcast write: %w", ErrBusUnavailable, err)
	}
	t.framesTx.Add(1)
	t.lastWrite = time.Now()
	t.lastActivity.Store(t.lastWrite.Unix())

	time.Sleep(t.cfg.BroadcastSettle)
	return nil
}

// exchangeLocked writes one frame and reads the expected response.
// Caller holds t.mu.
func (t *Transport) exchangeLocked(request []byte, expected int) ([]byte, error) {
	t.waitGapLocked()

	if _, err := t.port.Write(request); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	t.framesTx.Add(1)
	t.lastWrite = time.Now()
	t.lastActivity.Store(t.lastWrite.Unix())

	if expected == 0 {
		return nil, nil
	}

	resp, err := t.readResponseLocked(expected)
	if err != nil {
		return nil, err
	}
	t.framesRx.Add(1)
	t.lastActivity.Store(time.Now().Unix())
	return resp, nil
}

// readResponseLocked accumulates a response of the expected size within
// the response timeout. If the function-code byte carries the exception
// flag, the expected size shrinks to the fixed exception frame length.
func (t *Transport) readResponseLocked(expected int) ([]byte, error) {
	deadline := time.Now().Add(t.cfg.ResponseTimeout)
	buf := make([]byte, expected)

	// Header first: address + function code decide the true frame length.
	if err := t.readFullLocked(buf[:2], deadline); err != nil {
		return nil, err
	}
	if buf[1]&0x80 != 0 && expected > modbus.ExceptionResponseLength {
		expected = modbus.ExceptionResponseLength
		buf = buf[:expected]
	}

	if err := t.readFullLocked(buf[2:expected], deadline); err != nil {
		return nil, err
	}
	return buf[:expected], nil
}

// readFullLocked reads len(p) bytes before the deadline.
func (t *Transport) readFullLocked(p []byte, deadline time.Time) error {
	filled := 0
	for filled < len(p) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: got %d of %d bytes", errNoResponse, filled, len(p))
		}
		if err := t.port.SetReadTimeout(remaining); err != nil {
			return fmt.Errorf("set read timeout: %w", err)
		}

		n, err := t.port.Read(p[filled:])
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("%w: got %d of %d bytes", errNoResponse, filled, len(p))
			}
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			// Serial reads return (0, nil) when the read timeout expires.
			return fmt.Errorf("%w: got %d of %d bytes", errNoResponse, filled, len(p))
		}
		filled += n
	}
	return nil
}

// waitGapLocked enforces the minimum quiet time since the previous frame.
func (t *Transport) waitGapLocked() {
	if t.lastWrite.IsZero() {
		return
	}
	if wait := t.cfg.InterCommandGap - time.Since(t.lastWrite); wait > 0 {
		time.Sleep(wait)
	}
}

// ensureOpenLocked opens the handle if needed, reopening first when it has
// been idle beyond the staleness threshold. The check runs before each
// command rather than on a timer so the hardware is never probed idly.
func (t *Transport) ensureOpenLocked() error {
	if t.port != nil {
		idle := time.Since(t.lastWrite)
		if !t.lastWrite.IsZero() && idle > t.cfg.StaleAfter {
			t.logInfo("reopening stale bus handle", "idle", idle.String())
			t.dropPortLocked()
			t.reopens.Add(1)
		} else {
			return nil
		}
	}

	port, err := t.dial()
	if err != nil {
		return fmt.Errorf("opening bus: %w", err)
	}
	t.port = port
	t.openedAt = time.Now()
	return nil
}

// dropPortLocked closes and discards the current handle.
func (t *Transport) dropPortLocked() {
	if t.port != nil {
		_ = t.port.Close() //nolint:errcheck // best effort before reopen
		t.port = nil
	}
}

// Close releases the bus handle. Subsequent commands return ErrClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.dropPortLocked()
	t.logInfo("bus transport closed")
	return nil
}

// IsConnected reports whether a handle is currently open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil && !t.closed
}

// Stats returns current operational statistics.
func (t *Transport) Stats() Stats {
	return Stats{
		FramesTx:     t.framesTx.Load(),
		FramesRx:     t.framesRx.Load(),
		Retries:      t.retries.Load(),
		Reopens:      t.reopens.Load(),
		ErrorsTotal:  t.errorsTotal.Load(),
		LastActivity: time.Unix(t.lastActivity.Load(), 0),
		Connected:    t.IsConnected(),
	}
}

// SetLogger sets the logger for this transport.
func (t *Transport) SetLogger(logger Logger) {
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

// logInfo logs an info message if a logger is set.
func (t *Transport) logInfo(msg string, keysAndValues ...any) {
	t.loggerMu.RLock()
	logger := t.logger
	t.loggerMu.RUnlock()
	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

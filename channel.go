package serialchannel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// State is the lifecycle state of a Channel.
type State int32

const (
	// StateClosed means no device handle is held.
	StateClosed State = iota
	// StateOpen means the handle is held and the reader is running.
	StateOpen
	// StateFailed means the handle is held but the reader died; see Channel.Err.
	// Only Close leaves this state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Channel is one serial line: a device handle, a background reader filling
// a FIFO receive buffer, and a write path. Its zero value is not usable;
// construct it with New or NewWithConfig.
//
// Open and Close may be called from any goroutine. Read and write
// operations may run concurrently with each other and with the reader. A
// Close racing a blocked ReadString or Write makes that call return
// ErrNotOpen.
type Channel struct {
	cfg     Config
	logger  zerolog.Logger
	opener  Opener
	metrics *Metrics

	mu   sync.Mutex // serializes Open and Close
	slot *sessionSlot
}

// sessionSlot holds the current session. It is separate from Channel so a
// cleanup can release a forgotten session without keeping the Channel alive.
type sessionSlot struct {
	cur atomic.Pointer[session]
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithOpener replaces the go.bug.st device backend, e.g. with a fake in tests.
func WithOpener(o Opener) Option {
	return func(c *Channel) {
		if o != nil {
			c.opener = o
		}
	}
}

// WithMetrics records into m instead of a private Metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Channel) {
		if m != nil {
			c.metrics = m
		}
	}
}

// New returns a closed Channel for portName using 8-N-1 framing and the
// default timeout policy. A non-positive baudRate selects 9600. Nothing is
// touched until Open.
func New(portName string, baudRate int, opts ...Option) *Channel {
	return newChannel(DefaultConfig(portName, baudRate), opts)
}

// NewWithConfig returns a closed Channel for a validated cfg.
func NewWithConfig(cfg Config, opts ...Option) (*Channel, error) {
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return newChannel(cfg, opts), nil
}

func newChannel(cfg Config, opts []Option) *Channel {
	c := &Channel{
		cfg:     cfg,
		logger:  zerolog.Nop(),
		opener:  bugstOpener,
		metrics: &Metrics{},
		slot:    &sessionSlot{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("port", cfg.PortName).Logger()

	metrics, logger := c.metrics, c.logger
	runtime.AddCleanup(c, func(slot *sessionSlot) {
		if s := slot.cur.Swap(nil); s != nil {
			go func() {
				logger.Warn().Msg("serial channel collected while open, releasing device")
				_ = s.stop()
				metrics.recordClose()
			}()
		}
	}, c.slot)
	return c
}

// Open acquires the device, applies line parameters and timeouts, clears
// the receive buffer and starts the background reader. It returns only once
// the reader is running.
//
// Errors match ErrAlreadyOpen, ErrInvalidConfig, ErrDeviceUnavailable or
// ErrConfiguration. On any error the channel stays closed and no handle is
// held.
func (c *Channel) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slot.cur.Load() != nil {
		return ErrAlreadyOpen
	}

	// Re-validate: New does not.
	if err := ValidateConfig(&c.cfg); err != nil {
		c.metrics.recordOpenFailure()
		return err
	}

	dev, err := c.opener(c.cfg.PortName, openMode(c.cfg))
	if err != nil {
		c.metrics.recordOpenFailure()
		c.logger.Error().Err(err).Msg("opening serial device")
		return fmt.Errorf("opening %s: %w", c.cfg.PortName, classifyOpenError(err))
	}

	if err = c.configure(dev); err != nil {
		c.metrics.recordOpenFailure()
		c.logger.Error().Err(err).Msg("configuring serial device")
		return c.handleOpenError(dev, err)
	}

	s := newSession(dev, c.cfg, c.logger, c.metrics)
	s.start()
	c.slot.cur.Store(s)
	c.metrics.recordOpen()

	c.logger.Info().
		Int("baud", c.cfg.BaudRate).
		Int("data_bits", c.cfg.DataBits.Int()).
		Stringer("parity", c.cfg.Parity).
		Stringer("stop_bits", c.cfg.StopBits).
		Msg("serial channel open")
	return nil
}

// configure applies line parameters, the read timeout and control lines.
func (c *Channel) configure(dev Device) error {
	if err := dev.SetMode(modeFor(c.cfg)); err != nil {
		return fmt.Errorf("%w: setting line mode: %w", ErrConfiguration, err)
	}
	if err := dev.SetReadTimeout(c.cfg.Timeouts.ReadTimeout(readChunkSize)); err != nil {
		return fmt.Errorf("%w: setting read timeout: %w", ErrConfiguration, err)
	}
	if c.cfg.DTR != nil {
		if err := dev.SetDTR(*c.cfg.DTR); err != nil {
			return fmt.Errorf("%w: setting DTR: %w", ErrConfiguration, err)
		}
	}
	if c.cfg.RTS != nil {
		if err := dev.SetRTS(*c.cfg.RTS); err != nil {
			return fmt.Errorf("%w: setting RTS: %w", ErrConfiguration, err)
		}
	}
	return nil
}

// handleOpenError closes a half-configured handle and joins any error from
// closing with the original error.
func (c *Channel) handleOpenError(dev Device, err error) error {
	if e := dev.Close(); e != nil {
		err = errors.Join(err, fmt.Errorf("closing device: %w", e))
	}
	return err
}

// Close stops the background reader, waits for it to exit, then releases the
// device handle. Closing a closed channel logs a warning and returns nil.
// The returned error carries any background read failure (ErrReadFailure)
// joined with the device close error.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.slot.cur.Load()
	if s == nil {
		c.logger.Warn().Msg("close called on a closed serial channel")
		return nil
	}

	err := s.stop()
	c.slot.cur.Store(nil)
	c.metrics.recordClose()

	ev := c.logger.Info()
	if err != nil {
		ev = c.logger.Warn().Err(err)
	}
	ev.Msg("serial channel closed")
	return err
}

// IsOpen reports whether the channel holds a device handle with a live reader.
func (c *Channel) IsOpen() bool {
	return c.State() == StateOpen
}

// State reports the lifecycle state.
func (c *Channel) State() State {
	s := c.slot.cur.Load()
	switch {
	case s == nil:
		return StateClosed
	case s.failure.Load() != nil:
		return StateFailed
	}
	return StateOpen
}

// Err returns the background read failure of the current session, if any.
func (c *Channel) Err() error {
	if s := c.slot.cur.Load(); s != nil {
		return s.failure.Load()
	}
	return nil
}

// Config returns the channel configuration.
func (c *Channel) Config() Config { return c.cfg }

// PortName returns the configured device path.
func (c *Channel) PortName() string { return c.cfg.PortName }

// BaudRate returns the configured line speed in bits per second.
func (c *Channel) BaudRate() int { return c.cfg.BaudRate }

// Metrics returns the metrics the channel records into.
func (c *Channel) Metrics() *Metrics { return c.metrics }

// Available returns the number of buffered bytes. On a closed channel it
// logs a warning and returns 0.
func (c *Channel) Available() int {
	s := c.slot.cur.Load()
	if s == nil {
		c.logger.Warn().Msg("Available called on a closed serial channel")
		return 0
	}
	return s.rx.len()
}

// TakeByte removes and returns the oldest buffered byte. It never blocks;
// ok is false when nothing is buffered or the channel is closed.
func (c *Channel) TakeByte() (b byte, ok bool) {
	s := c.slot.cur.Load()
	if s == nil {
		return 0, false
	}
	return s.rx.readByte()
}

// ReadAvailable removes and returns everything buffered, or nil.
func (c *Channel) ReadAvailable() []byte {
	s := c.slot.cur.Load()
	if s == nil {
		return nil
	}
	return s.rx.takeAll()
}

// ResetInput discards everything buffered.
func (c *Channel) ResetInput() {
	if s := c.slot.cur.Load(); s != nil {
		s.rx.reset()
	}
}

// ReadString waits until n bytes are buffered and removes exactly n of them.
// See ReadBytes.
func (c *Channel) ReadString(ctx context.Context, n int) (string, error) {
	b, err := c.ReadBytes(ctx, n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes waits until n bytes are buffered and removes exactly n of them in
// FIFO order. The wait is bounded by ctx; when ctx has no deadline the
// configured ReadStringTimeout applies.
//
// Errors: ErrInvalidLength for n outside 1..MaxBuffered, ErrNotOpen when the
// channel is or becomes closed, ErrReadFailure when the reader dies before n
// bytes arrive, ErrReadTimeout (also matching context.DeadlineExceeded) when
// the deadline passes, ctx.Err() when ctx is cancelled. Nothing is removed
// on error.
func (c *Channel) ReadBytes(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 || n > c.cfg.MaxBuffered {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	s := c.slot.cur.Load()
	if s == nil {
		return nil, ErrNotOpen
	}

	timeout := c.cfg.ReadStringTimeout
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		out, wait := s.rx.take(n)
		if out != nil {
			return out, nil
		}

		select {
		case <-wait:
		case <-s.failed:
			if out, _ = s.rx.take(n); out != nil {
				return out, nil
			}
			return nil, s.failure.Load()
		case <-s.stopped:
			return nil, ErrNotOpen
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.metrics.recordReadTimeout()
				return nil, fmt.Errorf("%w: %d of %d bytes buffered: %w", ErrReadTimeout, s.rx.len(), n, ctx.Err())
			}
			return nil, ctx.Err()
		}
	}
}

// Write transmits p, bounded by the configured write timeout. It does not
// retry. A closed channel returns ErrNotOpen without touching the device; a
// failed channel returns its ErrReadFailure. Device errors, short writes and
// timeouts are reported as *WriteError.
func (c *Channel) Write(p []byte) (int, error) {
	s := c.slot.cur.Load()
	if s == nil {
		return 0, ErrNotOpen
	}
	if err := s.failure.Load(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	start := time.Now()
	n, err := s.write(p, c.cfg.Timeouts.WriteTimeout(len(p)))
	if errors.Is(err, ErrNotOpen) {
		return 0, err
	}
	c.metrics.recordWrite(n, err, time.Since(start))
	return n, err
}

// WriteString transmits s. See Write.
func (c *Channel) WriteString(s string) (int, error) {
	return c.Write([]byte(s))
}

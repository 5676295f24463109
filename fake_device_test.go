package serialchannel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	gobug "go.bug.st/serial"
	"go.uber.org/atomic"
)

var errFakeClosed = errors.New("fake: device closed")

// fakeDevice is an in-memory Device. Bytes passed to feed are returned by
// Read; in loopback mode every Write is fed back.
type fakeDevice struct {
	loopback bool

	mu          sync.Mutex
	pending     []byte
	readErr     error
	readTimeout time.Duration
	writes      [][]byte
	writeErr    error
	writeLimit  int // accept at most this many bytes per Write when > 0
	mode        *gobug.Mode
	dtr, rts    *bool

	setModeErr    error
	setTimeoutErr error
	setDTRErr     error

	writeGate chan struct{} // when non-nil, Write waits for it to close

	notify     chan struct{}
	closed     atomic.Bool
	closeCount atomic.Int64
	flushCount atomic.Int64
	readCount  atomic.Int64
	writeCount atomic.Int64
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		readTimeout: 10 * time.Millisecond,
		notify:      make(chan struct{}, 1),
	}
}

func (d *fakeDevice) SetMode(mode *gobug.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.setModeErr != nil {
		return d.setModeErr
	}
	m := *mode
	d.mode = &m
	return nil
}

func (d *fakeDevice) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.setTimeoutErr != nil {
		return d.setTimeoutErr
	}
	d.readTimeout = t
	return nil
}

func (d *fakeDevice) SetDTR(v bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.setDTRErr != nil {
		return d.setDTRErr
	}
	d.dtr = &v
	return nil
}

func (d *fakeDevice) SetRTS(v bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rts = &v
	return nil
}

// Read behaves like go.bug.st: it waits up to the read timeout and returns
// (0, nil) when nothing arrived.
func (d *fakeDevice) Read(p []byte) (int, error) {
	d.readCount.Inc()

	d.mu.Lock()
	timeout := d.readTimeout
	d.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if d.closed.Load() {
			return 0, errFakeClosed
		}
		d.mu.Lock()
		if d.readErr != nil {
			err := d.readErr
			d.readErr = nil
			d.mu.Unlock()
			return 0, err
		}
		if len(d.pending) > 0 {
			n := copy(p, d.pending)
			d.pending = d.pending[n:]
			d.mu.Unlock()
			return n, nil
		}
		d.mu.Unlock()

		select {
		case <-d.notify:
		case <-timer.C:
			return 0, nil
		}
	}
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.writeCount.Inc()
	if d.closed.Load() {
		return 0, errFakeClosed
	}

	d.mu.Lock()
	gate := d.writeGate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	if d.writeErr != nil {
		err := d.writeErr
		d.mu.Unlock()
		return 0, err
	}
	n := len(p)
	if d.writeLimit > 0 && n > d.writeLimit {
		n = d.writeLimit
	}
	d.writes = append(d.writes, append([]byte(nil), p[:n]...))
	d.mu.Unlock()

	if d.loopback {
		d.feed(p[:n])
	}
	return n, nil
}

func (d *fakeDevice) ResetOutputBuffer() error {
	d.flushCount.Inc()
	return nil
}

func (d *fakeDevice) Close() error {
	d.closeCount.Inc()
	d.closed.Store(true)
	d.wake()
	return nil
}

// feed makes b available to Read.
func (d *fakeDevice) feed(b []byte) {
	d.mu.Lock()
	d.pending = append(d.pending, b...)
	d.mu.Unlock()
	d.wake()
}

// failNextRead makes the next Read return err.
func (d *fakeDevice) failNextRead(err error) {
	d.mu.Lock()
	d.readErr = err
	d.mu.Unlock()
	d.wake()
}

func (d *fakeDevice) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *fakeDevice) written() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.writes...)
}

// fakeBackend is an Opener handing out fakeDevices and counting opens.
type fakeBackend struct {
	mu      sync.Mutex
	devices []*fakeDevice
	openErr error
	prepare func(*fakeDevice)
	opens   atomic.Int64
	names   []string
}

func (b *fakeBackend) open(name string, mode *gobug.Mode) (Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.names = append(b.names, name)
	if b.openErr != nil {
		return nil, b.openErr
	}
	d := newFakeDevice()
	if b.prepare != nil {
		b.prepare(d)
	}
	b.devices = append(b.devices, d)
	b.opens.Inc()
	return d, nil
}

// last returns the most recently opened device.
func (b *fakeBackend) last(t *testing.T) *fakeDevice {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.devices, "no device opened")
	return b.devices[len(b.devices)-1]
}

func (b *fakeBackend) all() []*fakeDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeDevice(nil), b.devices...)
}

func testConfig() Config {
	cfg := DefaultConfig("/dev/ttyFAKE0", 9600)
	cfg.Timeouts.ReadTotalConstant = 10 * time.Millisecond
	return cfg
}

// newTestChannel returns a closed channel backed by a fakeBackend. mutate, if
// non-nil, adjusts the config first.
func newTestChannel(t *testing.T, mutate func(*Config), opts ...Option) (*Channel, *fakeBackend) {
	t.Helper()
	b := &fakeBackend{}
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	ch, err := NewWithConfig(cfg, append([]Option{WithOpener(b.open)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch, b
}

// openTestChannel is newTestChannel followed by a successful Open.
func openTestChannel(t *testing.T, mutate func(*Config), opts ...Option) (*Channel, *fakeDevice) {
	t.Helper()
	ch, b := newTestChannel(t, mutate, opts...)
	require.NoError(t, ch.Open())
	return ch, b.last(t)
}

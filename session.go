package serialchannel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// readChunkSize is how many bytes the reader asks the device for at once.
const readChunkSize = 256

var readBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, readChunkSize)
		return &b
	},
}

// writeOperation represents a queued write operation
type writeOperation struct {
	data      []byte
	abandoned atomic.Bool // the caller timed out before the write started
	resultCh  chan writeResult
}

// writeResult holds the result of a write operation
type writeResult struct {
	n   int
	err error
}

// session is everything that exists only while a Channel is open: the device
// handle, the receive buffer and the two goroutines that touch the handle.
// It holds no reference back to its Channel.
type session struct {
	dev     Device
	rx      *rxBuffer
	logger  zerolog.Logger
	metrics *Metrics

	alive    atomic.Bool  // liveness flag polled by the reader
	failure  atomic.Error // set once when the reader dies
	failed   chan struct{}
	failOnce sync.Once

	stopped    chan struct{}
	readerDone chan struct{}
	writerDone chan struct{}
	writes     chan *writeOperation
	writeGrace time.Duration

	stopOnce sync.Once
	stopErr  error
}

func newSession(dev Device, cfg Config, logger zerolog.Logger, metrics *Metrics) *session {
	return &session{
		dev:        dev,
		rx:         newRxBuffer(cfg.MaxBuffered),
		logger:     logger,
		metrics:    metrics,
		failed:     make(chan struct{}),
		stopped:    make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
		writes:     make(chan *writeOperation),
		writeGrace: cfg.Timeouts.WriteTimeout(0) + 100*time.Millisecond,
	}
}

func (s *session) start() {
	s.alive.Store(true)
	go s.readLoop()
	go s.writeLoop()
}

// readLoop pulls bytes from the device into the receive buffer until the
// liveness flag is cleared or the device fails. A read that times out
// returns (0, nil) and the loop goes round again, so the device timeout is
// the only yield point.
func (s *session) readLoop() {
	defer close(s.readerDone)

	bp := readBufPool.Get().(*[]byte)
	defer readBufPool.Put(bp)
	buf := *bp

	for s.alive.Load() {
		n, err := s.dev.Read(buf)
		if n > 0 {
			dropped, started := s.rx.append(buf[:n])
			s.metrics.recordRead(n, dropped)
			if started {
				s.logger.Warn().Int("dropped", dropped).Msg("receive buffer full, dropping incoming bytes")
			}
		}
		if err != nil {
			if !s.alive.Load() {
				// closing: the error is the handle going away
				return
			}
			s.fail(err)
			return
		}
	}
}

func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.failure.Store(fmt.Errorf("%w: %w", ErrReadFailure, err))
		s.alive.Store(false)
		s.metrics.recordReadFailure()
		s.logger.Error().Err(err).Msg("background reader stopped")
		close(s.failed)
	})
}

// writeLoop handles all write operations in a single goroutine so the
// device sees at most one writer.
func (s *session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case op := <-s.writes:
			s.executeWrite(op)
		case <-s.stopped:
			return
		}
	}
}

func (s *session) executeWrite(op *writeOperation) {
	if op.abandoned.Load() {
		op.resultCh <- writeResult{0, nil}
		return
	}
	n, err := s.dev.Write(op.data)
	switch {
	case err != nil:
		err = newWriteError(n, err)
	case n < len(op.data):
		err = &WriteError{Code: WriteCodePartial, N: n}
	}
	op.resultCh <- writeResult{n, err}
}

// write hands p to the writer goroutine and waits at most timeout for the
// device to take it. A zero timeout waits indefinitely.
func (s *session) write(p []byte, timeout time.Duration) (int, error) {
	op := &writeOperation{data: p, resultCh: make(chan writeResult, 1)}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case s.writes <- op:
	case <-s.stopped:
		return 0, ErrNotOpen
	case <-expired:
		return 0, &WriteError{Code: WriteCodeTimeout}
	}

	select {
	case r := <-op.resultCh:
		return r.n, r.err
	case <-expired:
		op.abandoned.Store(true)
		s.logger.Debug().Dur("timeout", timeout).Int("len", len(p)).Msg("write timed out")
		return 0, &WriteError{Code: WriteCodeTimeout}
	}
}

// stop clears the liveness flag, joins the reader, releases the handle and
// joins the writer. It runs once; later calls return the first result. A
// writer stuck in the device is waited for at most writeGrace at each step
// and then abandoned, so stop always returns.
func (s *session) stop() error {
	s.stopOnce.Do(func() {
		s.alive.Store(false)
		close(s.stopped)

		// the reader notices within one read timeout
		<-s.readerDone

		// give an in-flight write a chance to finish before pulling the handle
		if !s.waitWriter() {
			if err := s.dev.ResetOutputBuffer(); err != nil {
				s.logger.Debug().Err(err).Msg("flushing output before close")
			}
			s.waitWriter()
		}

		closeErr := s.dev.Close()
		if !s.waitWriter() {
			s.logger.Warn().Dur("grace", s.writeGrace).Msg("writer still blocked in the device, abandoning it")
		}

		if closeErr != nil {
			closeErr = fmt.Errorf("closing device: %w", closeErr)
		}
		s.stopErr = errors.Join(s.failure.Load(), closeErr)
	})
	return s.stopErr
}

// waitWriter waits up to writeGrace for the writer goroutine to exit.
func (s *session) waitWriter() bool {
	t := time.NewTimer(s.writeGrace)
	defer t.Stop()
	select {
	case <-s.writerDone:
		return true
	case <-t.C:
		return false
	}
}

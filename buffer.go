package serialchannel

import (
	"bytes"
	"sync"
)

// rxBuffer is the FIFO between the background reader and callers. The reader
// is the only appender; callers are the only drainers. Every append replaces
// the signal channel so waiters can select on it alongside a deadline.
type rxBuffer struct {
	mu      sync.Mutex
	data    bytes.Buffer
	limit   int
	signal  chan struct{}
	overrun bool
}

func newRxBuffer(limit int) *rxBuffer {
	return &rxBuffer{limit: limit, signal: make(chan struct{})}
}

// append stores as much of p as fits under the limit and wakes waiters.
// It returns the number of bytes dropped, and whether this append started a
// new overrun episode.
func (b *rxBuffer) append(p []byte) (dropped int, started bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.data.Len()
	if room < 0 {
		room = 0
	}
	if len(p) > room {
		dropped = len(p) - room
		p = p[:room]
		started = !b.overrun
		b.overrun = true
	}
	if len(p) > 0 {
		b.data.Write(p)
		close(b.signal)
		b.signal = make(chan struct{})
	}
	return dropped, started
}

func (b *rxBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data.Len()
}

func (b *rxBuffer) readByte() (byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.data.ReadByte()
	if err != nil {
		return 0, false
	}
	b.drained()
	return c, true
}

// take removes exactly n bytes if that many are buffered. Otherwise it
// returns nil and the channel that will be closed on the next append.
func (b *rxBuffer) take(n int) ([]byte, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data.Len() < n {
		return nil, b.signal
	}
	out := make([]byte, n)
	copy(out, b.data.Next(n))
	b.drained()
	return out, nil
}

// takeAll removes everything buffered.
func (b *rxBuffer) takeAll() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data.Len() == 0 {
		return nil
	}
	out := bytes.Clone(b.data.Bytes())
	b.data.Reset()
	b.drained()
	return out
}

func (b *rxBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data.Reset()
	b.overrun = false
}

// drained ends an overrun episode once there is room again. Caller holds mu.
func (b *rxBuffer) drained() {
	if b.data.Len() < b.limit {
		b.overrun = false
	}
}

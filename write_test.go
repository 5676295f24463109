package serialchannel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOnClosedChannelReturnsNotOpen(t *testing.T) {
	ch, b := newTestChannel(t, nil)

	n, err := ch.Write([]byte("Hello"))
	require.ErrorIs(t, err, ErrNotOpen)
	assert.Zero(t, n)
	assert.EqualValues(t, 0, b.opens.Load())

	require.NoError(t, ch.Open())
	dev := b.last(t)
	require.NoError(t, ch.Close())

	_, err = ch.WriteString("Hello")
	require.ErrorIs(t, err, ErrNotOpen)
	assert.EqualValues(t, 0, dev.writeCount.Load())
}

func TestLoopbackHello(t *testing.T) {
	ch, b := newTestChannel(t, nil)
	b.prepare = func(d *fakeDevice) { d.loopback = true }
	require.NoError(t, ch.Open())

	n, err := ch.WriteString("Hello")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	waitAvailable(t, ch, 5)
	got, err := ch.ReadString(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got)

	m := ch.Metrics().Snapshot()
	assert.EqualValues(t, 5, m.BytesWritten)
	assert.EqualValues(t, 5, m.BytesRead)
	assert.EqualValues(t, 1, m.Writes)
}

func TestWriteEmptyIsNoop(t *testing.T) {
	ch, dev := openTestChannel(t, nil)

	n, err := ch.Write(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 0, dev.writeCount.Load())
}

func TestWriteDeviceErrorIsNotRetried(t *testing.T) {
	ch, dev := openTestChannel(t, nil)
	boom := errors.New("EIO")
	dev.mu.Lock()
	dev.writeErr = boom
	dev.mu.Unlock()

	_, err := ch.Write([]byte("FA;"))
	require.ErrorIs(t, err, ErrWriteFailure)
	require.ErrorIs(t, err, boom)

	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, WriteCodeDevice, we.Code)
	assert.EqualValues(t, 1, dev.writeCount.Load())
	assert.EqualValues(t, 1, ch.Metrics().WriteErrors.Load())

	// the channel stays usable
	assert.True(t, ch.IsOpen())
}

func TestWritePartial(t *testing.T) {
	ch, dev := openTestChannel(t, nil)
	dev.mu.Lock()
	dev.writeLimit = 2
	dev.mu.Unlock()

	n, err := ch.Write([]byte("Hello"))
	assert.Equal(t, 2, n)

	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, WriteCodePartial, we.Code)
	assert.Equal(t, 2, we.N)
	assert.EqualValues(t, 1, dev.writeCount.Load())
}

func TestWriteTimeout(t *testing.T) {
	ch, dev := openTestChannel(t, func(c *Config) {
		c.Timeouts.WriteTotalConstant = 30 * time.Millisecond
	})
	gate := make(chan struct{})
	dev.mu.Lock()
	dev.writeGate = gate
	dev.mu.Unlock()

	start := time.Now()
	_, err := ch.Write([]byte("stuck"))
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, WriteCodeTimeout, we.Code)
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1, ch.Metrics().WriteTimeouts.Load())

	close(gate)
	require.NoError(t, ch.Close())
}

func TestConcurrentWritesAreSerialized(t *testing.T) {
	ch, dev := openTestChannel(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ch.WriteString("CMD;")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	writes := dev.written()
	require.Len(t, writes, 10)
	for _, w := range writes {
		assert.Equal(t, "CMD;", string(w))
	}
}

func TestCloseRacingWrites(t *testing.T) {
	ch, b := newTestChannel(t, nil)
	b.prepare = func(d *fakeDevice) { d.loopback = true }
	require.NoError(t, ch.Open())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, err := ch.Write([]byte("x"))
				if err != nil && !errors.Is(err, ErrNotOpen) && !errors.Is(err, ErrWriteFailure) {
					t.Errorf("unexpected write error: %v", err)
					return
				}
				_ = ch.Available()
			}
		}()
	}

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, ch.Close())
	close(stop)
	wg.Wait()

	assert.EqualValues(t, 1, b.last(t).closeCount.Load())
	assert.Equal(t, StateClosed, ch.State())
}

func TestCloseWithWriterStuckInDevice(t *testing.T) {
	ch, dev := openTestChannel(t, func(c *Config) {
		c.Timeouts.WriteTotalConstant = 30 * time.Millisecond
	})
	gate := make(chan struct{}) // never released while the channel is open
	dev.mu.Lock()
	dev.writeGate = gate
	dev.mu.Unlock()
	t.Cleanup(func() { close(gate) })

	_, err := ch.Write([]byte("stuck"))
	var we *WriteError
	require.ErrorAs(t, err, &we)
	require.Equal(t, WriteCodeTimeout, we.Code)

	closed := make(chan error, 1)
	go func() { closed <- ch.Close() }()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a stuck device write")
	}
	assert.Equal(t, StateClosed, ch.State())
	assert.EqualValues(t, 1, dev.flushCount.Load())
	assert.EqualValues(t, 1, dev.closeCount.Load())
	assert.False(t, ch.Metrics().Snapshot().IsConnected)
}

package serialchannel

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Metrics tracks serial channel health statistics. A Metrics value may be
// shared by several channels through WithMetrics.
type Metrics struct {
	// Lifecycle
	Opens               atomic.Int64 // Successful opens
	OpenFailures        atomic.Int64 // Failed opens
	Closes              atomic.Int64 // Completed closes
	Connected           atomic.Bool  // A channel is open
	ReaderFailed        atomic.Bool  // The open channel's reader died
	LastOpenTime        atomic.Time
	LastCloseTime       atomic.Time
	ConnectionStartTime atomic.Time
	TotalUptime         atomic.Duration

	// Receive side
	BytesRead    atomic.Int64 // Bytes appended to the receive buffer
	ReadFailures atomic.Int64 // Fatal background read errors
	ReadTimeouts atomic.Int64 // ReadString deadlines hit
	Overruns     atomic.Int64 // Bytes dropped because the buffer was full

	// Transmit side
	Writes        atomic.Int64 // Write calls that reached the device
	BytesWritten  atomic.Int64
	WriteErrors   atomic.Int64 // Failed writes, timeouts included
	WriteTimeouts atomic.Int64
	MaxWriteTime  atomic.Duration

	// Health
	ConsecutiveFailures atomic.Int64
	LastErrorTime       atomic.Time
}

// HealthStatus represents the overall health of serial communication
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDown      HealthStatus = "down"
)

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Timestamp           time.Time     `json:"timestamp"`
	IsConnected         bool          `json:"is_connected"`
	ReaderFailed        bool          `json:"reader_failed"`
	Opens               int64         `json:"opens"`
	OpenFailures        int64         `json:"open_failures"`
	Closes              int64         `json:"closes"`
	BytesRead           int64         `json:"bytes_read"`
	BytesWritten        int64         `json:"bytes_written"`
	Writes              int64         `json:"writes"`
	WriteErrors         int64         `json:"write_errors"`
	WriteTimeouts       int64         `json:"write_timeouts"`
	ReadFailures        int64         `json:"read_failures"`
	ReadTimeouts        int64         `json:"read_timeouts"`
	Overruns            int64         `json:"overruns"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	WriteSuccessRate    float64       `json:"write_success_rate"`
	MaxWriteLatency     time.Duration `json:"max_write_latency"`
	UptimeSeconds       float64       `json:"uptime_seconds"`
	HealthStatus        HealthStatus  `json:"health_status"`
	HealthScore         float64       `json:"health_score"`
}

// Snapshot copies the counters and assesses health.
func (m *Metrics) Snapshot() MetricsSnapshot {
	now := time.Now()
	s := MetricsSnapshot{
		Timestamp:           now,
		IsConnected:         m.Connected.Load(),
		ReaderFailed:        m.ReaderFailed.Load(),
		Opens:               m.Opens.Load(),
		OpenFailures:        m.OpenFailures.Load(),
		Closes:              m.Closes.Load(),
		BytesRead:           m.BytesRead.Load(),
		BytesWritten:        m.BytesWritten.Load(),
		Writes:              m.Writes.Load(),
		WriteErrors:         m.WriteErrors.Load(),
		WriteTimeouts:       m.WriteTimeouts.Load(),
		ReadFailures:        m.ReadFailures.Load(),
		ReadTimeouts:        m.ReadTimeouts.Load(),
		Overruns:            m.Overruns.Load(),
		ConsecutiveFailures: m.ConsecutiveFailures.Load(),
		MaxWriteLatency:     m.MaxWriteTime.Load(),
		WriteSuccessRate:    100.0,
	}
	if s.Writes > 0 {
		s.WriteSuccessRate = float64(s.Writes-s.WriteErrors) / float64(s.Writes) * 100
	}
	if start := m.ConnectionStartTime.Load(); s.IsConnected && !start.IsZero() {
		s.UptimeSeconds = now.Sub(start).Seconds()
	}
	s.HealthStatus = assessHealthStatus(s)
	s.HealthScore = calculateHealthScore(s)
	return s
}

func assessHealthStatus(s MetricsSnapshot) HealthStatus {
	if !s.IsConnected {
		return HealthStatusDown
	}
	errorRate := 100 - s.WriteSuccessRate
	if s.ReaderFailed || errorRate > 50.0 || s.ConsecutiveFailures > 5 {
		return HealthStatusUnhealthy
	}
	if errorRate > 10.0 || s.Overruns > 0 || s.ConsecutiveFailures > 3 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

func calculateHealthScore(s MetricsSnapshot) float64 {
	if !s.IsConnected {
		return 0.0
	}
	score := 100.0
	score -= (100 - s.WriteSuccessRate) * 2
	score -= float64(s.ConsecutiveFailures) * 10
	if s.Overruns > 0 {
		score -= 10
	}
	if score < 0 {
		score = 0
	}
	return score
}

func (m *Metrics) recordOpen() {
	now := time.Now()
	m.Opens.Inc()
	m.Connected.Store(true)
	m.ReaderFailed.Store(false)
	m.LastOpenTime.Store(now)
	m.ConnectionStartTime.Store(now)
	m.ConsecutiveFailures.Store(0)
}

func (m *Metrics) recordOpenFailure() {
	m.OpenFailures.Inc()
	m.recordError()
}

func (m *Metrics) recordClose() {
	now := time.Now()
	if start := m.ConnectionStartTime.Load(); !start.IsZero() {
		m.TotalUptime.Add(now.Sub(start))
	}
	m.Closes.Inc()
	m.Connected.Store(false)
	m.ReaderFailed.Store(false)
	m.LastCloseTime.Store(now)
	m.ConnectionStartTime.Store(time.Time{})
}

func (m *Metrics) recordRead(n, dropped int) {
	m.BytesRead.Add(int64(n - dropped))
	if dropped > 0 {
		m.Overruns.Add(int64(dropped))
	}
}

func (m *Metrics) recordReadFailure() {
	m.ReadFailures.Inc()
	m.ReaderFailed.Store(true)
	m.recordError()
}

func (m *Metrics) recordReadTimeout() {
	m.ReadTimeouts.Inc()
}

func (m *Metrics) recordWrite(n int, err error, d time.Duration) {
	m.Writes.Inc()
	m.BytesWritten.Add(int64(n))
	for {
		current := m.MaxWriteTime.Load()
		if d <= current || m.MaxWriteTime.CompareAndSwap(current, d) {
			break
		}
	}
	if err == nil {
		m.ConsecutiveFailures.Store(0)
		return
	}
	m.WriteErrors.Inc()
	var we *WriteError
	if errors.As(err, &we) && we.Code == WriteCodeTimeout {
		m.WriteTimeouts.Inc()
	}
	m.recordError()
}

func (m *Metrics) recordError() {
	m.ConsecutiveFailures.Inc()
	m.LastErrorTime.Store(time.Now())
}

// MetricsBroadcaster handles channel-based metrics broadcasting
type MetricsBroadcaster struct {
	metrics  *Metrics
	ch       chan MetricsSnapshot
	interval time.Duration
	enabled  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex // guards sends on ch against Stop closing it
	stopped bool
}

// NewMetricsBroadcaster creates a broadcaster emitting snapshots of m every
// interval. Snapshots are dropped when the consumer falls behind.
func NewMetricsBroadcaster(m *Metrics, channelSize int, interval time.Duration) *MetricsBroadcaster {
	if channelSize <= 0 {
		channelSize = 50
	}
	return &MetricsBroadcaster{
		metrics:  m,
		ch:       make(chan MetricsSnapshot, channelSize),
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins broadcasting metrics to the channel
func (mb *MetricsBroadcaster) Start() {
	if !mb.enabled.CompareAndSwap(false, true) {
		return // Already running
	}

	go func() {
		defer close(mb.doneCh)
		ticker := time.NewTicker(mb.interval)
		defer ticker.Stop()

		for {
			select {
			case <-mb.stopCh:
				return
			case <-ticker.C:
				mb.BroadcastImmediate()
			}
		}
	}()
}

// Stop stops broadcasting and closes the snapshot channel.
func (mb *MetricsBroadcaster) Stop() {
	mb.stopOnce.Do(func() {
		close(mb.stopCh)
		if mb.enabled.Load() {
			<-mb.doneCh
		}
		mb.mu.Lock()
		mb.stopped = true
		close(mb.ch)
		mb.mu.Unlock()
	})
}

// BroadcastImmediate sends a snapshot now (for critical events).
func (mb *MetricsBroadcaster) BroadcastImmediate() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.stopped {
		return
	}
	select {
	case mb.ch <- mb.metrics.Snapshot():
	default:
		// Channel full, skip this broadcast
	}
}

// C returns the read-only snapshot channel for consumers.
func (mb *MetricsBroadcaster) C() <-chan MetricsSnapshot {
	return mb.ch
}

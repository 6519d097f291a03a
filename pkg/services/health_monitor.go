package services

import (
	"context"
	"sync"
	"time"

	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/infrastructure/metrics"
	"github.com/TFMV/sluice/pkg/models"
)

// HealthConfig configures probing and reconnects.
type HealthConfig struct {
	Enabled              bool
	Interval             time.Duration
	ProbeTimeout         time.Duration
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
}

// DefaultHealthConfig returns the health monitor defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Enabled:              true,
		Interval:             5 * time.Second,
		ProbeTimeout:         3 * time.Second,
		MaxReconnectAttempts: 5,
		BackoffBase:          500 * time.Millisecond,
		BackoffMax:           30 * time.Second,
	}
}

func (c HealthConfig) withDefaults() HealthConfig {
	d := DefaultHealthConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	return c
}

// ReconnectBackoff returns the delay before reconnect attempt n (1-based):
// base * 2^(n-1), capped at max.
func ReconnectBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// HealthMonitor drives the health state machine of one handle. Probes go
// through the pool's control connection, so they neither wait behind nor
// block user writes.
type HealthMonitor struct {
	cfg     HealthConfig
	handle  *ConnectionHandle
	logger  Logger
	metrics MetricsCollector
	notify  func(models.HealthStatus)

	// transitions are serialized so notifications arrive in order
	mu      sync.Mutex
	attempt int

	wake      chan struct{}
	reconnect chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	// Probe runs on caller goroutines; Stop cancels and waits for them.
	probeMu sync.Mutex
	stopped bool
	life    context.Context
	kill    context.CancelFunc
	probes  sync.WaitGroup
}

// NewHealthMonitor creates a monitor for h. notify receives every status
// change and may be nil.
func NewHealthMonitor(h *ConnectionHandle, cfg HealthConfig, logger Logger, metrics MetricsCollector, notify func(models.HealthStatus)) *HealthMonitor {
	if notify == nil {
		notify = func(models.HealthStatus) {}
	}
	life, kill := context.WithCancel(context.Background())
	return &HealthMonitor{
		cfg:       cfg.withDefaults(),
		handle:    h,
		logger:    orNoopLogger(logger),
		metrics:   orNoopMetrics(metrics),
		notify:    notify,
		wake:      make(chan struct{}, 1),
		reconnect: make(chan struct{}, 1),
		done:      make(chan struct{}),
		life:      life,
		kill:      kill,
	}
}

// Start launches the monitor goroutine. Periodic probes only run when the
// config enables them; manual probes and reconnects always work.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		go m.run(ctx)
	})
}

// Stop ends the monitor and waits for its goroutine and for every Probe in
// progress, including reconnect attempts. It is safe to call more than once
// and before Start.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		m.probeMu.Lock()
		m.stopped = true
		m.probeMu.Unlock()
		m.kill()

		started := false
		m.startOnce.Do(func() { close(m.done) })
		if m.cancel != nil {
			started = true
			m.cancel()
		}
		if started {
			<-m.done
		}
		m.probes.Wait()
	})
}

// Status returns the handle's current status.
func (m *HealthMonitor) Status() models.HealthStatus {
	return m.handle.Status()
}

// Probe runs one round trip now. A failure moves the handle to Failed and
// starts the reconnect cycle. After Stop it fails with NOT_CONNECTED.
func (m *HealthMonitor) Probe(ctx context.Context) (models.HealthStatus, error) {
	m.probeMu.Lock()
	if m.stopped {
		m.probeMu.Unlock()
		return m.Status(), errors.New(errors.CodeNotConnected, "health monitor stopped")
	}
	m.probes.Add(1)
	m.probeMu.Unlock()
	defer m.probes.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(m.life, cancel)()

	if err := m.probe(ctx); err != nil {
		return m.Status(), err
	}
	return m.Status(), nil
}

// Reconnect resets the attempt budget and starts a reconnect attempt now.
// It is the way out of an exhausted Failed state. It never blocks.
func (m *HealthMonitor) Reconnect() {
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
}

func (m *HealthMonitor) run(ctx context.Context) {
	defer close(m.done)

	var tick <-chan time.Time
	if m.cfg.Enabled {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var retry *time.Timer
	var retryC <-chan time.Time
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
	}
	defer stopRetry()

	for {
		select {
		case <-ctx.Done():
			return

		case <-tick:
			if m.Status().State == models.StateConnected {
				_ = m.probe(ctx)
			}

		case <-m.wake:
			if retryC != nil {
				continue
			}
			if d, ok := m.nextBackoff(); ok {
				m.logger.Info("Reconnect scheduled", "handle_id", m.handle.ID, "in", d)
				retry = time.NewTimer(d)
				retryC = retry.C
			}

		case <-m.reconnect:
			stopRetry()
			m.mu.Lock()
			m.attempt = 0
			m.mu.Unlock()
			m.attemptReconnect(ctx)

		case <-retryC:
			retry, retryC = nil, nil
			m.attemptReconnect(ctx)
		}
	}
}

// nextBackoff returns the delay before the next attempt, or false when the
// budget is spent or the handle is not Failed.
func (m *HealthMonitor) nextBackoff() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle.Status().State != models.StateFailed || m.attempt >= m.cfg.MaxReconnectAttempts {
		return 0, false
	}
	return ReconnectBackoff(m.cfg.BackoffBase, m.cfg.BackoffMax, m.attempt+1), true
}

// ping runs the adapter's round trip on the control connection.
func (m *HealthMonitor) ping(ctx context.Context) (time.Duration, error) {
	h := m.handle
	if h.Closed() {
		return 0, errors.New(errors.CodeNotConnected, "connection closed")
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	conn, release, err := h.Pool.Control(ctx)
	if err != nil {
		return 0, connectionError(h.Adapter, err)
	}
	defer release()

	if err := h.Adapter.Ping(ctx, conn); err != nil {
		return 0, connectionError(h.Adapter, err)
	}
	return time.Since(start), nil
}

// probe is one health check of a Connected handle.
func (m *HealthMonitor) probe(ctx context.Context) error {
	latency, err := m.ping(ctx)
	if err != nil {
		if ctx.Err() != nil || m.handle.Closed() {
			return err
		}
		m.logger.Warn("Health probe failed", "handle_id", m.handle.ID, "error", err)
		m.fail(err, 0)
		m.signal()
		return err
	}

	m.metrics.RecordHistogram(metrics.HealthProbeLatency, latency.Seconds())

	m.mu.Lock()
	cur := m.handle.Status()
	if cur.State == models.StateConnected {
		cur.Latency = latency
		m.handle.setStatus(cur)
	}
	m.mu.Unlock()
	return nil
}

// attemptReconnect runs one reconnect attempt. The pool replaces broken
// physical connections itself; a successful ping on the control connection
// proves a fresh one can be established.
func (m *HealthMonitor) attemptReconnect(ctx context.Context) {
	m.mu.Lock()
	n := m.attempt + 1
	m.mu.Unlock()

	if err := m.transition(models.StateConnecting, nil, n); err != nil {
		m.logger.Debug("Reconnect skipped", "handle_id", m.handle.ID, "error", err)
		return
	}
	m.mu.Lock()
	m.attempt = n
	m.mu.Unlock()
	m.metrics.IncrementCounter(metrics.ReconnectAttempts)
	m.logger.Info("Reconnecting", "handle_id", m.handle.ID, "attempt", n, "max_attempts", m.cfg.MaxReconnectAttempts)

	latency, err := m.ping(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.fail(err, n)
		if n >= m.cfg.MaxReconnectAttempts {
			m.logger.Error("Reconnect attempts exhausted", "handle_id", m.handle.ID, "attempts", n, "error", err)
			return
		}
		m.signal()
		return
	}

	m.mu.Lock()
	m.attempt = 0
	m.mu.Unlock()

	// A reconnect may have crossed a schema change on the server.
	m.handle.Schema.Invalidate()

	if err := m.transition(models.StateConnected, nil, 0); err == nil {
		m.metrics.RecordHistogram(metrics.HealthProbeLatency, latency.Seconds())
		m.logger.Info("Reconnected", "handle_id", m.handle.ID, "attempts", n)
	}
}

// fail moves the handle to Failed with reason err.
func (m *HealthMonitor) fail(err error, attempt int) {
	reason := toWorkerError(err)
	if terr := m.transition(models.StateFailed, reason, attempt); terr != nil {
		m.logger.Debug("Ignoring failure", "handle_id", m.handle.ID, "error", terr)
	}
}

// transition applies one state machine step and notifies.
func (m *HealthMonitor) transition(to models.HealthState, reason *errors.Error, attempt int) error {
	m.mu.Lock()
	cur := m.handle.Status()
	if !cur.State.CanTransition(to) {
		m.mu.Unlock()
		return errors.Newf(errors.CodeInternal, "invalid health transition %s -> %s", cur.State, to)
	}
	next := models.HealthStatus{
		State:       to,
		Profile:     m.handle.Profile.Name,
		Reason:      reason,
		Attempt:     attempt,
		MaxAttempts: m.cfg.MaxReconnectAttempts,
		Since:       time.Now(),
	}
	if to == models.StateConnected {
		next.Attempt, next.MaxAttempts = 0, 0
	}
	m.handle.setStatus(next)
	m.notify(next)
	m.mu.Unlock()

	m.metrics.RecordGauge(metrics.ConnectionState, float64(to))
	return nil
}

func (m *HealthMonitor) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// toWorkerError returns err as *errors.Error, wrapping foreign errors.
func toWorkerError(err error) *errors.Error {
	if err == nil {
		return nil
	}
	if we := errors.ClassifyConnection(err); we != nil {
		return we
	}
	return errors.Wrap(err, errors.CodeInternal, err.Error())
}

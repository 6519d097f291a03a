package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TFMV/sluice/pkg/cache"
	"github.com/TFMV/sluice/pkg/drivers"
	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/infrastructure/credentials"
	"github.com/TFMV/sluice/pkg/infrastructure/metrics"
	"github.com/TFMV/sluice/pkg/infrastructure/pool"
	"github.com/TFMV/sluice/pkg/models"
)

// ConnectionConfig configures the pools built by the ConnectionManager.
type ConnectionConfig struct {
	Pool            pool.Config
	ApplicationName string
	SchemaCache     *cache.Config
	// PoolLogger receives the pool's own debug and slow query logs.
	PoolLogger zerolog.Logger
}

// ConnectionHandle is one live pool plus its health and schema cache.
type ConnectionHandle struct {
	ID          string
	Profile     models.ConnectionProfile
	Adapter     drivers.Adapter
	Pool        *pool.Pool
	Schema      *cache.SchemaCache
	ConnectedAt time.Time

	mu      sync.RWMutex
	status  models.HealthStatus
	monitor *HealthMonitor

	closed atomic.Bool
}

// Status returns the current health status.
func (h *ConnectionHandle) Status() models.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *ConnectionHandle) setStatus(s models.HealthStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// AttachMonitor binds the health monitor stopped by Disconnect.
func (h *ConnectionHandle) AttachMonitor(m *HealthMonitor) {
	h.mu.Lock()
	h.monitor = m
	h.mu.Unlock()
}

// Monitor returns the attached health monitor, if any.
func (h *ConnectionHandle) Monitor() *HealthMonitor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.monitor
}

// Draining reports whether the handle stopped accepting queries.
func (h *ConnectionHandle) Draining() bool {
	return h.Pool.Draining()
}

// Closed reports whether the pool has been closed.
func (h *ConnectionHandle) Closed() bool {
	return h.closed.Load()
}

// QueryCanceler cancels every in-flight query of a handle.
type QueryCanceler interface {
	CancelAll(handleID string) int
}

// AdapterResolver looks up the adapter of a driver kind.
type AdapterResolver func(kind models.DriverKind) (drivers.Adapter, error)

// ConnectionManager creates and tears down connection handles.
type ConnectionManager struct {
	cfg     ConnectionConfig
	store   credentials.Store
	resolve AdapterResolver
	logger  Logger
	metrics MetricsCollector

	mu       sync.RWMutex
	canceler QueryCanceler
}

// NewConnectionManager creates a new connection manager.
func NewConnectionManager(
	cfg ConnectionConfig,
	store credentials.Store,
	logger Logger,
	metrics MetricsCollector,
) *ConnectionManager {
	return &ConnectionManager{
		cfg:     cfg,
		store:   store,
		resolve: drivers.Get,
		logger:  orNoopLogger(logger),
		metrics: orNoopMetrics(metrics),
	}
}

// SetAdapterResolver replaces the driver registry lookup.
func (m *ConnectionManager) SetAdapterResolver(r AdapterResolver) {
	m.resolve = r
}

// SetCanceler sets who cancels stragglers once the drain grace elapses.
func (m *ConnectionManager) SetCanceler(c QueryCanceler) {
	m.mu.Lock()
	m.canceler = c
	m.mu.Unlock()
}

func (m *ConnectionManager) poolOptions() drivers.PoolOptions {
	cfg := m.cfg.Pool
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = pool.DefaultConfig().ConnectTimeout
	}
	return drivers.PoolOptions{
		ConnectTimeout:  cfg.ConnectTimeout,
		ApplicationName: m.cfg.ApplicationName,
	}
}

// open resolves the adapter and secret and returns an unverified *sql.DB.
func (m *ConnectionManager) open(ctx context.Context, profile models.ConnectionProfile) (drivers.Adapter, *pool.Pool, error) {
	if err := profile.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeInvalidRequest, err.Error())
	}

	adapter, err := m.resolve(profile.Driver)
	if err != nil {
		return nil, nil, err
	}

	secret, err := credentials.ResolveProfileSecret(ctx, m.store, profile.CredentialRef)
	if err != nil {
		return nil, nil, err
	}

	opts := m.poolOptions()
	if dsn, err := adapter.DSN(profile, secret, opts); err == nil {
		m.logger.Debug("Opening connection pool",
			"profile", profile.Name,
			"driver", string(profile.Driver),
			"dsn", pool.MaskDSN(dsn))
	}

	db, err := adapter.Open(ctx, profile, secret, opts)
	if err != nil {
		return nil, nil, connectionError(adapter, err)
	}

	p := pool.New(db, m.cfg.Pool, m.cfg.PoolLogger.With().Str("profile", profile.Name).Logger())
	return adapter, p, nil
}

// verify pings through p within the connect timeout.
func (m *ConnectionManager) verify(ctx context.Context, adapter drivers.Adapter, p *pool.Pool) error {
	pingCtx, cancel := context.WithTimeout(ctx, p.Config().ConnectTimeout)
	defer cancel()

	if err := adapter.Ping(pingCtx, p.DB()); err != nil {
		return connectionError(adapter, err)
	}
	return nil
}

// Connect builds a pool for profile and verifies it. Every failure is a
// connection category error; nothing is installed on failure.
func (m *ConnectionManager) Connect(ctx context.Context, profile models.ConnectionProfile) (*ConnectionHandle, error) {
	timer := m.metrics.StartTimer("connect")
	defer timer.Stop()

	m.logger.Info("Connecting", "profile", profile.String())

	adapter, p, err := m.open(ctx, profile)
	if err != nil {
		m.metrics.IncrementCounter("connect_errors", "code", errors.GetCode(err))
		m.logger.Warn("Connect failed", "profile", profile.Name, "error", err)
		return nil, err
	}

	if err := m.verify(ctx, adapter, p); err != nil {
		_ = p.Close()
		m.metrics.IncrementCounter("connect_errors", "code", errors.GetCode(err))
		m.logger.Warn("Connect failed", "profile", profile.Name, "error", err)
		return nil, err
	}

	p.SetMetricsCollector(poolMetrics{m.metrics})

	now := time.Now()
	h := &ConnectionHandle{
		ID:          uuid.NewString(),
		Profile:     profile,
		Adapter:     adapter,
		Pool:        p,
		Schema:      cache.NewSchemaCache(m.cfg.SchemaCache),
		ConnectedAt: now,
		status: models.HealthStatus{
			State:   models.StateConnected,
			Profile: profile.Name,
			Since:   now,
		},
	}
	m.metrics.RecordGauge(metrics.ConnectionState, float64(models.StateConnected))

	m.logger.Info("Connected",
		"profile", profile.Name,
		"handle_id", h.ID,
		"query_slots", p.QuerySlots())
	return h, nil
}

// Disconnect drains and closes h. New queries fail with CANCELLED from the
// moment it is called. Queries still running after the drain grace period
// are cancelled and given one more grace period before the pool is closed.
// Calling it again is a no-op.
func (m *ConnectionManager) Disconnect(ctx context.Context, h *ConnectionHandle) {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return
	}

	m.logger.Info("Disconnecting", "profile", h.Profile.Name, "handle_id", h.ID, "in_flight", h.Pool.InFlight())

	h.Pool.BeginDrain()

	if mon := h.Monitor(); mon != nil {
		mon.Stop()
	}

	grace := h.Pool.Config().DrainGracePeriod
	if !h.Pool.Drain(ctx, grace) {
		m.mu.RLock()
		canceler := m.canceler
		m.mu.RUnlock()

		if canceler != nil {
			n := canceler.CancelAll(h.ID)
			m.logger.Warn("Cancelled queries still running at disconnect", "handle_id", h.ID, "count", n)
		}

		waitCtx, cancel := context.WithTimeout(context.Background(), grace)
		if err := h.Pool.Wait(waitCtx); err != nil {
			m.logger.Error("Closing pool with queries still running", "handle_id", h.ID, "in_flight", h.Pool.InFlight())
		}
		cancel()
	}

	if err := h.Pool.Close(); err != nil {
		m.logger.Warn("Closing pool failed", "handle_id", h.ID, "error", err)
	}
	h.Schema.Invalidate()

	h.setStatus(models.HealthStatus{
		State:   models.StateDisconnected,
		Profile: h.Profile.Name,
		Since:   time.Now(),
	})
	m.metrics.RecordGauge(metrics.ConnectionState, float64(models.StateDisconnected))
	m.logger.Info("Disconnected", "profile", h.Profile.Name, "handle_id", h.ID)
}

// TestConnection opens, pings and closes a single connection for profile
// without installing a handle.
func (m *ConnectionManager) TestConnection(ctx context.Context, profile models.ConnectionProfile) (time.Duration, error) {
	adapter, p, err := m.open(ctx, profile)
	if err != nil {
		return 0, err
	}
	defer func() { _ = p.Close() }()

	start := time.Now()
	if err := m.verify(ctx, adapter, p); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// connectionError maps a connect or ping failure to the connection category.
func connectionError(adapter drivers.Adapter, err error) error {
	classified := adapter.ClassifyError(err)
	if errors.CategoryOf(classified) == errors.CategoryConnection {
		return classified
	}
	return errors.ClassifyConnection(classified)
}

// poolMetrics forwards pool measurements to the service metrics.
type poolMetrics struct {
	m MetricsCollector
}

func (p poolMetrics) RecordConnectionAcquisition(access string, d time.Duration) {
	p.m.RecordHistogram(metrics.PoolAcquire, d.Seconds(), "access", access)
}

func (p poolMetrics) UpdateInFlight(n int) {
	p.m.RecordGauge(metrics.QueriesInFlight, float64(n))
}

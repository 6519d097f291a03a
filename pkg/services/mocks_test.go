package services

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/sluice/pkg/cache"
	"github.com/TFMV/sluice/pkg/drivers"
	"github.com/TFMV/sluice/pkg/infrastructure/pool"
	"github.com/TFMV/sluice/pkg/models"
)

// fakeAdapter implements drivers.Adapter. Unset functions fall through to
// plain statements on the querier so sqlmock expectations drive them.
type fakeAdapter struct {
	openFunc          func(ctx context.Context, profile models.ConnectionProfile, secret string, opts drivers.PoolOptions) (*sql.DB, error)
	pingFunc          func(ctx context.Context, q drivers.Querier) error
	listTablesFunc    func(ctx context.Context, q drivers.Querier) ([]models.TableSummary, error)
	listViewsFunc     func(ctx context.Context, q drivers.Querier) ([]models.TableSummary, error)
	tableDetailsFunc  func(ctx context.Context, q drivers.Querier, table string) (*models.TableInfo, error)
	sessionIDFunc     func(ctx context.Context, q drivers.Querier) (int64, error)
	cancelSessionFunc func(ctx context.Context, q drivers.Querier, id int64) error
}

func (a *fakeAdapter) Kind() models.DriverKind { return models.DriverPostgres }

func (a *fakeAdapter) DSN(profile models.ConnectionProfile, secret string, _ drivers.PoolOptions) (string, error) {
	return "postgres://" + profile.User + ":" + secret + "@" + profile.Address() + "/" + profile.Database, nil
}

func (a *fakeAdapter) Open(ctx context.Context, profile models.ConnectionProfile, secret string, opts drivers.PoolOptions) (*sql.DB, error) {
	if a.openFunc != nil {
		return a.openFunc(ctx, profile, secret, opts)
	}
	db, _, err := sqlmock.New()
	return db, err
}

func (a *fakeAdapter) Ping(ctx context.Context, q drivers.Querier) error {
	if a.pingFunc != nil {
		return a.pingFunc(ctx, q)
	}
	return nil
}

func (a *fakeAdapter) Execute(ctx context.Context, q drivers.Querier, query string) (*sql.Rows, error) {
	return q.QueryContext(ctx, query)
}

func (a *fakeAdapter) Exec(ctx context.Context, q drivers.Querier, query string) (sql.Result, error) {
	return q.ExecContext(ctx, query)
}

func (a *fakeAdapter) ListTables(ctx context.Context, q drivers.Querier) ([]models.TableSummary, error) {
	if a.listTablesFunc != nil {
		return a.listTablesFunc(ctx, q)
	}
	return nil, nil
}

func (a *fakeAdapter) ListViews(ctx context.Context, q drivers.Querier) ([]models.TableSummary, error) {
	if a.listViewsFunc != nil {
		return a.listViewsFunc(ctx, q)
	}
	return nil, nil
}

func (a *fakeAdapter) TableDetails(ctx context.Context, q drivers.Querier, table string) (*models.TableInfo, error) {
	if a.tableDetailsFunc != nil {
		return a.tableDetailsFunc(ctx, q, table)
	}
	return &models.TableInfo{Name: table, Kind: models.KindTable}, nil
}

func (a *fakeAdapter) SessionID(ctx context.Context, q drivers.Querier) (int64, error) {
	if a.sessionIDFunc != nil {
		return a.sessionIDFunc(ctx, q)
	}
	return 0, nil
}

func (a *fakeAdapter) CancelSession(ctx context.Context, q drivers.Querier, id int64) error {
	if a.cancelSessionFunc != nil {
		return a.cancelSessionFunc(ctx, q, id)
	}
	return nil
}

func (a *fakeAdapter) Explain(query string) (string, error) {
	return drivers.ExplainPrefix("EXPLAIN", query)
}

func (a *fakeAdapter) ClassifyError(err error) error {
	return drivers.ClassifyCommon(err)
}

// mockLogger implements Logger
type mockLogger struct {
	debugFunc func(msg string, keysAndValues ...interface{})
	infoFunc  func(msg string, keysAndValues ...interface{})
	warnFunc  func(msg string, keysAndValues ...interface{})
	errorFunc func(msg string, keysAndValues ...interface{})
}

func (m *mockLogger) Debug(msg string, keysAndValues ...interface{}) {
	if m.debugFunc != nil {
		m.debugFunc(msg, keysAndValues...)
	}
}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{}) {
	if m.infoFunc != nil {
		m.infoFunc(msg, keysAndValues...)
	}
}

func (m *mockLogger) Warn(msg string, keysAndValues ...interface{}) {
	if m.warnFunc != nil {
		m.warnFunc(msg, keysAndValues...)
	}
}

func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {
	if m.errorFunc != nil {
		m.errorFunc(msg, keysAndValues...)
	}
}

// mockMetricsCollector implements MetricsCollector
type mockMetricsCollector struct {
	incrementCounterFunc func(name string, labels ...string)
	recordHistogramFunc  func(name string, value float64, labels ...string)
	recordGaugeFunc      func(name string, value float64, labels ...string)
	startTimerFunc       func(name string) Timer
}

func (m *mockMetricsCollector) IncrementCounter(name string, labels ...string) {
	if m.incrementCounterFunc != nil {
		m.incrementCounterFunc(name, labels...)
	}
}

func (m *mockMetricsCollector) RecordHistogram(name string, value float64, labels ...string) {
	if m.recordHistogramFunc != nil {
		m.recordHistogramFunc(name, value, labels...)
	}
}

func (m *mockMetricsCollector) RecordGauge(name string, value float64, labels ...string) {
	if m.recordGaugeFunc != nil {
		m.recordGaugeFunc(name, value, labels...)
	}
}

func (m *mockMetricsCollector) StartTimer(name string) Timer {
	if m.startTimerFunc != nil {
		return m.startTimerFunc(name)
	}
	return &mockTimer{}
}

// mockTimer implements Timer
type mockTimer struct{}

func (m *mockTimer) Stop() time.Duration {
	return 0
}

// counterRecorder counts IncrementCounter calls by name and labels.
type counterRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCounterRecorder() (*counterRecorder, *mockMetricsCollector) {
	r := &counterRecorder{counts: make(map[string]int)}
	return r, &mockMetricsCollector{
		incrementCounterFunc: func(name string, labels ...string) {
			key := name
			for _, l := range labels {
				key += "|" + l
			}
			r.mu.Lock()
			r.counts[key]++
			r.mu.Unlock()
		},
	}
}

func (r *counterRecorder) get(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

func testProfile() models.ConnectionProfile {
	return models.ConnectionProfile{
		Name:     "local",
		Driver:   models.DriverPostgres,
		Host:     "localhost",
		Database: "app",
		User:     "app",
	}
}

// newTestHandle wires a connected handle over sqlmock with exact query
// matching.
func newTestHandle(t *testing.T, adapter *fakeAdapter) (*ConnectionHandle, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)

	p := pool.New(db, pool.Config{
		MaxOpenConnections: 4,
		DrainGracePeriod:   200 * time.Millisecond,
	}, zerolog.New(zerolog.NewTestWriter(t)))
	t.Cleanup(func() { _ = p.Close() })

	now := time.Now()
	h := &ConnectionHandle{
		ID:          "handle-1",
		Profile:     testProfile(),
		Adapter:     adapter,
		Pool:        p,
		Schema:      cache.NewSchemaCache(nil),
		ConnectedAt: now,
		status: models.HealthStatus{
			State:   models.StateConnected,
			Profile: "local",
			Since:   now,
		},
	}
	return h, mock
}

// Package pool wraps a driver *sql.DB with bounded, access aware leasing.
package pool

import (
	"context"
	"database/sql"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	pkgerrors "github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/models"
)

// Config represents pool configuration.
type Config struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	MaxIdleConnections int           `json:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `json:"conn_max_idle_time"`
	ConnectTimeout     time.Duration `json:"connect_timeout"`
	DrainGracePeriod   time.Duration `json:"drain_grace_period"`
	SlowQueryThreshold time.Duration `json:"slow_query_threshold"`
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConnections: 10,
		MaxIdleConnections: 2,
		ConnMaxLifetime:    30 * time.Minute,
		ConnMaxIdleTime:    5 * time.Minute,
		ConnectTimeout:     10 * time.Second,
		DrainGracePeriod:   5 * time.Second,
		SlowQueryThreshold: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = d.MaxOpenConnections
	}
	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = d.MaxIdleConnections
	}
	if c.MaxIdleConnections > c.MaxOpenConnections {
		c.MaxIdleConnections = c.MaxOpenConnections
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = d.ConnMaxIdleTime
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.DrainGracePeriod <= 0 {
		c.DrainGracePeriod = d.DrainGracePeriod
	}
	if c.SlowQueryThreshold <= 0 {
		c.SlowQueryThreshold = d.SlowQueryThreshold
	}
	return c
}

// MetricsCollector receives pool level measurements.
type MetricsCollector interface {
	RecordConnectionAcquisition(access string, duration time.Duration)
	UpdateInFlight(count int)
}

// Stats represents connection pool statistics.
type Stats struct {
	OpenConnections   int           `json:"open_connections"`
	InUse             int           `json:"in_use"`
	Idle              int           `json:"idle"`
	InFlight          int           `json:"in_flight"`
	QuerySlots        int           `json:"query_slots"`
	WaitCount         int64         `json:"wait_count"`
	WaitDuration      time.Duration `json:"wait_duration"`
	MaxIdleClosed     int64         `json:"max_idle_closed"`
	MaxLifetimeClosed int64         `json:"max_lifetime_closed"`
	Draining          bool          `json:"draining"`
}

// Pool owns one *sql.DB. Query leases are bounded by a slot semaphore; writes
// additionally hold a single writer lock, acquired before the slot. One
// connection is kept out of the query slots for probes and cancel requests
// whenever the pool has more than one connection.
type Pool struct {
	db     *sql.DB
	config Config
	logger zerolog.Logger

	slots   *semaphore.Weighted
	writer  *semaphore.Weighted
	control *semaphore.Weighted
	nSlots  int

	closed   atomic.Bool
	draining atomic.Bool

	inFlight     sync.WaitGroup
	inFlightN    atomic.Int64
	waitCount    atomic.Int64
	waitDuration atomic.Int64

	queryLogger *QueryLogger

	mu               sync.RWMutex
	metricsCollector MetricsCollector
}

// New wraps db and applies the pool limits to it.
func New(db *sql.DB, cfg Config, logger zerolog.Logger) *Pool {
	cfg = cfg.withDefaults()

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	nSlots := cfg.MaxOpenConnections
	if nSlots > 1 {
		nSlots--
	}

	logger.Debug().
		Int("max_open", cfg.MaxOpenConnections).
		Int("max_idle", cfg.MaxIdleConnections).
		Int("query_slots", nSlots).
		Dur("conn_lifetime", cfg.ConnMaxLifetime).
		Dur("conn_idle_time", cfg.ConnMaxIdleTime).
		Msg("Connection pool configured")

	return &Pool{
		db:          db,
		config:      cfg,
		logger:      logger,
		slots:       semaphore.NewWeighted(int64(nSlots)),
		writer:      semaphore.NewWeighted(1),
		control:     semaphore.NewWeighted(1),
		nSlots:      nSlots,
		queryLogger: NewQueryLogger(logger, cfg.SlowQueryThreshold, true),
	}
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.config
}

// DB exposes the underlying handle for one-off use such as the initial ping.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// QuerySlots returns the number of concurrent query leases.
func (p *Pool) QuerySlots() int {
	return p.nSlots
}

// SetMetricsCollector sets the metrics collector.
func (p *Pool) SetMetricsCollector(collector MetricsCollector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metricsCollector = collector
}

func (p *Pool) metrics() MetricsCollector {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metricsCollector
}

// Lease is a pinned physical connection held for one query.
type Lease struct {
	Conn     *sql.Conn
	Access   models.AccessMode
	Acquired time.Time

	pool     *Pool
	released atomic.Bool
}

// Acquire waits for a query slot and pins a connection. Writes take the
// writer lock first so at most one write per pool runs at a time. Waiting
// honours ctx.
func (p *Pool) Acquire(ctx context.Context, access models.AccessMode) (*Lease, error) {
	if err := p.usable(); err != nil {
		return nil, err
	}

	start := time.Now()
	p.waitCount.Add(1)

	if access == models.AccessWrite {
		if err := p.writer.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	if err := p.slots.Acquire(ctx, 1); err != nil {
		p.releaseWriter(access)
		return nil, err
	}

	// Disconnect may have started while this caller was queued.
	if err := p.usable(); err != nil {
		p.slots.Release(1)
		p.releaseWriter(access)
		return nil, err
	}
	p.inFlight.Add(1)
	n := p.inFlightN.Add(1)

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.finish(access)
		return nil, err
	}

	waited := time.Since(start)
	p.waitDuration.Add(int64(waited))
	if m := p.metrics(); m != nil {
		m.RecordConnectionAcquisition(access.String(), waited)
		m.UpdateInFlight(int(n))
	}

	return &Lease{Conn: conn, Access: access, Acquired: time.Now(), pool: p}, nil
}

// Release returns the connection and the slot. It is safe to call twice.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	if err := l.Conn.Close(); err != nil && err != sql.ErrConnDone {
		l.pool.logger.Debug().Err(err).Msg("Closing leased connection failed")
	}
	l.pool.finish(l.Access)
}

// LogQuery records execution details through the pool's query logger.
func (l *Lease) LogQuery(query string, duration time.Duration, err error) {
	l.pool.queryLogger.LogQuery(query, duration, err)
}

func (p *Pool) finish(access models.AccessMode) {
	p.slots.Release(1)
	p.releaseWriter(access)
	n := p.inFlightN.Add(-1)
	p.inFlight.Done()
	if m := p.metrics(); m != nil {
		m.UpdateInFlight(int(n))
	}
}

func (p *Pool) releaseWriter(access models.AccessMode) {
	if access == models.AccessWrite {
		p.writer.Release(1)
	}
}

// Control pins the connection reserved for probes and cancel requests.
// It never waits behind query slots or the writer lock.
func (p *Pool) Control(ctx context.Context) (*sql.Conn, func(), error) {
	if p.closed.Load() {
		return nil, nil, pkgerrors.ErrNotConnected
	}
	if err := p.control.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.control.Release(1)
		return nil, nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = conn.Close()
			p.control.Release(1)
		})
	}
	return conn, release, nil
}

// BeginDrain rejects new leases from now on.
func (p *Pool) BeginDrain() {
	if p.draining.CompareAndSwap(false, true) {
		p.logger.Debug().Int64("in_flight", p.inFlightN.Load()).Msg("Connection pool draining")
	}
}

// Draining reports whether BeginDrain was called.
func (p *Pool) Draining() bool {
	return p.draining.Load()
}

// Drain rejects new leases and waits until every lease is released or grace
// elapses. It reports whether the pool drained completely.
func (p *Pool) Drain(ctx context.Context, grace time.Duration) bool {
	p.BeginDrain()

	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}

	p.logger.Warn().
		Int64("in_flight", p.inFlightN.Load()).
		Dur("grace", grace).
		Msg("Drain grace period elapsed with queries still running")
	return false
}

// Wait blocks until every lease is released or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of held leases.
func (p *Pool) InFlight() int {
	return int(p.inFlightN.Load())
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	dbStats := p.db.Stats()

	return Stats{
		OpenConnections:   dbStats.OpenConnections,
		InUse:             dbStats.InUse,
		Idle:              dbStats.Idle,
		InFlight:          p.InFlight(),
		QuerySlots:        p.nSlots,
		WaitCount:         p.waitCount.Load(),
		WaitDuration:      time.Duration(p.waitDuration.Load()),
		MaxIdleClosed:     dbStats.MaxIdleClosed,
		MaxLifetimeClosed: dbStats.MaxLifetimeClosed,
		Draining:          p.draining.Load(),
	}
}

// Close closes the underlying *sql.DB once.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.draining.Store(true)

	p.logger.Debug().Msg("Closing connection pool")

	if err := p.db.Close(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to close database")
	}
	return nil
}

// Closed reports whether Close was called.
func (p *Pool) Closed() bool {
	return p.closed.Load()
}

func (p *Pool) usable() error {
	if p.closed.Load() {
		return pkgerrors.ErrNotConnected
	}
	if p.draining.Load() {
		return pkgerrors.New(pkgerrors.CodeCancelled, "connection is closing")
	}
	return nil
}

// QueryLogger logs slow queries and query statistics.
type QueryLogger struct {
	logger    zerolog.Logger
	threshold time.Duration
	enabled   bool
}

// NewQueryLogger creates a new query logger.
func NewQueryLogger(logger zerolog.Logger, threshold time.Duration, enabled bool) *QueryLogger {
	return &QueryLogger{
		logger:    logger,
		threshold: threshold,
		enabled:   enabled,
	}
}

// LogQuery logs query execution details.
func (ql *QueryLogger) LogQuery(query string, duration time.Duration, err error) {
	if !ql.enabled {
		return
	}

	logEvent := ql.logger.Debug()
	if duration > ql.threshold {
		logEvent = ql.logger.Warn().Bool("slow_query", true)
	}

	logEvent.
		Dur("duration", duration).
		Str("query", TruncateQuery(query)).
		Bool("success", err == nil).
		Msg("Query executed")
}

// MaskDSN hides passwords and other secrets but keeps enough of the string to
// be recognisable in logs. It understands URL DSNs, libpq key=value strings
// and go-sql-driver/mysql user:password@tcp(host)/db strings.
func MaskDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}

	if strings.Contains(dsn, "://") {
		if u, err := url.Parse(dsn); err == nil && looksLikeURL(u) {
			return maskURL(u)
		}
	}

	if keyValueDSN.MatchString(dsn) {
		return maskKeyValue(dsn)
	}

	if m := mysqlDSN.FindStringSubmatchIndex(dsn); m != nil {
		masked := dsn
		if m[4] >= 0 {
			masked = dsn[:m[4]] + "*****" + dsn[m[5]:]
		}
		return maskQueryParams(masked)
	}

	runes := []rune(dsn)
	if len(runes) <= 10 {
		return "***"
	}
	return string(runes[:3]) + "***" + string(runes[len(runes)-3:])
}

var (
	keyValueDSN = regexp.MustCompile(`^\s*[A-Za-z_]+\s*=`)
	kvPair      = regexp.MustCompile(`([A-Za-z_]+)\s*=\s*('(?:[^'\\]|\\.)*'|\S*)`)
	mysqlDSN    = regexp.MustCompile(`^([^:@/]*)(?::([^@]*))?@`)
)

func maskURL(u *url.URL) string {
	if ui := u.User; ui != nil {
		user := ui.Username()
		if _, hasPass := ui.Password(); hasPass {
			u.User = url.UserPassword(user, "*****")
		} else {
			u.User = url.User(user)
		}
	}

	q := u.Query()
	for k := range q {
		if isSensitiveKey(k) {
			q.Set(k, "*****")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func maskKeyValue(dsn string) string {
	return kvPair.ReplaceAllStringFunc(dsn, func(pair string) string {
		m := kvPair.FindStringSubmatch(pair)
		if isSensitiveKey(m[1]) {
			return m[1] + "=*****"
		}
		return pair
	})
}

func maskQueryParams(dsn string) string {
	i := strings.IndexByte(dsn, '?')
	if i < 0 {
		return dsn
	}
	q, err := url.ParseQuery(dsn[i+1:])
	if err != nil {
		return dsn[:i]
	}
	for k := range q {
		if isSensitiveKey(k) {
			q.Set(k, "*****")
		}
	}
	return dsn[:i+1] + q.Encode()
}

// looksLikeURL returns true when the parsed value has enough URL structure to
// treat it as a DSN we can meaningfully redact.
func looksLikeURL(u *url.URL) bool {
	return u.Scheme != "" || u.Host != "" || u.User != nil || u.RawQuery != ""
}

// isSensitiveKey reports whether a key should have its value masked.
func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "pwd"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}

// TruncateQuery truncates long queries for logging.
func TruncateQuery(query string) string {
	const maxLen = 100
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "..."
}

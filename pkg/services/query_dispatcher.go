package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/infrastructure/converter"
	"github.com/TFMV/sluice/pkg/infrastructure/metrics"
	"github.com/TFMV/sluice/pkg/models"
)

// DispatcherConfig bounds query execution.
type DispatcherConfig struct {
	DefaultRowLimit int
	DefaultTimeout  time.Duration
	BatchSize       int
	// SkipCancelConfirm turns off the backend cancel issued on the control
	// connection when a query is cancelled or times out.
	SkipCancelConfirm bool
	CancelTimeout time.Duration
}

// DefaultDispatcherConfig returns the dispatcher defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DefaultRowLimit: 5000,
		DefaultTimeout:  30 * time.Second,
		BatchSize:       100,
		CancelTimeout:   5 * time.Second,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	d := DefaultDispatcherConfig()
	if c.DefaultRowLimit <= 0 {
		c.DefaultRowLimit = d.DefaultRowLimit
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = d.CancelTimeout
	}
	return c
}

// QueryOutcome is the terminal result of one dispatched query. Exactly one
// of Result and Err is set.
type QueryOutcome struct {
	CorrelationID string
	HandleID      string
	SQL           string
	Result        *models.QueryResult
	Err           error
}

// inFlight is the registry entry of a running query.
type inFlight struct {
	info   models.InFlightQuery
	handle *ConnectionHandle
	cancel context.CancelFunc

	statement   StatementType
	returnsRows bool

	// cancelled is the cooperative cancellation token.
	cancelled atomic.Bool
	// session is the backend session id, 0 until known.
	session atomic.Int64
}

// QueryDispatcher runs queries asynchronously against a ConnectionHandle.
type QueryDispatcher struct {
	cfg        DispatcherConfig
	classifier *StatementClassifier
	logger     Logger
	metrics    MetricsCollector

	mu       sync.Mutex
	inflight map[string]*inFlight
}

// NewQueryDispatcher creates a new query dispatcher.
func NewQueryDispatcher(cfg DispatcherConfig, logger Logger, metrics MetricsCollector) *QueryDispatcher {
	return &QueryDispatcher{
		cfg:        cfg.withDefaults(),
		classifier: NewStatementClassifier(),
		logger:     orNoopLogger(logger),
		metrics:    orNoopMetrics(metrics),
		inflight:   make(map[string]*inFlight),
	}
}

// Config returns the effective configuration.
func (d *QueryDispatcher) Config() DispatcherConfig {
	return d.cfg
}

// Dispatch starts req and returns at once. The channel receives exactly one
// outcome and is then closed.
func (d *QueryDispatcher) Dispatch(ctx context.Context, h *ConnectionHandle, req models.QueryRequest) <-chan QueryOutcome {
	out := make(chan QueryOutcome, 1)

	entry, qctx, err := d.register(ctx, h, req)
	if err != nil {
		d.metrics.IncrementCounter(metrics.QueriesTotal, "status", statusOf(err), "access", "none")
		out <- QueryOutcome{CorrelationID: req.CorrelationID, SQL: req.SQL, Err: err}
		close(out)
		return out
	}

	go d.run(qctx, entry, req, out)
	return out
}

// Explain dispatches the plan form of req through the read path.
func (d *QueryDispatcher) Explain(ctx context.Context, h *ConnectionHandle, req models.QueryRequest) <-chan QueryOutcome {
	if h == nil || h.Closed() {
		return d.Dispatch(ctx, h, req)
	}
	query, err := h.Adapter.Explain(req.SQL)
	if err != nil {
		out := make(chan QueryOutcome, 1)
		out <- QueryOutcome{CorrelationID: req.CorrelationID, HandleID: h.ID, SQL: req.SQL, Err: err}
		close(out)
		return out
	}
	req.SQL = query
	return d.Dispatch(ctx, h, req)
}

// register validates req and records it as in flight.
func (d *QueryDispatcher) register(ctx context.Context, h *ConnectionHandle, req models.QueryRequest) (*inFlight, context.Context, error) {
	if h == nil || h.Closed() {
		return nil, nil, errors.New(errors.CodeNotConnected, "no active connection")
	}
	if h.Draining() {
		return nil, nil, errors.New(errors.CodeCancelled, "connection is closing")
	}
	if req.CorrelationID == "" {
		return nil, nil, errors.New(errors.CodeInvalidRequest, "correlation id is required")
	}
	if req.RowLimit < 0 || req.Timeout < 0 {
		return nil, nil, errors.New(errors.CodeInvalidRequest, "row limit and timeout must not be negative")
	}
	cls := d.classifier.ForDriver(h.Adapter.Kind())
	if err := cls.ValidateStatement(req.SQL); err != nil {
		return nil, nil, err
	}

	qctx, cancel := context.WithCancel(ctx)
	entry := &inFlight{
		info: models.InFlightQuery{
			CorrelationID: req.CorrelationID,
			HandleID:      h.ID,
			SQL:           req.SQL,
			Access:        cls.AccessMode(req.SQL),
			StartedAt:     time.Now(),
		},
		handle:      h,
		cancel:      cancel,
		statement:   cls.ClassifyStatement(req.SQL),
		returnsRows: cls.ReturnsRows(req.SQL),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.inflight[req.CorrelationID]; dup {
		cancel()
		return nil, nil, errors.Newf(errors.CodeInvalidRequest, "query %q is already running", req.CorrelationID)
	}
	d.inflight[req.CorrelationID] = entry
	d.metrics.RecordGauge(metrics.QueriesInFlight, float64(len(d.inflight)))
	return entry, qctx, nil
}

// unregister removes the entry and reports whether it was cancelled. Cancel
// holds the same lock, so a Cancel that found the entry is always observed.
func (d *QueryDispatcher) unregister(entry *inFlight) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.inflight[entry.info.CorrelationID]; ok && cur == entry {
		delete(d.inflight, entry.info.CorrelationID)
		d.metrics.RecordGauge(metrics.QueriesInFlight, float64(len(d.inflight)))
	}
	return entry.cancelled.Load()
}

type execResult struct {
	result *models.QueryResult
	err    error
}

// run races execution against the timeout and delivers one outcome.
func (d *QueryDispatcher) run(ctx context.Context, entry *inFlight, req models.QueryRequest, out chan<- QueryOutcome) {
	defer close(out)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	limit := req.RowLimit
	if limit <= 0 {
		limit = d.cfg.DefaultRowLimit
	}

	done := make(chan execResult, 1)
	go func() {
		res, err := d.execute(ctx, entry, limit)
		done <- execResult{res, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	outcome := QueryOutcome{
		CorrelationID: entry.info.CorrelationID,
		HandleID:      entry.handle.ID,
		SQL:           entry.info.SQL,
	}

	select {
	case r := <-done:
		entry.cancel()
		cancelled := d.unregister(entry)
		switch {
		case cancelled:
			outcome.Err = errors.New(errors.CodeCancelled, "query cancelled")
		case r.err != nil:
			outcome.Err = r.err
		default:
			outcome.Result = r.result
		}

	case <-timer.C:
		d.unregister(entry)
		entry.cancel()
		d.confirmCancel(entry)
		outcome.Err = errors.Newf(errors.CodeTimedOut, "query timed out after %s", timeout).
			WithDetail("timeout_ms", timeout.Milliseconds())
		d.logger.Warn("Query timed out",
			"correlation_id", entry.info.CorrelationID,
			"timeout", timeout)
	}

	d.record(entry, outcome)
	out <- outcome
}

// execute holds the lease for the whole execution. The lease is released
// only when the driver has returned, so a timed out query keeps its
// connection until the backend has actually stopped.
func (d *QueryDispatcher) execute(ctx context.Context, entry *inFlight, limit int) (*models.QueryResult, error) {
	h := entry.handle

	lease, err := h.Pool.Acquire(ctx, entry.info.Access)
	if err != nil {
		return nil, d.classify(h, entry, err)
	}
	defer lease.Release()

	if !d.cfg.SkipCancelConfirm {
		if id, err := h.Adapter.SessionID(ctx, lease.Conn); err == nil {
			entry.session.Store(id)
		} else {
			d.logger.Debug("Session id unavailable", "correlation_id", entry.info.CorrelationID, "error", err)
		}
	}

	if entry.cancelled.Load() {
		return nil, errors.New(errors.CodeCancelled, "query cancelled")
	}

	start := time.Now()
	var result *models.QueryResult
	if entry.returnsRows {
		var rows *sql.Rows
		rows, err = h.Adapter.Execute(ctx, lease.Conn, entry.info.SQL)
		if err == nil {
			result, err = d.collect(entry, rows, limit)
		}
	} else {
		var res sql.Result
		res, err = h.Adapter.Exec(ctx, lease.Conn, entry.info.SQL)
		if err == nil {
			result = &models.QueryResult{Columns: []models.Column{}, Rows: []models.Row{}}
			if n, raErr := res.RowsAffected(); raErr == nil {
				result.RowsAffected = n
			}
		}
	}
	duration := time.Since(start)
	lease.LogQuery(entry.info.SQL, duration, err)

	if err != nil {
		return nil, d.classify(h, entry, err)
	}
	result.Duration = duration
	return result, nil
}

// collect reads rows in batches. The token is checked between batches.
// Reading stops at limit rows; one more Next tells whether rows were left.
func (d *QueryDispatcher) collect(entry *inFlight, rows *sql.Rows, limit int) (*models.QueryResult, error) {
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]models.Column, len(colTypes))
	for i, ct := range colTypes {
		cols[i] = converter.ColumnFromType(ct)
	}

	result := &models.QueryResult{Columns: cols, Rows: []models.Row{}}

	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	more := true
	for more && len(result.Rows) < limit {
		if entry.cancelled.Load() {
			return nil, errors.New(errors.CodeCancelled, "query cancelled")
		}

		for n := 0; n < d.cfg.BatchSize && len(result.Rows) < limit; n++ {
			if !rows.Next() {
				more = false
				break
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, err
			}
			row := make(models.Row, len(cols))
			for i, v := range vals {
				row[i] = converter.NormalizeValue(cols[i].Type, v)
			}
			result.Rows = append(result.Rows, row)
		}
	}

	if more && rows.Next() {
		result.Truncated = true
		result.Notices = append(result.Notices,
			errors.Newf(errors.CodeRowLimitExceeded, "result truncated to %d rows", limit).
				WithDetail("row_limit", limit))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

// classify maps an execution failure, honouring the cancellation token.
func (d *QueryDispatcher) classify(h *ConnectionHandle, entry *inFlight, err error) error {
	if entry.cancelled.Load() {
		return errors.Wrap(err, errors.CodeCancelled, "query cancelled")
	}
	return h.Adapter.ClassifyError(err)
}

// Cancel sets the token of the query and interrupts it. It reports whether
// the query was still in flight.
func (d *QueryDispatcher) Cancel(correlationID string) bool {
	d.mu.Lock()
	entry, ok := d.inflight[correlationID]
	if ok {
		entry.cancelled.Store(true)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}

	d.logger.Info("Cancelling query", "correlation_id", correlationID)
	entry.cancel()
	d.confirmCancel(entry)
	return true
}

// CancelAll cancels every query running on handleID and returns how many
// were cancelled.
func (d *QueryDispatcher) CancelAll(handleID string) int {
	d.mu.Lock()
	var ids []string
	for id, entry := range d.inflight {
		if entry.handle.ID == handleID {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	n := 0
	for _, id := range ids {
		if d.Cancel(id) {
			n++
		}
	}
	return n
}

// InFlight returns the running queries ordered by start time.
func (d *QueryDispatcher) InFlight() []models.InFlightQuery {
	d.mu.Lock()
	list := make([]models.InFlightQuery, 0, len(d.inflight))
	for _, entry := range d.inflight {
		list = append(list, entry.info)
	}
	d.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	return list
}

// confirmCancel asks the backend to stop the statement of entry from the
// control connection. Context cancellation has already interrupted the
// client side; this makes sure the server stops too.
func (d *QueryDispatcher) confirmCancel(entry *inFlight) {
	if d.cfg.SkipCancelConfirm {
		return
	}
	id := entry.session.Load()
	if id == 0 {
		return
	}

	go func() {
		h := entry.handle
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CancelTimeout)
		defer cancel()

		conn, release, err := h.Pool.Control(ctx)
		if err != nil {
			d.logger.Debug("No control connection for cancel", "correlation_id", entry.info.CorrelationID, "error", err)
			return
		}
		defer release()

		if err := h.Adapter.CancelSession(ctx, conn, id); err != nil {
			d.logger.Warn("Backend cancel failed",
				"correlation_id", entry.info.CorrelationID,
				"session", id,
				"error", err)
		}
	}()
}

// record emits the per query log line and metrics.
func (d *QueryDispatcher) record(entry *inFlight, o QueryOutcome) {
	access := entry.info.Access.String()
	status := statusOf(o.Err)
	elapsed := time.Since(entry.info.StartedAt)

	d.metrics.IncrementCounter(metrics.QueriesTotal, "status", status, "access", access)
	d.metrics.RecordHistogram(metrics.QueryDuration, elapsed.Seconds(), "access", access)

	if o.Err != nil {
		d.logger.Debug("Query failed",
			"correlation_id", o.CorrelationID,
			"statement", entry.statement.String(),
			"code", errors.GetCode(o.Err),
			"elapsed", elapsed)
		return
	}

	d.metrics.RecordHistogram(metrics.QueryRows, float64(o.Result.RowCount), "access", access)
	d.logger.Debug("Query completed",
		"correlation_id", o.CorrelationID,
		"statement", entry.statement.String(),
		"rows", o.Result.RowCount,
		"rows_affected", o.Result.RowsAffected,
		"truncated", o.Result.Truncated,
		"elapsed", elapsed)
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.IsCancelled(err):
		return "cancelled"
	case errors.IsTimedOut(err):
		return "timed_out"
	default:
		return "error"
	}
}

// Package worker implements the loop that owns the active connection and
// turns typed requests into asynchronous work and typed responses.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/infrastructure/metrics"
	"github.com/TFMV/sluice/pkg/models"
	"github.com/TFMV/sluice/pkg/services"
)

// Config configures the worker loop.
type Config struct {
	Health services.HealthConfig
	// RequestBuffer is the capacity of the request channel.
	RequestBuffer int
	// ShutdownTimeout bounds the final disconnect in Stop.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestBuffer <= 0 {
		c.RequestBuffer = 64
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Deps are the components the worker routes requests to.
type Deps struct {
	Manager      *services.ConnectionManager
	Dispatcher   *services.QueryDispatcher
	Introspector *services.SchemaIntrospector
	Logger       zerolog.Logger
	Metrics      services.MetricsCollector
	// ServiceLogger is handed to the health monitors it creates.
	ServiceLogger services.Logger
}

// Worker is the single owner of the active ConnectionHandle. Requests are
// handled one at a time; anything that waits on the database runs in its own
// goroutine and reports back through the outbox or, when it touches the
// active handle, through an internal event handled by the loop.
type Worker struct {
	cfg          Config
	manager      *services.ConnectionManager
	dispatcher   *services.QueryDispatcher
	introspector *services.SchemaIntrospector
	logger       zerolog.Logger
	svcLogger    services.Logger
	metrics      services.MetricsCollector

	requests chan Request
	events   chan event
	outbox   *outbox

	// Owned by the loop goroutine.
	active     *services.ConnectionHandle
	generation uint64
	connecting *models.ConnectionProfile

	tasks sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a worker. The dispatcher becomes the manager's canceler so a
// disconnect can cancel stragglers.
func New(cfg Config, deps Deps) *Worker {
	cfg = cfg.withDefaults()
	if deps.Metrics == nil {
		deps.Metrics = metricsNoop{}
	}
	deps.Manager.SetCanceler(deps.Dispatcher)

	return &Worker{
		cfg:          cfg,
		manager:      deps.Manager,
		dispatcher:   deps.Dispatcher,
		introspector: deps.Introspector,
		logger:       deps.Logger,
		svcLogger:    deps.ServiceLogger,
		metrics:      deps.Metrics,
		requests:     make(chan Request, cfg.RequestBuffer),
		events:       make(chan event),
		outbox:       newOutbox(),
		done:         make(chan struct{}),
	}
}

// Start launches the loop. Only the first call has an effect.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.ctx, w.cancel = context.WithCancel(ctx)
		go w.run()
	})
}

// Requests returns the inbound channel. Prefer Submit, which does not block
// once the worker has stopped.
func (w *Worker) Requests() chan<- Request {
	return w.requests
}

// Responses returns the outbound channel. It is closed after Stop, once
// every queued response has been delivered.
func (w *Worker) Responses() <-chan Response {
	return w.outbox.out
}

// Submit queues req for the loop.
func (w *Worker) Submit(ctx context.Context, req Request) error {
	select {
	case <-w.done:
		return errors.New(errors.CodeInternal, "worker stopped")
	default:
	}
	select {
	case w.requests <- req:
		return nil
	case <-w.done:
		return errors.New(errors.CodeInternal, "worker stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the loop. It is equivalent to a disconnect of the active handle:
// running queries resolve to CANCELLED and the pool is closed.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.startOnce.Do(func() {
			w.ctx, w.cancel = context.WithCancel(context.Background())
			close(w.done)
			w.outbox.close()
		})
		w.cancel()
		<-w.done
	})
}

// Done is closed when the loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.shutdown()

	w.logger.Info().Msg("Worker started")
	for {
		select {
		case <-w.ctx.Done():
			return
		case req := <-w.requests:
			w.handle(req)
		case ev := <-w.events:
			w.apply(ev)
		}
	}
}

// shutdown disconnects the active handle, waits for background work and
// closes the outbox.
func (w *Worker) shutdown() {
	w.generation++
	if h := w.active; h != nil {
		w.active = nil
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
		w.manager.Disconnect(ctx, h)
		cancel()
	}
	w.tasks.Wait()

	w.emit(statusResponse("", models.Disconnected()))
	w.outbox.close()
	w.logger.Info().Msg("Worker stopped")
}

func (w *Worker) emit(r Response) {
	if !w.outbox.push(r) {
		w.logger.Debug().Str("kind", string(r.Kind)).Msg("Dropping response after shutdown")
	}
}

// post delivers an internal event to the loop. It reports false when the
// loop is shutting down and the event was dropped.
func (w *Worker) post(ev event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// spawn runs fn as tracked background work.
func (w *Worker) spawn(fn func()) {
	w.tasks.Add(1)
	go func() {
		defer w.tasks.Done()
		fn()
	}()
}

func (w *Worker) handle(req Request) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("kind", string(req.Kind)).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Panic while handling request")
			w.emit(errorResponse(req.CorrelationID, errors.Newf(errors.CodeInternal, "internal error handling %s", req.Kind)))
			// Handle state may be half updated; start over from scratch.
			w.disconnect("")
		}
	}()

	w.metrics.IncrementCounter(metrics.RequestsTotal, "kind", string(req.Kind))
	w.logger.Debug().
		Str("kind", string(req.Kind)).
		Str("correlation_id", req.CorrelationID).
		Msg("Request received")

	switch req.Kind {
	case RequestConnect, RequestSwitch:
		w.connect(req)
	case RequestDisconnect:
		w.disconnect(req.CorrelationID)
	case RequestExecuteQuery:
		w.executeQuery(req)
	case RequestExplain:
		w.explain(req)
	case RequestCancelQuery:
		w.cancelQuery(req)
	case RequestFetchSchema:
		w.fetchSchema(req)
	case RequestRefreshTable, RequestDescribeTable:
		w.refreshTable(req)
	case RequestListTables:
		w.listTables(req)
	case RequestHealthPing:
		w.healthPing(req)
	case RequestReconnect:
		w.reconnect(req)
	case RequestTestConnection:
		w.testConnection(req)
	default:
		w.emit(errorResponse(req.CorrelationID,
			errors.Newf(errors.CodeInvalidRequest, "unknown request kind %q", req.Kind)))
	}
}

// connect replaces the active handle. The previous handle drains in the
// background; its queries resolve to CANCELLED.
func (w *Worker) connect(req Request) {
	if req.Profile == nil {
		w.emit(errorResponse(req.CorrelationID, errors.New(errors.CodeInvalidRequest, "profile is required")))
		return
	}
	profile := *req.Profile

	w.retire(w.active)
	w.active = nil
	w.generation++
	gen := w.generation
	w.connecting = &profile

	w.emit(statusResponse(req.CorrelationID, models.HealthStatus{
		State:   models.StateConnecting,
		Profile: profile.Name,
		Since:   time.Now(),
	}))

	ctx := w.ctx
	w.spawn(func() {
		h, err := w.manager.Connect(ctx, profile)
		if !w.post(connectDone{gen: gen, id: req.CorrelationID, profile: profile, handle: h, err: err}) && h != nil {
			w.manager.Disconnect(context.Background(), h)
		}
	})
}

// disconnect drops the active handle and reports Disconnected once it has
// drained, unless something newer happened in between.
func (w *Worker) disconnect(id string) {
	h := w.active
	w.active = nil
	w.connecting = nil
	w.generation++
	gen := w.generation

	if h == nil {
		w.emit(statusResponse(id, models.Disconnected()))
		return
	}

	profile := h.Profile.Name
	h.Pool.BeginDrain()
	w.spawn(func() {
		w.manager.Disconnect(context.Background(), h)
		w.post(disconnectDone{gen: gen, id: id, profile: profile})
	})
}

// retire drains h in the background without reporting.
func (w *Worker) retire(h *services.ConnectionHandle) {
	if h == nil {
		return
	}
	h.Pool.BeginDrain()
	w.spawn(func() {
		w.manager.Disconnect(context.Background(), h)
	})
}

// target returns the handle a query should run on, or the error to fail it
// with. While a switch is in progress queries fail with CANCELLED.
func (w *Worker) target() (*services.ConnectionHandle, error) {
	if w.active != nil {
		return w.active, nil
	}
	if w.connecting != nil {
		return nil, errors.New(errors.CodeCancelled, "connection is being established").
			WithDetail("profile", w.connecting.Name)
	}
	return nil, errors.New(errors.CodeNotConnected, "no active connection")
}

func (w *Worker) executeQuery(req Request) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	h, err := w.target()
	if err != nil {
		w.emit(queryFailed(req.CorrelationID, req.SQL, err))
		return
	}

	outcome := w.dispatcher.Dispatch(w.ctx, h, req.QueryRequest())
	w.spawn(func() { w.deliver(ResponseQueryCompleted, h, <-outcome) })
}

func (w *Worker) explain(req Request) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	h, err := w.target()
	if err != nil {
		w.emit(queryFailed(req.CorrelationID, req.SQL, err))
		return
	}

	outcome := w.dispatcher.Explain(w.ctx, h, req.QueryRequest())
	w.spawn(func() { w.deliver(ResponseExplainCompleted, h, <-outcome) })
}

// deliver turns a query outcome into a response. A failure that means the
// connection is gone also triggers a health probe, which reports the state
// change once instead of per query.
func (w *Worker) deliver(kind ResponseKind, h *services.ConnectionHandle, o services.QueryOutcome) {
	if o.Err != nil {
		w.emit(queryFailed(o.CorrelationID, o.SQL, o.Err))
		if errors.IsConnectionError(o.Err) || errors.IsConnectionLoss(o.Err) {
			w.post(probeRequested{handle: h})
		}
		return
	}
	w.emit(Response{Kind: kind, CorrelationID: o.CorrelationID, SQL: o.SQL, Result: o.Result})
}

func (w *Worker) cancelQuery(req Request) {
	if req.CorrelationID == "" {
		w.emit(errorResponse("", errors.New(errors.CodeInvalidRequest, "correlation id is required")))
		return
	}
	if !w.dispatcher.Cancel(req.CorrelationID) {
		// Already finished; its terminal response is on the way.
		w.logger.Debug().Str("correlation_id", req.CorrelationID).Msg("Cancel for unknown query")
	}
}

func (w *Worker) fetchSchema(req Request) {
	h, err := w.target()
	if err != nil {
		w.emit(errorResponse(req.CorrelationID, err))
		return
	}
	if !req.Refresh {
		if schema, ok := w.introspector.Cached(h); ok {
			w.emit(Response{Kind: ResponseSchemaUpdated, CorrelationID: req.CorrelationID, Schema: schema})
			return
		}
	}

	gen, ctx := w.generation, w.ctx
	w.spawn(func() {
		schema, err := w.introspector.FetchSchema(ctx, h)
		w.post(schemaDone{gen: gen, id: req.CorrelationID, schema: schema, err: err})
	})
}

func (w *Worker) refreshTable(req Request) {
	h, err := w.target()
	if err != nil {
		w.emit(errorResponse(req.CorrelationID, err))
		return
	}

	describe := w.introspector.RefreshTable
	if req.Kind == RequestDescribeTable {
		describe = w.introspector.Table
	}

	gen, ctx := w.generation, w.ctx
	w.spawn(func() {
		info, err := describe(ctx, h, req.Table)
		w.post(tableDone{gen: gen, id: req.CorrelationID, name: req.Table, info: info, err: err})
	})
}

func (w *Worker) listTables(req Request) {
	h, err := w.target()
	if err != nil {
		w.emit(errorResponse(req.CorrelationID, err))
		return
	}

	ctx := w.ctx
	w.spawn(func() {
		tables, err := w.introspector.ListTables(ctx, h)
		if err != nil {
			w.emit(errorResponse(req.CorrelationID, err))
			return
		}
		w.emit(Response{Kind: ResponseTablesListed, CorrelationID: req.CorrelationID, Tables: tables})
	})
}

// healthPing probes a Connected handle. Any other state is reported as is;
// a failed probe is reported by the monitor's transition.
func (w *Worker) healthPing(req Request) {
	h := w.active
	if h == nil {
		if w.connecting != nil {
			w.emit(statusResponse(req.CorrelationID, models.HealthStatus{
				State:   models.StateConnecting,
				Profile: w.connecting.Name,
				Since:   time.Now(),
			}))
			return
		}
		w.emit(statusResponse(req.CorrelationID, models.Disconnected()))
		return
	}

	mon := h.Monitor()
	if mon == nil || h.Status().State != models.StateConnected {
		w.emit(statusResponse(req.CorrelationID, h.Status()))
		return
	}

	ctx := w.ctx
	w.spawn(func() {
		status, err := mon.Probe(ctx)
		if err == nil {
			w.emit(statusResponse(req.CorrelationID, status))
		}
	})
}

func (w *Worker) reconnect(req Request) {
	h := w.active
	if h == nil {
		w.emit(errorResponse(req.CorrelationID, errors.New(errors.CodeNotConnected, "no active connection")))
		return
	}
	// The server may have changed underneath; nothing cached is trusted.
	w.introspector.Invalidate(h)
	if mon := h.Monitor(); mon != nil {
		mon.Reconnect()
	}
}

func (w *Worker) testConnection(req Request) {
	if req.Profile == nil {
		w.emit(errorResponse(req.CorrelationID, errors.New(errors.CodeInvalidRequest, "profile is required")))
		return
	}
	profile := *req.Profile

	ctx := w.ctx
	w.spawn(func() {
		latency, err := w.manager.TestConnection(ctx, profile)
		w.emit(Response{
			Kind:          ResponseTestResult,
			CorrelationID: req.CorrelationID,
			Latency:       latency,
			Error:         asError(err),
		})
	})
}

// metricsNoop is used when no collector is configured.
type metricsNoop struct{}

func (metricsNoop) IncrementCounter(string, ...string)         {}
func (metricsNoop) RecordHistogram(string, float64, ...string) {}
func (metricsNoop) RecordGauge(string, float64, ...string)     {}
func (metricsNoop) StartTimer(string) services.Timer           { return timerNoop(time.Now()) }

type timerNoop time.Time

func (t timerNoop) Stop() time.Duration { return time.Since(time.Time(t)) }

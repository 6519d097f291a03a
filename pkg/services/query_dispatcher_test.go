package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/sluice/pkg/drivers"
	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/infrastructure/metrics"
	"github.com/TFMV/sluice/pkg/models"
)

func await(t *testing.T, ch <-chan QueryOutcome) QueryOutcome {
	t.Helper()
	select {
	case o, ok := <-ch:
		require.True(t, ok, "outcome channel closed without outcome")
		_, more := <-ch
		assert.False(t, more, "outcome channel delivered twice")
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome")
		return QueryOutcome{}
	}
}

func newTestDispatcher(cfg DispatcherConfig) *QueryDispatcher {
	return NewQueryDispatcher(cfg, &mockLogger{}, &mockMetricsCollector{})
}

func TestDispatcher_Defaults(t *testing.T) {
	d := newTestDispatcher(DispatcherConfig{})
	cfg := d.Config()
	assert.Equal(t, 5000, cfg.DefaultRowLimit)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.False(t, cfg.SkipCancelConfirm, "backend cancel is on unless turned off")
}

func TestDispatcher_Select(t *testing.T) {
	h, mock := newTestHandle(t, &fakeAdapter{})
	d := newTestDispatcher(DispatcherConfig{})

	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("INT4", int64(0)).Nullable(false),
		sqlmock.NewColumn("name").OfType("TEXT", ""),
	).AddRow(int64(1), "alice").AddRow(int64(2), nil)
	mock.ExpectQuery("SELECT id, name FROM users").WillReturnRows(rows)

	o := await(t, d.Dispatch(context.Background(), h, models.QueryRequest{
		SQL:           "SELECT id, name FROM users",
		CorrelationID: "q1",
	}))

	require.NoError(t, o.Err)
	assert.Equal(t, "q1", o.CorrelationID)
	assert.Equal(t, h.ID, o.HandleID)

	res := o.Result
	require.Len(t, res.Columns, 2)
	assert.Equal(t, "id", res.Columns[0].Name)
	assert.Equal(t, models.TypeInt64, res.Columns[0].Type)
	assert.Equal(t, "INT4", res.Columns[0].DatabaseType)
	require.NotNil(t, res.Columns[0].Nullable)
	assert.False(t, *res.Columns[0].Nullable)
	assert.Equal(t, models.TypeString, res.Columns[1].Type)

	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, models.Row{int64(1), "alice"}, res.Rows[0])
	assert.Equal(t, models.Row{int64(2), nil}, res.Rows[1])
	assert.False(t, res.Truncated)
	assert.Empty(t, res.Notices)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, d.InFlight())
}

func TestDispatcher_BackslashLiteralOnPostgres(t *testing.T) {
	h, mock := newTestHandle(t, &fakeAdapter{})
	d := newTestDispatcher(DispatcherConfig{})

	query := `SELECT 'C:\' AS dir`
	mock.ExpectQuery(query).
		WillReturnRows(sqlmock.NewRows([]string{"dir"}).AddRow(`C:\`))

	o := await(t, d.Dispatch(context.Background(), h, models.QueryRequest{
		SQL:           query,
		CorrelationID: "q1",
	}))

	require.NoError(t, o.Err)
	assert.Equal(t, models.Row{`C:\`}, o.Result.Rows[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_EmptyResultKeepsColumns(t *testing.T) {
	h, mock := newTestHandle(t, &fakeAdapter{})
	d := newTestDispatcher(DispatcherConfig{})

	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("INT8", int64(0)),
	)
	mock.ExpectQuery("SELECT id FROM users WHERE false").WillReturnRows(rows)

	o := await(t, d.Dispatch(context.Background(), h, models.QueryRequest{
		SQL:           "SELECT id FROM users WHERE false",
		CorrelationID: "q1",
	}))

	require.NoError(t, o.Err)
	require.Len(t, o.Result.Columns, 1)
	assert.Equal(t, models.TypeInt64, o.Result.Columns[0].Type)
	assert.Equal(t, 0, o.Result.RowCount)
	assert.NotNil(t, o.Result.Rows)
}

func TestDispatcher_RowLimit(t *testing.T) {
	tests := []struct {
		name      string
		rows      int
		limit     int
		wantCount int
		truncated bool
	}{
		{name: "under limit", rows: 2, limit: 5, wantCount: 2},
		{name: "exactly at limit", rows: 3, limit: 3, wantCount: 3},
		{name: "over limit", rows: 5, limit: 3, wantCount: 3, truncated: true},
		{name: "over limit across batches", rows: 12, limit: 7, wantCount: 7, truncated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, mock := newTestHandle(t, &fakeAdapter{})
			d := newTestDispatcher(DispatcherConfig{BatchSize: 2})

			rows := sqlmock.NewRowsWithColumnDefinition(
				sqlmock.NewColumn("n").OfType("INT4", int64(0)),
			)
			for i := 0; i < tt.rows; i++ {
				rows.AddRow(int64(i))
			}
			mock.ExpectQuery("SELECT n FROM numbers").WillReturnRows(rows)

			o := await(t, d.Dispatch(context.Background(), h, models.QueryRequest{
				SQL:           "SELECT n FROM numbers",
				CorrelationID: "q1",
				RowLimit:      tt.limit,
			}))

			require.NoError(t, o.Err)
			assert.Equal(t, tt.wantCount, o.Result.RowCount)
			assert.Len(t, o.Result.Rows, tt.wantCount)
			assert.Equal(t, tt.truncated, o.Result.Truncated)
			if tt.truncated {
				require.Len(t, o.Result.Notices, 1)
				assert.Equal(t, errors.CodeRowLimitExceeded, o.Result.Notices[0].Code)
				assert.Equal(t, tt.limit, o.Result.Notices[0].Details["row_limit"])
			} else {
				assert.Empty(t, o.Result.Notices)
			}
		})
	}
}

func TestDispatcher_Exec(t *testing.T) {
	h, mock := newTestHandle(t, &fakeAdapter{})
	d := newTestDispatcher(DispatcherConfig{})

	mock.ExpectExec("UPDATE users SET active = true").WillReturnResult(sqlmock.NewResult(0, 3))

	o := await(t, d.Dispatch(context.Background(), h, models.QueryRequest{
		SQL:           "UPDATE users SET active = true",
		CorrelationID: "w1",
	}))

	require.NoError(t, o.Err)
	assert.Equal(t, int64(3), o.Result.RowsAffected)
	assert.Equal(t, 0, o.Result.RowCount)
	assert.Empty(t, o.Result.Columns)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_ReturningUsesRows(t *testing.T) {
	h, mock := newTestHandle(t, &fakeAdapter{})
	d := newTestDispatcher(DispatcherConfig{})

	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("INT4", int64(0)),
	).AddRow(int64(9))
	mock.ExpectQuery("INSERT INTO users (name) VALUES ('bob') RETURNING id").WillReturnRows(rows)

	o := await(t, d.Dispatch(context.Background(), h, models.QueryRequest{
		SQL:           "INSERT INTO users (name) VALUES ('bob') RETURNING id",
		CorrelationID: "w1",
	}))

	require.NoError(t, o.Err)
	assert.Equal(t, []models.Row{{int64(9)}}, o.Result.Rows)
}

func TestDispatcher_ExecutionError(t *testing.T) {
	h, mock := newTestHandle(t, &fakeAdapter{})
	d := newTestDispatcher(DispatcherConfig{})

	mock.ExpectQuery("SELECT * FROM missing").WillReturnError(fmt.Errorf("relation \"missing\" does not exist"))

	o := await(t, d.Dispatch(context.Background(), h, models.QueryRequest{
		SQL:           "SELECT * FROM missing",
		CorrelationID: "q1",
	}))

	require.Error(t, o.Err)
	assert.Nil(t, o.Result)
	assert.Equal(t, errors.CodeSyntaxOrExecution, errors.GetCode(o.Err))
	assert.Contains(t, errors.GetMessage(o.Err), "does not exist")
}

func TestDispatcher_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *ConnectionHandle) *ConnectionHandle
		req      models.QueryRequest
		wantCode string
	}{
		{
			name:     "no handle",
			setup:    func(*ConnectionHandle) *ConnectionHandle { return nil },
			req:      models.QueryRequest{SQL: "SELECT 1", CorrelationID: "q"},
			wantCode: errors.CodeNotConnected,
		},
		{
			name: "draining handle",
			setup: func(h *ConnectionHandle) *ConnectionHandle {
				h.Pool.BeginDrain()
				return h
			},
			req:      models.QueryRequest{SQL: "SELECT 1", CorrelationID: "q"},
			wantCode: errors.CodeCancelled,
		},
		{
			name:     "missing correlation id",
			req:      models.QueryRequest{SQL: "SELECT 1"},
			wantCode: errors.CodeInvalidRequest,
		},
		{
			name:     "negative row limit",
			req:      models.QueryRequest{SQL: "SELECT 1", CorrelationID: "q", RowLimit: -1},
			wantCode: errors.CodeInvalidRequest,
		},
		{
			name:     "empty statement",
			req:      models.QueryRequest{SQL: "  ;  ", CorrelationID: "q"},
			wantCode: errors.CodeInvalidRequest,
		},
		{
			name:     "unterminated literal",
			req:      models.QueryRequest{SQL: "SELECT 'abc", CorrelationID: "q"},
			wantCode: errors.CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandle(t, &fakeAdapter{})
			if tt.setup != nil {
				h = tt.setup(h)
			}
			d := newTestDispatcher(DispatcherConfig{})

			o := await(t, d.Dispatch(context.Background(), h, tt.req))
			require.Error(t, o.Err)
			assert.Equal(t, tt.wantCode, errors.GetCode(o.Err))
			assert.Empty(t, d.InFlight())
		})
	}
}

func TestDispatcher_DuplicateCorrelationID(t *testing.T) {
	h, mock := newTestHandle(t, &fakeAdapter{})
	d := newTestDispatcher(DispatcherConfig{})

	mock.ExpectQuery("SELECT pg_sleep(1)").
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(1))

	first := d.Dispatch(context.Background(), h, models.QueryRequest{SQL: "SELECT pg_sleep(1)", CorrelationID: "dup"})
	require.Eventually(t, func() bool { return len(d.InFlight()) == 1 }, time.Second, 5*time.Millisecond)

	o := await(t, d.Dispatch(context.Background(), h, models.QueryRequest{SQL: "SELECT 1", CorrelationID: "dup"}))
	assert.Equal(t, errors.CodeInvalidRequest, errors.GetCode(o.Err))

	assert.True(t, d.Cancel("dup"))
	assert.True(t, errors.IsCancelled(await(t, first).Err))
}

func TestDispatcher_Timeout(t *testing.T) {
	h, mock := newTestHandle(t, &fakeAdapter{})
	d := newTestDispatcher(DispatcherConfig{})

	mock.ExpectQuery("SELECT pg_sleep(5)").
		WillDelayFor(5 * time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(1))

	start := time.Now()
	o := await(t, d.Dispatch(context.Background(), h, models.QueryRequest{
		SQL:           "SELECT pg_sleep(5)",
		CorrelationID: "slow",
		Timeout:       50 * time.Millisecond,
	}))

	assert.Less(t, time.Since(start), 2*time.Second)
	require.Error(t, o.Err)
	assert.Equal(t, errors.CodeTimedOut, errors.GetCode(o.Err))
	var we *errors.Error
	require.ErrorAs(t, o.Err, &we)
	assert.Equal(t, int64(50), we.Details["timeout_ms"])
	assert.Empty(t, d.InFlight())

	// The lease is returned once the driver gives up.
	assert.Eventually(t, func() bool { return h.Pool.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_TimeoutCancelsBackend(t *testing.T) {
	sessions := make(chan int64, 1)
	adapter := &fakeAdapter{
		sessionIDFunc: func(context.Context, drivers.Querier) (int64, error) { return 7, nil },
		cancelSessionFunc: func(_ context.Context, _ drivers.Querier, id int64) error {
			sessions <- id
			return nil
		},
	}
	h, mock := newTestHandle(t, adapter)
	d := newTestDispatcher(DispatcherConfig{})

	mock.ExpectQuery("SELECT pg_sleep(5)").
		WillDelayFor(5 * time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(1))

	o := await(t, d.Dispatch(context.Background(), h, models.QueryRequest{
		SQL:           "SELECT pg_sleep(5)",
		CorrelationID: "slow",
		Timeout:       100 * time.Millisecond,
	}))
	assert.Equal(t, errors.CodeTimedOut, errors.GetCode(o.Err))

	select {
	case id := <-sessions:
		assert.Equal(t, int64(7), id)
	case <-time.After(2 * time.Second):
		t.Fatal("backend cancel was not issued after timeout")
	}
}

func TestDispatcher_SkipCancelConfirm(t *testing.T) {
	var sessionReads, cancels int
	var mu sync.Mutex
	adapter := &fakeAdapter{
		sessionIDFunc: func(context.Context, drivers.Querier) (int64, error) {
			mu.Lock()
			sessionReads++
			mu.Unlock()
			return 7, nil
		},
		cancelSessionFunc: func(context.Context, drivers.Querier, int64) error {
			mu.Lock()
			cancels++
			mu.Unlock()
			return nil
		},
	}
	h, mock := newTestHandle(t, adapter)
	d := newTestDispatcher(DispatcherConfig{SkipCancelConfirm: true})

	mock.ExpectQuery("SELECT pg_sleep(5)").
		WillDelayFor(5 * time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(1))

	o := await(t, d.Dispatch(context.Background(), h, models.QueryRequest{
		SQL:           "SELECT pg_sleep(5)",
		CorrelationID: "slow",
		Timeout:       50 * time.Millisecond,
	}))
	assert.Equal(t, errors.CodeTimedOut, errors.GetCode(o.Err))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, sessionReads)
	assert.Zero(t, cancels)
}

func TestDispatcher_Cancel(t *testing.T) {
	sessions := make(chan int64, 1)
	adapter := &fakeAdapter{
		sessionIDFunc: func(context.Context, drivers.Querier) (int64, error) { return 42, nil },
		cancelSessionFunc: func(_ context.Context, _ drivers.Querier, id int64) error {
			sessions <- id
			return nil
		},
	}
	h, mock := newTestHandle(t, adapter)
	d := newTestDispatcher(DispatcherConfig{})

	mock.ExpectQuery("SELECT pg_sleep(5)").
		WillDelayFor(5 * time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(1))

	ch := d.Dispatch(context.Background(), h, models.QueryRequest{SQL: "SELECT pg_sleep(5)", CorrelationID: "c1"})
	require.Eventually(t, func() bool { return len(d.InFlight()) == 1 }, time.Second, 5*time.Millisecond)

	inflight := d.InFlight()
	assert.Equal(t, "c1", inflight[0].CorrelationID)
	assert.Equal(t, models.AccessRead, inflight[0].Access)

	// Give execute time to record the session id.
	time.Sleep(20 * time.Millisecond)
	assert.True(t, d.Cancel("c1"))

	o := await(t, ch)
	require.Error(t, o.Err)
	assert.Equal(t, errors.CodeCancelled, errors.GetCode(o.Err))
	assert.Nil(t, o.Result)

	select {
	case id := <-sessions:
		assert.Equal(t, int64(42), id)
	case <-time.After(2 * time.Second):
		t.Fatal("backend cancel was not issued")
	}

	assert.False(t, d.Cancel("c1"), "finished queries cannot be cancelled")
}

func TestDispatcher_CancelUnknown(t *testing.T) {
	d := newTestDispatcher(DispatcherConfig{})
	assert.False(t, d.Cancel("nope"))
	assert.Equal(t, 0, d.CancelAll("handle-1"))
}

func TestDispatcher_CancelAll(t *testing.T) {
	h, mock := newTestHandle(t, &fakeAdapter{})
	mock.MatchExpectationsInOrder(false)
	d := newTestDispatcher(DispatcherConfig{})

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(fmt.Sprintf("SELECT %d FROM pg_sleep(5)", i)).
			WillDelayFor(5 * time.Second).
			WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(1))
	}

	var chans []<-chan QueryOutcome
	for i := 0; i < 2; i++ {
		chans = append(chans, d.Dispatch(context.Background(), h, models.QueryRequest{
			SQL:           fmt.Sprintf("SELECT %d FROM pg_sleep(5)", i),
			CorrelationID: fmt.Sprintf("c%d", i),
		}))
	}
	require.Eventually(t, func() bool { return len(d.InFlight()) == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, d.CancelAll("other-handle"))
	assert.Equal(t, 2, d.CancelAll(h.ID))

	for _, ch := range chans {
		assert.True(t, errors.IsCancelled(await(t, ch).Err))
	}
}

func TestDispatcher_Explain(t *testing.T) {
	h, mock := newTestHandle(t, &fakeAdapter{})
	d := newTestDispatcher(DispatcherConfig{})

	mock.ExpectQuery("EXPLAIN SELECT * FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"QUERY PLAN"}).AddRow("Seq Scan on users"))

	o := await(t, d.Explain(context.Background(), h, models.QueryRequest{
		SQL:           "SELECT * FROM users;",
		CorrelationID: "e1",
	}))

	require.NoError(t, o.Err)
	assert.Equal(t, "EXPLAIN SELECT * FROM users", o.SQL)
	assert.Equal(t, []models.Row{{"Seq Scan on users"}}, o.Result.Rows)

	o = await(t, d.Explain(context.Background(), h, models.QueryRequest{SQL: "EXPLAIN SELECT 1", CorrelationID: "e2"}))
	assert.Equal(t, errors.CodeInvalidRequest, errors.GetCode(o.Err))
}

func TestDispatcher_WritesAreSerialized(t *testing.T) {
	h, mock := newTestHandle(t, &fakeAdapter{})
	mock.MatchExpectationsInOrder(false)
	d := newTestDispatcher(DispatcherConfig{})

	for i := 0; i < 3; i++ {
		mock.ExpectExec(fmt.Sprintf("DELETE FROM t WHERE id = %d", i)).
			WillDelayFor(30 * time.Millisecond).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		ch := d.Dispatch(context.Background(), h, models.QueryRequest{
			SQL:           fmt.Sprintf("DELETE FROM t WHERE id = %d", i),
			CorrelationID: fmt.Sprintf("w%d", i),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := <-ch
			assert.NoError(t, o.Err)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestDispatcher_Metrics(t *testing.T) {
	h, mock := newTestHandle(t, &fakeAdapter{})
	rec, collector := newCounterRecorder()
	d := NewQueryDispatcher(DispatcherConfig{}, &mockLogger{}, collector)

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(1))
	mock.ExpectQuery("SELECT 2").WillReturnError(fmt.Errorf("boom"))

	await(t, d.Dispatch(context.Background(), h, models.QueryRequest{SQL: "SELECT 1", CorrelationID: "a"}))
	await(t, d.Dispatch(context.Background(), h, models.QueryRequest{SQL: "SELECT 2", CorrelationID: "b"}))
	await(t, d.Dispatch(context.Background(), nil, models.QueryRequest{SQL: "SELECT 3", CorrelationID: "c"}))

	assert.Equal(t, 1, rec.get(metrics.QueriesTotal+"|status|ok|access|read"))
	assert.Equal(t, 1, rec.get(metrics.QueriesTotal+"|status|error|access|read"))
	assert.Equal(t, 1, rec.get(metrics.QueriesTotal+"|status|error|access|none"))
}

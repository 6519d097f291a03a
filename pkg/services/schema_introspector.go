package services

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TFMV/sluice/pkg/drivers"
	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/infrastructure/metrics"
	"github.com/TFMV/sluice/pkg/models"
)

// SchemaIntrospector reads catalogs through the handle's adapter and keeps
// the handle's schema cache current. Catalog queries take read leases, so
// they share the pool bound with user queries but never the writer lock.
type SchemaIntrospector struct {
	concurrency int
	logger      Logger
	metrics     MetricsCollector
}

// NewSchemaIntrospector creates a new schema introspector. concurrency bounds
// the number of tables described at once.
func NewSchemaIntrospector(concurrency int, logger Logger, metrics MetricsCollector) *SchemaIntrospector {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &SchemaIntrospector{
		concurrency: concurrency,
		logger:      orNoopLogger(logger),
		metrics:     orNoopMetrics(metrics),
	}
}

// withConn runs fn on a read lease of h.
func withConn(ctx context.Context, h *ConnectionHandle, fn func(q drivers.Querier) error) error {
	if h == nil || h.Closed() {
		return errors.New(errors.CodeNotConnected, "no active connection")
	}
	lease, err := h.Pool.Acquire(ctx, models.AccessRead)
	if err != nil {
		return drivers.ClassifyCommon(err)
	}
	defer lease.Release()
	return fn(lease.Conn)
}

// Cached returns the cached schema when the last full fetch is still
// complete.
func (s *SchemaIntrospector) Cached(h *ConnectionHandle) (*models.SchemaInfo, bool) {
	if h == nil || !h.Schema.Complete() {
		return nil, false
	}
	return h.Schema.Snapshot(), true
}

// ListTables returns tables and views with their row estimates, without
// describing them.
func (s *SchemaIntrospector) ListTables(ctx context.Context, h *ConnectionHandle) ([]models.TableSummary, error) {
	var out []models.TableSummary
	err := withConn(ctx, h, func(q drivers.Querier) error {
		tables, err := h.Adapter.ListTables(ctx, q)
		if err != nil {
			return err
		}
		views, err := h.Adapter.ListViews(ctx, q)
		if err != nil {
			return err
		}
		out = append(tables, views...)
		return nil
	})
	if err != nil {
		return nil, introspectionError(err, "list tables")
	}
	return out, nil
}

// FetchSchema describes every table and view and replaces the cache content.
// Row estimates come from catalog statistics and are approximate.
func (s *SchemaIntrospector) FetchSchema(ctx context.Context, h *ConnectionHandle) (*models.SchemaInfo, error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordHistogram(metrics.SchemaFetchDuration, time.Since(start).Seconds())
	}()

	summaries, err := s.ListTables(ctx, h)
	if err != nil {
		s.logger.Warn("Schema fetch failed", "handle_id", handleID(h), "error", err)
		return nil, err
	}

	infos := make([]*models.TableInfo, len(summaries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, summary := range summaries {
		g.Go(func() error {
			return withConn(gctx, h, func(q drivers.Querier) error {
				info, err := h.Adapter.TableDetails(gctx, q, summary.Name)
				if err != nil {
					return err
				}
				if info.RowEstimate == 0 {
					info.RowEstimate = summary.RowEstimate
				}
				infos[i] = info
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("Schema fetch failed", "handle_id", h.ID, "error", err)
		return nil, introspectionError(err, "describe tables")
	}

	fetchedAt := time.Now()
	h.Schema.Load(infos, fetchedAt)

	schema := models.NewSchemaInfo()
	schema.FetchedAt = fetchedAt
	for _, info := range infos {
		if info.Kind == models.KindView {
			schema.Views[info.Name] = info
		} else {
			schema.Tables[info.Name] = info
		}
	}

	s.logger.Info("Schema fetched",
		"handle_id", h.ID,
		"tables", len(schema.Tables),
		"views", len(schema.Views),
		"duration", time.Since(start))
	return schema, nil
}

// Table returns one relation from the cache and describes it on a miss or
// once its entry has outlived the cache TTL.
func (s *SchemaIntrospector) Table(ctx context.Context, h *ConnectionHandle, name string) (*models.TableInfo, error) {
	if h != nil && name != "" {
		if info, ok := h.Schema.Get(name); ok {
			return info, nil
		}
	}
	return s.RefreshTable(ctx, h, name)
}

// RefreshTable re-describes one relation and swaps only its cache entry. A
// relation that no longer exists is dropped from the cache.
func (s *SchemaIntrospector) RefreshTable(ctx context.Context, h *ConnectionHandle, name string) (*models.TableInfo, error) {
	if name == "" {
		return nil, errors.New(errors.CodeInvalidRequest, "table name is required")
	}

	var info *models.TableInfo
	err := withConn(ctx, h, func(q drivers.Querier) error {
		var err error
		info, err = h.Adapter.TableDetails(ctx, q, name)
		return err
	})
	if err != nil {
		if drivers.IsRelationNotFound(err) && h.Schema.Remove(name) {
			s.logger.Debug("Dropped relation removed from cache", "handle_id", h.ID, "table", name)
		}
		return nil, introspectionError(err, "refresh table "+name)
	}

	h.Schema.Replace(info)

	s.logger.Debug("Table refreshed", "handle_id", h.ID, "table", name)
	return info, nil
}

// Invalidate drops everything cached for h.
func (s *SchemaIntrospector) Invalidate(h *ConnectionHandle) {
	if h != nil {
		h.Schema.Invalidate()
	}
}

// introspectionError keeps connection and cancellation errors as they are
// and reports everything else as INTROSPECTION_FAILED.
func introspectionError(err error, what string) error {
	switch errors.CategoryOf(err) {
	case errors.CategoryConnection:
		return err
	case errors.CategoryQuery:
		if errors.IsCancelled(err) || errors.IsTimedOut(err) {
			return err
		}
	}
	return drivers.IntrospectionError(err, what)
}

func handleID(h *ConnectionHandle) string {
	if h == nil {
		return ""
	}
	return h.ID
}

package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/sluice/pkg/cache"
	"github.com/TFMV/sluice/pkg/drivers"
	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/models"
)

func catalogAdapter(describes *atomic.Int64) *fakeAdapter {
	return &fakeAdapter{
		listTablesFunc: func(context.Context, drivers.Querier) ([]models.TableSummary, error) {
			return []models.TableSummary{
				{Name: "users", Kind: models.KindTable, RowEstimate: 120},
				{Name: "orders", Kind: models.KindTable, RowEstimate: 4000},
			}, nil
		},
		listViewsFunc: func(context.Context, drivers.Querier) ([]models.TableSummary, error) {
			return []models.TableSummary{{Name: "active_users", Kind: models.KindView}}, nil
		},
		tableDetailsFunc: func(_ context.Context, _ drivers.Querier, table string) (*models.TableInfo, error) {
			n := describes.Add(1)
			kind := models.KindTable
			if table == "active_users" {
				kind = models.KindView
			}
			return &models.TableInfo{
				Name:    table,
				Kind:    kind,
				Columns: []models.ColumnInfo{{Name: fmt.Sprintf("col_v%d", n), DataType: "integer"}},
			}, nil
		},
	}
}

func TestSchemaIntrospector_FetchSchema(t *testing.T) {
	var describes atomic.Int64
	h, _ := newTestHandle(t, catalogAdapter(&describes))
	s := NewSchemaIntrospector(2, &mockLogger{}, &mockMetricsCollector{})

	_, ok := s.Cached(h)
	assert.False(t, ok)

	schema, err := s.FetchSchema(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, []string{"orders", "users"}, schema.TableNames())
	assert.Equal(t, []string{"active_users"}, schema.ViewNames())
	assert.Equal(t, int64(120), schema.Tables["users"].RowEstimate)
	assert.Equal(t, models.KindView, schema.Views["active_users"].Kind)
	assert.False(t, schema.FetchedAt.IsZero())
	assert.Equal(t, int64(3), describes.Load())

	cached, ok := s.Cached(h)
	require.True(t, ok)
	assert.Equal(t, schema.TableNames(), cached.TableNames())
	assert.Equal(t, 3, h.Schema.Len())

	assert.Equal(t, 0, h.Pool.InFlight())
}

func TestSchemaIntrospector_RefreshTable(t *testing.T) {
	var describes atomic.Int64
	h, _ := newTestHandle(t, catalogAdapter(&describes))
	s := NewSchemaIntrospector(0, nil, nil)

	_, err := s.FetchSchema(context.Background(), h)
	require.NoError(t, err)

	before, ok := h.Schema.Get("orders")
	require.True(t, ok)

	info, err := s.RefreshTable(context.Background(), h, "users")
	require.NoError(t, err)
	assert.Equal(t, "col_v4", info.Columns[0].Name)

	got, ok := h.Schema.Get("users")
	require.True(t, ok)
	assert.Same(t, info, got)

	after, ok := h.Schema.Get("orders")
	require.True(t, ok)
	assert.Same(t, before, after, "other entries are untouched")

	_, ok = s.Cached(h)
	assert.True(t, ok)
}

func TestSchemaIntrospector_RefreshTableDropped(t *testing.T) {
	var describes atomic.Int64
	adapter := catalogAdapter(&describes)
	h, _ := newTestHandle(t, adapter)
	s := NewSchemaIntrospector(0, nil, nil)

	_, err := s.FetchSchema(context.Background(), h)
	require.NoError(t, err)

	adapter.tableDetailsFunc = func(_ context.Context, _ drivers.Querier, table string) (*models.TableInfo, error) {
		return nil, drivers.RelationNotFound(table)
	}
	_, err = s.RefreshTable(context.Background(), h, "orders")
	assert.Equal(t, errors.CodeIntrospectionFailed, errors.GetCode(err))

	_, ok := h.Schema.Get("orders")
	assert.False(t, ok)
	_, ok = h.Schema.Get("users")
	assert.True(t, ok)
	_, ok = s.Cached(h)
	assert.False(t, ok, "a removed entry ends the full fetch")
}

func TestSchemaIntrospector_Table(t *testing.T) {
	var describes atomic.Int64
	h, _ := newTestHandle(t, catalogAdapter(&describes))
	s := NewSchemaIntrospector(0, nil, nil)

	first, err := s.Table(context.Background(), h, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(1), describes.Load())

	again, err := s.Table(context.Background(), h, "users")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, int64(1), describes.Load(), "served from the cache")

	_, err = s.Table(context.Background(), h, "")
	assert.Equal(t, errors.CodeInvalidRequest, errors.GetCode(err))
}

func TestSchemaIntrospector_TableTTL(t *testing.T) {
	var describes atomic.Int64
	h, _ := newTestHandle(t, catalogAdapter(&describes))
	h.Schema = cache.NewSchemaCache(cache.DefaultConfig().WithTTL(20 * time.Millisecond))
	s := NewSchemaIntrospector(0, nil, nil)

	_, err := s.FetchSchema(context.Background(), h)
	require.NoError(t, err)
	_, ok := s.Cached(h)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = s.Cached(h)
	assert.False(t, ok)

	info, err := s.Table(context.Background(), h, "users")
	require.NoError(t, err)
	assert.Equal(t, "col_v4", info.Columns[0].Name)
	assert.Equal(t, int64(4), describes.Load())
}

func TestSchemaIntrospector_RefreshTableRequiresName(t *testing.T) {
	h, _ := newTestHandle(t, &fakeAdapter{})
	s := NewSchemaIntrospector(0, nil, nil)

	_, err := s.RefreshTable(context.Background(), h, "")
	assert.Equal(t, errors.CodeInvalidRequest, errors.GetCode(err))
}

func TestSchemaIntrospector_Errors(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		s := NewSchemaIntrospector(0, nil, nil)
		_, err := s.FetchSchema(context.Background(), nil)
		assert.Equal(t, errors.CodeNotConnected, errors.GetCode(err))
	})

	t.Run("catalog failure", func(t *testing.T) {
		h, _ := newTestHandle(t, &fakeAdapter{
			listTablesFunc: func(context.Context, drivers.Querier) ([]models.TableSummary, error) {
				return nil, fmt.Errorf("permission denied for schema public")
			},
		})
		s := NewSchemaIntrospector(0, nil, nil)

		_, err := s.FetchSchema(context.Background(), h)
		assert.Equal(t, errors.CodeIntrospectionFailed, errors.GetCode(err))
		_, ok := s.Cached(h)
		assert.False(t, ok)
	})

	t.Run("describe failure keeps previous cache", func(t *testing.T) {
		var describes atomic.Int64
		adapter := catalogAdapter(&describes)
		h, _ := newTestHandle(t, adapter)
		s := NewSchemaIntrospector(0, nil, nil)

		_, err := s.FetchSchema(context.Background(), h)
		require.NoError(t, err)

		adapter.tableDetailsFunc = func(context.Context, drivers.Querier, string) (*models.TableInfo, error) {
			return nil, fmt.Errorf("catalog unavailable")
		}
		_, err = s.FetchSchema(context.Background(), h)
		assert.Equal(t, errors.CodeIntrospectionFailed, errors.GetCode(err))

		_, err = s.RefreshTable(context.Background(), h, "users")
		assert.Equal(t, errors.CodeIntrospectionFailed, errors.GetCode(err))

		cached, ok := s.Cached(h)
		require.True(t, ok)
		assert.Len(t, cached.Tables, 2)
	})

	t.Run("cancelled", func(t *testing.T) {
		h, _ := newTestHandle(t, catalogAdapter(new(atomic.Int64)))
		s := NewSchemaIntrospector(0, nil, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.FetchSchema(ctx, h)
		assert.True(t, errors.IsCancelled(err))
	})
}

func TestSchemaIntrospector_ListTablesAndInvalidate(t *testing.T) {
	h, _ := newTestHandle(t, catalogAdapter(new(atomic.Int64)))
	s := NewSchemaIntrospector(0, nil, nil)

	list, err := s.ListTables(context.Background(), h)
	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.Equal(t, "active_users", list[2].Name)

	_, err = s.FetchSchema(context.Background(), h)
	require.NoError(t, err)

	s.Invalidate(h)
	_, ok := s.Cached(h)
	assert.False(t, ok)
	assert.Equal(t, 0, h.Schema.Len())
}

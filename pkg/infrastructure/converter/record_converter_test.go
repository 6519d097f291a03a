package converter

import (
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/models"
)

func sampleResult() *models.QueryResult {
	notNull := false
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return &models.QueryResult{
		Columns: []models.Column{
			{Name: "id", Type: models.TypeInt64, DatabaseType: "INT8", Nullable: &notNull},
			{Name: "price", Type: models.TypeFloat64, DatabaseType: "FLOAT8"},
			{Name: "active", Type: models.TypeBool, DatabaseType: "BOOL"},
			{Name: "created_at", Type: models.TypeTimestamp, DatabaseType: "TIMESTAMPTZ"},
			{Name: "payload", Type: models.TypeBytes, DatabaseType: "BYTEA"},
			{Name: "note", Type: models.TypeString, DatabaseType: "TEXT"},
		},
		Rows: []models.Row{
			{int64(1), 9.5, true, ts, []byte{0x01, 0x02}, "first"},
			{int64(2), nil, false, nil, nil, nil},
		},
		RowCount: 2,
	}
}

func TestToRecord(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	result := sampleResult()
	rec, err := ToRecord(alloc, result)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, int64(6), rec.NumCols())

	schema := rec.Schema()
	assert.False(t, schema.Field(0).Nullable)
	assert.True(t, schema.Field(1).Nullable)
	assert.Equal(t, arrow.TIMESTAMP, schema.Field(3).Type.ID())
	v, ok := schema.Field(0).Metadata.GetValue(MetadataDatabaseType)
	require.True(t, ok)
	assert.Equal(t, "INT8", v)

	ids := rec.Column(0).(*array.Int64)
	assert.Equal(t, int64(2), ids.Value(1))

	prices := rec.Column(1).(*array.Float64)
	assert.Equal(t, 9.5, prices.Value(0))
	assert.True(t, prices.IsNull(1))

	ts := rec.Column(3).(*array.Timestamp)
	assert.Equal(t, arrow.Timestamp(result.Rows[0][3].(time.Time).UnixMicro()), ts.Value(0))

	notes := rec.Column(5).(*array.String)
	assert.Equal(t, "first", notes.Value(0))
	assert.True(t, notes.IsNull(1))
}

func TestToRecord_DoesNotMutate(t *testing.T) {
	result := sampleResult()
	before := sampleResult()

	rec, err := ToRecord(memory.DefaultAllocator, result)
	require.NoError(t, err)
	rec.Release()

	assert.Equal(t, before, result)
}

func TestToRecord_Errors(t *testing.T) {
	_, err := ToRecord(nil, nil)
	assert.True(t, errors.Is(err, errors.CodeInvalidRequest))

	bad := &models.QueryResult{
		Columns: []models.Column{{Name: "n", Type: models.TypeInt64}},
		Rows:    []models.Row{{"not a number"}},
	}
	_, err = ToRecord(nil, bad)
	assert.Error(t, err)

	short := &models.QueryResult{
		Columns: []models.Column{{Name: "a"}, {Name: "b"}},
		Rows:    []models.Row{{"x"}},
	}
	_, err = ToRecord(nil, short)
	assert.Error(t, err)
}

func TestToRecord_Empty(t *testing.T) {
	rec, err := ToRecord(nil, &models.QueryResult{Columns: []models.Column{{Name: "a", Type: models.TypeString}}})
	require.NoError(t, err)
	defer rec.Release()
	assert.Equal(t, int64(0), rec.NumRows())
	assert.Equal(t, "a", rec.Schema().Field(0).Name)
}

package converter

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/models"
)

// Metadata key carrying the backend type name of a field.
const MetadataDatabaseType = "sluice.database_type"

// ArrowType returns the Arrow type used for a logical column type.
func ArrowType(logical string) arrow.DataType {
	switch logical {
	case models.TypeInt64:
		return arrow.PrimitiveTypes.Int64
	case models.TypeFloat64:
		return arrow.PrimitiveTypes.Float64
	case models.TypeBool:
		return arrow.FixedWidthTypes.Boolean
	case models.TypeTimestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case models.TypeBytes:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

// Schema builds the Arrow schema of a result from its column metadata.
func Schema(cols []models.Column) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, col := range cols {
		nullable := true
		if col.Nullable != nil {
			nullable = *col.Nullable
		}

		var md arrow.Metadata
		if col.DatabaseType != "" {
			md = arrow.NewMetadata([]string{MetadataDatabaseType}, []string{col.DatabaseType})
		}

		fields[i] = arrow.Field{
			Name:     col.Name,
			Type:     ArrowType(col.Type),
			Nullable: nullable,
			Metadata: md,
		}
	}
	return arrow.NewSchema(fields, nil)
}

// ToRecord copies a QueryResult into an Arrow record. The result is only
// read. The caller owns the record and must Release it.
func ToRecord(alloc memory.Allocator, result *models.QueryResult) (arrow.Record, error) {
	if result == nil {
		return nil, errors.New(errors.CodeInvalidRequest, "nil query result")
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}

	schema := Schema(result.Columns)
	b := array.NewRecordBuilder(alloc, schema)
	defer b.Release()

	for r, row := range result.Rows {
		if len(row) != len(result.Columns) {
			return nil, errors.Newf(errors.CodeInternal, "row %d has %d cells, expected %d", r, len(row), len(result.Columns))
		}
		for c, cell := range row {
			if err := appendValue(b.Field(c), cell); err != nil {
				return nil, errors.Wrapf(err, errors.CodeInternal, "row %d column %q", r, result.Columns[c].Name)
			}
		}
	}

	return b.NewRecord(), nil
}

// appendValue appends a cell to the builder of its column.
func appendValue(fb array.Builder, value interface{}) error {
	if value == nil {
		fb.AppendNull()
		return nil
	}

	switch bld := fb.(type) {
	case *array.Int64Builder:
		v, ok := value.(int64)
		if !ok {
			return mismatch("int64", value)
		}
		bld.Append(v)
	case *array.Float64Builder:
		switch v := value.(type) {
		case float64:
			bld.Append(v)
		case int64:
			bld.Append(float64(v))
		default:
			return mismatch("float64", value)
		}
	case *array.BooleanBuilder:
		v, ok := value.(bool)
		if !ok {
			return mismatch("bool", value)
		}
		bld.Append(v)
	case *array.TimestampBuilder:
		v, ok := value.(time.Time)
		if !ok {
			return mismatch("timestamp", value)
		}
		bld.Append(arrow.Timestamp(v.UnixMicro()))
	case *array.BinaryBuilder:
		switch v := value.(type) {
		case []byte:
			bld.Append(v)
		case string:
			bld.AppendString(v)
		default:
			return mismatch("bytes", value)
		}
	case *array.StringBuilder:
		bld.Append(toString(value))
	default:
		return fmt.Errorf("unsupported builder %T", fb)
	}
	return nil
}

func mismatch(want string, got interface{}) error {
	return fmt.Errorf("cannot append %T to %s column", got, want)
}

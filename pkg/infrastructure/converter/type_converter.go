// Package converter maps backend column types onto logical cell types and
// hands query results off as Apache Arrow records.
package converter

import (
	"database/sql"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/TFMV/sluice/pkg/models"
)

// typeMap maps upper-cased DatabaseTypeName values of pgx and
// go-sql-driver/mysql onto logical types.
var typeMap = map[string]string{
	// Integer types
	"INT2":               models.TypeInt64,
	"INT4":               models.TypeInt64,
	"INT8":               models.TypeInt64,
	"OID":                models.TypeInt64,
	"TINYINT":            models.TypeInt64,
	"SMALLINT":           models.TypeInt64,
	"MEDIUMINT":          models.TypeInt64,
	"INT":                models.TypeInt64,
	"INTEGER":            models.TypeInt64,
	"BIGINT":             models.TypeInt64,
	"YEAR":               models.TypeInt64,
	"UNSIGNED TINYINT":   models.TypeInt64,
	"UNSIGNED SMALLINT":  models.TypeInt64,
	"UNSIGNED MEDIUMINT": models.TypeInt64,
	"UNSIGNED INT":       models.TypeInt64,

	// Floating point types
	"FLOAT4": models.TypeFloat64,
	"FLOAT8": models.TypeFloat64,
	"FLOAT":  models.TypeFloat64,
	"DOUBLE": models.TypeFloat64,
	"REAL":   models.TypeFloat64,

	// Boolean type
	"BOOL":    models.TypeBool,
	"BOOLEAN": models.TypeBool,

	// Date/Time types
	"DATE":        models.TypeTimestamp,
	"TIMESTAMP":   models.TypeTimestamp,
	"TIMESTAMPTZ": models.TypeTimestamp,
	"DATETIME":    models.TypeTimestamp,

	// Binary types
	"BYTEA":      models.TypeBytes,
	"BLOB":       models.TypeBytes,
	"TINYBLOB":   models.TypeBytes,
	"MEDIUMBLOB": models.TypeBytes,
	"LONGBLOB":   models.TypeBytes,
	"BINARY":     models.TypeBytes,
	"VARBINARY":  models.TypeBytes,
	"GEOMETRY":   models.TypeBytes,
}

// LogicalType maps a database type name to a logical cell type. Unknown
// names, decimals, JSON, UUID and every textual type become strings so that
// no precision is lost.
func LogicalType(databaseType string) string {
	if t, ok := typeMap[strings.ToUpper(strings.TrimSpace(databaseType))]; ok {
		return t
	}
	return models.TypeString
}

// LogicalTypeFromScan falls back to the driver's scan type when the database
// type name is empty.
func LogicalTypeFromScan(scanType reflect.Type) string {
	if scanType == nil {
		return models.TypeString
	}
	if scanType == reflect.TypeOf(time.Time{}) || scanType == reflect.TypeOf(sql.NullTime{}) {
		return models.TypeTimestamp
	}
	switch scanType {
	case reflect.TypeOf(sql.NullInt64{}), reflect.TypeOf(sql.NullInt32{}), reflect.TypeOf(sql.NullInt16{}):
		return models.TypeInt64
	case reflect.TypeOf(sql.NullFloat64{}):
		return models.TypeFloat64
	case reflect.TypeOf(sql.NullBool{}):
		return models.TypeBool
	case reflect.TypeOf(sql.RawBytes{}), reflect.TypeOf(sql.NullString{}):
		// go-sql-driver/mysql reports RawBytes for text columns it cannot type.
		return models.TypeString
	}

	switch scanType.Kind() {
	case reflect.Bool:
		return models.TypeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return models.TypeInt64
	case reflect.Float32, reflect.Float64:
		return models.TypeFloat64
	case reflect.Slice:
		if scanType.Elem().Kind() == reflect.Uint8 {
			return models.TypeBytes
		}
	}
	return models.TypeString
}

// ColumnFromType describes a result column from driver metadata.
func ColumnFromType(ct *sql.ColumnType) models.Column {
	col := models.Column{
		Name:         ct.Name(),
		DatabaseType: ct.DatabaseTypeName(),
	}
	if col.DatabaseType != "" {
		col.Type = LogicalType(col.DatabaseType)
	} else {
		col.Type = LogicalTypeFromScan(ct.ScanType())
	}
	if nullable, ok := ct.Nullable(); ok {
		col.Nullable = &nullable
	}
	return col
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// NormalizeValue converts a scanned cell to the Go type of its logical column
// type. Values that cannot be converted are kept as strings.
func NormalizeValue(logical string, v interface{}) interface{} {
	if v == nil {
		return nil
	}

	switch logical {
	case models.TypeInt64:
		return toInt64(v)
	case models.TypeFloat64:
		return toFloat64(v)
	case models.TypeBool:
		return toBool(v)
	case models.TypeTimestamp:
		return toTime(v)
	case models.TypeBytes:
		if b, ok := v.([]byte); ok {
			return b
		}
		return []byte(toString(v))
	default:
		return toString(v)
	}
}

func toInt64(v interface{}) interface{} {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int16:
		return int64(n)
	case int8:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n)
		}
		return strconv.FormatUint(n, 10)
	case []byte, string:
		s := toString(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		return s
	}
	return toString(v)
}

func toFloat64(v interface{}) interface{} {
	switch f := v.(type) {
	case float64:
		return f
	case float32:
		return float64(f)
	case int64:
		return float64(f)
	case []byte, string:
		s := toString(f)
		if x, err := strconv.ParseFloat(s, 64); err == nil {
			return x
		}
		return s
	}
	return toString(v)
}

func toBool(v interface{}) interface{} {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case []byte, string:
		s := toString(b)
		switch strings.ToLower(s) {
		case "t", "true", "1", "y", "yes":
			return true
		case "f", "false", "0", "n", "no":
			return false
		}
		return s
	}
	return toString(v)
}

func toTime(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t
	case []byte, string:
		s := toString(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed
			}
		}
		return s
	}
	return toString(v)
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case time.Time:
		return s.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprint(v)
}

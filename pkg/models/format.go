package models

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxDisplayLen bounds the rendered length of a single cell.
	MaxDisplayLen   = 10000
	truncatedSuffix = "...[truncated]"
	nullDisplay     = "NULL"
)

// FormatCell renders a cell value for display.
func FormatCell(v interface{}) string {
	return truncateDisplay(formatValue(v))
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return nullDisplay
	case string:
		return val
	case []byte:
		if utf8.Valid(val) {
			return string(val)
		}
		return fmt.Sprintf("\\x%x", val)
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return FormatFloat(val)
	case float32:
		return FormatFloat(float64(val))
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		items := make([]string, rv.Len())
		for i := range items {
			items[i] = formatValue(rv.Index(i).Interface())
		}
		return FormatList(items)
	}
	return fmt.Sprintf("%v", v)
}

// FormatFloat prints integral values without decimals and everything else
// with up to six decimals, trailing zeros removed.
func FormatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if f == math.Trunc(f) {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	s := strconv.FormatFloat(f, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// FormatList prints short lists whole and elides the middle of long ones.
func FormatList(items []string) string {
	if len(items) <= 5 {
		return "[" + strings.Join(items, ", ") + "]"
	}
	n := len(items)
	return fmt.Sprintf("[%s, %s, %s, ... (%d more) ..., %s, %s]",
		items[0], items[1], items[2], n-5, items[n-2], items[n-1])
}

func truncateDisplay(s string) string {
	if len(s) <= MaxDisplayLen {
		return s
	}
	cut := MaxDisplayLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}

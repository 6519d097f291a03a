package models

import (
	"time"

	"github.com/TFMV/sluice/pkg/errors"
)

// AccessMode is the concurrency class of a statement.
type AccessMode int

const (
	// AccessRead statements may run concurrently.
	AccessRead AccessMode = iota
	// AccessWrite statements are serialized per connection.
	AccessWrite
)

// String returns the string representation of the access mode.
func (a AccessMode) String() string {
	if a == AccessRead {
		return "read"
	}
	return "write"
}

// QueryRequest represents a query execution request.
// Zero RowLimit and Timeout mean "use the configured default".
type QueryRequest struct {
	SQL           string        `json:"sql"`
	CorrelationID string        `json:"correlation_id"`
	RowLimit      int           `json:"row_limit,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// Logical column types. Cells of a column hold the matching Go type:
// int64, float64, bool, time.Time, []byte or string.
const (
	TypeInt64     = "int64"
	TypeFloat64   = "float64"
	TypeBool      = "bool"
	TypeTimestamp = "timestamp"
	TypeBytes     = "bytes"
	TypeString    = "string"
)

// Column describes one result column. Metadata is captured before rows are
// read, so it is present for empty results too.
type Column struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	DatabaseType string `json:"database_type"`
	Nullable     *bool  `json:"nullable,omitempty"`
}

// Row is one result row. Cells hold nil, int64, float64, bool, string,
// time.Time or []byte.
type Row []interface{}

// QueryResult represents the result of a query execution. Consumers such as
// exporters and history stores read it by reference and must not mutate it.
type QueryResult struct {
	Columns      []Column        `json:"columns"`
	Rows         []Row           `json:"rows"`
	RowCount     int             `json:"row_count"`
	RowsAffected int64           `json:"rows_affected,omitempty"`
	Duration     time.Duration   `json:"duration"`
	Truncated    bool            `json:"truncated"`
	Notices      []*errors.Error `json:"notices,omitempty"`
}

// InFlightQuery is a snapshot of a dispatched, not yet finished query.
type InFlightQuery struct {
	CorrelationID string     `json:"correlation_id"`
	HandleID      string     `json:"handle_id"`
	SQL           string     `json:"sql"`
	Access        AccessMode `json:"access"`
	StartedAt     time.Time  `json:"started_at"`
}

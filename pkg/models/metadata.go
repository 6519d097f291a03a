package models

import (
	"sort"
	"time"
)

// Relation kinds.
const (
	KindTable = "TABLE"
	KindView  = "VIEW"
)

// ColumnInfo describes a table or view column.
type ColumnInfo struct {
	Name       string  `json:"name"`
	DataType   string  `json:"data_type"`
	Nullable   bool    `json:"nullable"`
	Default    *string `json:"default,omitempty"`
	PrimaryKey bool    `json:"primary_key"`
}

// IndexInfo describes an index.
type IndexInfo struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
	Primary bool     `json:"primary"`
	Method  string   `json:"method"`
}

// ConstraintInfo describes a table constraint.
type ConstraintInfo struct {
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Columns        []string `json:"columns"`
	ForeignTable   string   `json:"foreign_table,omitempty"`
	ForeignColumns []string `json:"foreign_columns,omitempty"`
	CheckClause    string   `json:"check_clause,omitempty"`
}

// TableSummary is a cheap listing entry.
//
// RowEstimate comes from catalog statistics (pg_stat_user_tables.n_live_tup,
// information_schema.TABLES.TABLE_ROWS). It is an approximation that can lag
// behind the live row count; it is never computed with COUNT(*).
type TableSummary struct {
	Name        string `json:"name"`
	Schema      string `json:"schema,omitempty"`
	Kind        string `json:"kind"`
	RowEstimate int64  `json:"row_estimate"`
}

// TableInfo is the full metadata of one table or view.
// RowEstimate carries the same approximation caveat as TableSummary.
type TableInfo struct {
	Name        string           `json:"name"`
	Schema      string           `json:"schema,omitempty"`
	Kind        string           `json:"kind"`
	Columns     []ColumnInfo     `json:"columns"`
	Indexes     []IndexInfo      `json:"indexes"`
	Constraints []ConstraintInfo `json:"constraints"`
	RowEstimate int64            `json:"row_estimate"`
	FetchedAt   time.Time        `json:"fetched_at"`
}

// SchemaInfo is the normalized schema of one connection.
type SchemaInfo struct {
	Tables    map[string]*TableInfo `json:"tables"`
	Views     map[string]*TableInfo `json:"views"`
	FetchedAt time.Time             `json:"fetched_at"`
}

// NewSchemaInfo returns an empty schema.
func NewSchemaInfo() *SchemaInfo {
	return &SchemaInfo{
		Tables: make(map[string]*TableInfo),
		Views:  make(map[string]*TableInfo),
	}
}

// TableNames returns table names in sorted order.
func (s *SchemaInfo) TableNames() []string {
	return sortedKeys(s.Tables)
}

// ViewNames returns view names in sorted order.
func (s *SchemaInfo) ViewNames() []string {
	return sortedKeys(s.Views)
}

// Lookup finds a table or view by name.
func (s *SchemaInfo) Lookup(name string) (*TableInfo, bool) {
	if t, ok := s.Tables[name]; ok {
		return t, true
	}
	t, ok := s.Views[name]
	return t, ok
}

func sortedKeys(m map[string]*TableInfo) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

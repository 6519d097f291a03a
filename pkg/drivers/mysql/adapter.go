// Package mysql provides the MySQL adapter backed by go-sql-driver/mysql.
package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/TFMV/sluice/pkg/drivers"
	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/models"
)

func init() {
	drivers.Register(models.DriverMySQL, func() drivers.Adapter { return New() })
}

// MySQL server error numbers the adapter reacts to.
const (
	erDBAccessDenied     = 1044
	erAccessDenied       = 1045
	erAccessDeniedNoPass = 1698
	erQueryInterrupted   = 1317
	erQueryTimeout       = 3024
)

// Adapter implements drivers.Adapter for MySQL and MariaDB.
type Adapter struct{}

// New creates a new MySQL adapter.
func New() *Adapter {
	return &Adapter{}
}

// Kind returns the backend family.
func (a *Adapter) Kind() models.DriverKind {
	return models.DriverMySQL
}

// DSN builds the driver DSN through mysql.Config.
func (a *Adapter) DSN(profile models.ConnectionProfile, secret string, opts drivers.PoolOptions) (string, error) {
	cfg := mysqldriver.NewConfig()
	cfg.User = profile.User
	cfg.Passwd = secret
	cfg.Net = "tcp"
	cfg.Addr = profile.Address()
	cfg.DBName = profile.Database
	if cfg.DBName == "" {
		cfg.DBName = profile.Schema
	}
	cfg.ParseTime = true
	cfg.AllowNativePasswords = true
	if opts.ConnectTimeout > 0 {
		cfg.Timeout = opts.ConnectTimeout
	}

	switch strings.ToLower(profile.SSLMode) {
	case "", "disable", "false":
	case "allow", "prefer", "preferred":
		cfg.TLSConfig = "preferred"
	case "require", "required", "skip-verify":
		cfg.TLSConfig = "skip-verify"
	case "verify-ca", "verify-full", "true":
		cfg.TLSConfig = "true"
	default:
		return "", errors.Newf(errors.CodeInvalidRequest, "unsupported ssl mode %q", profile.SSLMode)
	}

	if len(profile.Options) > 0 {
		cfg.Params = make(map[string]string, len(profile.Options))
		for k, v := range profile.Options {
			cfg.Params[k] = v
		}
	}

	return cfg.FormatDSN(), nil
}

// Open returns a *sql.DB for the profile. Connections are made lazily.
func (a *Adapter) Open(ctx context.Context, profile models.ConnectionProfile, secret string, opts drivers.PoolOptions) (*sql.DB, error) {
	dsn, err := a.DSN(profile, secret, opts)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "invalid mysql connection settings")
	}
	return db, nil
}

// Ping runs SELECT 1.
func (a *Adapter) Ping(ctx context.Context, q drivers.Querier) error {
	var one int
	if err := q.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return a.ClassifyError(err)
	}
	return nil
}

// Execute runs a row returning statement.
func (a *Adapter) Execute(ctx context.Context, q drivers.Querier, query string) (*sql.Rows, error) {
	return q.QueryContext(ctx, query)
}

// Exec runs a statement that returns no rows.
func (a *Adapter) Exec(ctx context.Context, q drivers.Querier, query string) (sql.Result, error) {
	return q.ExecContext(ctx, query)
}

// ListTables lists base tables of the current database. Estimates come from
// information_schema.TABLES.TABLE_ROWS.
func (a *Adapter) ListTables(ctx context.Context, q drivers.Querier) ([]models.TableSummary, error) {
	return a.listRelations(ctx, q, "BASE TABLE", models.KindTable)
}

// ListViews lists views of the current database.
func (a *Adapter) ListViews(ctx context.Context, q drivers.Querier) ([]models.TableSummary, error) {
	return a.listRelations(ctx, q, "VIEW", models.KindView)
}

const listRelationsSQL = `
SELECT TABLE_NAME, TABLE_SCHEMA, COALESCE(TABLE_ROWS, 0)
FROM information_schema.TABLES
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = ?
ORDER BY TABLE_NAME`

func (a *Adapter) listRelations(ctx context.Context, q drivers.Querier, tableType, kind string) ([]models.TableSummary, error) {
	what := "list tables"
	if kind == models.KindView {
		what = "list views"
	}

	rows, err := q.QueryContext(ctx, listRelationsSQL, tableType)
	if err != nil {
		return nil, drivers.IntrospectionError(err, what)
	}
	defer rows.Close()

	var out []models.TableSummary
	for rows.Next() {
		t := models.TableSummary{Kind: kind}
		if err := rows.Scan(&t.Name, &t.Schema, &t.RowEstimate); err != nil {
			return nil, drivers.IntrospectionError(err, what)
		}
		if kind == models.KindView {
			t.RowEstimate = 0
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, drivers.IntrospectionError(err, what)
	}
	return out, nil
}

const relationSQL = `
SELECT TABLE_SCHEMA, TABLE_TYPE, COALESCE(TABLE_ROWS, 0)
FROM information_schema.TABLES
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`

const columnsSQL = `
SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE = 'YES', COLUMN_DEFAULT, COLUMN_KEY = 'PRI'
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`

const indexesSQL = `
SELECT INDEX_NAME, MAX(NON_UNIQUE) = 0, MAX(INDEX_TYPE),
  GROUP_CONCAT(COLUMN_NAME ORDER BY SEQ_IN_INDEX SEPARATOR ',')
FROM information_schema.STATISTICS
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
GROUP BY INDEX_NAME
ORDER BY INDEX_NAME`

const constraintsSQL = `
SELECT tc.CONSTRAINT_NAME, tc.CONSTRAINT_TYPE,
  GROUP_CONCAT(k.COLUMN_NAME ORDER BY k.ORDINAL_POSITION SEPARATOR ','),
  MAX(k.REFERENCED_TABLE_NAME),
  GROUP_CONCAT(k.REFERENCED_COLUMN_NAME ORDER BY k.ORDINAL_POSITION SEPARATOR ','),
  MAX(cc.CHECK_CLAUSE)
FROM information_schema.TABLE_CONSTRAINTS tc
LEFT JOIN information_schema.KEY_COLUMN_USAGE k
  ON k.CONSTRAINT_SCHEMA = tc.CONSTRAINT_SCHEMA
 AND k.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
 AND k.TABLE_NAME = tc.TABLE_NAME
LEFT JOIN information_schema.CHECK_CONSTRAINTS cc
  ON cc.CONSTRAINT_SCHEMA = tc.CONSTRAINT_SCHEMA
 AND cc.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
WHERE tc.TABLE_SCHEMA = DATABASE() AND tc.TABLE_NAME = ?
GROUP BY tc.CONSTRAINT_NAME, tc.CONSTRAINT_TYPE
ORDER BY tc.CONSTRAINT_NAME`

// TableDetails returns the full metadata of one table or view.
func (a *Adapter) TableDetails(ctx context.Context, q drivers.Querier, table string) (*models.TableInfo, error) {
	info := &models.TableInfo{Name: table}

	var tableType string
	err := q.QueryRowContext(ctx, relationSQL, table).Scan(&info.Schema, &tableType, &info.RowEstimate)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, drivers.RelationNotFound(table)
	}
	if err != nil {
		return nil, drivers.IntrospectionError(err, "look up relation")
	}
	info.Kind = models.KindTable
	if tableType == "VIEW" {
		info.Kind = models.KindView
		info.RowEstimate = 0
	}

	if info.Columns, err = a.columns(ctx, q, table); err != nil {
		return nil, err
	}
	if info.Indexes, err = a.indexes(ctx, q, table); err != nil {
		return nil, err
	}
	if info.Constraints, err = a.constraints(ctx, q, table); err != nil {
		return nil, err
	}

	info.FetchedAt = time.Now()
	return info, nil
}

func (a *Adapter) columns(ctx context.Context, q drivers.Querier, table string) ([]models.ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, columnsSQL, table)
	if err != nil {
		return nil, drivers.IntrospectionError(err, "fetch columns")
	}
	defer rows.Close()

	var cols []models.ColumnInfo
	for rows.Next() {
		var c models.ColumnInfo
		var def sql.NullString
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &def, &c.PrimaryKey); err != nil {
			return nil, drivers.IntrospectionError(err, "scan column")
		}
		c.Default = drivers.NullStringPtr(def)
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, drivers.IntrospectionError(err, "fetch columns")
	}
	return cols, nil
}

func (a *Adapter) indexes(ctx context.Context, q drivers.Querier, table string) ([]models.IndexInfo, error) {
	rows, err := q.QueryContext(ctx, indexesSQL, table)
	if err != nil {
		return nil, drivers.IntrospectionError(err, "fetch indexes")
	}
	defer rows.Close()

	var idx []models.IndexInfo
	for rows.Next() {
		var i models.IndexInfo
		var cols sql.NullString
		if err := rows.Scan(&i.Name, &i.Unique, &i.Method, &cols); err != nil {
			return nil, drivers.IntrospectionError(err, "scan index")
		}
		i.Primary = i.Name == "PRIMARY"
		i.Columns = drivers.SplitList(cols)
		idx = append(idx, i)
	}
	if err := rows.Err(); err != nil {
		return nil, drivers.IntrospectionError(err, "fetch indexes")
	}
	return idx, nil
}

func (a *Adapter) constraints(ctx context.Context, q drivers.Querier, table string) ([]models.ConstraintInfo, error) {
	rows, err := q.QueryContext(ctx, constraintsSQL, table)
	if err != nil {
		return nil, drivers.IntrospectionError(err, "fetch constraints")
	}
	defer rows.Close()

	var out []models.ConstraintInfo
	for rows.Next() {
		var c models.ConstraintInfo
		var cols, refTable, refCols, check sql.NullString
		if err := rows.Scan(&c.Name, &c.Type, &cols, &refTable, &refCols, &check); err != nil {
			return nil, drivers.IntrospectionError(err, "scan constraint")
		}
		c.Columns = drivers.SplitList(cols)
		c.ForeignTable = refTable.String
		c.ForeignColumns = drivers.SplitList(refCols)
		c.CheckClause = check.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, drivers.IntrospectionError(err, "fetch constraints")
	}
	return out, nil
}

// SessionID returns CONNECTION_ID() of the connection behind q.
func (a *Adapter) SessionID(ctx context.Context, q drivers.Querier) (int64, error) {
	var id int64
	if err := q.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&id); err != nil {
		return 0, a.ClassifyError(err)
	}
	return id, nil
}

// CancelSession kills the statement running in connection id, leaving the
// connection itself open.
func (a *Adapter) CancelSession(ctx context.Context, q drivers.Querier, id int64) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf("KILL QUERY %d", id)); err != nil {
		return a.ClassifyError(err)
	}
	return nil
}

// Explain returns EXPLAIN <query>.
func (a *Adapter) Explain(query string) (string, error) {
	return drivers.ExplainPrefix("EXPLAIN", query)
}

// ClassifyError maps server error numbers and driver sentinel errors.
func (a *Adapter) ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	var myErr *mysqldriver.MySQLError
	if stderrors.As(err, &myErr) {
		switch myErr.Number {
		case erAccessDenied, erDBAccessDenied, erAccessDeniedNoPass:
			return errors.Wrap(err, errors.CodeAuthenticationFailed, myErr.Message)
		case erQueryInterrupted:
			return errors.Wrap(err, errors.CodeCancelled, myErr.Message)
		case erQueryTimeout:
			return errors.Wrap(err, errors.CodeTimedOut, myErr.Message)
		default:
			return errors.Wrap(err, errors.CodeSyntaxOrExecution, myErr.Message).
				WithDetail("errno", myErr.Number)
		}
	}

	if stderrors.Is(err, mysqldriver.ErrInvalidConn) || stderrors.Is(err, driver.ErrBadConn) {
		return errors.Wrap(err, errors.CodeNetworkUnreachable, "connection lost")
	}

	return drivers.ClassifyCommon(err)
}

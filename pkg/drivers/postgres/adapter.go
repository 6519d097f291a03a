// Package postgres provides the PostgreSQL adapter backed by pgx.
package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/TFMV/sluice/pkg/drivers"
	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/models"
)

func init() {
	drivers.Register(models.DriverPostgres, func() drivers.Adapter { return New() })
}

const defaultSSLMode = "prefer"

// Adapter implements drivers.Adapter for PostgreSQL.
type Adapter struct{}

// New creates a new PostgreSQL adapter.
func New() *Adapter {
	return &Adapter{}
}

// Kind returns the backend family.
func (a *Adapter) Kind() models.DriverKind {
	return models.DriverPostgres
}

// DSN builds a key=value connection string.
func (a *Adapter) DSN(profile models.ConnectionProfile, secret string, opts drivers.PoolOptions) (string, error) {
	sslmode := profile.SSLMode
	if sslmode == "" {
		sslmode = defaultSSLMode
	}

	params := map[string]string{
		"host":    profile.EffectiveHost(),
		"port":    strconv.Itoa(profile.EffectivePort()),
		"user":    profile.User,
		"sslmode": sslmode,
	}
	if profile.Database != "" {
		params["dbname"] = profile.Database
	}
	if secret != "" {
		params["password"] = secret
	}
	if opts.ConnectTimeout > 0 {
		secs := int(opts.ConnectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		params["connect_timeout"] = strconv.Itoa(secs)
	}
	if opts.ApplicationName != "" {
		params["application_name"] = opts.ApplicationName
	}
	for k, v := range profile.Options {
		params[k] = v
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+quoteValue(params[k]))
	}
	return strings.Join(parts, " "), nil
}

// Open parses the DSN and returns a pgx backed *sql.DB. When the profile names
// a schema, every new physical connection sets its search_path.
func (a *Adapter) Open(ctx context.Context, profile models.ConnectionProfile, secret string, opts drivers.PoolOptions) (*sql.DB, error) {
	dsn, err := a.DSN(profile, secret, opts)
	if err != nil {
		return nil, err
	}

	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "invalid postgres connection settings")
	}

	var openOpts []stdlib.OptionOpenDB
	if profile.Schema != "" {
		stmt := SearchPathStatement(profile.Schema)
		openOpts = append(openOpts, stdlib.OptionAfterConnect(func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, stmt)
			return err
		}))
	}

	return stdlib.OpenDB(*cfg, openOpts...), nil
}

// SearchPathStatement returns the statement that scopes a session to schema.
func SearchPathStatement(schema string) string {
	return "SET search_path TO " + pgx.Identifier{schema}.Sanitize() + ", public"
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

const listTablesSQL = `
SELECT t.table_name, t.table_schema, COALESCE(s.n_live_tup, 0)
FROM information_schema.tables t
LEFT JOIN pg_stat_user_tables s
  ON s.schemaname = t.table_schema AND s.relname = t.table_name
WHERE t.table_schema = current_schema() AND t.table_type = 'BASE TABLE'
ORDER BY t.table_name`

// ListTables lists base tables of the current schema. Estimates come from
// pg_stat_user_tables.n_live_tup.
func (a *Adapter) ListTables(ctx context.Context, q drivers.Querier) ([]models.TableSummary, error) {
	rows, err := q.QueryContext(ctx, listTablesSQL)
	if err != nil {
		return nil, drivers.IntrospectionError(err, "list tables")
	}
	defer rows.Close()

	var tables []models.TableSummary
	for rows.Next() {
		t := models.TableSummary{Kind: models.KindTable}
		if err := rows.Scan(&t.Name, &t.Schema, &t.RowEstimate); err != nil {
			return nil, drivers.IntrospectionError(err, "scan table")
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, drivers.IntrospectionError(err, "list tables")
	}
	return tables, nil
}

const listViewsSQL = `
SELECT table_name, table_schema
FROM information_schema.views
WHERE table_schema = current_schema()
ORDER BY table_name`

// ListViews lists views of the current schema.
func (a *Adapter) ListViews(ctx context.Context, q drivers.Querier) ([]models.TableSummary, error) {
	rows, err := q.QueryContext(ctx, listViewsSQL)
	if err != nil {
		return nil, drivers.IntrospectionError(err, "list views")
	}
	defer rows.Close()

	var views []models.TableSummary
	for rows.Next() {
		v := models.TableSummary{Kind: models.KindView}
		if err := rows.Scan(&v.Name, &v.Schema); err != nil {
			return nil, drivers.IntrospectionError(err, "scan view")
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, drivers.IntrospectionError(err, "list views")
	}
	return views, nil
}

const relationSQL = `
SELECT t.table_schema, t.table_type, COALESCE(s.n_live_tup, 0)
FROM information_schema.tables t
LEFT JOIN pg_stat_user_tables s
  ON s.schemaname = t.table_schema AND s.relname = t.table_name
WHERE t.table_schema = current_schema() AND t.table_name = $1`

const columnsSQL = `
SELECT c.column_name, c.data_type, c.is_nullable = 'YES', c.column_default,
  EXISTS (
    SELECT 1
    FROM information_schema.table_constraints tc
    JOIN information_schema.key_column_usage k
      ON k.constraint_name = tc.constraint_name
     AND k.table_schema = tc.table_schema
     AND k.table_name = tc.table_name
    WHERE tc.constraint_type = 'PRIMARY KEY'
      AND tc.table_schema = c.table_schema
      AND tc.table_name = c.table_name
      AND k.column_name = c.column_name
  )
FROM information_schema.columns c
WHERE c.table_schema = current_schema() AND c.table_name = $1
ORDER BY c.ordinal_position`

const indexesSQL = `
SELECT i.relname, ix.indisunique, ix.indisprimary, am.amname,
  array_to_string(ARRAY(
    SELECT a.attname
    FROM unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord)
    JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
    ORDER BY k.ord
  ), ',')
FROM pg_index ix
JOIN pg_class t ON t.oid = ix.indrelid
JOIN pg_class i ON i.oid = ix.indexrelid
JOIN pg_am am ON am.oid = i.relam
JOIN pg_namespace n ON n.oid = t.relnamespace
WHERE n.nspname = current_schema() AND t.relname = $1
ORDER BY i.relname`

const constraintsSQL = `
SELECT tc.constraint_name, tc.constraint_type,
  (SELECT string_agg(k.column_name, ',' ORDER BY k.ordinal_position)
     FROM information_schema.key_column_usage k
    WHERE k.constraint_name = tc.constraint_name
      AND k.table_schema = tc.table_schema
      AND k.table_name = tc.table_name),
  (SELECT MAX(ccu.table_name)
     FROM information_schema.constraint_column_usage ccu
    WHERE tc.constraint_type = 'FOREIGN KEY'
      AND ccu.constraint_name = tc.constraint_name
      AND ccu.constraint_schema = tc.constraint_schema),
  (SELECT string_agg(ccu.column_name, ',')
     FROM information_schema.constraint_column_usage ccu
    WHERE tc.constraint_type = 'FOREIGN KEY'
      AND ccu.constraint_name = tc.constraint_name
      AND ccu.constraint_schema = tc.constraint_schema),
  cc.check_clause
FROM information_schema.table_constraints tc
LEFT JOIN information_schema.check_constraints cc
  ON cc.constraint_name = tc.constraint_name
 AND cc.constraint_schema = tc.constraint_schema
WHERE tc.table_schema = current_schema()
  AND tc.table_name = $1
  AND tc.constraint_name NOT LIKE '%_not_null'
ORDER BY tc.constraint_name`

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
		if err := rows.Scan(&i.Name, &i.Unique, &i.Primary, &i.Method, &cols); err != nil {
			return nil, drivers.IntrospectionError(err, "scan index")
		}
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

// SessionID returns pg_backend_pid() of the connection behind q.
func (a *Adapter) SessionID(ctx context.Context, q drivers.Querier) (int64, error) {
	var pid int64
	if err := q.QueryRowContext(ctx, "SELECT pg_backend_pid()").Scan(&pid); err != nil {
		return 0, a.ClassifyError(err)
	}
	return pid, nil
}

// CancelSession asks the server to cancel the statement running in pid.
func (a *Adapter) CancelSession(ctx context.Context, q drivers.Querier, pid int64) error {
	var ok bool
	if err := q.QueryRowContext(ctx, "SELECT pg_cancel_backend($1)", pid).Scan(&ok); err != nil {
		return a.ClassifyError(err)
	}
	if !ok {
		return errors.Newf(errors.CodeInternal, "backend %d could not be signalled", pid)
	}
	return nil
}

// Explain returns EXPLAIN <query>.
func (a *Adapter) Explain(query string) (string, error) {
	return drivers.ExplainPrefix("EXPLAIN", query)
}

// ClassifyError maps pgx errors by SQLSTATE class.
func (a *Adapter) ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"):
			return errors.Wrap(err, errors.CodeAuthenticationFailed, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return errors.Wrap(err, errors.CodeNetworkUnreachable, pgErr.Message)
		case pgErr.Code == "57014":
			return errors.Wrap(err, errors.CodeCancelled, pgErr.Message)
		default:
			return errors.Wrap(err, errors.CodeSyntaxOrExecution, pgErr.Message).
				WithDetail("sqlstate", pgErr.Code)
		}
	}

	var connectErr *pgconn.ConnectError
	if stderrors.As(err, &connectErr) {
		if pgconn.Timeout(err) && !errors.IsDialFailure(err) {
			return errors.Wrap(err, errors.CodeConnectionTimeout, "connection attempt timed out")
		}
		return errors.ClassifyConnection(err)
	}

	return drivers.ClassifyCommon(err)
}

// quoteValue quotes a key=value DSN value when it is empty or contains
// spaces, quotes or backslashes.
func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return fmt.Sprintf("'%s'", v)
}

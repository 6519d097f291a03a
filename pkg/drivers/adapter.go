// Package drivers defines the backend adapter contract and its registry.
package drivers

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/models"
)

// Querier is the subset of *sql.DB / *sql.Conn the adapters run catalog and
// user statements through.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PoolOptions carries the connection settings an adapter folds into its DSN.
type PoolOptions struct {
	ConnectTimeout  time.Duration
	ApplicationName string
}

// Adapter hides the per-backend differences behind one interface.
type Adapter interface {
	// Kind returns the backend family.
	Kind() models.DriverKind
	// DSN builds the driver connection string for profile and secret.
	DSN(profile models.ConnectionProfile, secret string, opts PoolOptions) (string, error)
	// Open returns a lazily connecting *sql.DB for profile.
	Open(ctx context.Context, profile models.ConnectionProfile, secret string, opts PoolOptions) (*sql.DB, error)
	// Ping runs a trivial round trip.
	Ping(ctx context.Context, q Querier) error
	// Execute runs a user statement.
	Execute(ctx context.Context, q Querier, query string) (*sql.Rows, error)
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, q Querier, query string) (sql.Result, error)
	// ListTables lists base tables with catalog row estimates.
	ListTables(ctx context.Context, q Querier) ([]models.TableSummary, error)
	// ListViews lists views.
	ListViews(ctx context.Context, q Querier) ([]models.TableSummary, error)
	// TableDetails returns columns, indexes and constraints of one relation.
	TableDetails(ctx context.Context, q Querier, table string) (*models.TableInfo, error)
	// SessionID returns the backend session id of the connection behind q.
	SessionID(ctx context.Context, q Querier) (int64, error)
	// CancelSession interrupts the statement running in session id.
	CancelSession(ctx context.Context, q Querier, id int64) error
	// Explain returns the plan form of query.
	Explain(query string) (string, error)
	// ClassifyError maps a driver error to the error taxonomy.
	ClassifyError(err error) error
}

// Factory builds an Adapter.
type Factory func() Adapter

var (
	registryMu sync.RWMutex
	registry   = make(map[models.DriverKind]Factory)
)

// Register makes an adapter available under kind. It panics on duplicates,
// like database/sql.Register.
func Register(kind models.DriverKind, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("drivers: Register factory is nil")
	}
	if _, dup := registry[kind]; dup {
		panic("drivers: Register called twice for " + string(kind))
	}
	registry[kind] = factory
}

// Get returns a new adapter for kind.
func Get(kind models.DriverKind) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[kind]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.New(errors.CodeUnsupportedDriverFeature, "unsupported driver").
			WithDetail("driver", string(kind)).
			WithDetail("available", Kinds())
	}
	return factory(), nil
}

// Kinds returns the registered kinds in sorted order.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

// ExplainPrefix prepends the plan keyword to a statement. Empty statements and
// statements that are already an EXPLAIN are rejected.
func ExplainPrefix(prefix, query string) (string, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimRight(q, "; \t\n")
	if q == "" {
		return "", errors.New(errors.CodeInvalidRequest, "empty statement")
	}
	if strings.HasPrefix(strings.ToUpper(q), "EXPLAIN") {
		return "", errors.New(errors.CodeInvalidRequest, "statement is already an EXPLAIN")
	}
	return prefix + " " + q, nil
}

// SplitList splits an aggregated, comma separated catalog column.
func SplitList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	parts := strings.Split(s.String, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// NullStringPtr converts a nullable catalog column.
func NullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// RelationNotFound reports a table or view missing from the catalog.
func RelationNotFound(table string) error {
	return errors.Newf(errors.CodeIntrospectionFailed, "relation %q not found", table).
		WithDetail("missing_relation", table)
}

// IsRelationNotFound reports whether err came from RelationNotFound.
func IsRelationNotFound(err error) bool {
	var workerErr *errors.Error
	if !stderrors.As(err, &workerErr) {
		return false
	}
	_, ok := workerErr.Details["missing_relation"]
	return ok
}

// IntrospectionError wraps a catalog failure.
func IntrospectionError(err error, what string) error {
	if err == nil {
		return nil
	}
	var workerErr *errors.Error
	if stderrors.As(err, &workerErr) && workerErr.Code == errors.CodeIntrospectionFailed {
		return workerErr
	}
	return errors.Wrapf(err, errors.CodeIntrospectionFailed, "failed to %s", what).
		WithDetail("backend", errors.BackendMessage(err))
}

// ClassifyCommon maps errors that carry no driver specific type.
func ClassifyCommon(err error) error {
	if err == nil {
		return nil
	}

	var workerErr *errors.Error
	if stderrors.As(err, &workerErr) {
		return workerErr
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return errors.Wrap(err, errors.CodeCancelled, "query cancelled")
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.CodeTimedOut, "query timed out")
	case errors.IsConnectionLoss(err):
		return errors.ClassifyConnection(err)
	default:
		return errors.Wrap(err, errors.CodeSyntaxOrExecution, errors.BackendMessage(err))
	}
}

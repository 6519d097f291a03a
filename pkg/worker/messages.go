package worker

import (
	stderrors "errors"
	"time"

	"github.com/TFMV/sluice/pkg/errors"
	"github.com/TFMV/sluice/pkg/models"
)

// RequestKind names a request variant.
type RequestKind string

// Request kinds.
const (
	RequestConnect        RequestKind = "connect"
	RequestDisconnect     RequestKind = "disconnect"
	RequestSwitch         RequestKind = "switch"
	RequestExecuteQuery   RequestKind = "execute_query"
	RequestCancelQuery    RequestKind = "cancel_query"
	RequestFetchSchema    RequestKind = "fetch_schema"
	RequestRefreshTable   RequestKind = "refresh_table"
	RequestDescribeTable  RequestKind = "describe_table"
	RequestHealthPing     RequestKind = "health_ping"
	RequestTestConnection RequestKind = "test_connection"
	RequestListTables     RequestKind = "list_tables"
	RequestExplain        RequestKind = "explain"
	RequestReconnect      RequestKind = "reconnect"
)

// Request is one message from the caller. Kind selects which fields apply.
type Request struct {
	Kind          RequestKind               `json:"kind"`
	CorrelationID string                    `json:"correlation_id,omitempty"`
	Profile       *models.ConnectionProfile `json:"profile,omitempty"`
	SQL           string                    `json:"sql,omitempty"`
	RowLimit      int                       `json:"row_limit,omitempty"`
	TimeoutMS     int64                     `json:"timeout_ms,omitempty"`
	Table         string                    `json:"table,omitempty"`
	// Refresh bypasses the schema cache on FetchSchema.
	Refresh bool `json:"refresh,omitempty"`
}

// Timeout returns the statement timeout override, 0 for the default.
func (r Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// QueryRequest converts r into a dispatcher request.
func (r Request) QueryRequest() models.QueryRequest {
	return models.QueryRequest{
		SQL:           r.SQL,
		CorrelationID: r.CorrelationID,
		RowLimit:      r.RowLimit,
		Timeout:       r.Timeout(),
	}
}

// Connect asks for a connection to profile, replacing any active one.
func Connect(id string, profile models.ConnectionProfile) Request {
	return Request{Kind: RequestConnect, CorrelationID: id, Profile: &profile}
}

// Switch is Connect with the intent made explicit.
func Switch(id string, profile models.ConnectionProfile) Request {
	return Request{Kind: RequestSwitch, CorrelationID: id, Profile: &profile}
}

// Disconnect closes the active connection.
func Disconnect(id string) Request {
	return Request{Kind: RequestDisconnect, CorrelationID: id}
}

// ExecuteQuery runs sql on the active connection.
func ExecuteQuery(id, sql string) Request {
	return Request{Kind: RequestExecuteQuery, CorrelationID: id, SQL: sql}
}

// CancelQuery cancels the query with correlation id id.
func CancelQuery(id string) Request {
	return Request{Kind: RequestCancelQuery, CorrelationID: id}
}

// FetchSchema returns the schema, from cache unless refresh is set.
func FetchSchema(id string, refresh bool) Request {
	return Request{Kind: RequestFetchSchema, CorrelationID: id, Refresh: refresh}
}

// RefreshTable re-reads one table.
func RefreshTable(id, table string) Request {
	return Request{Kind: RequestRefreshTable, CorrelationID: id, Table: table}
}

// DescribeTable returns one table, from cache when its entry is still fresh.
func DescribeTable(id, table string) Request {
	return Request{Kind: RequestDescribeTable, CorrelationID: id, Table: table}
}

// HealthPing probes the active connection now.
func HealthPing(id string) Request {
	return Request{Kind: RequestHealthPing, CorrelationID: id}
}

// ResponseKind names a response variant.
type ResponseKind string

// Response kinds.
const (
	ResponseConnectionStatus ResponseKind = "connection_status"
	ResponseQueryCompleted   ResponseKind = "query_completed"
	ResponseQueryFailed      ResponseKind = "query_failed"
	ResponseSchemaUpdated    ResponseKind = "schema_updated"
	ResponseTableUpdated     ResponseKind = "table_updated"
	ResponseError            ResponseKind = "error"
	ResponseTestResult       ResponseKind = "test_result"
	ResponseTablesListed     ResponseKind = "tables_listed"
	ResponseExplainCompleted ResponseKind = "explain_completed"
)

// Response is one message to the caller. Responses to asynchronous work
// carry the correlation id of the request that started it.
type Response struct {
	Kind          ResponseKind          `json:"kind"`
	CorrelationID string                `json:"correlation_id,omitempty"`
	Status        *models.HealthStatus  `json:"status,omitempty"`
	SQL           string                `json:"sql,omitempty"`
	Result        *models.QueryResult   `json:"result,omitempty"`
	Schema        *models.SchemaInfo    `json:"schema,omitempty"`
	TableName     string                `json:"table_name,omitempty"`
	Table         *models.TableInfo     `json:"table,omitempty"`
	Tables        []models.TableSummary `json:"tables,omitempty"`
	Latency       time.Duration         `json:"latency,omitempty"`
	Error         *errors.Error         `json:"error,omitempty"`
}

// Failed reports whether the response carries an error.
func (r Response) Failed() bool {
	return r.Error != nil
}

func statusResponse(id string, s models.HealthStatus) Response {
	return Response{Kind: ResponseConnectionStatus, CorrelationID: id, Status: &s}
}

func errorResponse(id string, err error) Response {
	return Response{Kind: ResponseError, CorrelationID: id, Error: asError(err)}
}

func queryFailed(id, sql string, err error) Response {
	return Response{Kind: ResponseQueryFailed, CorrelationID: id, SQL: sql, Error: asError(err)}
}

// asError returns err as *errors.Error; foreign errors become INTERNAL_ERROR.
func asError(err error) *errors.Error {
	if err == nil {
		return nil
	}
	var we *errors.Error
	if stderrors.As(err, &we) {
		return we
	}
	return errors.Wrap(err, errors.CodeInternal, err.Error())
}

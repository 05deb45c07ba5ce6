package trafficstore

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/mcpstream/mcp"
	"github.com/shaharia-lab/mcpstream/observability"
)

func expectSchema(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS mcp_traffic").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_mcp_traffic_session_id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
}

func newMockStore(t *testing.T, dialect Dialect) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	expectSchema(mock)
	store, err := New(context.Background(), db, dialect, observability.NewNullLogger())
	require.NoError(t, err)
	return store, mock
}

func sampleRecord() mcp.TrafficRecord {
	return mcp.TrafficRecord{
		TransportID: "transport-1",
		SessionID:   "session-1",
		Method:      mcp.MethodToolsList,
		RequestID:   "1",
		StatusCode:  http.StatusOK,
		Header:      http.Header{"Content-Type": {"application/json"}},
		Body:        []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`),
		Duration:    42 * time.Millisecond,
		Timestamp:   time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestDialectForDriver(t *testing.T) {
	tests := []struct {
		driver  string
		want    Dialect
		wantErr bool
	}{
		{driver: "sqlite3", want: SQLite},
		{driver: "postgres", want: Postgres},
		{driver: "mysql", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			got, err := DialectForDriver(tt.driver)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_SchemaFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS mcp_traffic").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = New(context.Background(), db, SQLite, nil)
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RecordSQLite(t *testing.T) {
	store, mock := newMockStore(t, SQLite)
	rec := sampleRecord()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mcp_traffic (id, direction, transport_id, session_id, method, request_id, status_code, headers, body, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")).
		WithArgs(sqlmock.AnyArg(), DirectionResponse, "transport-1", "session-1", mcp.MethodToolsList, "1",
			http.StatusOK, `{"Content-Type":["application/json"]}`, string(rec.Body), int64(42), rec.Timestamp).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store.LogResponse(context.Background(), rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RecordPostgresPlaceholders(t *testing.T) {
	store, mock := newMockStore(t, Postgres)

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)")).
		WithArgs(sqlmock.AnyArg(), DirectionRequest, "transport-1", "", mcp.MethodInitialize, `"init"`,
			0, "{}", "", int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Record(context.Background(), DirectionRequest, mcp.TrafficRecord{
		TransportID: "transport-1",
		Method:      mcp.MethodInitialize,
		RequestID:   `"init"`,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LogRequestSwallowsErrors(t *testing.T) {
	store, mock := newMockStore(t, SQLite)
	mock.ExpectExec("INSERT INTO mcp_traffic").WillReturnError(errors.New("locked"))

	store.LogRequest(context.Background(), sampleRecord())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListBySession(t *testing.T) {
	store, mock := newMockStore(t, Postgres)
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "direction", "transport_id", "session_id", "method", "request_id",
		"status_code", "headers", "body", "duration_ms", "created_at"}).
		AddRow("a", DirectionRequest, "t", "session-1", mcp.MethodPing, "1", 0, `{"Accept":["application/json"]}`, "{}", int64(0), created).
		AddRow("b", DirectionResponse, "t", "session-1", mcp.MethodPing, "1", 200, "{}", "{}", int64(15), created)

	mock.ExpectQuery(regexp.QuoteMeta("FROM mcp_traffic WHERE session_id = $1 ORDER BY created_at ASC LIMIT $2")).
		WithArgs("session-1", 10).
		WillReturnRows(rows)

	entries, err := store.List(context.Background(), "session-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"application/json"}, entries[0].Header["Accept"])
	assert.Equal(t, 200, entries[1].StatusCode)
	assert.Equal(t, 15*time.Millisecond, entries[1].Duration)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListDefaultLimit(t *testing.T) {
	store, mock := newMockStore(t, SQLite)
	mock.ExpectQuery(regexp.QuoteMeta("FROM mcp_traffic ORDER BY created_at ASC LIMIT ?")).
		WithArgs(defaultListLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	entries, err := store.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.db")
	store, err := Open(context.Background(), "sqlite3", path, observability.NewNullLogger())
	require.NoError(t, err)
	defer store.Close()

	rec := sampleRecord()
	store.LogRequest(context.Background(), rec)
	rec.Timestamp = rec.Timestamp.Add(time.Second)
	store.LogResponse(context.Background(), rec)

	other := sampleRecord()
	other.SessionID = "session-2"
	store.LogRequest(context.Background(), other)

	entries, err := store.List(context.Background(), "session-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, DirectionRequest, entries[0].Direction)
	assert.Equal(t, DirectionResponse, entries[1].Direction)
	assert.Equal(t, string(rec.Body), entries[1].Body)
	assert.Equal(t, 42*time.Millisecond, entries[1].Duration)
	assert.Equal(t, []string{"application/json"}, entries[1].Header["Content-Type"])
	assert.NotEqual(t, entries[0].ID, entries[1].ID)

	all, err := store.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn", nil)
	assert.Error(t, err)
}

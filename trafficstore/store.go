// Package trafficstore persists MCP transport traffic into SQLite or Postgres.
package trafficstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shaharia-lab/mcpstream/mcp"
	"github.com/shaharia-lab/mcpstream/observability"
)

// Dialect selects the SQL flavour of the backing database.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

const (
	DirectionRequest  = "request"
	DirectionResponse = "response"

	defaultListLimit = 100
)

// DialectForDriver maps a database/sql driver name to its Dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3":
		return SQLite, nil
	case "postgres":
		return Postgres, nil
	default:
		return 0, fmt.Errorf("unsupported traffic store driver %q", driver)
	}
}

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d Dialect) placeholders(count int) string {
	p := make([]string, count)
	for i := range p {
		p[i] = d.placeholder(i + 1)
	}
	return strings.Join(p, ", ")
}

// Entry is one stored traffic record.
type Entry struct {
	ID          string
	Direction   string
	TransportID string
	SessionID   string
	Method      string
	RequestID   string
	StatusCode  int
	Header      map[string][]string
	Body        string
	Duration    time.Duration
	CreatedAt   time.Time
}

// Store is an mcp.TrafficLogger writing every record into the mcp_traffic table.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  observability.Logger
}

// Open connects to the database named by driver ("sqlite3" or "postgres") and dsn.
func Open(ctx context.Context, driver, dsn string, logger observability.Logger) (*Store, error) {
	dialect, err := DialectForDriver(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open traffic store: %w", err)
	}
	store, err := New(ctx, db, dialect, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New creates a Store over db and makes sure its schema exists.
func New(ctx context.Context, db *sql.DB, dialect Dialect, logger observability.Logger) (*Store, error) {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	s := &Store{db: db, dialect: dialect, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize traffic store schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS mcp_traffic (
		id TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		transport_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL DEFAULT 0,
		headers TEXT NOT NULL DEFAULT '{}',
		body TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);`

	createSessionIndexSQL := `
	CREATE INDEX IF NOT EXISTS idx_mcp_traffic_session_id ON mcp_traffic (session_id);`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for schema init: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create mcp_traffic table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createSessionIndexSQL); err != nil {
		return fmt.Errorf("failed to create session index: %w", err)
	}
	return tx.Commit()
}

// LogRequest stores an outbound request. Failures are logged, not returned.
func (s *Store) LogRequest(ctx context.Context, rec mcp.TrafficRecord) {
	if err := s.Record(ctx, DirectionRequest, rec); err != nil {
		s.logger.WithErr(err).Warn("Failed to store MCP request")
	}
}

// LogResponse stores a response or stream event. Failures are logged, not returned.
func (s *Store) LogResponse(ctx context.Context, rec mcp.TrafficRecord) {
	if err := s.Record(ctx, DirectionResponse, rec); err != nil {
		s.logger.WithErr(err).Warn("Failed to store MCP response")
	}
}

// Record inserts rec with the given direction.
func (s *Store) Record(ctx context.Context, direction string, rec mcp.TrafficRecord) error {
	headers := []byte("{}")
	if len(rec.Header) > 0 {
		var err error
		if headers, err = json.Marshal(rec.Header); err != nil {
			return fmt.Errorf("failed to marshal headers: %w", err)
		}
	}
	createdAt := rec.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := fmt.Sprintf(`INSERT INTO mcp_traffic (id, direction, transport_id, session_id, method, request_id, status_code, headers, body, duration_ms, created_at) VALUES (%s)`,
		s.dialect.placeholders(11))
	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(),
		direction,
		rec.TransportID,
		rec.SessionID,
		rec.Method,
		rec.RequestID,
		rec.StatusCode,
		string(headers),
		string(rec.Body),
		rec.Duration.Milliseconds(),
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert traffic record: %w", err)
	}
	return nil
}

// List returns up to limit entries, oldest first. An empty sessionID lists
// every session.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT id, direction, transport_id, session_id, method, request_id, status_code, headers, body, duration_ms, created_at FROM mcp_traffic`
	args := []interface{}{}
	if sessionID != "" {
		query += " WHERE session_id = " + s.dialect.placeholder(1)
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at ASC LIMIT " + s.dialect.placeholder(len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query traffic: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			headers    string
			durationMS int64
		)
		if err := rows.Scan(&e.ID, &e.Direction, &e.TransportID, &e.SessionID, &e.Method, &e.RequestID,
			&e.StatusCode, &headers, &e.Body, &durationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan traffic row: %w", err)
		}
		if err := json.Unmarshal([]byte(headers), &e.Header); err != nil {
			s.logger.WithErr(err).WithFields(map[string]interface{}{"id": e.ID}).
				Warn("Ignoring malformed stored headers")
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate traffic rows: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Package audit keeps a SQLite trail of authentication events.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// EventType represents the type of audit event
type EventType string

const (
	EventAuthSuccess          EventType = "auth.success"
	EventAuthFailure          EventType = "auth.failure"
	EventUnsupportedMechanism EventType = "auth.unsupported_mechanism"
	EventLoginRejected        EventType = "login.rejected"
	EventTokenIssued          EventType = "token.issued"
	EventTokenRevoked         EventType = "token.revoked"
)

// Event represents an audit log entry
type Event struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     EventType `json:"action"`
	TraceID    string    `json:"trace_id"`    // Connection trace id, empty for CLI actions
	Subject    string    `json:"subject"`     // Token subject when known
	Mechanism  string    `json:"mechanism"`   // SASL mechanism as sent by the client
	Reason     string    `json:"reason"`      // Failure reason
	RemoteAddr string    `json:"remote_addr"` // Client address
}

// Logger handles audit logging. A nil *Logger is valid and records nothing.
type Logger struct {
	db     *sql.DB
	ownsDB bool
	now    func() time.Time
}

// Open opens or creates the audit database at path.
func Open(path string) (*Logger, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// Writes are serialized by SQLite anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	l, err := NewLogger(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.ownsDB = true
	return l, nil
}

// NewLogger creates the audit table on db if needed. A nil db yields a nil
// logger.
func NewLogger(db *sql.DB) (*Logger, error) {
	if db == nil {
		return nil, nil
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS auth_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			action TEXT NOT NULL,
			trace_id TEXT,
			subject TEXT,
			mechanism TEXT,
			reason TEXT,
			remote_addr TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_auth_events_timestamp ON auth_events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_auth_events_subject ON auth_events(subject);
		CREATE INDEX IF NOT EXISTS idx_auth_events_action ON auth_events(action);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}

	return &Logger{db: db, now: time.Now}, nil
}

// Log records an audit event. Timestamp defaults to now.
func (l *Logger) Log(ctx context.Context, e Event) error {
	if l == nil || l.db == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO auth_events (timestamp, action, trace_id, subject, mechanism, reason, remote_addr)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC(), string(e.Action), e.TraceID, e.Subject, e.Mechanism, e.Reason, e.RemoteAddr,
	)
	return err
}

// QueryFilter defines filters for querying audit logs
type QueryFilter struct {
	Subject   string
	Action    EventType
	TraceID   string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

func (f QueryFilter) where() (string, []interface{}) {
	clause := " WHERE 1=1"
	var args []interface{}

	if f.Subject != "" {
		clause += " AND subject = ?"
		args = append(args, f.Subject)
	}
	if f.Action != "" {
		clause += " AND action = ?"
		args = append(args, string(f.Action))
	}
	if f.TraceID != "" {
		clause += " AND trace_id = ?"
		args = append(args, f.TraceID)
	}
	if !f.StartTime.IsZero() {
		clause += " AND timestamp >= ?"
		args = append(args, f.StartTime.UTC())
	}
	if !f.EndTime.IsZero() {
		clause += " AND timestamp <= ?"
		args = append(args, f.EndTime.UTC())
	}
	return clause, args
}

// Query retrieves audit events based on filters, newest first.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}

	where, args := filter.where()
	query := `SELECT id, timestamp, action, trace_id, subject, mechanism, reason, remote_addr FROM auth_events` +
		where + " ORDER BY timestamp DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var traceID, subject, mechanism, reason, addr sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &traceID, &subject, &mechanism, &reason, &addr); err != nil {
			return nil, err
		}
		e.TraceID = traceID.String
		e.Subject = subject.String
		e.Mechanism = mechanism.String
		e.Reason = reason.String
		e.RemoteAddr = addr.String
		events = append(events, e)
	}

	return events, rows.Err()
}

// Recent retrieves the most recent audit events
func (l *Logger) Recent(ctx context.Context, limit int) ([]Event, error) {
	return l.Query(ctx, QueryFilter{Limit: limit})
}

// Count returns the total number of audit events matching the filter
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int, error) {
	if l == nil || l.db == nil {
		return 0, nil
	}

	where, args := filter.where()
	var count int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_events`+where, args...).Scan(&count)
	return count, err
}

// Close closes the database if the logger opened it.
func (l *Logger) Close() error {
	if l == nil || !l.ownsDB {
		return nil
	}
	return l.db.Close()
}

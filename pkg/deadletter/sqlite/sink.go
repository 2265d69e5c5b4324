// Package sqlite provides a SQLite-backed dead-letter sink.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oceanbase/powermem-hotcold/pkg/deadletter"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/vmihailenco/msgpack/v5"
)

// Sink implements deadletter.Sink using SQLite as the backend.
type Sink struct {
	// db is the SQLite database connection.
	db *sql.DB

	// tableName is the name of the table storing entries.
	tableName string
}

// Config contains configuration for creating a Sink.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// TableName is the name of the table to use (default: "dead_letters").
	TableName string
}

// NewSink opens the database and creates the table.
//
// Parameters:
//   - cfg: Configuration containing database path and table name
//
// Returns:
//   - *Sink: The sink instance
//   - error: Error if database connection or table creation fails
func NewSink(cfg *Config) (*Sink, error) {
	if cfg == nil || cfg.DBPath == "" {
		return nil, goerr.Wrap(model.ErrConfiguration, "dead-letter db path is required")
	}
	table := cfg.TableName
	if table == "" {
		table = "dead_letters"
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, goerr.Wrap(err, "create dead-letter directory", goerr.V("dir", dir))
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, goerr.Wrap(err, "open dead-letter database", goerr.V("path", cfg.DBPath))
	}

	sink := &Sink{
		db:        db,
		tableName: table,
	}
	if err := sink.initTable(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

// initTable initializes the database table structure.
func (s *Sink) initTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			event_id TEXT,
			tenant_id TEXT,
			user_id TEXT,
			reason TEXT NOT NULL,
			error TEXT,
			attempts INTEGER NOT NULL,
			failed_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		)
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return goerr.Wrap(err, "create dead-letter table", goerr.V("table", s.tableName))
	}

	indexQuery := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_failed_at ON %s(failed_at)
	`, s.tableName, s.tableName)
	if _, err := s.db.ExecContext(ctx, indexQuery); err != nil {
		return goerr.Wrap(err, "create dead-letter index", goerr.V("table", s.tableName))
	}
	return nil
}

// Put stores entry. The full entry is kept as a msgpack payload; the
// scope columns exist for operators querying the table directly.
func (s *Sink) Put(ctx context.Context, entry deadletter.Entry) error {
	payload, err := msgpack.Marshal(&entry)
	if err != nil {
		return goerr.Wrap(err, "encode dead-letter entry", goerr.V("id", entry.ID))
	}

	var eventID, tenantID, userID string
	if entry.Event != nil {
		eventID, tenantID, userID = entry.Event.ID, entry.Event.TenantID, entry.Event.UserID
	}

	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (id, event_id, tenant_id, user_id, reason, error, attempts, failed_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.tableName)
	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		eventID,
		tenantID,
		userID,
		entry.Reason,
		entry.Error,
		entry.Attempts,
		entry.FailedAt.UTC().UnixNano(),
		payload,
	)
	if err != nil {
		return goerr.Wrap(err, "insert dead-letter entry", goerr.V("id", entry.ID))
	}
	return nil
}

// List returns up to limit entries, newest first.
func (s *Sink) List(ctx context.Context, limit int) ([]deadletter.Entry, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s ORDER BY failed_at DESC, id`, s.tableName)
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "query dead-letter entries")
	}
	defer func() { _ = rows.Close() }()

	var entries []deadletter.Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, goerr.Wrap(err, "scan dead-letter entry")
		}
		var entry deadletter.Entry
		if err := msgpack.Unmarshal(payload, &entry); err != nil {
			return nil, goerr.Wrap(err, "decode dead-letter entry")
		}
		entry.FailedAt = entry.FailedAt.UTC()
		if entry.Event != nil {
			entry.Event.Timestamp = entry.Event.Timestamp.UTC()
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate dead-letter entries")
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (s *Sink) Count(ctx context.Context) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.tableName)
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, goerr.Wrap(err, "count dead-letter entries")
	}
	return n, nil
}

// Purge removes entries that failed before cutoff and returns the count.
func (s *Sink) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE failed_at < ?`, s.tableName)
	res, err := s.db.ExecContext(ctx, query, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, goerr.Wrap(err, "purge dead-letter entries")
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Package sqlite implements storage.IndexStore on SQLite.
//
// SQLite is the local and test backend. Vectors are stored as JSON text and
// similarity is computed in process over rows already narrowed to one
// tenant and user by the SQL WHERE clause. Lexical candidates are narrowed
// with LIKE and ranked with BM25.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
)

var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Client implements storage.IndexStore using SQLite.
type Client struct {
	db             *sql.DB
	collectionName string
	dimensions     int
}

// Config configures the client.
type Config struct {
	// DBPath is the database file. ":memory:" is not supported because
	// every pooled connection would see a different database.
	DBPath string

	// CollectionName is the table name. Defaults to "memories".
	CollectionName string

	// EmbeddingModelDims rejects vectors of any other length when set.
	EmbeddingModelDims int
}

// NewClient opens the database and creates the schema.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.DBPath == "" {
		return nil, goerr.Wrap(model.ErrConfiguration, "sqlite db path is required")
	}
	name := cfg.CollectionName
	if name == "" {
		name = "memories"
	}
	if !validName.MatchString(name) {
		return nil, goerr.Wrap(model.ErrConfiguration, "invalid collection name", goerr.V("name", name))
	}

	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return nil, goerr.Wrap(err, "create sqlite directory", goerr.V("dir", dbDir))
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, goerr.Wrap(err, "open sqlite", goerr.V("path", cfg.DBPath))
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "ping sqlite", goerr.V("path", cfg.DBPath))
	}

	client := &Client{
		db:             db,
		collectionName: name,
		dimensions:     cfg.EmbeddingModelDims,
	}
	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return client, nil
}

func (c *Client) initTables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			agent_id TEXT,
			ts INTEGER NOT NULL,
			text TEXT NOT NULL,
			tags TEXT,
			vector TEXT NOT NULL,
			metadata TEXT,
			expires_at INTEGER,
			content_hash TEXT NOT NULL
		)`, c.collectionName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scope ON %s(tenant_id, user_id)`,
			c.collectionName, c.collectionName),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_hash ON %s(tenant_id, user_id, content_hash)`,
			c.collectionName, c.collectionName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s(expires_at)`,
			c.collectionName, c.collectionName),
	}
	for _, q := range stmts {
		if _, err := c.db.ExecContext(ctx, q); err != nil {
			return goerr.Wrap(err, "init sqlite schema", goerr.V("table", c.collectionName))
		}
	}
	return nil
}

const columns = "id, tenant_id, user_id, agent_id, ts, text, tags, vector, metadata, expires_at, content_hash"

// Upsert implements storage.IndexStore. A document with the same id, or
// the same tenant/user/content hash, is replaced.
func (c *Client) Upsert(ctx context.Context, doc *model.MemoryDocument) error {
	if err := storage.ValidateDocument(doc, c.dimensions); err != nil {
		return err
	}

	tags, vector, metadata, err := encodeDocument(doc)
	if err != nil {
		return model.Permanent(err, "encode document", goerr.V("id", doc.ID))
	}

	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.collectionName, columns)

	_, err = c.db.ExecContext(ctx, query,
		doc.ID,
		doc.TenantID,
		doc.UserID,
		doc.AgentID,
		doc.Timestamp.UTC().UnixNano(),
		doc.Text,
		tags,
		vector,
		metadata,
		nullableTime(doc.ExpiresAt),
		doc.ContentHash,
	)
	if err != nil {
		return classify(err, "upsert document", goerr.V("id", doc.ID))
	}
	return nil
}

// SearchLexical implements storage.Searcher.
func (c *Client) SearchLexical(ctx context.Context, tenantID, userID, text string, limit int) ([]*storage.ScoredDocument, error) {
	if err := storage.CheckScope(tenantID, userID); err != nil {
		return nil, err
	}
	terms := storage.QueryTerms(text)
	if len(terms) == 0 {
		return nil, nil
	}

	where, args := buildScopeClause(tenantID, userID, time.Now())
	match, matchArgs := buildTermClause(terms)
	query := fmt.Sprintf(`SELECT %s FROM %s %s AND (%s)`, columns, c.collectionName, where, match)

	docs, err := c.queryDocuments(ctx, query, append(args, matchArgs...)...)
	if err != nil {
		return nil, err
	}

	total, err := c.Count(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	return storage.Truncate(storage.ScoreBM25(terms, docs, int(total)), limit), nil
}

// SearchVector implements storage.Searcher.
func (c *Client) SearchVector(ctx context.Context, tenantID, userID string, vector []float64, limit int) ([]*storage.ScoredDocument, error) {
	if err := storage.CheckScope(tenantID, userID); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, nil
	}

	where, args := buildScopeClause(tenantID, userID, time.Now())
	query := fmt.Sprintf(`SELECT %s FROM %s %s`, columns, c.collectionName, where)

	docs, err := c.queryDocuments(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return storage.Truncate(storage.RankByCosine(vector, docs), limit), nil
}

// LookupContentHash implements storage.IndexStore.
func (c *Client) LookupContentHash(ctx context.Context, tenantID, userID, contentHash string) (string, bool, error) {
	if err := storage.CheckScope(tenantID, userID); err != nil {
		return "", false, err
	}

	where, args := buildScopeClause(tenantID, userID, time.Now())
	query := fmt.Sprintf(`SELECT id FROM %s %s AND content_hash = ? LIMIT 1`, c.collectionName, where)

	var id string
	err := c.db.QueryRowContext(ctx, query, append(args, contentHash)...).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err, "lookup content hash")
	}
	return id, true, nil
}

// DeleteByUser implements storage.IndexStore.
func (c *Client) DeleteByUser(ctx context.Context, tenantID, userID string) (int64, error) {
	if err := storage.CheckScope(tenantID, userID); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = ? AND user_id = ?`, c.collectionName)
	res, err := c.db.ExecContext(ctx, query, tenantID, userID)
	if err != nil {
		return 0, classify(err, "delete user documents")
	}
	return res.RowsAffected()
}

// DeleteExpired implements storage.IndexStore.
func (c *Client) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= ?`, c.collectionName)
	res, err := c.db.ExecContext(ctx, query, now.UTC().UnixNano())
	if err != nil {
		return 0, classify(err, "delete expired documents")
	}
	return res.RowsAffected()
}

// Count implements storage.IndexStore.
func (c *Client) Count(ctx context.Context, tenantID, userID string) (int64, error) {
	if err := storage.CheckScope(tenantID, userID); err != nil {
		return 0, err
	}

	where, args := buildScopeClause(tenantID, userID, time.Now())
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, c.collectionName, where)

	var n int64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify(err, "count documents")
	}
	return n, nil
}

// Close implements storage.IndexStore.
func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) queryDocuments(ctx context.Context, query string, args ...interface{}) ([]*model.MemoryDocument, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "query documents")
	}
	defer func() { _ = rows.Close() }()

	var docs []*model.MemoryDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate documents")
	}
	return docs, nil
}

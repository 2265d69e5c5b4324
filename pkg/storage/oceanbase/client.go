// Package oceanbase implements storage.IndexStore on OceanBase.
//
// OceanBase speaks the MySQL protocol and provides a native VECTOR type,
// cosine_distance and full-text MATCH ... AGAINST, so both searches run
// in the database.
package oceanbase

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
)

var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Client is an OceanBase index store.
type Client struct {
	db             *sql.DB
	collectionName string
	dimensions     int
	hnsw           storage.HNSWParams
}

// Config contains OceanBase configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	CollectionName     string
	EmbeddingModelDims int

	// HNSW defaults to storage.DefaultHNSW.
	HNSW *storage.HNSWParams
}

// NewClient connects and creates the schema.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, goerr.Wrap(model.ErrConfiguration, "oceanbase config is required")
	}
	if cfg.EmbeddingModelDims <= 0 {
		return nil, goerr.Wrap(model.ErrConfiguration, "oceanbase needs embedding dimensions")
	}
	name := cfg.CollectionName
	if name == "" {
		name = "memories"
	}
	if !validName.MatchString(name) {
		return nil, goerr.Wrap(model.ErrConfiguration, "invalid collection name", goerr.V("name", name))
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "open oceanbase")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, classify(err, "ping oceanbase", goerr.V("host", cfg.Host))
	}

	hnsw := storage.DefaultHNSW
	if cfg.HNSW != nil {
		hnsw = *cfg.HNSW
	}

	client := &Client{
		db:             db,
		collectionName: name,
		dimensions:     cfg.EmbeddingModelDims,
		hnsw:           hnsw,
	}
	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return client, nil
}

func (c *Client) initTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			tenant_id VARCHAR(128) NOT NULL,
			user_id VARCHAR(128) NOT NULL,
			agent_id VARCHAR(128),
			ts DATETIME(6) NOT NULL,
			text LONGTEXT NOT NULL,
			tags JSON,
			embedding VECTOR(%d) NOT NULL,
			metadata JSON,
			expires_at DATETIME(6) NULL,
			content_hash VARCHAR(64) NOT NULL,
			UNIQUE KEY uk_scope_hash (tenant_id, user_id, content_hash),
			INDEX idx_scope (tenant_id, user_id),
			INDEX idx_expires (expires_at),
			FULLTEXT INDEX idx_text (text) WITH PARSER ngram,
			VECTOR INDEX idx_vec (embedding) WITH (distance=cosine, type=hnsw, lib=vsag, m=%d, ef_construction=%d, ef_search=%d)
		)
	`, c.collectionName, c.dimensions, c.hnsw.M, c.hnsw.EfConstruction, c.hnsw.EfSearch)

	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return classify(err, "init oceanbase schema", goerr.V("table", c.collectionName))
	}
	return nil
}

const columns = "id, tenant_id, user_id, agent_id, ts, text, tags, embedding, metadata, expires_at, content_hash"

// Upsert implements storage.IndexStore. REPLACE also evicts a different
// document holding the same content hash for the user.
func (c *Client) Upsert(ctx context.Context, doc *model.MemoryDocument) error {
	if err := storage.ValidateDocument(doc, c.dimensions); err != nil {
		return err
	}

	tags, err := json.Marshal(doc.Tags)
	if err != nil {
		return model.Permanent(err, "encode tags", goerr.V("id", doc.ID))
	}
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return model.Permanent(err, "encode metadata", goerr.V("id", doc.ID))
	}

	query := fmt.Sprintf(`REPLACE INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.collectionName, columns)

	_, err = c.db.ExecContext(ctx, query,
		doc.ID,
		doc.TenantID,
		doc.UserID,
		doc.AgentID,
		doc.Timestamp.UTC(),
		doc.Text,
		string(tags),
		vectorToString(doc.Vector),
		string(metadata),
		nullableTime(doc.ExpiresAt),
		doc.ContentHash,
	)
	if err != nil {
		return classify(err, "upsert document", goerr.V("id", doc.ID))
	}
	return nil
}

// SearchLexical implements storage.Searcher with full-text relevance.
func (c *Client) SearchLexical(ctx context.Context, tenantID, userID, text string, limit int) ([]*storage.ScoredDocument, error) {
	if err := storage.CheckScope(tenantID, userID); err != nil {
		return nil, err
	}
	terms := storage.QueryTerms(text)
	if len(terms) == 0 {
		return nil, nil
	}
	match := strings.Join(terms, " ")

	where, args := buildScopeClause(tenantID, userID, time.Now())
	query := fmt.Sprintf(`
		SELECT %s, MATCH(text) AGAINST(? IN NATURAL LANGUAGE MODE) AS score
		FROM %s
		%s AND MATCH(text) AGAINST(? IN NATURAL LANGUAGE MODE)
		ORDER BY score DESC, ts DESC, id
		LIMIT ?
	`, columns, c.collectionName, where)

	queryArgs := append([]interface{}{match}, args...)
	queryArgs = append(queryArgs, match, clampLimit(limit))

	return c.queryScored(ctx, query, false, queryArgs...)
}

// SearchVector implements storage.Searcher with cosine_distance.
func (c *Client) SearchVector(ctx context.Context, tenantID, userID string, vector []float64, limit int) ([]*storage.ScoredDocument, error) {
	if err := storage.CheckScope(tenantID, userID); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, nil
	}
	vec := vectorToString(vector)

	where, args := buildScopeClause(tenantID, userID, time.Now())
	query := fmt.Sprintf(`
		SELECT %s, cosine_distance(embedding, ?) AS distance
		FROM %s
		%s
		ORDER BY distance ASC, ts DESC, id
		LIMIT ?
	`, columns, c.collectionName, where)

	queryArgs := append([]interface{}{vec}, args...)
	queryArgs = append(queryArgs, clampLimit(limit))

	return c.queryScored(ctx, query, true, queryArgs...)
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
	res, err := c.db.ExecContext(ctx, query, now.UTC())
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

func (c *Client) queryScored(ctx context.Context, query string, distance bool, args ...interface{}) ([]*storage.ScoredDocument, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "search documents")
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.ScoredDocument
	for rows.Next() {
		scored, err := scanScored(rows)
		if err != nil {
			return nil, err
		}
		if distance {
			scored.Score = 1 - scored.Score
		}
		out = append(out, scored)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate documents")
	}
	return out, nil
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
)

var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Client is a PostgreSQL + pgvector index store.
type Client struct {
	db             *sql.DB
	collectionName string
	dimensions     int
	hnsw           storage.HNSWParams
}

// Config contains PostgreSQL configuration.
type Config struct {
	// DSN overrides the individual connection fields when set.
	DSN string

	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	SSLMode            string
	CollectionName     string
	EmbeddingModelDims int

	// HNSW defaults to storage.DefaultHNSW.
	HNSW *storage.HNSWParams
}

// NewClient connects, enables pgvector and creates the schema.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, goerr.Wrap(model.ErrConfiguration, "postgres config is required")
	}
	if cfg.EmbeddingModelDims <= 0 {
		return nil, goerr.Wrap(model.ErrConfiguration, "postgres needs embedding dimensions")
	}
	name := cfg.CollectionName
	if name == "" {
		name = "memories"
	}
	if !validName.MatchString(name) {
		return nil, goerr.Wrap(model.ErrConfiguration, "invalid collection name", goerr.V("name", name))
	}

	dsn := cfg.DSN
	if dsn == "" {
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "open postgres")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, classify(err, "ping postgres", goerr.V("host", cfg.Host))
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
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			agent_id VARCHAR(255),
			ts TIMESTAMPTZ NOT NULL,
			text TEXT NOT NULL,
			tags JSONB,
			embedding vector(%d) NOT NULL,
			metadata JSONB,
			expires_at TIMESTAMPTZ,
			content_hash VARCHAR(64) NOT NULL,
			UNIQUE (tenant_id, user_id, content_hash)
		)`, c.collectionName, c.dimensions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scope ON %s(tenant_id, user_id)`,
			c.collectionName, c.collectionName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_text ON %s USING gin (to_tsvector('simple', text))`,
			c.collectionName, c.collectionName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_hnsw ON %s USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)`,
			c.collectionName, c.collectionName, c.hnsw.M, c.hnsw.EfConstruction),
	}
	for _, q := range stmts {
		if _, err := c.db.ExecContext(ctx, q); err != nil {
			return classify(err, "init postgres schema", goerr.V("table", c.collectionName))
		}
	}
	return nil
}

const columns = "id, tenant_id, user_id, agent_id, ts, text, tags, embedding, metadata, expires_at, content_hash"

// Upsert implements storage.IndexStore. A different document holding the
// same content hash for the user is replaced.
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

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin upsert")
	}
	defer func() { _ = tx.Rollback() }()

	evict := fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND user_id = $2 AND content_hash = $3 AND id <> $4`,
		c.collectionName)
	if _, err := tx.ExecContext(ctx, evict, doc.TenantID, doc.UserID, doc.ContentHash, doc.ID); err != nil {
		return classify(err, "evict duplicate", goerr.V("id", doc.ID))
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			ts = EXCLUDED.ts,
			text = EXCLUDED.text,
			tags = EXCLUDED.tags,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			expires_at = EXCLUDED.expires_at,
			content_hash = EXCLUDED.content_hash
	`, c.collectionName, columns)

	_, err = tx.ExecContext(ctx, upsert,
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
	if err := tx.Commit(); err != nil {
		return classify(err, "commit upsert", goerr.V("id", doc.ID))
	}
	return nil
}

// SearchLexical implements storage.Searcher with ts_rank over an OR query
// of the non-stopword terms.
func (c *Client) SearchLexical(ctx context.Context, tenantID, userID, text string, limit int) ([]*storage.ScoredDocument, error) {
	if err := storage.CheckScope(tenantID, userID); err != nil {
		return nil, err
	}
	terms := storage.QueryTerms(text)
	if len(terms) == 0 {
		return nil, nil
	}

	where, args := buildScopeClause(tenantID, userID, time.Now(), 1)
	n := len(args) + 1
	query := fmt.Sprintf(`
		SELECT %s, ts_rank(to_tsvector('simple', text), to_tsquery('simple', $%d)) AS score
		FROM %s
		%s AND to_tsvector('simple', text) @@ to_tsquery('simple', $%d)
		ORDER BY score DESC, ts DESC, id
		LIMIT $%d
	`, columns, n, c.collectionName, where, n, n+1)
	args = append(args, strings.Join(terms, " | "), clampLimit(limit))

	return c.queryScored(ctx, query, args...)
}

// SearchVector implements storage.Searcher with pgvector cosine distance.
func (c *Client) SearchVector(ctx context.Context, tenantID, userID string, vector []float64, limit int) ([]*storage.ScoredDocument, error) {
	if err := storage.CheckScope(tenantID, userID); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, nil
	}

	where, args := buildScopeClause(tenantID, userID, time.Now(), 1)
	n := len(args) + 1
	query := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $%d::vector) AS score
		FROM %s
		%s
		ORDER BY embedding <=> $%d::vector, ts DESC, id
		LIMIT $%d
	`, columns, n, c.collectionName, where, n, n+1)
	args = append(args, vectorToString(vector), clampLimit(limit))

	return c.queryScored(ctx, query, args...)
}

// LookupContentHash implements storage.IndexStore.
func (c *Client) LookupContentHash(ctx context.Context, tenantID, userID, contentHash string) (string, bool, error) {
	if err := storage.CheckScope(tenantID, userID); err != nil {
		return "", false, err
	}

	where, args := buildScopeClause(tenantID, userID, time.Now(), 1)
	query := fmt.Sprintf(`SELECT id FROM %s %s AND content_hash = $%d LIMIT 1`,
		c.collectionName, where, len(args)+1)

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

	query := fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND user_id = $2`, c.collectionName)
	res, err := c.db.ExecContext(ctx, query, tenantID, userID)
	if err != nil {
		return 0, classify(err, "delete user documents")
	}
	return res.RowsAffected()
}

// DeleteExpired implements storage.IndexStore.
func (c *Client) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, c.collectionName)
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

	where, args := buildScopeClause(tenantID, userID, time.Now(), 1)
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

func (c *Client) queryScored(ctx context.Context, query string, args ...interface{}) ([]*storage.ScoredDocument, error) {
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
		out = append(out, scored)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate documents")
	}
	return out, nil
}

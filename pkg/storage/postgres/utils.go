package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
)

const maxLimit = 1000

// buildScopeClause restricts a query to one user's live documents, with
// placeholders numbered from startIndex.
func buildScopeClause(tenantID, userID string, now time.Time, startIndex int) (string, []interface{}) {
	clause := fmt.Sprintf("WHERE tenant_id = $%d AND user_id = $%d AND (expires_at IS NULL OR expires_at > $%d)",
		startIndex, startIndex+1, startIndex+2)
	return clause, []interface{}{tenantID, userID, now.UTC()}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxLimit {
		return maxLimit
	}
	return limit
}

// vectorToString converts a vector to pgvector's text format.
func vectorToString(vector []float64) string {
	parts := make([]string, len(vector))
	for i, v := range vector {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// parseVectorString parses pgvector's text format.
func parseVectorString(s string) ([]float64, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return []float64{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func scanScored(rows *sql.Rows) (*storage.ScoredDocument, error) {
	var (
		doc       model.MemoryDocument
		agentID   sql.NullString
		tags      []byte
		vector    string
		metadata  []byte
		expiresAt sql.NullTime
		score     float64
	)

	if err := rows.Scan(
		&doc.ID,
		&doc.TenantID,
		&doc.UserID,
		&agentID,
		&doc.Timestamp,
		&doc.Text,
		&tags,
		&vector,
		&metadata,
		&expiresAt,
		&doc.ContentHash,
		&score,
	); err != nil {
		return nil, goerr.Wrap(err, "scan document")
	}

	doc.AgentID = agentID.String
	doc.Timestamp = doc.Timestamp.UTC()
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		doc.ExpiresAt = &t
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &doc.Tags); err != nil {
			return nil, goerr.Wrap(err, "parse tags", goerr.V("id", doc.ID))
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return nil, goerr.Wrap(err, "parse metadata", goerr.V("id", doc.ID))
		}
	}
	v, err := parseVectorString(vector)
	if err != nil {
		return nil, goerr.Wrap(err, "parse vector", goerr.V("id", doc.ID))
	}
	doc.Vector = v

	return &storage.ScoredDocument{Document: &doc, Score: score}, nil
}

// classify maps SQLSTATE classes onto the retry taxonomy.
func classify(err error, msg string, opts ...goerr.Option) error {
	if errors.Is(err, context.Canceled) {
		return goerr.Wrap(err, msg, opts...)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return model.Transient(err, msg, opts...)
		case "22", "23", "42":
			return model.Permanent(err, msg, opts...)
		}
	}
	return model.Transient(err, msg, opts...)
}

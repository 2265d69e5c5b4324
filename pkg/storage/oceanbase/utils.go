package oceanbase

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
)

const maxLimit = 1000

// buildScopeClause restricts a query to one user's live documents.
func buildScopeClause(tenantID, userID string, now time.Time) (string, []interface{}) {
	return "WHERE tenant_id = ? AND user_id = ? AND (expires_at IS NULL OR expires_at > ?)",
		[]interface{}{tenantID, userID, now.UTC()}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxLimit {
		return maxLimit
	}
	return limit
}

// vectorToString converts a vector to the VECTOR literal format.
// Example: [0.1, 0.2, 0.3] -> "[0.1,0.2,0.3]"
func vectorToString(vector []float64) string {
	parts := make([]string, len(vector))
	for i, v := range vector {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// stringToVector parses the VECTOR literal format.
func stringToVector(s string) ([]float64, error) {
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
	if len(tags) > 0 && string(tags) != "null" {
		if err := json.Unmarshal(tags, &doc.Tags); err != nil {
			return nil, goerr.Wrap(err, "parse tags", goerr.V("id", doc.ID))
		}
	}
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return nil, goerr.Wrap(err, "parse metadata", goerr.V("id", doc.ID))
		}
	}
	v, err := stringToVector(vector)
	if err != nil {
		return nil, goerr.Wrap(err, "parse vector", goerr.V("id", doc.ID))
	}
	doc.Vector = v

	return &storage.ScoredDocument{Document: &doc, Score: score}, nil
}

// MySQL error numbers that a retry can clear.
var transientCodes = map[uint16]bool{
	1040: true, // too many connections
	1205: true, // lock wait timeout
	1213: true, // deadlock
	2006: true, // server gone away
	2013: true, // lost connection
	4012: true, // OceanBase: timeout
}

func classify(err error, msg string, opts ...goerr.Option) error {
	if errors.Is(err, context.Canceled) {
		return goerr.Wrap(err, msg, opts...)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return model.Transient(err, msg, opts...)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if transientCodes[myErr.Number] {
			return model.Transient(err, msg, opts...)
		}
		return model.Permanent(err, msg, opts...)
	}
	return model.Transient(err, msg, opts...)
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/mattn/go-sqlite3"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

// buildScopeClause restricts a query to one user's live documents.
func buildScopeClause(tenantID, userID string, now time.Time) (string, []interface{}) {
	return "WHERE tenant_id = ? AND user_id = ? AND (expires_at IS NULL OR expires_at > ?)",
		[]interface{}{tenantID, userID, now.UTC().UnixNano()}
}

// buildTermClause matches rows containing any of terms. SQLite's LIKE is
// case-insensitive for ASCII.
func buildTermClause(terms []string) (string, []interface{}) {
	conds := make([]string, 0, len(terms))
	args := make([]interface{}, 0, len(terms))
	for _, t := range terms {
		conds = append(conds, `text LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(t)+"%")
	}
	return strings.Join(conds, " OR "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func encodeDocument(doc *model.MemoryDocument) (tags, vector, metadata string, err error) {
	t, err := json.Marshal(doc.Tags)
	if err != nil {
		return "", "", "", err
	}
	v, err := json.Marshal(doc.Vector)
	if err != nil {
		return "", "", "", err
	}
	m, err := json.Marshal(doc.Metadata)
	if err != nil {
		return "", "", "", err
	}
	return string(t), string(v), string(m), nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func scanDocument(rows *sql.Rows) (*model.MemoryDocument, error) {
	var (
		doc       model.MemoryDocument
		agentID   sql.NullString
		ts        int64
		tags      sql.NullString
		vector    string
		metadata  sql.NullString
		expiresAt sql.NullInt64
	)

	if err := rows.Scan(
		&doc.ID,
		&doc.TenantID,
		&doc.UserID,
		&agentID,
		&ts,
		&doc.Text,
		&tags,
		&vector,
		&metadata,
		&expiresAt,
		&doc.ContentHash,
	); err != nil {
		return nil, goerr.Wrap(err, "scan document")
	}

	doc.AgentID = agentID.String
	doc.Timestamp = time.Unix(0, ts).UTC()
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		doc.ExpiresAt = &t
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &doc.Tags); err != nil {
			return nil, goerr.Wrap(err, "parse tags", goerr.V("id", doc.ID))
		}
	}
	if err := json.Unmarshal([]byte(vector), &doc.Vector); err != nil {
		return nil, goerr.Wrap(err, "parse vector", goerr.V("id", doc.ID))
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &doc.Metadata); err != nil {
			return nil, goerr.Wrap(err, "parse metadata", goerr.V("id", doc.ID))
		}
	}
	return &doc, nil
}

// classify marks lock contention and I/O failures as transient.
func classify(err error, msg string, opts ...goerr.Option) error {
	if errors.Is(err, context.Canceled) {
		return goerr.Wrap(err, msg, opts...)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrFull:
			return model.Transient(err, msg, opts...)
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig:
			return model.Permanent(err, msg, opts...)
		}
	}
	return model.Transient(err, msg, opts...)
}

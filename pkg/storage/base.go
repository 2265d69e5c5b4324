// Package storage defines the index store that both memory paths share.
//
// The HOT path only sees the read-only Searcher. The COLD path and the
// administrative surface use the full IndexStore. Every method is scoped by
// tenant and user, and implementations apply that scope in the query sent
// to the backend rather than filtering results afterwards.
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

// ScoredDocument is a search result with the backend's raw score.
type ScoredDocument struct {
	Document *model.MemoryDocument

	// Score is BM25/ts_rank for lexical search and cosine similarity for
	// vector search. Higher is better.
	Score float64
}

// Searcher is the read-only part of the store.
type Searcher interface {
	// SearchLexical ranks the user's live documents by term relevance.
	SearchLexical(ctx context.Context, tenantID, userID, text string, limit int) ([]*ScoredDocument, error)

	// SearchVector ranks the user's live documents by cosine similarity.
	SearchVector(ctx context.Context, tenantID, userID string, vector []float64, limit int) ([]*ScoredDocument, error)
}

// IndexStore is the full document store.
type IndexStore interface {
	Searcher

	// Upsert writes doc keyed by doc.ID, overwriting any previous version.
	Upsert(ctx context.Context, doc *model.MemoryDocument) error

	// LookupContentHash returns the id of the user's live document with
	// the given content hash, if any.
	LookupContentHash(ctx context.Context, tenantID, userID, contentHash string) (string, bool, error)

	// DeleteByUser removes every document of the user and returns the count.
	DeleteByUser(ctx context.Context, tenantID, userID string) (int64, error)

	// DeleteExpired removes documents whose expires_at is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Count returns the number of live documents of the user.
	Count(ctx context.Context, tenantID, userID string) (int64, error)

	// Close releases the backend connection.
	Close() error
}

// HNSWParams tunes an HNSW vector index.
type HNSWParams struct {
	M              int
	EfConstruction int
	EfSearch       int
}

// DefaultHNSW matches the production index profile (cosine metric).
var DefaultHNSW = HNSWParams{M: 4, EfConstruction: 400, EfSearch: 500}

// CheckScope rejects calls without both tenant and user.
func CheckScope(tenantID, userID string) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(userID) == "" {
		return goerr.Wrap(model.ErrMissingScope, "store call without scope",
			goerr.V("tenant_id", tenantID), goerr.V("user_id", userID))
	}
	return nil
}

// ValidateDocument checks the invariants every stored document must hold.
func ValidateDocument(doc *model.MemoryDocument, dims int) error {
	if doc == nil {
		return goerr.Wrap(model.ErrPermanentEvent, "nil document")
	}
	if err := CheckScope(doc.TenantID, doc.UserID); err != nil {
		return model.Permanent(err, "document without scope")
	}
	if doc.ID == "" {
		return goerr.Wrap(model.ErrPermanentEvent, "document without id")
	}
	if dims > 0 && len(doc.Vector) != dims {
		return goerr.Wrap(model.ErrPermanentEvent, "vector dimension mismatch",
			goerr.V("want", dims), goerr.V("got", len(doc.Vector)))
	}
	return nil
}

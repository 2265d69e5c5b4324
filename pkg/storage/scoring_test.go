package storage_test

import (
	"testing"
	"time"

	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryTerms(t *testing.T) {
	assert.Equal(t, []string{"she", "allergic", "shellfish"}, storage.QueryTerms("Is she allergic to shellfish? SHELLFISH!"))
	assert.Empty(t, storage.QueryTerms("is the a"))
}

func TestScoreBM25(t *testing.T) {
	now := time.Now()
	docs := []*model.MemoryDocument{
		{ID: "a", Text: "allergic to shellfish and peanuts", Timestamp: now},
		{ID: "b", Text: "shellfish shellfish shellfish allergic", Timestamp: now},
		{ID: "c", Text: "drinks coffee", Timestamp: now},
	}

	scored := storage.ScoreBM25([]string{"shellfish", "allergic"}, docs, 10)
	require.Len(t, scored, 2, "documents with no matching term are dropped")
	assert.Equal(t, "b", scored[0].Document.ID)
	assert.Greater(t, scored[0].Score, scored[1].Score)

	assert.Nil(t, storage.ScoreBM25(nil, docs, 10))
	assert.Nil(t, storage.ScoreBM25([]string{"x"}, nil, 10))
}

func TestSortScored_TieBreaks(t *testing.T) {
	now := time.Now()
	docs := []*storage.ScoredDocument{
		{Document: &model.MemoryDocument{ID: "b", Timestamp: now}, Score: 1},
		{Document: &model.MemoryDocument{ID: "a", Timestamp: now}, Score: 1},
		{Document: &model.MemoryDocument{ID: "z", Timestamp: now.Add(time.Second)}, Score: 1},
		{Document: &model.MemoryDocument{ID: "y", Timestamp: now}, Score: 2},
	}
	storage.SortScored(docs)

	var ids []string
	for _, d := range docs {
		ids = append(ids, d.Document.ID)
	}
	assert.Equal(t, []string{"y", "z", "a", "b"}, ids)
}

func TestRankByCosineAndTruncate(t *testing.T) {
	docs := []*model.MemoryDocument{
		{ID: "x", Vector: []float64{1, 0}},
		{ID: "y", Vector: []float64{0, 1}},
		{ID: "z", Vector: []float64{1, 1}},
	}
	ranked := storage.RankByCosine([]float64{1, 0}, docs)
	require.Len(t, ranked, 3)
	assert.Equal(t, "x", ranked[0].Document.ID)
	assert.Equal(t, "z", ranked[1].Document.ID)

	assert.Len(t, storage.Truncate(ranked, 2), 2)
	assert.Len(t, storage.Truncate(ranked, 0), 3)
}

func TestCheckScopeAndValidate(t *testing.T) {
	assert.ErrorIs(t, storage.CheckScope("t", ""), model.ErrMissingScope)
	assert.NoError(t, storage.CheckScope("t", "u"))

	err := storage.ValidateDocument(&model.MemoryDocument{ID: "d", TenantID: "t", UserID: "u", Vector: []float64{1}}, 2)
	assert.ErrorIs(t, err, model.ErrPermanentEvent)
	assert.NoError(t, storage.ValidateDocument(&model.MemoryDocument{ID: "d", TenantID: "t", UserID: "u", Vector: []float64{1, 2}}, 2))
}

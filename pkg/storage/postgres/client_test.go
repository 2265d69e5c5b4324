package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/storage/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a pgvector-enabled database, e.g.
// POSTGRES_TEST_DSN="host=localhost port=5432 user=postgres password=postgres dbname=test sslmode=disable"
func newStore(t *testing.T) *postgres.Client {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN is not set")
	}
	c, err := postgres.NewClient(&postgres.Config{
		DSN:                dsn,
		CollectionName:     "memories_test",
		EmbeddingModelDims: 3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_Roundtrip(t *testing.T) {
	ctx := context.Background()
	c := newStore(t)

	tenant := "t-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	docs := []*model.MemoryDocument{
		{ID: "a-" + tenant, TenantID: tenant, UserID: "u1", Timestamp: now, Text: "User is allergic to shellfish", Vector: []float64{1, 0, 0}, ContentHash: "h1"},
		{ID: "b-" + tenant, TenantID: tenant, UserID: "u1", Timestamp: now, Text: "User drinks green tea", Vector: []float64{0, 1, 0}, ContentHash: "h2"},
		{ID: "c-" + tenant, TenantID: tenant, UserID: "u2", Timestamp: now, Text: "User is allergic to peanuts", Vector: []float64{1, 0, 0}, ContentHash: "h3"},
	}
	for _, d := range docs {
		require.NoError(t, c.Upsert(ctx, d))
	}
	t.Cleanup(func() {
		_, _ = c.DeleteByUser(ctx, tenant, "u1")
		_, _ = c.DeleteByUser(ctx, tenant, "u2")
	})

	lex, err := c.SearchLexical(ctx, tenant, "u1", "allergic shellfish", 10)
	require.NoError(t, err)
	require.Len(t, lex, 1)
	assert.Equal(t, docs[0].ID, lex[0].Document.ID)

	vec, err := c.SearchVector(ctx, tenant, "u1", []float64{0, 1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, vec, 2)
	assert.Equal(t, docs[1].ID, vec[0].Document.ID)

	id, found, err := c.LookupContentHash(ctx, tenant, "u1", "h2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, docs[1].ID, id)

	n, err := c.DeleteByUser(ctx, tenant, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

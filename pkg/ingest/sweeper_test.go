package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/oceanbase/powermem-hotcold/pkg/ingest"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.ModeMask)

	// Volatile content observed two days ago has already expired.
	old := time.Now().Add(-48 * time.Hour)
	out := f.pipeline.Process(ctx, newEvent("e1", "I feel great today after the long swim", old))
	require.Equal(t, ingest.StateUpserted, out.State)
	out = f.pipeline.Process(ctx, newEvent("e2", "I prefer swimming in the sea to pools", old))
	require.Equal(t, ingest.StateUpserted, out.State)

	s, err := ingest.NewSweeper(f.store, "")
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), s.Removed())
	assert.Equal(t, int64(1), s.Runs())

	left, err := f.store.Count(ctx, "acme", "elena")
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)
}

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	_, err := ingest.NewSweeper(nil, "every so often")
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

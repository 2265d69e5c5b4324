package ingest_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/oceanbase/powermem-hotcold/pkg/ingest"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_PreservesPerUserOrder(t *testing.T) {
	f := newFixture(t, model.ModeMask)
	q := queue.NewMemoryQueue(4, 256)
	pool := ingest.NewWorkerPool(q, f.pipeline)

	ctx := context.Background()
	pool.Start(ctx)

	var want []string
	base := time.Now()
	for i := 0; i < 30; i++ {
		user := "elena"
		if i%3 == 0 {
			user = "marco"
		}
		ev := &model.MemoryEvent{
			ID:        fmt.Sprintf("%s-%02d", user, i),
			TenantID:  "acme",
			UserID:    user,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			RawText:   fmt.Sprintf("I like hiking trail number %d in the hills", i),
		}
		if user == "elena" {
			want = append(want, ev.ID)
		}
		require.NoError(t, q.Publish(ctx, ev))
	}

	require.NoError(t, q.Close())
	pool.Wait()
	pool.Stop()

	var got []string
	for _, id := range f.store.upsertedIDs() {
		if strings.HasPrefix(id, "elena-") {
			got = append(got, id)
		}
	}
	assert.Equal(t, want, got)

	stats := pool.Stats()
	assert.Equal(t, 4, stats.Workers)
	assert.Equal(t, int64(30), stats.Delivered)
	assert.Equal(t, int64(30), stats.Acked)
}

func TestWorkerPool_StopIsIdempotent(t *testing.T) {
	f := newFixture(t, model.ModeMask)
	q := queue.NewMemoryQueue(2, 8)
	defer func() { _ = q.Close() }()

	pool := ingest.NewWorkerPool(q, f.pipeline)
	pool.Start(context.Background())
	pool.Start(context.Background())
	pool.Stop()
	pool.Stop()

	assert.Zero(t, pool.Stats().Delivered)
}

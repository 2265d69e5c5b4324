package retrieval_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/oceanbase/powermem-hotcold/pkg/embedder/hashing"
	"github.com/oceanbase/powermem-hotcold/pkg/llm"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/retrieval"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
	"github.com/oceanbase/powermem-hotcold/pkg/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// fakeSearcher returns canned lists after an optional delay.
type fakeSearcher struct {
	lexical []*storage.ScoredDocument
	vector  []*storage.ScoredDocument
	delay   time.Duration
	err     error
	limits  []int
}

func (f *fakeSearcher) wait(ctx context.Context) error {
	if f.delay == 0 {
		return f.err
	}
	select {
	case <-time.After(f.delay):
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSearcher) SearchLexical(ctx context.Context, _, _, _ string, limit int) ([]*storage.ScoredDocument, error) {
	f.limits = append(f.limits, limit)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return storage.Truncate(f.lexical, limit), nil
}

func (f *fakeSearcher) SearchVector(ctx context.Context, _, _ string, _ []float64, limit int) ([]*storage.ScoredDocument, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return storage.Truncate(f.vector, limit), nil
}

func scored(id string, score float64, ts time.Time) *storage.ScoredDocument {
	return &storage.ScoredDocument{
		Document: &model.MemoryDocument{ID: id, Text: "text of " + id, Timestamp: ts},
		Score:    score,
	}
}

func ids(hits []model.MemoryHit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.DocumentID
	}
	return out
}

func TestEngine_FusesBothLists(t *testing.T) {
	now := time.Now()
	s := &fakeSearcher{
		lexical: []*storage.ScoredDocument{scored("a", 5, now), scored("b", 3, now)},
		vector:  []*storage.ScoredDocument{scored("b", 0.9, now), scored("c", 0.8, now)},
	}
	e := retrieval.NewEngine(s, hashing.New(16), retrieval.Config{})

	hits := e.Retrieve(context.Background(), "t1", "u1", "some query", 3)
	require.Len(t, hits, 3)
	assert.Equal(t, "b", hits[0].DocumentID, "present in both lists")
	assert.Equal(t, model.RankSources{LexicalRank: 2, VectorRank: 1}, hits[0].RankSources)
	assert.Equal(t, []string{"b", "a", "c"}, ids(hits))
	assert.Equal(t, int64(1), e.Stats().Served)
}

func TestEngine_FanOut(t *testing.T) {
	tests := []struct {
		name   string
		cfg    int
		k      int
		expect int
	}{
		{"default floor", 0, 8, 20},
		{"twice k", 0, 15, 30},
		{"configured", 50, 8, 50},
		{"always above k", 5, 8, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSearcher{}
			e := retrieval.NewEngine(s, hashing.New(16), retrieval.Config{FanOut: tt.cfg})
			e.Retrieve(context.Background(), "t1", "u1", "query", tt.k)
			require.Len(t, s.limits, 1)
			assert.Equal(t, tt.expect, s.limits[0])
		})
	}
}

func TestEngine_EmptyInputs(t *testing.T) {
	s := &fakeSearcher{lexical: []*storage.ScoredDocument{scored("a", 1, time.Now())}}
	e := retrieval.NewEngine(s, hashing.New(16), retrieval.Config{})
	ctx := context.Background()

	for _, tc := range [][3]string{{"", "u", "q"}, {"t", "", "q"}, {"t", "u", "  "}} {
		hits := e.Retrieve(ctx, tc[0], tc[1], tc[2], 8)
		assert.NotNil(t, hits)
		assert.Empty(t, hits)
	}
	assert.Empty(t, s.limits, "no backend call without scope and query")
}

func TestEngine_EmptyCorpus(t *testing.T) {
	e := retrieval.NewEngine(&fakeSearcher{}, hashing.New(16), retrieval.Config{})
	hits := e.Retrieve(context.Background(), "t1", "u1", "anything", 8)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
}

func TestEngine_DeadlineReturnsEmpty(t *testing.T) {
	s := &fakeSearcher{
		lexical: []*storage.ScoredDocument{scored("a", 1, time.Now())},
		delay:   500 * time.Millisecond,
	}
	e := retrieval.NewEngine(s, hashing.New(16), retrieval.Config{Budget: 20 * time.Millisecond})

	started := time.Now()
	hits := e.Retrieve(context.Background(), "t1", "u1", "query", 8)
	assert.Empty(t, hits)
	assert.Less(t, time.Since(started), 400*time.Millisecond)
	assert.Equal(t, int64(1), e.Stats().Timeouts)
}

// stubbornSearcher blocks for delay without looking at ctx.
type stubbornSearcher struct {
	delay time.Duration
}

func (s stubbornSearcher) SearchLexical(_ context.Context, _, _, _ string, _ int) ([]*storage.ScoredDocument, error) {
	time.Sleep(s.delay)
	return []*storage.ScoredDocument{scored("late", 1, time.Now())}, nil
}

func (s stubbornSearcher) SearchVector(_ context.Context, _, _ string, _ []float64, _ int) ([]*storage.ScoredDocument, error) {
	time.Sleep(s.delay)
	return nil, nil
}

// slowEmbedder blocks for delay without looking at ctx.
type slowEmbedder struct {
	delay time.Duration
}

func (s slowEmbedder) Embed(_ context.Context, _ string) ([]float64, error) {
	time.Sleep(s.delay)
	return []float64{1, 0}, nil
}

func TestEngine_DeadlineHoldsWhenBackendsIgnoreContext(t *testing.T) {
	tests := []struct {
		name     string
		searcher storage.Searcher
		embedder retrieval.QueryEmbedder
	}{
		{
			name:     "searcher",
			searcher: stubbornSearcher{delay: time.Second},
			embedder: hashing.New(16),
		},
		{
			name:     "embedder",
			searcher: &fakeSearcher{lexical: []*storage.ScoredDocument{scored("a", 1, time.Now())}},
			embedder: slowEmbedder{delay: time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := retrieval.NewEngine(tt.searcher, tt.embedder, retrieval.Config{Budget: 50 * time.Millisecond})

			started := time.Now()
			hits := e.Retrieve(context.Background(), "t1", "u1", "query", 8)
			assert.NotNil(t, hits)
			assert.Empty(t, hits)
			assert.Less(t, time.Since(started), 500*time.Millisecond)
			assert.Equal(t, int64(1), e.Stats().Timeouts)
			assert.Equal(t, int64(0), e.Stats().Served)
		})
	}
}

func TestEngine_CallerCancellationReturnsEmpty(t *testing.T) {
	e := retrieval.NewEngine(stubbornSearcher{delay: time.Second}, hashing.New(16), retrieval.Config{Budget: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	started := time.Now()
	assert.Empty(t, e.Retrieve(ctx, "t1", "u1", "query", 8))
	assert.Less(t, time.Since(started), 500*time.Millisecond)
	assert.Equal(t, int64(1), e.Stats().Timeouts)
}

func TestEngine_BackendErrorReturnsEmpty(t *testing.T) {
	s := &fakeSearcher{err: model.Transient(errors.New("connection refused"), "search")}
	e := retrieval.NewEngine(s, hashing.New(16), retrieval.Config{})

	hits := e.Retrieve(context.Background(), "t1", "u1", "query", 8)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
	assert.Equal(t, int64(1), e.Stats().Fallbacks)
}

type reverseReranker struct {
	drop string
	err  error
}

func (r reverseReranker) Rerank(_ context.Context, _ string, hits []model.MemoryHit) ([]model.MemoryHit, error) {
	if r.err != nil {
		return nil, r.err
	}
	var out []model.MemoryHit
	for i := len(hits) - 1; i >= 0; i-- {
		if hits[i].DocumentID != r.drop {
			out = append(out, hits[i])
		}
	}
	return out, nil
}

func TestEngine_Rerank(t *testing.T) {
	now := time.Now()
	s := &fakeSearcher{
		lexical: []*storage.ScoredDocument{scored("a", 4, now), scored("b", 3, now), scored("c", 2, now), scored("d", 1, now)},
	}

	t.Run("reranked head, unreturned candidates at the tail", func(t *testing.T) {
		e := retrieval.NewEngine(s, hashing.New(16), retrieval.Config{RerankTopN: 3},
			retrieval.WithReranker(reverseReranker{drop: "b"}))
		hits := e.Retrieve(context.Background(), "t1", "u1", "query", 8)
		assert.Equal(t, []string{"c", "a", "b", "d"}, ids(hits))
		assert.Equal(t, int64(1), e.Stats().Reranked)
	})

	t.Run("failure keeps fused order", func(t *testing.T) {
		e := retrieval.NewEngine(s, hashing.New(16), retrieval.Config{},
			retrieval.WithReranker(reverseReranker{err: errors.New("model down")}))
		hits := e.Retrieve(context.Background(), "t1", "u1", "query", 8)
		assert.Equal(t, []string{"a", "b", "c", "d"}, ids(hits))
		assert.Equal(t, int64(1), e.Stats().RerankFailures)
	})
}

// stallingReranker never answers and ignores ctx.
type stallingReranker struct{}

func (stallingReranker) Rerank(_ context.Context, _ string, hits []model.MemoryHit) ([]model.MemoryHit, error) {
	time.Sleep(time.Second)
	return nil, nil
}

func TestEngine_StalledRerankKeepsFusedOrder(t *testing.T) {
	now := time.Now()
	s := &fakeSearcher{
		lexical: []*storage.ScoredDocument{scored("a", 2, now), scored("b", 1, now)},
	}
	e := retrieval.NewEngine(s, hashing.New(16), retrieval.Config{Budget: 50 * time.Millisecond},
		retrieval.WithReranker(stallingReranker{}))

	started := time.Now()
	hits := e.Retrieve(context.Background(), "t1", "u1", "query", 8)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, ids(hits))
	assert.Equal(t, int64(1), e.Stats().RerankFailures)
}

type stubLLM struct {
	response string
	err      error
}

func (s *stubLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return s.response, s.err
}

func (s *stubLLM) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	return s.response, s.err
}

func (s *stubLLM) Close() error { return nil }

func TestLLMReranker(t *testing.T) {
	hits := []model.MemoryHit{{DocumentID: "a"}, {DocumentID: "b"}, {DocumentID: "c"}}

	r := retrieval.NewLLMReranker(&stubLLM{response: "```json\n{\"order\": [3, 1, 3, 9]}\n```"})
	out, err := r.Rerank(context.Background(), "q", hits)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(out))

	_, err = retrieval.NewLLMReranker(&stubLLM{response: "I cannot help"}).Rerank(context.Background(), "q", hits)
	assert.Error(t, err)
}

func TestLexicalOverlapReranker(t *testing.T) {
	hits := []model.MemoryHit{
		{DocumentID: "a", Text: "likes hiking"},
		{DocumentID: "b", Text: "allergic to shellfish"},
		{DocumentID: "c", Text: "shellfish soup recipe"},
	}
	out, err := retrieval.LexicalOverlapReranker{}.Rerank(context.Background(), "allergic to shellfish", hits)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, ids(out))
}

// Two users in two tenants share a vocabulary. Each only sees their own.
func TestEngine_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	emb := hashing.New(64)
	store, err := sqlite.NewClient(&sqlite.Config{DBPath: filepath.Join(t.TempDir(), "iso.db")})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	for _, owner := range [][2]string{{"acme", "alice"}, {"globex", "alice"}, {"acme", "bob"}} {
		text := owner[0] + " " + owner[1] + " prefers window seats on flights"
		vec, err := emb.Embed(ctx, text)
		require.NoError(t, err)
		require.NoError(t, store.Upsert(ctx, &model.MemoryDocument{
			ID:          owner[0] + "-" + owner[1],
			TenantID:    owner[0],
			UserID:      owner[1],
			Timestamp:   time.Now(),
			Text:        text,
			Vector:      vec,
			ContentHash: owner[0] + owner[1],
		}))
	}

	e := retrieval.NewEngine(store, emb, retrieval.Config{Budget: 2 * time.Second})
	hits := e.Retrieve(ctx, "acme", "alice", "window seats on flights", 8)
	require.Len(t, hits, 1)
	assert.Equal(t, "acme-alice", hits[0].DocumentID)
}

func TestEngine_RecordsTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	})

	now := time.Now()
	fast := retrieval.NewEngine(&fakeSearcher{
		lexical: []*storage.ScoredDocument{scored("a", 1, now)},
	}, hashing.New(16), retrieval.Config{})
	slow := retrieval.NewEngine(stubbornSearcher{delay: 300 * time.Millisecond}, hashing.New(16),
		retrieval.Config{Budget: 20 * time.Millisecond})

	ctx := context.Background()
	require.Len(t, fast.Retrieve(ctx, "acme", "elena", "query", 8), 1)
	require.Empty(t, slow.Retrieve(ctx, "acme", "elena", "query", 8))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	totals := make(map[string]int64)
	var latencyCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					totals[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				if m.Name == "hot_retrieval_latency_ms" {
					for _, dp := range data.DataPoints {
						latencyCount += dp.Count
					}
				}
			}
		}
	}
	assert.Equal(t, int64(2), totals["hot_retrieval_count"])
	assert.Equal(t, int64(1), totals["hot_retrieval_served"])
	assert.Equal(t, int64(1), totals["hot_retrieval_timeout_count"])
	assert.Equal(t, uint64(2), latencyCount)

	var searches []sdktrace.ReadOnlySpan
	names := make(map[string]int)
	for _, span := range recorder.Ended() {
		names[span.Name()]++
		if span.Name() == "retrieval.Search" {
			searches = append(searches, span)
		}
	}
	assert.Equal(t, 2, names["retrieval.Embed"])
	assert.GreaterOrEqual(t, names["retrieval.SearchLexical"], 1)
	require.Len(t, searches, 2)
	assert.Equal(t, codes.Unset, searches[0].Status().Code)
	assert.Equal(t, codes.Error, searches[1].Status().Code)
	assert.Contains(t, searches[1].Status().Description, model.ErrDeadlineExceeded.Error())
}

package ingest_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oceanbase/powermem-hotcold/pkg/deadletter"
	"github.com/oceanbase/powermem-hotcold/pkg/decider"
	"github.com/oceanbase/powermem-hotcold/pkg/embedder"
	"github.com/oceanbase/powermem-hotcold/pkg/embedder/hashing"
	"github.com/oceanbase/powermem-hotcold/pkg/ingest"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/redact"
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

// flakyStore fails the first failUpserts upserts with failErr and records
// the event id of every successful upsert.
type flakyStore struct {
	storage.IndexStore

	mu          sync.Mutex
	failUpserts int
	failErr     error
	upserted    []string
}

func (f *flakyStore) Upsert(ctx context.Context, doc *model.MemoryDocument) error {
	f.mu.Lock()
	if f.failUpserts > 0 {
		f.failUpserts--
		f.mu.Unlock()
		return f.failErr
	}
	id, _ := doc.Metadata["event_id"].(string)
	f.upserted = append(f.upserted, id)
	f.mu.Unlock()
	return f.IndexStore.Upsert(ctx, doc)
}

func (f *flakyStore) upsertedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.upserted...)
}

type fixture struct {
	store    *flakyStore
	sink     *deadletter.MemorySink
	pipeline *ingest.Pipeline
}

func newFixture(t *testing.T, mode model.RedactionMode) *fixture {
	t.Helper()
	return newFixtureWithRedactor(t, redact.New(redact.WithMode(mode)))
}

func newFixtureWithRedactor(t *testing.T, redactor *redact.Redactor) *fixture {
	t.Helper()
	db, err := sqlite.NewClient(&sqlite.Config{DBPath: filepath.Join(t.TempDir(), "mem.db"), EmbeddingModelDims: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	emb, err := embedder.NewClient(hashing.New(64), embedder.ClientConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = emb.Close() })

	store := &flakyStore{IndexStore: db}
	sink := deadletter.NewMemorySink(0)
	p := ingest.NewPipeline(
		redactor,
		decider.New(decider.DefaultConfig(), nil),
		emb,
		store,
		sink,
		ingest.Config{MaxAttempts: 4, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	)
	return &fixture{store: store, sink: sink, pipeline: p}
}

func newEvent(id, text string, ts time.Time) *model.MemoryEvent {
	return &model.MemoryEvent{
		ID:        id,
		TenantID:  "acme",
		UserID:    "elena",
		AgentID:   "concierge",
		Timestamp: ts,
		RawText:   text,
	}
}

func TestPipeline_StoresDurableFact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.ModeMask)

	out := f.pipeline.Process(ctx, newEvent("e1", "My name is Elena, vegetarian, allergic to shellfish.", time.Now()))
	require.NoError(t, out.Err)
	assert.Equal(t, ingest.StateUpserted, out.State)
	assert.True(t, out.State.Terminal())
	assert.Equal(t, 1, out.Attempts)
	require.NotNil(t, out.Decision)
	assert.True(t, out.Decision.Durable)

	hits, err := f.store.SearchLexical(ctx, "acme", "elena", "elena shellfish", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	doc := hits[0].Document
	assert.Equal(t, out.DocumentID, doc.ID)
	assert.Nil(t, doc.ExpiresAt, "durable facts never expire")
	assert.Equal(t, false, doc.Metadata["pii_detected"])
	assert.Len(t, doc.Vector, 64)

	stats := f.pipeline.Stats()
	assert.Equal(t, int64(1), stats.Upserted)
	assert.Equal(t, int64(0), stats.Retries)
}

func TestPipeline_MasksPIIBeforeStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.ModeMask)

	ev := newEvent("e1", "Email me at elena@example.com to confirm.", time.Now())
	ev.ToolOutputs = []string{"sent to elena@example.com"}
	out := f.pipeline.Process(ctx, ev)
	require.Equal(t, ingest.StateUpserted, out.State)

	hits, err := f.store.SearchLexical(ctx, "acme", "elena", "confirm", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	doc := hits[0].Document

	assert.NotContains(t, doc.Text, "@example.com")
	assert.Contains(t, doc.Text, redact.Placeholder(model.PIIEmail))
	assert.Equal(t, true, doc.Metadata["pii_detected"])
	assert.Equal(t, []interface{}{"EMAIL"}, doc.Metadata["pii_types"])
	assert.Equal(t, []interface{}{"sent to [REDACTED:EMAIL]"}, doc.Metadata["tool_outputs"])
	assert.Equal(t, int64(1), f.pipeline.Stats().PIIDetected)
}

func TestPipeline_DuplicateContentCollapses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.ModeMask)
	now := time.Now()

	first := f.pipeline.Process(ctx, newEvent("e1", "I prefer aisle seats on long flights", now.Add(-time.Hour)))
	second := f.pipeline.Process(ctx, newEvent("e2", "i prefer   AISLE seats on long flights", now))

	require.Equal(t, ingest.StateUpserted, first.State)
	require.Equal(t, ingest.StateUpserted, second.State)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, model.ReasonDuplicate, second.Decision.Reason)

	n, err := f.store.Count(ctx, "acme", "elena")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPipeline_ReprocessingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.ModeMask)
	ev := newEvent("e1", "We decided to use the blue logo for the launch", time.Now())

	a := f.pipeline.Process(ctx, ev)
	b := f.pipeline.Process(ctx, ev)
	assert.Equal(t, a.DocumentID, b.DocumentID)

	n, err := f.store.Count(ctx, "acme", "elena")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPipeline_DropsLowSignal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.ModeMask)

	for _, text := range []string{"thanks!", "ok", "short one"} {
		out := f.pipeline.Process(ctx, newEvent("e", text, time.Now()))
		assert.Equal(t, ingest.StateDropped, out.State, text)
		assert.False(t, out.Decision.Keep)
		assert.Empty(t, out.DocumentID)
	}

	n, err := f.store.Count(ctx, "acme", "elena")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(3), f.pipeline.Stats().Dropped)
}

func TestPipeline_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.ModeMask)
	f.store.failUpserts = 2
	f.store.failErr = model.Transient(errors.New("503 service unavailable"), "upsert")

	out := f.pipeline.Process(ctx, newEvent("e1", "I live in Lisbon near the river", time.Now()))
	assert.Equal(t, ingest.StateUpserted, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int64(2), f.pipeline.Stats().Retries)

	n, _ := f.sink.Count(ctx)
	assert.Zero(t, n)
}

func TestPipeline_DeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.ModeMask)
	f.store.failUpserts = 100
	f.store.failErr = model.Transient(errors.New("timeout"), "upsert")

	out := f.pipeline.Process(ctx, newEvent("e1", "I work at a bakery on weekends", time.Now()))
	assert.Equal(t, ingest.StateDeadLettered, out.State)
	assert.Equal(t, 4, out.Attempts)
	assert.True(t, model.IsTransient(out.Err))

	entries, err := f.sink.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "upsert", entries[0].Reason)
	assert.Equal(t, 4, entries[0].Attempts)
	assert.Equal(t, "e1", entries[0].Event.ID)
}

func TestPipeline_PermanentFailuresSkipRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("store rejects document", func(t *testing.T) {
		f := newFixture(t, model.ModeMask)
		f.store.failUpserts = 100
		f.store.failErr = model.Permanent(errors.New("document too large"), "upsert")

		out := f.pipeline.Process(ctx, newEvent("e1", "I always take the train to work", time.Now()))
		assert.Equal(t, ingest.StateDeadLettered, out.State)
		assert.Equal(t, 1, out.Attempts)
		assert.Zero(t, f.pipeline.Stats().Retries)
	})

	t.Run("invalid event", func(t *testing.T) {
		f := newFixture(t, model.ModeMask)
		ev := newEvent("e1", "I always take the train to work", time.Now())
		ev.TenantID = ""

		out := f.pipeline.Process(ctx, ev)
		assert.Equal(t, ingest.StateDeadLettered, out.State)
		assert.ErrorIs(t, out.Err, model.ErrPermanentEvent)

		entries, _ := f.sink.List(ctx, 0)
		require.Len(t, entries, 1)
		assert.Equal(t, "validate", entries[0].Reason)
	})
}

func TestPipeline_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.ModeMask)

	out := f.pipeline.Process(ctx, newEvent("e1", "I prefer tea over coffee in the evening", time.Now()), ingest.DryRun())
	assert.Equal(t, ingest.StateDecided, out.State)
	assert.NotEmpty(t, out.DocumentID)
	assert.True(t, out.Decision.Keep)

	n, err := f.store.Count(ctx, "acme", "elena")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.store.upsertedIDs())
}

func TestPipeline_CancelDuringBackoff(t *testing.T) {
	db, err := sqlite.NewClient(&sqlite.Config{DBPath: filepath.Join(t.TempDir(), "mem.db")})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	emb, err := embedder.NewClient(hashing.New(16), embedder.ClientConfig{})
	require.NoError(t, err)
	defer func() { _ = emb.Close() }()

	store := &flakyStore{IndexStore: db, failUpserts: 100, failErr: model.Transient(errors.New("busy"), "upsert")}
	sink := deadletter.NewMemorySink(0)
	p := ingest.NewPipeline(nil, nil, emb, store, sink, ingest.Config{BaseBackoff: time.Hour, MaxBackoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := p.Process(ctx, newEvent("e1", "I never eat after eight in the evening", time.Now()))
	assert.Equal(t, ingest.StateFailed, out.State)
	assert.False(t, out.State.Terminal())

	n, _ := sink.Count(context.Background())
	assert.Zero(t, n, "interrupted events are redelivered, not dead-lettered")
}

func TestPipeline_VolatileContentExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.ModeMask)
	ts := time.Now()

	out := f.pipeline.Process(ctx, newEvent("e1", "I feel tired this morning after the run", ts))
	require.Equal(t, ingest.StateUpserted, out.State)

	hits, err := f.store.SearchLexical(ctx, "acme", "elena", "tired", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.NotNil(t, hits[0].Document.ExpiresAt)
	assert.WithinDuration(t, ts.Add(decider.DefaultVolatileTTL), *hits[0].Document.ExpiresAt, time.Millisecond)
	assert.False(t, strings.Contains(hits[0].Document.Text, "[REDACTED"))
}

func TestPipeline_RedactionDisabledKeepsToolOutputs(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWithRedactor(t, redact.New(redact.WithEnabled(false)))

	ev := newEvent("e1", "Email me at elena@example.com to confirm.", time.Now())
	ev.ToolOutputs = []string{"sent to elena@example.com"}
	out := f.pipeline.Process(ctx, ev)
	require.Equal(t, ingest.StateUpserted, out.State)

	hits, err := f.store.SearchLexical(ctx, "acme", "elena", "confirm", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	doc := hits[0].Document

	assert.Equal(t, ev.RawText, doc.Text)
	assert.Equal(t, false, doc.Metadata["pii_detected"])
	assert.Equal(t, []interface{}{"sent to elena@example.com"}, doc.Metadata["tool_outputs"])
	assert.Zero(t, f.pipeline.Stats().PIIDetected)
}

func TestPipeline_RecordsTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	})

	ctx := context.Background()
	f := newFixture(t, model.ModeMask)
	f.store.failUpserts = 1
	f.store.failErr = model.Transient(errors.New("503 service unavailable"), "upsert")

	stored := f.pipeline.Process(ctx, newEvent("e1", "I live in Lisbon near the river", time.Now()))
	require.Equal(t, ingest.StateUpserted, stored.State)
	dropped := f.pipeline.Process(ctx, newEvent("e2", "thanks!", time.Now()))
	require.Equal(t, ingest.StateDropped, dropped.State)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	totals := make(map[string]int64)
	latency := make(map[string]uint64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					totals[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					latency[m.Name] += dp.Count
				}
			}
		}
	}
	assert.Equal(t, int64(2), totals["cold_ingest_count"])
	assert.Equal(t, int64(1), totals["cold_ingest_success"])
	assert.Equal(t, int64(1), totals["cold_ingest_dropped"])
	assert.Equal(t, int64(1), totals["cold_ingest_retry"])
	assert.Zero(t, totals["cold_dlq_count"])
	assert.Equal(t, uint64(2), latency["cold_embed_latency_ms"])
	assert.Equal(t, uint64(2), latency["cold_upsert_latency_ms"])

	names := make(map[string]int)
	var failedUpserts int
	for _, span := range recorder.Ended() {
		names[span.Name()]++
		if span.Name() == "ingest.Upsert" && span.Status().Code == codes.Error {
			failedUpserts++
		}
	}
	assert.Equal(t, 2, names["ingest.Process"])
	assert.Equal(t, 2, names["ingest.Embed"])
	assert.Equal(t, 2, names["ingest.Upsert"])
	assert.Equal(t, 1, failedUpserts)
}

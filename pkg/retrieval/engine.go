// Package retrieval implements the HOT read path.
//
// Engine embeds the query, runs lexical and vector search concurrently
// against one user's documents, fuses the two lists with reciprocal rank
// fusion and optionally re-ranks the head. Every call is bounded by a
// budget, and a call that errors or runs out of time returns no hits
// instead of an error, so the agent turn always proceeds.
package retrieval

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/logging"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
	"github.com/oceanbase/powermem-hotcold/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Defaults.
const (
	DefaultK          = 8
	DefaultMinFanOut  = 20
	DefaultRerankTopN = 20
	DefaultBudget     = 250 * time.Millisecond
)

// QueryEmbedder is the part of the embedding client the engine needs.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	K          int
	FanOut     int
	RRFK       int
	RerankTopN int
	Budget     time.Duration
}

// Request is one retrieval call.
type Request struct {
	TenantID string
	UserID   string
	Query    string

	// K overrides Config.K when positive.
	K int

	// FanOut overrides the per-list candidate cap when positive.
	FanOut int
}

// Stats are cumulative counters. The same values are exported as the
// hot_retrieval_* otel instruments.
type Stats struct {
	Requests       int64 `json:"requests"`
	Served         int64 `json:"served"`
	Timeouts       int64 `json:"timeouts"`
	Fallbacks      int64 `json:"fallbacks"`
	Reranked       int64 `json:"reranked"`
	RerankFailures int64 `json:"rerank_failures"`
}

// Engine serves HOT retrieval. It is safe for concurrent use.
type Engine struct {
	searcher storage.Searcher
	embedder QueryEmbedder
	reranker Reranker
	cfg      Config
	tracer   trace.Tracer

	requests       *telemetry.Counter
	served         *telemetry.Counter
	timeouts       *telemetry.Counter
	fallbacks      *telemetry.Counter
	reranked       *telemetry.Counter
	rerankFailures *telemetry.Counter
	latency        *telemetry.Histogram
}

// Option configures an Engine.
type Option func(*Engine)

// WithReranker enables semantic re-ranking of the fused head.
func WithReranker(r Reranker) Option {
	return func(e *Engine) {
		e.reranker = r
	}
}

// NewEngine creates an engine reading through searcher.
func NewEngine(searcher storage.Searcher, embedder QueryEmbedder, cfg Config, opts ...Option) *Engine {
	if cfg.K <= 0 {
		cfg.K = DefaultK
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = DefaultRRFK
	}
	if cfg.RerankTopN <= 0 {
		cfg.RerankTopN = DefaultRerankTopN
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}

	meter := telemetry.Meter("retrieval")
	e := &Engine{
		searcher: searcher,
		embedder: embedder,
		cfg:      cfg,
		tracer:   telemetry.Tracer("retrieval"),

		requests:       telemetry.NewCounter(meter, "hot_retrieval_count", "HOT retrieval calls"),
		served:         telemetry.NewCounter(meter, "hot_retrieval_served", "HOT retrievals answered from the index"),
		timeouts:       telemetry.NewCounter(meter, "hot_retrieval_timeout_count", "HOT retrievals that ran out of budget"),
		fallbacks:      telemetry.NewCounter(meter, "hot_retrieval_fallback_count", "HOT retrievals that failed and returned no memories"),
		reranked:       telemetry.NewCounter(meter, "hot_rerank_count", "Fused results reordered by the re-ranker"),
		rerankFailures: telemetry.NewCounter(meter, "hot_rerank_failure_count", "Re-ranker failures"),
		latency:        telemetry.NewLatencyHistogram(meter, "hot_retrieval_latency_ms", "HOT retrieval latency"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Retrieve returns up to k hits for the user. k <= 0 uses the configured
// default. It never returns an error.
func (e *Engine) Retrieve(ctx context.Context, tenantID, userID, queryText string, k int) []model.MemoryHit {
	return e.Search(ctx, Request{TenantID: tenantID, UserID: userID, Query: queryText, K: k})
}

// Search is Retrieve with per-call overrides.
//
// The engine stops waiting when the budget or ctx ends, even if a backend
// call is still running; its late result is discarded.
func (e *Engine) Search(ctx context.Context, req Request) []model.MemoryHit {
	e.requests.Inc(ctx)

	if strings.TrimSpace(req.Query) == "" || strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.UserID) == "" {
		return []model.MemoryHit{}
	}

	k := req.K
	if k <= 0 {
		k = e.cfg.K
	}
	fanOut := e.fanOut(k, req.FanOut)

	ctx, span := e.tracer.Start(ctx, "retrieval.Search", trace.WithAttributes(
		append(telemetry.Scope(req.TenantID, req.UserID),
			attribute.Int("memory.k", k),
			attribute.Int("memory.fan_out", fanOut),
		)...))
	var spanErr error
	defer func() { telemetry.End(span, spanErr) }()

	traceID := telemetry.TraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	logger := logging.From(ctx).With(
		"trace_id", traceID,
		"tenant_id", req.TenantID,
	)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Budget)
	defer cancel()

	started := time.Now()
	tenant := attribute.String("memory.tenant_id", req.TenantID)
	defer func() { e.latency.Since(ctx, started, tenant) }()

	hits, err := e.await(ctx, req, fanOut)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = goerr.Wrap(model.ErrDeadlineExceeded, "hot retrieval exceeded budget",
				goerr.V("budget", e.cfg.Budget.String()))
			e.timeouts.Inc(ctx, tenant)
			logger.Warn("hot retrieval exceeded budget",
				"budget", e.cfg.Budget,
				"elapsed", time.Since(started),
			)
		} else {
			e.fallbacks.Inc(ctx, tenant)
			logger.Warn("hot retrieval failed, returning no memories", "error", err)
		}
		spanErr = err
		return []model.MemoryHit{}
	}

	if e.reranker != nil && len(hits) > 1 {
		hits = e.rerank(ctx, req.Query, hits)
	}

	if len(hits) > k {
		hits = hits[:k]
	}
	e.served.Inc(ctx, tenant)
	span.SetAttributes(attribute.Int("memory.hits", len(hits)))
	logger.Debug("hot retrieval served",
		"hits", len(hits),
		"fan_out", fanOut,
		"elapsed", time.Since(started),
	)
	return hits
}

type searchResult struct {
	hits []model.MemoryHit
	err  error
}

// await runs search in the background and gives up when ctx ends.
func (e *Engine) await(ctx context.Context, req Request, fanOut int) ([]model.MemoryHit, error) {
	done := make(chan searchResult, 1)
	go func() {
		hits, err := e.search(ctx, req, fanOut)
		done <- searchResult{hits: hits, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return res.hits, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) fanOut(k, override int) int {
	n := override
	if n <= 0 {
		n = e.cfg.FanOut
	}
	if n <= 0 {
		n = 2 * k
		if n < DefaultMinFanOut {
			n = DefaultMinFanOut
		}
	}
	if n <= k {
		n = k + 1
	}
	return n
}

func (e *Engine) search(ctx context.Context, req Request, fanOut int) ([]model.MemoryHit, error) {
	embedCtx, span := e.tracer.Start(ctx, "retrieval.Embed")
	vector, err := e.embedder.Embed(embedCtx, req.Query)
	telemetry.End(span, err)
	if err != nil {
		return nil, err
	}

	var lexical, semantic []*storage.ScoredDocument
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sctx, span := e.tracer.Start(gctx, "retrieval.SearchLexical")
		res, err := e.searcher.SearchLexical(sctx, req.TenantID, req.UserID, req.Query, fanOut)
		span.SetAttributes(attribute.Int("memory.candidates", len(res)))
		telemetry.End(span, err)
		lexical = res
		return err
	})
	g.Go(func() error {
		sctx, span := e.tracer.Start(gctx, "retrieval.SearchVector")
		res, err := e.searcher.SearchVector(sctx, req.TenantID, req.UserID, vector, fanOut)
		span.SetAttributes(attribute.Int("memory.candidates", len(res)))
		telemetry.End(span, err)
		semantic = res
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Fuse(lexical, semantic, e.cfg.RRFK), nil
}

func (e *Engine) rerank(ctx context.Context, query string, hits []model.MemoryHit) []model.MemoryHit {
	n := e.cfg.RerankTopN
	if n > len(hits) {
		n = len(hits)
	}
	head := hits[:n:n]
	tail := hits[n:]

	done := make(chan searchResult, 1)
	go func() {
		reranked, err := e.reranker.Rerank(ctx, query, head)
		done <- searchResult{hits: reranked, err: err}
	}()

	var res searchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil {
		e.rerankFailures.Inc(ctx)
		logging.From(ctx).Warn("rerank failed, keeping fused order", "error", res.err)
		return hits
	}
	e.reranked.Inc(ctx)
	return applyRerank(head, res.hits, tail)
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Requests:       e.requests.Load(),
		Served:         e.served.Load(),
		Timeouts:       e.timeouts.Load(),
		Fallbacks:      e.fallbacks.Load(),
		Reranked:       e.reranked.Load(),
		RerankFailures: e.rerankFailures.Load(),
	}
}

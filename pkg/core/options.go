package core

import (
	"log/slog"

	"github.com/oceanbase/powermem-hotcold/pkg/deadletter"
	"github.com/oceanbase/powermem-hotcold/pkg/embedder"
	"github.com/oceanbase/powermem-hotcold/pkg/llm"
	"github.com/oceanbase/powermem-hotcold/pkg/queue"
	"github.com/oceanbase/powermem-hotcold/pkg/retrieval"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
)

// RetrieveOption is a function type for configuring Retrieve calls.
//
// Options are applied using the functional options pattern, allowing
// flexible configuration without requiring all parameters.
type RetrieveOption func(*RetrieveOptions)

// RetrieveOptions contains configuration options for Retrieve calls.
type RetrieveOptions struct {
	// K is the number of hits to return. Zero uses the configured default.
	K int

	// FanOut is the per-list candidate cap. Zero uses max(2k, 20).
	FanOut int
}

// WithK sets the number of hits to return.
//
// Example:
//
//	hits := client.Retrieve(ctx, "acme", "user_001", "dietary needs", core.WithK(3))
func WithK(k int) RetrieveOption {
	return func(opts *RetrieveOptions) {
		opts.K = k
	}
}

// WithFanOut sets how many candidates each search list contributes before
// fusion. Values not greater than k are raised.
func WithFanOut(fanOut int) RetrieveOption {
	return func(opts *RetrieveOptions) {
		opts.FanOut = fanOut
	}
}

// BackfillOption is a function type for configuring Backfill calls.
type BackfillOption func(*BackfillOptions)

// BackfillOptions contains configuration options for Backfill calls.
type BackfillOptions struct {
	// DryRun redacts and decides without embedding or writing.
	DryRun bool

	// Concurrency is the number of parallel lanes. Per-user order holds
	// at any value.
	Concurrency int
}

// WithDryRun reports what a backfill would store without writing.
//
// Example:
//
//	report, _ := client.Backfill(ctx, events, core.WithDryRun(true))
func WithDryRun(dryRun bool) BackfillOption {
	return func(opts *BackfillOptions) {
		opts.DryRun = dryRun
	}
}

// WithConcurrency sets the number of backfill lanes.
func WithConcurrency(n int) BackfillOption {
	return func(opts *BackfillOptions) {
		opts.Concurrency = n
	}
}

// ClientOption customises NewClient. Injected components replace the ones
// the configuration would build; the client closes them on Close.
type ClientOption func(*clientOptions)

type clientOptions struct {
	store    storage.IndexStore
	embedder embedder.Provider
	llm      llm.Provider
	queue    queue.Queue
	sink     deadletter.Sink
	reranker retrieval.Reranker
	logger   *slog.Logger
}

// WithStore injects the index store.
func WithStore(store storage.IndexStore) ClientOption {
	return func(opts *clientOptions) {
		opts.store = store
	}
}

// WithEmbedder injects the embedding provider. It is still wrapped by the
// caching, rate-limited embedder.Client.
func WithEmbedder(provider embedder.Provider) ClientOption {
	return func(opts *clientOptions) {
		opts.embedder = provider
	}
}

// WithLLM injects the LLM provider used for rerank and decider assist.
func WithLLM(provider llm.Provider) ClientOption {
	return func(opts *clientOptions) {
		opts.llm = provider
	}
}

// WithQueue injects the ingestion queue.
func WithQueue(q queue.Queue) ClientOption {
	return func(opts *clientOptions) {
		opts.queue = q
	}
}

// WithDeadLetterSink injects the dead-letter sink.
func WithDeadLetterSink(sink deadletter.Sink) ClientOption {
	return func(opts *clientOptions) {
		opts.sink = sink
	}
}

// WithReranker injects the HOT reranker. It is only used when semantic
// rerank is enabled.
func WithReranker(r retrieval.Reranker) ClientOption {
	return func(opts *clientOptions) {
		opts.reranker = r
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(opts *clientOptions) {
		opts.logger = logger
	}
}

func applyRetrieveOptions(opts []RetrieveOption) *RetrieveOptions {
	o := &RetrieveOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func applyBackfillOptions(opts []BackfillOption) *BackfillOptions {
	o := &BackfillOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func applyClientOptions(opts []ClientOption) *clientOptions {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

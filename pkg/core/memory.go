package core

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oceanbase/powermem-hotcold/pkg/deadletter"
	sqliteSink "github.com/oceanbase/powermem-hotcold/pkg/deadletter/sqlite"
	"github.com/oceanbase/powermem-hotcold/pkg/decider"
	"github.com/oceanbase/powermem-hotcold/pkg/embedder"
	"github.com/oceanbase/powermem-hotcold/pkg/embedder/hashing"
	ollamaEmbedder "github.com/oceanbase/powermem-hotcold/pkg/embedder/ollama"
	openaiEmbedder "github.com/oceanbase/powermem-hotcold/pkg/embedder/openai"
	"github.com/oceanbase/powermem-hotcold/pkg/ingest"
	"github.com/oceanbase/powermem-hotcold/pkg/llm"
	ollamaLLM "github.com/oceanbase/powermem-hotcold/pkg/llm/ollama"
	openaiLLM "github.com/oceanbase/powermem-hotcold/pkg/llm/openai"
	"github.com/oceanbase/powermem-hotcold/pkg/logging"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/queue"
	"github.com/oceanbase/powermem-hotcold/pkg/redact"
	"github.com/oceanbase/powermem-hotcold/pkg/retrieval"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
	"github.com/oceanbase/powermem-hotcold/pkg/storage/oceanbase"
	postgresStore "github.com/oceanbase/powermem-hotcold/pkg/storage/postgres"
	sqliteStore "github.com/oceanbase/powermem-hotcold/pkg/storage/sqlite"
	"github.com/oceanbase/powermem-hotcold/pkg/telemetry"
)

// Client is the PowerMem HOT/COLD memory client.
//
// It provides:
//   - Retrieve: bounded, read-only HOT retrieval for a live request
//   - EnqueueWrite: fire-and-forget COLD ingestion through a partitioned queue
//   - Backfill: synchronous replay of historical events
//   - DeleteUserMemories, SweepExpired, DeadLetters: operator surface
//
// The client is thread-safe and can be used concurrently from multiple goroutines.
//
// Example usage:
//
//	config, _ := core.LoadConfigFromEnv()
//	client, _ := core.NewClient(config)
//	defer client.Close()
//	_ = client.Start(ctx)
//
//	hits := client.Retrieve(ctx, "acme", "user_001", "What do you remember about me?")
//	client.EnqueueWrite(ctx, core.NewEvent("acme", "user_001", "concierge",
//	    "I'm vegetarian and allergic to shellfish"))
type Client struct {
	// config contains the client configuration.
	config *Config

	// store is the index store for memory persistence.
	store storage.IndexStore

	// llm is the optional LLM provider for rerank and decider assist.
	llm llm.Provider

	// embedder is the shared caching embedding client.
	embedder *embedder.Client

	queue    queue.Queue
	sink     deadletter.Sink
	engine   *retrieval.Engine
	pipeline *ingest.Pipeline
	workers  *ingest.WorkerPool
	sweeper  *ingest.Sweeper

	// snowflakeNode generates ids for events submitted without one.
	snowflakeNode *snowflake.Node

	logger *slog.Logger

	enqueued *telemetry.Counter
	rejected *telemetry.Counter
	disabled *telemetry.Counter

	// mu protects the lifecycle fields below.
	mu      sync.Mutex
	started bool
	closed  bool
}

// NewClient creates a new PowerMem client.
//
// The client is initialized with:
//   - Index store (SQLite, OceanBase, or PostgreSQL)
//   - Embedding provider (OpenAI, Ollama, or the local hashing embedder)
//   - LLM provider (optional: OpenAI-compatible or Ollama)
//   - Ingestion queue, dead-letter sink, workers and TTL sweeper
//
// Workers do not run until Start is called.
//
// Parameters:
//   - cfg: Configuration containing storage, embedding and feature settings
//   - opts: Components to inject instead of building them from cfg
//
// Returns a new Client instance, or an error if initialization fails.
func NewClient(cfg *Config, opts ...ClientOption) (client *Client, err error) {
	if cfg == nil {
		return nil, NewMemoryError("NewClient", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyClientOptions(opts)

	logger := o.logger
	if logger == nil {
		logger = logging.New(cfg.LogLevel, os.Stderr)
	}

	// Release what was built so far if a later step fails.
	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	// Initialize Embedder
	provider := o.embedder
	if provider == nil {
		if provider, err = initEmbedder(cfg.Embedder); err != nil {
			return nil, err
		}
	}
	emb, err := embedder.NewClient(provider, embedder.ClientConfig{
		MaxConcurrency: cfg.Embedder.MaxConcurrency,
		CacheSize:      cfg.Embedder.CacheSize,
	})
	if err != nil {
		_ = provider.Close()
		return nil, NewMemoryError("NewClient", err)
	}
	closers = append(closers, emb)

	// Initialize storage; the vector width follows the embedder.
	store := o.store
	if store == nil {
		if store, err = initStorage(cfg.VectorStore, emb.Dimensions()); err != nil {
			return nil, err
		}
	}
	closers = append(closers, store)

	// Initialize LLM (optional)
	llmProvider := o.llm
	if llmProvider == nil && cfg.LLM.Provider != "" {
		if llmProvider, err = initLLM(cfg.LLM); err != nil {
			return nil, err
		}
	}
	if llmProvider != nil {
		closers = append(closers, llmProvider)
	}

	sink := o.sink
	if sink == nil {
		if sink, err = initSink(cfg.Ingest); err != nil {
			return nil, err
		}
	}
	closers = append(closers, sink)

	q := o.queue
	if q == nil {
		q = queue.NewMemoryQueue(cfg.Ingest.Workers, cfg.Ingest.QueueBuffer)
	}
	closers = append(closers, q)

	// Initialize Snowflake ID generator
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, NewMemoryError("NewClient", err)
	}

	sweeper, err := ingest.NewSweeper(store, cfg.Ingest.SweepSchedule)
	if err != nil {
		return nil, NewMemoryError("NewClient", err)
	}

	redactor := redact.New(
		redact.WithEnabled(cfg.Flags.PIIRedactionEnabled),
		redact.WithMode(model.ParseRedactionMode(cfg.Ingest.RedactionMode)),
	)
	deciderConfig := decider.DefaultConfig()
	deciderConfig.LLMEnabled = cfg.Flags.DeciderLLMEnabled

	pipeline := ingest.NewPipeline(
		redactor,
		decider.New(deciderConfig, llmProvider),
		emb,
		store,
		sink,
		ingest.Config{
			MaxAttempts: cfg.Ingest.MaxAttempts,
			BaseBackoff: time.Duration(cfg.Ingest.BaseBackoffMS) * time.Millisecond,
		},
	)

	var engineOpts []retrieval.Option
	if cfg.Flags.SemanticRerankEnabled {
		reranker := o.reranker
		switch {
		case reranker != nil:
		case llmProvider != nil:
			reranker = retrieval.NewLLMReranker(llmProvider)
		default:
			reranker = retrieval.LexicalOverlapReranker{}
		}
		engineOpts = append(engineOpts, retrieval.WithReranker(reranker))
	}
	engine := retrieval.NewEngine(store, emb, retrieval.Config{
		K:          cfg.Retrieval.K,
		FanOut:     cfg.Retrieval.FanOut,
		RRFK:       cfg.Retrieval.RRFK,
		RerankTopN: cfg.Retrieval.RerankTopN,
		Budget:     time.Duration(cfg.Retrieval.BudgetMS) * time.Millisecond,
	}, engineOpts...)

	meter := telemetry.Meter("core")
	return &Client{
		enqueued:      telemetry.NewCounter(meter, "memory_enqueued", "Memory events accepted by the ingestion queue"),
		rejected:      telemetry.NewCounter(meter, "memory_rejected", "Memory events dropped at enqueue"),
		disabled:      telemetry.NewCounter(meter, "memory_disabled", "Calls short-circuited by feature flags"),
		config:        cfg,
		store:         store,
		llm:           llmProvider,
		embedder:      emb,
		queue:         q,
		sink:          sink,
		engine:        engine,
		pipeline:      pipeline,
		workers:       ingest.NewWorkerPool(q, pipeline),
		sweeper:       sweeper,
		snowflakeNode: node,
		logger:        logger,
	}, nil
}

// Start launches the ingestion workers and the TTL sweeper. Events
// enqueued before Start wait in the queue. Start is a no-op when memory or
// COLD ingestion is disabled, and when already started.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return NewMemoryError("Start", ErrClosed)
	}
	if c.started {
		return nil
	}
	if !c.config.Flags.MemoryEnabled || !c.config.Flags.ColdIngestEnabled {
		c.logger.Info("cold ingestion disabled, workers not started")
		return nil
	}

	ctx = logging.With(ctx, c.logger)
	if err := c.sweeper.Start(ctx); err != nil {
		return NewMemoryError("Start", err)
	}
	c.workers.Start(ctx)
	c.started = true
	return nil
}

// EnqueueWrite submits an event for COLD ingestion and returns at once.
//
// A missing ID and SourceMessageID are assigned from the snowflake node and
// a zero Timestamp becomes now. The caller's event is not modified. When
// memory or COLD ingestion is disabled, or the queue is full, the event is
// dropped and logged; nothing is reported to the caller.
//
// Example:
//
//	client.EnqueueWrite(ctx, &core.MemoryEvent{
//	    TenantID: "acme",
//	    UserID:   "user_001",
//	    RawText:  "My name is Elena, vegetarian, allergic to shellfish.",
//	})
func (c *Client) EnqueueWrite(ctx context.Context, event *MemoryEvent) {
	if event == nil {
		return
	}
	if !c.config.Flags.MemoryEnabled || !c.config.Flags.ColdIngestEnabled {
		c.disabled.Inc(ctx)
		c.logger.Debug("cold ingestion disabled, event dropped", "tenant_id", event.TenantID)
		return
	}

	ev := *event
	if ev.ID == "" {
		ev.ID = c.snowflakeNode.Generate().String()
	}
	if ev.SourceMessageID == "" {
		ev.SourceMessageID = ev.ID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := c.queue.Publish(ctx, &ev); err != nil {
		c.rejected.Inc(ctx, telemetry.Scope(ev.TenantID, ev.UserID)...)
		c.logger.Warn("memory event dropped at enqueue",
			"event_id", ev.ID, "tenant_id", ev.TenantID, "error", err)
		return
	}
	c.enqueued.Inc(ctx, telemetry.Scope(ev.TenantID, ev.UserID)...)
}

// Retrieve returns up to k memories relevant to queryText for one user.
//
// It never fails: backend errors and the HOT budget yield an empty slice,
// and so do disabled feature flags. Hits are ordered by fused relevance.
//
// Parameters:
//   - ctx: Context for cancellation; its deadline tightens the HOT budget
//   - tenantID, userID: Required scope
//   - queryText: The user's current message
//   - opts: WithK, WithFanOut
//
// Example:
//
//	hits := client.Retrieve(ctx, "acme", "user_001", "What do you remember about me?",
//	    core.WithK(5))
func (c *Client) Retrieve(ctx context.Context, tenantID, userID, queryText string, opts ...RetrieveOption) []MemoryHit {
	if !c.config.Flags.MemoryEnabled || !c.config.Flags.HotRetrievalEnabled {
		c.disabled.Inc(ctx)
		return []MemoryHit{}
	}
	o := applyRetrieveOptions(opts)
	return c.engine.Search(logging.With(ctx, c.logger), retrieval.Request{
		TenantID: tenantID,
		UserID:   userID,
		Query:    queryText,
		K:        o.K,
		FanOut:   o.FanOut,
	})
}

// RetrieveContext is Retrieve formatted as a block ready to inject into a
// prompt. It returns "" when nothing was found.
func (c *Client) RetrieveContext(ctx context.Context, tenantID, userID, queryText string, opts ...RetrieveOption) string {
	return FormatHits(c.Retrieve(ctx, tenantID, userID, queryText, opts...))
}

// DeleteUserMemories removes every stored memory of one user and returns
// how many were deleted. Events still queued for the user are not affected.
func (c *Client) DeleteUserMemories(ctx context.Context, tenantID, userID string) (int64, error) {
	n, err := c.store.DeleteByUser(ctx, tenantID, userID)
	if err != nil {
		return 0, NewMemoryError("DeleteUserMemories", err)
	}
	c.logger.Info("user memories deleted", "tenant_id", tenantID, "deleted", n)
	return n, nil
}

// Backfill replays historical events through the COLD pipeline and waits
// for the result. Unlike EnqueueWrite it bypasses the queue, so it works
// without Start. Decode errors carried by events are counted as errors.
//
// Example:
//
//	f, _ := os.Open("history.jsonl")
//	report, err := client.Backfill(ctx, ingest.ReadJSONL(f), core.WithDryRun(true))
func (c *Client) Backfill(ctx context.Context, events iter.Seq2[*MemoryEvent, error], opts ...BackfillOption) (*BackfillReport, error) {
	if !c.config.Flags.MemoryEnabled {
		c.disabled.Inc(ctx)
		return nil, NewMemoryError("Backfill", ErrMemoryDisabled)
	}
	o := applyBackfillOptions(opts)

	ctx = logging.With(ctx, c.logger)
	report := ingest.Backfill(ctx, c.pipeline, events, ingest.BackfillOptions{
		DryRun:      o.DryRun,
		Concurrency: o.Concurrency,
	})
	if err := ctx.Err(); err != nil {
		return report, NewMemoryError("Backfill", err)
	}
	c.logger.Info("backfill finished",
		"total", report.Total, "stored", report.Stored, "skipped", report.Skipped,
		"dead_lettered", report.DeadLettered, "errors", report.Errors, "dry_run", report.DryRun)
	return report, nil
}

// BackfillEvents is Backfill over a slice.
func (c *Client) BackfillEvents(ctx context.Context, events []*MemoryEvent, opts ...BackfillOption) (*BackfillReport, error) {
	return c.Backfill(ctx, ingest.Events(events), opts...)
}

// SweepExpired deletes documents whose TTL has passed and returns how many
// were removed. The sweeper also runs this on its schedule after Start.
func (c *Client) SweepExpired(ctx context.Context) (int64, error) {
	n, err := c.sweeper.Sweep(ctx)
	if err != nil {
		return 0, NewMemoryError("SweepExpired", err)
	}
	return n, nil
}

// DeadLetters lists up to limit dead-lettered events, newest first.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	entries, err := c.sink.List(ctx, limit)
	if err != nil {
		return nil, NewMemoryError("DeadLetters", err)
	}
	return entries, nil
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		Enqueued:  c.enqueued.Load(),
		Rejected:  c.rejected.Load(),
		Disabled:  c.disabled.Load(),
		Retrieval: c.engine.Stats(),
		Ingest:    c.pipeline.Stats(),
		Workers:   c.workers.Stats(),
		Swept:     c.sweeper.Removed(),
	}
}

// Close drains the queue, stops background work and releases all resources.
//
// This method:
//   - Stops the TTL sweeper
//   - Closes the queue and waits for workers to finish buffered events
//   - Closes the dead-letter sink, index store, LLM and embedder
//
// Returns the joined cleanup errors, or nil if all resources were closed
// successfully.
//
// Example:
//
//	defer client.Close()
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	var errs []error

	c.sweeper.Stop()
	if err := c.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if started {
		c.workers.Wait()
	}
	c.embedder.Wait()

	if err := c.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.llm != nil {
		if err := c.llm.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.embedder.Close(); err != nil {
		errs = append(errs, err)
	}

	return NewMemoryError("Close", errors.Join(errs...))
}

// initStorage initializes the index store.
func initStorage(cfg VectorStoreConfig, dims int) (storage.IndexStore, error) {
	var (
		store storage.IndexStore
		err   error
	)
	switch cfg.Provider {
	case "oceanbase":
		store, err = oceanbase.NewClient(&oceanbase.Config{
			Host:               configString(cfg.Config, "host", "127.0.0.1"),
			Port:               configInt(cfg.Config, "port", 2881),
			User:               configString(cfg.Config, "user", "root@sys"),
			Password:           configString(cfg.Config, "password", ""),
			DBName:             configString(cfg.Config, "db_name", "powermem"),
			CollectionName:     configString(cfg.Config, "collection_name", ""),
			EmbeddingModelDims: dims,
		})
	case "sqlite":
		store, err = sqliteStore.NewClient(&sqliteStore.Config{
			DBPath:             configString(cfg.Config, "db_path", "./powermem.db"),
			CollectionName:     configString(cfg.Config, "collection_name", ""),
			EmbeddingModelDims: dims,
		})
	case "postgres":
		store, err = postgresStore.NewClient(&postgresStore.Config{
			DSN:                configString(cfg.Config, "dsn", ""),
			Host:               configString(cfg.Config, "host", "localhost"),
			Port:               configInt(cfg.Config, "port", 5432),
			User:               configString(cfg.Config, "user", "postgres"),
			Password:           configString(cfg.Config, "password", ""),
			DBName:             configString(cfg.Config, "db_name", "powermem"),
			SSLMode:            configString(cfg.Config, "ssl_mode", "disable"),
			CollectionName:     configString(cfg.Config, "collection_name", ""),
			EmbeddingModelDims: dims,
		})
	default:
		return nil, NewMemoryError("initStorage", ErrInvalidConfig)
	}
	if err != nil {
		return nil, NewMemoryError("initStorage", err)
	}
	return store, nil
}

// initLLM initializes the LLM provider.
func initLLM(cfg LLMConfig) (llm.Provider, error) {
	var (
		provider llm.Provider
		err      error
	)
	switch cfg.Provider {
	case "openai":
		provider, err = openaiLLM.NewClient(&openaiLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "ollama":
		provider, err = ollamaLLM.NewClient(&ollamaLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, NewMemoryError("initLLM", ErrInvalidConfig)
	}
	if err != nil {
		return nil, NewMemoryError("initLLM", err)
	}
	return provider, nil
}

// initEmbedder initializes the embedder provider.
func initEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	var (
		provider embedder.Provider
		err      error
	)
	switch cfg.Provider {
	case "openai":
		provider, err = openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	case "ollama":
		provider, err = ollamaEmbedder.NewClient(&ollamaEmbedder.Config{
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	case "hashing":
		provider = hashing.New(cfg.Dimensions)
	default:
		return nil, NewMemoryError("initEmbedder", ErrInvalidConfig)
	}
	if err != nil {
		return nil, NewMemoryError("initEmbedder", err)
	}
	return provider, nil
}

// initSink opens the SQLite dead-letter sink when a path is configured and
// falls back to the bounded in-memory sink.
func initSink(cfg IngestConfig) (deadletter.Sink, error) {
	if cfg.DeadLetterPath == "" {
		return deadletter.NewMemorySink(0), nil
	}
	sink, err := sqliteSink.NewSink(&sqliteSink.Config{DBPath: cfg.DeadLetterPath})
	if err != nil {
		return nil, NewMemoryError("initSink", err)
	}
	return sink, nil
}

// configString reads a string from a provider config map.
func configString(m map[string]interface{}, key, defaultValue string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return defaultValue
}

// configInt reads an integer from a provider config map. YAML and JSON
// decoding produce different numeric types, and env values may be strings.
func configInt(m map[string]interface{}, key string, defaultValue int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

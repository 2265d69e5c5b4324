// Package ingest implements the COLD write path.
//
// A Pipeline takes one MemoryEvent through redaction, the retention
// decision, embedding and the index upsert. Transient failures are retried
// with exponential backoff; events that cannot be stored end in the
// dead-letter sink. Re-processing an event is idempotent because document
// ids are derived from the event's content.
package ingest

import (
	"context"
	"math/rand"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oceanbase/powermem-hotcold/pkg/deadletter"
	"github.com/oceanbase/powermem-hotcold/pkg/decider"
	"github.com/oceanbase/powermem-hotcold/pkg/logging"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/redact"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
	"github.com/oceanbase/powermem-hotcold/pkg/telemetry"
)

// State is a step of the per-event state machine.
type State string

const (
	StateReceived     State = "received"
	StateRedacted     State = "redacted"
	StateDecided      State = "decided"
	StateDropped      State = "dropped"
	StateEmbedded     State = "embedded"
	StateUpserted     State = "upserted"
	StateFailed       State = "failed"
	StateRetrying     State = "retrying"
	StateDeadLettered State = "dead_lettered"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateDropped, StateUpserted, StateDeadLettered:
		return true
	}
	return false
}

// Stage names the step an error came from. It becomes the dead-letter reason.
const (
	stageValidate = "validate"
	stageLookup   = "lookup"
	stageEmbed    = "embed"
	stageUpsert   = "upsert"
)

// Defaults for retry behaviour.
const (
	DefaultMaxAttempts = 4
	DefaultBaseBackoff = 200 * time.Millisecond
	DefaultMaxBackoff  = 10 * time.Second
)

// Embedder is the part of the embedding client the pipeline needs.
type Embedder interface {
	EmbedKeyed(ctx context.Context, key, text string) ([]float64, error)
}

// Config tunes retries. Zero values take the defaults.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Outcome is the result of processing one event.
type Outcome struct {
	EventID    string
	State      State
	Decision   *model.MemoryDecision
	DocumentID string
	Attempts   int

	// Err is the final error for Failed and DeadLettered outcomes.
	Err error
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Processed    int64 `json:"processed"`
	Upserted     int64 `json:"upserted"`
	Dropped      int64 `json:"dropped"`
	Retries      int64 `json:"retries"`
	DeadLettered int64 `json:"dead_lettered"`
	Failed       int64 `json:"failed"`
	PIIDetected  int64 `json:"pii_detected"`
}

// ProcessOption modifies a single Process call.
type ProcessOption func(*processOptions)

type processOptions struct {
	dryRun bool
}

// DryRun runs redaction and the decision only. Nothing is embedded or
// written, and failures are not dead-lettered.
func DryRun() ProcessOption {
	return func(o *processOptions) {
		o.dryRun = true
	}
}

// Pipeline processes memory events. It is safe for concurrent use, but
// callers must serialise events of the same user to keep their order.
type Pipeline struct {
	redactor *redact.Redactor
	decider  *decider.Decider
	embedder Embedder
	store    storage.IndexStore
	sink     deadletter.Sink
	cfg      Config

	tracer trace.Tracer

	processed     *telemetry.Counter
	upserted      *telemetry.Counter
	dropped       *telemetry.Counter
	retries       *telemetry.Counter
	deadLettered  *telemetry.Counter
	failed        *telemetry.Counter
	piiDetected   *telemetry.Counter
	embedLatency  *telemetry.Histogram
	upsertLatency *telemetry.Histogram
}

// NewPipeline wires the pipeline stages.
func NewPipeline(
	redactor *redact.Redactor,
	dec *decider.Decider,
	embedder Embedder,
	store storage.IndexStore,
	sink deadletter.Sink,
	cfg Config,
) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if redactor == nil {
		redactor = redact.New()
	}
	if dec == nil {
		dec = decider.New(decider.DefaultConfig(), nil)
	}
	if sink == nil {
		sink = deadletter.NewMemorySink(0)
	}

	meter := telemetry.Meter("ingest")
	return &Pipeline{
		redactor: redactor,
		decider:  dec,
		embedder: embedder,
		store:    store,
		sink:     sink,
		cfg:      cfg,
		tracer:   telemetry.Tracer("ingest"),

		processed:     telemetry.NewCounter(meter, "cold_ingest_count", "Memory events taken by the COLD pipeline"),
		upserted:      telemetry.NewCounter(meter, "cold_ingest_success", "Memory events written to the index"),
		dropped:       telemetry.NewCounter(meter, "cold_ingest_dropped", "Memory events the decider did not keep"),
		retries:       telemetry.NewCounter(meter, "cold_ingest_retry", "Retry attempts after transient failures"),
		deadLettered:  telemetry.NewCounter(meter, "cold_dlq_count", "Memory events sent to the dead-letter sink"),
		failed:        telemetry.NewCounter(meter, "cold_ingest_failure", "Memory events abandoned on context end"),
		piiDetected:   telemetry.NewCounter(meter, "cold_pii_detected", "Memory events with PII found by redaction"),
		embedLatency:  telemetry.NewLatencyHistogram(meter, "cold_embed_latency_ms", "Embedding latency per attempt"),
		upsertLatency: telemetry.NewLatencyHistogram(meter, "cold_upsert_latency_ms", "Index upsert latency per attempt"),
	}
}

// Process drives event to a terminal state.
//
// A Failed outcome is only returned when ctx ends before the event reached
// a terminal state; the caller should redeliver it.
func (p *Pipeline) Process(ctx context.Context, event *model.MemoryEvent, opts ...ProcessOption) (out Outcome) {
	var po processOptions
	for _, opt := range opts {
		opt(&po)
	}

	var attrs []attribute.KeyValue
	if event != nil {
		attrs = append(telemetry.Scope(event.TenantID, event.UserID), attribute.String("memory.event_id", event.ID))
	}
	ctx, span := p.tracer.Start(ctx, "ingest.Process", trace.WithAttributes(attrs...))
	defer func() {
		span.SetAttributes(
			attribute.String("memory.state", string(out.State)),
			attribute.Int("memory.attempts", out.Attempts),
			attribute.Bool("memory.dry_run", po.dryRun),
		)
		telemetry.End(span, out.Err)
	}()

	p.processed.Inc(ctx)
	out = Outcome{State: StateReceived}
	if event != nil {
		out.EventID = event.ID
	}

	logger := logging.From(ctx)
	if event != nil {
		logger = logger.With("event_id", event.ID, "tenant_id", event.TenantID)
	}
	transition := func(s State) {
		out.State = s
		logger.Debug("memory event transition", "state", string(s), "attempt", out.Attempts)
	}

	if err := event.Validate(); err != nil {
		out.Attempts = 1
		if po.dryRun {
			out.State = StateFailed
			out.Err = err
			return out
		}
		return p.deadLetter(ctx, out, event, stageValidate, err)
	}

	redacted := p.redactor.RedactEvent(*event)
	if redacted.PIIDetected {
		p.piiDetected.Inc(ctx)
	}
	transition(StateRedacted)

	for attempt := 1; ; attempt++ {
		out.Attempts = attempt

		stage, err := p.attempt(ctx, &redacted, &out, po, transition)
		if err == nil {
			switch out.State {
			case StateUpserted:
				p.upserted.Inc(ctx)
			case StateDropped:
				p.dropped.Inc(ctx)
			}
			return out
		}

		if ctx.Err() != nil {
			p.failed.Inc(ctx)
			out.Err = err
			transition(StateFailed)
			return out
		}

		if po.dryRun {
			out.Err = err
			transition(StateFailed)
			return out
		}

		if !model.IsTransient(err) {
			logger.Warn("memory event failed permanently", "stage", stage, "error", err)
			return p.deadLetter(ctx, out, event, stage, err)
		}
		if attempt >= p.cfg.MaxAttempts {
			logger.Warn("memory event exhausted retries", "stage", stage, "attempts", attempt, "error", err)
			return p.deadLetter(ctx, out, event, stage, err)
		}

		transition(StateRetrying)
		p.retries.Inc(ctx)
		delay := p.backoff(attempt)
		logger.Info("retrying memory event", "stage", stage, "attempt", attempt, "delay", delay, "error", err)

		if err := sleepContext(ctx, delay); err != nil {
			p.failed.Inc(ctx)
			out.Err = err
			transition(StateFailed)
			return out
		}
	}
}

// attempt runs the retryable part of the pipeline once.
func (p *Pipeline) attempt(
	ctx context.Context,
	ev *model.RedactedEvent,
	out *Outcome,
	po processOptions,
	transition func(State),
) (string, error) {
	contentHash := decider.ContentHash(ev.TenantID, ev.UserID, ev.RedactedText)

	var (
		existingID string
		seen       bool
	)
	if p.store != nil {
		id, found, err := p.store.LookupContentHash(ctx, ev.TenantID, ev.UserID, contentHash)
		if err != nil {
			return stageLookup, err
		}
		existingID, seen = id, found
	}

	decision := p.decider.Decide(ctx, ev.TenantID, ev.UserID, ev.RedactedText, decider.HistorySignal{
		Tags:       ev.Tags,
		SeenBefore: seen,
	})
	out.Decision = &decision
	transition(StateDecided)

	if !decision.Keep {
		transition(StateDropped)
		return "", nil
	}

	docID := model.DocumentID(ev.TenantID, ev.UserID, ev.AgentID, ev.Timestamp, decision.ContentHash)
	if seen {
		docID = existingID
	}
	out.DocumentID = docID

	if po.dryRun {
		return "", nil
	}

	vector, err := p.embed(ctx, decision.ContentHash, ev.RedactedText)
	if err != nil {
		return stageEmbed, err
	}
	transition(StateEmbedded)

	doc := p.buildDocument(ev, &decision, docID, vector)
	if err := p.upsert(ctx, doc); err != nil {
		return stageUpsert, err
	}
	transition(StateUpserted)
	return "", nil
}

func (p *Pipeline) embed(ctx context.Context, key, text string) (vector []float64, err error) {
	ctx, span := p.tracer.Start(ctx, "ingest.Embed")
	defer func() { telemetry.End(span, err) }()
	defer p.embedLatency.Since(ctx, time.Now())

	vector, err = p.embedder.EmbedKeyed(ctx, key, text)
	if err == nil {
		span.SetAttributes(attribute.Int("memory.dimension", len(vector)))
	}
	return vector, err
}

func (p *Pipeline) upsert(ctx context.Context, doc *model.MemoryDocument) (err error) {
	ctx, span := p.tracer.Start(ctx, "ingest.Upsert", trace.WithAttributes(attribute.String("memory.document_id", doc.ID)))
	defer func() { telemetry.End(span, err) }()
	defer p.upsertLatency.Since(ctx, time.Now())

	return p.store.Upsert(ctx, doc)
}

func (p *Pipeline) buildDocument(ev *model.RedactedEvent, decision *model.MemoryDecision, id string, vector []float64) *model.MemoryDocument {
	metadata := map[string]interface{}{
		"decision_reason": decision.Reason,
		"durable":         decision.Durable,
		"confidence":      decision.Confidence,
		"pii_detected":    ev.PIIDetected || ev.PIISuspected,
	}
	if types := ev.PIITypes(); len(types) > 0 {
		metadata["pii_types"] = types
	}
	if ev.SourceMessageID != "" {
		metadata["source_message_id"] = ev.SourceMessageID
	}
	if ev.ID != "" {
		metadata["event_id"] = ev.ID
	}
	if len(ev.ToolOutputs) > 0 {
		outputs := make([]string, len(ev.ToolOutputs))
		for i, o := range ev.ToolOutputs {
			outputs[i] = p.redactor.RedactText(o).RedactedText
		}
		metadata["tool_outputs"] = outputs
	}

	return &model.MemoryDocument{
		ID:          id,
		TenantID:    ev.TenantID,
		UserID:      ev.UserID,
		AgentID:     ev.AgentID,
		Timestamp:   ev.Timestamp.UTC(),
		Text:        ev.RedactedText,
		Tags:        ev.Tags,
		Vector:      vector,
		Metadata:    metadata,
		ExpiresAt:   decision.ExpiresAt(ev.Timestamp),
		ContentHash: decision.ContentHash,
	}
}

func (p *Pipeline) deadLetter(ctx context.Context, out Outcome, event *model.MemoryEvent, stage string, cause error) Outcome {
	out.Err = cause
	out.State = StateDeadLettered
	p.deadLettered.Inc(ctx)

	entry := deadletter.NewEntry(event, stage, cause, out.Attempts)
	// The sink write must not be lost to a cancelled consumer context.
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.sink.Put(putCtx, entry); err != nil {
		logging.From(ctx).Error("failed to write dead-letter entry",
			"entry_id", entry.ID, "error", err)
		out.Err = goerr.Wrap(cause, "dead-letter write failed", goerr.V("sink_error", err.Error()))
	}
	return out
}

// backoff returns base*2^(attempt-1) capped at MaxBackoff, with up to 50%
// jitter subtracted.
func (p *Pipeline) backoff(attempt int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 1; i < attempt && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int63n(half+1))
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Upserted:     p.upserted.Load(),
		Dropped:      p.dropped.Load(),
		Retries:      p.retries.Load(),
		DeadLettered: p.deadLettered.Load(),
		Failed:       p.failed.Load(),
		PIIDetected:  p.piiDetected.Load(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

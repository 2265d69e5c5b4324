package ingest

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oceanbase/powermem-hotcold/pkg/logging"
	"github.com/oceanbase/powermem-hotcold/pkg/queue"
	"github.com/oceanbase/powermem-hotcold/pkg/telemetry"
)

// WorkerPool runs one consumer per queue partition. Events of one user
// share a partition and are therefore processed in order.
type WorkerPool struct {
	q        queue.Queue
	pipeline *Pipeline

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	delivered *telemetry.Counter
	acked     *telemetry.Counter
	nacked    *telemetry.Counter
}

// PoolStats are cumulative delivery counters.
type PoolStats struct {
	Workers   int   `json:"workers"`
	Delivered int64 `json:"delivered"`
	Acked     int64 `json:"acked"`
	Nacked    int64 `json:"nacked"`
}

// NewWorkerPool creates a pool consuming q.
func NewWorkerPool(q queue.Queue, pipeline *Pipeline) *WorkerPool {
	meter := telemetry.Meter("ingest")
	return &WorkerPool{
		q:         q,
		pipeline:  pipeline,
		delivered: telemetry.NewCounter(meter, "cold_queue_delivered", "Queue deliveries handed to the pipeline"),
		acked:     telemetry.NewCounter(meter, "cold_queue_acked", "Queue deliveries acknowledged"),
		nacked:    telemetry.NewCounter(meter, "cold_queue_nacked", "Queue deliveries returned for redelivery"),
	}
}

// Start launches the workers. Events are processed with ctx; Stop ends
// consumption without cancelling an event in flight.
func (w *WorkerPool) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true

	consumeCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for i := 0; i < w.q.Partitions(); i++ {
		w.wg.Add(1)
		go w.run(ctx, consumeCtx, i)
	}
	logging.From(ctx).Info("ingest workers started", "workers", w.q.Partitions())
}

func (w *WorkerPool) run(ctx, consumeCtx context.Context, partition int) {
	defer w.wg.Done()
	logger := logging.From(ctx).With("partition", partition)
	attrs := attribute.Int("memory.partition", partition)

	for d := range w.q.Consume(consumeCtx, partition) {
		w.delivered.Inc(ctx, attrs)
		out := w.pipeline.Process(ctx, d.Event)
		if out.State == StateFailed {
			w.nacked.Inc(ctx, attrs)
			if err := d.Nack(); err != nil {
				logger.Warn("redelivery failed", "event_id", out.EventID, "error", err)
			}
			continue
		}
		d.Ack()
		w.acked.Inc(ctx, attrs)
	}
}

// Stop stops consuming and waits for in-flight events to finish.
func (w *WorkerPool) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()

	w.mu.Lock()
	w.running = false
	w.cancel = nil
	w.mu.Unlock()
}

// Wait blocks until every worker has exited, which happens once the queue
// is closed and drained or the pool is stopped.
func (w *WorkerPool) Wait() {
	w.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (w *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:   w.q.Partitions(),
		Delivered: w.delivered.Load(),
		Acked:     w.acked.Load(),
		Nacked:    w.nacked.Load(),
	}
}

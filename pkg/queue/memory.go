package queue

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/logging"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

// Defaults for MemoryQueue.
const (
	DefaultPartitions = 4
	DefaultBuffer     = 1024
)

var errClosed = goerr.New("queue is closed")

type envelope struct {
	payload []byte
	attempt int
}

// MemoryQueue is an in-process Queue. Each partition is a buffered channel
// of encoded events, so consumers never share memory with producers.
type MemoryQueue struct {
	parts  []chan envelope
	codec  Codec
	mu     sync.RWMutex
	closed bool
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithCodec replaces the msgpack codec.
func WithCodec(c Codec) MemoryOption {
	return func(q *MemoryQueue) {
		q.codec = c
	}
}

// NewMemoryQueue creates a queue with the given partition count and
// per-partition buffer.
func NewMemoryQueue(partitions, buffer int, opts ...MemoryOption) *MemoryQueue {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	q := &MemoryQueue{
		parts: make([]chan envelope, partitions),
		codec: MsgpackCodec{},
	}
	for i := range q.parts {
		q.parts[i] = make(chan envelope, buffer)
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish implements Queue.
func (q *MemoryQueue) Publish(ctx context.Context, event *model.MemoryEvent) error {
	if event == nil {
		return goerr.Wrap(model.ErrPermanentEvent, "publish nil event")
	}
	payload, err := q.codec.Encode(event)
	if err != nil {
		return err
	}
	p := Partition(event.PartitionKey(), len(q.parts))
	return q.push(p, envelope{payload: payload, attempt: 1}, event.ID)
}

func (q *MemoryQueue) push(p int, env envelope, eventID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errClosed
	}
	select {
	case q.parts[p] <- env:
		return nil
	default:
		return goerr.Wrap(model.ErrQueueFull, "partition buffer full",
			goerr.V("partition", p), goerr.V("event_id", eventID))
	}
}

// Partitions implements Queue.
func (q *MemoryQueue) Partitions() int {
	return len(q.parts)
}

// Depth returns the number of events waiting in partition p.
func (q *MemoryQueue) Depth(p int) int {
	if p < 0 || p >= len(q.parts) {
		return 0
	}
	return len(q.parts[p])
}

// Consume implements Queue.
func (q *MemoryQueue) Consume(ctx context.Context, partition int) <-chan *Delivery {
	out := make(chan *Delivery)
	if partition < 0 || partition >= len(q.parts) {
		close(out)
		return out
	}
	in := q.parts[partition]

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-in:
				if !ok {
					return
				}
				event, err := q.codec.Decode(env.payload)
				if err != nil {
					logging.From(ctx).Error("drop undecodable event",
						"partition", partition, "error", err)
					continue
				}

				d := &Delivery{
					Event:     event,
					Partition: partition,
					Attempt:   env.attempt,
				}
				redeliver := envelope{payload: env.payload, attempt: env.attempt + 1}
				d.nack = func() error {
					return q.push(partition, redeliver, event.ID)
				}

				select {
				case out <- d:
				case <-ctx.Done():
					_ = q.push(partition, env, event.ID)
					return
				}
			}
		}
	}()
	return out
}

// Close implements Queue. Consumers still receive events buffered before
// Close, then their streams end.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, ch := range q.parts {
		close(ch)
	}
	return nil
}

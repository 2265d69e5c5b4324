// Package queue carries memory events from producers to ingestion workers.
//
// Events are routed to a fixed number of partitions by a stable hash of
// tenant and user, so every event of one user is consumed by one worker in
// publish order. Delivery is at least once.
package queue

import (
	"context"
	"hash/fnv"
	"sync/atomic"

	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

// Queue is the transport between EnqueueWrite and the worker pool.
type Queue interface {
	// Publish enqueues event without blocking. A full partition returns
	// model.ErrQueueFull.
	Publish(ctx context.Context, event *model.MemoryEvent) error

	// Partitions returns the partition count.
	Partitions() int

	// Consume streams deliveries of one partition until ctx is done or the
	// queue is closed.
	Consume(ctx context.Context, partition int) <-chan *Delivery

	// Close stops accepting events and ends every Consume stream.
	Close() error
}

// Delivery is one event handed to a consumer.
type Delivery struct {
	Event     *model.MemoryEvent
	Partition int

	// Attempt counts deliveries of this event, starting at 1.
	Attempt int

	settled atomic.Bool
	nack    func() error
}

// Ack marks the delivery as processed.
func (d *Delivery) Ack() {
	d.settled.Store(true)
}

// Nack returns the event to its partition for redelivery. Settling a
// delivery twice is a no-op.
func (d *Delivery) Nack() error {
	if !d.settled.CompareAndSwap(false, true) || d.nack == nil {
		return nil
	}
	return d.nack()
}

// Partition maps key onto [0, n) with jump consistent hashing over the
// FNV-1a hash of key.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(jumpHash(h.Sum64(), n))
}

// jumpHash is Lamping and Veach's jump consistent hash.
func jumpHash(key uint64, buckets int) int32 {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int32(b)
}

// Package stream fans job updates out to any number of subscribers.
package stream

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"jobstore/models"
)

// DefaultBufferSize is the default per-subscriber update buffer.
const DefaultBufferSize = 256

// Broker is a multicast registry. Each subscriber gets its own copy of every
// update; a slow or broken subscriber never blocks the others.
type Broker struct {
	logger      *zap.Logger
	subscribers sync.Map // subscriberID → *Subscriber
	closed      atomic.Bool

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize int
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// NewBroker creates a new broker.
func NewBroker(logger *zap.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		logger:     logger,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber. An empty id gets a random one; an
// existing subscriber with the same id is replaced and closed. Subscribing
// to a closed broker returns an already closed subscriber.
func (b *Broker) Subscribe(subscriberID string) *Subscriber {
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}
	sub := NewSubscriber(subscriberID, b.bufferSize)
	if b.closed.Load() {
		sub.Close()
		return sub
	}
	if prev, loaded := b.subscribers.Swap(subscriberID, sub); loaded {
		prev.(*Subscriber).Close() //nolint:forcetypeassert // sync.Map always stores *Subscriber
	}
	return sub
}

// Unsubscribe closes sub and removes it from the registry. A subscriber
// that was already replaced under the same id leaves its successor alone.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.subscribers.CompareAndDelete(sub.ID(), sub)
	sub.Close()
}

// Publish delivers a copy of item to every subscriber and returns how many
// received it.
func (b *Broker) Publish(item *models.WorkItem) int {
	if item == nil || b.closed.Load() {
		return 0
	}
	delivered := 0
	b.subscribers.Range(func(_, val any) bool {
		if b.deliver(val.(*Subscriber), item) { //nolint:forcetypeassert // sync.Map always stores *Subscriber
			delivered++
		} else {
			b.totalDropped.Add(1)
		}
		return true
	})
	b.totalPublished.Add(int64(delivered))
	return delivered
}

func (b *Broker) deliver(sub *Subscriber, item *models.WorkItem) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("job update delivery failed",
				zap.String("subscriber_id", sub.ID()),
				zap.Any("panic", r))
			ok = false
		}
	}()
	return sub.send(item.Clone())
}

// Stats contains broker metrics.
type Stats struct {
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Stats returns broker statistics.
func (b *Broker) Stats() Stats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return Stats{
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// Close removes and closes every subscriber. Later publishes are ignored.
func (b *Broker) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.subscribers.Range(func(key, val any) bool {
		b.subscribers.Delete(key)
		val.(*Subscriber).Close() //nolint:forcetypeassert // sync.Map always stores *Subscriber
		return true
	})
}

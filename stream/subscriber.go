package stream

import (
	"sync"
	"sync/atomic"

	"jobstore/models"
)

// Subscriber receives job updates on a buffered channel. Updates that do
// not fit in the buffer are dropped and counted.
type Subscriber struct {
	id string
	ch chan *models.WorkItem

	mu     sync.RWMutex
	closed bool

	received atomic.Int64
	dropped  atomic.Int64
}

// NewSubscriber creates a subscriber with the given buffer size.
func NewSubscriber(id string, bufferSize int) *Subscriber {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Subscriber{
		id: id,
		ch: make(chan *models.WorkItem, bufferSize),
	}
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the channel updates arrive on. It is closed when the
// subscriber is removed or the broker shuts down.
func (s *Subscriber) C() <-chan *models.WorkItem { return s.ch }

// Received returns how many updates were delivered.
func (s *Subscriber) Received() int64 { return s.received.Load() }

// Dropped returns how many updates were discarded because the buffer was
// full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Closed reports whether the subscriber has been closed.
func (s *Subscriber) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// send delivers item without blocking.
func (s *Subscriber) send(item *models.WorkItem) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- item:
		s.received.Add(1)
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Close closes the channel. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

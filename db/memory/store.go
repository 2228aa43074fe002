// Package memory is an in-process job store with the same semantics as the
// MongoDB store. It backs local development and tests of code that only
// needs models.Repository.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"jobstore/models"
	"jobstore/stream"
)

// ErrClosed is returned by feed operations after Close.
var ErrClosed = errors.New("jobstore/memory: store closed")

// Options configures the store.
type Options struct {
	Region string
	// RecordExpiry is the soft-delete retention window. Zero deletes
	// records physically.
	RecordExpiry time.Duration
	Limits       models.Limits
}

type key struct {
	region string
	id     string
}

// Store keeps job records in a map keyed by (Region, Id).
type Store struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time
	broker *stream.Broker

	mu      sync.RWMutex
	records map[key]*models.WorkItem
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts Options, options ...Option) *Store {
	s := &Store{
		opts:    opts,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		records: make(map[key]*models.WorkItem),
	}
	for _, opt := range options {
		opt(s)
	}
	s.broker = stream.NewBroker(s.logger)
	return s
}

var _ models.Repository = (*Store)(nil)

// matches reports whether w is addressed by id and topic in the store's
// region, the same way the MongoDB filter builder addresses it.
func (s *Store) matches(w *models.WorkItem, id, topic string) bool {
	if w.Id != id {
		return false
	}
	if topic != "" && w.Topic != topic {
		return false
	}
	return s.opts.Region == "" || w.Region == s.opts.Region
}

// lookup returns the record addressed by id and topic. When several
// regions hold the id, the oldest record wins, then the lowest region.
func (s *Store) lookup(id, topic string, includeDeleted bool) (key, *models.WorkItem) {
	var (
		found key
		best  *models.WorkItem
	)
	for k, w := range s.records {
		if !s.matches(w, id, topic) {
			continue
		}
		if !includeDeleted && w.State == models.StateDeleted {
			continue
		}
		if best == nil || precedes(w, best) {
			found, best = k, w
		}
	}
	return found, best
}

func precedes(a, b *models.WorkItem) bool {
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	return a.Region < b.Region
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Create inserts a new record. A blank Id is replaced by a random UUID and
// the configured region always replaces the caller's.
func (s *Store) Create(_ context.Context, item *models.WorkItem) (bool, error) {
	if err := item.ValidateNew(s.opts.Limits); err != nil {
		return false, err
	}

	w := item.Clone()
	if w.Id == "" {
		w.Id = uuid.NewString()
	}
	if s.opts.Region != "" {
		if w.Region != "" && w.Region != s.opts.Region {
			s.logger.Warn("job region differs from the store region, using the store region",
				zap.String("job_id", w.Id),
				zap.String("job_region", w.Region),
				zap.String("store_region", s.opts.Region))
		}
		w.Region = s.opts.Region
	}
	w.ApplyDefaults(s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{region: w.Region, id: w.Id}
	if _, exists := s.records[k]; exists {
		s.logger.Warn("job already exists", zap.String("job_id", w.Id))
		return false, nil
	}
	s.records[k] = w
	item.Id = w.Id
	return true, nil
}

// Read returns a copy of the record, or a NotFound placeholder.
func (s *Store) Read(_ context.Context, id, topic string) (*models.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, w := s.lookup(id, topic, true); w != nil {
		return w.Clone(), nil
	}
	return models.NotFound(id), nil
}

// Find returns copies of the records matching q, newest first.
func (s *Store) Find(_ context.Context, q models.Query) ([]*models.WorkItem, error) {
	s.mu.RLock()
	items := make([]*models.WorkItem, 0)
	for _, w := range s.records {
		if q.Matches(w, s.opts.Region) {
			items = append(items, w.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Created.Equal(items[j].Created) {
			return items[i].Id < items[j].Id
		}
		return items[i].Created.After(items[j].Created)
	})
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return items, nil
}

// Update applies a worker's changes to an existing record. Updating to
// Deleted is the same as calling Delete. Deleted records are never matched.
func (s *Store) Update(ctx context.Context, item *models.WorkItem) (bool, error) {
	if err := item.ValidateUpdate(s.opts.Limits); err != nil {
		return false, err
	}
	if item.State == models.StateDeleted {
		s.logger.Warn("update used to delete job", zap.String("job_id", item.Id))
		return s.Delete(ctx, item)
	}

	s.mu.Lock()
	_, w := s.lookup(item.Id, item.Topic, false)
	if w == nil {
		s.mu.Unlock()
		s.logger.Debug("no job to update", zap.String("job_id", item.Id))
		return false, nil
	}

	if w.State != item.State || w.Result != item.Result {
		w.History = append(w.History, w.Snapshot())
	}
	u := item.Clone()
	w.Command = u.Command
	w.State = u.State
	w.Description = u.Description
	w.Priority = u.Priority
	w.DelaySeconds = u.DelaySeconds
	w.Progress = u.Progress
	w.Result = u.Result
	w.Error = u.Error
	w.Updated = s.now()
	w.Expiry = nil
	changed := w.Clone()
	s.mu.Unlock()

	if changed.Progress != nil {
		s.broker.Publish(changed)
	}
	return true, nil
}

// Delete removes a record physically when no retention is configured and
// soft-deletes it otherwise. Deleting a missing or already deleted record
// succeeds.
func (s *Store) Delete(_ context.Context, item *models.WorkItem) (bool, error) {
	if item == nil {
		return false, &models.ValidationError{Field: "item", Reason: "is nil"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.RecordExpiry == 0 {
		if k, w := s.lookup(item.Id, item.Topic, true); w != nil {
			delete(s.records, k)
		}
		return true, nil
	}

	_, w := s.lookup(item.Id, item.Topic, false)
	if w == nil {
		return true, nil
	}
	if item.History != nil {
		w.History = append([]models.HistoryEntry(nil), item.History...)
	}
	s.softDelete(w, "Deleted")
	return true, nil
}

func (s *Store) softDelete(w *models.WorkItem, description string) {
	now := s.now()
	expiry := now.Add(s.opts.RecordExpiry)
	w.History = append(w.History, w.Snapshot())
	w.State = models.StateDeleted
	w.Description = description
	w.Expiry = &expiry
	w.Updated = now
}

// DeleteAll removes every record of the region, or soft-deletes them when a
// retention window is configured, and returns how many were affected.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	if s.opts.RecordExpiry == 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		var n int64
		all := models.Query{IncludeDeleted: true}
		for k, w := range s.records {
			if all.Matches(w, s.opts.Region) {
				delete(s.records, k)
				n++
			}
		}
		return n, nil
	}

	if _, err := s.DeleteExpired(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, w := range s.records {
		if (models.Query{}).Matches(w, s.opts.Region) {
			s.softDelete(w, "Purged")
			n++
		}
	}
	return n, nil
}

// DeleteExpired removes soft-deleted records whose expiry has passed.
func (s *Store) DeleteExpired(_ context.Context) (int64, error) {
	now := s.now()
	deleted := models.Query{States: []models.State{models.StateDeleted}}

	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, w := range s.records {
		if deleted.Matches(w, s.opts.Region) && w.Expiry != nil && !w.Expiry.After(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Monitor streams progress updates of one record, or of every record
// updated today when id is empty, until ctx is cancelled.
func (s *Store) Monitor(ctx context.Context, id string) (<-chan *models.WorkItem, error) {
	sub, err := s.Subscribe("")
	if err != nil {
		return nil, err
	}

	out := make(chan *models.WorkItem)
	go func() {
		defer close(out)
		defer s.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-sub.C():
				if !ok {
					return
				}
				if id != "" && item.Id != id {
					continue
				}
				if id == "" && item.Updated.Before(startOfDay(s.now())) {
					continue
				}
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Subscribe attaches a subscriber to the update feed.
func (s *Store) Subscribe(subscriberID string) (*stream.Subscriber, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return s.broker.Subscribe(subscriberID), nil
}

// Unsubscribe detaches a subscriber from the update feed.
func (s *Store) Unsubscribe(sub *stream.Subscriber) {
	s.broker.Unsubscribe(sub)
}

// CheckHealth always succeeds.
func (s *Store) CheckHealth(context.Context) error {
	return nil
}

// Close closes every subscriber. Records stay readable.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.broker.Close()
	return nil
}

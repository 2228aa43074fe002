package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"jobstore/models"
	"jobstore/stream"
)

// monitorOperations are the change stream operation types the watcher
// reports.
var monitorOperations = bson.A{"update", "replace", "delete"}

// changeStream is the part of *mongo.ChangeStream the watcher uses.
type changeStream interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type streamOpener func(ctx context.Context, pipeline mongo.Pipeline) (changeStream, error)

// Watcher turns the jobs collection change stream into progress updates.
// Monitor serves one-shot cursors; Subscribe serves the continuous feed,
// which runs in a single background loop started on first subscription.
type Watcher struct {
	conn       *Connector
	open       streamOpener
	heartbeat  time.Duration
	logger     *zap.Logger
	now        func() time.Time
	broker     *stream.Broker
	brokerOpts []stream.BrokerOption

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// mu guards the feed lifecycle flags.
	mu      sync.Mutex
	started bool
	stopped bool
	closed  bool

	faults    atomic.Int64
	lastFault atomic.Pointer[WatchFault]
}

func newWatcher(conn *Connector, heartbeat time.Duration) *Watcher {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		conn:      conn,
		heartbeat: heartbeat,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	w.open = w.openCollectionStream
	return w
}

func (w *Watcher) openCollectionStream(ctx context.Context, pipeline mongo.Pipeline) (changeStream, error) {
	coll, err := w.conn.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	cs, err := coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("jobstore/mongo: open change stream: %w", err)
	}
	return cs, nil
}

// changeStreamPipeline matches updates, replaces and deletes that touched
// Progress, either for one record or for every record updated since since.
func changeStreamPipeline(id string, since time.Time) mongo.Pipeline {
	match := bson.D{
		{Key: "operationType", Value: bson.D{{Key: "$in", Value: monitorOperations}}},
		{Key: "updateDescription.updatedFields." + fieldProgress, Value: bson.D{{Key: "$exists", Value: true}}},
	}
	if id != "" {
		match = append(match, bson.E{Key: "fullDocument." + fieldID, Value: id})
	} else {
		match = append(match, bson.E{Key: "fullDocument." + fieldUpdated, Value: bson.D{{Key: "$gte", Value: since}}})
	}
	return mongo.Pipeline{{{Key: "$match", Value: match}}}
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (w *Watcher) pipeline(id string) mongo.Pipeline {
	return changeStreamPipeline(id, startOfDay(w.now()))
}

// decodeChange returns the changed record, or nil when the event carries no
// full document.
func (w *Watcher) decodeChange(cs changeStream) (*models.WorkItem, error) {
	var ev changeEvent
	if err := cs.Decode(&ev); err != nil {
		return nil, err
	}
	if ev.FullDocument == nil {
		w.logger.Debug("job change without full document skipped", zap.String("operation", ev.OperationType))
		return nil, nil
	}
	item := fromDocument(ev.FullDocument)
	fields := []zap.Field{zap.String("job_id", item.Id)}
	if item.Progress != nil {
		fields = append(fields, zap.Int("progress", *item.Progress))
	}
	w.logger.Debug("changed job received from MongoDB", fields...)
	return item, nil
}

// Monitor opens a change stream for id (or for today's updates when id is
// empty) and returns its updates on a channel. The channel closes when the
// cursor ends, fails, or ctx is cancelled; call Monitor again to restart.
func (w *Watcher) Monitor(ctx context.Context, id string) (<-chan *models.WorkItem, error) {
	cs, err := w.open(ctx, w.pipeline(id))
	if err != nil {
		return nil, err
	}

	out := make(chan *models.WorkItem)
	go func() {
		defer close(out)
		defer cs.Close(context.WithoutCancel(ctx)) //nolint:errcheck

		for cs.Next(ctx) {
			item, err := w.decodeChange(cs)
			if err != nil {
				w.logger.Warn("failed to decode job change", zap.String("job_id", id), zap.Error(err))
				continue
			}
			if item == nil {
				continue
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			w.logger.Warn("job monitor cursor failed", zap.String("job_id", id), zap.Error(err))
		}
	}()
	return out, nil
}

// Subscribe attaches a subscriber to the continuous feed. Once the feed has
// stopped on a connection failure, Subscribe returns that failure.
func (w *Watcher) Subscribe(subscriberID string) (*stream.Subscriber, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrStoreClosed
	}
	if w.stopped {
		return nil, w.LastFault()
	}
	sub := w.broker.Subscribe(subscriberID)
	if !w.started {
		w.started = true
		go w.run()
	}
	return sub, nil
}

// Unsubscribe detaches a subscriber from the continuous feed.
func (w *Watcher) Unsubscribe(sub *stream.Subscriber) {
	w.broker.Unsubscribe(sub)
}

func (w *Watcher) run() {
	defer close(w.done)

	for {
		err := w.watchOnce(w.ctx)
		if w.ctx.Err() != nil {
			return
		}
		if err != nil {
			fault := &WatchFault{Err: err}
			w.lastFault.Store(fault)
			w.faults.Add(1)

			var connErr *ConnectionError
			if errors.As(err, &connErr) {
				w.logger.Error("job feed stopped", zap.Error(fault))
				w.stop()
				return
			}
			w.logger.Warn("job feed interrupted, reconnecting",
				zap.Duration("retry_in", w.heartbeat),
				zap.Error(fault))
		}

		timer := time.NewTimer(w.heartbeat)
		select {
		case <-w.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stop ends the feed for good and closes every subscriber.
func (w *Watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.broker.Close()
}

func (w *Watcher) watchOnce(ctx context.Context) error {
	w.logger.Info("starting to watch for job updates in MongoDB")
	cs, err := w.open(ctx, w.pipeline(""))
	if err != nil {
		return err
	}
	defer cs.Close(context.WithoutCancel(ctx)) //nolint:errcheck

	for cs.Next(ctx) {
		item, err := w.decodeChange(cs)
		if err != nil {
			w.logger.Warn("error in handling job update, subscribers were not notified", zap.Error(err))
			continue
		}
		if item != nil {
			w.broker.Publish(item)
		}
	}
	return cs.Err()
}

// LastFault returns the most recent feed failure, or nil.
func (w *Watcher) LastFault() error {
	if f := w.lastFault.Load(); f != nil {
		return f
	}
	return nil
}

// FeedStats describes the continuous feed.
type FeedStats struct {
	Running bool         `json:"running"`
	Faults  int64        `json:"faults"`
	Broker  stream.Stats `json:"broker"`
}

// Stats returns feed statistics.
func (w *Watcher) Stats() FeedStats {
	w.mu.Lock()
	running := w.started && !w.stopped && !w.closed
	w.mu.Unlock()
	return FeedStats{
		Running: running,
		Faults:  w.faults.Load(),
		Broker:  w.broker.Stats(),
	}
}

// Close stops the feed loop, waits for it to exit and closes every
// subscriber.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	started := w.started
	w.mu.Unlock()

	w.cancel()
	if started {
		<-w.done
	}
	w.broker.Close()
}

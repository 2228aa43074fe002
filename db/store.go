package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"jobstore/models"
	"jobstore/stream"
)

// Ensure Store implements models.Repository at compile time.
var _ models.Repository = (*Store)(nil)

// Store is the MongoDB implementation of models.Repository. Storage
// failures of individual operations are logged and reported as false or
// empty results; only validation and connection failures are returned as
// errors.
type Store struct {
	conn    *Connector
	opts    Options
	filters FilterBuilder
	watcher *Watcher
	logger  *zap.Logger
	now     func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger for the store and its watcher.
func WithStoreLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithBrokerOptions configures the broker behind the continuous feed.
func WithBrokerOptions(opts ...stream.BrokerOption) StoreOption {
	return func(s *Store) { s.watcher.brokerOpts = append(s.watcher.brokerOpts, opts...) }
}

// NewStore creates a job store on top of conn.
func NewStore(conn *Connector, opts ...StoreOption) *Store {
	s := &Store{
		conn:    conn,
		opts:    conn.Options(),
		filters: NewFilterBuilder(conn.Options().Region),
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.watcher = newWatcher(conn, s.opts.HeartbeatInterval)
	for _, opt := range opts {
		opt(s)
	}
	s.watcher.logger = s.logger
	s.watcher.now = s.now
	s.watcher.broker = stream.NewBroker(s.logger, s.watcher.brokerOpts...)
	return s
}

// Connector returns the connector the store runs on.
func (s *Store) Connector() *Connector {
	return s.conn
}

// Filters returns the store's filter builder.
func (s *Store) Filters() FilterBuilder {
	return s.filters
}

func (s *Store) collection(ctx context.Context) (*mongo.Collection, error) {
	return s.conn.Initialize(ctx)
}

func (s *Store) assignRegion(w *models.WorkItem) {
	if s.opts.Region == "" {
		return
	}
	if w.Region != "" && w.Region != s.opts.Region {
		s.logger.Warn("job region differs from the database region, using the database region",
			zap.String("job_id", w.Id),
			zap.String("topic", w.Topic),
			zap.String("job_region", w.Region),
			zap.String("db_region", s.opts.Region))
	}
	w.Region = s.opts.Region
}

// Create inserts a new record. A blank Id is replaced by a random UUID and
// the configured region always replaces the caller's.
func (s *Store) Create(ctx context.Context, item *models.WorkItem) (bool, error) {
	if err := item.ValidateNew(s.opts.Limits); err != nil {
		return false, err
	}
	coll, err := s.collection(ctx)
	if err != nil {
		return false, err
	}

	w := item.Clone()
	if w.Id == "" {
		w.Id = uuid.NewString()
	}
	s.assignRegion(w)
	w.ApplyDefaults(s.now())

	if _, err := coll.InsertOne(ctx, toDocument(w)); err != nil {
		fields := []zap.Field{zap.String("job_id", w.Id), zap.Error(err)}
		if isDuplicateKey(err) {
			s.logger.Warn("job already exists", fields...)
		} else {
			s.logger.Error("failed to insert job", fields...)
		}
		return false, nil
	}
	item.Id = w.Id
	return true, nil
}

// Read returns the record with the given id, or a NotFound placeholder.
func (s *Store) Read(ctx context.Context, id, topic string) (*models.WorkItem, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}

	// The same id may exist in several regions when the store is unscoped.
	findOpts := options.FindOne().SetSort(bson.D{{Key: fieldCreated, Value: 1}, {Key: fieldRegion, Value: 1}})
	var doc workItemDocument
	if err := coll.FindOne(ctx, s.filters.ByID(id, topic), findOpts).Decode(&doc); err != nil {
		if !isNoDocuments(err) {
			s.logger.Error("failed to read job", zap.String("job_id", id), zap.Error(err))
		}
		return models.NotFound(id), nil
	}
	return fromDocument(&doc), nil
}

// Find returns the records matching q, newest first.
func (s *Store) Find(ctx context.Context, q models.Query) ([]*models.WorkItem, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}

	findOpts := options.Find().SetSort(bson.D{{Key: fieldCreated, Value: -1}})
	if q.Limit > 0 {
		findOpts.SetLimit(int64(q.Limit))
	}

	cursor, err := coll.Find(ctx, s.filters.ByQuery(q), findOpts)
	if err != nil {
		s.logger.Error("failed to query jobs", zap.Error(err))
		return []*models.WorkItem{}, nil
	}
	defer cursor.Close(ctx)

	var docs []workItemDocument
	if err := cursor.All(ctx, &docs); err != nil {
		s.logger.Error("failed to decode jobs", zap.Error(err))
		return []*models.WorkItem{}, nil
	}

	items := make([]*models.WorkItem, 0, len(docs))
	for i := range docs {
		items = append(items, fromDocument(&docs[i]))
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
	coll, err := s.collection(ctx)
	if err != nil {
		return false, err
	}

	t := s.now()
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: fieldHistory, Value: appendSnapshot(existingHistory(), changed(item.State, item.Result))},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: fieldCommand, Value: literal(item.Command)},
			{Key: fieldState, Value: literal(string(item.State))},
			{Key: fieldDescription, Value: literal(item.Description)},
			{Key: fieldPriority, Value: literal(item.Priority)},
			{Key: fieldDelaySeconds, Value: literal(item.DelaySeconds)},
			{Key: fieldProgress, Value: literal(item.Progress)},
			{Key: fieldResult, Value: literal(item.Result)},
			{Key: fieldError, Value: literal(item.Error)},
			{Key: fieldUpdated, Value: literal(t)},
			// Only the delete path sets an expiry.
			{Key: fieldExpiry, Value: literal(nil)},
		}}},
	}

	filter := And(s.filters.ByID(item.Id, item.Topic), notDeleted())
	res, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		s.logger.Error("failed to update job", zap.String("job_id", item.Id), zap.Error(err))
		return false, nil
	}
	if res.MatchedCount == 0 {
		s.logger.Debug("no job to update", zap.String("job_id", item.Id))
		return false, nil
	}
	return true, nil
}

// Delete removes a record physically when no retention is configured and
// soft-deletes it otherwise. Deleting a missing or already deleted record
// succeeds.
func (s *Store) Delete(ctx context.Context, item *models.WorkItem) (bool, error) {
	if item == nil {
		return false, &models.ValidationError{Field: "item", Reason: "is nil"}
	}
	coll, err := s.collection(ctx)
	if err != nil {
		return false, err
	}

	filter := s.filters.ByID(item.Id, item.Topic)
	if s.opts.RecordExpiry == 0 {
		if _, err := coll.DeleteOne(ctx, filter); err != nil {
			s.logger.Error("failed to delete job", zap.String("job_id", item.Id), zap.Error(err))
			return false, nil
		}
		return true, nil
	}

	base := existingHistory()
	if item.History != nil {
		base = literal(toHistoryDocuments(item.History))
	}
	update := softDelete(base, "Deleted", s.now(), s.opts.RecordExpiry)
	if _, err := coll.UpdateOne(ctx, And(filter, notDeleted()), update); err != nil {
		s.logger.Error("failed to delete job", zap.String("job_id", item.Id), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// DeleteAll removes every record of the region, or soft-deletes them when a
// retention window is configured, and returns how many were affected.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("deleting all jobs")

	if s.opts.RecordExpiry == 0 {
		res, err := coll.DeleteMany(ctx, s.filters.ByQuery(models.Query{IncludeDeleted: true}))
		if err != nil {
			s.logger.Error("failed to bulk-delete jobs", zap.Error(err))
			return 0, nil
		}
		s.logger.Debug("jobs purged from the database", zap.Int64("count", res.DeletedCount))
		return res.DeletedCount, nil
	}

	if _, err := s.DeleteExpired(ctx); err != nil {
		return 0, err
	}
	update := softDelete(existingHistory(), "Purged", s.now(), s.opts.RecordExpiry)
	res, err := coll.UpdateMany(ctx, s.filters.ByQuery(models.Query{}), update)
	if err != nil {
		s.logger.Error("failed to bulk-delete jobs", zap.Error(err))
		return 0, nil
	}
	s.logger.Debug("jobs marked as deleted in the database", zap.Int64("count", res.MatchedCount))
	return res.MatchedCount, nil
}

// DeleteExpired removes soft-deleted records whose expiry has passed. It
// complements the TTL index for deployments that sweep on a schedule.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return 0, err
	}

	filter := And(
		s.filters.ByQuery(models.Query{States: []models.State{models.StateDeleted}}),
		bson.D{{Key: fieldExpiry, Value: bson.D{{Key: "$lte", Value: s.now()}}}},
	)
	res, err := coll.DeleteMany(ctx, filter)
	if err != nil {
		s.logger.Error("failed to bulk-delete expired jobs", zap.Error(err))
		return 0, nil
	}
	s.logger.Debug("expired jobs deleted from the database", zap.Int64("count", res.DeletedCount))
	return res.DeletedCount, nil
}

// Monitor streams progress updates of one record, or of every record
// updated today when id is empty.
func (s *Store) Monitor(ctx context.Context, id string) (<-chan *models.WorkItem, error) {
	return s.watcher.Monitor(ctx, id)
}

// Subscribe attaches a subscriber to the continuous feed, starting the
// background watch loop on first use.
func (s *Store) Subscribe(subscriberID string) (*stream.Subscriber, error) {
	return s.watcher.Subscribe(subscriberID)
}

// Unsubscribe detaches a subscriber from the continuous feed.
func (s *Store) Unsubscribe(sub *stream.Subscriber) {
	s.watcher.Unsubscribe(sub)
}

// Watcher exposes the change watcher for diagnostics.
func (s *Store) Watcher() *Watcher {
	return s.watcher
}

// Close stops the feed loop and closes every subscriber. The connector
// stays open; its owner closes it.
func (s *Store) Close() error {
	s.watcher.Close()
	return nil
}

// update helpers

func literal(v any) bson.D {
	return bson.D{{Key: "$literal", Value: v}}
}

func existingHistory() bson.D {
	return bson.D{{Key: "$ifNull", Value: bson.A{"$" + fieldHistory, bson.A{}}}}
}

// changed is true when the stored state or result differ from the new ones.
func changed(state models.State, result string) bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "$ne", Value: bson.A{"$" + fieldState, literal(string(state))}}},
		bson.D{{Key: "$ne", Value: bson.A{
			bson.D{{Key: "$ifNull", Value: bson.A{"$" + fieldResult, ""}}},
			literal(result),
		}}},
	}}}
}

// appendSnapshot appends the stored Updated, State and Result to base when
// cond holds. It must run before the stage that overwrites those fields.
func appendSnapshot(base any, cond any) bson.D {
	snapshot := bson.D{
		{Key: fieldUpdated, Value: "$" + fieldUpdated},
		{Key: fieldState, Value: "$" + fieldState},
		{Key: fieldResult, Value: "$" + fieldResult},
	}
	return bson.D{{Key: "$cond", Value: bson.D{
		{Key: "if", Value: cond},
		{Key: "then", Value: bson.D{{Key: "$concatArrays", Value: bson.A{base, bson.A{snapshot}}}}},
		{Key: "else", Value: base},
	}}}
}

func softDelete(base any, description string, now time.Time, retention time.Duration) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: fieldHistory, Value: appendSnapshot(base, true)},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: fieldState, Value: literal(string(models.StateDeleted))},
			{Key: fieldDescription, Value: literal(description)},
			{Key: fieldExpiry, Value: literal(now.Add(retention))},
			{Key: fieldUpdated, Value: literal(now)},
		}}},
	}
}

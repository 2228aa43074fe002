package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
	"go.uber.org/zap"

	"jobstore/models"
)

const testNamespace = "JobQueue.WorkItems"

var fixedNow = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

// newMockStore returns a store on the mock client. The first operation
// consumes one queued response for the initialization ping.
func newMockStore(mt *mtest.T, opts Options) *Store {
	mt.Helper()
	opts.ReadOnly = true
	conn, err := NewConnector(opts, WithClient(mt.Client))
	require.NoError(mt, err)
	mt.AddMockResponses(mtest.CreateSuccessResponse())
	return NewStore(conn, WithClock(func() time.Time { return fixedNow }))
}

// sentCommand returns the first command named name the client sent.
func sentCommand(mt *mtest.T, name string) bson.Raw {
	mt.Helper()
	for evt := mt.GetStartedEvent(); evt != nil; evt = mt.GetStartedEvent() {
		if evt.CommandName == name {
			return evt.Command
		}
	}
	mt.Fatalf("no %s command was sent", name)
	return nil
}

func lookupString(mt *mtest.T, doc bson.Raw, path ...string) string {
	mt.Helper()
	v, err := doc.LookupErr(path...)
	require.NoError(mt, err, "path %v", path)
	str, ok := v.StringValueOK()
	require.True(mt, ok, "path %v is %s", path, v.Type)
	return str
}

// updateFilter decodes the filter of the first statement of an update
// command.
func updateFilter(mt *mtest.T, cmd bson.Raw) bson.D {
	mt.Helper()
	var filter bson.D
	require.NoError(mt, cmd.Lookup("updates", "0", "q").Unmarshal(&filter))
	return filter
}

func byIDNotDeleted(id string) bson.D {
	return bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "Id", Value: id}},
		bson.D{{Key: "State", Value: bson.D{{Key: "$ne", Value: "Deleted"}}}},
	}}}
}

func badValue() bson.D {
	return mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Name: "BadValue", Message: "bad value"})
}

func TestStoreCreate(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("inserts", func(mt *mtest.T) {
		s := newMockStore(mt, Options{Region: "EU"})
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		ok, err := s.Create(ctx, &models.WorkItem{Id: "1", State: models.StatePending})
		require.NoError(mt, err)
		assert.True(mt, ok)
	})

	mt.Run("generates missing ids", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		item := &models.WorkItem{Topic: "mail"}
		ok, err := s.Create(ctx, item)
		require.NoError(mt, err)
		assert.True(mt, ok)
		assert.NotEmpty(mt, item.Id)
	})

	mt.Run("duplicate key is reported as false", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "E11000 duplicate key error",
		}))

		ok, err := s.Create(ctx, &models.WorkItem{Id: "1"})
		require.NoError(mt, err)
		assert.False(mt, ok)
	})

	mt.Run("validation happens before any round-trip", func(mt *mtest.T) {
		conn, err := NewConnector(Options{ReadOnly: true, Limits: models.Limits{MaxPayloadLength: 4}}, WithClient(mt.Client))
		require.NoError(mt, err)
		s := NewStore(conn)

		ok, err := s.Create(ctx, &models.WorkItem{Id: "1", Payload: "too long"})
		assert.False(mt, ok)
		var ve *models.ValidationError
		require.True(mt, errors.As(err, &ve))
		assert.Equal(mt, "payload", ve.Field)

		_, err = s.Create(ctx, &models.WorkItem{Id: "1", State: models.StateDeleted})
		require.True(mt, errors.As(err, &ve))
		assert.Equal(mt, "state", ve.Field)
	})

	mt.Run("connection failure is returned to every caller", func(mt *mtest.T) {
		conn, err := NewConnector(Options{ReadOnly: true}, WithClient(mt.Client))
		require.NoError(mt, err)
		s := NewStore(conn)
		mt.AddMockResponses(badValue())

		_, err = s.Create(ctx, &models.WorkItem{Id: "1"})
		var ce *ConnectionError
		require.True(mt, errors.As(err, &ce))

		_, err = s.Read(ctx, "1", "")
		require.True(mt, errors.As(err, &ce))
	})
}

func TestAssignRegion(t *testing.T) {
	s := &Store{opts: Options{Region: "EU"}, logger: zap.NewNop()}

	w := &models.WorkItem{Id: "1", Region: "US"}
	s.assignRegion(w)
	assert.Equal(t, "EU", w.Region)

	w = &models.WorkItem{Id: "2"}
	s.assignRegion(w)
	assert.Equal(t, "EU", w.Region)

	unscoped := &Store{logger: zap.NewNop()}
	w = &models.WorkItem{Id: "3", Region: "US"}
	unscoped.assignRegion(w)
	assert.Equal(t, "US", w.Region)
}

func TestStoreRead(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("found", func(mt *mtest.T) {
		s := newMockStore(mt, Options{Region: "EU"})
		mt.AddMockResponses(mtest.CreateCursorResponse(0, testNamespace, mtest.FirstBatch, bson.D{
			{Key: "Id", Value: "1"},
			{Key: "Region", Value: "EU"},
			{Key: "State", Value: "Completed"},
			{Key: "Result", Value: "ok"},
			{Key: "Progress", Value: int32(100)},
			{Key: "History", Value: bson.A{
				bson.D{{Key: "Updated", Value: fixedNow.Add(-2 * time.Minute)}, {Key: "State", Value: "Pending"}},
				bson.D{{Key: "Updated", Value: fixedNow.Add(-time.Minute)}, {Key: "State", Value: "Running"}},
			}},
		}))

		item, err := s.Read(ctx, "1", "")
		require.NoError(mt, err)
		assert.True(mt, item.Found())
		assert.Equal(mt, models.StateCompleted, item.State)
		assert.Equal(mt, "ok", item.Result)
		require.NotNil(mt, item.Progress)
		assert.Equal(mt, 100, *item.Progress)
		require.Len(mt, item.History, 2)
		assert.Equal(mt, models.StatePending, item.History[0].State)
		assert.Equal(mt, models.StateRunning, item.History[1].State)
		assert.Empty(mt, item.History[0].Result)
	})

	mt.Run("missing returns placeholder", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(mtest.CreateCursorResponse(0, testNamespace, mtest.FirstBatch))

		item, err := s.Read(ctx, "404", "")
		require.NoError(mt, err)
		assert.Equal(mt, "404", item.Id)
		assert.Equal(mt, models.StateUnknown, item.State)
	})

	mt.Run("storage error returns placeholder", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(badValue())

		item, err := s.Read(ctx, "1", "")
		require.NoError(mt, err)
		assert.False(mt, item.Found())
	})
}

func TestStoreFind(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("decodes every record", func(mt *mtest.T) {
		s := newMockStore(mt, Options{Region: "EU"})
		mt.AddMockResponses(mtest.CreateCursorResponse(0, testNamespace, mtest.FirstBatch,
			bson.D{{Key: "Id", Value: "2"}, {Key: "State", Value: "Running"}},
			bson.D{{Key: "Id", Value: "1"}, {Key: "State", Value: "Pending"}},
		))

		items, err := s.Find(ctx, models.Query{Topic: "mail", Limit: 10})
		require.NoError(mt, err)
		require.Len(mt, items, 2)
		assert.Equal(mt, "2", items[0].Id)
		assert.Equal(mt, models.StatePending, items[1].State)
	})

	mt.Run("storage error returns empty", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(badValue())

		items, err := s.Find(ctx, models.Query{})
		require.NoError(mt, err)
		assert.Empty(mt, items)
	})
}

func TestStoreUpdate(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("matched", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))

		ok, err := s.Update(ctx, &models.WorkItem{Id: "1", State: models.StateRunning, Progress: models.IntPtr(10)})
		require.NoError(mt, err)
		assert.True(mt, ok)
	})

	mt.Run("pipeline appends history before overwriting", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))

		ok, err := s.Update(ctx, &models.WorkItem{Id: "1", State: "running", Result: "half"})
		require.NoError(mt, err)
		require.True(mt, ok)

		cmd := sentCommand(mt, "update")
		assert.Equal(mt, byIDNotDeleted("1"), updateFilter(mt, cmd))

		history := []string{"updates", "0", "u", "0", "$set", "History", "$cond"}
		at := func(path ...string) []string { return append(append([]string{}, history...), path...) }
		assert.Equal(mt, "$State", lookupString(mt, cmd, at("if", "$or", "0", "$ne", "0")...))
		assert.Equal(mt, "Running", lookupString(mt, cmd, at("if", "$or", "0", "$ne", "1", "$literal")...))
		assert.Equal(mt, "$Result", lookupString(mt, cmd, at("if", "$or", "1", "$ne", "0", "$ifNull", "0")...))
		assert.Equal(mt, "half", lookupString(mt, cmd, at("if", "$or", "1", "$ne", "1", "$literal")...))
		assert.Equal(mt, "$History", lookupString(mt, cmd, at("then", "$concatArrays", "0", "$ifNull", "0")...))
		assert.Equal(mt, "$Updated", lookupString(mt, cmd, at("then", "$concatArrays", "1", "0", "Updated")...))
		assert.Equal(mt, "$State", lookupString(mt, cmd, at("then", "$concatArrays", "1", "0", "State")...))
		assert.Equal(mt, "$Result", lookupString(mt, cmd, at("then", "$concatArrays", "1", "0", "Result")...))
		assert.Equal(mt, "$History", lookupString(mt, cmd, at("else", "$ifNull", "0")...))

		set := []string{"updates", "0", "u", "1", "$set"}
		assert.Equal(mt, "Running", lookupString(mt, cmd, append(set, "State", "$literal")...))
		assert.Equal(mt, "half", lookupString(mt, cmd, append(set, "Result", "$literal")...))
		expiry, err := cmd.LookupErr(append(set, "Expiry", "$literal")...)
		require.NoError(mt, err)
		assert.Equal(mt, bsontype.Null, expiry.Type)
	})

	mt.Run("no match", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}))

		ok, err := s.Update(ctx, &models.WorkItem{Id: "missing", State: models.StateRunning})
		require.NoError(mt, err)
		assert.False(mt, ok)
	})

	mt.Run("storage error", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(badValue())

		ok, err := s.Update(ctx, &models.WorkItem{Id: "1", State: models.StateRunning})
		require.NoError(mt, err)
		assert.False(mt, ok)
	})

	mt.Run("deleted state routes to delete", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))

		ok, err := s.Update(ctx, &models.WorkItem{Id: "1", State: models.StateDeleted})
		require.NoError(mt, err)
		assert.True(mt, ok)
		assert.NotNil(mt, sentCommand(mt, "delete"))
	})

	mt.Run("lowercase deleted state routes to soft delete", func(mt *mtest.T) {
		s := newMockStore(mt, Options{RecordExpiry: 5 * time.Minute})
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))

		ok, err := s.Update(ctx, &models.WorkItem{Id: "1", State: "deleted"})
		require.NoError(mt, err)
		assert.True(mt, ok)

		cmd := sentCommand(mt, "update")
		assert.Equal(mt, "Deleted", lookupString(mt, cmd, "updates", "0", "u", "1", "$set", "State", "$literal"))
		expiry, err := cmd.LookupErr("updates", "0", "u", "1", "$set", "Expiry", "$literal")
		require.NoError(mt, err)
		assert.Equal(mt, bsontype.DateTime, expiry.Type)
	})

	mt.Run("validation", func(mt *mtest.T) {
		s := newMockStore(mt, Options{Limits: models.Limits{MaxResultLength: 2}})

		_, err := s.Update(ctx, &models.WorkItem{Id: "1", Result: strings.Repeat("r", 3)})
		var ve *models.ValidationError
		require.True(mt, errors.As(err, &ve))
		assert.Equal(mt, "result", ve.Field)
	})
}

func TestStoreDelete(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("physical delete is idempotent", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
		)

		ok, err := s.Delete(ctx, &models.WorkItem{Id: "1"})
		require.NoError(mt, err)
		assert.True(mt, ok)

		ok, err = s.Delete(ctx, &models.WorkItem{Id: "1"})
		require.NoError(mt, err)
		assert.True(mt, ok)
	})

	mt.Run("soft delete", func(mt *mtest.T) {
		s := newMockStore(mt, Options{RecordExpiry: 5 * time.Minute})
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))

		ok, err := s.Delete(ctx, &models.WorkItem{Id: "1"})
		require.NoError(mt, err)
		assert.True(mt, ok)

		cmd := sentCommand(mt, "update")
		assert.Equal(mt, byIDNotDeleted("1"), updateFilter(mt, cmd))
		assert.Equal(mt, "$History", lookupString(mt, cmd,
			"updates", "0", "u", "0", "$set", "History", "$cond", "then", "$concatArrays", "0", "$ifNull", "0"))
		assert.Equal(mt, "Deleted", lookupString(mt, cmd, "updates", "0", "u", "1", "$set", "Description", "$literal"))
	})

	mt.Run("storage error", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(badValue())

		ok, err := s.Delete(ctx, &models.WorkItem{Id: "1"})
		require.NoError(mt, err)
		assert.False(mt, ok)
	})
}

func TestStoreBulkDeletes(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("delete all purges", func(mt *mtest.T) {
		s := newMockStore(mt, Options{Region: "EU"})
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 3}))

		n, err := s.DeleteAll(ctx)
		require.NoError(mt, err)
		assert.Equal(mt, int64(3), n)
	})

	mt.Run("delete all soft deletes", func(mt *mtest.T) {
		s := newMockStore(mt, Options{Region: "EU", RecordExpiry: time.Hour})
		mt.AddMockResponses(
			// expired sweep
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 4}, bson.E{Key: "nModified", Value: 4}),
		)

		n, err := s.DeleteAll(ctx)
		require.NoError(mt, err)
		assert.Equal(mt, int64(4), n)
	})

	mt.Run("delete expired", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}))

		n, err := s.DeleteExpired(ctx)
		require.NoError(mt, err)
		assert.Equal(mt, int64(2), n)
	})

	mt.Run("delete expired storage error", func(mt *mtest.T) {
		s := newMockStore(mt, Options{})
		mt.AddMockResponses(badValue())

		n, err := s.DeleteExpired(ctx)
		require.NoError(mt, err)
		assert.Zero(mt, n)
	})
}

func TestSoftDeletePipeline(t *testing.T) {
	p := softDelete(existingHistory(), "Deleted", fixedNow, 5*time.Minute)
	require.Len(t, p, 2)

	set := p[1][0].Value.(bson.D)
	values := map[string]any{}
	for _, e := range set {
		values[e.Key] = e.Value.(bson.D)[0].Value
	}
	assert.Equal(t, "Deleted", values["State"])
	assert.Equal(t, "Deleted", values["Description"])
	assert.Equal(t, fixedNow.Add(5*time.Minute), values["Expiry"])
	assert.Equal(t, fixedNow, values["Updated"])

	// The history stage must come first so it snapshots the old values.
	assert.Equal(t, "History", p[0][0].Value.(bson.D)[0].Key)
}

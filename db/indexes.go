package db

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// jobIndexes returns the index definitions for the jobs collection.
func jobIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		// Unique compound index on (Region, Id).
		{
			Keys:    bson.D{{Key: fieldRegion, Value: 1}, {Key: fieldID, Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: fieldCreated, Value: -1}}},
		{Keys: bson.D{{Key: fieldUpdated, Value: -1}}},
		{Keys: bson.D{{Key: fieldID, Value: 1}}},
		{Keys: bson.D{{Key: fieldRegion, Value: 1}}},
		{Keys: bson.D{{Key: fieldTopic, Value: 1}}},
		{Keys: bson.D{{Key: fieldState, Value: 1}}},
		{Keys: bson.D{{Key: fieldOwnedBy, Value: 1}}},
		// The server removes a record as soon as its Expiry passes.
		{
			Keys:    bson.D{{Key: fieldExpiry, Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
}

// createIndexes drops every existing index and recreates the job indexes.
func createIndexes(ctx context.Context, coll *mongo.Collection) error {
	if _, err := coll.Indexes().DropAll(ctx); err != nil {
		return fmt.Errorf("jobstore/mongo: drop indexes: %w", err)
	}
	if _, err := coll.Indexes().CreateMany(ctx, jobIndexes()); err != nil {
		return fmt.Errorf("jobstore/mongo: create indexes: %w", err)
	}
	return nil
}

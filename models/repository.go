package models

import (
	"context"
	"slices"
)

// Query selects records for read-by-query and bulk operations.
type Query struct {
	Topic string
	// Region overrides the store's configured region when set.
	Region string
	// States restricts the result to these states. When non-empty it takes
	// precedence over IncludeDeleted.
	States         []State
	IncludeDeleted bool
	Limit          int
}

// Matches reports whether w satisfies q for a store configured with
// defaultRegion. Storage engines without a native query language use it.
func (q Query) Matches(w *WorkItem, defaultRegion string) bool {
	if q.Topic != "" && w.Topic != q.Topic {
		return false
	}
	region := q.Region
	if region == "" {
		region = defaultRegion
	}
	if region != "" && w.Region != region {
		return false
	}
	if len(q.States) > 0 {
		return slices.Contains(q.States, w.State)
	}
	return q.IncludeDeleted || w.State != StateDeleted
}

// Repository is the storage contract for job records. Create, Update and
// Delete report storage failures as false rather than as errors; the error
// return carries only validation and connection failures.
type Repository interface {
	Create(ctx context.Context, item *WorkItem) (bool, error)
	Read(ctx context.Context, id, topic string) (*WorkItem, error)
	Find(ctx context.Context, q Query) ([]*WorkItem, error)
	Update(ctx context.Context, item *WorkItem) (bool, error)
	Delete(ctx context.Context, item *WorkItem) (bool, error)
	DeleteAll(ctx context.Context) (int64, error)
	DeleteExpired(ctx context.Context) (int64, error)
	// Monitor streams progress updates until the underlying cursor ends or
	// ctx is cancelled. An empty id watches every record updated today.
	Monitor(ctx context.Context, id string) (<-chan *WorkItem, error)
}

package db

import (
	"go.mongodb.org/mongo-driver/bson"

	"jobstore/models"
)

// FilterBuilder composes query predicates for the jobs collection. The zero
// value builds filters that are not scoped to any region.
type FilterBuilder struct {
	region string
}

// NewFilterBuilder returns a builder whose filters default to region.
func NewFilterBuilder(region string) FilterBuilder {
	return FilterBuilder{region: region}
}

// ByID matches a single record by id, narrowed by topic when given and by
// the configured region.
func (b FilterBuilder) ByID(id, topic string) bson.D {
	return And(
		bson.D{{Key: fieldID, Value: id}},
		topicFilter(topic),
		b.regionFilter(""),
	)
}

// ByQuery matches records by topic, region and state. An explicit region
// always wins over the configured one. With no states, Deleted records are
// excluded unless q.IncludeDeleted is set.
func (b FilterBuilder) ByQuery(q models.Query) bson.D {
	return And(
		topicFilter(q.Topic),
		b.regionFilter(q.Region),
		stateFilter(q.States, q.IncludeDeleted),
	)
}

// And combines the non-nil filters. No filters matches every record.
func And(filters ...bson.D) bson.D {
	valid := make(bson.A, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			valid = append(valid, f)
		}
	}
	switch len(valid) {
	case 0:
		return bson.D{}
	case 1:
		return valid[0].(bson.D)
	default:
		return bson.D{{Key: "$and", Value: valid}}
	}
}

func topicFilter(topic string) bson.D {
	if topic == "" {
		return nil
	}
	return bson.D{{Key: fieldTopic, Value: topic}}
}

func (b FilterBuilder) regionFilter(region string) bson.D {
	if region == "" {
		region = b.region
	}
	if region == "" {
		return nil
	}
	return bson.D{{Key: fieldRegion, Value: region}}
}

func stateFilter(states []models.State, includeDeleted bool) bson.D {
	if len(states) > 0 {
		in := make(bson.A, 0, len(states))
		for _, s := range states {
			in = append(in, string(s))
		}
		return bson.D{{Key: fieldState, Value: bson.D{{Key: "$in", Value: in}}}}
	}
	if includeDeleted {
		return nil
	}
	return notDeleted()
}

func notDeleted() bson.D {
	return bson.D{{Key: fieldState, Value: bson.D{{Key: "$ne", Value: string(models.StateDeleted)}}}}
}

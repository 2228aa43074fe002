package db

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"jobstore/models"
)

// BSON field names. They are part of the persisted contract.
const (
	fieldRegion       = "Region"
	fieldTopic        = "Topic"
	fieldID           = "Id"
	fieldCommand      = "Command"
	fieldState        = "State"
	fieldDescription  = "Description"
	fieldPayload      = "Payload"
	fieldProgress     = "Progress"
	fieldResult       = "Result"
	fieldError        = "Error"
	fieldPriority     = "Priority"
	fieldTimeToRun    = "TimeToRun"
	fieldDelaySeconds = "DelaySeconds"
	fieldCreated      = "Created"
	fieldUpdated      = "Updated"
	fieldExpiry       = "Expiry"
	fieldOwnedBy      = "OwnedBy"
	fieldHistory      = "History"
)

// workItemDocument is the persisted shape of a job record.
type workItemDocument struct {
	ObjectID     primitive.ObjectID `bson:"_id,omitempty"`
	Region       string             `bson:"Region"`
	Topic        string             `bson:"Topic"`
	Id           string             `bson:"Id"`
	Command      string             `bson:"Command,omitempty"`
	State        string             `bson:"State"`
	Description  string             `bson:"Description,omitempty"`
	Payload      string             `bson:"Payload"`
	Progress     *int               `bson:"Progress,omitempty"`
	Result       string             `bson:"Result,omitempty"`
	Error        string             `bson:"Error,omitempty"`
	Priority     int                `bson:"Priority"`
	TimeToRun    int                `bson:"TimeToRun"`
	DelaySeconds *int               `bson:"DelaySeconds,omitempty"`
	Created      time.Time          `bson:"Created"`
	Updated      time.Time          `bson:"Updated"`
	Expiry       *time.Time         `bson:"Expiry,omitempty"`
	OwnedBy      string             `bson:"OwnedBy,omitempty"`
	History      []historyDocument  `bson:"History"`
}

type historyDocument struct {
	Updated time.Time `bson:"Updated"`
	State   string    `bson:"State"`
	Result  string    `bson:"Result,omitempty"`
}

// changeEvent is the subset of a change stream event the watcher reads.
type changeEvent struct {
	OperationType string            `bson:"operationType"`
	FullDocument  *workItemDocument `bson:"fullDocument"`
}

func toDocument(w *models.WorkItem) *workItemDocument {
	c := w.Clone()
	return &workItemDocument{
		Region:       c.Region,
		Topic:        c.Topic,
		Id:           c.Id,
		Command:      c.Command,
		State:        string(c.State),
		Description:  c.Description,
		Payload:      c.Payload,
		Progress:     c.Progress,
		Result:       c.Result,
		Error:        c.Error,
		Priority:     c.Priority,
		TimeToRun:    c.TimeToRun,
		DelaySeconds: c.DelaySeconds,
		Created:      c.Created,
		Updated:      c.Updated,
		Expiry:       c.Expiry,
		OwnedBy:      c.OwnedBy,
		History:      toHistoryDocuments(c.History),
	}
}

func fromDocument(d *workItemDocument) *models.WorkItem {
	w := &models.WorkItem{
		Id:           d.Id,
		Region:       d.Region,
		Topic:        d.Topic,
		Command:      d.Command,
		State:        models.State(d.State),
		Description:  d.Description,
		Payload:      d.Payload,
		Progress:     d.Progress,
		Result:       d.Result,
		Error:        d.Error,
		Priority:     d.Priority,
		TimeToRun:    d.TimeToRun,
		DelaySeconds: d.DelaySeconds,
		Created:      d.Created.UTC(),
		Updated:      d.Updated.UTC(),
		OwnedBy:      d.OwnedBy,
	}
	if w.State == "" {
		w.State = models.StateUnknown
	}
	if d.Expiry != nil {
		exp := d.Expiry.UTC()
		w.Expiry = &exp
	}
	if d.History != nil {
		w.History = make([]models.HistoryEntry, 0, len(d.History))
		for _, h := range d.History {
			w.History = append(w.History, models.HistoryEntry{
				Updated: h.Updated.UTC(),
				State:   models.State(h.State),
				Result:  h.Result,
			})
		}
	}
	return w
}

func toHistoryDocuments(history []models.HistoryEntry) []historyDocument {
	docs := make([]historyDocument, 0, len(history))
	for _, h := range history {
		docs = append(docs, historyDocument{Updated: h.Updated, State: string(h.State), Result: h.Result})
	}
	return docs
}

package models

import (
	"fmt"
	"time"
)

// WorkItem represents a job record as handed to and returned from a store.
// Callers always receive copies; mutating one never touches stored state.
type WorkItem struct {
	Id           string         `json:"id"`
	Region       string         `json:"region,omitempty"`
	Topic        string         `json:"topic,omitempty"`
	Command      string         `json:"command,omitempty"`
	State        State          `json:"state"`
	Description  string         `json:"description,omitempty"`
	Payload      string         `json:"payload,omitempty"`
	Progress     *int           `json:"progress,omitempty"`
	Result       string         `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	Priority     int            `json:"priority"`
	TimeToRun    int            `json:"timeToRun"`
	DelaySeconds *int           `json:"delaySeconds,omitempty"`
	Created      time.Time      `json:"created"`
	Updated      time.Time      `json:"updated"`
	Expiry       *time.Time     `json:"expiry,omitempty"`
	OwnedBy      string         `json:"ownedBy,omitempty"`
	History      []HistoryEntry `json:"history,omitempty"`
}

// HistoryEntry is a snapshot of a record taken right before its state or
// result changed.
type HistoryEntry struct {
	Updated time.Time `json:"updated"`
	State   State     `json:"state"`
	Result  string    `json:"result,omitempty"`
}

func (h HistoryEntry) String() string {
	return fmt.Sprintf("[%s] State=%s.", h.Updated.Format(time.RFC3339), h.State)
}

// Default values applied to new records.
const (
	DefaultPriority  = 1
	DefaultTimeToRun = 60
)

// NotFound returns the placeholder returned by reads that matched nothing.
func NotFound(id string) *WorkItem {
	return &WorkItem{Id: id, State: StateUnknown}
}

// Found reports whether w is a real record rather than a NotFound placeholder.
func (w *WorkItem) Found() bool {
	return w != nil && w.State != StateUnknown
}

// ApplyDefaults fills the zero-valued fields of a record about to be created.
func (w *WorkItem) ApplyDefaults(now time.Time) {
	if w.State == StateUnknown || w.State == "" {
		w.State = StatePending
	}
	if w.Priority == 0 {
		w.Priority = DefaultPriority
	}
	if w.TimeToRun == 0 {
		w.TimeToRun = DefaultTimeToRun
	}
	if w.Created.IsZero() {
		w.Created = now
	}
	if w.Updated.IsZero() {
		w.Updated = now
	}
	if w.History == nil {
		w.History = []HistoryEntry{}
	}
}

// Snapshot returns the history entry describing w as it is now.
func (w *WorkItem) Snapshot() HistoryEntry {
	return HistoryEntry{Updated: w.Updated, State: w.State, Result: w.Result}
}

// Runtime is the maximum time the job may run without interaction.
func (w *WorkItem) Runtime() time.Duration {
	return time.Duration(w.TimeToRun) * time.Second
}

// Delay is the time before the job starts, zero when not delayed.
func (w *WorkItem) Delay() time.Duration {
	if w.DelaySeconds == nil || *w.DelaySeconds <= 0 {
		return 0
	}
	return time.Duration(*w.DelaySeconds) * time.Second
}

// Duration is the time elapsed between creation and the last update.
func (w *WorkItem) Duration() time.Duration {
	return w.Updated.Sub(w.Created)
}

// Clone returns a deep copy of w.
func (w *WorkItem) Clone() *WorkItem {
	if w == nil {
		return nil
	}
	c := *w
	if w.Progress != nil {
		p := *w.Progress
		c.Progress = &p
	}
	if w.DelaySeconds != nil {
		d := *w.DelaySeconds
		c.DelaySeconds = &d
	}
	if w.Expiry != nil {
		e := *w.Expiry
		c.Expiry = &e
	}
	if w.History != nil {
		c.History = make([]HistoryEntry, len(w.History))
		copy(c.History, w.History)
	}
	return &c
}

func (w *WorkItem) String() string {
	return fmt.Sprintf("[%s] ID=%s, State=%s, Topic=%s.", w.Updated.Format(time.RFC3339), w.Id, w.State, w.Topic)
}

// IntPtr is a convenience for populating optional integer fields.
func IntPtr(v int) *int {
	return &v
}

package models

import "fmt"

// Limits bounds the size of free-text fields.
type Limits struct {
	MaxPayloadLength     int `mapstructure:"max_payload_length"`
	MaxResultLength      int `mapstructure:"max_result_length"`
	MaxErrorLength       int `mapstructure:"max_error_length"`
	MaxDescriptionLength int `mapstructure:"max_description_length"`
}

// DefaultLimits keeps a record comfortably below the 16MB document limit
// even with a long history.
var DefaultLimits = Limits{
	MaxPayloadLength:     64 * 1024,
	MaxResultLength:      16 * 1024,
	MaxErrorLength:       4 * 1024,
	MaxDescriptionLength: 1024,
}

// ValidationError is returned when a record is rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func lengthCheck(field, value string, max int) error {
	if max > 0 && len(value) > max {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be %d or less characters long", max)}
	}
	return nil
}

// Validate checks w against l and normalizes State to its canonical
// spelling. A zero limit disables that length check.
func (w *WorkItem) Validate(l Limits) error {
	if w == nil {
		return &ValidationError{Field: "item", Reason: "is nil"}
	}
	checks := []struct {
		field string
		value string
		max   int
	}{
		{"payload", w.Payload, l.MaxPayloadLength},
		{"result", w.Result, l.MaxResultLength},
		{"error", w.Error, l.MaxErrorLength},
		{"description", w.Description, l.MaxDescriptionLength},
	}
	for _, c := range checks {
		if err := lengthCheck(c.field, c.value, c.max); err != nil {
			return err
		}
	}
	if w.Progress != nil && (*w.Progress < 0 || *w.Progress > 100) {
		return &ValidationError{Field: "progress", Reason: "must be between 0 and 100"}
	}
	if w.TimeToRun < 0 {
		return &ValidationError{Field: "timeToRun", Reason: "must not be negative"}
	}
	if w.DelaySeconds != nil && *w.DelaySeconds < 0 {
		return &ValidationError{Field: "delaySeconds", Reason: "must not be negative"}
	}
	if w.State != "" {
		st, err := ParseState(string(w.State))
		if err != nil {
			return &ValidationError{Field: "state", Reason: err.Error()}
		}
		// Stored states and filters use the canonical spelling.
		w.State = st
	}
	return nil
}

// ValidateNew validates a record about to be created. New records cannot
// start out deleted.
func (w *WorkItem) ValidateNew(l Limits) error {
	if err := w.Validate(l); err != nil {
		return err
	}
	if w.State == StateDeleted {
		return &ValidationError{Field: "state", Reason: "a new job cannot be deleted"}
	}
	return nil
}

// ValidateUpdate validates a record about to replace stored values. The
// state is always written, so it must be known.
func (w *WorkItem) ValidateUpdate(l Limits) error {
	if err := w.Validate(l); err != nil {
		return err
	}
	if w.State == "" || w.State == StateUnknown {
		return &ValidationError{Field: "state", Reason: "must be set on update"}
	}
	return nil
}

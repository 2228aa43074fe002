package models

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a job record.
type State string

// Valid states for a job
const (
	StateUnknown   State = "Unknown"
	StatePending   State = "Pending"
	StateRunning   State = "Running"
	StateCompleted State = "Completed"
	StateSuspended State = "Suspended"
	StateDeleted   State = "Deleted"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateUnknown, StatePending, StateRunning, StateCompleted, StateSuspended, StateDeleted}

// ParseState converts a case-insensitive name into a State.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if strings.EqualFold(string(st), s) {
			return st, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown job state %q", s)
}

// IsActive reports whether the job is waiting or running.
func (s State) IsActive() bool {
	return s == StatePending || s == StateRunning
}

// IsResting reports whether the job is no longer expected to make progress.
func (s State) IsResting() bool {
	return s == StateCompleted || s == StateSuspended || s == StateDeleted
}

// Command is an instruction issued to a job by a producer or worker.
type Command string

const (
	CommandUnknown Command = "Unknown"
	CommandCreate  Command = "Create"
	CommandRun     Command = "Run"
	CommandSuspend Command = "Suspend"
	CommandDelete  Command = "Delete"
)

var commandStates = map[Command]State{
	CommandUnknown: StateUnknown,
	CommandCreate:  StatePending,
	CommandRun:     StateRunning,
	CommandSuspend: StateSuspended,
	CommandDelete:  StateDeleted,
}

// NextState returns the state a job moves to when c is applied.
func (c Command) NextState() State {
	if st, ok := commandStates[c]; ok {
		return st
	}
	return StateUnknown
}

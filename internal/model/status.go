package model

import "strings"

// Status is the raw scheduler status of a task.
type Status string

const (
	StatusSubmitting         Status = "SUBMITTING"
	StatusWaiting            Status = "WAITING"
	StatusProcessing         Status = "PROCESSING"
	StatusScheduling         Status = "SCHEDULING"
	StatusInitializing       Status = "INITIALIZING"
	StatusRunning            Status = "RUNNING"
	StatusCompleted          Status = "COMPLETED"
	StatusRescheduled        Status = "RESCHEDULED"
	StatusFailed             Status = "FAILED"
	StatusFailedCanceled     Status = "FAILED_CANCELED"
	StatusFailedServerError  Status = "FAILED_SERVER_ERROR"
	StatusFailedBackendError Status = "FAILED_BACKEND_ERROR"
	StatusFailedExecTimeout  Status = "FAILED_EXEC_TIMEOUT"
	StatusFailedQueueTimeout Status = "FAILED_QUEUE_TIMEOUT"
	StatusFailedImagePull    Status = "FAILED_IMAGE_PULL"
	StatusFailedUpstream     Status = "FAILED_UPSTREAM"
	StatusFailedEvicted      Status = "FAILED_EVICTED"
	StatusFailedStartError   Status = "FAILED_START_ERROR"
	StatusFailedStartTimeout Status = "FAILED_START_TIMEOUT"
	StatusFailedPreempted    Status = "FAILED_PREEMPTED"
)

// State is one of the four coarse groupings of Status values.
type State string

const (
	StateCompleted State = "completed"
	StateRunning   State = "running"
	StateFailed    State = "failed"
	StatePending   State = "pending"
)

// States lists the categories in display order.
var States = []State{StateCompleted, StateRunning, StateFailed, StatePending}

// stateMembers is the fixed partition of every known status.
var stateMembers = map[State][]Status{
	StateCompleted: {StatusCompleted, StatusRescheduled},
	StateRunning:   {StatusRunning, StatusInitializing},
	StateFailed: {
		StatusFailed, StatusFailedCanceled, StatusFailedServerError, StatusFailedBackendError,
		StatusFailedExecTimeout, StatusFailedQueueTimeout, StatusFailedImagePull, StatusFailedUpstream,
		StatusFailedEvicted, StatusFailedStartError, StatusFailedStartTimeout, StatusFailedPreempted,
	},
	StatePending: {StatusSubmitting, StatusWaiting, StatusProcessing, StatusScheduling},
}

var stateOf = func() map[Status]State {
	m := make(map[Status]State)
	for state, members := range stateMembers {
		for _, s := range members {
			m[s] = state
		}
	}
	return m
}()

// AllStatuses returns every known status grouped by state, in display order.
func AllStatuses() []Status {
	var out []Status
	for _, st := range States {
		out = append(out, stateMembers[st]...)
	}
	return out
}

// StateMembers returns the statuses belonging to a state.
func StateMembers(s State) []Status {
	return stateMembers[s]
}

// StateOf returns the category of a raw status, case-insensitively.
// Unknown FAILED_* statuses are treated as failed.
func StateOf(status string) (State, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(status)))
	if st, ok := stateOf[s]; ok {
		return st, true
	}
	if strings.HasPrefix(string(s), "FAILED") {
		return StateFailed, true
	}
	return "", false
}

// ParseState resolves a category name, case-insensitively.
func ParseState(name string) (State, bool) {
	st := State(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := stateMembers[st]; ok {
		return st, true
	}
	return "", false
}

package task

import (
	"errors"
	"strings"
)

// Status is the task lifecycle state as shown to observers.
// Failed tasks carry their reason: "failed: <reason>".
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"

	failedPrefix = "failed"
)

var (
	// ErrTaskNotFound is returned by queries for an unknown task id
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a task cannot enter the requested status
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Failed builds the failed status carrying reason
func Failed(reason string) Status {
	return Status(failedPrefix + ": " + reason)
}

// IsFailed reports whether s is a failed status
func (s Status) IsFailed() bool {
	return strings.HasPrefix(string(s), failedPrefix)
}

// IsTerminal reports whether no further transitions are allowed
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s.IsFailed()
}

// canTransition enforces pending -> running -> (completed | failed)
func canTransition(from, to Status) bool {
	switch {
	case from == StatusPending:
		return to == StatusRunning
	case from == StatusRunning:
		return to == StatusCompleted || to.IsFailed()
	default:
		return false
	}
}

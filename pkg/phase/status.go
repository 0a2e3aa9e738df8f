package phase

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle status of a single phase.
type Status string

// phase status constants.
const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusValidating Status = "VALIDATING"
	StatusBlocked    Status = "BLOCKED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// transitions is the status transition table. a completed phase may be
// re-opened, but only through an explicit transition back to IN_PROGRESS.
var transitions = map[Status][]Status{
	StatusNotStarted: {StatusInProgress},
	StatusInProgress: {StatusValidating, StatusBlocked},
	StatusValidating: {StatusCompleted, StatusFailed, StatusInProgress},
	StatusBlocked:    {StatusInProgress},
	StatusFailed:     {StatusInProgress},
	StatusCompleted:  {StatusInProgress},
}

// ParseStatus converts a string to a Status, accepting any case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", &ValidationError{Op: "parse status", Reason: fmt.Sprintf("unknown status %q", s)}
	}
	return st, nil
}

// Successors returns the statuses reachable from the given status.
func Successors(from Status) []Status {
	succ, ok := transitions[from]
	if !ok {
		return nil
	}
	res := make([]Status, len(succ))
	copy(res, succ)
	return res
}

// CanTransition reports whether the transition from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, succ := range transitions[from] {
		if succ == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a ValidationError naming both statuses when the
// transition is not allowed.
func CheckTransition(p Phase, from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &ValidationError{
		Op:     "transition phase",
		Reason: fmt.Sprintf("phase %s cannot move from %s to %s", p, from, to),
	}
}

package phase

import "fmt"

// ValidationError is the single error type for rule violations across the
// rollout domain: bad input, failed thresholds, disallowed transitions.
// the web layer maps it to HTTP 400; everything else surfaces as 500.
type ValidationError struct {
	Op     string // operation that rejected the input, e.g. "start phase"
	Field  string // offending field or requirement key, if any
	Reason string // human-readable explanation
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

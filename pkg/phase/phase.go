// Package phase defines the beta rollout phases and the per-phase status model.
// phases are totally ordered; a phase may only be entered after its immediate
// predecessor completed. the status transition table is the single source of
// truth for allowed status changes across all components.
package phase

import (
	"fmt"
	"strings"
)

// Phase represents a named stage in the beta rollout sequence.
type Phase string

// rollout phases in their fixed order.
const (
	Onboarding     Phase = "ONBOARDING"
	CoreFeatures   Phase = "CORE_FEATURES"
	DataSafety     Phase = "DATA_SAFETY"
	UserExperience Phase = "USER_EXPERIENCE"
)

// order holds all phases in rollout order.
var order = []Phase{Onboarding, CoreFeatures, DataSafety, UserExperience}

// All returns the rollout phases in their fixed order.
func All() []Phase {
	res := make([]Phase, len(order))
	copy(res, order)
	return res
}

// Parse converts a string to a Phase, accepting any case.
func Parse(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", &ValidationError{Op: "parse phase", Reason: fmt.Sprintf("unknown phase %q", s)}
	}
	return p, nil
}

// Valid reports whether p is one of the known rollout phases.
func (p Phase) Valid() bool {
	for _, known := range order {
		if p == known {
			return true
		}
	}
	return false
}

// Index returns the position of p in the rollout order, or -1 for unknown phases.
func (p Phase) Index() int {
	for i, known := range order {
		if p == known {
			return i
		}
	}
	return -1
}

// Next returns the phase following p, or false if p is the last phase or unknown.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i == len(order)-1 {
		return "", false
	}
	return order[i+1], true
}

// Prev returns the phase preceding p, or false if p is the first phase or unknown.
func (p Phase) Prev() (Phase, bool) {
	i := p.Index()
	if i <= 0 {
		return "", false
	}
	return order[i-1], true
}

// Ring returns the rollout ring label for p. the ring is a coarse audience
// grouping used in stakeholder messages: internal dogfood, limited beta,
// open beta.
func (p Phase) Ring() string {
	switch p {
	case Onboarding, CoreFeatures:
		return "internal"
	case DataSafety:
		return "limited"
	case UserExperience:
		return "open"
	default:
		return "unknown"
	}
}

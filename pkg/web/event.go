// Package web provides the HTTP API for the rollout and SSE streaming of
// phase and process events.
package web

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/umputun/betagate/pkg/notify"
	"github.com/umputun/betagate/pkg/phase"
	"github.com/umputun/betagate/pkg/store"
)

// EventType represents the type of event being streamed.
type EventType string

// event type constants for SSE streaming.
const (
	EventTypeTransition EventType = "transition" // phase lifecycle change
	EventTypeProcess    EventType = "process"    // enforcement process run
	EventTypeEvidence   EventType = "evidence"   // evidence stored or detected
	EventTypeError      EventType = "error"      // error message
)

// Event represents a single event streamed to web clients.
type Event struct {
	Type      EventType   `json:"type"`
	Phase     phase.Phase `json:"phase"`
	Text      string      `json:"text"`
	Detail    string      `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewTransitionEvent creates an event from a phase transition notification.
func NewTransitionEvent(tr notify.Transition) Event {
	text := fmt.Sprintf("%s: %s", tr.Event, tr.Phase)
	if tr.From != "" && tr.To != "" {
		text = fmt.Sprintf("%s: %s (%s -> %s)", tr.Event, tr.Phase, tr.From, tr.To)
	}
	ts := tr.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Event{
		Type:      EventTypeTransition,
		Phase:     phase.Phase(tr.Phase),
		Text:      text,
		Detail:    tr.Detail,
		Timestamp: ts,
	}
}

// NewProcessEvent creates an event from an enforcement process record.
func NewProcessEvent(rec store.ProcessRecord) Event {
	return Event{
		Type:      EventTypeProcess,
		Phase:     rec.Phase,
		Text:      fmt.Sprintf("%s %s: %s", rec.Type, rec.ID, rec.Status),
		Detail:    rec.Error,
		Timestamp: time.Now(),
	}
}

// NewEvidenceEvent creates an event for stored or detected evidence.
func NewEvidenceEvent(p phase.Phase, text string) Event {
	return Event{
		Type:      EventTypeEvidence,
		Phase:     p,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// NewErrorEvent creates an error event.
func NewErrorEvent(p phase.Phase, text string) Event {
	return Event{
		Type:      EventTypeError,
		Phase:     p,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// JSON returns the event as JSON bytes for SSE streaming.
func (e Event) JSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

package web

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/betagate/pkg/notify"
	"github.com/umputun/betagate/pkg/phase"
	"github.com/umputun/betagate/pkg/store"
)

func TestNewTransitionEvent(t *testing.T) {
	t.Run("with from and to", func(t *testing.T) {
		e := NewTransitionEvent(notify.Transition{
			Event: "advanced", Phase: "CORE_FEATURES", From: "ONBOARDING", To: "CORE_FEATURES",
			Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		})
		assert.Equal(t, EventTypeTransition, e.Type)
		assert.Equal(t, phase.CoreFeatures, e.Phase)
		assert.Equal(t, "advanced: CORE_FEATURES (ONBOARDING -> CORE_FEATURES)", e.Text)
		assert.Equal(t, 2026, e.Timestamp.Year())
	})

	t.Run("without from fills timestamp", func(t *testing.T) {
		e := NewTransitionEvent(notify.Transition{Event: "started", Phase: "ONBOARDING"})
		assert.Equal(t, "started: ONBOARDING", e.Text)
		assert.False(t, e.Timestamp.IsZero())
	})
}

func TestNewProcessEvent(t *testing.T) {
	e := NewProcessEvent(store.ProcessRecord{
		ID: "PROC-1-deadbeef", Type: "VALIDATION", Phase: phase.DataSafety, Status: "COMPLETED",
	})
	assert.Equal(t, EventTypeProcess, e.Type)
	assert.Equal(t, phase.DataSafety, e.Phase)
	assert.Equal(t, "VALIDATION PROC-1-deadbeef: COMPLETED", e.Text)
}

func TestEvent_JSON(t *testing.T) {
	e := NewErrorEvent(phase.Onboarding, "something broke")
	data, err := e.JSON()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "error", decoded["type"])
	assert.Equal(t, "ONBOARDING", decoded["phase"])
	assert.Equal(t, "something broke", decoded["text"])
}

package report

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/betagate/pkg/evidence"
	"github.com/umputun/betagate/pkg/phase"
	"github.com/umputun/betagate/pkg/store"
)

func TestBuild(t *testing.T) {
	ev, err := evidence.New(filepath.Join(t.TempDir(), "evidence"), "")
	require.NoError(t, err)
	_, err = ev.Store(phase.Onboarding, "user_documentation", map[string]any{"guide": "g", "faq": "f"})
	require.NoError(t, err)
	_, err = ev.Store(phase.Onboarding, "signup_flow", map[string]any{"success_rate": 98})
	require.NoError(t, err)

	started := time.Now().Add(-2 * time.Hour)
	completed := time.Now().Add(-time.Hour)

	st := store.NewState()
	st.CurrentPhase = phase.CoreFeatures
	st.CompletedPhases = []phase.Phase{phase.Onboarding}
	st.PhaseStatuses[phase.Onboarding] = phase.StatusCompleted
	st.PhaseStatuses[phase.CoreFeatures] = phase.StatusInProgress
	st.PhaseTimes[phase.Onboarding] = store.Times{Started: &started, Completed: &completed}
	st.PhaseTimes[phase.CoreFeatures] = store.Times{Started: &completed}
	st.Processes = map[string]store.ProcessRecord{
		"PROC-1-abc": {ID: "PROC-1-abc", Type: "VALIDATION", Phase: phase.Onboarding, Status: "COMPLETED", StartTime: started},
		"PROC-2-def": {ID: "PROC-2-def", Type: "CRITICAL_PATH", Phase: phase.CoreFeatures, Status: "FAILED", StartTime: completed, Error: "prior phase incomplete"},
	}
	st.Version = 7
	st.Timestamp = time.Now()

	md, err := Build(st, ev)
	require.NoError(t, err)

	assert.Contains(t, md, "# Beta Rollout Status")
	assert.Contains(t, md, "**Current phase:** CORE_FEATURES (internal ring)")
	assert.Contains(t, md, "**Completed:** 1 of 4 phases")
	assert.Contains(t, md, "| ONBOARDING | internal | COMPLETED | VALIDATED | 100% |")
	assert.Contains(t, md, "CORE_FEATURES ←")
	assert.Contains(t, md, "- DATA_SAFETY: not started")
	assert.Contains(t, md, "took 1 hour")
	assert.Contains(t, md, "`PROC-2-def` CRITICAL_PATH on CORE_FEATURES: FAILED — prior phase incomplete")
	assert.Contains(t, md, "State version 7")

	// newest process first
	assert.Less(t, strings.Index(md, "PROC-2-def"), strings.Index(md, "PROC-1-abc"))
}

func TestBuild_FreshState(t *testing.T) {
	ev, err := evidence.New(filepath.Join(t.TempDir(), "evidence"), "")
	require.NoError(t, err)

	md, err := Build(store.NewState(), ev)
	require.NoError(t, err)
	assert.Contains(t, md, "**Completed:** 0 of 4 phases")
	assert.NotContains(t, md, "## Recent Processes")
	for _, p := range phase.All() {
		assert.Contains(t, md, "- "+string(p)+": not started")
	}
}

func TestRender(t *testing.T) {
	t.Run("no color returns markdown unchanged", func(t *testing.T) {
		out, err := Render("# Title\n\nbody\n", true)
		require.NoError(t, err)
		assert.Equal(t, "# Title\n\nbody\n", out)
	})

	t.Run("renders with glamour", func(t *testing.T) {
		out, err := Render("# Title\n\nbody\n", false)
		require.NoError(t, err)
		assert.Contains(t, out, "Title")
		assert.Contains(t, out, "body")
	})
}

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/betagate/pkg/phase"
)

func TestLoad_MissingFileReturnsFreshState(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.json"))

	st, err := s.Load()
	require.NoError(t, err)

	assert.Equal(t, phase.Onboarding, st.CurrentPhase)
	assert.Empty(t, st.CompletedPhases)
	assert.Equal(t, int64(0), st.Version)
	for _, p := range phase.All() {
		assert.Equal(t, phase.StatusNotStarted, st.PhaseStatuses[p])
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	st, err := s.Load()
	require.NoError(t, err)

	st.CurrentPhase = phase.CoreFeatures
	st.CompletedPhases = []phase.Phase{phase.Onboarding}
	st.PhaseStatuses[phase.Onboarding] = phase.StatusCompleted
	st.PhaseStatuses[phase.CoreFeatures] = phase.StatusInProgress
	now := time.Now().Truncate(time.Second)
	st.PhaseTimes[phase.Onboarding] = Times{Started: &now, Completed: &now}

	require.NoError(t, s.Save(ctx, st))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, st.CurrentPhase, got.CurrentPhase)
	assert.Equal(t, st.CompletedPhases, got.CompletedPhases)
	assert.Equal(t, st.PhaseStatuses, got.PhaseStatuses)
	assert.Equal(t, int64(1), got.Version, "save increments version")
}

func TestSave_VersionConflict(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	st, err := s.Load()
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, st)) // disk now at version 1

	stale := st // still version 0
	stale.CurrentPhase = phase.DataSafety
	err = s.Save(ctx, stale)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// disk state untouched by the conflicting write
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, phase.Onboarding, got.CurrentPhase)
}

func TestMutate(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	st, err := s.Mutate(ctx, func(st *State) error {
		st.PhaseStatuses[phase.Onboarding] = phase.StatusInProgress
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, phase.StatusInProgress, st.PhaseStatuses[phase.Onboarding])
	assert.Equal(t, int64(1), st.Version)

	st, err = s.Mutate(ctx, func(st *State) error {
		st.PhaseStatuses[phase.Onboarding] = phase.StatusValidating
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)

	t.Run("fn error leaves file untouched", func(t *testing.T) {
		_, err := s.Mutate(ctx, func(st *State) error {
			st.CurrentPhase = phase.UserExperience
			return assert.AnError
		})
		require.Error(t, err)

		got, loadErr := s.Load()
		require.NoError(t, loadErr)
		assert.Equal(t, phase.Onboarding, got.CurrentPhase)
		assert.Equal(t, int64(2), got.Version)
	})
}

func TestWrite_FileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(path)
	ctx := context.Background()

	st, err := s.Load()
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, st))

	data, err := os.ReadFile(path) //nolint:gosec // test temp path
	require.NoError(t, err)
	assert.Contains(t, string(data), "  \"current_phase\"", "2-space indent")

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "ONBOARDING", doc["current_phase"])
	assert.Contains(t, doc, "phase_statuses")
	assert.Contains(t, doc, "timestamp")
}

func TestLoad_CorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := New(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse state file")
}

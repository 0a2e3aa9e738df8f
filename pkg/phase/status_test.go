package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tbl := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusNotStarted, StatusInProgress, true},
		{StatusNotStarted, StatusCompleted, false},
		{StatusNotStarted, StatusValidating, false},
		{StatusInProgress, StatusValidating, true},
		{StatusInProgress, StatusBlocked, true},
		{StatusInProgress, StatusCompleted, false},
		{StatusInProgress, StatusFailed, false},
		{StatusValidating, StatusCompleted, true},
		{StatusValidating, StatusFailed, true},
		{StatusValidating, StatusInProgress, true},
		{StatusValidating, StatusBlocked, false},
		{StatusBlocked, StatusInProgress, true},
		{StatusBlocked, StatusCompleted, false},
		{StatusFailed, StatusInProgress, true},
		{StatusFailed, StatusCompleted, false},
		{StatusCompleted, StatusInProgress, true}, // explicit re-open
		{StatusCompleted, StatusValidating, false},
		{StatusCompleted, StatusFailed, false},
	}

	for _, tc := range tbl {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, CanTransition(tc.from, tc.to))
		})
	}
}

func TestCheckTransition(t *testing.T) {
	t.Run("allowed transition", func(t *testing.T) {
		require.NoError(t, CheckTransition(Onboarding, StatusNotStarted, StatusInProgress))
	})

	t.Run("rejected transition names both statuses", func(t *testing.T) {
		err := CheckTransition(DataSafety, StatusNotStarted, StatusCompleted)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "NOT_STARTED")
		assert.Contains(t, err.Error(), "COMPLETED")
		assert.Contains(t, err.Error(), "DATA_SAFETY")
	})
}

func TestSuccessors(t *testing.T) {
	t.Run("every status only reaches listed successors", func(t *testing.T) {
		statuses := []Status{StatusNotStarted, StatusInProgress, StatusValidating, StatusBlocked, StatusCompleted, StatusFailed}
		for _, from := range statuses {
			succ := Successors(from)
			for _, to := range statuses {
				listed := false
				for _, s := range succ {
					if s == to {
						listed = true
					}
				}
				assert.Equal(t, listed, CanTransition(from, to), "from=%s to=%s", from, to)
			}
		}
	})

	t.Run("unknown status has no successors", func(t *testing.T) {
		assert.Nil(t, Successors(Status("NOPE")))
	})
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("validating")
	require.NoError(t, err)
	assert.Equal(t, StatusValidating, st)

	_, err = ParseStatus("paused")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

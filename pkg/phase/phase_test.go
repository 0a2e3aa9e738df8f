package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("exact name", func(t *testing.T) {
		p, err := Parse("DATA_SAFETY")
		require.NoError(t, err)
		assert.Equal(t, DataSafety, p)
	})

	t.Run("lowercase and whitespace", func(t *testing.T) {
		p, err := Parse("  core_features ")
		require.NoError(t, err)
		assert.Equal(t, CoreFeatures, p)
	})

	t.Run("unknown phase", func(t *testing.T) {
		_, err := Parse("LAUNCH")
		require.Error(t, err)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, err.Error(), "unknown phase")
	})
}

func TestPhaseOrder(t *testing.T) {
	all := All()
	require.Len(t, all, 4)
	assert.Equal(t, []Phase{Onboarding, CoreFeatures, DataSafety, UserExperience}, all)

	t.Run("next walks the full order", func(t *testing.T) {
		p := Onboarding
		for i := 0; i < 3; i++ {
			next, ok := p.Next()
			require.True(t, ok)
			assert.Equal(t, all[i+1], next)
			p = next
		}
		_, ok := UserExperience.Next()
		assert.False(t, ok, "last phase has no successor")
	})

	t.Run("prev is symmetric", func(t *testing.T) {
		prev, ok := CoreFeatures.Prev()
		require.True(t, ok)
		assert.Equal(t, Onboarding, prev)

		_, ok = Onboarding.Prev()
		assert.False(t, ok, "first phase has no predecessor")
	})

	t.Run("index of unknown phase", func(t *testing.T) {
		assert.Equal(t, -1, Phase("NOPE").Index())
		assert.False(t, Phase("NOPE").Valid())
	})
}

func TestRing(t *testing.T) {
	assert.Equal(t, "internal", Onboarding.Ring())
	assert.Equal(t, "internal", CoreFeatures.Ring())
	assert.Equal(t, "limited", DataSafety.Ring())
	assert.Equal(t, "open", UserExperience.Ring())
	assert.Equal(t, "unknown", Phase("NOPE").Ring())
}

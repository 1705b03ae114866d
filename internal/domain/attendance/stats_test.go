package attendance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStats(t *testing.T) {
	t.Run("seven of ten", func(t *testing.T) {
		s := NewStats(Counts{Conducted: 10, Attended: 7})
		require.NotNil(t, s.Percentage)
		assert.Equal(t, 70.0, *s.Percentage)
		assert.True(t, s.AtLeast(70))
		assert.False(t, s.AtLeast(70.01))
	})

	t.Run("nothing conducted", func(t *testing.T) {
		s := NewStats(Counts{})
		assert.Nil(t, s.Percentage)
		assert.False(t, s.HasRate())
		assert.False(t, s.AtLeast(0))
	})

	t.Run("rounded to two decimals", func(t *testing.T) {
		s := NewStats(Counts{Conducted: 3, Attended: 2})
		require.NotNil(t, s.Percentage)
		assert.Equal(t, 66.67, *s.Percentage)
	})
}

func TestStatsFromMarks(t *testing.T) {
	s := StatsFromMarks(chronological(true, false, true, true))

	assert.Equal(t, 4, s.Conducted)
	assert.Equal(t, 3, s.Attended)
	require.NotNil(t, s.Percentage)
	assert.Equal(t, 75.0, *s.Percentage)
}

func TestSessionStatus(t *testing.T) {
	assert.True(t, StatusConducted.Counts())
	assert.False(t, StatusScheduled.Counts())
	assert.False(t, StatusCancelled.Counts())
	assert.False(t, SessionStatus("postponed").IsValid())
}

package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateOf_UsesLocation(t *testing.T) {
	almaty := time.FixedZone("Asia/Almaty", 5*60*60)
	// 21:30 UTC on Oct 14 is already Oct 15 in Almaty.
	instant := time.Date(2026, time.October, 14, 21, 30, 0, 0, time.UTC)

	assert.Equal(t, Date(2026, time.October, 15), DateOf(instant, almaty))
	assert.Equal(t, Date(2026, time.October, 14), DateOf(instant, time.UTC))
	assert.Equal(t, Date(2026, time.October, 14), DateOf(instant, nil))
}

func TestTrailingWindow(t *testing.T) {
	from, to := TrailingWindow(Date(2026, time.October, 15), 7)
	assert.Equal(t, Date(2026, time.October, 9), from)
	assert.Equal(t, Date(2026, time.October, 15), to)

	from, to = TrailingWindow(Date(2026, time.October, 15), 0)
	assert.Equal(t, from, to)
}

func TestInRange(t *testing.T) {
	from, to := Date(2026, 1, 1), Date(2026, 1, 7)
	assert.True(t, InRange(from, from, to))
	assert.True(t, InRange(to, from, to))
	assert.False(t, InRange(Date(2025, 12, 31), from, to))
	assert.False(t, InRange(Date(2026, 1, 8), from, to))
}

func TestParseFormatDate(t *testing.T) {
	d, err := ParseDate("2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", FormatDate(d))

	_, err = ParseDate("01/03/2026")
	assert.Error(t, err)
}

func TestLoadLocation(t *testing.T) {
	assert.Equal(t, time.UTC, LoadLocation(""))
	assert.Equal(t, time.UTC, LoadLocation("Not/AZone"))
}

func TestFixedClock(t *testing.T) {
	at := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, at, FixedClock(at)())
}

package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejectsUnsupportedPatterns(t *testing.T) {
	cases := []string{"*/15 8-17 * * 1-5", "@daily", "0 0 1 1 *", "not a cron expr"}
	for _, c := range cases {
		_, err := Parse(c)
		assert.Error(t, err, "expected %q to be rejected", c)
	}
}

func TestParseAcceptsTheFourSupportedPatterns(t *testing.T) {
	for _, c := range []string{"*/5 * * * *", "0 * * * *", "0 */3 * * *", "0 0 * * *"} {
		_, err := Parse(c)
		assert.NoError(t, err, "expected %q to be accepted", c)
	}
}

func TestNextEveryNMinutes(t *testing.T) {
	s, err := Parse("*/15 * * * *")
	require.NoError(t, err)
	base := time.Date(2026, 7, 30, 10, 7, 0, 0, time.UTC)
	next := s.Next(base)
	assert.Equal(t, time.Date(2026, 7, 30, 10, 15, 0, 0, time.UTC), next)
}

func TestNextEveryHour(t *testing.T) {
	s, err := Parse("0 * * * *")
	require.NoError(t, err)
	base := time.Date(2026, 7, 30, 10, 30, 0, 0, time.UTC)
	next := s.Next(base)
	assert.Equal(t, time.Date(2026, 7, 30, 11, 0, 0, 0, time.UTC), next)
}

func TestNextEveryNHours(t *testing.T) {
	s, err := Parse("0 */6 * * *")
	require.NoError(t, err)
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	next := s.Next(base)
	assert.Equal(t, time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC), next)
}

func TestNextDailyNeverReturnsInputAtExactMidnight(t *testing.T) {
	s, err := Parse("0 0 * * *")
	require.NoError(t, err)
	midnight := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	next := s.Next(midnight)
	assert.Equal(t, time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), next)
}

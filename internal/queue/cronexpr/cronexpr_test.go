package cronexpr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.True(t, Validate("*/5 * * * *"))
	assert.True(t, Validate("0 9 * * 1-5"))
	assert.False(t, Validate("not a cron expression"))
	assert.False(t, Validate("60 * * * *")) // minute out of range
}

func TestNextOccurrenceUTC(t *testing.T) {
	after := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	next, err := NextOccurrence("0 10 * * *", "", after)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), *next)
}

func TestNextOccurrenceIsStrictlyAfter(t *testing.T) {
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	next, err := NextOccurrence("0 10 * * *", "", at)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.After(at), "next occurrence must be strictly after the reference instant, even an exact match")
}

func TestNextOccurrenceRespectsTimezone(t *testing.T) {
	after := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextOccurrence("0 9 * * *", "America/New_York", after)
	require.NoError(t, err)
	require.NotNil(t, next)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	local := next.In(loc)
	assert.Equal(t, 9, local.Hour())
}

func TestNextOccurrenceInvalidExpression(t *testing.T) {
	_, err := NextOccurrence("not a cron", "", time.Now().UTC())
	assert.Error(t, err)
}

func TestNextOccurrenceInvalidTimezone(t *testing.T) {
	_, err := NextOccurrence("* * * * *", "Nowhere/Imaginary", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
}

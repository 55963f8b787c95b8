package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryBackoff(t *testing.T) {
	cases := []struct {
		name     string
		attempts int
		want     time.Duration
	}{
		{"zero attempts", 0, 1 * time.Minute},
		{"one attempt", 1, 1 * time.Minute},
		{"two attempts", 2, 2 * time.Minute},
		{"three attempts", 3, 4 * time.Minute},
		{"capped at max shift", 11, 1024 * time.Minute},
		{"beyond max shift still capped", 25, 1024 * time.Minute},
		{"negative attempts clamp to zero", -1, 1 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RetryBackoff(tc.attempts))
		})
	}
}

func TestRetryBackoffMonotonic(t *testing.T) {
	prev := RetryBackoff(1)
	for n := 2; n <= maxBackoffShift+1; n++ {
		cur := RetryBackoff(n)
		assert.Greater(t, cur, prev, "backoff must strictly increase up to the cap")
		prev = cur
	}
	assert.Equal(t, RetryBackoff(maxBackoffShift+1), RetryBackoff(maxBackoffShift+6), "backoff must flatten past the cap")
}

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff_Delay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		numErrors int
		want      time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{5, 32 * time.Minute},
		{10, 1024 * time.Minute},
		{11, 24 * time.Hour},
		{1000, 24 * time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultBackoff.Delay(tt.numErrors), "numErrors=%d", tt.numErrors)
	}
}

func TestExponentialBackoff_MonotonicAndCapped(t *testing.T) {
	t.Parallel()

	policies := []ExponentialBackoff{
		DefaultBackoff,
		{Base: time.Second, Cap: time.Hour},
		{Base: 7 * time.Second, Cap: 90 * time.Second},
		{Base: time.Hour, Cap: time.Minute},
		{},
	}

	for _, b := range policies {
		prev := time.Duration(0)
		for n := 0; n <= 500; n++ {
			d := b.Delay(n)
			assert.GreaterOrEqual(t, d, prev, "policy %+v n=%d", b, n)
			assert.LessOrEqual(t, d, effectiveCap(b), "policy %+v n=%d", b, n)
			assert.Positive(t, d)
			prev = d
		}
	}
}

func effectiveCap(b ExponentialBackoff) time.Duration {
	if b.Cap <= 0 {
		return 24 * time.Hour
	}
	return b.Cap
}

func TestBackoffFunc(t *testing.T) {
	t.Parallel()

	var b Backoff = BackoffFunc(func(n int) time.Duration { return time.Duration(n) * time.Second })
	assert.Equal(t, 3*time.Second, b.Delay(3))
}

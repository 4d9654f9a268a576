package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)

		return nil
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	var delays []time.Duration

	p := Policy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
		Sleep:          recordingSleep(&delays),
	}

	calls := 0
	attempts, err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)

		if attempt < 3 {
			return errTransient
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestDoExhaustsBudget(t *testing.T) {
	var delays []time.Duration

	p := Policy{MaxAttempts: 3, Sleep: recordingSleep(&delays)}

	attempts, err := p.Do(context.Background(), func(context.Context, int) error {
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, attempts)
	assert.Len(t, delays, 2)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	errAuth := errors.New("unauthorized")

	p := Policy{MaxAttempts: 5}.WithRetryable(func(err error) bool {
		return errors.Is(err, errTransient)
	})

	attempts, err := p.Do(context.Background(), func(context.Context, int) error {
		return errAuth
	})

	assert.ErrorIs(t, err, errAuth)
	assert.Equal(t, 1, attempts)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := Policy{MaxAttempts: 5, InitialBackoff: time.Hour}

	attempts, err := p.Do(ctx, func(context.Context, int) error {
		cancel()

		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, attempts)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		n      int
		want   time.Duration
	}{
		{name: "no backoff", policy: Policy{}, n: 3, want: 0},
		{name: "first", policy: Policy{InitialBackoff: time.Second, Multiplier: 2}, n: 1, want: time.Second},
		{name: "third", policy: Policy{InitialBackoff: time.Second, Multiplier: 2}, n: 3, want: 4 * time.Second},
		{name: "default multiplier", policy: Policy{InitialBackoff: time.Second}, n: 2, want: 2 * time.Second},
		{
			name:   "capped",
			policy: Policy{InitialBackoff: time.Second, Multiplier: 3, MaxBackoff: 5 * time.Second},
			n:      4,
			want:   5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Backoff(tt.n))
		})
	}
}

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetry keeps the backoff short enough for tests.
func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

var errLostRace = errors.New("running source 7 moved on: version 3 != 4")

// casAttempt fails with a lost optimistic-lock race until it has been called
// wins times, then succeeds.
func casAttempt(wins int, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls < wins {
			return NewTransientError(errLostRace)
		}
		return nil
	}
}

func TestDo_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		fn        func(calls *int) func(context.Context) error
		wantErr   error
		wantFail  bool
		wantCalls int
	}{
		{
			name:      "first write wins",
			attempts:  5,
			fn:        func(c *int) func(context.Context) error { return casAttempt(1, c) },
			wantCalls: 1,
		},
		{
			name:      "lost races then wins",
			attempts:  5,
			fn:        func(c *int) func(context.Context) error { return casAttempt(3, c) },
			wantCalls: 3,
		},
		{
			name:      "always loses",
			attempts:  4,
			fn:        func(c *int) func(context.Context) error { return casAttempt(100, c) },
			wantErr:   errLostRace,
			wantCalls: 4,
		},
		{
			name:     "serialization failure is retried",
			attempts: 3,
			fn: func(c *int) func(context.Context) error {
				return func(context.Context) error {
					*c++
					if *c == 1 {
						return &pgconn.PgError{Code: pgSerializationFailure}
					}
					return nil
				}
			},
			wantCalls: 2,
		},
		{
			name:     "constraint violation is not retried",
			attempts: 5,
			fn: func(c *int) func(context.Context) error {
				return func(context.Context) error {
					*c++
					return &pgconn.PgError{Code: "23505"}
				}
			},
			wantFail:  true,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := Do(context.Background(), fastRetry(tt.attempts), tt.fn(&calls))
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantFail:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestDo_CancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: 50 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}

	var calls int
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errLostRace)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ShouldRetryOverride(t *testing.T) {
	busy := errors.New("database is locked")
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, busy) }

	var calls int
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls == 1 {
			return busy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_OnRetryNumbersAttempts(t *testing.T) {
	cfg := fastRetry(3)
	var seen []int
	cfg.OnRetry = func(attempt int, err error) {
		assert.ErrorIs(t, err, errLostRace)
		seen = append(seen, attempt)
	}

	var calls int
	_ = Do(context.Background(), cfg, casAttempt(100, &calls))
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDo_ZeroConfigUsesDefaults(t *testing.T) {
	var calls int
	require.NoError(t, Do(context.Background(), RetryConfig{}, casAttempt(2, &calls)))
	assert.Equal(t, 2, calls)
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(8, 2, 50)
	assert.Equal(t, 8, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 50*time.Millisecond, cfg.MaxBackoff)

	def := DefaultRetryConfig()
	cfg = FromRetryConfig(0, -1, 0)
	assert.Equal(t, def.MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, def.InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, def.MaxBackoff, cfg.MaxBackoff)
}

func TestComputeBackoff(t *testing.T) {
	cfg := applyDefaults(RetryConfig{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 30 * time.Millisecond})
	cfg.JitterFraction = 0

	var got []time.Duration
	for attempt := 0; attempt < 5; attempt++ {
		got = append(got, computeBackoff(attempt, cfg))
	}
	assert.Equal(t, []time.Duration{
		5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 30 * time.Millisecond,
	}, got)
}

func TestComputeBackoff_JitterStaysInRange(t *testing.T) {
	cfg := applyDefaults(RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})
	cfg.JitterFraction = 0.25

	seen := make(map[time.Duration]bool)
	for i := 0; i < 200; i++ {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1, "jitter should vary the delay")
}

func TestRetryLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		RetryLogger("store", "append_detection")(1, errLostRace)
	})
}

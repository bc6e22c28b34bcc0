package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("connection reset")

func TestDo(t *testing.T) {
	notPending := errors.New("ledger: transaction not pending")

	tests := []struct {
		name        string
		maxAttempts int
		failures    int   // calls that return err before success
		err         error // returned while failing
		wantCalls   int
		wantErr     error
	}{
		{name: "first try", maxAttempts: 3, wantCalls: 1},
		{name: "recovers after transient failures", maxAttempts: 3, failures: 2, err: errTransient, wantCalls: 3},
		{name: "gives up after max attempts", maxAttempts: 3, failures: 10, err: errTransient, wantCalls: 3, wantErr: errTransient},
		{name: "permanent stops at once", maxAttempts: 5, failures: 10, err: Permanent(fmt.Errorf("mark failed: %w", notPending)), wantCalls: 1, wantErr: notPending},
		{name: "zero attempts means one", maxAttempts: 0, failures: 10, err: errTransient, wantCalls: 1, wantErr: errTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), tt.maxAttempts, time.Millisecond, func() error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			var pe *PermanentError
			assert.False(t, errors.As(err, &pe), "permanent wrapper must be stripped")
		})
	}
}

func TestDo_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	err := Do(ctx, 10, time.Hour, func() error {
		calls++
		cancel()
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second, "must not sleep out the backoff")
}

func TestDo_BacksOffBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	_ = Do(context.Background(), 3, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		return errTransient
	})
	require.Len(t, stamps, 3)
	// 20ms then 40ms, each at least 75% of nominal.
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 15*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 30*time.Millisecond)
}

func TestJittered_StaysWithinQuarter(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := jittered(base)
		require.GreaterOrEqual(t, d, 75*time.Millisecond)
		require.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Zero(t, jittered(0))
}

func TestPermanentError_Unwraps(t *testing.T) {
	err := Permanent(errTransient)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, errTransient.Error(), err.Error())
}

// Package retry runs best-effort writes with exponential backoff.
//
// The ledger uses it to fail a parked entry after a rejected or expired
// approval, where losing the write to a transient database error would
// leave funds reserved.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// MaxDelay caps a single backoff sleep.
const MaxDelay = 30 * time.Second

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it without another attempt.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent error, ctx is done, or
// maxAttempts calls have been made. The sleep before attempt n is
// baseDelay*2^(n-1) within +-25%, capped at MaxDelay. A permanent error is
// unwrapped before it is returned.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	delay := baseDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= maxAttempts {
			return err
		}

		t := time.NewTimer(jittered(delay))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		if delay *= 2; delay > MaxDelay {
			delay = MaxDelay
		}
	}
}

// jittered spreads d by +-25% so concurrent retriers do not line up.
func jittered(d time.Duration) time.Duration {
	spread := d / 4
	return d - spread + time.Duration(randInt63n(int64(2*spread+1)))
}

// randInt63n returns a value in [0, n) from crypto/rand.
func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // v>>1 fits in int64 and n > 0
}

// Package retry runs bounded retries with exponential backoff and
// jitter, used mainly for CAS write loops.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks an error Do must not retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do stops immediately and returns it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times. The delay between attempts
// starts at baseDelay, doubles each time, and carries +-25% jitter so
// concurrent writers retrying the same row do not land in lockstep.
// A nil return, a Permanent error, or ctx cancellation ends the loop.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	delay := baseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= maxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		delay *= 2
	}
}

// jittered spreads d over [0.75d, 1.25d].
func jittered(d time.Duration) time.Duration {
	span := d / 2
	if span <= 0 {
		return d
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	offset := time.Duration(binary.LittleEndian.Uint64(b[:]) % uint64(span+1)) //nolint:gosec
	return d - span/2 + offset
}

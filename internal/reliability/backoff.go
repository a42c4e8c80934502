// Package reliability holds retry helpers for upstream connections.
package reliability

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// stableRun is how long a connection must last before the backoff resets.
const stableRun = time.Minute

var errConnectionClosed = errors.New("connection closed")

// NewBackOff returns a jitter-free exponential backoff doubling from base up
// to cap that never gives up on its own.
func NewBackOff(base, cap time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = cap
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Reconnect runs connect until ctx ends. A run that lasted longer than
// stableRun resets the backoff. onError observes every failure together
// with the delay before the next attempt.
func Reconnect(ctx context.Context, base, cap time.Duration, connect func(context.Context) error, onError func(err error, wait time.Duration)) {
	b := NewBackOff(base, cap)
	op := func() error {
		started := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if time.Since(started) > stableRun {
			b.Reset()
		}
		if err == nil {
			err = errConnectionClosed
		}
		return err
	}
	_ = backoff.RetryNotify(op, backoff.WithContext(b, ctx), onError)
}

package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewBackOffDoublesToCap(t *testing.T) {
	b := NewBackOff(100*time.Millisecond, 700*time.Millisecond)
	var got []time.Duration
	for range 5 {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		700 * time.Millisecond,
		700 * time.Millisecond,
	}, got)
}

func TestReconnectRetriesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var waits []time.Duration
	done := make(chan struct{})
	go func() {
		defer close(done)
		Reconnect(ctx, time.Millisecond, 4*time.Millisecond, func(context.Context) error {
			if calls.Add(1) == 4 {
				cancel()
				return nil
			}
			return errors.New("dial failed")
		}, func(_ error, wait time.Duration) {
			waits = append(waits, wait)
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Reconnect did not return after cancel")
	}
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, waits)
}

func TestReconnectRetriesCleanDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var errs []error
	var calls atomic.Int32
	Reconnect(ctx, time.Millisecond, time.Millisecond, func(context.Context) error {
		if calls.Add(1) == 3 {
			cancel()
		}
		return nil
	}, func(err error, _ time.Duration) {
		errs = append(errs, err)
	})
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, errConnectionClosed)
	}
}

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chatbridge/internal/logger"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"chatbridge.task.completed", "chatbridge.task.completed", true},
		{"chatbridge.task.*", "chatbridge.task.failed", true},
		{"chatbridge.*", "chatbridge.task.failed", false},
		{"chatbridge.>", "chatbridge.task.failed", true},
		{"chatbridge.>", "chatbridge", false},
		{"other.>", "chatbridge.task", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.subject), "%s vs %s", tc.pattern, tc.subject)
	}
	assert.Equal(t, "chatbridge.task.queued", Subject("chatbridge.", TypeTaskQueued))
	assert.Equal(t, TypeTaskQueued, Subject("", TypeTaskQueued))
}

func TestMemoryBusDeliversInOrder(t *testing.T) {
	b := NewMemoryBus(logger.Nop())
	defer b.Close()

	got := make(chan string, 10)
	sub, err := b.Subscribe("cb.task.*", func(_ context.Context, e *Event) error {
		got <- e.Type
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "cb.task.queued", NewEvent(TypeTaskQueued, "test", nil)))
	require.NoError(t, b.Publish(ctx, "cb.other", NewEvent("other", "test", nil)))
	require.NoError(t, b.Publish(ctx, "cb.task.started", NewEvent(TypeTaskStarted, "test", nil)))

	for _, want := range []string{TypeTaskQueued, TypeTaskStarted} {
		select {
		case typ := <-got:
			assert.Equal(t, want, typ)
		case <-time.After(time.Second):
			t.Fatalf("missing %s", want)
		}
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(ctx, "cb.task.failed", NewEvent(TypeTaskFailed, "test", nil)))
	select {
	case typ := <-got:
		t.Fatalf("unexpected delivery after unsubscribe: %s", typ)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus(logger.Nop())
	b.Close()
	b.Close()
	assert.ErrorIs(t, b.Publish(context.Background(), "x", NewEvent("x", "t", nil)), ErrBusClosed)
	_, err := b.Subscribe("x", func(context.Context, *Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestFanoutPublishesEverywhere(t *testing.T) {
	a, c := NewMemoryBus(logger.Nop()), NewMemoryBus(logger.Nop())
	f := Fanout{a, c}
	defer f.Close()

	hits := make(chan struct{}, 2)
	for _, b := range []Bus{a, c} {
		_, err := b.Subscribe(">", func(context.Context, *Event) error {
			hits <- struct{}{}
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, f.Publish(context.Background(), "cb.task.queued", NewEvent(TypeTaskQueued, "t", nil)))
	for i := 0; i < 2; i++ {
		select {
		case <-hits:
		case <-time.After(time.Second):
			t.Fatal("fanout did not reach every bus")
		}
	}
}

package asyncqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDeliversInOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		require.True(t, q.Push(i))
	}
	q.Finish()

	var got []int
	for v := range q.All(context.Background()) {
		got = append(got, v)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestQueueNextParksUntilPush(t *testing.T) {
	q := New[string]()
	done := make(chan string, 1)
	go func() {
		v, ok := q.Next(context.Background())
		if ok {
			done <- v
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Next returned before any push")
	case <-time.After(30 * time.Millisecond):
	}

	q.Push("hello")
	select {
	case v := <-done:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken")
	}
}

func TestQueueFinishWakesParkedConsumer(t *testing.T) {
	q := New[int]()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Next(context.Background())
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Finish()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by Finish")
	}
}

func TestQueueDrainsBufferedItemsAfterFinish(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Finish()
	q.Finish()

	assert.False(t, q.Push(3))
	assert.True(t, q.Finished())
	assert.Equal(t, 2, q.Len())

	v, ok := q.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = q.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = q.Next(context.Background())
	assert.False(t, ok)
}

func TestQueueNextHonoursContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := q.Next(ctx)
	assert.False(t, ok)
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(i)
			}
		}()
	}
	go func() {
		wg.Wait()
		q.Finish()
	}()

	count := 0
	for range q.All(context.Background()) {
		count++
	}
	assert.Equal(t, 400, count)
}

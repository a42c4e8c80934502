package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chatbridge/internal/channel"
	"github.com/ent0n29/chatbridge/internal/events"
	"github.com/ent0n29/chatbridge/internal/logger"
)

var keyA = WorkspaceKey{AgentID: "agent", WorkspaceID: "alpha"}
var keyB = WorkspaceKey{AgentID: "agent", WorkspaceID: "beta"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(Options{Logger: logger.Nop(), Now: clock.Now}), clock
}

func msg(user, text string) channel.Message {
	return channel.Message{UserID: user, ChatID: "chat-" + user, Text: text}
}

func TestManagerSerializesPerKey(t *testing.T) {
	m, _ := newTestManager(t)

	t1 := m.Enqueue(keyA, msg("u1", "first"))
	assert.Equal(t, TaskStatusWaiting, t1.Status)
	assert.Equal(t, 0, t1.Position)

	got, ok := m.Next(keyA)
	require.True(t, ok)
	assert.Equal(t, t1.ID, got.ID)
	assert.Equal(t, TaskStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.Equal(t, NoPosition, got.Position)

	t2 := m.Enqueue(keyA, msg("u2", "second"))
	assert.Equal(t, 0, t2.Position)
	_, ok = m.Next(keyA)
	assert.False(t, ok, "second task must wait while the first runs")
	assert.True(t, m.IsRunning(keyA))

	done, err := m.Complete(t1.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.False(t, m.IsRunning(keyA))

	got, ok = m.Next(keyA)
	require.True(t, ok)
	assert.Equal(t, t2.ID, got.ID)
}

func TestManagerKeysAreIndependent(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue(keyA, msg("u1", "a"))
	m.Enqueue(keyB, msg("u1", "b"))

	_, okA := m.Next(keyA)
	_, okB := m.Next(keyB)
	assert.True(t, okA)
	assert.True(t, okB)
	assert.True(t, m.IsRunning(keyA))
	assert.True(t, m.IsRunning(keyB))
}

func TestManagerPositionsAreFIFOAndRecomputed(t *testing.T) {
	m, _ := newTestManager(t)
	running := m.Enqueue(keyA, msg("u1", "run"))
	_, ok := m.Next(keyA)
	require.True(t, ok)

	w1 := m.Enqueue(keyA, msg("u1", "w1"))
	w2 := m.Enqueue(keyA, msg("u2", "w2"))
	w3 := m.Enqueue(keyA, msg("u3", "w3"))
	assert.Equal(t, []int{0, 1, 2}, []int{w1.Position, w2.Position, w3.Position})

	require.True(t, m.Cancel(w2.ID))
	_, err := m.Get(w2.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	positions := map[string]int{}
	for _, task := range m.Tasks(keyA) {
		positions[task.ID] = task.Position
	}
	assert.Equal(t, 0, positions[w1.ID])
	assert.Equal(t, 1, positions[w3.ID])
	assert.Equal(t, NoPosition, positions[running.ID])

	_, err = m.Complete(running.ID)
	require.NoError(t, err)
	next, ok := m.Next(keyA)
	require.True(t, ok)
	assert.Equal(t, w1.ID, next.ID)

	third, err := m.Get(w3.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, third.Position)
}

func TestManagerCancelOnlyWaiting(t *testing.T) {
	m, _ := newTestManager(t)
	t1 := m.Enqueue(keyA, msg("u1", "run"))
	_, _ = m.Next(keyA)

	assert.False(t, m.Cancel(t1.ID), "running task must not be cancelled")
	got, err := m.Get(t1.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusRunning, got.Status)
	assert.False(t, m.Cancel("missing"))
}

func TestManagerFail(t *testing.T) {
	m, _ := newTestManager(t)
	t1 := m.Enqueue(keyA, msg("u1", "boom"))
	t2 := m.Enqueue(keyA, msg("u1", "after"))
	_, _ = m.Next(keyA)

	failed, err := m.Fail(t1.ID, "  agent crashed ")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, failed.Status)
	assert.Equal(t, "agent crashed", failed.Error)
	assert.False(t, m.IsRunning(keyA))

	_, err = m.Fail(t1.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTaskState)
	_, err = m.Complete(t1.ID)
	assert.ErrorIs(t, err, ErrInvalidTaskState)

	next, ok := m.Next(keyA)
	require.True(t, ok)
	assert.Equal(t, t2.ID, next.ID)
}

func TestManagerCompleteRequiresRunning(t *testing.T) {
	m, _ := newTestManager(t)
	t1 := m.Enqueue(keyA, msg("u1", "x"))
	_, err := m.Complete(t1.ID)
	assert.ErrorIs(t, err, ErrInvalidTaskState)
	_, err = m.Complete("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManagerStats(t *testing.T) {
	m, _ := newTestManager(t)
	a := m.Enqueue(keyA, msg("u1", "a"))
	b := m.Enqueue(keyA, msg("u1", "b"))
	m.Enqueue(keyA, msg("u1", "c"))
	m.Enqueue(keyA, msg("u1", "d"))

	_, _ = m.Next(keyA)
	_, err := m.Complete(a.ID)
	require.NoError(t, err)
	_, _ = m.Next(keyA)
	_, err = m.Fail(b.ID, "x")
	require.NoError(t, err)
	_, _ = m.Next(keyA)

	assert.Equal(t, Stats{Running: 1, Waiting: 1, Completed: 1, Failed: 1}, m.Stats(keyA))
	assert.Equal(t, Stats{}, m.Stats(keyB))

	running, ok := m.RunningTask(keyA)
	require.True(t, ok)
	assert.Equal(t, "c", running.Payload.Text)
}

func TestManagerPrunesAfterRetention(t *testing.T) {
	m, clock := newTestManager(t)
	old := m.Enqueue(keyA, msg("u1", "old"))
	_, _ = m.Next(keyA)
	_, err := m.Complete(old.ID)
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	fresh := m.Enqueue(keyA, msg("u1", "fresh"))
	_, _ = m.Next(keyA)
	_, err = m.Complete(fresh.ID)
	require.NoError(t, err)

	_, err = m.Get(old.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = m.Get(fresh.ID)
	assert.NoError(t, err)

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, m.Prune())
	assert.Empty(t, m.Tasks(keyA))
}

func TestManagerCancelWaitingForUser(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue(keyA, msg("u1", "run"))
	_, _ = m.Next(keyA)
	m.Enqueue(keyA, msg("u1", "w1"))
	other := m.Enqueue(keyA, msg("u2", "w2"))
	m.Enqueue(keyA, msg("u1", "w3"))

	assert.Equal(t, 2, m.CancelWaitingForUser(keyA, "u1"))
	got, err := m.Get(other.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Position)
	assert.Equal(t, Stats{Running: 1, Waiting: 1}, m.Stats(keyA))
}

func TestManagerConcurrentEnqueueSingleRunner(t *testing.T) {
	m, _ := newTestManager(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Enqueue(keyA, msg("u", "x"))
		}()
	}
	wg.Wait()

	var started sync.Map
	var count int
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if task, ok := m.Next(keyA); ok {
				started.Store(task.ID, true)
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, count)
	assert.Equal(t, Stats{Running: 1, Waiting: 49}, m.Stats(keyA))
}

type recordingStore struct {
	mu    sync.Mutex
	saved []Task
	ch    chan Task
}

func (s *recordingStore) SaveTask(_ context.Context, task Task) error {
	s.mu.Lock()
	s.saved = append(s.saved, task)
	s.mu.Unlock()
	s.ch <- task
	return nil
}

// GetTask returns the most advanced snapshot of taskID, like the guarded
// upsert of the postgres store.
func (s *recordingStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  Task
		found bool
	)
	for _, task := range s.saved {
		if task.ID != taskID {
			continue
		}
		if !found || progress(task) > progress(best) {
			best, found = task, true
		}
	}
	if !found {
		return Task{}, ErrStoreNotFound
	}
	return best, nil
}

func progress(t Task) int {
	switch {
	case t.CompletedAt != nil:
		return 2
	case t.StartedAt != nil:
		return 1
	}
	return 0
}

func (s *recordingStore) ListTasksByUser(_ context.Context, _ WorkspaceKey, userID string, _ int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, task := range s.saved {
		if task.Payload.UserID == userID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *recordingStore) Close() error { return nil }

func TestManagerPublishesAndPersists(t *testing.T) {
	bus := events.NewMemoryBus(logger.Nop())
	defer bus.Close()
	store := &recordingStore{ch: make(chan Task, 16)}
	m := NewManager(Options{Logger: logger.Nop(), Publisher: bus, Store: store, SubjectPrefix: "cb"})

	types := make(chan string, 16)
	_, err := bus.Subscribe("cb.task.*", func(_ context.Context, e *events.Event) error {
		types <- e.Type
		return nil
	})
	require.NoError(t, err)

	task := m.Enqueue(keyA, msg("u1", "hello"))
	_, _ = m.Next(keyA)
	_, err = m.Complete(task.ID)
	require.NoError(t, err)

	for _, want := range []string{events.TypeTaskQueued, events.TypeTaskStarted, events.TypeTaskCompleted} {
		select {
		case got := <-types:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("missing event %s", want)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-store.ch:
		case <-time.After(time.Second):
			t.Fatal("task not persisted")
		}
	}

	history, err := m.History(context.Background(), keyA, "u1", 5)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestManagerFindFallsBackToStore(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := &recordingStore{ch: make(chan Task, 16)}
	m := NewManager(Options{Logger: logger.Nop(), Store: store, Now: clock.Now, Retention: time.Minute})

	task := m.Enqueue(keyA, msg("u1", "archived"))
	_, _ = m.Next(keyA)
	_, err := m.Complete(task.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := store.GetTask(context.Background(), task.ID)
		return err == nil && got.Status == TaskStatusCompleted
	}, time.Second, 5*time.Millisecond)

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, m.Prune())
	_, err = m.Get(task.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)

	found, err := m.Find(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, found.Status)
	assert.Equal(t, "archived", found.Payload.Text)

	_, err = m.Find(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManagerHistoryWithoutStore(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue(keyA, msg("u1", "one"))
	m.Enqueue(keyA, msg("u2", "other"))
	m.Enqueue(keyA, msg("u1", "two"))

	history, err := m.History(context.Background(), keyA, "u1", 5)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "two", history[0].Payload.Text)
	assert.Equal(t, "one", history[1].Payload.Text)
}

func TestWorkspaceKeyString(t *testing.T) {
	assert.Equal(t, "agent/alpha", keyA.String())
}

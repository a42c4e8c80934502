package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/channel"
	"github.com/ent0n29/chatbridge/internal/events"
	"github.com/ent0n29/chatbridge/internal/logger"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrInvalidTaskState = errors.New("invalid task state")
)

const defaultRetention = 5 * time.Minute

// Publisher receives task lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *events.Event) error
}

type Options struct {
	// Retention is how long terminal tasks stay visible before pruning.
	Retention     time.Duration
	Store         Store
	Publisher     Publisher
	SubjectPrefix string
	Logger        *logger.Logger
	Now           func() time.Time
}

// Manager is the per-workspace task queue. Each key has its own lock; the
// index lock is only held for map lookups and is never held while taking a
// key lock.
type Manager struct {
	retention     time.Duration
	store         Store
	publisher     Publisher
	subjectPrefix string
	log           *logger.Logger
	now           func() time.Time

	mu    sync.Mutex
	keys  map[WorkspaceKey]*keyQueue
	index map[string]WorkspaceKey
}

type keyQueue struct {
	mu      sync.Mutex
	tasks   []*Task
	running string
}

func NewManager(opts Options) *Manager {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		retention:     opts.Retention,
		store:         opts.Store,
		publisher:     opts.Publisher,
		subjectPrefix: opts.SubjectPrefix,
		log:           opts.Logger.WithComponent("task-queue"),
		now:           opts.Now,
		keys:          make(map[WorkspaceKey]*keyQueue),
		index:         make(map[string]WorkspaceKey),
	}
}

// Enqueue appends a waiting task for key. It always succeeds.
func (m *Manager) Enqueue(key WorkspaceKey, payload channel.Message) Task {
	now := m.now()
	task := &Task{
		ID:       uuid.NewString(),
		Key:      key,
		Payload:  payload,
		Status:   TaskStatusWaiting,
		QueuedAt: now,
		Position: NoPosition,
	}

	q := m.queueFor(key, true)
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.recomputePositionsLocked()
	snapshot := task.Clone()
	q.mu.Unlock()

	m.mu.Lock()
	m.index[task.ID] = key
	m.mu.Unlock()

	m.emit(events.TypeTaskQueued, snapshot)
	return snapshot
}

// Next starts the earliest waiting task for key. It returns false when the
// key already has a running task or nothing is waiting.
func (m *Manager) Next(key WorkspaceKey) (Task, bool) {
	q := m.queueFor(key, false)
	if q == nil {
		return Task{}, false
	}
	q.mu.Lock()
	if q.running != "" {
		q.mu.Unlock()
		return Task{}, false
	}
	var next *Task
	for _, t := range q.tasks {
		if t.Status == TaskStatusWaiting {
			next = t
			break
		}
	}
	if next == nil {
		q.mu.Unlock()
		return Task{}, false
	}
	now := m.now()
	next.Status = TaskStatusRunning
	next.StartedAt = &now
	q.running = next.ID
	q.recomputePositionsLocked()
	snapshot := next.Clone()
	q.mu.Unlock()

	m.emit(events.TypeTaskStarted, snapshot)
	return snapshot, true
}

// Complete marks a running task completed and prunes expired terminal tasks.
func (m *Manager) Complete(taskID string) (Task, error) {
	q, err := m.queueOf(taskID)
	if err != nil {
		return Task{}, err
	}
	now := m.now()

	q.mu.Lock()
	task := q.findLocked(taskID)
	if task == nil {
		q.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	if task.Status != TaskStatusRunning {
		status := task.Status
		q.mu.Unlock()
		return Task{}, fmt.Errorf("%w: complete %s task", ErrInvalidTaskState, status)
	}
	task.Status = TaskStatusCompleted
	task.CompletedAt = &now
	if q.running == task.ID {
		q.running = ""
	}
	snapshot := task.Clone()
	pruned := q.pruneLocked(now, m.retention)
	q.recomputePositionsLocked()
	q.mu.Unlock()

	m.forget(pruned)
	m.emit(events.TypeTaskCompleted, snapshot)
	return snapshot, nil
}

// Fail marks a running or waiting task failed with detail.
func (m *Manager) Fail(taskID, detail string) (Task, error) {
	q, err := m.queueOf(taskID)
	if err != nil {
		return Task{}, err
	}
	now := m.now()

	q.mu.Lock()
	task := q.findLocked(taskID)
	if task == nil {
		q.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	if task.Terminal() {
		status := task.Status
		q.mu.Unlock()
		return Task{}, fmt.Errorf("%w: fail %s task", ErrInvalidTaskState, status)
	}
	task.Status = TaskStatusFailed
	task.Error = strings.TrimSpace(detail)
	task.CompletedAt = &now
	if q.running == task.ID {
		q.running = ""
	}
	q.recomputePositionsLocked()
	snapshot := task.Clone()
	q.mu.Unlock()

	m.emit(events.TypeTaskFailed, snapshot)
	return snapshot, nil
}

// Cancel removes a waiting task. Running and terminal tasks are left alone.
func (m *Manager) Cancel(taskID string) bool {
	q, err := m.queueOf(taskID)
	if err != nil {
		return false
	}
	now := m.now()

	q.mu.Lock()
	task := q.findLocked(taskID)
	if task == nil || task.Status != TaskStatusWaiting {
		q.mu.Unlock()
		return false
	}
	task.Status = TaskStatusCancelled
	task.CompletedAt = &now
	q.removeLocked(taskID)
	q.recomputePositionsLocked()
	snapshot := task.Clone()
	q.mu.Unlock()

	m.forget([]string{taskID})
	m.emit(events.TypeTaskCancelled, snapshot)
	return true
}

// CancelWaitingForUser cancels every waiting task of key submitted by userID.
func (m *Manager) CancelWaitingForUser(key WorkspaceKey, userID string) int {
	count := 0
	for _, t := range m.Tasks(key) {
		if t.Status == TaskStatusWaiting && t.Payload.UserID == userID && m.Cancel(t.ID) {
			count++
		}
	}
	return count
}

func (m *Manager) IsRunning(key WorkspaceKey) bool {
	q := m.queueFor(key, false)
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running != ""
}

func (m *Manager) RunningTask(key WorkspaceKey) (Task, bool) {
	q := m.queueFor(key, false)
	if q == nil {
		return Task{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running == "" {
		return Task{}, false
	}
	if t := q.findLocked(q.running); t != nil {
		return t.Clone(), true
	}
	return Task{}, false
}

// Tasks returns every task held for key in queue order.
func (m *Manager) Tasks(key WorkspaceKey) []Task {
	q := m.queueFor(key, false)
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.Clone())
	}
	return out
}

func (m *Manager) Stats(key WorkspaceKey) Stats {
	var s Stats
	for _, t := range m.Tasks(key) {
		switch t.Status {
		case TaskStatusRunning:
			s.Running++
		case TaskStatusWaiting:
			s.Waiting++
		case TaskStatusCompleted:
			s.Completed++
		case TaskStatusFailed:
			s.Failed++
		}
	}
	return s
}

func (m *Manager) Get(taskID string) (Task, error) {
	q, err := m.queueOf(taskID)
	if err != nil {
		return Task{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if t := q.findLocked(taskID); t != nil {
		return t.Clone(), nil
	}
	return Task{}, ErrTaskNotFound
}

// Find is Get with a fallback to the history store for tasks that were
// already pruned from memory.
func (m *Manager) Find(ctx context.Context, taskID string) (Task, error) {
	task, err := m.Get(taskID)
	if err == nil || m.store == nil {
		return task, err
	}
	task, err = m.store.GetTask(ctx, taskID)
	if errors.Is(err, ErrStoreNotFound) {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, err
}

// Keys lists every key that currently holds tasks.
func (m *Manager) Keys() []WorkspaceKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkspaceKey, 0, len(m.keys))
	for k := range m.keys {
		out = append(out, k)
	}
	return out
}

// Prune drops terminal tasks older than the retention window for every key.
func (m *Manager) Prune() int {
	now := m.now()
	total := 0
	for _, key := range m.Keys() {
		q := m.queueFor(key, false)
		if q == nil {
			continue
		}
		q.mu.Lock()
		pruned := q.pruneLocked(now, m.retention)
		q.recomputePositionsLocked()
		q.mu.Unlock()
		m.forget(pruned)
		total += len(pruned)
	}
	return total
}

// StartJanitor prunes expired tasks every interval until ctx ends.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Prune(); n > 0 {
					m.log.Debug("pruned terminal tasks", zap.Int("count", n))
				}
			}
		}
	}()
}

// History returns recent tasks of userID, from the store when configured.
func (m *Manager) History(ctx context.Context, key WorkspaceKey, userID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 10
	}
	if m.store != nil {
		return m.store.ListTasksByUser(ctx, key, userID, limit)
	}
	all := m.Tasks(key)
	out := make([]Task, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].Payload.UserID == userID {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (m *Manager) queueFor(key WorkspaceKey, create bool) *keyQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.keys[key]
	if !ok && create {
		q = &keyQueue{}
		m.keys[key] = q
	}
	return q
}

func (m *Manager) queueOf(taskID string) (*keyQueue, error) {
	taskID = strings.TrimSpace(taskID)
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.index[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	q, ok := m.keys[key]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return q, nil
}

func (m *Manager) forget(taskIDs []string) {
	if len(taskIDs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range taskIDs {
		delete(m.index, id)
	}
}

func (m *Manager) emit(eventType string, task Task) {
	m.log.Debug("task "+strings.TrimPrefix(eventType, "task."),
		zap.String("task_id", task.ID),
		zap.String("workspace", task.Key.String()),
		zap.Int("position", task.Position))

	if m.publisher != nil {
		ev := events.NewEvent(eventType, "task-queue", map[string]any{
			"task_id":      task.ID,
			"agent_id":     task.Key.AgentID,
			"workspace_id": task.Key.WorkspaceID,
			"user_id":      task.Payload.UserID,
			"status":       string(task.Status),
			"position":     task.Position,
			"error":        task.Error,
		})
		if err := m.publisher.Publish(context.Background(), events.Subject(m.subjectPrefix, eventType), ev); err != nil {
			m.log.Warn("publish task event failed", zap.String("event_type", eventType), zap.Error(err))
		}
	}
	m.persistTask(task)
}

func (m *Manager) persistTask(task Task) {
	store := m.store
	if store == nil {
		return
	}
	go func(snapshot Task) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.SaveTask(ctx, snapshot); err != nil {
			m.log.Warn("persist task failed", zap.String("task_id", snapshot.ID), zap.Error(err))
		}
	}(task.Clone())
}

func (q *keyQueue) findLocked(taskID string) *Task {
	for _, t := range q.tasks {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}

func (q *keyQueue) removeLocked(taskID string) {
	for i, t := range q.tasks {
		if t.ID == taskID {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return
		}
	}
}

// pruneLocked drops cancelled tasks and terminal tasks that ended before the
// retention window.
func (q *keyQueue) pruneLocked(now time.Time, retention time.Duration) []string {
	var pruned []string
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		expired := t.Terminal() && t.CompletedAt != nil && now.Sub(*t.CompletedAt) > retention
		if t.Status == TaskStatusCancelled || expired {
			pruned = append(pruned, t.ID)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = kept
	return pruned
}

func (q *keyQueue) recomputePositionsLocked() {
	pos := 0
	for _, t := range q.tasks {
		if t.Status == TaskStatusWaiting {
			t.Position = pos
			pos++
			continue
		}
		t.Position = NoPosition
	}
}

package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/execution"
	"github.com/ent0n29/chatbridge/internal/logger"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrMissingHandle = errors.New("non-idle interactive state requires a handle")
)

const (
	defaultIdleTTL                  = 24 * time.Hour
	defaultIdleSweepInterval        = time.Hour
	defaultInteractiveSweepInterval = 30 * time.Second
)

type Options struct {
	IdleTTL                  time.Duration
	IdleSweepInterval        time.Duration
	InteractiveSweepInterval time.Duration
	Logger                   *logger.Logger
	Now                      func() time.Time
}

type key struct {
	agentID string
	userID  string
}

// entry guards one session. A deleted entry is never reused; callers that
// raced with the deletion look the key up again.
type entry struct {
	mu      sync.Mutex
	sess    Session
	deleted bool
}

// Manager stores sessions keyed by (agent, user). The map lock and the entry
// locks are never held together.
type Manager struct {
	mu       sync.RWMutex
	sessions map[key]*entry

	idleTTL                  time.Duration
	idleSweepInterval        time.Duration
	interactiveSweepInterval time.Duration
	log                      *logger.Logger
	now                      func() time.Time

	hookMu    sync.RWMutex
	onTimeout func(Expired)
}

func NewManager(opts Options) *Manager {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = defaultIdleTTL
	}
	if opts.IdleSweepInterval <= 0 {
		opts.IdleSweepInterval = defaultIdleSweepInterval
	}
	if opts.InteractiveSweepInterval <= 0 {
		opts.InteractiveSweepInterval = defaultInteractiveSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		sessions:                 make(map[key]*entry),
		idleTTL:                  opts.IdleTTL,
		idleSweepInterval:        opts.IdleSweepInterval,
		interactiveSweepInterval: opts.InteractiveSweepInterval,
		log:                      opts.Logger.WithComponent("session-store"),
		now:                      opts.Now,
	}
}

// SetTimeoutHook registers the callback run, on its own goroutine, for every
// interactive state reclaimed by the timeout sweep.
func (m *Manager) SetTimeoutHook(hook func(Expired)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onTimeout = hook
}

// GetOrCreate returns the session for (agentID, userID). A missing session,
// or one bound to another workspace, is replaced by a fresh one seeded with
// conversationID; an in-flight interactive state survives the replacement.
// Otherwise the session is touched, and a non-empty conversationID replaces
// the stored one.
func (m *Manager) GetOrCreate(agentID, userID, workspaceID, conversationID string) Session {
	var out Session
	m.withEntry(key{agentID, userID}, true, func(e *entry) {
		now := m.now()
		if e.sess.CreatedAt.IsZero() || e.sess.WorkspaceID != workspaceID {
			e.sess = Session{
				AgentID:        agentID,
				UserID:         userID,
				WorkspaceID:    workspaceID,
				ConversationID: conversationID,
				CreatedAt:      now,
				LastActiveAt:   now,
				Interactive:    e.sess.Interactive,
			}
		} else {
			e.sess.LastActiveAt = now
			if conversationID != "" {
				e.sess.ConversationID = conversationID
			}
		}
		out = e.sess.clone()
	})
	return out
}

func (m *Manager) Get(agentID, userID string) (Session, error) {
	var (
		out   Session
		found bool
	)
	m.withEntry(key{agentID, userID}, false, func(e *entry) {
		if e.sess.CreatedAt.IsZero() {
			return
		}
		out = e.sess.clone()
		found = true
	})
	if !found {
		return Session{}, ErrNotFound
	}
	return out, nil
}

// Delete removes the session and returns what was stored.
func (m *Manager) Delete(agentID, userID string) (Session, bool) {
	k := key{agentID, userID}
	m.mu.Lock()
	e, ok := m.sessions[k]
	delete(m.sessions, k)
	m.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = true
	return e.sess.clone(), true
}

// ClearWorkspace deletes every session of agentID bound to workspaceID that
// has no execution in flight.
func (m *Manager) ClearWorkspace(agentID, workspaceID string) int {
	count := 0
	for k, e := range m.snapshot() {
		if k.agentID != agentID {
			continue
		}
		e.mu.Lock()
		match := !e.deleted && e.sess.WorkspaceID == workspaceID && !busy(e.sess)
		if match {
			e.deleted = true
		}
		e.mu.Unlock()
		if match {
			m.removeEntry(k, e)
			count++
		}
	}
	return count
}

// List returns every session of agentID.
func (m *Manager) List(agentID string) []Session {
	var out []Session
	for k, e := range m.snapshot() {
		if k.agentID != agentID {
			continue
		}
		e.mu.Lock()
		if !e.deleted && !e.sess.CreatedAt.IsZero() {
			out = append(out, e.sess.clone())
		}
		e.mu.Unlock()
	}
	return out
}

// SetState replaces the interactive state, creating the session entry when
// needed. A non-idle state without a handle is rejected.
func (m *Manager) SetState(agentID, userID string, st InteractiveState) error {
	if st.Status == "" {
		st.Status = StatusIdle
	}
	if st.Status != StatusIdle && st.Handle == nil {
		return ErrMissingHandle
	}
	if st.Status == StatusIdle {
		st.Handle = nil
		st.Request = nil
		st.PromptID = ""
	}
	m.withEntry(key{agentID, userID}, true, func(e *entry) {
		m.ensureLocked(e, agentID, userID)
		st.UpdatedAt = m.now()
		c := st.clone()
		e.sess.Interactive = &c
		e.sess.LastActiveAt = st.UpdatedAt
	})
	return nil
}

// SetStatus moves the interactive state to status with a new deadline. The
// state is created idle first when absent.
func (m *Manager) SetStatus(agentID, userID string, status InteractiveStatus, expiresAt time.Time, req *execution.InputRequest) error {
	var err error
	m.withEntry(key{agentID, userID}, true, func(e *entry) {
		m.ensureLocked(e, agentID, userID)
		cur := InteractiveState{Status: StatusIdle}
		if e.sess.Interactive != nil {
			cur = *e.sess.Interactive
		}
		if status != StatusIdle && cur.Handle == nil {
			err = ErrMissingHandle
			return
		}
		cur.Status = status
		cur.ExpiresAt = expiresAt
		cur.Request = req
		if status == StatusIdle {
			cur.Handle = nil
			cur.Request = nil
			cur.PromptID = ""
		}
		cur.UpdatedAt = m.now()
		c := cur.clone()
		e.sess.Interactive = &c
		e.sess.LastActiveAt = cur.UpdatedAt
	})
	return err
}

// Transition applies fn to the interactive state only when its current
// status is one of from, and returns the state as it was before. The
// result must still satisfy the handle invariant.
func (m *Manager) Transition(agentID, userID string, from []InteractiveStatus, fn func(*InteractiveState)) (InteractiveState, bool, error) {
	return m.TransitionIf(agentID, userID, func(st InteractiveState) bool {
		return slices.Contains(from, st.Status)
	}, fn)
}

// TransitionIf is Transition with an arbitrary precondition on the current
// state.
func (m *Manager) TransitionIf(agentID, userID string, cond func(InteractiveState) bool, fn func(*InteractiveState)) (InteractiveState, bool, error) {
	var (
		prev InteractiveState
		ok   bool
		err  error
	)
	m.withEntry(key{agentID, userID}, false, func(e *entry) {
		if e.sess.Interactive == nil || !cond(*e.sess.Interactive) {
			return
		}
		prev = e.sess.Interactive.clone()
		next := e.sess.Interactive.clone()
		fn(&next)
		if next.Status != StatusIdle && next.Handle == nil {
			err = ErrMissingHandle
			return
		}
		if next.Status == StatusIdle {
			next.Handle = nil
			next.Request = nil
			next.PromptID = ""
		}
		next.UpdatedAt = m.now()
		e.sess.Interactive = &next
		e.sess.LastActiveAt = next.UpdatedAt
		ok = true
	})
	return prev, ok, err
}

// State returns a copy of the interactive state.
func (m *Manager) State(agentID, userID string) (InteractiveState, bool) {
	var (
		out InteractiveState
		ok  bool
	)
	m.withEntry(key{agentID, userID}, false, func(e *entry) {
		if e.sess.Interactive != nil {
			out = e.sess.Interactive.clone()
			ok = true
		}
	})
	return out, ok
}

// ClearState drops the interactive state. It does not finish the handle.
func (m *Manager) ClearState(agentID, userID string) (InteractiveState, bool) {
	var (
		prev InteractiveState
		ok   bool
	)
	m.withEntry(key{agentID, userID}, false, func(e *entry) {
		if e.sess.Interactive != nil {
			prev = *e.sess.Interactive
			ok = true
		}
		e.sess.Interactive = nil
	})
	return prev, ok
}

// ClearStateIf drops the interactive state only while it belongs to taskID.
func (m *Manager) ClearStateIf(agentID, userID, taskID string) bool {
	cleared := false
	m.withEntry(key{agentID, userID}, false, func(e *entry) {
		if e.sess.Interactive != nil && e.sess.Interactive.TaskID == taskID {
			e.sess.Interactive = nil
			cleared = true
		}
	})
	return cleared
}

// Start runs the idle and interactive sweeps until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	idle := time.NewTicker(m.idleSweepInterval)
	interactive := time.NewTicker(m.interactiveSweepInterval)
	go func() {
		defer idle.Stop()
		defer interactive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
				if n := m.ExpireIdle(); n > 0 {
					m.log.Info("expired idle sessions", zap.Int("count", n))
				}
			case <-interactive.C:
				m.ExpireInteractive()
			}
		}
	}()
}

// ExpireIdle deletes sessions inactive for longer than the TTL. Sessions
// with an execution in flight are kept.
func (m *Manager) ExpireIdle() int {
	now := m.now()
	count := 0
	for k, e := range m.snapshot() {
		e.mu.Lock()
		stale := !e.deleted && now.Sub(e.sess.LastActiveAt) > m.idleTTL && !busy(e.sess)
		if stale {
			e.deleted = true
		}
		e.mu.Unlock()
		if stale {
			m.removeEntry(k, e)
			count++
		}
	}
	return count
}

// ExpireInteractive reclaims interactive states past their deadline: the
// handle is expired and the state cleared under the entry lock, then the
// handle is finished and the timeout hook notified asynchronously.
func (m *Manager) ExpireInteractive() []Expired {
	now := m.now()
	var expired []Expired
	for k, e := range m.snapshot() {
		e.mu.Lock()
		st := e.sess.Interactive
		if e.deleted || st == nil || st.Status == StatusIdle || st.ExpiresAt.IsZero() || now.Before(st.ExpiresAt) {
			e.mu.Unlock()
			continue
		}
		snapshot := st.clone()
		m.expireQuietly(snapshot.Handle)
		e.sess.Interactive = nil
		e.mu.Unlock()

		m.finishQuietly(snapshot.Handle)
		expired = append(expired, Expired{AgentID: k.agentID, UserID: k.userID, State: snapshot})
		m.log.Info("interactive wait timed out",
			zap.String("agent_id", k.agentID),
			zap.String("user_id", k.userID),
			zap.String("task_id", snapshot.TaskID),
			zap.String("status", string(snapshot.Status)))
	}

	m.hookMu.RLock()
	hook := m.onTimeout
	m.hookMu.RUnlock()
	if hook != nil {
		for _, ex := range expired {
			go hook(ex)
		}
	}
	return expired
}

func (m *Manager) expireQuietly(h Handle) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("expire on timed out handle panicked", zap.Any("panic", r))
		}
	}()
	h.Expire()
}

func (m *Manager) finishQuietly(h Handle) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("finish on timed out handle panicked", zap.Any("panic", r))
		}
	}()
	h.Finish()
}

func (m *Manager) withEntry(k key, create bool, fn func(*entry)) {
	for {
		m.mu.RLock()
		e, ok := m.sessions[k]
		m.mu.RUnlock()
		if !ok {
			if !create {
				return
			}
			m.mu.Lock()
			e, ok = m.sessions[k]
			if !ok {
				e = &entry{}
				m.sessions[k] = e
			}
			m.mu.Unlock()
		}
		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			continue
		}
		fn(e)
		e.mu.Unlock()
		return
	}
}

// ensureLocked fills an entry created by a state update before any session
// was opened.
func (m *Manager) ensureLocked(e *entry, agentID, userID string) {
	if !e.sess.CreatedAt.IsZero() {
		return
	}
	now := m.now()
	e.sess.AgentID = agentID
	e.sess.UserID = userID
	e.sess.CreatedAt = now
	e.sess.LastActiveAt = now
}

func (m *Manager) snapshot() map[key]*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[key]*entry, len(m.sessions))
	for k, e := range m.sessions {
		out[k] = e
	}
	return out
}

func (m *Manager) removeEntry(k key, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[k] == e {
		delete(m.sessions, k)
	}
}

func busy(s Session) bool {
	return s.Interactive != nil && s.Interactive.Status != StatusIdle
}

// Package orchestrator bridges chat messages to agent executions: it routes
// inbound messages, drives the per-workspace task queue, turns agent input
// requests into chat prompts and feeds human replies back into the paused
// execution.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/agent"
	"github.com/ent0n29/chatbridge/internal/channel"
	"github.com/ent0n29/chatbridge/internal/command"
	"github.com/ent0n29/chatbridge/internal/logger"
	"github.com/ent0n29/chatbridge/internal/observability"
	"github.com/ent0n29/chatbridge/internal/policy"
	"github.com/ent0n29/chatbridge/internal/session"
	"github.com/ent0n29/chatbridge/internal/tasks"
	"github.com/ent0n29/chatbridge/internal/workspace"
)

var ErrUnknownAgent = errors.New("unknown agent")

const (
	defaultExecutionTimeout = 30 * time.Minute
	defaultInputTimeout     = 5 * time.Minute
	defaultThrottleInterval = time.Second
	defaultNextTaskDelay    = time.Second
)

type Config struct {
	// ExecutionTimeout bounds a running execution between human turns.
	ExecutionTimeout time.Duration
	// InputTimeout bounds a wait on a human reply.
	InputTimeout     time.Duration
	ThrottleInterval time.Duration
	NextTaskDelay    time.Duration
}

// Agent is one bot fronting an agent launcher.
type Agent struct {
	ID           string
	Name         string
	Channel      channel.Channel
	Launcher     agent.Launcher
	Access       *policy.Access
	AllowedTools []string
	MaxTurns     int
	MaxBudgetUSD float64
}

type Deps struct {
	Tasks      *tasks.Manager
	Sessions   *session.Manager
	Workspaces *workspace.Registry
	Metrics    *observability.Metrics
	Logger     *logger.Logger
	Now        func() time.Time
}

// QueueStatus is the queue view of one workspace.
type QueueStatus struct {
	Key       tasks.WorkspaceKey  `json:"key"`
	Workspace workspace.Workspace `json:"workspace"`
	Stats     tasks.Stats         `json:"stats"`
	Tasks     []tasks.Task        `json:"tasks"`
}

type userKey struct {
	agentID string
	userID  string
}

type Orchestrator struct {
	cfg        Config
	tasks      *tasks.Manager
	sessions   *session.Manager
	workspaces *workspace.Registry
	metrics    *observability.Metrics
	log        *logger.Logger
	now        func() time.Time
	agents     map[string]*Agent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	userMu sync.Mutex
	users  map[userKey]*sync.Mutex

	runMu sync.Mutex
	runs  map[string]*run
}

func New(cfg Config, deps Deps, agents []Agent) (*Orchestrator, error) {
	if deps.Tasks == nil || deps.Sessions == nil || deps.Workspaces == nil {
		return nil, errors.New("orchestrator requires tasks, sessions and workspaces")
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = defaultExecutionTimeout
	}
	if cfg.InputTimeout <= 0 {
		cfg.InputTimeout = defaultInputTimeout
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = defaultThrottleInterval
	}
	if cfg.NextTaskDelay < 0 {
		cfg.NextTaskDelay = defaultNextTaskDelay
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	byID := make(map[string]*Agent, len(agents))
	for i := range agents {
		a := agents[i]
		if a.ID == "" || a.Channel == nil || a.Launcher == nil {
			return nil, fmt.Errorf("agent %q needs an id, a channel and a launcher", a.ID)
		}
		if _, dup := byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent %q", a.ID)
		}
		if a.Name == "" {
			a.Name = a.ID
		}
		byID[a.ID] = &a
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		tasks:      deps.Tasks,
		sessions:   deps.Sessions,
		workspaces: deps.Workspaces,
		metrics:    deps.Metrics,
		log:        deps.Logger.WithComponent("orchestrator"),
		now:        deps.Now,
		agents:     byID,
		ctx:        ctx,
		cancel:     cancel,
		users:      make(map[userKey]*sync.Mutex),
		runs:       make(map[string]*run),
	}
	o.sessions.SetTimeoutHook(o.onTimeout)
	return o, nil
}

// HandleMessage routes one inbound message. It is the channel.Handler of
// every agent's receiver.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg channel.Message) {
	a, ok := o.agents[msg.AgentID]
	if !ok {
		o.log.Warn("message for unknown agent", zap.String("agent_id", msg.AgentID))
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.UserID == "" {
		return
	}
	msg.Text = text
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = o.now()
	}
	log := o.log.WithAgentID(a.ID).WithUserID(msg.UserID)

	if err := a.Access.Authorize(msg.UserID); err != nil {
		log.Info("rejected message from user outside the allow-list")
		o.reply(ctx, a, msg.ChatID, "You are not allowed to use this bot.")
		return
	}

	unlock := o.lockUser(a.ID, msg.UserID)
	defer unlock()

	// A button click only ever answers the prompt it was rendered on.
	if msg.FromCard {
		if !o.answerWait(ctx, a, msg) {
			o.reply(ctx, a, msg.ChatID, "This prompt has expired.")
		}
		return
	}

	cmd, isCmd := command.Parse(text)
	if st, ok := o.sessions.State(a.ID, msg.UserID); ok && st.Status.Waiting() {
		switch {
		case isCmd && cmd.Name == command.Stop:
			// cmdStop ends the wait itself after dropping the queue.
		case isCmd:
			o.cancelWait(a, msg.UserID, "interrupted by command")
		case o.answerWait(ctx, a, msg):
			return
		}
	}

	if isCmd {
		o.runCommand(ctx, a, msg, cmd)
		return
	}
	o.submit(ctx, a, msg)
}

// submit queues msg as a task in the user's workspace and starts it when
// the workspace is free.
func (o *Orchestrator) submit(ctx context.Context, a *Agent, msg channel.Message) {
	if decision := policy.DecideIntent(msg.Text); decision.Blocked {
		o.log.WithAgentID(a.ID).WithUserID(msg.UserID).Warn("blocked task prompt", zap.String("risk", decision.Risk))
		o.reply(ctx, a, msg.ChatID, "Request rejected: "+decision.Reason)
		return
	}
	ws, err := o.workspaces.Current(a.ID, msg.UserID)
	if err != nil {
		o.reply(ctx, a, msg.ChatID, "No workspace is configured for this bot.")
		return
	}
	key := tasks.WorkspaceKey{AgentID: a.ID, WorkspaceID: ws.ID}
	task := o.tasks.Enqueue(key, msg)

	if started, ok := o.tasks.Next(key); ok {
		o.launch(started)
		if started.ID == task.ID {
			return
		}
	}
	if cur, err := o.tasks.Get(task.ID); err == nil && cur.Position != tasks.NoPosition {
		o.reply(ctx, a, msg.ChatID, fmt.Sprintf("Queued in %s at position %d. I will start when the tasks ahead finish.", ws.Name, cur.Position+1))
	}
}

// answerWait feeds msg to the paused execution. It returns false when the
// wait ended before the reply could claim it, or when a card click belongs
// to another prompt.
func (o *Orchestrator) answerWait(ctx context.Context, a *Agent, msg channel.Message) bool {
	deadline := o.now().Add(o.cfg.ExecutionTimeout)
	prev, ok, err := o.sessions.TransitionIf(a.ID, msg.UserID,
		func(st session.InteractiveState) bool {
			if !st.Status.Waiting() {
				return false
			}
			return !msg.FromCard || (msg.PromptID != "" && msg.PromptID == st.PromptID)
		},
		func(st *session.InteractiveState) {
			st.Status = session.StatusExecuting
			st.ExpiresAt = deadline
			st.Request = nil
			st.PromptID = ""
		})
	if err != nil || !ok {
		return false
	}
	r, _ := prev.Handle.(*run)
	if r == nil {
		o.sessions.ClearState(a.ID, msg.UserID)
		return false
	}
	r.endWait()

	if prev.Request != nil && prev.Request.ToolCallID != "" {
		err = r.handle.SendToolAnswer(prev.Request.ToolCallID, msg.Text)
	} else {
		err = r.handle.SendReply(msg.Text)
	}
	if err != nil {
		r.fail(fmt.Sprintf("deliver reply: %v", err))
		return true
	}
	r.closePrompt("Answered: " + headRunes(msg.Text, 80))
	o.reply(ctx, a, msg.ChatID, "Got it, continuing.")
	o.spawn(r.drain)
	return true
}

// cancelWait abandons the user's paused execution and advances its queue.
// It reports whether a paused task was stopped.
func (o *Orchestrator) cancelWait(a *Agent, userID, reason string) bool {
	prev, ok, err := o.sessions.Transition(a.ID, userID,
		[]session.InteractiveStatus{session.StatusWaitingInput, session.StatusWaitingConfirm},
		func(st *session.InteractiveState) { st.Status = session.StatusIdle })
	if err != nil || !ok {
		return false
	}
	r, _ := prev.Handle.(*run)
	if r == nil {
		return false
	}
	r.endWait()
	r.stop(reason)
	return true
}

// QueueStatus reports the queue of the user's current workspace.
func (o *Orchestrator) QueueStatus(agentID, userID string) (QueueStatus, error) {
	if _, ok := o.agents[agentID]; !ok {
		return QueueStatus{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	ws, err := o.workspaces.Current(agentID, userID)
	if err != nil {
		return QueueStatus{}, err
	}
	key := tasks.WorkspaceKey{AgentID: agentID, WorkspaceID: ws.ID}
	return QueueStatus{
		Key:       key,
		Workspace: ws,
		Stats:     o.tasks.Stats(key),
		Tasks:     o.tasks.Tasks(key),
	}, nil
}

// CancelWaitingTasksForUser drops the user's queued tasks for key.
func (o *Orchestrator) CancelWaitingTasksForUser(key tasks.WorkspaceKey, userID string) int {
	return o.tasks.CancelWaitingForUser(key, userID)
}

// Close aborts every execution and waits for the drain goroutines.
func (o *Orchestrator) Close() {
	o.cancel()
	o.runMu.Lock()
	for _, r := range o.runs {
		r.handle.Finish()
	}
	o.runMu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) lockUser(agentID, userID string) func() {
	k := userKey{agentID, userID}
	o.userMu.Lock()
	mu, ok := o.users[k]
	if !ok {
		mu = &sync.Mutex{}
		o.users[k] = mu
	}
	o.userMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// spawn runs fn on a tracked goroutine. It returns false once the
// orchestrator is closed.
func (o *Orchestrator) spawn(fn func()) bool {
	if o.ctx.Err() != nil {
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
	return true
}

// advance starts the next waiting task of key after the configured delay.
func (o *Orchestrator) advance(key tasks.WorkspaceKey) {
	o.spawn(func() {
		if o.cfg.NextTaskDelay > 0 {
			t := time.NewTimer(o.cfg.NextTaskDelay)
			defer t.Stop()
			select {
			case <-o.ctx.Done():
				return
			case <-t.C:
			}
		}
		if task, ok := o.tasks.Next(key); ok {
			o.launch(task)
		}
	})
}

func (o *Orchestrator) reply(ctx context.Context, a *Agent, chatID, text string) {
	if err := a.Channel.SendText(ctx, chatID, text); err != nil {
		o.log.WithAgentID(a.ID).WithError(err).Warn("send reply failed", zap.String("chat_id", chatID))
	}
}

func (o *Orchestrator) trackRun(r *run) {
	o.runMu.Lock()
	o.runs[r.task.ID] = r
	o.runMu.Unlock()
}

func (o *Orchestrator) untrackRun(r *run) {
	o.runMu.Lock()
	if o.runs[r.task.ID] == r {
		delete(o.runs, r.task.ID)
	}
	o.runMu.Unlock()
}

func (o *Orchestrator) runFor(taskID string) *run {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.runs[taskID]
}

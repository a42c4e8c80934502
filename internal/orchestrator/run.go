package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/channel"
	"github.com/ent0n29/chatbridge/internal/execution"
	"github.com/ent0n29/chatbridge/internal/logger"
	"github.com/ent0n29/chatbridge/internal/observability"
	"github.com/ent0n29/chatbridge/internal/session"
	"github.com/ent0n29/chatbridge/internal/tasks"
	"github.com/ent0n29/chatbridge/internal/throttle"
	"github.com/ent0n29/chatbridge/internal/workspace"
)

// finalSendTimeout bounds delivery of the last card of a run, which may be
// sent after the run's own context ended.
const finalSendTimeout = 15 * time.Second

// run is one started task. It is the handle stored in the user's
// interactive state.
type run struct {
	o        *Orchestrator
	agent    *Agent
	task     tasks.Task
	ws       workspace.Workspace
	chatID   string
	handle   *execution.Handle
	ctx      context.Context
	cancel   context.CancelFunc
	log      *logger.Logger
	progress *throttle.Debouncer[channel.Card]
	started  time.Time

	// drainMu keeps a resumed drain from overlapping the previous one.
	drainMu sync.Mutex

	mu        sync.Mutex
	text      strings.Builder
	tools     ledger
	sendErr   error
	waitKind  string
	waitSince time.Time
	output    bool
	waitSeq   int

	// promptMu is held from the wait transition until the prompt card id is
	// known, so an early answer still closes the card.
	promptMu     sync.Mutex
	promptCardID string
	promptCard   channel.Card

	cardMu    sync.Mutex
	cardID    string
	finalized bool

	// expired is set by the session store before it reclaims a state past
	// its deadline. From then on only the timeout hook settles the task.
	expired atomic.Bool

	releaseOnce sync.Once
}

// Expire implements session.Handle.
func (r *run) Expire() { r.expired.Store(true) }

// Finish implements session.Handle.
func (r *run) Finish() { r.handle.Finish() }

var _ session.Handle = (*run)(nil)

// launch starts the agent for a task that the queue just moved to running.
func (o *Orchestrator) launch(task tasks.Task) {
	a := o.agents[task.Key.AgentID]
	log := o.log.WithTaskID(task.ID).WithAgentID(task.Key.AgentID).WithUserID(task.Payload.UserID)
	if a == nil {
		log.Error("task references an unknown agent")
		if _, err := o.tasks.Fail(task.ID, "unknown agent"); err == nil {
			o.advance(task.Key)
		}
		return
	}
	userID := task.Payload.UserID

	ws, err := o.workspaces.Lookup(a.ID, task.Key.WorkspaceID)
	if err != nil {
		o.failUnstarted(a, task, err.Error())
		return
	}
	sess := o.sessions.GetOrCreate(a.ID, userID, ws.ID, "")

	ctx, cancel := context.WithCancel(o.ctx)
	h, err := execution.Start(ctx, a.Launcher, execution.Params{
		Prompt:               task.Payload.Text,
		WorkDir:              ws.Path,
		ResumeConversationID: sess.ConversationID,
		AllowedTools:         a.AllowedTools,
		MaxTurns:             a.MaxTurns,
		MaxBudgetUSD:         a.MaxBudgetUSD,
	}, log)
	if err != nil {
		cancel()
		log.WithError(err).Warn("start execution failed")
		o.failUnstarted(a, task, err.Error())
		return
	}

	r := &run{
		o:       o,
		agent:   a,
		task:    task,
		ws:      ws,
		chatID:  task.Payload.ChatID,
		handle:  h,
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
		started: o.now(),
	}
	r.tools.root = ws.Path
	r.progress = throttle.NewDebouncer(o.cfg.ThrottleInterval, r.flushProgress)
	o.trackRun(r)
	o.metrics.ExecutionStarted()
	if task.StartedAt != nil {
		o.metrics.ObserveStage(observability.StageQueueWait, task.StartedAt.Sub(task.QueuedAt))
	}

	if err := o.sessions.SetState(a.ID, userID, session.InteractiveState{
		Status:    session.StatusExecuting,
		TaskID:    task.ID,
		ChatID:    r.chatID,
		Handle:    r,
		ExpiresAt: o.now().Add(o.cfg.ExecutionTimeout),
	}); err != nil {
		r.fail(fmt.Sprintf("store execution state: %v", err))
		return
	}
	log.Info("task started",
		zap.String("workspace_id", ws.ID),
		zap.Bool("resumed", sess.ConversationID != ""))
	o.spawn(r.drain)
}

// failUnstarted settles a task that never got an execution.
func (o *Orchestrator) failUnstarted(a *Agent, task tasks.Task, detail string) {
	if _, err := o.tasks.Fail(task.ID, detail); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(o.ctx, finalSendTimeout)
	defer cancel()
	if _, err := a.Channel.SendCard(ctx, task.Payload.ChatID, endFailed.card(a.Name, detail, "")); err != nil {
		o.log.WithTaskID(task.ID).WithError(err).Warn("send error card failed")
	}
	o.metrics.ObserveExecution(endFailed.metric, 0)
	o.advance(task.Key)
}

// drain consumes events until the execution settles or pauses on input.
func (r *run) drain() {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	for {
		ev, ok := r.handle.Next(r.ctx)
		if !ok {
			r.streamEnded()
			return
		}
		switch ev.Kind {
		case execution.EventTextDelta:
			r.mu.Lock()
			r.markOutputLocked()
			r.text.WriteString(ev.Text)
			r.mu.Unlock()
			r.scheduleProgress()
		case execution.EventToolInvoked:
			r.mu.Lock()
			r.markOutputLocked()
			r.tools.invoke(*ev.Tool)
			r.mu.Unlock()
			r.scheduleProgress()
		case execution.EventToolResult:
			r.mu.Lock()
			r.tools.result(*ev.Tool)
			r.mu.Unlock()
			r.scheduleProgress()
		case execution.EventInputRequired:
			r.awaitInput(*ev.Input)
			return
		case execution.EventCompleted:
			r.complete(ev.Result, ev.ConversationID)
			return
		case execution.EventError:
			r.fail(ev.Err.Error())
			return
		default:
			r.log.Debug("ignoring agent event", zap.String("kind", string(ev.Kind)))
		}
	}
}

func (r *run) markOutputLocked() {
	if !r.output {
		r.output = true
		r.o.metrics.ObserveStage(observability.StageFirstOutput, r.o.now().Sub(r.started))
	}
}

func (r *run) streamEnded() {
	r.mu.Lock()
	sendErr := r.sendErr
	r.mu.Unlock()
	switch {
	case sendErr != nil:
		r.fail(fmt.Sprintf("send progress: %v", sendErr))
	case r.ctx.Err() != nil:
		r.stop("execution aborted")
	default:
		r.fail("agent exited without a result")
	}
}

// awaitInput pauses the run on a human answer and shows the prompt.
func (r *run) awaitInput(req execution.InputRequest) {
	status := session.StatusWaitingInput
	if req.Kind == execution.InputConfirmation {
		status = session.StatusWaitingConfirm
	}
	r.progress.FlushNow()
	r.closePrompt(promptInactiveNote)

	r.mu.Lock()
	r.waitSeq++
	promptID := fmt.Sprintf("%s/%d", r.task.ID, r.waitSeq)
	r.mu.Unlock()

	r.promptMu.Lock()
	deadline := r.o.now().Add(r.o.cfg.InputTimeout)
	_, ok, err := r.o.sessions.Transition(r.agent.ID, r.task.Payload.UserID,
		[]session.InteractiveStatus{session.StatusExecuting},
		func(st *session.InteractiveState) {
			st.Status = status
			st.ExpiresAt = deadline
			st.Request = &req
			st.PromptID = promptID
		})
	if err != nil || !ok {
		r.promptMu.Unlock()
		r.fail("execution state lost while waiting for input")
		return
	}
	r.beginWait(string(req.Kind))

	card := promptCard(r.agent.Name, req, r.o.cfg.InputTimeout, promptID)
	id, err := r.agent.Channel.SendCard(r.ctx, r.chatID, card)
	if err != nil {
		r.promptMu.Unlock()
		r.endWait()
		r.fail(fmt.Sprintf("send prompt: %v", err))
		return
	}
	r.promptCardID, r.promptCard = id, card
	r.promptMu.Unlock()
	r.log.Info("waiting for user input", zap.String("kind", string(req.Kind)), zap.String("prompt_id", promptID))
}

// closePrompt edits the last prompt card so its buttons disappear.
func (r *run) closePrompt(note string) {
	r.promptMu.Lock()
	id, card := r.promptCardID, r.promptCard
	r.promptCardID = ""
	r.promptMu.Unlock()
	if id == "" {
		return
	}
	card.Buttons = nil
	card.Theme = channel.ThemeGrey
	card.Note = note
	ctx, cancel := context.WithTimeout(r.o.ctx, finalSendTimeout)
	defer cancel()
	if err := r.agent.Channel.UpdateCard(ctx, id, card); err != nil {
		r.log.WithError(err).Debug("close prompt card failed")
	}
}

func (r *run) beginWait(kind string) {
	r.mu.Lock()
	r.waitKind = kind
	r.waitSince = r.o.now()
	r.mu.Unlock()
	r.o.metrics.WaitStarted(kind)
}

func (r *run) endWait() {
	r.mu.Lock()
	kind, since := r.waitKind, r.waitSince
	r.waitKind = ""
	r.mu.Unlock()
	if kind != "" {
		r.o.metrics.WaitEnded(kind, r.o.now().Sub(since))
	}
}

func (r *run) complete(res *execution.Result, conversationID string) {
	userID := r.task.Payload.UserID
	if conversationID != "" {
		r.o.sessions.GetOrCreate(r.agent.ID, userID, r.ws.ID, conversationID)
	}
	r.o.sessions.ClearStateIf(r.agent.ID, userID, r.task.ID)
	r.progress.Stop()
	if r.expired.Load() {
		r.log.Info("result arrived after the deadline, leaving the task to the timeout")
		r.release()
		return
	}

	if _, err := r.o.tasks.Complete(r.task.ID); err != nil {
		r.log.Debug("task settled elsewhere", zap.Error(err))
		r.release()
		return
	}

	r.mu.Lock()
	r.tools.closeOpen()
	summary := r.summaryLocked(res)
	r.mu.Unlock()

	text, markers := extractFileMarkers(summary.text)
	summary.text = text
	r.sendFinal(finalCard(r.agent.Name, summary))
	r.deliverFiles(markers)

	duration := r.o.now().Sub(r.started)
	r.o.metrics.ObserveExecution("completed", duration)
	r.log.Info("task completed", zap.Duration("duration", duration), zap.Int("tools", summary.toolCount))
	r.release()
	r.o.advance(r.task.Key)
}

func (r *run) fail(detail string) { r.end(endFailed, detail) }

// stop ends the run on behalf of the user or a timeout, aborting the agent.
func (r *run) stop(detail string) {
	r.end(endStopped, detail)
	r.cancel()
}

func (r *run) timeout(detail string) {
	r.end(endTimeout, detail)
	r.cancel()
}

// end settles the task as failed. Only the caller whose Fail succeeds
// notifies the user and advances the queue. Once the run expired, only the
// timeout may settle it.
func (r *run) end(e ending, detail string) {
	r.o.sessions.ClearStateIf(r.agent.ID, r.task.Payload.UserID, r.task.ID)
	r.progress.Stop()
	if e != endTimeout && r.expired.Load() {
		r.log.Debug("run expired, leaving settlement to the timeout", zap.String("detail", detail))
		r.release()
		return
	}

	if _, err := r.o.tasks.Fail(r.task.ID, detail); err != nil {
		r.log.Debug("task settled elsewhere", zap.Error(err))
		r.release()
		return
	}
	r.mu.Lock()
	r.tools.closeOpen()
	tail := tailRunes(r.text.String(), 800)
	r.mu.Unlock()

	r.sendFinal(e.card(r.agent.Name, detail, tail))
	r.o.metrics.ObserveExecution(e.metric, r.o.now().Sub(r.started))
	r.log.Info("task ended", zap.String("outcome", e.metric), zap.String("detail", detail))
	r.release()
	r.o.advance(r.task.Key)
}

// release finishes the handle and forgets the run. The run context is
// cancelled once the agent is gone.
func (r *run) release() {
	r.releaseOnce.Do(func() {
		r.endWait()
		r.closePrompt(promptInactiveNote)
		r.handle.Finish()
		r.o.untrackRun(r)
		r.o.metrics.ExecutionStopped()
		spawned := r.o.spawn(func() {
			select {
			case <-r.handle.Done():
			case <-r.o.ctx.Done():
			}
			r.cancel()
		})
		if !spawned {
			r.cancel()
		}
	})
}

func (r *run) scheduleProgress() {
	r.mu.Lock()
	card := progressCard(r.agent.Name, r.ws.Name, r.tools.lines(8), tailRunes(r.text.String(), 1500))
	r.mu.Unlock()
	r.progress.Schedule(card)
}

// flushProgress is the debouncer's sink. It creates the progress card on
// first use and edits it afterwards.
func (r *run) flushProgress(card channel.Card) {
	r.cardMu.Lock()
	defer r.cardMu.Unlock()
	if r.finalized || r.ctx.Err() != nil {
		return
	}
	if r.cardID == "" {
		id, err := r.agent.Channel.SendCard(r.ctx, r.chatID, card)
		if err != nil {
			r.sendFailed(err)
			return
		}
		r.cardID = id
		r.o.metrics.CardUpdate("created")
		return
	}
	err := r.agent.Channel.UpdateCard(r.ctx, r.cardID, card)
	switch {
	case err == nil:
		r.o.metrics.CardUpdate("ok")
	case errors.Is(err, channel.ErrRateLimited):
		r.o.metrics.CardUpdate("rate_limited")
	case r.ctx.Err() != nil:
	default:
		r.sendFailed(err)
	}
}

func (r *run) sendFailed(err error) {
	r.o.metrics.CardUpdate("error")
	r.log.WithError(err).Warn("progress update failed, aborting execution")
	r.mu.Lock()
	if r.sendErr == nil {
		r.sendErr = err
	}
	r.mu.Unlock()
	r.cancel()
}

// sendFinal replaces the progress card with card, or sends it when there is
// no progress card or the edit was throttled.
func (r *run) sendFinal(card channel.Card) {
	r.cardMu.Lock()
	defer r.cardMu.Unlock()
	r.finalized = true

	ctx, cancel := context.WithTimeout(r.o.ctx, finalSendTimeout)
	defer cancel()
	if r.cardID != "" {
		err := r.agent.Channel.UpdateCard(ctx, r.cardID, card)
		if err == nil {
			r.o.metrics.CardUpdate("final")
			return
		}
		r.log.WithError(err).Info("final card update failed, sending a new card")
	}
	if _, err := r.agent.Channel.SendCard(ctx, r.chatID, card); err != nil {
		r.log.WithError(err).Warn("send final card failed")
		if err := r.agent.Channel.SendText(ctx, r.chatID, card.Text()); err != nil {
			r.log.WithError(err).Error("send final text failed")
		}
		return
	}
	r.o.metrics.CardUpdate("final")
}

func (r *run) summaryLocked(res *execution.Result) runSummary {
	s := runSummary{
		workspace: r.ws.Name,
		toolCount: r.tools.count(),
		failed:    r.tools.failedCount(),
		files:     r.tools.writtenFiles(),
		duration:  r.o.now().Sub(r.started),
	}
	if res != nil {
		s.text = strings.TrimSpace(res.Text)
		s.turns = res.NumTurns
		s.costUSD = res.TotalCostUSD
	}
	if s.text == "" {
		s.text = strings.TrimSpace(r.text.String())
	}
	return s
}

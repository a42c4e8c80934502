// Package execution wraps one multi-turn agent conversation as a handle with
// a pull-based outbound event stream and an inbound reply queue.
package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/agent"
	"github.com/ent0n29/chatbridge/internal/asyncqueue"
	"github.com/ent0n29/chatbridge/internal/logger"
)

var ErrFinished = errors.New("execution finished")

// finishGrace bounds how long the agent may keep producing output after
// Finish before it is aborted.
const finishGrace = 30 * time.Second

// Params configures one execution.
type Params struct {
	Prompt               string
	WorkDir              string
	ResumeConversationID string
	AllowedTools         []string
	MaxTurns             int
	MaxBudgetUSD         float64
}

// Handle is a live agent execution. Next may be called by one consumer at a
// time; the other methods are safe for concurrent use.
type Handle struct {
	conv     agent.Conversation
	inbound  *asyncqueue.Queue[agent.Input]
	outbound *asyncqueue.Queue[Event]
	cancel   context.CancelFunc
	log      *logger.Logger

	finishOnce sync.Once
	done       chan struct{}
}

// Start launches the agent and queues the initial prompt. Cancelling ctx
// aborts the execution; the event stream then ends without an error event.
func Start(ctx context.Context, launcher agent.Launcher, p Params, log *logger.Logger) (*Handle, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	if log == nil {
		log = logger.Default()
	}
	runCtx, cancel := context.WithCancel(ctx)
	conv, err := launcher.Launch(runCtx, agent.LaunchRequest{
		Prompt:               p.Prompt,
		WorkDir:              p.WorkDir,
		ResumeConversationID: p.ResumeConversationID,
		AllowedTools:         p.AllowedTools,
		MaxTurns:             p.MaxTurns,
		MaxBudgetUSD:         p.MaxBudgetUSD,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("launch agent: %w", err)
	}

	h := &Handle{
		conv:     conv,
		inbound:  asyncqueue.New[agent.Input](),
		outbound: asyncqueue.New[Event](),
		cancel:   cancel,
		log:      log.WithComponent("execution"),
		done:     make(chan struct{}),
	}
	h.inbound.Push(agent.Input{Text: p.Prompt})

	dec := &decoder{conversationID: p.ResumeConversationID, maxBudgetUSD: p.MaxBudgetUSD}
	go h.pumpInbound(runCtx)
	go h.pumpOutbound(runCtx, dec)
	return h, nil
}

// Next returns the next outbound event. ok is false once the stream ended.
func (h *Handle) Next(ctx context.Context) (Event, bool) {
	return h.outbound.Next(ctx)
}

// SendReply queues a free-text human turn.
func (h *Handle) SendReply(text string) error {
	if !h.inbound.Push(agent.Input{Text: text}) {
		return ErrFinished
	}
	return nil
}

// SendToolAnswer queues an answer for the pending tool call toolCallID.
func (h *Handle) SendToolAnswer(toolCallID, text string) error {
	if strings.TrimSpace(toolCallID) == "" {
		return errors.New("tool call id is required")
	}
	if !h.inbound.Push(agent.Input{Text: text, ToolCallID: toolCallID}) {
		return ErrFinished
	}
	return nil
}

// Finish stops accepting input and asks the agent to wind down. Events
// already produced still drain. Safe to call more than once.
func (h *Handle) Finish() {
	h.finishOnce.Do(func() {
		h.inbound.Finish()
		go func() {
			select {
			case <-h.done:
			case <-time.After(finishGrace):
				h.log.Warn("agent did not stop after finish, aborting")
				h.cancel()
			}
		}()
	})
}

// Done is closed once the outbound stream has ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) pumpInbound(ctx context.Context) {
	for in := range h.inbound.All(ctx) {
		if err := h.conv.Send(ctx, in); err != nil {
			if ctx.Err() == nil {
				h.log.Warn("send to agent failed", zap.Error(err))
			}
			break
		}
	}
	if err := h.conv.CloseSend(); err != nil {
		h.log.Debug("close agent input failed", zap.Error(err))
	}
}

func (h *Handle) pumpOutbound(ctx context.Context, dec *decoder) {
	defer func() {
		h.inbound.Finish()
		_ = h.conv.Close()
		h.outbound.Finish()
		h.cancel()
		close(h.done)
	}()
	for {
		msg, err := h.conv.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || h.inbound.Finished() {
				return
			}
			h.outbound.Push(Event{Kind: EventError, Err: &Failure{Kind: ErrorAgent, Detail: err.Error()}})
			return
		}
		for _, ev := range dec.decode(msg) {
			h.outbound.Push(ev)
		}
	}
}

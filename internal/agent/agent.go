// Package agent launches agent conversations and exchanges stream-json
// protocol messages with them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrConversationClosed = errors.New("agent conversation closed")

// LaunchRequest carries everything needed to start one conversation.
type LaunchRequest struct {
	Prompt               string
	WorkDir              string
	ResumeConversationID string
	AllowedTools         []string
	MaxTurns             int
	MaxBudgetUSD         float64
}

// Input is one inbound turn. An empty ToolCallID means a plain user turn;
// otherwise it answers the pending permission request or tool call with
// that id.
type Input struct {
	Text       string
	ToolCallID string
}

// Conversation is a live, multi-turn exchange with an agent.
// Recv returns io.EOF once the agent has no more output.
type Conversation interface {
	Send(ctx context.Context, in Input) error
	Recv(ctx context.Context) (Message, error)
	// CloseSend signals that no more input will arrive.
	CloseSend() error
	// Close releases the conversation, terminating the agent if needed.
	Close() error
}

type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Conversation, error)
}

type Config struct {
	Mode      string
	CLIPath   string
	ExtraArgs []string
}

func NewLauncher(cfg Config) (Launcher, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "cli"
	}
	switch mode {
	case "cli":
		if strings.TrimSpace(cfg.CLIPath) == "" {
			return nil, errors.New("agent cli path is required in cli mode")
		}
		return NewCLILauncher(cfg.CLIPath, cfg.ExtraArgs), nil
	case "mock":
		return NewMockLauncher(), nil
	default:
		return nil, fmt.Errorf("unsupported agent launcher mode: %q", cfg.Mode)
	}
}

var (
	approveWords = []string{"y", "yes", "ok", "okay", "allow", "approve", "approved", "confirm", "sure", "go", "proceed"}
	denyWords    = []string{"n", "no", "deny", "reject", "cancel", "stop", "abort"}
)

// IsApproval reports whether a free-text answer to a confirmation prompt
// grants permission.
func IsApproval(text string) bool {
	in := strings.ToLower(strings.TrimSpace(text))
	in = strings.TrimRight(in, ".!")
	for _, w := range denyWords {
		if in == w {
			return false
		}
	}
	for _, w := range approveWords {
		if in == w || strings.HasPrefix(in, w+" ") {
			return true
		}
	}
	return false
}

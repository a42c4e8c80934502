package session

import (
	"time"

	"github.com/ent0n29/chatbridge/internal/execution"
)

type InteractiveStatus string

const (
	StatusIdle           InteractiveStatus = "idle"
	StatusExecuting      InteractiveStatus = "executing"
	StatusWaitingInput   InteractiveStatus = "waiting_input"
	StatusWaitingConfirm InteractiveStatus = "waiting_confirm"
)

// Waiting reports whether the agent is paused on a human answer.
func (s InteractiveStatus) Waiting() bool {
	return s == StatusWaitingInput || s == StatusWaitingConfirm
}

// Handle is the live execution referenced by an interactive state. The
// store never owns it. When a deadline passes the store calls Expire while
// it still holds the state, then Finish once the state is cleared.
type Handle interface {
	// Expire must not block.
	Expire()
	Finish()
}

// InteractiveState is the transient per-user execution state. Handle is set
// exactly when Status is not idle.
type InteractiveState struct {
	Status    InteractiveStatus       `json:"status"`
	TaskID    string                  `json:"task_id,omitempty"`
	ChatID    string                  `json:"chat_id,omitempty"`
	Handle    Handle                  `json:"-"`
	Request   *execution.InputRequest `json:"request,omitempty"`
	PromptID  string                  `json:"prompt_id,omitempty"`
	ExpiresAt time.Time               `json:"expires_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

func (s InteractiveState) clone() InteractiveState {
	out := s
	if s.Request != nil {
		req := *s.Request
		req.Options = append([]string(nil), s.Request.Options...)
		out.Request = &req
	}
	return out
}

// Session links one (agent, user) pair to its workspace and agent
// conversation.
type Session struct {
	AgentID        string            `json:"agent_id"`
	UserID         string            `json:"user_id"`
	WorkspaceID    string            `json:"workspace_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActiveAt   time.Time         `json:"last_active_at"`
	Interactive    *InteractiveState `json:"interactive,omitempty"`
}

func (s Session) clone() Session {
	out := s
	if s.Interactive != nil {
		st := s.Interactive.clone()
		out.Interactive = &st
	}
	return out
}

// Expired is handed to the timeout hook after a wait was reclaimed.
type Expired struct {
	AgentID string
	UserID  string
	State   InteractiveState
}

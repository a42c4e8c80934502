// Package channel defines the chat transport used by the orchestrator and
// the card payloads it sends.
package channel

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited is returned by UpdateCard when the platform throttled the
// edit. Callers skip the update.
var ErrRateLimited = errors.New("channel rate limited")

// Message is one inbound chat message from a user. FromCard marks a button
// click; PromptID then names the prompt the button belonged to.
type Message struct {
	AgentID    string    `json:"agent_id"`
	ChatID     string    `json:"chat_id"`
	UserID     string    `json:"user_id"`
	MessageID  string    `json:"message_id"`
	Text       string    `json:"text"`
	FromCard   bool      `json:"from_card,omitempty"`
	PromptID   string    `json:"prompt_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Handler consumes inbound messages. It must not block the transport for
// long.
type Handler func(ctx context.Context, msg Message)

// Channel is the outbound side of a chat transport.
type Channel interface {
	SendText(ctx context.Context, chatID, text string) error
	// SendCard returns the id used for later UpdateCard calls.
	SendCard(ctx context.Context, chatID string, card Card) (string, error)
	UpdateCard(ctx context.Context, cardID string, card Card) error
	SendFile(ctx context.Context, chatID, path string) error
}

// Receiver delivers inbound messages until ctx ends.
type Receiver interface {
	Start(ctx context.Context, handler Handler) error
}

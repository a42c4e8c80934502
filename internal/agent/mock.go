package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ent0n29/chatbridge/internal/asyncqueue"
)

// Responder reacts to one inbound turn of a scripted conversation.
type Responder func(c *ScriptedConversation, in Input)

// MockLauncher starts in-process scripted conversations. With no Responder
// it echoes prompts, and prompts starting with "confirm " or "ask " exercise
// the permission and question paths.
type MockLauncher struct {
	Responder Responder
	LaunchErr error

	mu            sync.Mutex
	requests      []LaunchRequest
	conversations []*ScriptedConversation
}

func NewMockLauncher() *MockLauncher { return &MockLauncher{} }

func (l *MockLauncher) Launch(ctx context.Context, req LaunchRequest) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	responder := l.Responder
	if responder == nil {
		responder = EchoResponder
	}
	c := NewScriptedConversation(responder)
	c.conversationID = req.ResumeConversationID
	if c.conversationID == "" {
		c.conversationID = uuid.NewString()
	}
	c.Emit(Message{Type: MessageTypeSystem, Subtype: "init", SessionID: c.conversationID})

	l.mu.Lock()
	l.requests = append(l.requests, req)
	l.conversations = append(l.conversations, c)
	l.mu.Unlock()
	return c, nil
}

func (l *MockLauncher) Requests() []LaunchRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LaunchRequest(nil), l.requests...)
}

func (l *MockLauncher) Conversations() []*ScriptedConversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*ScriptedConversation(nil), l.conversations...)
}

// ScriptedConversation is an in-memory Conversation driven by a Responder.
type ScriptedConversation struct {
	out            *asyncqueue.Queue[Message]
	responder      Responder
	conversationID string

	mu       sync.Mutex
	inputs   []Input
	inputCh  chan Input
	sendDone bool
	closed   bool
}

func NewScriptedConversation(responder Responder) *ScriptedConversation {
	return &ScriptedConversation{
		out:       asyncqueue.New[Message](),
		responder: responder,
		inputCh:   make(chan Input, 64),
	}
}

func (c *ScriptedConversation) ConversationID() string { return c.conversationID }

// Emit queues agent output.
func (c *ScriptedConversation) Emit(msgs ...Message) {
	for _, m := range msgs {
		c.out.Push(m)
	}
}

// End finishes the output stream.
func (c *ScriptedConversation) End() { c.out.Finish() }

func (c *ScriptedConversation) Send(_ context.Context, in Input) error {
	c.mu.Lock()
	if c.sendDone {
		c.mu.Unlock()
		return ErrConversationClosed
	}
	c.inputs = append(c.inputs, in)
	c.mu.Unlock()

	select {
	case c.inputCh <- in:
	default:
	}
	if c.responder != nil {
		c.responder(c, in)
	}
	return nil
}

func (c *ScriptedConversation) Recv(ctx context.Context) (Message, error) {
	msg, ok := c.out.Next(ctx)
	if ok {
		return msg, nil
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

func (c *ScriptedConversation) CloseSend() error {
	c.mu.Lock()
	c.sendDone = true
	c.mu.Unlock()
	c.out.Finish()
	return nil
}

func (c *ScriptedConversation) Close() error {
	c.mu.Lock()
	c.sendDone = true
	c.closed = true
	c.mu.Unlock()
	c.out.Finish()
	return nil
}

// Inputs returns every turn sent so far.
func (c *ScriptedConversation) Inputs() []Input {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Input(nil), c.inputs...)
}

// InputCh delivers inputs as they are sent.
func (c *ScriptedConversation) InputCh() <-chan Input { return c.inputCh }

func (c *ScriptedConversation) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// EchoResponder answers every turn with a short text reply and a result.
func EchoResponder(c *ScriptedConversation, in Input) {
	text := strings.TrimSpace(in.Text)
	switch {
	case in.ToolCallID != "":
		c.Emit(AssistantText(fmt.Sprintf("Got your answer: %s", text)), ResultMessage(c.conversationID, "done"))
	case strings.HasPrefix(text, "confirm "):
		cmd := strings.TrimSpace(strings.TrimPrefix(text, "confirm "))
		c.Emit(PermissionRequest(uuid.NewString(), "Bash", map[string]any{"command": cmd}))
	case strings.HasPrefix(text, "ask "):
		q := strings.TrimSpace(strings.TrimPrefix(text, "ask "))
		c.Emit(PermissionRequest(uuid.NewString(), ToolAskUserQuestion, map[string]any{
			"questions": []any{map[string]any{"question": q}},
		}))
	default:
		reply := fmt.Sprintf("I heard you: %s", text)
		c.Emit(AssistantText(reply), ResultMessage(c.conversationID, reply))
	}
}

// AssistantText builds an assistant message with one text block.
func AssistantText(text string) Message {
	return Message{Type: MessageTypeAssistant, Message: &ConversationMessage{
		Role:    "assistant",
		Content: Content{{Type: "text", Text: text}},
	}}
}

// ToolUse builds an assistant message invoking a tool.
func ToolUse(id, name string, input map[string]any) Message {
	return Message{Type: MessageTypeAssistant, Message: &ConversationMessage{
		Role:    "assistant",
		Content: Content{{Type: "tool_use", ID: id, Name: name, Input: input}},
	}}
}

// ToolResult builds the user message carrying a tool's output.
func ToolResult(toolUseID, output string, isError bool) Message {
	raw, _ := json.Marshal(output)
	return Message{Type: MessageTypeUser, Message: &ConversationMessage{
		Role:    "user",
		Content: Content{{Type: "tool_result", ToolUseID: toolUseID, Content: raw, IsError: isError}},
	}}
}

// PermissionRequest builds a can_use_tool control request.
func PermissionRequest(requestID, tool string, input map[string]any) Message {
	return Message{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   &ControlRequest{Subtype: SubtypeCanUseTool, ToolName: tool, Input: input},
	}
}

// ResultMessage builds a successful result.
func ResultMessage(conversationID, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Type: MessageTypeResult, Subtype: SubtypeSuccess, SessionID: conversationID, Result: raw, NumTurns: 1}
}

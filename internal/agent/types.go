package agent

import (
	"encoding/json"
	"strings"
)

// Message types emitted by the agent CLI in stream-json mode.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

const (
	SubtypeCanUseTool = "can_use_tool"
	SubtypeInterrupt  = "interrupt"
	SubtypeSuccess    = "success"

	ResultErrorMaxTurns = "error_max_turns"
	ResultErrorDuring   = "error_during_execution"
)

const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// ToolAskUserQuestion is the agent tool that asks the human a question.
const ToolAskUserQuestion = "AskUserQuestion"

// Message is one line of the agent's stdout. Type decides which fields are set.
type Message struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	Message *ConversationMessage `json:"message,omitempty"`

	Result       json.RawMessage `json:"result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
}

// ResultText returns the result payload when it is a plain string.
func (m Message) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// ConversationMessage is the body of assistant and user messages.
type ConversationMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content,omitempty"`
}

// Content accepts both the block array form and the bare string form.
type Content []ContentBlock

func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{{Type: "text", Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// ContentBlock is one block of a conversation message.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ContentText flattens a tool_result payload, which is either a string or a
// list of text blocks.
func (b ContentBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, blk := range blocks {
		if blk.Text != "" {
			parts = append(parts, blk.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ControlRequest is a permission request from the agent.
type ControlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

type controlResponseMessage struct {
	Type     string          `json:"type"`
	Response controlResponse `json:"response"`
}

type controlResponse struct {
	Subtype   string            `json:"subtype"`
	RequestID string            `json:"request_id"`
	Response  *PermissionResult `json:"response,omitempty"`
}

// PermissionResult answers a can_use_tool control request.
type PermissionResult struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

type userMessage struct {
	Type    string          `json:"type"`
	Message userMessageBody `json:"message"`
}

type userMessageBody struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type toolResultBlock struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

package execution

import (
	"fmt"
	"strings"

	"github.com/ent0n29/chatbridge/internal/agent"
)

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventTextDelta     EventKind = "text_delta"
	EventToolInvoked   EventKind = "tool_invoked"
	EventToolResult    EventKind = "tool_result"
	EventInputRequired EventKind = "input_required"
	EventCompleted     EventKind = "completed"
	EventError         EventKind = "error"
	EventUnknown       EventKind = "unknown"
)

// InputKind selects the chat prompt shown for an input request.
type InputKind string

const (
	InputConfirmation InputKind = "confirmation"
	InputText         InputKind = "text"
	InputChoice       InputKind = "choice"
)

// InputRequest describes what the paused agent is waiting for. A reply to a
// request with a ToolCallID goes through SendToolAnswer.
type InputRequest struct {
	Kind       InputKind `json:"kind"`
	Prompt     string    `json:"prompt"`
	Options    []string  `json:"options,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Summary string `json:"summary,omitempty"`
	// Path is the file the tool touches, when its input names one.
	Path    string `json:"path,omitempty"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

type Result struct {
	Text         string  `json:"text"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// ErrorKind classifies execution faults.
type ErrorKind string

const (
	ErrorAgent          ErrorKind = "agent"
	ErrorMaxTurns       ErrorKind = "max_turns"
	ErrorBudgetExceeded ErrorKind = "budget_exceeded"
)

// Failure is the payload of an error event.
type Failure struct {
	Kind   ErrorKind
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// Event is one outbound item of an execution. Only the fields belonging to
// Kind are set.
type Event struct {
	Kind           EventKind
	Text           string
	Tool           *ToolCall
	Input          *InputRequest
	ConversationID string
	Result         *Result
	Err            *Failure
	// Raw is kept for unknown events.
	Raw *agent.Message
}

// decoder turns agent messages into events. It tracks the conversation id
// announced by the agent so completed events can carry it.
type decoder struct {
	conversationID string
	maxBudgetUSD   float64
}

func (d *decoder) decode(msg agent.Message) []Event {
	if msg.SessionID != "" {
		d.conversationID = msg.SessionID
	}
	switch msg.Type {
	case agent.MessageTypeAssistant:
		return d.decodeAssistant(msg)
	case agent.MessageTypeUser:
		return d.decodeToolResults(msg)
	case agent.MessageTypeControlRequest:
		if msg.Request != nil && msg.Request.Subtype == agent.SubtypeCanUseTool {
			return []Event{{Kind: EventInputRequired, Input: inputRequestFor(msg.RequestID, *msg.Request)}}
		}
	case agent.MessageTypeResult:
		return []Event{d.decodeResult(msg)}
	}
	m := msg
	return []Event{{Kind: EventUnknown, Raw: &m}}
}

func (d *decoder) decodeAssistant(msg agent.Message) []Event {
	if msg.Message == nil {
		return nil
	}
	var out []Event
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				out = append(out, Event{Kind: EventTextDelta, Text: block.Text})
			}
		case "tool_use":
			out = append(out, Event{Kind: EventToolInvoked, Tool: &ToolCall{
				ID:      block.ID,
				Name:    block.Name,
				Summary: agent.DescribeToolInput(block.Name, block.Input),
				Path:    toolPath(block.Input),
			}})
		}
	}
	return out
}

func (d *decoder) decodeToolResults(msg agent.Message) []Event {
	if msg.Message == nil {
		return nil
	}
	var out []Event
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		out = append(out, Event{Kind: EventToolResult, Tool: &ToolCall{
			ID:      block.ToolUseID,
			Output:  block.ContentText(),
			IsError: block.IsError,
		}})
	}
	return out
}

func (d *decoder) decodeResult(msg agent.Message) Event {
	text := msg.ResultText()
	switch {
	case msg.Subtype == agent.ResultErrorMaxTurns:
		return Event{Kind: EventError, Err: &Failure{Kind: ErrorMaxTurns, Detail: fmt.Sprintf("stopped after %d turns", msg.NumTurns)}}
	case msg.IsError || strings.HasPrefix(msg.Subtype, "error"):
		detail := text
		if detail == "" {
			detail = msg.Subtype
		}
		return Event{Kind: EventError, Err: &Failure{Kind: ErrorAgent, Detail: detail}}
	case d.maxBudgetUSD > 0 && msg.TotalCostUSD > d.maxBudgetUSD:
		return Event{Kind: EventError, Err: &Failure{
			Kind:   ErrorBudgetExceeded,
			Detail: fmt.Sprintf("spent $%.2f of $%.2f", msg.TotalCostUSD, d.maxBudgetUSD),
		}}
	}
	return Event{
		Kind:           EventCompleted,
		ConversationID: d.conversationID,
		Result:         &Result{Text: text, NumTurns: msg.NumTurns, TotalCostUSD: msg.TotalCostUSD},
	}
}

func inputRequestFor(requestID string, req agent.ControlRequest) *InputRequest {
	if req.ToolName == agent.ToolAskUserQuestion {
		qs := agent.Questions(req.Input)
		if len(qs) == 0 {
			return &InputRequest{Kind: InputText, Prompt: "The agent has a question.", ToolCallID: requestID}
		}
		prompts := make([]string, 0, len(qs))
		for _, q := range qs {
			prompts = append(prompts, q.Question)
		}
		ir := &InputRequest{Kind: InputText, Prompt: strings.Join(prompts, "\n"), ToolCallID: requestID}
		if len(qs) == 1 && len(qs[0].Options) > 0 {
			ir.Kind = InputChoice
			ir.Options = append([]string(nil), qs[0].Options...)
		}
		return ir
	}
	return &InputRequest{
		Kind:       InputConfirmation,
		Prompt:     fmt.Sprintf("Allow %s?", agent.DescribeToolInput(req.ToolName, req.Input)),
		Options:    []string{"yes", "no"},
		ToolCallID: requestID,
	}
}

func toolPath(input map[string]any) string {
	for _, key := range []string{"file_path", "notebook_path"} {
		if v, ok := input[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

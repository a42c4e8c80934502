package channel

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Theme picks the card header color.
type Theme string

const (
	ThemeBlue   Theme = "blue"
	ThemeGreen  Theme = "green"
	ThemeRed    Theme = "red"
	ThemeOrange Theme = "orange"
	ThemeGrey   Theme = "grey"
)

// ActionReply is the button value action that turns a click into a reply.
const ActionReply = "reply"

type Button struct {
	Label string
	// Reply is delivered as the user's message when the button is clicked.
	Reply string
	// Ref identifies the prompt the button answers. It comes back as
	// Message.PromptID.
	Ref     string
	Primary bool
	Danger  bool
}

// Card is a transport-neutral interactive card.
type Card struct {
	Title   string
	Theme   Theme
	Body    []string
	Buttons []Button
	Note    string
}

// Text renders the card as plain text for transports without cards.
func (c Card) Text() string {
	var b strings.Builder
	if c.Title != "" {
		b.WriteString(c.Title)
		b.WriteString("\n")
	}
	for _, part := range c.Body {
		b.WriteString(part)
		b.WriteString("\n")
	}
	if len(c.Buttons) > 0 {
		labels := make([]string, 0, len(c.Buttons))
		for _, btn := range c.Buttons {
			labels = append(labels, btn.Label)
		}
		b.WriteString("[" + strings.Join(labels, "] [") + "]\n")
	}
	if c.Note != "" {
		b.WriteString(c.Note)
	}
	return strings.TrimSpace(b.String())
}

// LarkJSON renders the card in the Lark interactive message schema.
func (c Card) LarkJSON() (string, error) {
	elements := make([]map[string]any, 0, len(c.Body)+2)
	for _, part := range c.Body {
		if strings.TrimSpace(part) == "" {
			continue
		}
		elements = append(elements, map[string]any{
			"tag":  "div",
			"text": map[string]any{"tag": "lark_md", "content": part},
		})
	}
	if len(c.Buttons) > 0 {
		actions := make([]map[string]any, 0, len(c.Buttons))
		for _, btn := range c.Buttons {
			kind := "default"
			switch {
			case btn.Danger:
				kind = "danger"
			case btn.Primary:
				kind = "primary"
			}
			value := map[string]any{"action": ActionReply, "text": btn.Reply}
			if btn.Ref != "" {
				value["ref"] = btn.Ref
			}
			actions = append(actions, map[string]any{
				"tag":   "button",
				"text":  map[string]any{"tag": "plain_text", "content": btn.Label},
				"type":  kind,
				"value": value,
			})
		}
		elements = append(elements, map[string]any{"tag": "action", "actions": actions})
	}
	if c.Note != "" {
		elements = append(elements, map[string]any{
			"tag":      "note",
			"elements": []map[string]any{{"tag": "plain_text", "content": c.Note}},
		})
	}
	theme := c.Theme
	if theme == "" {
		theme = ThemeBlue
	}
	payload := map[string]any{
		"config": map[string]any{"wide_screen_mode": true, "update_multi": true},
		"header": map[string]any{
			"template": string(theme),
			"title":    map[string]any{"tag": "plain_text", "content": c.Title},
		},
		"elements": elements,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal card: %w", err)
	}
	return string(raw), nil
}

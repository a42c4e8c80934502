package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/chatbridge/internal/channel"
	"github.com/ent0n29/chatbridge/internal/execution"
)

const finalTextLimit = 3000

const promptInactiveNote = "This request is no longer active."

type runSummary struct {
	workspace string
	text      string
	toolCount int
	failed    int
	files     []string
	turns     int
	costUSD   float64
	duration  time.Duration
}

// ending describes how a failed run is presented.
type ending struct {
	title  string
	theme  channel.Theme
	metric string
}

var (
	endFailed  = ending{title: "Task failed", theme: channel.ThemeRed, metric: "failed"}
	endStopped = ending{title: "Task stopped", theme: channel.ThemeGrey, metric: "stopped"}
	endTimeout = ending{title: "Task timed out", theme: channel.ThemeOrange, metric: "timeout"}
)

func (e ending) card(agentName, detail, partial string) channel.Card {
	body := []string{"**Reason:** " + detail}
	if partial = strings.TrimSpace(partial); partial != "" {
		body = append(body, "**Last output:**\n"+partial)
	}
	return channel.Card{
		Title: fmt.Sprintf("%s · %s", agentName, e.title),
		Theme: e.theme,
		Body:  body,
		Note:  "Send a new message to start another task.",
	}
}

func progressCard(agentName, workspaceName string, toolLines []string, text string) channel.Card {
	var body []string
	if len(toolLines) > 0 {
		body = append(body, strings.Join(toolLines, "\n"))
	}
	if text = strings.TrimSpace(text); text != "" {
		body = append(body, text)
	}
	if len(body) == 0 {
		body = append(body, "Working…")
	}
	return channel.Card{
		Title: fmt.Sprintf("%s · working", agentName),
		Theme: channel.ThemeBlue,
		Body:  body,
		Note:  "Workspace: " + workspaceName,
	}
}

func finalCard(agentName string, s runSummary) channel.Card {
	text := s.text
	if text == "" {
		text = "Done."
	}
	body := []string{headRunes(text, finalTextLimit)}
	if len(s.files) > 0 {
		lines := make([]string, 0, len(s.files))
		for _, f := range s.files {
			lines = append(lines, "- "+f)
		}
		body = append(body, "**Files changed:**\n"+strings.Join(lines, "\n"))
	}

	note := []string{"Workspace: " + s.workspace, fmt.Sprintf("%d tool calls", s.toolCount)}
	if s.failed > 0 {
		note = append(note, fmt.Sprintf("%d failed", s.failed))
	}
	if s.turns > 0 {
		note = append(note, fmt.Sprintf("%d turns", s.turns))
	}
	if s.costUSD > 0 {
		note = append(note, fmt.Sprintf("$%.4f", s.costUSD))
	}
	note = append(note, s.duration.Round(time.Second).String())

	return channel.Card{
		Title: fmt.Sprintf("%s · done", agentName),
		Theme: channel.ThemeGreen,
		Body:  body,
		Note:  strings.Join(note, " · "),
	}
}

// promptCard renders an input request: approve/deny buttons for a
// confirmation, one button per option for a choice, and a plain prompt
// for free text.
func promptCard(agentName string, req execution.InputRequest, timeout time.Duration, promptID string) channel.Card {
	card := channel.Card{
		Title: fmt.Sprintf("%s · needs your input", agentName),
		Theme: channel.ThemeOrange,
		Body:  []string{req.Prompt},
	}
	expires := fmt.Sprintf("This request expires in %s.", timeout.Round(time.Second))
	switch req.Kind {
	case execution.InputConfirmation:
		card.Title = fmt.Sprintf("%s · needs approval", agentName)
		card.Buttons = []channel.Button{
			{Label: "Approve", Reply: "yes", Ref: promptID, Primary: true},
			{Label: "Deny", Reply: "no", Ref: promptID, Danger: true},
		}
		card.Note = "Tap a button or reply yes / no. " + expires
	case execution.InputChoice:
		for i, opt := range req.Options {
			card.Buttons = append(card.Buttons, channel.Button{Label: opt, Reply: opt, Ref: promptID, Primary: i == 0})
		}
		card.Note = "Tap an option or reply with your own answer. " + expires
	default:
		card.Note = "Reply in this chat. " + expires
	}
	return card
}

func tailRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "…" + string(r[len(r)-n:])
}

func headRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

package orchestrator

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ent0n29/chatbridge/internal/execution"
)

type toolState string

const (
	toolRunning toolState = "running"
	toolDone    toolState = "done"
	toolFailed  toolState = "failed"
)

var writeTools = []string{"Write", "Edit", "MultiEdit", "NotebookEdit"}

type toolEntry struct {
	id      string
	name    string
	summary string
	path    string
	state   toolState
}

// ledger records the tool calls of one run in invocation order.
type ledger struct {
	root    string
	entries []*toolEntry
}

func (l *ledger) invoke(call execution.ToolCall) {
	l.entries = append(l.entries, &toolEntry{
		id:      call.ID,
		name:    call.Name,
		summary: call.Summary,
		path:    call.Path,
		state:   toolRunning,
	})
}

// result settles the most recent running call with the same id, or the
// most recent running call when the id matches none.
func (l *ledger) result(call execution.ToolCall) {
	target := l.lastRunning(func(e *toolEntry) bool { return call.ID != "" && e.id == call.ID })
	if target == nil {
		target = l.lastRunning(func(*toolEntry) bool { return true })
	}
	if target == nil {
		return
	}
	target.state = toolDone
	if call.IsError {
		target.state = toolFailed
	}
}

func (l *ledger) lastRunning(match func(*toolEntry) bool) *toolEntry {
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.state == toolRunning && match(e) {
			return e
		}
	}
	return nil
}

// closeOpen marks calls that never reported a result as done.
func (l *ledger) closeOpen() {
	for _, e := range l.entries {
		if e.state == toolRunning {
			e.state = toolDone
		}
	}
}

func (l *ledger) count() int { return len(l.entries) }

func (l *ledger) failedCount() int {
	n := 0
	for _, e := range l.entries {
		if e.state == toolFailed {
			n++
		}
	}
	return n
}

// lines renders the last n calls, oldest first.
func (l *ledger) lines(n int) []string {
	start := max(0, len(l.entries)-n)
	out := make([]string, 0, len(l.entries)-start+1)
	if start > 0 {
		out = append(out, fmt.Sprintf("… %d earlier tool calls", start))
	}
	for _, e := range l.entries[start:] {
		label := e.summary
		if label == "" {
			label = e.name
		}
		out = append(out, stateMark(e.state)+" "+label)
	}
	return out
}

// writtenFiles lists, relative to the workspace, the files touched by
// successful write tools.
func (l *ledger) writtenFiles() []string {
	var out []string
	for _, e := range l.entries {
		if e.state != toolDone || e.path == "" || !slices.Contains(writeTools, e.name) {
			continue
		}
		rel, ok := relativeTo(l.root, e.path)
		if !ok || slices.Contains(out, rel) {
			continue
		}
		out = append(out, rel)
	}
	return out
}

func stateMark(s toolState) string {
	switch s {
	case toolRunning:
		return "⏳"
	case toolFailed:
		return "❌"
	default:
		return "✅"
	}
}

// relativeTo returns p relative to root when p lies inside root.
func relativeTo(root, p string) (string, bool) {
	if root == "" {
		return "", false
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

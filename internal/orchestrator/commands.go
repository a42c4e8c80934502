package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/channel"
	"github.com/ent0n29/chatbridge/internal/command"
	"github.com/ent0n29/chatbridge/internal/policy"
	"github.com/ent0n29/chatbridge/internal/session"
	"github.com/ent0n29/chatbridge/internal/tasks"
	"github.com/ent0n29/chatbridge/internal/workspace"
)

const historyLimit = 10

func (o *Orchestrator) runCommand(ctx context.Context, a *Agent, msg channel.Message, cmd command.Command) {
	o.log.WithAgentID(a.ID).WithUserID(msg.UserID).Debug("command", zap.String("name", string(cmd.Name)))
	var out string
	switch cmd.Name {
	case command.Help:
		out = command.HelpText
	case command.Reset:
		out = o.cmdReset(a, msg.UserID)
	case command.Stop:
		out = o.cmdStop(a, msg.UserID)
	case command.Switch:
		out = o.cmdSwitch(a, msg.UserID, cmd.Arg())
	case command.List:
		out = o.cmdList(a, msg.UserID)
	case command.Status:
		out = o.cmdStatus(a, msg.UserID)
	case command.History:
		out = o.cmdHistory(ctx, a, msg.UserID)
	case command.Clear:
		out = o.cmdClear(a, msg.UserID)
	default:
		out = "Unknown command. Send /help for the list."
	}
	o.reply(ctx, a, msg.ChatID, out)
}

func (o *Orchestrator) cmdReset(a *Agent, userID string) string {
	if st, ok := o.sessions.State(a.ID, userID); ok && st.Status != session.StatusIdle {
		if r, _ := st.Handle.(*run); r != nil {
			r.stop("reset by user")
		}
	}
	o.sessions.Delete(a.ID, userID)
	return "Conversation reset. Your next message starts a fresh conversation."
}

func (o *Orchestrator) cmdStop(a *Agent, userID string) string {
	ws, err := o.workspaces.Current(a.ID, userID)
	if err != nil {
		return "No workspace is configured for this bot."
	}
	key := tasks.WorkspaceKey{AgentID: a.ID, WorkspaceID: ws.ID}
	// Queued tasks go first so stopping the running one cannot start them.
	cancelled := o.CancelWaitingTasksForUser(key, userID)
	stopped := 0
	if o.cancelWait(a, userID, "stopped by user") {
		stopped++
	} else if t, ok := o.tasks.RunningTask(key); ok && t.Payload.UserID == userID {
		if r := o.runFor(t.ID); r != nil {
			r.stop("stopped by user")
			stopped++
		}
	}
	if stopped == 0 && cancelled == 0 {
		return "Nothing to stop."
	}
	return fmt.Sprintf("Stopped %d running and cancelled %d queued task(s).", stopped, cancelled)
}

func (o *Orchestrator) cmdSwitch(a *Agent, userID, ref string) string {
	if ref == "" {
		return "Usage: /switch <workspace>. Send /list to see the workspaces."
	}
	if cur, err := o.workspaces.Current(a.ID, userID); err == nil && o.hasTasks(tasks.WorkspaceKey{AgentID: a.ID, WorkspaceID: cur.ID}, userID) {
		return fmt.Sprintf("You have tasks in %s. Wait for them to finish or send /stop first.", cur.Name)
	}
	ws, err := o.workspaces.Select(a.ID, userID, ref)
	if errors.Is(err, workspace.ErrUnknownWorkspace) {
		return fmt.Sprintf("Unknown workspace %q. Send /list to see the workspaces.", ref)
	}
	if err != nil {
		return "Switch failed: " + err.Error()
	}
	o.sessions.GetOrCreate(a.ID, userID, ws.ID, "")
	return fmt.Sprintf("Switched to %s. Your next message starts a fresh conversation there.", ws.Name)
}

// hasTasks reports whether userID has a running or waiting task for key.
func (o *Orchestrator) hasTasks(key tasks.WorkspaceKey, userID string) bool {
	for _, t := range o.tasks.Tasks(key) {
		if t.Payload.UserID == userID && !t.Terminal() {
			return true
		}
	}
	return false
}

func (o *Orchestrator) cmdList(a *Agent, userID string) string {
	list, err := o.workspaces.Workspaces(a.ID)
	if err != nil || len(list) == 0 {
		return "No workspaces are configured."
	}
	cur, _ := o.workspaces.Current(a.ID, userID)
	var b strings.Builder
	b.WriteString("Workspaces:")
	for _, ws := range list {
		mark := " "
		if ws.ID == cur.ID {
			mark = "*"
		}
		fmt.Fprintf(&b, "\n%s %s (%s)", mark, ws.Name, ws.ID)
	}
	return b.String()
}

func (o *Orchestrator) cmdStatus(a *Agent, userID string) string {
	qs, err := o.QueueStatus(a.ID, userID)
	if err != nil {
		return "Status unavailable: " + err.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Workspace %s: %d running, %d waiting, %d completed, %d failed",
		qs.Workspace.Name, qs.Stats.Running, qs.Stats.Waiting, qs.Stats.Completed, qs.Stats.Failed)
	for _, t := range qs.Tasks {
		if t.Terminal() {
			continue
		}
		who := "someone else"
		if t.Payload.UserID == userID {
			who = "you"
		}
		switch t.Status {
		case tasks.TaskStatusRunning:
			fmt.Fprintf(&b, "\n▶ running (%s): %s", who, preview(t.Payload.Text))
		case tasks.TaskStatusWaiting:
			fmt.Fprintf(&b, "\n#%d waiting (%s): %s", t.Position+1, who, preview(t.Payload.Text))
		}
	}
	if st, ok := o.sessions.State(a.ID, userID); ok && st.Status.Waiting() {
		fmt.Fprintf(&b, "\nYour task is waiting for your reply until %s.", st.ExpiresAt.Format("15:04:05"))
	}
	return b.String()
}

func (o *Orchestrator) cmdHistory(ctx context.Context, a *Agent, userID string) string {
	ws, err := o.workspaces.Current(a.ID, userID)
	if err != nil {
		return "No workspace is configured for this bot."
	}
	list, err := o.tasks.History(ctx, tasks.WorkspaceKey{AgentID: a.ID, WorkspaceID: ws.ID}, userID, historyLimit)
	if err != nil {
		o.log.WithAgentID(a.ID).WithError(err).Warn("load history failed")
		return "History is unavailable right now."
	}
	if len(list) == 0 {
		return "No recent tasks."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recent tasks in %s:", ws.Name)
	for _, t := range list {
		fmt.Fprintf(&b, "\n%s %s · %s", t.QueuedAt.Format("01-02 15:04"), t.Status, preview(t.Payload.Text))
		if t.Error != "" {
			fmt.Fprintf(&b, " (%s)", t.Error)
		}
	}
	return b.String()
}

func (o *Orchestrator) cmdClear(a *Agent, userID string) string {
	if err := a.Access.AuthorizeAdmin(userID); errors.Is(err, policy.ErrNotAllowed) {
		return "Only admins can use /clear."
	}
	ws, err := o.workspaces.Current(a.ID, userID)
	if err != nil {
		return "No workspace is configured for this bot."
	}
	n := o.sessions.ClearWorkspace(a.ID, ws.ID)
	return fmt.Sprintf("Cleared %d idle session(s) in %s.", n, ws.Name)
}

// preview shortens a task prompt for listings, masking PII.
func preview(text string) string {
	text, _ = policy.RedactPII(strings.Join(strings.Fields(text), " "))
	return headRunes(text, 60)
}

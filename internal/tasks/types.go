package tasks

import (
	"time"

	"github.com/ent0n29/chatbridge/internal/channel"
)

type TaskStatus string

const (
	TaskStatusWaiting   TaskStatus = "waiting"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// NoPosition marks a task that is not waiting.
const NoPosition = -1

// WorkspaceKey is the unit of serialization: one running task per key.
type WorkspaceKey struct {
	AgentID     string `json:"agent_id"`
	WorkspaceID string `json:"workspace_id"`
}

func (k WorkspaceKey) String() string {
	return k.AgentID + "/" + k.WorkspaceID
}

type Task struct {
	ID          string          `json:"id"`
	Key         WorkspaceKey    `json:"workspace_key"`
	Payload     channel.Message `json:"payload"`
	Status      TaskStatus      `json:"status"`
	QueuedAt    time.Time       `json:"queued_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	// Position is the 0-based place among waiting tasks of the same key, or
	// NoPosition.
	Position int `json:"position"`
}

// Stats counts the tasks currently held for a key.
type Stats struct {
	Running   int `json:"running"`
	Waiting   int `json:"waiting"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (t Task) Clone() Task {
	out := t
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

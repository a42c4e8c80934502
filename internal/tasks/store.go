package tasks

import (
	"context"
	"errors"
)

var ErrStoreNotFound = errors.New("task not found in store")

// Store keeps an audit trail of tasks. It is write-mostly: queue state is
// never rebuilt from it.
type Store interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasksByUser(ctx context.Context, key WorkspaceKey, userID string, limit int) ([]Task, error)
	Close() error
}

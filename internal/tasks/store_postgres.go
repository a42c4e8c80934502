package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_tasks (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			payload_text TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			queued_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			completed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_tasks_user_queued
			ON chat_tasks (agent_id, workspace_id, user_id, queued_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SaveTask upserts task. Snapshots are written concurrently, so an update
// never moves a row backwards: settled rows stay settled and started rows
// never return to waiting.
func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_tasks (
			id, agent_id, workspace_id, user_id, chat_id, message_id, payload_text,
			status, error, queued_at, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			error=EXCLUDED.error,
			started_at=EXCLUDED.started_at,
			completed_at=EXCLUDED.completed_at
		WHERE chat_tasks.completed_at IS NULL
			AND (EXCLUDED.started_at IS NOT NULL OR chat_tasks.started_at IS NULL)`,
		task.ID,
		task.Key.AgentID,
		task.Key.WorkspaceID,
		task.Payload.UserID,
		task.Payload.ChatID,
		task.Payload.MessageID,
		task.Payload.Text,
		string(task.Status),
		task.Error,
		task.QueuedAt,
		task.StartedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

const selectTaskColumns = `SELECT id, agent_id, workspace_id, user_id, chat_id, message_id, payload_text,
	status, error, queued_at, started_at, completed_at FROM chat_tasks`

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx, selectTaskColumns+` WHERE id=$1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasksByUser(ctx context.Context, key WorkspaceKey, userID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		selectTaskColumns+` WHERE agent_id=$1 AND workspace_id=$2 AND user_id=$3 ORDER BY queued_at DESC LIMIT $4`,
		key.AgentID, key.WorkspaceID, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task        Task
		status      string
		startedAt   *time.Time
		completedAt *time.Time
	)
	err := row.Scan(
		&task.ID,
		&task.Key.AgentID,
		&task.Key.WorkspaceID,
		&task.Payload.UserID,
		&task.Payload.ChatID,
		&task.Payload.MessageID,
		&task.Payload.Text,
		&status,
		&task.Error,
		&task.QueuedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return Task{}, err
	}
	task.Status = TaskStatus(status)
	task.StartedAt = startedAt
	task.CompletedAt = completedAt
	task.Payload.AgentID = task.Key.AgentID
	task.Position = NoPosition
	return task, nil
}

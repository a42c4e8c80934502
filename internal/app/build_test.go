package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chatbridge/internal/config"
	"github.com/ent0n29/chatbridge/internal/logger"
	"github.com/ent0n29/chatbridge/internal/orchestrator"
	"github.com/ent0n29/chatbridge/internal/tasks"
)

func consoleConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:  config.ServerConfig{BindAddr: "127.0.0.1:0", ShutdownTimeout: time.Second},
		Metrics: config.MetricsConfig{Namespace: "test_app"},
		Queue:   config.QueueConfig{Retention: time.Minute},
		Session: config.SessionConfig{
			TTL:              time.Hour,
			ExecutionTimeout: time.Minute,
			InputTimeout:     time.Minute,
		},
		Throttle: config.ThrottleConfig{Interval: 10 * time.Millisecond},
		NATS:     config.NATSConfig{SubjectPrefix: "test"},
		Agents: []config.AgentConfig{{
			ID:       "bot",
			Name:     "Bot",
			Launcher: config.LauncherConfig{Mode: "mock"},
			Workspaces: []config.WorkspaceConfig{
				{ID: "api", Name: "API", Path: t.TempDir()},
			},
			DefaultWorkspace: "api",
		}},
	}
}

func TestBuildConsoleAgentEndToEnd(t *testing.T) {
	built, err := Build(context.Background(), consoleConfig(t), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, built.Cleanup()) })

	assert.Empty(t, built.Receivers, "console agents have no receiver")

	ts := httptest.NewServer(built.API.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"user_id": "u1", "text": "hello"})
	res, err := http.Post(ts.URL+"/v1/agents/bot/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	require.Eventually(t, func() bool {
		res, err := http.Get(ts.URL + "/v1/agents/bot/users/u1/queue")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		var status orchestrator.QueueStatus
		if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
			return false
		}
		return status.Stats == tasks.Stats{Completed: 1}
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		res, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(res.Body)
		return bytes.Contains(buf.Bytes(), []byte(`test_app_task_events_total{event="task.completed"} 1`))
	}, 3*time.Second, 20*time.Millisecond)
}

func TestBuildRejectsBadLauncher(t *testing.T) {
	cfg := consoleConfig(t)
	cfg.Agents[0].Launcher = config.LauncherConfig{Mode: "cli"}
	_, err := Build(context.Background(), cfg, logger.Nop())
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
logging:
  level: debug
  format: json
queue:
  retention: 2m
agents:
  - id: coder
    launcher:
      mode: mock
    workspaces:
      - id: api
        path: /srv/api
      - id: web
        name: Frontend
        path: /srv/web
    admins: [ou_admin]
    maxTurns: 20
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.BindAddr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2*time.Minute, cfg.Queue.Retention)
	assert.Equal(t, time.Second, cfg.Queue.NextTaskDelay)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 30*time.Second, cfg.Session.InteractiveSweepInterval)
	assert.Equal(t, 30*time.Minute, cfg.Session.ExecutionTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Session.InputTimeout)
	assert.Equal(t, time.Second, cfg.Throttle.Interval)
	assert.Equal(t, "chatbridge", cfg.NATS.SubjectPrefix)

	require.Len(t, cfg.Agents, 1)
	a := cfg.Agents[0]
	assert.Equal(t, "coder", a.Name)
	assert.Equal(t, "mock", a.Launcher.Mode)
	assert.Equal(t, "api", a.DefaultWorkspace)
	assert.Equal(t, "api", a.Workspaces[0].Name)
	assert.Equal(t, "Frontend", a.Workspaces[1].Name)
	assert.Equal(t, []string{"ou_admin"}, a.Admins)
	assert.Equal(t, 20, a.MaxTurns)
	assert.False(t, a.Lark.Enabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHATBRIDGE_SERVER_BINDADDR", ":9191")
	t.Setenv("CHATBRIDGE_SESSION_INPUTTIMEOUT", "90s")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, ":9191", cfg.Server.BindAddr)
	assert.Equal(t, 90*time.Second, cfg.Session.InputTimeout)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	body := `
logging:
  level: loud
agents:
  - id: coder
    launcher:
      mode: docker
    lark:
      appId: cli_x
    workspaces:
      - id: api
    defaultWorkspace: web
  - id: coder
    workspaces: []
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"logging.level",
		"agents[0].launcher.mode",
		"agents[0].lark.appSecret",
		"agents[0].workspaces[0].path",
		`agents[0].defaultWorkspace "web"`,
		`agents[1].id "coder" is duplicated`,
		"agents[1].workspaces must not be empty",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestLoadRequiresAgents(t *testing.T) {
	_, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one agent is required")
}

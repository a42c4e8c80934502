package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	l.WithComponent("tasks").WithTaskID("t-1").Info("task started", zap.Int("position", 0))
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(raw)
	for _, want := range []string{`"component":"tasks"`, `"task_id":"t-1"`, `"msg":"task started"`, `"position":0`} {
		require.True(t, strings.Contains(line, want), "missing %s in %s", want, line)
	}
}

func TestNewLoggerLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", OutputPath: path})
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown")
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "hidden")
	require.Contains(t, string(raw), "shown")
}

func TestNopAndDefault(t *testing.T) {
	Nop().WithAgentID("a").WithUserID("u").Error("ignored")
	require.NotNil(t, Default())
	require.Same(t, Default(), Default())
}

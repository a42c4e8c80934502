package orchestrator

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chatbridge/internal/execution"
)

func TestLedgerMatchesResults(t *testing.T) {
	var l ledger
	l.invoke(execution.ToolCall{ID: "a", Name: "Bash", Summary: "Bash: ls"})
	l.invoke(execution.ToolCall{ID: "b", Name: "Read", Summary: "Read: go.mod"})
	l.invoke(execution.ToolCall{ID: "a", Name: "Bash", Summary: "Bash: pwd"})

	l.result(execution.ToolCall{ID: "a"})
	assert.Equal(t, toolRunning, l.entries[0].state, "the most recent call with the id settles first")
	assert.Equal(t, toolDone, l.entries[2].state)

	l.result(execution.ToolCall{ID: "unknown", IsError: true})
	assert.Equal(t, toolFailed, l.entries[1].state, "unknown ids settle the most recent running call")

	l.closeOpen()
	assert.Equal(t, toolDone, l.entries[0].state)
	assert.Equal(t, 1, l.failedCount())
	assert.Equal(t, []string{"✅ Bash: ls", "❌ Read: go.mod", "✅ Bash: pwd"}, l.lines(8))
	assert.Equal(t, []string{"… 2 earlier tool calls", "✅ Bash: pwd"}, l.lines(1))
}

func TestLedgerWrittenFiles(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ws")
	l := ledger{root: root}
	l.invoke(execution.ToolCall{ID: "1", Name: "Write", Path: filepath.Join(root, "a.go")})
	l.invoke(execution.ToolCall{ID: "2", Name: "Edit", Path: "pkg/b.go"})
	l.invoke(execution.ToolCall{ID: "3", Name: "Write", Path: "/etc/passwd"})
	l.invoke(execution.ToolCall{ID: "4", Name: "Read", Path: filepath.Join(root, "c.go")})
	l.invoke(execution.ToolCall{ID: "5", Name: "Edit", Path: filepath.Join(root, "a.go")})
	l.invoke(execution.ToolCall{ID: "6", Name: "Write", Path: filepath.Join(root, "failed.go")})
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		l.result(execution.ToolCall{ID: id})
	}
	l.result(execution.ToolCall{ID: "6", IsError: true})

	assert.Equal(t, []string{"a.go", filepath.Join("pkg", "b.go")}, l.writtenFiles())
}

func TestExtractFileMarkers(t *testing.T) {
	text, paths := extractFileMarkers("See [[file:out/report.md]] and [[file: out/report.md ]] plus [[file:log.txt]].")
	assert.Equal(t, "See report.md and report.md plus log.txt.", text)
	assert.Equal(t, []string{"out/report.md", "log.txt"}, paths)

	text, paths = extractFileMarkers("no markers")
	assert.Equal(t, "no markers", text)
	assert.Nil(t, paths)
}

func TestRelativeTo(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ws")
	rel, ok := relativeTo(root, "sub/x.txt")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("sub", "x.txt"), rel)

	for _, p := range []string{"../x", root, filepath.Join(root, "..", "other")} {
		_, ok := relativeTo(root, p)
		assert.False(t, ok, p)
	}
	_, ok = relativeTo("", "x")
	assert.False(t, ok)
}

func TestWorkspaceFileFollowsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "id_rsa")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "report.md"), []byte("# ok"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "leak.txt")))
	require.NoError(t, os.Symlink(filepath.Join(root, "report.md"), filepath.Join(root, "latest.md")))

	abs, rel, err := workspaceFile(root, "report.md")
	require.NoError(t, err)
	assert.Equal(t, "report.md", rel)
	assert.Equal(t, "report.md", filepath.Base(abs))

	abs, _, err = workspaceFile(root, "latest.md")
	require.NoError(t, err)
	assert.Equal(t, "report.md", filepath.Base(abs), "links inside the workspace resolve to their target")

	_, _, err = workspaceFile(root, "leak.txt")
	assert.ErrorIs(t, err, errOutsideWorkspace)
	_, _, err = workspaceFile(root, "../id_rsa")
	assert.ErrorIs(t, err, errOutsideWorkspace)
	_, _, err = workspaceFile(root, "docs")
	assert.ErrorIs(t, err, errNotRegularFile)
	_, _, err = workspaceFile(root, "missing.md")
	assert.Error(t, err)
}

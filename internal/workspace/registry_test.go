package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]Agent{{
		ID: "coder",
		Workspaces: []Workspace{
			{ID: "api", Name: "Backend API", Path: "/srv/api"},
			{ID: "web", Name: "Web", Path: "/srv/web"},
		},
		DefaultWorkspace: "web",
	}})
	require.NoError(t, err)
	return r
}

func TestRegistryDefaultAndSelect(t *testing.T) {
	r := testRegistry(t)

	ws, err := r.Current("coder", "u1")
	require.NoError(t, err)
	assert.Equal(t, "web", ws.ID)

	ws, err = r.Select("coder", "u1", "backend api")
	require.NoError(t, err)
	assert.Equal(t, "api", ws.ID)

	ws, err = r.Current("coder", "u1")
	require.NoError(t, err)
	assert.Equal(t, "/srv/api", ws.Path)

	ws, err = r.Current("coder", "u2")
	require.NoError(t, err)
	assert.Equal(t, "web", ws.ID, "selection is per user")
}

func TestRegistryErrors(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Select("coder", "u1", "nope")
	assert.ErrorIs(t, err, ErrUnknownWorkspace)
	_, err = r.Current("ghost", "u1")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	_, err = r.Workspaces("ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	list, err := r.Workspaces("coder")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestNewRegistryValidates(t *testing.T) {
	_, err := NewRegistry([]Agent{{ID: "empty"}})
	assert.Error(t, err)

	_, err = NewRegistry([]Agent{{ID: "a", Workspaces: []Workspace{{ID: "x"}}, DefaultWorkspace: "y"}})
	assert.ErrorIs(t, err, ErrUnknownWorkspace)

	r, err := NewRegistry([]Agent{{ID: "a", Workspaces: []Workspace{{ID: "x"}}}})
	require.NoError(t, err)
	ws, err := r.Current("a", "u")
	require.NoError(t, err)
	assert.Equal(t, "x", ws.ID)
}

// Package workspace resolves which project directory a user's tasks run in.
package workspace

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrUnknownWorkspace = errors.New("unknown workspace")
)

type Workspace struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Agent lists the workspaces one agent may run in.
type Agent struct {
	ID               string
	Workspaces       []Workspace
	DefaultWorkspace string
}

type userKey struct {
	agentID string
	userID  string
}

// Registry holds configured workspaces and each user's current selection.
type Registry struct {
	agents map[string]Agent

	mu       sync.RWMutex
	selected map[userKey]string
}

func NewRegistry(agents []Agent) (*Registry, error) {
	r := &Registry{
		agents:   make(map[string]Agent, len(agents)),
		selected: make(map[userKey]string),
	}
	for _, a := range agents {
		if len(a.Workspaces) == 0 {
			return nil, fmt.Errorf("agent %q has no workspaces", a.ID)
		}
		if a.DefaultWorkspace == "" {
			a.DefaultWorkspace = a.Workspaces[0].ID
		}
		if _, ok := find(a.Workspaces, a.DefaultWorkspace); !ok {
			return nil, fmt.Errorf("agent %q default workspace %q: %w", a.ID, a.DefaultWorkspace, ErrUnknownWorkspace)
		}
		r.agents[a.ID] = a
	}
	return r, nil
}

func (r *Registry) Workspaces(agentID string) ([]Workspace, error) {
	a, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return append([]Workspace(nil), a.Workspaces...), nil
}

// Lookup finds a workspace by id or, case-insensitively, by name.
func (r *Registry) Lookup(agentID, ref string) (Workspace, error) {
	a, ok := r.agents[agentID]
	if !ok {
		return Workspace{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if ws, ok := find(a.Workspaces, ref); ok {
		return ws, nil
	}
	return Workspace{}, fmt.Errorf("%w: %s", ErrUnknownWorkspace, ref)
}

// Current returns the user's selected workspace, or the agent default.
func (r *Registry) Current(agentID, userID string) (Workspace, error) {
	a, ok := r.agents[agentID]
	if !ok {
		return Workspace{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	r.mu.RLock()
	id, selected := r.selected[userKey{agentID, userID}]
	r.mu.RUnlock()
	if selected {
		if ws, ok := find(a.Workspaces, id); ok {
			return ws, nil
		}
	}
	ws, _ := find(a.Workspaces, a.DefaultWorkspace)
	return ws, nil
}

// Select stores ref as the user's workspace.
func (r *Registry) Select(agentID, userID, ref string) (Workspace, error) {
	ws, err := r.Lookup(agentID, ref)
	if err != nil {
		return Workspace{}, err
	}
	r.mu.Lock()
	r.selected[userKey{agentID, userID}] = ws.ID
	r.mu.Unlock()
	return ws, nil
}

func find(list []Workspace, ref string) (Workspace, bool) {
	ref = strings.TrimSpace(ref)
	for _, ws := range list {
		if ws.ID == ref {
			return ws, true
		}
	}
	for _, ws := range list {
		if ws.Name != "" && strings.EqualFold(ws.Name, ref) {
			return ws, true
		}
	}
	return Workspace{}, false
}

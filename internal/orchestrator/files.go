package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var fileMarker = regexp.MustCompile(`\[\[file:([^\[\]]+)\]\]`)

// extractFileMarkers strips [[file:path]] markers from text and returns the
// referenced paths in order, without duplicates.
func extractFileMarkers(text string) (string, []string) {
	var paths []string
	seen := map[string]bool{}
	for _, m := range fileMarker.FindAllStringSubmatch(text, -1) {
		p := strings.TrimSpace(m[1])
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return text, nil
	}
	cleaned := fileMarker.ReplaceAllStringFunc(text, func(m string) string {
		return filepath.Base(strings.TrimSpace(fileMarker.FindStringSubmatch(m)[1]))
	})
	return strings.TrimSpace(cleaned), paths
}

var (
	errOutsideWorkspace = errors.New("outside the workspace")
	errNotRegularFile   = errors.New("not a regular file")
)

// workspaceFile resolves p against root, following symlinks, and returns
// the real path of a regular file that lies inside root.
func workspaceFile(root, p string) (abs, rel string, err error) {
	rel, ok := relativeTo(root, p)
	if !ok {
		return "", "", errOutsideWorkspace
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", "", err
	}
	abs, err = filepath.EvalSymlinks(filepath.Join(root, rel))
	if err != nil {
		return "", "", err
	}
	if _, ok := relativeTo(realRoot, abs); !ok {
		return "", "", errOutsideWorkspace
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", "", err
	}
	if !info.Mode().IsRegular() {
		return "", "", errNotRegularFile
	}
	return abs, rel, nil
}

// deliverFiles uploads marked files that exist inside the workspace.
func (r *run) deliverFiles(paths []string) {
	if len(paths) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(r.o.ctx, finalSendTimeout*2)
	defer cancel()
	for _, p := range paths {
		abs, rel, err := workspaceFile(r.ws.Path, p)
		if err != nil {
			r.log.Warn("skipping file", zap.String("path", p), zap.Error(err))
			continue
		}
		if err := r.agent.Channel.SendFile(ctx, r.chatID, abs); err != nil {
			r.log.WithError(err).Warn("send file failed", zap.String("path", rel))
		}
	}
}

// Package artifact writes run audit files under a runs directory.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// FS writes artifacts to <dir>/<run_id>/<scope>/<name>. It implements engine.Sink.
type FS struct {
	dir string
}

// NewFS creates a sink rooted at dir.
func NewFS(dir string) *FS {
	return &FS{dir: dir}
}

// RunDir returns the directory holding a run's artifacts.
func (f *FS) RunDir(runID string) string {
	return filepath.Join(f.dir, runID)
}

// Write stores v as indented JSON. Failures are logged and otherwise ignored.
func (f *FS) Write(runID, scope, name string, v any) {
	path, err := f.path(runID, scope, name)
	if err != nil {
		log.Warn().Err(err).Str("run_id", runID).Str("scope", scope).Str("name", name).Msg("skip artifact")
		return
	}
	if err := writeJSON(path, v); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("write artifact")
	}
}

func (f *FS) path(runID, scope, name string) (string, error) {
	if runID == "" || name == "" {
		return "", fmt.Errorf("run id and name are required")
	}
	base := f.RunDir(runID)
	path := filepath.Join(base, filepath.FromSlash(scope), name)
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("artifact path escapes run dir: %s", filepath.Join(scope, name))
	}
	return path, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

package engine

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/kachina-project/kachina/internal/fsutil"
	"github.com/kachina-project/kachina/internal/manifest"
)

// Uninstall removes every file a previously persisted manifest installed
// into targetDir, plus the state and registration sidecars themselves
// (spec §6 "Persisted state"; the uninstall path removal itself is an
// external collaborator per spec §1, but locating what to remove is not).
func Uninstall(targetDir string) (*Result, error) {
	statePath := filepath.Join(targetDir, StateFileName)
	m, err := manifest.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
			return nil, ErrUninstallStateMissing
		}
		return nil, ErrUninstallStateMissing
	}

	var removed []string
	for _, h := range m.Hashed {
		rel := filepath.FromSlash(h.FileName)
		path := filepath.Join(targetDir, rel)
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		if err := fsutil.Remove(&fsutil.RemoveOptions{Root: targetDir, Path: rel}); err == nil {
			removed = append(removed, h.FileName)
		}
	}

	os.Remove(statePath)
	os.Remove(filepath.Join(targetDir, RegistryFileName))

	return &Result{Manifest: m, Deleted: removed}, nil
}

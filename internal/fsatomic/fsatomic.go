// Package fsatomic provides crash-safe file persistence primitives:
// an atomic temp-write/fsync/rename writer and a run-root path
// confinement check. Every file the kernel persists goes through this
// package so that a reader never observes a partially written file.
package fsatomic

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteFile atomically writes data to finalPath. The temp file is
// created inside root so the rename stays on one filesystem and is
// therefore atomic. The sequence is: write temp, fsync temp, rename
// over finalPath, fsync the containing directory.
//
// Directory fsync failures are tolerated (some filesystems do not
// support fsync on directories). On any other failure the temp file is
// removed and finalPath is untouched.
func WriteFile(root, finalPath string, data []byte) error {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomic write: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("atomic write: create temp in %s: %w", root, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("atomic write: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("atomic write: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomic write: close temp: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("atomic write: rename to %s: %w", finalPath, err)
	}
	committed = true

	// Best effort: make the rename itself durable.
	_ = fsyncDir(dir)
	return nil
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// ContainPath resolves rel against root and rejects any result that
// escapes root (traversal via "..", absolute paths, or crafted relative
// segments). Returns the cleaned absolute path on success.
func ContainPath(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q escapes run root: absolute path", rel)
	}
	cleanRoot := filepath.Clean(root)
	joined := filepath.Clean(filepath.Join(cleanRoot, rel))
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes run root %q", rel, root)
	}
	return joined, nil
}

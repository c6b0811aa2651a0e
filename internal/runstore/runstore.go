// Package runstore manages run identity, the on-disk run directory
// layout, the run manifest, and the run-scoped lock.
//
// Layout under a workspace:
//
//	<workspace>/.loom/
//	    artifacts.db                    workspace-level artifact index
//	    runs/<run_id>/
//	        run_manifest.json           authoritative run record
//	        run_state.json              scheduler state
//	        run.lock                    manifest write lock
//	        artifacts/                  content-addressed payloads
//	        logs/                       step and gate logs
//	        tmp/                        scratch space
package runstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// KernelVersion is recorded in every run manifest and checked against
// pack minimum-version requirements.
const KernelVersion = "0.1.0"

// Directory and file names of the persisted layout. These are stable:
// external layers depend on them.
const (
	LayoutDir     = ".loom"
	RunsDir       = "runs"
	ArtifactsDir  = "artifacts"
	LogsDir       = "logs"
	TmpDir        = "tmp"
	ManifestFile  = "run_manifest.json"
	StateFile     = "run_state.json"
	LockFile      = "run.lock"
	IndexFile     = "artifacts.db"
)

// Run identifies an open run and its root directory.
type Run struct {
	ID   string
	Root string
}

// NotFoundError is returned by Resume when the run directory or
// manifest does not exist.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("run %s not found", e.RunID)
}

// NewRunID returns a globally unique opaque run token.
// UUIDv7 embeds a timestamp in the most significant bits, making run
// IDs sortable by creation time, which helps when listing runs.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// KernelRoot returns <workspace>/.loom.
func KernelRoot(workspace string) string {
	return filepath.Join(workspace, LayoutDir)
}

// IndexPath returns the workspace-level artifact index database path.
func IndexPath(workspace string) string {
	return filepath.Join(KernelRoot(workspace), IndexFile)
}

// RunRoot returns the root directory for a run ID under a workspace.
func RunRoot(workspace, runID string) string {
	return filepath.Join(KernelRoot(workspace), RunsDir, runID)
}

// Create allocates a new run: generates an ID, creates the directory
// skeleton idempotently, and writes the initial manifest.
func Create(workspace string) (Run, error) {
	id := NewRunID()
	root := RunRoot(workspace, id)
	if err := createRunDirectory(root); err != nil {
		return Run{}, err
	}

	run := Run{ID: id, Root: root}
	manifest := NewManifest()
	if err := WriteManifest(run.Root, manifest); err != nil {
		return Run{}, fmt.Errorf("create run %s: %w", id, err)
	}
	return run, nil
}

// Resume re-opens an existing run by reading its manifest.
// Returns NotFoundError if the directory or manifest is absent.
func Resume(workspace, runID string) (Run, Manifest, error) {
	root := RunRoot(workspace, runID)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return Run{}, Manifest{}, &NotFoundError{RunID: runID}
	}

	manifest, err := ReadManifest(root)
	if err != nil {
		if os.IsNotExist(err) {
			return Run{}, Manifest{}, &NotFoundError{RunID: runID}
		}
		return Run{}, Manifest{}, fmt.Errorf("resume run %s: %w", runID, err)
	}
	return Run{ID: runID, Root: root}, manifest, nil
}

// createRunDirectory creates runs/<run_id>/{artifacts,logs,tmp}.
// Idempotent: existing directories are left alone.
func createRunDirectory(root string) error {
	for _, sub := range []string{"", ArtifactsDir, LogsDir, TmpDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return fmt.Errorf("create run directory: %w", err)
		}
	}
	return nil
}

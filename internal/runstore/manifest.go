package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loomrun/loom/internal/fsatomic"
)

// RunStatus is the lifecycle status recorded in the manifest.
type RunStatus string

const (
	StatusCreated   RunStatus = "created"
	StatusRunning   RunStatus = "running"
	StatusBlocked   RunStatus = "blocked"
	StatusFailed    RunStatus = "failed"
	StatusSucceeded RunStatus = "succeeded"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusBlocked
}

// Manifest is the authoritative run record. It is written only through
// the atomic writer while holding the run lock, and never deleted.
type Manifest struct {
	Status        RunStatus `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	KernelVersion string    `json:"kernel_version"`
	InputArtifact string    `json:"input_artifact,omitempty"`
}

// NewManifest returns the initial manifest for a freshly created run.
func NewManifest() Manifest {
	now := time.Now().UTC()
	return Manifest{
		Status:        StatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
		KernelVersion: KernelVersion,
	}
}

// WriteManifest persists the manifest under the run lock.
//
// The lock is scoped to this call: acquired, held for the atomic write,
// and released on every exit path. It must never be taken while any
// other lock is held (deadlock-avoidance invariant).
func WriteManifest(runRoot string, m Manifest) error {
	lock, err := AcquireLock(runRoot)
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	defer lock.Release()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("write manifest: marshal: %w", err)
	}
	if err := fsatomic.WriteFile(runRoot, filepath.Join(runRoot, ManifestFile), data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// UpdateManifestStatus reads, mutates, and rewrites the manifest status.
func UpdateManifestStatus(runRoot string, status RunStatus) error {
	m, err := ReadManifest(runRoot)
	if err != nil {
		return fmt.Errorf("update manifest status: %w", err)
	}
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
	return WriteManifest(runRoot, m)
}

// ReadManifest loads the manifest from a run root.
func ReadManifest(runRoot string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(runRoot, ManifestFile))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("read manifest: decode: %w", err)
	}
	return m, nil
}

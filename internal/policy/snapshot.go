package policy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Violation is a recorded, typed refusal to execute (or accept the
// effects of) an action that breaches the active safety policy.
type Violation struct {
	Type    string `json:"violation_type"`
	StepID  string `json:"step_id"`
	Tool    string `json:"tool,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// SchemaID is the envelope schema for stored violations.
const SchemaID = "policy_violation.v1"

// Violation types.
const (
	ViolationToolNotAllowed = "tool_not_allowed"
	ViolationWriteDenied    = "write_denied"
	ViolationDiffTooLarge   = "diff_too_large"
)

// Payload renders the violation as an envelope payload.
func (v Violation) Payload() map[string]any {
	payload := map[string]any{
		"violation_type": v.Type,
		"step_id":        v.StepID,
		"message":        v.Message,
	}
	if v.Tool != "" {
		payload["tool"] = v.Tool
	}
	if v.Path != "" {
		payload["path"] = v.Path
	}
	return payload
}

// CheckTool returns a violation when the executor's declared tool kind
// is not permitted. The step must fail without executing.
func CheckTool(p Policy, stepID, tool string) *Violation {
	if p.ToolAllowed(tool) {
		return nil
	}
	return &Violation{
		Type:    ViolationToolNotAllowed,
		StepID:  stepID,
		Tool:    tool,
		Message: fmt.Sprintf("Policy violation: tool %q is not in the allowed set", tool),
	}
}

// fileStat is one snapshot entry.
type fileStat struct {
	modTime time.Time
	size    int64
}

// Snapshot records modification times and sizes of every file under
// root, keyed by root-relative path. Kernel-owned bookkeeping files
// (manifest, state, lock) and kernel-owned directories (artifacts/,
// logs/, tmp/) are excluded: the kernel and the executor write those
// themselves and they are not step output.
type Snapshot map[string]fileStat

var kernelOwned = map[string]bool{
	"run_manifest.json": true,
	"run_state.json":    true,
	"run.lock":          true,
}

var kernelOwnedDirs = map[string]bool{
	"artifacts": true,
	"logs":      true,
	"tmp":       true,
}

// TakeSnapshot walks the run root and records file states.
func TakeSnapshot(root string) (Snapshot, error) {
	snap := make(Snapshot)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A file can vanish between listing and stat; skip
			// rather than fail.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if kernelOwnedDirs[rel] {
				return filepath.SkipDir
			}
			return nil
		}
		if kernelOwned[rel] {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			if os.IsNotExist(infoErr) {
				return nil
			}
			return infoErr
		}
		snap[filepath.ToSlash(rel)] = fileStat{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", root, err)
	}
	return snap, nil
}

// Diff returns the root-relative paths that are new or changed in
// after, sorted for deterministic violation reporting.
func Diff(before, after Snapshot) []string {
	var changed []string
	for path, stat := range after {
		prev, existed := before[path]
		if !existed || prev.modTime != stat.modTime || prev.size != stat.size {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

// CheckWrites maps changed paths against the policy: deny prefixes win,
// then a non-empty allowlist must contain the path. The total byte size
// of changed files is also checked against the diff ceiling.
func CheckWrites(p Policy, stepID string, after Snapshot, changed []string) []Violation {
	var violations []Violation
	var totalBytes int64
	for _, path := range changed {
		if !p.WriteAllowed(path) {
			violations = append(violations, Violation{
				Type:    ViolationWriteDenied,
				StepID:  stepID,
				Path:    path,
				Message: fmt.Sprintf("Policy violation: write to denied path %q", path),
			})
		}
		totalBytes += after[path].size
	}
	if p.MaxDiffBytes > 0 && totalBytes > p.MaxDiffBytes {
		violations = append(violations, Violation{
			Type:    ViolationDiffTooLarge,
			StepID:  stepID,
			Message: fmt.Sprintf("Policy violation: step changed %d bytes, ceiling is %d", totalBytes, p.MaxDiffBytes),
		})
	}
	return violations
}

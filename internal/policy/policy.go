// Package policy models safety policies (tool allowlists, write-path
// containment, diff ceilings, network access) and enforces them around
// step execution. Policy denials are never retried: each one produces a
// recorded violation and a failed step.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Access is a binary allow/deny switch.
type Access string

const (
	Allow Access = "allow"
	Deny  Access = "deny"
)

// Policy is the active safety policy for a run.
//
// Nil slices mean "no constraint"; empty non-nil slices mean "nothing
// allowed". This distinction matters for merging: a pack fragment that
// says nothing about tools must not erase the tool allowlist.
type Policy struct {
	AllowedTools    []string `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	AllowWritePaths []string `yaml:"allow_write_paths,omitempty" json:"allow_write_paths,omitempty"`
	DenyWritePaths  []string `yaml:"deny_write_paths,omitempty" json:"deny_write_paths,omitempty"`
	MaxDiffBytes    int64    `yaml:"max_diff_bytes,omitempty" json:"max_diff_bytes,omitempty"`
	Network         Access   `yaml:"network,omitempty" json:"network,omitempty"`
}

// Default returns the policy used when none is supplied: local command
// execution is permitted, network access is denied.
func Default() Policy {
	return Policy{
		AllowedTools: []string{"local_command"},
		Network:      Deny,
	}
}

// Load reads a policy from a YAML file.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("load policy %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("load policy %s: %w", path, err)
	}
	return p, nil
}

// ToolAllowed reports whether an executor tool kind may run.
// A nil allowlist permits everything; an empty one permits nothing.
func (p Policy) ToolAllowed(tool string) bool {
	if p.AllowedTools == nil {
		return true
	}
	for _, t := range p.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// WriteAllowed checks a run-root-relative path against the policy.
// Deny prefixes are checked first (deny wins); then, if an allowlist is
// present, the path must fall under one of its prefixes.
func (p Policy) WriteAllowed(rel string) bool {
	for _, prefix := range p.DenyWritePaths {
		if underPrefix(rel, prefix) {
			return false
		}
	}
	if len(p.AllowWritePaths) == 0 {
		return true
	}
	for _, prefix := range p.AllowWritePaths {
		if underPrefix(rel, prefix) {
			return true
		}
	}
	return false
}

// underPrefix reports whether rel is the prefix path itself or inside it.
func underPrefix(rel, prefix string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	prefix = strings.TrimSuffix(filepath.ToSlash(filepath.Clean(prefix)), "/")
	return rel == prefix || strings.HasPrefix(rel, prefix+"/")
}

// Merge combines policies conservatively: allowed tools and allow-write
// paths intersect, deny-write paths union, numeric ceilings take the
// minimum, and network access denies if any policy denies. Adding a
// policy can only narrow permissions, never broaden them.
func Merge(policies ...Policy) Policy {
	var merged Policy
	for _, p := range policies {
		merged.AllowedTools = intersect(merged.AllowedTools, p.AllowedTools)
		merged.AllowWritePaths = intersect(merged.AllowWritePaths, p.AllowWritePaths)
		merged.DenyWritePaths = union(merged.DenyWritePaths, p.DenyWritePaths)

		if p.MaxDiffBytes > 0 && (merged.MaxDiffBytes == 0 || p.MaxDiffBytes < merged.MaxDiffBytes) {
			merged.MaxDiffBytes = p.MaxDiffBytes
		}
		if p.Network == Deny {
			merged.Network = Deny
		} else if p.Network == Allow && merged.Network == "" {
			merged.Network = Allow
		}
	}
	return merged
}

// intersect treats nil as "no constraint".
func intersect(a, b []string) []string {
	if a == nil {
		return cloneSorted(b)
	}
	if b == nil {
		return cloneSorted(a)
	}
	inB := make(map[string]bool, len(b))
	for _, s := range b {
		inB[s] = true
	}
	out := []string{}
	for _, s := range a {
		if inB[s] {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func union(a, b []string) []string {
	if a == nil && b == nil {
		return nil
	}
	set := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func cloneSorted(s []string) []string {
	if s == nil {
		return nil
	}
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

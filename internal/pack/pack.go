// Package pack implements the extensibility layer: declarative bundles
// of schemas, step and gate templates, routing rules, and safety-policy
// fragments. Packs are merged deterministically into a registry with
// hard collision failures and a component-wise kernel version gate, and
// their policies can only narrow permissions, never broaden them.
package pack

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomrun/loom/internal/graph"
	"github.com/loomrun/loom/internal/policy"
	"github.com/loomrun/loom/internal/route"
)

// Pack is one declarative bundle. Schemas map schema IDs to CUE source;
// templates are reusable step and gate fragments referenced by ID.
type Pack struct {
	Name             string `yaml:"name"`
	Version          string `yaml:"version"`
	MinKernelVersion string `yaml:"min_kernel_version,omitempty"`

	Schemas       map[string]string         `yaml:"schemas,omitempty"`
	StepTemplates map[string]graph.StepSpec `yaml:"step_templates,omitempty"`
	GateTemplates map[string]graph.GateSpec `yaml:"gate_templates,omitempty"`
	RoutingRules  []route.Rule              `yaml:"routing_rules,omitempty"`
	Policy        *policy.Policy            `yaml:"policy,omitempty"`
}

// Load reads a pack from a YAML file. Unknown fields are rejected.
func Load(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load pack %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes pack YAML.
func Parse(data []byte) (*Pack, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	var p Pack
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse pack: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("parse pack: name is required")
	}
	return &p, nil
}

// compareVersions compares dotted version strings component-wise.
// Missing components count as zero, so "1.2" == "1.2.0".
func compareVersions(a, b string) (int, error) {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, err := versionComponent(as, i, a)
		if err != nil {
			return 0, err
		}
		bv, err := versionComponent(bs, i, b)
		if err != nil {
			return 0, err
		}
		if av != bv {
			if av < bv {
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, nil
}

func versionComponent(parts []string, i int, full string) (int, error) {
	if i >= len(parts) {
		return 0, nil
	}
	v, err := strconv.Atoi(parts[i])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", full)
	}
	return v, nil
}

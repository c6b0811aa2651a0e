package pack

import (
	"fmt"

	"github.com/loomrun/loom/internal/envelope"
	"github.com/loomrun/loom/internal/graph"
	"github.com/loomrun/loom/internal/policy"
	"github.com/loomrun/loom/internal/route"
	"github.com/loomrun/loom/internal/runstore"
)

// Registry merges registered packs. Schemas land in the shared envelope
// registry (which already holds the kernel builtins, so collisions with
// those fail too); templates and rules are tracked here.
type Registry struct {
	kernelVersion string
	schemas       *envelope.Registry
	stepTemplates map[string]graph.StepSpec
	gateTemplates map[string]graph.GateSpec
	rules         []route.Rule
	ruleIDs       map[string]bool
	merged        policy.Policy
	hasPolicy     bool
	packs         []string
}

// NewRegistry builds a pack registry around a schema registry.
func NewRegistry(schemas *envelope.Registry) *Registry {
	return &Registry{
		kernelVersion: runstore.KernelVersion,
		schemas:       schemas,
		stepTemplates: make(map[string]graph.StepSpec),
		gateTemplates: make(map[string]graph.GateSpec),
		ruleIDs:       make(map[string]bool),
	}
}

// Register validates a pack completely before applying any of it, so a
// rejected pack leaves the registry untouched.
func (r *Registry) Register(p *Pack) error {
	if p.MinKernelVersion != "" {
		cmp, err := compareVersions(p.MinKernelVersion, r.kernelVersion)
		if err != nil {
			return fmt.Errorf("pack %s: %w", p.Name, err)
		}
		if cmp > 0 {
			return fmt.Errorf("pack %s requires kernel >= %s, this kernel is %s",
				p.Name, p.MinKernelVersion, r.kernelVersion)
		}
	}

	compiled := make(map[string]envelope.Validator, len(p.Schemas))
	for id, source := range p.Schemas {
		if r.schemas.Has(id) {
			return fmt.Errorf("pack %s: schema %s already registered", p.Name, id)
		}
		v, err := envelope.CompileCUE(source)
		if err != nil {
			return fmt.Errorf("pack %s: schema %s: %w", p.Name, id, err)
		}
		compiled[id] = v
	}
	for id := range p.StepTemplates {
		if _, exists := r.stepTemplates[id]; exists {
			return fmt.Errorf("pack %s: step template %s already registered", p.Name, id)
		}
	}
	for id := range p.GateTemplates {
		if _, exists := r.gateTemplates[id]; exists {
			return fmt.Errorf("pack %s: gate template %s already registered", p.Name, id)
		}
	}
	seen := make(map[string]bool, len(p.RoutingRules))
	for _, rule := range p.RoutingRules {
		if rule.ID == "" {
			return fmt.Errorf("pack %s: routing rule without ID", p.Name)
		}
		if r.ruleIDs[rule.ID] || seen[rule.ID] {
			return fmt.Errorf("pack %s: routing rule %s already registered", p.Name, rule.ID)
		}
		seen[rule.ID] = true
	}

	for id, v := range compiled {
		if err := r.schemas.Register(id, v, false); err != nil {
			return fmt.Errorf("pack %s: %w", p.Name, err)
		}
	}
	for id, tpl := range p.StepTemplates {
		r.stepTemplates[id] = tpl
	}
	for id, tpl := range p.GateTemplates {
		r.gateTemplates[id] = tpl
	}
	for _, rule := range p.RoutingRules {
		r.ruleIDs[rule.ID] = true
		r.rules = append(r.rules, rule)
	}
	if p.Policy != nil {
		if r.hasPolicy {
			r.merged = policy.Merge(r.merged, *p.Policy)
		} else {
			r.merged = *p.Policy
			r.hasPolicy = true
		}
	}
	r.packs = append(r.packs, p.Name)
	return nil
}

// StepTemplate resolves a step template by ID.
func (r *Registry) StepTemplate(id string) (graph.StepSpec, bool) {
	tpl, ok := r.stepTemplates[id]
	return tpl, ok
}

// GateTemplate resolves a gate template by ID.
func (r *Registry) GateTemplate(id string) (graph.GateSpec, bool) {
	tpl, ok := r.gateTemplates[id]
	return tpl, ok
}

// Rules returns the routing rules in pack-then-declaration order.
func (r *Registry) Rules() []route.Rule {
	return append([]route.Rule(nil), r.rules...)
}

// Policy returns the conservative merge of every registered pack's
// policy fragment; ok is false when no pack declared one.
func (r *Registry) Policy() (policy.Policy, bool) {
	return r.merged, r.hasPolicy
}

// Packs returns the names of registered packs in registration order.
func (r *Registry) Packs() []string {
	return append([]string(nil), r.packs...)
}

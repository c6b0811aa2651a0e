package envelope

import (
	"sort"
	"sync"

	"github.com/loomrun/loom/internal/canon"
)

// Validator checks payload shape for one schema ID.
type Validator interface {
	Validate(payload map[string]any) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(payload map[string]any) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(payload map[string]any) error {
	return f(payload)
}

// Registry maps namespaced schema IDs to validators. It is an explicit
// object constructed once at startup and passed into the components
// that need it; there is no ambient global registry.
//
// Registration is monotonic: a second Register for the same schema ID
// fails unless override is requested. Overriding with a stricter model
// intentionally makes previously stored envelopes fail validation.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]Validator)}
}

// Register binds a schema ID to a validator. Fails on duplicate IDs
// unless override is set.
func (r *Registry) Register(schemaID string, v Validator, override bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.validators[schemaID]; exists && !override {
		return &ValidationError{
			Code:     CodeDuplicateSchema,
			SchemaID: schemaID,
			Message:  "schema already registered (pass override to replace)",
		}
	}
	r.validators[schemaID] = v
	return nil
}

// Get returns the validator for a schema ID, or a distinct
// unknown-schema error if it was never registered.
func (r *Registry) Get(schemaID string) (Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validators[schemaID]
	if !ok {
		return nil, &ValidationError{
			Code:     CodeUnknownSchema,
			SchemaID: schemaID,
			Message:  "schema not registered",
		}
	}
	return v, nil
}

// Has reports whether a schema ID is registered.
func (r *Registry) Has(schemaID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[schemaID]
	return ok
}

// SchemaIDs returns all registered schema IDs, sorted.
func (r *Registry) SchemaIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.validators))
	for id := range r.validators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateEnvelope checks an envelope at the read boundary:
//  1. Recompute the canonical hash of the payload and compare it to
//     meta.payload_sha256 (hash mismatch is a hard failure).
//  2. Resolve the schema by meta.schema_id.
//  3. Validate payload shape against the registered validator.
//
// Returns the metadata and payload on success.
func (r *Registry) ValidateEnvelope(env Envelope) (Meta, map[string]any, error) {
	hash, err := canon.HashValue(env.Payload)
	if err != nil {
		return Meta{}, nil, &ValidationError{
			Code:     CodeShapeInvalid,
			SchemaID: env.Meta.SchemaID,
			Message:  "payload is not canonicalizable: " + err.Error(),
		}
	}
	if hash != env.Meta.PayloadSHA256 {
		return Meta{}, nil, &ValidationError{
			Code:     CodeHashMismatch,
			SchemaID: env.Meta.SchemaID,
			Message:  "hash mismatch: payload hash " + hash + " != meta.payload_sha256 " + env.Meta.PayloadSHA256,
		}
	}

	validator, err := r.Get(env.Meta.SchemaID)
	if err != nil {
		return Meta{}, nil, err
	}
	if err := validator.Validate(env.Payload); err != nil {
		return Meta{}, nil, &ValidationError{
			Code:     CodeShapeInvalid,
			SchemaID: env.Meta.SchemaID,
			Message:  err.Error(),
		}
	}
	return env.Meta, env.Payload, nil
}

package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))

	for _, id := range BuiltinSchemaIDs() {
		assert.True(t, reg.Has(id), id)
	}

	// Registering twice collides; builtins are not overridable by accident.
	err := RegisterBuiltins(reg)
	require.Error(t, err)
}

func TestBuiltinGateResultShape(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))

	env, err := New(SchemaGateResult, map[string]any{
		"gate_id": "lint",
		"step_id": "build",
		"status":  "failed",
		"attempt": 1,
		"reason":  "exit status 2",
	}, "kernel", "system", nil)
	require.NoError(t, err)

	_, _, err = reg.ValidateEnvelope(env)
	require.NoError(t, err)

	bad, err := New(SchemaGateResult, map[string]any{
		"gate_id": "lint",
		"step_id": "build",
		"status":  "exploded",
		"attempt": 1,
	}, "kernel", "system", nil)
	require.NoError(t, err)

	_, _, err = reg.ValidateEnvelope(bad)
	require.Error(t, err)
}

func TestBuiltinViolationShape(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))

	env, err := New(SchemaPolicyViolation, map[string]any{
		"violation_type": "write_denied",
		"step_id":        "build",
		"path":           "protected/x",
		"message":        "Policy violation: write to denied path \"protected/x\"",
	}, "kernel", "system", nil)
	require.NoError(t, err)

	_, _, err = reg.ValidateEnvelope(env)
	require.NoError(t, err)
}

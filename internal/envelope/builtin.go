package envelope

// Kernel builtin schema IDs. Packs may not redeclare these.
const (
	SchemaGateResult          = "gate_result.v1"
	SchemaPolicyViolation     = "policy_violation.v1"
	SchemaArtifactReplacement = "artifact_replacement.v1"
)

// builtinSchemas are the envelope payloads the kernel itself emits.
// Optional fields are open (present only when meaningful); required
// fields must be concrete.
var builtinSchemas = map[string]string{
	SchemaGateResult: `{
		gate_id: string
		step_id: string
		status:  "passed" | "failed"
		attempt: number & >=1
		reason?: string
		logs?: [...string]
	}`,
	SchemaPolicyViolation: `{
		violation_type: "tool_not_allowed" | "write_denied" | "diff_too_large"
		step_id:        string
		message:        string
		tool?:          string
		path?:          string
	}`,
	SchemaArtifactReplacement: `{
		old_artifact_id: string
		new_artifact_id: string
		reason:          string
		replaced_at:     string
	}`,
}

// BuiltinSchemaIDs returns the kernel builtin schema IDs, for collision
// checks when registering packs.
func BuiltinSchemaIDs() []string {
	ids := make([]string, 0, len(builtinSchemas))
	for id := range builtinSchemas {
		ids = append(ids, id)
	}
	return ids
}

// RegisterBuiltins installs the kernel's own schemas into a registry.
func RegisterBuiltins(r *Registry) error {
	for id, source := range builtinSchemas {
		v, err := CompileCUE(source)
		if err != nil {
			return err
		}
		if err := r.Register(id, v, false); err != nil {
			return err
		}
	}
	return nil
}

package envelope

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// cueValidator validates payload shape against a compiled CUE schema.
// Uses the CUE SDK's Go API directly (not a CLI subprocess).
type cueValidator struct {
	ctx    *cue.Context
	schema cue.Value
}

// CompileCUE builds a Validator from CUE source. The source must
// evaluate to a struct constraint, e.g.:
//
//	CompileCUE(`{echo: string}`)
//
// The schema is compiled once; Validate unifies each payload against it
// and requires the result to be concrete and error-free.
func CompileCUE(source string) (Validator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(source)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile CUE schema: %w", err)
	}
	return &cueValidator{ctx: ctx, schema: schema}, nil
}

// MustCompileCUE is like CompileCUE but panics on error.
// Use for schema literals known to be valid (kernel builtins, tests).
func MustCompileCUE(source string) Validator {
	v, err := CompileCUE(source)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate implements Validator.
func (cv *cueValidator) Validate(payload map[string]any) error {
	val := cv.ctx.Encode(payload)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	unified := cv.schema.Unify(val)
	if err := unified.Err(); err != nil {
		return err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

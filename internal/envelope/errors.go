package envelope

import (
	"errors"
	"fmt"
)

// ValidationErrorCode categorizes validation failures at the envelope
// boundary.
type ValidationErrorCode string

const (
	// CodeUnknownSchema indicates the schema ID was never registered.
	CodeUnknownSchema ValidationErrorCode = "UNKNOWN_SCHEMA"

	// CodeHashMismatch indicates the payload no longer hashes to
	// meta.payload_sha256.
	CodeHashMismatch ValidationErrorCode = "HASH_MISMATCH"

	// CodeShapeInvalid indicates the payload failed schema validation.
	CodeShapeInvalid ValidationErrorCode = "SHAPE_INVALID"

	// CodeDuplicateSchema indicates a registration collides with an
	// existing schema ID without an explicit override.
	CodeDuplicateSchema ValidationErrorCode = "DUPLICATE_SCHEMA"
)

// ValidationError is the typed error for integrity failures. These are
// always raised to the caller; there is no silent recovery.
type ValidationError struct {
	Code     ValidationErrorCode
	SchemaID string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.SchemaID != "" {
		return fmt.Sprintf("%s: %s (schema=%s)", e.Code, e.Message, e.SchemaID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsUnknownSchema reports whether err is an unknown-schema failure.
func IsUnknownSchema(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Code == CodeUnknownSchema
}

// IsHashMismatch reports whether err is a payload hash mismatch.
func IsHashMismatch(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Code == CodeHashMismatch
}

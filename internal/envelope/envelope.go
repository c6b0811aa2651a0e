// Package envelope defines the typed wrapper around artifact payloads
// (provenance metadata plus a schema-validated body), the schema
// registry mapping schema IDs to validators, and the validation
// boundary that re-checks payload hashes and shape at every read.
package envelope

import (
	"fmt"
	"time"

	"github.com/loomrun/loom/internal/canon"
)

// Meta carries provenance and integrity metadata for a payload.
//
// PayloadSHA256 is the hex SHA-256 of the canonical JSON form of the
// payload. The invariant is enforced at every validated read, not only
// at write time: a stored envelope whose payload no longer hashes to
// meta.payload_sha256 fails validation regardless of what any other
// record claims.
type Meta struct {
	SchemaID      string    `json:"schema_id"`
	ProducerID    string    `json:"producer_id"`
	ProducerKind  string    `json:"producer_kind"`
	CreatedAt     time.Time `json:"created_at"`
	Inputs        []string  `json:"inputs,omitempty"`
	PayloadSHA256 string    `json:"payload_sha256"`
}

// Envelope pairs metadata with an arbitrary schema-conformant payload.
type Envelope struct {
	Meta    Meta           `json:"meta"`
	Payload map[string]any `json:"payload"`
}

// New builds an envelope, computing the canonical payload hash.
func New(schemaID string, payload map[string]any, producerID, producerKind string, inputs []string) (Envelope, error) {
	hash, err := canon.HashValue(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("build envelope for %s: %w", schemaID, err)
	}
	return Envelope{
		Meta: Meta{
			SchemaID:      schemaID,
			ProducerID:    producerID,
			ProducerKind:  producerKind,
			CreatedAt:     time.Now().UTC(),
			Inputs:        inputs,
			PayloadSHA256: hash,
		},
		Payload: payload,
	}, nil
}

package artifact

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the storage kind of an artifact payload.
type Kind string

const (
	KindJSON Kind = "json"
	KindText Kind = "text"
	KindFile Kind = "file"
)

// ProducerKind identifies what sort of actor produced an artifact.
type ProducerKind string

const (
	ProducerTool   ProducerKind = "tool"
	ProducerLLM    ProducerKind = "llm"
	ProducerHuman  ProducerKind = "human"
	ProducerSystem ProducerKind = "system"
)

// Producer is the identity that created an artifact.
type Producer struct {
	ID   string       `json:"id"`
	Kind ProducerKind `json:"kind"`
}

// Ref identifies a stored artifact. Refs are returned by Put and
// accepted by Get/OpenPath; the index can reconstruct them by ID.
type Ref struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"artifact_type"`
	Kind      Kind      `json:"kind"`
	Path      string    `json:"rel_path"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
	Producer  Producer  `json:"producer"`
	Name      string    `json:"name,omitempty"`
	Inputs    []string  `json:"inputs,omitempty"`
}

// TokenGenerator produces artifact IDs. Implemented by UUIDv7Generator
// (production) and FixedGenerator (tests).
type TokenGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 artifact IDs.
// Stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 as a hyphenated string.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined IDs for testing, enabling
// deterministic artifact paths and golden comparisons.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator creates a generator that returns tokens in order.
// Panics when exhausted: fail-fast for test misconfiguration.
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

// Generate returns the next predetermined token.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.tokens) {
		panic("FixedGenerator: all tokens exhausted")
	}
	token := g.tokens[g.idx]
	g.idx++
	return token
}

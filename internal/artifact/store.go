package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loomrun/loom/internal/canon"
	"github.com/loomrun/loom/internal/envelope"
	"github.com/loomrun/loom/internal/fsatomic"
	"github.com/loomrun/loom/internal/runstore"
)

// Store provides content-addressed artifact storage for one run,
// backed by the shared workspace index.
//
// Puts are expected to be effectively serialized by the runner's
// single-threaded execution model; the index tolerates concurrent
// writers from distinct runs.
type Store struct {
	run   runstore.Run
	index *Index
	ids   TokenGenerator
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator replaces the UUIDv7 artifact ID generator.
// Tests use FixedGenerator for deterministic paths.
func WithIDGenerator(g TokenGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithClock replaces the wall clock used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore binds an artifact store to a run and the workspace index.
func NewStore(run runstore.Run, index *Index, opts ...Option) *Store {
	s := &Store{
		run:   run,
		index: index,
		ids:   UUIDv7Generator{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutOption attaches optional attributes to a stored artifact.
type PutOption func(*putAttrs)

type putAttrs struct {
	name   string
	inputs []string
}

// WithName attaches a human-readable name.
func WithName(name string) PutOption {
	return func(a *putAttrs) { a.name = name }
}

// WithInputs records provenance edges to input artifact IDs.
func WithInputs(inputs ...string) PutOption {
	return func(a *putAttrs) { a.inputs = inputs }
}

// PutJSON stores a JSON payload. The payload is serialized canonically,
// so the content hash equals the canonical hash of the value.
func (s *Store) PutJSON(ctx context.Context, artifactType string, payload any, producer Producer, opts ...PutOption) (Ref, error) {
	data, err := canon.MarshalCanonical(payload)
	if err != nil {
		return Ref{}, fmt.Errorf("put json artifact: %w", err)
	}
	return s.put(ctx, artifactType, data, KindJSON, ".json", producer, opts)
}

// PutText stores a raw text payload.
func (s *Store) PutText(ctx context.Context, artifactType, text string, producer Producer, opts ...PutOption) (Ref, error) {
	return s.put(ctx, artifactType, []byte(text), KindText, ".txt", producer, opts)
}

// PutFile copies a source file into the store. The source's extension
// is preserved on the payload file (falling back to ".bin").
func (s *Store) PutFile(ctx context.Context, artifactType, srcPath string, producer Producer, opts ...PutOption) (Ref, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return Ref{}, fmt.Errorf("put file artifact: read source: %w", err)
	}
	ext := filepath.Ext(srcPath)
	if ext == "" {
		ext = ".bin"
	}
	return s.put(ctx, artifactType, data, KindFile, ext, producer, opts)
}

// PutEnvelope builds an envelope for the payload (computing the
// canonical payload hash) and stores the whole envelope as a json
// artifact tagged with the schema ID as its artifact type.
func (s *Store) PutEnvelope(ctx context.Context, schemaID string, payload map[string]any, producer Producer, opts ...PutOption) (Ref, envelope.Envelope, error) {
	attrs := collectAttrs(opts)
	env, err := envelope.New(schemaID, payload, producer.ID, string(producer.Kind), attrs.inputs)
	if err != nil {
		return Ref{}, envelope.Envelope{}, fmt.Errorf("put envelope: %w", err)
	}
	ref, err := s.PutJSON(ctx, schemaID, env, producer, opts...)
	if err != nil {
		return Ref{}, envelope.Envelope{}, err
	}
	return ref, env, nil
}

// put writes payload bytes durably, then commits the index row.
// Ordering matters for crash safety: the index is only told about
// payloads that are already readable on disk.
func (s *Store) put(ctx context.Context, artifactType string, data []byte, kind Kind, ext string, producer Producer, opts []PutOption) (Ref, error) {
	attrs := collectAttrs(opts)

	id := s.ids.Generate()
	relPath := filepath.Join(runstore.ArtifactsDir, id, "payload"+ext)
	absPath, err := fsatomic.ContainPath(s.run.Root, relPath)
	if err != nil {
		return Ref{}, fmt.Errorf("put artifact: %w", err)
	}

	if err := fsatomic.WriteFile(s.run.Root, absPath, data); err != nil {
		return Ref{}, fmt.Errorf("put artifact %s: %w", id, err)
	}

	ref := Ref{
		ID:        id,
		RunID:     s.run.ID,
		Type:      artifactType,
		Kind:      kind,
		Path:      relPath,
		SHA256:    canon.HashBytes(data),
		CreatedAt: s.now().UTC(),
		Producer:  producer,
		Name:      attrs.name,
		Inputs:    attrs.inputs,
	}
	if err := s.index.insert(ctx, ref); err != nil {
		return Ref{}, fmt.Errorf("put artifact %s: %w", id, err)
	}

	slog.Debug("artifact stored",
		"id", id,
		"run", s.run.ID,
		"type", artifactType,
		"kind", kind,
		"sha256", ref.SHA256,
	)
	return ref, nil
}

func collectAttrs(opts []PutOption) putAttrs {
	var attrs putAttrs
	for _, opt := range opts {
		opt(&attrs)
	}
	return attrs
}

// Get returns the decoded payload for a ref: a generic JSON value for
// json artifacts, a string for text, raw bytes for file. Refs from a
// different run are rejected (cross-run confusion guard), and the
// payload bytes must still hash to the ref's SHA-256.
func (s *Store) Get(ctx context.Context, ref Ref) (any, error) {
	data, err := s.readPayload(ref)
	if err != nil {
		return nil, err
	}

	switch ref.Kind {
	case KindJSON:
		var payload any
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("get artifact %s: decode json: %w", ref.ID, err)
		}
		return payload, nil
	case KindText:
		return string(data), nil
	case KindFile:
		return data, nil
	default:
		return nil, fmt.Errorf("get artifact %s: unknown kind %q", ref.ID, ref.Kind)
	}
}

// GetEnvelope decodes a json artifact as an envelope.
func (s *Store) GetEnvelope(ctx context.Context, ref Ref) (envelope.Envelope, error) {
	if ref.Kind != KindJSON {
		return envelope.Envelope{}, fmt.Errorf("get envelope %s: artifact kind is %q, not json", ref.ID, ref.Kind)
	}
	data, err := s.readPayload(ref)
	if err != nil {
		return envelope.Envelope{}, err
	}
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("get envelope %s: decode: %w", ref.ID, err)
	}
	return env, nil
}

// GetValidated reads an envelope artifact and passes it through the
// schema registry's validation boundary.
func (s *Store) GetValidated(ctx context.Context, registry *envelope.Registry, ref Ref) (envelope.Meta, map[string]any, error) {
	env, err := s.GetEnvelope(ctx, ref)
	if err != nil {
		return envelope.Meta{}, nil, err
	}
	return registry.ValidateEnvelope(env)
}

// OpenPath returns the filesystem path of a file artifact's payload.
// Calling it on a non-file artifact is an error.
func (s *Store) OpenPath(ref Ref) (string, error) {
	if ref.Kind != KindFile {
		return "", fmt.Errorf("open path %s: artifact kind is %q, not file", ref.ID, ref.Kind)
	}
	if ref.RunID != s.run.ID {
		return "", fmt.Errorf("open path %s: ref belongs to run %s, store is bound to run %s", ref.ID, ref.RunID, s.run.ID)
	}
	return fsatomic.ContainPath(s.run.Root, ref.Path)
}

// List queries the index for this store's run. An empty artifactType
// matches all types.
func (s *Store) List(ctx context.Context, artifactType string) ([]Ref, error) {
	return s.index.List(ctx, s.run.ID, artifactType)
}

// RunID returns the run this store is bound to.
func (s *Store) RunID() string {
	return s.run.ID
}

func (s *Store) readPayload(ref Ref) ([]byte, error) {
	if ref.RunID != s.run.ID {
		return nil, fmt.Errorf("get artifact %s: ref belongs to run %s, store is bound to run %s", ref.ID, ref.RunID, s.run.ID)
	}
	absPath, err := fsatomic.ContainPath(s.run.Root, ref.Path)
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", ref.ID, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: read payload: %w", ref.ID, err)
	}
	if got := canon.HashBytes(data); got != ref.SHA256 {
		return nil, fmt.Errorf("get artifact %s: content hash %s does not match recorded %s", ref.ID, got, ref.SHA256)
	}
	return data, nil
}

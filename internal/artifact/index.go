package artifact

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added composite index on (run_id, artifact_type)
const currentSchemaVersion = 1

// Index is the durable, workspace-level artifact index. Uses SQLite
// with WAL mode so that concurrent runs in separate processes can write
// their own rows without corrupting each other's listings.
type Index struct {
	db *sql.DB
}

// OpenIndex creates or opens the index database at the given path.
// Applies required pragmas and migrations automatically. Idempotent.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open artifact index: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect artifact index: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY within this process, and busy_timeout covers writers
	// in other processes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the database connection.
func (ix *Index) Close() error {
	if ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the composite (run_id, artifact_type) index used by
// filtered listings.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_artifacts_run_type
		ON artifacts(run_id, artifact_type)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// insert commits one artifact row. Idempotent via ON CONFLICT(id) DO
// NOTHING: artifact IDs are unique by construction, so a conflict can
// only mean the same put was replayed.
func (ix *Index) insert(ctx context.Context, ref Ref) error {
	inputsJSON, err := json.Marshal(ref.Inputs)
	if err != nil {
		return fmt.Errorf("index artifact: marshal inputs: %w", err)
	}

	_, err = ix.db.ExecContext(ctx, `
		INSERT INTO artifacts
		(id, run_id, artifact_type, kind, rel_path, sha256, created_at, producer_id, producer_kind, name, inputs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ref.ID,
		ref.RunID,
		ref.Type,
		string(ref.Kind),
		ref.Path,
		ref.SHA256,
		ref.CreatedAt.UTC().Format(time.RFC3339Nano),
		ref.Producer.ID,
		string(ref.Producer.Kind),
		ref.Name,
		string(inputsJSON),
	)
	if err != nil {
		return fmt.Errorf("index artifact %s: %w", ref.ID, err)
	}
	return nil
}

// Get reconstructs a Ref by artifact ID.
func (ix *Index) Get(ctx context.Context, id string) (Ref, error) {
	row := ix.db.QueryRowContext(ctx, `
		SELECT id, run_id, artifact_type, kind, rel_path, sha256, created_at, producer_id, producer_kind, name, inputs
		FROM artifacts WHERE id = ?
	`, id)
	ref, err := scanRef(row)
	if err == sql.ErrNoRows {
		return Ref{}, fmt.Errorf("artifact %s not found in index", id)
	}
	if err != nil {
		return Ref{}, fmt.Errorf("get artifact %s: %w", id, err)
	}
	return ref, nil
}

// List returns index rows matching the optional run ID and artifact
// type filters, ordered deterministically by created_at then id.
// Returns an empty slice (not nil) when nothing matches.
func (ix *Index) List(ctx context.Context, runID, artifactType string) ([]Ref, error) {
	query := `
		SELECT id, run_id, artifact_type, kind, rel_path, sha256, created_at, producer_id, producer_kind, name, inputs
		FROM artifacts WHERE 1=1`
	var args []any
	if runID != "" {
		query += " AND run_id = ?"
		args = append(args, runID)
	}
	if artifactType != "" {
		query += " AND artifact_type = ?"
		args = append(args, artifactType)
	}
	query += " ORDER BY created_at ASC, id COLLATE BINARY ASC"

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	refs := []Ref{}
	for rows.Next() {
		ref, err := scanRef(rows)
		if err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return refs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRef(s scanner) (Ref, error) {
	var ref Ref
	var kind, producerKind, createdAt, inputsJSON string
	err := s.Scan(
		&ref.ID, &ref.RunID, &ref.Type, &kind, &ref.Path, &ref.SHA256,
		&createdAt, &ref.Producer.ID, &producerKind, &ref.Name, &inputsJSON,
	)
	if err != nil {
		return Ref{}, err
	}
	ref.Kind = Kind(kind)
	ref.Producer.Kind = ProducerKind(producerKind)

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Ref{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	ref.CreatedAt = ts

	if err := json.Unmarshal([]byte(inputsJSON), &ref.Inputs); err != nil {
		return Ref{}, fmt.Errorf("parse inputs %q: %w", inputsJSON, err)
	}
	return ref, nil
}

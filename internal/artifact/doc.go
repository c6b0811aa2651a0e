// Package artifact implements content-addressed storage of JSON, text,
// and file payloads under a run, with a cross-run SQLite index for
// listing and querying.
//
// Artifacts are immutable: every Put allocates a fresh ID and directory,
// so overwrite is structurally impossible. Payload bytes are written
// durably before the index row commits, which means an index entry is
// always backed by a readable payload. The inverse can occur after a
// crash (payload on disk but not yet listed) and is harmless.
package artifact

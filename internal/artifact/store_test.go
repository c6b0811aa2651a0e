package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/loomrun/loom/internal/envelope"
	"github.com/loomrun/loom/internal/runstore"
)

func newTestStore(t *testing.T) (*Store, *Index) {
	t.Helper()
	ws := t.TempDir()
	run, err := runstore.Create(ws)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	index, err := OpenIndex(runstore.IndexPath(ws))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { index.Close() })
	return NewStore(run, index), index
}

func TestPutJSON_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := s.PutJSON(ctx, "work_order.v1", map[string]any{"x": 1}, Producer{ID: "tester", Kind: ProducerSystem})
	if err != nil {
		t.Fatalf("PutJSON() failed: %v", err)
	}

	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	payload, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("payload type = %T, want map", got)
	}
	if payload["x"] != float64(1) {
		t.Errorf("payload[x] = %v, want 1", payload["x"])
	}
}

func TestPutText_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := s.PutText(ctx, "note.v1", "hello world", Producer{ID: "tester", Kind: ProducerHuman})
	if err != nil {
		t.Fatalf("PutText() failed: %v", err)
	}

	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got != "hello world" {
		t.Errorf("payload = %q, want %q", got, "hello world")
	}
}

func TestPutFile_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(src, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	ref, err := s.PutFile(ctx, "dataset.v1", src, Producer{ID: "tester", Kind: ProducerTool})
	if err != nil {
		t.Fatalf("PutFile() failed: %v", err)
	}
	if ref.Kind != KindFile {
		t.Errorf("kind = %q, want file", ref.Kind)
	}

	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got.([]byte)) != "a,b\n1,2\n" {
		t.Errorf("payload = %q", got)
	}

	// OpenPath must return a readable path with the source extension.
	path, err := s.OpenPath(ref)
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	if filepath.Ext(path) != ".csv" {
		t.Errorf("payload extension = %q, want .csv", filepath.Ext(path))
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("payload path not readable: %v", err)
	}
}

func TestPut_NoOverwrite(t *testing.T) {
	// Two puts of the same payload allocate distinct IDs, each
	// independently retrievable. Overwrite is structurally impossible.
	s, _ := newTestStore(t)
	ctx := context.Background()

	ref1, err := s.PutJSON(ctx, "work_order.v1", map[string]any{"x": 1}, Producer{ID: "t", Kind: ProducerSystem})
	if err != nil {
		t.Fatalf("first PutJSON() failed: %v", err)
	}
	ref2, err := s.PutJSON(ctx, "work_order.v1", map[string]any{"x": 1}, Producer{ID: "t", Kind: ProducerSystem})
	if err != nil {
		t.Fatalf("second PutJSON() failed: %v", err)
	}

	if ref1.ID == ref2.ID {
		t.Fatalf("both puts returned ID %s", ref1.ID)
	}
	if ref1.SHA256 != ref2.SHA256 {
		t.Errorf("same payload hashed differently: %s vs %s", ref1.SHA256, ref2.SHA256)
	}
	for _, ref := range []Ref{ref1, ref2} {
		if _, err := s.Get(ctx, ref); err != nil {
			t.Errorf("Get(%s) failed: %v", ref.ID, err)
		}
	}
}

func TestGet_RejectsCrossRunRef(t *testing.T) {
	ws := t.TempDir()
	runA, _ := runstore.Create(ws)
	runB, _ := runstore.Create(ws)
	index, err := OpenIndex(runstore.IndexPath(ws))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer index.Close()

	storeA := NewStore(runA, index)
	storeB := NewStore(runB, index)
	ctx := context.Background()

	ref, err := storeA.PutJSON(ctx, "work_order.v1", map[string]any{"x": 1}, Producer{ID: "t", Kind: ProducerSystem})
	if err != nil {
		t.Fatalf("PutJSON() failed: %v", err)
	}

	if _, err := storeB.Get(ctx, ref); err == nil {
		t.Error("Get() on another run's ref should have failed")
	}
}

func TestGet_DetectsTampering(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := s.PutText(ctx, "note.v1", "original", Producer{ID: "t", Kind: ProducerSystem})
	if err != nil {
		t.Fatalf("PutText() failed: %v", err)
	}

	// Corrupt the payload on disk behind the store's back.
	path := filepath.Join(s.run.Root, ref.Path)
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := s.Get(ctx, ref); err == nil {
		t.Error("Get() should have detected the hash mismatch")
	}
}

func TestOpenPath_NonFileKind(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := s.PutJSON(ctx, "work_order.v1", map[string]any{"x": 1}, Producer{ID: "t", Kind: ProducerSystem})
	if err != nil {
		t.Fatalf("PutJSON() failed: %v", err)
	}

	if _, err := s.OpenPath(ref); err == nil {
		t.Error("OpenPath() on a json artifact should have failed")
	}
}

func TestGet_RejectsEscapingPath(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := s.PutText(ctx, "note.v1", "data", Producer{ID: "t", Kind: ProducerSystem})
	if err != nil {
		t.Fatalf("PutText() failed: %v", err)
	}

	ref.Path = "../../../etc/passwd"
	if _, err := s.Get(ctx, ref); err == nil {
		t.Error("Get() with a traversal path should have failed")
	}
}

func TestList_Filters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := Producer{ID: "t", Kind: ProducerSystem}

	if _, err := s.PutJSON(ctx, "work_order.v1", map[string]any{"n": 1}, p); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutJSON(ctx, "work_order.v1", map[string]any{"n": 2}, p); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutText(ctx, "note.v1", "x", p); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List(all) = %d refs, want 3", len(all))
	}

	orders, err := s.List(ctx, "work_order.v1")
	if err != nil {
		t.Fatalf("List(type) failed: %v", err)
	}
	if len(orders) != 2 {
		t.Errorf("List(work_order.v1) = %d refs, want 2", len(orders))
	}
}

func TestIndex_IsolatesRuns(t *testing.T) {
	ws := t.TempDir()
	runA, _ := runstore.Create(ws)
	runB, _ := runstore.Create(ws)
	index, err := OpenIndex(runstore.IndexPath(ws))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer index.Close()

	ctx := context.Background()
	p := Producer{ID: "t", Kind: ProducerSystem}
	storeA := NewStore(runA, index)
	storeB := NewStore(runB, index)

	if _, err := storeA.PutJSON(ctx, "a.v1", map[string]any{"n": 1}, p); err != nil {
		t.Fatal(err)
	}
	if _, err := storeB.PutJSON(ctx, "b.v1", map[string]any{"n": 2}, p); err != nil {
		t.Fatal(err)
	}

	refsA, err := index.List(ctx, runA.ID, "")
	if err != nil {
		t.Fatalf("List(runA) failed: %v", err)
	}
	if len(refsA) != 1 || refsA[0].Type != "a.v1" {
		t.Errorf("runA listing contaminated: %+v", refsA)
	}
	refsB, err := index.List(ctx, runB.ID, "")
	if err != nil {
		t.Fatalf("List(runB) failed: %v", err)
	}
	if len(refsB) != 1 || refsB[0].Type != "b.v1" {
		t.Errorf("runB listing contaminated: %+v", refsB)
	}
}

func TestPutEnvelope_GetValidated(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	registry := envelope.NewRegistry()
	if err := registry.Register("echo.v1", envelope.ValidatorFunc(func(p map[string]any) error {
		if _, ok := p["echo"]; !ok {
			return os.ErrInvalid
		}
		return nil
	}), false); err != nil {
		t.Fatalf("register schema: %v", err)
	}

	ref, env, err := s.PutEnvelope(ctx, "echo.v1", map[string]any{"echo": "hi"}, Producer{ID: "t", Kind: ProducerLLM})
	if err != nil {
		t.Fatalf("PutEnvelope() failed: %v", err)
	}
	if ref.Type != "echo.v1" {
		t.Errorf("artifact type = %q, want schema ID", ref.Type)
	}
	if env.Meta.PayloadSHA256 == "" {
		t.Error("payload hash not computed")
	}

	meta, payload, err := s.GetValidated(ctx, registry, ref)
	if err != nil {
		t.Fatalf("GetValidated() failed: %v", err)
	}
	if meta.SchemaID != "echo.v1" {
		t.Errorf("schema ID = %q", meta.SchemaID)
	}
	if payload["echo"] != "hi" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestIndex_GetByID(t *testing.T) {
	s, index := newTestStore(t)
	ctx := context.Background()

	ref, err := s.PutText(ctx, "note.v1", "hello", Producer{ID: "t", Kind: ProducerHuman}, WithName("greeting"), WithInputs("upstream-1"))
	if err != nil {
		t.Fatalf("PutText() failed: %v", err)
	}

	got, err := index.Get(ctx, ref.ID)
	if err != nil {
		t.Fatalf("index.Get() failed: %v", err)
	}
	if got.Name != "greeting" {
		t.Errorf("name = %q", got.Name)
	}
	if len(got.Inputs) != 1 || got.Inputs[0] != "upstream-1" {
		t.Errorf("inputs = %v", got.Inputs)
	}
	if got.SHA256 != ref.SHA256 {
		t.Errorf("sha mismatch: %s vs %s", got.SHA256, ref.SHA256)
	}
}

func TestIndex_GetMissing(t *testing.T) {
	_, index := newTestStore(t)
	if _, err := index.Get(context.Background(), "no-such-id"); err == nil {
		t.Error("expected error for missing artifact")
	}
}

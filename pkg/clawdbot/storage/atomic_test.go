package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicCreatesParent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deeper", "state.json")

	if err := WriteFileAtomic(path, []byte(`{"a":1}`), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("unexpected content: %s", data)
	}
}

func TestWriteFileAtomicBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteFileAtomic(path, []byte("v1"), 0o600); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("v2"), 0o600); err != nil {
		t.Fatalf("second write: %v", err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("reading .bak: %v", err)
	}
	if string(bak) != "v2" {
		t.Errorf("backup should track the latest write, got %s", bak)
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	for i := 0; i < 5; i++ {
		if err := WriteFileAtomic(path, []byte("x"), 0o600); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "state.json" && e.Name() != "state.json.bak" {
			t.Errorf("leftover file: %s", e.Name())
		}
	}
}

func TestLoadJSONMissingFile(t *testing.T) {
	var v map[string]int
	if err := LoadJSON(filepath.Join(t.TempDir(), "missing.json"), &v); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if v != nil {
		t.Errorf("expected zero value, got %v", v)
	}
}

func TestSaveLoadJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	in := map[string]int{"a": 1, "b": 2}

	if err := SaveJSON(path, in); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}

	var out map[string]int
	if err := LoadJSON(path, &out); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if out["a"] != 1 || out["b"] != 2 {
		t.Errorf("round trip mismatch: %v", out)
	}
}

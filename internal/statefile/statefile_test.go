package statefile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

type blob struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	in := blob{Name: "front_lobby", Count: 3}
	if err := Save(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	var out blob
	if err := Load(path, &out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")

	var out blob
	if err := Load(path, &out); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
	if err := LoadOr(path, &out); err != nil {
		t.Fatalf("LoadOr should swallow missing file: %v", err)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := Save(path, blob{Name: "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("unexpected directory contents: %v", names)
	}
}

func TestSaveOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := Save(path, blob{Name: "a"}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := Save(path, blob{Name: "b"}); err != nil {
		t.Fatalf("second save: %v", err)
	}
	var out blob
	if err := Load(path, &out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Name != "b" {
		t.Fatalf("expected overwrite, got %+v", out)
	}
}

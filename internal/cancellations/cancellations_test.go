package cancellations

import (
	"path/filepath"
	"testing"
	"time"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func cancelPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cancelled-events.json")
}

func tp(t time.Time) *time.Time { return &t }

func TestAddAndIsCancelled(t *testing.T) {
	path := cancelPath(t)
	inst := Instance{ID: "e1", Name: "Band Practice", StartAt: tp(now.Add(time.Hour)), EndAt: tp(now.Add(2 * time.Hour))}
	if err := Add(path, inst, now); err != nil {
		t.Fatalf("add: %v", err)
	}

	set := Load(path)
	if !set.IsCancelled("e1") {
		t.Fatal("expected e1 cancelled")
	}
	if set.IsCancelled("e2") {
		t.Fatal("e2 must not be cancelled")
	}
}

func TestAddIsIdempotent(t *testing.T) {
	path := cancelPath(t)
	inst := Instance{ID: "e1", Name: "Band Practice", EndAt: tp(now.Add(time.Hour))}
	for i := 0; i < 3; i++ {
		if err := Add(path, inst, now); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if got := len(Load(path).Instances()); got != 1 {
		t.Fatalf("expected one instance after repeated adds, got %d", got)
	}
}

func TestRemoveRestores(t *testing.T) {
	path := cancelPath(t)
	if err := Add(path, Instance{ID: "e1", EndAt: tp(now.Add(time.Hour))}, now); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := Remove(path, "e1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if Load(path).IsCancelled("e1") {
		t.Fatal("expected e1 restored")
	}
}

func TestAddPrunesStaleEntries(t *testing.T) {
	path := cancelPath(t)
	stale := Instance{ID: "old", EndAt: tp(now.Add(-25 * time.Hour))}
	if err := Add(path, stale, now.Add(-26*time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := Add(path, Instance{ID: "fresh", EndAt: tp(now.Add(time.Hour))}, now); err != nil {
		t.Fatalf("add: %v", err)
	}

	set := Load(path)
	if set.IsCancelled("old") {
		t.Fatal("expected stale entry pruned")
	}
	if !set.IsCancelled("fresh") {
		t.Fatal("expected fresh entry kept")
	}
}

func TestPruneFallsBackToStartAt(t *testing.T) {
	got := prune([]Instance{
		{ID: "a", StartAt: tp(now.Add(-30 * time.Hour))},
		{ID: "b"},
	}, now)
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("unexpected prune result: %v", got)
	}
}

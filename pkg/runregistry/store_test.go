package runregistry

import (
	"testing"
	"time"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	rec := &RunRecord{
		RunID:        "run-1",
		Name:         "mnist-baseline",
		State:        RunStateQueued,
		ManifestPath: "/tmp/manifest.yaml",
		WorkerCount:  4,
		Device:       "cpu",
		CreatedAt:    now,
		StartedAt:    &now,
		Identity: &EffectiveIdentity{
			StorageProvider: "aws_s3",
			CloudProvider:   "aws",
			RegionKind:      "aws",
			Region:          "us-east-1",
		},
	}

	if err := s.Write(rec); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.RunID != rec.RunID {
		t.Fatalf("run_id mismatch: got=%q want=%q", got.RunID, rec.RunID)
	}
	if got.State != rec.State {
		t.Fatalf("state mismatch: got=%q want=%q", got.State, rec.State)
	}
	if got.WorkerCount != 4 {
		t.Fatalf("worker_count not persisted: got=%d", got.WorkerCount)
	}
	if got.Identity == nil || got.Identity.StorageProvider != "aws_s3" {
		t.Fatalf("identity not persisted")
	}
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	t1 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 8, 20, 13, 0, 0, 0, time.UTC)

	if err := s.Write(&RunRecord{RunID: "run-1", State: RunStateSucceeded, ManifestPath: "/tmp/a", CreatedAt: t1, StartedAt: &t1}); err != nil {
		t.Fatalf("Write run-1: %v", err)
	}
	if err := s.Write(&RunRecord{RunID: "run-2", State: RunStateSucceeded, ManifestPath: "/tmp/b", CreatedAt: t2, StartedAt: &t2}); err != nil {
		t.Fatalf("Write run-2: %v", err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected run count: %d", len(got))
	}
	if got[0].RunID != "run-2" {
		t.Fatalf("expected newest first, got[0]=%q", got[0].RunID)
	}
}

func TestStore_GetMarksDeadPidUnknown(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	// PID 1 is always alive on linux but never ours; use an absurd pid instead.
	rec := &RunRecord{RunID: "run-z", State: RunStateRunning, ManifestPath: "/tmp/a", PID: 1 << 22, CreatedAt: now, StartedAt: &now}
	if err := s.Write(rec); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Get("run-z")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.State != RunStateUnknown {
		t.Fatalf("expected unknown state for dead pid, got %q", got.State)
	}
}

func TestStore_RemoveRefusesActiveRun(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	if err := s.Write(&RunRecord{RunID: "run-a", State: RunStateRunning, ManifestPath: "/tmp/a", CreatedAt: now}); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := s.Remove("run-a"); err == nil {
		t.Fatalf("expected Remove to refuse a running run")
	}

	if err := s.Write(&RunRecord{RunID: "run-b", State: RunStateFailed, ManifestPath: "/tmp/b", CreatedAt: now}); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := s.Remove("run-b"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if _, err := s.Get("run-b"); err == nil {
		t.Fatalf("expected run-b to be gone")
	}
}

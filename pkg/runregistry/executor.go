package runregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Executor spawns and manages detached training runs.
//
// Detached mode spawns a child process that re-invokes `gocohort run` in
// managed mode, capturing stdout/stderr to per-run log files.
type Executor struct {
	store *Store
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root)}
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stdout.log")
}

func (e *Executor) StderrPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stderr.log")
}

type BackgroundOptions struct {
	Dedupe bool
}

// StartRunBackground spawns a managed child process running:
//
//	gocohort run --job <manifest> --_managed-run-id <run_id>
//
// It returns after the child successfully starts.
func (e *Executor) StartRunBackground(manifestPath string, name string, opts BackgroundOptions) (*RunRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}

	runID := uuid.New().String()
	runDir := e.store.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	stdoutFile, err := os.Create(e.StdoutPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(e.StderrPath(runID))
	if err != nil {
		_ = stdoutFile.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	absManifest, err := filepath.Abs(strings.TrimSpace(manifestPath))
	if err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	if absManifest == "" {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return nil, fmt.Errorf("manifest path is required")
	}
	if _, err := os.Stat(absManifest); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return nil, fmt.Errorf("manifest not found: %s", absManifest)
	}

	if opts.Dedupe {
		if existing, _ := e.store.List(); len(existing) > 0 {
			for _, r := range existing {
				if strings.TrimSpace(r.ManifestPath) == absManifest && r.State == RunStateRunning {
					_ = stdoutFile.Close()
					_ = stderrFile.Close()
					return nil, fmt.Errorf("duplicate running run exists: %s", r.RunID)
				}
			}
		}
	}

	cmd := exec.Command(exe, "run", "--job", absManifest, "--_managed-run-id", runID)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return nil, fmt.Errorf("start managed run: %w", err)
	}

	now := time.Now().UTC()
	rec := &RunRecord{
		RunID:         runID,
		Name:          strings.TrimSpace(name),
		State:         RunStateRunning,
		ManifestPath:  absManifest,
		PID:           cmd.Process.Pid,
		CreatedAt:     now,
		StartedAt:     &now,
		LastHeartbeat: func() *time.Time { t := now; return &t }(),
		StdoutPath:    e.StdoutPath(runID),
		StderrPath:    e.StderrPath(runID),
	}
	if err := e.store.Write(rec); err != nil {
		return nil, err
	}

	_ = stdoutFile.Close()
	_ = stderrFile.Close()

	return rec, nil
}

// Stop signals a managed run's process with SIGTERM and records the
// stopping state. The child is expected to mark itself stopped on exit.
func (e *Executor) Stop(runID string) (*RunRecord, error) {
	rec, err := e.store.Get(runID)
	if err != nil {
		return nil, err
	}
	if rec.State != RunStateRunning {
		return rec, fmt.Errorf("run %s is not running (state=%s)", runID, rec.State)
	}
	if rec.PID <= 0 {
		return rec, fmt.Errorf("run %s has no recorded pid", runID)
	}

	p, err := os.FindProcess(rec.PID)
	if err != nil {
		return rec, fmt.Errorf("find process %d: %w", rec.PID, err)
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return rec, fmt.Errorf("signal process %d: %w", rec.PID, err)
	}

	now := time.Now().UTC()
	rec.State = RunStateStopping
	rec.LastHeartbeat = &now
	if err := e.store.Write(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

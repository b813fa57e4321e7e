package runregistry

import "time"

// RunState is the lifecycle state of a managed run process.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract. They track the supervising process, not the driver's
// internal state machine (which lives in the metric store).
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateStopping  RunState = "stopping"
	RunStateStopped   RunState = "stopped"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateUnknown   RunState = "unknown"
)

// EffectiveIdentity is a minimal identity summary captured for operator clarity.
//
// This is intentionally shallow and string-only so the run registry stays
// stable even if deeper identity schemas evolve.
type EffectiveIdentity struct {
	StorageProvider string `json:"storage_provider,omitempty"`
	CloudProvider   string `json:"cloud_provider,omitempty"`
	RegionKind      string `json:"region_kind,omitempty"`
	Region          string `json:"region,omitempty"`
	EndpointHost    string `json:"endpoint_host,omitempty"`
}

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID        string    `json:"run_id"`
	Name         string    `json:"name,omitempty"`
	State        RunState  `json:"state"`
	ManifestPath string    `json:"manifest_path"`
	WorkerCount  int       `json:"worker_count,omitempty"`
	Device       string    `json:"device,omitempty"`
	PID          int       `json:"pid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	StartedAt     *time.Time         `json:"started_at,omitempty"`
	EndedAt       *time.Time         `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time         `json:"last_heartbeat,omitempty"`
	Identity      *EffectiveIdentity `json:"effective_identity,omitempty"`
	StdoutPath    string             `json:"stdout_path,omitempty"`
	StderrPath    string             `json:"stderr_path,omitempty"`
}

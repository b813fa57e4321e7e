// Package events provides JSONL output for training run events.
//
// Output is structured as typed record envelopes containing metrics,
// checkpoint transfers, state transitions, and progress updates. Each line
// is a self-contained JSON object that can be parsed independently.
package events

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gocohort.<type>.v<version>
const (
	// TypeMetrics identifies per-epoch metrics records.
	TypeMetrics = "gocohort.metrics.v1"

	// TypeCheckpoint identifies checkpoint transfer records.
	TypeCheckpoint = "gocohort.checkpoint.v1"

	// TypeState identifies run state transition records.
	TypeState = "gocohort.state.v1"

	// TypeError identifies error records.
	TypeError = "gocohort.error.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "gocohort.progress.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gocohort.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "gocohort.metrics.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this training run.
	RunID string `json:"run_id"`

	// Run is the human-chosen run name.
	Run string `json:"run"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// MetricValue is one named scalar in a metrics record.
//
// Values are kept as an ordered list so records round-trip in the order
// training code reported them.
type MetricValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// MetricsRecord is the data payload for one worker's reported metrics.
type MetricsRecord struct {
	// Epoch is the epoch index the metrics belong to.
	Epoch int `json:"epoch"`

	// Rank is the world rank that reported the metrics.
	Rank int `json:"rank"`

	// Values are the named scalars in reporting order.
	Values []MetricValue `json:"values"`
}

// Value returns the named scalar and whether it was reported.
func (m *MetricsRecord) Value(name string) (float64, bool) {
	for _, v := range m.Values {
		if v.Name == name {
			return v.Value, true
		}
	}
	return 0, false
}

// CheckpointRecord is the data payload for a completed checkpoint upload.
type CheckpointRecord struct {
	// Epoch is the epoch the checkpoint captures.
	Epoch int `json:"epoch"`

	// Rank is the world rank that produced the checkpoint.
	Rank int `json:"rank"`

	// RemotePath is the durable prefix the checkpoint was uploaded to.
	RemotePath string `json:"remote_path"`

	// Objects is the number of objects uploaded.
	Objects int `json:"objects"`

	// Bytes is the total uploaded size.
	Bytes int64 `json:"bytes"`

	// Attempts is the number of upload attempts, including retries.
	Attempts int `json:"attempts"`

	// Duration is the wall time of the transfer.
	Duration time.Duration `json:"duration_ns"`
}

// StateRecord is the data payload for a run state transition.
type StateRecord struct {
	// From is the state before the transition.
	From string `json:"from"`

	// To is the state after the transition.
	To string `json:"to"`

	// Reason carries the failure message for transitions into FAILED.
	Reason string `json:"reason,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than silently dropped, so partial
// metrics remain inspectable when some workers fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Rank is the world rank the error originated from, when known.
	Rank *int `json:"rank,omitempty"`

	// Epoch is the epoch the error occurred in, when known.
	Epoch *int `json:"epoch,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeResourceUnavailable indicates the pool could not satisfy the
	// scaling spec.
	ErrCodeResourceUnavailable = "RESOURCE_UNAVAILABLE"

	// ErrCodeCollectiveTimeout indicates a worker missed the join window.
	ErrCodeCollectiveTimeout = "COLLECTIVE_SETUP_TIMEOUT"

	// ErrCodeSyncMismatch indicates workers disagreed on model structure.
	ErrCodeSyncMismatch = "SYNC_MISMATCH"

	// ErrCodeUploadFailure indicates a checkpoint upload exhausted retries.
	ErrCodeUploadFailure = "UPLOAD_FAILURE"

	// ErrCodeConfig indicates invalid run configuration.
	ErrCodeConfig = "CONFIG_ERROR"

	// ErrCodeWorkerFailed indicates a worker function returned an error.
	ErrCodeWorkerFailed = "WORKER_FAILED"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// ProgressRecord is the data payload for progress updates.
//
// Progress records are emitted per epoch to provide visibility into
// long-running training.
type ProgressRecord struct {
	// Phase indicates the current run phase.
	Phase string `json:"phase"`

	// Epoch is the current epoch index.
	Epoch int `json:"epoch"`

	// EpochsTotal is the configured epoch count.
	EpochsTotal int `json:"epochs_total"`

	// StepsCompleted is the cumulative number of synchronized steps.
	StepsCompleted int64 `json:"steps_completed"`

	// WorkersLive is the number of workers still running.
	WorkersLive int `json:"workers_live"`
}

// Progress phase constants.
const (
	// PhaseLaunching indicates workers are being allocated and joined.
	PhaseLaunching = "launching"

	// PhaseTraining indicates epochs are running.
	PhaseTraining = "training"

	// PhaseCheckpointing indicates a checkpoint flush is in progress.
	PhaseCheckpointing = "checkpointing"

	// PhaseComplete indicates the run has finished.
	PhaseComplete = "complete"
)

// SummaryRecord is the data payload for final summaries.
//
// A summary record is emitted once per run with aggregate statistics.
type SummaryRecord struct {
	// State is the terminal run state (SUCCEEDED or FAILED).
	State string `json:"state"`

	// Epochs is the number of epochs completed.
	Epochs int `json:"epochs"`

	// MetricsRecords is the count of metrics records collected.
	MetricsRecords int64 `json:"metrics_records"`

	// CheckpointsUploaded is the count of durable checkpoint groups.
	CheckpointsUploaded int64 `json:"checkpoints_uploaded"`

	// Errors is the count of errors encountered.
	Errors int64 `json:"errors"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// FinalMetrics are rank 0's last reported values, when any.
	FinalMetrics []MetricValue `json:"final_metrics,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "events: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

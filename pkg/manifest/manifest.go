// Package manifest provides loading and validation of gocohort run manifests.
//
// A run manifest is a YAML or JSON file that configures all aspects of a
// training run: worker scaling, data sharding, checkpointing, and output.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// execution. The schema enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	run:
//	  name: mnist-baseline
//	  seed: 42
//	scaling:
//	  workers: 4
//	  use_accelerator: true
//	data:
//	  dataset_size: 60000
//	training:
//	  epochs: 5
//	checkpoint:
//	  store:
//	    provider: s3
//	    bucket: my-training-runs
//	  keep: 3
package manifest

import (
	"fmt"
	"time"
)

// Manifest represents a validated run manifest.
//
// A manifest configures all aspects of a training run. Required fields are
// Version, Run, Scaling, and Data. Training, Checkpoint, and Report are
// optional with sensible defaults.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	// Example: "https://schemas.3leaps.dev/gocohort/v1.0.0/run-manifest.schema.json"
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Run identifies the training run.
	Run RunSection `json:"run" yaml:"run"`

	// Scaling configures worker count and per-worker resources.
	Scaling ScalingSection `json:"scaling" yaml:"scaling"`

	// Data configures dataset sharding and the optional dataset catalog.
	Data DataSection `json:"data" yaml:"data"`

	// Training configures the epoch loop (optional).
	Training TrainingSection `json:"training,omitempty" yaml:"training,omitempty"`

	// Checkpoint configures checkpoint staging, upload, and retention (optional).
	Checkpoint *CheckpointSection `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`

	// Report configures output destination and format (optional).
	Report ReportSection `json:"report,omitempty" yaml:"report,omitempty"`
}

// RunSection identifies the training run.
type RunSection struct {
	// Name is the human-chosen run name. Used as the durable storage
	// prefix segment and the registry key, so it must be path-safe.
	Name string `json:"name" yaml:"name"`

	// Seed is the base seed for shard shuffling. Default: 0.
	// All workers derive identical per-epoch orderings from it.
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// ScalingSection configures worker count and per-worker resources.
type ScalingSection struct {
	// Workers is the number of training workers. Range: 1-1024.
	Workers int `json:"workers" yaml:"workers"`

	// UseAccelerator requests one GPU per worker.
	UseAccelerator bool `json:"use_accelerator,omitempty" yaml:"use_accelerator,omitempty"`

	// ResourcesPerWorker overrides per-worker resource quantities.
	// Recognized keys: "cpu", "gpu", "memory_gb".
	ResourcesPerWorker map[string]float64 `json:"resources_per_worker,omitempty" yaml:"resources_per_worker,omitempty"`

	// JoinTimeout bounds how long workers wait for the full cohort to
	// assemble (Go duration string, e.g. "30s"). Default: "30s".
	JoinTimeout string `json:"join_timeout,omitempty" yaml:"join_timeout,omitempty"`
}

// JoinTimeoutDuration parses JoinTimeout.
// Returns the default when the field is unset.
func (s *ScalingSection) JoinTimeoutDuration() (time.Duration, error) {
	if s.JoinTimeout == "" {
		return DefaultJoinTimeoutDuration, nil
	}
	d, err := time.ParseDuration(s.JoinTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid join_timeout %q: %w", s.JoinTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid join_timeout %q: must be positive", s.JoinTimeout)
	}
	return d, nil
}

// DataSection configures dataset sharding and the optional dataset catalog.
type DataSection struct {
	// DatasetSize is the number of samples to shard across workers.
	DatasetSize int `json:"dataset_size" yaml:"dataset_size"`

	// Shuffle enables epoch-seeded shuffling before sharding.
	// Default: true.
	Shuffle *bool `json:"shuffle,omitempty" yaml:"shuffle,omitempty"`

	// Source configures an optional dataset catalog built by listing a
	// storage provider. When present, the driver builds a deterministic
	// item index workers can resolve sample indices against.
	Source *SourceSection `json:"source,omitempty" yaml:"source,omitempty"`
}

// ShuffleEnabled returns whether shard shuffling is enabled.
// Returns the configured value, or DefaultShuffle if not set.
func (d *DataSection) ShuffleEnabled() bool {
	if d.Shuffle == nil {
		return DefaultShuffle
	}
	return *d.Shuffle
}

// SourceSection configures the dataset catalog provider connection.
type SourceSection struct {
	// Provider is the storage provider type: "s3" or "file".
	Provider string `json:"provider" yaml:"provider"`

	// Bucket is the bucket name (required for s3).
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`

	// BaseDir is the filesystem root (required for file).
	BaseDir string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`

	// Region is the AWS region (e.g., "us-east-1"). Optional.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// Endpoint is a custom endpoint URL for S3-compatible storage. Optional.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Profile is the AWS credential profile name. Optional.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// Prefix restricts the catalog listing to keys under this prefix. Optional.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Includes is a list of glob patterns for items to include.
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`

	// Excludes is a list of glob patterns for items to exclude. Optional.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// RateLimit is the maximum list requests per second (0 = unlimited).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// TrainingSection configures the epoch loop.
//
// All fields are optional with sensible defaults applied during loading.
type TrainingSection struct {
	// Epochs is the number of epochs to run. Range: 1-100000. Default: 1.
	Epochs int `json:"epochs,omitempty" yaml:"epochs,omitempty"`

	// BatchSize is the per-worker batch size hint passed through to
	// training code. Default: 0 (training code decides).
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`

	// Params are opaque hyperparameters passed through unmodified to
	// training code (learning rate, momentum, etc.).
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// CheckpointSection configures checkpoint staging, upload, and retention.
type CheckpointSection struct {
	// Store configures the durable store checkpoints are uploaded to.
	Store StoreSection `json:"store" yaml:"store"`

	// Keep is the number of most recent checkpoints retained in durable
	// storage (0 = keep all). Default: 0.
	Keep int `json:"keep,omitempty" yaml:"keep,omitempty"`

	// Every uploads a checkpoint every N epochs. Default: 1.
	Every int `json:"every,omitempty" yaml:"every,omitempty"`

	// Scope selects which ranks save: "rank0" for a replicated model,
	// "all" for per-rank model shards. Default: "rank0".
	Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`

	// StagingDir is the local staging root. Default: a per-run directory
	// under the OS temp dir.
	StagingDir string `json:"staging_dir,omitempty" yaml:"staging_dir,omitempty"`

	// Retry tunes upload retry behavior.
	Retry RetrySection `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// AllRanks reports whether every rank saves a checkpoint shard.
func (c *CheckpointSection) AllRanks() bool {
	return c.Scope == ScopeAll
}

// StoreSection configures the durable checkpoint store connection.
type StoreSection struct {
	// Provider is the storage provider type: "s3" or "file".
	Provider string `json:"provider" yaml:"provider"`

	// Bucket is the bucket name (required for s3).
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`

	// BaseDir is the filesystem root (required for file).
	BaseDir string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`

	// Region is the AWS region. Optional.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// Endpoint is a custom endpoint URL for S3-compatible storage. Optional.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Profile is the AWS credential profile name. Optional.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// Prefix is the key prefix runs are stored under. Default: "runs/".
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// RetrySection tunes checkpoint upload retries.
type RetrySection struct {
	// MaxAttempts bounds total upload attempts per object. Range: 1-20.
	// Default: 5.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// InitialInterval is the first backoff delay (Go duration string).
	// Default: "200ms".
	InitialInterval string `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`

	// MaxInterval caps the backoff delay (Go duration string).
	// Default: "5s".
	MaxInterval string `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
}

// Intervals parses InitialInterval and MaxInterval.
// Unset fields return their defaults.
func (r *RetrySection) Intervals() (initial, max time.Duration, err error) {
	initial = DefaultRetryInitialInterval
	if r.InitialInterval != "" {
		initial, err = time.ParseDuration(r.InitialInterval)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid retry.initial_interval %q: %w", r.InitialInterval, err)
		}
	}
	max = DefaultRetryMaxInterval
	if r.MaxInterval != "" {
		max, err = time.ParseDuration(r.MaxInterval)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid retry.max_interval %q: %w", r.MaxInterval, err)
		}
	}
	return initial, max, nil
}

// ReportSection configures output destination and format.
//
// All fields are optional with sensible defaults applied during loading.
type ReportSection struct {
	// Destination is the output target.
	// Values: "stdout" or "file:/path/to/output.jsonl"
	// Default: "stdout".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// Progress enables progress record emission during the run.
	// Default: true.
	Progress *bool `json:"progress,omitempty" yaml:"progress,omitempty"`
}

// ProgressEnabled returns whether progress records should be emitted.
// Returns the configured value, or DefaultProgress if not set.
func (r *ReportSection) ProgressEnabled() bool {
	if r.Progress == nil {
		return DefaultProgress
	}
	return *r.Progress
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultJoinTimeout is the default cohort assembly timeout.
	DefaultJoinTimeout = "30s"

	// DefaultJoinTimeoutDuration is DefaultJoinTimeout as a time.Duration.
	DefaultJoinTimeoutDuration = 30 * time.Second

	// DefaultShuffle is the default value for shard shuffling.
	DefaultShuffle = true

	// DefaultEpochs is the default epoch count.
	DefaultEpochs = 1

	// DefaultKeep is the default checkpoint retention count (0 = keep all).
	DefaultKeep = 0

	// DefaultCheckpointEvery is the default checkpoint epoch interval.
	DefaultCheckpointEvery = 1

	// ScopeRank0 saves checkpoints from rank 0 only (replicated model).
	ScopeRank0 = "rank0"

	// ScopeAll saves a rank-qualified shard from every rank.
	ScopeAll = "all"

	// DefaultScope is the default checkpoint scope.
	DefaultScope = ScopeRank0

	// DefaultStorePrefix is the default durable store key prefix.
	DefaultStorePrefix = "runs/"

	// DefaultRetryMaxAttempts is the default upload attempt bound.
	DefaultRetryMaxAttempts = 5

	// DefaultRetryInitialInterval is the default first backoff delay.
	DefaultRetryInitialInterval = 200 * time.Millisecond

	// DefaultRetryMaxInterval is the default backoff delay cap.
	DefaultRetryMaxInterval = 5 * time.Second

	// DefaultDestination is the default output destination.
	DefaultDestination = "stdout"

	// DefaultProgress is the default value for progress emission.
	DefaultProgress = true
)

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest to ensure
// all optional fields have sensible values.
func (m *Manifest) ApplyDefaults() {
	// Scaling defaults
	if m.Scaling.JoinTimeout == "" {
		m.Scaling.JoinTimeout = DefaultJoinTimeout
	}

	// Data defaults
	if m.Data.Shuffle == nil {
		defaultShuffle := DefaultShuffle
		m.Data.Shuffle = &defaultShuffle
	}

	// Training defaults
	if m.Training.Epochs == 0 {
		m.Training.Epochs = DefaultEpochs
	}

	// Checkpoint defaults (section itself is optional)
	if m.Checkpoint != nil {
		if m.Checkpoint.Every == 0 {
			m.Checkpoint.Every = DefaultCheckpointEvery
		}
		if m.Checkpoint.Scope == "" {
			m.Checkpoint.Scope = DefaultScope
		}
		if m.Checkpoint.Store.Prefix == "" {
			m.Checkpoint.Store.Prefix = DefaultStorePrefix
		}
		if m.Checkpoint.Retry.MaxAttempts == 0 {
			m.Checkpoint.Retry.MaxAttempts = DefaultRetryMaxAttempts
		}
		// Keep: 0 is a valid value (keep all), so no default needed
	}

	// Report defaults
	if m.Report.Destination == "" {
		m.Report.Destination = DefaultDestination
	}
	if m.Report.Progress == nil {
		defaultProgress := DefaultProgress
		m.Report.Progress = &defaultProgress
	}
}

package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validManifestYAML returns a minimal valid manifest in YAML format.
func validManifestYAML() string {
	return `version: "1.0"
run:
  name: mnist-baseline
scaling:
  workers: 4
data:
  dataset_size: 60000
`
}

// validManifestJSON returns a minimal valid manifest in JSON format.
func validManifestJSON() string {
	return `{
  "version": "1.0",
  "run": {
    "name": "mnist-baseline"
  },
  "scaling": {
    "workers": 4
  },
  "data": {
    "dataset_size": 60000
  }
}`
}

// manifestWithSchemaYAML returns a manifest with the $schema field for editor support.
func manifestWithSchemaYAML() string {
	return `$schema: https://schemas.3leaps.dev/gocohort/v1.0.0/run-manifest.schema.json
version: "1.0"
run:
  name: mnist-baseline
scaling:
  workers: 4
data:
  dataset_size: 60000
`
}

// fullManifestYAML returns a complete manifest with all optional fields.
func fullManifestYAML() string {
	return `version: "1.0"
run:
  name: resnet50-imagenet
  seed: 42
scaling:
  workers: 8
  use_accelerator: true
  resources_per_worker:
    cpu: 4
    gpu: 1
    memory_gb: 16
  join_timeout: 45s
data:
  dataset_size: 1281167
  shuffle: false
  source:
    provider: s3
    bucket: my-datasets
    region: us-east-1
    prefix: imagenet/train/
    includes:
      - "**/*.tfrecord"
    excludes:
      - "**/_temporary/**"
    rate_limit: 100.5
training:
  epochs: 90
  batch_size: 256
  params:
    lr: 0.1
    momentum: 0.9
checkpoint:
  store:
    provider: s3
    bucket: my-training-runs
    region: us-east-1
    endpoint: https://s3.wasabisys.com
    profile: production
    prefix: experiments/
  keep: 3
  every: 5
  staging_dir: /scratch/ckpt
  retry:
    max_attempts: 8
    initial_interval: 500ms
    max_interval: 10s
report:
  destination: file:/tmp/run.jsonl
  progress: false
`
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		filename    string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, m *Manifest)
	}{
		{
			name:     "valid YAML manifest",
			content:  validManifestYAML(),
			filename: "manifest.yaml",
			wantErr:  false,
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "1.0", m.Version)
				assert.Equal(t, "mnist-baseline", m.Run.Name)
				assert.Equal(t, 4, m.Scaling.Workers)
				assert.Equal(t, 60000, m.Data.DatasetSize)
				// Check defaults were applied
				assert.Equal(t, DefaultJoinTimeout, m.Scaling.JoinTimeout)
				assert.True(t, m.Data.ShuffleEnabled())
				assert.Equal(t, DefaultEpochs, m.Training.Epochs)
				assert.Equal(t, DefaultDestination, m.Report.Destination)
				assert.True(t, m.Report.ProgressEnabled())
			},
		},
		{
			name:     "valid JSON manifest",
			content:  validManifestJSON(),
			filename: "manifest.json",
			wantErr:  false,
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "1.0", m.Version)
				assert.Equal(t, "mnist-baseline", m.Run.Name)
				assert.Equal(t, 4, m.Scaling.Workers)
			},
		},
		{
			name:     "manifest with $schema field",
			content:  manifestWithSchemaYAML(),
			filename: "with-schema.yaml",
			wantErr:  false,
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "https://schemas.3leaps.dev/gocohort/v1.0.0/run-manifest.schema.json", m.Schema)
				assert.Equal(t, "1.0", m.Version)
			},
		},
		{
			name:     "full manifest with all options",
			content:  fullManifestYAML(),
			filename: "full.yaml",
			wantErr:  false,
			validate: func(t *testing.T, m *Manifest) {
				// Run
				assert.Equal(t, "resnet50-imagenet", m.Run.Name)
				assert.Equal(t, int64(42), m.Run.Seed)
				// Scaling
				assert.Equal(t, 8, m.Scaling.Workers)
				assert.True(t, m.Scaling.UseAccelerator)
				assert.Equal(t, 4.0, m.Scaling.ResourcesPerWorker["cpu"])
				assert.Equal(t, 1.0, m.Scaling.ResourcesPerWorker["gpu"])
				assert.Equal(t, 16.0, m.Scaling.ResourcesPerWorker["memory_gb"])
				assert.Equal(t, "45s", m.Scaling.JoinTimeout)
				// Data
				assert.Equal(t, 1281167, m.Data.DatasetSize)
				assert.False(t, m.Data.ShuffleEnabled())
				require.NotNil(t, m.Data.Source)
				assert.Equal(t, "s3", m.Data.Source.Provider)
				assert.Equal(t, "my-datasets", m.Data.Source.Bucket)
				assert.Equal(t, "imagenet/train/", m.Data.Source.Prefix)
				assert.Equal(t, []string{"**/*.tfrecord"}, m.Data.Source.Includes)
				assert.Equal(t, []string{"**/_temporary/**"}, m.Data.Source.Excludes)
				assert.InDelta(t, 100.5, m.Data.Source.RateLimit, 0.001)
				// Training
				assert.Equal(t, 90, m.Training.Epochs)
				assert.Equal(t, 256, m.Training.BatchSize)
				assert.Equal(t, 0.1, m.Training.Params["lr"])
				// Checkpoint
				require.NotNil(t, m.Checkpoint)
				assert.Equal(t, "s3", m.Checkpoint.Store.Provider)
				assert.Equal(t, "my-training-runs", m.Checkpoint.Store.Bucket)
				assert.Equal(t, "https://s3.wasabisys.com", m.Checkpoint.Store.Endpoint)
				assert.Equal(t, "production", m.Checkpoint.Store.Profile)
				assert.Equal(t, "experiments/", m.Checkpoint.Store.Prefix)
				assert.Equal(t, 3, m.Checkpoint.Keep)
				assert.Equal(t, 5, m.Checkpoint.Every)
				assert.Equal(t, "/scratch/ckpt", m.Checkpoint.StagingDir)
				assert.Equal(t, 8, m.Checkpoint.Retry.MaxAttempts)
				// Report
				assert.Equal(t, "file:/tmp/run.jsonl", m.Report.Destination)
				assert.False(t, m.Report.ProgressEnabled())
			},
		},
		{
			name:     "yml extension works",
			content:  validManifestYAML(),
			filename: "manifest.yml",
			wantErr:  false,
		},
		{
			name:        "empty file",
			content:     "",
			filename:    "empty.yaml",
			wantErr:     true,
			errContains: "empty",
		},
		{
			name:        "invalid YAML syntax",
			content:     "version: [invalid yaml",
			filename:    "bad.yaml",
			wantErr:     true,
			errContains: "invalid YAML",
		},
		{
			name:        "invalid JSON syntax",
			content:     `{"version": "1.0"`,
			filename:    "bad.json",
			wantErr:     true,
			errContains: "invalid JSON",
		},
		{
			name: "missing version",
			content: `run:
  name: test
scaling:
  workers: 2
data:
  dataset_size: 100
`,
			filename:    "no-version.yaml",
			wantErr:     true,
			errContains: "version",
		},
		{
			name: "wrong version",
			content: `version: "2.0"
run:
  name: test
scaling:
  workers: 2
data:
  dataset_size: 100
`,
			filename:    "wrong-version.yaml",
			wantErr:     true,
			errContains: "version",
		},
		{
			name: "missing run name",
			content: `version: "1.0"
run: {}
scaling:
  workers: 2
data:
  dataset_size: 100
`,
			filename:    "no-name.yaml",
			wantErr:     true,
			errContains: "name",
		},
		{
			name: "missing scaling",
			content: `version: "1.0"
run:
  name: test
data:
  dataset_size: 100
`,
			filename:    "no-scaling.yaml",
			wantErr:     true,
			errContains: "scaling",
		},
		{
			name: "zero workers",
			content: `version: "1.0"
run:
  name: test
scaling:
  workers: 0
data:
  dataset_size: 100
`,
			filename:    "zero-workers.yaml",
			wantErr:     true,
			errContains: "workers",
		},
		{
			name: "workers too high",
			content: `version: "1.0"
run:
  name: test
scaling:
  workers: 5000
data:
  dataset_size: 100
`,
			filename:    "high-workers.yaml",
			wantErr:     true,
			errContains: "workers",
		},
		{
			name: "unrecognized resource key",
			content: `version: "1.0"
run:
  name: test
scaling:
  workers: 2
  resources_per_worker:
    tpu: 1
data:
  dataset_size: 100
`,
			filename:    "bad-resource.yaml",
			wantErr:     true,
			errContains: "additional",
		},
		{
			name: "zero dataset size",
			content: `version: "1.0"
run:
  name: test
scaling:
  workers: 2
data:
  dataset_size: 0
`,
			filename:    "zero-dataset.yaml",
			wantErr:     true,
			errContains: "dataset_size",
		},
		{
			name: "invalid store provider",
			content: `version: "1.0"
run:
  name: test
scaling:
  workers: 2
data:
  dataset_size: 100
checkpoint:
  store:
    provider: azure
    bucket: test
`,
			filename:    "bad-provider.yaml",
			wantErr:     true,
			errContains: "provider",
		},
		{
			name: "s3 store without bucket",
			content: `version: "1.0"
run:
  name: test
scaling:
  workers: 2
data:
  dataset_size: 100
checkpoint:
  store:
    provider: s3
`,
			filename:    "no-bucket.yaml",
			wantErr:     true,
			errContains: "bucket",
		},
		{
			name: "file store without base_dir",
			content: `version: "1.0"
run:
  name: test
scaling:
  workers: 2
data:
  dataset_size: 100
checkpoint:
  store:
    provider: file
`,
			filename:    "no-basedir.yaml",
			wantErr:     true,
			errContains: "base_dir",
		},
		{
			name: "negative source rate limit",
			content: `version: "1.0"
run:
  name: test
scaling:
  workers: 2
data:
  dataset_size: 100
  source:
    provider: s3
    bucket: test
    rate_limit: -1
`,
			filename:    "neg-rate.yaml",
			wantErr:     true,
			errContains: "rate_limit",
		},
		{
			name: "unknown field rejected",
			content: `version: "1.0"
run:
  name: test
  unknown_field: value
scaling:
  workers: 2
data:
  dataset_size: 100
`,
			filename:    "unknown-field.yaml",
			wantErr:     true,
			errContains: "additional",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Create temp file
			tmpDir := t.TempDir()
			path := filepath.Join(tmpDir, tt.filename)
			err := os.WriteFile(path, []byte(tt.content), 0o644)
			require.NoError(t, err)

			// Load manifest
			m, err := Load(path)

			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.errContains),
						"error should contain %q", tt.errContains)
				}
				return
			}

			require.NoError(t, err)
			require.NotNil(t, m)

			if tt.validate != nil {
				tt.validate(t, m)
			}
		})
	}
}

func TestLoad_FileErrors(t *testing.T) {
	t.Run("file not found", func(t *testing.T) {
		_, err := Load("/nonexistent/path/manifest.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("permission denied", func(t *testing.T) {
		if os.Getuid() == 0 {
			t.Skip("skipping permission test when running as root")
		}

		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "noperm.yaml")
		err := os.WriteFile(path, []byte(validManifestYAML()), 0o000)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = os.Chmod(path, 0o644) // Restore permissions for cleanup
		})

		_, err = Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission")
	})
}

func TestLoadFromBytes(t *testing.T) {
	t.Run("YAML by extension", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestYAML()), "test.yaml")
		require.NoError(t, err)
		assert.Equal(t, "mnist-baseline", m.Run.Name)
	})

	t.Run("JSON by extension", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestJSON()), "test.json")
		require.NoError(t, err)
		assert.Equal(t, "mnist-baseline", m.Run.Name)
	})

	t.Run("auto-detect YAML", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestYAML()), "")
		require.NoError(t, err)
		assert.Equal(t, "mnist-baseline", m.Run.Name)
	})

	t.Run("auto-detect JSON", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestJSON()), "")
		require.NoError(t, err)
		assert.Equal(t, "mnist-baseline", m.Run.Name)
	})

	t.Run("unknown extension tries both", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestYAML()), "test.txt")
		require.NoError(t, err)
		assert.Equal(t, "mnist-baseline", m.Run.Name)
	})
}

func TestLoadFromReader(t *testing.T) {
	t.Run("reads from reader", func(t *testing.T) {
		r := strings.NewReader(validManifestYAML())
		m, err := LoadFromReader(r, "test.yaml")
		require.NoError(t, err)
		assert.Equal(t, "mnist-baseline", m.Run.Name)
	})
}

func TestApplyDefaults(t *testing.T) {
	t.Run("applies all defaults", func(t *testing.T) {
		m := &Manifest{
			Version: "1.0",
			Run:     RunSection{Name: "test"},
			Scaling: ScalingSection{Workers: 2},
			Data:    DataSection{DatasetSize: 100},
			Checkpoint: &CheckpointSection{
				Store: StoreSection{Provider: "file", BaseDir: "/tmp/store"},
			},
		}

		m.ApplyDefaults()

		assert.Equal(t, DefaultJoinTimeout, m.Scaling.JoinTimeout)
		assert.NotNil(t, m.Data.Shuffle)
		assert.True(t, *m.Data.Shuffle)
		assert.Equal(t, DefaultEpochs, m.Training.Epochs)
		assert.Equal(t, DefaultCheckpointEvery, m.Checkpoint.Every)
		assert.Equal(t, DefaultStorePrefix, m.Checkpoint.Store.Prefix)
		assert.Equal(t, DefaultRetryMaxAttempts, m.Checkpoint.Retry.MaxAttempts)
		assert.Equal(t, DefaultDestination, m.Report.Destination)
		assert.NotNil(t, m.Report.Progress)
		assert.True(t, *m.Report.Progress)
	})

	t.Run("preserves explicit values", func(t *testing.T) {
		progress := false
		shuffle := false
		m := &Manifest{
			Version: "1.0",
			Scaling: ScalingSection{Workers: 2, JoinTimeout: "2m"},
			Data:    DataSection{DatasetSize: 100, Shuffle: &shuffle},
			Training: TrainingSection{
				Epochs: 50,
			},
			Report: ReportSection{
				Destination: "file:/tmp/out.jsonl",
				Progress:    &progress,
			},
		}

		m.ApplyDefaults()

		assert.Equal(t, "2m", m.Scaling.JoinTimeout)
		assert.False(t, *m.Data.Shuffle)
		assert.Equal(t, 50, m.Training.Epochs)
		assert.Equal(t, "file:/tmp/out.jsonl", m.Report.Destination)
		assert.False(t, *m.Report.Progress)
	})

	t.Run("zero keep is valid", func(t *testing.T) {
		m := &Manifest{
			Checkpoint: &CheckpointSection{
				Store: StoreSection{Provider: "file", BaseDir: "/tmp/store"},
				Keep:  0, // Explicitly keep all
			},
		}

		m.ApplyDefaults()

		// Keep should remain 0 (not defaulted to something else)
		assert.Equal(t, 0, m.Checkpoint.Keep)
	})

	t.Run("nil checkpoint section stays nil", func(t *testing.T) {
		m := &Manifest{Version: "1.0"}

		m.ApplyDefaults()

		assert.Nil(t, m.Checkpoint)
	})
}

func TestJoinTimeoutDuration(t *testing.T) {
	t.Run("unset returns default", func(t *testing.T) {
		s := ScalingSection{}
		d, err := s.JoinTimeoutDuration()
		require.NoError(t, err)
		assert.Equal(t, DefaultJoinTimeoutDuration, d)
	})

	t.Run("parses explicit value", func(t *testing.T) {
		s := ScalingSection{JoinTimeout: "90s"}
		d, err := s.JoinTimeoutDuration()
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, d)
	})

	t.Run("rejects malformed value", func(t *testing.T) {
		s := ScalingSection{JoinTimeout: "ninety seconds"}
		_, err := s.JoinTimeoutDuration()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "join_timeout")
	})

	t.Run("rejects non-positive value", func(t *testing.T) {
		s := ScalingSection{JoinTimeout: "0s"}
		_, err := s.JoinTimeoutDuration()
		require.Error(t, err)
	})
}

func TestRetryIntervals(t *testing.T) {
	t.Run("unset returns defaults", func(t *testing.T) {
		r := RetrySection{}
		initial, max, err := r.Intervals()
		require.NoError(t, err)
		assert.Equal(t, DefaultRetryInitialInterval, initial)
		assert.Equal(t, DefaultRetryMaxInterval, max)
	})

	t.Run("parses explicit values", func(t *testing.T) {
		r := RetrySection{InitialInterval: "1s", MaxInterval: "30s"}
		initial, max, err := r.Intervals()
		require.NoError(t, err)
		assert.Equal(t, time.Second, initial)
		assert.Equal(t, 30*time.Second, max)
	})

	t.Run("rejects malformed interval", func(t *testing.T) {
		r := RetrySection{InitialInterval: "fast"}
		_, _, err := r.Intervals()
		require.Error(t, err)
	})
}

func TestShuffleEnabled(t *testing.T) {
	t.Run("nil returns default true", func(t *testing.T) {
		d := DataSection{}
		assert.True(t, d.ShuffleEnabled())
	})

	t.Run("explicit false", func(t *testing.T) {
		v := false
		d := DataSection{Shuffle: &v}
		assert.False(t, d.ShuffleEnabled())
	})
}

func TestProgressEnabled(t *testing.T) {
	t.Run("nil returns default true", func(t *testing.T) {
		r := ReportSection{}
		assert.True(t, r.ProgressEnabled())
	})

	t.Run("explicit true", func(t *testing.T) {
		v := true
		r := ReportSection{Progress: &v}
		assert.True(t, r.ProgressEnabled())
	})

	t.Run("explicit false", func(t *testing.T) {
		v := false
		r := ReportSection{Progress: &v}
		assert.False(t, r.ProgressEnabled())
	})
}

func TestValidationErrors(t *testing.T) {
	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Path: "/version", Message: "required"},
		}
		assert.Contains(t, errs.Error(), "/version")
		assert.Contains(t, errs.Error(), "required")
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Path: "/version", Message: "required"},
			{Path: "/scaling/workers", Message: "must be at least 1"},
		}
		errStr := errs.Error()
		assert.Contains(t, errStr, "2 errors")
		assert.Contains(t, errStr, "/version")
		assert.Contains(t, errStr, "/scaling/workers")
	})

	t.Run("empty path", func(t *testing.T) {
		errs := ValidationErrors{
			{Path: "", Message: "root error"},
		}
		assert.Equal(t, "root error", errs.Error())
	})

	t.Run("unwrap returns ErrValidationFailed", func(t *testing.T) {
		errs := ValidationErrors{{Path: "/x", Message: "bad"}}
		assert.True(t, errors.Is(errs, ErrValidationFailed))
	})
}

func TestValidate(t *testing.T) {
	t.Run("valid manifest passes", func(t *testing.T) {
		m := &Manifest{
			Version: "1.0",
			Run:     RunSection{Name: "test-run"},
			Scaling: ScalingSection{Workers: 4},
			Data:    DataSection{DatasetSize: 1000},
		}
		err := Validate(m)
		assert.NoError(t, err)
	})

	t.Run("invalid manifest fails", func(t *testing.T) {
		m := &Manifest{
			Version: "1.0",
			Run:     RunSection{Name: "test-run"},
			Scaling: ScalingSection{Workers: 4},
			Data:    DataSection{DatasetSize: 1000},
			Checkpoint: &CheckpointSection{
				Store: StoreSection{Provider: "invalid-provider", Bucket: "b"},
			},
		}
		err := Validate(m)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed))
	})
}

func TestValidationError_Error(t *testing.T) {
	t.Run("with path", func(t *testing.T) {
		e := ValidationError{Path: "/foo/bar", Message: "invalid"}
		assert.Equal(t, "/foo/bar: invalid", e.Error())
	})

	t.Run("without path", func(t *testing.T) {
		e := ValidationError{Path: "", Message: "something wrong"}
		assert.Equal(t, "something wrong", e.Error())
	})
}

func TestValidate_EmbeddedSchema(t *testing.T) {
	// This test verifies that validation works from any directory,
	// proving the embedded schema is being used (not disk-based lookup).
	t.Run("works from arbitrary directory", func(t *testing.T) {
		// Save current directory
		originalDir, err := os.Getwd()
		require.NoError(t, err)

		// Change to a temporary directory (outside repo)
		tmpDir := t.TempDir()
		err = os.Chdir(tmpDir)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = os.Chdir(originalDir)
		})

		// Validation should still work because schema is embedded
		m := &Manifest{
			Version: "1.0",
			Run:     RunSection{Name: "test-run"},
			Scaling: ScalingSection{Workers: 2},
			Data:    DataSection{DatasetSize: 100},
		}
		err = Validate(m)
		assert.NoError(t, err, "validation should work from any directory using embedded schema")
	})

	t.Run("validation errors work from arbitrary directory", func(t *testing.T) {
		// Save current directory
		originalDir, err := os.Getwd()
		require.NoError(t, err)

		// Change to a temporary directory (outside repo)
		tmpDir := t.TempDir()
		err = os.Chdir(tmpDir)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = os.Chdir(originalDir)
		})

		// Invalid manifest should still be caught
		m := &Manifest{
			Version: "1.0",
			Run:     RunSection{Name: "test-run"},
			Scaling: ScalingSection{Workers: 2},
			Data:    DataSection{DatasetSize: 100},
			Checkpoint: &CheckpointSection{
				Store: StoreSection{Provider: "invalid-provider"}, // Not in enum
			},
		}
		err = Validate(m)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed))
	})
}

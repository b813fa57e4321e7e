package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocohort/pkg/events"
	"github.com/3leaps/gocohort/pkg/provider"
	"github.com/3leaps/gocohort/pkg/provider/file"
)

func writeCheckpointDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
	return dir
}

func newFileStore(t *testing.T) (*file.Provider, string) {
	t.Helper()
	base := t.TempDir()
	store, err := file.New(file.Config{BaseDir: base})
	require.NoError(t, err)
	return store, base
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestUpload_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, storeBase := newFileStore(t)

	src := writeCheckpointDir(t, map[string]string{
		"model.pt":      "model weights",
		"optimizer.pt":  "optimizer state",
		"sub/meta.json": `{"epoch":3}`,
	})

	u, err := New(Config{
		Store:       store,
		RunName:     "resnet50",
		StagingRoot: t.TempDir(),
		Retry:       fastRetry(),
	})
	require.NoError(t, err)

	h, err := u.Upload(ctx, Request{Dir: src, Epoch: 3, Rank: 0})
	require.NoError(t, err)
	require.NotNil(t, h)

	assert.Equal(t, "runs/resnet50/checkpoint_3/", h.RemotePath)
	assert.Equal(t, 3, h.Objects)
	assert.Equal(t, int64(len("model weights")+len("optimizer state")+len(`{"epoch":3}`)), h.Bytes)
	assert.Equal(t, 3, h.Attempts)

	// Staging copy is gone once every object is acknowledged.
	assert.Empty(t, h.StagingDir)

	// Objects landed under the run's checkpoint path with original names.
	content, err := os.ReadFile(filepath.Join(storeBase, "runs", "resnet50", "checkpoint_3", "model.pt"))
	require.NoError(t, err)
	assert.Equal(t, "model weights", string(content))

	content, err = os.ReadFile(filepath.Join(storeBase, "runs", "resnet50", "checkpoint_3", "sub", "meta.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"epoch":3}`, string(content))

	// The original directory is untouched.
	_, err = os.Stat(filepath.Join(src, "model.pt"))
	assert.NoError(t, err)
}

func TestUpload_RankQualified(t *testing.T) {
	ctx := context.Background()
	store, storeBase := newFileStore(t)

	src := writeCheckpointDir(t, map[string]string{
		"model.pt":      "shard two",
		"sub/meta.json": "{}",
	})

	u, err := New(Config{Store: store, RunName: "gpt-shards", StagingRoot: t.TempDir(), Retry: fastRetry()})
	require.NoError(t, err)

	_, err = u.Upload(ctx, Request{Dir: src, Epoch: 1, Rank: 2, AllRanks: true})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(storeBase, "runs", "gpt-shards", "checkpoint_1", "model-rank=2.pt"))
	require.NoError(t, err)
	assert.Equal(t, "shard two", string(content))

	_, err = os.Stat(filepath.Join(storeBase, "runs", "gpt-shards", "checkpoint_1", "sub", "meta-rank=2.json"))
	assert.NoError(t, err)

	// Unqualified names must not exist for all-ranks checkpoints.
	_, err = os.Stat(filepath.Join(storeBase, "runs", "gpt-shards", "checkpoint_1", "model.pt"))
	assert.True(t, os.IsNotExist(err))
}

func TestSubmit_FlushJoinsUploads(t *testing.T) {
	ctx := context.Background()
	store, storeBase := newFileStore(t)

	u, err := New(Config{Store: store, RunName: "bert", StagingRoot: t.TempDir(), Retry: fastRetry()})
	require.NoError(t, err)

	var handles []*Handle
	for epoch := 1; epoch <= 2; epoch++ {
		src := writeCheckpointDir(t, map[string]string{"model.pt": fmt.Sprintf("epoch %d", epoch)})
		h, err := u.Submit(ctx, Request{Dir: src, Epoch: epoch, Rank: 0})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.NoError(t, u.Flush(ctx))

	for i, h := range handles {
		assert.Equal(t, fmt.Sprintf("runs/bert/checkpoint_%d/", i+1), h.RemotePath)
		assert.Empty(t, h.StagingDir)
	}

	for epoch := 1; epoch <= 2; epoch++ {
		content, err := os.ReadFile(filepath.Join(storeBase, "runs", "bert", fmt.Sprintf("checkpoint_%d", epoch), "model.pt"))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("epoch %d", epoch), string(content))
	}
}

// failingPutStore refuses every upload with a permanent error.
type failingPutStore struct {
	err error
}

func (s *failingPutStore) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	return &provider.ListResult{}, nil
}

func (s *failingPutStore) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	return nil, provider.ErrNotFound
}

func (s *failingPutStore) Close() error { return nil }

func (s *failingPutStore) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_, _ = io.Copy(io.Discard, body)
	return s.err
}

func TestUpload_FailureRetainsStaging(t *testing.T) {
	ctx := context.Background()
	store := &failingPutStore{err: fmt.Errorf("put denied: %w", provider.ErrAccessDenied)}

	src := writeCheckpointDir(t, map[string]string{"model.pt": "weights"})

	u, err := New(Config{Store: store, RunName: "resnet50", StagingRoot: t.TempDir(), Retry: fastRetry()})
	require.NoError(t, err)

	h, err := u.Upload(ctx, Request{Dir: src, Epoch: 1, Rank: 0})
	require.Error(t, err)
	assert.True(t, IsUploadFailure(err))

	var uploadErr *UploadError
	require.ErrorAs(t, err, &uploadErr)
	// Permanent errors are not retried.
	assert.Equal(t, 1, uploadErr.Attempts)
	assert.True(t, strings.HasPrefix(uploadErr.Key, "runs/resnet50/checkpoint_1/"))

	// The staging copy survives for recovery.
	require.NotNil(t, h)
	require.NotEmpty(t, h.StagingDir)
	content, readErr := os.ReadFile(filepath.Join(h.StagingDir, "model.pt"))
	require.NoError(t, readErr)
	assert.Equal(t, "weights", string(content))
	assert.Empty(t, h.RemotePath)
}

// rejectKeyStore delegates to the embedded provider but permanently rejects
// puts whose key ends in rejectSuffix.
type rejectKeyStore struct {
	*file.Provider
	rejectSuffix string
}

func (s *rejectKeyStore) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	if strings.HasSuffix(key, s.rejectSuffix) {
		_, _ = io.Copy(io.Discard, body)
		return fmt.Errorf("put %s: %w", key, provider.ErrAccessDenied)
	}
	return s.Provider.PutObject(ctx, key, body, contentLength)
}

func TestUpload_FailureRemovesPartialGroup(t *testing.T) {
	ctx := context.Background()
	inner, storeBase := newFileStore(t)
	store := &rejectKeyStore{Provider: inner, rejectSuffix: "zz-optimizer.pt"}

	src := writeCheckpointDir(t, map[string]string{
		"model.pt":        "weights",
		"zz-optimizer.pt": "state",
	})

	u, err := New(Config{Store: store, RunName: "resnet", StagingRoot: t.TempDir(), Retry: fastRetry()})
	require.NoError(t, err)

	h, err := u.Upload(ctx, Request{Dir: src, Epoch: 3, Rank: 0})
	require.Error(t, err)
	assert.True(t, IsUploadFailure(err))

	// The object that made it to the store before the failure is removed
	// again, so the half-written epoch group never surfaces.
	_, statErr := os.Stat(filepath.Join(storeBase, "runs", "resnet", "checkpoint_3", "model.pt"))
	assert.True(t, os.IsNotExist(statErr))

	groups, err := ListRemote(ctx, inner, DefaultPrefix, "resnet")
	require.NoError(t, err)
	assert.Empty(t, groups)

	latest, err := Latest(ctx, inner, DefaultPrefix, "resnet")
	require.NoError(t, err)
	assert.Nil(t, latest)

	// The staging copy stays for recovery.
	require.NotNil(t, h)
	require.NotEmpty(t, h.StagingDir)
	_, statErr = os.Stat(filepath.Join(h.StagingDir, "model.pt"))
	assert.NoError(t, statErr)
}

// flakyStore fails the first failures PutObject calls with a retryable
// error, then delegates to the embedded provider.
type flakyStore struct {
	*file.Provider
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		_, _ = io.Copy(io.Discard, body)
		return fmt.Errorf("put %s: %w", key, provider.ErrThrottled)
	}
	s.mu.Unlock()
	return s.Provider.PutObject(ctx, key, body, contentLength)
}

func TestUpload_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	inner, storeBase := newFileStore(t)
	store := &flakyStore{Provider: inner, failures: 2}

	src := writeCheckpointDir(t, map[string]string{"model.pt": "weights"})

	u, err := New(Config{
		Store:       store,
		RunName:     "resnet50",
		StagingRoot: t.TempDir(),
		Retry:       fastRetry(),
		Concurrency: 1,
	})
	require.NoError(t, err)

	h, err := u.Upload(ctx, Request{Dir: src, Epoch: 1, Rank: 0})
	require.NoError(t, err)
	assert.Equal(t, 3, h.Attempts)

	content, err := os.ReadFile(filepath.Join(storeBase, "runs", "resnet50", "checkpoint_1", "model.pt"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(content))
}

func TestUpload_ExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	store := &failingPutStore{err: fmt.Errorf("unavailable: %w", provider.ErrProviderUnavailable)}

	src := writeCheckpointDir(t, map[string]string{"model.pt": "weights"})

	u, err := New(Config{
		Store:       store,
		RunName:     "resnet50",
		StagingRoot: t.TempDir(),
		Retry:       RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	})
	require.NoError(t, err)

	_, err = u.Upload(ctx, Request{Dir: src, Epoch: 1, Rank: 0})
	require.Error(t, err)
	assert.True(t, IsUploadFailure(err))

	var uploadErr *UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, 3, uploadErr.Attempts)
}

func TestUpload_EmitsCheckpointRecord(t *testing.T) {
	ctx := context.Background()
	store, _ := newFileStore(t)

	var buf bytes.Buffer
	writer := events.NewJSONLWriter(&buf, "run-123", "resnet50")

	src := writeCheckpointDir(t, map[string]string{"model.pt": "weights"})

	u, err := New(Config{Store: store, RunName: "resnet50", StagingRoot: t.TempDir(), Retry: fastRetry(), Writer: writer})
	require.NoError(t, err)

	_, err = u.Upload(ctx, Request{Dir: src, Epoch: 7, Rank: 0})
	require.NoError(t, err)

	line := buf.String()
	assert.Contains(t, line, events.TypeCheckpoint)
	assert.Contains(t, line, `"epoch":7`)
	assert.Contains(t, line, "runs/resnet50/checkpoint_7/")
}

func TestStage(t *testing.T) {
	ctx := context.Background()
	store, _ := newFileStore(t)

	u, err := New(Config{Store: store, RunName: "resnet50", StagingRoot: t.TempDir(), Retry: fastRetry()})
	require.NoError(t, err)

	t.Run("copies the directory", func(t *testing.T) {
		src := writeCheckpointDir(t, map[string]string{"model.pt": "v1"})

		h, err := u.Stage(ctx, Request{Dir: src, Epoch: 1, Rank: 0})
		require.NoError(t, err)
		require.NotEmpty(t, h.StagingDir)
		assert.Equal(t, 1, h.Objects)
		assert.Equal(t, int64(2), h.Bytes)

		// Mutating the source after Stage does not affect the staging copy.
		require.NoError(t, os.WriteFile(filepath.Join(src, "model.pt"), []byte("v2"), 0644))
		content, err := os.ReadFile(filepath.Join(h.StagingDir, "model.pt"))
		require.NoError(t, err)
		assert.Equal(t, "v1", string(content))
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := u.Stage(ctx, Request{Dir: filepath.Join(t.TempDir(), "nope"), Epoch: 1})
		assert.Error(t, err)
	})

	t.Run("not a directory", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "file.pt")
		require.NoError(t, os.WriteFile(f, []byte("x"), 0644))
		_, err := u.Stage(ctx, Request{Dir: f, Epoch: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a directory")
	})

	t.Run("empty directory", func(t *testing.T) {
		_, err := u.Stage(ctx, Request{Dir: t.TempDir(), Epoch: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no files")
	})
}

// listOnlyStore supports listing but no uploads.
type listOnlyStore struct{}

func (s *listOnlyStore) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	return &provider.ListResult{}, nil
}

func (s *listOnlyStore) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	return nil, provider.ErrNotFound
}

func (s *listOnlyStore) Close() error { return nil }

func TestNew_Validation(t *testing.T) {
	store, _ := newFileStore(t)

	t.Run("store required", func(t *testing.T) {
		_, err := New(Config{RunName: "r"})
		assert.Error(t, err)
	})

	t.Run("run name required", func(t *testing.T) {
		_, err := New(Config{Store: store})
		assert.Error(t, err)
	})

	t.Run("store must support PutObject", func(t *testing.T) {
		_, err := New(Config{Store: &listOnlyStore{}, RunName: "r"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PutObject")
	})

	t.Run("retention requires DeleteObject", func(t *testing.T) {
		_, err := New(Config{Store: &failingPutStore{}, RunName: "r", Keep: 2})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DeleteObject")
	})

	t.Run("defaults applied", func(t *testing.T) {
		u, err := New(Config{Store: store, RunName: "r"})
		require.NoError(t, err)
		assert.Equal(t, "runs/", u.prefix)
		assert.Equal(t, DefaultRetryConfig(), u.retry)
		assert.Equal(t, 4, u.concurrency)
	})
}

func TestRankQualify(t *testing.T) {
	tests := []struct {
		rel      string
		rank     int
		expected string
	}{
		{"model.pt", 0, "model-rank=0.pt"},
		{"model.pt", 3, "model-rank=3.pt"},
		{"data", 1, "data-rank=1"},
		{"sub/dir/shard.bin", 2, "sub/dir/shard-rank=2.bin"},
		{"archive.tar.gz", 4, "archive.tar-rank=4.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			assert.Equal(t, tt.expected, rankQualify(tt.rel, tt.rank))
		})
	}
}

func TestRemoteBase(t *testing.T) {
	store, _ := newFileStore(t)

	u, err := New(Config{Store: store, RunName: "resnet50", Prefix: "experiments"})
	require.NoError(t, err)

	assert.Equal(t, "experiments/resnet50/checkpoint_12/", u.RemoteBase(12))
}

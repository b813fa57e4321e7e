// Package checkpoint stages and uploads training checkpoints to durable storage.
//
// A checkpoint starts as a directory written by training code. Stage copies it
// into a uniquely named local staging directory so the worker can keep
// training while the upload runs in the background. The staging copy is
// deleted only after the store acknowledged every object; uploads that
// exhaust their retries keep the staging copy and surface ErrUploadFailure.
// A failed upload also removes the objects it already put, so a partially
// written checkpoint group never becomes visible to ListRemote or restores.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/3leaps/gocohort/pkg/events"
	"github.com/3leaps/gocohort/pkg/provider"
)

// DefaultPrefix is the object key prefix checkpoints are uploaded under.
const DefaultPrefix = "runs/"

// RetryConfig bounds the exponential backoff applied to object uploads.
type RetryConfig struct {
	// MaxAttempts is the total number of tries per object, including the
	// first. Minimum 1.
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration
}

// DefaultRetryConfig matches the manifest retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Config configures an Uploader.
type Config struct {
	// Store is the durable store. Must support PutObject; must support
	// DeleteObject when Keep > 0.
	Store provider.Provider

	// RunName names the run; it becomes a path segment under Prefix.
	RunName string

	// Prefix is the object key prefix. Defaults to DefaultPrefix.
	Prefix string

	// StagingRoot is the local directory staging copies are created under.
	// Defaults to a gocohort-staging directory under os.TempDir().
	StagingRoot string

	// Keep is how many checkpoints to retain in durable storage.
	// Zero keeps all.
	Keep int

	// Retry bounds upload retries. Zero values take defaults.
	Retry RetryConfig

	// Concurrency is the number of parallel object uploads per checkpoint.
	Concurrency int

	// Writer receives checkpoint and error records. Optional.
	Writer events.Writer
}

// Request describes one checkpoint directory to upload.
type Request struct {
	// Dir is the directory written by training code.
	Dir string

	// Epoch the checkpoint captures.
	Epoch int

	// Rank is the reporting worker's world rank.
	Rank int

	// AllRanks marks the checkpoint as one shard of a model split across
	// ranks. Object names are rank-qualified so shards from different
	// ranks never collide under the shared checkpoint path.
	AllRanks bool
}

// Handle references one staged checkpoint.
//
// StagingDir points at the local copy until the upload completes; after a
// successful upload it is empty and RemotePath carries the durable prefix.
// Fields are not safe to read while the upload is in flight; call Flush
// first.
type Handle struct {
	RunName    string
	Epoch      int
	Rank       int
	StagingDir string
	RemotePath string
	Objects    int
	Bytes      int64
	Attempts   int
	Duration   time.Duration
}

// Uploader stages checkpoint directories and uploads them in the background.
//
// Safe for concurrent use. Flush joins all in-flight uploads and reports the
// first permanent failure.
type Uploader struct {
	store       provider.Provider
	putter      provider.ObjectPutter
	runName     string
	prefix      string
	stagingRoot string
	keep        int
	retry       RetryConfig
	concurrency int
	writer      events.Writer

	mu   sync.Mutex
	wg   sync.WaitGroup
	errs []error
}

// New creates an Uploader.
func New(cfg Config) (*Uploader, error) {
	if cfg.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if cfg.RunName == "" {
		return nil, errors.New("run name is required")
	}

	putter, ok := cfg.Store.(provider.ObjectPutter)
	if !ok {
		return nil, errors.New("store provider does not support PutObject")
	}
	if cfg.Keep > 0 {
		if _, ok := cfg.Store.(provider.ObjectDeleter); !ok {
			return nil, errors.New("store provider does not support DeleteObject; retention requires it")
		}
	}

	prefix := normalizePrefix(cfg.Prefix)

	stagingRoot := cfg.StagingRoot
	if stagingRoot == "" {
		stagingRoot = filepath.Join(os.TempDir(), "gocohort-staging")
	}

	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = DefaultRetryConfig().InitialInterval
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = DefaultRetryConfig().MaxInterval
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Uploader{
		store:       cfg.Store,
		putter:      putter,
		runName:     cfg.RunName,
		prefix:      prefix,
		stagingRoot: stagingRoot,
		keep:        cfg.Keep,
		retry:       retry,
		concurrency: concurrency,
		writer:      cfg.Writer,
	}, nil
}

// RemoteBase returns the durable prefix for one epoch's checkpoint group,
// e.g. "runs/resnet50/checkpoint_3/".
func (u *Uploader) RemoteBase(epoch int) string {
	return fmt.Sprintf("%s%s/checkpoint_%d/", u.prefix, u.runName, epoch)
}

// Stage copies dir into a unique local staging directory.
//
// The copy is synchronous; training code can mutate or delete dir as soon as
// Stage returns.
func (u *Uploader) Stage(ctx context.Context, req Request) (*Handle, error) {
	info, err := os.Stat(req.Dir)
	if err != nil {
		return nil, fmt.Errorf("stage checkpoint: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("stage checkpoint: %s is not a directory", req.Dir)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stagingDir := filepath.Join(u.stagingRoot, u.runName, uuid.New().String())
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("stage checkpoint: %w", err)
	}

	objects, bytes, err := copyTree(req.Dir, stagingDir)
	if err != nil {
		_ = os.RemoveAll(stagingDir)
		return nil, fmt.Errorf("stage checkpoint: %w", err)
	}
	if objects == 0 {
		_ = os.RemoveAll(stagingDir)
		return nil, fmt.Errorf("stage checkpoint: %s contains no files", req.Dir)
	}

	return &Handle{
		RunName:    u.runName,
		Epoch:      req.Epoch,
		Rank:       req.Rank,
		StagingDir: stagingDir,
		Objects:    objects,
		Bytes:      bytes,
	}, nil
}

// Submit stages dir and begins uploading it in the background.
//
// The returned handle is finalized when Flush returns.
func (u *Uploader) Submit(ctx context.Context, req Request) (*Handle, error) {
	h, err := u.Stage(ctx, req)
	if err != nil {
		return nil, err
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		if err := u.upload(ctx, h, req.AllRanks); err != nil {
			u.mu.Lock()
			u.errs = append(u.errs, err)
			u.mu.Unlock()
		}
	}()

	return h, nil
}

// Upload stages dir and uploads it synchronously.
func (u *Uploader) Upload(ctx context.Context, req Request) (*Handle, error) {
	h, err := u.Stage(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := u.upload(ctx, h, req.AllRanks); err != nil {
		return h, err
	}
	return h, nil
}

// Flush joins all in-flight uploads.
//
// Returns the first permanent upload failure, or ctx's error if the context
// ends first. Uploads keep running if Flush returns early.
func (u *Uploader) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.errs) > 0 {
		return u.errs[0]
	}
	return nil
}

func (u *Uploader) upload(ctx context.Context, h *Handle, allRanks bool) error {
	start := time.Now()
	remoteBase := u.RemoteBase(h.Epoch)

	rels, err := listTree(h.StagingDir)
	if err != nil {
		u.reportError(ctx, h, err)
		return err
	}

	var totalBytes atomic.Int64
	var totalAttempts atomic.Int64

	workCh := make(chan string, len(rels))
	for _, rel := range rels {
		workCh <- rel
	}
	close(workCh)

	var wg sync.WaitGroup
	errCh := make(chan error, len(rels))
	putCh := make(chan string, len(rels))
	workers := u.concurrency
	if workers > len(rels) {
		workers = len(rels)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rel := range workCh {
				key := remoteBase + rel
				if allRanks {
					key = remoteBase + rankQualify(rel, h.Rank)
				}
				n, attempts, err := u.putWithRetry(ctx, filepath.Join(h.StagingDir, filepath.FromSlash(rel)), key)
				totalAttempts.Add(int64(attempts))
				if err != nil {
					errCh <- &UploadError{Key: key, Attempts: attempts, Err: err}
					return
				}
				putCh <- key
				totalBytes.Add(n)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	close(putCh)

	if err := <-errCh; err != nil {
		// Staging copy is retained for recovery; the objects already put
		// come back out so the epoch group is never visible half-written.
		var put []string
		for key := range putCh {
			put = append(put, key)
		}
		u.removePartial(put)
		u.reportError(ctx, h, err)
		return err
	}

	// Every object is acknowledged; the staging copy can go.
	staging := h.StagingDir
	u.mu.Lock()
	h.RemotePath = remoteBase
	h.StagingDir = ""
	h.Objects = len(rels)
	h.Bytes = totalBytes.Load()
	h.Attempts = int(totalAttempts.Load())
	h.Duration = time.Since(start)
	u.mu.Unlock()

	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}

	if u.writer != nil {
		_ = u.writer.WriteCheckpoint(ctx, &events.CheckpointRecord{
			Epoch:      h.Epoch,
			Rank:       h.Rank,
			RemotePath: remoteBase,
			Objects:    len(rels),
			Bytes:      totalBytes.Load(),
			Attempts:   int(totalAttempts.Load()),
			Duration:   time.Since(start),
		})
	}

	if u.keep > 0 {
		if _, err := u.Prune(ctx); err != nil {
			// The checkpoint itself is durable; retention is retried
			// after the next upload.
			u.reportError(ctx, h, fmt.Errorf("retention prune: %w", err))
		}
	}

	return nil
}

// removePartial deletes the objects a failed upload already put. Best
// effort: the keys run under a fresh context because the upload itself may
// have died from cancellation, and stores without DeleteObject are skipped.
func (u *Uploader) removePartial(keys []string) {
	if len(keys) == 0 {
		return
	}
	deleter, ok := u.store.(provider.ObjectDeleter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, key := range keys {
		_ = deleter.DeleteObject(ctx, key)
	}
}

// putWithRetry uploads one file, reopening it for each attempt so the
// request body is fresh.
func (u *Uploader) putWithRetry(ctx context.Context, localPath, key string) (int64, int, error) {
	attempts := 0
	var size int64

	op := func() error {
		attempts++

		f, err := os.Open(localPath)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			return backoff.Permanent(err)
		}
		size = info.Size()

		if err := u.putter.PutObject(ctx, key, f, info.Size()); err != nil {
			if !provider.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = u.retry.InitialInterval
	bo.MaxInterval = u.retry.MaxInterval
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(u.retry.MaxAttempts-1)), ctx))
	if err != nil {
		return 0, attempts, err
	}
	return size, attempts, nil
}

func (u *Uploader) reportError(ctx context.Context, h *Handle, err error) {
	if u.writer == nil {
		return
	}
	rank := h.Rank
	epoch := h.Epoch
	_ = u.writer.WriteError(ctx, &events.ErrorRecord{
		Code:    events.ErrCodeUploadFailure,
		Message: err.Error(),
		Rank:    &rank,
		Epoch:   &epoch,
	})
}

// rankQualify inserts "-rank=<r>" before the extension of rel's base name,
// so "model.pt" from rank 3 uploads as "model-rank=3.pt".
func rankQualify(rel string, rank int) string {
	dir := path.Dir(rel)
	base := path.Base(rel)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	qualified := fmt.Sprintf("%s-rank=%d%s", stem, rank, ext)
	if dir == "." {
		return qualified
	}
	return dir + "/" + qualified
}

// copyTree copies the regular files under src into dst, preserving relative
// structure. Returns the file count and total bytes copied.
func copyTree(src, dst string) (int, int64, error) {
	files := 0
	var bytes int64

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		n, err := copyFile(p, filepath.Join(dst, rel))
		if err != nil {
			return err
		}
		files++
		bytes += n
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return files, bytes, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return 0, err
	}
	return n, out.Close()
}

// listTree returns the sorted slash-separated relative paths of the regular
// files under root.
func listTree(root string) ([]string, error) {
	var rels []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(rels)
	return rels, nil
}

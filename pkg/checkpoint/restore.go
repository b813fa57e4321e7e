package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/gocohort/pkg/provider"
)

// Restore downloads a checkpoint group into destDir, preserving relative
// structure.
//
// remotePath is a group prefix as returned by ListRemote or carried by a
// Handle. Returns provider.ErrNotFound (wrapped) if the group has no
// objects.
func Restore(ctx context.Context, store provider.Provider, remotePath, destDir string) (*RemoteCheckpoint, error) {
	getter, ok := store.(provider.ObjectGetter)
	if !ok {
		return nil, errors.New("store provider does not support GetObject")
	}

	if !strings.HasSuffix(remotePath, "/") {
		remotePath += "/"
	}

	keys, err := collectGroupKeys(ctx, store, remotePath)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("restore %s: %w", remotePath, provider.ErrNotFound)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("restore checkpoint: %w", err)
	}

	result := &RemoteCheckpoint{Path: remotePath}
	if epoch, ok := parseEpochSegment(lastSegment(remotePath)); ok {
		result.Epoch = epoch
	}

	for _, key := range keys {
		rel := strings.TrimPrefix(key, remotePath)
		n, err := downloadObject(ctx, getter, key, filepath.Join(destDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		result.Objects++
		result.Bytes += n
	}

	return result, nil
}

// RestoreLatest downloads the run's most recent checkpoint group into
// destDir. Returns provider.ErrNotFound (wrapped) if the run has no
// checkpoints.
func RestoreLatest(ctx context.Context, store provider.Provider, prefix, runName, destDir string) (*RemoteCheckpoint, error) {
	latest, err := Latest(ctx, store, prefix, runName)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("run %s has no checkpoints: %w", runName, provider.ErrNotFound)
	}
	return Restore(ctx, store, latest.Path, destDir)
}

func downloadObject(ctx context.Context, getter provider.ObjectGetter, key, dest string) (int64, error) {
	body, _, err := getter.GetObject(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	defer func() { _ = body.Close() }()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, body)
	if err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("write %s: %w", dest, err)
	}
	return n, out.Close()
}

func lastSegment(p string) string {
	trimmed := strings.TrimSuffix(p, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

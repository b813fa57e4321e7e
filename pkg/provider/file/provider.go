// Package file implements the provider interface on a local directory.
// Object keys map to relative paths under the base directory, which makes it
// the store for single-node runs and the stand-in store in tests.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/gocohort/pkg/provider"
)

// Provider serves objects from a directory tree.
type Provider struct {
	baseDir string
}

var (
	_ provider.Provider        = (*Provider)(nil)
	_ provider.ObjectGetter    = (*Provider)(nil)
	_ provider.ObjectRanger    = (*Provider)(nil)
	_ provider.ObjectPutter    = (*Provider)(nil)
	_ provider.ObjectDeleter   = (*Provider)(nil)
	_ provider.DelimiterLister = (*Provider)(nil)
)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (p *Provider) Close() error { return nil }

// List walks the tree under the prefix and returns one sorted page. The
// continuation token is the last key of the previous page.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	_ = ctx
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	keys, err := p.walkKeys(strings.TrimPrefix(opts.Prefix, "/"))
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}
	sort.Strings(keys)

	start := 0
	if opts.ContinuationToken != "" {
		// Resume strictly after the token key.
		idx := sort.SearchStrings(keys, opts.ContinuationToken)
		for idx < len(keys) && keys[idx] <= opts.ContinuationToken {
			idx++
		}
		start = idx
	}
	end := start + maxKeys
	if end > len(keys) {
		end = len(keys)
	}

	objects := make([]provider.ObjectSummary, 0, end-start)
	for _, k := range keys[start:end] {
		if summary, ok := p.statKey(k); ok {
			objects = append(objects, summary)
		}
	}

	res := &provider.ListResult{Objects: objects}
	if end < len(keys) {
		res.IsTruncated = true
		res.ContinuationToken = keys[end-1]
	}
	return res, nil
}

// ListWithDelimiter groups keys under the prefix by the delimiter, matching
// the directory-style discovery object stores offer. Keys containing the
// delimiter past the prefix collapse into CommonPrefixes entries.
func (p *Provider) ListWithDelimiter(ctx context.Context, opts provider.ListWithDelimiterOptions) (*provider.ListWithDelimiterResult, error) {
	_ = ctx
	prefix := strings.TrimPrefix(opts.Prefix, "/")
	keys, err := p.walkKeys(prefix)
	if err != nil {
		return nil, p.wrapError("ListWithDelimiter", opts.Prefix, err)
	}
	sort.Strings(keys)

	res := &provider.ListWithDelimiterResult{}
	seen := map[string]bool{}
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if opts.Delimiter != "" {
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(opts.Delimiter)]
				if !seen[cp] {
					seen[cp] = true
					res.CommonPrefixes = append(res.CommonPrefixes, cp)
				}
				continue
			}
		}
		if summary, ok := p.statKey(k); ok {
			res.Objects = append(res.Objects, summary)
		}
	}
	return res, nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	_ = ctx
	full, err := p.resolve(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &provider.ProviderError{Op: "Head", Provider: provider.ProviderFile, Key: key, Err: provider.ErrNotFound}
		}
		return nil, p.wrapError("Head", key, err)
	}
	if st.IsDir() {
		// Directories are not objects.
		return nil, &provider.ProviderError{Op: "Head", Provider: provider.ProviderFile, Key: key, Err: provider.ErrNotFound}
	}

	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{
			Key:          strings.TrimPrefix(key, "/"),
			Size:         st.Size(),
			LastModified: st.ModTime(),
		},
	}, nil
}

func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	_ = ctx
	full, err := p.resolve(key)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, &provider.ProviderError{Op: "GetObject", Provider: provider.ProviderFile, Key: key, Err: provider.ErrNotFound}
		}
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	return f, st.Size(), nil
}

// GetRange reads the inclusive byte range [start, endInclusive], clamped to
// the file size. A start past the end yields an empty reader rather than an
// error, matching HTTP range behavior close enough for restore resumption.
func (p *Provider) GetRange(ctx context.Context, key string, start, endInclusive int64) (io.ReadCloser, int64, error) {
	_ = ctx
	full, err := p.resolve(key)
	if err != nil {
		return nil, 0, p.wrapError("GetRange", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, &provider.ProviderError{Op: "GetRange", Provider: provider.ProviderFile, Key: key, Err: provider.ErrNotFound}
		}
		return nil, 0, p.wrapError("GetRange", key, err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("GetRange", key, err)
	}

	if start < 0 {
		_ = f.Close()
		return nil, 0, p.wrapError("GetRange", key, fmt.Errorf("start must be >= 0"))
	}
	if endInclusive < start {
		_ = f.Close()
		return nil, 0, p.wrapError("GetRange", key, fmt.Errorf("end must be >= start"))
	}
	if start >= st.Size() {
		_ = f.Close()
		return io.NopCloser(strings.NewReader("")), 0, nil
	}
	length := (endInclusive - start) + 1
	if start+length > st.Size() {
		length = st.Size() - start
	}

	section := io.NewSectionReader(f, start, length)
	return &rangeReader{r: section, c: f}, length, nil
}

// rangeReader closes the backing file when the section is done.
type rangeReader struct {
	r io.Reader
	c io.Closer
}

func (s *rangeReader) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *rangeReader) Close() error               { return s.c.Close() }

// PutObject writes through a temp file and renames, so readers never observe
// a half-written object.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_ = ctx
	_ = contentLength
	full, err := p.resolve(key)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.wrapError("PutObject", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "gocohort-put-*")
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

// DeleteObject removes the object. A missing key is not an error, matching
// object store delete semantics.
func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	_ = ctx
	full, err := p.resolve(key)
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

// resolve maps a key to an absolute path under baseDir, rejecting traversal.
func (p *Provider) resolve(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	clean := strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

// walkKeys returns the slash-separated keys of every regular file under the
// prefix. A missing prefix directory is an empty listing, not an error.
func (p *Provider) walkKeys(prefix string) ([]string, error) {
	root, err := p.resolve(prefix)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var keys []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, path)
		if err != nil {
			return nil
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	return keys, nil
}

// statKey builds a summary for one key, skipping anything that vanished or
// turned out to be a directory between walk and stat.
func (p *Provider) statKey(key string) (provider.ObjectSummary, bool) {
	full, err := p.resolve(key)
	if err != nil {
		return provider.ObjectSummary{}, false
	}
	st, err := os.Stat(full)
	if err != nil || st.IsDir() {
		return provider.ObjectSummary{}, false
	}
	return provider.ObjectSummary{Key: key, Size: st.Size(), LastModified: st.ModTime()}, true
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	if os.IsNotExist(err) {
		wrapped.Err = provider.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/3leaps/gocohort/pkg/provider"
)

// RemoteCheckpoint summarizes one uploaded checkpoint group.
type RemoteCheckpoint struct {
	// Epoch parsed from the group's path segment.
	Epoch int

	// Path is the group's durable prefix, ending in "/".
	Path string

	// Objects is the number of objects in the group.
	Objects int

	// Bytes is the group's total size.
	Bytes int64
}

// ListRemote returns the run's uploaded checkpoint groups, newest epoch
// first. Recency is decided by epoch number, not listing order.
//
// Stores with delimiter listing get group discovery via common prefixes;
// everything else falls back to a flat walk of the run prefix.
func ListRemote(ctx context.Context, store provider.Provider, prefix, runName string) ([]RemoteCheckpoint, error) {
	base := normalizePrefix(prefix) + runName + "/"

	if dl, ok := store.(provider.DelimiterLister); ok {
		return listRemoteGrouped(ctx, store, dl, base)
	}
	return listRemoteFlat(ctx, store, base)
}

// listRemoteGrouped discovers checkpoint_<epoch>/ groups as immediate child
// prefixes, then sizes each group with a scoped listing.
func listRemoteGrouped(ctx context.Context, store provider.Provider, dl provider.DelimiterLister, base string) ([]RemoteCheckpoint, error) {
	var out []RemoteCheckpoint

	var token string
	for {
		res, err := dl.ListWithDelimiter(ctx, provider.ListWithDelimiterOptions{
			Prefix:            base,
			Delimiter:         "/",
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list checkpoint groups: %w", err)
		}
		for _, cp := range res.CommonPrefixes {
			seg := strings.TrimSuffix(strings.TrimPrefix(cp, base), "/")
			epoch, ok := parseEpochSegment(seg)
			if !ok {
				continue
			}
			g := RemoteCheckpoint{Epoch: epoch, Path: cp}
			var groupToken string
			for {
				page, err := store.List(ctx, provider.ListOptions{Prefix: cp, ContinuationToken: groupToken})
				if err != nil {
					return nil, fmt.Errorf("list checkpoints: %w", err)
				}
				for _, obj := range page.Objects {
					g.Objects++
					g.Bytes += obj.Size
				}
				if !page.IsTruncated || page.ContinuationToken == "" {
					break
				}
				groupToken = page.ContinuationToken
			}
			if g.Objects > 0 {
				out = append(out, g)
			}
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			break
		}
		token = res.ContinuationToken
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Epoch > out[j].Epoch })
	return out, nil
}

func listRemoteFlat(ctx context.Context, store provider.Provider, base string) ([]RemoteCheckpoint, error) {
	groups := make(map[int]*RemoteCheckpoint)

	var token string
	for {
		res, err := store.List(ctx, provider.ListOptions{Prefix: base, ContinuationToken: token})
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		for _, obj := range res.Objects {
			rel := strings.TrimPrefix(obj.Key, base)
			seg, _, ok := strings.Cut(rel, "/")
			if !ok {
				continue
			}
			epoch, ok := parseEpochSegment(seg)
			if !ok {
				continue
			}

			g := groups[epoch]
			if g == nil {
				g = &RemoteCheckpoint{Epoch: epoch, Path: base + seg + "/"}
				groups[epoch] = g
			}
			g.Objects++
			g.Bytes += obj.Size
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			break
		}
		token = res.ContinuationToken
	}

	out := make([]RemoteCheckpoint, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch > out[j].Epoch })
	return out, nil
}

// Latest returns the run's most recent checkpoint group, or nil if the run
// has none.
func Latest(ctx context.Context, store provider.Provider, prefix, runName string) (*RemoteCheckpoint, error) {
	groups, err := ListRemote(ctx, store, prefix, runName)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, nil
	}
	return &groups[0], nil
}

// Prune deletes checkpoint groups beyond the keep most recent.
//
// Returns the groups that were deleted. keep <= 0 keeps everything.
func Prune(ctx context.Context, store provider.Provider, prefix, runName string, keep int) ([]RemoteCheckpoint, error) {
	if keep <= 0 {
		return nil, nil
	}

	deleter, ok := store.(provider.ObjectDeleter)
	if !ok {
		return nil, errors.New("store provider does not support DeleteObject")
	}

	groups, err := ListRemote(ctx, store, prefix, runName)
	if err != nil {
		return nil, err
	}
	if len(groups) <= keep {
		return nil, nil
	}

	victims := groups[keep:]
	for _, g := range victims {
		keys, err := collectGroupKeys(ctx, store, g.Path)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if err := deleter.DeleteObject(ctx, key); err != nil {
				return nil, fmt.Errorf("prune %s: %w", key, err)
			}
		}
	}
	return victims, nil
}

// Prune applies the uploader's retention policy.
func (u *Uploader) Prune(ctx context.Context) ([]RemoteCheckpoint, error) {
	return Prune(ctx, u.store, u.prefix, u.runName, u.keep)
}

func collectGroupKeys(ctx context.Context, store provider.Provider, groupPath string) ([]string, error) {
	var keys []string
	var token string
	for {
		res, err := store.List(ctx, provider.ListOptions{Prefix: groupPath, ContinuationToken: token})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", groupPath, err)
		}
		for _, obj := range res.Objects {
			keys = append(keys, obj.Key)
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			return keys, nil
		}
		token = res.ContinuationToken
	}
}

func parseEpochSegment(seg string) (int, bool) {
	rest := strings.TrimPrefix(seg, "checkpoint_")
	if rest == seg || rest == "" {
		return 0, false
	}
	epoch, err := strconv.Atoi(rest)
	if err != nil || epoch < 0 {
		return 0, false
	}
	return epoch, true
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		return prefix + "/"
	}
	return prefix
}

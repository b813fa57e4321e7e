// Package datasource builds deterministic dataset catalogs from a storage
// provider.
//
// A catalog is the sorted list of object keys under a prefix that match the
// manifest's include/exclude globs. Every rank builds (or receives) the
// identical catalog, so shard assignment over catalog indices is consistent
// across the cohort without coordination.
package datasource

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/time/rate"

	"github.com/3leaps/gocohort/pkg/match"
	"github.com/3leaps/gocohort/pkg/provider"
)

// Config configures a catalog build.
type Config struct {
	// Provider is the storage backend listed for dataset items.
	Provider provider.Provider

	// Prefix restricts listing to keys under this prefix.
	Prefix string

	// Includes are glob patterns items must match. When empty, every key
	// under Prefix is included.
	Includes []string

	// Excludes are glob patterns that remove items from the catalog.
	Excludes []string

	// RateLimit caps list requests per second. Zero means unlimited.
	RateLimit float64

	// PageSize is the page size for list requests. Zero uses the
	// provider default.
	PageSize int
}

// Item is one dataset sample reference in a catalog.
type Item struct {
	// Key is the object key.
	Key string

	// Size is the object size in bytes when the provider reported one.
	Size int64
}

// Catalog is an immutable, sorted dataset item index.
type Catalog struct {
	items []Item
}

// Build lists the provider and produces a catalog.
//
// The result is sorted by key, so two builds over an unchanged prefix yield
// identical catalogs regardless of provider listing order.
func Build(ctx context.Context, cfg Config) (*Catalog, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("datasource: provider is required")
	}

	var matcher *match.Matcher
	if len(cfg.Includes) > 0 || len(cfg.Excludes) > 0 {
		includes := cfg.Includes
		if len(includes) == 0 {
			// Excludes alone still need a matcher; match everything else.
			includes = []string{"**"}
		}
		m, err := match.New(match.Config{
			Includes: includes,
			Excludes: cfg.Excludes,
		})
		if err != nil {
			return nil, fmt.Errorf("datasource: %w", err)
		}
		matcher = m
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	// Without an explicit prefix, scope listing to the static prefixes of
	// the include patterns instead of walking the whole store.
	prefixes := []string{cfg.Prefix}
	if cfg.Prefix == "" && matcher != nil {
		prefixes = matcher.Prefixes()
	}

	var items []Item
	for _, prefix := range prefixes {
		token := ""
		for {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return nil, err
				}
			}

			page, err := cfg.Provider.List(ctx, provider.ListOptions{
				Prefix:            prefix,
				ContinuationToken: token,
				MaxKeys:           cfg.PageSize,
			})
			if err != nil {
				return nil, fmt.Errorf("datasource: list %q: %w", prefix, err)
			}

			for _, obj := range page.Objects {
				if matcher != nil && !matcher.Match(obj.Key) {
					continue
				}
				items = append(items, Item{Key: obj.Key, Size: obj.Size})
			}

			if !page.IsTruncated || page.ContinuationToken == "" {
				break
			}
			token = page.ContinuationToken
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })

	return &Catalog{items: items}, nil
}

// FromKeys builds a catalog directly from keys, for in-memory datasets and
// tests. Keys are sorted.
func FromKeys(keys []string) *Catalog {
	items := make([]Item, len(keys))
	for i, k := range keys {
		items[i] = Item{Key: k}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return &Catalog{items: items}
}

// Len returns the number of items.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.items)
}

// Item returns the item at index i.
func (c *Catalog) Item(i int) Item {
	return c.items[i]
}

// Items returns a copy of the item index.
func (c *Catalog) Items() []Item {
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// Keys returns the sorted item keys.
func (c *Catalog) Keys() []string {
	out := make([]string, len(c.items))
	for i, it := range c.items {
		out[i] = it.Key
	}
	return out
}

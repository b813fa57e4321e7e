// Package match selects dataset items by glob pattern.
//
// Manifests describe a data source as include and exclude globs over object
// keys ("train/**/*.tfrecord", "data/_*"). A Matcher compiles those globs
// once and answers membership for every key a catalog build lists. Patterns
// use doublestar semantics, so ** crosses key segments.
package match

import (
	"errors"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	// ErrNoIncludes is returned when Config carries no include patterns.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned for a glob that does not compile.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError reports which pattern failed to compile.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Config configures a Matcher.
type Config struct {
	// Includes are globs a key must match at least one of. Required.
	Includes []string

	// Excludes are globs that remove keys. A key matching any exclude is
	// rejected even when an include matched.
	Excludes []string

	// IncludeHidden admits keys with a dot-prefixed segment. Dataset
	// listings drop them by default so checksums and editor droppings
	// like ".part-0.parquet.crc" stay out of the catalog.
	IncludeHidden bool
}

// Matcher answers include/exclude membership for object keys. Safe for
// concurrent use once built.
type Matcher struct {
	includes      []string
	excludes      []string
	prefixes      []string
	includeHidden bool
}

// New validates and compiles the patterns in cfg.
//
// Patterns are normalized first, so Windows-style "train\2024\**" separators
// work, while escaped metacharacters (\*, \?) keep their literal meaning.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}

	normalize := func(raw []string) ([]string, error) {
		out := make([]string, 0, len(raw))
		for _, p := range raw {
			n := NormalizePattern(p)
			if !doublestar.ValidatePattern(n) {
				return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
			}
			out = append(out, n)
		}
		return out, nil
	}

	includes, err := normalize(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := normalize(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	return &Matcher{
		includes:      includes,
		excludes:      excludes,
		prefixes:      DerivePrefixes(includes),
		includeHidden: cfg.IncludeHidden,
	}, nil
}

// Match reports whether key belongs to the dataset: it matches an include,
// matches no exclude, and is not hidden (unless IncludeHidden).
//
// Keys are evaluated as-is. Object store keys are opaque strings, so no
// normalization is applied on the key side.
func (m *Matcher) Match(key string) bool {
	if !m.includeHidden && IsHidden(key) {
		return false
	}

	included := false
	for _, p := range m.includes {
		if matchPattern(p, key) {
			included = true
			break
		}
	}
	if !included {
		return false
	}

	for _, p := range m.excludes {
		if matchPattern(p, key) {
			return false
		}
	}
	return true
}

// Prefixes returns the deduplicated static prefixes of the include patterns,
// for scoping list requests. An empty string in the result means some
// pattern needs an unscoped listing.
func (m *Matcher) Prefixes() []string {
	return m.prefixes
}

func matchPattern(pattern, key string) bool {
	// Patterns were validated in New, so an error here cannot happen.
	ok, err := doublestar.Match(pattern, key)
	return err == nil && ok
}

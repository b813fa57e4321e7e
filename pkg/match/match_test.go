package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresIncludes(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoIncludes)

	_, err = New(Config{Excludes: []string{"data/_*"}})
	assert.ErrorIs(t, err, ErrNoIncludes)
}

func TestNew_RejectsBadPattern(t *testing.T) {
	_, err := New(Config{Includes: []string{"train/[oops"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPattern)

	var perr *PatternError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "train/[oops", perr.Pattern)

	_, err = New(Config{Includes: []string{"**"}, Excludes: []string{"val/[oops"}})
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestMatch_IncludesAndExcludes(t *testing.T) {
	m, err := New(Config{
		Includes: []string{"train/**/*.tfrecord", "val/**/*.tfrecord"},
		Excludes: []string{"**/_*"},
	})
	require.NoError(t, err)

	assert.True(t, m.Match("train/2024/shard-000.tfrecord"))
	assert.True(t, m.Match("val/shard-001.tfrecord"))

	// Wrong extension and wrong tree.
	assert.False(t, m.Match("train/2024/shard-000.parquet"))
	assert.False(t, m.Match("test/shard-000.tfrecord"))

	// Excluded job markers.
	assert.False(t, m.Match("train/2024/_SUCCESS.tfrecord"))
}

func TestMatch_ExcludeWinsOverInclude(t *testing.T) {
	m, err := New(Config{
		Includes: []string{"data/**"},
		Excludes: []string{"data/**"},
	})
	require.NoError(t, err)
	assert.False(t, m.Match("data/part-0.parquet"))
}

func TestMatch_HiddenKeys(t *testing.T) {
	m, err := New(Config{Includes: []string{"**"}})
	require.NoError(t, err)

	assert.True(t, m.Match("data/part-0.parquet"))
	assert.False(t, m.Match("data/.part-0.parquet.crc"))
	assert.False(t, m.Match(".cache/part-0.parquet"))

	hidden, err := New(Config{Includes: []string{"**"}, IncludeHidden: true})
	require.NoError(t, err)
	assert.True(t, hidden.Match("data/.part-0.parquet.crc"))
}

func TestMatch_WindowsSeparators(t *testing.T) {
	m, err := New(Config{Includes: []string{`train\2024\**`}})
	require.NoError(t, err)
	assert.True(t, m.Match("train/2024/shard-000.tfrecord"))
}

func TestPrefixes(t *testing.T) {
	m, err := New(Config{Includes: []string{"train/2024/**", "train/2025/**"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"train/2024/", "train/2025/"}, m.Prefixes())

	// A parent prefix subsumes its children.
	m, err = New(Config{Includes: []string{"train/**", "train/2024/**"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"train/"}, m.Prefixes())

	// A rootless glob forces an unscoped listing.
	m, err = New(Config{Includes: []string{"**/*.tfrecord", "train/**"}})
	require.NoError(t, err)
	assert.Equal(t, []string{""}, m.Prefixes())
}

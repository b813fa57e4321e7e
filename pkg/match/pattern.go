package match

import (
	"sort"
	"strings"
)

// Metacharacters a backslash escapes inside a glob.
const globEscapable = `*?[]{}\`

// NormalizePattern rewrites a user-written glob to canonical form:
// unescaped backslashes become forward slashes (Windows paths), while
// escape sequences for glob metacharacters are kept.
//
//	"train\2024\**"    -> "train/2024/**"
//	"data/file\*.bin"  -> "data/file\*.bin"
func NormalizePattern(pattern string) string {
	if !strings.ContainsRune(pattern, '\\') {
		return pattern
	}

	var b strings.Builder
	b.Grow(len(pattern))
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '\\' {
			b.WriteRune(r)
			continue
		}
		if i+1 < len(runes) && strings.ContainsRune(globEscapable, runes[i+1]) {
			b.WriteRune('\\')
			b.WriteRune(runes[i+1])
			i++
			continue
		}
		b.WriteRune('/')
	}
	return b.String()
}

// IsHidden reports whether any key segment starts with a dot, the Unix
// hidden convention. "_SUCCESS" markers are not hidden; ".part-0.crc" is.
func IsHidden(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if seg != "" && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// DerivePrefix extracts the longest static prefix of a glob, truncated to a
// whole key segment, for scoping list requests.
//
//	"train/2024/**/*.tfrecord" -> "train/2024/"
//	"*.json"                   -> ""
//	"runs/resnet/model.pt"     -> "runs/resnet/model.pt"
//	"data/file\*.bin"          -> "data/file*.bin"
//
// Escaped metacharacters count as literals: they extend the prefix and are
// unescaped in the result, since store keys carry no escape syntax.
func DerivePrefix(pattern string) string {
	pattern = NormalizePattern(pattern)

	metaIdx := firstUnescapedMeta(pattern)
	if metaIdx == -1 {
		// Exact key, no glob.
		return unescape(pattern)
	}
	if metaIdx == 0 {
		return ""
	}

	// Cut back to the last complete segment, so "train/2024-*" scopes to
	// "train/" rather than the partial segment "train/2024-".
	prefix := pattern[:metaIdx]
	lastSlash := strings.LastIndex(prefix, "/")
	if lastSlash < 0 {
		return ""
	}
	return unescape(prefix[:lastSlash+1])
}

// DerivePrefixes derives a prefix per pattern, drops prefixes subsumed by a
// shorter one, and sorts the survivors. A pattern with no static prefix
// collapses the result to [""], meaning an unscoped listing.
func DerivePrefixes(patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}

	prefixes := make([]string, 0, len(patterns))
	for _, p := range patterns {
		prefix := DerivePrefix(p)
		if prefix == "" {
			return []string{""}
		}
		prefixes = append(prefixes, prefix)
	}

	// Shortest first so parents land before the children they subsume.
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) < len(prefixes[j]) })

	kept := make([]string, 0, len(prefixes))
	for _, candidate := range prefixes {
		subsumed := false
		for _, existing := range kept {
			if strings.HasPrefix(candidate, existing) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			kept = append(kept, candidate)
		}
	}

	sort.Strings(kept)
	return kept
}

// IsGlobPattern reports whether pattern contains an unescaped glob
// metacharacter. "runs/resnet/model\*.pt" is an exact key, not a glob.
func IsGlobPattern(pattern string) bool {
	return firstUnescapedMeta(pattern) != -1
}

// firstUnescapedMeta returns the index of the first glob metacharacter not
// preceded by an escaping backslash, or -1.
func firstUnescapedMeta(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c == '\\' && i+1 < len(pattern) {
			next := pattern[i+1]
			if next == '*' || next == '?' || next == '[' || next == '{' || next == '\\' {
				i++
			}
			continue
		}
		if c == '*' || c == '?' || c == '[' || c == '{' {
			return i
		}
	}
	return -1
}

// unescape strips escape backslashes so the prefix matches raw store keys.
func unescape(prefix string) string {
	if !strings.ContainsRune(prefix, '\\') {
		return prefix
	}

	var b strings.Builder
	b.Grow(len(prefix))
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '\\' && i+1 < len(prefix) && strings.ContainsRune(globEscapable, rune(prefix[i+1])) {
			b.WriteByte(prefix[i+1])
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

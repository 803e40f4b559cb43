// Package match selects campaign input files by doublestar glob patterns
// and by file attributes.
package match

import (
	"errors"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates include and exclude patterns against slash-separated
// paths relative to the input root. A path matches when it matches at least
// one include and no exclude. Safe for concurrent use.
type Matcher struct {
	includes      []string
	excludes      []string
	includeHidden bool
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns a path must match. Empty means "**".
	Includes []string

	// Excludes are glob patterns a path must not match.
	Excludes []string

	// IncludeHidden admits paths with a segment starting with '.'.
	IncludeHidden bool
}

var (
	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError names the offending pattern.
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

// New compiles cfg.
func New(cfg Config) (*Matcher, error) {
	includes := cfg.Includes
	if len(includes) == 0 {
		includes = []string{"**"}
	}
	inc, err := compile(includes)
	if err != nil {
		return nil, err
	}
	exc, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &Matcher{includes: inc, excludes: exc, includeHidden: cfg.IncludeHidden}, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		p := NormalizePattern(r)
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: r, Err: ErrInvalidPattern}
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether rel is selected.
func (m *Matcher) Match(rel string) bool {
	if !m.includeHidden && IsHidden(rel) {
		return false
	}
	if !anyMatch(m.includes, rel) {
		return false
	}
	return !anyMatch(m.excludes, rel)
}

// Roots returns the static directory part of every include, deduplicated
// so that no root lies inside another. "." means the whole tree.
func (m *Matcher) Roots() []string {
	roots := make([]string, 0, len(m.includes))
	for _, p := range m.includes {
		base, _ := doublestar.SplitPattern(p)
		if base == "" || base == "/" {
			base = "."
		}
		roots = append(roots, base)
	}
	sort.Slice(roots, func(i, j int) bool { return len(roots[i]) < len(roots[j]) })

	out := roots[:0]
	for _, r := range roots {
		covered := false
		for _, kept := range out {
			if kept == "." || r == kept || strings.HasPrefix(r, kept+"/") {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string { return append([]string(nil), m.includes...) }

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string { return append([]string(nil), m.excludes...) }

func anyMatch(patterns []string, rel string) bool {
	for _, p := range patterns {
		// Patterns are validated in New, so Match cannot fail here.
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// NormalizePattern turns unescaped backslashes into '/', keeping escapes of
// glob metacharacters, so "data\2024\*.tif" works on Windows shells.
func NormalizePattern(pattern string) string {
	const escapable = `*?[]{}\`
	var b strings.Builder
	b.Grow(len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(pattern) && strings.IndexByte(escapable, pattern[i+1]) >= 0 {
			b.WriteByte(c)
			b.WriteByte(pattern[i+1])
			i++
			continue
		}
		b.WriteByte('/')
	}
	return b.String()
}

// IsHidden reports whether any segment of rel starts with a dot. "." and
// ".." segments are not hidden.
func IsHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg != "." && seg != ".." && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

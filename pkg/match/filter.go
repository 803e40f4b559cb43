package match

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strconv"
	"strings"
	"time"
)

// FilterConfig holds attribute criteria from a manifest or CLI flags.
type FilterConfig struct {
	// MinSize and MaxSize are inclusive; "1KB" is 1000 bytes, "1KiB" 1024.
	MinSize string `json:"min_size,omitempty" yaml:"min_size,omitempty"`
	MaxSize string `json:"max_size,omitempty" yaml:"max_size,omitempty"`

	// ModifiedAfter is inclusive and ModifiedBefore exclusive. Both accept
	// "2024-01-15" or RFC 3339.
	ModifiedAfter  string `json:"modified_after,omitempty" yaml:"modified_after,omitempty"`
	ModifiedBefore string `json:"modified_before,omitempty" yaml:"modified_before,omitempty"`
}

// Filter errors.
var (
	ErrInvalidSize = errors.New("invalid size value")
	ErrInvalidDate = errors.New("invalid date value")
)

// Filter checks file attributes. The zero Filter admits everything.
type Filter struct {
	minSize int64
	maxSize int64
	after   time.Time
	before  time.Time
}

// NewFilter parses cfg.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	f := &Filter{minSize: -1, maxSize: -1}
	var err error
	if cfg.MinSize != "" {
		if f.minSize, err = ParseSize(cfg.MinSize); err != nil {
			return nil, fmt.Errorf("min size: %w", err)
		}
	}
	if cfg.MaxSize != "" {
		if f.maxSize, err = ParseSize(cfg.MaxSize); err != nil {
			return nil, fmt.Errorf("max size: %w", err)
		}
	}
	if f.minSize >= 0 && f.maxSize >= 0 && f.minSize > f.maxSize {
		return nil, fmt.Errorf("%w: min (%d) > max (%d)", ErrInvalidSize, f.minSize, f.maxSize)
	}
	if cfg.ModifiedAfter != "" {
		if f.after, err = ParseDate(cfg.ModifiedAfter); err != nil {
			return nil, fmt.Errorf("modified after: %w", err)
		}
	}
	if cfg.ModifiedBefore != "" {
		if f.before, err = ParseDate(cfg.ModifiedBefore); err != nil {
			return nil, fmt.Errorf("modified before: %w", err)
		}
	}
	if !f.after.IsZero() && !f.before.IsZero() && !f.after.Before(f.before) {
		return nil, fmt.Errorf("%w: modified after must precede modified before", ErrInvalidDate)
	}
	return f, nil
}

// Match reports whether info passes every configured bound. A nil Filter
// matches.
func (f *Filter) Match(info fs.FileInfo) bool {
	if f == nil {
		return true
	}
	size := info.Size()
	if f.minSize >= 0 && size < f.minSize {
		return false
	}
	if f.maxSize >= 0 && size > f.maxSize {
		return false
	}
	mod := info.ModTime()
	if !f.after.IsZero() && mod.Before(f.after) {
		return false
	}
	if !f.before.IsZero() && !mod.Before(f.before) {
		return false
	}
	return true
}

// String describes the active bounds.
func (f *Filter) String() string {
	if f == nil {
		return "none"
	}
	var parts []string
	if f.minSize >= 0 {
		parts = append(parts, "size>="+FormatSize(f.minSize))
	}
	if f.maxSize >= 0 {
		parts = append(parts, "size<="+FormatSize(f.maxSize))
	}
	if !f.after.IsZero() {
		parts = append(parts, "modified>="+f.after.Format(time.RFC3339))
	}
	if !f.before.IsZero() {
		parts = append(parts, "modified<"+f.before.Format(time.RFC3339))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	// Longest suffixes first so "KiB" is not read as "B".
	{"kib", 1 << 10}, {"mib", 1 << 20}, {"gib", 1 << 30}, {"tib", 1 << 40},
	{"kb", 1000}, {"mb", 1000 * 1000}, {"gb", 1000 * 1000 * 1000}, {"tb", 1000 * 1000 * 1000 * 1000},
	{"b", 1},
}

// ParseSize parses "1024", "10KB" or "1.5MiB" (case-insensitive).
func ParseSize(s string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidSize)
	}
	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(v, u.suffix) {
			mult = u.mult
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			break
		}
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 || math.IsInf(n, 0) || math.IsNaN(n) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	total := n * float64(mult)
	if total > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidSize, s)
	}
	return int64(total), nil
}

// FormatSize renders bytes with base-2 units.
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ParseDate parses a date or RFC 3339 timestamp into UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

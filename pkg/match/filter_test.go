package match

import (
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInfo struct {
	size int64
	mod  time.Time
}

func (f fakeInfo) Name() string       { return "f" }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() fs.FileMode  { return 0o644 }
func (f fakeInfo) ModTime() time.Time { return f.mod }
func (f fakeInfo) IsDir() bool        { return false }
func (f fakeInfo) Sys() any           { return nil }

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"1KB", 1000, false},
		{"1kib", 1024, false},
		{"1.5MiB", 1536 * 1024, false},
		{"2 GB", 2_000_000_000, false},
		{"10B", 10, false},
		{"", 0, true},
		{"-1", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSize)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512B", FormatSize(512))
	assert.Equal(t, "1.0KiB", FormatSize(1024))
	assert.Equal(t, "1.5MiB", FormatSize(1536*1024))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-01-15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), d)

	d, err = ParseDate("2024-01-15T10:30:00+05:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 5, 30, 0, 0, time.UTC), d)

	_, err = ParseDate("yesterday")
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestFilter(t *testing.T) {
	f, err := NewFilter(FilterConfig{
		MinSize:        "1KB",
		MaxSize:        "1MB",
		ModifiedAfter:  "2024-01-01",
		ModifiedBefore: "2024-02-01",
	})
	require.NoError(t, err)

	jan := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		info fakeInfo
		want bool
	}{
		{"inside", fakeInfo{5000, jan}, true},
		{"too small", fakeInfo{999, jan}, false},
		{"too large", fakeInfo{1_000_001, jan}, false},
		{"too old", fakeInfo{5000, jan.AddDate(-1, 0, 0)}, false},
		{"before is exclusive", fakeInfo{5000, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Match(tt.info))
		})
	}
	assert.Contains(t, f.String(), "size>=")

	var none *Filter
	assert.True(t, none.Match(fakeInfo{}))
	assert.Equal(t, "none", none.String())
}

func TestNewFilter_Invalid(t *testing.T) {
	tests := []FilterConfig{
		{MinSize: "2MB", MaxSize: "1MB"},
		{MinSize: "abc"},
		{ModifiedAfter: "2024-02-01", ModifiedBefore: "2024-01-01"},
		{ModifiedBefore: "soon"},
	}
	for _, cfg := range tests {
		_, err := NewFilter(cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}

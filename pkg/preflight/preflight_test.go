package preflight_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kioskbench/pkg/preflight"
	"github.com/3leaps/kioskbench/pkg/provider"
	"github.com/3leaps/kioskbench/pkg/provider/file"
)

type denyMultipartProvider struct{}

func (p *denyMultipartProvider) PutObject(ctx context.Context, key string, body io.Reader, n int64) error {
	return nil
}

func (p *denyMultipartProvider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	return nil, provider.ErrNotFound
}

func (p *denyMultipartProvider) Close() error {
	return nil
}

func (p *denyMultipartProvider) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	return "", &provider.ProviderError{Op: "CreateMultipartUpload", Provider: provider.ProviderS3, Key: key, Err: provider.ErrAccessDenied}
}

func (p *denyMultipartProvider) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return nil
}

// putOnlyProvider can write but not delete.
type putOnlyProvider struct {
	headErr error
	puts    int
}

func (p *putOnlyProvider) PutObject(ctx context.Context, key string, body io.Reader, n int64) error {
	p.puts++
	return nil
}

func (p *putOnlyProvider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	if p.headErr != nil {
		return nil, p.headErr
	}
	return nil, provider.ErrNotFound
}

func (p *putOnlyProvider) Close() error { return nil }

type fakeKiosk struct{ err error }

func (k fakeKiosk) Ping(ctx context.Context) error { return k.err }

func TestWriteProbe_MultipartAbort_Denied_Unit(t *testing.T) {
	rec, err := preflight.WriteProbe(t.Context(), &denyMultipartProvider{}, preflight.Spec{
		Mode:          preflight.ModeWriteProbe,
		ProbeStrategy: preflight.ProbeMultipartAbort,
		ProbePrefix:   "_kioskbench/probe/",
	})
	require.Error(t, err)
	require.NotNil(t, rec)

	failed, ok := preflight.Failed(rec)
	require.True(t, ok)
	assert.Equal(t, preflight.CapTargetWrite, failed.Capability)
	assert.Equal(t, "CreateMultipartUpload+Abort", failed.Method)
	assert.Equal(t, "ACCESS_DENIED", failed.ErrorCode)
}

func TestWriteProbe_PutDelete_File(t *testing.T) {
	dir := t.TempDir()
	p, err := file.New(file.Config{BaseDir: dir})
	require.NoError(t, err)

	// The file provider has no multipart support, so the default strategy
	// falls back to put-delete.
	rec, err := preflight.WriteProbe(t.Context(), p, preflight.Spec{Mode: preflight.ModeWriteProbe})
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)
	assert.True(t, rec.Results[0].Allowed)
	assert.Equal(t, "PutObject+Delete", rec.Results[0].Method)

	entries, err := os.ReadDir(filepath.Join(dir, "_kioskbench", "probe"))
	require.NoError(t, err)
	assert.Empty(t, entries, "probe object is removed")
}

func TestWriteProbe_NoDeleter(t *testing.T) {
	p := &putOnlyProvider{}
	rec, err := preflight.WriteProbe(t.Context(), p, preflight.Spec{Mode: preflight.ModeWriteProbe, ProbeStrategy: preflight.ProbePutDelete})
	require.Error(t, err)
	assert.Zero(t, p.puts, "nothing is written when it cannot be cleaned up")
	failed, ok := preflight.Failed(rec)
	require.True(t, ok)
	assert.Equal(t, "INTERNAL", failed.ErrorCode)
}

func TestCampaign(t *testing.T) {
	fileTarget := func(t *testing.T) provider.Provider {
		p, err := file.New(file.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		return p
	}
	tests := []struct {
		name       string
		mode       preflight.Mode
		kiosk      preflight.Pinger
		target     func(t *testing.T) provider.Provider
		wantErr    bool
		wantCaps   []string
		wantFailed string
	}{
		{
			name:     "plan only makes no calls",
			mode:     preflight.ModePlanOnly,
			kiosk:    fakeKiosk{err: errors.New("down")},
			wantCaps: nil,
		},
		{
			name:     "read safe with kiosk upload",
			mode:     preflight.ModeReadSafe,
			kiosk:    fakeKiosk{},
			wantCaps: []string{preflight.CapKioskReach},
		},
		{
			name:     "read safe with storage target",
			mode:     preflight.ModeReadSafe,
			kiosk:    fakeKiosk{},
			target:   fileTarget,
			wantCaps: []string{preflight.CapKioskReach, preflight.CapTargetHead},
		},
		{
			name:     "write probe",
			mode:     preflight.ModeWriteProbe,
			kiosk:    fakeKiosk{},
			target:   fileTarget,
			wantCaps: []string{preflight.CapKioskReach, preflight.CapTargetHead, preflight.CapTargetWrite},
		},
		{
			name:       "kiosk down stops early",
			mode:       preflight.ModeWriteProbe,
			kiosk:      fakeKiosk{err: errors.New("connection refused")},
			target:     fileTarget,
			wantErr:    true,
			wantCaps:   []string{preflight.CapKioskReach},
			wantFailed: preflight.CapKioskReach,
		},
		{
			name:  "head denied",
			mode:  preflight.ModeReadSafe,
			kiosk: fakeKiosk{},
			target: func(t *testing.T) provider.Provider {
				return &putOnlyProvider{headErr: provider.ErrAccessDenied}
			},
			wantErr:    true,
			wantCaps:   []string{preflight.CapKioskReach, preflight.CapTargetHead},
			wantFailed: preflight.CapTargetHead,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst provider.Provider
			if tt.target != nil {
				dst = tt.target(t)
			}
			rec, err := preflight.Campaign(t.Context(), tt.kiosk, dst, preflight.Spec{Mode: tt.mode})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.NotNil(t, rec)
			assert.Equal(t, string(tt.mode), rec.Mode)

			var caps []string
			for _, r := range rec.Results {
				caps = append(caps, r.Capability)
			}
			assert.Equal(t, tt.wantCaps, caps)

			failed, ok := preflight.Failed(rec)
			if tt.wantFailed == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.wantFailed, failed.Capability)
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := preflight.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, preflight.ModeReadSafe, m)

	m, err = preflight.ParseMode("write-probe")
	require.NoError(t, err)
	assert.Equal(t, preflight.ModeWriteProbe, m)

	_, err = preflight.ParseMode("reckless")
	require.Error(t, err)
}

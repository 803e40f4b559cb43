package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every config search path at an empty temp dir.
func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	SetConfigFile("")
	t.Cleanup(func() { SetConfigFile("") })
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
		assert.True(t, cfg.Health.Enabled)
		assert.False(t, cfg.Debug.Enabled)
		assert.Equal(t, 4, cfg.Workers)

		assert.Equal(t, "segmentation", cfg.Kiosk.JobType)
		assert.Equal(t, 64, cfg.Kiosk.ConcurrentRequestsPerHost)
		assert.Equal(t, 100*time.Millisecond, cfg.Campaign.StartDelay)
		assert.Equal(t, 10*time.Second, cfg.Campaign.RefreshRate)
		assert.Equal(t, 10*time.Second, cfg.Campaign.UpdateInterval)
		assert.Equal(t, time.Hour, cfg.Campaign.ExpireTime)
		assert.True(t, cfg.Campaign.RetryExpired)
		assert.Equal(t, "kiosk", cfg.Upload.Target)
		assert.Equal(t, "uploads", cfg.Upload.Prefix)
		assert.Equal(t, ".", cfg.Output.Dir)
		assert.False(t, cfg.Output.CalculateCost)
		assert.Equal(t, "prometheus-operator-grafana", cfg.Cost.GrafanaHost)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"campaign.start_delay": "250ms",
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 250*time.Millisecond, cfg.Campaign.StartDelay)
		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("KIOSKBENCH_PORT", "3000")
		t.Setenv("KIOSKBENCH_LOG_LEVEL", "warn")
		t.Setenv("KIOSKBENCH_METRICS_ENABLED", "false")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
	})

	t.Run("LegacyEnvNames", func(t *testing.T) {
		isolate(t)
		t.Setenv("API_HOST", "frontend.kiosk:8080")
		t.Setenv("MODEL", "NuclearSegmentation:2")
		t.Setenv("START_DELAY", "0.5")
		t.Setenv("MANAGER_REFRESH_RATE", "3")
		t.Setenv("NUM_GPUS", "4")
		t.Setenv("GRAFANA_PASSWORD", "hunter2")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "frontend.kiosk:8080", cfg.Kiosk.Host)
		assert.Equal(t, "NuclearSegmentation:2", cfg.Kiosk.Model)
		assert.Equal(t, 500*time.Millisecond, cfg.Campaign.StartDelay)
		assert.Equal(t, 3*time.Second, cfg.Campaign.RefreshRate)
		assert.Equal(t, 4, cfg.Output.NumGPUs)
		assert.Equal(t, "hunter2", cfg.Cost.GrafanaPassword)
	})

	t.Run("PrefixedEnvWinsOverLegacy", func(t *testing.T) {
		isolate(t)
		t.Setenv("API_HOST", "legacy")
		t.Setenv("KIOSKBENCH_API_HOST", "prefixed")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "prefixed", cfg.Kiosk.Host)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7000\n  host: filehost\nkiosk:\n  model: m:1\n"), 0o644))
		SetConfigFile(path)
		t.Setenv("KIOSKBENCH_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)

		assert.Equal(t, 5000, cfg.Server.Port)
		assert.Equal(t, "filehost", cfg.Server.Host)
		assert.Equal(t, "m:1", cfg.Kiosk.Model)

		cfg, err = Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4000, cfg.Server.Port)
	})

	t.Run("UserConfigFile", func(t *testing.T) {
		isolate(t)
		home := os.Getenv("HOME")
		dir := filepath.Join(home, ".config", "kioskbench")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
			[]byte("campaign:\n  expire_time: 120\n  retry_expired: false\n"), 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Minute, cfg.Campaign.ExpireTime)
		assert.False(t, cfg.Campaign.RetryExpired)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load(ctx)
		require.Error(t, err)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		isolate(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		want      string
	}{
		{"log level", map[string]any{"logging.level": "loud"}, "logging.level"},
		{"profile", map[string]any{"logging.profile": "pretty"}, "logging.profile"},
		{"port", map[string]any{"server.port": 70000}, "server.port"},
		{"negative delay", map[string]any{"campaign.start_delay": "-1s"}, "campaign.start_delay"},
		{"bad duration", map[string]any{"campaign.refresh_rate": "soon"}, "soon"},
		{"num gpus", map[string]any{"output.num_gpus": -1}, "num_gpus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(context.Background(), tt.overrides)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), map[string]any{"server.port": 8181})
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _ = Identity() }()

	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	_ = Identity()
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "KIOSKBENCH_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	for _, want := range []string{"KIOSKBENCH_LOG_LEVEL", "KIOSKBENCH_PORT", "KIOSKBENCH_API_HOST", "KIOSKBENCH_NUM_GPUS"} {
		assert.True(t, names[want], want)
	}
}

func TestDefaultRegistryDir(t *testing.T) {
	dir, err := DefaultRegistryDir()
	require.NoError(t, err)
	assert.Equal(t, "campaigns", filepath.Base(dir))
	assert.Contains(t, dir, "kioskbench")
}

package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kioskbench/internal/observability"
	"github.com/3leaps/kioskbench/pkg/orchestrator"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		// Save and restore
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		result := GetAppIdentity()
		assert.Nil(t, result)
	})

	t.Run("returns identity after set", func(t *testing.T) {
		// If appIdentity is already set from other tests, verify it returns
		if appIdentity != nil {
			result := GetAppIdentity()
			assert.NotNil(t, result)
			assert.Equal(t, appIdentity, result)
		}
	})
}

func TestSetDefaults(t *testing.T) {
	viper.Reset()
	defer func() {
		viper.Reset()
		setDefaults()
	}()

	// Call setDefaults
	setDefaults()

	// Verify server defaults
	assert.Equal(t, "localhost", viper.GetString("server.host"))
	assert.Equal(t, 8080, viper.GetInt("server.port"))
	assert.Equal(t, "30s", viper.GetString("server.read_timeout"))
	assert.Equal(t, "30s", viper.GetString("server.write_timeout"))
	assert.Equal(t, "120s", viper.GetString("server.idle_timeout"))
	assert.Equal(t, "10s", viper.GetString("server.shutdown_timeout"))

	// Verify logging defaults
	assert.Equal(t, "info", viper.GetString("logging.level"))
	assert.Equal(t, "structured", viper.GetString("logging.profile"))

	// Verify metrics defaults
	assert.True(t, viper.GetBool("metrics.enabled"))
	assert.Equal(t, 9090, viper.GetInt("metrics.port"))

	// Verify health defaults
	assert.True(t, viper.GetBool("health.enabled"))

	// Verify worker defaults
	assert.Equal(t, 4, viper.GetInt("workers"))

	// Verify debug defaults
	assert.False(t, viper.GetBool("debug.enabled"))
	assert.False(t, viper.GetBool("debug.pprof_enabled"))

	// Verify campaign defaults
	assert.Equal(t, "segmentation", viper.GetString("kiosk.job_type"))
	assert.Equal(t, 64, viper.GetInt("kiosk.concurrent_requests_per_host"))
	assert.Equal(t, "100ms", viper.GetString("campaign.start_delay"))
	assert.True(t, viper.GetBool("campaign.retry_expired"))
	assert.Equal(t, "kiosk", viper.GetString("upload.target"))
}

func TestConsoleProfile(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"doctor", observability.ProfileConsole},
		{"version", observability.ProfileConsole},
		{"benchmark", observability.ProfileStructured},
		{"batch", observability.ProfileStructured},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			cmd := &cobra.Command{Use: tt.command}
			assert.Equal(t, tt.want, consoleProfile(cmd, observability.ProfileStructured))
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("bucket missing")
	err := exitError(foundry.ExitExternalServiceUnavailable, "Upload failed", cause)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, exitErr.Code)
	assert.Equal(t, "Upload failed: bucket missing", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "bare", (&ExitError{Message: "bare"}).Error())
}

func TestExitError_ConfigErrorIsUsage(t *testing.T) {
	cfgErr := &orchestrator.ConfigError{Field: "model", Value: "bad", Err: errors.New("must be <name>:<version>")}
	err := exitError(foundry.ExitFailure, "Invalid campaign configuration", fmt.Errorf("new: %w", cfgErr))

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, foundry.ExitInvalidArgument, exitErr.Code)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"benchmark", "batch", "campaigns", "doctor", "preflight", "version"} {
		assert.True(t, names[want], want)
	}
}

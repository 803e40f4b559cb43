package cmd

import (
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kioskbench/pkg/preflight"
)

func setPreflightFlags(t *testing.T, host, target, mode, strategy string) {
	t.Helper()
	oh, ot, om, ostrat := preflightHost, preflightTarget, preflightMode, preflightProbeStrategy
	t.Cleanup(func() { preflightHost, preflightTarget, preflightMode, preflightProbeStrategy = oh, ot, om, ostrat })
	preflightHost, preflightTarget, preflightMode, preflightProbeStrategy = host, target, mode, strategy
	preflightProbePrefix = preflight.DefaultProbePrefix
}

func preflightCommand(t *testing.T) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(t.Context())
	return cmd
}

func TestRunPreflight(t *testing.T) {
	withConfig(t, testConfig(t))
	_, srv := newFakeKiosk(t)

	tests := []struct {
		name     string
		host     string
		target   string
		mode     string
		strategy string
		readonly bool
		wantCode int
	}{
		{name: "plan only", target: "s3://bench/x", mode: "plan-only", strategy: "multipart-abort"},
		{name: "kiosk reachable", host: srv.URL, mode: "read-safe", strategy: "multipart-abort"},
		{name: "file write probe", target: "file://" + t.TempDir(), mode: "write-probe", strategy: "put-delete"},
		{name: "bad mode", mode: "loud", strategy: "put-delete", wantCode: foundry.ExitInvalidArgument},
		{name: "bad strategy", mode: "read-safe", strategy: "yolo", wantCode: foundry.ExitInvalidArgument},
		{name: "nothing to probe", mode: "read-safe", strategy: "put-delete", wantCode: foundry.ExitInvalidArgument},
		{name: "readonly write probe", target: "file:///tmp", mode: "write-probe", strategy: "put-delete", readonly: true, wantCode: foundry.ExitInvalidArgument},
		{name: "kiosk down", host: "http://127.0.0.1:1", mode: "read-safe", strategy: "put-delete", wantCode: foundry.ExitExternalServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setPreflightFlags(t, tt.host, tt.target, tt.mode, tt.strategy)
			orig := readOnly
			readOnly = tt.readonly
			defer func() { readOnly = orig }()

			err := runPreflight(preflightCommand(t), nil)
			if tt.wantCode == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, exitCode(t, err))
		})
	}
}

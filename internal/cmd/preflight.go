package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/kioskbench/internal/observability"
	"github.com/3leaps/kioskbench/pkg/kiosk"
	"github.com/3leaps/kioskbench/pkg/output"
	"github.com/3leaps/kioskbench/pkg/preflight"
	"github.com/3leaps/kioskbench/pkg/provider"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Probe the kiosk and upload target before a campaign",
	Long: `Probe the kiosk and the upload target without creating any job.

The command emits one JSONL preflight record (kioskbench.preflight.v1) on
stdout and exits non-zero when a check is denied.

Examples:
  # Plan-only: no remote calls
  kioskbench preflight --host kiosk.example.com --mode plan-only

  # Read-safe: kiosk reachability and a HEAD against the target
  kioskbench preflight --host kiosk.example.com --upload-target s3://bench/uploads

  # Write-probe: create and abort a multipart upload under the probe prefix
  kioskbench preflight --upload-target s3://bench/uploads --mode write-probe`,
	Args: cobra.NoArgs,
	RunE: runPreflight,
}

var (
	preflightHost          string
	preflightTarget        string
	preflightRegion        string
	preflightProfile       string
	preflightEndpoint      string
	preflightMode          string
	preflightProbeStrategy string
	preflightProbePrefix   string
)

func init() {
	rootCmd.AddCommand(preflightCmd)

	preflightCmd.Long += "\n\nSafety:\n- --readonly (or KIOSKBENCH_READONLY=1) refuses write-probe preflight."

	f := preflightCmd.Flags()
	f.StringVar(&preflightHost, "host", "", "Kiosk frontend address (default from config)")
	f.StringVar(&preflightTarget, "upload-target", "", "Upload target to probe (default from config)")
	f.StringVarP(&preflightRegion, "region", "r", "", "AWS region")
	f.StringVarP(&preflightProfile, "profile", "p", "", "AWS profile")
	f.StringVar(&preflightEndpoint, "endpoint", "", "Custom S3 endpoint")
	f.StringVar(&preflightMode, "mode", string(preflight.ModeReadSafe), "Preflight mode (plan-only|read-safe|write-probe)")
	f.StringVar(&preflightProbeStrategy, "probe-strategy", string(preflight.ProbeMultipartAbort), "Write probe strategy (multipart-abort|put-delete)")
	f.StringVar(&preflightProbePrefix, "probe-prefix", preflight.DefaultProbePrefix, "Probe prefix for write probes")
}

func runPreflight(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	mode, err := preflight.ParseMode(preflightMode)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --mode value", err)
	}
	if IsReadOnly() && mode == preflight.ModeWriteProbe {
		return exitError(foundry.ExitInvalidArgument, "readonly mode enabled: refusing write-probe preflight",
			fmt.Errorf("use --mode read-safe or unset KIOSKBENCH_READONLY"))
	}
	strategy := preflight.ProbeStrategy(preflightProbeStrategy)
	switch strategy {
	case preflight.ProbeMultipartAbort, preflight.ProbePutDelete:
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --probe-strategy value",
			fmt.Errorf("unsupported probe strategy: %s", preflightProbeStrategy))
	}

	host, target, opts := preflightHost, preflightTarget, StorageOptions{
		Region:   preflightRegion,
		Endpoint: preflightEndpoint,
		Profile:  preflightProfile,
	}
	prefix := ""
	if appConfig != nil {
		if host == "" {
			host = appConfig.Kiosk.Host
		}
		if target == "" {
			target = appConfig.Upload.Target
		}
		if opts.Region == "" {
			opts.Region = appConfig.Upload.Region
		}
		if opts.Endpoint == "" {
			opts.Endpoint = appConfig.Upload.Endpoint
		}
		if opts.Profile == "" {
			opts.Profile = appConfig.Upload.Profile
		}
		opts.ForcePathStyle = appConfig.Upload.ForcePathStyle
		prefix = appConfig.Upload.Prefix
	}

	spec := preflight.Spec{Mode: mode, ProbeStrategy: strategy, ProbePrefix: preflightProbePrefix}
	w := output.NewJSONLWriter(os.Stdout, uuid.NewString(), "preflight")
	defer func() { _ = w.Close() }()

	// Plan-only must not construct providers or reach any endpoint.
	if mode == preflight.ModePlanOnly {
		if _, err := resolveUploadTarget(ctx, target, prefix, opts, false); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid upload target", err)
		}
		rec, _ := preflight.Campaign(ctx, nil, nil, spec)
		return w.WritePreflight(ctx, rec)
	}

	var pinger preflight.Pinger
	if host != "" {
		kc, err := kiosk.New(kiosk.Config{Host: host}, nil, logger.Named("kiosk"))
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid kiosk host", err)
		}
		pinger = kc
	}

	dst, err := resolveUploadTarget(ctx, target, prefix, opts, true)
	if err != nil {
		logger.Error("Failed to open upload target", zap.String("target", target), zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to storage provider", err)
	}
	defer func() { _ = dst.Close() }()
	if pinger == nil && dst.Provider == nil {
		return exitError(foundry.ExitInvalidArgument, "Nothing to probe",
			fmt.Errorf("set --host or a storage --upload-target"))
	}

	rec, pfErr := preflight.Campaign(ctx, pinger, dst.Provider, spec)
	if err := w.WritePreflight(ctx, rec); err != nil {
		return err
	}
	if pfErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Preflight failed", pfErr)
	}
	return nil
}

// preflightErrorCode classifies a provider error for human output.
func preflightErrorCode(err error) string {
	switch {
	case provider.IsAccessDenied(err):
		return output.ErrCodeAccessDenied
	case provider.IsBucketNotFound(err), provider.IsNotFound(err):
		return output.ErrCodeNotFound
	case provider.IsThrottled(err):
		return output.ErrCodeThrottled
	default:
		return output.ErrCodeInternal
	}
}

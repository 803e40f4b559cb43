package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/kioskbench/internal/observability"
	"github.com/3leaps/kioskbench/pkg/kiosk"
	"github.com/3leaps/kioskbench/pkg/preflight"
)

var (
	doctorProvider string
	doctorTimeout  time.Duration
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Checks the Go runtime, the Crucible and gofulmen versions, the config and
registry directories, kiosk
reachability (when a host is configured) and the configured upload target.

Examples:
  kioskbench doctor                 # Full environment check
  kioskbench doctor --provider s3   # Also check AWS credentials`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 10*time.Second, "Timeout for each remote check")
}

func runDoctor(cmd *cobra.Command, args []string) {
	logger := observability.CLILogger
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	logger.Info("=== " + bannerName + " ===")
	logger.Info("")
	logger.Info("Running diagnostic checks...")
	logger.Info("")

	host, target := "", ""
	if appConfig != nil {
		host, target = appConfig.Kiosk.Host, appConfig.Upload.Target
	}
	s3Checks := doctorProvider == "s3"
	if t, err := ParseURI(target); err == nil && t.Provider == TargetS3 {
		s3Checks = true
	}

	allChecks := true
	checkNum := 1
	totalChecks := 7
	if s3Checks {
		totalChecks = 9
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		logger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		logger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible and gofulmen
	version := crucible.GetVersion()
	if version.Crucible != "" {
		logger.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s (gofulmen v%s)", checkNum, totalChecks, version.Crucible, version.Gofulmen),
			zap.String("crucible_version", version.Crucible),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		logger.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		logger.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
	} else {
		logger.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	// Check 4: Campaign registry
	if store, err := registryStore(); err != nil {
		logger.Error(fmt.Sprintf("[%d/%d] Checking campaign registry... ❌ %v", checkNum, totalChecks, err))
		allChecks = false
	} else if records, err := store.List(); err != nil {
		logger.Error(fmt.Sprintf("[%d/%d] Checking campaign registry... ❌ Cannot read %s", checkNum, totalChecks, store.RootDir()),
			zap.Error(err))
		allChecks = false
	} else {
		logger.Info(fmt.Sprintf("[%d/%d] Checking campaign registry... ✅ %s (%d campaigns)", checkNum, totalChecks, store.RootDir(), len(records)),
			zap.String("registry_dir", store.RootDir()))
	}
	checkNum++

	// Check 5: Environment
	logger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// Check 6: Kiosk reachability
	if host == "" {
		logger.Warn(fmt.Sprintf("[%d/%d] Checking kiosk... ⚠️  No kiosk host configured (set API_HOST or kiosk.host)", checkNum, totalChecks))
	} else if err := checkKiosk(cmd.Context(), host); err != nil {
		logger.Error(fmt.Sprintf("[%d/%d] Checking kiosk... ❌ %s unreachable", checkNum, totalChecks, host),
			zap.Error(err))
		allChecks = false
	} else {
		logger.Info(fmt.Sprintf("[%d/%d] Checking kiosk... ✅ %s", checkNum, totalChecks, kiosk.NormalizeHost(host)),
			zap.String("host", host))
	}
	checkNum++

	// Check 7: Upload target
	if !checkUploadTarget(cmd.Context(), target, checkNum, totalChecks) {
		allChecks = false
	}
	checkNum++

	if s3Checks {
		if !runS3Checks(cmd.Context(), checkNum, totalChecks) {
			allChecks = false
		}
	}

	logger.Info("")
	if allChecks {
		logger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		logger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	logger.Info("")
	logger.Info("=== End Diagnostics ===")
}

func checkKiosk(ctx context.Context, host string) error {
	kc, err := kiosk.New(kiosk.Config{Host: host}, nil, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	return kc.Ping(ctx)
}

// checkUploadTarget opens the configured target and runs a read-safe probe
// against it.
func checkUploadTarget(ctx context.Context, target string, checkNum, totalChecks int) bool {
	logger := observability.CLILogger
	opts := StorageOptions{}
	prefix := ""
	if appConfig != nil {
		opts = StorageOptions{
			Region:         appConfig.Upload.Region,
			Endpoint:       appConfig.Upload.Endpoint,
			Profile:        appConfig.Upload.Profile,
			ForcePathStyle: appConfig.Upload.ForcePathStyle,
		}
		prefix = appConfig.Upload.Prefix
	}

	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	t, err := resolveUploadTarget(ctx, target, prefix, opts, true)
	if err != nil {
		logger.Error(fmt.Sprintf("[%d/%d] Checking upload target... ❌ %s", checkNum, totalChecks, target),
			zap.Error(err))
		return false
	}
	defer func() { _ = t.Close() }()
	if t.Provider == nil {
		logger.Info(fmt.Sprintf("[%d/%d] Checking upload target... ✅ kiosk upload endpoint", checkNum, totalChecks))
		return true
	}

	rec, err := preflight.Campaign(ctx, nil, t.Provider, preflight.Spec{Mode: preflight.ModeReadSafe})
	if err != nil {
		code := preflightErrorCode(err)
		if failed, ok := preflight.Failed(rec); ok && failed.ErrorCode != "" {
			code = failed.ErrorCode
		}
		logger.Error(fmt.Sprintf("[%d/%d] Checking upload target... ❌ %s (%s)", checkNum, totalChecks, t.URI, code),
			zap.Error(err))
		if t.Kind == TargetS3 {
			printAWSCredentialsHelp()
		}
		return false
	}
	logger.Info(fmt.Sprintf("[%d/%d] Checking upload target... ✅ %s", checkNum, totalChecks, t.URI),
		zap.String("target", t.URI.String()))
	return true
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int) bool {
	logger := observability.CLILogger
	logger.Info("")
	logger.Info("S3 Provider Checks:")

	var loadOpts []func(*awsconfig.LoadOptions) error
	if appConfig != nil && appConfig.Upload.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(appConfig.Upload.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		logger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		logger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	logger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	logger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	logger := observability.CLILogger
	logger.Info("")
	logger.Info("To configure AWS credentials:")
	logger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	logger.Info("  2. Run 'aws configure' to set up a profile (then AWS_PROFILE), or")
	logger.Info("  3. Use an IAM role when running on AWS infrastructure")
	logger.Info("")
	logger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	logger.Info("  - S3_ENDPOINT or upload.endpoint in the config file")
	logger.Info("")
}

// Package cmd implements the kioskbench command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/kioskbench/internal/config"
	"github.com/3leaps/kioskbench/internal/observability"
	"github.com/3leaps/kioskbench/internal/server/handlers"
)

var (
	cfgFile  string
	verbose  bool
	logLevel string
	readOnly bool
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var appIdentity *config.AppIdentity

// appConfig is the configuration resolved before each command runs.
var appConfig *config.Config

// logClose flushes the configured logger at exit.
var logClose = func() {}

var rootCmd = &cobra.Command{
	Use:   "kioskbench",
	Short: "Load-test a kiosk cluster with campaigns of prediction jobs",
	Long: `kioskbench drives benchmarking campaigns against a kiosk cluster.

It creates many prediction jobs, staggers their submission, polls each job
until it reaches a final status, retries the ones that fail, and writes a
JSON report with timing and cluster cost once every job has expired.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
	PersistentPostRun: func(cmd *cobra.Command, args []string) { logClose() },
}

func init() {
	setDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $HOME/.config/kioskbench/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "readonly", false, "Refuse storage writes: no write probes and no report upload")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("readonly", rootCmd.PersistentFlags().Lookup("readonly"))
	_ = viper.BindEnv("readonly", "KIOSKBENCH_READONLY")
}

// SetVersionInfo records build metadata reported by `version` and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity resolved at startup, or nil before.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// IsReadOnly reports whether storage writes are disabled.
func IsReadOnly() bool {
	return readOnly || viper.GetBool("readonly")
}

// Execute runs the root command and exits with the mapped exit code.
func Execute() {
	ctx, stop := signalContext(context.Background())
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	logClose()
	if err == nil {
		return
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		stop()
		os.Exit(exitErr.Code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	stop()
	os.Exit(foundry.ExitFailure)
}

// setDefaults registers config defaults on the global viper instance, where
// flags bind.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// initApp resolves identity, configuration and logging for every command.
func initApp(cmd *cobra.Command, args []string) error {
	appIdentity = config.Identity()
	config.SetConfigFile(cfgFile)

	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging.level"] = logLevel
	}
	if verbose {
		overrides["logging.level"] = "debug"
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		return exitError(foundry.ExitConfigInvalid, "Invalid configuration", err)
	}
	appConfig = cfg

	closeFn, err := observability.ConfigureCLILogger(appIdentity.BinaryName, observability.LogConfig{
		Level:   cfg.Logging.Level,
		Profile: consoleProfile(cmd, cfg.Logging.Profile),
		File:    cfg.Logging.File,
	})
	if err != nil {
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		return exitError(foundry.ExitConfigInvalid, "Invalid logging configuration", err)
	}
	logClose = closeFn

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("command", cmd.CommandPath()),
		zap.String("log_level", cfg.Logging.Level),
		zap.String("config_file", cfgFile))
	return nil
}

// consoleProfile keeps interactive commands readable: doctor and version
// always log in console form.
func consoleProfile(cmd *cobra.Command, profile string) string {
	switch cmd.Name() {
	case "doctor", "version":
		return observability.ProfileConsole
	}
	return profile
}

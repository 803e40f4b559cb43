package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/kioskbench/internal/config"
	"github.com/3leaps/kioskbench/internal/observability"
	"github.com/3leaps/kioskbench/internal/server"
	"github.com/3leaps/kioskbench/internal/server/handlers"
	"github.com/3leaps/kioskbench/pkg/cost"
	"github.com/3leaps/kioskbench/pkg/inputs"
	"github.com/3leaps/kioskbench/pkg/jobregistry"
	"github.com/3leaps/kioskbench/pkg/kiosk"
	"github.com/3leaps/kioskbench/pkg/manifest"
	"github.com/3leaps/kioskbench/pkg/match"
	"github.com/3leaps/kioskbench/pkg/orchestrator"
	"github.com/3leaps/kioskbench/pkg/output"
	"github.com/3leaps/kioskbench/pkg/preflight"
	"github.com/3leaps/kioskbench/pkg/provider"
	"github.com/3leaps/kioskbench/pkg/upload"
)

// campaignOptions are the flags shared by benchmark and batch. Durations are
// strings so bare seconds work the same as in the environment.
type campaignOptions struct {
	manifestPath string
	name         string

	host        string
	model       string
	jobType     string
	scale       string
	label       string
	preprocess  string
	postprocess string
	rateLimit   float64
	concurrency int

	startDelay     string
	refreshRate    string
	updateInterval string
	expireTime     string
	retryExpired   bool

	uploadTarget string
	uploadPrefix string

	outputDir       string
	downloadDir     string
	uploadResults   bool
	downloadResults bool
	calculateCost   bool
	numGPUs         int

	events       string
	statusAddr   string
	preflight    string
	includes     []string
	excludes     []string
	skipArchives bool
	noRegistry   bool
	dryRun       bool
}

func addCampaignFlags(cmd *cobra.Command, o *campaignOptions) {
	f := cmd.Flags()
	f.StringVarP(&o.manifestPath, "manifest", "m", "", "Campaign manifest (YAML or JSON); flags override its values")
	f.StringVar(&o.name, "name", "", "Campaign name recorded in the registry")

	f.StringVar(&o.host, "host", "", "Kiosk frontend address (env API_HOST)")
	f.StringVar(&o.model, "model", "", "Model as <name>:<version> (env MODEL)")
	f.StringVar(&o.jobType, "job-type", "", "Job type (env JOB_TYPE)")
	f.StringVar(&o.scale, "scale", "", "Data scale sent with each job (env SCALE)")
	f.StringVar(&o.label, "label", "", "Data label sent with each job (env LABEL)")
	f.StringVar(&o.preprocess, "preprocess", "", "Preprocessing function (env PREPROCESS)")
	f.StringVar(&o.postprocess, "postprocess", "", "Postprocessing function (env POSTPROCESS)")
	f.Float64Var(&o.rateLimit, "rate-limit", 0, "Maximum kiosk requests per second (0 = unlimited)")
	f.IntVar(&o.concurrency, "concurrent-requests", 0, "Connections kept open to the kiosk (env CONCURRENT_REQUESTS_PER_HOST)")

	f.StringVar(&o.startDelay, "start-delay", "", "Stagger between job starts, seconds or duration (env START_DELAY)")
	f.StringVar(&o.refreshRate, "refresh-rate", "", "Convergence loop tick (env MANAGER_REFRESH_RATE)")
	f.StringVar(&o.updateInterval, "update-interval", "", "Per-job status polling interval (env UPDATE_INTERVAL)")
	f.StringVar(&o.expireTime, "expire-time", "", "TTL set on finished jobs (env EXPIRE_TIME)")
	f.BoolVar(&o.retryExpired, "retry-expired", true, "Restart failed jobs even after they expired")

	f.StringVar(&o.uploadTarget, "upload-target", "", "Upload target: kiosk, s3://bucket/prefix or file:///path")
	f.StringVar(&o.uploadPrefix, "upload-prefix", "", "Key prefix for uploaded inputs (env UPLOAD_PREFIX)")

	f.StringVarP(&o.outputDir, "output-dir", "o", "", "Directory for the report (env OUTPUT_DIR)")
	f.StringVar(&o.downloadDir, "download-dir", "", "Directory for downloaded results (env DOWNLOAD_DIR)")
	f.BoolVar(&o.uploadResults, "upload-results", false, "Upload the report under output/ on the storage target (ignored for the kiosk target)")
	f.BoolVar(&o.downloadResults, "download-results", false, "Download every job's output after the campaign")
	f.BoolVar(&o.calculateCost, "calculate-cost", false, "Estimate cluster cost through Grafana")
	f.IntVar(&o.numGPUs, "num-gpus", 0, "GPU count prefixed to the report filename (env NUM_GPUS)")

	f.StringVar(&o.events, "events", "", "Write JSONL progress events to a file, or - for stdout")
	f.StringVar(&o.statusAddr, "status-addr", "", "Serve /health, /v1/campaign and /metrics on host:port")
	f.StringVar(&o.preflight, "preflight", "", "Preflight mode (plan-only|read-safe|write-probe)")
	f.StringSliceVar(&o.includes, "include", nil, "Batch include glob (repeatable)")
	f.StringSliceVar(&o.excludes, "exclude", nil, "Batch exclude glob (repeatable)")
	f.BoolVar(&o.skipArchives, "skip-archives", false, "Ignore .zip inputs in batch mode")
	f.BoolVar(&o.noRegistry, "no-registry", false, "Do not record the campaign in the registry")
	f.BoolVar(&o.dryRun, "dry-run", false, "Print the resolved campaign and exit")
}

// manifestFromConfig expresses the loaded configuration as a manifest so
// config, manifest file and flags merge in one shape.
func manifestFromConfig(cfg *config.Config) *manifest.Manifest {
	m := &manifest.Manifest{Version: manifest.DefaultVersion}
	if cfg == nil {
		return m
	}
	m.Kiosk = manifest.KioskConfig{
		Host:                      cfg.Kiosk.Host,
		Model:                     cfg.Kiosk.Model,
		JobType:                   cfg.Kiosk.JobType,
		Scale:                     cfg.Kiosk.Scale,
		Label:                     cfg.Kiosk.Label,
		Preprocess:                cfg.Kiosk.Preprocess,
		Postprocess:               cfg.Kiosk.Postprocess,
		RateLimit:                 cfg.Kiosk.RateLimit,
		ConcurrentRequestsPerHost: cfg.Kiosk.ConcurrentRequestsPerHost,
	}
	m.Campaign = manifest.CampaignConfig{
		StartDelay:     manifest.NewDuration(cfg.Campaign.StartDelay),
		RefreshRate:    manifest.NewDuration(cfg.Campaign.RefreshRate),
		UpdateInterval: manifest.NewDuration(cfg.Campaign.UpdateInterval),
		ExpireTime:     manifest.NewDuration(cfg.Campaign.ExpireTime),
		RetryExpired:   manifest.Bool(cfg.Campaign.RetryExpired),
	}
	target := cfg.Upload.Target
	if strings.EqualFold(target, TargetS3) && cfg.Upload.Bucket != "" {
		target = "s3://" + cfg.Upload.Bucket
	}
	m.Upload = manifest.UploadConfig{
		Target:   target,
		Prefix:   cfg.Upload.Prefix,
		Region:   cfg.Upload.Region,
		Endpoint: cfg.Upload.Endpoint,
		Profile:  cfg.Upload.Profile,
	}
	m.Output = manifest.OutputConfig{
		Dir:             cfg.Output.Dir,
		DownloadDir:     cfg.Output.DownloadDir,
		UploadResults:   manifest.Bool(cfg.Output.UploadResults),
		DownloadResults: manifest.Bool(cfg.Output.DownloadResults),
		CalculateCost:   manifest.Bool(cfg.Output.CalculateCost),
		NumGPUs:         cfg.Output.NumGPUs,
	}
	m.Cost = manifest.CostConfig{
		GrafanaHost:     cfg.Cost.GrafanaHost,
		GrafanaUser:     cfg.Cost.GrafanaUser,
		GrafanaPassword: cfg.Cost.GrafanaPassword,
	}
	return m
}

// overlayManifest copies every non-zero field of src onto dst. Durations
// and booleans are copied whenever src gives them, so an explicit zero or
// false overrides dst.
func overlayManifest(dst, src *manifest.Manifest) {
	setString := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	setBool := func(d **bool, s *bool) {
		if s != nil {
			*d = manifest.Bool(*s)
		}
	}
	setDuration := func(d *manifest.Duration, s manifest.Duration) {
		if s.IsSet() {
			*d = s
		}
	}

	setString(&dst.Schema, src.Schema)
	setString(&dst.Version, src.Version)
	setString(&dst.Name, src.Name)

	setString(&dst.Kiosk.Host, src.Kiosk.Host)
	setString(&dst.Kiosk.Model, src.Kiosk.Model)
	setString(&dst.Kiosk.JobType, src.Kiosk.JobType)
	setString(&dst.Kiosk.Scale, src.Kiosk.Scale)
	setString(&dst.Kiosk.Label, src.Kiosk.Label)
	setString(&dst.Kiosk.Preprocess, src.Kiosk.Preprocess)
	setString(&dst.Kiosk.Postprocess, src.Kiosk.Postprocess)
	if src.Kiosk.RateLimit != 0 {
		dst.Kiosk.RateLimit = src.Kiosk.RateLimit
	}
	if src.Kiosk.ConcurrentRequestsPerHost != 0 {
		dst.Kiosk.ConcurrentRequestsPerHost = src.Kiosk.ConcurrentRequestsPerHost
	}

	setString(&dst.Campaign.Strategy, src.Campaign.Strategy)
	setString(&dst.Campaign.Input, src.Campaign.Input)
	if src.Campaign.Count != 0 {
		dst.Campaign.Count = src.Campaign.Count
	}
	setBool(&dst.Campaign.Upload, src.Campaign.Upload)
	setDuration(&dst.Campaign.StartDelay, src.Campaign.StartDelay)
	setDuration(&dst.Campaign.RefreshRate, src.Campaign.RefreshRate)
	setDuration(&dst.Campaign.UpdateInterval, src.Campaign.UpdateInterval)
	setDuration(&dst.Campaign.ExpireTime, src.Campaign.ExpireTime)
	setBool(&dst.Campaign.RetryExpired, src.Campaign.RetryExpired)

	if len(src.Match.Includes) > 0 {
		dst.Match.Includes = src.Match.Includes
	}
	if len(src.Match.Excludes) > 0 {
		dst.Match.Excludes = src.Match.Excludes
	}
	setBool(&dst.Match.IncludeHidden, src.Match.IncludeHidden)
	setBool(&dst.Match.SkipArchives, src.Match.SkipArchives)
	if src.Match.Filters != nil {
		dst.Match.Filters = src.Match.Filters
	}

	setString(&dst.Upload.Target, src.Upload.Target)
	setString(&dst.Upload.Prefix, src.Upload.Prefix)
	setString(&dst.Upload.Region, src.Upload.Region)
	setString(&dst.Upload.Endpoint, src.Upload.Endpoint)
	setString(&dst.Upload.Profile, src.Upload.Profile)

	setString(&dst.Output.Dir, src.Output.Dir)
	setString(&dst.Output.DownloadDir, src.Output.DownloadDir)
	setString(&dst.Output.Events, src.Output.Events)
	setBool(&dst.Output.UploadResults, src.Output.UploadResults)
	setBool(&dst.Output.DownloadResults, src.Output.DownloadResults)
	setBool(&dst.Output.CalculateCost, src.Output.CalculateCost)
	if src.Output.NumGPUs != 0 {
		dst.Output.NumGPUs = src.Output.NumGPUs
	}

	setString(&dst.Cost.GrafanaHost, src.Cost.GrafanaHost)
	setString(&dst.Cost.GrafanaUser, src.Cost.GrafanaUser)
	setString(&dst.Cost.GrafanaPassword, src.Cost.GrafanaPassword)

	setString(&dst.Preflight.Mode, src.Preflight.Mode)
	setString(&dst.Preflight.ProbePrefix, src.Preflight.ProbePrefix)
}

// applyFlags overlays the flags the user actually set.
func applyFlags(cmd *cobra.Command, o *campaignOptions, m *manifest.Manifest) error {
	changed := cmd.Flags().Changed
	str := func(flag string, dst *string, v string) {
		if changed(flag) {
			*dst = v
		}
	}
	dur := func(flag string, dst *manifest.Duration, v string) error {
		if !changed(flag) {
			return nil
		}
		d, err := manifest.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("--%s: %w", flag, err)
		}
		*dst = manifest.NewDuration(d)
		return nil
	}

	str("name", &m.Name, o.name)
	str("host", &m.Kiosk.Host, o.host)
	str("model", &m.Kiosk.Model, o.model)
	str("job-type", &m.Kiosk.JobType, o.jobType)
	str("scale", &m.Kiosk.Scale, o.scale)
	str("label", &m.Kiosk.Label, o.label)
	str("preprocess", &m.Kiosk.Preprocess, o.preprocess)
	str("postprocess", &m.Kiosk.Postprocess, o.postprocess)
	if changed("rate-limit") {
		m.Kiosk.RateLimit = o.rateLimit
	}
	if changed("concurrent-requests") {
		m.Kiosk.ConcurrentRequestsPerHost = o.concurrency
	}

	for _, d := range []struct {
		flag string
		dst  *manifest.Duration
		v    string
	}{
		{"start-delay", &m.Campaign.StartDelay, o.startDelay},
		{"refresh-rate", &m.Campaign.RefreshRate, o.refreshRate},
		{"update-interval", &m.Campaign.UpdateInterval, o.updateInterval},
		{"expire-time", &m.Campaign.ExpireTime, o.expireTime},
	} {
		if err := dur(d.flag, d.dst, d.v); err != nil {
			return err
		}
	}
	if changed("retry-expired") {
		m.Campaign.RetryExpired = manifest.Bool(o.retryExpired)
	}

	str("upload-target", &m.Upload.Target, o.uploadTarget)
	str("upload-prefix", &m.Upload.Prefix, o.uploadPrefix)

	str("output-dir", &m.Output.Dir, o.outputDir)
	str("download-dir", &m.Output.DownloadDir, o.downloadDir)
	str("events", &m.Output.Events, o.events)
	if changed("upload-results") {
		m.Output.UploadResults = manifest.Bool(o.uploadResults)
	}
	if changed("download-results") {
		m.Output.DownloadResults = manifest.Bool(o.downloadResults)
	}
	if changed("calculate-cost") {
		m.Output.CalculateCost = manifest.Bool(o.calculateCost)
	}
	if changed("num-gpus") {
		m.Output.NumGPUs = o.numGPUs
	}

	str("preflight", &m.Preflight.Mode, o.preflight)
	if changed("include") {
		m.Match.Includes = append(m.Match.Includes, o.includes...)
	}
	if changed("exclude") {
		m.Match.Excludes = append(m.Match.Excludes, o.excludes...)
	}
	if changed("skip-archives") {
		m.Match.SkipArchives = manifest.Bool(o.skipArchives)
	}
	return nil
}

// resolveManifest merges config, the optional manifest file, flags and the
// positional input into a validated manifest for strategy.
// adjust applies command-specific flags.
func resolveManifest(cmd *cobra.Command, o *campaignOptions, strategy string, args []string, adjust func(*manifest.Manifest)) (*manifest.Manifest, error) {
	m := manifestFromConfig(appConfig)
	if o.manifestPath != "" {
		file, err := manifest.Load(o.manifestPath)
		if err != nil {
			code := foundry.ExitInvalidArgument
			if errors.Is(err, fs.ErrNotExist) || strings.Contains(err.Error(), "not found") {
				code = foundry.ExitFileNotFound
			}
			return nil, exitError(code, "Invalid campaign manifest", err)
		}
		if file.Campaign.Strategy != strategy {
			return nil, exitError(foundry.ExitInvalidArgument, "Manifest strategy does not match the command",
				fmt.Errorf("manifest %s is a %s campaign; use `%s %s`", o.manifestPath,
					file.Campaign.Strategy, rootCmd.Name(), commandFor(file.Campaign.Strategy)))
		}
		overlayManifest(m, file)
	}
	m.Campaign.Strategy = strategy
	if len(args) > 0 {
		m.Campaign.Input = args[0]
	}
	if err := applyFlags(cmd, o, m); err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid flag value", err)
	}
	if adjust != nil {
		adjust(m)
	}
	if err := manifest.Validate(m); err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid campaign", err)
	}
	m.ApplyDefaults()
	return m, nil
}

func commandFor(strategy string) string {
	if strategy == manifest.StrategyBatch {
		return "batch"
	}
	return "benchmark"
}

// orchestratorConfig maps the resolved manifest onto the orchestrator's
// settings. Durations left unset fall back to the orchestrator defaults.
func orchestratorConfig(m *manifest.Manifest, target *UploadTarget, campaignID string) orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.CampaignID = campaignID
	cfg.Host = m.Kiosk.Host
	cfg.Model = m.Kiosk.Model
	if m.Kiosk.JobType != "" {
		cfg.JobType = m.Kiosk.JobType
	}
	cfg.DataScale = m.Kiosk.Scale
	cfg.DataLabel = m.Kiosk.Label
	cfg.Preprocess = m.Kiosk.Preprocess
	cfg.Postprocess = m.Kiosk.Postprocess
	cfg.RateLimit = m.Kiosk.RateLimit
	if m.Kiosk.ConcurrentRequestsPerHost > 0 {
		cfg.ConcurrentRequestsPerHost = m.Kiosk.ConcurrentRequestsPerHost
	}

	c := m.Campaign
	if c.StartDelay.IsSet() {
		cfg.StartDelay = c.StartDelay.Duration
	}
	if c.RefreshRate.IsSet() {
		cfg.RefreshRate = c.RefreshRate.Duration
	}
	if c.UpdateInterval.IsSet() {
		cfg.UpdateInterval = c.UpdateInterval.Duration
	}
	if c.ExpireTime.IsSet() {
		cfg.ExpireTime = c.ExpireTime.Duration
	}
	cfg.RetryExpired = c.RetryExpiredEnabled()
	cfg.UploadPrefix = target.Prefix

	cfg.NumGPUs = m.Output.NumGPUs
	cfg.OutputDir = m.Output.Dir
	cfg.DownloadDir = m.Output.DownloadDir
	cfg.UploadResults = manifest.BoolValue(m.Output.UploadResults) && !IsReadOnly()
	cfg.DownloadResults = manifest.BoolValue(m.Output.DownloadResults)
	cfg.CalculateCost = manifest.BoolValue(m.Output.CalculateCost)

	g := cost.DefaultConfig()
	if m.Cost.GrafanaHost != "" {
		g.Host = m.Cost.GrafanaHost
	}
	if m.Cost.GrafanaUser != "" {
		g.User = m.Cost.GrafanaUser
	}
	if m.Cost.GrafanaPassword != "" {
		g.Password = m.Cost.GrafanaPassword
	}
	cfg.Grafana = g
	return cfg
}

// inputOptions builds the batch discovery filters.
func inputOptions(m *manifest.Manifest) (inputs.Options, error) {
	matcher, err := match.New(m.Match.MatcherConfig())
	if err != nil {
		return inputs.Options{}, err
	}
	filter, err := match.NewFilter(m.Match.FilterConfig())
	if err != nil {
		return inputs.Options{}, err
	}
	return inputs.Options{Matcher: matcher, Filter: filter, SkipArchives: manifest.BoolValue(m.Match.SkipArchives)}, nil
}

// openEvents returns the JSONL writer for spec: empty discards, "-" or
// "stdout" and "stderr" write to the process streams, anything else is a
// file path.
func openEvents(spec, campaignID, strategy string) (output.Writer, func() error, error) {
	var w io.Writer
	closeFn := func() error { return nil }
	switch strings.TrimSpace(spec) {
	case "":
		return output.Discard{}, closeFn, nil
	case "-", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.Create(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("open events file: %w", err)
		}
		w = f
		closeFn = f.Close
	}
	jw := output.NewJSONLWriter(w, campaignID, strategy)
	return jw, func() error {
		_ = jw.Close()
		return closeFn()
	}, nil
}

// registryStore opens the campaign registry from configuration.
func registryStore() (*jobregistry.Store, error) {
	dir := ""
	if appConfig != nil {
		dir = appConfig.Registry.Dir
	}
	if dir == "" {
		var err error
		if dir, err = config.DefaultRegistryDir(); err != nil {
			return nil, err
		}
	}
	return jobregistry.NewStore(dir), nil
}

// startStatusServer serves the live campaign on addr until the returned
// stop function is called.
func startStatusServer(addr string, orc *orchestrator.Orchestrator, pinger preflight.Pinger, logger *zap.Logger) (func(), error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid --status-addr %q: %w", addr, err)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, portStr))
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("signals", signalHealthChecker{})
	hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	if id := GetAppIdentity(); id != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	if pinger != nil {
		hm.RegisterChecker("kiosk", handlers.CheckerFunc(pinger.Ping))
	}
	handlers.SetCampaignSource(orc)

	srv := server.New(host, port)
	if appConfig != nil {
		srv.SetTimeouts(appConfig.Server.ReadTimeout, appConfig.Server.WriteTimeout, appConfig.Server.IdleTimeout)
	}
	go func() {
		if err := srv.Serve(ln); err != nil {
			logger.Error("Status server stopped", zap.Error(err))
		}
	}()
	logger.Info("Serving campaign status", zap.String("addr", ln.Addr().String()))

	return func() {
		timeout := 10 * time.Second
		if appConfig != nil && appConfig.Server.ShutdownTimeout > 0 {
			timeout = appConfig.Server.ShutdownTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Status server shutdown", zap.Error(err))
		}
		handlers.SetCampaignSource(nil)
	}, nil
}

// runCampaignWith executes one campaign for strategy with the merged
// settings.
func runCampaignWith(cmd *cobra.Command, o *campaignOptions, strategy string, args []string, adjust func(*manifest.Manifest)) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	m, err := resolveManifest(cmd, o, strategy, args, adjust)
	if err != nil {
		return err
	}
	mode, err := preflight.ParseMode(m.Preflight.Mode)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid preflight mode", err)
	}
	if IsReadOnly() && mode == preflight.ModeWriteProbe {
		return exitError(foundry.ExitInvalidArgument, "readonly mode enabled: refusing write-probe preflight",
			fmt.Errorf("use --preflight read-safe or disable --readonly"))
	}
	storageOpts := StorageOptions{
		Region:   m.Upload.Region,
		Endpoint: m.Upload.Endpoint,
		Profile:  m.Upload.Profile,
	}
	if appConfig != nil {
		storageOpts.ForcePathStyle = appConfig.Upload.ForcePathStyle
	}

	if o.dryRun {
		if _, err := resolveUploadTarget(ctx, m.Upload.Target, m.Upload.Prefix, storageOpts, false); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid upload target", err)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return err
		}
		return enc.Close()
	}

	target, err := resolveUploadTarget(ctx, m.Upload.Target, m.Upload.Prefix, storageOpts, true)
	if err != nil {
		code := foundry.ExitExternalServiceUnavailable
		if errors.Is(err, ErrInvalidURI) || errors.Is(err, ErrUnsupportedProvider) || errors.Is(err, ErrMissingBucket) {
			code = foundry.ExitInvalidArgument
		}
		return exitError(code, "Failed to open upload target", err)
	}
	defer func() { _ = target.Close() }()

	campaignID := uuid.NewString()
	logger = logger.With(zap.String("campaign_id", campaignID), zap.String("strategy", strategy))

	events, closeEvents, err := openEvents(m.Output.Events, campaignID, strategy)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot open events stream", err)
	}
	defer func() { _ = closeEvents() }()

	cfg := orchestratorConfig(m, target, campaignID)
	httpClient := kiosk.NewHTTPClient(cfg.ConcurrentRequestsPerHost)
	kc, err := kiosk.New(kiosk.Config{
		Host:          cfg.Host,
		RetryInterval: cfg.UpdateInterval,
		RateLimit:     cfg.RateLimit,
	}, httpClient, logger.Named("kiosk"))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid kiosk host", err)
	}

	rec, pfErr := preflight.Campaign(ctx, kc, target.Provider, preflight.Spec{
		Mode:          mode,
		ProbeStrategy: preflight.ProbeMultipartAbort,
		ProbePrefix:   m.Preflight.ProbePrefix,
	})
	if err := events.WritePreflight(ctx, rec); err != nil {
		logger.Warn("Failed to write preflight record", zap.Error(err))
	}
	if pfErr != nil {
		if failed, ok := preflight.Failed(rec); ok {
			logger.Error("Preflight failed",
				zap.String("capability", failed.Capability),
				zap.String("error_code", failed.ErrorCode))
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Preflight failed", pfErr)
	}

	opts, err := inputOptions(m)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid input filters", err)
	}

	deps := orchestrator.Deps{
		Logger:     logger,
		Events:     events,
		HTTPClient: httpClient,
		Inputs:     opts,
		Metrics:    orchestrator.NewMetrics(observability.InitMetrics()),
	}
	if target.Provider != nil {
		deps.Gateway = upload.NewStorageGateway(target.Provider, logger.Named("upload"))
	}
	orc, err := orchestrator.New(cfg, deps)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid campaign configuration", err)
	}

	if o.statusAddr != "" {
		stop, err := startStatusServer(o.statusAddr, orc, kc, logger)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot start status server", err)
		}
		defer stop()
	}

	var recorder *jobregistry.Recorder
	if !o.noRegistry {
		recorder = beginRecord(m, o, target, campaignID, logger)
	}
	stopHeartbeat := heartbeat(ctx, recorder, orc, cfg.RefreshRate, logger)

	var res *orchestrator.Result
	switch strategy {
	case manifest.StrategyBatch:
		res, err = orc.RunBatch(ctx, m.Campaign.Input)
	default:
		res, err = orc.RunBurst(ctx, m.Campaign.Input, m.Campaign.Count, manifest.BoolValue(m.Campaign.Upload))
	}
	stopHeartbeat()

	if recorder != nil {
		outcome := jobregistry.Outcome{}
		if res != nil {
			outcome = jobregistry.Outcome{
				NumJobs:    res.Report.NumJobs,
				Restarts:   res.Restarts,
				ReportPath: res.ReportPath,
				UploadedAs: res.UploadedAs,
				TotalCost:  res.Report.TotalCost,
			}
		} else {
			p := orc.Progress()
			outcome.NumJobs, outcome.Restarts = p.Total, p.Restarts
		}
		var rerr error
		if err != nil {
			rerr = recorder.Fail(outcome, err)
		} else {
			rerr = recorder.Succeed(outcome)
		}
		if rerr != nil {
			logger.Warn("Failed to update campaign record", zap.Error(rerr))
		}
	}

	if err != nil {
		return campaignExitError(ctx, err)
	}
	logger.Info("Campaign complete",
		zap.Int("jobs", res.Report.NumJobs),
		zap.Int("restarts", res.Restarts),
		zap.Duration("elapsed", res.Elapsed),
		zap.String("report", res.ReportPath),
		zap.String("uploaded_as", res.UploadedAs))
	return nil
}

func beginRecord(m *manifest.Manifest, o *campaignOptions, target *UploadTarget, campaignID string, logger *zap.Logger) *jobregistry.Recorder {
	store, err := registryStore()
	if err != nil {
		logger.Warn("Campaign registry unavailable", zap.Error(err))
		return nil
	}
	uploadTarget := TargetKiosk
	if target.URI != nil {
		uploadTarget = target.URI.String()
	}
	recorder, err := jobregistry.Begin(store, jobregistry.Record{
		CampaignID:   campaignID,
		Name:         m.Name,
		Strategy:     m.Campaign.Strategy,
		Input:        m.Campaign.Input,
		Count:        m.Campaign.Count,
		ManifestPath: o.manifestPath,
		Target: &jobregistry.Target{
			Host:         kiosk.NormalizeHost(m.Kiosk.Host),
			Model:        m.Kiosk.Model,
			JobType:      m.Kiosk.JobType,
			UploadTarget: uploadTarget,
		},
	})
	if err != nil {
		logger.Warn("Failed to record campaign", zap.Error(err))
		return nil
	}
	return recorder
}

// heartbeat refreshes the registry record every interval until stopped.
func heartbeat(ctx context.Context, r *jobregistry.Recorder, orc *orchestrator.Orchestrator, interval time.Duration, logger *zap.Logger) func() {
	if r == nil || interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p := orc.Progress()
				if err := r.Heartbeat(p.Total, p.Restarts); err != nil {
					logger.Debug("Heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// campaignExitError maps a failed run onto an exit code.
func campaignExitError(ctx context.Context, err error) error {
	var pe *provider.ProviderError
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, "Campaign interrupted", err)
	case errors.Is(err, fs.ErrNotExist):
		return exitError(foundry.ExitFileNotFound, "Campaign input not found", err)
	case errors.As(err, &pe):
		return exitError(foundry.ExitExternalServiceUnavailable, "Upload failed", err)
	default:
		return exitError(foundry.ExitFailure, "Campaign failed", err)
	}
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/kioskbench/pkg/manifest"
)

// ErrInvalidConfig wraps every validation failure returned by Load.
var ErrInvalidConfig = errors.New("invalid configuration")

// AppIdentity names the binary and the places its configuration lives.
type AppIdentity struct {
	BinaryName string
	Vendor     string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the kioskbench identity.
func DefaultIdentity() *AppIdentity {
	return &AppIdentity{
		BinaryName: "kioskbench",
		Vendor:     "3leaps",
		EnvPrefix:  "KIOSKBENCH_",
		ConfigName: "kioskbench",
	}
}

// EnvSpec maps environment variables onto a config path. Name carries the
// application prefix and wins over Legacy, the unprefixed name older
// deployments export.
type EnvSpec struct {
	Name   string
	Legacy string
	Path   string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// SetConfigFile makes Load read path instead of searching the user config
// directories. An empty path restores the search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Identity returns the application identity, initializing the default.
func Identity() *AppIdentity {
	configMu.Lock()
	defer configMu.Unlock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	id := *appIdentity
	return &id
}

// Load resolves the configuration. Later sources win: defaults, the config
// file, the environment, then each overrides map in order. Nested override
// maps address nested keys ({"server": {"port": 9000}}); dotted keys work
// too.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}

	v := viper.New()
	SetDefaults(v)

	path, explicit := configFile, configFile != ""
	if !explicit {
		for _, candidate := range getUserConfigPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	for _, spec := range getEnvSpecs() {
		names := []string{spec.Path, spec.Name}
		if spec.Legacy != "" {
			names = append(names, spec.Legacy)
		}
		if err := v.BindEnv(names...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	appConfig = &cfg
	out := cfg
	return &out, nil
}

// GetConfig returns the last configuration Load produced, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	if appConfig == nil {
		return nil
	}
	out := *appConfig
	return &out
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("logging.file", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
	v.SetDefault("workers", 4)

	v.SetDefault("kiosk.host", "")
	v.SetDefault("kiosk.model", "")
	v.SetDefault("kiosk.job_type", "segmentation")
	v.SetDefault("kiosk.scale", "")
	v.SetDefault("kiosk.label", "")
	v.SetDefault("kiosk.preprocess", "")
	v.SetDefault("kiosk.postprocess", "")
	v.SetDefault("kiosk.rate_limit", 0)
	v.SetDefault("kiosk.concurrent_requests_per_host", 64)

	v.SetDefault("campaign.start_delay", "100ms")
	v.SetDefault("campaign.refresh_rate", "10s")
	v.SetDefault("campaign.update_interval", "10s")
	v.SetDefault("campaign.expire_time", "1h")
	v.SetDefault("campaign.retry_expired", true)

	v.SetDefault("upload.target", "kiosk")
	v.SetDefault("upload.prefix", "uploads")
	v.SetDefault("upload.bucket", "")
	v.SetDefault("upload.region", "")
	v.SetDefault("upload.endpoint", "")
	v.SetDefault("upload.profile", "")
	v.SetDefault("upload.force_path_style", false)

	v.SetDefault("output.dir", ".")
	v.SetDefault("output.download_dir", "")
	v.SetDefault("output.upload_results", false)
	v.SetDefault("output.download_results", false)
	v.SetDefault("output.calculate_cost", false)
	v.SetDefault("output.num_gpus", 0)

	v.SetDefault("cost.grafana_host", "prometheus-operator-grafana")
	v.SetDefault("cost.grafana_user", "admin")
	v.SetDefault("cost.grafana_password", "prom-operator")

	v.SetDefault("registry.dir", "")
}

// getEnvSpecs lists the environment bindings. It is empty until an
// identity is set.
func getEnvSpecs() []EnvSpec {
	if appIdentity == nil {
		return []EnvSpec{}
	}
	p := appIdentity.EnvPrefix
	specs := []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Legacy: "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "LOG_FILE", Path: "logging.file"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "METRICS_PORT", Path: "metrics.port"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "DEBUG", Path: "debug.enabled"},
		{Name: p + "WORKERS", Path: "workers"},

		{Name: p + "API_HOST", Legacy: "API_HOST", Path: "kiosk.host"},
		{Name: p + "MODEL", Legacy: "MODEL", Path: "kiosk.model"},
		{Name: p + "JOB_TYPE", Legacy: "JOB_TYPE", Path: "kiosk.job_type"},
		{Name: p + "SCALE", Legacy: "SCALE", Path: "kiosk.scale"},
		{Name: p + "LABEL", Legacy: "LABEL", Path: "kiosk.label"},
		{Name: p + "PREPROCESS", Legacy: "PREPROCESS", Path: "kiosk.preprocess"},
		{Name: p + "POSTPROCESS", Legacy: "POSTPROCESS", Path: "kiosk.postprocess"},
		{Name: p + "RATE_LIMIT", Path: "kiosk.rate_limit"},
		{Name: p + "CONCURRENT_REQUESTS_PER_HOST", Legacy: "CONCURRENT_REQUESTS_PER_HOST", Path: "kiosk.concurrent_requests_per_host"},

		{Name: p + "START_DELAY", Legacy: "START_DELAY", Path: "campaign.start_delay"},
		{Name: p + "MANAGER_REFRESH_RATE", Legacy: "MANAGER_REFRESH_RATE", Path: "campaign.refresh_rate"},
		{Name: p + "UPDATE_INTERVAL", Legacy: "UPDATE_INTERVAL", Path: "campaign.update_interval"},
		{Name: p + "EXPIRE_TIME", Legacy: "EXPIRE_TIME", Path: "campaign.expire_time"},
		{Name: p + "RETRY_EXPIRED", Path: "campaign.retry_expired"},

		{Name: p + "UPLOAD_TARGET", Path: "upload.target"},
		{Name: p + "UPLOAD_PREFIX", Legacy: "UPLOAD_PREFIX", Path: "upload.prefix"},
		{Name: p + "STORAGE_BUCKET", Legacy: "STORAGE_BUCKET", Path: "upload.bucket"},
		{Name: p + "AWS_REGION", Path: "upload.region"},
		{Name: p + "S3_ENDPOINT", Path: "upload.endpoint"},
		{Name: p + "AWS_PROFILE", Path: "upload.profile"},

		{Name: p + "OUTPUT_DIR", Legacy: "OUTPUT_DIR", Path: "output.dir"},
		{Name: p + "DOWNLOAD_DIR", Legacy: "DOWNLOAD_DIR", Path: "output.download_dir"},
		{Name: p + "UPLOAD_RESULTS", Path: "output.upload_results"},
		{Name: p + "DOWNLOAD_RESULTS", Path: "output.download_results"},
		{Name: p + "CALCULATE_COST", Path: "output.calculate_cost"},
		{Name: p + "NUM_GPUS", Legacy: "NUM_GPUS", Path: "output.num_gpus"},

		{Name: p + "GRAFANA_HOST", Legacy: "GRAFANA_HOST", Path: "cost.grafana_host"},
		{Name: p + "GRAFANA_USER", Legacy: "GRAFANA_USER", Path: "cost.grafana_user"},
		{Name: p + "GRAFANA_PASSWORD", Legacy: "GRAFANA_PASSWORD", Path: "cost.grafana_password"},

		{Name: p + "REGISTRY_DIR", Path: "registry.dir"},
	}
	return specs
}

// getUserConfigPaths returns the candidate config files, most specific
// first. It is empty until an identity is set.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	name := appIdentity.ConfigName
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, name, "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", name, "config.yaml")
		if len(paths) == 0 || paths[0] != p {
			paths = append(paths, p)
		}
	}
	return paths
}

// DefaultRegistryDir is where campaign records live when registry.dir is
// unset: the "campaigns" directory under the gofulmen app data dir.
func DefaultRegistryDir() (string, error) {
	dataDir := gfconfig.GetAppDataDir(Identity().ConfigName)
	if dataDir == "" {
		return "", errors.New("cannot resolve the application data directory")
	}
	return filepath.Join(dataDir, "campaigns"), nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		secondsOrDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// secondsOrDurationHook decodes durations from Go duration strings ("1m30s")
// or from bare numbers, which are seconds ("0.1", 10).
func secondsOrDurationHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return manifest.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		}
		return data, nil
	}
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToLower(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Upload.Target = strings.TrimSpace(cfg.Upload.Target)
}

func validate(cfg *Config) error {
	var problems []string
	if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
		problems = append(problems, fmt.Sprintf("logging.level %q is not a log level", cfg.Logging.Level))
	}
	switch cfg.Logging.Profile {
	case "structured", "console":
	default:
		problems = append(problems, fmt.Sprintf("logging.profile %q must be structured or console", cfg.Logging.Profile))
	}
	for _, port := range []struct {
		name  string
		value int
	}{{"server.port", cfg.Server.Port}, {"metrics.port", cfg.Metrics.Port}} {
		if port.value < 0 || port.value > 65535 {
			problems = append(problems, fmt.Sprintf("%s %d is out of range", port.name, port.value))
		}
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"campaign.start_delay", cfg.Campaign.StartDelay},
		{"campaign.refresh_rate", cfg.Campaign.RefreshRate},
		{"campaign.update_interval", cfg.Campaign.UpdateInterval},
		{"campaign.expire_time", cfg.Campaign.ExpireTime},
	}
	for _, d := range durations {
		if d.value < 0 {
			problems = append(problems, fmt.Sprintf("%s must not be negative", d.name))
		}
	}
	if cfg.Kiosk.ConcurrentRequestsPerHost < 0 {
		problems = append(problems, "kiosk.concurrent_requests_per_host must not be negative")
	}
	if cfg.Kiosk.RateLimit < 0 {
		problems = append(problems, "kiosk.rate_limit must not be negative")
	}
	if cfg.Output.NumGPUs < 0 {
		problems = append(problems, "output.num_gpus must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Package config loads kioskbench settings from defaults, an optional YAML
// config file, the environment and runtime overrides, in that order of
// precedence.
package config

import "time"

// Config is the fully resolved application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Workers  int            `mapstructure:"workers"`
	Kiosk    KioskConfig    `mapstructure:"kiosk"`
	Campaign CampaignConfig `mapstructure:"campaign"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Output   OutputConfig   `mapstructure:"output"`
	Cost     CostConfig     `mapstructure:"cost"`
	Registry RegistryConfig `mapstructure:"registry"`
}

// ServerConfig configures the campaign status server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects the log level, encoding profile and optional file.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
	File    string `mapstructure:"file"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// KioskConfig describes the cluster under test and the jobs sent to it.
// Scale and Label stay strings so an empty value means "let the cluster
// detect it"; the orchestrator parses them.
type KioskConfig struct {
	Host                      string  `mapstructure:"host"`
	Model                     string  `mapstructure:"model"`
	JobType                   string  `mapstructure:"job_type"`
	Scale                     string  `mapstructure:"scale"`
	Label                     string  `mapstructure:"label"`
	Preprocess                string  `mapstructure:"preprocess"`
	Postprocess               string  `mapstructure:"postprocess"`
	RateLimit                 float64 `mapstructure:"rate_limit"`
	ConcurrentRequestsPerHost int     `mapstructure:"concurrent_requests_per_host"`
}

// CampaignConfig holds the pacing of a campaign. Bare numbers in the file or
// environment are seconds.
type CampaignConfig struct {
	StartDelay     time.Duration `mapstructure:"start_delay"`
	RefreshRate    time.Duration `mapstructure:"refresh_rate"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	ExpireTime     time.Duration `mapstructure:"expire_time"`
	RetryExpired   bool          `mapstructure:"retry_expired"`
}

// UploadConfig selects where inputs are uploaded. Target is "kiosk" or a
// storage URI (s3://bucket/prefix, file:///path).
type UploadConfig struct {
	Target   string `mapstructure:"target"`
	Prefix   string `mapstructure:"prefix"`
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Profile  string `mapstructure:"profile"`

	ForcePathStyle bool `mapstructure:"force_path_style"`
}

type OutputConfig struct {
	Dir             string `mapstructure:"dir"`
	DownloadDir     string `mapstructure:"download_dir"`
	UploadResults   bool   `mapstructure:"upload_results"`
	DownloadResults bool   `mapstructure:"download_results"`
	CalculateCost   bool   `mapstructure:"calculate_cost"`
	NumGPUs         int    `mapstructure:"num_gpus"`
}

// CostConfig points at the Grafana instance fronting cluster Prometheus.
type CostConfig struct {
	GrafanaHost     string `mapstructure:"grafana_host"`
	GrafanaUser     string `mapstructure:"grafana_user"`
	GrafanaPassword string `mapstructure:"grafana_password"`
}

// RegistryConfig locates the campaign registry. Empty means the user data
// directory.
type RegistryConfig struct {
	Dir string `mapstructure:"dir"`
}

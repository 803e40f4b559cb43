package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/kioskbench/pkg/cost"
)

// Config holds the campaign-wide settings.
type Config struct {
	// Host is the kiosk frontend. A missing scheme defaults to http.
	Host string

	// Model is "<name>:<version>" or empty to let the cluster choose.
	Model   string
	JobType string

	// DataScale and DataLabel are optional numbers, given as text.
	DataScale string
	DataLabel string

	Preprocess   string
	Postprocess  string
	UploadPrefix string

	// RefreshRate is the polling tick of the convergence loop.
	RefreshRate time.Duration
	// UpdateInterval is each job's status polling interval.
	UpdateInterval time.Duration
	// ExpireTime is the TTL set on finished job hashes.
	ExpireTime time.Duration
	// StartDelay is the stagger unit between starts and between retries.
	StartDelay time.Duration

	// ConcurrentRequestsPerHost bounds the shared connection pool.
	ConcurrentRequestsPerHost int
	// RateLimit caps kiosk requests per second. Zero means unlimited.
	RateLimit float64

	// RetryExpired restarts a failed job even when it already expired.
	RetryExpired bool

	NumGPUs     int
	OutputDir   string
	DownloadDir string

	UploadResults   bool
	DownloadResults bool
	CalculateCost   bool
	Grafana         cost.Config

	// CampaignID labels events and metrics. Generated when empty.
	CampaignID string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		JobType:                   "segmentation",
		UploadPrefix:              "uploads",
		RefreshRate:               10 * time.Second,
		UpdateInterval:            10 * time.Second,
		ExpireTime:                3600 * time.Second,
		StartDelay:                100 * time.Millisecond,
		ConcurrentRequestsPerHost: 64,
		RetryExpired:              true,
		OutputDir:                 ".",
		Grafana:                   cost.DefaultConfig(),
	}
}

// ConfigError reports an invalid setting.
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ParseModel splits "<name>:<version>". An empty model yields empty parts.
func ParseModel(model string) (name, version string, err error) {
	if model == "" {
		return "", "", nil
	}
	parts := strings.Split(model, ":")
	if len(parts) != 2 {
		return "", "", &ConfigError{Field: "model", Value: model,
			Err: fmt.Errorf(`must be of the form "ModelName:Version", for example "model:0"`)}
	}
	v, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", "", &ConfigError{Field: "model", Value: model, Err: fmt.Errorf("version must be an integer")}
	}
	return parts[0], strconv.Itoa(v), nil
}

// ParseScale parses an optional float.
func ParseScale(s string) (*float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, &ConfigError{Field: "data_scale", Value: s, Err: fmt.Errorf("must be a number")}
	}
	return &f, nil
}

// ParseLabel parses an optional integer.
func ParseLabel(s string) (*int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil, &ConfigError{Field: "data_label", Value: s, Err: fmt.Errorf("must be an integer")}
	}
	return &n, nil
}

// StripPrefix removes empty path segments, so "/a//b/" becomes "a/b".
func StripPrefix(prefix string) string {
	var parts []string
	for _, p := range strings.Split(prefix, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.JobType == "" {
		c.JobType = def.JobType
	}
	if c.RefreshRate <= 0 {
		c.RefreshRate = def.RefreshRate
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = def.UpdateInterval
	}
	if c.ExpireTime <= 0 {
		c.ExpireTime = def.ExpireTime
	}
	if c.StartDelay < 0 {
		c.StartDelay = 0
	}
	if c.ConcurrentRequestsPerHost <= 0 {
		c.ConcurrentRequestsPerHost = def.ConcurrentRequestsPerHost
	}
	if c.OutputDir == "" {
		c.OutputDir = def.OutputDir
	}
	if c.UploadPrefix == "" {
		c.UploadPrefix = def.UploadPrefix
	}
	c.UploadPrefix = StripPrefix(c.UploadPrefix)
}

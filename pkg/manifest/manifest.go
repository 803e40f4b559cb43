// Package manifest provides loading and validation of kioskbench campaign
// manifests.
//
// A campaign manifest is a YAML or JSON file that configures a whole
// campaign: the kiosk target, the strategy and its input, where inputs are
// uploaded, and what is produced at the end. Command-line flags override
// manifest values.
//
// Unknown fields are rejected so typos fail loudly instead of silently
// falling back to defaults.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	name: nightly-burst
//	kiosk:
//	  host: http://kiosk.example.com
//	  model: NuclearSegmentation:1
//	campaign:
//	  strategy: burst
//	  input: cells.tif
//	  count: 1000
//	  upload: true
//	  start_delay: 100ms
//	upload:
//	  target: s3://bench-bucket/uploads
//	output:
//	  dir: ./reports
//	  calculate_cost: true
package manifest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest represents a validated campaign manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name labels the campaign in the registry.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Kiosk     KioskConfig     `json:"kiosk" yaml:"kiosk"`
	Campaign  CampaignConfig  `json:"campaign" yaml:"campaign"`
	Match     MatchConfig     `json:"match,omitempty" yaml:"match,omitempty"`
	Upload    UploadConfig    `json:"upload,omitempty" yaml:"upload,omitempty"`
	Output    OutputConfig    `json:"output,omitempty" yaml:"output,omitempty"`
	Cost      CostConfig      `json:"cost,omitempty" yaml:"cost,omitempty"`
	Preflight PreflightConfig `json:"preflight,omitempty" yaml:"preflight,omitempty"`
}

// KioskConfig identifies the cluster and the job parameters sent with every
// create call.
type KioskConfig struct {
	Host        string `json:"host" yaml:"host"`
	Model       string `json:"model,omitempty" yaml:"model,omitempty"`
	JobType     string `json:"job_type,omitempty" yaml:"job_type,omitempty"`
	Scale       string `json:"scale,omitempty" yaml:"scale,omitempty"`
	Label       string `json:"label,omitempty" yaml:"label,omitempty"`
	Preprocess  string `json:"preprocess,omitempty" yaml:"preprocess,omitempty"`
	Postprocess string `json:"postprocess,omitempty" yaml:"postprocess,omitempty"`

	// RateLimit caps kiosk requests per second (0 = unlimited).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	// ConcurrentRequestsPerHost bounds the shared connection pool.
	ConcurrentRequestsPerHost int `json:"concurrent_requests_per_host,omitempty" yaml:"concurrent_requests_per_host,omitempty"`
}

// CampaignConfig selects the strategy and its pacing.
type CampaignConfig struct {
	// Strategy is "burst" or "batch".
	Strategy string `json:"strategy" yaml:"strategy"`

	// Input is a file for burst, or a directory (or single file) for batch.
	Input string `json:"input" yaml:"input"`

	// Count is the number of jobs in a burst.
	Count int `json:"count,omitempty" yaml:"count,omitempty"`

	// Upload uploads the burst input before each job. Batch always uploads.
	Upload *bool `json:"upload,omitempty" yaml:"upload,omitempty"`

	StartDelay     Duration `json:"start_delay,omitempty" yaml:"start_delay,omitempty"`
	RefreshRate    Duration `json:"refresh_rate,omitempty" yaml:"refresh_rate,omitempty"`
	UpdateInterval Duration `json:"update_interval,omitempty" yaml:"update_interval,omitempty"`
	ExpireTime     Duration `json:"expire_time,omitempty" yaml:"expire_time,omitempty"`

	// RetryExpired restarts failed jobs even when they already expired.
	// Default: true.
	RetryExpired *bool `json:"retry_expired,omitempty" yaml:"retry_expired,omitempty"`
}

// MatchConfig narrows batch input discovery.
type MatchConfig struct {
	Includes      []string `json:"includes,omitempty" yaml:"includes,omitempty"`
	Excludes      []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`
	IncludeHidden *bool    `json:"include_hidden,omitempty" yaml:"include_hidden,omitempty"`

	// SkipArchives drops .zip inputs.
	SkipArchives *bool `json:"skip_archives,omitempty" yaml:"skip_archives,omitempty"`

	Filters *FilterConfig `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// FilterConfig specifies attribute filters with AND semantics.
type FilterConfig struct {
	// Size supports raw bytes "1024", base-10 "1KB" and base-2 "1KiB".
	Size *SizeFilterConfig `json:"size,omitempty" yaml:"size,omitempty"`

	// Modified dates are "2024-01-15" or RFC 3339.
	Modified *DateFilterConfig `json:"modified,omitempty" yaml:"modified,omitempty"`
}

// SizeFilterConfig specifies size constraints (both inclusive).
type SizeFilterConfig struct {
	Min string `json:"min,omitempty" yaml:"min,omitempty"`
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// DateFilterConfig specifies a modification window; After is inclusive,
// Before exclusive.
type DateFilterConfig struct {
	After  string `json:"after,omitempty" yaml:"after,omitempty"`
	Before string `json:"before,omitempty" yaml:"before,omitempty"`
}

// UploadConfig selects where inputs and the report are uploaded.
type UploadConfig struct {
	// Target is "kiosk" (the cluster's upload endpoint), "s3://bucket/prefix"
	// or "file:///path". Default: "kiosk".
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// Prefix is the key prefix under which inputs land. Default: "uploads".
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Region, Endpoint and Profile configure s3 targets.
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile  string `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// OutputConfig configures what the campaign produces.
type OutputConfig struct {
	Dir         string `json:"dir,omitempty" yaml:"dir,omitempty"`
	DownloadDir string `json:"download_dir,omitempty" yaml:"download_dir,omitempty"`

	UploadResults   *bool `json:"upload_results,omitempty" yaml:"upload_results,omitempty"`
	DownloadResults *bool `json:"download_results,omitempty" yaml:"download_results,omitempty"`
	CalculateCost   *bool `json:"calculate_cost,omitempty" yaml:"calculate_cost,omitempty"`

	// NumGPUs prefixes the report filename when positive.
	NumGPUs int `json:"num_gpus,omitempty" yaml:"num_gpus,omitempty"`

	// Events is a JSONL progress stream: "stdout", "stderr" or a file path.
	Events string `json:"events,omitempty" yaml:"events,omitempty"`
}

// CostConfig configures the Grafana cost estimator.
type CostConfig struct {
	GrafanaHost     string `json:"grafana_host,omitempty" yaml:"grafana_host,omitempty"`
	GrafanaUser     string `json:"grafana_user,omitempty" yaml:"grafana_user,omitempty"`
	GrafanaPassword string `json:"grafana_password,omitempty" yaml:"grafana_password,omitempty"`
}

// PreflightConfig controls how aggressively the campaign probes its targets
// before creating jobs.
//
//   - plan-only: no remote calls
//   - read-safe: kiosk reachability only
//   - write-probe: also write and delete a probe object in the upload target
type PreflightConfig struct {
	Mode        string `json:"mode,omitempty" yaml:"mode,omitempty"`
	ProbePrefix string `json:"probe_prefix,omitempty" yaml:"probe_prefix,omitempty"`
}

// Strategies.
const (
	StrategyBurst = "burst"
	StrategyBatch = "batch"
)

// Preflight modes.
const (
	PreflightPlanOnly   = "plan-only"
	PreflightReadSafe   = "read-safe"
	PreflightWriteProbe = "write-probe"
)

// Default values for optional configuration fields.
const (
	DefaultVersion       = "1.0"
	DefaultUploadTarget  = "kiosk"
	DefaultUploadPrefix  = "uploads"
	DefaultOutputDir     = "."
	DefaultPreflightMode = PreflightReadSafe
	DefaultProbePrefix   = "_kioskbench/probe/"
	DefaultRetryExpired  = true
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Upload.Target == "" {
		m.Upload.Target = DefaultUploadTarget
	}
	if m.Upload.Prefix == "" {
		m.Upload.Prefix = DefaultUploadPrefix
	}
	if m.Output.Dir == "" {
		m.Output.Dir = DefaultOutputDir
	}
	if m.Preflight.Mode == "" {
		m.Preflight.Mode = DefaultPreflightMode
	}
	if m.Preflight.ProbePrefix == "" {
		m.Preflight.ProbePrefix = DefaultProbePrefix
	}
	if m.Campaign.RetryExpired == nil {
		v := DefaultRetryExpired
		m.Campaign.RetryExpired = &v
	}
}

// RetryExpiredEnabled returns the configured value, or DefaultRetryExpired.
func (c *CampaignConfig) RetryExpiredEnabled() bool {
	if c.RetryExpired == nil {
		return DefaultRetryExpired
	}
	return *c.RetryExpired
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// BoolValue returns *p, or false when p is nil.
func BoolValue(p *bool) bool { return p != nil && *p }

// Duration accepts either a Go duration string ("100ms", "1h") or a bare
// number of seconds (10, 0.1, "3600"). An explicit zero is kept apart from
// an absent value.
type Duration struct {
	time.Duration
	set bool
}

// NewDuration returns a Duration holding an explicitly given d.
func NewDuration(d time.Duration) Duration { return Duration{Duration: d, set: true} }

// IsSet reports whether a value was given, zero included.
func (d Duration) IsSet() bool { return d.set }

// ParseDuration parses s as a Go duration or as seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*d = Duration{}
		return nil
	case float64:
		*d = NewDuration(time.Duration(v * float64(time.Second)))
		return nil
	case string:
		parsed, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*d = NewDuration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = NewDuration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

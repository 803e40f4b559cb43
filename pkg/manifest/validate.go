package manifest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/kioskbench/internal/assets/schemas"
	"github.com/3leaps/kioskbench/pkg/match"
)

// SchemaID is the schema identifier for campaign manifests.
const SchemaID = "kioskbench/v1.0.0/campaign-manifest"

var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/campaign/count").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("manifest validation failed with ")
	b.WriteString(fmt.Sprintf("%d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// ValidateRaw checks raw JSON against the embedded campaign-manifest schema.
// Unknown fields and wrongly typed values are reported here, before the data
// reaches the typed struct.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.CampaignManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded campaign-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.CampaignManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// Validate checks field values and cross-field constraints. It reports every
// problem found, not just the first.
func Validate(m *Manifest) error {
	if m == nil {
		return ValidationErrors{{Message: "manifest is nil"}}
	}
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if m.Version != DefaultVersion {
		add("/version", "unsupported version %q (want %q)", m.Version, DefaultVersion)
	}

	k := m.Kiosk
	if strings.TrimSpace(k.Host) == "" {
		add("/kiosk/host", "is required")
	}
	if k.Model != "" {
		name, version, ok := strings.Cut(k.Model, ":")
		if !ok || name == "" || version == "" {
			add("/kiosk/model", "must be <name>:<version>, got %q", k.Model)
		}
	}
	if k.Scale != "" {
		if _, err := strconv.ParseFloat(k.Scale, 64); err != nil {
			add("/kiosk/scale", "must be a number, got %q", k.Scale)
		}
	}
	if k.Label != "" {
		if _, err := strconv.Atoi(k.Label); err != nil {
			add("/kiosk/label", "must be an integer, got %q", k.Label)
		}
	}
	if k.RateLimit < 0 {
		add("/kiosk/rate_limit", "must be >= 0")
	}
	if k.ConcurrentRequestsPerHost < 0 {
		add("/kiosk/concurrent_requests_per_host", "must be >= 0")
	}

	c := m.Campaign
	switch c.Strategy {
	case StrategyBurst:
		if c.Count < 0 {
			add("/campaign/count", "must be >= 0")
		}
	case StrategyBatch:
		if c.Count != 0 {
			add("/campaign/count", "is only valid for the burst strategy")
		}
	default:
		add("/campaign/strategy", "must be %q or %q, got %q", StrategyBurst, StrategyBatch, c.Strategy)
	}
	if strings.TrimSpace(c.Input) == "" {
		add("/campaign/input", "is required")
	}
	for _, d := range []struct {
		path  string
		value Duration
	}{
		{"/campaign/start_delay", c.StartDelay},
		{"/campaign/refresh_rate", c.RefreshRate},
		{"/campaign/update_interval", c.UpdateInterval},
		{"/campaign/expire_time", c.ExpireTime},
	} {
		if d.value.Duration < 0 {
			add(d.path, "must not be negative")
		}
	}

	if _, err := match.New(m.Match.MatcherConfig()); err != nil {
		add("/match", "%v", err)
	}
	if _, err := match.NewFilter(m.Match.FilterConfig()); err != nil {
		add("/match/filters", "%v", err)
	}

	target := m.Upload.Target
	if target != "" && target != DefaultUploadTarget &&
		!strings.HasPrefix(target, "s3://") && !strings.HasPrefix(target, "file://") {
		add("/upload/target", "must be %q, s3://bucket/prefix or file:///path, got %q", DefaultUploadTarget, target)
	}

	if m.Output.NumGPUs < 0 {
		add("/output/num_gpus", "must be >= 0")
	}

	switch m.Preflight.Mode {
	case "", PreflightPlanOnly, PreflightReadSafe, PreflightWriteProbe:
	default:
		add("/preflight/mode", "must be one of %s, %s, %s; got %q",
			PreflightPlanOnly, PreflightReadSafe, PreflightWriteProbe, m.Preflight.Mode)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// MatcherConfig converts the pattern settings.
func (c MatchConfig) MatcherConfig() match.Config {
	return match.Config{
		Includes:      c.Includes,
		Excludes:      c.Excludes,
		IncludeHidden: BoolValue(c.IncludeHidden),
	}
}

// FilterConfig converts the attribute filters.
func (c MatchConfig) FilterConfig() match.FilterConfig {
	var out match.FilterConfig
	if c.Filters == nil {
		return out
	}
	if s := c.Filters.Size; s != nil {
		out.MinSize, out.MaxSize = s.Min, s.Max
	}
	if d := c.Filters.Modified; d != nil {
		out.ModifiedAfter, out.ModifiedBefore = d.After, d.Before
	}
	return out
}

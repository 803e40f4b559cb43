// Package output writes a campaign's event stream as JSONL.
//
// Each line is a self-contained envelope with a typed payload, so a stream
// can be tailed and parsed while the campaign runs.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants follow the pattern kioskbench.<type>.v<version>.
const (
	TypeProgress  = "kioskbench.progress.v1"
	TypeRetry     = "kioskbench.retry.v1"
	TypeUpload    = "kioskbench.upload.v1"
	TypeSummary   = "kioskbench.summary.v1"
	TypePreflight = "kioskbench.preflight.v1"
	TypeError     = "kioskbench.error.v1"
)

// Record is the envelope for every line.
type Record struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`

	// CampaignID correlates all records of one campaign.
	CampaignID string `json:"campaign_id"`

	// Strategy is "burst" or "batch".
	Strategy string `json:"strategy"`

	Data json.RawMessage `json:"data"`
}

// ProgressRecord is emitted once per polling tick.
type ProgressRecord struct {
	Tick       int            `json:"tick"`
	Total      int            `json:"total"`
	Created    int            `json:"created"`
	Summarized int            `json:"summarized"`
	Expired    int            `json:"expired"`
	Failed     int            `json:"failed"`
	Statuses   map[string]int `json:"statuses,omitempty"`
}

// RetryRecord is emitted for each restarted job.
type RetryRecord struct {
	Index   int           `json:"index"`
	JobID   string        `json:"job_id,omitempty"`
	Status  string        `json:"status,omitempty"`
	Delay   time.Duration `json:"delay_ns"`
	Expired bool          `json:"expired"`
}

// UploadRecord is emitted for each uploaded input.
type UploadRecord struct {
	Source   string        `json:"source"`
	Name     string        `json:"name"`
	Bytes    int64         `json:"bytes,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// SummaryRecord is emitted once, after the report is written.
type SummaryRecord struct {
	NumJobs       int           `json:"num_jobs"`
	Restarts      int           `json:"restarts"`
	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
	ReportPath    string        `json:"report_path,omitempty"`
	UploadedAs    string        `json:"uploaded_as,omitempty"`
	TotalCost     string        `json:"total_cost,omitempty"`
}

// PreflightRecord reports the checks run before a campaign starts.
type PreflightRecord struct {
	Mode          string                 `json:"mode"`
	ProbeStrategy string                 `json:"probe_strategy,omitempty"`
	ProbePrefix   string                 `json:"probe_prefix,omitempty"`
	Results       []PreflightCheckResult `json:"results"`
}

// PreflightCheckResult is one check.
type PreflightCheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorRecord reports a best-effort failure that did not stop the campaign.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Key     string `json:"key,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeAccessDenied = "ACCESS_DENIED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeThrottled    = "THROTTLED"
	ErrCodeCost         = "COST_UNAVAILABLE"
	ErrCodeInternal     = "INTERNAL"
)

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // marshal_data, marshal_record or write
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

package job

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Metric is a timing or count field read from the job hash. The cluster
// stores these as text, and fan-out jobs store comma-separated lists.
type Metric struct {
	parts []string
}

// ParseMetric splits a raw hash value. An absent value yields the zero Metric.
func ParseMetric(raw string, ok bool) Metric {
	if !ok {
		return Metric{}
	}
	return Metric{parts: strings.Split(raw, ",")}
}

// IsZero reports whether the metric was never read.
func (m Metric) IsZero() bool { return len(m.parts) == 0 }

// Values returns the raw parts.
func (m Metric) Values() []string { return append([]string(nil), m.parts...) }

// MarshalJSON writes null when absent, a scalar for a single value and an
// array for a list. Parts that parse as numbers are written as numbers.
func (m Metric) MarshalJSON() ([]byte, error) {
	switch len(m.parts) {
	case 0:
		return []byte("null"), nil
	case 1:
		return json.Marshal(numberOrString(m.parts[0]))
	}
	out := make([]any, len(m.parts))
	for i, p := range m.parts {
		out[i] = numberOrString(p)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the forms MarshalJSON produces.
func (m *Metric) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	m.parts = nil
	switch t := v.(type) {
	case nil:
	case []any:
		for _, x := range t {
			m.parts = append(m.parts, scalarText(x))
		}
	default:
		m.parts = []string{scalarText(t)}
	}
	return nil
}

func numberOrString(s string) any {
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return f
	}
	return s
}

func scalarText(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// Record is the reported state of one job.
type Record struct {
	InputFile          string  `json:"input_file"`
	Status             *string `json:"status"`
	TotalTime          Metric  `json:"total_time"`
	TotalJobs          Metric  `json:"total_jobs"`
	DownloadURL        *string `json:"download_url"`
	CreatedAt          *string `json:"created_at"`
	FinishedAt         *string `json:"finished_at"`
	PredictionTime     Metric  `json:"prediction_time"`
	PostprocessTime    Metric  `json:"postprocess_time"`
	UploadTime         Metric  `json:"upload_time"`
	DownloadTime       Metric  `json:"download_time"`
	PredictRetries     Metric  `json:"predict_retries"`
	CleanupTime        Metric  `json:"cleanup_time"`
	ChildrenUploadTime Metric  `json:"children_upload_time"`
	Model              string  `json:"model"`
	Postprocess        string  `json:"postprocess"`
	Preprocess         string  `json:"preprocess"`
	Reason             *string `json:"reason"`
	JobID              *string `json:"job_id"`
	Restarts           int     `json:"restarts"`
}

func optional(s string, ok bool) *string {
	if !ok {
		return nil
	}
	return &s
}

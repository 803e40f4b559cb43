package jobregistry

import "time"

// State is the lifecycle state of a recorded campaign.
//
// NOTE: These values are persisted in campaign.json and are part of the
// stable on-disk contract.
type State string

const (
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailed  State = "failed"
	StateUnknown State = "unknown"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// Target is a minimal summary of where a campaign ran, captured for operator
// clarity.
type Target struct {
	Host         string `json:"host"`
	Model        string `json:"model,omitempty"`
	JobType      string `json:"job_type,omitempty"`
	UploadTarget string `json:"upload_target,omitempty"`
}

// Record is the persistent record written to campaign.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	CampaignID   string    `json:"campaign_id"`
	Name         string    `json:"name,omitempty"`
	State        State     `json:"state"`
	Strategy     string    `json:"strategy"`
	Input        string    `json:"input"`
	Count        int       `json:"count,omitempty"`
	ManifestPath string    `json:"manifest_path,omitempty"`
	PID          int       `json:"pid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	Target        *Target    `json:"target,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	NumJobs    int    `json:"num_jobs,omitempty"`
	Restarts   int    `json:"restarts,omitempty"`
	ReportPath string `json:"report_path,omitempty"`
	UploadedAs string `json:"uploaded_as,omitempty"`
	TotalCost  string `json:"total_cost,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Elapsed is the wall time between start and end, or zero while running.
func (r Record) Elapsed() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

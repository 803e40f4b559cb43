package jobregistry

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Recorder tracks the campaign run by the current process.
type Recorder struct {
	store *Store
	now   func() time.Time

	mu     sync.Mutex
	record Record
}

// Begin writes a running record for r and returns its Recorder. CampaignID
// is required; PID and timestamps are filled in.
func Begin(store *Store, r Record) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("campaign registry is not initialized")
	}
	rec := &Recorder{store: store, now: func() time.Time { return time.Now().UTC() }}
	now := rec.now()
	r.State = StateRunning
	r.PID = os.Getpid()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.StartedAt = &now
	r.LastHeartbeat = &now
	rec.record = r
	if err := store.Write(&rec.record); err != nil {
		return nil, err
	}
	return rec, nil
}

// Heartbeat refreshes the record with the current job counts.
func (r *Recorder) Heartbeat(numJobs, restarts int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record.State.Terminal() {
		return nil
	}
	now := r.now()
	r.record.LastHeartbeat = &now
	r.record.NumJobs = numJobs
	r.record.Restarts = restarts
	return r.store.Write(&r.record)
}

// Outcome is what a finished campaign produced.
type Outcome struct {
	NumJobs    int
	Restarts   int
	ReportPath string
	UploadedAs string
	TotalCost  string
}

// Succeed marks the campaign finished with its report.
func (r *Recorder) Succeed(o Outcome) error {
	return r.end(StateSuccess, o, nil)
}

// Fail marks the campaign failed with cause.
func (r *Recorder) Fail(o Outcome, cause error) error {
	return r.end(StateFailed, o, cause)
}

func (r *Recorder) end(state State, o Outcome, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record.State.Terminal() {
		return fmt.Errorf("campaign %s already ended as %s", r.record.CampaignID, r.record.State)
	}
	now := r.now()
	r.record.State = state
	r.record.EndedAt = &now
	r.record.LastHeartbeat = &now
	r.record.NumJobs = o.NumJobs
	r.record.Restarts = o.Restarts
	r.record.ReportPath = o.ReportPath
	r.record.UploadedAs = o.UploadedAs
	r.record.TotalCost = o.TotalCost
	if cause != nil {
		r.record.Error = cause.Error()
	}
	return r.store.Write(&r.record)
}

// Record returns a copy of the current record.
func (r *Recorder) Record() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record
}

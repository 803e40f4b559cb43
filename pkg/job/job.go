// Package job implements the client-side state machine of one kiosk job:
// create, poll status, read the summary, expire.
//
// A Job runs its lifecycle on its own goroutine. Only that goroutine writes
// job state, except Restart, which clears the failure flag before it hands
// off to a new goroutine. Readers take snapshots via State and Record.
package job

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/kioskbench/pkg/clock"
	"github.com/3leaps/kioskbench/pkg/kiosk"
)

// Final statuses reported by the cluster.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// ErrNoJobID is returned when the create call yields no job hash.
var ErrNoJobID = errors.New("create did not return a job id")

// API is the subset of the kiosk client a Job uses.
type API interface {
	CreateJob(ctx context.Context, req kiosk.CreateRequest) (string, error)
	HGet(ctx context.Context, hash, key string) (string, bool, error)
	Expire(ctx context.Context, hash string, expireIn int) (int, error)
}

var _ API = (*kiosk.Client)(nil)

// Settings are the campaign-wide parameters bound into every job.
type Settings struct {
	ModelName    string
	ModelVersion string
	JobType      string

	// DataScale and DataLabel are nil when the cluster should detect them.
	DataScale *float64
	DataLabel *int

	Preprocess   string
	Postprocess  string
	UploadPrefix string

	// UpdateInterval is the wait between status polls and before expiry.
	UpdateInterval time.Duration

	// ExpireTime is the TTL set on the job hash once the job is finished.
	ExpireTime time.Duration
}

// State is a point-in-time view of a job.
type State struct {
	ID         string
	Status     string
	Failed     bool
	Summarized bool
	Expired    bool
}

type textField struct {
	value string
	ok    bool
}

// Summary fields read as text.
var textFields = []string{"created_at", "finished_at", "reason", "output_url"}

// Summary fields read as metrics.
var metricFields = []string{
	"prediction_time",
	"predict_retries",
	"postprocess_time",
	"upload_time",
	"download_time",
	"children_upload_time",
	"cleanup_time",
	"total_jobs",
	"total_time",
}

// Job is one unit of work on the cluster.
type Job struct {
	settings     Settings
	api          API
	clock        clock.Clock
	logger       *zap.Logger
	ref          string
	originalName string

	mu       sync.Mutex
	id       string
	status   textField
	failed   bool
	expired  bool
	restarts int
	text     map[string]textField
	metrics  map[string]Metric
}

// Factory builds jobs that share settings, API client and clock.
type Factory struct {
	settings Settings
	api      API
	clock    clock.Clock
	logger   *zap.Logger
}

// NewFactory returns a Factory. A nil clock uses the real clock and a nil
// logger discards output.
func NewFactory(settings Settings, api API, c clock.Clock, logger *zap.Logger) *Factory {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{settings: settings, api: api, clock: c, logger: logger}
}

// Create builds a job for ref, the name of the input under the upload prefix.
// originalName is what the report shows; it defaults to ref.
func (f *Factory) Create(ref, originalName string) *Job {
	if originalName == "" {
		originalName = ref
	}
	return &Job{
		settings:     f.settings,
		api:          f.api,
		clock:        f.clock,
		logger:       f.logger,
		ref:          ref,
		originalName: originalName,
		text:         make(map[string]textField, len(textFields)),
		metrics:      make(map[string]Metric, len(metricFields)),
	}
}

// Start runs the full lifecycle after delay.
func (j *Job) Start(ctx context.Context, delay time.Duration) {
	go j.run(ctx, delay, j.lifecycle)
}

// Restart clears the failure flag and, after delay, resumes the job from
// wherever it stopped: a job without an id is created again, any other job
// is monitored (if not yet final), summarized and expired.
func (j *Job) Restart(ctx context.Context, delay time.Duration) {
	j.mu.Lock()
	if !j.failed {
		j.logger.Warn("Restarting job that has not failed", zap.String("job_id", j.id))
	}
	j.failed = false
	j.restarts++
	j.mu.Unlock()

	go j.run(ctx, delay, func(ctx context.Context) error {
		j.logger.Debug("Restarting failed job", zap.String("job_id", j.ID()))
		if j.ID() == "" {
			return j.lifecycle(ctx)
		}
		return j.complete(ctx)
	})
}

func (j *Job) run(ctx context.Context, delay time.Duration, step func(context.Context) error) {
	if err := clock.Sleep(ctx, j.clock, delay); err != nil {
		return
	}
	err := step(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	j.mu.Lock()
	j.failed = true
	id := j.id
	j.mu.Unlock()
	j.logger.Error("Job lifecycle failed", zap.String("job_id", id), zap.Error(err))
}

func (j *Job) lifecycle(ctx context.Context) error {
	id, err := j.api.CreateJob(ctx, j.createRequest())
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if id == "" {
		return ErrNoJobID
	}
	j.mu.Lock()
	j.id = id
	j.mu.Unlock()
	return j.complete(ctx)
}

// complete drives an existing job to expiry.
func (j *Job) complete(ctx context.Context) error {
	id := j.ID()
	if err := j.monitor(ctx); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	if err := j.summarize(ctx); err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	st := j.State()
	if !st.Summarized {
		return fmt.Errorf("job %s has status %q but an incomplete summary", id, st.Status)
	}
	switch st.Status {
	case StatusDone:
		fields := []zap.Field{zap.String("job_id", id), zap.String("status", st.Status)}
		if d, ok := j.processingTime(); ok {
			fields = append(fields, zap.Duration("took", d))
		}
		if url, ok := j.textValue("output_url"); ok {
			fields = append(fields, zap.String("download_url", url))
		}
		j.logger.Info("Job finished", fields...)
	case StatusFailed:
		reason, _, err := j.api.HGet(ctx, id, "reason")
		if err != nil {
			return fmt.Errorf("read failure reason: %w", err)
		}
		j.logger.Warn("Job reached final status", zap.String("job_id", id),
			zap.String("status", st.Status), zap.String("reason", reason))
	default:
		return fmt.Errorf("job %s was about to expire with status %q", id, st.Status)
	}

	if err := clock.Sleep(ctx, j.clock, j.settings.UpdateInterval); err != nil {
		return err
	}
	value, err := j.api.Expire(ctx, id, int(j.settings.ExpireTime.Seconds()))
	if err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	if value != 1 {
		return fmt.Errorf("failed to expire key %s (reply %d)", id, value)
	}

	j.mu.Lock()
	j.expired = true
	j.mu.Unlock()
	return nil
}

func (j *Job) monitor(ctx context.Context) error {
	for !isFinal(j.State().Status) {
		if err := clock.Sleep(ctx, j.clock, j.settings.UpdateInterval); err != nil {
			return err
		}
		id := j.ID()
		status, ok, err := j.api.HGet(ctx, id, "status")
		if err != nil {
			return err
		}

		j.mu.Lock()
		changed := j.status != textField{status, ok}
		j.status = textField{status, ok}
		j.mu.Unlock()

		if changed {
			j.logger.Info("Job status changed",
				zap.String("job_id", id),
				zap.String("status", status),
				zap.Bool("final", isFinal(status)))
		}
	}
	return nil
}

func (j *Job) summarize(ctx context.Context) error {
	id := j.ID()
	for _, name := range textFields {
		v, ok, err := j.api.HGet(ctx, id, name)
		if err != nil {
			return err
		}
		j.mu.Lock()
		j.text[name] = textField{v, ok}
		j.mu.Unlock()
	}
	for _, name := range metricFields {
		v, ok, err := j.api.HGet(ctx, id, name)
		if err != nil {
			return err
		}
		j.mu.Lock()
		j.metrics[name] = ParseMetric(v, ok)
		j.mu.Unlock()
	}
	return nil
}

func (j *Job) createRequest() kiosk.CreateRequest {
	s := j.settings
	req := kiosk.CreateRequest{
		ModelName:           s.ModelName,
		ModelVersion:        s.ModelVersion,
		PreprocessFunction:  s.Preprocess,
		PostprocessFunction: s.Postprocess,
		ImageName:           j.ref,
		JobType:             s.JobType,
		DataRescale:         "",
		DataLabel:           "",
		UploadedName:        path.Join(s.UploadPrefix, j.ref),
	}
	if s.DataScale != nil {
		req.DataRescale = *s.DataScale
	}
	if s.DataLabel != nil {
		req.DataLabel = *s.DataLabel
	}
	return req
}

// ID returns the job hash, or "" before creation succeeded.
func (j *Job) ID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

// State returns a snapshot of the job.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return State{
		ID:         j.id,
		Status:     j.status.value,
		Failed:     j.failed,
		Summarized: j.summarizedLocked(),
		Expired:    j.expired,
	}
}

func (j *Job) summarizedLocked() bool {
	if j.status.value == StatusFailed {
		return true
	}
	if j.status.value != StatusDone {
		return false
	}
	for _, name := range []string{"created_at", "finished_at", "output_url"} {
		if !j.text[name].ok {
			return false
		}
	}
	return true
}

// Record returns the job's reported state.
func (j *Job) Record() Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	text := func(name string) *string { f := j.text[name]; return optional(f.value, f.ok) }
	return Record{
		InputFile:          j.originalName,
		Status:             optional(j.status.value, j.status.ok),
		TotalTime:          j.metrics["total_time"],
		TotalJobs:          j.metrics["total_jobs"],
		DownloadURL:        text("output_url"),
		CreatedAt:          text("created_at"),
		FinishedAt:         text("finished_at"),
		PredictionTime:     j.metrics["prediction_time"],
		PostprocessTime:    j.metrics["postprocess_time"],
		UploadTime:         j.metrics["upload_time"],
		DownloadTime:       j.metrics["download_time"],
		PredictRetries:     j.metrics["predict_retries"],
		CleanupTime:        j.metrics["cleanup_time"],
		ChildrenUploadTime: j.metrics["children_upload_time"],
		Model:              j.settings.ModelName + ":" + j.settings.ModelVersion,
		Postprocess:        j.settings.Postprocess,
		Preprocess:         j.settings.Preprocess,
		Reason:             text("reason"),
		JobID:              optional(j.id, j.id != ""),
		Restarts:           j.restarts,
	}
}

func (j *Job) textValue(name string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	f := j.text[name]
	return f.value, f.ok
}

// processingTime is finished_at - created_at as reported by the cluster.
func (j *Job) processingTime() (time.Duration, bool) {
	created, ok1 := j.textValue("created_at")
	finished, ok2 := j.textValue("finished_at")
	if !ok1 || !ok2 {
		return 0, false
	}
	start, err1 := parseTimestamp(created)
	end, err2 := parseTimestamp(finished)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return end.Sub(start), true
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Unix(0, int64(secs*float64(time.Second))), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func isFinal(status string) bool {
	return status == StatusDone || status == StatusFailed
}

// Package orchestrator runs a load-testing campaign: it creates and starts
// jobs on a staggered schedule, polls until every job has expired,
// restarts failed jobs, and writes the report once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/kioskbench/pkg/clock"
	"github.com/3leaps/kioskbench/pkg/cost"
	"github.com/3leaps/kioskbench/pkg/inputs"
	"github.com/3leaps/kioskbench/pkg/job"
	"github.com/3leaps/kioskbench/pkg/kiosk"
	"github.com/3leaps/kioskbench/pkg/output"
	"github.com/3leaps/kioskbench/pkg/report"
	"github.com/3leaps/kioskbench/pkg/upload"
)

// Job is what the orchestrator needs from a job.
type Job interface {
	Start(ctx context.Context, delay time.Duration)
	Restart(ctx context.Context, delay time.Duration)
	State() job.State
	Record() job.Record
}

// Gateway uploads inputs and the report.
type Gateway interface {
	Upload(ctx context.Context, localPath, prefix string, hashName bool) (string, error)
}

// Estimator produces the campaign cost at finalize.
type Estimator interface {
	Finish(ctx context.Context) (cost.Breakdown, error)
}

// ReportPrefix is where the report is uploaded.
const ReportPrefix = "output"

// verboseThreshold is the number of unfinished jobs at or below which every
// one of them is logged on each tick.
const verboseThreshold = 25

// Strategy names.
const (
	StrategyBurst = "burst"
	StrategyBatch = "batch"
)

// Deps are the collaborators. Nil fields get production defaults built
// from Config.
type Deps struct {
	NewJob     func(ref, originalName string) Job
	Gateway    Gateway
	Estimator  Estimator
	Clock      clock.Clock
	Logger     *zap.Logger
	Events     output.Writer
	Metrics    *Metrics
	HTTPClient *http.Client

	// Inputs narrows batch enumeration.
	Inputs inputs.Options
}

// Orchestrator owns one campaign.
type Orchestrator struct {
	cfg       Config
	newJob    func(ref, originalName string) Job
	gateway   Gateway
	estimator Estimator
	clock     clock.Clock
	logger    *zap.Logger
	events    output.Writer
	metrics   *Metrics
	http      *http.Client
	inputOpts inputs.Options
	createdAt time.Time

	mu       sync.Mutex
	jobs     []Job
	strategy string
	ticks    int
	restarts int

	finalizeOnce sync.Once
	result       *Result
	finalizeErr  error
	done         chan struct{}
}

// Result describes a finalized campaign.
type Result struct {
	CampaignID string
	Report     report.Report
	ReportPath string
	UploadedAs string
	Elapsed    time.Duration
	Restarts   int
}

// Progress is a live view of the campaign.
type Progress struct {
	CampaignID string         `json:"campaign_id"`
	Strategy   string         `json:"strategy"`
	Total      int            `json:"total"`
	Created    int            `json:"created"`
	Summarized int            `json:"summarized"`
	Expired    int            `json:"expired"`
	Failed     int            `json:"failed"`
	Statuses   map[string]int `json:"statuses"`
	Ticks      int            `json:"ticks"`
	Restarts   int            `json:"restarts"`
	Elapsed    time.Duration  `json:"elapsed_ns"`
	Finalized  bool           `json:"finalized"`
}

// New validates cfg and wires the collaborators.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg.Host = kiosk.NormalizeHost(cfg.Host)
	cfg.applyDefaults()

	name, version, err := ParseModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	scale, err := ParseScale(cfg.DataScale)
	if err != nil {
		return nil, err
	}
	label, err := ParseLabel(cfg.DataLabel)
	if err != nil {
		return nil, err
	}
	if cfg.CampaignID == "" {
		cfg.CampaignID = uuid.NewString()
	}

	o := &Orchestrator{
		cfg:       cfg,
		newJob:    deps.NewJob,
		gateway:   deps.Gateway,
		estimator: deps.Estimator,
		clock:     deps.Clock,
		logger:    deps.Logger,
		events:    deps.Events,
		metrics:   deps.Metrics,
		http:      deps.HTTPClient,
		inputOpts: deps.Inputs,
		done:      make(chan struct{}),
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.events == nil {
		o.events = output.Discard{}
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	if o.http == nil {
		o.http = kiosk.NewHTTPClient(cfg.ConcurrentRequestsPerHost)
	}
	o.createdAt = o.clock.Now()

	if o.newJob == nil || o.gateway == nil {
		if cfg.Host == "" {
			return nil, &ConfigError{Field: "host", Err: errors.New("a kiosk host is required")}
		}
		client, err := kiosk.New(kiosk.Config{
			Host:          cfg.Host,
			RetryInterval: cfg.UpdateInterval,
			RateLimit:     cfg.RateLimit,
			Clock:         o.clock,
		}, o.http, o.logger.Named("kiosk"))
		if err != nil {
			return nil, &ConfigError{Field: "host", Value: cfg.Host, Err: err}
		}
		if o.newJob == nil {
			factory := job.NewFactory(job.Settings{
				ModelName:      name,
				ModelVersion:   version,
				JobType:        cfg.JobType,
				DataScale:      scale,
				DataLabel:      label,
				Preprocess:     cfg.Preprocess,
				Postprocess:    cfg.Postprocess,
				UploadPrefix:   cfg.UploadPrefix,
				UpdateInterval: cfg.UpdateInterval,
				ExpireTime:     cfg.ExpireTime,
			}, client, o.clock, o.logger.Named("job"))
			o.newJob = func(ref, originalName string) Job { return factory.Create(ref, originalName) }
		}
		if o.gateway == nil {
			kg := upload.NewKioskGateway(client, cfg.UploadPrefix, o.logger.Named("upload"))
			o.gateway = kg
			if o.cfg.UploadResults && kg.FrontendPrefix() != ReportPrefix {
				o.logger.Warn("Report upload disabled: the kiosk stores uploads only under its own prefix",
					zap.String("kiosk_prefix", kg.FrontendPrefix()), zap.String("report_prefix", ReportPrefix))
				o.cfg.UploadResults = false
			}
		}
	}

	if o.estimator == nil {
		if cfg.CalculateCost {
			g, err := cost.NewGrafana(cfg.Grafana, o.createdAt, o.logger.Named("cost"))
			if err != nil {
				return nil, &ConfigError{Field: "grafana", Err: err}
			}
			o.estimator = g
		} else {
			o.estimator = cost.Disabled{}
		}
	}
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// CampaignID returns the campaign's id.
func (o *Orchestrator) CampaignID() string { return o.cfg.CampaignID }

// Done is closed once the campaign is finalized.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// RunBurst submits count jobs for the same input. With doUpload every job
// gets its own uploaded copy and starts immediately, the uploads being
// spaced by StartDelay; without it, job i starts after i*StartDelay.
func (o *Orchestrator) RunBurst(ctx context.Context, ref string, count int, doUpload bool) (*Result, error) {
	if count < 0 {
		return nil, &ConfigError{Field: "count", Value: strconv.Itoa(count), Err: errors.New("must not be negative")}
	}
	o.setStrategy(StrategyBurst)
	o.logger.Info("Benchmarking jobs of one file",
		zap.Int("count", count), zap.String("file", ref), zap.Bool("upload", doUpload))

	for i := 0; i < count; i++ {
		if !doUpload {
			j := o.add(ref, ref)
			j.Start(ctx, o.cfg.StartDelay*time.Duration(i))
			continue
		}

		name, err := o.upload(ctx, ref)
		if err != nil {
			return nil, err
		}
		j := o.add(name, ref)
		j.Start(ctx, 0)
		if err := clock.Sleep(ctx, o.clock, o.cfg.StartDelay); err != nil {
			return nil, err
		}
		p := o.Progress()
		o.logger.Info("Upload progress",
			zap.Int("uploaded", i+1),
			zap.Int("created", p.Created),
			zap.Int("expired", p.Expired))
	}
	return o.converge(ctx)
}

// RunBatch uploads every qualifying file under dir and submits one job per
// file, the i-th starting after i*StartDelay.
func (o *Orchestrator) RunBatch(ctx context.Context, dir string) (*Result, error) {
	o.setStrategy(StrategyBatch)
	o.logger.Info("Benchmarking all image and archive files", zap.String("path", dir))

	i := 0
	err := inputs.Walk(ctx, dir, o.inputOpts, func(f inputs.File) error {
		name, err := o.upload(ctx, f.Path)
		if err != nil {
			return err
		}
		j := o.add(name, f.Path)
		j.Start(ctx, o.cfg.StartDelay*time.Duration(i))
		i++
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("Submitted batch", zap.Int("jobs", i))
	return o.converge(ctx)
}

func (o *Orchestrator) setStrategy(s string) {
	o.mu.Lock()
	o.strategy = s
	o.mu.Unlock()
}

func (o *Orchestrator) add(ref, originalName string) Job {
	j := o.newJob(ref, originalName)
	o.mu.Lock()
	o.jobs = append(o.jobs, j)
	o.mu.Unlock()
	return j
}

func (o *Orchestrator) upload(ctx context.Context, localPath string) (string, error) {
	start := o.clock.Now()
	name, err := o.gateway.Upload(ctx, localPath, o.cfg.UploadPrefix, true)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}
	took := o.clock.Since(start)
	o.metrics.uploads.Inc()
	o.metrics.uploadSecs.Observe(took.Seconds())
	o.emit(ctx, func(ctx context.Context) error {
		return o.events.WriteUpload(ctx, &output.UploadRecord{Source: localPath, Name: name, Duration: took})
	})
	return name, nil
}

func (o *Orchestrator) snapshot() []Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Job(nil), o.jobs...)
}

// converge ticks until every job has expired, then finalizes.
func (o *Orchestrator) converge(ctx context.Context) (*Result, error) {
	for {
		if err := clock.Sleep(ctx, o.clock, o.cfg.RefreshRate); err != nil {
			return nil, err
		}
		if o.tick(ctx) {
			break
		}
	}
	return o.Finalize(ctx)
}

// tick samples every job once, restarts the failed ones with escalating
// delays, and reports whether the campaign has converged.
func (o *Orchestrator) tick(ctx context.Context) bool {
	jobs := o.snapshot()

	o.mu.Lock()
	o.ticks++
	tickNo := o.ticks
	o.mu.Unlock()
	o.metrics.ticks.Inc()

	p := Progress{Total: len(jobs), Statuses: make(map[string]int)}
	states := make([]job.State, len(jobs))
	retried := 0
	for i, j := range jobs {
		st := j.State()
		states[i] = st
		p.Statuses[st.Status]++
		if st.ID != "" {
			p.Created++
		}
		if st.Summarized {
			p.Summarized++
		}
		if st.Expired {
			p.Expired++
		}
		if !st.Failed {
			continue
		}
		p.Failed++
		if st.Expired && !o.cfg.RetryExpired {
			continue
		}

		retried++
		delay := o.cfg.StartDelay * time.Duration(retried)
		j.Restart(ctx, delay)
		o.metrics.retries.Inc()
		o.logger.Warn("Restarting failed job",
			zap.Int("index", i),
			zap.String("job_id", st.ID),
			zap.String("status", st.Status),
			zap.Duration("delay", delay))
		o.emit(ctx, func(ctx context.Context) error {
			return o.events.WriteRetry(ctx, &output.RetryRecord{
				Index: i, JobID: st.ID, Status: st.Status, Delay: delay, Expired: st.Expired,
			})
		})
	}

	o.mu.Lock()
	o.restarts += retried
	o.mu.Unlock()

	if p.Total-p.Expired <= verboseThreshold {
		for i, st := range states {
			if !st.Expired {
				o.logger.Info("Waiting on job", zap.Int("index", i),
					zap.String("job_id", st.ID), zap.String("status", st.Status))
			}
		}
	}

	p.Elapsed = o.clock.Since(o.createdAt)
	o.metrics.observe(p)
	o.logger.Info("Campaign progress",
		zap.Int("tick", tickNo),
		zap.Int("total", p.Total),
		zap.Int("created", p.Created),
		zap.Int("summarized", p.Summarized),
		zap.Int("expired", p.Expired),
		zap.Int("restarted", retried),
		zap.String("statuses", formatStatuses(p.Statuses)))
	o.emit(ctx, func(ctx context.Context) error {
		return o.events.WriteProgress(ctx, &output.ProgressRecord{
			Tick: tickNo, Total: p.Total, Created: p.Created, Summarized: p.Summarized,
			Expired: p.Expired, Failed: p.Failed, Statuses: p.Statuses,
		})
	})

	return p.Expired == p.Total
}

// Progress samples every job now.
func (o *Orchestrator) Progress() Progress {
	jobs := o.snapshot()
	o.mu.Lock()
	p := Progress{
		CampaignID: o.cfg.CampaignID,
		Strategy:   o.strategy,
		Total:      len(jobs),
		Statuses:   make(map[string]int),
		Ticks:      o.ticks,
		Restarts:   o.restarts,
		Finalized:  o.result != nil,
	}
	o.mu.Unlock()
	for _, j := range jobs {
		st := j.State()
		p.Statuses[st.Status]++
		if st.ID != "" {
			p.Created++
		}
		if st.Summarized {
			p.Summarized++
		}
		if st.Expired {
			p.Expired++
		}
		if st.Failed {
			p.Failed++
		}
	}
	p.Elapsed = o.clock.Since(o.createdAt)
	return p
}

// Records returns every job's current record in creation order.
func (o *Orchestrator) Records() []job.Record {
	jobs := o.snapshot()
	out := make([]job.Record, len(jobs))
	for i, j := range jobs {
		out[i] = j.Record()
	}
	return out
}

// Finalize computes cost, writes the report and uploads it. Only the first
// call does any work; later calls return the same result.
func (o *Orchestrator) Finalize(ctx context.Context) (*Result, error) {
	o.finalizeOnce.Do(func() {
		res, err := o.finalize(ctx)
		o.mu.Lock()
		o.result, o.finalizeErr = res, err
		o.mu.Unlock()
		close(o.done)
	})
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result, o.finalizeErr
}

func (o *Orchestrator) finalize(ctx context.Context) (*Result, error) {
	elapsed := o.clock.Since(o.createdAt)
	records := o.Records()
	o.logger.Info("Finished jobs", zap.Int("jobs", len(records)), zap.Duration("elapsed", elapsed))

	breakdown, err := o.estimator.Finish(ctx)
	if err != nil {
		breakdown = cost.Breakdown{}
		o.logger.Error("Could not get cost data", zap.Error(err))
		o.emit(ctx, func(ctx context.Context) error {
			return o.events.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeCost, Message: err.Error()})
		})
	} else if f, perr := strconv.ParseFloat(breakdown.Total, 64); perr == nil {
		o.metrics.costTotal.Set(f)
	}

	if o.cfg.DownloadResults {
		dir := o.cfg.DownloadDir
		if dir == "" {
			dir = o.cfg.OutputDir
		}
		n := report.DownloadResults(ctx, o.http, records, dir, o.logger)
		o.logger.Info("Downloaded results", zap.Int("saved", n), zap.String("dir", dir))
	}

	rep := report.Report{
		CPUNodeCost: breakdown.CPU,
		GPUNodeCost: breakdown.GPU,
		TotalCost:   breakdown.Total,
		StartDelay:  o.cfg.StartDelay.Seconds(),
		NumJobs:     len(records),
		TimeElapsed: elapsed.Seconds(),
		JobData:     records,
	}
	res := &Result{CampaignID: o.cfg.CampaignID, Report: rep, Elapsed: elapsed}
	o.mu.Lock()
	res.Restarts = o.restarts
	o.mu.Unlock()

	name := report.Filename(o.cfg.NumGPUs, len(records), o.cfg.StartDelay, "")
	path, err := report.Write(o.cfg.OutputDir, name, rep)
	if err != nil {
		return res, fmt.Errorf("write report: %w", err)
	}
	res.ReportPath = path
	o.logger.Info("Wrote job data as JSON", zap.String("path", path))

	if o.cfg.UploadResults {
		uploaded, err := o.gateway.Upload(ctx, path, ReportPrefix, false)
		if err != nil {
			o.logger.Error("Could not upload report; copy the local file to keep the data",
				zap.String("path", path), zap.Error(err))
			o.emit(ctx, func(ctx context.Context) error {
				return o.events.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeInternal, Message: err.Error(), Key: path})
			})
		} else {
			res.UploadedAs = uploaded
		}
	}

	o.metrics.finalized.Set(1)
	o.emit(ctx, func(ctx context.Context) error {
		return o.events.WriteSummary(ctx, &output.SummaryRecord{
			NumJobs:       len(records),
			Restarts:      res.Restarts,
			Duration:      elapsed,
			DurationHuman: elapsed.Round(time.Millisecond).String(),
			ReportPath:    res.ReportPath,
			UploadedAs:    res.UploadedAs,
			TotalCost:     rep.TotalCost,
		})
	})
	return res, nil
}

func (o *Orchestrator) emit(ctx context.Context, write func(context.Context) error) {
	if err := write(ctx); err != nil && ctx.Err() == nil {
		o.logger.Warn("Failed to write event", zap.Error(err))
	}
}

func formatStatuses(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		name := k
		if name == "" {
			name = "unknown"
		}
		parts[i] = name + "=" + strconv.Itoa(m[k])
	}
	return strings.Join(parts, " ")
}

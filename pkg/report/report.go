// Package report writes the end-of-campaign summary and fetches job results.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/kioskbench/pkg/job"
)

// Report is the campaign summary. Cost fields are empty when the estimate is
// disabled or failed.
type Report struct {
	CPUNodeCost string       `json:"cpu_node_cost"`
	GPUNodeCost string       `json:"gpu_node_cost"`
	TotalCost   string       `json:"total_node_and_networking_costs"`
	StartDelay  float64      `json:"start_delay"`
	NumJobs     int          `json:"num_jobs"`
	TimeElapsed float64      `json:"time_elapsed"`
	JobData     []job.Record `json:"job_data"`
}

// Filename returns "[<gpus>gpu_]<jobs>jobs_<delay>delay_<token>.json". An
// empty token is replaced by a random one.
func Filename(numGPUs, numJobs int, startDelay time.Duration, token string) string {
	if token == "" {
		token = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	gpus := ""
	if numGPUs > 0 {
		gpus = strconv.Itoa(numGPUs) + "gpu_"
	}
	return fmt.Sprintf("%s%djobs_%sdelay_%s.json", gpus, numJobs, FormatSeconds(startDelay), token)
}

// FormatSeconds renders d in seconds as a decimal that always carries a
// fractional part, so 1s is "1.0" and 100ms is "0.1".
func FormatSeconds(d time.Duration) string {
	s := strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Marshal encodes r with four-space indentation.
func Marshal(r Report) ([]byte, error) {
	if r.JobData == nil {
		r.JobData = []job.Record{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Write stores r as dir/name and returns the full path. The file appears
// atomically.
func Write(dir, name string, r Report) (string, error) {
	data, err := Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	target := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, ".report-*")
	if err != nil {
		return "", fmt.Errorf("create report: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close report: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("rename report: %w", err)
	}
	return target, nil
}

// Read loads a report written by Write.
func Read(p string) (Report, error) {
	var r Report
	data, err := os.ReadFile(p)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode report %s: %w", p, err)
	}
	return r, nil
}

// Download saves url into dir under the URL's base name and returns the
// local path.
func Download(ctx context.Context, client *http.Client, url, dir string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	base := path.Base(strings.SplitN(url, "?", 2)[0])
	if base == "" || base == "." || base == "/" {
		return "", fmt.Errorf("no file name in %q", url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("download %s: %s", url, resp.Status)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, base)
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	return dest, f.Close()
}

// DownloadResults downloads every record's output into dir. Failures are
// logged and skipped; the number of files saved is returned.
func DownloadResults(ctx context.Context, client *http.Client, records []job.Record, dir string, logger *zap.Logger) int {
	if logger == nil {
		logger = zap.NewNop()
	}
	saved := 0
	for _, r := range records {
		if ctx.Err() != nil {
			break
		}
		if r.DownloadURL == nil || *r.DownloadURL == "" {
			logger.Warn("No output to download", zap.String("input_file", r.InputFile))
			continue
		}
		start := time.Now()
		dest, err := Download(ctx, client, *r.DownloadURL, dir)
		if err != nil {
			logger.Error("Could not download output", zap.String("url", *r.DownloadURL), zap.Error(err))
			continue
		}
		saved++
		logger.Info("Saved output file", zap.String("path", dest), zap.Duration("took", time.Since(start)))
	}
	return saved
}

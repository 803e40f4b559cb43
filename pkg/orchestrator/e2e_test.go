package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kioskbench/pkg/kiosk"
	"github.com/3leaps/kioskbench/pkg/provider/file"
	"github.com/3leaps/kioskbench/pkg/report"
	"github.com/3leaps/kioskbench/pkg/upload"
)

// fakeKiosk serves the frontend API from memory. Each job reports "new" on
// its first status read and "done" afterwards. The first expire of
// rejectExpireFor answers 0.
type fakeKiosk struct {
	mu              sync.Mutex
	next            int
	statusReads     map[string]int
	expires         map[string]int
	uploads         []string
	rejectExpireFor string
}

func (k *fakeKiosk) router(t *testing.T) http.Handler {
	r := chi.NewRouter()
	r.Post(kiosk.RoutePredict, func(w http.ResponseWriter, req *http.Request) {
		var body kiosk.CreateRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		k.mu.Lock()
		k.next++
		id := fmt.Sprintf("predict:%d", k.next)
		k.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"hash": id})
	})
	r.Post(kiosk.RouteRedis, func(w http.ResponseWriter, req *http.Request) {
		var body struct{ Hash, Key string }
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		k.mu.Lock()
		defer k.mu.Unlock()
		var value any
		switch body.Key {
		case "status":
			k.statusReads[body.Hash]++
			value = "new"
			if k.statusReads[body.Hash] > 1 {
				value = "done"
			}
		case "created_at":
			value = "2024-01-01T00:00:00Z"
		case "finished_at":
			value = "2024-01-01T00:00:05Z"
		case "output_url":
			value = "https://storage.example.com/output/" + body.Hash + ".zip"
		case "total_time", "prediction_time":
			value = 5.5
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"value": value})
	})
	r.Post(kiosk.RouteExpire, func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Hash     string `json:"hash"`
			ExpireIn int    `json:"expireIn"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		k.mu.Lock()
		defer k.mu.Unlock()
		k.expires[body.Hash]++
		value := 1
		if body.Hash == k.rejectExpireFor && k.expires[body.Hash] == 1 {
			value = 0
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"value": value})
	})
	r.Post(kiosk.RouteUpload, func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseMultipartForm(1<<20))
		_, hdr, err := req.FormFile("file")
		require.NoError(t, err)
		k.mu.Lock()
		k.uploads = append(k.uploads, hdr.Filename)
		k.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"uploadedName": "uploads/" + hdr.Filename})
	})
	return r
}

func TestEndToEnd_BurstWithUploadThroughKiosk(t *testing.T) {
	fk := &fakeKiosk{statusReads: map[string]int{}, expires: map[string]int{}, rejectExpireFor: "predict:2"}
	srv := httptest.NewServer(fk.router(t))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "cells.png")
	writePNG(t, src)

	cfg := DefaultConfig()
	cfg.Host = srv.URL
	cfg.Model = "NuclearSegmentation:0"
	cfg.RefreshRate = 5 * time.Millisecond
	cfg.UpdateInterval = time.Millisecond
	cfg.StartDelay = time.Millisecond
	cfg.OutputDir = t.TempDir()
	cfg.UploadResults = true

	reg := prometheus.NewRegistry()
	o, err := New(cfg, Deps{Metrics: NewMetrics(reg)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := o.RunBurst(ctx, src, 3, true)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Report.NumJobs)
	assert.Equal(t, 1, res.Restarts)
	for _, rec := range res.Report.JobData {
		require.NotNil(t, rec.Status)
		assert.Equal(t, "done", *rec.Status)
		assert.Equal(t, "NuclearSegmentation:0", rec.Model)
		assert.Equal(t, src, rec.InputFile)
		require.NotNil(t, rec.DownloadURL)
	}

	written, err := report.Read(res.ReportPath)
	require.NoError(t, err)
	assert.Len(t, written.JobData, 3)

	fk.mu.Lock()
	// Three hashed inputs; the report is not sent since the kiosk cannot
	// place it under the output prefix.
	require.Len(t, fk.uploads, 3)
	for _, name := range fk.uploads {
		assert.NotEqual(t, filepath.Base(res.ReportPath), name)
	}
	assert.Equal(t, 2, fk.expires["predict:2"])
	fk.mu.Unlock()

	assert.False(t, o.Config().UploadResults)
	assert.Empty(t, res.UploadedAs)
	assert.Equal(t, float64(1), testutil.ToFloat64(o.metrics.retries))
	assert.Equal(t, float64(3), testutil.ToFloat64(o.metrics.uploads))
	assert.Equal(t, float64(1), testutil.ToFloat64(o.metrics.finalized))
	assert.Equal(t, float64(3), testutil.ToFloat64(o.metrics.jobs.WithLabelValues("expired")))

	_, err = os.Stat(res.ReportPath)
	require.NoError(t, err)
}

func TestEndToEnd_ReportUploadedUnderOutputPrefix(t *testing.T) {
	fk := &fakeKiosk{statusReads: map[string]int{}, expires: map[string]int{}}
	srv := httptest.NewServer(fk.router(t))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "cells.png")
	writePNG(t, src)

	bucket := t.TempDir()
	fp, err := file.New(file.Config{BaseDir: bucket})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Host = srv.URL
	cfg.Model = "NuclearSegmentation:0"
	cfg.RefreshRate = 5 * time.Millisecond
	cfg.UpdateInterval = time.Millisecond
	cfg.StartDelay = time.Millisecond
	cfg.OutputDir = t.TempDir()
	cfg.UploadResults = true

	o, err := New(cfg, Deps{Gateway: upload.NewStorageGateway(fp, nil)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := o.RunBurst(ctx, src, 1, false)
	require.NoError(t, err)

	base := filepath.Base(res.ReportPath)
	assert.Equal(t, base, res.UploadedAs)
	_, err = os.Stat(filepath.Join(bucket, ReportPrefix, base))
	require.NoError(t, err)
}

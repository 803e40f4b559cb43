package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, line []byte) (Record, map[string]any) {
	t.Helper()
	var rec Record
	require.NoError(t, json.Unmarshal(line, &rec))
	var data map[string]any
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	return rec, data
}

func TestJSONLWriter_Envelope(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "c-123", "burst")
	w.now = func() time.Time { return time.Date(2024, 1, 15, 12, 0, 0, 0, time.FixedZone("x", 3600)) }

	require.NoError(t, w.WriteProgress(context.Background(), &ProgressRecord{
		Tick: 3, Total: 10, Created: 10, Expired: 4, Statuses: map[string]int{"done": 4, "new": 6},
	}))

	rec, data := decodeLine(t, buf.Bytes())
	assert.Equal(t, TypeProgress, rec.Type)
	assert.Equal(t, "c-123", rec.CampaignID)
	assert.Equal(t, "burst", rec.Strategy)
	assert.Equal(t, time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC), rec.TS)
	assert.Equal(t, float64(4), data["expired"])
	assert.Equal(t, map[string]any{"done": float64(4), "new": float64(6)}, data["statuses"])
}

func TestJSONLWriter_RecordTypes(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		write    func(w *JSONLWriter) error
		wantType string
		wantKey  string
	}{
		{"retry", func(w *JSONLWriter) error {
			return w.WriteRetry(ctx, &RetryRecord{Index: 2, JobID: "predict:1", Delay: time.Second})
		}, TypeRetry, "delay_ns"},
		{"upload", func(w *JSONLWriter) error {
			return w.WriteUpload(ctx, &UploadRecord{Source: "a.tif", Name: "x.tif"})
		}, TypeUpload, "name"},
		{"summary", func(w *JSONLWriter) error {
			return w.WriteSummary(ctx, &SummaryRecord{NumJobs: 3, DurationHuman: "3s"})
		}, TypeSummary, "num_jobs"},
		{"preflight", func(w *JSONLWriter) error {
			return w.WritePreflight(ctx, &PreflightRecord{Mode: "write", Results: []PreflightCheckResult{{Capability: "storage.write", Allowed: true}}})
		}, TypePreflight, "results"},
		{"error", func(w *JSONLWriter) error {
			return w.WriteError(ctx, &ErrorRecord{Code: ErrCodeCost, Message: "grafana down"})
		}, TypeError, "code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewJSONLWriter(&buf, "c", "batch")
			require.NoError(t, tt.write(w))
			rec, data := decodeLine(t, buf.Bytes())
			assert.Equal(t, tt.wantType, rec.Type)
			assert.Contains(t, data, tt.wantKey)
		})
	}
}

func TestJSONLWriter_Closed(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "c", "batch")
	require.NoError(t, w.Close())
	err := w.WriteSummary(context.Background(), &SummaryRecord{})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Zero(t, buf.Len())
}

func TestJSONLWriter_CancelledContext(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "c", "batch")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.WriteProgress(ctx, &ProgressRecord{}), context.Canceled)
}

type shortWriter struct {
	buf bytes.Buffer
}

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > 7 {
		p = p[:7]
	}
	return s.buf.Write(p)
}

type stuckWriter struct{}

func (stuckWriter) Write([]byte) (int, error) { return 0, nil }

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestJSONLWriter_ShortWrites(t *testing.T) {
	sw := &shortWriter{}
	w := NewJSONLWriter(sw, "c", "batch")
	require.NoError(t, w.WriteError(context.Background(), &ErrorRecord{Code: ErrCodeInternal, Message: "x"}))
	assert.True(t, strings.HasSuffix(sw.buf.String(), "}\n"))
	decodeLine(t, bytes.TrimSpace(sw.buf.Bytes()))

	err := NewJSONLWriter(stuckWriter{}, "c", "batch").WriteError(context.Background(), &ErrorRecord{})
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "write", we.Op)
	assert.ErrorIs(t, err, io.ErrShortWrite)

	err = NewJSONLWriter(failingWriter{}, "c", "batch").WriteError(context.Background(), &ErrorRecord{})
	assert.EqualError(t, err, "output: write: disk full")
}

func TestJSONLWriter_ConcurrentLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "c", "burst")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = w.WriteRetry(context.Background(), &RetryRecord{Index: i})
		}(i)
	}
	wg.Wait()

	lines := 0
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		rec, _ := decodeLine(t, sc.Bytes())
		assert.Equal(t, TypeRetry, rec.Type)
		lines++
	}
	assert.Equal(t, 50, lines)
}

func TestDiscard(t *testing.T) {
	var w Writer = Discard{}
	assert.NoError(t, w.WriteProgress(context.Background(), &ProgressRecord{}))
	assert.NoError(t, w.Close())
}

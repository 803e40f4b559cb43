package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits campaign events. Implementations must be safe for
// concurrent use.
type Writer interface {
	WriteProgress(ctx context.Context, prog *ProgressRecord) error
	WriteRetry(ctx context.Context, retry *RetryRecord) error
	WriteUpload(ctx context.Context, upload *UploadRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error
	WritePreflight(ctx context.Context, preflight *PreflightRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	Close() error
}

// JSONLWriter writes one envelope per line to an io.Writer. Writes are
// serialized so lines never interleave.
type JSONLWriter struct {
	w          io.Writer
	campaignID string
	strategy   string
	now        func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter returns a writer stamping every record with campaignID
// and strategy.
func NewJSONLWriter(w io.Writer, campaignID, strategy string) *JSONLWriter {
	return &JSONLWriter{w: w, campaignID: campaignID, strategy: strategy, now: time.Now}
}

func (jw *JSONLWriter) WriteProgress(ctx context.Context, prog *ProgressRecord) error {
	return jw.writeRecord(ctx, TypeProgress, prog)
}

func (jw *JSONLWriter) WriteRetry(ctx context.Context, retry *RetryRecord) error {
	return jw.writeRecord(ctx, TypeRetry, retry)
}

func (jw *JSONLWriter) WriteUpload(ctx context.Context, upload *UploadRecord) error {
	return jw.writeRecord(ctx, TypeUpload, upload)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

func (jw *JSONLWriter) WritePreflight(ctx context.Context, preflight *PreflightRecord) error {
	return jw.writeRecord(ctx, TypePreflight, preflight)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// Close marks the writer closed. The underlying io.Writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	recordBytes, err := json.Marshal(Record{
		Type:       recordType,
		TS:         jw.now().UTC(),
		CampaignID: jw.campaignID,
		Strategy:   jw.strategy,
		Data:       dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may report a short write without an error; a truncated
	// line would corrupt the stream.
	if err := writeAll(jw.w, append(recordBytes, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Discard is a Writer that drops every record.
type Discard struct{}

func (Discard) WriteProgress(context.Context, *ProgressRecord) error   { return nil }
func (Discard) WriteRetry(context.Context, *RetryRecord) error         { return nil }
func (Discard) WriteUpload(context.Context, *UploadRecord) error       { return nil }
func (Discard) WriteSummary(context.Context, *SummaryRecord) error     { return nil }
func (Discard) WritePreflight(context.Context, *PreflightRecord) error { return nil }
func (Discard) WriteError(context.Context, *ErrorRecord) error         { return nil }
func (Discard) Close() error                                           { return nil }

var (
	_ Writer = (*JSONLWriter)(nil)
	_ Writer = Discard{}
)

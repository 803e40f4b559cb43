// Package preflight verifies, before any job is created, that the campaign
// can reach the kiosk and write to its upload target.
package preflight

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/kioskbench/pkg/output"
	"github.com/3leaps/kioskbench/pkg/provider"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	ModePlanOnly   Mode = "plan-only"
	ModeReadSafe   Mode = "read-safe"
	ModeWriteProbe Mode = "write-probe"
)

// ParseMode validates s. Empty means read-safe.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.TrimSpace(s)) {
	case "", ModeReadSafe:
		return ModeReadSafe, nil
	case ModePlanOnly:
		return ModePlanOnly, nil
	case ModeWriteProbe:
		return ModeWriteProbe, nil
	default:
		return "", fmt.Errorf("unknown preflight mode %q", s)
	}
}

// ProbeStrategy selects a provider-specific write probe strategy.
type ProbeStrategy string

const (
	ProbeMultipartAbort ProbeStrategy = "multipart-abort"
	ProbePutDelete      ProbeStrategy = "put-delete"
)

// DefaultProbePrefix is where probe keys are created.
const DefaultProbePrefix = "_kioskbench/probe/"

// Spec controls how preflight checks are executed.
type Spec struct {
	Mode          Mode
	ProbeStrategy ProbeStrategy
	ProbePrefix   string
}

// Capability names are stable strings used in JSONL output.
const (
	CapKioskReach  = "kiosk.reach"
	CapTargetHead  = "target.head"
	CapTargetWrite = "target.write"
)

// Pinger is satisfied by the kiosk client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Campaign runs the checks spec.Mode allows. dst is nil when inputs are
// uploaded through the kiosk itself. Checks stop at the first failure, whose
// error is returned alongside the partial record.
//
// Ordering: kiosk reach → target head → target write probe (write-probe only).
func Campaign(ctx context.Context, kiosk Pinger, dst provider.Provider, spec Spec) (*output.PreflightRecord, error) {
	rec := newRecord(spec)
	if spec.Mode == ModePlanOnly {
		return rec, nil
	}

	if kiosk != nil {
		if err := kiosk.Ping(ctx); err != nil {
			rec.Results = append(rec.Results, denied(CapKioskReach, "GET /", err))
			return rec, fmt.Errorf("kiosk unreachable: %w", err)
		}
		rec.Results = append(rec.Results, allowed(CapKioskReach, "GET /"))
	}

	if dst == nil {
		return rec, nil
	}

	probeKey := joinPrefix(probePrefix(spec), "head-"+uuid.NewString())
	if _, err := dst.Head(ctx, probeKey); err != nil && !provider.IsNotFound(err) {
		rec.Results = append(rec.Results, denied(CapTargetHead, "Head(random)", err))
		return rec, err
	}
	rec.Results = append(rec.Results, allowed(CapTargetHead, "Head(random)"))

	if spec.Mode != ModeWriteProbe {
		return rec, nil
	}
	probeRec, err := WriteProbe(ctx, dst, spec)
	rec.Results = append(rec.Results, probeRec.Results...)
	return rec, err
}

// WriteProbe proves write access with minimal side effects. The
// multipart-abort strategy falls back to put-delete when the provider has no
// multipart support.
func WriteProbe(ctx context.Context, dst provider.Provider, spec Spec) (*output.PreflightRecord, error) {
	rec := newRecord(spec)
	key := joinPrefix(probePrefix(spec), "write-"+uuid.NewString())

	strategy := spec.ProbeStrategy
	if strategy == "" {
		strategy = ProbeMultipartAbort
	}
	if mp, ok := dst.(provider.MultipartUploader); ok && strategy == ProbeMultipartAbort {
		const method = "CreateMultipartUpload+Abort"
		uploadID, err := mp.CreateMultipartUpload(ctx, key)
		if err != nil {
			rec.Results = append(rec.Results, denied(CapTargetWrite, method, err))
			return rec, err
		}
		if err := mp.AbortMultipartUpload(ctx, key, uploadID); err != nil {
			rec.Results = append(rec.Results, denied(CapTargetWrite, method, err))
			return rec, fmt.Errorf("abort probe upload %s: %w", key, err)
		}
		rec.Results = append(rec.Results, allowed(CapTargetWrite, method))
		return rec, nil
	}

	const method = "PutObject+Delete"
	deleter, ok := dst.(provider.ObjectDeleter)
	if !ok {
		err := fmt.Errorf("target provider cannot delete objects; refusing to leave a probe behind")
		rec.Results = append(rec.Results, output.PreflightCheckResult{
			Capability: CapTargetWrite,
			Allowed:    false,
			Method:     method,
			ErrorCode:  output.ErrCodeInternal,
			Detail:     err.Error(),
		})
		return rec, err
	}
	if err := dst.PutObject(ctx, key, strings.NewReader(""), 0); err != nil {
		rec.Results = append(rec.Results, denied(CapTargetWrite, method, err))
		return rec, err
	}
	if err := deleter.DeleteObject(ctx, key); err != nil {
		rec.Results = append(rec.Results, denied(CapTargetWrite, method, err))
		return rec, fmt.Errorf("delete probe object %s: %w", key, err)
	}
	rec.Results = append(rec.Results, allowed(CapTargetWrite, method))
	return rec, nil
}

// Failed returns the first denied check, if any.
func Failed(rec *output.PreflightRecord) (output.PreflightCheckResult, bool) {
	if rec == nil {
		return output.PreflightCheckResult{}, false
	}
	for _, r := range rec.Results {
		if !r.Allowed {
			return r, true
		}
	}
	return output.PreflightCheckResult{}, false
}

func newRecord(spec Spec) *output.PreflightRecord {
	return &output.PreflightRecord{
		Mode:          string(spec.Mode),
		ProbeStrategy: string(spec.ProbeStrategy),
		ProbePrefix:   spec.ProbePrefix,
		Results:       []output.PreflightCheckResult{},
	}
}

func allowed(capability, method string) output.PreflightCheckResult {
	return output.PreflightCheckResult{Capability: capability, Allowed: true, Method: method}
}

func denied(capability, method string, err error) output.PreflightCheckResult {
	return output.PreflightCheckResult{
		Capability: capability,
		Allowed:    false,
		Method:     method,
		ErrorCode:  normalizeErrorCode(err),
		Detail:     err.Error(),
	}
}

func probePrefix(spec Spec) string {
	if spec.ProbePrefix == "" {
		return DefaultProbePrefix
	}
	return spec.ProbePrefix
}

func normalizeErrorCode(err error) string {
	switch {
	case provider.IsAccessDenied(err), provider.IsInvalidCredentials(err):
		return output.ErrCodeAccessDenied
	case provider.IsBucketNotFound(err), provider.IsNotFound(err):
		return output.ErrCodeNotFound
	case provider.IsThrottled(err):
		return output.ErrCodeThrottled
	default:
		return output.ErrCodeInternal
	}
}

func joinPrefix(prefix, suffix string) string {
	if prefix == "" {
		return strings.TrimPrefix(suffix, "/")
	}
	if strings.HasSuffix(prefix, "/") {
		return prefix + strings.TrimPrefix(suffix, "/")
	}
	return prefix + "/" + strings.TrimPrefix(suffix, "/")
}

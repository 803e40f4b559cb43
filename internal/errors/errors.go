// Package errors provides the application error type shared by the CLI and
// the status server and the JSON error body served over HTTP. Errors are
// carried as gofulmen error envelopes; process exit codes come from
// gofulmen/foundry.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// Error codes used in AppError and the HTTP body.
const (
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError is an error envelope plus the cause it was raised for.
type AppError struct {
	Envelope *gferrors.ErrorEnvelope
	Err      error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Envelope.Message, e.Err)
	}
	return e.Envelope.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// Code returns the envelope code.
func (e *AppError) Code() string { return e.Envelope.Code }

// Details returns the envelope context.
func (e *AppError) Details() map[string]any { return e.Envelope.Context }

// WithDetails returns a copy of e whose envelope carries details. Details the
// envelope rejects are dropped.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	env := gferrors.NewErrorEnvelope(e.Envelope.Code, e.Envelope.Message)
	if withCtx, err := env.WithContext(details); err == nil {
		env = withCtx
	}
	return &AppError{Envelope: env, Err: e.Err}
}

// New returns an AppError with code and message.
func New(code, message string) *AppError {
	return &AppError{Envelope: gferrors.NewErrorEnvelope(code, message)}
}

// NewExternalServiceError reports a dependency that could not be reached.
func NewExternalServiceError(message string) *AppError {
	return New(CodeExternalService, message)
}

// WrapInternal wraps err as an internal error. A cancelled ctx wins over err
// so callers can tell an interrupt from a fault.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	if ctx != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	app := New(CodeInternal, message)
	app.Err = err
	return app
}

// CodeOf returns the AppError code in err's chain, or CodeInternal.
func CodeOf(err error) string {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code()
	}
	return CodeInternal
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code string) int {
	switch code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the "error" member of HTTPErrorResponse.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON body of every error the server returns.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// WriteEnvelope writes env with an explicit status. The envelope's
// correlation id is served as the request id.
func WriteEnvelope(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		Details:   env.Context,
		RequestID: env.CorrelationID,
	}})
}

// RespondWithError writes err as an error envelope. The status is derived
// from the AppError code, if any.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	code, message := CodeInternal, "internal error"
	var details map[string]any
	var app *AppError
	if errors.As(err, &app) {
		code, message, details = app.Code(), app.Envelope.Message, app.Details()
	} else if err != nil {
		message = err.Error()
	}

	env := gferrors.NewErrorEnvelope(code, message)
	if len(details) > 0 {
		if withCtx, ctxErr := env.WithContext(details); ctxErr == nil {
			env = withCtx
		}
	}
	if r != nil {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			env = env.WithCorrelationID(id)
		}
	}
	WriteEnvelope(w, StatusFor(code), env)
}

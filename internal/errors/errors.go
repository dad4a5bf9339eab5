// Package errors renders the service's JSON error envelope and maps domain
// errors onto HTTP status codes.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/3leaps/clipforge/pkg/job"
	"github.com/3leaps/clipforge/pkg/provider"
	"github.com/3leaps/clipforge/pkg/uploads"
)

// Error codes used in the envelope.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeNotImplemented     = "NOT_IMPLEMENTED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPError is the body of an error envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON shape of every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

type requestIDKey struct{}

// WithRequestID stores the request id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WriteError writes an envelope with the given status and code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	resp := HTTPErrorResponse{Error: HTTPError{
		Code:    code,
		Message: message,
		Details: details,
	}}
	if r != nil {
		resp.Error.RequestID = RequestIDFromContext(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// RespondWithError maps err to a status and code and writes the envelope.
// Unrecognized errors become a 500 without leaking their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	message := err.Error()
	var details map[string]any

	var verr *job.ValidationError
	var conflict *job.ConflictError
	switch {
	case stderrors.As(err, &verr):
		message = "invalid request"
		details = map[string]any{"problems": verr.Problems}
	case stderrors.As(err, &conflict):
		details = map[string]any{"jobId": conflict.JobID, "state": string(conflict.Actual)}
	case status == http.StatusInternalServerError:
		message = "internal server error"
	case status == http.StatusServiceUnavailable:
		message = "upstream service unavailable"
	}

	WriteError(w, r, status, code, message, details)
}

// Classify returns the HTTP status and envelope code for err.
func Classify(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case stderrors.Is(err, job.ErrInvalidRequest),
		stderrors.Is(err, uploads.ErrInvalidRequest),
		stderrors.Is(err, provider.ErrInvalidKey),
		stderrors.Is(err, provider.ErrInvalidParts):
		return http.StatusBadRequest, CodeInvalidRequest
	case stderrors.Is(err, job.ErrForbidden),
		stderrors.Is(err, uploads.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case stderrors.Is(err, job.ErrNotFound),
		stderrors.Is(err, provider.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case stderrors.Is(err, job.ErrConflict):
		return http.StatusConflict, CodeConflict
	case stderrors.Is(err, provider.ErrUnsupported):
		return http.StatusNotImplemented, CodeNotImplemented
	case provider.IsTemporary(err):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

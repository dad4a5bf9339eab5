package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/clipforge/pkg/job"
	"github.com/3leaps/clipforge/pkg/provider"
	"github.com/3leaps/clipforge/pkg/uploads"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &job.ValidationError{Problems: []string{"x"}}, http.StatusBadRequest, CodeInvalidRequest},
		{"upload input", fmt.Errorf("parts: %w", uploads.ErrInvalidRequest), http.StatusBadRequest, CodeInvalidRequest},
		{"invalid parts", &provider.ProviderError{Op: "CompleteMultipartUpload", Err: provider.ErrInvalidParts}, http.StatusBadRequest, CodeInvalidRequest},
		{"job forbidden", job.ErrForbidden, http.StatusForbidden, CodeForbidden},
		{"upload forbidden", uploads.ErrForbidden, http.StatusForbidden, CodeForbidden},
		{"job not found", job.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"object not found", &provider.ProviderError{Op: "Head", Err: provider.ErrNotFound}, http.StatusNotFound, CodeNotFound},
		{"conflict", &job.ConflictError{JobID: "j", Expected: job.StateProcessing, Actual: job.StateCompleted}, http.StatusConflict, CodeConflict},
		{"unsupported", provider.ErrUnsupported, http.StatusNotImplemented, CodeNotImplemented},
		{"throttled", provider.ErrThrottled, http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"unknown", assert.AnError, http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) HTTPErrorResponse {
	t.Helper()
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestRespondWithError_Validation(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/video/crop", nil)
	req = req.WithContext(WithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, &job.ValidationError{Problems: []string{"start must be a number"}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode(t, rec)
	assert.Equal(t, CodeInvalidRequest, body.Error.Code)
	assert.Equal(t, "req-1", body.Error.RequestID)
	assert.Equal(t, []any{"start must be a number"}, body.Error.Details["problems"])
}

func TestRespondWithError_HidesInternalText(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, fmt.Errorf("sqlite: disk I/O error at /var/lib/secret.db"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "internal server error", body.Error.Message)
	assert.NotContains(t, rec.Body.String(), "secret.db")
}

func TestRespondWithError_Conflict(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, nil, &job.ConflictError{JobID: "j-1", Expected: job.StateProcessing, Actual: job.StateFailed})

	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "j-1", body.Error.Details["jobId"])
	assert.Equal(t, "failed", body.Error.Details["state"])
}

func TestRequestIDContext(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
	ctx := WithRequestID(context.Background(), "abc")
	assert.Equal(t, "abc", RequestIDFromContext(ctx))
}

package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRecovery_PassesThrough(t *testing.T) {
	h := Recovery(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"jobId":"j1","status":"pending"}`))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/video/crop", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"jobId":"j1","status":"pending"}`, rec.Body.String())
}

func TestRecovery_Panics(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	recovery := Recovery(zap.New(core))

	tests := []struct {
		name  string
		value any
	}{
		{"string", "nil map write in crop handler"},
		{"error", assert.AnError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RequestID(recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic(tt.value)
			})))

			req := httptest.NewRequest(http.MethodGet, "/api/video/crop/j1", nil)
			req.Header.Set(RequestIDHeader, "req-"+tt.name)
			rec := httptest.NewRecorder()
			require.NotPanics(t, func() { h.ServeHTTP(rec, req) })

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			resp := decodeEnvelope(t, rec)
			assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
			assert.Equal(t, "internal server error", resp.Error.Message)
			assert.Equal(t, "req-"+tt.name, resp.Error.RequestID)
		})
	}

	entries := logs.FilterMessage("Recovered from handler panic").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "nil map write in crop handler", entries[0].ContextMap()["panic"])
	assert.Equal(t, "/api/video/crop/j1", entries[0].ContextMap()["path"])
}

func TestRecovery_AbortHandlerIsRepanicked(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.Panics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Len(t, seen, 36)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "edge-42")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "edge-42", seen)
		assert.Equal(t, "edge-42", rec.Header().Get(RequestIDHeader))
	})
}

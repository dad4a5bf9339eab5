package handlers

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/clipforge/pkg/provider"
	"github.com/3leaps/clipforge/pkg/uploads"
)

type fakeUploads struct {
	calls    []string
	lastUser string
	parts    []provider.CompletedPart
	err      error
}

func (f *fakeUploads) record(op, user string) error {
	f.calls = append(f.calls, op)
	f.lastUser = user
	return f.err
}

func (f *fakeUploads) Initiate(_ context.Context, userID, filename, _ string) (*uploads.Upload, error) {
	if err := f.record("initiate", userID); err != nil {
		return nil, err
	}
	return &uploads.Upload{UploadID: "up-1", Key: "uploads/" + userID + "/k-" + filename}, nil
}

func (f *fakeUploads) PartURLs(_ context.Context, userID, key, uploadID string, partNumbers []int) ([]provider.PartURL, error) {
	if err := f.record("parts", userID); err != nil {
		return nil, err
	}
	out := make([]provider.PartURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		out = append(out, provider.PartURL{PartNumber: n, URL: fmt.Sprintf("https://s3/%s?uploadId=%s&partNumber=%d", key, uploadID, n)})
	}
	return out, nil
}

func (f *fakeUploads) Complete(_ context.Context, userID, key, _ string, parts []provider.CompletedPart) (string, error) {
	if err := f.record("complete", userID); err != nil {
		return "", err
	}
	f.parts = parts
	return "https://s3/" + key, nil
}

func (f *fakeUploads) Abort(_ context.Context, userID, _, _ string) error {
	return f.record("abort", userID)
}

func (f *fakeUploads) PresignUpload(_ context.Context, userID, filename, _ string) (*uploads.Upload, error) {
	if err := f.record("presign", userID); err != nil {
		return nil, err
	}
	return &uploads.Upload{Key: "uploads/" + userID + "/k-" + filename, URL: "https://s3/put"}, nil
}

func uploadRouter(svc UploadService, userID string) http.Handler {
	h := NewUploadHandler(svc, nil, 0)
	r := chi.NewRouter()
	r.Use(asUser(userID))
	r.Post("/api/s3-multipart/initiate", h.Initiate)
	r.Post("/api/s3-multipart/presigned-urls", h.PartURLs)
	r.Post("/api/s3-multipart/complete", h.Complete)
	r.Post("/api/s3-multipart/abort", h.Abort)
	r.Post("/api/upload-url", h.UploadURL)
	return r
}

func TestUploadHandler_MultipartFlow(t *testing.T) {
	svc := &fakeUploads{}
	h := uploadRouter(svc, "u1")

	rec := do(t, h, http.MethodPost, "/api/s3-multipart/initiate", `{"filename":"in.mp4","contentType":"video/mp4"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	init := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "up-1", init["uploadId"])
	assert.Equal(t, "uploads/u1/k-in.mp4", init["key"])

	rec = do(t, h, http.MethodPost, "/api/s3-multipart/presigned-urls",
		`{"key":"uploads/u1/k-in.mp4","uploadId":"up-1","partNumbers":[1,2,3],"contentType":"video/mp4"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	urls := decodeBody[partURLsResponse](t, rec)
	require.Len(t, urls.URLs, 3)
	assert.Equal(t, 2, urls.URLs[1].PartNumber)
	assert.Contains(t, urls.URLs[1].URL, "partNumber=2")

	rec = do(t, h, http.MethodPost, "/api/s3-multipart/complete",
		`{"key":"uploads/u1/k-in.mp4","uploadId":"up-1","parts":[{"ETag":"\"a\"","PartNumber":1},{"ETag":"b","PartNumber":2}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://s3/uploads/u1/k-in.mp4", decodeBody[completeResponse](t, rec).FileURL)
	require.Len(t, svc.parts, 2)
	assert.Equal(t, `"a"`, svc.parts[0].ETag)
	assert.Equal(t, 2, svc.parts[1].PartNumber)

	rec = do(t, h, http.MethodPost, "/api/s3-multipart/abort", `{"key":"uploads/u1/k-in.mp4","uploadId":"up-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[successResponse](t, rec).Success)

	assert.Equal(t, []string{"initiate", "parts", "complete", "abort"}, svc.calls)
	assert.Equal(t, "u1", svc.lastUser)
}

func TestUploadHandler_UploadURL(t *testing.T) {
	rec := do(t, uploadRouter(&fakeUploads{}, "u1"), http.MethodPost, "/api/upload-url", `{"filename":"clip.mp4"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[uploadURLResponse](t, rec)
	assert.Equal(t, "https://s3/put", body.URL)
	assert.Equal(t, "uploads/u1/k-clip.mp4", body.Key)
}

func TestUploadHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		err    error
		path   string
		body   string
		status int
		code   string
	}{
		{"unauthenticated", "", nil, "/api/s3-multipart/initiate", `{"filename":"a"}`, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"malformed", "u1", nil, "/api/s3-multipart/complete", `{"parts":`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"invalid", "u1", fmt.Errorf("%w: parts is required", uploads.ErrInvalidRequest), "/api/s3-multipart/complete", `{}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"foreign key", "u1", uploads.ErrForbidden, "/api/s3-multipart/abort", `{"key":"uploads/u2/x","uploadId":"1"}`, http.StatusForbidden, "FORBIDDEN"},
		{"unsupported", "u1", fmt.Errorf("multipart upload: %w", provider.ErrUnsupported), "/api/s3-multipart/initiate", `{"filename":"a"}`, http.StatusNotImplemented, "NOT_IMPLEMENTED"},
		{"store down", "u1", provider.ErrProviderUnavailable, "/api/upload-url", `{"filename":"a"}`, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, uploadRouter(&fakeUploads{err: tt.err}, tt.user), http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeBody[errorBody](t, rec).Error.Code)
		})
	}
}

package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/clipforge/internal/errors"
	"github.com/3leaps/clipforge/internal/server/middleware"
	"github.com/3leaps/clipforge/pkg/provider"
	"github.com/3leaps/clipforge/pkg/uploads"
)

// UploadService mediates client uploads. It never sees part bytes.
type UploadService interface {
	Initiate(ctx context.Context, userID, filename, contentType string) (*uploads.Upload, error)
	PartURLs(ctx context.Context, userID, key, uploadID string, partNumbers []int) ([]provider.PartURL, error)
	Complete(ctx context.Context, userID, key, uploadID string, parts []provider.CompletedPart) (string, error)
	Abort(ctx context.Context, userID, key, uploadID string) error
	PresignUpload(ctx context.Context, userID, filename, contentType string) (*uploads.Upload, error)
}

// UploadHandler serves the multipart and single-PUT upload endpoints.
type UploadHandler struct {
	uploads      UploadService
	logger       *zap.Logger
	maxBodyBytes int64
}

// NewUploadHandler returns a handler backed by svc.
func NewUploadHandler(svc UploadService, logger *zap.Logger, maxBodyBytes int64) *UploadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadHandler{uploads: svc, logger: logger, maxBodyBytes: maxBodyBytes}
}

type initiateRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

type initiateResponse struct {
	UploadID string `json:"uploadId"`
	Key      string `json:"key"`
}

type partURLsRequest struct {
	Key         string `json:"key"`
	UploadID    string `json:"uploadId"`
	PartNumbers []int  `json:"partNumbers"`
	ContentType string `json:"contentType"`
}

type partURLsResponse struct {
	URLs []provider.PartURL `json:"urls"`
}

type completeRequest struct {
	Key      string                   `json:"key"`
	UploadID string                   `json:"uploadId"`
	Parts    []provider.CompletedPart `json:"parts"`
}

type completeResponse struct {
	FileURL string `json:"fileUrl"`
}

type abortRequest struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

type uploadURLResponse struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// decode authenticates the caller and reads the body into dst. It writes
// the error response itself and reports whether to continue.
func (h *UploadHandler) decode(w http.ResponseWriter, r *http.Request, dst any) (middleware.User, bool) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		apperrors.WriteError(w, r, http.StatusUnauthorized, apperrors.CodeUnauthorized, "authentication required", nil)
		return user, false
	}
	if err := decodeJSON(w, r, h.maxBodyBytes, dst); err != nil {
		respondWithError(w, r, err)
		return user, false
	}
	return user, true
}

func (h *UploadHandler) fail(w http.ResponseWriter, r *http.Request, op string, user middleware.User, err error) {
	if status, _ := apperrors.Classify(err); status >= http.StatusInternalServerError {
		h.logger.Error("Upload operation failed", zap.String("op", op), zap.String("user_id", user.ID), zap.Error(err))
	}
	respondWithError(w, r, err)
}

// Initiate handles POST /api/s3-multipart/initiate.
func (h *UploadHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var body initiateRequest
	user, ok := h.decode(w, r, &body)
	if !ok {
		return
	}
	up, err := h.uploads.Initiate(r.Context(), user.ID, body.Filename, body.ContentType)
	if err != nil {
		h.fail(w, r, "initiate", user, err)
		return
	}
	h.logger.Debug("Multipart upload initiated", zap.String("key", up.Key), zap.String("user_id", user.ID))
	writeJSON(w, http.StatusOK, initiateResponse{UploadID: up.UploadID, Key: up.Key})
}

// PartURLs handles POST /api/s3-multipart/presigned-urls.
func (h *UploadHandler) PartURLs(w http.ResponseWriter, r *http.Request) {
	var body partURLsRequest
	user, ok := h.decode(w, r, &body)
	if !ok {
		return
	}
	urls, err := h.uploads.PartURLs(r.Context(), user.ID, body.Key, body.UploadID, body.PartNumbers)
	if err != nil {
		h.fail(w, r, "presigned-urls", user, err)
		return
	}
	writeJSON(w, http.StatusOK, partURLsResponse{URLs: urls})
}

// Complete handles POST /api/s3-multipart/complete.
func (h *UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var body completeRequest
	user, ok := h.decode(w, r, &body)
	if !ok {
		return
	}
	fileURL, err := h.uploads.Complete(r.Context(), user.ID, body.Key, body.UploadID, body.Parts)
	if err != nil {
		h.fail(w, r, "complete", user, err)
		return
	}
	h.logger.Info("Multipart upload completed",
		zap.String("key", body.Key),
		zap.String("user_id", user.ID),
		zap.Int("parts", len(body.Parts)),
	)
	writeJSON(w, http.StatusOK, completeResponse{FileURL: fileURL})
}

// Abort handles POST /api/s3-multipart/abort.
func (h *UploadHandler) Abort(w http.ResponseWriter, r *http.Request) {
	var body abortRequest
	user, ok := h.decode(w, r, &body)
	if !ok {
		return
	}
	if err := h.uploads.Abort(r.Context(), user.ID, body.Key, body.UploadID); err != nil {
		h.fail(w, r, "abort", user, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// UploadURL handles POST /api/upload-url, a presigned single PUT for small
// sources.
func (h *UploadHandler) UploadURL(w http.ResponseWriter, r *http.Request) {
	var body initiateRequest
	user, ok := h.decode(w, r, &body)
	if !ok {
		return
	}
	up, err := h.uploads.PresignUpload(r.Context(), user.ID, body.Filename, body.ContentType)
	if err != nil {
		h.fail(w, r, "upload-url", user, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadURLResponse{URL: up.URL, Key: up.Key})
}

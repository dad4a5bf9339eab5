package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/clipforge/internal/errors"
	"github.com/3leaps/clipforge/internal/server/middleware"
	"github.com/3leaps/clipforge/pkg/provider"
	"github.com/3leaps/clipforge/pkg/uploads"
)

// MediaHandler serves object deletion for finished outputs and uploads.
type MediaHandler struct {
	store        provider.Provider
	jobs         JobService
	prefixes     []string
	logger       *zap.Logger
	maxBodyBytes int64
}

// NewMediaHandler returns a handler that only deletes keys under
// <prefix>/<caller>/ for one of prefixes.
func NewMediaHandler(store provider.Provider, jobs JobService, prefixes []string, logger *zap.Logger, maxBodyBytes int64) *MediaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaHandler{store: store, jobs: jobs, prefixes: prefixes, logger: logger, maxBodyBytes: maxBodyBytes}
}

type deleteVideoRequest struct {
	S3Key string `json:"s3Key"`
}

func (h *MediaHandler) owns(userID, key string) bool {
	for _, p := range h.prefixes {
		if uploads.KeyOwnedBy(p, userID, key) {
			return true
		}
	}
	return false
}

// DeleteVideo handles DELETE /api/delete-video. It removes the object and
// every job record whose output is that object. A key with neither an
// object nor a job record is reported as not found.
func (h *MediaHandler) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		apperrors.WriteError(w, r, http.StatusUnauthorized, apperrors.CodeUnauthorized, "authentication required", nil)
		return
	}

	var body deleteVideoRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	key := strings.TrimSpace(body.S3Key)
	if key == "" {
		apperrors.WriteError(w, r, http.StatusBadRequest, apperrors.CodeInvalidRequest, "s3Key is required", nil)
		return
	}
	if !h.owns(user.ID, key) {
		apperrors.WriteError(w, r, http.StatusForbidden, apperrors.CodeForbidden, "key does not belong to the caller", nil)
		return
	}

	deleter, ok := h.store.(provider.ObjectDeleter)
	if !ok {
		respondWithError(w, r, fmt.Errorf("delete object: %w", provider.ErrUnsupported))
		return
	}

	ctx := r.Context()
	missing := false
	if _, err := h.store.Head(ctx, key); err != nil {
		if !provider.IsNotFound(err) {
			h.logger.Error("Failed to stat object", zap.String("key", key), zap.Error(err))
			respondWithError(w, r, err)
			return
		}
		missing = true
	}
	if !missing {
		if err := deleter.DeleteObject(ctx, key); err != nil && !provider.IsNotFound(err) {
			h.logger.Error("Failed to delete object", zap.String("key", key), zap.Error(err))
			respondWithError(w, r, err)
			return
		}
	}

	n, err := h.jobs.DeleteByResultKey(ctx, key)
	if err != nil {
		h.logger.Error("Failed to delete job records", zap.String("key", key), zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	if missing && n == 0 {
		apperrors.WriteError(w, r, http.StatusNotFound, apperrors.CodeNotFound, "object not found", nil)
		return
	}

	h.logger.Info("Deleted video",
		zap.String("key", key),
		zap.String("user_id", user.ID),
		zap.Bool("object_existed", !missing),
		zap.Int64("jobs_deleted", n),
	)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

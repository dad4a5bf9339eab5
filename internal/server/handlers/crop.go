package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/clipforge/internal/errors"
	"github.com/3leaps/clipforge/internal/server/middleware"
	"github.com/3leaps/clipforge/pkg/job"
	"github.com/3leaps/clipforge/pkg/jobstore"
)

// JobService is the lifecycle surface the HTTP layer drives.
type JobService interface {
	Create(ctx context.Context, req job.CreateRequest) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, opts jobstore.ListOptions) ([]job.Job, error)
	Cancel(ctx context.Context, id, userID string) (*job.Job, error)
	DeleteByResultKey(ctx context.Context, key string) (int64, error)
}

// maxListLimit caps GET /api/video/jobs.
const maxListLimit = 200

// JobHandler serves the crop job endpoints.
type JobHandler struct {
	jobs         JobService
	logger       *zap.Logger
	maxBodyBytes int64
}

// NewJobHandler returns a handler backed by jobs.
func NewJobHandler(jobs JobService, logger *zap.Logger, maxBodyBytes int64) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{jobs: jobs, logger: logger, maxBodyBytes: maxBodyBytes}
}

type createCropRequest struct {
	Type        string   `json:"type"`
	VideoURL    string   `json:"videoUrl"`
	S3Key       string   `json:"s3Key"`
	Start       *float64 `json:"start"`
	End         *float64 `json:"end"`
	AspectRatio string   `json:"aspectRatio"`
}

// JobAck acknowledges a create or cancel.
type JobAck struct {
	JobID  string    `json:"jobId"`
	Status job.State `json:"status"`
}

// JobStatus is the polling view of a job. Error and DownloadURL are null
// until the job is terminal.
type JobStatus struct {
	JobID       string    `json:"jobId"`
	Status      job.State `json:"status"`
	Progress    int       `json:"progress"`
	Error       *string   `json:"error"`
	DownloadURL *string   `json:"downloadUrl"`
	Key         *string   `json:"key"`
}

// JobList is the body of GET /api/video/jobs.
type JobList struct {
	Jobs []JobStatus `json:"jobs"`
}

// NewJobStatus renders j for polling clients.
func NewJobStatus(j *job.Job) JobStatus {
	s := JobStatus{JobID: j.ID, Status: j.State, Progress: j.Progress}
	if !j.Terminal() {
		return s
	}
	if j.Error != "" {
		msg := j.Error
		s.Error = &msg
	}
	if j.Result != nil {
		key, url := j.Result.Key, j.Result.URL
		s.Key = &key
		if url != "" {
			s.DownloadURL = &url
		}
	}
	return s
}

// Create handles POST /api/video/crop.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		apperrors.WriteError(w, r, http.StatusUnauthorized, apperrors.CodeUnauthorized, "authentication required", nil)
		return
	}

	var body createCropRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &body); err != nil {
		respondWithError(w, r, err)
		return
	}

	if body.Type == "" {
		body.Type = string(job.TypeCrop)
	}
	j, err := h.jobs.Create(r.Context(), job.CreateRequest{
		Type:        body.Type,
		VideoURL:    body.VideoURL,
		S3Key:       body.S3Key,
		Start:       body.Start,
		End:         body.End,
		AspectRatio: body.AspectRatio,
		UserID:      user.ID,
		Username:    user.Username,
	})
	if err != nil {
		if status, _ := apperrors.Classify(err); status >= http.StatusInternalServerError {
			h.logger.Error("Failed to create job", zap.String("user_id", user.ID), zap.Error(err))
		}
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, JobAck{JobID: j.ID, Status: j.State})
}

// Get handles GET /api/video/crop/{jobId}. It does not require a caller.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		if !job.IsNotFound(err) {
			h.logger.Error("Failed to read job", zap.String("job_id", chi.URLParam(r, "jobId")), zap.Error(err))
		}
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewJobStatus(j))
}

// Cancel handles DELETE /api/video/crop/{jobId}.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		apperrors.WriteError(w, r, http.StatusUnauthorized, apperrors.CodeUnauthorized, "authentication required", nil)
		return
	}

	j, err := h.jobs.Cancel(r.Context(), chi.URLParam(r, "jobId"), user.ID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobAck{JobID: j.ID, Status: j.State})
}

// List handles GET /api/video/jobs for the caller. Optional query
// parameters: state, limit.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		apperrors.WriteError(w, r, http.StatusUnauthorized, apperrors.CodeUnauthorized, "authentication required", nil)
		return
	}

	opts := jobstore.ListOptions{OwnerID: user.ID, Limit: maxListLimit}
	var problems []string
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, err := job.ParseState(raw)
		if err != nil {
			problems = append(problems, err.Error())
		}
		opts.State = state
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			problems = append(problems, "limit must be a positive integer")
		} else if n < maxListLimit {
			opts.Limit = n
		}
	}
	if len(problems) > 0 {
		respondWithError(w, r, &job.ValidationError{Problems: problems})
		return
	}

	jobs, err := h.jobs.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("Failed to list jobs", zap.String("user_id", user.ID), zap.Error(err))
		respondWithError(w, r, err)
		return
	}

	resp := JobList{Jobs: make([]JobStatus, 0, len(jobs))}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, NewJobStatus(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

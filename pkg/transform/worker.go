// Package transform runs the media work behind a crop job.
//
// A Worker fetches the source, hands it to a Transformer, uploads the output
// and reports every outcome back through a Reporter. Worker errors are never
// returned to an HTTP caller; they are recorded on the job.
package transform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/clipforge/pkg/job"
	"github.com/3leaps/clipforge/pkg/provider"
	"github.com/3leaps/clipforge/pkg/uploads"
)

// Reporter receives lifecycle callbacks for one job.
type Reporter interface {
	MarkProcessing(ctx context.Context, id string) (*job.Job, error)
	ReportProgress(ctx context.Context, id string, progress int) error
	ReportCompletion(ctx context.Context, id string, result job.ResultRef) error
	ReportFailure(ctx context.Context, id string, message string) error
}

// DefaultOutputPrefix is used when Config.OutputPrefix is empty.
const DefaultOutputPrefix = "outputs"

// DefaultProgressInterval is the minimum spacing between progress writes.
const DefaultProgressInterval = time.Second

const outputContentType = "video/mp4"

// Config configures a Worker.
type Config struct {
	// OutputPrefix is the first key segment for transform output.
	OutputPrefix string

	// WorkDir holds per-job temp directories. Empty uses os.TempDir.
	WorkDir string

	// ProgressInterval throttles intermediate progress writes.
	ProgressInterval time.Duration
}

// Worker performs one crop job end to end.
type Worker struct {
	cfg         Config
	fetcher     *SourceFetcher
	transformer Transformer
	putter      provider.ObjectPutter
	urls        provider.URLResolver
	deleter     provider.ObjectDeleter
	logger      *zap.Logger
}

// NewWorker builds a Worker writing output to store. store must support
// PutObject; URL resolution and cleanup are used when available.
func NewWorker(cfg Config, store provider.Provider, fetcher *SourceFetcher, transformer Transformer, logger *zap.Logger) (*Worker, error) {
	putter, ok := store.(provider.ObjectPutter)
	if !ok {
		return nil, fmt.Errorf("output store: put: %w", provider.ErrUnsupported)
	}
	if fetcher == nil {
		return nil, errors.New("source fetcher is required")
	}
	if transformer == nil {
		return nil, errors.New("transformer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.OutputPrefix) == "" {
		cfg.OutputPrefix = DefaultOutputPrefix
	}
	cfg.OutputPrefix = strings.Trim(cfg.OutputPrefix, "/")
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}

	w := &Worker{
		cfg:         cfg,
		fetcher:     fetcher,
		transformer: transformer,
		putter:      putter,
		logger:      logger,
	}
	w.urls, _ = store.(provider.URLResolver)
	w.deleter, _ = store.(provider.ObjectDeleter)
	return w, nil
}

// OutputKey returns the blob key for a job's output.
func (w *Worker) OutputKey(j job.Job) string {
	return OutputKey(w.cfg.OutputPrefix, j)
}

// OutputKey returns <prefix>/<user>/<jobId>.mp4.
func OutputKey(prefix string, j job.Job) string {
	return fmt.Sprintf("%s/%s/%s.mp4", strings.Trim(prefix, "/"), uploads.UserSegment(j.Owner.UserID), j.ID)
}

// Run executes j and records the outcome through r.
//
// Failures are reported with a descriptive message. When ctx is cancelled
// (job cancelled or service stopping) nothing further is reported; a
// deadline is reported as a timeout.
func (w *Worker) Run(ctx context.Context, j job.Job, r Reporter) {
	logger := w.logger.With(zap.String("job_id", j.ID), zap.String("owner", j.Owner.UserID))
	// Reports must land even after ctx ends.
	reportCtx := context.WithoutCancel(ctx)

	if _, err := r.MarkProcessing(ctx, j.ID); err != nil {
		if job.IsConflict(err) || job.IsNotFound(err) {
			logger.Info("Job no longer pending, skipping", zap.Error(err))
			return
		}
		logger.Error("Failed to mark job processing", zap.Error(err))
		w.fail(reportCtx, logger, r, j.ID, fmt.Sprintf("start job: %v", err))
		return
	}

	if err := w.execute(ctx, j, r, logger); err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			w.fail(reportCtx, logger, r, j.ID, "transform timed out")
		case ctx.Err() != nil:
			logger.Info("Job interrupted", zap.Error(ctx.Err()))
		default:
			if provider.IsMisconfigured(err) {
				logger.Error("Blob store rejected the worker", zap.Error(err))
			}
			w.fail(reportCtx, logger, r, j.ID, err.Error())
		}
	}
}

func (w *Worker) execute(ctx context.Context, j job.Job, r Reporter, logger *zap.Logger) error {
	dir, err := os.MkdirTemp(w.cfg.WorkDir, "clipforge-"+j.ID+"-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	inPath := filepath.Join(dir, "source")
	outPath := filepath.Join(dir, "output.mp4")

	n, err := w.fetcher.Fetch(ctx, j.Source, inPath)
	if err != nil {
		return fmt.Errorf("fetch source %s: %w", j.Source.String(), err)
	}
	logger.Debug("Fetched source", zap.Int64("bytes", n))

	limiter := rate.NewLimiter(rate.Every(w.cfg.ProgressInterval), 1)
	last := 0
	progress := func(p int) {
		p = job.ClampProgress(p)
		if p <= last || p >= 100 || !limiter.Allow() {
			return
		}
		last = p
		if err := r.ReportProgress(ctx, j.ID, p); err != nil {
			logger.Debug("Progress update dropped", zap.Int("progress", p), zap.Error(err))
		}
	}

	started := time.Now()
	if err := w.transformer.Transform(ctx, inPath, outPath, j.Params, progress); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	logger.Debug("Transform finished", zap.Duration("elapsed", time.Since(started)))

	key := w.OutputKey(j)
	if err := w.upload(ctx, key, outPath); err != nil {
		return fmt.Errorf("upload output: %w", err)
	}

	result := job.ResultRef{Key: key}
	if w.urls != nil {
		result.URL = w.urls.ObjectURL(key)
	}

	reportCtx := context.WithoutCancel(ctx)
	if err := r.ReportProgress(reportCtx, j.ID, 100); err != nil {
		logger.Debug("Final progress update dropped", zap.Error(err))
	}
	if err := r.ReportCompletion(reportCtx, j.ID, result); err != nil {
		if job.IsConflict(err) {
			// Cancelled or reaped while uploading; the output has no owner.
			logger.Warn("Completion rejected, removing output", zap.String("key", key), zap.Error(err))
			w.removeOutput(reportCtx, logger, key)
			return nil
		}
		return fmt.Errorf("record completion: %w", err)
	}
	logger.Info("Job completed", zap.String("key", key))
	return nil
}

func (w *Worker) upload(ctx context.Context, key, path string) error {
	f, err := os.Open(path) // #nosec G304 -- path is inside the worker temp dir
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		return errors.New("transform produced an empty file")
	}
	return w.putter.PutObject(ctx, key, f, st.Size(), outputContentType)
}

func (w *Worker) removeOutput(ctx context.Context, logger *zap.Logger, key string) {
	if w.deleter == nil {
		return
	}
	if err := w.deleter.DeleteObject(ctx, key); err != nil {
		logger.Warn("Failed to remove orphaned output", zap.String("key", key), zap.Error(err))
	}
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, r Reporter, id, msg string) {
	logger.Warn("Job failed", zap.String("reason", msg))
	if err := r.ReportFailure(ctx, id, msg); err != nil && !job.IsConflict(err) {
		logger.Error("Failed to record job failure", zap.Error(err))
	}
}

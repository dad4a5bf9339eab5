// Package jobengine owns the job lifecycle.
//
// The Engine is the only writer of job state. HTTP handlers create, read and
// cancel jobs through it; workers report back through the transform.Reporter
// methods. Every state change is a compare-and-set in the store, so at most
// one terminal state is ever recorded for a job.
package jobengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/clipforge/pkg/job"
	"github.com/3leaps/clipforge/pkg/jobstore"
	"github.com/3leaps/clipforge/pkg/transform"
)

// Failure messages recorded by the engine itself.
const (
	MsgQueueFull     = "dispatch queue full"
	MsgShuttingDown  = "service shutting down"
	MsgInterrupted   = "interrupted by service restart"
	MsgStale         = "job timed out without progress"
	MsgCancelled     = "cancelled by owner"
	requeueBatchSize = 1000
)

// Store is the persistence surface the engine needs.
type Store interface {
	Create(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, opts jobstore.ListOptions) ([]job.Job, error)
	ListByState(ctx context.Context, state job.State, after jobstore.Cursor, limit int) ([]job.Job, error)
	ListStale(ctx context.Context, state job.State, before time.Time) ([]job.Job, error)
	CompareAndSwapState(ctx context.Context, id string, from job.State, upd jobstore.Update) (*job.Job, error)
	UpdateProgress(ctx context.Context, id string, progress int, at time.Time) (bool, error)
	SetUsername(ctx context.Context, id, username string) error
	DeleteByResultKey(ctx context.Context, key string) (int64, error)
}

// Runner executes one job and reports through r.
type Runner interface {
	Run(ctx context.Context, j job.Job, r transform.Reporter)
}

// OwnerResolver looks up a display name for a user id.
type OwnerResolver interface {
	ResolveUsername(ctx context.Context, userID string) (string, error)
}

// Config tunes the dispatcher and the reaper.
type Config struct {
	// Workers is the number of concurrent transforms.
	Workers int

	// QueueSize bounds jobs waiting for a worker.
	QueueSize int

	// TransformTimeout bounds a single run. Zero disables the limit.
	TransformTimeout time.Duration

	// ReapInterval is how often stale processing jobs are swept. Zero
	// disables the background reaper.
	ReapInterval time.Duration

	// StaleAfter is how long a processing job may go without an update.
	StaleAfter time.Duration
}

// Defaults applied by New for zero values.
const (
	DefaultWorkers    = 2
	DefaultQueueSize  = 64
	DefaultStaleAfter = 15 * time.Minute
)

// Option customizes an Engine.
type Option func(*Engine)

// WithOwnerResolver fills in usernames on read.
func WithOwnerResolver(r OwnerResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSourceCheck rejects create requests whose source key the caller may
// not read. check receives the owner's user id and the source key.
func WithSourceCheck(check func(userID, key string) error) Option {
	return func(e *Engine) { e.checkSource = check }
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// Engine coordinates job records and workers.
type Engine struct {
	store       Store
	dispatcher  *dispatcher
	resolver    OwnerResolver
	checkSource func(userID, key string) error
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
	batchSize   int
}

// New builds an Engine. Call Start to begin running jobs.
func New(store Store, runner Runner, cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("job store is required")
	}
	if runner == nil {
		return nil, errors.New("job runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}

	e := &Engine{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		batchSize: requeueBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatcher = newDispatcher(runner, e, cfg, logger)
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Create validates req, persists a pending job and hands it to the
// dispatcher without waiting for the transform. An invalid request creates
// no record.
func (e *Engine) Create(ctx context.Context, req job.CreateRequest) (*job.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if e.checkSource != nil && req.S3Key != "" {
		if err := e.checkSource(req.UserID, req.S3Key); err != nil {
			return nil, err
		}
	}

	j := req.Build()
	now := e.now().UTC()
	j.ID = e.newID()
	j.State = job.StatePending
	j.CreatedAt = now
	j.UpdatedAt = now

	if err := e.store.Create(ctx, &j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	e.logger.Info("Job created",
		zap.String("job_id", j.ID),
		zap.String("owner", j.Owner.UserID),
		zap.String("source", j.Source.String()),
	)

	e.dispatch(ctx, j)
	return &j, nil
}

// dispatch enqueues j. A rejected job is failed so it never sits pending
// with nobody to run it.
func (e *Engine) dispatch(ctx context.Context, j job.Job) {
	err := e.dispatcher.submit(j)
	if err == nil {
		return
	}
	msg := MsgQueueFull
	if errors.Is(err, errDispatcherStopped) {
		msg = MsgShuttingDown
	}
	e.logger.Warn("Job not dispatched", zap.String("job_id", j.ID), zap.Error(err))
	if ferr := e.ReportFailure(context.WithoutCancel(ctx), j.ID, msg); ferr != nil && !job.IsConflict(ferr) {
		e.logger.Error("Failed to record dispatch failure", zap.String("job_id", j.ID), zap.Error(ferr))
	}
}

// Get returns the job with id. It never changes job state.
func (e *Engine) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.resolveOwner(ctx, j)
	return j, nil
}

// List returns jobs matching opts, newest first.
func (e *Engine) List(ctx context.Context, opts jobstore.ListOptions) ([]job.Job, error) {
	return e.store.List(ctx, opts)
}

func (e *Engine) resolveOwner(ctx context.Context, j *job.Job) {
	if e.resolver == nil || j.Owner.Username != "" {
		return
	}
	name, err := e.resolver.ResolveUsername(ctx, j.Owner.UserID)
	if err != nil || name == "" {
		e.logger.Debug("Owner lookup failed", zap.String("user_id", j.Owner.UserID), zap.Error(err))
		return
	}
	j.Owner.Username = name
	if err := e.store.SetUsername(ctx, j.ID, name); err != nil {
		e.logger.Debug("Failed to store username", zap.String("job_id", j.ID), zap.Error(err))
	}
}

// MarkProcessing moves a pending job to processing with progress 0.
func (e *Engine) MarkProcessing(ctx context.Context, id string) (*job.Job, error) {
	zero := 0
	return e.store.CompareAndSwapState(ctx, id, job.StatePending, jobstore.Update{
		To:       job.StateProcessing,
		Progress: &zero,
		At:       e.now(),
	})
}

// ReportProgress records progress for a processing job. Reports for jobs
// in any other state are ignored.
func (e *Engine) ReportProgress(ctx context.Context, id string, progress int) error {
	progress = job.ClampProgress(progress)
	changed, err := e.store.UpdateProgress(ctx, id, progress, e.now())
	if err != nil {
		return err
	}
	if !changed {
		e.logger.Debug("Progress ignored", zap.String("job_id", id), zap.Int("progress", progress))
	}
	return nil
}

// ReportCompletion records the output of a processing job. If a terminal
// state was already recorded the record is left untouched and the returned
// error wraps job.ErrConflict.
func (e *Engine) ReportCompletion(ctx context.Context, id string, result job.ResultRef) error {
	done := 100
	_, err := e.store.CompareAndSwapState(ctx, id, job.StateProcessing, jobstore.Update{
		To:       job.StateCompleted,
		Progress: &done,
		Result:   &result,
		At:       e.now(),
	})
	if err != nil {
		e.logTerminalRejected(id, job.StateCompleted, err)
		return err
	}
	return nil
}

// ReportFailure records msg on a job. A job still pending is moved through
// processing first. Like ReportCompletion it never overwrites a terminal
// state.
func (e *Engine) ReportFailure(ctx context.Context, id string, msg string) error {
	_, err := e.store.CompareAndSwapState(ctx, id, job.StateProcessing, jobstore.Update{
		To:    job.StateFailed,
		Error: msg,
		At:    e.now(),
	})
	var conflict *job.ConflictError
	if errors.As(err, &conflict) && conflict.Actual == job.StatePending {
		if _, perr := e.MarkProcessing(ctx, id); perr != nil && !job.IsConflict(perr) {
			return perr
		}
		_, err = e.store.CompareAndSwapState(ctx, id, job.StateProcessing, jobstore.Update{
			To:    job.StateFailed,
			Error: msg,
			At:    e.now(),
		})
	}
	if err != nil {
		e.logTerminalRejected(id, job.StateFailed, err)
		return err
	}
	return nil
}

func (e *Engine) logTerminalRejected(id string, to job.State, err error) {
	if job.IsConflict(err) {
		e.logger.Warn("Terminal state already recorded",
			zap.String("job_id", id),
			zap.String("attempted", to.String()),
			zap.Error(err),
		)
		return
	}
	e.logger.Error("Failed to record terminal state",
		zap.String("job_id", id),
		zap.String("attempted", to.String()),
		zap.Error(err),
	)
}

// Cancel stops a pending or processing job on behalf of its owner and
// interrupts the worker running it.
func (e *Engine) Cancel(ctx context.Context, id, userID string) (*job.Job, error) {
	for attempt := 0; attempt < 2; attempt++ {
		current, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !current.OwnedBy(userID) {
			return nil, job.ErrForbidden
		}
		if current.State.IsTerminal() {
			return current, &job.ConflictError{JobID: id, Expected: job.StateProcessing, Actual: current.State}
		}

		updated, err := e.store.CompareAndSwapState(ctx, id, current.State, jobstore.Update{
			To:    job.StateCancelled,
			Error: MsgCancelled,
			At:    e.now(),
		})
		if err != nil {
			if job.IsConflict(err) {
				// Lost a race with the worker; re-read and try once more.
				continue
			}
			return nil, err
		}

		e.dispatcher.cancel(id)
		e.logger.Info("Job cancelled", zap.String("job_id", id), zap.String("owner", userID))
		return updated, nil
	}

	current, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return current, &job.ConflictError{JobID: id, Expected: job.StateProcessing, Actual: current.State}
}

// DeleteByResultKey removes job records whose output is key. Deleting a key
// with no job succeeds.
func (e *Engine) DeleteByResultKey(ctx context.Context, key string) (int64, error) {
	n, err := e.store.DeleteByResultKey(ctx, key)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("Deleted job records for output", zap.String("key", key), zap.Int64("count", n))
	}
	return n, nil
}

// Start launches the dispatcher and the reaper, fails jobs orphaned by a
// previous process and requeues pending jobs in the background. Requeued
// jobs wait for queue room; only live creates are failed on a full queue.
// It assumes this process is the only one running jobs against the store.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.dispatcher.start(ctx); err != nil {
		return err
	}

	if err := e.recoverJobs(ctx); err != nil {
		e.dispatcher.stop()
		return err
	}

	if e.cfg.ReapInterval > 0 {
		e.dispatcher.goBackground(func(ctx context.Context) { e.runReaper(ctx) })
	}
	e.logger.Info("Job engine started",
		zap.Int("workers", e.cfg.Workers),
		zap.Int("queue_size", e.cfg.QueueSize),
		zap.Duration("transform_timeout", e.cfg.TransformTimeout),
	)
	return nil
}

// Stop cancels running jobs and waits for workers to exit. Interrupted jobs
// stay processing and are failed on the next Start.
func (e *Engine) Stop() {
	e.dispatcher.stop()
	e.logger.Info("Job engine stopped")
}

// recoverJobs fails every job a previous process left processing, then
// hands pending jobs created before this call to a background feeder.
func (e *Engine) recoverJobs(ctx context.Context) error {
	cutoff := e.now()
	failed := 0
	var cursor jobstore.Cursor
	for {
		orphans, err := e.store.ListByState(ctx, job.StateProcessing, cursor, e.batchSize)
		if err != nil {
			return fmt.Errorf("list processing jobs: %w", err)
		}
		if len(orphans) == 0 {
			break
		}
		for _, j := range orphans {
			err := e.ReportFailure(ctx, j.ID, MsgInterrupted)
			switch {
			case err == nil:
				failed++
			case !job.IsConflict(err):
				return fmt.Errorf("fail orphaned job %s: %w", j.ID, err)
			}
		}
		cursor = jobstore.CursorAfter(orphans[len(orphans)-1])
	}
	if failed > 0 {
		e.logger.Info("Failed jobs interrupted by restart", zap.Int("count", failed))
	}

	e.dispatcher.goBackground(func(ctx context.Context) { e.requeuePending(ctx, cutoff) })
	return nil
}

// requeuePending feeds pending jobs created up to cutoff into the queue,
// waiting for room instead of failing them. Jobs left over when ctx ends
// stay pending for the next start.
func (e *Engine) requeuePending(ctx context.Context, cutoff time.Time) {
	requeued := 0
	var cursor jobstore.Cursor
pages:
	for {
		page, err := e.store.ListByState(ctx, job.StatePending, cursor, e.batchSize)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Error("Failed to list pending jobs", zap.Error(err))
			}
			return
		}
		for _, j := range page {
			if j.CreatedAt.After(cutoff) {
				break pages
			}
			if err := e.dispatcher.submitWait(ctx, j); err != nil {
				e.logger.Info("Requeue interrupted", zap.Int("requeued", requeued), zap.Error(err))
				return
			}
			requeued++
		}
		if len(page) == 0 {
			break
		}
		cursor = jobstore.CursorAfter(page[len(page)-1])
	}
	if requeued > 0 {
		e.logger.Info("Requeued pending jobs", zap.Int("count", requeued))
	}
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Running  int `json:"running"`
	Queued   int `json:"queued"`
	Capacity int `json:"capacity"`
}

// Stats reports dispatcher load.
func (e *Engine) Stats() Stats {
	return Stats{
		Running:  e.dispatcher.runningCount(),
		Queued:   len(e.dispatcher.queue),
		Capacity: cap(e.dispatcher.queue),
	}
}

package jobengine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/clipforge/pkg/job"
	"github.com/3leaps/clipforge/pkg/transform"
)

var (
	errQueueFull         = errors.New("dispatch queue full")
	errDispatcherStopped = errors.New("dispatcher stopped")
	errAlreadyStarted    = errors.New("job engine already started")
)

// dispatcher runs jobs on a fixed pool of goroutines fed by a bounded queue.
// Each running job gets its own cancel func so it can be interrupted.
type dispatcher struct {
	runner   Runner
	reporter transform.Reporter
	timeout  time.Duration
	workers  int
	logger   *zap.Logger

	queue chan job.Job

	mu      sync.Mutex
	running map[string]context.CancelFunc
	started bool
	stopped bool
	ctx     context.Context
	stopFn  context.CancelFunc
	wg      sync.WaitGroup
}

func newDispatcher(runner Runner, reporter transform.Reporter, cfg Config, logger *zap.Logger) *dispatcher {
	return &dispatcher{
		runner:   runner,
		reporter: reporter,
		timeout:  cfg.TransformTimeout,
		workers:  cfg.Workers,
		logger:   logger,
		queue:    make(chan job.Job, cfg.QueueSize),
		running:  make(map[string]context.CancelFunc),
	}
}

// submit enqueues j without blocking. Jobs submitted before start wait in
// the queue.
func (d *dispatcher) submit(j job.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return errDispatcherStopped
	}
	select {
	case d.queue <- j:
		return nil
	default:
		return errQueueFull
	}
}

// submitWait enqueues j, blocking until there is room, ctx ends or the
// dispatcher stops.
func (d *dispatcher) submitWait(ctx context.Context, j job.Job) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return errDispatcherStopped
	}
	select {
	case d.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) start(parent context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errAlreadyStarted
	}
	if d.stopped {
		return errDispatcherStopped
	}
	d.started = true

	// Workers outlive the request that started the service; only stop ends them.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	d.ctx = ctx
	d.stopFn = cancel

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.loop(ctx)
		}()
	}
	return nil
}

// goBackground runs fn on the dispatcher's lifetime context.
func (d *dispatcher) goBackground(fn func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || d.stopped {
		return
	}
	ctx := d.ctx
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(ctx)
	}()
}

func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	stopFn := d.stopFn
	d.mu.Unlock()

	if stopFn != nil {
		stopFn()
	}
	d.wg.Wait()
}

func (d *dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			if ctx.Err() != nil {
				return
			}
			d.run(ctx, j)
		}
	}
}

func (d *dispatcher) run(parent context.Context, j job.Job) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if d.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, d.timeout)
		defer cancelTimeout()
	}

	d.mu.Lock()
	d.running[j.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, j.ID)
		d.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Job runner panicked",
				zap.String("job_id", j.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			msg := fmt.Sprintf("internal worker error: %v", r)
			if err := d.reporter.ReportFailure(context.WithoutCancel(ctx), j.ID, msg); err != nil && !job.IsConflict(err) {
				d.logger.Error("Failed to record panic", zap.String("job_id", j.ID), zap.Error(err))
			}
		}
	}()

	d.runner.Run(ctx, j, d.reporter)
}

// cancel interrupts a running job. It reports whether the job was running.
func (d *dispatcher) cancel(id string) bool {
	d.mu.Lock()
	fn, ok := d.running[id]
	d.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

// runningCount returns the number of jobs currently executing.
func (d *dispatcher) runningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

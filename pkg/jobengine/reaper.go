package jobengine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/clipforge/pkg/job"
)

// ReapResult summarizes one stale-job sweep.
type ReapResult struct {
	Checked int      `json:"checked" yaml:"checked"`
	Failed  []string `json:"failed" yaml:"failed"`
}

// Reap fails processing jobs that have not been updated within StaleAfter
// and interrupts their workers if they are still running here.
func (e *Engine) Reap(ctx context.Context) (*ReapResult, error) {
	cutoff := e.now().Add(-e.cfg.StaleAfter)
	stale, err := e.store.ListStale(ctx, job.StateProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}

	res := &ReapResult{Checked: len(stale)}
	for _, j := range stale {
		if err := e.ReportFailure(ctx, j.ID, MsgStale); err != nil {
			if job.IsConflict(err) {
				continue
			}
			return res, fmt.Errorf("fail stale job %s: %w", j.ID, err)
		}
		e.dispatcher.cancel(j.ID)
		res.Failed = append(res.Failed, j.ID)
		e.logger.Warn("Reaped stale job",
			zap.String("job_id", j.ID),
			zap.Time("updated_at", j.UpdatedAt),
			zap.Duration("stale_after", e.cfg.StaleAfter),
		)
	}
	return res, nil
}

func (e *Engine) runReaper(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Reap(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("Stale job sweep failed", zap.Error(err))
			}
		}
	}
}

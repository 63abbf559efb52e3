package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"video-pipeline/internal/models"
	"video-pipeline/internal/telemetry"
)

// Reaper returns jobs whose worker stopped heartbeating to the queue, or fails
// them once they have used up their attempts.
type Reaper struct {
	store       JobStore
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
}

func NewReaper(st JobStore, interval time.Duration, maxAttempts int, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{store: st, interval: interval, maxAttempts: maxAttempts, logger: logger}
}

// Run sweeps once per interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reap sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep performs a single pass.
func (r *Reaper) Sweep(ctx context.Context) (models.ReapReport, error) {
	report, err := r.store.ReapExpired(ctx, r.maxAttempts)
	if err != nil {
		return report, err
	}
	telemetry.JobsReaped.WithLabelValues("requeued").Add(float64(len(report.Requeued)))
	telemetry.JobsReaped.WithLabelValues("failed").Add(float64(len(report.Failed)))
	if len(report.Requeued)+len(report.Failed) > 0 {
		r.logger.Warn("reclaimed expired leases",
			zap.Strings("requeued", report.Requeued),
			zap.Strings("failed", report.Failed),
		)
	}
	return report, nil
}

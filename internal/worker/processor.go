package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"video-pipeline/internal/config"
	"video-pipeline/internal/events"
	"video-pipeline/internal/models"
	"video-pipeline/internal/store"
	"video-pipeline/internal/telemetry"
)

// JobStore is the slice of the job table the worker needs.
type JobStore interface {
	ClaimNext(ctx context.Context, types []string, workerID string, lease time.Duration) (models.Job, bool, error)
	ExtendLease(ctx context.Context, id, workerID string, lease time.Duration) error
	Complete(ctx context.Context, id, workerID string, res models.Resolution) error
	Fail(ctx context.Context, id, workerID, postID, message string) error
	ReapExpired(ctx context.Context, maxAttempts int) (models.ReapReport, error)
	CountPending(ctx context.Context) (int64, error)
}

// Task is what a handler receives for one claimed job.
type Task struct {
	Job models.Job
	// ScratchDir is private to this job and removed before the job resolves.
	ScratchDir string

	progress func(events.Stage)
}

// Progress reports that the job reached stage.
func (t Task) Progress(stage events.Stage) {
	if t.progress != nil {
		t.progress(stage)
	}
}

// Handler executes a job for a given type.
type Handler func(ctx context.Context, task Task) (models.Resolution, error)

// Processor drives the worker execution loop.
type Processor struct {
	cfg       config.Config
	store     JobStore
	publisher events.Publisher
	logger    *zap.Logger
	handlers  map[string]Handler
	workerID  string
}

func NewProcessor(cfg config.Config, st JobStore, pub events.Publisher, logger *zap.Logger) *Processor {
	return NewProcessorWithID(cfg, st, pub, logger, cfg.WorkerID)
}

// NewProcessorWithID creates a processor with a specific worker ID. The ID is
// recorded on every job it claims and guards every resolution it writes.
func NewProcessorWithID(cfg config.Config, st JobStore, pub events.Publisher, logger *zap.Logger, workerID string) *Processor {
	if workerID == "" {
		workerID = DefaultWorkerID()
	}
	if pub == nil {
		pub = events.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:       cfg,
		store:     st,
		publisher: pub,
		logger:    logger.With(zap.String("worker_id", workerID)),
		handlers:  make(map[string]Handler),
		workerID:  workerID,
	}
}

// DefaultWorkerID combines the host name with a random suffix.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func (p *Processor) WorkerID() string { return p.workerID }

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Types lists the job types this processor claims.
func (p *Processor) Types() []string {
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run polls until ctx is cancelled. Every iteration claims at most one job, runs
// it to resolution and then sleeps for the poll interval. Store errors are logged
// and retried on the next tick.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker started", zap.Strings("types", p.Types()), zap.Duration("poll_interval", p.cfg.WorkerPollInterval))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			telemetry.PollErrors.Inc()
			p.logger.Error("poll iteration failed", zap.Error(err))
		}
		if n, err := p.store.CountPending(ctx); err == nil {
			telemetry.PendingGauge.Set(float64(n))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// RunOnce claims and executes a single job. It reports whether a job was claimed.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	if len(p.handlers) == 0 {
		return false, errors.New("no handlers registered")
	}
	job, ok, err := p.store.ClaimNext(ctx, p.Types(), p.workerID, p.cfg.LeaseTimeout)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, p.execute(ctx, job)
}

func (p *Processor) execute(ctx context.Context, job models.Job) error {
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type), zap.Int("attempt", job.Attempts))
	log.Info("job claimed")
	telemetry.JobsClaimed.WithLabelValues(job.Type).Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	start := time.Now()

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	var wg sync.WaitGroup
	if p.cfg.LeaseTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.heartbeat(jobCtx, cancelJob, job, log)
		}()
	}

	scratch := filepath.Join(p.scratchRoot(), job.ID)
	task := Task{
		Job:        job,
		ScratchDir: scratch,
		progress: func(stage events.Stage) {
			p.publish(ctx, job, events.Event{Stage: stage}, log)
		},
	}

	var res models.Resolution
	runErr := os.MkdirAll(scratch, 0o755)
	if runErr == nil {
		res, runErr = p.runJob(jobCtx, task)
	}

	cancelJob()
	wg.Wait()

	if err := os.RemoveAll(scratch); err != nil {
		log.Warn("scratch cleanup failed", zap.String("dir", scratch), zap.Error(err))
	}

	if runErr != nil && ctx.Err() != nil {
		log.Warn("job interrupted by shutdown, leaving it for the reaper", zap.Error(runErr))
		return nil
	}

	telemetry.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	if runErr == nil {
		if err := p.store.Complete(ctx, job.ID, p.workerID, res); err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				log.Warn("lease lost before completion was recorded, discarding result")
				return nil
			}
			log.Error("could not record completion", zap.Error(err))
			return err
		}
		telemetry.JobsCompleted.WithLabelValues(job.Type).Inc()
		p.publish(ctx, job, events.Event{Stage: events.StageCompleted, Result: res.Result}, log)
		log.Info("job completed", zap.Duration("took", time.Since(start)))
		return nil
	}

	log.Error("job failed", zap.Error(runErr))
	if err := p.store.Fail(ctx, job.ID, p.workerID, job.PostID(), runErr.Error()); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			log.Warn("lease lost before failure was recorded, discarding outcome")
			return nil
		}
		log.Error("could not record failure", zap.Error(err))
		return err
	}
	telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
	p.publish(ctx, job, events.Event{Stage: events.StageFailed, Error: failureCode(runErr)}, log)
	return nil
}

// runJob executes the job payload, converting a handler panic into a job failure.
func (p *Processor) runJob(ctx context.Context, task Task) (res models.Resolution, err error) {
	handler, ok := p.handlers[task.Job.Type]
	if !ok {
		return res, fmt.Errorf("no handler registered for type %q", task.Job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic", zap.String("job_id", task.Job.ID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

// heartbeat extends the lease every third of its length. Losing the lease means
// the reaper handed the job to someone else, so the local run is cancelled.
func (p *Processor) heartbeat(ctx context.Context, cancel context.CancelFunc, job models.Job, log *zap.Logger) {
	interval := p.cfg.LeaseTimeout / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.store.ExtendLease(ctx, job.ID, p.workerID, p.cfg.LeaseTimeout)
			switch {
			case err == nil:
			case errors.Is(err, store.ErrLeaseLost):
				log.Warn("lease lost, abandoning job")
				cancel()
				return
			case ctx.Err() != nil:
				return
			default:
				log.Warn("lease extension failed", zap.Error(err))
			}
		}
	}
}

func (p *Processor) publish(ctx context.Context, job models.Job, ev events.Event, log *zap.Logger) {
	ev.JobID = job.ID
	ev.JobType = job.Type
	ev.PostID = job.PostID()
	ev.UserID = job.UserID()
	if err := p.publisher.Publish(ctx, ev); err != nil {
		log.Warn("progress event not delivered", zap.String("stage", string(ev.Stage)), zap.Error(err))
	}
}

func (p *Processor) scratchRoot() string {
	if p.cfg.ScratchDir != "" {
		return p.cfg.ScratchDir
	}
	return filepath.Join(os.TempDir(), "video-pipeline")
}

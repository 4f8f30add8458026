package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hindsight/internal/config"
	"hindsight/internal/model"
	"hindsight/internal/store"
)

// Handler executes one job. A nil return completes the job; an error
// reschedules it with backoff until the attempt budget is spent, after
// which the job fails and a dead letter is filed.
type Handler interface {
	Execute(ctx context.Context, job *model.Job, progress ProgressFunc) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *model.Job, progress ProgressFunc) error

func (f HandlerFunc) Execute(ctx context.Context, job *model.Job, progress ProgressFunc) error {
	return f(ctx, job, progress)
}

// ProgressFunc reports 0..100 progress. It returns ErrCancelled when the
// job was cancelled, so long handlers can stop at their next checkpoint.
type ProgressFunc func(progress int) error

// ErrCancelled is returned by ProgressFunc after a job cancellation.
var ErrCancelled = errors.New("job cancelled")

// errPermanent wraps handler failures that must not be retried.
type errPermanent struct{ err error }

func (e *errPermanent) Error() string { return e.err.Error() }
func (e *errPermanent) Unwrap() error { return e.err }

// Permanent marks an error as non-retriable; the runner parks the job as
// dead immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &errPermanent{err: err}
}

// IsPermanent reports whether err carries the non-retriable marker.
// Handlers use it to finalize owned state before the job is parked.
func IsPermanent(err error) bool {
	var perm *errPermanent
	return errors.As(err, &perm)
}

// Runner runs a shared worker pool over every queue and dispatches claimed
// jobs to type handlers. Each worker claims across the queues in priority
// order, so quick work starts before scraping before indexing even with one
// worker. Workers recycle after a task budget: the worker goroutine exits
// and a fresh one takes over, dropping any accumulated state.
type Runner struct {
	cfg      *config.Config
	store    JobStore
	handlers map[string]Handler
	log      *slog.Logger
}

// NewRunner constructs a Runner. Jobs with no registered handler are
// parked dead.
func NewRunner(cfg *config.Config, st JobStore, handlers map[string]Handler, log *slog.Logger) *Runner {
	return &Runner{cfg: cfg, store: st, handlers: handlers, log: log}
}

// Start launches the worker pool and the maintenance loop, blocking until
// ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	concurrency := r.cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	for i := 0; i < concurrency; i++ {
		go r.workerLoop(ctx)
	}
	r.maintenanceLoop(ctx)
}

// workerLoop respawns workers forever; each worker serves at most
// maxTasksPerWorker jobs before recycling.
func (r *Runner) workerLoop(ctx context.Context) {
	for ctx.Err() == nil {
		r.worker(ctx)
	}
}

func (r *Runner) worker(ctx context.Context) {
	queues := QueuesByPriority()
	pollInterval := time.Duration(r.cfg.Worker.PollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	budget := r.cfg.Worker.MaxTasksPerWorker
	if budget <= 0 {
		budget = 500
	}

	served := 0
	for served < budget {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := r.store.ClaimNextJob(ctx, queues)
		if errors.Is(err, store.ErrNotFound) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if err != nil {
			r.log.Error("claim job", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		r.runJob(ctx, job)
		served++
	}
	r.log.Debug("worker recycled", "served", served)
}

func (r *Runner) runJob(ctx context.Context, job *model.Job) {
	soft := time.Duration(r.cfg.Worker.SoftTimeoutSeconds) * time.Second
	if soft <= 0 {
		soft = 5 * time.Minute
	}
	jctx, cancel := context.WithTimeout(ctx, soft)
	defer cancel()

	progress := func(p int) error {
		cancelled, err := r.store.SetJobProgress(jctx, job.ID, p)
		if err != nil {
			return err
		}
		if cancelled {
			return ErrCancelled
		}
		return nil
	}

	handler, ok := r.handlers[job.Type]
	if !ok {
		r.log.Error("no handler for job type", "type", job.Type, "job_id", job.ID)
		if err := r.store.MarkJobDead(ctx, job, "unknown_job_type", "no handler for "+job.Type); err != nil {
			r.log.Error("park job", "job_id", job.ID, "error", err)
		}
		return
	}

	start := time.Now()
	err := handler.Execute(jctx, job, progress)
	switch {
	case err == nil:
		if err := r.store.CompleteJob(ctx, job.ID); err != nil {
			r.log.Error("complete job", "job_id", job.ID, "error", err)
		}
		r.log.Info("job completed",
			"job_id", job.ID, "type", job.Type, "queue", job.Queue,
			"attempt", job.Attempts, "duration", time.Since(start))
	case errors.Is(err, ErrCancelled):
		r.log.Info("job cancelled mid-run", "job_id", job.ID, "type", job.Type)
	default:
		r.failJob(ctx, job, err)
	}
}

func (r *Runner) failJob(ctx context.Context, job *model.Job, cause error) {
	var perm *errPermanent
	if errors.As(cause, &perm) {
		r.log.Warn("job failed permanently", "job_id", job.ID, "type", job.Type, "error", cause)
		if err := r.store.MarkJobDead(ctx, job, "permanent_failure", cause.Error()); err != nil {
			r.log.Error("park job", "job_id", job.ID, "error", err)
		}
		return
	}

	state, err := r.store.RetryJob(ctx, job.ID, cause.Error(), retryBackoff(job.Attempts))
	if err != nil {
		r.log.Error("retry job", "job_id", job.ID, "error", err)
		return
	}
	if state == model.JobFailed {
		r.log.Warn("job exhausted retries",
			"job_id", job.ID, "type", job.Type, "attempts", job.Attempts, "error", cause)
		if err := r.store.InsertJobDeadLetter(ctx, job.ID, "retries_exhausted", cause.Error(), job.Attempts); err != nil {
			r.log.Error("file dead letter", "job_id", job.ID, "error", err)
		}
		return
	}
	r.log.Info("job rescheduled",
		"job_id", job.ID, "type", job.Type, "attempt", job.Attempts,
		"backoff", retryBackoff(job.Attempts), "error", cause)
}

// retryBackoff doubles per attempt from 2s, capped at 5 minutes.
func retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := 2 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}

// maintenanceLoop reclaims stuck jobs and runs retention cleanup.
func (r *Runner) maintenanceLoop(ctx context.Context) {
	interval := time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastCleanup time.Time
	cleanupInterval := time.Duration(r.cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		hard := time.Duration(r.cfg.Worker.HardTimeoutSeconds) * time.Second
		if hard <= 0 {
			hard = 15 * time.Minute
		}
		r.reclaimStuck(ctx, hard)

		if !r.cfg.Retention.Enabled {
			continue
		}
		now := time.Now().UTC()
		if !lastCleanup.IsZero() && now.Sub(lastCleanup) < cleanupInterval {
			continue
		}
		lastCleanup = now
		n, err := r.store.PurgeTerminal(ctx,
			days(r.cfg.Retention.JobDays, 14),
			days(r.cfg.Retention.IntentDays, 7),
			days(r.cfg.Retention.DeadLetterDays, 30))
		if err != nil {
			r.log.Error("retention cleanup", "error", err)
			continue
		}
		if n > 0 {
			r.log.Info("retention cleanup", "rows_deleted", n)
		}
	}
}

// reclaimStuck sweeps running jobs past the hard timeout. The claim
// counted the run as an attempt, so a job with budget left goes back to
// pending while one that wedged its last attempt is parked dead.
func (r *Runner) reclaimStuck(ctx context.Context, hard time.Duration) {
	stuck, err := r.store.StuckJobs(ctx, hard)
	if err != nil {
		r.log.Error("find stuck jobs", "error", err)
		return
	}
	for _, job := range stuck {
		if job.Attempts >= job.MaxAttempts {
			r.log.Warn("stuck job exhausted attempts",
				"job_id", job.ID, "type", job.Type, "attempts", job.Attempts)
			if err := r.store.MarkJobDead(ctx, job, "hard_timeout", "exceeded hard timeout on final attempt"); err != nil {
				r.log.Error("park stuck job", "job_id", job.ID, "error", err)
			}
			continue
		}
		if err := r.store.ReleaseJob(ctx, job.ID, "released after hard timeout"); err != nil {
			r.log.Error("release stuck job", "job_id", job.ID, "error", err)
			continue
		}
		r.log.Warn("released stuck job",
			"job_id", job.ID, "type", job.Type, "attempts", job.Attempts)
	}
}

func days(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * 24 * time.Hour
}

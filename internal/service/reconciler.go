package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"github.com/kursadbilgin/broadcast-engine/internal/observability"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultReconcileInterval = 30 * time.Second
	defaultStaleAfter        = 10 * time.Minute
)

// RunTracker is the part of the runner registry the reconciler drives.
type RunTracker interface {
	IsRunning(jobID string) bool
	EnsureRunning(jobID string) bool
}

// Reconciler repairs state left behind by crashed or restarted workers: it returns
// stale sending recipients to pending and relaunches running jobs that have no worker.
type Reconciler struct {
	jobs       repository.JobRepository
	recipients repository.RecipientRepository
	tracker    RunTracker
	lease      RunLease
	logger     *zap.Logger
	metrics    *observability.Metrics
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewReconciler(
	jobs repository.JobRepository,
	recipients repository.RecipientRepository,
	tracker RunTracker,
	lease RunLease,
	interval time.Duration,
	staleAfter time.Duration,
	logger *zap.Logger,
) (*Reconciler, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if recipients == nil {
		return nil, fmt.Errorf("recipient repository is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("run tracker is required")
	}
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		jobs:       jobs,
		recipients: recipients,
		tracker:    tracker,
		lease:      lease,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}, nil
}

func (r *Reconciler) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

func (r *Reconciler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// The first pass resumes jobs interrupted by the previous process before the first tick.
	if err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reconciler initial pass failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("reconciler pass failed", zap.Error(err))
			}
		}
	}
}

// Reconcile runs one repair pass.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	for _, status := range []domain.JobStatus{domain.JobStatusRunning, domain.JobStatusPaused, domain.JobStatusFailed} {
		jobs, err := r.jobs.ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s jobs: %w", status, err)
		}

		for i := range jobs {
			if err := r.reconcileJob(ctx, &jobs[i]); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Error("failed to reconcile job",
					zap.String("jobId", jobs[i].ID),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

func (r *Reconciler) reconcileJob(ctx context.Context, job *domain.Job) error {
	// A live worker touches updated_at on every claim and release, so rows past the
	// cutoff belong to a claimer that died, even when this job has a worker again.
	released, err := r.recipients.ReleaseStale(ctx, job.ID, r.now().Add(-r.staleAfter))
	if err != nil {
		return fmt.Errorf("failed to release stale recipients: %w", err)
	}
	if released > 0 {
		r.metrics.AddStaleReleased(released)
		r.logger.Info("released stale recipients",
			zap.String("jobId", job.ID),
			zap.Int64("count", released),
		)
	}

	if job.Status != domain.JobStatusRunning || r.tracker.IsRunning(job.ID) {
		return nil
	}
	if r.lease != nil {
		held, err := r.lease.Held(ctx, job.ID)
		if err != nil {
			return err
		}
		if held {
			return nil
		}
	}

	if r.tracker.EnsureRunning(job.ID) {
		r.logger.Info("resumed orphaned job", zap.String("jobId", job.ID))
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"github.com/kursadbilgin/broadcast-engine/internal/gateway"
	"github.com/kursadbilgin/broadcast-engine/internal/observability"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultStatusErrorLimit = 20
	MaxStatusErrorLimit     = 100
)

// Launcher hands a running job to a delivery worker and withdraws it again.
type Launcher interface {
	Launch(ctx context.Context, jobID string) error
	Interrupt(ctx context.Context, jobID string) error
}

// AudienceResolver turns an audience tag into delivery targets.
type AudienceResolver interface {
	Resolve(ctx context.Context, tag string) ([]domain.Target, error)
}

// JobStatusReport is a job with counters recomputed from its recipients.
type JobStatusReport struct {
	Job        *domain.Job
	Counters   domain.Counters
	LastErrors []domain.Recipient
}

type JobService struct {
	jobs             repository.JobRepository
	recipients       repository.RecipientRepository
	audiences        AudienceResolver
	launcher         Launcher
	gateway          gateway.Gateway
	logger           *zap.Logger
	statusErrorLimit int
	now              func() time.Time
	newID            func() string
}

func NewJobService(
	jobs repository.JobRepository,
	recipients repository.RecipientRepository,
	audiences AudienceResolver,
	launcher Launcher,
	gw gateway.Gateway,
	statusErrorLimit int,
	logger *zap.Logger,
) (*JobService, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if recipients == nil {
		return nil, fmt.Errorf("recipient repository is required")
	}
	if audiences == nil {
		return nil, fmt.Errorf("audience resolver is required")
	}
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &JobService{
		jobs:             jobs,
		recipients:       recipients,
		audiences:        audiences,
		launcher:         launcher,
		gateway:          gw,
		logger:           logger,
		statusErrorLimit: normalizeErrorLimit(statusErrorLimit, DefaultStatusErrorLimit),
		now:              time.Now,
		newID:            uuid.NewString,
	}, nil
}

// CreateJob snapshots the audience into pending recipients of a new draft job.
func (s *JobService) CreateJob(ctx context.Context, text, audience string) (*domain.Job, error) {
	text = strings.TrimSpace(text)
	if err := domain.ValidateText(text); err != nil {
		return nil, err
	}
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: audience is required", domain.ErrValidation)
	}

	resolved, err := s.audiences.Resolve(ctx, audience)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audience %q: %w", audience, err)
	}
	targets := domain.DedupeTargets(resolved)

	now := s.now().UTC()
	job := &domain.Job{
		ID:        s.newID(),
		Audience:  audience,
		Text:      text,
		Status:    domain.JobStatusDraft,
		Total:     len(targets),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.CreateWithRecipients(ctx, job, targets); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	observability.JobLogger(s.logger, ctx, job.ID).Info("broadcast job created",
		zap.String("audience", audience),
		zap.Int("total", job.Total),
	)
	return job, nil
}

// Start moves the job to running and hands it to a worker. Launch failures are only
// logged: the reconciler resumes running jobs that have no worker.
func (s *JobService) Start(ctx context.Context, id string) (*JobStatusReport, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == domain.JobStatusDone {
		return nil, fmt.Errorf("%w: job %s is already done", domain.ErrConflict, id)
	}
	if job.Total == 0 {
		return nil, domain.ErrNoRecipients
	}

	if err := s.jobs.MarkRunning(ctx, id); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: job %s is already done", domain.ErrConflict, id)
		}
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}

	logger := observability.JobLogger(s.logger, ctx, id)
	if err := s.launcher.Launch(ctx, id); err != nil {
		logger.Warn("failed to launch delivery run, reconciler will retry", zap.Error(err))
	}
	logger.Info("broadcast job started", zap.String("previousStatus", job.Status.String()))

	return s.report(ctx, id, 0)
}

// Pause stops delivery after the in-flight message. Pausing a finished job is a no-op.
func (s *JobService) Pause(ctx context.Context, id string) (*JobStatusReport, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return s.report(ctx, id, 0)
	}

	if err := s.jobs.MarkPaused(ctx, id); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return s.report(ctx, id, 0)
		}
		return nil, fmt.Errorf("failed to mark job paused: %w", err)
	}

	logger := observability.JobLogger(s.logger, ctx, id)
	if err := s.launcher.Interrupt(ctx, id); err != nil {
		logger.Warn("failed to interrupt delivery run, worker will observe the pause", zap.Error(err))
	}
	// A Start landing between MarkPaused and Interrupt leaves the job running with its
	// run cancelled.
	if status, err := s.jobs.GetStatus(ctx, id); err == nil && status == domain.JobStatusRunning {
		if err := s.launcher.Launch(ctx, id); err != nil {
			logger.Warn("failed to relaunch delivery run, reconciler will retry", zap.Error(err))
		}
		return s.report(ctx, id, 0)
	}
	logger.Info("broadcast job paused")

	return s.report(ctx, id, 0)
}

// GetStatus returns the job with fresh counters and up to limit recent failures.
func (s *JobService) GetStatus(ctx context.Context, id string, limit int) (*JobStatusReport, error) {
	return s.report(ctx, id, normalizeErrorLimit(limit, s.statusErrorLimit))
}

// SendTest delivers one message straight through the gateway, outside any job.
func (s *JobService) SendTest(ctx context.Context, target, text string) (*gateway.Receipt, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("gateway is not configured")
	}
	target = strings.TrimSpace(target)
	if err := domain.ValidateTarget(target); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if err := domain.ValidateText(text); err != nil {
		return nil, err
	}

	receipt, err := s.gateway.Send(ctx, target, text)
	if err != nil {
		s.logger.Warn("test send failed", zap.String("target", target), zap.Error(err))
		return nil, err
	}
	return receipt, nil
}

func (s *JobService) report(ctx context.Context, id string, errorLimit int) (*JobStatusReport, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	counters, err := s.recipients.CountByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count recipients: %w", err)
	}
	job.Sent = counters.Sent
	job.Failed = counters.Failed

	report := &JobStatusReport{Job: job, Counters: counters}
	if errorLimit > 0 {
		failures, err := s.recipients.LastFailures(ctx, id, errorLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to load recent failures: %w", err)
		}
		report.LastErrors = failures
	}
	return report, nil
}

func normalizeErrorLimit(limit, fallback int) int {
	if limit <= 0 {
		limit = fallback
	}
	if limit <= 0 {
		limit = DefaultStatusErrorLimit
	}
	return min(limit, MaxStatusErrorLimit)
}

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"github.com/kursadbilgin/broadcast-engine/internal/queue"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"go.uber.org/zap"
)

// RunController is the part of the runner registry driven by queued commands.
type RunController interface {
	EnsureRunning(jobID string) bool
	Interrupt(ctx context.Context, jobID string) error
}

// CommandHandler applies start/pause commands published by the API process.
type CommandHandler struct {
	jobs       repository.JobRepository
	controller RunController
	logger     *zap.Logger
}

func NewCommandHandler(jobs repository.JobRepository, controller RunController, logger *zap.Logger) (*CommandHandler, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if controller == nil {
		return nil, fmt.Errorf("run controller is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandHandler{jobs: jobs, controller: controller, logger: logger}, nil
}

// Handle is a queue.CommandHandler. Errors requeue the command, so only storage
// failures are returned; stale commands are dropped.
func (h *CommandHandler) Handle(ctx context.Context, cmd queue.JobCommand) error {
	logger := h.logger.With(
		zap.String("jobId", cmd.JobID),
		zap.String("action", string(cmd.Action)),
	)

	switch cmd.Action {
	case queue.ActionStart:
		status, err := h.jobs.GetStatus(ctx, cmd.JobID)
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("dropping command for unknown job")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read job status: %w", err)
		}
		if status != domain.JobStatusRunning {
			logger.Info("dropping stale start command", zap.String("status", status.String()))
			return nil
		}
		if h.controller.EnsureRunning(cmd.JobID) {
			logger.Info("delivery run launched from command")
		}
		return nil

	case queue.ActionPause:
		return h.controller.Interrupt(ctx, cmd.JobID)

	default:
		logger.Warn("dropping command with unknown action")
		return nil
	}
}

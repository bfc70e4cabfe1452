package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Launcher hands job runs to worker processes through the command queue.
type Launcher struct {
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewLauncher(publisher Publisher, logger *zap.Logger) (*Launcher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{publisher: publisher, logger: logger, now: time.Now}, nil
}

func (l *Launcher) Launch(ctx context.Context, jobID string) error {
	return l.publish(ctx, jobID, ActionStart)
}

func (l *Launcher) Interrupt(ctx context.Context, jobID string) error {
	return l.publish(ctx, jobID, ActionPause)
}

func (l *Launcher) publish(ctx context.Context, jobID string, action Action) error {
	cmd := JobCommand{
		JobID:       jobID,
		Action:      action,
		RequestedAt: l.now().UTC(),
	}
	if err := l.publisher.Publish(ctx, cmd); err != nil {
		return fmt.Errorf("failed to publish %s command: %w", action, err)
	}
	l.logger.Debug("job command published", zap.String("jobId", jobID), zap.String("action", string(action)))
	return nil
}

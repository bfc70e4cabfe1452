package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"github.com/kursadbilgin/broadcast-engine/internal/gateway"
	"github.com/kursadbilgin/broadcast-engine/internal/observability"
	"github.com/kursadbilgin/broadcast-engine/internal/ratelimit"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultBatchSize         = 25
	maxBatchSize             = 500
	defaultMaxGatewayOutages = 5
	defaultSendTimeout       = 15 * time.Second
	defaultPausePollInterval = time.Second
	defaultPauseIdleTimeout  = 10 * time.Minute
	persistTimeout           = 10 * time.Second
)

// errRunStopped ends a run without changing the job: shutdown, interrupt or an external status change.
var errRunStopped = errors.New("delivery run stopped")

// DeliveryConfig tunes one delivery worker.
type DeliveryConfig struct {
	BatchSize         int
	Pacer             PacerConfig
	MaxGatewayOutages int
	SendTimeout       time.Duration
	PausePollInterval time.Duration
	PauseIdleTimeout  time.Duration
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.BatchSize < 1 {
		c.BatchSize = defaultBatchSize
	}
	c.BatchSize = min(c.BatchSize, maxBatchSize)
	if c.MaxGatewayOutages < 1 {
		c.MaxGatewayOutages = defaultMaxGatewayOutages
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.PausePollInterval <= 0 {
		c.PausePollInterval = defaultPausePollInterval
	}
	if c.PauseIdleTimeout <= 0 {
		c.PauseIdleTimeout = defaultPauseIdleTimeout
	}
	c.Pacer = c.Pacer.withDefaults()
	return c
}

// DeliveryWorker drains the recipient queue of one job: claim a batch, send each
// recipient through the gateway, persist the outcome, repeat.
type DeliveryWorker struct {
	jobs        repository.JobRepository
	recipients  repository.RecipientRepository
	gateway     gateway.Gateway
	rateLimiter ratelimit.RateLimiter
	cfg         DeliveryConfig
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	randIntn    func(n int) int
}

func NewDeliveryWorker(
	jobs repository.JobRepository,
	recipients repository.RecipientRepository,
	gw gateway.Gateway,
	rateLimiter ratelimit.RateLimiter,
	cfg DeliveryConfig,
	logger *zap.Logger,
) (*DeliveryWorker, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if recipients == nil {
		return nil, fmt.Errorf("recipient repository is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryWorker{
		jobs:        jobs,
		recipients:  recipients,
		gateway:     gw,
		rateLimiter: rateLimiter,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		now:         time.Now,
		sleep:       sleepWithContext,
		randIntn:    rand.Intn,
	}, nil
}

func (w *DeliveryWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// deliveryRun is the state of one Run call.
type deliveryRun struct {
	job     *domain.Job
	pacer   *Pacer
	logger  *zap.Logger
	outages int
}

// Run delivers the job until its queue is drained or the job stops running.
// It returns an error only when the run failed the job.
func (w *DeliveryWorker) Run(ctx context.Context, jobID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	job, err := w.jobs.GetByID(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	pacer := NewPacer(w.cfg.Pacer)
	pacer.randIntn = w.randIntn
	run := &deliveryRun{
		job:    job,
		pacer:  pacer,
		logger: observability.JobLogger(w.logger, ctx, jobID),
	}
	run.logger.Info("delivery run started")

	for {
		if ctx.Err() != nil {
			run.logger.Info("delivery run interrupted")
			return nil
		}

		proceed, err := w.awaitRunning(ctx, run)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return w.failRun(ctx, run, fmt.Errorf("failed to read job status: %w", err))
		}
		if !proceed {
			return nil
		}

		batch, err := w.recipients.ClaimPending(ctx, jobID, w.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return w.failRun(ctx, run, fmt.Errorf("failed to claim recipients: %w", err))
		}

		if len(batch) == 0 {
			drained, err := w.completeIfDrained(ctx, run)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return w.failRun(ctx, run, err)
			}
			if drained {
				return nil
			}
			if err := w.sleep(ctx, w.cfg.PausePollInterval); err != nil {
				return nil
			}
			continue
		}

		err = w.deliverBatch(ctx, run, batch)
		w.flushCounters(ctx, run)
		switch {
		case err == nil:
		case errors.Is(err, errRunStopped):
			run.logger.Info("delivery run stopped")
			return nil
		default:
			return w.failRun(ctx, run, err)
		}
	}
}

// awaitRunning reports whether the job is running, waiting out a pause up to the idle timeout.
func (w *DeliveryWorker) awaitRunning(ctx context.Context, run *deliveryRun) (bool, error) {
	var pausedSince time.Time
	for {
		status, err := w.jobs.GetStatus(ctx, run.job.ID)
		if err != nil {
			return false, err
		}

		switch status {
		case domain.JobStatusRunning:
			return true, nil
		case domain.JobStatusPaused:
			now := w.now()
			if pausedSince.IsZero() {
				pausedSince = now
				run.logger.Info("job paused, waiting for resume")
			} else if now.Sub(pausedSince) >= w.cfg.PauseIdleTimeout {
				run.logger.Info("job paused past idle timeout, releasing worker")
				return false, nil
			}
			if err := w.sleep(ctx, w.cfg.PausePollInterval); err != nil {
				return false, nil
			}
		default:
			run.logger.Info("job no longer running", zap.String("status", status.String()))
			return false, nil
		}
	}
}

// completeIfDrained finishes the job once no recipient is pending or held by a claimer.
func (w *DeliveryWorker) completeIfDrained(ctx context.Context, run *deliveryRun) (bool, error) {
	counters, err := w.recipients.CountByStatus(ctx, run.job.ID)
	if err != nil {
		return false, fmt.Errorf("failed to count recipients: %w", err)
	}
	if counters.Remaining() > 0 {
		return false, nil
	}

	if err := w.jobs.UpdateCounters(ctx, run.job.ID, counters); err != nil {
		return false, fmt.Errorf("failed to update job counters: %w", err)
	}
	finished, err := w.jobs.Finish(ctx, run.job.ID, domain.JobStatusDone, nil)
	if err != nil {
		return false, fmt.Errorf("failed to mark job done: %w", err)
	}
	if finished {
		w.metrics.IncJobFinished(domain.JobStatusDone.String())
		run.logger.Info("job completed",
			zap.Int("sent", counters.Sent),
			zap.Int("failed", counters.Failed),
		)
	}
	return true, nil
}

// deliverBatch sends each claimed recipient in order. On any early exit the rows
// not yet processed are returned to pending.
func (w *DeliveryWorker) deliverBatch(ctx context.Context, run *deliveryRun, batch []domain.Recipient) error {
	gatewayName := w.gateway.Name()

	for i := range batch {
		recipient := batch[i]
		rest := batch[i:]

		if ctx.Err() != nil {
			w.release(ctx, run, rest, "interrupted")
			return errRunStopped
		}

		status, err := w.jobs.GetStatus(ctx, run.job.ID)
		if err != nil {
			w.release(ctx, run, rest, "engine_error")
			if ctx.Err() != nil {
				return errRunStopped
			}
			return fmt.Errorf("failed to read job status: %w", err)
		}
		if status != domain.JobStatusRunning {
			w.release(ctx, run, rest, "not_running")
			return nil
		}

		if w.rateLimiter != nil {
			if err := w.rateLimiter.Wait(ctx, ratelimit.BucketBroadcast); err != nil {
				w.release(ctx, run, rest, "interrupted")
				if ctx.Err() != nil {
					return errRunStopped
				}
				return fmt.Errorf("rate limiter wait failed: %w", err)
			}
		}

		sendErr := w.send(ctx, gatewayName, recipient.Target, run.job.Text)

		switch {
		case sendErr == nil:
			run.outages = 0
			if err := w.markSent(ctx, recipient.ID); err != nil {
				if !errors.Is(err, domain.ErrConflict) {
					w.release(ctx, run, batch[i+1:], "engine_error")
					return fmt.Errorf("failed to mark recipient sent: %w", err)
				}
				run.logger.Warn("recipient no longer held after send", zap.Int64("recipientId", recipient.ID))
			}
			w.metrics.IncRecipientSent(gatewayName)

		case gateway.IsThrottled(sendErr):
			run.outages = 0
			// Claims are not held across a backoff; the next batch re-claims them.
			w.release(ctx, run, rest, "throttled")
			w.metrics.IncThrottled(gatewayName)

			throttled, _ := gateway.AsThrottled(sendErr)
			wait := run.pacer.OnThrottle(throttled.RetryAfter)
			run.logger.Warn("gateway throttled, backing off",
				zap.Int64("recipientId", recipient.ID),
				zap.Duration("retryAfter", throttled.RetryAfter),
				zap.Duration("wait", wait),
				zap.Duration("paceDelay", run.pacer.Delay()),
			)
			if err := w.sleep(ctx, wait); err != nil {
				return errRunStopped
			}
			return nil

		case gateway.IsTransient(sendErr):
			run.outages++
			w.release(ctx, run, rest, "gateway_outage")
			if run.outages >= w.cfg.MaxGatewayOutages {
				return fmt.Errorf("%w: %d consecutive failures, last: %v", domain.ErrGatewayUnavailable, run.outages, sendErr)
			}

			wait := run.pacer.OutageBackoff(run.outages)
			run.logger.Warn("gateway outage, backing off",
				zap.Int64("recipientId", recipient.ID),
				zap.Int("outages", run.outages),
				zap.Duration("wait", wait),
				zap.Error(sendErr),
			)
			if err := w.sleep(ctx, wait); err != nil {
				return errRunStopped
			}
			return nil

		default:
			run.outages = 0
			if err := w.markFailed(ctx, recipient.ID, sendErr.Error()); err != nil {
				if !errors.Is(err, domain.ErrConflict) {
					w.release(ctx, run, batch[i+1:], "engine_error")
					return fmt.Errorf("failed to mark recipient failed: %w", err)
				}
				run.logger.Warn("recipient no longer held after failed send", zap.Int64("recipientId", recipient.ID))
			}
			w.metrics.IncRecipientFailed(gatewayName, failureReason(sendErr))
			run.logger.Debug("recipient delivery failed",
				zap.Int64("recipientId", recipient.ID),
				zap.Error(sendErr),
			)
		}

		if err := w.sleep(ctx, run.pacer.Delay()); err != nil {
			w.release(ctx, run, batch[i+1:], "interrupted")
			return errRunStopped
		}
	}

	return nil
}

// send calls the gateway on a context detached from ctx cancellation so an in-flight
// message is never abandoned halfway; SendTimeout still bounds it.
func (w *DeliveryWorker) send(ctx context.Context, gatewayName, target, text string) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.SendTimeout)
	defer cancel()

	start := w.now()
	_, err := w.gateway.Send(sendCtx, target, text)
	w.metrics.ObserveSendDuration(gatewayName, w.now().Sub(start))
	return err
}

// markSent records a delivered message even when ctx was cancelled during the send.
func (w *DeliveryWorker) markSent(ctx context.Context, id int64) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return w.recipients.MarkSent(persistCtx, id)
}

func (w *DeliveryWorker) markFailed(ctx context.Context, id int64, reason string) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return w.recipients.MarkFailed(persistCtx, id, reason)
}

// release returns claimed rows to pending. It runs even after ctx is cancelled.
func (w *DeliveryWorker) release(ctx context.Context, run *deliveryRun, recipients []domain.Recipient, reason string) {
	if len(recipients) == 0 {
		return
	}
	ids := make([]int64, 0, len(recipients))
	for i := range recipients {
		ids = append(ids, recipients[i].ID)
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := w.recipients.Release(releaseCtx, ids); err != nil {
		run.logger.Error("failed to release claimed recipients",
			zap.Int("count", len(ids)),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	w.metrics.AddRequeued(reason, len(ids))
}

// flushCounters recomputes sent/failed from recipient rows. Failures are logged only.
func (w *DeliveryWorker) flushCounters(ctx context.Context, run *deliveryRun) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	counters, err := w.recipients.CountByStatus(flushCtx, run.job.ID)
	if err != nil {
		run.logger.Warn("failed to recompute job counters", zap.Error(err))
		return
	}
	if err := w.jobs.UpdateCounters(flushCtx, run.job.ID, counters); err != nil {
		run.logger.Warn("failed to persist job counters", zap.Error(err))
	}
}

// failRun marks the job failed with cause as its last error.
func (w *DeliveryWorker) failRun(ctx context.Context, run *deliveryRun, cause error) error {
	w.flushCounters(ctx, run)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	lastError := cause.Error()
	finished, err := w.jobs.Finish(finishCtx, run.job.ID, domain.JobStatusFailed, &lastError)
	if err != nil {
		run.logger.Error("failed to mark job failed", zap.Error(err), zap.NamedError("cause", cause))
		return cause
	}
	if finished {
		w.metrics.IncJobFinished(domain.JobStatusFailed.String())
	}
	run.logger.Error("delivery run failed", zap.Error(cause))
	return cause
}

func failureReason(err error) string {
	var gatewayErr *gateway.GatewayError
	if errors.As(err, &gatewayErr) && gatewayErr.StatusCode > 0 {
		return fmt.Sprintf("status_%d", gatewayErr.StatusCode)
	}
	return "permanent"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/observability"
	"go.uber.org/zap"
)

const defaultLeaseRefreshDivisor = 3

// Runner executes one delivery run for a job.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// RunLease grants cross-process ownership of a job run.
type RunLease interface {
	Acquire(ctx context.Context, jobID string) (bool, error)
	Refresh(ctx context.Context, jobID string) (bool, error)
	Release(ctx context.Context, jobID string) error
	Held(ctx context.Context, jobID string) (bool, error)
}

type runHandle struct {
	cancel      context.CancelFunc
	interrupted bool
	restart     bool
}

// RunnerRegistry keeps at most one delivery run per job in this process. With a
// RunLease it also keeps at most one run per job across processes.
type RunnerRegistry struct {
	runner       Runner
	lease        RunLease
	leaseRefresh time.Duration
	logger       *zap.Logger
	metrics      *observability.Metrics

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*runHandle
	closed bool
	wg     sync.WaitGroup
}

func NewRunnerRegistry(runner Runner, lease RunLease, leaseTTL time.Duration, logger *zap.Logger) (*RunnerRegistry, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &RunnerRegistry{
		runner:       runner,
		lease:        lease,
		leaseRefresh: leaseTTL / defaultLeaseRefreshDivisor,
		logger:       logger,
		baseCtx:      baseCtx,
		stop:         stop,
		runs:         make(map[string]*runHandle),
	}, nil
}

func (r *RunnerRegistry) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// EnsureRunning spawns a run for jobID unless one is already live. It reports
// whether a new run was spawned or scheduled behind an interrupted one.
func (r *RunnerRegistry) EnsureRunning(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	if h, ok := r.runs[jobID]; ok {
		if h.interrupted && !h.restart {
			h.restart = true
			return true
		}
		return false
	}

	r.startLocked(jobID)
	return true
}

func (r *RunnerRegistry) IsRunning(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.runs[jobID]
	return ok
}

// Running returns the ids of jobs with a live run.
func (r *RunnerRegistry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}

// Launch satisfies Launcher for in-process deployments.
func (r *RunnerRegistry) Launch(_ context.Context, jobID string) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return fmt.Errorf("runner registry is shut down")
	}

	if r.EnsureRunning(jobID) {
		r.logger.Debug("delivery run launched", zap.String("jobId", jobID))
	}
	return nil
}

// Interrupt cancels the live run of jobID, if any. The run returns its claimed
// recipients to pending before it exits.
func (r *RunnerRegistry) Interrupt(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.runs[jobID]; ok {
		h.interrupted = true
		h.restart = false
		h.cancel()
	}
	return nil
}

// Shutdown cancels every run and waits for them to exit or for ctx to end.
func (r *RunnerRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner registry shutdown: %w", ctx.Err())
	}
}

func (r *RunnerRegistry) startLocked(jobID string) {
	ctx, cancel := context.WithCancel(observability.WithJobID(r.baseCtx, jobID))
	h := &runHandle{cancel: cancel}
	r.runs[jobID] = h

	r.wg.Add(1)
	go r.run(ctx, jobID, h)
}

func (r *RunnerRegistry) run(ctx context.Context, jobID string, h *runHandle) {
	defer r.wg.Done()

	r.metrics.IncActiveWorkers()
	r.execute(ctx, jobID)
	r.metrics.DecActiveWorkers()
	h.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runs[jobID] != h {
		return
	}
	if h.restart && !r.closed {
		r.startLocked(jobID)
		return
	}
	delete(r.runs, jobID)
}

func (r *RunnerRegistry) execute(ctx context.Context, jobID string) {
	logger := observability.WithContextLogger(r.logger, ctx)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("delivery run panicked", zap.Any("panic", rec))
		}
	}()

	if r.lease == nil {
		if err := r.runner.Run(ctx, jobID); err != nil {
			logger.Error("delivery run ended with error", zap.Error(err))
		}
		return
	}

	acquired, err := r.lease.Acquire(ctx, jobID)
	if err != nil {
		logger.Error("failed to acquire run lease", zap.Error(err))
		return
	}
	if !acquired {
		logger.Debug("run lease held by another process")
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		r.refreshLease(runCtx, cancelRun, jobID, logger)
	}()

	if err := r.runner.Run(runCtx, jobID); err != nil {
		logger.Error("delivery run ended with error", zap.Error(err))
	}
	cancelRun()
	<-refreshDone

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.lease.Release(releaseCtx, jobID); err != nil {
		logger.Warn("failed to release run lease", zap.Error(err))
	}
}

// refreshLease extends the lease until ctx ends; losing it cancels the run.
func (r *RunnerRegistry) refreshLease(ctx context.Context, cancelRun context.CancelFunc, jobID string, logger *zap.Logger) {
	ticker := time.NewTicker(r.leaseRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := r.lease.Refresh(ctx, jobID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("failed to refresh run lease", zap.Error(err))
				continue
			}
			if !held {
				logger.Warn("run lease lost, stopping delivery run")
				cancelRun()
				return
			}
		}
	}
}

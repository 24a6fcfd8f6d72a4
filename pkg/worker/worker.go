package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/datatypes"

	"github.com/tidewater-ai/runstate/pkg/core"
	"github.com/tidewater-ai/runstate/pkg/service"
)

// ExecutorFunc runs one claimed run. The checkpoint is the most recently
// persisted progress snapshot, nil on a first attempt; executors should use
// it to skip already-completed work after a retry or resume.
type ExecutorFunc func(ctx context.Context, run *core.Run, cp *service.Checkpoint) (datatypes.JSON, error)

// Pool claims and executes runs.
type Pool struct {
	svc    *service.Service
	config Config
	logger *slog.Logger
	wg     sync.WaitGroup

	mu        sync.RWMutex
	executors map[string]ExecutorFunc
}

// New creates a worker pool over the given service.
func New(svc *service.Service, opts ...Option) *Pool {
	config := Config{
		WorkerID:          uuid.New().String(),
		Concurrency:       10,
		PollInterval:      100 * time.Millisecond,
		HeartbeatInterval: 2 * time.Minute,
		SweepSpec:         "@every 30s",
		SweepBatch:        100,
	}
	for _, opt := range opts {
		opt.apply(&config)
	}

	return &Pool{
		svc:       svc,
		config:    config,
		logger:    slog.Default(),
		executors: make(map[string]ExecutorFunc),
	}
}

// SetLogger replaces the pool's logger.
func (p *Pool) SetLogger(logger *slog.Logger) {
	p.logger = logger
}

// Register installs the executor for a task type. Claimed runs with no
// registered executor are failed permanently.
func (p *Pool) Register(taskType string, fn ExecutorFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executors[taskType] = fn
}

func (p *Pool) executor(taskType string) (ExecutorFunc, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fn, ok := p.executors[taskType]
	return fn, ok
}

// Start begins claiming and executing runs. Blocks until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	runsChan := make(chan *core.Run, p.config.Concurrency)

	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go p.processLoop(ctx, runsChan)
	}

	var sweeper *cron.Cron
	if p.config.SweepSpec != "" {
		sweeper = cron.New()
		if _, err := sweeper.AddFunc(p.config.SweepSpec, func() { p.Sweep(ctx) }); err != nil {
			close(runsChan)
			p.wg.Wait()
			return fmt.Errorf("invalid sweep spec %q: %w", p.config.SweepSpec, err)
		}
		sweeper.Start()
	}

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if sweeper != nil {
				<-sweeper.Stop().Done()
			}
			close(runsChan)
			p.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			run, err := p.svc.ClaimNext(ctx, p.config.WorkerID)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					p.logger.Error("failed to claim run", "error", err)
				}
				continue
			}
			if run != nil {
				select {
				case runsChan <- run:
				case <-ctx.Done():
				}
			}
		}
	}
}

func (p *Pool) processLoop(ctx context.Context, runs <-chan *core.Run) {
	defer p.wg.Done()

	for run := range runs {
		p.processRun(ctx, run)
	}
}

func (p *Pool) processRun(ctx context.Context, run *core.Run) {
	defer p.releaseClaim(ctx, run.ID)

	fn, ok := p.executor(run.TaskType)
	if !ok {
		p.logger.Error("no executor for task type", "run_id", run.ID, "task_type", run.TaskType)
		if _, err := p.svc.Fail(ctx, run.ID, service.Failure{
			Message: fmt.Sprintf("no executor registered for %s", run.TaskType),
			Code:    "E_NO_EXECUTOR",
		}); err != nil {
			p.logger.Error("failed to fail run", "run_id", run.ID, "error", err)
		}
		return
	}

	// The claim does not change state; the worker drives pending (or
	// retrying) to running through the engine. Losing here means another
	// writer got there first, e.g. a cancel; abandon quietly.
	started, err := p.svc.Transition(ctx, run.ID, core.StateRunning, core.TriggerSystem, nil)
	if err != nil {
		if errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, core.ErrConcurrentModification) {
			p.logger.Info("abandoning claimed run", "run_id", run.ID, "error", err)
			return
		}
		p.logger.Error("failed to start run", "run_id", run.ID, "error", err)
		return
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go p.runHeartbeat(heartbeatCtx, started.ID)

	output, execErr := p.execute(ctx, fn, started)

	cancelHeartbeat()

	// A cancel may have landed while we were executing; results from
	// cancelled work are discarded, not persisted.
	current, err := p.svc.Store().GetRun(ctx, started.ID)
	if err != nil {
		p.logger.Error("failed to re-check run state", "run_id", started.ID, "error", err)
		return
	}
	if current.State == core.StateCancelled {
		p.logger.Info("discarding result of cancelled run", "run_id", started.ID)
		return
	}

	if execErr != nil {
		p.handleFailure(ctx, current, execErr)
		return
	}

	if _, err := p.svc.Complete(ctx, started.ID, output); err != nil {
		if errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, core.ErrConcurrentModification) {
			p.logger.Info("run advanced by another writer, result discarded", "run_id", started.ID, "error", err)
			return
		}
		p.logger.Error("failed to complete run", "run_id", started.ID, "error", err)
	}
}

func (p *Pool) execute(ctx context.Context, fn ExecutorFunc, run *core.Run) (output datatypes.JSON, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var cp *service.Checkpoint
	if len(run.CheckpointData) > 0 || run.CheckpointStep > 0 {
		cp = &service.Checkpoint{
			Data: run.CheckpointData,
			Step: run.CheckpointStep,
			At:   run.CheckpointAt,
		}
	}

	return fn(ctx, run, cp)
}

// handleFailure records the error and, when retries remain, parks the run
// in retrying so a later claim picks it up after its backoff. The blocking
// variant lives in service.Retry for callers that want to wait in-line.
func (p *Pool) handleFailure(ctx context.Context, run *core.Run, execErr error) {
	failed, err := p.svc.Fail(ctx, run.ID, service.Failure{
		Message: execErr.Error(),
		Code:    "E_EXECUTION",
	})
	if err != nil {
		p.logger.Error("failed to mark run as failed", "run_id", run.ID, "error", err)
		return
	}

	if failed.RetryCount >= failed.MaxRetries {
		p.logger.Warn("run failed permanently",
			"run_id", run.ID, "retry_count", failed.RetryCount, "error", execErr)
		return
	}

	if _, err := p.svc.Transition(ctx, run.ID, core.StateRetrying, core.TriggerSystem, map[string]any{
		"reason": execErr.Error(),
	}); err != nil {
		p.logger.Error("failed to schedule retry", "run_id", run.ID, "error", err)
		return
	}
	p.logger.Info("run scheduled for retry",
		"run_id", run.ID, "attempt", failed.RetryCount+1, "max_retries", failed.MaxRetries)
}

func (p *Pool) runHeartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.svc.ExtendLease(ctx, runID, p.config.WorkerID); err != nil {
				p.logger.Warn("heartbeat failed", "run_id", runID, "error", err)
			}
		}
	}
}

func (p *Pool) releaseClaim(ctx context.Context, runID string) {
	if err := p.svc.ReleaseClaim(ctx, runID, p.config.WorkerID); err != nil {
		p.logger.Warn("failed to release claim", "run_id", runID, "error", err)
	}
}

// Sweep runs one maintenance pass: expired leases are cleared so crashed
// workers' runs return to the pool, and running runs past their deadline
// are driven to timeout. Normally invoked on the pool's cron schedule;
// exported so operators can trigger it directly.
func (p *Pool) Sweep(ctx context.Context) {
	reclaimed, err := p.svc.Store().ReclaimExpired(ctx)
	if err != nil {
		p.logger.Error("lease reclaim failed", "error", err)
	} else if reclaimed > 0 {
		p.logger.Info("reclaimed expired leases", "count", reclaimed)
	}

	overdue, err := p.svc.Store().RunsPastDeadline(ctx, p.config.SweepBatch)
	if err != nil {
		p.logger.Error("deadline scan failed", "error", err)
		return
	}
	for _, run := range overdue {
		if _, err := p.svc.Transition(ctx, run.ID, core.StateTimeout, core.TriggerSystem, nil); err != nil {
			// The run's own worker may have finished it first; the CAS
			// settles the race.
			if errors.Is(err, core.ErrConcurrentModification) || errors.Is(err, core.ErrInvalidTransition) {
				continue
			}
			p.logger.Error("failed to time out run", "run_id", run.ID, "error", err)
		} else {
			p.logger.Info("run timed out", "run_id", run.ID)
		}
	}
}

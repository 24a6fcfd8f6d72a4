package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/tidewater-ai/runstate/pkg/backoff"
	"github.com/tidewater-ai/runstate/pkg/core"
	"github.com/tidewater-ai/runstate/pkg/storage"
)

// HookFunc is a side effect registered for a specific transition edge. It
// runs after the CAS has succeeded. A hook cannot corrupt the state
// machine: panics are recovered and logged, never propagated.
type HookFunc func(ctx context.Context, run *core.Run, from, to core.RunState)

type edge struct {
	from core.RunState
	to   core.RunState
}

// Engine applies validated transitions to runs.
type Engine struct {
	store   *storage.GormStorage
	logger  *slog.Logger
	backoff backoff.Strategy

	mu    sync.RWMutex
	hooks map[edge][]HookFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithBackoff sets the strategy used to schedule the next attempt when a
// run entering retrying has no explicit retry_delay_ms.
func WithBackoff(s backoff.Strategy) Option {
	return func(e *Engine) { e.backoff = s }
}

// New creates an engine over the given store.
func New(store *storage.GormStorage, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		logger:  slog.Default(),
		backoff: backoff.Default(),
		hooks:   make(map[edge][]HookFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnTransition registers a side-effect hook for the (from, to) edge.
func (e *Engine) OnTransition(from, to core.RunState, fn HookFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := edge{from: from, to: to}
	e.hooks[key] = append(e.hooks[key], fn)
}

// Transition moves a run to the requested state.
//
// The sequence is: fetch, validate against the transition table, compute
// the update set (previous_state, timestamps, version bump, retry
// bookkeeping), and apply it conditioned on the version read at fetch
// time. A version mismatch surfaces as ErrConcurrentModification with no
// mutation; the engine never retries the CAS itself. On success an audit
// event is appended and edge hooks run; failures in either are logged and
// suppressed, since they must not roll back a committed transition.
func (e *Engine) Transition(ctx context.Context, runID string, to core.RunState, triggeredBy core.Trigger, payload map[string]any) (*core.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	from := run.State
	if !core.CanTransition(from, to) {
		return nil, &core.TransitionError{From: from, To: to}
	}
	// retry_count must never exceed max_retries, no matter which caller
	// requests the edge.
	if to == core.StateRetrying && run.RetryCount >= run.MaxRetries {
		return nil, fmt.Errorf("%w: %d of %d attempts used", core.ErrRetryExhausted, run.RetryCount, run.MaxRetries)
	}

	now := time.Now()
	updates := map[string]any{
		"previous_state":   from,
		"state":            to,
		"state_changed_at": now,
	}

	// Lifecycle timestamps are set exactly once, on the first transition
	// into the corresponding state.
	if to == core.StateRunning && run.StartedAt == nil {
		updates["started_at"] = now
		run.StartedAt = &now
	}
	if core.EndsExecution(to) && run.CompletedAt == nil {
		updates["completed_at"] = now
		run.CompletedAt = &now
	}
	if to == core.StatePaused && run.PausedAt == nil {
		updates["paused_at"] = now
		run.PausedAt = &now
	}
	if to == core.StateResuming && run.ResumedAt == nil {
		updates["resumed_at"] = now
		run.ResumedAt = &now
	}
	if to == core.StateRetrying {
		nextAttempt := now.Add(e.RetryDelay(run))
		updates["retry_count"] = run.RetryCount + 1
		updates["next_attempt_at"] = nextAttempt
		run.RetryCount++
		run.NextAttemptAt = &nextAttempt
		if run.LastRetryAt == nil {
			updates["last_retry_at"] = now
			run.LastRetryAt = &now
		}
	}

	if err := e.store.ApplyTransition(ctx, run.ID, run.Version, updates); err != nil {
		return nil, err
	}

	run.PreviousState = from
	run.State = to
	run.StateChangedAt = &now
	run.Version++

	e.appendEvent(ctx, run, from, to, triggeredBy, payload)
	e.runHooks(ctx, run, from, to)

	return run, nil
}

// RetryDelay returns the bounded wait before a retried run re-enters
// execution: the run's own retry_delay_ms when set, otherwise the engine's
// backoff strategy, capped at core.MaxRetryDelay either way.
func (e *Engine) RetryDelay(run *core.Run) time.Duration {
	d := time.Duration(run.RetryDelayMs) * time.Millisecond
	if d <= 0 {
		d = e.backoff.Delay(run.RetryCount + 1)
	}
	if d > core.MaxRetryDelay {
		d = core.MaxRetryDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// appendEvent records the transition in the audit log. The event is not
// part of the consistency boundary: a failed append is logged, the
// committed transition stands.
func (e *Engine) appendEvent(ctx context.Context, run *core.Run, from, to core.RunState, triggeredBy core.Trigger, payload map[string]any) {
	event := &core.Event{
		RunID:       run.ID,
		EventType:   core.EventStateChange,
		FromState:   from,
		ToState:     to,
		TriggeredBy: triggeredBy,
	}
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			e.logger.Warn("failed to encode transition payload", "run_id", run.ID, "error", err)
		} else {
			event.EventData = datatypes.JSON(data)
		}
	}

	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.Error("failed to append transition event",
			"run_id", run.ID, "from", from, "to", to, "error", err)
	}
}

func (e *Engine) runHooks(ctx context.Context, run *core.Run, from, to core.RunState) {
	e.mu.RLock()
	hooks := e.hooks[edge{from: from, to: to}]
	e.mu.RUnlock()

	for _, fn := range hooks {
		e.invokeHook(ctx, fn, run, from, to)
	}
}

func (e *Engine) invokeHook(ctx context.Context, fn HookFunc, run *core.Run, from, to core.RunState) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("transition hook panicked",
				"run_id", run.ID, "from", from, "to", to, "panic", r)
		}
	}()
	fn(ctx, run, from, to)
}

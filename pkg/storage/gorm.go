package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tidewater-ai/runstate/pkg/core"
	"github.com/tidewater-ai/runstate/pkg/security"
)

// GormStorage implements the run store using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed run store.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying *gorm.DB.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the store is backed by SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.db != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the runs, steps, and events tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Run{}, &core.Step{}, &core.Event{})
}

// CreateRun inserts a new run. Missing fields are defaulted: a generated
// UUID, the created state, and version 1. The retry limit is clamped.
func (s *GormStorage) CreateRun(ctx context.Context, run *core.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.State == "" {
		run.State = core.StateCreated
	}
	if run.Version == 0 {
		run.Version = 1
	}
	run.MaxRetries = security.ClampRetries(run.MaxRetries)

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return &core.StoreError{Op: "create run", Err: err}
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *GormStorage) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	var run core.Run
	err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrRunNotFound
	}
	if err != nil {
		return nil, &core.StoreError{Op: "get run", Err: err}
	}
	return &run, nil
}

// GetRunForOwner retrieves a run by id, scoped to its owner. A run that
// exists but belongs to someone else is indistinguishable from a missing one.
func (s *GormStorage) GetRunForOwner(ctx context.Context, runID, ownerID string) (*core.Run, error) {
	var run core.Run
	err := s.db.WithContext(ctx).First(&run, "id = ? AND owner_id = ?", runID, ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrRunNotFound
	}
	if err != nil {
		return nil, &core.StoreError{Op: "get run", Err: err}
	}
	return &run, nil
}

// ApplyTransition performs the compare-and-swap state update. The update
// only applies if the run's version still equals expectedVersion; the
// version is incremented as part of the same statement. When zero rows
// match, another writer advanced the run first and
// ErrConcurrentModification is returned (or ErrRunNotFound if the run no
// longer exists at all).
func (s *GormStorage) ApplyTransition(ctx context.Context, runID string, expectedVersion int, updates map[string]any) error {
	updates["version"] = expectedVersion + 1

	result := s.db.WithContext(ctx).
		Model(&core.Run{}).
		Where("id = ? AND version = ?", runID, expectedVersion).
		Updates(updates)

	if result.Error != nil {
		return &core.StoreError{Op: "apply transition", Err: result.Error}
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&core.Run{}).Where("id = ?", runID).Count(&count).Error; err != nil {
			return &core.StoreError{Op: "apply transition", Err: err}
		}
		if count == 0 {
			return core.ErrRunNotFound
		}
		return core.ErrConcurrentModification
	}
	return nil
}

// UpdateOutcome writes outcome fields (result, error payload, execution
// time) with a plain update. Only the owning worker writes these fields, so
// no CAS is needed; the state transition that follows is CAS-protected.
func (s *GormStorage) UpdateOutcome(ctx context.Context, runID string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&core.Run{}).
		Where("id = ?", runID).
		Updates(updates)

	if result.Error != nil {
		return &core.StoreError{Op: "update outcome", Err: result.Error}
	}
	if result.RowsAffected == 0 {
		return core.ErrRunNotFound
	}
	return nil
}

// SaveCheckpoint persists a checkpoint on behalf of the claiming worker.
// The claimed_by guard rejects writes from workers that do not currently
// hold the run.
func (s *GormStorage) SaveCheckpoint(ctx context.Context, runID, workerID string, data datatypes.JSON, step int) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Run{}).
		Where("id = ? AND claimed_by = ?", runID, workerID).
		Updates(map[string]any{
			"checkpoint_data": data,
			"checkpoint_step": step,
			"checkpoint_at":   now,
		})

	if result.Error != nil {
		return &core.StoreError{Op: "save checkpoint", Err: result.Error}
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return core.ErrNotClaimOwner
	}
	return nil
}

// SetCheckpoint persists a checkpoint without a claim guard. Used by pause,
// where the checkpoint must be durable before the paused transition is
// applied so any reader observing paused sees a consistent checkpoint.
func (s *GormStorage) SetCheckpoint(ctx context.Context, runID string, data datatypes.JSON, step int) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Run{}).
		Where("id = ?", runID).
		Updates(map[string]any{
			"checkpoint_data": data,
			"checkpoint_step": step,
			"checkpoint_at":   now,
		})

	if result.Error != nil {
		return &core.StoreError{Op: "set checkpoint", Err: result.Error}
	}
	if result.RowsAffected == 0 {
		return core.ErrRunNotFound
	}
	return nil
}

// ClaimNext atomically hands the next eligible run to workerID. Eligible
// means pending, or retrying with an elapsed backoff, and not under a live
// lease. On PostgreSQL the select uses FOR UPDATE SKIP LOCKED so concurrent
// pollers never block on or receive the same row. Returns (nil, nil) when
// nothing is eligible.
func (s *GormStorage) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*core.Run, error) {
	var run core.Run
	now := time.Now()
	leaseExpiry := now.Add(lease)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("(state = ? OR (state = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)))",
				core.StatePending, core.StateRetrying, now).
			Where("(lease_expires_at IS NULL OR lease_expires_at < ?)", now).
			Order("created_at ASC")

		if !s.IsSQLite() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		result := q.First(&run)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		// The claim write re-states the version and lease predicate, so it
		// is self-verifying on dialects without SKIP LOCKED: if another
		// writer touched the row between the select and here, zero rows
		// match and this call claims nothing.
		write := tx.Model(&core.Run{}).
			Where("id = ? AND version = ?", run.ID, run.Version).
			Where("(lease_expires_at IS NULL OR lease_expires_at < ?)", now).
			Updates(map[string]any{
				"claimed_by":       workerID,
				"lease_expires_at": leaseExpiry,
			})
		if write.Error != nil {
			return write.Error
		}
		if write.RowsAffected == 0 {
			run = core.Run{}
			return nil
		}

		run.ClaimedBy = workerID
		run.LeaseExpiresAt = &leaseExpiry
		return nil
	})

	if err != nil {
		return nil, &core.StoreError{Op: "claim next", Err: err}
	}
	if run.ID == "" {
		return nil, nil
	}
	return &run, nil
}

// ExtendLease pushes out the lease expiry for a run the worker still holds.
func (s *GormStorage) ExtendLease(ctx context.Context, runID, workerID string, lease time.Duration) error {
	expiry := time.Now().Add(lease)
	result := s.db.WithContext(ctx).
		Model(&core.Run{}).
		Where("id = ? AND claimed_by = ?", runID, workerID).
		Update("lease_expires_at", expiry)

	if result.Error != nil {
		return &core.StoreError{Op: "extend lease", Err: result.Error}
	}
	if result.RowsAffected == 0 {
		return core.ErrNotClaimOwner
	}
	return nil
}

// ReleaseClaim drops the worker's lease on a run, typically after the run
// reached a terminal-for-timing state.
func (s *GormStorage) ReleaseClaim(ctx context.Context, runID, workerID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Run{}).
		Where("id = ? AND claimed_by = ?", runID, workerID).
		Updates(map[string]any{
			"claimed_by":       "",
			"lease_expires_at": nil,
		})

	if result.Error != nil {
		return &core.StoreError{Op: "release claim", Err: result.Error}
	}
	return nil
}

// ReclaimExpired clears leases whose expiry has passed, returning runs held
// by crashed workers to the eligible pool. Terminal runs keep their history
// untouched.
func (s *GormStorage) ReclaimExpired(ctx context.Context) (int64, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Run{}).
		Where("claimed_by <> ''").
		Where("lease_expires_at IS NOT NULL AND lease_expires_at < ?", now).
		Where("state NOT IN ?", []core.RunState{core.StateCompleted, core.StateCancelled}).
		Updates(map[string]any{
			"claimed_by":       "",
			"lease_expires_at": nil,
		})

	if result.Error != nil {
		return 0, &core.StoreError{Op: "reclaim expired", Err: result.Error}
	}
	return result.RowsAffected, nil
}

// RunsPastDeadline returns running runs whose timeout_at has passed. The
// caller drives each through the normal timeout transition.
func (s *GormStorage) RunsPastDeadline(ctx context.Context, limit int) ([]*core.Run, error) {
	var runs []*core.Run
	now := time.Now()

	err := s.db.WithContext(ctx).
		Where("state = ?", core.StateRunning).
		Where("timeout_at IS NOT NULL AND timeout_at <= ?", now).
		Order("timeout_at ASC").
		Limit(limit).
		Find(&runs).Error

	if err != nil {
		return nil, &core.StoreError{Op: "runs past deadline", Err: err}
	}
	return runs, nil
}

// AddStep inserts a new step in the running state. The step number is
// computed inside the insert transaction as the run's current step count
// plus one; the unique index on (run_id, step_number) backstops the
// gapless-and-monotonic invariant against concurrent writers.
func (s *GormStorage) AddStep(ctx context.Context, step *core.Step) error {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	if step.State == "" {
		step.State = core.StepRunning
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&core.Step{}).Where("run_id = ?", step.RunID).Count(&count).Error; err != nil {
			return err
		}
		step.StepNumber = int(count) + 1
		return tx.Create(step).Error
	})

	if err != nil {
		return &core.StoreError{Op: "add step", Err: err}
	}
	return nil
}

// CompleteStep records a step's output and closes it. Output, state, and
// completed_at are the only fields ever written after insertion; a step
// that needs correction is superseded by a new step.
func (s *GormStorage) CompleteStep(ctx context.Context, stepID string, output datatypes.JSON) (*core.Step, error) {
	var step core.Step
	err := s.db.WithContext(ctx).First(&step, "id = ?", stepID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrStepNotFound
	}
	if err != nil {
		return nil, &core.StoreError{Op: "get step", Err: err}
	}
	if step.State == core.StepCompleted {
		return nil, core.ErrInvalidState
	}

	now := time.Now()
	step.Output = output
	step.State = core.StepCompleted
	step.CompletedAt = &now
	step.DurationMs = now.Sub(step.StartedAt).Milliseconds()

	if err := s.db.WithContext(ctx).
		Model(&core.Step{}).
		Where("id = ?", stepID).
		Updates(map[string]any{
			"output":       step.Output,
			"state":        step.State,
			"completed_at": step.CompletedAt,
			"duration_ms":  step.DurationMs,
		}).Error; err != nil {
		return nil, &core.StoreError{Op: "complete step", Err: err}
	}
	return &step, nil
}

// ListSteps returns a run's steps in insertion order.
func (s *GormStorage) ListSteps(ctx context.Context, runID string) ([]core.Step, error) {
	var steps []core.Step
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("step_number ASC").
		Find(&steps).Error
	if err != nil {
		return nil, &core.StoreError{Op: "list steps", Err: err}
	}
	return steps, nil
}

// AppendEvent inserts an audit record. Events are write-once; nothing in
// this package updates or deletes them.
func (s *GormStorage) AppendEvent(ctx context.Context, event *core.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return &core.StoreError{Op: "append event", Err: err}
	}
	return nil
}

// ListEvents returns a run's audit trail in insertion order.
func (s *GormStorage) ListEvents(ctx context.Context, runID string) ([]core.Event, error) {
	var events []core.Event
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, &core.StoreError{Op: "list events", Err: err}
	}
	return events, nil
}

// ListRuns returns an owner's runs, optionally filtered to a set of states,
// newest first.
func (s *GormStorage) ListRuns(ctx context.Context, ownerID string, states ...core.RunState) ([]*core.Run, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}

	var runs []*core.Run
	if err := q.Order("created_at DESC").Find(&runs).Error; err != nil {
		return nil, &core.StoreError{Op: "list runs", Err: err}
	}
	return runs, nil
}

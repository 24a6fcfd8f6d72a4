package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/tidewater-ai/runstate/pkg/core"
	"github.com/tidewater-ai/runstate/pkg/security"
)

// newTestStorage creates a fresh, fully migrated store for each test.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	s := NewGormStorage(openTestDB(t))
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

// newTestRun builds a minimal valid run for insertion in tests.
func newTestRun(owner, taskType string) *core.Run {
	return &core.Run{
		OwnerID:  owner,
		TaskType: taskType,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// CreateRun / GetRun
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateRun_Defaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := &core.Run{
		OwnerID:   "owner-1",
		TaskType:  "agent.research",
		TaskInput: datatypes.JSON(`{"query":"tides"}`),
	}
	require.NoError(t, s.CreateRun(ctx, run))

	assert.NotEmpty(t, run.ID, "ID should be auto-generated")
	assert.Equal(t, core.StateCreated, run.State)
	assert.Equal(t, 1, run.Version)
}

func TestCreateRun_ClampsRetries(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	run.MaxRetries = security.MaxRetries + 50
	require.NoError(t, s.CreateRun(ctx, run))

	assert.Equal(t, security.MaxRetries, run.MaxRetries)
}

func TestGetRun_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.GetRun(ctx, "no-such-run")
	assert.ErrorIs(t, err, core.ErrRunNotFound)
}

func TestGetRunForOwner_WrongOwnerLooksMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRunForOwner(ctx, run.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = s.GetRunForOwner(ctx, run.ID, "owner-2")
	assert.ErrorIs(t, err, core.ErrRunNotFound)
}

// ──────────────────────────────────────────────────────────────────────────────
// ApplyTransition (CAS)
// ──────────────────────────────────────────────────────────────────────────────

func TestApplyTransition_IncrementsVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	require.NoError(t, s.CreateRun(ctx, run))

	err := s.ApplyTransition(ctx, run.ID, run.Version, map[string]any{
		"previous_state": run.State,
		"state":          core.StatePending,
	})
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePending, got.State)
	assert.Equal(t, core.StateCreated, got.PreviousState)
	assert.Equal(t, run.Version+1, got.Version)
}

func TestApplyTransition_StaleVersionFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	require.NoError(t, s.CreateRun(ctx, run))

	// First writer wins.
	require.NoError(t, s.ApplyTransition(ctx, run.ID, run.Version, map[string]any{
		"state": core.StatePending,
	}))

	// Second writer read the same version and must lose.
	err := s.ApplyTransition(ctx, run.ID, run.Version, map[string]any{
		"state": core.StateCancelled,
	})
	assert.ErrorIs(t, err, core.ErrConcurrentModification)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePending, got.State, "losing write must not apply")
	assert.Equal(t, 2, got.Version)
}

func TestApplyTransition_MissingRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	err := s.ApplyTransition(ctx, "no-such-run", 1, map[string]any{
		"state": core.StatePending,
	})
	assert.ErrorIs(t, err, core.ErrRunNotFound)
}

// ──────────────────────────────────────────────────────────────────────────────
// ClaimNext
// ──────────────────────────────────────────────────────────────────────────────

func TestClaimNext_TwoWorkersGetDistinctRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run1 := newTestRun("owner-1", "agent.research")
	run1.State = core.StatePending
	require.NoError(t, s.CreateRun(ctx, run1))

	run2 := newTestRun("owner-1", "agent.research")
	run2.State = core.StatePending
	require.NoError(t, s.CreateRun(ctx, run2))

	claimed1, err := s.ClaimNext(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed1)

	claimed2, err := s.ClaimNext(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed2)

	assert.NotEqual(t, claimed1.ID, claimed2.ID, "each claim must return a distinct run")

	claimed3, err := s.ClaimNext(ctx, "worker-c", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed3, "no eligible run should remain")
}

func TestClaimNext_SetsLease(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	run.State = core.StatePending
	require.NoError(t, s.CreateRun(ctx, run))

	claimed, err := s.ClaimNext(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, "worker-a", claimed.ClaimedBy)
	require.NotNil(t, claimed.LeaseExpiresAt)
	assert.True(t, claimed.Claimed(time.Now()))
}

func TestClaimNext_ClaimWritesOnlyLeaseFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	run.State = core.StatePending
	require.NoError(t, s.CreateRun(ctx, run))

	claimed, err := s.ClaimNext(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The claim update is conditioned on the version read in the same
	// transaction and touches only the lease columns: state and version are
	// untouched, and the write is durable, not just reflected in the return.
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", got.ClaimedBy)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.Equal(t, run.Version, got.Version)
	assert.Equal(t, core.StatePending, got.State)
}

func TestClaimNext_SkipsCreatedRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	require.NoError(t, s.CreateRun(ctx, run)) // stays in created

	claimed, err := s.ClaimNext(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimNext_RetryingEligibleOnlyAfterBackoff(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	future := time.Now().Add(time.Hour)
	run := newTestRun("owner-1", "agent.research")
	run.State = core.StateRetrying
	run.NextAttemptAt = &future
	require.NoError(t, s.CreateRun(ctx, run))

	claimed, err := s.ClaimNext(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed, "backoff has not elapsed")

	past := time.Now().Add(-time.Second)
	require.NoError(t, s.UpdateOutcome(ctx, run.ID, map[string]any{"next_attempt_at": past}))

	claimed, err = s.ClaimNext(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, run.ID, claimed.ID)
}

func TestClaimNext_SkipsLiveLeases(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	run.State = core.StatePending
	require.NoError(t, s.CreateRun(ctx, run))

	first, err := s.ClaimNext(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.ClaimNext(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second, "a claimed run must not be handed out twice")
}

// ──────────────────────────────────────────────────────────────────────────────
// Leases
// ──────────────────────────────────────────────────────────────────────────────

func TestExtendLease_RequiresOwnership(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	run.State = core.StatePending
	require.NoError(t, s.CreateRun(ctx, run))

	claimed, err := s.ClaimNext(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.NoError(t, s.ExtendLease(ctx, claimed.ID, "worker-a", 2*time.Minute))
	assert.ErrorIs(t, s.ExtendLease(ctx, claimed.ID, "worker-b", 2*time.Minute), core.ErrNotClaimOwner)
}

func TestReclaimExpired_ReturnsRunToPool(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	run.State = core.StatePending
	require.NoError(t, s.CreateRun(ctx, run))

	// Claim with an already-expired lease to simulate a crashed worker.
	claimed, err := s.ClaimNext(ctx, "worker-a", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := s.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reclaimed, err := s.ClaimNext(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, run.ID, reclaimed.ID)
	assert.Equal(t, "worker-b", reclaimed.ClaimedBy)
}

// ──────────────────────────────────────────────────────────────────────────────
// Checkpoints
// ──────────────────────────────────────────────────────────────────────────────

func TestSaveCheckpoint_GuardedByClaim(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	run.State = core.StatePending
	require.NoError(t, s.CreateRun(ctx, run))

	claimed, err := s.ClaimNext(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, s.SaveCheckpoint(ctx, claimed.ID, "worker-a", datatypes.JSON(`{"step":3}`), 3))

	err = s.SaveCheckpoint(ctx, claimed.ID, "worker-b", datatypes.JSON(`{"step":9}`), 9)
	assert.ErrorIs(t, err, core.ErrNotClaimOwner)

	got, err := s.GetRun(ctx, claimed.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":3}`, string(got.CheckpointData))
	assert.Equal(t, 3, got.CheckpointStep)
	assert.NotNil(t, got.CheckpointAt)
}

func TestSaveCheckpoint_MissingRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	err := s.SaveCheckpoint(ctx, "no-such-run", "worker-a", nil, 0)
	assert.ErrorIs(t, err, core.ErrRunNotFound)
}

// ──────────────────────────────────────────────────────────────────────────────
// Steps
// ──────────────────────────────────────────────────────────────────────────────

func TestAddStep_NumbersAreGapless(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	require.NoError(t, s.CreateRun(ctx, run))

	for i := 0; i < 5; i++ {
		step := &core.Step{RunID: run.ID, StepType: "tool_call", StepName: "search"}
		require.NoError(t, s.AddStep(ctx, step))
	}

	steps, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 5)
	for i, step := range steps {
		assert.Equal(t, i+1, step.StepNumber, "step numbers must be 1,2,3,... in insertion order")
		assert.Equal(t, core.StepRunning, step.State)
	}
}

func TestAddStep_NumbersIndependentPerRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run1 := newTestRun("owner-1", "agent.research")
	require.NoError(t, s.CreateRun(ctx, run1))
	run2 := newTestRun("owner-1", "agent.research")
	require.NoError(t, s.CreateRun(ctx, run2))

	require.NoError(t, s.AddStep(ctx, &core.Step{RunID: run1.ID, StepType: "tool_call"}))
	require.NoError(t, s.AddStep(ctx, &core.Step{RunID: run2.ID, StepType: "tool_call"}))
	require.NoError(t, s.AddStep(ctx, &core.Step{RunID: run2.ID, StepType: "tool_call"}))

	steps1, err := s.ListSteps(ctx, run1.ID)
	require.NoError(t, err)
	steps2, err := s.ListSteps(ctx, run2.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, steps1[0].StepNumber)
	assert.Equal(t, 1, steps2[0].StepNumber)
	assert.Equal(t, 2, steps2[1].StepNumber)
}

func TestCompleteStep(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	require.NoError(t, s.CreateRun(ctx, run))

	step := &core.Step{RunID: run.ID, StepType: "tool_call", Input: datatypes.JSON(`{"q":"x"}`)}
	require.NoError(t, s.AddStep(ctx, step))

	done, err := s.CompleteStep(ctx, step.ID, datatypes.JSON(`{"hits":2}`))
	require.NoError(t, err)

	assert.Equal(t, core.StepCompleted, done.State)
	assert.JSONEq(t, `{"hits":2}`, string(done.Output))
	require.NotNil(t, done.CompletedAt)
	assert.GreaterOrEqual(t, done.DurationMs, int64(0))
}

func TestCompleteStep_TwiceFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	require.NoError(t, s.CreateRun(ctx, run))

	step := &core.Step{RunID: run.ID, StepType: "tool_call"}
	require.NoError(t, s.AddStep(ctx, step))

	_, err := s.CompleteStep(ctx, step.ID, nil)
	require.NoError(t, err)

	_, err = s.CompleteStep(ctx, step.ID, nil)
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestCompleteStep_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.CompleteStep(ctx, "no-such-step", nil)
	assert.ErrorIs(t, err, core.ErrStepNotFound)
}

// ──────────────────────────────────────────────────────────────────────────────
// Events / listing
// ──────────────────────────────────────────────────────────────────────────────

func TestAppendEvent_AndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	run := newTestRun("owner-1", "agent.research")
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.AppendEvent(ctx, &core.Event{
		RunID:       run.ID,
		EventType:   core.EventStateChange,
		FromState:   core.StateCreated,
		ToState:     core.StatePending,
		TriggeredBy: core.TriggerSystem,
	}))
	require.NoError(t, s.AppendEvent(ctx, &core.Event{
		RunID:     run.ID,
		EventType: core.EventCheckpoint,
		EventData: datatypes.JSON(`{"step":1}`),
	}))

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, core.EventStateChange, events[0].EventType)
	assert.Equal(t, core.EventCheckpoint, events[1].EventType)
}

func TestListRuns_FiltersByOwnerAndState(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	mine := newTestRun("owner-1", "agent.research")
	mine.State = core.StatePending
	require.NoError(t, s.CreateRun(ctx, mine))

	done := newTestRun("owner-1", "agent.research")
	done.State = core.StateCompleted
	require.NoError(t, s.CreateRun(ctx, done))

	theirs := newTestRun("owner-2", "agent.research")
	theirs.State = core.StatePending
	require.NoError(t, s.CreateRun(ctx, theirs))

	all, err := s.ListRuns(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := s.ListRuns(ctx, "owner-1", core.StatePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, mine.ID, pending[0].ID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Timeout sweep support
// ──────────────────────────────────────────────────────────────────────────────

func TestRunsPastDeadline(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	past := time.Now().Add(-time.Minute)
	late := newTestRun("owner-1", "agent.research")
	late.State = core.StateRunning
	late.TimeoutAt = &past
	require.NoError(t, s.CreateRun(ctx, late))

	future := time.Now().Add(time.Hour)
	onTime := newTestRun("owner-1", "agent.research")
	onTime.State = core.StateRunning
	onTime.TimeoutAt = &future
	require.NoError(t, s.CreateRun(ctx, onTime))

	noDeadline := newTestRun("owner-1", "agent.research")
	noDeadline.State = core.StateRunning
	require.NoError(t, s.CreateRun(ctx, noDeadline))

	overdue, err := s.RunsPastDeadline(ctx, 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)
}

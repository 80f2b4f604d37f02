package gate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/aof/pkg/config"
	"github.com/agentfabric/aof/pkg/eventlog"
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

type engineFixture struct {
	store  *store.Store
	events *eventlog.Logger
	engine *Engine
	now    time.Time
}

func testProject() *config.Project {
	return &config.Project{
		ID: "demo",
		Org: &config.OrgChart{Roles: map[string]config.Role{
			"dev":  {},
			"qa":   {},
			"lead": {},
		}},
		Workflows: map[string]*config.Workflow{
			"feature": {Gates: []config.GateDef{
				{ID: "dev-review", Role: "dev"},
				{ID: "qa-review", Role: "qa", When: `tags.includes("needs-qa")`},
				{ID: "lead-signoff", Role: "lead"},
			}},
		},
	}
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	dir := t.TempDir()
	events, err := eventlog.New(filepath.Join(dir, "events"))
	require.NoError(t, err)
	st := store.New(dir, events, store.WithProjectID("demo"))
	require.NoError(t, st.Init())

	f := &engineFixture{store: st, events: events, now: time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)}
	f.engine = NewEngine(st, events, testProject(), WithClock(func() time.Time { return f.now }))
	return f
}

// gatedTask creates an in-progress task parked at the workflow's first gate.
func (f *engineFixture) gatedTask(t *testing.T, tags ...string) *types.Task {
	t.Helper()
	task, err := f.store.Create(store.CreateOptions{
		Title:   "gated work",
		Routing: types.Routing{Tags: tags},
		Gate:    &types.GateState{Workflow: "feature", Current: "dev-review", EnteredAt: f.now},
	})
	require.NoError(t, err)
	_, err = f.store.Transition(task.ID, types.StatusReady)
	require.NoError(t, err)
	task, err = f.store.Transition(task.ID, types.StatusInProgress)
	require.NoError(t, err)
	return task
}

func TestCompleteAdvances(t *testing.T) {
	f := newEngineFixture(t)
	task := f.gatedTask(t, "needs-qa")

	f.now = f.now.Add(10 * time.Minute)
	got, err := f.engine.Complete(task.ID, Completion{
		Outcome: OutcomeComplete, Agent: "agent-dev", Summary: "implemented",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusReview, got.Status)
	require.NotNil(t, got.Gate)
	assert.Equal(t, "qa-review", got.Gate.Current)
	assert.Equal(t, f.now, got.Gate.EnteredAt)

	require.Len(t, got.GateHistory, 1)
	entry := got.GateHistory[0]
	assert.Equal(t, "dev-review", entry.Gate)
	assert.Equal(t, "agent-dev", entry.Agent)
	assert.Equal(t, int64(10*time.Minute/time.Millisecond), entry.DurationMs)
	assert.Equal(t, "implemented", entry.Summary)

	evs, err := f.events.Query(eventlog.Filter{Type: "gate_transition", TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "dev-review", evs[0].Payload["fromGate"])
	assert.Equal(t, "qa-review", evs[0].Payload["toGate"])
	assert.Equal(t, "complete", evs[0].Payload["outcome"])

	// Finishing the remaining gates lands the task in done with the gate
	// pointer cleared.
	got, err = f.engine.Complete(task.ID, Completion{Outcome: OutcomeComplete, Agent: "agent-qa"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusReview, got.Status)
	assert.Equal(t, "lead-signoff", got.Gate.Current)

	got, err = f.engine.Complete(task.ID, Completion{Outcome: OutcomeComplete, Agent: "agent-lead"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)
	assert.Nil(t, got.Gate)
	assert.Len(t, got.GateHistory, 3)
}

func TestCompleteSkipsConditionalGates(t *testing.T) {
	f := newEngineFixture(t)
	task := f.gatedTask(t) // no needs-qa tag, so qa-review's `when` is false

	got, err := f.engine.Complete(task.ID, Completion{Outcome: OutcomeComplete, Agent: "agent-dev"})
	require.NoError(t, err)
	assert.Equal(t, "lead-signoff", got.Gate.Current)

	require.Len(t, got.GateHistory, 2)
	assert.Equal(t, "qa-review", got.GateHistory[1].Gate)
	assert.True(t, got.GateHistory[1].Skipped)

	evs, err := f.events.Query(eventlog.Filter{Type: "gate_transition", TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, []any{"qa-review"}, evs[0].Payload["skipped"])
}

func TestRejectRoutesBack(t *testing.T) {
	f := newEngineFixture(t)
	task := f.gatedTask(t, "needs-qa")
	_, err := f.engine.Complete(task.ID, Completion{Outcome: OutcomeComplete, Agent: "agent-dev"})
	require.NoError(t, err)

	t.Run("notes are required", func(t *testing.T) {
		_, err := f.engine.Complete(task.ID, Completion{Outcome: OutcomeNeedsReview, Agent: "agent-qa"})
		assert.ErrorIs(t, err, ErrNotesRequired)
	})

	t.Run("defaults to the preceding gate", func(t *testing.T) {
		got, err := f.engine.Complete(task.ID, Completion{
			Outcome: OutcomeNeedsReview, Agent: "agent-qa", RejectionNotes: "tests missing",
		})
		require.NoError(t, err)
		assert.Equal(t, types.StatusInProgress, got.Status)
		assert.Equal(t, "dev-review", got.Gate.Current)
		require.NotNil(t, got.ReviewContext)
		assert.Equal(t, "qa-review", got.ReviewContext.FromGate)
		assert.Equal(t, "tests missing", got.ReviewContext.Notes)
	})

	t.Run("first gate rejects onto itself", func(t *testing.T) {
		got, err := f.engine.Complete(task.ID, Completion{
			Outcome: OutcomeNeedsReview, Agent: "agent-dev", RejectionNotes: "spec unclear",
		})
		require.NoError(t, err)
		assert.Equal(t, "dev-review", got.Gate.Current)
	})

	t.Run("forward target is rejected", func(t *testing.T) {
		_, err := f.engine.Complete(task.ID, Completion{
			Outcome: OutcomeNeedsReview, Agent: "agent-dev", RejectionNotes: "n", TargetGate: "lead-signoff",
		})
		assert.ErrorIs(t, err, ErrNoGate)
	})
}

func TestRoleEnforcement(t *testing.T) {
	f := newEngineFixture(t)
	task := f.gatedTask(t)

	_, err := f.engine.Complete(task.ID, Completion{Outcome: OutcomeComplete, Agent: "agent-qa", CallerRole: "qa"})
	assert.ErrorIs(t, err, ErrRoleMismatch)

	_, err = f.engine.Complete(task.ID, Completion{Outcome: OutcomeComplete, Agent: "agent-dev", CallerRole: "dev"})
	assert.NoError(t, err)
}

func TestBlockedOutcome(t *testing.T) {
	f := newEngineFixture(t)
	task := f.gatedTask(t)

	_, err := f.engine.Complete(task.ID, Completion{Outcome: OutcomeBlocked, Agent: "agent-dev"})
	assert.ErrorIs(t, err, ErrBlockersRequired)

	got, err := f.engine.Complete(task.ID, Completion{
		Outcome: OutcomeBlocked, Agent: "agent-dev", Blockers: []string{"upstream API down"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, got.Status)
	// The gate pointer survives blocking so unblock resumes the workflow.
	require.NotNil(t, got.Gate)
	assert.Equal(t, "dev-review", got.Gate.Current)
	require.Len(t, got.GateHistory, 1)
	assert.Equal(t, string(OutcomeBlocked), got.GateHistory[0].Outcome)
}

func TestCompleteErrors(t *testing.T) {
	f := newEngineFixture(t)

	t.Run("ungated task", func(t *testing.T) {
		task, err := f.store.Create(store.CreateOptions{Title: "plain"})
		require.NoError(t, err)
		_, err = f.engine.Complete(task.ID, Completion{Outcome: OutcomeComplete})
		assert.ErrorIs(t, err, ErrNotGated)
	})

	t.Run("unknown workflow", func(t *testing.T) {
		task, err := f.store.Create(store.CreateOptions{
			Title: "ghost",
			Gate:  &types.GateState{Workflow: "missing", Current: "dev-review"},
		})
		require.NoError(t, err)
		_, err = f.engine.Complete(task.ID, Completion{Outcome: OutcomeComplete})
		assert.ErrorIs(t, err, ErrNoWorkflow)
	})

	t.Run("unknown outcome", func(t *testing.T) {
		task := f.gatedTask(t)
		_, err := f.engine.Complete(task.ID, Completion{Outcome: "shipit"})
		assert.ErrorIs(t, err, ErrBadOutcome)
	})
}

func TestCheckTimeouts(t *testing.T) {
	dir := t.TempDir()
	events, err := eventlog.New(filepath.Join(dir, "events"))
	require.NoError(t, err)
	st := store.New(dir, events, store.WithProjectID("demo"))
	require.NoError(t, st.Init())

	project := testProject()
	project.Workflows["feature"].Gates[0].TimeoutMs = int64(time.Minute / time.Millisecond)
	project.Workflows["feature"].Gates[0].EscalateTo = "lead"

	now := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(st, events, project, WithClock(func() time.Time { return now }))

	task, err := st.Create(store.CreateOptions{
		Title: "slow review",
		Gate:  &types.GateState{Workflow: "feature", Current: "dev-review", EnteredAt: now},
	})
	require.NoError(t, err)
	_, err = st.Transition(task.ID, types.StatusReady)
	require.NoError(t, err)
	_, err = st.Transition(task.ID, types.StatusInProgress)
	require.NoError(t, err)

	// Inside the window nothing escalates.
	escalated, err := engine.CheckTimeouts()
	require.NoError(t, err)
	assert.Empty(t, escalated)

	now = now.Add(2 * time.Minute)
	escalated, err = engine.CheckTimeouts()
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, escalated)

	got, err := st.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "lead", got.Routing.Role)
	assert.Equal(t, now, got.Gate.EnteredAt)

	evs, err := events.Query(eventlog.Filter{Type: "gate_transition", TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "escalated", evs[0].Payload["outcome"])
	assert.Equal(t, "lead", evs[0].Payload["escalateTo"])

	// The reset clock keeps it quiet until another full timeout elapses.
	escalated, err = engine.CheckTimeouts()
	require.NoError(t, err)
	assert.Empty(t, escalated)
}

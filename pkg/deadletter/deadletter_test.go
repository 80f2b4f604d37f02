package deadletter

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/aof/pkg/eventlog"
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *store.Store, *eventlog.Logger) {
	t.Helper()
	dir := t.TempDir()
	events, err := eventlog.New(filepath.Join(dir, "events"))
	require.NoError(t, err)
	st := store.New(dir, events, store.WithProjectID("demo"))
	require.NoError(t, st.Init())
	return NewTracker(st, events, opts...), st, events
}

func readyTask(t *testing.T, st *store.Store) *types.Task {
	t.Helper()
	task, err := st.Create(store.CreateOptions{Title: "victim"})
	require.NoError(t, err)
	task, err = st.Transition(task.ID, types.StatusReady)
	require.NoError(t, err)
	return task
}

func TestTrackDispatchFailure(t *testing.T) {
	tracker, st, _ := newTestTracker(t)
	task := readyTask(t, st)

	got, err := tracker.TrackDispatchFailure(task.ID, "agent unreachable")
	require.NoError(t, err)
	assert.Equal(t, 1, got.MetaInt(types.MetaDispatchFailures))
	assert.Equal(t, "agent unreachable", got.MetaString(types.MetaLastDispatchFailureReason))

	got, err = tracker.TrackDispatchFailure(task.ID, "spawn timeout")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MetaInt(types.MetaDispatchFailures))
	assert.Equal(t, "spawn timeout", got.MetaString(types.MetaLastDispatchFailureReason))
}

func TestThreshold(t *testing.T) {
	tracker, st, events := newTestTracker(t, WithThreshold(2))
	task := readyTask(t, st)

	got, err := tracker.TrackDispatchFailure(task.ID, "first")
	require.NoError(t, err)
	assert.False(t, tracker.ShouldTransitionToDeadletter(got))

	got, err = tracker.TrackDispatchFailure(task.ID, "second")
	require.NoError(t, err)
	assert.True(t, tracker.ShouldTransitionToDeadletter(got))

	dead, err := tracker.TransitionToDeadletter(task.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeadletter, dead.Status)

	evs, err := events.Query(eventlog.Filter{Type: "task.deadletter", TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, float64(2), evs[0].Payload["failureCount"])
	assert.Equal(t, "second", evs[0].Payload["lastFailureReason"])
}

func TestResetDispatchFailures(t *testing.T) {
	tracker, st, _ := newTestTracker(t)
	task := readyTask(t, st)
	_, err := tracker.TrackDispatchFailure(task.ID, "oops")
	require.NoError(t, err)

	got, err := tracker.ResetDispatchFailures(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.MetaInt(types.MetaDispatchFailures))
	assert.Equal(t, "", got.MetaString(types.MetaLastDispatchFailureReason))
}

func TestResurrect(t *testing.T) {
	tracker, st, events := newTestTracker(t, WithThreshold(1))
	task := readyTask(t, st)
	_, err := tracker.TrackDispatchFailure(task.ID, "boom")
	require.NoError(t, err)
	_, err = tracker.TransitionToDeadletter(task.ID, "boom")
	require.NoError(t, err)

	t.Run("plain transition out of deadletter is rejected", func(t *testing.T) {
		_, err := st.Transition(task.ID, types.StatusReady)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
	})

	t.Run("resurrect clears failure history", func(t *testing.T) {
		got, err := tracker.Resurrect(task.ID, "operator")
		require.NoError(t, err)
		assert.Equal(t, types.StatusReady, got.Status)
		assert.Equal(t, 0, got.MetaInt(types.MetaDispatchFailures))
		assert.Equal(t, "", got.MetaString(types.MetaLastDispatchFailureReason))

		evs, err := events.Query(eventlog.Filter{Type: "task.resurrected", TaskID: task.ID})
		require.NoError(t, err)
		require.Len(t, evs, 1)
		assert.Equal(t, "operator", evs[0].Actor)
	})

	t.Run("rejects tasks outside deadletter", func(t *testing.T) {
		_, err := tracker.Resurrect(task.ID, "operator")
		assert.ErrorIs(t, err, ErrNotDeadlettered)
	})
}

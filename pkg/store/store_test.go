package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/aof/pkg/eventlog"
	"github.com/agentfabric/aof/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *eventlog.Logger) {
	t.Helper()
	dir := t.TempDir()
	events, err := eventlog.New(filepath.Join(dir, "events"))
	require.NoError(t, err)
	st := New(dir, events, WithProjectID("demo"))
	require.NoError(t, st.Init())
	return st, events
}

func TestInitCreatesStatusDirs(t *testing.T) {
	st, _ := newTestStore(t)
	for _, status := range types.AllStatuses {
		info, err := os.Stat(filepath.Join(st.Root(), "tasks", string(status)))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestCreate(t *testing.T) {
	st, _ := newTestStore(t)

	task, err := st.Create(CreateOptions{Title: "first", CreatedBy: "tester"})
	require.NoError(t, err)

	today := time.Now().Format("2006-01-02")
	assert.Equal(t, "TASK-"+today+"-001", task.ID)
	assert.Equal(t, types.StatusBacklog, task.Status)
	assert.Equal(t, types.PriorityNormal, task.Priority)
	assert.Equal(t, "demo", task.Project)

	// File lands in backlog with companion subdirs alongside.
	_, err = os.Stat(filepath.Join(st.Root(), "tasks", "backlog", task.ID+".md"))
	assert.NoError(t, err)
	for _, sub := range []string{"inputs", "work", "outputs", "subtasks"} {
		_, err = os.Stat(filepath.Join(st.Root(), "tasks", "backlog", task.ID, sub))
		assert.NoError(t, err)
	}

	second, err := st.Create(CreateOptions{Title: "second"})
	require.NoError(t, err)
	assert.Equal(t, "TASK-"+today+"-002", second.ID)
}

func TestCreateValidation(t *testing.T) {
	st, _ := newTestStore(t)

	tests := []struct {
		name string
		opts CreateOptions
		want error
	}{
		{name: "empty title", opts: CreateOptions{Title: "  "}, want: ErrInvalidInput},
		{name: "bad priority", opts: CreateOptions{Title: "x", Priority: "urgent"}, want: ErrInvalidInput},
		{name: "missing dependency", opts: CreateOptions{Title: "x", DependsOn: []string{"TASK-2026-01-01-001"}}, want: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := st.Create(tt.opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGetByPrefix(t *testing.T) {
	st, _ := newTestStore(t)
	a, err := st.Create(CreateOptions{Title: "a"})
	require.NoError(t, err)
	_, err = st.Create(CreateOptions{Title: "b"})
	require.NoError(t, err)

	t.Run("full id", func(t *testing.T) {
		got, err := st.GetByPrefix(a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
	})

	t.Run("unique prefix", func(t *testing.T) {
		got, err := st.GetByPrefix(a.ID[:len(a.ID)-1] + "1")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
	})

	t.Run("ambiguous prefix", func(t *testing.T) {
		_, err := st.GetByPrefix("TASK-")
		assert.ErrorIs(t, err, ErrAmbiguousPrefix)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := st.GetByPrefix("TASK-1999")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStatusMatchesDirectory(t *testing.T) {
	st, _ := newTestStore(t)
	task, err := st.Create(CreateOptions{Title: "x"})
	require.NoError(t, err)

	_, err = st.Transition(task.ID, types.StatusReady)
	require.NoError(t, err)

	got, err := st.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status)
	_, err = os.Stat(filepath.Join(st.Root(), "tasks", "ready", task.ID+".md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(st.Root(), "tasks", "backlog", task.ID+".md"))
	assert.True(t, os.IsNotExist(err))
}

func TestListOrdering(t *testing.T) {
	st, _ := newTestStore(t)
	low, err := st.Create(CreateOptions{Title: "low", Priority: types.PriorityLow})
	require.NoError(t, err)
	crit, err := st.Create(CreateOptions{Title: "crit", Priority: types.PriorityCritical})
	require.NoError(t, err)
	norm, err := st.Create(CreateOptions{Title: "norm"})
	require.NoError(t, err)

	tasks, err := st.List(Filter{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, crit.ID, tasks[0].ID)
	assert.Equal(t, norm.ID, tasks[1].ID)
	assert.Equal(t, low.ID, tasks[2].ID)
}

func TestListSkipsMalformedFiles(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.Create(CreateOptions{Title: "good"})
	require.NoError(t, err)

	bad := filepath.Join(st.Root(), "tasks", "backlog", "TASK-2026-02-13-099.md")
	require.NoError(t, os.WriteFile(bad, []byte("no frontmatter here"), 0o644))

	tasks, err := st.List(Filter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestCountByStatus(t *testing.T) {
	st, _ := newTestStore(t)
	a, err := st.Create(CreateOptions{Title: "a"})
	require.NoError(t, err)
	_, err = st.Create(CreateOptions{Title: "b"})
	require.NoError(t, err)
	_, err = st.Transition(a.ID, types.StatusReady)
	require.NoError(t, err)

	counts, err := st.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StatusBacklog])
	assert.Equal(t, 1, counts[types.StatusReady])
	assert.Equal(t, 0, counts[types.StatusDone])
}

func TestUpdateRejectedInTerminalStatus(t *testing.T) {
	st, _ := newTestStore(t)
	task, err := st.Create(CreateOptions{Title: "x"})
	require.NoError(t, err)

	for _, next := range []types.Status{types.StatusReady, types.StatusInProgress, types.StatusReview, types.StatusDone} {
		_, err = st.Transition(task.ID, next)
		require.NoError(t, err)
	}

	title := "renamed"
	_, err = st.Update(task.ID, Patch{Title: &title})
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestAppendWorkLog(t *testing.T) {
	st, _ := newTestStore(t)
	task, err := st.Create(CreateOptions{Title: "x", Body: "## Instructions\n\ndo it\n"})
	require.NoError(t, err)

	updated, err := st.AppendWorkLog(task.ID, "made progress")
	require.NoError(t, err)
	assert.Contains(t, updated.Body, "## Work Log")
	assert.Contains(t, updated.Body, "made progress")
	// Work log entries never move the content hash.
	assert.Equal(t, task.ContentHash, updated.ContentHash)
}

func TestNextIDPastThreeDigits(t *testing.T) {
	dir := t.TempDir()
	events, err := eventlog.New(filepath.Join(dir, "events"))
	require.NoError(t, err)
	frozen := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)
	st := New(dir, events, WithProjectID("demo"), WithClock(func() time.Time { return frozen }))
	require.NoError(t, st.Init())

	// A busy day can outgrow the three-digit padding; allocation must keep
	// counting instead of wrapping back and overwriting.
	plant := filepath.Join(st.Root(), "tasks", "done", "TASK-2026-02-13-1000.md")
	require.NoError(t, os.WriteFile(plant, []byte("---\n---\n"), 0o644))

	task, err := st.Create(CreateOptions{Title: "next"})
	require.NoError(t, err)
	assert.Equal(t, "TASK-2026-02-13-1001", task.ID)
}

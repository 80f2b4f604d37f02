package eventlog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/aof/pkg/types"
)

func TestEmitAppendsToDayFile(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	l, err := New(dir, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	ev := l.Emit("task.created", "cli", "TASK-2026-02-13-001", map[string]any{"title": "x"})
	assert.Equal(t, int64(1), ev.EventID)

	ev = l.Emit("task.transitioned", "system", "TASK-2026-02-13-001", nil)
	assert.Equal(t, int64(2), ev.EventID)

	data, err := os.ReadFile(filepath.Join(dir, "2026-02-13.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))

	target, err := os.Readlink(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "2026-02-13.jsonl", target)
}

func TestDailyRollover(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 2, 13, 23, 59, 0, 0, time.UTC)
	l, err := New(dir, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	l.Emit("task.created", "cli", "", nil)
	now = now.Add(2 * time.Minute)
	l.Emit("task.created", "cli", "", nil)

	assert.FileExists(t, filepath.Join(dir, "2026-02-13.jsonl"))
	assert.FileExists(t, filepath.Join(dir, "2026-02-14.jsonl"))

	target, err := os.Readlink(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "2026-02-14.jsonl", target)

	// Query spans both day files in order.
	events, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].EventID)
	assert.Equal(t, int64(2), events[1].EventID)
}

func TestQueryFilters(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)

	l.Emit("task.created", "cli", "TASK-2026-02-13-001", nil)
	l.Emit("task.transitioned", "system", "TASK-2026-02-13-001", nil)
	l.Emit("lease.acquired", "agent-a", "TASK-2026-02-13-002", nil)
	l.Emit("task", "system", "", nil)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "all", filter: Filter{}, want: 4},
		{name: "exact type", filter: Filter{Type: "task.created"}, want: 1},
		{name: "hierarchy matches children and bare prefix", filter: Filter{Type: "task.*"}, want: 3},
		{name: "hierarchy excludes other prefixes", filter: Filter{Type: "lease.*"}, want: 1},
		{name: "by task", filter: Filter{TaskID: "TASK-2026-02-13-001"}, want: 2},
		{name: "by actor", filter: Filter{Actor: "agent-a"}, want: 1},
		{name: "no match", filter: Filter{Type: "gate.*"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := l.Query(tt.filter)
			require.NoError(t, err)
			assert.Len(t, events, tt.want)
		})
	}
}

func TestQuerySkipsGarbageLines(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	l.Emit("task.created", "cli", "", nil)

	day := time.Now().UTC().Format("2006-01-02") + ".jsonl"
	f, err := os.OpenFile(filepath.Join(dir, day), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := l.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestOnEventObserver(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)

	var seen []*types.Event
	l.SetOnEvent(func(ev *types.Event) { seen = append(seen, ev) })

	l.Emit("task.created", "cli", "TASK-2026-02-13-001", nil)
	l.Emit("task.transitioned", "system", "TASK-2026-02-13-001", nil)

	require.Len(t, seen, 2)
	assert.Equal(t, "task.created", seen[0].Type)
	assert.Equal(t, "task.transitioned", seen[1].Type)
}

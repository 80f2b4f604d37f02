package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateDBMurmurCounters(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenStateDB(dir)
	require.NoError(t, err)

	require.NoError(t, db.BumpCompletions("demo", "alpha"))
	require.NoError(t, db.BumpCompletions("demo", "alpha"))
	require.NoError(t, db.BumpFailures("demo", "alpha"))
	require.NoError(t, db.BumpCompletions("other", "alpha"))

	counters, err := db.Counters("demo", "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, counters.CompletionsSinceLastReview)
	assert.Equal(t, 1, counters.FailuresSinceLastReview)

	require.NoError(t, db.SetCurrentReview("demo", "alpha", "TASK-2026-02-13-001"))

	// Counters and the review pointer survive a restart.
	require.NoError(t, db.Close())
	db, err = OpenStateDB(dir)
	require.NoError(t, err)
	defer db.Close()

	counters, err = db.Counters("demo", "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, counters.CompletionsSinceLastReview)

	current, err := db.CurrentReview("demo", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "TASK-2026-02-13-001", current)

	require.NoError(t, db.ResetCounters("demo", "alpha"))
	counters, err = db.Counters("demo", "alpha")
	require.NoError(t, err)
	assert.Zero(t, counters.CompletionsSinceLastReview)
	assert.Zero(t, counters.FailuresSinceLastReview)

	require.NoError(t, db.ClearCurrentReview("demo", "alpha"))
	current, err = db.CurrentReview("demo", "alpha")
	require.NoError(t, err)
	assert.Empty(t, current)

	// Projects are keyed independently.
	counters, err = db.Counters("other", "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, counters.CompletionsSinceLastReview)
}

func TestStateDBDedup(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenStateDB(dir)
	require.NoError(t, err)

	now := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)
	window := 5 * time.Second

	assert.False(t, db.Seen("ops|task.deadletter|T1", now, window))
	assert.True(t, db.Seen("ops|task.deadletter|T1", now.Add(time.Second), window))
	assert.False(t, db.Seen("ops|task.deadletter|T2", now, window))

	// The record survives a restart, so a quick bounce stays deduped.
	require.NoError(t, db.Close())
	db, err = OpenStateDB(dir)
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.Seen("ops|task.deadletter|T1", now.Add(2*time.Second), window))
	assert.False(t, db.Seen("ops|task.deadletter|T1", now.Add(time.Minute), window))
}

package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/aof/pkg/types"
)

func mockContext(taskID, agent string) *TaskContext {
	return &TaskContext{
		Task:      &types.Task{ID: taskID, Title: "work"},
		ProjectID: "demo",
		AgentID:   agent,
	}
}

func TestMockExecutorRecords(t *testing.T) {
	m := NewMockExecutor()
	require.NoError(t, m.SpawnSession(context.Background(), mockContext("T1", "agent-a"), SpawnOptions{}))
	require.NoError(t, m.SpawnSession(context.Background(), mockContext("T2", "agent-b"), SpawnOptions{}))

	assert.Equal(t, 2, m.SpawnCount())
	spawns := m.Spawns()
	require.Len(t, spawns, 2)
	assert.Equal(t, "T1", spawns[0].TaskID)
	assert.Equal(t, "agent-b", spawns[1].AgentID)
}

func TestMockExecutorFailureInjection(t *testing.T) {
	m := NewMockExecutor()

	t.Run("per task", func(t *testing.T) {
		boom := errors.New("gateway unreachable")
		m.FailTask["T1"] = boom
		assert.ErrorIs(t, m.SpawnSession(context.Background(), mockContext("T1", "a"), SpawnOptions{}), boom)
		assert.NoError(t, m.SpawnSession(context.Background(), mockContext("T2", "a"), SpawnOptions{}))
		assert.Equal(t, 1, m.SpawnCount(), "failed spawns are not recorded")
	})

	t.Run("fail all", func(t *testing.T) {
		m.Reset()
		m.FailAll = errors.New("down")
		assert.Error(t, m.SpawnSession(context.Background(), mockContext("T3", "a"), SpawnOptions{}))
		assert.Zero(t, m.SpawnCount())
	})

	t.Run("panic injection", func(t *testing.T) {
		m.Reset()
		m.Panics["T4"] = true
		assert.Panics(t, func() {
			_ = m.SpawnSession(context.Background(), mockContext("T4", "a"), SpawnOptions{})
		})
	})

	t.Run("cancelled context", func(t *testing.T) {
		m.Reset()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, m.SpawnSession(ctx, mockContext("T5", "a"), SpawnOptions{}), context.Canceled)
	})
}

func TestLogExecutorSpawnSession(t *testing.T) {
	e := NewLogExecutor()
	assert.NoError(t, e.SpawnSession(context.Background(), mockContext("T1", "agent-a"), SpawnOptions{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.SpawnSession(ctx, mockContext("T2", "agent-a"), SpawnOptions{}), context.Canceled)
}

func TestTaskContextSizeBytes(t *testing.T) {
	tc := mockContext("T1", "agent-a")
	assert.Positive(t, tc.SizeBytes())
}

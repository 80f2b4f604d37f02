package executor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/agentfabric/aof/pkg/log"
)

// LogExecutor announces each assignment in the structured log and leaves
// the actual session start to an external gateway watching the run
// artifacts. It is the default when no gateway executor is wired in.
type LogExecutor struct {
	logger zerolog.Logger
}

// NewLogExecutor creates a LogExecutor.
func NewLogExecutor() *LogExecutor {
	return &LogExecutor{logger: log.WithComponent("executor")}
}

// SpawnSession implements Executor.
func (e *LogExecutor) SpawnSession(ctx context.Context, tc *TaskContext, opts SpawnOptions) error {
	e.logger.Info().
		Str("task", tc.Task.ID).
		Str("agent", tc.AgentID).
		Str("runDir", tc.RunDir).
		Msg("session requested")
	return ctx.Err()
}

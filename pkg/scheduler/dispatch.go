package scheduler

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/agentfabric/aof/pkg/executor"
	"github.com/agentfabric/aof/pkg/lease"
	"github.com/agentfabric/aof/pkg/metrics"
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

// planDispatch selects ready tasks to assign this cycle. The store already
// sorts by priority then id, so planning order is stable across runs.
// Non-participant assignees produce alert actions instead of assigns.
func (s *Scheduler) planDispatch(currentInProgress int) (assigns, alerts []types.Action) {
	slots := s.cfg.MaxConcurrentDispatches - currentInProgress
	if slots < 0 {
		slots = 0
	}

	ready, err := s.store.List(store.Filter{Status: types.StatusReady})
	if err != nil {
		s.logger.Error().Err(err).Msg("ready scan failed")
		metrics.SchedulerPollFailuresTotal.Inc()
		return nil, nil
	}
	inProgress, err := s.store.List(store.Filter{Status: types.StatusInProgress})
	if err != nil {
		s.logger.Error().Err(err).Msg("in-progress scan failed")
		return nil, nil
	}
	busyAgents := make(map[string]bool)
	for _, t := range inProgress {
		if t.Lease != nil {
			busyAgents[t.Lease.Agent] = true
		}
	}

	for _, task := range ready {
		if len(assigns) >= slots {
			break
		}
		agent := s.assigneeFor(task)
		if agent == "" {
			s.events.Emit("dispatch.no-match", "scheduler", task.ID, map[string]any{
				"routing": task.Routing,
			})
			continue
		}
		if !s.project.IsParticipant(agent) {
			alerts = append(alerts, types.Action{
				Type:    types.ActionAlert,
				TaskID:  task.ID,
				Agent:   agent,
				Reason:  "not a participant",
				Success: true,
			})
			s.events.Emit("dispatch.fallback", "scheduler", task.ID, map[string]any{
				"agent":  agent,
				"reason": "not a participant",
			})
			continue
		}
		ok, err := s.dispatchable(task, busyAgents, agent)
		if err != nil {
			s.logger.Warn().Err(err).Str("task", task.ID).Msg("dispatchability check failed")
			continue
		}
		if !ok {
			continue
		}

		busyAgents[agent] = true
		assigns = append(assigns, types.Action{
			Type:   types.ActionAssign,
			TaskID: task.ID,
			Agent:  agent,
		})
		s.events.Emit("dispatch.matched", "scheduler", task.ID, map[string]any{
			"agent": agent,
		})
	}
	return assigns, alerts
}

// assigneeFor resolves the routing of a task to a concrete agent: explicit
// agent, then the team's orchestrator.
func (s *Scheduler) assigneeFor(task *types.Task) string {
	if task.Routing.Agent != "" {
		return task.Routing.Agent
	}
	if task.Routing.Team != "" {
		if team, ok := s.project.Teams[task.Routing.Team]; ok {
			return team.Orchestrator
		}
	}
	return ""
}

// dispatchable applies the dependency, subtask, and conflict filters.
func (s *Scheduler) dispatchable(task *types.Task, busyAgents map[string]bool, agent string) (bool, error) {
	if !s.store.DependenciesDone(task) {
		return false, nil
	}

	// A parent with open subtasks waits for them.
	open, err := s.openSubtasks(task.ID)
	if err != nil {
		return false, err
	}
	if open {
		return false, nil
	}

	// One session per agent at a time.
	if busyAgents[agent] {
		return false, nil
	}
	return true, nil
}

func (s *Scheduler) openSubtasks(parentID string) (bool, error) {
	all, err := s.store.List(store.Filter{})
	if err != nil {
		return false, err
	}
	for _, t := range all {
		if t.ParentID == parentID && !t.Status.IsTerminal() && t.Status != types.StatusDeadletter {
			return true, nil
		}
	}
	return false, nil
}

// executeAssign acquires the lease and spawns the session for one planned
// assign, recording the result on the action in place. Executor panics are
// contained and treated as failures.
func (s *Scheduler) executeAssign(ctx context.Context, action *types.Action) {
	task, err := s.leases.Acquire(action.TaskID, action.Agent, lease.AcquireOptions{
		WriteRunArtifacts: true,
	})
	if err != nil {
		metrics.LockAcquisitionFailuresTotal.Inc()
		s.recordDispatchFailure(action, fmt.Sprintf("lease acquire: %v", err))
		return
	}

	tc := s.taskContext(task, action.Agent)
	metrics.AgentContextBytes.WithLabelValues(action.Agent).Set(float64(tc.SizeBytes()))

	if err := s.spawn(ctx, tc); err != nil {
		s.recordDispatchFailure(action, err.Error())
		return
	}

	action.Success = true
	metrics.DelegationEventsTotal.Inc()
	s.events.Emit("action.started", action.Agent, action.TaskID, map[string]any{
		"agent": action.Agent,
	})
}

// spawn calls the executor under the spawn timeout, converting panics into
// errors so one bad executor never kills the poll loop.
func (s *Scheduler) spawn(ctx context.Context, tc *executor.TaskContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor exception: %v", r)
		}
	}()

	spawnCtx, cancel := context.WithTimeout(ctx, s.cfg.SpawnTimeout)
	defer cancel()
	return s.exec.SpawnSession(spawnCtx, tc, executor.SpawnOptions{Timeout: s.cfg.SpawnTimeout})
}

// recordDispatchFailure runs the failure bookkeeping shared by every failed
// assign: track, emit, and quarantine past the threshold.
func (s *Scheduler) recordDispatchFailure(action *types.Action, errMsg string) {
	action.Success = false
	action.Error = errMsg

	task, err := s.tracker.TrackDispatchFailure(action.TaskID, errMsg)
	if err != nil {
		s.logger.Error().Err(err).Str("task", action.TaskID).Msg("failure tracking failed")
	}
	s.events.Emit("dispatch.error", "scheduler", action.TaskID, map[string]any{
		"taskId": action.TaskID,
		"error":  errMsg,
	})
	s.events.Emit("action.completed", "scheduler", action.TaskID, map[string]any{
		"success": false,
		"error":   errMsg,
	})

	if task != nil && s.tracker.ShouldTransitionToDeadletter(task) {
		if _, err := s.tracker.TransitionToDeadletter(task.ID, errMsg); err != nil {
			s.logger.Error().Err(err).Str("task", task.ID).Msg("deadletter transition failed")
		}
	}
}

func (s *Scheduler) taskContext(task *types.Task, agent string) *executor.TaskContext {
	root := s.store.Root()
	return &executor.TaskContext{
		Task:         task,
		ProjectID:    s.store.ProjectID(),
		ProjectRoot:  root,
		AgentID:      agent,
		TaskFile:     filepath.Join(root, "tasks", string(task.Status), task.ID+".md"),
		RunDir:       s.store.RunsDir(task.ID),
		CompanionDir: s.store.CompanionDir(task.Status, task.ID),
	}
}

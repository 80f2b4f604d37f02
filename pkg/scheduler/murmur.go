package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/agentfabric/aof/pkg/config"
	"github.com/agentfabric/aof/pkg/lease"
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

// evaluateMurmur runs the orchestration-review hook for every team with
// triggers. A review task is created at most once per team at a time and
// only when the concurrency budget has room for it.
func (s *Scheduler) evaluateMurmur(ctx context.Context, inFlight int) {
	if s.project == nil || len(s.project.Teams) == 0 {
		return
	}

	readyCount := 0
	if counts, err := s.store.CountByStatus(); err == nil {
		readyCount = counts[types.StatusReady]
	}

	// Stable team order keeps budget allocation deterministic.
	names := make([]string, 0, len(s.project.Teams))
	for name := range s.project.Teams {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		team := s.project.Teams[name]
		if team == nil || team.Orchestrator == "" {
			continue
		}
		if inFlight >= s.cfg.MaxConcurrentDispatches {
			return
		}
		fired, why := s.triggerFired(name, team.Triggers, readyCount)
		if !fired {
			continue
		}
		busy, err := s.reviewInProgress(name)
		if err != nil {
			s.logger.Error().Err(err).Str("team", name).Msg("review state check failed")
			continue
		}
		if busy {
			continue
		}
		if err := s.startReview(ctx, name, team.Orchestrator, why); err != nil {
			s.logger.Error().Err(err).Str("team", name).Msg("review start failed")
			continue
		}
		inFlight++
	}
}

// triggerFired evaluates a team's declared triggers against the counters.
func (s *Scheduler) triggerFired(team string, triggers config.Triggers, readyCount int) (bool, string) {
	counters, err := s.murmur.Counters(s.store.ProjectID(), team)
	if err != nil {
		s.logger.Error().Err(err).Str("team", team).Msg("counter read failed")
		return false, ""
	}
	if triggers.CompletionBatch != nil && triggers.CompletionBatch.Threshold > 0 &&
		counters.CompletionsSinceLastReview >= triggers.CompletionBatch.Threshold {
		return true, "completion_batch"
	}
	if triggers.FailureBatch != nil && triggers.FailureBatch.Threshold > 0 &&
		counters.FailuresSinceLastReview >= triggers.FailureBatch.Threshold {
		return true, "failure_batch"
	}
	if triggers.QueueEmpty && readyCount == 0 && counters.CompletionsSinceLastReview > 0 {
		return true, "queue_empty"
	}
	return false, ""
}

// reviewInProgress reports whether the team's current review task pointer
// refers to a still-open task. Stale pointers (task finished or vanished)
// are cleared.
func (s *Scheduler) reviewInProgress(team string) (bool, error) {
	current, err := s.murmur.CurrentReview(s.store.ProjectID(), team)
	if err != nil {
		return false, err
	}
	if current == "" {
		return false, nil
	}
	task, err := s.store.Get(current)
	if err != nil {
		if err := s.murmur.ClearCurrentReview(s.store.ProjectID(), team); err != nil {
			return false, err
		}
		return false, nil
	}
	if task.Status.IsTerminal() || task.Status == types.StatusDeadletter {
		if err := s.murmur.ClearCurrentReview(s.store.ProjectID(), team); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// startReview creates the high-priority orchestration_review task, readies
// it, and dispatches it straight to the team's orchestrator.
func (s *Scheduler) startReview(ctx context.Context, team, orchestrator, why string) error {
	task, err := s.store.Create(store.CreateOptions{
		Title:    fmt.Sprintf("Orchestration review: %s", team),
		Priority: types.PriorityHigh,
		Routing:  types.Routing{Agent: orchestrator, Team: team},
		Metadata: map[string]any{
			types.MetaKind: types.KindOrchestrationReview,
			types.MetaTeam: team,
		},
		CreatedBy: "scheduler",
	})
	if err != nil {
		return fmt.Errorf("create review task: %w", err)
	}
	if _, err := s.store.Transition(task.ID, types.StatusReady, store.WithReason(why)); err != nil {
		return fmt.Errorf("ready review task: %w", err)
	}
	if err := s.murmur.SetCurrentReview(s.store.ProjectID(), team, task.ID); err != nil {
		return err
	}
	if err := s.murmur.ResetCounters(s.store.ProjectID(), team); err != nil {
		return err
	}
	s.events.Emit("murmur.review.started", "scheduler", task.ID, map[string]any{
		"team":    team,
		"agent":   orchestrator,
		"trigger": why,
	})

	if s.cfg.DryRun {
		return nil
	}
	if _, err := s.leases.Acquire(task.ID, orchestrator, lease.AcquireOptions{WriteRunArtifacts: true}); err != nil {
		return fmt.Errorf("acquire review lease: %w", err)
	}
	reviewTask, err := s.store.Get(task.ID)
	if err != nil {
		return err
	}
	return s.spawn(ctx, s.taskContext(reviewTask, orchestrator))
}

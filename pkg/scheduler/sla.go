package scheduler

import (
	"fmt"
	"time"

	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

// checkSLA produces an sla_violation action for every in-progress task
// older than its SLA. A per-task cooldown cache rate-limits the emitted
// sla.violation events; suppressed repeats still appear as actions with a
// "rate-limited" reason.
func (s *Scheduler) checkSLA() []types.Action {
	tasks, err := s.store.List(store.Filter{Status: types.StatusInProgress})
	if err != nil {
		s.logger.Error().Err(err).Msg("sla scan failed")
		return nil
	}

	now := s.clock()
	var actions []types.Action
	for _, task := range tasks {
		limit := s.slaLimit(task)
		age := now.Sub(task.UpdatedAt)
		if age <= limit {
			continue
		}

		action := types.Action{
			Type:    types.ActionSLAViolation,
			TaskID:  task.ID,
			Agent:   leaseAgent(task),
			Success: true,
		}

		if last, ok := s.slaAlerted[task.ID]; ok && now.Sub(last) < s.cfg.SLAAlertCooldown {
			action.Reason = fmt.Sprintf("sla exceeded by %s (rate-limited)", (age - limit).Round(time.Second))
			actions = append(actions, action)
			continue
		}

		s.slaAlerted[task.ID] = now
		action.Reason = fmt.Sprintf("sla exceeded by %s", (age - limit).Round(time.Second))
		actions = append(actions, action)

		s.events.Emit("sla.violation", "scheduler", task.ID, map[string]any{
			"ageMs":   age.Milliseconds(),
			"limitMs": limit.Milliseconds(),
			"agent":   action.Agent,
		})
		s.applySLAAction(task)
	}
	return actions
}

// slaLimit resolves the effective SLA for one task: per-task, then the
// project manifest, then the engine default.
func (s *Scheduler) slaLimit(task *types.Task) time.Duration {
	if task.SLA != nil && task.SLA.MaxInProgressMs > 0 {
		return time.Duration(task.SLA.MaxInProgressMs) * time.Millisecond
	}
	if s.project != nil && s.project.DefaultSLAMs > 0 {
		return time.Duration(s.project.DefaultSLAMs) * time.Millisecond
	}
	if s.cfg.DefaultSLA > 0 {
		return s.cfg.DefaultSLA
	}
	return types.DefaultSLAMaxInProgress
}

// applySLAAction enforces the task's onViolation policy. Alert is the
// default and needs no store mutation beyond the emitted event.
func (s *Scheduler) applySLAAction(task *types.Task) {
	var onViolation types.SLAViolationAction
	if task.SLA != nil {
		onViolation = task.SLA.OnViolation
	}
	switch onViolation {
	case types.SLAActionBlock:
		if _, err := s.store.Block(task.ID, "sla exceeded"); err != nil {
			s.logger.Error().Err(err).Str("task", task.ID).Msg("sla block failed")
		}
	case types.SLAActionDeadletter:
		if _, err := s.store.Transition(task.ID, types.StatusDeadletter, store.WithReason("sla exceeded")); err != nil {
			s.logger.Error().Err(err).Str("task", task.ID).Msg("sla deadletter failed")
		}
	}
}

func leaseAgent(task *types.Task) string {
	if task.Lease != nil {
		return task.Lease.Agent
	}
	return task.Routing.Agent
}

// Package scheduler runs the per-project poll cycle: reclaim expired
// leases, resolve stale heartbeats, plan and execute dispatches under the
// concurrency cap, check SLAs, and evaluate orchestration-review triggers.
// One Scheduler serves one project; polls are driven from the outside so a
// multi-project host can serialize them through a single queue.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfabric/aof/pkg/config"
	"github.com/agentfabric/aof/pkg/deadletter"
	"github.com/agentfabric/aof/pkg/eventlog"
	"github.com/agentfabric/aof/pkg/executor"
	"github.com/agentfabric/aof/pkg/lease"
	"github.com/agentfabric/aof/pkg/log"
	"github.com/agentfabric/aof/pkg/metrics"
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

// Config bounds one scheduler instance.
type Config struct {
	MaxConcurrentDispatches int
	DryRun                  bool
	CascadeBlocks           bool
	PollTimeout             time.Duration
	SpawnTimeout            time.Duration
	DefaultSLA              time.Duration
	SLAAlertCooldown        time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDispatches: types.DefaultMaxConcurrent,
		PollTimeout:             types.DefaultPollTimeout,
		SpawnTimeout:            types.DefaultExecutorSpawnTimeout,
		DefaultSLA:              types.DefaultSLAMaxInProgress,
		SLAAlertCooldown:        types.DefaultSLAAlertCooldown,
	}
}

// Scheduler plans and executes actions for one project store.
type Scheduler struct {
	store   *store.Store
	leases  *lease.Manager
	tracker *deadletter.Tracker
	exec    executor.Executor
	events  *eventlog.Logger
	project *config.Project
	murmur  MurmurState
	cfg     Config
	clock   func() time.Time
	logger  zerolog.Logger

	// slaAlerted rate-limits per-task SLA alerts.
	slaAlerted map[string]time.Time
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithMurmurState substitutes the per-team counter store.
func WithMurmurState(ms MurmurState) Option {
	return func(s *Scheduler) { s.murmur = ms }
}

// New wires a scheduler over one project's collaborators. It registers the
// store's afterTransition hook for murmur counters and cascade blocking.
func New(st *store.Store, leases *lease.Manager, tracker *deadletter.Tracker, exec executor.Executor, events *eventlog.Logger, project *config.Project, cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxConcurrentDispatches <= 0 {
		cfg.MaxConcurrentDispatches = types.DefaultMaxConcurrent
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = types.DefaultPollTimeout
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = types.DefaultExecutorSpawnTimeout
	}
	if cfg.SLAAlertCooldown <= 0 {
		cfg.SLAAlertCooldown = types.DefaultSLAAlertCooldown
	}

	s := &Scheduler{
		store:      st,
		leases:     leases,
		tracker:    tracker,
		exec:       exec,
		events:     events,
		project:    project,
		cfg:        cfg,
		clock:      time.Now,
		logger:     log.WithProject("scheduler", st.ProjectID()),
		slaAlerted: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.murmur == nil {
		s.murmur = NewMemoryMurmurState()
	}
	st.SetAfterTransition(s.afterTransition)
	return s
}

// Poll runs one cycle. The step order is fixed; a context deadline abandons
// the cycle at the next step boundary with a poll.timeout event. Per-task
// failures never abort the cycle.
func (s *Scheduler) Poll(ctx context.Context) (*types.PollResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerLoopDuration)

	result := &types.PollResult{DryRun: s.cfg.DryRun}

	// 1. Reclaim expired leases.
	reclaimed, err := s.leases.Expire()
	if err != nil {
		s.logger.Error().Err(err).Msg("lease reclaim failed")
		metrics.SchedulerPollFailuresTotal.Inc()
	}
	for _, id := range reclaimed {
		result.Actions = append(result.Actions, types.Action{
			Type:    types.ActionReclaim,
			TaskID:  id,
			Reason:  "lease expired",
			Success: true,
		})
	}
	if err := s.checkDeadline(ctx); err != nil {
		return result, err
	}

	// 2. Snapshot.
	counts, err := s.store.CountByStatus()
	if err != nil {
		metrics.SchedulerPollFailuresTotal.Inc()
		return result, fmt.Errorf("snapshot: %w", err)
	}
	result.Stats = types.PollStats{
		ByStatus:   counts,
		Ready:      counts[types.StatusReady],
		InProgress: counts[types.StatusInProgress],
	}

	// 3. Stale heartbeats.
	staleActions := s.resolveStaleHeartbeats()
	result.Actions = append(result.Actions, staleActions...)
	if err := s.checkDeadline(ctx); err != nil {
		return result, err
	}

	// 4. Plan dispatch.
	planned, alerts := s.planDispatch(result.Stats.InProgress)
	result.Actions = append(result.Actions, alerts...)
	result.ActionsPlanned = len(planned)

	// 5. Execute (skipped entirely in dry-run).
	if !s.cfg.DryRun {
		for i := range planned {
			if err := s.checkDeadline(ctx); err != nil {
				result.Actions = append(result.Actions, planned[i:]...)
				return result, err
			}
			s.executeAssign(ctx, &planned[i])
			if planned[i].Success {
				result.ActionsExecuted++
			} else {
				result.ActionsFailed++
			}
		}
	}
	result.Actions = append(result.Actions, planned...)

	// 6. SLA check.
	result.Actions = append(result.Actions, s.checkSLA()...)
	if err := s.checkDeadline(ctx); err != nil {
		return result, err
	}

	// 7. Murmur evaluation.
	inFlight := result.Stats.InProgress + result.ActionsExecuted
	s.evaluateMurmur(ctx, inFlight)

	// 8. Single poll event; the log line mirrors the payload exactly.
	reason := ""
	switch {
	case s.cfg.DryRun:
		reason = "dry_run_mode"
	case result.ActionsFailed > 0:
		reason = "action_failed"
	}
	payload := map[string]any{
		"actionsPlanned":  result.ActionsPlanned,
		"actionsExecuted": result.ActionsExecuted,
		"actionsFailed":   result.ActionsFailed,
		"dryRun":          result.DryRun,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	s.events.Emit("scheduler.poll", "scheduler", "", payload)
	// The log line carries the same numbers as the event payload.
	s.logger.Info().
		Int("actionsPlanned", result.ActionsPlanned).
		Int("actionsExecuted", result.ActionsExecuted).
		Int("actionsFailed", result.ActionsFailed).
		Bool("dryRun", result.DryRun).
		Str("reason", reason).
		Msgf("poll complete: %d planned, %d dispatched, %d failed",
			result.ActionsPlanned, result.ActionsExecuted, result.ActionsFailed)

	return result, nil
}

// checkDeadline abandons the cycle once the poll deadline passes.
func (s *Scheduler) checkDeadline(ctx context.Context) error {
	select {
	case <-ctx.Done():
		s.events.Emit("poll.timeout", "scheduler", "", map[string]any{
			"timeoutMs": s.cfg.PollTimeout.Milliseconds(),
		})
		s.logger.Warn().Dur("timeout", s.cfg.PollTimeout).Msg("poll abandoned")
		return ctx.Err()
	default:
		return nil
	}
}

// resolveStaleHeartbeats requeues or advances in-progress tasks whose
// heartbeat expired, based on the run result they left behind.
func (s *Scheduler) resolveStaleHeartbeats() []types.Action {
	stale, err := s.leases.StaleHeartbeats()
	if err != nil {
		s.logger.Error().Err(err).Msg("stale heartbeat scan failed")
		return nil
	}

	var actions []types.Action
	for _, st := range stale {
		action := types.Action{
			Type:   types.ActionStaleHeartbeat,
			TaskID: st.Task.ID,
		}
		if err := s.resolveStale(st, &action); err != nil {
			action.Error = err.Error()
			s.logger.Error().Err(err).Str("task", st.Task.ID).Msg("stale heartbeat resolution failed")
		} else {
			action.Success = true
		}
		actions = append(actions, action)
	}
	return actions
}

func (s *Scheduler) resolveStale(st lease.Stale, action *types.Action) error {
	id := st.Task.ID
	if st.Result == nil {
		action.Reason = "no run result, requeued"
		if err := s.leases.MarkRunFailed(id, s.clock().UTC()); err != nil {
			s.logger.Warn().Err(err).Str("task", id).Msg("run record update failed")
		}
		_, err := s.store.Transition(id, types.StatusReady, store.WithReason("stale heartbeat"))
		return err
	}

	switch st.Result.Outcome {
	case types.OutcomePartial, types.OutcomeNeedsReview:
		action.Reason = fmt.Sprintf("run result %s, moved to review", st.Result.Outcome)
		_, err := s.store.Transition(id, types.StatusReview, store.WithReason("stale heartbeat"))
		return err
	case types.OutcomeBlocked:
		action.Reason = "run result blocked"
		reason := "agent reported blocked before heartbeat expiry"
		if len(st.Result.Blockers) > 0 {
			reason = st.Result.Blockers[0]
		}
		_, err := s.store.Block(id, reason)
		return err
	case types.OutcomeDone:
		action.Reason = "run result done, completed"
		if _, err := s.store.Transition(id, types.StatusReview, store.WithReason("stale heartbeat")); err != nil {
			return err
		}
		_, err := s.store.Transition(id, types.StatusDone, store.WithReason("run result done"))
		return err
	default:
		action.Reason = "unknown run result outcome, requeued"
		_, err := s.store.Transition(id, types.StatusReady, store.WithReason("stale heartbeat"))
		return err
	}
}

// afterTransition feeds murmur counters and cascade blocking from every
// store transition. Runs outside the store lock.
func (s *Scheduler) afterTransition(task *types.Task, from, to types.Status) {
	team := task.MetaString(types.MetaTeam)
	if team == "" {
		team = task.Routing.Team
	}

	switch to {
	case types.StatusDone:
		if task.MetaString(types.MetaKind) == types.KindOrchestrationReview {
			if team != "" {
				if err := s.murmur.ClearCurrentReview(s.store.ProjectID(), team); err != nil {
					s.logger.Warn().Err(err).Str("team", team).Msg("review pointer clear failed")
				}
			}
			return
		}
		if team != "" {
			if err := s.murmur.BumpCompletions(s.store.ProjectID(), team); err != nil {
				s.logger.Warn().Err(err).Str("team", team).Msg("completion counter bump failed")
			}
		}
	case types.StatusDeadletter:
		if team != "" {
			if err := s.murmur.BumpFailures(s.store.ProjectID(), team); err != nil {
				s.logger.Warn().Err(err).Str("team", team).Msg("failure counter bump failed")
			}
		}
	case types.StatusBlocked:
		if s.cfg.CascadeBlocks {
			s.cascadeBlock(task)
		}
	}
}

// cascadeBlock blocks direct dependents still waiting in backlog or ready.
// Each newly blocked dependent re-enters this hook, so chains cascade.
func (s *Scheduler) cascadeBlock(task *types.Task) {
	dependents, err := s.store.Dependents(task.ID, types.StatusBacklog, types.StatusReady)
	if err != nil {
		s.logger.Error().Err(err).Str("task", task.ID).Msg("dependent scan failed")
		return
	}
	for _, dep := range dependents {
		reason := fmt.Sprintf("dependency %s is blocked", task.ID)
		if dep.Status == types.StatusBacklog {
			// backlog has no direct edge to blocked; step through ready.
			if _, err := s.store.Transition(dep.ID, types.StatusReady, store.WithReason(reason)); err != nil {
				s.logger.Error().Err(err).Str("task", dep.ID).Msg("cascade block failed")
				continue
			}
		}
		if _, err := s.store.Block(dep.ID, reason); err != nil {
			s.logger.Error().Err(err).Str("task", dep.ID).Msg("cascade block failed")
			continue
		}
		s.events.Emit("action.cascade_block", "scheduler", dep.ID, map[string]any{
			"blockedBy": task.ID,
		})
	}
}

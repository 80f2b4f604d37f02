// Package gate implements the multi-stage review workflow engine: gate
// completion, conditional skipping, role enforcement, rejection routing,
// and timeout escalation.
package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfabric/aof/pkg/config"
	"github.com/agentfabric/aof/pkg/eventlog"
	"github.com/agentfabric/aof/pkg/log"
	"github.com/agentfabric/aof/pkg/metrics"
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

var (
	// ErrNoWorkflow is returned when the task's workflow is not defined
	// in the project manifest.
	ErrNoWorkflow = errors.New("workflow not found")

	// ErrNoGate is returned when the task's current gate is missing from
	// the workflow.
	ErrNoGate = errors.New("gate not found in workflow")

	// ErrNotGated is returned for tasks without a gate structure.
	ErrNotGated = errors.New("task has no gate workflow")

	// ErrRoleMismatch is returned when callerRole disagrees with the
	// gate's role.
	ErrRoleMismatch = errors.New("caller role does not match gate role")

	// ErrNotesRequired is returned for needs_review without notes.
	ErrNotesRequired = errors.New("rejectionNotes required for needs_review")

	// ErrBlockersRequired is returned for blocked without blockers.
	ErrBlockersRequired = errors.New("blockers required for blocked outcome")

	// ErrBadOutcome is returned for an unknown gate outcome.
	ErrBadOutcome = errors.New("unknown gate outcome")
)

// GateOutcome is the result of processing a gate.
type GateOutcome string

const (
	OutcomeComplete    GateOutcome = "complete"
	OutcomeNeedsReview GateOutcome = "needs_review"
	OutcomeBlocked     GateOutcome = "blocked"
)

// Completion carries one gate-processing request.
type Completion struct {
	Outcome        GateOutcome
	Agent          string
	CallerRole     string
	Summary        string
	RejectionNotes string
	Blockers       []string
	// TargetGate optionally selects the prior gate a rejection routes
	// back to; defaults to the immediately preceding gate.
	TargetGate string
}

// Engine evaluates gate workflows for one project.
type Engine struct {
	store       *store.Store
	events      *eventlog.Logger
	project     *config.Project
	evalTimeout time.Duration
	clock       func() time.Time
	logger      zerolog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock substitutes the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithEvalTimeout overrides the `when` evaluation wall-clock limit.
func WithEvalTimeout(d time.Duration) Option {
	return func(e *Engine) { e.evalTimeout = d }
}

// NewEngine creates a gate engine bound to one project's store and manifest.
func NewEngine(st *store.Store, events *eventlog.Logger, project *config.Project, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		events:      events,
		project:     project,
		evalTimeout: types.DefaultGateEvalTimeout,
		clock:       time.Now,
		logger:      log.WithComponent("gate"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// workflowFor resolves the workflow and current gate of a task.
func (e *Engine) workflowFor(task *types.Task) (*config.Workflow, *config.GateDef, int, error) {
	if task.Gate == nil {
		return nil, nil, -1, fmt.Errorf("%w: %s", ErrNotGated, task.ID)
	}
	wf := e.project.Workflow(task.Gate.Workflow)
	if wf == nil {
		return nil, nil, -1, fmt.Errorf("%w: %q", ErrNoWorkflow, task.Gate.Workflow)
	}
	gateDef, idx := wf.Gate(task.Gate.Current)
	if gateDef == nil {
		return nil, nil, -1, fmt.Errorf("%w: %q in %q", ErrNoGate, task.Gate.Current, task.Gate.Workflow)
	}
	return wf, gateDef, idx, nil
}

func (e *Engine) evalContext(task *types.Task) EvalContext {
	return EvalContext{
		Tags:        task.Routing.Tags,
		Metadata:    task.Metadata,
		GateHistory: task.GateHistory,
	}
}

// Complete processes one gate for the task. The outcome drives what
// happens next: complete advances past the current gate (skipping gates
// whose `when` resolves false), needs_review routes back to a prior gate,
// and blocked parks the task in blocked status.
func (e *Engine) Complete(taskID string, req Completion) (*types.Task, error) {
	task, err := e.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	_, gateDef, idx, err := e.workflowFor(task)
	if err != nil {
		return nil, err
	}
	if req.CallerRole != "" && req.CallerRole != gateDef.Role {
		return nil, fmt.Errorf("%w: gate %q wants %q, caller is %q",
			ErrRoleMismatch, gateDef.ID, gateDef.Role, req.CallerRole)
	}

	switch req.Outcome {
	case OutcomeComplete:
		return e.advance(task, gateDef, idx, req)
	case OutcomeNeedsReview:
		if req.RejectionNotes == "" {
			return nil, ErrNotesRequired
		}
		return e.reject(task, gateDef, idx, req)
	case OutcomeBlocked:
		if len(req.Blockers) == 0 {
			return nil, ErrBlockersRequired
		}
		return e.block(task, gateDef, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadOutcome, req.Outcome)
	}
}

// advance closes the current gate and moves to the next gate whose `when`
// resolves true; skipped gates are recorded in gateHistory. With no gate
// left the workflow is finished and the task proceeds to done.
func (e *Engine) advance(task *types.Task, gateDef *config.GateDef, idx int, req Completion) (*types.Task, error) {
	wf := e.project.Workflow(task.Gate.Workflow)
	now := e.clock().UTC()
	entered := task.Gate.EnteredAt
	if entered.IsZero() {
		entered = task.LastTransitionAt
	}
	duration := now.Sub(entered)

	history := []types.GateHistoryEntry{{
		Gate:       gateDef.ID,
		Role:       gateDef.Role,
		Agent:      req.Agent,
		Entered:    entered,
		Exited:     now,
		Outcome:    string(OutcomeComplete),
		DurationMs: duration.Milliseconds(),
		Summary:    req.Summary,
	}}

	evalCtx := e.evalContext(task)
	var next *config.GateDef
	var skipped []string
	for i := idx + 1; i < len(wf.Gates); i++ {
		candidate := &wf.Gates[i]
		if Evaluate(candidate.When, evalCtx, e.evalTimeout) {
			next = candidate
			break
		}
		skipped = append(skipped, candidate.ID)
		history = append(history, types.GateHistoryEntry{
			Gate:    candidate.ID,
			Role:    candidate.Role,
			Entered: now,
			Exited:  now,
			Outcome: string(OutcomeComplete),
			Skipped: true,
		})
	}

	mutate := func(t *types.Task) {
		t.GateHistory = append(t.GateHistory, history...)
		t.ReviewContext = nil
		if next != nil {
			t.Gate.Current = next.ID
			t.Gate.EnteredAt = now
		} else {
			t.Gate = nil
		}
	}

	var err error
	if next != nil {
		// Stays in review while gates remain; persist the gate pointer.
		if task.Status != types.StatusReview {
			task, err = e.store.Transition(task.ID, types.StatusReview,
				store.WithAgent(req.Agent), store.WithMutation(mutate))
		} else {
			mutate(task)
			err = e.store.Save(task)
		}
	} else {
		if task.Status != types.StatusReview {
			task, err = e.store.Transition(task.ID, types.StatusReview, store.WithAgent(req.Agent))
			if err != nil {
				return nil, err
			}
		}
		task, err = e.store.Transition(task.ID, types.StatusDone,
			store.WithAgent(req.Agent), store.WithMutation(mutate))
	}
	if err != nil {
		return nil, err
	}

	toGate := ""
	if next != nil {
		toGate = next.ID
	}
	e.emitTransition(task.ID, gateDef.ID, toGate, OutcomeComplete, req.Agent, duration, skipped)
	metrics.GateDurationSeconds.Observe(duration.Seconds())
	metrics.GateTransitionsTotal.Inc()
	return task, nil
}

// reject routes the task back to a prior gate with review context.
func (e *Engine) reject(task *types.Task, gateDef *config.GateDef, idx int, req Completion) (*types.Task, error) {
	wf := e.project.Workflow(task.Gate.Workflow)
	now := e.clock().UTC()
	entered := task.Gate.EnteredAt
	if entered.IsZero() {
		entered = task.LastTransitionAt
	}
	duration := now.Sub(entered)

	var target *config.GateDef
	if req.TargetGate != "" {
		t, tIdx := wf.Gate(req.TargetGate)
		if t == nil || tIdx >= idx {
			return nil, fmt.Errorf("%w: rejection target %q", ErrNoGate, req.TargetGate)
		}
		target = t
	} else if idx > 0 {
		target = &wf.Gates[idx-1]
	} else {
		target = gateDef // first gate rejects onto itself
	}

	mutate := func(t *types.Task) {
		t.GateHistory = append(t.GateHistory, types.GateHistoryEntry{
			Gate:       gateDef.ID,
			Role:       gateDef.Role,
			Agent:      req.Agent,
			Entered:    entered,
			Exited:     now,
			Outcome:    string(OutcomeNeedsReview),
			DurationMs: duration.Milliseconds(),
			Summary:    req.RejectionNotes,
		})
		t.Gate.Current = target.ID
		t.Gate.EnteredAt = now
		t.ReviewContext = &types.ReviewContext{
			FromGate:  gateDef.ID,
			FromRole:  gateDef.Role,
			Timestamp: now,
			Blockers:  req.Blockers,
			Notes:     req.RejectionNotes,
		}
	}

	var err error
	if task.Status == types.StatusReview {
		task, err = e.store.Transition(task.ID, types.StatusInProgress,
			store.WithAgent(req.Agent), store.WithReason("gate rejected"), store.WithMutation(mutate))
	} else {
		mutate(task)
		err = e.store.Save(task)
	}
	if err != nil {
		return nil, err
	}

	e.emitTransition(task.ID, gateDef.ID, target.ID, OutcomeNeedsReview, req.Agent, duration, nil)
	metrics.GateRejectionsTotal.Inc()
	metrics.GateTransitionsTotal.Inc()
	return task, nil
}

// block parks a gated task in blocked status, keeping the gate pointer so
// unblocking resumes at the same gate.
func (e *Engine) block(task *types.Task, gateDef *config.GateDef, req Completion) (*types.Task, error) {
	now := e.clock().UTC()
	entered := task.Gate.EnteredAt
	if entered.IsZero() {
		entered = task.LastTransitionAt
	}
	duration := now.Sub(entered)
	reason := fmt.Sprintf("gate %s blocked: %v", gateDef.ID, req.Blockers)

	task, err := e.store.Block(task.ID, reason,
		store.WithAgent(req.Agent),
		store.WithMutation(func(t *types.Task) {
			t.GateHistory = append(t.GateHistory, types.GateHistoryEntry{
				Gate:       gateDef.ID,
				Role:       gateDef.Role,
				Agent:      req.Agent,
				Entered:    entered,
				Exited:     now,
				Outcome:    string(OutcomeBlocked),
				DurationMs: duration.Milliseconds(),
				Summary:    req.Summary,
			})
		}))
	if err != nil {
		return nil, err
	}

	e.emitTransition(task.ID, gateDef.ID, "", OutcomeBlocked, req.Agent, duration, nil)
	metrics.GateTransitionsTotal.Inc()
	return task, nil
}

// CheckTimeouts escalates gates that outlived their timeout: the task is
// re-routed to the escalation role and the gate clock restarts. Returns
// the escalated task ids.
func (e *Engine) CheckTimeouts() ([]string, error) {
	now := e.clock().UTC()
	var escalated []string

	for _, status := range []types.Status{types.StatusReview, types.StatusInProgress} {
		tasks, err := e.store.List(store.Filter{Status: status})
		if err != nil {
			return escalated, err
		}
		for _, task := range tasks {
			if task.Gate == nil {
				continue
			}
			_, gateDef, _, err := e.workflowFor(task)
			if err != nil {
				continue
			}
			if gateDef.TimeoutMs <= 0 || gateDef.EscalateTo == "" {
				continue
			}
			entered := task.Gate.EnteredAt
			if entered.IsZero() {
				entered = task.LastTransitionAt
			}
			if now.Sub(entered) <= time.Duration(gateDef.TimeoutMs)*time.Millisecond {
				continue
			}

			escalateTo := gateDef.EscalateTo
			task.Routing.Role = escalateTo
			task.Gate.EnteredAt = now
			if err := e.store.Save(task); err != nil {
				e.logger.Error().Err(err).Str("task", task.ID).Msg("gate escalation save failed")
				continue
			}
			escalated = append(escalated, task.ID)

			if e.events != nil {
				e.events.Emit("gate_transition", "system", task.ID, map[string]any{
					"fromGate":   gateDef.ID,
					"toGate":     gateDef.ID,
					"outcome":    "escalated",
					"escalateTo": escalateTo,
				})
			}
			metrics.GateTimeoutsTotal.Inc()
			metrics.GateEscalationsTotal.Inc()
			e.logger.Warn().Str("task", task.ID).Str("gate", gateDef.ID).Str("escalateTo", escalateTo).Msg("gate timed out, escalating")
		}
	}
	return escalated, nil
}

func (e *Engine) emitTransition(taskID, fromGate, toGate string, outcome GateOutcome, agent string, duration time.Duration, skipped []string) {
	if e.events == nil {
		return
	}
	payload := map[string]any{
		"fromGate":   fromGate,
		"outcome":    string(outcome),
		"agent":      agent,
		"durationMs": duration.Milliseconds(),
	}
	if toGate != "" {
		payload["toGate"] = toGate
	}
	if len(skipped) > 0 {
		payload["skipped"] = skipped
	}
	e.events.Emit("gate_transition", agent, taskID, payload)
}

// Package protocol routes inbound agent messages to the task store. Agents
// report progress and completion through JSON envelopes; the router
// authorizes each message against the current leaseholder, writes run
// artifacts, and drives the matching status transition. All effects are
// idempotent: replaying a completion report against a task already in the
// target status mutates nothing.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfabric/aof/pkg/eventlog"
	"github.com/agentfabric/aof/pkg/fsutil"
	"github.com/agentfabric/aof/pkg/lease"
	"github.com/agentfabric/aof/pkg/log"
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

// Protocol identity accepted by the router.
const (
	ProtocolName    = "aof"
	ProtocolVersion = 1
)

// Rejection reasons carried in protocol.message.rejected events.
const (
	ReasonBadEnvelope       = "bad_envelope"
	ReasonUnknownType       = "unknown_message_type"
	ReasonTaskNotFound      = "task_not_found"
	ReasonUnassignedTask    = "unassigned_task"
	ReasonUnauthorizedAgent = "unauthorized_agent"
	ReasonBadPayload        = "bad_payload"
)

// ErrRejected wraps every protocol rejection.
var ErrRejected = errors.New("protocol message rejected")

// Result reports what a message did.
type Result struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
	// Transitioned is set when the message moved the task.
	Transitioned bool         `json:"transitioned"`
	NewStatus    types.Status `json:"newStatus,omitempty"`
}

// CompletionReport is the payload of a completion.report message.
type CompletionReport struct {
	Outcome      types.Outcome    `json:"outcome"`
	SummaryRef   string           `json:"summaryRef,omitempty"`
	HandoffRef   string           `json:"handoffRef,omitempty"`
	Deliverables []string         `json:"deliverables,omitempty"`
	Tests        types.TestCounts `json:"tests"`
	Blockers     []string         `json:"blockers,omitempty"`
	Notes        string           `json:"notes,omitempty"`
}

// StatusUpdate is the payload of a status.update message.
type StatusUpdate struct {
	Status   types.Status `json:"status,omitempty"`
	Progress string       `json:"progress,omitempty"`
	Blockers []string     `json:"blockers,omitempty"`
	Notes    string       `json:"notes,omitempty"`
}

// Router processes envelopes for one project.
type Router struct {
	store  *store.Store
	leases *lease.Manager
	events *eventlog.Logger
	clock  func() time.Time
	logger zerolog.Logger
}

// Option customises a Router.
type Option func(*Router)

// WithClock substitutes the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) { r.clock = clock }
}

// NewRouter wires a router over one project's store and lease manager.
func NewRouter(st *store.Store, leases *lease.Manager, events *eventlog.Logger, opts ...Option) *Router {
	r := &Router{
		store:  st,
		leases: leases,
		events: events,
		clock:  time.Now,
		logger: log.WithComponent("protocol"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle validates and dispatches one envelope. Rejections return a Result
// with the reason and an ErrRejected-wrapped error; the store is never
// mutated on rejection.
func (r *Router) Handle(env *types.Envelope) (*Result, error) {
	if env == nil || env.Protocol != ProtocolName || env.Version != ProtocolVersion {
		return r.reject(env, ReasonBadEnvelope)
	}
	if env.FromAgent == "" {
		return r.reject(env, ReasonBadEnvelope)
	}

	switch env.Type {
	case types.MsgCompletionReport:
		return r.handleCompletion(env)
	case types.MsgStatusUpdate:
		return r.handleStatusUpdate(env)
	case types.MsgSessionEnd:
		return r.HandleSessionEnd(env.FromAgent)
	default:
		return r.reject(env, ReasonUnknownType)
	}
}

func (r *Router) handleCompletion(env *types.Envelope) (*Result, error) {
	var report CompletionReport
	if err := json.Unmarshal(env.Payload, &report); err != nil {
		return r.reject(env, ReasonBadPayload)
	}
	if !report.Outcome.Valid() {
		return r.reject(env, ReasonBadPayload)
	}

	task, err := r.store.Get(env.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return r.reject(env, ReasonTaskNotFound)
		}
		return nil, err
	}
	if task.Lease == nil {
		return r.reject(env, ReasonUnassignedTask)
	}
	if task.Lease.Agent != env.FromAgent {
		return r.reject(env, ReasonUnauthorizedAgent)
	}

	if report.SummaryRef != "" && !fsutil.Exists(report.SummaryRef) {
		r.events.Emit("protocol.message.warning", env.FromAgent, task.ID, map[string]any{
			"reason":     "summary_file_not_found",
			"summaryRef": report.SummaryRef,
		})
	}

	result := &types.RunResult{
		TaskID:       task.ID,
		AgentID:      env.FromAgent,
		Outcome:      report.Outcome,
		SummaryRef:   report.SummaryRef,
		HandoffRef:   report.HandoffRef,
		Deliverables: report.Deliverables,
		Tests:        report.Tests,
		Blockers:     report.Blockers,
		Notes:        report.Notes,
	}
	if err := r.leases.WriteRunResult(result); err != nil {
		return nil, fmt.Errorf("write run result: %w", err)
	}

	task, transitioned, err := r.applyOutcome(task, report.Outcome, env.FromAgent, report.Blockers)
	if err != nil {
		return nil, err
	}

	r.events.Emit("task.completed", env.FromAgent, task.ID, map[string]any{
		"outcome":     string(report.Outcome),
		"testsTotal":  report.Tests.Total,
		"testsPassed": report.Tests.Passed,
		"testsFailed": report.Tests.Failed,
	})

	return &Result{
		Accepted:     true,
		TaskID:       task.ID,
		Transitioned: transitioned,
		NewStatus:    task.Status,
	}, nil
}

// applyOutcome maps an agent-reported outcome onto the state machine. A
// done outcome normally lands in review; tasks marked reviewRequired=false
// continue straight through to done.
func (r *Router) applyOutcome(task *types.Task, outcome types.Outcome, agent string, blockers []string) (*types.Task, bool, error) {
	target := types.StatusReview
	direct := false
	switch outcome {
	case types.OutcomeDone:
		if !task.MetaBool(types.MetaReviewRequired, true) {
			target = types.StatusDone
			direct = true
		}
	case types.OutcomeBlocked:
		target = types.StatusBlocked
	case types.OutcomePartial, types.OutcomeNeedsReview:
		target = types.StatusReview
	}

	if task.Status == target {
		return task, false, nil
	}

	if target == types.StatusBlocked {
		reason := "agent reported blocked"
		if len(blockers) > 0 {
			reason = strings.Join(blockers, "; ")
		}
		updated, err := r.store.Block(task.ID, reason, store.WithAgent(agent))
		if err != nil {
			return nil, false, err
		}
		return updated, true, nil
	}

	updated, err := r.store.Transition(task.ID, types.StatusReview, store.WithAgent(agent))
	if err != nil {
		return nil, false, err
	}
	if direct && updated.Status != types.StatusDone {
		updated, err = r.store.Transition(updated.ID, types.StatusDone,
			store.WithAgent(agent), store.WithReason("review not required"))
		if err != nil {
			return nil, false, err
		}
	}
	return updated, true, nil
}

func (r *Router) handleStatusUpdate(env *types.Envelope) (*Result, error) {
	var update StatusUpdate
	if err := json.Unmarshal(env.Payload, &update); err != nil {
		return r.reject(env, ReasonBadPayload)
	}

	task, err := r.store.Get(env.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return r.reject(env, ReasonTaskNotFound)
		}
		return nil, err
	}

	if update.Status != "" {
		if !update.Status.Valid() {
			return r.reject(env, ReasonBadPayload)
		}
		updated, err := r.store.Transition(task.ID, update.Status, store.WithAgent(env.FromAgent))
		if err != nil {
			return nil, err
		}
		return &Result{
			Accepted:     true,
			TaskID:       task.ID,
			Transitioned: updated.Status != task.Status,
			NewStatus:    updated.Status,
		}, nil
	}

	entry := workLogEntry(env.FromAgent, update)
	if _, err := r.store.AppendWorkLog(task.ID, entry); err != nil {
		return nil, err
	}
	r.events.Emit("task.progress", env.FromAgent, task.ID, map[string]any{
		"progress": update.Progress,
		"blockers": update.Blockers,
	})
	return &Result{Accepted: true, TaskID: task.ID, NewStatus: task.Status}, nil
}

func workLogEntry(agent string, update StatusUpdate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:", agent)
	if update.Progress != "" {
		fmt.Fprintf(&b, " %s", update.Progress)
	}
	if update.Notes != "" {
		fmt.Fprintf(&b, " - %s", update.Notes)
	}
	if len(update.Blockers) > 0 {
		fmt.Fprintf(&b, " (blockers: %s)", strings.Join(update.Blockers, ", "))
	}
	return b.String()
}

// HandleSessionEnd reconciles every in-progress task that has a
// run_result.json, applying the same outcome mapping as a completion
// report. Tasks without a result are left for the stale-heartbeat sweep.
func (r *Router) HandleSessionEnd(agent string) (*Result, error) {
	tasks, err := r.store.List(store.Filter{Status: types.StatusInProgress})
	if err != nil {
		return nil, err
	}

	reconciled := 0
	for _, task := range tasks {
		result, err := r.leases.ReadRunResult(task.ID)
		if err != nil {
			r.logger.Warn().Err(err).Str("task", task.ID).Msg("unreadable run result during session end")
			continue
		}
		if result == nil {
			continue
		}
		if _, _, err := r.applyOutcome(task, result.Outcome, result.AgentID, result.Blockers); err != nil {
			r.logger.Error().Err(err).Str("task", task.ID).Msg("session end reconcile failed")
			continue
		}
		reconciled++
	}

	r.events.Emit("protocol.session_end", agent, "", map[string]any{
		"reconciled": reconciled,
	})
	return &Result{Accepted: true}, nil
}

func (r *Router) reject(env *types.Envelope, reason string) (*Result, error) {
	actor := "system"
	taskID := ""
	if env != nil {
		if env.FromAgent != "" {
			actor = env.FromAgent
		}
		taskID = env.TaskID
	}
	r.events.Emit("protocol.message.rejected", actor, taskID, map[string]any{
		"reason": reason,
	})
	r.logger.Warn().Str("reason", reason).Str("task", taskID).Msg("protocol message rejected")
	return &Result{Accepted: false, Reason: reason, TaskID: taskID},
		fmt.Errorf("%w: %s", ErrRejected, reason)
}

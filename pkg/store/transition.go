package store

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agentfabric/aof/pkg/fsutil"
	"github.com/agentfabric/aof/pkg/taskfile"
	"github.com/agentfabric/aof/pkg/types"
)

// allowedEdges is the task state machine. ready→deadletter is an explicit
// edge exercised by the failure tracker. deadletter→ready is reachable only
// through the resurrect option. Cancellation from non-terminal states is
// handled separately in legalEdge.
var allowedEdges = map[types.Status][]types.Status{
	types.StatusBacklog:    {types.StatusReady},
	types.StatusReady:      {types.StatusBlocked, types.StatusInProgress, types.StatusDeadletter},
	types.StatusInProgress: {types.StatusReview, types.StatusBlocked, types.StatusReady, types.StatusDeadletter},
	types.StatusReview:     {types.StatusDone, types.StatusInProgress, types.StatusBlocked},
	types.StatusBlocked:    {types.StatusReady, types.StatusInProgress},
	types.StatusDone:       {},
	types.StatusCancelled:  {},
	types.StatusDeadletter: {},
}

func legalEdge(from, to types.Status) bool {
	if to == types.StatusCancelled {
		switch from {
		case types.StatusDone, types.StatusCancelled, types.StatusDeadletter:
			return false
		default:
			return true
		}
	}
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionOptions parameterize a status change.
type TransitionOptions struct {
	Reason string
	Agent  string

	resurrect bool
	mutate    func(*types.Task)
}

// TransitionOption customises a Transition call.
type TransitionOption func(*TransitionOptions)

// WithReason records why the status changed.
func WithReason(reason string) TransitionOption {
	return func(o *TransitionOptions) { o.Reason = reason }
}

// WithAgent attributes the transition to an agent.
func WithAgent(agent string) TransitionOption {
	return func(o *TransitionOptions) { o.Agent = agent }
}

// WithResurrect permits the deadletter→ready edge. Only the failure
// tracker's resurrect operation passes this.
func WithResurrect() TransitionOption {
	return func(o *TransitionOptions) { o.resurrect = true }
}

// WithMutation applies extra frontmatter edits inside the transition write.
// Multiple mutations compose in the order given.
func WithMutation(fn func(*types.Task)) TransitionOption {
	return func(o *TransitionOptions) {
		prev := o.mutate
		if prev == nil {
			o.mutate = fn
			return
		}
		o.mutate = func(t *types.Task) {
			prev(t)
			fn(t)
		}
	}
}

// Transition moves a task to a new status. The write is two-phase: the
// updated frontmatter lands at the old path first, then the file and its
// companion directory are renamed into the new status dir, so an
// interrupted transition leaves the task consistent at the old location.
// Transitioning to the current status is an idempotent no-op.
func (s *Store) Transition(id string, newStatus types.Status, opts ...TransitionOption) (*types.Task, error) {
	var options TransitionOptions
	for _, opt := range opts {
		opt(&options)
	}

	s.mu.Lock()
	task, err := s.load(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	from := task.Status
	if from == newStatus {
		s.mu.Unlock()
		return task.Clone(), nil
	}

	allowed := legalEdge(from, newStatus)
	if !allowed && options.resurrect && from == types.StatusDeadletter && newStatus == types.StatusReady {
		allowed = true
	}
	if !allowed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s → %s for %s", ErrInvalidTransition, from, newStatus, id)
	}

	now := s.clock().UTC()
	// lastTransitionAt is strictly monotonic per task.
	if !now.After(task.LastTransitionAt) {
		now = task.LastTransitionAt.Add(time.Millisecond)
	}
	task.Status = newStatus
	task.UpdatedAt = now
	task.LastTransitionAt = now

	switch newStatus {
	case types.StatusReady, types.StatusBacklog, types.StatusDone:
		task.Lease = nil
	}
	if options.mutate != nil {
		options.mutate(task)
	}

	// Phase 1: rewrite at the old location.
	data, err := taskfile.Marshal(task)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	oldPath := s.taskPath(from, id)
	if err := fsutil.WriteFileAtomic(oldPath, data, 0o644); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	// Phase 2: rename into the new status dir.
	newPath := s.taskPath(newStatus, id)
	if err := os.MkdirAll(s.statusDir(newStatus), 0o755); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("move task file: %w", err)
	}
	// Phase 3: move the companion directory alongside.
	if err := fsutil.RenameDir(s.CompanionDir(from, id), s.CompanionDir(newStatus, id)); err != nil {
		s.logger.Warn().Err(err).Str("task", id).Msg("companion dir move failed")
	}

	hook := s.afterTransition
	s.mu.Unlock()

	payload := map[string]any{
		"from": string(from),
		"to":   string(newStatus),
	}
	if options.Reason != "" {
		payload["reason"] = options.Reason
	}
	if options.Agent != "" {
		payload["agent"] = options.Agent
	}
	s.emit("task.transitioned", actorOr(options.Agent), id, payload)
	if newStatus == types.StatusInProgress && options.Agent != "" {
		s.emit("task.assigned", options.Agent, id, map[string]any{"agent": options.Agent})
	}

	if hook != nil {
		hook(task, from, newStatus)
	}
	return task.Clone(), nil
}

// Block transitions a task to blocked, recording the reason in metadata.
func (s *Store) Block(id, reason string, opts ...TransitionOption) (*types.Task, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: block reason is required", ErrInvalidInput)
	}
	opts = append(opts, WithReason(reason), WithMutation(func(t *types.Task) {
		t.SetMeta(types.MetaBlockReason, reason)
	}))
	task, err := s.Transition(id, types.StatusBlocked, opts...)
	if err != nil {
		return nil, err
	}
	s.emit("task.blocked", "system", id, map[string]any{"reason": reason})
	return task, nil
}

// Unblock returns a blocked task to ready, clearing the block reason and
// retry count.
func (s *Store) Unblock(id string, opts ...TransitionOption) (*types.Task, error) {
	opts = append(opts, WithMutation(func(t *types.Task) {
		t.DeleteMeta(types.MetaBlockReason)
		t.DeleteMeta(types.MetaRetryCount)
	}))
	task, err := s.Transition(id, types.StatusReady, opts...)
	if err != nil {
		return nil, err
	}
	s.emit("task.unblocked", "system", id, nil)
	return task, nil
}

// Cancel terminally cancels a task, clearing any lease. Done and cancelled
// tasks reject cancellation.
func (s *Store) Cancel(id, reason string, opts ...TransitionOption) (*types.Task, error) {
	opts = append(opts, WithMutation(func(t *types.Task) {
		t.Lease = nil
		if reason != "" {
			t.SetMeta(types.MetaCancellationReason, reason)
		}
	}))
	if reason != "" {
		opts = append(opts, WithReason(reason))
	}
	task, err := s.Transition(id, types.StatusCancelled, opts...)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	s.emit("task.cancelled", "system", id, payload)
	return task, nil
}

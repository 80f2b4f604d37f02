package tools

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentfabric/aof/pkg/gate"
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

// CompleteRequest carries the complete verb's inputs. Outcome and the gate
// fields only apply to tasks inside a gate workflow.
type CompleteRequest struct {
	Outcome        string
	Summary        string
	Agent          string
	CallerRole     string
	RejectionNotes string
	Blockers       []string
	TargetGate     string
}

// Complete finishes a task. A plain task walks the remaining lifecycle
// edges to done automatically; a task inside a gate workflow must be
// completed through its current gate, so a missing outcome is rejected
// with the correct call shape.
func (t *Toolset) Complete(ref string, req CompleteRequest) (*Result, error) {
	task, err := t.resolve(ref)
	if err != nil {
		return nil, err
	}

	if task.Gate != nil {
		if req.Outcome == "" {
			return nil, fmt.Errorf("%s: %w", task.ID, ErrOutcomeRequired)
		}
		if t.gates == nil {
			return nil, fmt.Errorf("task %s has a gate workflow but the project defines none", task.ID)
		}
		completed, err := t.gates.Complete(task.ID, gate.Completion{
			Outcome:        gate.GateOutcome(req.Outcome),
			Agent:          req.Agent,
			CallerRole:     req.CallerRole,
			Summary:        req.Summary,
			RejectionNotes: req.RejectionNotes,
			Blockers:       req.Blockers,
			TargetGate:     req.TargetGate,
		})
		if err != nil {
			return nil, err
		}
		summary := fmt.Sprintf("gate processed for %s, status %s", completed.ID, completed.Status)
		if completed.Gate != nil {
			summary = fmt.Sprintf("gate processed for %s, now at gate %s", completed.ID, completed.Gate.Current)
		}
		return &Result{
			Summary: summary,
			TaskID:  completed.ID,
			Fields:  map[string]any{"status": string(completed.Status), "outcome": req.Outcome},
		}, nil
	}

	completed, err := t.walkToDone(task, req.Agent)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("completed %s", completed.ID),
		TaskID:  completed.ID,
		Fields:  map[string]any{"status": string(completed.Status)},
	}, nil
}

// walkToDone advances a non-gate task through the remaining lifecycle
// edges: current → [ready →] in-progress → review → done.
func (t *Toolset) walkToDone(task *types.Task, agent string) (*types.Task, error) {
	path := map[types.Status]types.Status{
		types.StatusBacklog:    types.StatusReady,
		types.StatusBlocked:    types.StatusReady,
		types.StatusReady:      types.StatusInProgress,
		types.StatusInProgress: types.StatusReview,
		types.StatusReview:     types.StatusDone,
	}

	current := task
	for current.Status != types.StatusDone {
		next, ok := path[current.Status]
		if !ok {
			return nil, fmt.Errorf("%w: cannot complete from %s", store.ErrInvalidTransition, current.Status)
		}
		updated, err := t.store.Transition(current.ID, next,
			store.WithAgent(agent), store.WithReason("completed via tools"))
		if err != nil {
			return nil, err
		}
		current = updated
	}
	return current, nil
}

// StatusReport summarizes the project: counts per status plus the oldest
// in-progress and any dead-lettered tasks.
func (t *Toolset) StatusReport() (*Result, error) {
	counts, err := t.store.CountByStatus()
	if err != nil {
		return nil, err
	}

	var parts []string
	for _, status := range types.AllStatuses {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", status, n))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "no tasks")
	}

	dead, err := t.store.List(store.Filter{Status: types.StatusDeadletter})
	if err != nil {
		return nil, err
	}
	deadIDs := make([]string, 0, len(dead))
	for _, d := range dead {
		deadIDs = append(deadIDs, d.ID)
	}
	sort.Strings(deadIDs)

	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}

	return &Result{
		Summary: fmt.Sprintf("project %s: %s", t.store.ProjectID(), strings.Join(parts, ", ")),
		Fields: map[string]any{
			"byStatus":   byStatus,
			"deadletter": deadIDs,
		},
	}, nil
}

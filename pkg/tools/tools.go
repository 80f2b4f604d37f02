// Package tools is the thin verb surface over the task store used by the
// CLI and by in-process callers. Every verb resolves its task by full id
// or unique prefix, performs one operation, and returns a summary
// envelope. Hard errors surface to the caller; the scheduler never sees
// them.
package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentfabric/aof/pkg/config"
	"github.com/agentfabric/aof/pkg/deadletter"
	"github.com/agentfabric/aof/pkg/eventlog"
	"github.com/agentfabric/aof/pkg/gate"
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

// ErrOutcomeRequired teaches callers that gated tasks complete through the
// gate engine, not the plain lifecycle walk.
var ErrOutcomeRequired = errors.New(
	`task is in a gate workflow; complete it through its current gate: complete <id> --outcome complete|needs_review|blocked [--summary "..."] [--role <gateRole>]`)

// Result is the envelope every verb returns.
type Result struct {
	Summary string         `json:"summary"`
	TaskID  string         `json:"taskId,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Toolset binds the verbs to one project's collaborators.
type Toolset struct {
	store   *store.Store
	events  *eventlog.Logger
	tracker *deadletter.Tracker
	gates   *gate.Engine
	project *config.Project
}

// New builds a toolset. The gate engine may be nil when the project has no
// workflows; Complete then always uses the lifecycle walk.
func New(st *store.Store, events *eventlog.Logger, tracker *deadletter.Tracker, gates *gate.Engine, project *config.Project) *Toolset {
	return &Toolset{
		store:   st,
		events:  events,
		tracker: tracker,
		gates:   gates,
		project: project,
	}
}

// resolve finds a task by full id or unique prefix.
func (t *Toolset) resolve(ref string) (*types.Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: task reference is required", store.ErrInvalidInput)
	}
	task, err := t.store.Get(ref)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return t.store.GetByPrefix(ref)
}

// CreateRequest carries the create verb's inputs.
type CreateRequest struct {
	Title     string
	Body      string
	Priority  types.Priority
	Routing   types.Routing
	DependsOn []string
	ParentID  string
	Metadata  map[string]any
	SLA       *types.SLA
	Gate      *types.GateState
	CreatedBy string
}

// Create makes a new task in backlog.
func (t *Toolset) Create(req CreateRequest) (*Result, error) {
	task, err := t.store.Create(store.CreateOptions{
		Title:     req.Title,
		Body:      req.Body,
		Priority:  req.Priority,
		Routing:   req.Routing,
		DependsOn: req.DependsOn,
		ParentID:  req.ParentID,
		Metadata:  req.Metadata,
		SLA:       req.SLA,
		Gate:      req.Gate,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("created %s: %s", task.ID, task.Title),
		TaskID:  task.ID,
		Fields:  map[string]any{"status": string(task.Status), "priority": string(task.Priority)},
	}, nil
}

// Update patches title, priority, routing, SLA, or metadata.
func (t *Toolset) Update(ref string, patch store.Patch) (*Result, error) {
	task, err := t.resolve(ref)
	if err != nil {
		return nil, err
	}
	updated, err := t.store.Update(task.ID, patch)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("updated %s", updated.ID),
		TaskID:  updated.ID,
	}, nil
}

// Edit replaces the task body.
func (t *Toolset) Edit(ref, body string) (*Result, error) {
	task, err := t.resolve(ref)
	if err != nil {
		return nil, err
	}
	updated, err := t.store.UpdateBody(task.ID, body)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("edited %s (content hash %s)", updated.ID, updated.ContentHash),
		TaskID:  updated.ID,
		Fields:  map[string]any{"contentHash": updated.ContentHash},
	}, nil
}

// Cancel terminally cancels a task.
func (t *Toolset) Cancel(ref, reason string) (*Result, error) {
	task, err := t.resolve(ref)
	if err != nil {
		return nil, err
	}
	cancelled, err := t.store.Cancel(task.ID, reason)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("cancelled %s", cancelled.ID),
		TaskID:  cancelled.ID,
	}, nil
}

// Block parks a task with a reason.
func (t *Toolset) Block(ref, reason string) (*Result, error) {
	task, err := t.resolve(ref)
	if err != nil {
		return nil, err
	}
	blocked, err := t.store.Block(task.ID, reason)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("blocked %s: %s", blocked.ID, reason),
		TaskID:  blocked.ID,
	}, nil
}

// Unblock returns a blocked task to ready.
func (t *Toolset) Unblock(ref string) (*Result, error) {
	task, err := t.resolve(ref)
	if err != nil {
		return nil, err
	}
	unblocked, err := t.store.Unblock(task.ID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("unblocked %s", unblocked.ID),
		TaskID:  unblocked.ID,
	}, nil
}

// DepAdd adds a dependency edge.
func (t *Toolset) DepAdd(ref, blockerRef string) (*Result, error) {
	task, err := t.resolve(ref)
	if err != nil {
		return nil, err
	}
	blocker, err := t.resolve(blockerRef)
	if err != nil {
		return nil, err
	}
	updated, err := t.store.AddDep(task.ID, blocker.ID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("%s now depends on %s", updated.ID, blocker.ID),
		TaskID:  updated.ID,
		Fields:  map[string]any{"dependsOn": updated.DependsOn},
	}, nil
}

// DepRemove removes a dependency edge.
func (t *Toolset) DepRemove(ref, blockerRef string) (*Result, error) {
	task, err := t.resolve(ref)
	if err != nil {
		return nil, err
	}
	blocker, err := t.resolve(blockerRef)
	if err != nil {
		return nil, err
	}
	updated, err := t.store.RemoveDep(task.ID, blocker.ID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("%s no longer depends on %s", updated.ID, blocker.ID),
		TaskID:  updated.ID,
		Fields:  map[string]any{"dependsOn": updated.DependsOn},
	}, nil
}

// Resurrect returns a dead-lettered task to ready with cleared counters.
func (t *Toolset) Resurrect(ref, user string) (*Result, error) {
	task, err := t.resolve(ref)
	if err != nil {
		return nil, err
	}
	resurrected, err := t.tracker.Resurrect(task.ID, user)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("resurrected %s", resurrected.ID),
		TaskID:  resurrected.ID,
		Fields:  map[string]any{"resurrectedBy": user},
	}, nil
}

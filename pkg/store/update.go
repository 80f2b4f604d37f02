package store

import (
	"fmt"

	"github.com/agentfabric/aof/pkg/taskfile"
	"github.com/agentfabric/aof/pkg/types"
)

// Patch carries the updatable task fields. Nil pointers leave the field
// unchanged.
type Patch struct {
	Title    *string
	Priority *types.Priority
	Routing  *types.Routing
	SLA      *types.SLA
	Metadata map[string]any
}

// Update applies a field patch to a task. Updates are rejected in terminal
// states. Emits task.updated with the change set.
func (s *Store) Update(id string, patch Patch) (*types.Task, error) {
	s.mu.Lock()
	task, err := s.load(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if task.Status.IsTerminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot update %s task %s", ErrTerminal, task.Status, id)
	}

	changes := make(map[string]any)
	if patch.Title != nil && *patch.Title != task.Title {
		task.Title = *patch.Title
		changes["title"] = *patch.Title
	}
	if patch.Priority != nil && *patch.Priority != task.Priority {
		if !patch.Priority.Valid() {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, *patch.Priority)
		}
		task.Priority = *patch.Priority
		changes["priority"] = string(*patch.Priority)
	}
	if patch.Routing != nil {
		task.Routing = *patch.Routing
		changes["routing"] = true
	}
	if patch.SLA != nil {
		task.SLA = patch.SLA
		changes["sla"] = true
	}
	for k, v := range patch.Metadata {
		task.SetMeta(k, v)
		changes["metadata."+k] = v
	}

	if len(changes) == 0 {
		s.mu.Unlock()
		return task.Clone(), nil
	}

	task.UpdatedAt = s.clock().UTC()
	if err := s.write(task); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.emit("task.updated", "system", id, map[string]any{"changes": changes})
	return task.Clone(), nil
}

// UpdateBody replaces the markdown body and recomputes the content hash.
// Rejected in terminal states.
func (s *Store) UpdateBody(id, body string) (*types.Task, error) {
	s.mu.Lock()
	task, err := s.load(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if task.Status.IsTerminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot update %s task %s", ErrTerminal, task.Status, id)
	}

	task.Body = body
	task.ContentHash = taskfile.ContentHash(body)
	task.UpdatedAt = s.clock().UTC()
	if err := s.write(task); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.emit("task.updated", "system", id, map[string]any{"changes": map[string]any{"body": true}})
	return task.Clone(), nil
}

// AppendWorkLog appends a timestamped entry to the task's Work Log section.
func (s *Store) AppendWorkLog(id, entry string) (*types.Task, error) {
	s.mu.Lock()
	task, err := s.load(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	stamp := s.clock().UTC().Format("2006-01-02 15:04:05")
	task.Body = taskfile.AppendSection(task.Body, "Work Log", "- ["+stamp+"] "+entry)
	task.UpdatedAt = s.clock().UTC()
	if err := s.write(task); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	return task.Clone(), nil
}

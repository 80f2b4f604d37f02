package store

import (
	"fmt"

	"github.com/agentfabric/aof/pkg/types"
)

// AddDep records that task id depends on blockerID. The edge is rejected if
// either task is missing or if it would close a cycle.
func (s *Store) AddDep(id, blockerID string) (*types.Task, error) {
	s.mu.Lock()
	task, err := s.load(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if id == blockerID {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s depends on itself", ErrCycleDetected, id)
	}
	if _, err := s.load(blockerID); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	for _, dep := range task.DependsOn {
		if dep == blockerID {
			s.mu.Unlock()
			return task.Clone(), nil
		}
	}
	// Walking from the blocker must not reach this task.
	if s.reaches(blockerID, id, make(map[string]bool)) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s → %s", ErrCycleDetected, id, blockerID)
	}

	task.DependsOn = append(task.DependsOn, blockerID)
	task.UpdatedAt = s.clock().UTC()
	if err := s.write(task); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.emit("task.updated", "system", id, map[string]any{"changes": map[string]any{"dependsOn": task.DependsOn}})
	return task.Clone(), nil
}

// RemoveDep deletes a dependency edge. Removing a missing edge is a no-op.
func (s *Store) RemoveDep(id, blockerID string) (*types.Task, error) {
	s.mu.Lock()
	task, err := s.load(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	kept := task.DependsOn[:0]
	removed := false
	for _, dep := range task.DependsOn {
		if dep == blockerID {
			removed = true
			continue
		}
		kept = append(kept, dep)
	}
	if !removed {
		s.mu.Unlock()
		return task.Clone(), nil
	}
	task.DependsOn = kept
	task.UpdatedAt = s.clock().UTC()
	if err := s.write(task); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.emit("task.updated", "system", id, map[string]any{"changes": map[string]any{"dependsOn": task.DependsOn}})
	return task.Clone(), nil
}

// reaches walks the dependency graph depth-first from id looking for target.
// Callers hold the mutex.
func (s *Store) reaches(id, target string, visited map[string]bool) bool {
	if id == target {
		return true
	}
	if visited[id] {
		return false
	}
	visited[id] = true
	task, err := s.load(id)
	if err != nil {
		return false
	}
	for _, dep := range task.DependsOn {
		if s.reaches(dep, target, visited) {
			return true
		}
	}
	return false
}

// DependenciesDone reports whether every dependency of the task is done.
// Missing dependencies count as unresolved.
func (s *Store) DependenciesDone(task *types.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range task.DependsOn {
		depTask, err := s.load(dep)
		if err != nil || depTask.Status != types.StatusDone {
			return false
		}
	}
	return true
}

// Dependents returns tasks in the given statuses that directly depend on id.
func (s *Store) Dependents(id string, statuses ...types.Status) ([]*types.Task, error) {
	if len(statuses) == 0 {
		statuses = types.AllStatuses
	}
	var out []*types.Task
	for _, status := range statuses {
		tasks, err := s.List(Filter{Status: status})
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			for _, dep := range task.DependsOn {
				if dep == id {
					out = append(out, task)
					break
				}
			}
		}
	}
	return out, nil
}

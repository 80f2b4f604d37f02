package scheduler

import "sync"

// MurmurCounters tracks team activity since the last orchestration review.
type MurmurCounters struct {
	CompletionsSinceLastReview int `json:"completionsSinceLastReview"`
	FailuresSinceLastReview    int `json:"failuresSinceLastReview"`
}

// MurmurState persists per-team review counters and the current review
// task pointer. The service wires a bolt-backed implementation so counters
// survive restarts; tests use the in-memory one.
type MurmurState interface {
	Counters(projectID, team string) (MurmurCounters, error)
	BumpCompletions(projectID, team string) error
	BumpFailures(projectID, team string) error
	ResetCounters(projectID, team string) error
	CurrentReview(projectID, team string) (string, error)
	SetCurrentReview(projectID, team, taskID string) error
	ClearCurrentReview(projectID, team string) error
}

// MemoryMurmurState is the in-process MurmurState.
type MemoryMurmurState struct {
	mu       sync.Mutex
	counters map[string]MurmurCounters
	reviews  map[string]string
}

// NewMemoryMurmurState creates an empty in-memory state.
func NewMemoryMurmurState() *MemoryMurmurState {
	return &MemoryMurmurState{
		counters: make(map[string]MurmurCounters),
		reviews:  make(map[string]string),
	}
}

func murmurKey(projectID, team string) string {
	return projectID + "/" + team
}

// Counters implements MurmurState.
func (m *MemoryMurmurState) Counters(projectID, team string) (MurmurCounters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[murmurKey(projectID, team)], nil
}

// BumpCompletions implements MurmurState.
func (m *MemoryMurmurState) BumpCompletions(projectID, team string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters[murmurKey(projectID, team)]
	c.CompletionsSinceLastReview++
	m.counters[murmurKey(projectID, team)] = c
	return nil
}

// BumpFailures implements MurmurState.
func (m *MemoryMurmurState) BumpFailures(projectID, team string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters[murmurKey(projectID, team)]
	c.FailuresSinceLastReview++
	m.counters[murmurKey(projectID, team)] = c
	return nil
}

// ResetCounters implements MurmurState.
func (m *MemoryMurmurState) ResetCounters(projectID, team string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, murmurKey(projectID, team))
	return nil
}

// CurrentReview implements MurmurState.
func (m *MemoryMurmurState) CurrentReview(projectID, team string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reviews[murmurKey(projectID, team)], nil
}

// SetCurrentReview implements MurmurState.
func (m *MemoryMurmurState) SetCurrentReview(projectID, team, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews[murmurKey(projectID, team)] = taskID
	return nil
}

// ClearCurrentReview implements MurmurState.
func (m *MemoryMurmurState) ClearCurrentReview(projectID, team string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reviews, murmurKey(projectID, team))
	return nil
}

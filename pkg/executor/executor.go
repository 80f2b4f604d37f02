// Package executor defines the narrow interface the scheduler uses to hand
// work to an agent. The real gateway that spawns an LLM session or notifies
// a human operator lives outside this module; the orchestrator only needs
// SpawnSession to either start the session or report why it could not.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentfabric/aof/pkg/types"
)

// ErrSpawnTimeout is returned when a spawn call exceeds its deadline.
var ErrSpawnTimeout = errors.New("executor spawn timed out")

// TaskContext is everything an executor needs to start a session for one
// task. Paths are absolute so the agent process can be rooted anywhere.
type TaskContext struct {
	Task        *types.Task `json:"task"`
	ProjectID   string      `json:"projectId"`
	ProjectRoot string      `json:"projectRoot"`
	AgentID     string      `json:"agentId"`
	// TaskFile is the current on-disk location of the task record.
	TaskFile string `json:"taskFile"`
	// RunDir holds run.json, run_heartbeat.json, and run_result.json.
	RunDir string `json:"runDir"`
	// CompanionDir holds inputs/, work/, outputs/, subtasks/.
	CompanionDir string `json:"companionDir"`
}

// SizeBytes reports the serialized size of the context, used for the
// per-agent context gauge.
func (c *TaskContext) SizeBytes() int {
	data, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	return len(data)
}

// SpawnOptions bound one spawn call.
type SpawnOptions struct {
	Timeout time.Duration
}

// Executor starts agent sessions. Implementations must respect ctx and the
// spawn timeout; a nil error means the session was started, not that the
// task finished.
type Executor interface {
	SpawnSession(ctx context.Context, tc *TaskContext, opts SpawnOptions) error
}

// Spawn is one recorded MockExecutor call.
type Spawn struct {
	TaskID  string
	AgentID string
	Context *TaskContext
	At      time.Time
}

// MockExecutor records spawns and injects failures, used by scheduler and
// service tests.
type MockExecutor struct {
	mu     sync.Mutex
	spawns []Spawn
	// FailAll, when set, fails every spawn with this error.
	FailAll error
	// FailTask fails spawns for specific task ids.
	FailTask map[string]error
	// Panics lists task ids whose spawn panics, exercising the
	// exception path of the dispatch loop.
	Panics map[string]bool
}

// NewMockExecutor creates an empty recording executor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		FailTask: make(map[string]error),
		Panics:   make(map[string]bool),
	}
}

// SpawnSession implements Executor.
func (m *MockExecutor) SpawnSession(ctx context.Context, tc *TaskContext, opts SpawnOptions) error {
	m.mu.Lock()
	panics := m.Panics[tc.Task.ID]
	failAll := m.FailAll
	failTask := m.FailTask[tc.Task.ID]
	if !panics && failAll == nil && failTask == nil {
		m.spawns = append(m.spawns, Spawn{
			TaskID:  tc.Task.ID,
			AgentID: tc.AgentID,
			Context: tc,
			At:      time.Now(),
		})
	}
	m.mu.Unlock()

	if panics {
		panic(fmt.Sprintf("mock executor panic for %s", tc.Task.ID))
	}
	if failAll != nil {
		return failAll
	}
	if failTask != nil {
		return failTask
	}
	return ctx.Err()
}

// Spawns returns a copy of the recorded spawns.
func (m *MockExecutor) Spawns() []Spawn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Spawn(nil), m.spawns...)
}

// SpawnCount returns how many sessions were started.
func (m *MockExecutor) SpawnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spawns)
}

// Reset clears recorded spawns and failure injections.
func (m *MockExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawns = nil
	m.FailAll = nil
	m.FailTask = make(map[string]error)
	m.Panics = make(map[string]bool)
}

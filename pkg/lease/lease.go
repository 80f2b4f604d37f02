// Package lease implements exclusive task assignment: TTL-bound leases,
// agent heartbeats, and the on-disk run artifacts used for crash recovery.
//
// The lease field on the task is the only per-task lock in the system. A
// mutator that is not the current leaseholder must not write; the manager
// enforces this on renew and release, and the scheduler reclaims expired
// leases during reconciliation.
package lease

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentfabric/aof/pkg/eventlog"
	"github.com/agentfabric/aof/pkg/fsutil"
	"github.com/agentfabric/aof/pkg/log"
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

var (
	// ErrConflictingLease is returned when another agent holds a
	// non-expired lease. The caller should retry later.
	ErrConflictingLease = errors.New("conflicting lease")

	// ErrNotLeaseholder is returned when an agent other than the current
	// leaseholder tries to renew or release.
	ErrNotLeaseholder = errors.New("not the leaseholder")

	// ErrRenewalsExhausted is returned once renewCount reaches the cap.
	ErrRenewalsExhausted = errors.New("lease renewals exhausted")

	// ErrNotLeasable is returned when the task status admits no lease.
	ErrNotLeasable = errors.New("task status does not admit a lease")
)

// Config bounds lease lifetimes.
type Config struct {
	TTL          time.Duration
	HeartbeatTTL time.Duration
	MaxRenewals  int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		TTL:          types.DefaultLeaseTTL,
		HeartbeatTTL: types.DefaultHeartbeatTTL,
		MaxRenewals:  types.DefaultMaxRenewals,
	}
}

// Manager coordinates leases and run artifacts over one project store.
type Manager struct {
	store  *store.Store
	events *eventlog.Logger
	cfg    Config
	clock  func() time.Time
	logger zerolog.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock substitutes the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a lease manager.
func NewManager(st *store.Store, events *eventlog.Logger, cfg Config, opts ...Option) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = types.DefaultLeaseTTL
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = types.DefaultHeartbeatTTL
	}
	if cfg.MaxRenewals <= 0 {
		cfg.MaxRenewals = types.DefaultMaxRenewals
	}
	m := &Manager{
		store:  st,
		events: events,
		cfg:    cfg,
		clock:  time.Now,
		logger: log.WithComponent("lease"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AcquireOptions tune a single acquisition.
type AcquireOptions struct {
	TTL               time.Duration
	HeartbeatTTL      time.Duration
	WriteRunArtifacts bool
}

// Acquire grants the agent an exclusive lease on a ready or in-progress
// task, transitions ready tasks to in-progress, and seeds the run artifacts.
func (m *Manager) Acquire(id, agent string, opts AcquireOptions) (*types.Task, error) {
	task, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if task.Status != types.StatusReady && task.Status != types.StatusInProgress {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotLeasable, id, task.Status)
	}

	now := m.clock().UTC()
	if task.Lease != nil && task.Lease.Agent != agent && !task.Lease.Expired(now) {
		return nil, fmt.Errorf("%w: %s held by %s until %s", ErrConflictingLease, id, task.Lease.Agent, task.Lease.ExpiresAt.Format(time.RFC3339))
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}
	hbTTL := opts.HeartbeatTTL
	if hbTTL <= 0 {
		hbTTL = m.cfg.HeartbeatTTL
	}
	newLease := &types.Lease{
		Agent:      agent,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	if task.Status == types.StatusReady {
		task, err = m.store.Transition(id, types.StatusInProgress,
			store.WithAgent(agent),
			store.WithMutation(func(t *types.Task) { t.Lease = newLease }))
		if err != nil {
			return nil, err
		}
	} else {
		task.Lease = newLease
		if err := m.store.Save(task); err != nil {
			return nil, err
		}
	}

	if opts.WriteRunArtifacts {
		run := &types.RunRecord{
			TaskID:    id,
			AgentID:   agent,
			SessionID: uuid.NewString(),
			StartedAt: now,
			Status:    types.RunStatusRunning,
		}
		if err := m.WriteRunRecord(run); err != nil {
			return nil, err
		}
		hb := &types.RunHeartbeat{
			TaskID:        id,
			AgentID:       agent,
			LastHeartbeat: now,
			BeatCount:     0,
			ExpiresAt:     now.Add(hbTTL),
		}
		if err := m.writeHeartbeat(hb); err != nil {
			return nil, err
		}
	}

	m.emit("lease.acquired", agent, id, map[string]any{
		"expiresAt": newLease.ExpiresAt.Format(time.RFC3339),
	})
	return task, nil
}

// Renew extends the leaseholder's lease by the configured TTL. Renewals are
// capped at MaxRenewals.
func (m *Manager) Renew(id, agent string) (*types.Task, error) {
	task, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if task.Lease == nil || task.Lease.Agent != agent {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotLeaseholder, agent, id)
	}
	if task.Lease.RenewCount >= m.cfg.MaxRenewals {
		return nil, fmt.Errorf("%w: %s at %d renewals", ErrRenewalsExhausted, id, task.Lease.RenewCount)
	}

	now := m.clock().UTC()
	task.Lease.RenewCount++
	task.Lease.ExpiresAt = now.Add(m.cfg.TTL)
	if err := m.store.Save(task); err != nil {
		return nil, err
	}
	m.emit("lease.renewed", agent, id, map[string]any{
		"renewCount": task.Lease.RenewCount,
		"expiresAt":  task.Lease.ExpiresAt.Format(time.RFC3339),
	})
	return task, nil
}

// Release voluntarily gives up the lease and returns the task to ready.
func (m *Manager) Release(id, agent string) (*types.Task, error) {
	task, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if task.Lease == nil || task.Lease.Agent != agent {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotLeaseholder, agent, id)
	}

	if task.Status == types.StatusInProgress {
		task, err = m.store.Transition(id, types.StatusReady, store.WithAgent(agent), store.WithReason("lease released"))
		if err != nil {
			return nil, err
		}
	} else {
		task.Lease = nil
		if err := m.store.Save(task); err != nil {
			return nil, err
		}
	}
	m.emit("lease.released", agent, id, nil)
	return task, nil
}

// Expire scans in-progress and blocked tasks and clears every lease whose
// TTL has elapsed. In-progress tasks are reclaimed to ready. Blocked tasks
// move to ready only when all dependencies are done; otherwise they stay
// blocked with the lease cleared. Returns the reclaimed task ids.
func (m *Manager) Expire() ([]string, error) {
	now := m.clock().UTC()
	var reclaimed []string

	for _, status := range []types.Status{types.StatusInProgress, types.StatusBlocked} {
		tasks, err := m.store.List(store.Filter{Status: status})
		if err != nil {
			return reclaimed, err
		}
		for _, task := range tasks {
			if task.Lease == nil || !task.Lease.Expired(now) {
				continue
			}
			holder := task.Lease.Agent

			switch status {
			case types.StatusInProgress:
				if _, err := m.store.Transition(task.ID, types.StatusReady, store.WithReason("lease expired")); err != nil {
					m.logger.Error().Err(err).Str("task", task.ID).Msg("lease reclaim failed")
					continue
				}
				reclaimed = append(reclaimed, task.ID)
			case types.StatusBlocked:
				if m.store.DependenciesDone(task) {
					if _, err := m.store.Unblock(task.ID, store.WithReason("lease expired, dependencies done")); err != nil {
						m.logger.Error().Err(err).Str("task", task.ID).Msg("blocked-task reclaim failed")
						continue
					}
					reclaimed = append(reclaimed, task.ID)
				} else {
					task.Lease = nil
					if err := m.store.Save(task); err != nil {
						m.logger.Error().Err(err).Str("task", task.ID).Msg("lease clear failed")
						continue
					}
				}
			}
			m.emit("lease.expired", holder, task.ID, map[string]any{"previousHolder": holder})
		}
	}
	return reclaimed, nil
}

func (m *Manager) emit(eventType, actor, taskID string, payload map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Emit(eventType, actor, taskID, payload)
}

// Artifact paths.

func (m *Manager) runPath(id string) string {
	return filepath.Join(m.store.RunsDir(id), "run.json")
}

func (m *Manager) heartbeatPath(id string) string {
	return filepath.Join(m.store.RunsDir(id), "run_heartbeat.json")
}

func (m *Manager) resultPath(id string) string {
	return filepath.Join(m.store.RunsDir(id), "run_result.json")
}

// WriteRunRecord persists run.json atomically.
func (m *Manager) WriteRunRecord(run *types.RunRecord) error {
	return fsutil.WriteJSONAtomic(m.runPath(run.TaskID), run)
}

// ReadRunRecord loads run.json. Missing files return (nil, nil).
func (m *Manager) ReadRunRecord(id string) (*types.RunRecord, error) {
	var run types.RunRecord
	if err := fsutil.ReadJSON(m.runPath(id), &run); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// WriteRunResult persists run_result.json atomically.
func (m *Manager) WriteRunResult(result *types.RunResult) error {
	return fsutil.WriteJSONAtomic(m.resultPath(result.TaskID), result)
}

// ReadRunResult loads run_result.json. Missing files return (nil, nil).
func (m *Manager) ReadRunResult(id string) (*types.RunResult, error) {
	var result types.RunResult
	if err := fsutil.ReadJSON(m.resultPath(id), &result); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

// ReadHeartbeat loads run_heartbeat.json. Missing files return (nil, nil).
func (m *Manager) ReadHeartbeat(id string) (*types.RunHeartbeat, error) {
	var hb types.RunHeartbeat
	if err := fsutil.ReadJSON(m.heartbeatPath(id), &hb); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &hb, nil
}

func (m *Manager) writeHeartbeat(hb *types.RunHeartbeat) error {
	return fsutil.WriteJSONAtomic(m.heartbeatPath(hb.TaskID), hb)
}

// WriteHeartbeat records a beat: lastHeartbeat is set to now, beatCount is
// incremented, and the expiry advances by ttl (the configured heartbeat TTL
// when ttl is zero).
func (m *Manager) WriteHeartbeat(id, agent string, ttl time.Duration) (*types.RunHeartbeat, error) {
	if ttl <= 0 {
		ttl = m.cfg.HeartbeatTTL
	}
	now := m.clock().UTC()
	hb, err := m.ReadHeartbeat(id)
	if err != nil {
		return nil, err
	}
	if hb == nil {
		hb = &types.RunHeartbeat{TaskID: id, AgentID: agent}
	}
	hb.AgentID = agent
	hb.LastHeartbeat = now
	hb.BeatCount++
	hb.ExpiresAt = now.Add(ttl)
	if err := m.writeHeartbeat(hb); err != nil {
		return nil, err
	}
	return hb, nil
}

// Stale pairs an in-progress task with its expired heartbeat and whatever
// run artifacts exist.
type Stale struct {
	Task      *types.Task
	Heartbeat *types.RunHeartbeat
	Run       *types.RunRecord
	Result    *types.RunResult
}

// StaleHeartbeats returns every in-progress task whose heartbeat has
// expired, along with the run artifacts the scheduler needs to resolve it.
// Tasks with no heartbeat at all are not stale; they are covered by lease
// expiry.
func (m *Manager) StaleHeartbeats() ([]Stale, error) {
	now := m.clock().UTC()
	tasks, err := m.store.List(store.Filter{Status: types.StatusInProgress})
	if err != nil {
		return nil, err
	}

	var out []Stale
	for _, task := range tasks {
		hb, err := m.ReadHeartbeat(task.ID)
		if err != nil || hb == nil {
			continue
		}
		if !hb.Expired(now) {
			continue
		}
		run, _ := m.ReadRunRecord(task.ID)
		result, _ := m.ReadRunResult(task.ID)
		out = append(out, Stale{Task: task, Heartbeat: hb, Run: run, Result: result})
	}
	return out, nil
}

// ResumeInfo classifies every in-progress task after a restart: tasks that
// never started (or were cleaned) are resumable, tasks with an expired
// heartbeat are stale, and tasks whose run result already reports done are
// completed.
func (m *Manager) ResumeInfo() ([]types.ResumeInfo, error) {
	now := m.clock().UTC()
	tasks, err := m.store.List(store.Filter{Status: types.StatusInProgress})
	if err != nil {
		return nil, err
	}

	var out []types.ResumeInfo
	for _, task := range tasks {
		run, _ := m.ReadRunRecord(task.ID)
		hb, _ := m.ReadHeartbeat(task.ID)
		result, _ := m.ReadRunResult(task.ID)

		info := types.ResumeInfo{TaskID: task.ID, Run: run, Heartbeat: hb, Result: result}
		switch {
		case run == nil && hb == nil:
			info.State = types.ResumeResumable
		case hb != nil && hb.Expired(now):
			info.State = types.ResumeStale
		case result != nil && result.Outcome == types.OutcomeDone:
			info.State = types.ResumeCompleted
		default:
			info.State = types.ResumeResumable
		}
		out = append(out, info)
	}
	return out, nil
}

// MarkRunFailed flips run.json to failed and stamps the expiry time. Used
// when a stale task is requeued.
func (m *Manager) MarkRunFailed(id string, expiredAt time.Time) error {
	run, err := m.ReadRunRecord(id)
	if err != nil || run == nil {
		return err
	}
	run.Status = types.RunStatusFailed
	t := expiredAt.UTC()
	run.ExpiredAt = &t
	return m.WriteRunRecord(run)
}

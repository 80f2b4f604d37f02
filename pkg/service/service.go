// Package service hosts the orchestrator: it discovers projects under the
// vault root, wires a store, lease manager, scheduler, and protocol router
// per project, serializes all polls through one queue, and owns startup
// reconciliation and drain on shutdown.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfabric/aof/pkg/config"
	"github.com/agentfabric/aof/pkg/deadletter"
	"github.com/agentfabric/aof/pkg/eventlog"
	"github.com/agentfabric/aof/pkg/executor"
	"github.com/agentfabric/aof/pkg/gate"
	"github.com/agentfabric/aof/pkg/lease"
	"github.com/agentfabric/aof/pkg/log"
	"github.com/agentfabric/aof/pkg/metrics"
	"github.com/agentfabric/aof/pkg/notify"
	"github.com/agentfabric/aof/pkg/protocol"
	"github.com/agentfabric/aof/pkg/scheduler"
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

// ErrNoProjects is returned when neither a project root nor a vault root
// with valid projects is available.
var ErrNoProjects = errors.New("no projects to serve")

// projectRuntime bundles every per-project collaborator.
type projectRuntime struct {
	project *config.Project
	store   *store.Store
	events  *eventlog.Logger
	leases  *lease.Manager
	tracker *deadletter.Tracker
	gates   *gate.Engine
	sched   *scheduler.Scheduler
	router  *protocol.Router
}

// Service is the long-running orchestrator host.
type Service struct {
	cfg      config.Service
	exec     executor.Executor
	statedb  *StateDB
	notifier *notify.Engine
	metrics  *metrics.Server
	collect  *metrics.Collector
	watcher  *watcher
	logger   zerolog.Logger
	clock    func() time.Time

	mu       sync.RWMutex
	projects map[string]*projectRuntime

	pollCh chan string
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option customises a Service.
type Option func(*Service)

// WithClock substitutes the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithNotifier substitutes the notification engine.
func WithNotifier(n *notify.Engine) Option {
	return func(s *Service) { s.notifier = n }
}

// New builds a service from config. The executor is injected; everything
// else is constructed here.
func New(cfg config.Service, exec executor.Executor, opts ...Option) (*Service, error) {
	if cfg.VaultRoot == "" && cfg.ProjectRoot == "" {
		return nil, fmt.Errorf("%w: set vault_root or project_root", ErrNoProjects)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = types.DefaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = types.DefaultPollTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = types.DefaultDrainTimeout
	}

	s := &Service{
		cfg:      cfg,
		exec:     exec,
		logger:   log.WithComponent("service"),
		clock:    time.Now,
		projects: make(map[string]*projectRuntime),
		pollCh:   make(chan string, 16),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	stateDir := cfg.ProjectRoot
	if cfg.VaultRoot != "" {
		stateDir = cfg.VaultRoot
	}
	statedb, err := OpenStateDB(filepath.Join(stateDir, "state"))
	if err != nil {
		return nil, err
	}
	s.statedb = statedb

	if s.notifier == nil {
		s.notifier = notify.NewEngine(defaultNotifyRules(), notify.WithDedup(statedb))
		s.notifier.Register(notify.NewLogAdapter("ops"))
	}
	return s, nil
}

// defaultNotifyRules routes operational events to the ops channel.
func defaultNotifyRules() []notify.Rule {
	return []notify.Rule{
		{Name: "failures", EventTypes: []string{"task.deadletter", "dispatch.error", "sla.violation"}, Channels: []string{"ops"}},
		{Name: "lifecycle", EventTypes: []string{"system.*"}, Channels: []string{"ops"}},
	}
}

// Start discovers projects, reconciles orphans, and begins polling.
func (s *Service) Start() error {
	if err := s.discoverProjects(); err != nil {
		return err
	}
	if len(s.projects) == 0 {
		return ErrNoProjects
	}

	s.notifier.Start()

	for _, rt := range s.sortedRuntimes() {
		if err := s.reconcileOrphans(rt); err != nil {
			s.logger.Error().Err(err).Str("project", rt.store.ProjectID()).Msg("orphan reconciliation failed")
		}
	}

	if s.cfg.MetricsAddr != "" {
		s.metrics = metrics.NewServer(s.cfg.MetricsAddr)
		s.metrics.Start()
	}
	s.collect = metrics.NewCollector(s.storesSnapshot)
	s.collect.Start()
	metrics.SchedulerUp.Set(1)

	s.watcher = newWatcher(s)
	if err := s.watcher.start(); err != nil {
		s.logger.Warn().Err(err).Msg("fs watcher unavailable, relying on interval polls")
	}

	s.emitAll("system.startup", map[string]any{
		"projects":     len(s.projects),
		"pollInterval": s.cfg.PollInterval.String(),
		"dryRun":       s.cfg.DryRun,
	})

	go s.run()
	s.TriggerPoll("startup")
	s.logger.Info().Int("projects", len(s.projects)).Dur("interval", s.cfg.PollInterval).Msg("service started")
	return nil
}

// run is the poll loop: one goroutine consumes the timer and every external
// trigger, so at most one poll executes at a time.
func (s *Service) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pollAll("interval")
		case reason := <-s.pollCh:
			s.pollAll(reason)
		case <-s.stopCh:
			return
		}
	}
}

// TriggerPoll enqueues an immediate poll. The queue is bounded; when a poll
// is already pending the trigger coalesces into it.
func (s *Service) TriggerPoll(reason string) {
	select {
	case s.pollCh <- reason:
	default:
	}
}

// pollAll runs one poll per project and aggregates the results.
func (s *Service) pollAll(reason string) *types.PollResult {
	aggregate := &types.PollResult{}
	for _, rt := range s.sortedRuntimes() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PollTimeout)
		result, err := rt.sched.Poll(ctx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("project", rt.store.ProjectID()).Str("trigger", reason).Msg("poll ended early")
		}
		aggregate.Merge(result)

		if _, err := rt.gates.CheckTimeouts(); err != nil {
			s.logger.Error().Err(err).Str("project", rt.store.ProjectID()).Msg("gate timeout sweep failed")
		}
	}
	return aggregate
}

// Stop drains the in-flight poll and shuts everything down. After the drain
// deadline the service gives up waiting; the next start reclaims orphans.
func (s *Service) Stop() {
	s.logger.Info().Dur("drain", s.cfg.DrainTimeout).Msg("stopping")
	s.emitAll("system.shutdown", nil)
	close(s.stopCh)

	select {
	case <-s.doneCh:
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Warn().Msg("drain timeout exceeded, abandoning in-flight poll")
	}

	if s.watcher != nil {
		s.watcher.stop()
	}
	if s.collect != nil {
		s.collect.Stop()
	}
	metrics.SchedulerUp.Set(0)
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metrics.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("metrics server shutdown failed")
		}
		cancel()
	}
	s.notifier.Stop()
	if err := s.statedb.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("state db close failed")
	}
	s.logger.Info().Msg("stopped")
}

// HandleMessage routes an inbound protocol envelope to its project's
// router and then schedules an immediate poll.
func (s *Service) HandleMessage(env *types.Envelope) (*protocol.Result, error) {
	s.mu.RLock()
	rt, ok := s.projects[env.ProjectID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown project %q", env.ProjectID)
	}

	rt.events.Emit("protocol.message.received", env.FromAgent, env.TaskID, map[string]any{
		"type":      env.Type,
		"messageId": env.MessageID,
	})
	result, err := rt.router.Handle(env)
	s.TriggerPoll("message")
	return result, err
}

// HandleSessionEnd reconciles an agent's session across every project and
// schedules a poll.
func (s *Service) HandleSessionEnd(agent string) {
	for _, rt := range s.sortedRuntimes() {
		if _, err := rt.router.HandleSessionEnd(agent); err != nil {
			s.logger.Error().Err(err).Str("agent", agent).Str("project", rt.store.ProjectID()).Msg("session end handling failed")
		}
	}
	s.TriggerPoll("session_end")
}

// HandleAgentEnd is the agent-crash variant of HandleSessionEnd; the
// stale-heartbeat sweep in the next poll picks up whatever the session
// left behind.
func (s *Service) HandleAgentEnd(agent string) {
	s.emitAll("system.recovery", map[string]any{"agent": agent})
	s.HandleSessionEnd(agent)
}

// Project returns the runtime for one project id, used by the CLI surface.
func (s *Service) Project(id string) (*store.Store, *eventlog.Logger, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.projects[id]
	if !ok {
		return nil, nil, false
	}
	return rt.store, rt.events, true
}

// ProjectIDs lists the discovered projects in stable order.
func (s *Service) ProjectIDs() []string {
	ids := make([]string, 0, len(s.projects))
	for _, rt := range s.sortedRuntimes() {
		ids = append(ids, rt.store.ProjectID())
	}
	return ids
}

// discoverProjects loads every project under <vaultRoot>/Projects, or the
// single configured project root. Invalid manifests are skipped with a
// warning, never fatal.
func (s *Service) discoverProjects() error {
	if s.cfg.VaultRoot == "" {
		return s.addProject(s.cfg.ProjectRoot)
	}

	projectsDir := filepath.Join(s.cfg.VaultRoot, "Projects")
	entries, err := os.ReadDir(projectsDir)
	if err != nil {
		return fmt.Errorf("read vault: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		root := filepath.Join(projectsDir, entry.Name())
		if err := s.addProject(root); err != nil {
			s.logger.Warn().Err(err).Str("dir", entry.Name()).Msg("skipping project")
		}
	}
	return nil
}

// addProject wires the full runtime for one project root.
func (s *Service) addProject(root string) error {
	project, err := config.LoadProject(filepath.Join(root, "project.yaml"))
	if err != nil {
		return err
	}

	events, err := eventlog.New(filepath.Join(root, "events"))
	if err != nil {
		return fmt.Errorf("event log: %w", err)
	}
	events.SetOnEvent(s.notifier.HandleEvent)

	st := store.New(root, events, store.WithProjectID(project.ID))
	if err := st.Init(); err != nil {
		return fmt.Errorf("store init: %w", err)
	}

	leases := lease.NewManager(st, events, lease.DefaultConfig())
	tracker := deadletter.NewTracker(st, events)
	gates := gate.NewEngine(st, events, project)
	router := protocol.NewRouter(st, leases, events)

	schedCfg := scheduler.Config{
		MaxConcurrentDispatches: s.cfg.MaxConcurrent,
		DryRun:                  s.cfg.DryRun,
		CascadeBlocks:           s.cfg.CascadeBlocks,
		PollTimeout:             s.cfg.PollTimeout,
	}
	sched := scheduler.New(st, leases, tracker, s.exec, events, project, schedCfg,
		scheduler.WithMurmurState(s.statedb))

	s.mu.Lock()
	s.projects[project.ID] = &projectRuntime{
		project: project,
		store:   st,
		events:  events,
		leases:  leases,
		tracker: tracker,
		gates:   gates,
		sched:   sched,
		router:  router,
	}
	s.mu.Unlock()

	s.logger.Info().Str("project", project.ID).Str("root", root).Msg("project loaded")
	return nil
}

func (s *Service) sortedRuntimes() []*projectRuntime {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.projects))
	for id := range s.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*projectRuntime, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.projects[id])
	}
	return out
}

func (s *Service) storesSnapshot() []*store.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Store, 0, len(s.projects))
	for _, rt := range s.projects {
		out = append(out, rt.store)
	}
	return out
}

func (s *Service) emitAll(eventType string, payload map[string]any) {
	for _, rt := range s.sortedRuntimes() {
		rt.events.Emit(eventType, "system", "", payload)
	}
}

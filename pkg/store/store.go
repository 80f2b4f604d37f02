package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfabric/aof/pkg/eventlog"
	"github.com/agentfabric/aof/pkg/fsutil"
	"github.com/agentfabric/aof/pkg/log"
	"github.com/agentfabric/aof/pkg/taskfile"
	"github.com/agentfabric/aof/pkg/types"
)

// AfterTransition observes every successful status transition. The service
// host uses it to maintain per-team murmur counters.
type AfterTransition func(task *types.Task, from, to types.Status)

// Store owns the on-disk task representation for one project. Task state is
// directory membership under <root>/tasks/<status>/; every mutation is an
// atomic write and transitions are two-phase (rewrite, then rename).
//
// Single-writer discipline: one process mutates a project root at a time.
type Store struct {
	root      string
	projectID string
	events    *eventlog.Logger
	clock     func() time.Time
	logger    zerolog.Logger

	mu              sync.Mutex
	afterTransition AfterTransition
}

// Option customises a Store.
type Option func(*Store)

// WithClock substitutes the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithProjectID pins the owning project id stamped onto created tasks.
func WithProjectID(id string) Option {
	return func(s *Store) { s.projectID = id }
}

// New creates a store rooted at projectRoot. Events may be nil (no emission).
func New(projectRoot string, events *eventlog.Logger, opts ...Option) *Store {
	s := &Store{
		root:   projectRoot,
		events: events,
		clock:  time.Now,
		logger: log.WithComponent("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the project root directory.
func (s *Store) Root() string { return s.root }

// ProjectID returns the owning project id, if configured.
func (s *Store) ProjectID() string { return s.projectID }

// SetAfterTransition installs the transition observer.
func (s *Store) SetAfterTransition(fn AfterTransition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterTransition = fn
}

// Init creates the eight status directories.
func (s *Store) Init() error {
	for _, status := range types.AllStatuses {
		if err := os.MkdirAll(s.statusDir(status), 0o755); err != nil {
			return fmt.Errorf("create status dir %s: %w", status, err)
		}
	}
	return nil
}

func (s *Store) statusDir(status types.Status) string {
	return filepath.Join(s.root, "tasks", string(status))
}

func (s *Store) taskPath(status types.Status, id string) string {
	return filepath.Join(s.statusDir(status), id+".md")
}

// CompanionDir returns the artifact directory that travels with the task.
func (s *Store) CompanionDir(status types.Status, id string) string {
	return filepath.Join(s.statusDir(status), id)
}

// RunsDir returns the run-artifact scratch directory for a task.
func (s *Store) RunsDir(id string) string {
	return filepath.Join(s.root, "state", "runs", id)
}

// Sequence numbers are zero-padded to three digits but may grow past 999
// on a busy day, so the pattern accepts any width.
var idPattern = regexp.MustCompile(`^TASK-(\d{4}-\d{2}-\d{2})-(\d{3,})\.md$`)

// nextID allocates TASK-YYYY-MM-DD-NNN by scanning every status dir for
// today's ids and incrementing the max. Single-writer discipline within one
// process makes this race-free.
func (s *Store) nextID() string {
	today := s.clock().Format("2006-01-02")
	max := 0
	for _, status := range types.AllStatuses {
		entries, err := os.ReadDir(s.statusDir(status))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			m := idPattern.FindStringSubmatch(entry.Name())
			if m == nil || m[1] != today {
				continue
			}
			if n, err := strconv.Atoi(m[2]); err == nil && n > max {
				max = n
			}
		}
	}
	return fmt.Sprintf("TASK-%s-%03d", today, max+1)
}

// CreateOptions parameterize Create.
type CreateOptions struct {
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
	Status    types.Status // optional; defaults to backlog
}

// Create allocates the next task id, writes the file into backlog/, and
// creates the companion inputs/work/outputs/subtasks directories.
func (s *Store) Create(opts CreateOptions) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(opts.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if opts.Priority == "" {
		opts.Priority = types.PriorityNormal
	}
	if !opts.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, opts.Priority)
	}
	status := opts.Status
	if status == "" {
		status = types.StatusBacklog
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	for _, dep := range opts.DependsOn {
		if _, err := s.load(dep); err != nil {
			return nil, fmt.Errorf("%w: dependency %s", ErrNotFound, dep)
		}
	}

	now := s.clock().UTC()
	task := &types.Task{
		ID:               s.nextID(),
		Project:          s.projectID,
		Title:            opts.Title,
		Priority:         opts.Priority,
		Status:           status,
		Routing:          opts.Routing,
		DependsOn:        append([]string(nil), opts.DependsOn...),
		ParentID:         opts.ParentID,
		Metadata:         opts.Metadata,
		SLA:              opts.SLA,
		Gate:             opts.Gate,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastTransitionAt: now,
		CreatedBy:        opts.CreatedBy,
		Body:             opts.Body,
		ContentHash:      taskfile.ContentHash(opts.Body),
	}

	if err := s.write(task); err != nil {
		return nil, err
	}
	for _, sub := range []string{"inputs", "work", "outputs", "subtasks"} {
		dir := filepath.Join(s.CompanionDir(task.Status, task.ID), sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create companion dir: %w", err)
		}
	}

	s.emit("task.created", actorOr(opts.CreatedBy), task.ID, map[string]any{
		"title":    task.Title,
		"priority": string(task.Priority),
		"status":   string(task.Status),
	})
	return task.Clone(), nil
}

// Get returns a task by full id.
func (s *Store) Get(id string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// GetByPrefix resolves a task by full id or unique id prefix.
func (s *Store) GetByPrefix(prefix string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, err := s.load(prefix); err == nil {
		return task.Clone(), nil
	}

	var matches []string
	for _, status := range types.AllStatuses {
		entries, err := os.ReadDir(s.statusDir(status))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := strings.TrimSuffix(entry.Name(), ".md")
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			if strings.HasPrefix(name, prefix) {
				matches = append(matches, name)
			}
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	case 1:
		task, err := s.load(matches[0])
		if err != nil {
			return nil, err
		}
		return task.Clone(), nil
	default:
		sort.Strings(matches)
		return nil, fmt.Errorf("%w: %s matches %s", ErrAmbiguousPrefix, prefix, strings.Join(matches, ", "))
	}
}

// load finds and parses a task by scanning status dirs in fixed order. The
// directory the file lives in is authoritative for status.
func (s *Store) load(id string) (*types.Task, error) {
	for _, status := range types.AllStatuses {
		path := s.taskPath(status, id)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		task, err := taskfile.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		task.Status = status
		return task, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Filter selects tasks from List. Zero fields match everything.
type Filter struct {
	Status types.Status
	Agent  string
	Team   string
}

// List returns tasks matching the filter, sorted by priority rank descending
// then id ascending so dispatch order is deterministic. Malformed files are
// skipped and emit task.validation.failed.
func (s *Store) List(filter Filter) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(filter)
}

func (s *Store) list(filter Filter) ([]*types.Task, error) {
	statuses := types.AllStatuses
	if filter.Status != "" {
		statuses = []types.Status{filter.Status}
	}

	var out []*types.Task
	for _, status := range statuses {
		entries, err := os.ReadDir(s.statusDir(status))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read status dir %s: %w", status, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			path := filepath.Join(s.statusDir(status), entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			task, err := taskfile.Unmarshal(data)
			if err != nil {
				s.logger.Warn().Err(err).Str("file", path).Msg("skipping malformed task file")
				s.emit("task.validation.failed", "store", strings.TrimSuffix(entry.Name(), ".md"), map[string]any{
					"file":  path,
					"error": err.Error(),
				})
				continue
			}
			task.Status = status
			if filter.Agent != "" && task.Routing.Agent != filter.Agent {
				continue
			}
			if filter.Team != "" && task.Routing.Team != filter.Team {
				continue
			}
			out = append(out, task)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CountByStatus returns task counts per status.
func (s *Store) CountByStatus() (map[types.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[types.Status]int, len(types.AllStatuses))
	for _, status := range types.AllStatuses {
		entries, err := os.ReadDir(s.statusDir(status))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		n := 0
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
				n++
			}
		}
		counts[status] = n
	}
	return counts, nil
}

// Save rewrites a task in place at its current status location, refreshing
// UpdatedAt. Used by the lease manager and failure tracker for non-status
// mutations.
func (s *Store) Save(task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task.UpdatedAt = s.clock().UTC()
	return s.write(task)
}

// write marshals and atomically writes the task at its status location.
// Callers hold the mutex.
func (s *Store) write(task *types.Task) error {
	data, err := taskfile.Marshal(task)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.taskPath(task.Status, task.ID), data, 0o644)
}

// emit logs an event when an event logger is wired. Best-effort.
func (s *Store) emit(eventType, actor, taskID string, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Emit(eventType, actor, taskID, payload)
}

func actorOr(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

// Package deadletter tracks per-task dispatch failures and quarantines
// tasks that fail beyond the threshold. Dead-lettered tasks leave the
// dispatch pool entirely until an operator resurrects them.
package deadletter

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfabric/aof/pkg/eventlog"
	"github.com/agentfabric/aof/pkg/log"
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

// ErrNotDeadlettered is returned when resurrecting a task that is not in
// the deadletter status.
var ErrNotDeadlettered = errors.New("task is not dead-lettered")

// Tracker counts dispatch failures and drives deadletter transitions.
type Tracker struct {
	store     *store.Store
	events    *eventlog.Logger
	threshold int
	clock     func() time.Time
	logger    zerolog.Logger
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock substitutes the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// WithThreshold overrides the deadletter threshold (default 3).
func WithThreshold(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.threshold = n
		}
	}
}

// NewTracker creates a failure tracker over the given store.
func NewTracker(st *store.Store, events *eventlog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:     st,
		events:    events,
		threshold: types.DeadletterThreshold,
		clock:     time.Now,
		logger:    log.WithComponent("deadletter"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Threshold returns the configured deadletter threshold.
func (t *Tracker) Threshold() int { return t.threshold }

// TrackDispatchFailure increments the failure counter and records the
// reason and time of the latest failure.
func (t *Tracker) TrackDispatchFailure(id, reason string) (*types.Task, error) {
	task, err := t.store.Get(id)
	if err != nil {
		return nil, err
	}
	task.SetMeta(types.MetaDispatchFailures, task.MetaInt(types.MetaDispatchFailures)+1)
	task.SetMeta(types.MetaLastDispatchFailureReason, reason)
	task.SetMeta(types.MetaLastDispatchFailureAt, t.clock().UTC().UnixMilli())
	if err := t.store.Save(task); err != nil {
		return nil, err
	}
	return task, nil
}

// ShouldTransitionToDeadletter reports whether the task has reached the
// failure threshold.
func (t *Tracker) ShouldTransitionToDeadletter(task *types.Task) bool {
	return task.MetaInt(types.MetaDispatchFailures) >= t.threshold
}

// TransitionToDeadletter quarantines the task and emits task.deadletter
// with the failure count and last reason.
func (t *Tracker) TransitionToDeadletter(id, lastReason string) (*types.Task, error) {
	task, err := t.store.Get(id)
	if err != nil {
		return nil, err
	}
	failureCount := task.MetaInt(types.MetaDispatchFailures)

	task, err = t.store.Transition(id, types.StatusDeadletter, store.WithReason(lastReason))
	if err != nil {
		return nil, err
	}
	t.logger.Warn().Str("task", id).Int("failures", failureCount).Str("reason", lastReason).Msg("task dead-lettered")
	if t.events != nil {
		t.events.Emit("task.deadletter", "system", id, map[string]any{
			"failureCount":      failureCount,
			"lastFailureReason": lastReason,
		})
	}
	return task, nil
}

// ResetDispatchFailures zeroes the counter and clears the last-failure
// fields.
func (t *Tracker) ResetDispatchFailures(id string) (*types.Task, error) {
	task, err := t.store.Get(id)
	if err != nil {
		return nil, err
	}
	task.DeleteMeta(types.MetaDispatchFailures)
	task.DeleteMeta(types.MetaLastDispatchFailureReason)
	task.DeleteMeta(types.MetaLastDispatchFailureAt)
	if err := t.store.Save(task); err != nil {
		return nil, err
	}
	return task, nil
}

// Resurrect returns a dead-lettered task to ready with its failure history
// cleared, attributed to the operator who requested it.
func (t *Tracker) Resurrect(id, user string) (*types.Task, error) {
	task, err := t.store.Get(id)
	if err != nil {
		return nil, err
	}
	if task.Status != types.StatusDeadletter {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDeadlettered, id, task.Status)
	}

	task, err = t.store.Transition(id, types.StatusReady,
		store.WithResurrect(),
		store.WithAgent(user),
		store.WithReason("resurrected"),
		store.WithMutation(func(tk *types.Task) {
			tk.DeleteMeta(types.MetaDispatchFailures)
			tk.DeleteMeta(types.MetaLastDispatchFailureReason)
			tk.DeleteMeta(types.MetaLastDispatchFailureAt)
		}))
	if err != nil {
		return nil, err
	}
	if t.events != nil {
		t.events.Emit("task.resurrected", user, id, map[string]any{
			"resurrectedBy": user,
		})
	}
	return task, nil
}

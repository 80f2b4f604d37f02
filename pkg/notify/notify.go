// Package notify routes domain events to notification channels. A policy is
// a list of rules matching event types (hierarchical, "task.*" style) and
// payload fields; matched events fan out to the adapters registered for the
// rule's channels. A dedup window suppresses repeat sends for transitions
// that get logged twice, once by the store hook and once by a caller.
package notify

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfabric/aof/pkg/log"
	"github.com/agentfabric/aof/pkg/types"
)

// DefaultDedupWindow suppresses duplicate sends within this interval.
const DefaultDedupWindow = 5 * time.Second

// Notification is one message headed to a channel.
type Notification struct {
	Channel   string         `json:"channel"`
	EventType string         `json:"eventType"`
	TaskID    string         `json:"taskId,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Title     string         `json:"title"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Adapter delivers notifications to one channel backend.
type Adapter interface {
	Name() string
	Send(n Notification) error
}

// Rule matches events to channels. EventTypes uses the event log's
// hierarchy convention: "task.*" matches task.created, task.transitioned,
// and so on. Match, when set, requires payload fields to equal the given
// values.
type Rule struct {
	Name       string         `yaml:"name" json:"name"`
	EventTypes []string       `yaml:"eventTypes" json:"eventTypes"`
	Match      map[string]any `yaml:"match,omitempty" json:"match,omitempty"`
	Channels   []string       `yaml:"channels" json:"channels"`
}

// Dedup decides whether a notification key was already sent inside the
// window. Implementations must be safe for concurrent use.
type Dedup interface {
	// Seen records the key and reports whether it was already recorded
	// within the window before this call.
	Seen(key string, now time.Time, window time.Duration) bool
}

// Engine applies the notification policy. Events arrive through
// HandleEvent, normally wired into the event logger's observer callback,
// and are processed by a single goroutine so adapters never see
// concurrent sends.
type Engine struct {
	rules    []Rule
	window   time.Duration
	dedup    Dedup
	clock    func() time.Time
	logger   zerolog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter

	eventCh chan *types.Event
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option customises an Engine.
type Option func(*Engine)

// WithDedupWindow overrides the duplicate-suppression interval.
func WithDedupWindow(d time.Duration) Option {
	return func(e *Engine) { e.window = d }
}

// WithDedup substitutes the dedup store, e.g. a bolt-backed one that
// survives restarts.
func WithDedup(d Dedup) Option {
	return func(e *Engine) { e.dedup = d }
}

// WithClock substitutes the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine builds a policy engine over the given rules.
func NewEngine(rules []Rule, opts ...Option) *Engine {
	e := &Engine{
		rules:    rules,
		window:   DefaultDedupWindow,
		clock:    time.Now,
		logger:   log.WithComponent("notify"),
		adapters: make(map[string]Adapter),
		eventCh:  make(chan *types.Event, 100),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dedup == nil {
		e.dedup = NewMemoryDedup()
	}
	return e
}

// Register attaches an adapter; its Name() is the channel it serves.
func (e *Engine) Register(a Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[a.Name()] = a
}

// Start begins the dispatch loop.
func (e *Engine) Start() {
	go e.run()
}

// Stop drains the queue and stops the loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// HandleEvent is the single ingress. It never blocks the caller: when the
// queue is full the event is dropped with a warning, since notification
// delivery is best-effort.
func (e *Engine) HandleEvent(event *types.Event) {
	select {
	case e.eventCh <- event:
	default:
		e.logger.Warn().Str("type", event.Type).Msg("notification queue full, dropping event")
	}
}

func (e *Engine) run() {
	defer close(e.doneCh)
	for {
		select {
		case event := <-e.eventCh:
			e.process(event)
		case <-e.stopCh:
			for {
				select {
				case event := <-e.eventCh:
					e.process(event)
				default:
					return
				}
			}
		}
	}
}

// process matches one event against every rule and sends to each matched
// channel at most once.
func (e *Engine) process(event *types.Event) {
	channels := make(map[string]Rule)
	for _, rule := range e.rules {
		if !rule.matches(event) {
			continue
		}
		for _, ch := range rule.Channels {
			if _, dup := channels[ch]; !dup {
				channels[ch] = rule
			}
		}
	}
	if len(channels) == 0 {
		return
	}

	now := e.clock()
	names := make([]string, 0, len(channels))
	for ch := range channels {
		names = append(names, ch)
	}
	sort.Strings(names)

	for _, ch := range names {
		key := dedupKey(ch, event)
		if e.dedup.Seen(key, now, e.window) {
			e.logger.Debug().Str("channel", ch).Str("type", event.Type).Str("task", event.TaskID).Msg("duplicate suppressed")
			continue
		}
		e.send(ch, channels[ch], event)
	}
}

func (e *Engine) send(channel string, rule Rule, event *types.Event) {
	e.mu.RLock()
	adapter, ok := e.adapters[channel]
	e.mu.RUnlock()
	if !ok {
		e.logger.Warn().Str("channel", channel).Str("rule", rule.Name).Msg("no adapter for channel")
		return
	}

	n := Notification{
		Channel:   channel,
		EventType: event.Type,
		TaskID:    event.TaskID,
		Actor:     event.Actor,
		Title:     title(event),
		Payload:   event.Payload,
		Timestamp: event.Timestamp,
	}
	if err := adapter.Send(n); err != nil {
		e.logger.Error().Err(err).Str("channel", channel).Str("type", event.Type).Msg("notification send failed")
	}
}

func (r Rule) matches(event *types.Event) bool {
	matched := false
	for _, pattern := range r.EventTypes {
		if matchType(pattern, event.Type) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for key, want := range r.Match {
		got, ok := event.Payload[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// matchType supports exact names and a trailing ".*" hierarchy wildcard.
func matchType(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func dedupKey(channel string, event *types.Event) string {
	return channel + "|" + event.Type + "|" + event.TaskID
}

func title(event *types.Event) string {
	if event.TaskID != "" {
		return fmt.Sprintf("%s %s", event.Type, event.TaskID)
	}
	return event.Type
}

// MemoryDedup is the in-process dedup store; entries older than the window
// are pruned opportunistically.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDedup creates an empty in-memory dedup store.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]time.Time)}
}

// Seen implements Dedup.
func (d *MemoryDedup) Seen(key string, now time.Time, window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, at := range d.seen {
		if now.Sub(at) > window {
			delete(d.seen, k)
		}
	}
	if at, ok := d.seen[key]; ok && now.Sub(at) <= window {
		return true
	}
	d.seen[key] = now
	return false
}

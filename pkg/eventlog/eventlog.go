// Package eventlog implements the append-only JSONL event stream.
//
// One file per day named YYYY-MM-DD.jsonl lives under the events directory;
// an events.jsonl symlink always points at the current day's file and is
// swapped atomically on rollover. Event IDs are a process-local counter, so
// downstream consumers key by (timestamp, eventId).
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfabric/aof/pkg/fsutil"
	"github.com/agentfabric/aof/pkg/log"
	"github.com/agentfabric/aof/pkg/types"
)

const currentLink = "events.jsonl"

// OnEvent observes every event after it is appended. Wired by the service
// host into the notification policy engine.
type OnEvent func(*types.Event)

// Logger appends events to the daily JSONL stream.
type Logger struct {
	dir     string
	mu      sync.Mutex
	counter int64
	onEvent OnEvent
	clock   func() time.Time
	logger  zerolog.Logger
}

// Option customises a Logger.
type Option func(*Logger)

// WithClock substitutes the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Logger) { l.clock = clock }
}

// New creates an event logger rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	l := &Logger{
		dir:    dir,
		clock:  time.Now,
		logger: log.WithComponent("eventlog"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// SetOnEvent installs the post-append observer.
func (l *Logger) SetOnEvent(fn OnEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEvent = fn
}

// Dir returns the events directory.
func (l *Logger) Dir() string {
	return l.dir
}

// Emit appends an event and returns it. Appending is best-effort: failures
// are logged but never surface to the caller, so a broken event stream can
// not block a store mutation.
func (l *Logger) Emit(eventType, actor, taskID string, payload map[string]any) *types.Event {
	l.mu.Lock()
	l.counter++
	ev := &types.Event{
		EventID:   l.counter,
		Type:      eventType,
		Timestamp: l.clock().UTC(),
		Actor:     actor,
		TaskID:    taskID,
		Payload:   payload,
	}
	if err := l.append(ev); err != nil {
		l.logger.Error().Err(err).Str("type", eventType).Msg("event append failed")
	}
	observer := l.onEvent
	l.mu.Unlock()

	if observer != nil {
		observer(ev)
	}
	return ev
}

// append writes one line and refreshes the current-day symlink. Callers hold
// the mutex.
func (l *Logger) append(ev *types.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	name := ev.Timestamp.Format("2006-01-02") + ".jsonl"
	path := filepath.Join(l.dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open day file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append event: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close day file: %w", err)
	}

	// Symlink failure is non-fatal: the day file itself is the record.
	linkPath := filepath.Join(l.dir, currentLink)
	if target, err := os.Readlink(linkPath); err != nil || target != name {
		if err := fsutil.ReplaceSymlink(name, linkPath); err != nil {
			l.logger.Warn().Err(err).Msg("current-day symlink update failed")
		}
	}
	return nil
}

// Filter selects events from Query. Zero fields match everything; Type
// matches exactly or as a "prefix.*" hierarchy pattern.
type Filter struct {
	Type   string
	TaskID string
	Actor  string
}

func (f Filter) matches(ev *types.Event) bool {
	if f.Type != "" {
		if prefix, ok := strings.CutSuffix(f.Type, ".*"); ok {
			if ev.Type != prefix && !strings.HasPrefix(ev.Type, prefix+".") {
				return false
			}
		} else if ev.Type != f.Type {
			return false
		}
	}
	if f.TaskID != "" && ev.TaskID != f.TaskID {
		return false
	}
	if f.Actor != "" && ev.Actor != f.Actor {
		return false
	}
	return true
}

// Query scans every per-day file (skipping the symlink) in filename order
// and returns matching events. Unparseable lines are skipped.
func (l *Logger) Query(filter Filter) ([]types.Event, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read events dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink != 0 {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".jsonl") || entry.Name() == currentLink {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var out []types.Event
	for _, name := range names {
		f, err := os.Open(filepath.Join(l.dir, name))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var ev types.Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				continue
			}
			if filter.matches(&ev) {
				out = append(out, ev)
			}
		}
		f.Close()
	}
	return out, nil
}

package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentfabric/aof/pkg/log"
)

// LogAdapter writes notifications to the structured log. It is the default
// production channel: operators tail the service log or ship it onward.
type LogAdapter struct {
	channel string
	logger  zerolog.Logger
}

// NewLogAdapter creates a log-backed adapter serving the named channel.
func NewLogAdapter(channel string) *LogAdapter {
	return &LogAdapter{
		channel: channel,
		logger:  log.WithComponent("notify"),
	}
}

// Name implements Adapter.
func (a *LogAdapter) Name() string { return a.channel }

// Send implements Adapter.
func (a *LogAdapter) Send(n Notification) error {
	a.logger.Info().
		Str("channel", n.Channel).
		Str("type", n.EventType).
		Str("task", n.TaskID).
		Str("actor", n.Actor).
		Msg(n.Title)
	return nil
}

// MockNotificationAdapter records every send for inspection by tests.
type MockNotificationAdapter struct {
	channel string

	mu    sync.Mutex
	sends []Notification
	// Err, when set, is returned from every Send.
	Err error
}

// NewMockAdapter creates a recording adapter for the named channel.
func NewMockAdapter(channel string) *MockNotificationAdapter {
	return &MockNotificationAdapter{channel: channel}
}

// Name implements Adapter.
func (a *MockNotificationAdapter) Name() string { return a.channel }

// Send implements Adapter.
func (a *MockNotificationAdapter) Send(n Notification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	a.sends = append(a.sends, n)
	return nil
}

// Sends returns a copy of everything sent so far.
func (a *MockNotificationAdapter) Sends() []Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Notification(nil), a.sends...)
}

// Reset clears the recorded sends.
func (a *MockNotificationAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = nil
}

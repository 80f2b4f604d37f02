package notify

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/aof/pkg/types"
)

func event(eventType, taskID string, payload map[string]any) *types.Event {
	return &types.Event{
		Type:      eventType,
		TaskID:    taskID,
		Actor:     "system",
		Timestamp: time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC),
		Payload:   payload,
	}
}

func TestRuleMatching(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		ev   *types.Event
		want bool
	}{
		{
			name: "exact type",
			rule: Rule{EventTypes: []string{"task.deadletter"}},
			ev:   event("task.deadletter", "T1", nil),
			want: true,
		},
		{
			name: "hierarchy wildcard",
			rule: Rule{EventTypes: []string{"task.*"}},
			ev:   event("task.transitioned", "T1", nil),
			want: true,
		},
		{
			name: "wildcard does not cross prefixes",
			rule: Rule{EventTypes: []string{"task.*"}},
			ev:   event("lease.expired", "T1", nil),
			want: false,
		},
		{
			name: "star matches everything",
			rule: Rule{EventTypes: []string{"*"}},
			ev:   event("sla.violation", "T1", nil),
			want: true,
		},
		{
			name: "payload match required",
			rule: Rule{EventTypes: []string{"task.*"}, Match: map[string]any{"to": "deadletter"}},
			ev:   event("task.transitioned", "T1", map[string]any{"to": "ready"}),
			want: false,
		},
		{
			name: "payload match satisfied",
			rule: Rule{EventTypes: []string{"task.*"}, Match: map[string]any{"to": "deadletter"}},
			ev:   event("task.transitioned", "T1", map[string]any{"to": "deadletter"}),
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.matches(tt.ev))
		})
	}
}

func TestProcessFanout(t *testing.T) {
	rules := []Rule{
		{Name: "failures", EventTypes: []string{"task.deadletter", "sla.violation"}, Channels: []string{"ops"}},
		{Name: "audit", EventTypes: []string{"*"}, Channels: []string{"audit"}},
	}
	e := NewEngine(rules)
	ops := NewMockAdapter("ops")
	audit := NewMockAdapter("audit")
	e.Register(ops)
	e.Register(audit)

	e.process(event("task.deadletter", "T1", map[string]any{"failureCount": 3}))
	e.process(event("task.created", "T2", nil))

	opsSends := ops.Sends()
	require.Len(t, opsSends, 1)
	assert.Equal(t, "task.deadletter", opsSends[0].EventType)
	assert.Equal(t, "task.deadletter T1", opsSends[0].Title)
	assert.Len(t, audit.Sends(), 2)
}

func TestProcessDedup(t *testing.T) {
	now := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)
	e := NewEngine(
		[]Rule{{Name: "all", EventTypes: []string{"task.*"}, Channels: []string{"ops"}}},
		WithDedupWindow(5*time.Second),
		WithClock(func() time.Time { return now }),
	)
	mock := NewMockAdapter("ops")
	e.Register(mock)

	e.process(event("task.transitioned", "T1", nil))
	e.process(event("task.transitioned", "T1", nil))
	assert.Len(t, mock.Sends(), 1, "repeat inside the window is suppressed")

	// Different task or type escapes the dedup key.
	e.process(event("task.transitioned", "T2", nil))
	e.process(event("task.created", "T1", nil))
	assert.Len(t, mock.Sends(), 3)

	now = now.Add(6 * time.Second)
	e.process(event("task.transitioned", "T1", nil))
	assert.Len(t, mock.Sends(), 4, "window expiry admits the repeat")
}

func TestProcessMissingAdapter(t *testing.T) {
	e := NewEngine([]Rule{{Name: "r", EventTypes: []string{"*"}, Channels: []string{"ghost"}}})
	// Must not panic without a registered adapter.
	e.process(event("task.created", "T1", nil))
}

func TestSendErrorsAreSwallowed(t *testing.T) {
	e := NewEngine([]Rule{{Name: "r", EventTypes: []string{"*"}, Channels: []string{"ops"}}})
	mock := NewMockAdapter("ops")
	mock.Err = errors.New("backend down")
	e.Register(mock)

	e.process(event("task.created", "T1", nil))
	assert.Empty(t, mock.Sends())
}

func TestStartStopDrains(t *testing.T) {
	e := NewEngine([]Rule{{Name: "r", EventTypes: []string{"*"}, Channels: []string{"ops"}}})
	mock := NewMockAdapter("ops")
	e.Register(mock)

	e.Start()
	for i := 0; i < 10; i++ {
		e.HandleEvent(event("task.created", "T"+string(rune('0'+i)), nil))
	}
	e.Stop()

	assert.Len(t, mock.Sends(), 10)
}

func TestMemoryDedupPrunes(t *testing.T) {
	d := NewMemoryDedup()
	now := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)

	assert.False(t, d.Seen("k", now, time.Second))
	assert.True(t, d.Seen("k", now.Add(500*time.Millisecond), time.Second))
	assert.False(t, d.Seen("k", now.Add(3*time.Second), time.Second))
}

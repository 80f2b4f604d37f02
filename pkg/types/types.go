package types

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a task. The status directory a
// task file lives in is authoritative; the frontmatter copy must agree.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
	StatusDeadletter Status = "deadletter"
)

// AllStatuses lists every status in the fixed scan order used by the store.
var AllStatuses = []Status{
	StatusBacklog,
	StatusReady,
	StatusInProgress,
	StatusBlocked,
	StatusReview,
	StatusDone,
	StatusCancelled,
	StatusDeadletter,
}

// IsTerminal reports whether the status admits no further editing.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Priority orders tasks within the dispatch queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns a sortable weight, higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Routing describes where a task should be dispatched.
type Routing struct {
	Role  string   `yaml:"role,omitempty" json:"role,omitempty"`
	Team  string   `yaml:"team,omitempty" json:"team,omitempty"`
	Agent string   `yaml:"agent,omitempty" json:"agent,omitempty"`
	Tags  []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Lease is the exclusive, TTL-bound ownership token for a task. At most one
// non-expired lease exists per task; only the leaseholder may mutate it.
type Lease struct {
	Agent      string    `yaml:"agent" json:"agent"`
	AcquiredAt time.Time `yaml:"acquiredAt" json:"acquiredAt"`
	ExpiresAt  time.Time `yaml:"expiresAt" json:"expiresAt"`
	RenewCount int       `yaml:"renewCount" json:"renewCount"`
}

// Expired reports whether the lease TTL has elapsed at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// SLAViolationAction selects what the scheduler does when a task overruns
// its in-progress SLA.
type SLAViolationAction string

const (
	SLAActionAlert      SLAViolationAction = "alert"
	SLAActionBlock      SLAViolationAction = "block"
	SLAActionDeadletter SLAViolationAction = "deadletter"
)

// SLA bounds how long a task may sit in-progress before the checker reacts.
type SLA struct {
	MaxInProgressMs int64              `yaml:"maxInProgressMs" json:"maxInProgressMs"`
	OnViolation     SLAViolationAction `yaml:"onViolation,omitempty" json:"onViolation,omitempty"`
}

// GateState points a task into its workflow definition.
type GateState struct {
	Workflow  string    `yaml:"workflow" json:"workflow"`
	Current   string    `yaml:"current" json:"current"`
	EnteredAt time.Time `yaml:"enteredAt" json:"enteredAt"`
}

// GateHistoryEntry records one completed (or skipped) gate.
type GateHistoryEntry struct {
	Gate       string    `yaml:"gate" json:"gate"`
	Role       string    `yaml:"role,omitempty" json:"role,omitempty"`
	Agent      string    `yaml:"agent,omitempty" json:"agent,omitempty"`
	Entered    time.Time `yaml:"entered" json:"entered"`
	Exited     time.Time `yaml:"exited" json:"exited"`
	Outcome    string    `yaml:"outcome" json:"outcome"`
	DurationMs int64     `yaml:"durationMs" json:"durationMs"`
	Summary    string    `yaml:"summary,omitempty" json:"summary,omitempty"`
	Skipped    bool      `yaml:"skipped,omitempty" json:"skipped,omitempty"`
}

// ReviewContext carries rejection details back to an earlier gate.
type ReviewContext struct {
	FromGate  string    `yaml:"fromGate" json:"fromGate"`
	FromRole  string    `yaml:"fromRole,omitempty" json:"fromRole,omitempty"`
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
	Blockers  []string  `yaml:"blockers,omitempty" json:"blockers,omitempty"`
	Notes     string    `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Reserved metadata keys. Metadata is an open map; these keys have engine
// semantics and are managed by the failure tracker, store, and tools layer.
const (
	MetaDispatchFailures          = "dispatchFailures"
	MetaLastDispatchFailureReason = "lastDispatchFailureReason"
	MetaLastDispatchFailureAt     = "lastDispatchFailureAt"
	MetaBlockReason               = "blockReason"
	MetaCancellationReason        = "cancellationReason"
	MetaRetryCount                = "retryCount"
	MetaKind                      = "kind"
	MetaReviewRequired            = "reviewRequired"
	MetaTeam                      = "team"
)

// KindOrchestrationReview marks murmur review tasks.
const KindOrchestrationReview = "orchestration_review"

// Task is the canonical task record. Exactly one file per task lives at
// <projectRoot>/tasks/<status>/<id>.md; the body rides below the frontmatter.
type Task struct {
	ID       string   `yaml:"id" json:"id"`
	Project  string   `yaml:"project,omitempty" json:"project,omitempty"`
	Title    string   `yaml:"title" json:"title"`
	Priority Priority `yaml:"priority" json:"priority"`
	Status   Status   `yaml:"status" json:"status"`

	Routing   Routing  `yaml:"routing,omitempty" json:"routing,omitempty"`
	DependsOn []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	ParentID  string   `yaml:"parentId,omitempty" json:"parentId,omitempty"`

	Lease    *Lease         `yaml:"lease,omitempty" json:"lease,omitempty"`
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	SLA      *SLA           `yaml:"sla,omitempty" json:"sla,omitempty"`

	Gate          *GateState         `yaml:"gate,omitempty" json:"gate,omitempty"`
	GateHistory   []GateHistoryEntry `yaml:"gateHistory,omitempty" json:"gateHistory,omitempty"`
	ReviewContext *ReviewContext     `yaml:"reviewContext,omitempty" json:"reviewContext,omitempty"`

	CreatedAt        time.Time `yaml:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time `yaml:"updatedAt" json:"updatedAt"`
	LastTransitionAt time.Time `yaml:"lastTransitionAt" json:"lastTransitionAt"`
	CreatedBy        string    `yaml:"createdBy,omitempty" json:"createdBy,omitempty"`
	ContentHash      string    `yaml:"contentHash,omitempty" json:"contentHash,omitempty"`

	// Body is the freeform markdown below the frontmatter fence. Never
	// serialized into the frontmatter itself.
	Body string `yaml:"-" json:"-"`
}

// MetaString reads a metadata value as a string.
func (t *Task) MetaString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	if v, ok := t.Metadata[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// MetaInt reads a metadata value as an int, tolerating the numeric types
// YAML and JSON decoders produce.
func (t *Task) MetaInt(key string) int {
	if t.Metadata == nil {
		return 0
	}
	switch v := t.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case uint64:
		return int(v)
	default:
		return 0
	}
}

// MetaBool reads a metadata value as a bool. Missing keys return fallback.
func (t *Task) MetaBool(key string, fallback bool) bool {
	if t.Metadata == nil {
		return fallback
	}
	if v, ok := t.Metadata[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// SetMeta writes a metadata value, allocating the map on first use.
func (t *Task) SetMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

// DeleteMeta removes a metadata key if present.
func (t *Task) DeleteMeta(key string) {
	if t.Metadata != nil {
		delete(t.Metadata, key)
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	out := *t
	if t.Lease != nil {
		l := *t.Lease
		out.Lease = &l
	}
	if t.SLA != nil {
		s := *t.SLA
		out.SLA = &s
	}
	if t.Gate != nil {
		g := *t.Gate
		out.Gate = &g
	}
	if t.ReviewContext != nil {
		rc := *t.ReviewContext
		rc.Blockers = append([]string(nil), t.ReviewContext.Blockers...)
		out.ReviewContext = &rc
	}
	out.DependsOn = append([]string(nil), t.DependsOn...)
	out.GateHistory = append([]GateHistoryEntry(nil), t.GateHistory...)
	out.Routing.Tags = append([]string(nil), t.Routing.Tags...)
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// RunStatus is the lifecycle of a run artifact.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Outcome is the agent-reported result of working a task.
type Outcome string

const (
	OutcomeDone        Outcome = "done"
	OutcomePartial     Outcome = "partial"
	OutcomeNeedsReview Outcome = "needs_review"
	OutcomeBlocked     Outcome = "blocked"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeDone, OutcomePartial, OutcomeNeedsReview, OutcomeBlocked:
		return true
	default:
		return false
	}
}

// RunRecord is the per-task run.json crash-recovery artifact.
type RunRecord struct {
	TaskID        string            `json:"taskId"`
	AgentID       string            `json:"agentId"`
	SessionID     string            `json:"sessionId,omitempty"`
	StartedAt     time.Time         `json:"startedAt"`
	Status        RunStatus         `json:"status"`
	ExpiredAt     *time.Time        `json:"expiredAt,omitempty"`
	ArtifactPaths []string          `json:"artifactPaths,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RunHeartbeat is the per-task run_heartbeat.json artifact.
type RunHeartbeat struct {
	TaskID        string    `json:"taskId"`
	AgentID       string    `json:"agentId"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	BeatCount     int       `json:"beatCount"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Expired reports whether the heartbeat TTL has elapsed.
func (h *RunHeartbeat) Expired(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}

// TestCounts summarizes the tests an agent ran.
type TestCounts struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// RunResult is the per-task run_result.json artifact written on completion.
type RunResult struct {
	TaskID       string     `json:"taskId"`
	AgentID      string     `json:"agentId"`
	Outcome      Outcome    `json:"outcome"`
	SummaryRef   string     `json:"summaryRef,omitempty"`
	HandoffRef   string     `json:"handoffRef,omitempty"`
	Deliverables []string   `json:"deliverables,omitempty"`
	Tests        TestCounts `json:"tests"`
	Blockers     []string   `json:"blockers,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

// ResumeState classifies an in-progress task after a scheduler restart.
type ResumeState string

const (
	ResumeResumable ResumeState = "resumable"
	ResumeStale     ResumeState = "stale"
	ResumeCompleted ResumeState = "completed"
)

// ResumeInfo is the crash-recovery verdict for one task.
type ResumeInfo struct {
	TaskID    string        `json:"taskId"`
	State     ResumeState   `json:"state"`
	Run       *RunRecord    `json:"run,omitempty"`
	Heartbeat *RunHeartbeat `json:"heartbeat,omitempty"`
	Result    *RunResult    `json:"result,omitempty"`
}

// Event is one line of the append-only JSONL event log. EventID restarts at
// 1 per process; consumers key by (timestamp, eventId).
type Event struct {
	EventID   int64          `json:"eventId"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	TaskID    string         `json:"taskId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ActionType enumerates what a poll cycle planned or executed.
type ActionType string

const (
	ActionAssign         ActionType = "assign"
	ActionReclaim        ActionType = "reclaim"
	ActionStaleHeartbeat ActionType = "stale_heartbeat"
	ActionSLAViolation   ActionType = "sla_violation"
	ActionAlert          ActionType = "alert"
	ActionCascadeBlock   ActionType = "cascade_block"
)

// Action is one planned or executed scheduler decision.
type Action struct {
	Type    ActionType `json:"type"`
	TaskID  string     `json:"taskId"`
	Agent   string     `json:"agent,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Success bool       `json:"success"`
	Error   string     `json:"error,omitempty"`
}

// PollStats snapshots the store at the top of a poll cycle.
type PollStats struct {
	ByStatus   map[Status]int `json:"byStatus"`
	Ready      int            `json:"ready"`
	InProgress int            `json:"inProgress"`
}

// PollResult is the outcome of one scheduler poll cycle. Multi-project polls
// aggregate per-project results by summing stats and concatenating actions.
type PollResult struct {
	Stats           PollStats `json:"stats"`
	Actions         []Action  `json:"actions"`
	ActionsPlanned  int       `json:"actionsPlanned"`
	ActionsExecuted int       `json:"actionsExecuted"`
	ActionsFailed   int       `json:"actionsFailed"`
	DryRun          bool      `json:"dryRun"`
}

// Merge folds another poll result into this one.
func (r *PollResult) Merge(other *PollResult) {
	if other == nil {
		return
	}
	if r.Stats.ByStatus == nil {
		r.Stats.ByStatus = make(map[Status]int)
	}
	for s, n := range other.Stats.ByStatus {
		r.Stats.ByStatus[s] += n
	}
	r.Stats.Ready += other.Stats.Ready
	r.Stats.InProgress += other.Stats.InProgress
	r.Actions = append(r.Actions, other.Actions...)
	r.ActionsPlanned += other.ActionsPlanned
	r.ActionsExecuted += other.ActionsExecuted
	r.ActionsFailed += other.ActionsFailed
	r.DryRun = r.DryRun || other.DryRun
}

// Envelope is the inbound agent protocol message.
type Envelope struct {
	Protocol  string          `json:"protocol"`
	Version   int             `json:"version"`
	MessageID string          `json:"messageId,omitempty"`
	ProjectID string          `json:"projectId"`
	Type      string          `json:"type"`
	TaskID    string          `json:"taskId,omitempty"`
	FromAgent string          `json:"fromAgent"`
	ToAgent   string          `json:"toAgent,omitempty"`
	SentAt    time.Time       `json:"sentAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Protocol message types.
const (
	MsgCompletionReport = "completion.report"
	MsgStatusUpdate     = "status.update"
	MsgSessionEnd       = "session_end"
)

// Engine defaults (spec'd constants).
const (
	DefaultLeaseTTL            = 10 * time.Minute
	DefaultHeartbeatTTL        = 5 * time.Minute
	DefaultMaxRenewals         = 3
	DefaultMaxConcurrent       = 3
	DeadletterThreshold        = 3
	DefaultDrainTimeout        = 10 * time.Second
	DefaultPollInterval        = 30 * time.Second
	DefaultPollTimeout         = 30 * time.Second
	DefaultSLAMaxInProgress    = time.Hour
	DefaultSLAAlertCooldown    = time.Hour
	DefaultGateEvalTimeout     = 100 * time.Millisecond
	DefaultExecutorSpawnTimeout = 30 * time.Second
)

package runloop

import (
	"time"

	"github.com/google/uuid"
)

// TaskPriority orders dispatch within the immediate queue. Higher values
// dispatch first; ties break by earlier CreatedAt.
type TaskPriority uint8

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PrioritySystem
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PrioritySystem:
		return "system"
	default:
		return "unknown"
	}
}

// TaskSource identifies the kind of producer that created a task.
type TaskSource struct {
	kind   taskSourceKind
	custom string
}

type taskSourceKind int

const (
	SourceUser taskSourceKind = iota
	SourceScheduler
	SourceFileWatcher
	SourceWebhook
	SourceWebSocket
	SourceAgent
	SourceSystem
	SourceTimer
	sourceCustom
)

var (
	TaskSourceUser        = TaskSource{kind: SourceUser}
	TaskSourceScheduler   = TaskSource{kind: SourceScheduler}
	TaskSourceFileWatcher = TaskSource{kind: SourceFileWatcher}
	TaskSourceWebhook     = TaskSource{kind: SourceWebhook}
	TaskSourceWebSocket   = TaskSource{kind: SourceWebSocket}
	TaskSourceAgent       = TaskSource{kind: SourceAgent}
	TaskSourceSystem      = TaskSource{kind: SourceSystem}
	TaskSourceTimer       = TaskSource{kind: SourceTimer}
)

// CustomTaskSource builds a TaskSource carrying a caller-defined name.
func CustomTaskSource(name string) TaskSource {
	return TaskSource{kind: sourceCustom, custom: name}
}

func (s TaskSource) String() string {
	switch s.kind {
	case SourceUser:
		return "user"
	case SourceScheduler:
		return "scheduler"
	case SourceFileWatcher:
		return "file_watcher"
	case SourceWebhook:
		return "webhook"
	case SourceWebSocket:
		return "websocket"
	case SourceAgent:
		return "agent"
	case SourceSystem:
		return "system"
	case SourceTimer:
		return "timer"
	case sourceCustom:
		return s.custom
	default:
		return "unknown"
	}
}

// ReplyAddress routes a completed response back to its originating channel.
type ReplyAddress struct {
	ChannelID string
	Target    string
	ThreadID  string // optional
}

// Task is the unit of work carried through the RunLoop.
type Task struct {
	ID            string
	TaskType      string
	Payload       any
	Priority      TaskPriority
	Source        TaskSource
	CreatedAt     time.Time
	ScheduledAt   *time.Time
	CorrelationID string
	ParentID      string
	Metadata      map[string]any
	RetryCount    int
	MaxRetries    int
	ReplyTo       *ReplyAddress
}

const defaultMaxRetries = 3

// NewTask constructs a Task with a fresh id, CreatedAt = now, Normal
// priority, and the default retry budget.
func NewTask(taskType string, payload any) *Task {
	return &Task{
		ID:         uuid.NewString(),
		TaskType:   taskType,
		Payload:    payload,
		Priority:   PriorityNormal,
		Source:     TaskSourceUser,
		CreatedAt:  time.Now(),
		Metadata:   make(map[string]any),
		MaxRetries: defaultMaxRetries,
	}
}

func (t *Task) WithPriority(p TaskPriority) *Task {
	t.Priority = p
	return t
}

func (t *Task) WithSource(s TaskSource) *Task {
	t.Source = s
	return t
}

func (t *Task) WithScheduledAt(at time.Time) *Task {
	t.ScheduledAt = &at
	return t
}

func (t *Task) WithCorrelationID(id string) *Task {
	t.CorrelationID = id
	return t
}

func (t *Task) WithParent(id string) *Task {
	t.ParentID = id
	return t
}

func (t *Task) WithMetadata(key string, value any) *Task {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
	return t
}

func (t *Task) WithMaxRetries(max int) *Task {
	t.MaxRetries = max
	return t
}

func (t *Task) WithReplyTo(addr ReplyAddress) *Task {
	t.ReplyTo = &addr
	return t
}

// IsReady reports whether the task is due: ScheduledAt absent or elapsed.
func (t *Task) IsReady() bool {
	return t.ScheduledAt == nil || !t.ScheduledAt.After(time.Now())
}

// CanRetry reports whether the task has retry budget remaining.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// IncrementRetry bumps the retry counter.
func (t *Task) IncrementRetry() {
	t.RetryCount++
}

// EnsureCorrelationID returns the existing correlation id, assigning a
// fresh one idempotently if absent.
func (t *Task) EnsureCorrelationID() string {
	if t.CorrelationID == "" {
		t.CorrelationID = uuid.NewString()
	}
	return t.CorrelationID
}

// Clone returns a shallow copy suitable for re-enqueue after mutation of
// RetryCount/ScheduledAt (the caller is expected to set those fields).
func (t *Task) Clone() *Task {
	clone := *t
	if t.ScheduledAt != nil {
		at := *t.ScheduledAt
		clone.ScheduledAt = &at
	}
	if t.ReplyTo != nil {
		addr := *t.ReplyTo
		clone.ReplyTo = &addr
	}
	clone.Metadata = make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}

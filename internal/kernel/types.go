// Package kernel is a deterministic, cooperative task runtime. A Scheduler
// owns the ready queues and timers and only advances when ticked; the Kernel
// layers scopes, tasks, limiters and streams on top of it.
package kernel

import (
	"errors"

	"alexrt/internal/cancel"
	"alexrt/internal/limiter"
)

// Priority orders ready work. Higher priorities always drain first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) index() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func (p Priority) orDefault() Priority {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p
	default:
		return PriorityNormal
	}
}

// FailurePolicy decides what a task error does to its scope.
type FailurePolicy string

const (
	PolicyIsolate  FailurePolicy = "isolate"
	PolicyFailFast FailurePolicy = "fail-fast"
	PolicyEscalate FailurePolicy = "escalate"
)

// TaskState is the lifecycle position of a task.
type TaskState string

const (
	StateQueued    TaskState = "queued"
	StateRunning   TaskState = "running"
	StateWaiting   TaskState = "waiting"
	StateCompleted TaskState = "completed"
)

// ResultKind is the outcome of a settled task.
type ResultKind string

const (
	ResultSuccess   ResultKind = "success"
	ResultError     ResultKind = "error"
	ResultCancelled ResultKind = "cancelled"
	ResultTimeout   ResultKind = "timeout"
)

// Result is the settled value of a task. Value is set on success, Err on
// error and Reason on cancelled or timeout.
type Result struct {
	Kind   ResultKind
	Value  any
	Err    error
	Reason cancel.Reason
}

func resultForReason(reason cancel.Reason) Result {
	if reason.IsTimeout() {
		return Result{Kind: ResultTimeout, Reason: reason}
	}
	return Result{Kind: ResultCancelled, Reason: reason}
}

var (
	ErrScopeClosed        = errors.New("scope is closed")
	ErrUnknownScope       = errors.New("unknown scope")
	ErrUnknownLimiter     = errors.New("unknown limiter")
	ErrInvalidDelay       = errors.New("delay must be non-negative")
	ErrTickBudgetExceeded = errors.New("tick budget exceeded before idle")
	ErrPending            = errors.New("future is not settled")
)

// QueueDepths counts ready runnables per priority.
type QueueDepths struct {
	High   int `json:"high"`
	Normal int `json:"normal"`
	Low    int `json:"low"`
}

// Total sums every priority.
func (q QueueDepths) Total() int { return q.High + q.Normal + q.Low }

// TaskInfo is the snapshot view of a live task.
type TaskInfo struct {
	ID              string            `json:"id"`
	ScopeID         string            `json:"scopeId"`
	ParentTaskID    string            `json:"parentTaskId,omitempty"`
	Label           string            `json:"label,omitempty"`
	Priority        Priority          `json:"priority"`
	FailurePolicy   FailurePolicy     `json:"failurePolicy"`
	State           TaskState         `json:"state"`
	CorrelationIDs  map[string]string `json:"correlationIds,omitempty"`
	CreatedAtMonoMs int64             `json:"createdAtMonoMs"`
	StartedAtMonoMs int64             `json:"startedAtMonoMs,omitempty"`
	LastYieldMonoMs int64             `json:"lastYieldAtMonoMs,omitempty"`
}

// ScopeKind labels what a scope represents.
type ScopeKind string

const (
	ScopeApp       ScopeKind = "app"
	ScopeSession   ScopeKind = "session"
	ScopeToolRun   ScopeKind = "tool_run"
	ScopeHook      ScopeKind = "hook"
	ScopeMCP       ScopeKind = "mcp"
	ScopeAgent     ScopeKind = "agent"
	ScopeUI        ScopeKind = "ui"
	ScopeTelemetry ScopeKind = "telemetry"
)

// ScopeInfo is the snapshot view of a scope. Closed scopes stay listed.
type ScopeInfo struct {
	ID              string    `json:"id"`
	Kind            ScopeKind `json:"kind"`
	Label           string    `json:"label,omitempty"`
	ParentScopeID   string    `json:"parentScopeId,omitempty"`
	TaskIDs         []string  `json:"taskIds"`
	CreatedAtMonoMs int64     `json:"createdAtMonoMs"`
	ClosedAtMonoMs  int64     `json:"closedAtMonoMs,omitempty"`
	Closed          bool      `json:"closed"`
	Cancelled       bool      `json:"cancelled"`
}

// StreamInfo is the snapshot view of a kernel stream.
type StreamInfo struct {
	ID             string     `json:"id"`
	Kind           StreamKind `json:"kind"`
	LastEmittedSeq int64      `json:"lastEmittedSeq"`
	Closed         bool       `json:"closed"`
	Dropped        int        `json:"dropped"`
}

// TimerInfo is the snapshot view of a pending timer.
type TimerInfo struct {
	ID             string         `json:"id"`
	Owner          string         `json:"owner"`
	DeadlineMonoMs int64          `json:"deadlineMonoMs"`
	Reason         *cancel.Reason `json:"reason,omitempty"`
}

// Snapshot is a sorted, comparable view of the whole kernel.
type Snapshot struct {
	NowMonoMs   int64           `json:"nowMonoMs"`
	Tick        uint64          `json:"tick"`
	QueueDepths QueueDepths     `json:"queueDepths"`
	Tasks       []TaskInfo      `json:"tasks"`
	Scopes      []ScopeInfo     `json:"scopes"`
	Limiters    []limiter.Stats `json:"limiters"`
	Streams     []StreamInfo    `json:"streams"`
	Timers      []TimerInfo     `json:"timers"`
}

// ShutdownSummary is produced once per closed scope.
type ShutdownSummary struct {
	ScopeID   string        `json:"scopeId"`
	Kind      ScopeKind     `json:"kind"`
	Reason    cancel.Reason `json:"reason"`
	Cancelled int           `json:"cancelled"`
	Timeout   int           `json:"timeout"`
	Error     int           `json:"error"`
	Success   int           `json:"success"`
	Snapshot  Snapshot      `json:"snapshot"`
}

func (s *ShutdownSummary) count(kind ResultKind) {
	switch kind {
	case ResultSuccess:
		s.Success++
	case ResultError:
		s.Error++
	case ResultTimeout:
		s.Timeout++
	default:
		s.Cancelled++
	}
}

// TaskEventType names a task lifecycle event.
type TaskEventType string

const (
	TaskQueued    TaskEventType = "task/queued"
	TaskStarted   TaskEventType = "task/started"
	TaskCompleted TaskEventType = "task/completed"
)

// TaskEvent is delivered to Options.OnTaskEvent.
type TaskEvent struct {
	Type           TaskEventType
	TaskID         string
	ScopeID        string
	Label          string
	Priority       Priority
	TsMonoMs       int64
	Outcome        ResultKind
	CorrelationIDs map[string]string
}

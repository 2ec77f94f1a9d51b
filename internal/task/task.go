package task

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving to next is a legal lifecycle step.
// The only legal paths are pending → running → {completed, failed, cancelled}
// and pending → cancelled when cancellation precedes start.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Mode selects the reasoning pipeline.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeFast   Mode = "fast"
)

// Platform identifies the target GUI environment.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
	PlatformAndroid Platform = "android"
)

// Stats accumulates per-task execution accounting.
type Stats struct {
	Steps        int     `json:"steps"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Currency     string  `json:"currency"`
}

// Subtask is one unit of plan work.
type Subtask struct {
	Name string `json:"name"`
	Info string `json:"info"`
}

// Plan holds the three disjoint subtask lists. A subtask belongs to exactly
// one of them at any time; replan replaces Remaining and preserves the rest
// as history.
type Plan struct {
	Completed []Subtask `json:"completed"`
	Remaining []Subtask `json:"remaining"`
	Failed    []Subtask `json:"failed"`
}

// Task is the root entity owned by the task manager and persisted by the
// state store.
type Task struct {
	ID             string            `json:"task_id"`
	Instruction    string            `json:"instruction"`
	Status         Status            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at"`
	EndedAt        *time.Time        `json:"ended_at"`
	SandboxID      string            `json:"sandbox_id,omitempty"`
	DestroySandbox bool              `json:"destroy_sandbox_on_exit"`
	Mode           Mode              `json:"mode"`
	MaxSteps       int               `json:"max_steps"`
	Platform       Platform          `json:"platform"`
	Stats          Stats             `json:"stats"`
	FinalMessage   string            `json:"final_message,omitempty"`
	Plan           Plan              `json:"plan"`
	Conversation   []json.RawMessage `json:"conversation,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (t *Task) Clone() *Task {
	cp := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.EndedAt != nil {
		v := *t.EndedAt
		cp.EndedAt = &v
	}
	cp.Plan.Completed = append([]Subtask(nil), t.Plan.Completed...)
	cp.Plan.Remaining = append([]Subtask(nil), t.Plan.Remaining...)
	cp.Plan.Failed = append([]Subtask(nil), t.Plan.Failed...)
	if t.Conversation != nil {
		cp.Conversation = make([]json.RawMessage, len(t.Conversation))
		for i, m := range t.Conversation {
			cp.Conversation[i] = append(json.RawMessage(nil), m...)
		}
	}
	return &cp
}

// ActionRecord is one executed action, appended to the workspace action log
// and used by the reflector as trajectory context.
type ActionRecord struct {
	Step        int             `json:"step"`
	Timestamp   time.Time       `json:"timestamp"`
	Subtask     string          `json:"subtask"`
	Description string          `json:"description"`
	Action      json.RawMessage `json:"action"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	Screenshot  string          `json:"screenshot,omitempty"`
}

// Quality classification emitted by the reflector.
const (
	QualityGood       = "good"
	QualityConcerning = "concerning"
	QualityCritical   = "critical"

	RecommendContinue = "continue"
	RecommendAdjust   = "adjust"
	RecommendReplan   = "replan"
)

// QualityReport is the reflector output for one checkpoint.
type QualityReport struct {
	Status         string    `json:"status"`
	Recommendation string    `json:"recommendation"`
	Confidence     float64   `json:"confidence"`
	Issues         []string  `json:"issues,omitempty"`
	Suggestions    []string  `json:"suggestions,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

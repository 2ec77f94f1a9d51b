// Package store persists task records. Two implementations satisfy the same
// contract: a guarded in-memory map and a database/sql backend that speaks
// both Postgres (pgx) and SQLite (modernc).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lybic/agent/internal/task"
)

var (
	// ErrNotFound means the task id is unknown to the store.
	ErrNotFound = errors.New("task not found")
	// ErrAlreadyExists means a create collided with an existing task id.
	ErrAlreadyExists = errors.New("task already exists")
)

// Patch is a partial task update. Nil fields are left untouched;
// last-writer-wins per field.
type Patch struct {
	Status       *task.Status
	StartedAt    *time.Time
	EndedAt      *time.Time
	SandboxID    *string
	FinalMessage *string
	Stats        *task.Stats
	Plan         *task.Plan
}

// Store is the durable task record contract. Implementations must be safe
// under concurrent readers and a single active writer per task id.
type Store interface {
	// Create inserts a new record; ErrAlreadyExists on id collision.
	Create(ctx context.Context, t *task.Task) error
	// Update applies a partial patch; ErrNotFound for unknown ids.
	Update(ctx context.Context, id string, p Patch) error
	// Get returns the full record or ErrNotFound.
	Get(ctx context.Context, id string) (*task.Task, error)
	// List returns records in reverse-chronological order of creation,
	// plus the total count before limit/offset.
	List(ctx context.Context, limit, offset int) ([]*task.Task, int, error)
	// ListByStatus returns every record currently in the given status.
	ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error)
	// AppendConversation appends opaque messages to the task's history.
	AppendConversation(ctx context.Context, id string, messages []json.RawMessage) error
	// Close releases underlying resources.
	Close() error
}

// apply copies the non-nil patch fields onto t.
func apply(t *task.Task, p Patch) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.StartedAt != nil {
		v := *p.StartedAt
		t.StartedAt = &v
	}
	if p.EndedAt != nil {
		v := *p.EndedAt
		t.EndedAt = &v
	}
	if p.SandboxID != nil {
		t.SandboxID = *p.SandboxID
	}
	if p.FinalMessage != nil {
		t.FinalMessage = *p.FinalMessage
	}
	if p.Stats != nil {
		t.Stats = *p.Stats
	}
	if p.Plan != nil {
		t.Plan = task.Plan{
			Completed: append([]task.Subtask(nil), p.Plan.Completed...),
			Remaining: append([]task.Subtask(nil), p.Plan.Remaining...),
			Failed:    append([]task.Subtask(nil), p.Plan.Failed...),
		}
	}
}

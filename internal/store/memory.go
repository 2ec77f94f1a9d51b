package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/lybic/agent/internal/task"
)

// Memory is the in-process store: a guarded map plus an index kept in
// creation order for listing.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
	order []string // task ids, oldest first
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*task.Task)}
}

func (m *Memory) Create(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[t.ID]; ok {
		return ErrAlreadyExists
	}
	m.tasks[t.ID] = t.Clone()
	m.order = append(m.order, t.ID)
	return nil
}

func (m *Memory) Update(ctx context.Context, id string, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	apply(t, p)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) List(ctx context.Context, limit, offset int) ([]*task.Task, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := append([]string(nil), m.order...)
	// Newest first; insertion order breaks created_at ties deterministically.
	sort.SliceStable(ids, func(i, j int) bool {
		return m.tasks[ids[i]].CreatedAt.After(m.tasks[ids[j]].CreatedAt)
	})

	total := len(ids)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]*task.Task, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, m.tasks[id].Clone())
	}
	return out, total, nil
}

func (m *Memory) ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*task.Task
	for _, id := range m.order {
		if t := m.tasks[id]; t.Status == status {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *Memory) AppendConversation(ctx context.Context, id string, messages []json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	for _, msg := range messages {
		t.Conversation = append(t.Conversation, append(json.RawMessage(nil), msg...))
	}
	return nil
}

func (m *Memory) Close() error { return nil }

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process todo table with the same conditional-mutation
// semantics as Store. It backs local development and tests.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]Todo
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{rows: map[int64]Todo{}, now: time.Now}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateTodo(_ context.Context, t Todo) (Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	t.Completed = false
	t.CreatedAt = m.now().UTC()
	m.rows[t.ID] = t
	return t, nil
}

func (m *Memory) ListTodosByOwner(_ context.Context, userID string) ([]Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Todo{}
	for _, t := range m.rows {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) GetTodo(_ context.Context, id int64) (Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return Todo{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) CompleteTodo(_ context.Context, id int64, userID string) (Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || t.UserID != userID {
		return Todo{}, ErrNotFound
	}
	t.Completed = true
	m.rows[id] = t
	return t, nil
}

func (m *Memory) DeleteCompletedTodo(_ context.Context, id int64, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || t.UserID != userID {
		return 0, ErrNotFound
	}
	if !t.Completed {
		return 0, ErrIncomplete
	}
	delete(m.rows, id)
	return id, nil
}

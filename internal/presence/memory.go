package presence

import (
	"context"
	"sort"
	"sync"
)

// Memory is the process-local Registry used in single-instance deployments.
type Memory struct {
	mu    sync.RWMutex
	conns map[int64]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{conns: make(map[int64]map[string]struct{})}
}

var _ Registry = (*Memory)(nil)

func (m *Memory) Register(_ context.Context, userID int64, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		m.conns[userID] = set
	}
	set[connID] = struct{}{}
	return !ok, nil
}

func (m *Memory) Unregister(_ context.Context, userID int64, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.conns[userID]
	if !ok {
		return false, nil
	}
	if _, ok := set[connID]; !ok {
		return false, nil
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(m.conns, userID)
		return true, nil
	}
	return false, nil
}

func (m *Memory) IsOnline(_ context.Context, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[userID]
	return ok, nil
}

func (m *Memory) OnlineUsers(_ context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

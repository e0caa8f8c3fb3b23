package store

import (
	"context"
	"sync"

	"github.com/hris-platform/identity-sync/internal/status"
)

// memoryStore is an in-memory UserStore used in tests and single-node
// deployments without a database.
type memoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryStore creates an in-memory user store seeded with the given users.
// Users without a sync state start as unsynced.
func NewMemoryStore(users ...*User) UserStore {
	m := &memoryStore{users: make(map[string]*User, len(users))}
	for _, u := range users {
		cloned := *u
		if cloned.Sync.State == "" {
			cloned.Sync.State = status.StateUnsynced
		}
		m.users[cloned.ID] = &cloned
	}
	return m
}

func (m *memoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cloned := *u
	return &cloned, nil
}

func (m *memoryStore) ListUsers(_ context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cloned := *u
		result = append(result, &cloned)
	}
	return result, nil
}

func (m *memoryStore) ListUserIDsByState(_ context.Context, state status.SyncState) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, u := range m.users {
		if u.Sync.State == state {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memoryStore) CountByState(_ context.Context) (map[status.SyncState]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[status.SyncState]int)
	for _, u := range m.users {
		counts[u.Sync.State]++
	}
	return counts, nil
}

func (m *memoryStore) UpdateSyncRecord(_ context.Context, id string, rec status.SyncRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Sync = rec
	return nil
}

func (m *memoryStore) UpdateSyncRecordAtomically(
	_ context.Context, id string, fn func(rec *status.SyncRecord) bool,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return false, ErrUserNotFound
	}

	rec := u.Sync
	if !fn(&rec) {
		return false, nil
	}
	u.Sync = rec
	return true, nil
}

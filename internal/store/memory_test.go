package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hris-platform/identity-sync/internal/status"
	"github.com/hris-platform/identity-sync/internal/store"
)

func newTestStore() store.UserStore {
	return store.NewMemoryStore(
		&store.User{ID: "1", Email: "alice@example.com", FirstName: "Alice", LastName: "Anders",
			JobTitle: "Engineer", Active: true,
			Sync: status.SyncRecord{State: status.StateUnsynced, SyncEnabled: true}},
		&store.User{ID: "2", Email: "bob@example.com", FirstName: "Bob", LastName: "Baker",
			JobTitle: "Analyst", Active: true,
			Sync: status.SyncRecord{State: status.StateSynced, SyncEnabled: true, RemoteObjectID: "R2"}},
		&store.User{ID: "3", Email: "carol@example.com", FirstName: "Carol", LastName: "Chen",
			JobTitle: "Manager", Active: false,
			Sync: status.SyncRecord{State: status.StateFailed, SyncEnabled: true, LastError: "boom"}},
	)
}

func TestMemoryStore_GetUser(t *testing.T) {
	t.Parallel()
	s := newTestStore()

	u, err := s.GetUser(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, "Alice Anders", u.DisplayName())

	_, err = s.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestMemoryStore_GetUserReturnsCopy(t *testing.T) {
	t.Parallel()
	s := newTestStore()

	u, err := s.GetUser(context.Background(), "1")
	require.NoError(t, err)
	u.Sync.State = status.StateSynced

	again, err := s.GetUser(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, status.StateUnsynced, again.Sync.State, "mutating a returned user must not affect the store")
}

func TestMemoryStore_ListUserIDsByState(t *testing.T) {
	t.Parallel()
	s := newTestStore()

	ids, err := s.ListUserIDsByState(context.Background(), status.StateFailed)
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, ids)

	ids, err = s.ListUserIDsByState(context.Background(), status.StateInProgress)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryStore_CountByState(t *testing.T) {
	t.Parallel()
	s := newTestStore()

	counts, err := s.CountByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[status.SyncState]int{
		status.StateUnsynced: 1,
		status.StateSynced:   1,
		status.StateFailed:   1,
	}, counts)
}

func TestMemoryStore_UpdateSyncRecord(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	now := time.Now()

	err := s.UpdateSyncRecord(context.Background(), "1", status.SyncRecord{
		State:          status.StateSynced,
		RemoteObjectID: "R1",
		SyncEnabled:    true,
		LastSync:       &now,
	})
	require.NoError(t, err)

	u, err := s.GetUser(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, status.StateSynced, u.Sync.State)
	assert.Equal(t, "R1", u.Sync.RemoteObjectID)

	err = s.UpdateSyncRecord(context.Background(), "missing", status.SyncRecord{State: status.StatePending})
	assert.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestMemoryStore_UpdateSyncRecordAtomically(t *testing.T) {
	t.Parallel()
	s := newTestStore()

	t.Run("modification persists", func(t *testing.T) {
		updated, err := s.UpdateSyncRecordAtomically(context.Background(), "3", func(rec *status.SyncRecord) bool {
			if rec.State != status.StateFailed {
				return false
			}
			rec.State = status.StatePending
			rec.LastError = ""
			return true
		})
		require.NoError(t, err)
		assert.True(t, updated)

		u, err := s.GetUser(context.Background(), "3")
		require.NoError(t, err)
		assert.Equal(t, status.StatePending, u.Sync.State)
		assert.Empty(t, u.Sync.LastError)
	})

	t.Run("rejected update leaves record untouched", func(t *testing.T) {
		updated, err := s.UpdateSyncRecordAtomically(context.Background(), "2", func(rec *status.SyncRecord) bool {
			rec.State = status.StateFailed // discarded because we return false
			return false
		})
		require.NoError(t, err)
		assert.False(t, updated)

		u, err := s.GetUser(context.Background(), "2")
		require.NoError(t, err)
		assert.Equal(t, status.StateSynced, u.Sync.State)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := s.UpdateSyncRecordAtomically(context.Background(), "missing", func(*status.SyncRecord) bool {
			return true
		})
		assert.ErrorIs(t, err, store.ErrUserNotFound)
	})
}

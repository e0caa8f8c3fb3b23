package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hris-platform/identity-sync/internal/directory"
	"github.com/hris-platform/identity-sync/internal/notify"
	"github.com/hris-platform/identity-sync/internal/status"
	"github.com/hris-platform/identity-sync/internal/store"
	syncengine "github.com/hris-platform/identity-sync/internal/sync"
	"github.com/hris-platform/identity-sync/internal/telemetry"
)

type fakeDirectory struct {
	orgErr error
}

func (f *fakeDirectory) CreateUser(context.Context, *directory.UserPayload) (string, error) {
	return "remote-new", nil
}

func (f *fakeDirectory) UpdateUser(context.Context, string, *directory.UserPayload) error {
	return nil
}

func (f *fakeDirectory) DisableUser(context.Context, string) error { return nil }
func (f *fakeDirectory) DeleteUser(context.Context, string) error  { return nil }

func (f *fakeDirectory) FindByEmail(context.Context, string) (string, error) {
	return "", directory.ErrRemoteNotFound
}

func (f *fakeDirectory) GetOrganization(context.Context) (string, error) {
	if f.orgErr != nil {
		return "", f.orgErr
	}
	return "Contoso", nil
}

type noopNotifier struct{}

func (noopNotifier) Notify(notify.Event) {}
func (noopNotifier) Close()              {}

func newTestService(client directory.Client, users ...*store.User) (SyncService, store.UserStore, *syncengine.Orchestrator) {
	s := store.NewMemoryStore(users...)
	engine := syncengine.NewEngine(s, client, noopNotifier{}, 3, []time.Duration{time.Second})
	orch := syncengine.NewOrchestrator(engine, s, telemetry.NewMetrics(), 1, 16, time.Minute, time.Hour)
	return NewService(s, client, orch), s, orch
}

func syncedUser(id string) *store.User {
	return &store.User{
		ID:        id,
		Email:     id + "@example.com",
		FirstName: "Test",
		LastName:  "User",
		JobTitle:  "Engineer",
		Active:    true,
		Sync: status.SyncRecord{
			State:          status.StateSynced,
			RemoteObjectID: "remote-" + id,
			SyncEnabled:    true,
		},
	}
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(&fakeDirectory{}, syncedUser("1"))

	st, err := svc.GetStatus(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "1", st.UserID)
	assert.Equal(t, "1@example.com", st.Email)
	assert.Equal(t, "Test User", st.DisplayName)
	assert.Equal(t, status.StateSynced, st.Sync.State)

	_, err = svc.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestGetDashboard(t *testing.T) {
	t.Parallel()

	failed := syncedUser("2")
	failed.Sync.State = status.StateFailed
	failed.Sync.LastError = "job title is empty - add 1-128 characters"
	failed.Sync.AttemptCount = 2

	svc, _, _ := newTestService(&fakeDirectory{}, syncedUser("1"), failed)

	dash, err := svc.GetDashboard(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, dash.CountsByState[status.StateSynced])
	assert.Equal(t, 1, dash.CountsByState[status.StateFailed])
	assert.Zero(t, dash.QueueDepth)

	require.Len(t, dash.RecentFailures, 1)
	assert.Equal(t, "2", dash.RecentFailures[0].UserID)
	assert.Contains(t, dash.RecentFailures[0].LastError, "job title")
	assert.Equal(t, 2, dash.RecentFailures[0].AttemptCount)
}

func TestSubmitSync_EmptyIDsMeansAllUsers(t *testing.T) {
	t.Parallel()

	svc, _, orch := newTestService(&fakeDirectory{}, syncedUser("1"), syncedUser("2"))

	manifest, err := svc.SubmitSync(context.Background(), nil, syncengine.OperationSync, false)
	require.NoError(t, err)
	assert.Len(t, manifest.Accepted, 2)
	assert.Equal(t, 2, orch.QueueDepth())
}

func TestTestConnection(t *testing.T) {
	t.Parallel()

	t.Run("reachable", func(t *testing.T) {
		t.Parallel()

		svc, _, _ := newTestService(&fakeDirectory{})
		result := svc.TestConnection(context.Background())
		assert.True(t, result.Connected)
		assert.Equal(t, "Contoso", result.Organization)
	})

	t.Run("credential failure", func(t *testing.T) {
		t.Parallel()

		svc, _, _ := newTestService(&fakeDirectory{orgErr: errors.New("invalid client secret")})
		result := svc.TestConnection(context.Background())
		assert.False(t, result.Connected)
		assert.Contains(t, result.Error, "invalid client secret")
	})
}

func TestResetToPending(t *testing.T) {
	t.Parallel()

	failed := syncedUser("1")
	failed.Sync.State = status.StateFailed
	failed.Sync.AttemptCount = 3
	retryAt := time.Now().Add(time.Hour)
	failed.Sync.NextRetry = &retryAt

	inProgress := syncedUser("2")
	inProgress.Sync.State = status.StateInProgress

	svc, s, _ := newTestService(&fakeDirectory{}, failed, inProgress)

	require.NoError(t, svc.ResetToPending(context.Background(), "1"))
	user, err := s.GetUser(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, status.StatePending, user.Sync.State)
	assert.Zero(t, user.Sync.AttemptCount)
	assert.Nil(t, user.Sync.NextRetry)

	err = svc.ResetToPending(context.Background(), "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in progress")
}

func TestSetSyncEnabled(t *testing.T) {
	t.Parallel()

	svc, s, _ := newTestService(&fakeDirectory{}, syncedUser("1"))

	require.NoError(t, svc.SetSyncEnabled(context.Background(), "1", false))
	user, err := s.GetUser(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, user.Sync.SyncEnabled)
	assert.Equal(t, status.StateDisabled, user.Sync.State)

	require.NoError(t, svc.SetSyncEnabled(context.Background(), "1", true))
	user, err = s.GetUser(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, user.Sync.SyncEnabled)
	assert.Equal(t, status.StatePending, user.Sync.State, "re-enabling leaves disabled via pending")
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(&fakeDirectory{}, syncedUser("1"))

	_, err := svc.SubmitSync(context.Background(), []string{"1"}, syncengine.OperationSync, false)
	require.NoError(t, err)

	found, err := svc.CancelQueued(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = svc.CancelQueued(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = svc.CancelQueued(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestCheckReadiness(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(&fakeDirectory{})
	assert.NoError(t, svc.CheckReadiness(context.Background()))
}

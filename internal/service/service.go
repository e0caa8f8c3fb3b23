// Package service provides the sync service facade consumed by the API layer.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/hris-platform/identity-sync/internal/directory"
	"github.com/hris-platform/identity-sync/internal/status"
	"github.com/hris-platform/identity-sync/internal/store"
	syncengine "github.com/hris-platform/identity-sync/internal/sync"
)

// maxRecentFailures caps the dashboard failure list
const maxRecentFailures = 20

// UserStatus is the sync view of a single user
type UserStatus struct {
	UserID      string            `json:"local_id"`
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name"`
	Sync        status.SyncRecord `json:"sync"`
}

// FailedUser is one entry of the dashboard failure list
type FailedUser struct {
	UserID       string `json:"local_id"`
	Email        string `json:"email"`
	LastError    string `json:"last_error"`
	AttemptCount int    `json:"attempt_count"`
}

// Dashboard summarizes the sync ledger for the admin UI
type Dashboard struct {
	CountsByState  map[status.SyncState]int `json:"counts_by_state"`
	QueueDepth     int                      `json:"queue_depth"`
	RecentFailures []FailedUser             `json:"recent_failures"`
}

// ConnectionStatus is the result of a directory connection test
type ConnectionStatus struct {
	Connected    bool   `json:"connected"`
	Organization string `json:"organization,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SyncService exposes the operations backing the admin API
//
//go:generate mockgen -destination=mocks/mock_service.go -package=mocks github.com/hris-platform/identity-sync/internal/service SyncService
type SyncService interface {
	// SubmitSync queues sync tasks for the given users; an empty id list
	// means every user in the store
	SubmitSync(ctx context.Context, userIDs []string, op syncengine.Operation, force bool) (*syncengine.Manifest, error)

	// GetStatus returns the sync view of one user
	GetStatus(ctx context.Context, userID string) (*UserStatus, error)

	// GetDashboard returns state counts, queue depth and recent failures
	GetDashboard(ctx context.Context) (*Dashboard, error)

	// TestConnection verifies directory credentials by fetching the tenant
	// organization
	TestConnection(ctx context.Context) *ConnectionStatus

	// ResetToPending returns a settled record to pending with a fresh retry
	// budget
	ResetToPending(ctx context.Context, userID string) error

	// SetSyncEnabled flips the per-user sync gate. Disabling also parks the
	// record in the disabled state; re-enabling moves disabled to pending.
	SetSyncEnabled(ctx context.Context, userID string, enabled bool) error

	// CancelQueued removes a queued task for the user, reporting whether one
	// was found
	CancelQueued(ctx context.Context, userID string) (bool, error)

	// CheckReadiness verifies the service can reach its store
	CheckReadiness(ctx context.Context) error
}

// defaultService is the default implementation of SyncService
type defaultService struct {
	store        store.UserStore
	client       directory.Client
	orchestrator *syncengine.Orchestrator
}

// NewService creates the sync service facade
func NewService(userStore store.UserStore, client directory.Client, orchestrator *syncengine.Orchestrator) SyncService {
	return &defaultService{
		store:        userStore,
		client:       client,
		orchestrator: orchestrator,
	}
}

func (s *defaultService) SubmitSync(ctx context.Context, userIDs []string, op syncengine.Operation, force bool) (*syncengine.Manifest, error) {
	if len(userIDs) == 0 {
		users, err := s.store.ListUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing users: %w", err)
		}
		userIDs = make([]string, 0, len(users))
		for _, user := range users {
			userIDs = append(userIDs, user.ID)
		}
	}
	return s.orchestrator.Submit(ctx, userIDs, op, force)
}

func (s *defaultService) GetStatus(ctx context.Context, userID string) (*UserStatus, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &UserStatus{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName(),
		Sync:        user.Sync,
	}, nil
}

func (s *defaultService) GetDashboard(ctx context.Context) (*Dashboard, error) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting sync states: %w", err)
	}

	failedIDs, err := s.store.ListUserIDsByState(ctx, status.StateFailed)
	if err != nil {
		return nil, fmt.Errorf("listing failed users: %w", err)
	}

	failures := make([]FailedUser, 0, min(len(failedIDs), maxRecentFailures))
	for _, userID := range failedIDs {
		if len(failures) == maxRecentFailures {
			break
		}
		user, err := s.store.GetUser(ctx, userID)
		if err != nil {
			continue
		}
		failures = append(failures, FailedUser{
			UserID:       user.ID,
			Email:        user.Email,
			LastError:    user.Sync.LastError,
			AttemptCount: user.Sync.AttemptCount,
		})
	}

	return &Dashboard{
		CountsByState:  counts,
		QueueDepth:     s.orchestrator.QueueDepth(),
		RecentFailures: failures,
	}, nil
}

func (s *defaultService) TestConnection(ctx context.Context) *ConnectionStatus {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	org, err := s.client.GetOrganization(ctx)
	if err != nil {
		return &ConnectionStatus{Connected: false, Error: err.Error()}
	}
	return &ConnectionStatus{Connected: true, Organization: org}
}

func (s *defaultService) ResetToPending(ctx context.Context, userID string) error {
	modified, err := s.store.UpdateSyncRecordAtomically(ctx, userID, func(rec *status.SyncRecord) bool {
		if !rec.State.CanTransitionTo(status.StatePending) {
			return false
		}
		rec.State = status.StatePending
		rec.NextRetry = nil
		rec.AttemptCount = 0
		return true
	})
	if err != nil {
		return err
	}
	if !modified {
		return fmt.Errorf("cannot reset user %s: an attempt is currently in progress", userID)
	}
	return nil
}

func (s *defaultService) SetSyncEnabled(ctx context.Context, userID string, enabled bool) error {
	_, err := s.store.UpdateSyncRecordAtomically(ctx, userID, func(rec *status.SyncRecord) bool {
		rec.SyncEnabled = enabled
		if enabled && rec.State == status.StateDisabled {
			rec.State = status.StatePending
		}
		if !enabled && rec.State.CanTransitionTo(status.StateDisabled) {
			rec.State = status.StateDisabled
		}
		return true
	})
	return err
}

func (s *defaultService) CancelQueued(ctx context.Context, userID string) (bool, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return false, err
	}
	return s.orchestrator.Cancel(userID), nil
}

func (s *defaultService) CheckReadiness(ctx context.Context) error {
	if _, err := s.store.CountByState(ctx); err != nil {
		return fmt.Errorf("store not reachable: %w", err)
	}
	return nil
}

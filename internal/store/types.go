// Package store defines the user store contract consumed by the sync engine
// and provides in-memory and Postgres-backed implementations.
package store

import (
	"context"
	"errors"

	"github.com/hris-platform/identity-sync/internal/status"
)

// ErrUserNotFound is returned when a user can't be found.
var ErrUserNotFound = errors.New("user not found")

// User is the local identity record as seen by the sync engine. Identity
// fields are owned by the HR platform; the embedded SyncRecord fields are
// owned by this engine.
type User struct {
	// ID is the stable local identifier
	ID string `json:"id"`

	// Email doubles as the directory userPrincipalName
	Email string `json:"email"`

	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	JobTitle       string `json:"job_title"`
	Department     string `json:"department,omitempty"`
	EmployeeID     string `json:"employee_id,omitempty"`
	OfficeLocation string `json:"office_location,omitempty"`
	PhoneNumber    string `json:"phone_number,omitempty"`

	// Active maps to the directory accountEnabled flag
	Active bool `json:"active"`

	// Sync carries the engine-owned ledger fields
	Sync status.SyncRecord `json:"sync"`
}

// DisplayName returns the full name sent to the directory
func (u *User) DisplayName() string {
	if u.FirstName == "" {
		return u.LastName
	}
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// UserStore provides read access to identity fields and atomic read-modify-write
// access to the engine-owned sync fields, keyed by local user id.
type UserStore interface {
	// GetUser returns the user with the given local id
	GetUser(ctx context.Context, id string) (*User, error)

	// ListUsers returns all users
	ListUsers(ctx context.Context) ([]*User, error)

	// ListUserIDsByState returns the ids of all users currently in the given state
	ListUserIDsByState(ctx context.Context, state status.SyncState) ([]string, error)

	// CountByState returns the number of users per sync state
	CountByState(ctx context.Context) (map[status.SyncState]int, error)

	// UpdateSyncRecord overwrites the sync fields for the given user.
	// Writes are last-write-wins on the single row keyed by id.
	UpdateSyncRecord(ctx context.Context, id string, rec status.SyncRecord) error

	// UpdateSyncRecordAtomically fetches the current sync record, applies fn,
	// and persists the result if fn returns true - all as a single atomic
	// action on the row. It returns whether the record was modified.
	UpdateSyncRecordAtomically(ctx context.Context, id string, fn func(rec *status.SyncRecord) bool) (bool, error)
}

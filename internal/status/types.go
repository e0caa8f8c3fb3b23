// Package status defines the sync state attached to each local user record
// and the legal transitions between states.
package status

import "time"

// SyncState represents the directory synchronization state of a user record
type SyncState string

const (
	// StateUnsynced means no remote linkage exists yet
	StateUnsynced SyncState = "unsynced"

	// StatePending means the record is queued for sync or awaiting retry
	StatePending SyncState = "pending"

	// StateInProgress means a sync attempt is currently executing
	StateInProgress SyncState = "in_progress"

	// StateSynced means the last attempt succeeded and the remote object id is current
	StateSynced SyncState = "synced"

	// StateFailed means the last attempt failed with a terminal error
	StateFailed SyncState = "failed"

	// StateDisabled means sync is intentionally turned off for this record.
	// It is only ever set by explicit operator action, never by failure.
	StateDisabled SyncState = "disabled"
)

// Valid reports whether s is a member of the closed state set
func (s SyncState) Valid() bool {
	switch s {
	case StateUnsynced, StatePending, StateInProgress, StateSynced, StateFailed, StateDisabled:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a resting state for the orchestrator
// (no attempt in flight, nothing queued)
func (s SyncState) Terminal() bool {
	return s == StateSynced || s == StateFailed || s == StateDisabled || s == StateUnsynced
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
// The graph mirrors the record lifecycle: pending -> in_progress -> {synced, failed},
// operator resets failed/synced back to pending, and disabled is only left via an
// explicit re-enable to pending.
func (s SyncState) CanTransitionTo(next SyncState) bool {
	if s == next {
		return true
	}
	switch s {
	case StateUnsynced:
		return next == StatePending || next == StateDisabled
	case StatePending:
		return next == StateInProgress || next == StateDisabled
	case StateInProgress:
		return next == StateSynced || next == StateFailed || next == StatePending
	case StateSynced:
		return next == StatePending || next == StateDisabled || next == StateUnsynced
	case StateFailed:
		return next == StatePending || next == StateDisabled || next == StateUnsynced
	case StateDisabled:
		return next == StatePending
	default:
		return false
	}
}

// SyncRecord holds the per-user sync ledger fields owned by this engine.
// Writes are last-write-wins on a single row keyed by local user id; no
// history is retained beyond the last error and last success timestamp.
type SyncRecord struct {
	// State is the current synchronization state
	State SyncState `json:"state"`

	// RemoteObjectID is the opaque id assigned by the directory on create.
	// Empty when no remote linkage exists.
	RemoteObjectID string `json:"remote_object_id,omitempty"`

	// SyncEnabled gates admission by the orchestrator unless force is set
	SyncEnabled bool `json:"sync_enabled"`

	// LastError is populated only on transition into failed and cleared on
	// any transition into in_progress
	LastError string `json:"last_error,omitempty"`

	// LastSync is the timestamp of the last successful sync
	LastSync *time.Time `json:"last_sync,omitempty"`

	// NextRetry is the earliest time a retry sweep may re-admit this record
	NextRetry *time.Time `json:"next_retry,omitempty"`

	// PendingOperation names the operation whose transient failure parked the
	// record in pending, so the retry runs the same operation. Empty when the
	// record is not awaiting a retry.
	PendingOperation string `json:"pending_operation,omitempty"`

	// AttemptCount is the number of attempts since the last success
	AttemptCount int `json:"attempt_count,omitempty"`
}

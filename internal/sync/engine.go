// Package sync implements the per-user sync state machine and the task
// orchestrator that drives it. The engine owns all writes to the sync ledger
// fields; identity fields are read-only here.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hris-platform/identity-sync/internal/directory"
	"github.com/hris-platform/identity-sync/internal/mapper"
	"github.com/hris-platform/identity-sync/internal/notify"
	"github.com/hris-platform/identity-sync/internal/status"
	"github.com/hris-platform/identity-sync/internal/store"
)

var (
	// ErrAlreadyInProgress is returned when an attempt for the same user is
	// currently executing. The caller reports it and moves on; it is not a
	// failure of the record.
	ErrAlreadyInProgress = errors.New("sync already in progress for this user")

	// ErrSyncDisabled is returned when the record is disabled and force was
	// not set
	ErrSyncDisabled = errors.New("sync is disabled for this user")
)

// Disposition is the outcome category of a single attempt
type Disposition string

const (
	// DispositionSynced means the attempt succeeded and the record is synced
	DispositionSynced Disposition = "synced"

	// DispositionFailed means the attempt failed terminally; no retry is
	// scheduled
	DispositionFailed Disposition = "failed"

	// DispositionRetry means the attempt hit a transient error and the record
	// was returned to pending with a retry horizon
	DispositionRetry Disposition = "retry"

	// DispositionUnlinked means a delete-link completed and the record is
	// back to unsynced
	DispositionUnlinked Disposition = "unlinked"
)

// Outcome describes how a single attempt ended
type Outcome struct {
	// Disposition is the outcome category
	Disposition Disposition

	// RemoteID is the remote object id after the attempt, empty when unlinked
	RemoteID string

	// Message carries the failure or retry reason
	Message string

	// Attempt is the attempt number this outcome belongs to, counted since
	// the last success
	Attempt int

	// RetryAt is the earliest time a retry may run; only set on retry
	RetryAt time.Time
}

// Engine executes a single sync attempt for one user, enforcing per-user
// mutual exclusion and the state transition rules.
type Engine struct {
	store    store.UserStore
	client   directory.Client
	notifier notify.Notifier

	retryLimit  int
	retryDelays []time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewEngine creates an engine. retryLimit is the total attempt budget per
// record; retryDelays[i] is the delay before attempt i+2.
func NewEngine(userStore store.UserStore, client directory.Client, notifier notify.Notifier,
	retryLimit int, retryDelays []time.Duration,
) *Engine {
	return &Engine{
		store:       userStore,
		client:      client,
		notifier:    notifier,
		retryLimit:  retryLimit,
		retryDelays: retryDelays,
		inFlight:    make(map[string]struct{}),
	}
}

// InFlight reports whether an attempt for the given user is currently executing
func (e *Engine) InFlight(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[userID]
	return ok
}

func (e *Engine) acquire(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[userID]; ok {
		return false
	}
	e.inFlight[userID] = struct{}{}
	return true
}

func (e *Engine) release(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, userID)
}

// Execute runs one sync attempt for the given user. At most one attempt per
// user runs at a time; concurrent calls for the same user return
// ErrAlreadyInProgress. force permits execution on a disabled record.
func (e *Engine) Execute(ctx context.Context, userID string, op Operation, force bool) (*Outcome, error) {
	if !e.acquire(userID) {
		return nil, ErrAlreadyInProgress
	}
	defer e.release(userID)

	attempt, err := e.begin(ctx, userID, force)
	if err != nil {
		return nil, err
	}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return e.fail(ctx, userID, op, attempt, fmt.Sprintf("loading user: %v", err))
	}

	remoteID, opErr := e.run(ctx, user, op)
	if opErr != nil {
		return e.settle(ctx, userID, op, attempt, opErr)
	}

	if op == OperationDeleteLink {
		return e.unlink(ctx, userID, attempt)
	}
	return e.succeed(ctx, userID, remoteID, attempt)
}

// begin transitions the record into in_progress, clears the last error and
// increments the attempt counter. It returns the attempt number.
func (e *Engine) begin(ctx context.Context, userID string, force bool) (int, error) {
	var (
		attempt     int
		disabledErr bool
		badState    status.SyncState
	)
	_, err := e.store.UpdateSyncRecordAtomically(ctx, userID, func(rec *status.SyncRecord) bool {
		if rec.State == status.StateDisabled && !force {
			disabledErr = true
			return false
		}
		// Settled records reach in_progress through pending; checking both
		// hops here lets a direct Execute admit and start in one write while
		// still rejecting states outside the transition graph.
		if !rec.State.CanTransitionTo(status.StateInProgress) &&
			!rec.State.CanTransitionTo(status.StatePending) {
			badState = rec.State
			return false
		}
		rec.State = status.StateInProgress
		rec.LastError = ""
		rec.NextRetry = nil
		rec.PendingOperation = ""
		rec.AttemptCount++
		attempt = rec.AttemptCount
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("marking sync in progress: %w", err)
	}
	if disabledErr {
		return 0, ErrSyncDisabled
	}
	if badState != "" {
		return 0, fmt.Errorf("cannot start sync attempt from state %q", badState)
	}
	return attempt, nil
}

// run dispatches the operation and returns the remote object id the record
// should be linked to on success. It mutates no state besides the remote
// linkage cleared on a stale 404.
func (e *Engine) run(ctx context.Context, user *store.User, op Operation) (string, error) {
	remoteID := user.Sync.RemoteObjectID

	switch op {
	case OperationSync, OperationCreate:
		if remoteID == "" {
			return e.createUser(ctx, user)
		}
		if err := e.updateUser(ctx, user, remoteID); err != nil {
			if directory.ClassOf(err) == directory.ClassNotFound {
				// The remote object was deleted out-of-band. Drop the stale
				// linkage and restart as a create within this attempt.
				slog.Warn("Remote object gone, restarting as create",
					"local_id", user.ID, "remote_id", remoteID)
				e.clearRemoteID(ctx, user.ID)
				return e.createUser(ctx, user)
			}
			return "", err
		}
		return remoteID, nil

	case OperationUpdate:
		if remoteID == "" {
			return "", &directory.Error{
				Class:   directory.ClassValidation,
				Message: "no remote linkage exists - run a sync to create the directory user first",
			}
		}
		if err := e.updateUser(ctx, user, remoteID); err != nil {
			if directory.ClassOf(err) == directory.ClassNotFound {
				// The linkage is gone; the retry must take the create path,
				// which an explicit update never does.
				e.clearRemoteID(ctx, user.ID)
				return "", &retryableError{
					msg: "remote object deleted out-of-band, record unlinked for re-create",
					err: err,
					op:  OperationSync,
				}
			}
			return "", err
		}
		return remoteID, nil

	case OperationDisable:
		if remoteID == "" {
			// Nothing to disable remotely; already satisfied
			return "", nil
		}
		if err := e.client.DisableUser(ctx, remoteID); err != nil {
			if directory.ClassOf(err) == directory.ClassNotFound {
				// Gone remotely means disabled is already satisfied
				e.clearRemoteID(ctx, user.ID)
				return "", nil
			}
			return "", err
		}
		return remoteID, nil

	case OperationDeleteLink:
		if remoteID == "" {
			return "", nil
		}
		if err := e.client.DeleteUser(ctx, remoteID); err != nil {
			if directory.ClassOf(err) != directory.ClassNotFound {
				return "", err
			}
		}
		return "", nil

	default:
		return "", fmt.Errorf("unknown operation %q", op)
	}
}

// createUser validates, builds the create payload and creates the remote
// object. A conflict response triggers the find-by-email reconciliation path:
// adopt the existing object and update it instead.
func (e *Engine) createUser(ctx context.Context, user *store.User) (string, error) {
	payload, err := mapper.BuildCreatePayload(user)
	if err != nil {
		return "", err
	}

	remoteID, err := e.client.CreateUser(ctx, payload)
	if err == nil {
		return remoteID, nil
	}
	if directory.ClassOf(err) != directory.ClassConflict {
		return "", err
	}

	// An object already exists for this identity. Resolve it by email and
	// adopt it rather than failing the record.
	slog.Info("Directory reports existing object, resolving by email",
		"local_id", user.ID, "email", user.Email)

	existingID, findErr := e.client.FindByEmail(ctx, user.Email)
	if findErr != nil {
		if errors.Is(findErr, directory.ErrRemoteNotFound) {
			return "", &directory.Error{
				Class:   directory.ClassUnclassified,
				Message: fmt.Sprintf("directory reports a conflict but no object matches %s", user.Email),
				Err:     err,
			}
		}
		return "", findErr
	}

	if err := e.updateUser(ctx, user, existingID); err != nil {
		return "", err
	}
	return existingID, nil
}

func (e *Engine) updateUser(ctx context.Context, user *store.User, remoteID string) error {
	payload, err := mapper.BuildUpdatePayload(user)
	if err != nil {
		return err
	}
	return e.client.UpdateUser(ctx, remoteID, payload)
}

// clearRemoteID drops a stale remote linkage. Best effort: the attempt
// outcome write that follows persists the authoritative record.
func (e *Engine) clearRemoteID(ctx context.Context, userID string) {
	_, err := e.store.UpdateSyncRecordAtomically(ctx, userID, func(rec *status.SyncRecord) bool {
		rec.RemoteObjectID = ""
		return true
	})
	if err != nil {
		slog.Error("Failed to clear stale remote linkage", "local_id", userID, "error", err)
	}
}

// settle maps an operation error to its outcome: transient errors within
// budget return the record to pending with a retry horizon, everything else
// is terminal.
func (e *Engine) settle(ctx context.Context, userID string, op Operation, attempt int, opErr error) (*Outcome, error) {
	var retryable *retryableError
	transient := directory.IsTransient(opErr) || errors.As(opErr, &retryable)

	if transient && attempt < e.retryLimit {
		retryOp := op
		if retryable != nil && retryable.op != "" {
			retryOp = retryable.op
		}
		return e.reschedule(ctx, userID, retryOp, attempt, opErr)
	}

	msg := opErr.Error()
	if transient {
		msg = fmt.Sprintf("retry budget exhausted after %d attempts: %v", attempt, opErr)
	}
	return e.fail(ctx, userID, op, attempt, msg)
}

func (e *Engine) reschedule(ctx context.Context, userID string, op Operation, attempt int, opErr error) (*Outcome, error) {
	retryAt := time.Now().Add(e.retryDelay(attempt))

	_, err := e.store.UpdateSyncRecordAtomically(ctx, userID, func(rec *status.SyncRecord) bool {
		if !rec.State.CanTransitionTo(status.StatePending) {
			return false
		}
		rec.State = status.StatePending
		rec.NextRetry = &retryAt
		// The sweep re-admits this record; it must run the same operation.
		rec.PendingOperation = string(op)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("rescheduling sync: %w", err)
	}

	slog.Info("Sync attempt hit transient error, scheduled retry",
		"local_id", userID, "attempt", attempt, "retry_at", retryAt, "error", opErr)

	return &Outcome{
		Disposition: DispositionRetry,
		Message:     opErr.Error(),
		Attempt:     attempt,
		RetryAt:     retryAt,
	}, nil
}

// retryDelay returns the delay before the attempt after attempt. The last
// configured delay repeats when attempts outnumber delays.
func (e *Engine) retryDelay(attempt int) time.Duration {
	if len(e.retryDelays) == 0 {
		return time.Minute
	}
	idx := attempt - 1
	if idx >= len(e.retryDelays) {
		idx = len(e.retryDelays) - 1
	}
	return e.retryDelays[idx]
}

func (e *Engine) succeed(ctx context.Context, userID, remoteID string, attempt int) (*Outcome, error) {
	now := time.Now()
	_, err := e.store.UpdateSyncRecordAtomically(ctx, userID, func(rec *status.SyncRecord) bool {
		rec.State = status.StateSynced
		rec.RemoteObjectID = remoteID
		rec.LastError = ""
		rec.LastSync = &now
		rec.NextRetry = nil
		rec.AttemptCount = 0
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("recording sync success: %w", err)
	}

	e.notifier.Notify(notify.Event{
		Type:      notify.EventSyncSuccess,
		UserID:    userID,
		RemoteID:  remoteID,
		Timestamp: now,
	})

	return &Outcome{
		Disposition: DispositionSynced,
		RemoteID:    remoteID,
		Attempt:     attempt,
	}, nil
}

func (e *Engine) unlink(ctx context.Context, userID string, attempt int) (*Outcome, error) {
	now := time.Now()
	_, err := e.store.UpdateSyncRecordAtomically(ctx, userID, func(rec *status.SyncRecord) bool {
		rec.State = status.StateUnsynced
		rec.RemoteObjectID = ""
		rec.LastError = ""
		rec.LastSync = &now
		rec.NextRetry = nil
		rec.AttemptCount = 0
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("recording unlink: %w", err)
	}

	e.notifier.Notify(notify.Event{
		Type:      notify.EventSyncSuccess,
		UserID:    userID,
		Timestamp: now,
	})

	return &Outcome{
		Disposition: DispositionUnlinked,
		Attempt:     attempt,
	}, nil
}

func (e *Engine) fail(ctx context.Context, userID string, op Operation, attempt int, msg string) (*Outcome, error) {
	var remoteID string
	_, err := e.store.UpdateSyncRecordAtomically(ctx, userID, func(rec *status.SyncRecord) bool {
		rec.State = status.StateFailed
		rec.LastError = msg
		rec.NextRetry = nil
		remoteID = rec.RemoteObjectID
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("recording sync failure: %w", err)
	}

	slog.Error("Sync attempt failed",
		"local_id", userID, "operation", op, "attempt", attempt, "error", msg)

	e.notifier.Notify(notify.Event{
		Type:      notify.EventSyncFailure,
		UserID:    userID,
		RemoteID:  remoteID,
		Error:     msg,
		Timestamp: time.Now(),
	})

	return &Outcome{
		Disposition: DispositionFailed,
		RemoteID:    remoteID,
		Message:     msg,
		Attempt:     attempt,
	}, nil
}

// retryableError marks a non-transient condition that should still be retried,
// such as a stale linkage cleared mid-update. op, when set, overrides the
// operation the retry runs.
type retryableError struct {
	msg string
	err error
	op  Operation
}

func (r *retryableError) Error() string {
	return r.msg
}

func (r *retryableError) Unwrap() error {
	return r.err
}

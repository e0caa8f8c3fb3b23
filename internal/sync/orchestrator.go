package sync

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hris-platform/identity-sync/internal/status"
	"github.com/hris-platform/identity-sync/internal/store"
	"github.com/hris-platform/identity-sync/internal/telemetry"
)

// Task is one queued sync attempt for one user
type Task struct {
	// ID identifies this task instance
	ID string

	// UserID is the local user the task operates on
	UserID string

	// Op is the operation to execute
	Op Operation

	// Force bypasses the sync-enabled and disabled-state gates
	Force bool

	cancelled bool
}

// Rejection explains why a submission was not queued
type Rejection struct {
	UserID string `json:"local_id"`
	Reason string `json:"reason"`
}

// Accepted is one queued submission
type Accepted struct {
	UserID string `json:"local_id"`
	TaskID string `json:"task_id"`
}

// Manifest is the per-user admission result of a bulk submission. A rejection
// of one user never affects the others.
type Manifest struct {
	Accepted []Accepted  `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

const (
	reasonAlreadyInProgress = "already in progress"
	reasonAlreadyQueued     = "already queued"
	reasonSyncDisabled      = "sync disabled"
	reasonQueueFull         = "queue full"
	reasonUserNotFound      = "user not found"
)

// Orchestrator admits sync tasks into a bounded queue, runs them on a fixed
// worker pool and periodically sweeps for due retries and stuck attempts.
type Orchestrator struct {
	engine  *Engine
	store   store.UserStore
	metrics *telemetry.Metrics

	workers        int
	sweepInterval  time.Duration
	stuckThreshold time.Duration

	tasks chan *Task

	mu     sync.Mutex
	queued map[string]*Task

	// stuckSince tracks when the sweep first saw an in_progress record with
	// no in-flight attempt backing it. Guarded by sweepMu.
	sweepMu    sync.Mutex
	stuckSince map[string]time.Time

	stopOnce sync.Once
	stop     chan struct{}
	group    *errgroup.Group
}

// NewOrchestrator creates an orchestrator over the given engine
func NewOrchestrator(engine *Engine, userStore store.UserStore, metrics *telemetry.Metrics,
	workers, queueSize int, sweepInterval, stuckThreshold time.Duration,
) *Orchestrator {
	return &Orchestrator{
		engine:         engine,
		store:          userStore,
		metrics:        metrics,
		workers:        workers,
		sweepInterval:  sweepInterval,
		stuckThreshold: stuckThreshold,
		tasks:          make(chan *Task, queueSize),
		queued:         make(map[string]*Task),
		stuckSince:     make(map[string]time.Time),
		stop:           make(chan struct{}),
	}
}

// Start launches the worker pool and the retry sweep. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	o.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < o.workers; i++ {
		o.group.Go(func() error {
			o.runWorker(ctx)
			return nil
		})
	}

	o.group.Go(func() error {
		o.runSweep(ctx)
		return nil
	})

	slog.Info("Sync orchestrator started",
		"workers", o.workers, "queue_size", cap(o.tasks), "sweep_interval", o.sweepInterval)
}

// Stop shuts the orchestrator down and waits for in-flight attempts to finish.
// Queued tasks are dropped; their records stay pending and are re-admitted by
// the sweep after the next start.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stop)
		if o.group != nil {
			_ = o.group.Wait()
		}
		slog.Info("Sync orchestrator stopped")
	})
}

// Submit admits one task per user id. Each id is gated independently and the
// manifest reports the per-id result; duplicates of queued or in-flight work
// are rejected, not coalesced into errors.
func (o *Orchestrator) Submit(ctx context.Context, userIDs []string, op Operation, force bool) (*Manifest, error) {
	manifest := &Manifest{
		Accepted: []Accepted{},
		Rejected: []Rejection{},
	}

	for _, userID := range userIDs {
		reason, prevState := o.admit(ctx, userID, force)
		if reason != "" {
			manifest.Rejected = append(manifest.Rejected, Rejection{UserID: userID, Reason: reason})
			continue
		}

		task := &Task{
			ID:     uuid.NewString(),
			UserID: userID,
			Op:     op,
			Force:  force,
		}
		if !o.enqueue(task) {
			o.rollbackAdmission(ctx, userID, prevState)
			manifest.Rejected = append(manifest.Rejected, Rejection{UserID: userID, Reason: reasonQueueFull})
			continue
		}
		manifest.Accepted = append(manifest.Accepted, Accepted{UserID: userID, TaskID: task.ID})
	}

	return manifest, nil
}

// admit runs the admission gates for one user and returns the rejection
// reason, empty on success, along with the state the record held before being
// parked pending so a failed enqueue can restore it.
func (o *Orchestrator) admit(ctx context.Context, userID string, force bool) (string, status.SyncState) {
	if o.engine.InFlight(userID) {
		return reasonAlreadyInProgress, ""
	}
	o.mu.Lock()
	_, isQueued := o.queued[userID]
	o.mu.Unlock()
	if isQueued {
		return reasonAlreadyQueued, ""
	}

	user, err := o.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return reasonUserNotFound, ""
		}
		return err.Error(), ""
	}

	if user.Sync.State == status.StateInProgress {
		return reasonAlreadyInProgress, ""
	}
	if !force && (!user.Sync.SyncEnabled || user.Sync.State == status.StateDisabled) {
		return reasonSyncDisabled, ""
	}

	// Park the record in pending so the ledger reflects the queued work.
	// delete_link admits from any state, so a failed transition is not fatal.
	var prevState status.SyncState
	_, err = o.store.UpdateSyncRecordAtomically(ctx, userID, func(rec *status.SyncRecord) bool {
		prevState = rec.State
		if !rec.State.CanTransitionTo(status.StatePending) {
			return false
		}
		rec.State = status.StatePending
		return true
	})
	if err != nil {
		return err.Error(), ""
	}
	return "", prevState
}

// rollbackAdmission restores the pre-admission state of a record whose task
// never made it onto the queue, so a rejected submission leaves no trace for
// the sweep to pick up later.
func (o *Orchestrator) rollbackAdmission(ctx context.Context, userID string, prevState status.SyncState) {
	if prevState == "" || prevState == status.StatePending {
		return
	}
	_, err := o.store.UpdateSyncRecordAtomically(ctx, userID, func(rec *status.SyncRecord) bool {
		if rec.State != status.StatePending {
			return false
		}
		rec.State = prevState
		return true
	})
	if err != nil {
		slog.Error("Failed to roll back rejected admission", "local_id", userID, "error", err)
	}
}

// enqueue places the task on the channel without blocking. Registration in
// the queued map happens first so a concurrent Submit sees the duplicate.
func (o *Orchestrator) enqueue(task *Task) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	select {
	case o.tasks <- task:
		o.queued[task.UserID] = task
		o.metrics.QueueDepth.Inc()
		return true
	default:
		return false
	}
}

// Cancel removes a queued task for the given user. It returns false when no
// task is queued, including when the attempt already started.
func (o *Orchestrator) Cancel(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, ok := o.queued[userID]
	if !ok {
		return false
	}
	task.cancelled = true
	delete(o.queued, userID)
	return true
}

func (o *Orchestrator) runWorker(ctx context.Context) {
	for {
		select {
		case <-o.stop:
			return
		case <-ctx.Done():
			return
		case task := <-o.tasks:
			o.runTask(ctx, task)
		}
	}
}

func (o *Orchestrator) runTask(ctx context.Context, task *Task) {
	o.metrics.QueueDepth.Dec()

	o.mu.Lock()
	cancelled := task.cancelled
	if !cancelled {
		delete(o.queued, task.UserID)
	}
	o.mu.Unlock()
	if cancelled {
		return
	}

	start := time.Now()
	outcome, err := o.engine.Execute(ctx, task.UserID, task.Op, task.Force)
	o.metrics.SyncDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		o.metrics.SyncAttempts.WithLabelValues(string(task.Op), "error").Inc()
		if !errors.Is(err, ErrAlreadyInProgress) {
			slog.Error("Sync task failed to execute",
				"task_id", task.ID, "local_id", task.UserID, "operation", task.Op, "error", err)
		}
		return
	}

	o.metrics.SyncAttempts.WithLabelValues(string(task.Op), string(outcome.Disposition)).Inc()

	// Retry outcomes leave the record pending with a horizon; the sweep
	// re-admits it once the horizon passes.
	slog.Debug("Sync task finished",
		"task_id", task.ID, "local_id", task.UserID, "operation", task.Op,
		"disposition", outcome.Disposition, "attempt", outcome.Attempt)
}

// runSweep periodically re-admits due retries and fails attempts stuck in
// in_progress. The interval is jittered so replicas sharing a store do not
// sweep in lockstep.
func (o *Orchestrator) runSweep(ctx context.Context) {
	timer := time.NewTimer(o.jitteredInterval())
	defer timer.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			o.sweep(ctx)
			timer.Reset(o.jitteredInterval())
		}
	}
}

func (o *Orchestrator) jitteredInterval() time.Duration {
	fifth := int64(o.sweepInterval) / 5
	if fifth <= 0 {
		return o.sweepInterval
	}
	jitter := time.Duration(rand.Int63n(fifth))
	return o.sweepInterval - o.sweepInterval/10 + jitter
}

// Sweep runs one pass of the retry and stuck-attempt checks. Exported for
// operator-triggered sweeps.
func (o *Orchestrator) Sweep(ctx context.Context) {
	o.sweep(ctx)
}

func (o *Orchestrator) sweep(ctx context.Context) {
	o.sweepMu.Lock()
	defer o.sweepMu.Unlock()

	now := time.Now()
	o.readmitDueRetries(ctx, now)
	o.failStuckAttempts(ctx, now)
}

func (o *Orchestrator) readmitDueRetries(ctx context.Context, now time.Time) {
	ids, err := o.store.ListUserIDsByState(ctx, status.StatePending)
	if err != nil {
		slog.Error("Retry sweep failed to list pending users", "error", err)
		return
	}

	for _, userID := range ids {
		o.mu.Lock()
		_, isQueued := o.queued[userID]
		o.mu.Unlock()
		if isQueued || o.engine.InFlight(userID) {
			continue
		}

		user, err := o.store.GetUser(ctx, userID)
		if err != nil {
			continue
		}
		if user.Sync.NextRetry != nil && user.Sync.NextRetry.After(now) {
			continue
		}

		// Re-admit with the operation whose attempt was interrupted, so a
		// transient failure during disable or delete_link never turns into a
		// sync that resurrects the account.
		op := OperationSync
		if user.Sync.PendingOperation != "" {
			if parsed, err := ParseOperation(user.Sync.PendingOperation); err == nil {
				op = parsed
			}
		}

		task := &Task{
			ID:     uuid.NewString(),
			UserID: userID,
			Op:     op,
		}
		if !o.enqueue(task) {
			// Queue is full; the record stays pending for the next sweep
			return
		}
		slog.Info("Retry sweep re-admitted user", "local_id", userID, "task_id", task.ID)
	}
}

// failStuckAttempts detects records parked in in_progress with no in-flight
// attempt backing them, typically left behind by a crash. A record is failed
// only after staying orphaned past the stuck threshold.
func (o *Orchestrator) failStuckAttempts(ctx context.Context, now time.Time) {
	ids, err := o.store.ListUserIDsByState(ctx, status.StateInProgress)
	if err != nil {
		slog.Error("Retry sweep failed to list in-progress users", "error", err)
		return
	}

	orphaned := make(map[string]struct{}, len(ids))
	for _, userID := range ids {
		if o.engine.InFlight(userID) {
			continue
		}
		orphaned[userID] = struct{}{}

		firstSeen, seen := o.stuckSince[userID]
		if !seen {
			o.stuckSince[userID] = now
			continue
		}
		if now.Sub(firstSeen) < o.stuckThreshold {
			continue
		}

		_, err := o.store.UpdateSyncRecordAtomically(ctx, userID, func(rec *status.SyncRecord) bool {
			if rec.State != status.StateInProgress {
				return false
			}
			rec.State = status.StateFailed
			rec.LastError = "sync attempt did not complete"
			rec.NextRetry = nil
			return true
		})
		if err != nil {
			slog.Error("Failed to fail stuck sync attempt", "local_id", userID, "error", err)
			continue
		}
		delete(o.stuckSince, userID)
		slog.Warn("Failed stuck sync attempt", "local_id", userID, "stuck_for", now.Sub(firstSeen))
	}

	// Drop tracking for records that left in_progress on their own
	for userID := range o.stuckSince {
		if _, ok := orphaned[userID]; !ok {
			delete(o.stuckSince, userID)
		}
	}
}

// QueueDepth returns the number of tasks currently queued
func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queued)
}

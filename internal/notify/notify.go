// Package notify emits structured sync events to the alerting channel.
// Delivery is asynchronous and best-effort: a slow or failing consumer must
// never block or fail the sync operation itself.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies the kind of terminal transition that occurred
type EventType string

const (
	// EventSyncSuccess is emitted when a record transitions into synced
	EventSyncSuccess EventType = "sync_success"

	// EventSyncFailure is emitted when a record transitions into failed
	EventSyncFailure EventType = "sync_failure"
)

// Event is the structured payload delivered on every terminal transition
type Event struct {
	Type      EventType `json:"event_type"`
	UserID    string    `json:"local_id"`
	RemoteID  string    `json:"remote_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers sync events. Implementations must not block the caller.
type Notifier interface {
	// Notify enqueues an event for delivery. It never blocks; events are
	// dropped when the consumer cannot keep up.
	Notify(event Event)

	// Close stops the notifier after draining queued events
	Close()
}

// defaultQueueSize bounds the number of undelivered events held in memory
const defaultQueueSize = 128

// logNotifier delivers events to the structured log, which the alerting
// collaborator tails.
type logNotifier struct {
	events  chan Event
	done    chan struct{}
	dropped func()

	// mu guards closed so Notify never sends on a closed channel
	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
}

// Option configures the notifier
type Option func(*logNotifier)

// WithDroppedCallback registers a callback invoked whenever an event is
// dropped because the queue is full. Used to feed the dropped-events metric.
func WithDroppedCallback(fn func()) Option {
	return func(n *logNotifier) {
		n.dropped = fn
	}
}

// NewLogNotifier creates a notifier that writes events to slog from a single
// background goroutine.
func NewLogNotifier(opts ...Option) Notifier {
	n := &logNotifier{
		events: make(chan Event, defaultQueueSize),
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(n)
	}

	go n.run()
	return n
}

func (n *logNotifier) Notify(event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.closed {
		select {
		case n.events <- event:
			return
		default:
		}
	}
	if n.dropped != nil {
		n.dropped()
	}
	slog.Warn("Dropping sync event, notifier closed or queue full",
		"event_type", event.Type, "local_id", event.UserID)
}

func (n *logNotifier) Close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.events)
		n.mu.Unlock()
		<-n.done
	})
}

func (n *logNotifier) run() {
	defer close(n.done)
	for event := range n.events {
		switch event.Type {
		case EventSyncSuccess:
			slog.Info("Sync event",
				"event_type", event.Type,
				"local_id", event.UserID,
				"remote_id", event.RemoteID,
				"timestamp", event.Timestamp)
		case EventSyncFailure:
			slog.Error("Sync event",
				"event_type", event.Type,
				"local_id", event.UserID,
				"remote_id", event.RemoteID,
				"error", event.Error,
				"timestamp", event.Timestamp)
		}
	}
}

// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (scheduler, sessions,
// monitor, broadcast hub) to subscribers (the MQTT sink, log taps,
// tests). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"context"
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceScheduler identifies events from the task scheduler.
	SourceScheduler = "scheduler"
	// SourceSession identifies session lifecycle events.
	SourceSession = "session"
	// SourceMonitor identifies continuation-chain events.
	SourceMonitor = "monitor"
	// SourceBroadcast identifies transcript events from the broadcast hub.
	SourceBroadcast = "broadcast"
)

// Kind constants describe the type of event within a source.
const (
	// KindSessionCreated signals a session's backend is ready.
	// Data: session_id, transport.
	KindSessionCreated = "session_created"
	// KindSessionClosed signals a session was closed and its tasks dropped.
	// Data: session_id, tasks_removed.
	KindSessionClosed = "session_closed"

	// KindTaskScheduled signals a task was added to a session.
	// Data: session_id, task_id, schedule, next_run.
	KindTaskScheduled = "task_scheduled"
	// KindTaskFired signals a scheduled task has begun executing.
	// Data: session_id, task_id, scheduled_at.
	KindTaskFired = "task_fired"
	// KindTaskComplete signals a scheduled task has finished executing.
	// Data: session_id, task_id, ok, duration_ms, continuations.
	KindTaskComplete = "task_complete"
	// KindTaskDeferred signals a due task could not be queued this tick.
	// Data: session_id, task_id.
	KindTaskDeferred = "task_deferred"
	// KindTasksCleared signals tasks were removed from a session.
	// Data: session_id, removed.
	KindTasksCleared = "tasks_cleared"

	// KindPlanSaved signals a task plan was written.
	// Data: plan, tasks.
	KindPlanSaved = "plan_saved"
	// KindPlanLoaded signals a task plan was applied to a session.
	// Data: plan, session_id, tasks.
	KindPlanLoaded = "plan_loaded"

	// KindTurn signals a conversation turn was recorded.
	// Data: session_id, role, text.
	KindTurn = "turn"
	// KindScheduledExchange signals a scheduled message and its reply.
	// Data: session_id, message, response.
	KindScheduledExchange = "scheduled_exchange"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event.
		}
	}
}

// Emit stamps and publishes an event. Safe to call on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// Consume subscribes and calls fn for every event until ctx ends.
// It blocks; run it in its own goroutine.
func (b *Bus) Consume(ctx context.Context, bufSize int, fn func(Event)) {
	ch := b.Subscribe(bufSize)
	defer b.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fn(e)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

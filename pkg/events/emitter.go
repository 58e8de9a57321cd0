// Package events delivers typed task, storage and sync notifications to observers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/pkg/types"
)

// EventType represents different types of events in the system
type EventType string

const (
	// Task events
	EventTaskCreated  EventType = "task_created"
	EventTaskStatus   EventType = "task_status"
	EventTaskProgress EventType = "task_progress"
	EventTaskRemoved  EventType = "task_removed"

	// Pipeline events
	EventCompressionFallback EventType = "compression_fallback"
	EventCompressionDone     EventType = "compression_done"

	// Storage events
	EventStorageEvicted EventType = "storage_evicted"

	// Sync events
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncFailed    EventType = "sync_failed"
	EventConnectivity  EventType = "connectivity"
)

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Task is a snapshot of the task after the change.
	Task *types.DownloadTask `json:"task,omitempty"`

	// From and To are set on EventTaskStatus.
	From types.TaskStatus `json:"from,omitempty"`
	To   types.TaskStatus `json:"to,omitempty"`

	// Category and Synced are set on sync events.
	Category types.SyncCategory `json:"category,omitempty"`
	Synced   int                `json:"synced,omitempty"`

	// Online is set on EventConnectivity.
	Online bool `json:"online,omitempty"`

	// Evicted lists lesson IDs removed by quota eviction.
	Evicted []string `json:"evicted,omitempty"`

	Error string `json:"error,omitempty"`
}

// Listener is a function that handles events
type Listener func(event Event)

// Emitter manages event listeners and emits events
type Emitter struct {
	listeners map[EventType][]listenerEntry
	all       []listenerEntry
	mu        sync.RWMutex
	closed    bool
	log       logrus.FieldLogger
}

// listenerEntry holds a listener function and whether it should only run once
type listenerEntry struct {
	id       uint64
	listener Listener
	once     bool
}

var nextListenerID uint64
var idMu sync.Mutex

func newListenerID() uint64 {
	idMu.Lock()
	defer idMu.Unlock()
	nextListenerID++
	return nextListenerID
}

// NewEmitter creates a new event emitter
func NewEmitter(log logrus.FieldLogger) *Emitter {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Emitter{
		listeners: make(map[EventType][]listenerEntry),
		log:       log,
	}
}

// On adds a listener for the specified event type and returns a function that removes it.
func (e *Emitter) On(eventType EventType, listener Listener) func() {
	return e.add(eventType, listener, false)
}

// Once adds a listener that will only be called once.
func (e *Emitter) Once(eventType EventType, listener Listener) func() {
	return e.add(eventType, listener, true)
}

// OnAll adds a listener that receives every event type.
func (e *Emitter) OnAll(listener Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return func() {}
	}

	id := newListenerID()
	e.all = append(e.all, listenerEntry{id: id, listener: listener})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.all = removeEntry(e.all, id)
	}
}

func (e *Emitter) add(eventType EventType, listener Listener, once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return func() {}
	}

	id := newListenerID()
	e.listeners[eventType] = append(e.listeners[eventType], listenerEntry{
		id:       id,
		listener: listener,
		once:     once,
	})

	return func() { e.remove(eventType, id) }
}

func (e *Emitter) remove(eventType EventType, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners[eventType] = removeEntry(e.listeners[eventType], id)
	if len(e.listeners[eventType]) == 0 {
		delete(e.listeners, eventType)
	}
}

func removeEntry(entries []listenerEntry, id uint64) []listenerEntry {
	for i, entry := range entries {
		if entry.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}

	return entries
}

// snapshot copies the listeners for event and drops once listeners.
func (e *Emitter) snapshot(event *Event) []listenerEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	typed := e.listeners[event.Type]
	out := make([]listenerEntry, 0, len(typed)+len(e.all))
	out = append(out, typed...)
	out = append(out, e.all...)

	kept := typed[:0:0]
	for _, entry := range typed {
		if !entry.once {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(e.listeners, event.Type)
	} else {
		e.listeners[event.Type] = kept
	}

	return out
}

// Emit delivers event to every listener on its own goroutine.
func (e *Emitter) Emit(event Event) {
	for _, entry := range e.snapshot(&event) {
		go e.call(entry.listener, event)
	}
}

// EmitSync delivers event to every listener in registration order before returning.
func (e *Emitter) EmitSync(event Event) {
	for _, entry := range e.snapshot(&event) {
		e.call(entry.listener, event)
	}
}

func (e *Emitter) call(l Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{
				"event": event.Type,
				"panic": r,
			}).Error("event listener panicked")
		}
	}()
	l(event)
}

// Subscribe returns a channel receiving every event and a function that stops
// the subscription. Events are dropped when the channel buffer is full.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)
	var once sync.Once
	var mu sync.Mutex
	stopped := false

	off := e.OnAll(func(event Event) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		select {
		case ch <- event:
		default:
			e.log.WithField("event", event.Type).Debug("subscriber buffer full, dropping event")
		}
	})

	return ch, func() {
		once.Do(func() {
			off()
			mu.Lock()
			stopped = true
			close(ch)
			mu.Unlock()
		})
	}
}

// ListenerCount returns the number of listeners for a specific event type
func (e *Emitter) ListenerCount(eventType EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.listeners[eventType])
}

// Close drops every listener; later emits are ignored.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.listeners = make(map[EventType][]listenerEntry)
	e.all = nil
}

// WaitForEvent waits until an event of the given type matching match is emitted.
// A nil match accepts any event of that type.
func (e *Emitter) WaitForEvent(ctx context.Context, eventType EventType, match func(Event) bool) (Event, error) {
	eventChan := make(chan Event, 1)

	off := e.On(eventType, func(event Event) {
		if match != nil && !match(event) {
			return
		}
		select {
		case eventChan <- event:
		default:
		}
	})
	defer off()

	select {
	case event := <-eventChan:
		return event, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

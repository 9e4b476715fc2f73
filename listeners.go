package healthsync

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler receives the payload of one realtime event.
type Handler func(payload json.RawMessage)

// listenerRegistry maps event names to ordered handler sets. An event name is
// released as soon as its last handler is removed.
type listenerRegistry struct {
	log logrus.FieldLogger

	mu     sync.Mutex
	nextID uint64
	events map[string][]listenerEntry
}

type listenerEntry struct {
	id   uint64
	fn   Handler
	once bool
}

func newListenerRegistry(log logrus.FieldLogger) *listenerRegistry {
	return &listenerRegistry{log: log, events: make(map[string][]listenerEntry)}
}

func (r *listenerRegistry) add(event string, fn Handler, once bool) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.events[event] = append(r.events[event], listenerEntry{id: id, fn: fn, once: once})
	r.mu.Unlock()

	var done sync.Once
	return func() {
		done.Do(func() { r.remove(event, id) })
	}
}

func (r *listenerRegistry) remove(event string, id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.events[event]
	for i, e := range entries {
		if e.id != id {
			continue
		}
		entries = append(entries[:i:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(r.events, event)
		} else {
			r.events[event] = entries
		}
		return true
	}
	return false
}

// removeAll drops every handler for event.
func (r *listenerRegistry) removeAll(event string) {
	r.mu.Lock()
	delete(r.events, event)
	r.mu.Unlock()
}

// count returns the number of handlers for event.
func (r *listenerRegistry) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[event])
}

// dispatch runs every handler for event in registration order, outside the
// lock. A panicking handler is logged and does not stop the others.
func (r *listenerRegistry) dispatch(event string, payload json.RawMessage) {
	r.mu.Lock()
	entries := append([]listenerEntry(nil), r.events[event]...)
	r.mu.Unlock()

	for _, e := range entries {
		if e.once && !r.remove(event, e.id) {
			// Another dispatch already consumed it.
			continue
		}
		r.call(event, e.fn, payload)
	}
}

func (r *listenerRegistry) call(event string, fn Handler, payload json.RawMessage) {
	defer func() {
		if p := recover(); p != nil {
			r.log.WithFields(logrus.Fields{"event": event, "panic": p}).Error("realtime handler panicked")
		}
	}()
	fn(payload)
}

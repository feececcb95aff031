// Package events routes push events from the transport to the components
// that reconcile them. It is a thin subscribe/unsubscribe proxy: delivery is
// at most once per currently-registered handler, nothing is buffered for
// handlers registered after an event fired, and duplicate registration is the
// caller's responsibility.
package events

import (
	"encoding/json"
	"sync"
)

// Handler receives a push event's raw payload.
type Handler func(data json.RawMessage)

// Dispatcher fans events out to registered handlers by event name.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]Handler
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]map[int]Handler)}
}

// Subscribe registers a handler for an event name and returns a token for
// Unsubscribe.
func (d *Dispatcher) Subscribe(event string, h Handler) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	hs, ok := d.handlers[event]
	if !ok {
		hs = make(map[int]Handler)
		d.handlers[event] = hs
	}
	hs[d.nextID] = h
	return d.nextID
}

// Unsubscribe removes a previously registered handler. Unknown tokens are a
// no-op.
func (d *Dispatcher) Unsubscribe(event string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if hs, ok := d.handlers[event]; ok {
		delete(hs, id)
		if len(hs) == 0 {
			delete(d.handlers, event)
		}
	}
}

// Dispatch delivers the event to every handler registered at this moment.
func (d *Dispatcher) Dispatch(event string, data json.RawMessage) {
	d.mu.Lock()
	hs := d.handlers[event]
	snapshot := make([]Handler, 0, len(hs))
	for _, h := range hs {
		snapshot = append(snapshot, h)
	}
	d.mu.Unlock()

	for _, h := range snapshot {
		h(data)
	}
}

// Reset drops every registration. Called on teardown so no handler outlives
// its connection.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.handlers = make(map[string]map[int]Handler)
	d.mu.Unlock()
}

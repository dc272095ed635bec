package session

import (
	"sync"
)

// Registry maps session IDs to their single live subscriber. Sends never
// block: with no subscriber, or a subscriber that cannot keep up, events are
// dropped rather than queued.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]chan any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]chan any)}
}

// Subscribe binds a new subscriber to the session, displacing and closing any
// previous one. At most one subscriber is live per session. Channels are
// closed under the lock so in-flight Send calls cannot race the close.
func (r *Registry) Subscribe(sessionID string, buffer int) <-chan any {
	ch := make(chan any, buffer)

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.subs[sessionID]; ok {
		close(prev)
	}
	r.subs[sessionID] = ch
	return ch
}

// Unsubscribe removes the subscriber if it is still the current one. The
// channel is closed so the drain loop on the other side terminates.
func (r *Registry) Unsubscribe(sessionID string, ch <-chan any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.subs[sessionID]
	if ok && (<-chan any)(cur) == ch {
		delete(r.subs, sessionID)
		close(cur)
	}
}

// Send delivers an event to the session's subscriber. Returns false when the
// event was dropped (no subscriber, or its buffer is full).
func (r *Registry) Send(sessionID string, event any) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.subs[sessionID]
	if !ok {
		return false
	}
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}

// Subscribed reports whether the session currently has a live subscriber.
func (r *Registry) Subscribed(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[sessionID]
	return ok
}

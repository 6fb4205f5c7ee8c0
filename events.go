package offline

import "sync"

// Event names emitted by the Router, Syncer and Connectivity.
const (
	EventNetworkOnline       = "network.online"
	EventNetworkOffline      = "network.offline"
	EventCacheHit            = "cache.hit"
	EventCacheMiss           = "cache.miss"
	EventStorePopulateFailed = "store.populate_failed"
	EventReviewCreated       = "review.created"
	EventReviewDeferred      = "review.deferred"
	EventSyncStart           = "sync.start"
	EventSyncConfirmed       = "sync.confirmed"
	EventSyncFailed          = "sync.failed"
	EventSyncComplete        = "sync.complete"
)

// EventHandler handles an emitted event.
type EventHandler func(event string, payload any)

// Emitter fans events out to registered handlers. The zero value is ready to use.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers handler for event. "*" receives every event.
func (e *Emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *Emitter) emit(event string, payload any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	handlers := append(append([]EventHandler{}, e.listeners[event]...), e.listeners["*"]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

// RemoveAll drops every handler.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
}

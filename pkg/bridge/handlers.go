package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes one inbound action or one delivered event payload.
type Handler func(ctx context.Context, payload Payload) error

// HandlerID identifies a registration so it can be removed later.
type HandlerID uint64

type registeredHandler struct {
	id      HandlerID
	handler Handler
}

// HandlerFailure describes one handler invocation that returned an error or panicked.
type HandlerFailure struct {
	Type string
	ID   HandlerID
	Err  error
}

// Handlers is a registry of handlers keyed by message type. It is owned by
// the composition root and shared with whoever dispatches into it.
type Handlers struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]registeredHandler
	nextID   HandlerID
}

func NewHandlers(log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}

	return &Handlers{
		log:      log.With("component", "bridge.handlers"),
		handlers: make(map[string][]registeredHandler),
	}
}

// On appends a handler for messageType. Handlers run in registration order.
func (h *Handlers) On(messageType string, handler Handler) HandlerID {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.handlers[messageType] = append(h.handlers[messageType], registeredHandler{id: id, handler: handler})
	return id
}

// Off removes one registration. It reports whether the handler was found.
func (h *Handlers) Off(messageType string, id HandlerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	current := h.handlers[messageType]
	for i, registered := range current {
		if registered.id != id {
			continue
		}

		// Copy instead of shifting in place: in-flight dispatches hold the old slice.
		next := make([]registeredHandler, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(h.handlers, messageType)
		} else {
			h.handlers[messageType] = next
		}
		return true
	}

	return false
}

// Count returns the number of handlers registered for messageType.
func (h *Handlers) Count(messageType string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.handlers[messageType])
}

// Dispatch invokes every handler registered for messageType against a
// snapshot taken before the first call. A failing handler does not stop the
// others; failures are logged and returned.
func (h *Handlers) Dispatch(ctx context.Context, messageType string, payload Payload) (int, []HandlerFailure) {
	h.mu.RLock()
	snapshot := h.handlers[messageType]
	h.mu.RUnlock()

	if len(snapshot) == 0 {
		h.log.Debug("No handlers registered", "event_type", messageType)
		return 0, nil
	}

	var failures []HandlerFailure
	for _, registered := range snapshot {
		if err := invoke(ctx, registered.handler, payload); err != nil {
			h.log.Warn("Handler failed", "event_type", messageType, "handler_id", uint64(registered.id), "error", err)
			failures = append(failures, HandlerFailure{Type: messageType, ID: registered.id, Err: err})
		}
	}

	return len(snapshot), failures
}

func invoke(ctx context.Context, handler Handler, payload Payload) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()

	return handler(ctx, payload)
}

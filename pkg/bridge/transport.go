package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultDiagnosticBuffer = 64

var ErrClosed = errors.New("bridge transport is closed")

// Transport moves actions from the frontend to native handlers and event
// frames from native emitters to the frontend.
//
// The outbound direction is a pull queue: Send appends encoded frames and
// the frontend removes them with Next or Drain at its own pace. Nothing is
// dropped and order is preserved.
type Transport struct {
	handlers *Handlers
	schemas  *SchemaRegistry
	log      *slog.Logger
	now      func() time.Time

	queueMu sync.Mutex
	queue   [][]byte
	wake    chan struct{}

	initialized atomic.Bool
	connected   atomic.Bool

	diagSubscribers map[uint64]chan Diagnostic
	nextDiagID      uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

// NewTransport wires a transport to a handler registry and schema registry
// owned by the caller. Nil registries are replaced with empty ones.
func NewTransport(handlers *Handlers, schemas *SchemaRegistry, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	if handlers == nil {
		handlers = NewHandlers(log)
	}
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}

	return &Transport{
		handlers:        handlers,
		schemas:         schemas,
		log:             log.With("component", "bridge.transport"),
		now:             time.Now,
		wake:            make(chan struct{}, 1),
		diagSubscribers: make(map[uint64]chan Diagnostic),
		done:            make(chan struct{}),
	}
}

// Handlers exposes the registry inbound actions are dispatched into.
func (t *Transport) Handlers() *Handlers {
	return t.handlers
}

// Send encodes an event and appends it to the outbound queue. Schema
// violations are reported as diagnostics; the frame is still queued.
func (t *Transport) Send(eventType string, data any) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return errors.New("event type is required")
	}

	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	frame, event, err := EncodeEvent(eventType, data, t.now())
	if err != nil {
		return err
	}

	t.validate(eventType, event.Data)

	t.queueMu.Lock()
	t.queue = append(t.queue, frame)
	pending := len(t.queue)
	t.queueMu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}

	if eventType == EventChatInitialized {
		t.initialized.Store(true)
		t.connected.Store(true)
	}

	t.log.Debug("Frame queued", "event_type", eventType, "pending", pending, "bytes", len(frame))
	return nil
}

// Next blocks until a frame is available and removes it from the queue. It
// returns false when ctx ends, or once the transport is closed and drained.
func (t *Transport) Next(ctx context.Context) ([]byte, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if frame, ok := t.pop(); ok {
			return frame, true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-t.done:
			return t.pop()
		case <-t.wake:
		}
	}
}

// Drain removes and returns every queued frame in order.
func (t *Transport) Drain() [][]byte {
	t.queueMu.Lock()
	defer t.queueMu.Unlock()

	if len(t.queue) == 0 {
		return nil
	}

	frames := t.queue
	t.queue = nil
	return frames
}

// Pending returns the number of undelivered frames.
func (t *Transport) Pending() int {
	t.queueMu.Lock()
	defer t.queueMu.Unlock()

	return len(t.queue)
}

func (t *Transport) pop() ([]byte, bool) {
	t.queueMu.Lock()
	defer t.queueMu.Unlock()

	if len(t.queue) == 0 {
		return nil, false
	}

	frame := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	return frame, true
}

// On registers a handler for an inbound action type.
func (t *Transport) On(actionType string, handler Handler) HandlerID {
	return t.handlers.On(actionType, handler)
}

// Off removes a handler registered with On.
func (t *Transport) Off(actionType string, id HandlerID) bool {
	return t.handlers.Off(actionType, id)
}

// Receive validates and dispatches one inbound action. Unknown actions are
// accepted; handler failures surface as diagnostics, not as errors.
func (t *Transport) Receive(ctx context.Context, msg ActionMessage) error {
	if strings.TrimSpace(msg.Action) == "" {
		return ErrMissingAction
	}

	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if msg.Payload == nil {
		msg.Payload = Payload{}
	}

	t.validate(msg.Action, msg.Payload)

	delivered, failures := t.handlers.Dispatch(ctx, msg.Action, msg.Payload)
	for _, failure := range failures {
		t.publishDiagnostic(Diagnostic{
			Kind:  DiagnosticHandlerFailed,
			Type:  failure.Type,
			Error: failure.Err.Error(),
		})
	}

	t.log.Debug("Action dispatched", "event_type", msg.Action, "handlers", delivered, "failures", len(failures))
	return nil
}

// ReceiveJSON decodes a flat wire action and dispatches it.
func (t *Transport) ReceiveJSON(ctx context.Context, raw []byte) error {
	msg, err := DecodeAction(raw)
	if err != nil {
		return err
	}

	return t.Receive(ctx, msg)
}

func (t *Transport) validate(messageType string, data any) {
	result := t.schemas.Validate(messageType, data)
	if result.Valid {
		return
	}

	t.log.Warn("Schema validation failed", "event_type", messageType, "missing", result.Missing)
	t.publishDiagnostic(Diagnostic{
		Kind:    DiagnosticSchemaViolation,
		Type:    messageType,
		Missing: result.Missing,
	})
}

// Initialized reports whether chat_initialized has been sent.
func (t *Transport) Initialized() bool {
	return t.initialized.Load()
}

// Connected reports whether the frontend link is considered live.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// Close stops accepting frames and actions. Queued frames can still be drained.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.connected.Store(false)

		t.mu.Lock()
		for id, ch := range t.diagSubscribers {
			close(ch)
			delete(t.diagSubscribers, id)
		}
		t.mu.Unlock()
	})
}

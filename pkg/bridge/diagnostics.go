package bridge

import (
	"context"
	"sync"
	"time"
)

type DiagnosticKind string

const (
	DiagnosticSchemaViolation DiagnosticKind = "schema_violation"
	DiagnosticHandlerFailed   DiagnosticKind = "handler_failed"
)

// Diagnostic is a non-fatal problem observed by the transport.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Type    string         `json:"type"`
	Missing []string       `json:"missing,omitempty"`
	Error   string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}

func (t *Transport) publishDiagnostic(diag Diagnostic) {
	if diag.At.IsZero() {
		diag.At = t.now().UTC()
	}

	select {
	case <-t.done:
		return
	default:
	}

	// Sends are non-blocking, so holding the read lock keeps unsubscribe from
	// closing a channel mid-send.
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.diagSubscribers {
		select {
		case ch <- diag:
		default:
			// Drop instead of blocking dispatch on slow subscribers.
		}
	}
}

// SubscribeDiagnostics streams diagnostics until ctx ends, the returned
// unsubscribe func is called, or the transport closes.
func (t *Transport) SubscribeDiagnostics(ctx context.Context, buffer int) (<-chan Diagnostic, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultDiagnosticBuffer
	}

	ch := make(chan Diagnostic, buffer)

	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := t.nextDiagID
	t.nextDiagID++
	t.diagSubscribers[id] = ch
	t.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			t.mu.Lock()
			if diagCh, ok := t.diagSubscribers[id]; ok {
				delete(t.diagSubscribers, id)
				close(diagCh)
			}
			t.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-t.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}

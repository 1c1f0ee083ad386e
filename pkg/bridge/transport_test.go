package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()

	tr := NewTransport(NewHandlers(nil), DefaultSchemas(), nil)
	t.Cleanup(tr.Close)
	return tr
}

func decodeFrames(t *testing.T, frames [][]byte) []Event {
	t.Helper()

	events := make([]Event, 0, len(frames))
	for _, frame := range frames {
		event, err := DecodeEvent(frame)
		require.NoError(t, err)
		events = append(events, event)
	}
	return events
}

func TestSendPreservesOrderAndRemovesOnConsume(t *testing.T) {
	tr := newTestTransport(t)

	for _, text := range []string{"H", "He", "Hel"} {
		require.NoError(t, tr.Send(EventStreamChunk, map[string]any{"text": text}))
	}
	require.Equal(t, 3, tr.Pending())

	frame, ok := tr.Next(context.Background())
	require.True(t, ok)
	first, err := DecodeEvent(frame)
	require.NoError(t, err)
	require.Equal(t, "H", first.Payload().String("text"))
	require.Equal(t, 2, tr.Pending())

	rest := decodeFrames(t, tr.Drain())
	require.Len(t, rest, 2)
	require.Equal(t, "He", rest[0].Payload().String("text"))
	require.Equal(t, "Hel", rest[1].Payload().String("text"))
	require.Zero(t, tr.Pending())
	require.Nil(t, tr.Drain())
}

func TestSendRejectsUnserializableData(t *testing.T) {
	tr := newTestTransport(t)

	err := tr.Send(EventStreamChunk, map[string]any{"text": make(chan int)})
	require.Error(t, err)
	require.Zero(t, tr.Pending())
}

func TestSendUnknownEventTypeIsDelivered(t *testing.T) {
	tr := newTestTransport(t)
	diags, unsubscribe := tr.SubscribeDiagnostics(context.Background(), 4)
	defer unsubscribe()

	require.NoError(t, tr.Send("brand_new_event", map[string]any{"anything": true}))

	events := decodeFrames(t, tr.Drain())
	require.Len(t, events, 1)
	require.Equal(t, "brand_new_event", events[0].Type)

	select {
	case diag := <-diags:
		t.Fatalf("unexpected diagnostic %+v", diag)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendSchemaViolationIsNonFatal(t *testing.T) {
	tr := newTestTransport(t)
	diags, unsubscribe := tr.SubscribeDiagnostics(context.Background(), 4)
	defer unsubscribe()

	require.NoError(t, tr.Send(EventErrorOccurred, map[string]any{"error": "boom"}))
	require.Equal(t, 1, tr.Pending())

	select {
	case diag := <-diags:
		require.Equal(t, DiagnosticSchemaViolation, diag.Kind)
		require.Equal(t, EventErrorOccurred, diag.Type)
		require.Equal(t, []string{"timestamp"}, diag.Missing)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected schema diagnostic")
	}
}

func TestChatInitializedFlipsStateFlags(t *testing.T) {
	tr := newTestTransport(t)

	require.NoError(t, tr.Send(EventStreamChunk, map[string]any{"text": "x"}))
	require.False(t, tr.Initialized())
	require.False(t, tr.Connected())

	require.NoError(t, tr.Send(EventChatInitialized, map[string]any{
		"conversationHistory": []any{},
		"expectNewMessage":    false,
	}))
	require.True(t, tr.Initialized())
	require.True(t, tr.Connected())
}

func TestNextUnblocksOnSend(t *testing.T) {
	tr := newTestTransport(t)

	got := make(chan []byte, 1)
	go func() {
		frame, ok := tr.Next(context.Background())
		if ok {
			got <- frame
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Send(EventStreamChunk, map[string]any{"text": "late"}))

	select {
	case frame := <-got:
		event, err := DecodeEvent(frame)
		require.NoError(t, err)
		require.Equal(t, "late", event.Payload().String("text"))
	case <-time.After(500 * time.Millisecond):
		t.Fatal("next did not unblock after send")
	}
}

func TestNextStopsOnCanceledContext(t *testing.T) {
	tr := newTestTransport(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := tr.Next(ctx)
	require.False(t, ok)
}

func TestCloseRejectsSendButDrainsQueued(t *testing.T) {
	tr := NewTransport(nil, nil, nil)
	require.NoError(t, tr.Send(EventStreamChunk, map[string]any{"text": "kept"}))

	tr.Close()

	require.ErrorIs(t, tr.Send(EventStreamChunk, map[string]any{"text": "lost"}), ErrClosed)
	require.ErrorIs(t, tr.Receive(context.Background(), NewAction(ActionSendMessage, nil)), ErrClosed)

	frame, ok := tr.Next(context.Background())
	require.True(t, ok)
	require.NotEmpty(t, frame)

	_, ok = tr.Next(context.Background())
	require.False(t, ok)
}

func TestReceiveDispatchesInRegistrationOrder(t *testing.T) {
	tr := newTestTransport(t)

	var order []string
	tr.On(ActionSendMessage, func(_ context.Context, p Payload) error {
		order = append(order, "first:"+p.String("message"))
		return nil
	})
	tr.On(ActionSendMessage, func(_ context.Context, p Payload) error {
		order = append(order, "second:"+p.String("message"))
		return nil
	})

	require.NoError(t, tr.Receive(context.Background(), NewAction(ActionSendMessage, Payload{"message": "hi"})))
	require.Equal(t, []string{"first:hi", "second:hi"}, order)
}

func TestReceiveIsolatesFailingHandlers(t *testing.T) {
	tr := newTestTransport(t)
	diags, unsubscribe := tr.SubscribeDiagnostics(context.Background(), 4)
	defer unsubscribe()

	var calls []string
	tr.On(ActionClickButton, func(context.Context, Payload) error {
		calls = append(calls, "error")
		return errors.New("boom")
	})
	tr.On(ActionClickButton, func(context.Context, Payload) error {
		calls = append(calls, "panic")
		panic("kaboom")
	})
	tr.On(ActionClickButton, func(context.Context, Payload) error {
		calls = append(calls, "ok")
		return nil
	})

	require.NoError(t, tr.Receive(context.Background(), NewAction(ActionClickButton, Payload{"buttonId": "b1"})))
	require.Equal(t, []string{"error", "panic", "ok"}, calls)

	for i := 0; i < 2; i++ {
		select {
		case diag := <-diags:
			require.Equal(t, DiagnosticHandlerFailed, diag.Kind)
			require.Equal(t, ActionClickButton, diag.Type)
			require.NotEmpty(t, diag.Error)
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected handler diagnostic")
		}
	}
}

func TestReceiveUnknownActionIsAccepted(t *testing.T) {
	tr := newTestTransport(t)

	require.NoError(t, tr.Receive(context.Background(), NewAction("not_yet_invented", Payload{"x": 1})))
}

func TestReceiveMissingRequiredFieldStillDispatches(t *testing.T) {
	tr := newTestTransport(t)

	called := false
	tr.On(ActionSendMessage, func(context.Context, Payload) error {
		called = true
		return nil
	})

	require.NoError(t, tr.Receive(context.Background(), NewAction(ActionSendMessage, nil)))
	require.True(t, called)
}

func TestOffDuringDispatchDoesNotAffectCurrentDispatch(t *testing.T) {
	tr := newTestTransport(t)

	var secondID HandlerID
	var calls []string
	var removed []bool
	tr.On(ActionForceNewConversation, func(context.Context, Payload) error {
		calls = append(calls, "first")
		removed = append(removed, tr.Off(ActionForceNewConversation, secondID))
		return nil
	})
	secondID = tr.On(ActionForceNewConversation, func(context.Context, Payload) error {
		calls = append(calls, "second")
		return nil
	})

	require.NoError(t, tr.Receive(context.Background(), NewAction(ActionForceNewConversation, nil)))
	require.Equal(t, []string{"first", "second"}, calls)

	calls = nil
	require.NoError(t, tr.Receive(context.Background(), NewAction(ActionForceNewConversation, nil)))
	require.Equal(t, []string{"first"}, calls)
	require.Equal(t, []bool{true, false}, removed)
	require.False(t, tr.Off(ActionForceNewConversation, secondID))
}

func TestConcurrentRegistrationAndDispatch(t *testing.T) {
	tr := newTestTransport(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := tr.On(ActionUserActivity, func(context.Context, Payload) error { return nil })
			tr.Off(ActionUserActivity, id)
		}()
		go func() {
			defer wg.Done()
			_ = tr.Receive(context.Background(), NewAction(ActionUserActivity, Payload{"activityData": "{}"}))
		}()
	}
	wg.Wait()
}

func TestActionWireFormatIsFlat(t *testing.T) {
	raw, err := json.Marshal(NewAction(ActionSendMessage, Payload{"message": "Hi"}))
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(raw, &flat))
	require.Equal(t, map[string]any{"action": "send_message", "message": "Hi"}, flat)

	decoded, err := DecodeAction([]byte(`{"action":"click_button","buttonId":"b2","extra":{"nested":true}}`))
	require.NoError(t, err)
	require.Equal(t, ActionClickButton, decoded.Action)
	require.Equal(t, "b2", decoded.Payload.String("buttonId"))
	require.NotContains(t, decoded.Payload, "action")

	_, err = DecodeAction([]byte(`{"message":"no action"}`))
	require.ErrorIs(t, err, ErrMissingAction)
}

func TestDecodeEventToleratesExtraFields(t *testing.T) {
	event, err := DecodeEvent([]byte(`{"eventType":"stream_chunk","data":{"text":"x"},"timestamp":1700000000000,"version":2}`))
	require.NoError(t, err)
	require.Equal(t, EventStreamChunk, event.Type)
	require.Equal(t, "x", event.Payload().String("text"))
	require.Equal(t, int64(1700000000000), event.At().UnixMilli())
}

func TestReceiveJSONRejectsMalformedInput(t *testing.T) {
	tr := newTestTransport(t)

	require.Error(t, tr.ReceiveJSON(context.Background(), []byte(`{not json`)))
	require.NoError(t, tr.ReceiveJSON(context.Background(), []byte(`{"action":"get_conversation_history"}`)))
}

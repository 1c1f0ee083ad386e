package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event types sent from the native pipeline to the frontend.
const (
	EventChatInitialized     = "chat_initialized"
	EventMessageReceived     = "message_received"
	EventStreamChunk         = "stream_chunk"
	EventErrorOccurred       = "error_occurred"
	EventConversationHistory = "conversation_history"
	EventAgentNamed          = "agent_named"
)

// Action types sent from the frontend to the native pipeline.
const (
	ActionSendMessage            = "send_message"
	ActionClickButton            = "click_button"
	ActionUserActivity           = "user_activity"
	ActionForceNewConversation   = "force_new_conversation"
	ActionGetConversationHistory = "get_conversation_history"
)

const actionKey = "action"

var ErrMissingAction = errors.New("action message has no action")

// Payload is the flat field map carried by actions and decoded event data.
type Payload map[string]any

// String returns a trimmed string field, or "" when absent or not a string.
func (p Payload) String(key string) string {
	value, ok := p[key].(string)
	if !ok {
		return ""
	}

	return strings.TrimSpace(value)
}

// Bool returns a boolean field, false when absent.
func (p Payload) Bool(key string) bool {
	value, _ := p[key].(bool)
	return value
}

// Event is one frame delivered to the frontend.
type Event struct {
	Type      string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// At converts the millisecond timestamp back to a time.
func (e Event) At() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// Payload decodes object data into a field map. Non-object data yields an empty map.
func (e Event) Payload() Payload {
	var payload Payload
	if err := json.Unmarshal(e.Data, &payload); err != nil || payload == nil {
		return Payload{}
	}

	return payload
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.Type, err)
	}

	return nil
}

// EncodeEvent serializes an event frame. Data must be JSON encodable.
func EncodeEvent(eventType string, data any, at time.Time) ([]byte, Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, Event{}, fmt.Errorf("encode %s data: %w", eventType, err)
	}

	event := Event{Type: eventType, Data: raw, Timestamp: at.UnixMilli()}
	frame, err := json.Marshal(event)
	if err != nil {
		return nil, Event{}, fmt.Errorf("encode %s frame: %w", eventType, err)
	}

	return frame, event, nil
}

// DecodeEvent parses a frame. Unknown top-level fields are ignored.
func DecodeEvent(frame []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(frame, &event); err != nil {
		return Event{}, fmt.Errorf("decode event frame: %w", err)
	}
	if strings.TrimSpace(event.Type) == "" {
		return Event{}, errors.New("event frame has no eventType")
	}

	return event, nil
}

// ActionMessage is an inbound request from the frontend. On the wire it is a
// flat object: {"action": "...", ...payload}.
type ActionMessage struct {
	Action  string
	Payload Payload
}

// NewAction builds an action message with an optional payload.
func NewAction(action string, payload Payload) ActionMessage {
	if payload == nil {
		payload = Payload{}
	}

	return ActionMessage{Action: action, Payload: payload}
}

func (m ActionMessage) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(m.Payload)+1)
	for key, value := range m.Payload {
		flat[key] = value
	}
	flat[actionKey] = m.Action

	return json.Marshal(flat)
}

func (m *ActionMessage) UnmarshalJSON(raw []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return err
	}

	action, _ := flat[actionKey].(string)
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrMissingAction
	}
	delete(flat, actionKey)

	m.Action = action
	m.Payload = flat
	return nil
}

// DecodeAction parses one flat wire action.
func DecodeAction(raw []byte) (ActionMessage, error) {
	var msg ActionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ActionMessage{}, fmt.Errorf("decode action: %w", err)
	}

	return msg, nil
}

package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleBot    Role = "bot"
	RoleSystem Role = "system"
)

// Button is one quick-reply option attached to a bot message.
type Button struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Message is one entry of a conversation history. Messages are values and
// are never mutated after they are appended.
type Message struct {
	ID                   string            `json:"id"`
	Role                 Role              `json:"role"`
	Text                 string            `json:"message"`
	Buttons              []Button          `json:"buttons,omitempty"`
	Timestamp            time.Time         `json:"timestamp"`
	ButtonName           string            `json:"buttonName,omitempty"`
	UserActivityMetadata map[string]string `json:"userActivityMetadata,omitempty"`
}

// NewMessage stamps a message with a fresh id and the current UTC time.
func NewMessage(role Role, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a deep copy so callers cannot alias history internals.
func (m Message) Clone() Message {
	out := m
	if m.Buttons != nil {
		out.Buttons = append([]Button(nil), m.Buttons...)
	}
	if m.UserActivityMetadata != nil {
		out.UserActivityMetadata = make(map[string]string, len(m.UserActivityMetadata))
		for k, v := range m.UserActivityMetadata {
			out.UserActivityMetadata[k] = v
		}
	}

	return out
}

// FindButton looks up a button by id.
func (m Message) FindButton(id string) (Button, bool) {
	id = strings.TrimSpace(id)
	for _, button := range m.Buttons {
		if button.ID == id {
			return button, true
		}
	}

	return Button{}, false
}

// Payload renders the message_received event body.
func (m Message) Payload() map[string]any {
	buttons := m.Buttons
	if buttons == nil {
		buttons = []Button{}
	}

	return map[string]any{
		"id":                   m.ID,
		"role":                 string(m.Role),
		"message":              m.Text,
		"buttons":              buttons,
		"timestamp":            m.Timestamp.UnixMilli(),
		"buttonName":           m.ButtonName,
		"userActivityMetadata": m.UserActivityMetadata,
	}
}

// CloneHistory copies a history slice, including nested buttons and metadata.
func CloneHistory(history []Message) []Message {
	if len(history) == 0 {
		return []Message{}
	}

	out := make([]Message, len(history))
	for i, msg := range history {
		out[i] = msg.Clone()
	}

	return out
}

// LastBotMessage returns the most recent bot entry.
func LastBotMessage(history []Message) (Message, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleBot {
			return history[i], true
		}
	}

	return Message{}, false
}

// SerializeHistory encodes history as compact JSON for routing prompts.
func SerializeHistory(history []Message) string {
	type entry struct {
		Role string `json:"role"`
		Text string `json:"text"`
	}

	entries := make([]entry, 0, len(history))
	for _, msg := range history {
		entries = append(entries, entry{Role: string(msg.Role), Text: msg.Text})
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}

	return string(raw)
}

package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateUnknownTypeIsAlwaysValid(t *testing.T) {
	schemas := DefaultSchemas()

	types := []string{"", "future_event", "chat_initialized ", "MESSAGE_RECEIVED", "\x00\xff", "'; drop table--"}
	payloads := []any{nil, map[string]any{}, "not an object", 42, map[string]any{"text": nil}}

	for _, messageType := range types {
		for _, payload := range payloads {
			result := schemas.Validate(messageType, payload)
			require.Truef(t, result.Valid, "type %q payload %#v", messageType, payload)
			require.Empty(t, result.Missing)
		}
	}
}

func TestValidateReportsExactlyTheMissingField(t *testing.T) {
	schemas := NewSchemaRegistry()
	schemas.Register("pair", "a", "b")

	result := schemas.Validate("pair", map[string]any{"a": 1})

	require.False(t, result.Valid)
	require.Equal(t, []string{"b"}, result.Missing)
}

func TestValidateTreatsNullAsMissing(t *testing.T) {
	schemas := NewSchemaRegistry()
	schemas.Register("pair", "a", "b")

	result := schemas.Validate("pair", json.RawMessage(`{"a": null, "b": false}`))

	require.False(t, result.Valid)
	require.Equal(t, []string{"a"}, result.Missing)
}

func TestValidateAcceptsStructs(t *testing.T) {
	schemas := DefaultSchemas()

	type chunk struct {
		Text string `json:"text"`
	}

	require.True(t, schemas.Validate(EventStreamChunk, chunk{Text: "He"}).Valid)
	require.Equal(t, []string{"error", "timestamp"}, schemas.Validate(EventErrorOccurred, struct{}{}).Missing)
}

func TestRequiredReturnsCopy(t *testing.T) {
	schemas := DefaultSchemas()

	fields, ok := schemas.Required(EventChatInitialized)
	require.True(t, ok)
	fields[0] = "mutated"

	again, _ := schemas.Required(EventChatInitialized)
	require.Equal(t, "conversationHistory", again[0])
}

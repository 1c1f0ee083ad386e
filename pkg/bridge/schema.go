package bridge

import (
	"encoding/json"
	"strings"
	"sync"
)

// ValidationResult reports the required fields missing from a payload.
type ValidationResult struct {
	Valid   bool
	Missing []string
}

// SchemaRegistry maps message types to their required fields. Types with no
// entry are always valid so newer peers can introduce message types without
// breaking older ones.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string][]string
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string][]string)}
}

// DefaultSchemas returns a registry preloaded with the bridge protocol.
func DefaultSchemas() *SchemaRegistry {
	r := NewSchemaRegistry()
	r.Register(EventChatInitialized, "conversationHistory", "expectNewMessage")
	r.Register(EventMessageReceived, "role", "message", "timestamp")
	r.Register(EventStreamChunk, "text")
	r.Register(EventErrorOccurred, "error", "timestamp")

	r.Register(ActionSendMessage, "message")
	r.Register(ActionClickButton, "buttonId")
	r.Register(ActionUserActivity, "activityData")
	return r
}

// Register sets the required field list for a type, replacing any previous entry.
func (r *SchemaRegistry) Register(messageType string, required ...string) {
	fields := make([]string, 0, len(required))
	for _, field := range required {
		if field = strings.TrimSpace(field); field != "" {
			fields = append(fields, field)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[messageType] = fields
}

// Required returns the registered fields for a type.
func (r *SchemaRegistry) Required(messageType string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fields, ok := r.schemas[messageType]
	if !ok {
		return nil, false
	}

	return append([]string(nil), fields...), true
}

// Validate checks data against the schema for messageType. Missing fields are
// listed in schema order; a field holding JSON null counts as missing.
func (r *SchemaRegistry) Validate(messageType string, data any) ValidationResult {
	required, ok := r.Required(messageType)
	if !ok || len(required) == 0 {
		return ValidationResult{Valid: true}
	}

	fields := normalize(data)
	var missing []string
	for _, field := range required {
		if value, present := fields[field]; !present || value == nil {
			missing = append(missing, field)
		}
	}

	return ValidationResult{Valid: len(missing) == 0, Missing: missing}
}

// normalize turns maps and encodable structs into a generic field map.
func normalize(data any) map[string]any {
	switch typed := data.(type) {
	case nil:
		return nil
	case map[string]any:
		return typed
	case Payload:
		return typed
	case json.RawMessage:
		return decodeObject(typed)
	case []byte:
		return decodeObject(typed)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}

	return decodeObject(raw)
}

func decodeObject(raw []byte) map[string]any {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}

	return fields
}

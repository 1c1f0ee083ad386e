// Package compose renders capability requests into model prompts and parses
// structured model output. It is shared by every model-backed provider.
package compose

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"chatbridge/pkg/conversation"
	"chatbridge/pkg/prompts"
	"chatbridge/pkg/service"
)

// RouteSchema returns the JSON schema of service.Route.
func RouteSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	return reflector.Reflect(service.Route{})
}

// RouterSystemPrompt is the routing instruction followed by the route schema.
func RouterSystemPrompt() (string, error) {
	instruction, err := prompts.Router()
	if err != nil {
		return "", err
	}

	schema, err := json.MarshalIndent(RouteSchema(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode route schema: %w", err)
	}

	return instruction + "\n\n" + string(schema), nil
}

// RouterUserPrompt renders the message to route with its serialized history.
func RouterUserPrompt(req service.RouteRequest) string {
	var b strings.Builder
	b.WriteString("Conversation so far (JSON):\n")
	history := strings.TrimSpace(req.History)
	if history == "" {
		history = "[]"
	}
	b.WriteString(history)
	b.WriteString("\n\nLatest user message:\n")
	b.WriteString(strings.TrimSpace(req.Message))

	return b.String()
}

// ParseRoute extracts the JSON route object from model output. Models sometimes
// wrap the object in prose or code fences, so the outermost braces are used.
func ParseRoute(text string) (service.Route, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return service.Route{}, errors.New("route response contains no JSON object")
	}

	var route service.Route
	if err := json.Unmarshal([]byte(text[start:end+1]), &route); err != nil {
		return service.Route{}, fmt.Errorf("decode route response: %w", err)
	}
	route.Agent = strings.TrimSpace(route.Agent)
	route.KnowledgeKey = strings.TrimSpace(route.KnowledgeKey)

	return route, nil
}

// GenerationSystemPrompt assembles the agent instruction with retrieved context and the learner profile.
func GenerationSystemPrompt(req service.GenerateRequest) string {
	sections := []string{strings.TrimSpace(req.Instruction)}
	sections = appendSection(sections, "Examples", req.Examples)
	sections = appendSection(sections, "Knowledge", req.Knowledge)
	sections = appendSection(sections, "Learner profile", req.Profile)

	return strings.Join(sections, "\n\n")
}

// ProfileUserPrompt renders the current profile and transcript for a profile update.
func ProfileUserPrompt(req service.ProfileRequest) string {
	profile := strings.TrimSpace(req.Profile)
	if profile == "" {
		profile = "(empty)"
	}

	return "Current profile:\n" + profile + "\n\nConversation:\n" + Transcript(req.History)
}

// NameUserPrompt renders the transcript the agent name is derived from.
func NameUserPrompt(req service.NameRequest) string {
	return "Conversation:\n" + Transcript(req.History)
}

// Transcript renders history as speaker-labelled lines.
func Transcript(history []conversation.Message) string {
	lines := make([]string, 0, len(history))
	for _, msg := range history {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		lines = append(lines, speaker(msg.Role)+": "+text)
	}
	if len(lines) == 0 {
		return "(no messages)"
	}

	return strings.Join(lines, "\n")
}

// LastUserText returns the text of the most recent user message.
func LastUserText(history []conversation.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == conversation.RoleUser {
			return strings.TrimSpace(history[i].Text)
		}
	}

	return ""
}

// CleanName trims quotes and punctuation models like to wrap short labels in.
func CleanName(text string) string {
	name := strings.TrimSpace(text)
	if idx := strings.IndexByte(name, '\n'); idx >= 0 {
		name = name[:idx]
	}

	return strings.TrimSpace(strings.Trim(name, "\"'`.*"))
}

// NormalizeModel strips an optional "<provider>/" prefix, rejecting foreign providers.
func NormalizeModel(model string, providerID string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	prefix := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if prefix == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if prefix != providerID {
		return "", fmt.Errorf("model provider %q is not supported by %s provider", prefix, providerID)
	}

	return modelID, nil
}

// StreamText tracks cumulative streamed text and reports only visible growth,
// so chunk callbacks never shrink or repeat.
type StreamText struct {
	raw     strings.Builder
	emitted string
}

// Add appends a delta and returns the new visible text when it grew.
func (s *StreamText) Add(delta string) (string, bool) {
	s.raw.WriteString(delta)

	visible := service.VisibleText(s.raw.String())
	if visible == s.emitted || !strings.HasPrefix(visible, s.emitted) {
		return "", false
	}
	s.emitted = visible

	return visible, true
}

// Raw returns the full unprocessed text received so far.
func (s *StreamText) Raw() string {
	return s.raw.String()
}

func appendSection(sections []string, title string, body string) []string {
	body = strings.TrimSpace(body)
	if body == "" {
		return sections
	}

	return append(sections, "## "+title+"\n"+body)
}

func speaker(role conversation.Role) string {
	switch role {
	case conversation.RoleUser:
		return "User"
	case conversation.RoleBot:
		return "Companion"
	default:
		return "System"
	}
}

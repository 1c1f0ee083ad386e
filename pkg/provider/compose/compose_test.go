package compose

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"chatbridge/pkg/conversation"
	"chatbridge/pkg/service"
)

func TestRouteSchemaRequiresAgent(t *testing.T) {
	encoded, err := json.Marshal(RouteSchema())
	require.NoError(t, err)

	var schema struct {
		Required   []string       `json:"required"`
		Properties map[string]any `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(encoded, &schema))
	require.Contains(t, schema.Required, "agent")
	require.Contains(t, schema.Properties, "knowledge_key")

	prompt, err := RouterSystemPrompt()
	require.NoError(t, err)
	require.Contains(t, prompt, `"knowledge_key"`)
}

func TestParseRoute(t *testing.T) {
	route, err := ParseRoute("Sure!\n```json\n{\"agent\":\" tutor \",\"examples\":\"\",\"knowledge_key\":\"fractions\"}\n```")
	require.NoError(t, err)
	require.Equal(t, service.Route{Agent: "tutor", KnowledgeKey: "fractions"}, route)

	_, err = ParseRoute("no json here")
	require.Error(t, err)

	_, err = ParseRoute("{not json}")
	require.Error(t, err)
}

func TestGenerationSystemPromptSkipsEmptySections(t *testing.T) {
	prompt := GenerationSystemPrompt(service.GenerateRequest{
		Instruction: "Be nice.",
		Knowledge:   "Halves are 1/2.",
	})

	require.True(t, strings.HasPrefix(prompt, "Be nice."))
	require.Contains(t, prompt, "## Knowledge\nHalves are 1/2.")
	require.NotContains(t, prompt, "## Examples")
	require.NotContains(t, prompt, "## Learner profile")
}

func TestTranscriptAndLastUserText(t *testing.T) {
	history := []conversation.Message{
		{Role: conversation.RoleUser, Text: "Hi"},
		{Role: conversation.RoleBot, Text: "Hello!"},
		{Role: conversation.RoleUser, Text: " Fractions please "},
	}

	require.Equal(t, "User: Hi\nCompanion: Hello!\nUser: Fractions please", Transcript(history))
	require.Equal(t, "(no messages)", Transcript(nil))
	require.Equal(t, "Fractions please", LastUserText(history))
}

func TestCleanName(t *testing.T) {
	require.Equal(t, "Professor Owl", CleanName("\"Professor Owl.\"\nbecause owls are wise"))
}

func TestNormalizeModel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain model", input: "gpt-5.2", want: "gpt-5.2"},
		{name: "openai prefix", input: "openai/gpt-5.2", want: "gpt-5.2"},
		{name: "other provider", input: "anthropic/claude", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeModel(tt.input, "openai")
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeModel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("NormalizeModel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStreamTextEmitsMonotonicVisibleText(t *testing.T) {
	var stream StreamText
	var emitted []string
	for _, delta := range []string{"H", "e", "l", "lo", " [", "[go|", "Go]]"} {
		if text, ok := stream.Add(delta); ok {
			emitted = append(emitted, text)
		}
	}

	require.Equal(t, []string{"H", "He", "Hel", "Hello"}, emitted)
	require.Equal(t, "Hello [[go|Go]]", stream.Raw())
}

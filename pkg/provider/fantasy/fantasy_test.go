package fantasy

import (
	"context"
	"errors"
	"testing"

	core "charm.land/fantasy"

	"chatbridge/pkg/config"
	"chatbridge/pkg/conversation"
	"chatbridge/pkg/service"
)

type fakeLanguageModelProvider struct {
	model     core.LanguageModel
	err       error
	lastID    string
	callCount int
}

func (f *fakeLanguageModelProvider) LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error) {
	f.callCount++
	f.lastID = modelID
	if f.err != nil {
		return nil, f.err
	}

	return f.model, nil
}

// fakeLanguageModel streams the configured text deltas as a single text block.
type fakeLanguageModel struct {
	deltas []string
}

func (f *fakeLanguageModel) Generate(context.Context, core.Call) (*core.Response, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) Stream(context.Context, core.Call) (core.StreamResponse, error) {
	if len(f.deltas) == 0 {
		return nil, errors.New("not implemented")
	}

	return func(yield func(core.StreamPart) bool) {
		if !yield(core.StreamPart{Type: core.StreamPartTypeTextStart, ID: "text-1"}) {
			return
		}
		for _, delta := range f.deltas {
			if !yield(core.StreamPart{Type: core.StreamPartTypeTextDelta, ID: "text-1", Delta: delta}) {
				return
			}
		}
		if !yield(core.StreamPart{Type: core.StreamPartTypeTextEnd, ID: "text-1"}) {
			return
		}
		yield(core.StreamPart{
			Type:         core.StreamPartTypeFinish,
			Usage:        core.Usage{OutputTokens: int64(len(f.deltas))},
			FinishReason: core.FinishReasonStop,
		})
	}, nil
}

func (f *fakeLanguageModel) GenerateObject(context.Context, core.ObjectCall) (*core.ObjectResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) StreamObject(context.Context, core.ObjectCall) (core.ObjectStreamResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) Provider() string { return "openai" }
func (f *fakeLanguageModel) Model() string    { return "gpt-5.2" }

func textResult(text string) *core.AgentResult {
	return &core.AgentResult{
		Response: core.Response{
			Content: core.ResponseContent{core.TextContent{Text: text}},
		},
	}
}

func newFakeClient(generate func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)) (*Client, *fakeLanguageModelProvider) {
	provider := &fakeLanguageModelProvider{model: &fakeLanguageModel{}}
	return &Client{
		provider:      provider,
		modelID:       "gpt-5.2",
		routerModelID: "gpt-5.2-mini",
		generate:      generate,
	}, provider
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	cfg := &config.Config{}
	cfg.Agents.Defaults.Model = "openai/gpt-5.2"

	_, err := New(cfg)
	if err == nil {
		t.Fatal("expected missing api key error")
	}
}

func TestNewResolvesModels(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := &config.Config{}
	cfg.Agents.Defaults.Model = "openai/gpt-5.2"
	cfg.Agents.Defaults.MaxTokens = 256

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if client.modelID != "gpt-5.2" || client.routerModelID != "gpt-5.2" {
		t.Fatalf("models = %q/%q, want gpt-5.2", client.modelID, client.routerModelID)
	}
	if client.maxOutputTokens == nil || *client.maxOutputTokens != 256 {
		t.Fatal("expected max output tokens to be set")
	}
}

func TestLoginResolvesModel(t *testing.T) {
	client, provider := newFakeClient(nil)

	session, err := client.Login(context.Background())
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if session.Token == "" {
		t.Fatal("expected session token")
	}
	if provider.lastID != "gpt-5.2" {
		t.Fatalf("model id = %q, want gpt-5.2", provider.lastID)
	}

	provider.err = errors.New("unknown model")
	if _, err := client.Login(context.Background()); err == nil {
		t.Fatal("expected login error")
	}
}

func TestRouteUsesRouterModelAndParsesJSON(t *testing.T) {
	var call core.AgentCall
	client, provider := newFakeClient(func(_ context.Context, _ core.LanguageModel, c core.AgentCall) (*core.AgentResult, error) {
		call = c
		return textResult(`{"agent":"quiz","examples":"","knowledge_key":"decimals"}`), nil
	})

	route, err := client.Route(context.Background(), service.RouteRequest{Message: "quiz me", History: "[]"})
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if route.Agent != "quiz" || route.KnowledgeKey != "decimals" {
		t.Fatalf("route = %+v", route)
	}
	if provider.lastID != "gpt-5.2-mini" {
		t.Fatalf("router model = %q", provider.lastID)
	}
	if len(call.Messages) != 1 || call.Messages[0].Role != core.MessageRoleSystem {
		t.Fatalf("expected a single system message, got %d", len(call.Messages))
	}
}

func TestGenerateSplitsHistoryAndParsesButtons(t *testing.T) {
	var call core.AgentStreamCall
	client, _ := newFakeClient(nil)
	client.stream = func(_ context.Context, _ core.LanguageModel, c core.AgentStreamCall) (*core.AgentResult, error) {
		call = c
		if err := c.OnTextDelta("text-1", "Nice! [[more|More please]]"); err != nil {
			return nil, err
		}
		return textResult("Nice! [[more|More please]]"), nil
	}

	var chunks []string
	reply, err := client.Generate(context.Background(), service.GenerateRequest{
		Instruction: "Be kind.",
		History: []conversation.Message{
			{Role: conversation.RoleUser, Text: "Hi"},
			{Role: conversation.RoleBot, Text: "Hello!"},
			{Role: conversation.RoleUser, Text: "Teach me"},
		},
	}, func(text string) { chunks = append(chunks, text) })
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	if call.Prompt != "Teach me" {
		t.Fatalf("prompt = %q, want latest user message", call.Prompt)
	}
	if len(call.Messages) != 3 {
		t.Fatalf("messages = %d, want system + 2 history", len(call.Messages))
	}
	if call.Messages[2].Role != core.MessageRoleAssistant {
		t.Fatalf("messages[2].Role = %q, want assistant", call.Messages[2].Role)
	}
	if reply.Text != "Nice!" || len(reply.Buttons) != 1 || reply.Buttons[0].ID != "more" {
		t.Fatalf("reply = %+v", reply)
	}
	if len(chunks) != 1 || chunks[0] != "Nice!" {
		t.Fatalf("chunks = %v", chunks)
	}
}

func TestGenerateStreamsCumulativeVisibleChunks(t *testing.T) {
	client, _ := newFakeClient(nil)
	client.provider = &fakeLanguageModelProvider{model: &fakeLanguageModel{
		deltas: []string{"Nice", "! [[mo", "re|More please]]", " [[stop|Stop]]"},
	}}

	var chunks []string
	reply, err := client.Generate(context.Background(), service.GenerateRequest{
		History: []conversation.Message{{Role: conversation.RoleUser, Text: "Teach me"}},
	}, func(text string) { chunks = append(chunks, text) })
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	want := []string{"Nice", "Nice!"}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %q, want %q", chunks, want)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunks[%d] = %q, want %q", i, chunks[i], want[i])
		}
	}
	if reply.Text != "Nice!" || len(reply.Buttons) != 2 || reply.Buttons[1].ID != "stop" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestGenerateRequiresUserMessage(t *testing.T) {
	client, _ := newFakeClient(nil)

	if _, err := client.Generate(context.Background(), service.GenerateRequest{}, nil); err == nil {
		t.Fatal("expected error without user message")
	}
}

func TestGenerateWrapsAgentFailure(t *testing.T) {
	client, _ := newFakeClient(nil)
	client.stream = func(context.Context, core.LanguageModel, core.AgentStreamCall) (*core.AgentResult, error) {
		return nil, errors.New("rate limited")
	}

	_, err := client.Generate(context.Background(), service.GenerateRequest{
		History: []conversation.Message{{Role: conversation.RoleUser, Text: "Hi"}},
	}, nil)
	if err == nil {
		t.Fatal("expected generate error")
	}
}

func TestNameAgentCleansLabel(t *testing.T) {
	client, _ := newFakeClient(func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error) {
		return textResult("'Captain Count.'"), nil
	})

	name, err := client.NameAgent(context.Background(), service.NameRequest{})
	if err != nil {
		t.Fatalf("NameAgent error: %v", err)
	}
	if name != "Captain Count" {
		t.Fatalf("name = %q", name)
	}
}

func TestExtractText(t *testing.T) {
	content := core.ResponseContent{
		core.ReasoningContent{Text: "ignore me"},
		core.TextContent{Text: "  first  "},
		core.TextContent{Text: ""},
		core.TextContent{Text: "second"},
	}

	got := extractText(content)
	if got != "first\nsecond" {
		t.Fatalf("extractText() = %q", got)
	}
}

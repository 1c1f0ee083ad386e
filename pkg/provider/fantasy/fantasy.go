package fantasy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	core "charm.land/fantasy"
	provideropenai "charm.land/fantasy/providers/openai"
	"github.com/google/uuid"

	"chatbridge/pkg/config"
	"chatbridge/pkg/conversation"
	"chatbridge/pkg/prompts"
	"chatbridge/pkg/provider/compose"
	"chatbridge/pkg/service"
)

type languageModelProvider interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

// Client runs every capability through a fantasy agent over the OpenAI provider.
type Client struct {
	provider        languageModelProvider
	requestTimeout  time.Duration
	modelID         string
	routerModelID   string
	maxOutputTokens *int64
	temperature     *float64
	generate        func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)
	stream          func(context.Context, core.LanguageModel, core.AgentStreamCall) (*core.AgentResult, error)
}

func New(cfg *config.Config) (*Client, error) {
	apiKey := resolveAPIKey(cfg.Providers.OpenAI)
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY must be set")
	}

	modelID, err := compose.NormalizeModel(cfg.Agents.Defaults.Model, "openai")
	if err != nil {
		return nil, err
	}
	routerModelID := modelID
	if strings.TrimSpace(cfg.Agents.Defaults.RouterModel) != "" {
		routerModelID, err = compose.NormalizeModel(cfg.Agents.Defaults.RouterModel, "openai")
		if err != nil {
			return nil, fmt.Errorf("router model: %w", err)
		}
	}

	providerOptions := []provideropenai.Option{provideropenai.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.Providers.OpenAI.BaseURL); baseURL != "" {
		providerOptions = append(providerOptions, provideropenai.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(cfg.Providers.OpenAI.Organization); organization != "" {
		providerOptions = append(providerOptions, provideropenai.WithOrganization(organization))
	}
	if project := strings.TrimSpace(cfg.Providers.OpenAI.Project); project != "" {
		providerOptions = append(providerOptions, provideropenai.WithProject(project))
	}

	fantasyProvider, err := provideropenai.New(providerOptions...)
	if err != nil {
		return nil, fmt.Errorf("initialize fantasy openai provider: %w", err)
	}

	client := &Client{
		provider:       fantasyProvider,
		requestTimeout: time.Duration(cfg.Providers.OpenAI.RequestTimeoutSeconds) * time.Second,
		modelID:        modelID,
		routerModelID:  routerModelID,
		generate:       generateWithFantasyAgent,
		stream:         streamWithFantasyAgent,
	}

	if cfg.Agents.Defaults.MaxTokens > 0 {
		maxTokens := int64(cfg.Agents.Defaults.MaxTokens)
		client.maxOutputTokens = &maxTokens
	}
	if cfg.Agents.Defaults.Temperature > 0 {
		temp := cfg.Agents.Defaults.Temperature
		client.temperature = &temp
	}

	return client, nil
}

// Login resolves the configured language model and issues a local session token.
func (c *Client) Login(ctx context.Context) (service.Session, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.provider.LanguageModel(ctx, c.modelID); err != nil {
		return service.Session{}, fmt.Errorf("login failed: %w", err)
	}

	return service.Session{Token: uuid.NewString()}, nil
}

func (c *Client) Route(ctx context.Context, req service.RouteRequest) (service.Route, error) {
	system, err := compose.RouterSystemPrompt()
	if err != nil {
		return service.Route{}, err
	}

	text, err := c.run(ctx, "route", c.routerModelID, system, nil, compose.RouterUserPrompt(req), nil)
	if err != nil {
		return service.Route{}, err
	}

	return compose.ParseRoute(text)
}

// Generate streams one agent call, reporting cumulative visible text as deltas arrive.
func (c *Client) Generate(ctx context.Context, req service.GenerateRequest, onChunk service.ChunkFunc) (service.Reply, error) {
	history, prompt := splitPrompt(req.History)
	if prompt == "" {
		return service.Reply{}, errors.New("generate requires a user message")
	}

	var streamed compose.StreamText
	onDelta := func(_ string, delta string) error {
		if visible, grew := streamed.Add(delta); grew && onChunk != nil {
			onChunk(visible)
		}
		return nil
	}

	text, err := c.run(ctx, "generate", c.modelID, compose.GenerationSystemPrompt(req), history, prompt, onDelta)
	if err != nil {
		return service.Reply{}, err
	}

	reply, buttons := service.ParseButtons(text)
	if reply == "" {
		return service.Reply{}, errors.New("generate succeeded but returned no text")
	}

	return service.Reply{Text: reply, Buttons: buttons}, nil
}

func (c *Client) UpdateProfile(ctx context.Context, req service.ProfileRequest) (string, error) {
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		var err error
		if instruction, err = prompts.Profile(); err != nil {
			return "", err
		}
	}

	return c.run(ctx, "update_profile", c.modelID, instruction, nil, compose.ProfileUserPrompt(req), nil)
}

func (c *Client) NameAgent(ctx context.Context, req service.NameRequest) (string, error) {
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		var err error
		if instruction, err = prompts.Naming(); err != nil {
			return "", err
		}
	}

	text, err := c.run(ctx, "name_agent", c.routerModelID, instruction, nil, compose.NameUserPrompt(req), nil)
	if err != nil {
		return "", err
	}

	return compose.CleanName(text), nil
}

// run executes one agent call. A non-nil onDelta switches to the streaming agent.
func (c *Client) run(ctx context.Context, operation string, modelID string, system string, history []core.Message, prompt string, onDelta core.OnTextDeltaFunc) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", operation)
	startedAt := time.Now()
	log.Debug("provider request started", "model", modelID, "history_length", len(history), "prompt_length", len(prompt))

	languageModel, err := c.provider.LanguageModel(ctx, modelID)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("resolve language model: %w", err)
	}

	messages := make([]core.Message, 0, len(history)+1)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, core.Message{
			Role:    core.MessageRoleSystem,
			Content: []core.MessagePart{core.TextPart{Text: strings.TrimSpace(system)}},
		})
	}
	messages = append(messages, history...)

	var (
		result    *core.AgentResult
		collected func() string
	)
	if onDelta != nil {
		var raw strings.Builder
		collected = raw.String
		stream := c.stream
		if stream == nil {
			stream = streamWithFantasyAgent
		}
		result, err = stream(ctx, languageModel, core.AgentStreamCall{
			Prompt:          prompt,
			Messages:        messages,
			MaxOutputTokens: c.maxOutputTokens,
			Temperature:     c.temperature,
			OnTextDelta: func(id string, delta string) error {
				raw.WriteString(delta)
				return onDelta(id, delta)
			},
		})
	} else {
		generate := c.generate
		if generate == nil {
			generate = generateWithFantasyAgent
		}
		result, err = generate(ctx, languageModel, core.AgentCall{
			Prompt:          prompt,
			Messages:        messages,
			MaxOutputTokens: c.maxOutputTokens,
			Temperature:     c.temperature,
		})
	}
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("%s failed: %w", operation, err)
	}
	if result == nil {
		result = &core.AgentResult{}
	}

	text := extractText(result.Response.Content)
	if text == "" && collected != nil {
		text = strings.TrimSpace(collected())
	}
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return "", fmt.Errorf("%s succeeded but returned no text", operation)
	}
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"response_length", len(text),
		"output_tokens", result.TotalUsage.OutputTokens,
	)

	return text, nil
}

// splitPrompt turns history into prior messages plus the latest user prompt.
func splitPrompt(history []conversation.Message) ([]core.Message, string) {
	last := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == conversation.RoleUser && strings.TrimSpace(history[i].Text) != "" {
			last = i
			break
		}
	}
	if last < 0 {
		return nil, ""
	}

	messages := make([]core.Message, 0, last)
	for _, msg := range history[:last] {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}

		switch msg.Role {
		case conversation.RoleUser:
			messages = append(messages, core.NewUserMessage(text))
		case conversation.RoleBot:
			messages = append(messages, core.Message{
				Role:    core.MessageRoleAssistant,
				Content: []core.MessagePart{core.TextPart{Text: text}},
			})
		}
	}

	return messages, strings.TrimSpace(history[last].Text)
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.fantasy")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func extractText(content core.ResponseContent) string {
	lines := make([]string, 0)
	for _, part := range content {
		if part.GetType() != core.ContentTypeText {
			continue
		}

		textPart, ok := core.AsContentType[core.TextContent](part)
		if !ok {
			continue
		}

		line := strings.TrimSpace(textPart.Text)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func generateWithFantasyAgent(ctx context.Context, model core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
	runtime := core.NewAgent(model)
	return runtime.Generate(ctx, call)
}

func streamWithFantasyAgent(ctx context.Context, model core.LanguageModel, call core.AgentStreamCall) (*core.AgentResult, error) {
	runtime := core.NewAgent(model)
	return runtime.Stream(ctx, call)
}

package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"chatbridge/pkg/config"
	"chatbridge/pkg/conversation"
	"chatbridge/pkg/prompts"
	"chatbridge/pkg/provider/compose"
	"chatbridge/pkg/service"
)

const defaultMaxTokens = 1024

// Client implements every model-backed capability on the Chat Completions API.
type Client struct {
	client         osdk.Client
	model          string
	routerModel    string
	maxTokens      int64
	temperature    *float64
	requestTimeout time.Duration
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.OpenAI
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("providers.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	model, err := compose.NormalizeModel(cfg.Agents.Defaults.Model, "openai")
	if err != nil {
		return nil, err
	}
	routerModel := model
	if strings.TrimSpace(cfg.Agents.Defaults.RouterModel) != "" {
		routerModel, err = compose.NormalizeModel(cfg.Agents.Defaults.RouterModel, "openai")
		if err != nil {
			return nil, fmt.Errorf("router model: %w", err)
		}
	}

	// Capabilities never retry; the orchestrator surfaces failures instead.
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second

	client := &Client{
		client:         osdk.NewClient(opts...),
		model:          model,
		routerModel:    routerModel,
		maxTokens:      defaultMaxTokens,
		requestTimeout: requestTimeout,
	}
	if cfg.Agents.Defaults.MaxTokens > 0 {
		client.maxTokens = int64(cfg.Agents.Defaults.MaxTokens)
	}
	if cfg.Agents.Defaults.Temperature > 0 {
		temp := cfg.Agents.Defaults.Temperature
		client.temperature = &temp
	}

	return client, nil
}

// Login verifies the API key by listing models and issues a local session token.
func (c *Client) Login(ctx context.Context) (service.Session, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "login")
	startedAt := time.Now()
	log.Debug("provider request started")

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return service.Session{}, fmt.Errorf("login failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return service.Session{Token: uuid.NewString()}, nil
}

func (c *Client) Route(ctx context.Context, req service.RouteRequest) (service.Route, error) {
	system, err := compose.RouterSystemPrompt()
	if err != nil {
		return service.Route{}, err
	}

	params := c.params(c.routerModel, []osdk.ChatCompletionMessageParamUnion{
		osdk.SystemMessage(system),
		osdk.UserMessage(compose.RouterUserPrompt(req)),
	})
	params.ResponseFormat = osdk.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &osdk.ResponseFormatJSONSchemaParam{
			JSONSchema: osdk.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:        "route",
				Description: osdk.String("Routing decision for the latest user message"),
				Schema:      compose.RouteSchema(),
			},
		},
	}

	text, err := c.complete(ctx, "route", params)
	if err != nil {
		return service.Route{}, err
	}

	return compose.ParseRoute(text)
}

func (c *Client) Generate(ctx context.Context, req service.GenerateRequest, onChunk service.ChunkFunc) (service.Reply, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "generate")
	startedAt := time.Now()

	messages := []osdk.ChatCompletionMessageParamUnion{osdk.SystemMessage(compose.GenerationSystemPrompt(req))}
	messages = append(messages, historyMessages(req.History)...)
	log.Debug("provider request started", "model", c.model, "history_length", len(req.History))

	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(c.model, messages))
	defer stream.Close()

	acc := osdk.ChatCompletionAccumulator{}
	var text compose.StreamText
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if visible, grew := text.Add(chunk.Choices[0].Delta.Content); grew && onChunk != nil {
			onChunk(visible)
		}
	}
	if err := stream.Err(); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return service.Reply{}, fmt.Errorf("generate failed: %w", err)
	}

	full := text.Raw()
	if len(acc.Choices) > 0 && acc.Choices[0].Message.Content != "" {
		full = acc.Choices[0].Message.Content
	}

	reply, buttons := service.ParseButtons(full)
	if reply == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return service.Reply{}, errors.New("generate succeeded but returned no text")
	}
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"response_length", len(reply),
		"buttons", len(buttons),
		"completion_tokens", acc.Usage.CompletionTokens,
	)

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

	return c.complete(ctx, "update_profile", c.params(c.model, []osdk.ChatCompletionMessageParamUnion{
		osdk.SystemMessage(instruction),
		osdk.UserMessage(compose.ProfileUserPrompt(req)),
	}))
}

func (c *Client) NameAgent(ctx context.Context, req service.NameRequest) (string, error) {
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		var err error
		if instruction, err = prompts.Naming(); err != nil {
			return "", err
		}
	}

	text, err := c.complete(ctx, "name_agent", c.params(c.routerModel, []osdk.ChatCompletionMessageParamUnion{
		osdk.SystemMessage(instruction),
		osdk.UserMessage(compose.NameUserPrompt(req)),
	}))
	if err != nil {
		return "", err
	}

	return compose.CleanName(text), nil
}

func (c *Client) complete(ctx context.Context, operation string, params osdk.ChatCompletionNewParams) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", operation)
	startedAt := time.Now()
	log.Debug("provider request started", "model", params.Model, "messages", len(params.Messages))

	response, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("%s failed: %w", operation, err)
	}
	if len(response.Choices) == 0 {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no choices")
		return "", fmt.Errorf("%s returned no choices", operation)
	}

	text := strings.TrimSpace(response.Choices[0].Message.Content)
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return "", fmt.Errorf("%s succeeded but returned no text", operation)
	}
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"response_length", len(text),
		"prompt_tokens", response.Usage.PromptTokens,
		"completion_tokens", response.Usage.CompletionTokens,
	)

	return text, nil
}

func (c *Client) params(model string, messages []osdk.ChatCompletionMessageParamUnion) osdk.ChatCompletionNewParams {
	params := osdk.ChatCompletionNewParams{
		Model:               osdk.ChatModel(model),
		Messages:            messages,
		MaxCompletionTokens: osdk.Int(c.maxTokens),
	}
	if c.temperature != nil {
		params.Temperature = osdk.Float(*c.temperature)
	}

	return params
}

func historyMessages(history []conversation.Message) []osdk.ChatCompletionMessageParamUnion {
	messages := make([]osdk.ChatCompletionMessageParamUnion, 0, len(history))
	for _, msg := range history {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}

		switch msg.Role {
		case conversation.RoleUser:
			messages = append(messages, osdk.UserMessage(text))
		case conversation.RoleBot:
			messages = append(messages, osdk.AssistantMessage(text))
		default:
			messages = append(messages, osdk.SystemMessage(text))
		}
	}

	return messages
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.openai")
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

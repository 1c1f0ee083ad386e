package opencode

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	sdk "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"

	"chatbridge/pkg/config"
	"chatbridge/pkg/prompts"
	"chatbridge/pkg/provider/compose"
	"chatbridge/pkg/service"
)

const sessionTitle = "chatbridge"

// Client drives an opencode server. Each capability call runs in a fresh
// session so requests stay independent of server-side conversation state.
type Client struct {
	client         *sdk.Client
	model          string
	routerModel    string
	requestTimeout time.Duration
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

func New(cfg *config.Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.Providers.OpenCode.BaseURL)
	if baseURL == "" {
		return nil, errors.New("providers.opencode.base_url is required")
	}

	opts := []option.RequestOption{option.WithBaseURL(baseURL), option.WithMaxRetries(0)}
	if authHeader, ok := buildBasicAuthHeader(cfg.Providers.OpenCode); ok {
		opts = append(opts, option.WithHeader("Authorization", authHeader))
	}

	routerModel := strings.TrimSpace(cfg.Agents.Defaults.RouterModel)
	if routerModel == "" {
		routerModel = strings.TrimSpace(cfg.Agents.Defaults.Model)
	}

	return &Client{
		client:         sdk.NewClient(opts...),
		model:          strings.TrimSpace(cfg.Agents.Defaults.Model),
		routerModel:    routerModel,
		requestTimeout: time.Duration(cfg.Providers.OpenCode.RequestTimeoutSeconds) * time.Second,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	var response healthResponse
	if err := c.client.Get(ctx, "/global/health", nil, &response); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	if !response.Healthy {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "server unhealthy")
		return errors.New("opencode server reported unhealthy status")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "version", response.Version)
	return nil
}

// Login checks server health and opens a session whose id becomes the session token.
func (c *Client) Login(ctx context.Context) (service.Session, error) {
	if err := c.Health(ctx); err != nil {
		return service.Session{}, fmt.Errorf("login failed: %w", err)
	}

	sessionID, err := c.createSession(ctx, sessionTitle)
	if err != nil {
		return service.Session{}, fmt.Errorf("login failed: %w", err)
	}

	return service.Session{Token: sessionID}, nil
}

func (c *Client) Route(ctx context.Context, req service.RouteRequest) (service.Route, error) {
	system, err := compose.RouterSystemPrompt()
	if err != nil {
		return service.Route{}, err
	}

	text, err := c.prompt(ctx, "route", c.routerModel, system+"\n\n"+compose.RouterUserPrompt(req))
	if err != nil {
		return service.Route{}, err
	}

	return compose.ParseRoute(text)
}

// Generate sends the whole turn as one prompt. opencode replies are not streamed,
// so the finished text is reported as a single chunk.
func (c *Client) Generate(ctx context.Context, req service.GenerateRequest, onChunk service.ChunkFunc) (service.Reply, error) {
	body := compose.GenerationSystemPrompt(req) +
		"\n\n## Conversation\n" + compose.Transcript(req.History) +
		"\n\nReply as the Companion to the last User message."

	text, err := c.prompt(ctx, "generate", c.model, body)
	if err != nil {
		return service.Reply{}, err
	}

	reply, buttons := service.ParseButtons(text)
	if reply == "" {
		return service.Reply{}, errors.New("generate succeeded but returned no text")
	}
	if onChunk != nil {
		onChunk(reply)
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

	return c.prompt(ctx, "update_profile", c.model, instruction+"\n\n"+compose.ProfileUserPrompt(req))
}

func (c *Client) NameAgent(ctx context.Context, req service.NameRequest) (string, error) {
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		var err error
		if instruction, err = prompts.Naming(); err != nil {
			return "", err
		}
	}

	text, err := c.prompt(ctx, "name_agent", c.routerModel, instruction+"\n\n"+compose.NameUserPrompt(req))
	if err != nil {
		return "", err
	}

	return compose.CleanName(text), nil
}

func (c *Client) createSession(ctx context.Context, title string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "create_session")
	startedAt := time.Now()
	log.Debug("provider request started", "title_length", len(strings.TrimSpace(title)))

	params := sdk.SessionNewParams{}
	if strings.TrimSpace(title) != "" {
		params.Title = sdk.F(strings.TrimSpace(title))
	}

	session, err := c.client.Session.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("create session failed: %w", err)
	}
	if session.ID == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "empty session id")
		return "", errors.New("create session returned empty session id")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "session_id", session.ID)

	return session.ID, nil
}

func (c *Client) prompt(ctx context.Context, operation string, model string, prompt string) (string, error) {
	sessionID, err := c.createSession(ctx, sessionTitle+" "+operation)
	if err != nil {
		return "", err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", operation)
	startedAt := time.Now()
	log.Debug("provider request started",
		"session_id", sessionID,
		"model", model,
		"prompt_length", len(prompt),
	)

	params := sdk.SessionPromptParams{
		Parts: sdk.F([]sdk.SessionPromptParamsPartUnion{
			sdk.TextPartInputParam{
				Type: sdk.F(sdk.TextPartInputTypeText),
				Text: sdk.F(prompt),
			},
		}),
	}
	if providerID, modelID, ok := parseModelRef(model); ok {
		params.Model = sdk.F(sdk.SessionPromptParamsModel{
			ProviderID: sdk.F(providerID),
			ModelID:    sdk.F(modelID),
		})
	}

	response, err := c.client.Session.Prompt(ctx, sessionID, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("%s failed: %w", operation, err)
	}

	text := extractText(response.Parts)
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no text parts")
		return "", fmt.Errorf("%s succeeded but returned no text parts", operation)
	}
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"response_length", len(text),
		"parts_count", len(response.Parts),
	)

	return text, nil
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.opencode")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func buildBasicAuthHeader(cfg config.OpenCodeProviderConfig) (string, bool) {
	passwordEnv := strings.TrimSpace(cfg.PasswordEnv)
	if passwordEnv == "" {
		return "", false
	}

	password := strings.TrimSpace(os.Getenv(passwordEnv))
	if password == "" {
		return "", false
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "opencode"
	}

	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token, true
}

func parseModelRef(input string) (providerID string, modelID string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(input), "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}

	providerID = strings.TrimSpace(parts[0])
	modelID = strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", "", false
	}

	return providerID, modelID, true
}

func extractText(parts []sdk.Part) string {
	var lines []string
	for _, part := range parts {
		if part.Type == sdk.PartTypeText {
			text := strings.TrimSpace(part.Text)
			if text != "" {
				lines = append(lines, text)
			}
		}
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

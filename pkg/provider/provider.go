package provider

import (
	"fmt"
	"log/slog"
	"strings"

	"chatbridge/pkg/config"
	providerfantasy "chatbridge/pkg/provider/fantasy"
	provideropenai "chatbridge/pkg/provider/openai"
	"chatbridge/pkg/provider/opencode"
	"chatbridge/pkg/service"
	"chatbridge/pkg/service/mock"
)

// Services is the capability set plus the authenticator gating bootstrap.
type Services struct {
	service.Set
	Authenticator service.Authenticator
}

type modelClient interface {
	service.Router
	service.Generator
	service.Authenticator
}

// New resolves routing, generation and login from config. Retrieval always
// comes from the knowledge store passed in as retriever.
func New(cfg *config.Config, retriever service.Retriever) (Services, error) {
	providerID := strings.TrimSpace(cfg.Agents.Defaults.Provider)
	if providerID == "" {
		providerID = "opencode"
	}
	if cfg.Orchestrator.MockServices {
		providerID = "mock"
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	var (
		client modelClient
		err    error
	)
	switch providerID {
	case "mock":
		set := mock.NewSet()
		if retriever != nil {
			set.Retriever = retriever
		}
		return Services{Set: set, Authenticator: &mock.Authenticator{}}, nil
	case "opencode":
		client, err = opencode.New(cfg)
	case "openai":
		client, err = provideropenai.New(cfg)
	case "fantasy":
		client, err = providerfantasy.New(cfg)
	default:
		return Services{}, fmt.Errorf("unsupported provider: %s", providerID)
	}
	if err != nil {
		return Services{}, err
	}

	services := Services{
		Set: service.Set{
			Router:    client,
			Retriever: retriever,
			Generator: client,
		},
		Authenticator: client,
	}
	if err := services.Validate(); err != nil {
		return Services{}, err
	}

	return services, nil
}

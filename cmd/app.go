package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"chatbridge/pkg/bridge"
	"chatbridge/pkg/config"
	"chatbridge/pkg/logger"
	"chatbridge/pkg/orchestrator"
	"chatbridge/pkg/provider"
	"chatbridge/pkg/store"
)

// app is one wired conversation: store, capabilities, bridge and orchestrator.
type app struct {
	cfg          *config.Config
	log          *slog.Logger
	store        *store.Store
	transport    *bridge.Transport
	orchestrator *orchestrator.Orchestrator
	stopObserver context.CancelFunc
}

// loadRuntime reads config and installs the process logger.
func loadRuntime(component string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, slog.Default().With("component", component), nil
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	db, err := store.Open(cfg.Store.DatabasePath(), log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	services, err := provider.New(cfg, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize provider: %w", err)
	}

	transport := bridge.NewTransport(bridge.NewHandlers(log), bridge.DefaultSchemas(), log)
	orch, err := orchestrator.New(transport, services.Authenticator, services.Set,
		orchestrator.WithLogger(log),
		orchestrator.WithHistoryStore(db),
		orchestrator.WithModuleContext(db),
		orchestrator.WithActivitySink(db),
		orchestrator.WithRetryInterval(cfg.Orchestrator.BootstrapRetryInterval()),
	)
	if err != nil {
		transport.Close()
		db.Close()
		return nil, fmt.Errorf("initialize orchestrator: %w", err)
	}
	orch.Bind(transport)

	observerCtx, stopObserver := context.WithCancel(context.Background())
	go bridge.ObserveDiagnostics(observerCtx, transport, log)

	return &app{
		cfg:          cfg,
		log:          log,
		store:        db,
		transport:    transport,
		orchestrator: orch,
		stopObserver: stopObserver,
	}, nil
}

// Close stops the conversation, then the bridge, then the store.
func (a *app) Close() {
	a.orchestrator.Close()
	a.transport.Close()
	a.stopObserver()
	if err := a.store.Close(); err != nil {
		a.log.Warn("Failed to close store", "error", err)
	}
}

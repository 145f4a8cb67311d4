package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/miradorstack/fleet-assistant/internal/budget"
	"github.com/miradorstack/fleet-assistant/internal/cache"
	"github.com/miradorstack/fleet-assistant/internal/config"
	"github.com/miradorstack/fleet-assistant/internal/engine"
	"github.com/miradorstack/fleet-assistant/internal/hub"
	"github.com/miradorstack/fleet-assistant/internal/llm"
	"github.com/miradorstack/fleet-assistant/internal/repo"
	"github.com/miradorstack/fleet-assistant/internal/sanitize"
	"github.com/miradorstack/fleet-assistant/internal/services"
	"github.com/miradorstack/fleet-assistant/internal/store"
)

// app is the fully wired assistant plus the resources it must release.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	service *services.AssistantService
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	catalog, err := hub.LoadCatalog(cfg.Hub.CatalogPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	provider := newCacheProvider(cfg.Cache, logger)
	a.closers = append(a.closers, provider.Close)

	clients := make([]*repo.PortainerClient, 0, len(cfg.Portainer.Environments))
	for _, env := range cfg.Portainer.Environments {
		client, err := repo.NewPortainerClient(repo.Environment{
			Name:      env.Name,
			APIURL:    env.APIURL,
			APIKey:    env.APIKey,
			VerifySSL: env.Verify(),
		}, repo.PortainerOptions{
			Timeout:    cfg.Portainer.Timeout,
			RateLimit:  cfg.Portainer.RateLimit,
			Burst:      cfg.Portainer.Burst,
			MaxRetries: cfg.Portainer.MaxRetries,
			Cache:      provider,
			CacheTTL:   cfg.Cache.SnapshotTTL,
		}, logger)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		logger.Warn("no portainer environments configured; questions will fail until one is added")
	}

	var kibana *repo.KibanaClient
	if cfg.Kibana.Endpoint != "" && cfg.Kibana.APIKey != "" {
		kibana, err = repo.NewKibanaClient(repo.KibanaConfig{
			Endpoint:  cfg.Kibana.Endpoint,
			APIKey:    cfg.Kibana.APIKey,
			VerifySSL: cfg.Kibana.VerifySSL,
			Timeout:   cfg.Kibana.Timeout,
		}, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("kibana: %w", err)
		}
	}

	source := repo.NewSnapshotSource(clients, kibana, repo.SnapshotOptions{
		IncludeContainerDetails: cfg.Portainer.IncludeContainerDetails,
		DetailConcurrency:       cfg.Portainer.DetailConcurrency,
		LogLookback:             cfg.Kibana.Lookback,
		LogSize:                 cfg.Kibana.Size,
		Catalog:                 catalog,
	}, logger)

	// A nil client keeps the orchestrator in its overview-only mode.
	var chat engine.LLMClient
	if cfg.LLM.Enabled() {
		client, err := llm.NewOpenAIClient(llm.Config{
			Endpoint:    cfg.LLM.Endpoint,
			Token:       cfg.LLM.Token,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
			MaxRetries:  cfg.LLM.MaxRetries,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		chat = client
	} else {
		logger.Warn("llm endpoint not configured; answers fall back to the operational overview")
	}

	redactor, err := sanitize.New()
	if err != nil {
		return nil, fmt.Errorf("sanitizer: %w", err)
	}

	manager := budget.NewManager(budget.CharEstimator{CharsPerToken: budget.DefaultCharsPerToken}, cfg.Assistant.TokenBudget, logger)
	orchestrator := engine.NewOrchestrator(logger, chat, manager, redactor, engine.Config{
		MaxPlanEntries:  cfg.Assistant.MaxPlanEntries,
		RowLimit:        cfg.Assistant.RowLimit,
		PlanMaxTokens:   cfg.LLM.PlanMaxTokens,
		AnswerMaxTokens: cfg.LLM.MaxTokens,
		TopN:            cfg.Assistant.TopN,
	})

	var transcripts services.TranscriptStore
	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		transcripts = st
	}

	a.service = services.NewAssistantService(logger, source, orchestrator, transcripts, services.Options{
		TokenBudget:        cfg.Assistant.TokenBudget,
		RowLimit:           cfg.Assistant.RowLimit,
		TopN:               cfg.Assistant.TopN,
		HistoryTurns:       cfg.Assistant.HistoryTurns,
		SummaryTokenBudget: cfg.Assistant.SummaryTokenBudget,
		MaxRowsPerRequest:  cfg.Hub.MaxRowsPerRequest,
		SessionIdleTimeout: cfg.Assistant.SessionIdleTimeout,
		Catalog:            catalog,
	})
	ok = true
	return a, nil
}

// newCacheProvider prefers Valkey, falls back to process memory when
// Valkey is unreachable, and disables caching when no TTL is set.
func newCacheProvider(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if cfg.Enabled && cfg.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			KeyPrefix:    cfg.KeyPrefix,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			MaxRetries:   cfg.MaxRetries,
			TLS:          cfg.TLS,
		})
		if err == nil {
			return provider
		}
		logger.Warn("valkey cache unavailable, using in-process cache", slog.Any("error", err))
		return cache.NewMemoryProvider()
	}
	if cfg.SnapshotTTL > 0 {
		return cache.NewMemoryProvider()
	}
	return cache.NoopProvider{}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/quarry/internal/agent"
	"github.com/nugget/quarry/internal/cache"
	"github.com/nugget/quarry/internal/config"
	"github.com/nugget/quarry/internal/events"
	"github.com/nugget/quarry/internal/health"
	"github.com/nugget/quarry/internal/httpkit"
	"github.com/nugget/quarry/internal/ledger"
	"github.com/nugget/quarry/internal/llm"
	"github.com/nugget/quarry/internal/memory"
	"github.com/nugget/quarry/internal/orchestrator"
	"github.com/nugget/quarry/internal/policy"
	"github.com/nugget/quarry/internal/responder"
	"github.com/nugget/quarry/internal/router"
	"github.com/nugget/quarry/internal/session"
	"github.com/nugget/quarry/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// app holds the assembled components shared by serve and ask.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	bus        *events.Bus
	llm        *llm.MultiClient
	catalog    *tools.Catalog
	responders *responder.Registry
	router     *router.Router
	memory     *memory.Store
	cache      *cache.Cache[orchestrator.QueryResponse]
	ledger     *ledger.Ledger
	sessions   *session.Manager
	health     *health.Monitor
	orch       *orchestrator.Orchestrator

	closers []func() error
}

// newApp validates cfg and builds every component. Nothing is started;
// background loops are the caller's concern. Close releases databases.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, bus: events.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Ledger.Journal || cfg.Sessions.Persist {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
	}

	a.llm = newLLMClient(cfg, logger)

	a.catalog, err = newCatalog(cfg, logger)
	if err != nil {
		return nil, err
	}

	var regOpts []responder.Option
	regOpts = append(regOpts, responder.WithLogger(logger))
	if cfg.Policy.Enabled {
		engine, err := policy.LoadFile(ctx, cfg.Policy.File, logger)
		if err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
		regOpts = append(regOpts, responder.WithAuthorizer(engine))
		logger.Info("tool policy loaded", "file", cfg.Policy.File)
	}
	a.responders, err = responder.NewRegistry(cfg, a.catalog, regOpts...)
	if err != nil {
		return nil, fmt.Errorf("build responders: %w", err)
	}

	a.router = router.NewRouter(logger, router.Config{
		QueryKeywords:      cfg.Router.QueryKeywords,
		SpecialistKeywords: cfg.Router.SpecialistKeywords,
		HybridKeywords:     cfg.Router.HybridKeywords,
		MaxAuditLog:        cfg.Router.MaxAuditLog,
	})

	a.memory = memory.NewStore(cfg.Memory.Window)

	a.cache, err = cache.New[orchestrator.QueryResponse](cache.Options{
		MaxEntries:      cfg.Cache.MaxEntries,
		DefaultTTL:      cfg.Cache.DefaultTTL,
		SummaryTTL:      cfg.Cache.SummaryTTL,
		SummaryPatterns: cfg.Cache.SummaryPatterns,
		Logger:          logger.With("component", "cache"),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	ledgerOpts := []ledger.Option{
		ledger.WithPricing(cfg.Pricing),
		ledger.WithToolCosts(a.catalog.CostOf),
		ledger.WithEventBus(a.bus),
		ledger.WithLogger(logger.With("component", "ledger")),
	}
	if cfg.Ledger.Journal {
		j, err := ledger.OpenJournal(cfg.Ledger.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open cost journal %s: %w", cfg.Ledger.DBPath, err)
		}
		a.closers = append(a.closers, j.Close)
		ledgerOpts = append(ledgerOpts, ledger.WithJournal(j))
		logger.Info("cost journal opened", "path", cfg.Ledger.DBPath)
	}
	a.ledger = ledger.New(ledgerOpts...)
	if cfg.Ledger.Journal {
		n, err := a.ledger.Load(ctx, startOfDay(time.Now()))
		if err != nil {
			return nil, fmt.Errorf("replay cost journal: %w", err)
		}
		logger.Info("cost journal replayed", "records", n)
	}

	sessOpts := []session.Option{
		session.WithInactivity(cfg.Sessions.Inactivity),
		session.WithEventBus(a.bus),
		session.WithLogger(logger.With("component", "session")),
		session.WithExpireHook(a.memory.Clear),
	}
	if cfg.Sessions.Persist {
		st, err := session.OpenSQLiteStore(cfg.Sessions.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open session store %s: %w", cfg.Sessions.DBPath, err)
		}
		a.closers = append(a.closers, st.Close)
		sessOpts = append(sessOpts, session.WithStore(st))
		logger.Info("session store opened", "path", cfg.Sessions.DBPath)
	}
	a.sessions = session.NewManager(sessOpts...)

	a.health = health.NewMonitor(
		health.WithLogger(logger.With("component", "health")),
		health.WithEventBus(a.bus),
	)
	for _, name := range a.llm.Providers() {
		client, _ := a.llm.Provider(name)
		a.health.Add(name, client)
	}

	executor := agent.NewExecutor(a.llm,
		agent.WithLogger(logger),
		agent.WithEventBus(a.bus),
		agent.WithMaxParallelTools(cfg.Agent.MaxParallelTools),
		agent.WithRetry(agent.RetryPolicy{
			Attempts:  cfg.Agent.Retry.Attempts,
			BaseDelay: cfg.Agent.Retry.BaseDelay,
			MaxDelay:  cfg.Agent.Retry.MaxDelay,
		}),
	)

	a.orch, err = orchestrator.New(orchestrator.Deps{
		Responders: a.responders,
		Classifier: a.router,
		Executor:   executor,
		Memory:     a.memory,
		Cache:      a.cache,
		Ledger:     a.ledger,
		Sessions:   a.sessions,
		Bus:        a.bus,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases databases in reverse open order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newLLMClient builds the multi-provider client. Models listed under
// models.available route to their provider; anything else goes to the
// default model's provider, or Ollama when no hosted provider is set.
func newLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	used := map[string]bool{}
	for _, m := range cfg.Models.Available {
		used[m.Provider] = true
	}

	providers := map[string]llm.Client{}
	if cfg.Anthropic.Configured() {
		providers["anthropic"] = throttle(llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, logger), cfg.Anthropic)
		logger.Info("Anthropic provider configured")
	}
	if cfg.OpenAI.Configured() {
		providers["openai"] = throttle(llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger), cfg.OpenAI)
		logger.Info("OpenAI provider configured")
	}
	if used["ollama"] || len(providers) == 0 {
		providers["ollama"] = llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	}

	defaultProvider := ""
	for _, m := range cfg.Models.Available {
		if m.Name == cfg.Models.Default {
			defaultProvider = m.Provider
		}
	}
	fallback, ok := providers[defaultProvider]
	if !ok {
		for _, name := range []string{"ollama", "anthropic", "openai"} {
			if c, ok := providers[name]; ok {
				fallback, defaultProvider = c, name
				break
			}
		}
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		if _, ok := providers[m.Provider]; !ok {
			logger.Warn("model provider not configured", "model", m.Name, "provider", m.Provider)
			continue
		}
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)
	return multi
}

func throttle(c llm.Client, p config.ProviderConfig) llm.Client {
	if p.RequestsPerSecond <= 0 {
		return c
	}
	return llm.NewRateLimited(c, p.RequestsPerSecond, p.Burst)
}

// newCatalog registers every configured HTTP-backed tool.
func newCatalog(cfg *config.Config, logger *slog.Logger) (*tools.Catalog, error) {
	catalog := tools.NewCatalog()
	client := httpkit.NewClient(
		httpkit.WithRetry(1, 250*time.Millisecond),
		httpkit.WithLogger(logger),
	)
	for _, t := range cfg.Tools {
		tool := tools.NewHTTPTool(tools.HTTPToolDef{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
			Endpoint:    t.Endpoint,
			Timeout:     t.Timeout,
			CostPerCall: t.CostPerCall,
		}, client)
		if err := catalog.Add(tool); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", t.Name, err)
		}
	}
	logger.Debug("tool catalog built", "tools", catalog.Names())
	return catalog, nil
}

func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/agentdesk/agentd/agent"
	"github.com/agentdesk/agentd/approval"
	"github.com/agentdesk/agentd/assembler"
	"github.com/agentdesk/agentd/config"
	"github.com/agentdesk/agentd/conversations"
	"github.com/agentdesk/agentd/llm"
	"github.com/agentdesk/agentd/llm/anthropic"
	"github.com/agentdesk/agentd/llm/openai"
	agentdlogger "github.com/agentdesk/agentd/logger"
	"github.com/agentdesk/agentd/memory"
	ollamamem "github.com/agentdesk/agentd/memory/ollama"
	openaimem "github.com/agentdesk/agentd/memory/openai"
	"github.com/agentdesk/agentd/migrations"
	"github.com/agentdesk/agentd/runtime"
	"github.com/agentdesk/agentd/server"
	"github.com/agentdesk/agentd/tools"
)

const embedderCacheEntries = 10_000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "agentd.yaml", "Path to YAML configuration file")
		addr       = flag.String("addr", "", "HTTP listen address. Overrides the config file")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	logger, err := agentdlogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger.Info().
		Str("config", *configPath).
		Str("addr", cfg.Server.Addr).
		Str("db", cfg.DatabasePath).
		Msg("agentd starting")

	// ---------------------------
	// 1. SQLite + migrations
	// ---------------------------

	db, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // no remedy for db close errors

	if err := migrations.RunMigrations(db, cfg.MigrationsPath, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// ---------------------------
	// 2. Embedder, memory store, vector index
	// ---------------------------

	embedder, err := buildEmbedder(cfg, logger)
	if err != nil {
		return err
	}

	var index *memory.Index
	if embedder != nil {
		cached, err := memory.NewCachingEmbedder(embedder, embedderCacheEntries)
		if err != nil {
			return fmt.Errorf("failed to create embedder cache: %w", err)
		}
		defer cached.Close()
		embedder = cached
		index = memory.NewIndex(embedder, memory.IndexOptions{Alpha: cfg.Context.Alpha}, logger)
	} else {
		logger.Warn().Msg("No embedder configured; semantic retrieval is disabled")
	}

	store := memory.NewStore(db, embedder, memory.StoreOptions{
		CeilingPerAgent: cfg.Memory.CeilingPerAgent,
		DecayFactor:     cfg.Memory.DecayFactor,
		DecayFloor:      cfg.Memory.DecayFloor,
		RecencyHalfLife: cfg.Memory.RecencyHalfLifeDuration(),
		HighValueMin:    cfg.Memory.HighValueMin,
		HighValueMaxAge: cfg.Memory.HighValueMaxAgeDuration(),
	}, logger)
	if index != nil {
		store.SetOnEvict(func(agentID string, ids []int64) {
			index.Remove(agentID, ids)
		})
		// The index lives in memory; reload stored embeddings so earlier
		// runs stay semantically searchable.
		if _, err := index.Rehydrate(context.Background(), store); err != nil {
			logger.Warn().Err(err).Msg("Vector index rehydration failed; semantic recall starts cold")
		}
	}

	sessions := conversations.NewStore(db)

	// ---------------------------
	// 3. Approval gate
	// ---------------------------

	gate := approval.NewGate(approval.NewSQLStore(db), cfg.Approvals.TimeoutDuration(), logger)
	classifier := approval.NewClassifier(cfg.Approvals.SensitiveTools)

	// ---------------------------
	// 4. Context assembler
	// ---------------------------

	var vectorSource assembler.VectorSource
	if index != nil {
		vectorSource = index
	}
	asm := assembler.New(store, vectorSource, sessions, assembler.Options{
		RecentMessages:    cfg.Context.RecentMessages,
		TopK:              cfg.Context.TopK,
		FactImportanceMin: cfg.Context.FactImportanceMin,
	}, logger)
	if cfg.Ollama.Host != "" || os.Getenv("OLLAMA_HOST") != "" {
		if summarizer, err := ollamamem.NewSummarizer(""); err == nil {
			asm.SetSummarizer(summarizer)
		} else {
			logger.Warn().Err(err).Msg("Compression summarizer unavailable")
		}
	}

	// ---------------------------
	// 5. Model client and tools
	// ---------------------------

	client, provider, model, err := buildLLMClient(cfg, logger)
	if err != nil {
		return err
	}

	workspacePath, err := os.Getwd()
	if err != nil {
		workspacePath = "."
		logger.Warn().Err(err).Msg("Failed to get current directory, using '.' as workspace")
	}

	registry := tools.NewRegistry(logger)
	registry.RegisterFilesystemTools(workspacePath)
	registry.RegisterMemoryTools(store, index)
	registry.RegisterNotificationTools()

	// ---------------------------
	// 6. Orchestrator
	// ---------------------------

	states := agent.NewStateManager(db, logger)
	orch, err := agent.New(client, asm, sessions, store, index, gate, classifier, registry, states, agent.Options{
		Model:        model,
		ModelTimeout: cfg.ModelTimeoutDuration(),
		ToolTimeout:  cfg.ToolTimeoutDuration(),
		Budget: assembler.Budget{
			MaxTokens:           cfg.Context.MaxTokens,
			ReservedForResponse: cfg.Context.ReservedForResponse,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx := context.Background()
	for id, agentCfg := range cfg.Agents {
		if agentCfg.Disabled {
			continue
		}
		orch.SetProfile(id, agent.Profile{
			SystemPrompt: agentCfg.System,
			Tools:        agentCfg.Tools,
			Model:        preferredModel(agentCfg.LLM, provider),
			MaxTokens:    agentCfg.MaxTokens,
		})
		if err := orch.StartAgent(ctx, id); err != nil {
			logger.Warn().Err(err).Str("agent_id", id).Msg("Failed to start configured agent")
		}
	}

	// ---------------------------
	// 7. Maintenance scheduler
	// ---------------------------

	scheduler, err := runtime.NewScheduler(store, gate,
		cfg.Maintenance.DecaySchedule, cfg.Maintenance.ExpirySchedule, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	scheduler.Start()

	// ---------------------------
	// 8. HTTP server
	// ---------------------------

	srv := server.New(server.Config{Addr: cfg.Server.Addr}, orch, sessions, gate, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}
	scheduler.Stop(shutdownCtx)

	logger.Info().Msg("agentd stopped")
	return nil
}

// buildEmbedder picks the embedding provider. Ollama wins when configured,
// then OpenAI; with neither the daemon runs on keyword retrieval alone.
func buildEmbedder(cfg *config.Config, logger zerolog.Logger) (memory.Embedder, error) {
	if cfg.Ollama.Host != "" {
		if err := os.Setenv("OLLAMA_HOST", cfg.Ollama.Host); err != nil {
			return nil, fmt.Errorf("failed to set ollama host: %w", err)
		}
	}
	if cfg.Ollama.Host != "" || os.Getenv("OLLAMA_HOST") != "" {
		logger.Info().Str("model", cfg.Ollama.EmbeddingModel).Msg("Using ollama embedder")
		return ollamamem.NewEmbedder(ollamamem.Model(cfg.Ollama.EmbeddingModel))
	}
	if cfg.OpenAI.APIKey != "" {
		logger.Info().Str("model", cfg.OpenAI.EmbeddingModel).Msg("Using openai embedder")
		return openaimem.NewEmbedder(cfg.OpenAI.APIKey, cfg.OpenAI.EmbeddingModel)
	}
	return nil, nil
}

// buildLLMClient picks the chat provider and wraps it with retry handling.
// The returned provider name lets per-agent model preferences match against
// the provider that is actually configured.
func buildLLMClient(cfg *config.Config, logger zerolog.Logger) (llm.Client, string, string, error) {
	switch {
	case cfg.Anthropic.APIKey != "":
		inner, err := anthropic.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		if err != nil {
			return nil, "", "", fmt.Errorf("failed to create anthropic client: %w", err)
		}
		model := cfg.Anthropic.Model
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		return llm.NewRetryClient(inner, logger), "anthropic", model, nil
	case cfg.OpenAI.APIKey != "":
		inner, err := openai.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, "")
		if err != nil {
			return nil, "", "", fmt.Errorf("failed to create openai client: %w", err)
		}
		model := cfg.OpenAI.Model
		if model == "" {
			model = "gpt-4o"
		}
		return llm.NewRetryClient(inner, logger), "openai", model, nil
	}
	return nil, "", "", fmt.Errorf("no model provider configured: set anthropic.api_key or openai.api_key")
}

// preferredModel returns the agent's model preference for the active provider,
// or empty when the agent states none.
func preferredModel(prefs []config.LLMPreference, provider string) string {
	for _, p := range prefs {
		if p.Provider == provider && p.Model != "" {
			return p.Model
		}
	}
	return ""
}

package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/agentd/internal/agent"
	"github.com/agentd/internal/api"
	"github.com/agentd/internal/billing"
	"github.com/agentd/internal/compression"
	"github.com/agentd/internal/config"
	"github.com/agentd/internal/database"
	"github.com/agentd/internal/llm"
	"github.com/agentd/internal/logging"
	"github.com/agentd/internal/prompts"
	"github.com/agentd/internal/store"
	"github.com/agentd/internal/toolkit"
)

// ServeCommand returns the CLI command for starting the agent server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the agent API server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Listen address (overrides config)",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if addr := c.String("listen"); addr != "" {
		cfg.General.ListenAddr = addr
	}

	logging.Setup(cfg.General.LogLevel, cfg.General.PrettyLogs)

	ctx := context.Background()

	db, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := store.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("failed to prepare schema: %w", err)
	}
	st := store.NewPostgres(db, cfg.Agent.StreamMaxLen, cfg.Agent.StreamTTL)

	// Ledger deductions run through a durable job queue so a crash between
	// LLM call and deduction cannot lose a charge.
	ledger := billing.NewLedgerClient(cfg.Ledger.BaseURL, cfg.Ledger.Timeout)
	resolver := billing.NewIdentityResolver(billing.EmailLookupFunc(
		func(ctx context.Context, accountID string) (string, error) {
			return accountID + "@flashlabs.ai", nil
		},
	))

	var enqueuer billing.Enqueuer
	if cfg.Ledger.Enabled {
		pool, err := database.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to open pgx pool: %w", err)
		}
		defer pool.Close()

		queue, err := billing.NewDeductQueue(pool, ledger, cfg.Ledger.Timeout)
		if err != nil {
			return fmt.Errorf("failed to build deduction queue: %w", err)
		}
		if err := queue.Start(ctx); err != nil {
			return fmt.Errorf("failed to start deduction queue: %w", err)
		}
		defer queue.Stop(ctx)
		enqueuer = queue
	}
	gateway := billing.NewGateway(cfg.Ledger.Enabled, ledger, resolver, enqueuer)

	provider, modelName := llm.Resolve(cfg.Model.Default, llm.Provider(cfg.Model.Provider))
	model, err := llm.NewModel(ctx, llm.Options{
		Provider: provider,
		Model:    modelName,
		APIKey:   cfg.Model.APIKey,
		BaseURL:  cfg.Model.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to build model client: %w", err)
	}
	generator := llm.NewResilient(llm.NewClient(model, cfg.Model.Temperature, cfg.Model.MaxTokens))

	optional, closeBridges, err := connectMCPServers(ctx, cfg.MCPServers)
	if err != nil {
		return err
	}
	defer closeBridges()

	toolNames := make([]string, 0, len(optional))
	for name := range optional {
		toolNames = append(toolNames, name)
	}
	sort.Strings(toolNames)

	svc := agent.NewService(agent.ServiceParams{
		Store:         st,
		Generator:     generator,
		Gateway:       gateway,
		SystemPrompt:  prompts.Build(cfg.SystemPrompt, toolNames),
		Model:         modelName,
		MaxIterations: cfg.Agent.MaxIterations,
		Compression: compression.Config{
			Enabled:        cfg.Compression.Enabled,
			TokenThreshold: cfg.Compression.TokenThreshold,
			KeepRecent:     cfg.Compression.KeepRecent,
		},
		ExecutorConfig: agent.ExecutorConfig{
			StopCheckInterval: cfg.Agent.StopCheckInterval,
		},
		OptionalTools: optional,
	})

	log.Info().
		Str("model", modelName).
		Str("provider", string(provider)).
		Bool("metering", cfg.Ledger.Enabled).
		Int("optional_tools", len(optional)).
		Msg("agentd starting")

	server := api.NewServer(svc, cfg.General.ListenAddr, cfg.Auth.JWTSecret)
	return server.Start()
}

// connectMCPServers starts each configured tool server and collects its
// tools as activation candidates. A server that fails to come up is
// skipped with a warning rather than blocking startup.
func connectMCPServers(ctx context.Context, servers []config.MCPServer) (map[string]toolkit.Factory, func(), error) {
	optional := map[string]toolkit.Factory{}
	var bridges []*toolkit.MCPBridge

	closeAll := func() {
		for _, b := range bridges {
			if err := b.Close(); err != nil {
				log.Warn().Err(err).Msg("closing mcp server")
			}
		}
	}

	for _, srv := range servers {
		bridge := toolkit.NewMCPBridge(toolkit.MCPServerConfig{
			Name:    srv.Name,
			Command: srv.Command,
			Args:    srv.Args,
		})
		if err := bridge.Connect(ctx); err != nil {
			log.Warn().Err(err).Str("server", srv.Name).Msg("mcp server unavailable")
			continue
		}
		factories, err := bridge.Factories(ctx)
		if err != nil {
			log.Warn().Err(err).Str("server", srv.Name).Msg("listing mcp tools failed")
			bridge.Close()
			continue
		}
		bridges = append(bridges, bridge)
		for name, factory := range factories {
			optional[name] = factory
		}
	}
	return optional, closeAll, nil
}

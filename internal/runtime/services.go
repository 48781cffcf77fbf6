// Package runtime assembles the steward process from configuration: one
// provider behind the gateway, the tool belt, the approval gate, the
// compactor, the session manager, the scheduler, and the transports,
// constructed once and handed to each other by reference. Nothing here is
// a singleton; cmd/steward builds a Services and runs it.
package runtime

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/agent/providers"
	"github.com/haasonsaas/steward/internal/channels/telegram"
	"github.com/haasonsaas/steward/internal/compaction"
	"github.com/haasonsaas/steward/internal/config"
	"github.com/haasonsaas/steward/internal/memory"
	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/internal/persona"
	"github.com/haasonsaas/steward/internal/ratelimit"
	"github.com/haasonsaas/steward/internal/scheduler"
	"github.com/haasonsaas/steward/internal/server"
	"github.com/haasonsaas/steward/internal/sessions"
	"github.com/haasonsaas/steward/internal/tools/browse"
	"github.com/haasonsaas/steward/internal/tools/files"
	"github.com/haasonsaas/steward/internal/tools/memorytool"
	"github.com/haasonsaas/steward/internal/tools/remind"
	"github.com/haasonsaas/steward/internal/tools/shell"
	"github.com/haasonsaas/steward/internal/tools/system"
	"github.com/haasonsaas/steward/internal/tools/websearch"
	"github.com/haasonsaas/steward/pkg/models"
)

// Options configures Services construction.
type Options struct {
	Config *config.Config
	// Logger overrides the one built from Config.Logging. Optional.
	Logger *observability.Logger
	// Version is reported by /status, /v1/status, and system_info.
	Version string
}

// conversations is the slice of the session manager the scheduler callback
// drives. Tests swap in a stub.
type conversations interface {
	HandleMessage(ctx context.Context, msg sessions.IncomingMessage) (string, error)
}

// transport delivers unsolicited messages to a user.
type transport interface {
	Deliver(ctx context.Context, userKey, text string) error
}

// Services is the assembled runtime. Fields are exported for cmd/steward
// and tests; mutation after New is not supported.
type Services struct {
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Registry  *prometheus.Registry
	Gateway   *agent.Gateway
	Tools     *agent.Registry
	Gate      *agent.ApprovalGate
	Compactor *compaction.Compactor
	Store     sessions.Store
	Sessions  *sessions.Manager
	Memory    *memory.Store
	Persona   *persona.Builder
	Scheduler *scheduler.Scheduler
	Limiter   *ratelimit.Limiter

	// Telegram and Server are nil when disabled in config.
	Telegram *telegram.Adapter
	Server   *server.Server

	cfg      *config.Config
	version  string
	ownerKey string

	conv      conversations
	transport transport

	stopTracer func(context.Context) error
}

// New builds every subsystem in dependency order. It does not start
// anything; call Start.
func New(ctx context.Context, opts Options) (*Services, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	tracer := observability.NopTracer()
	var stopTracer func(context.Context) error
	if cfg.Tracing.Endpoint != "" {
		tracer, stopTracer = observability.NewTracer(observability.TraceConfig{
			ServiceName:    "steward",
			ServiceVersion: opts.Version,
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Insecure:       cfg.Tracing.Insecure,
		})
	}

	provider, err := providers.New(ctx, cfg.LLM.Provider, providers.Config{
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		BaseURL:   cfg.LLM.BaseURL,
		MaxTokens: cfg.LLM.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s provider: %w", cfg.LLM.Provider, err)
	}
	gateway := agent.NewGateway(provider, logger, metrics, tracer)

	gate, err := buildGate(cfg.Approvals, logger, metrics)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(cfg.Scheduler.TasksFile,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
		scheduler.WithTickInterval(cfg.Scheduler.Tick),
	)
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	store, err := buildSessionStore(cfg.Database)
	if err != nil {
		return nil, err
	}

	mem, err := memory.NewStore(memoryPath(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	compactor := compaction.New(compaction.Config{
		MaxContextTokens: cfg.Compaction.MaxContextTokens,
		Threshold:        cfg.Compaction.Threshold,
		KeepRecent:       cfg.Compaction.KeepRecentMessages,
		Enabled:          cfg.Compaction.IsEnabled(),
	}, gatewaySummarizer(gateway), logger)

	ownerKey := ""
	if cfg.Telegram.OwnerID != 0 {
		ownerKey = telegram.UserKey(cfg.Telegram.OwnerID)
	}

	tools := agent.NewRegistry(logger)
	if err := registerToolBelt(tools, cfg, sched, mem, ownerKey, logger); err != nil {
		return nil, err
	}

	builder := persona.NewBuilder(persona.Config{
		Name:        cfg.Persona.Name,
		ProfilePath: cfg.Persona.ProfilePath,
	}, tools.Definitions, logger)

	loop := agent.NewLoop(gateway, tools, gate, compactor, agent.LoopConfig{
		MaxToolIterations:  cfg.Agent.MaxToolIterations,
		MaxContextMessages: cfg.Agent.MaxContextMessages,
		MaxTokens:          cfg.LLM.MaxTokens,
	}, logger, metrics, tracer)

	manager := sessions.NewManager(store, loop, builder.SystemPrompt, sessions.ManagerConfig{
		IdleTimeout:  cfg.Session.IdleTimeout,
		CacheSize:    cfg.Session.CacheSize,
		HistoryLimit: cfg.Agent.MaxContextMessages,
	}, logger, metrics)

	// system_info reads session counters, so it registers after the manager.
	if err := registerEnabled(tools, cfg, system.NewInfoTool(manager, opts.Version)); err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		PerMinute: cfg.RateLimit.PerMinute,
		MaxKeys:   cfg.RateLimit.MaxKeys,
	})

	svcs := &Services{
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
		Registry:   registry,
		Gateway:    gateway,
		Tools:      tools,
		Gate:       gate,
		Compactor:  compactor,
		Store:      store,
		Sessions:   manager,
		Memory:     mem,
		Persona:    builder,
		Scheduler:  sched,
		Limiter:    limiter,
		cfg:        cfg,
		version:    opts.Version,
		ownerKey:   ownerKey,
		conv:       manager,
		stopTracer: stopTracer,
	}

	if cfg.Telegram.Enabled {
		adapter, err := telegram.New(telegram.Config{
			Token:      cfg.Telegram.Token,
			OwnerID:    cfg.Telegram.OwnerID,
			AllowedIDs: cfg.Telegram.AllowedIDs,
		}, telegram.Deps{
			Conversations: manager,
			Gate:          gate,
			Scheduler:     sched,
			Limiter:       limiter,
			Logger:        logger,
			Metrics:       metrics,
			Version:       opts.Version,
		})
		if err != nil {
			return nil, fmt.Errorf("build telegram adapter: %w", err)
		}
		svcs.Telegram = adapter
		svcs.transport = adapter
	}

	if cfg.Server.Enabled {
		srv, err := server.New(server.Config{
			Addr:      cfg.Server.Addr,
			JWTSecret: cfg.Server.JWTSecret,
		}, server.Options{
			Logger:    logger,
			Metrics:   metrics,
			Gate:      gate,
			Scheduler: sched,
			Sessions:  manager,
			Limiter:   limiter,
			Gatherer:  registry,
			Version:   opts.Version,
		})
		if err != nil {
			return nil, fmt.Errorf("build admin server: %w", err)
		}
		svcs.Server = srv
	}

	sched.SetCallback(svcs.runScheduledTask)
	if err := svcs.seedTasks(); err != nil {
		return nil, err
	}
	return svcs, nil
}

// buildGate translates config risk names into gate levels.
func buildGate(cfg config.ApprovalsConfig, logger *observability.Logger, metrics *observability.Metrics) (*agent.ApprovalGate, error) {
	fallback, err := agent.ParseRiskLevel(cfg.DefaultRisk)
	if err != nil {
		return nil, fmt.Errorf("approvals.default_risk: %w", err)
	}
	overrides := make(map[string]agent.RiskLevel, len(cfg.RiskOverrides))
	for name, risk := range cfg.RiskOverrides {
		level, err := agent.ParseRiskLevel(risk)
		if err != nil {
			return nil, fmt.Errorf("approvals.risk_overrides[%s]: %w", name, err)
		}
		overrides[name] = level
	}
	return agent.NewApprovalGate(agent.GateConfig{
		Required:    cfg.IsRequired(),
		TTL:         cfg.Timeout,
		DefaultRisk: fallback,
		Overrides:   overrides,
	}, logger, metrics), nil
}

func buildSessionStore(cfg config.DatabaseConfig) (sessions.Store, error) {
	switch cfg.Driver {
	case "memory":
		return sessions.NewMemoryStore(), nil
	case "sqlite":
		store, err := sessions.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite session store: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := sessions.NewPostgresStore(cfg.DSN, nil)
		if err != nil {
			return nil, fmt.Errorf("open postgres session store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("database.driver: unknown driver %q", cfg.Driver)
	}
}

// memoryPath places the memory database next to the sqlite session store,
// or in the working directory for the other drivers. Long-term memory is
// always SQLite regardless of the session driver.
func memoryPath(cfg *config.Config) string {
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN != "" {
		return filepath.Join(filepath.Dir(cfg.Database.DSN), "steward_memory.db")
	}
	return "steward_memory.db"
}

// registerToolBelt wires every default tool except system_info, which needs
// the session manager and registers later.
func registerToolBelt(reg *agent.Registry, cfg *config.Config, sched *scheduler.Scheduler, mem *memory.Store, ownerKey string, logger *observability.Logger) error {
	search := websearch.New(websearch.Config{
		Backend:     websearch.Backend(cfg.Tools.Search.Backend),
		BraveAPIKey: cfg.Tools.Search.BraveAPIKey,
		CacheTTL:    cfg.Tools.Search.CacheTTL,
	}, logger)

	ws, err := files.NewWorkspace(cfg.Tools.WorkspaceDir, logger)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}

	executor, err := shell.NewExecutor(shell.Config{
		AllowedCommands: cfg.Tools.Shell.AllowedCommands,
		Timeout:         cfg.Tools.Shell.Timeout,
		WorkspaceDir:    cfg.Tools.WorkspaceDir,
	}, logger)
	if err != nil {
		return fmt.Errorf("build shell executor: %w", err)
	}

	belt := []agent.Tool{
		search,
		browse.New(logger),
		shell.NewRunCommandTool(executor),
		shell.NewListCommandsTool(executor),
		files.NewReadFileTool(ws),
		files.NewWriteFileTool(ws),
		files.NewListFilesTool(ws),
		files.NewSearchFilesTool(ws),
		memorytool.NewRememberTool(mem, ownerKey),
		memorytool.NewRecallTool(mem, ownerKey),
		remind.NewSetReminderTool(sched, ownerKey),
		remind.NewListRemindersTool(sched, ownerKey),
		remind.NewCancelReminderTool(sched, ownerKey),
		remind.NewAddCronTaskTool(sched, ownerKey),
		remind.NewSetupDailyBriefingTool(sched, ownerKey),
	}
	for _, tool := range belt {
		if err := registerEnabled(reg, cfg, tool); err != nil {
			return err
		}
	}
	return nil
}

// registerEnabled registers a tool unless config disables it by name.
func registerEnabled(reg *agent.Registry, cfg *config.Config, tool agent.Tool) error {
	for _, name := range cfg.Tools.Disabled {
		if name == tool.Name() {
			return nil
		}
	}
	if err := reg.Register(tool); err != nil {
		return fmt.Errorf("register tool %s: %w", tool.Name(), err)
	}
	return nil
}

// gatewaySummarizer adapts the gateway for the compactor: one plain
// completion, no tools.
func gatewaySummarizer(gw *agent.Gateway) compaction.Summarizer {
	return compaction.SummarizeFunc(func(ctx context.Context, system, prompt string) (string, error) {
		resp, err := gw.Generate(ctx, &agent.CompletionRequest{
			System:   system,
			Messages: []models.Message{models.NewUserMessage(prompt)},
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	})
}

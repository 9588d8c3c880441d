// Package main provides the CLI entry point for Koda's Orchestration Core.
//
// Koda mediates between a messaging channel and a multi-provider LLM backend:
// it assembles context, dispatches tool calls, and runs the background
// Improvement Queue that drives the Evolution Engine's self-patch cycle.
//
// # Basic Usage
//
// Run the orchestrator's background workers (the Improvement Queue):
//
//	koda serve --config koda.yaml
//
// Inspect or manage the Improvement Queue:
//
//	koda queue list
//	koda queue add "add a /remind command" --priority 5
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY, OPENROUTER_API_KEY
//   - KODA_CONFIG: path to a YAML config file (optional; defaults are used
//     when unset)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mira-labs/koda/internal/audit"
	"github.com/mira-labs/koda/internal/config"
	"github.com/mira-labs/koda/internal/contextassembler"
	"github.com/mira-labs/koda/internal/convstore"
	"github.com/mira-labs/koda/internal/errorcollector"
	"github.com/mira-labs/koda/internal/evolution"
	"github.com/mira-labs/koda/internal/llm"
	"github.com/mira-labs/koda/internal/llm/providers"
	"github.com/mira-labs/koda/internal/observability"
	"github.com/mira-labs/koda/internal/orchestrator"
	"github.com/mira-labs/koda/internal/queue"
	"github.com/mira-labs/koda/internal/restart"
	"github.com/mira-labs/koda/internal/safety"
	"github.com/mira-labs/koda/internal/toolregistry"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	commit     = "none"
	configPath string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "koda",
		Short:   "Koda - personal AI assistant orchestration core",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Long: `Koda mediates a conversation between a messaging channel and a
multi-provider LLM backend, dispatching tool calls and running a background
Improvement Queue that drives self-patch proposals through an Evolution Engine.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("KODA_CONFIG"), "path to a YAML config file")

	rootCmd.AddCommand(buildServeCmd(), buildQueueCmd())
	return rootCmd
}

// system wires every collaborator the composition root needs, built once at
// startup per the "no hidden module state" design note — no package-level
// singletons, everything here is constructed and passed down explicitly.
type system struct {
	cfg       *config.Config
	metrics   *observability.Metrics
	auditLog  *audit.Logger
	errors    *errorcollector.Collector
	router    *llm.Router
	tools     *toolregistry.Registry
	assembler *contextassembler.Assembler
	store     *convstore.Store
	loop      *orchestrator.Loop
	safetyG   *safety.Guard
	evoEngine *evolution.Engine
	q         *queue.Queue
}

func buildSystem(cfgPath string) (*system, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	metrics := observability.NewMetrics()

	auditCfg := audit.DefaultConfig()
	auditCfg.Enabled = true
	auditLog, err := audit.NewLogger(auditCfg)
	if err != nil {
		return nil, fmt.Errorf("build audit logger: %w", err)
	}

	errorLog := errorcollector.New(filepath.Join(cfg.Storage.DataDir, "runtime_errors.jsonl"), nil)

	providerSet := buildProviders(cfg)
	router := llm.NewRouter(providerSet, slog.Default(), metrics, auditLog)

	tools := toolregistry.New()

	store := convstore.New(filepath.Join(cfg.Storage.DataDir, "conversations"))
	assembler := contextassembler.New(store, defaultSystemPromptTemplate, 3, 10)

	identity := contextassembler.Identity{AssistantName: "Koda", UserName: "there"}
	loop := orchestrator.New(router, tools, assembler, store, errorLog, auditLog, identity, slog.Default())

	guard, err := safety.New(cfg.Evolution.ProjectRoot, cfg.Safety.StateDir, slog.Default(), safety.WithTestCommand(cfg.Safety.TestCommand))
	if err != nil {
		return nil, fmt.Errorf("build safety guard: %w", err)
	}
	evoEngine := evolution.New(router, guard, cfg.Evolution.ProjectRoot, filepath.Join(cfg.Safety.StateDir, "audit_log.jsonl"), slog.Default())

	q, err := queue.New(filepath.Join(cfg.Storage.DataDir, "improvement_queue.json"), cfg.Queue.MaxWorkers, evoEngine, auditLog, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("build improvement queue: %w", err)
	}

	return &system{
		cfg:       cfg,
		metrics:   metrics,
		auditLog:  auditLog,
		errors:    errorLog,
		router:    router,
		tools:     tools,
		assembler: assembler,
		store:     store,
		loop:      loop,
		safetyG:   guard,
		evoEngine: evoEngine,
		q:         q,
	}, nil
}

const defaultSystemPromptTemplate = `You are {assistant_name}, a personal AI assistant helping {user_name}.

## Relevant context
{relevant_context}
`

// buildProviders constructs one adapter per provider whose API key is
// present in the environment or config file.
func buildProviders(cfg *config.Config) map[llm.ProviderID]llm.Provider {
	out := make(map[llm.ProviderID]llm.Provider)

	anthropicKey := providerKey(cfg, llm.ProviderAnthropic, "ANTHROPIC_API_KEY")
	if anthropicKey != "" {
		out[llm.ProviderAnthropic] = providers.NewAnthropicProvider(anthropicKey)
	}
	openAIKey := providerKey(cfg, llm.ProviderOpenAI, "OPENAI_API_KEY")
	if openAIKey != "" {
		out[llm.ProviderOpenAI] = providers.NewOpenAIProvider(openAIKey)
	}
	googleKey := providerKey(cfg, llm.ProviderGoogle, "GOOGLE_API_KEY")
	if googleKey != "" {
		out[llm.ProviderGoogle] = providers.NewGoogleProvider(googleKey)
	}
	openRouterKey := providerKey(cfg, llm.ProviderOpenRouter, "OPENROUTER_API_KEY")
	if openRouterKey != "" {
		out[llm.ProviderOpenRouter] = providers.NewOpenRouterProvider(openRouterKey)
	}
	return out
}

func providerKey(cfg *config.Config, id llm.ProviderID, envVar string) string {
	if cfg != nil {
		if p, ok := cfg.LLM.Providers[string(id)]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return os.Getenv(envVar)
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Improvement Queue's background workers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := buildSystem(configPath)
			if err != nil {
				return err
			}

			reportPriorRestart(sys.cfg.Safety.StateDir)

			if !sys.safetyG.CanRestart() {
				writeSkippedRestartSentinel(sys.cfg.Safety.StateDir)
				return fmt.Errorf("serve: restart rate limit exceeded, refusing to start")
			}
			sys.safetyG.RecordRestart()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sys.q.StartWorkers(ctx)
			slog.Info("koda_serve_started", "max_workers", sys.cfg.Queue.MaxWorkers)

			<-ctx.Done()
			slog.Info("koda_serve_stopping")
			sys.q.StopWorkers()
			writeShutdownSentinel(sys.cfg.Safety.StateDir)
			return nil
		},
	}
}

// reportPriorRestart consumes any sentinel left by a prior run (written by
// writeShutdownSentinel, or by an external supervisor restarting the process
// after a crash) and logs it once, so an operator watching the logs can see
// why this instance came back up.
func reportPriorRestart(stateDir string) {
	sentinel, err := restart.ConsumeSentinel(stateDir)
	if err != nil {
		slog.Warn("koda_restart_sentinel_read_failed", "error", err)
		return
	}
	if sentinel == nil {
		return
	}
	slog.Info("koda_restart_sentinel_found", "summary", restart.Summarize(sentinel.Payload))
}

// writeShutdownSentinel records a normal-shutdown sentinel so the next
// startup can report it. Process-manager-triggered restarts (e.g. after a
// crash the Safety Guard couldn't repair) leave no sentinel here, which
// reportPriorRestart's absence-is-silent handling treats as a cold start.
func writeShutdownSentinel(stateDir string) {
	msg := "serve command received a shutdown signal"
	err := restart.WriteSentinel(stateDir, restart.SentinelPayload{
		Kind:    restart.KindRestart,
		Status:  restart.StatusOK,
		Ts:      time.Now().Unix(),
		Message: &msg,
	})
	if err != nil {
		slog.Warn("koda_restart_sentinel_write_failed", "error", err)
	}
}

// writeSkippedRestartSentinel records a refused startup so the next
// successful run can report why this instance didn't come up: the Safety
// Guard's restart rate limit (shared with its repair-attempt limiter) saw
// too many restarts in its rolling window, most likely a crash loop.
func writeSkippedRestartSentinel(stateDir string) {
	msg := "serve command refused to start: restart rate limit exceeded"
	err := restart.WriteSentinel(stateDir, restart.SentinelPayload{
		Kind:    restart.KindRestart,
		Status:  restart.StatusSkipped,
		Ts:      time.Now().Unix(),
		Message: &msg,
	})
	if err != nil {
		slog.Warn("koda_restart_sentinel_write_failed", "error", err)
	}
}

func buildQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the Improvement Queue",
	}
	queueCmd.AddCommand(buildQueueListCmd(), buildQueueAddCmd())
	return queueCmd
}

func buildQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued improvement items",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := buildSystem(configPath)
			if err != nil {
				return err
			}
			for _, item := range sys.q.List(nil, 0) {
				fmt.Printf("%s\t%s\t%s\t%s\n", item.ID, item.Status, item.Source, item.Request)
			}
			return nil
		},
	}
}

func buildQueueAddCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "add <request>",
		Short: "Add an improvement request to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := buildSystem(configPath)
			if err != nil {
				return err
			}
			item, err := sys.q.Add(args[0], queue.SourceUser, priority, nil)
			if err != nil {
				return err
			}
			fmt.Println(item.ID)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 5, "lower runs first")
	return cmd
}

// Command agent runs a single instruction from the terminal, streaming
// stage events to stderr while the task executes in-process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lybic/agent/internal/config"
	"github.com/lybic/agent/internal/event"
	"github.com/lybic/agent/internal/manager"
	"github.com/lybic/agent/internal/metrics"
	"github.com/lybic/agent/internal/store"
	"github.com/lybic/agent/internal/task"
	"github.com/lybic/agent/internal/tools"
)

// Exit codes: 0 completed, 1 failed, 2 misconfiguration, 130 cancelled.
const (
	exitOK        = 0
	exitFailed    = 1
	exitMisconfig = 2
	exitCancelled = 130
)

type options struct {
	backend        string
	query          string
	maxSteps       int
	mode           string
	enableTakeover bool
	disableSearch  bool
	sandbox        string
	keepSandbox    bool
	toolsConfig    string
}

func main() {
	_ = godotenv.Load()

	var opts options
	cmd := &cobra.Command{
		Use:          "agent",
		Short:        "Run one GUI automation instruction to completion",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(run(cmd.Context(), &opts))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.backend, "backend", task.BackendLybic, "device backend (lybic, lybic_mobile, scripted, ...)")
	flags.StringVar(&opts.query, "query", "", "instruction to execute (required)")
	flags.IntVar(&opts.maxSteps, "max-steps", task.DefaultMaxSteps, "step budget before the task fails")
	flags.StringVar(&opts.mode, "mode", string(task.ModeNormal), "execution mode (normal or fast)")
	flags.BoolVar(&opts.enableTakeover, "enable-takeover", false, "let the model pause for manual takeover")
	flags.BoolVar(&opts.disableSearch, "disable-search", false, "skip web knowledge retrieval during planning")
	flags.StringVar(&opts.sandbox, "sandbox", "", "reuse an existing sandbox id")
	flags.BoolVar(&opts.keepSandbox, "keep-sandbox", false, "leave the sandbox running after the task")
	flags.StringVar(&opts.toolsConfig, "tools-config", "", "path to the tool provider YAML")
	cmd.MarkFlagRequired("query")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(exitMisconfig)
	}
}

func run(ctx context.Context, opts *options) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return exitMisconfig
	}
	if opts.toolsConfig != "" {
		cfg.ToolsConfig = opts.toolsConfig
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return exitFailed
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	registry, err := tools.LoadRegistry(cfg.ToolsConfig, tools.ProviderConfig{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tools configuration invalid: %v\n", err)
		return exitMisconfig
	}

	req := &task.RunRequest{
		Instruction:    opts.query,
		SandboxID:      opts.sandbox,
		DestroySandbox: !opts.keepSandbox,
		Config: task.RunConfig{
			Backend:        opts.backend,
			Mode:           task.Mode(opts.mode),
			MaxSteps:       opts.maxSteps,
			EnableSearch:   !opts.disableSearch,
			EnableTakeover: opts.enableTakeover,
		},
	}
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid run request: %v\n", err)
		return exitMisconfig
	}

	mgr := manager.New(manager.Config{
		Version:          "cli",
		MaxConcurrent:    1,
		LogDir:           cfg.LogDir,
		LybicOrgID:       cfg.LybicOrgID,
		LybicAPIKey:      cfg.LybicAPIKey,
		LybicEndpoint:    cfg.LybicEndpoint,
		LybicMaxLifeSecs: cfg.LybicMaxLifeSecs,
		Invokers: func(overrides map[string]task.ProviderOverride) (tools.Invoker, error) {
			reg, err := registry.WithOverrides(overrides)
			if err != nil {
				return nil, err
			}
			return tools.WithRetries(tools.NewHTTPInvoker(reg, metrics.Noop{}, sugar), sugar), nil
		},
	}, store.NewMemory(), metrics.Noop{}, sugar)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		mgr.Shutdown(shutdownCtx)
	}()

	id, sub, err := mgr.RunStreaming(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "task submission failed: %v\n", err)
		return exitMisconfig
	}
	defer sub.Cancel()
	sugar.Infow("Task started", "task_id", id)

	// The task runs on a detached context; SIGINT must translate into an
	// explicit cancellation request.
	go func() {
		<-ctx.Done()
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Cancel(cancelCtx, id)
	}()

	status := follow(ctx, sub)
	final, err := mgr.Query(context.Background(), id)
	if err == nil && final.FinalMessage != "" {
		fmt.Fprintln(os.Stdout, final.FinalMessage)
	}

	switch status {
	case event.StageFinished:
		return exitOK
	case event.StageCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

// follow prints stage events until the stream reaches a terminal stage.
// After an interrupt it keeps draining so the cancelled event is observed,
// giving up only if no terminal stage arrives in time.
func follow(ctx context.Context, sub *event.Subscription) event.Stage {
	done := ctx.Done()
	var giveUp <-chan time.Time
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return event.StageCancelled
			}
			fmt.Fprintf(os.Stderr, "[%s] %s %s\n",
				evt.Timestamp.Format(time.TimeOnly), evt.Stage, evt.Message)
			switch evt.Stage {
			case event.StageFinished, event.StageFailed, event.StageCancelled:
				return evt.Stage
			}
		case <-done:
			done = nil
			giveUp = time.After(30 * time.Second)
		case <-giveUp:
			return event.StageCancelled
		}
	}
}

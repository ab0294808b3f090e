package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentfleet/internal/channel"
	"github.com/nextlevelbuilder/agentfleet/internal/channel/discord"
	"github.com/nextlevelbuilder/agentfleet/internal/channel/telegram"
	"github.com/nextlevelbuilder/agentfleet/internal/config"
	"github.com/nextlevelbuilder/agentfleet/internal/invoker"
	"github.com/nextlevelbuilder/agentfleet/internal/orchestrator"
	"github.com/nextlevelbuilder/agentfleet/internal/runner"
	"github.com/nextlevelbuilder/agentfleet/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start all enabled workspaces and watch for config changes",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// Secrets come from the environment; .env is a local convenience.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env")
	}

	cfgPath := resolveConfigPath()
	fleet, err := config.LoadFleet(cfgPath)
	if err != nil {
		slog.Error("failed to load fleet config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, fleet.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	orch := orchestrator.New(fleet.WorkspacesRoot, fleet.Defaults, buildRunner, slog.Default())
	if err := orch.Load(); err != nil {
		slog.Error("workspace discovery failed", "root", fleet.WorkspacesRoot, "error", err)
		os.Exit(1)
	}
	if len(orch.Names()) == 0 {
		slog.Error("no enabled workspaces found", "root", fleet.WorkspacesRoot)
		os.Exit(1)
	}

	slog.Info("agentfleet starting", "version", Version, "workspaces", orch.Names())
	if err := orch.StartAll(); err != nil {
		// Partial starts are fine; a fleet with zero runners is not.
		slog.Error("some workspaces failed to start", "error", err)
		if !anyRunning(orch) {
			os.Exit(1)
		}
	}

	go func() {
		if err := orch.Watch(ctx); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("graceful shutdown initiated", "signal", sig)

	cancel()
	orch.StopAll()
	slog.Info("all workspaces stopped")
}

func anyRunning(orch *orchestrator.Orchestrator) bool {
	for _, name := range orch.Names() {
		if r := orch.Runner(name); r != nil && r.State() == runner.StateRunning {
			return true
		}
	}
	return false
}

// buildRunner assembles a runner from a workspace config: the chat adapter
// from channel.type and a fresh invoker per start.
func buildRunner(ws *config.Workspace) (*runner.Runner, error) {
	ch, err := buildChannel(ws)
	if err != nil {
		return nil, err
	}

	factory, err := invokerFactory(ws)
	if err != nil {
		return nil, err
	}

	return runner.New(runner.Config{
		Workspace: ws,
		Channel:   ch,
		Invoker:   factory(),
		Factory:   factory,
		Logger:    slog.Default(),
	}), nil
}

func buildChannel(ws *config.Workspace) (channel.Channel, error) {
	logger := slog.Default().With("workspace", ws.Name)
	switch ws.Channel.Type {
	case "telegram":
		return telegram.New(ws.Channel, logger)
	case "discord":
		return discord.New(ws.Channel, logger)
	case "":
		return nil, fmt.Errorf("workspace %s: channel.type not set", ws.Name)
	default:
		return nil, fmt.Errorf("workspace %s: unknown channel type %q", ws.Name, ws.Channel.Type)
	}
}

func invokerFactory(ws *config.Workspace) (invoker.Factory, error) {
	switch ws.Provider {
	case "", "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("workspace %s: ANTHROPIC_API_KEY not set", ws.Name)
		}
		cfg := invoker.AnthropicConfig{
			APIKey:      apiKey,
			Model:       ws.Model,
			Temperature: ws.Temperature,
			MaxTurns:    ws.MaxTurns,
		}
		return func() invoker.Invoker { return invoker.NewAnthropic(cfg) }, nil
	default:
		return nil, fmt.Errorf("workspace %s: unknown provider %q", ws.Name, ws.Provider)
	}
}

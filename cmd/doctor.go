package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentfleet/internal/config"
	"github.com/nextlevelbuilder/agentfleet/internal/orchestrator"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check fleet configuration and workspace health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agentfleet doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	fleet, err := config.LoadFleet(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	fmt.Printf("  Root:     %s\n", fleet.WorkspacesRoot)
	if fleet.Telemetry.Enabled {
		fmt.Printf("  Tracing:  %s (%s)\n", fleet.Telemetry.Endpoint, protocolOrDefault(fleet.Telemetry.Protocol))
	} else {
		fmt.Println("  Tracing:  disabled")
	}

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		fmt.Println("  Provider: ANTHROPIC_API_KEY NOT SET")
	} else {
		fmt.Println("  Provider: anthropic (key present)")
	}
	fmt.Println()

	names, err := orchestrator.Discover(fleet.WorkspacesRoot)
	if err != nil {
		fmt.Printf("  Workspace discovery failed: %s\n", err)
		return
	}
	if len(names) == 0 {
		fmt.Printf("  No workspaces under %s (a workspace is a directory with %s)\n", fleet.WorkspacesRoot, config.AgentFile)
		return
	}

	fmt.Printf("  Workspaces (%d):\n", len(names))
	for _, name := range names {
		ws, err := config.LoadWorkspace(filepath.Join(fleet.WorkspacesRoot, name), fleet.Defaults)
		if err != nil {
			fmt.Printf("    %-16s INVALID: %s\n", name, err)
			continue
		}
		status := "enabled"
		if !ws.IsEnabled() {
			status = "disabled"
		}
		token := "token OK"
		if ws.Channel.Token == "" {
			token = "TOKEN MISSING"
		}
		crons := len(config.LoadCronDefinitions(ws.Path))
		fmt.Printf("    %-16s %s, %s/%s, queue=%s, %d cron jobs\n",
			name, status, ws.Channel.Type, token, ws.QueueMode, crons)
	}
}

func protocolOrDefault(p string) string {
	if p == "" {
		return "http"
	}
	return p
}

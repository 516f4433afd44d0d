package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentcom",
	Short: "AgentCom - coordination hub for autonomous coding agents",
	Long: `AgentCom accepts high-level goals, decomposes them into dependent
tasks with an LLM planner, and assigns the tasks to remote agents over
persistent WebSocket connections. An autonomous cycle keeps the system
moving: resting, executing, improving, contemplating, healing.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"AgentCom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}

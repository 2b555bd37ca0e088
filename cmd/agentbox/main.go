// agentbox runs a coding agent inside a sandbox and relays its hook and tool
// calls back to the host.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentbox",
	Short: "agentbox runs a coding agent in a sandbox with host-side hooks and tools.",
	Long: `agentbox launches an agent CLI inside a sandbox (docker, modal or a local
process), streams its messages back, and lets host code allow, deny or rewrite
each tool call before it runs. Tools implemented on the host are offered to the
agent over MCP.

The relay and hook subcommands run inside the sandbox and are not meant to be
called by hand.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(queryCmd, serveCmd, relayCmd, hookCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

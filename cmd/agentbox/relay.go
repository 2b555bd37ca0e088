package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/agentbox/internal/relay"
)

var relayCLI string

var relayCmd = &cobra.Command{
	Use:   "relay <options-json> <prompt>",
	Short: "Run the agent CLI inside a sandbox (started by the host)",
	Long: `Launch the agent CLI with the given options and prompt, forward its
messages to stdout as protocol lines and bridge its hooks and MCP tool calls
to the host over stdin/stdout.

The host starts this command inside the sandbox; stdout carries the protocol.
Exits with the agent CLI's exit code, 1 when the CLI is missing and 2 on a
usage error.`,
	Hidden: true,
	Run:    runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayCLI, "cli", "", "agent CLI binary (or AGENTBOX_AGENT_CLI env)")
	// The prompt may look like a flag.
	relayCmd.Flags().SetInterspersed(false)
}

func runRelay(_ *cobra.Command, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: agentbox relay <options-json> <prompt>")
		os.Exit(relay.ExitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := relay.Run(ctx, relay.Config{
		Options: args[0],
		Prompt:  args[1],
		CLI:     goutils.Env("AGENTBOX_AGENT_CLI", relayCLI),
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	})
	stop()
	os.Exit(code)
}

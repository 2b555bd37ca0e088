package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/agentbox/internal/relay"
)

var (
	hookEndpoint   string
	hookTimeout    time.Duration
	hookFailClosed bool
)

var hookCmd = &cobra.Command{
	Use:   "hook pre|post --endpoint <url>",
	Short: "Forward an agent CLI tool hook to the relay (run by the agent CLI)",
	Long: `Read the hook input JSON on stdin, forward it to the relay's hook bridge and
print the decision for pre hooks. Always exits 0. When the bridge cannot be
reached nothing is printed and the tool call proceeds, unless --fail-closed is
set, in which case a pre hook prints a deny.`,
	Hidden: true,
	Run: func(_ *cobra.Command, args []string) {
		if len(args) != 1 {
			os.Exit(relay.ExitOK)
		}
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		code := relay.Hook(ctx, args[0], hookEndpoint, hookFailClosed, os.Stdin, os.Stdout)
		cancel()
		os.Exit(code)
	},
}

func init() {
	hookCmd.Flags().StringVar(&hookEndpoint, "endpoint", "", "relay hook bridge URL")
	hookCmd.Flags().DurationVar(&hookTimeout, "timeout", 10*time.Minute, "upper bound on the host round trip")
	hookCmd.Flags().BoolVar(&hookFailClosed, "fail-closed", false, "deny pre hooks when the bridge gives no decision")
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/agentbox/internal/errdefs"
	"github.com/jkaninda/agentbox/internal/message"
)

// Exit codes for the query command.
const (
	ExitSuccess          = 0
	ExitFailure          = 1
	ExitConfig           = 2
	ExitSandboxFailure   = 3
	ExitAgentUnavailable = 4
)

var (
	queryModel        string
	queryMaxTurns     int
	querySystemPrompt string
	queryAllowedTools []string
	queryResume       string
	queryJSON         bool
	queryTimeout      int
	queryVerbose      bool
)

var queryCmd = &cobra.Command{
	Use:   "query <prompt>",
	Short: "Run one agent session and print its output",
	Long: `Run a prompt in a fresh sandbox and print the agent's messages as they arrive.
Hooks and host tools from the config file apply.

Examples:
  agentbox query "add a unit test for parseConfig"
  agentbox query --model claude-sonnet-4-5 --max-turns 5 "fix the lint errors"
  agentbox query --json "summarize README.md" | jq .

Exit codes:
  0  success
  1  agent error or execution failure
  2  invalid configuration or options
  3  sandbox creation, timeout or termination
  4  agent CLI missing or API key unavailable`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&configPath, "config", "", "path to config file (or AGENTBOX_CONFIG env)")
	queryCmd.Flags().StringVar(&queryModel, "model", "", "model override")
	queryCmd.Flags().IntVar(&queryMaxTurns, "max-turns", 0, "maximum agent turns")
	queryCmd.Flags().StringVar(&querySystemPrompt, "system-prompt", "", "replace the agent system prompt")
	queryCmd.Flags().StringSliceVar(&queryAllowedTools, "allowed-tools", nil, "built-in tools the agent may use")
	queryCmd.Flags().StringVar(&queryResume, "resume", "", "agent session id to continue")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print every message as a JSON line")
	queryCmd.Flags().IntVar(&queryTimeout, "timeout", 0, "timeout in seconds (0 = sandbox timeout)")
	queryCmd.Flags().BoolVarP(&queryVerbose, "verbose", "v", false, "debug logging")
}

func runQuery(_ *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitConfig)
	}
	logger := newLogger(cfg.LogLevel, queryVerbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(queryTimeout)*time.Second)
		defer cancel()
	}

	rt, err := initRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitConfig)
	}

	opts := rt.Base
	if queryModel != "" {
		opts.Model = queryModel
	}
	if queryMaxTurns > 0 {
		opts.MaxTurns = queryMaxTurns
	}
	if querySystemPrompt != "" {
		opts.SystemPrompt = querySystemPrompt
	}
	if len(queryAllowedTools) > 0 {
		opts.AllowedTools = queryAllowedTools
	}
	if queryResume != "" {
		opts.Resume = queryResume
	}
	if queryVerbose {
		opts.Verbose = true
	}

	code := printSession(os.Stdout, os.Stderr, rt.Orchestrator.Run(ctx, prompt, opts), queryJSON, logger)
	rt.Cleanup()
	os.Exit(code)
	return nil
}

// printSession writes the messages of one run and returns the exit code.
func printSession(stdout, stderr io.Writer, msgs iter.Seq2[message.Message, error], asJSON bool, logger *slog.Logger) int {
	code := ExitSuccess
	enc := json.NewEncoder(stdout)

	for msg, err := range msgs {
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			logger.Debug("session failed", slog.String("error", err.Error()))
			return exitCodeFor(err)
		}
		if asJSON {
			if err := enc.Encode(msg); err != nil {
				return ExitFailure
			}
			if r, ok := msg.(*message.ResultMessage); ok && r.IsError {
				code = ExitFailure
			}
			continue
		}

		switch m := msg.(type) {
		case *message.AssistantMessage:
			if text := m.Text(); text != "" {
				fmt.Fprintln(stdout, text)
			}
			for _, tu := range m.ToolUses() {
				fmt.Fprintf(stderr, "[tool: %s]\n", tu.Name)
			}
		case *message.ResultMessage:
			cost := ""
			if m.TotalCostUSD != nil {
				cost = fmt.Sprintf(" cost=$%.4f", *m.TotalCostUSD)
			}
			fmt.Fprintf(stderr, "\n[session_id=%s turns=%d%s]\n", m.SessionID, m.NumTurns, cost)
			if m.IsError {
				fmt.Fprintf(stderr, "Error: agent finished with %s\n", m.Subtype)
				code = ExitFailure
			}
		}
	}
	return code
}

// exitCodeFor maps session failures onto the documented exit codes.
func exitCodeFor(err error) int {
	var (
		netErr     *errdefs.NetworkConfigurationError
		keyErr     *errdefs.MissingAPIKeyError
		cliErr     *errdefs.CLINotInstalledError
		createErr  *errdefs.SandboxCreationError
		timeoutErr *errdefs.SandboxTimeoutError
		termErr    *errdefs.SandboxTerminatedError
	)
	switch {
	case errors.As(err, &netErr):
		return ExitConfig
	case errors.As(err, &keyErr), errors.As(err, &cliErr):
		return ExitAgentUnavailable
	case errors.As(err, &createErr), errors.As(err, &timeoutErr), errors.As(err, &termErr):
		return ExitSandboxFailure
	default:
		return ExitFailure
	}
}

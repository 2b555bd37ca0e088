// Package relay is the shim that runs inside the sandbox. It launches the
// agent CLI, forwards its stream-json output to the host as message lines,
// and bridges the CLI's tool hooks and MCP tool calls to host round trips.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/jkaninda/agentbox/internal/protocol"
)

// Exit codes of the relay itself. Any other code is the agent CLI's.
const (
	ExitOK         = 0
	ExitCLIMissing = 1
	ExitUsage      = 2
)

// Config configures Run.
type Config struct {
	Options string // options blob, argv[1]
	Prompt  string

	CLI     string // agent binary; DefaultCLI when empty
	Self    string // path hooks use to call back into this binary; os.Executable when empty
	TempDir string // parent of the generated config dir; os.TempDir when empty

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	// SettleDelay pauses after each protocol write.
	SettleDelay time.Duration
}

// Run executes one agent turn and returns the process exit code.
func Run(ctx context.Context, cfg Config) int {
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	opts, err := ParseOptions(cfg.Options)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return ExitUsage
	}

	logger := cfg.Logger
	if logger == nil {
		level := slog.LevelInfo
		if opts.Verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))
	}

	ch := protocol.NewChannel(cfg.Stdin, cfg.Stdout,
		protocol.WithSettleDelay(cfg.SettleDelay),
		protocol.WithChannelLogger(logger),
	)
	reg := protocol.NewRegistry()
	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go func() {
		if err := protocol.ResponsePump(pumpCtx, ch, reg, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("response pump stopped", slog.String("error", err.Error()))
		}
	}()

	em := protocol.NewEmitter(ch, reg, protocol.EmitterConfig{
		HookTimeout: opts.HookTimeout(),
		ToolTimeout: opts.ToolTimeout(),
		FailClosed:  opts.HookFailClosed,
		Logger:      logger,
	})

	r := &runner{cfg: cfg, opts: opts, ch: ch, emitter: em, logger: logger, stderr: stderr}
	return r.run(ctx)
}

type runner struct {
	cfg     Config
	opts    Options
	ch      *protocol.Channel
	emitter *protocol.Emitter
	logger  *slog.Logger
	stderr  io.Writer
}

func (r *runner) run(ctx context.Context) int {
	dir, err := os.MkdirTemp(r.cfg.TempDir, "agentbox-relay-")
	if err != nil {
		r.logger.Error("creating config dir", slog.String("error", err.Error()))
		return ExitCLIMissing
	}
	defer func() { _ = os.RemoveAll(dir) }()

	var mcpPath, settingsPath string
	if r.opts.EnableHooks || len(r.opts.HostTools) > 0 {
		b := newBridge(r.emitter, r.logger)
		if r.opts.EnableHooks {
			b.mountHooks()
		}
		b.mountTools(r.opts.HostTools)
		if err := b.start(); err != nil {
			r.logger.Error("bridge failed", slog.String("error", err.Error()))
			return ExitCLIMissing
		}
		defer b.stop()
		r.logger.Debug("bridge listening", slog.String("url", b.URL()))

		if r.opts.EnableHooks {
			self, err := r.self()
			if err != nil {
				r.logger.Error("resolving relay binary", slog.String("error", err.Error()))
				return ExitCLIMissing
			}
			if settingsPath, err = writeJSONFile(dir, "settings.json", hookSettings(self, b.URL(), r.opts.HookTimeout(), r.opts.HookFailClosed)); err != nil {
				r.logger.Error("writing settings", slog.String("error", err.Error()))
				return ExitCLIMissing
			}
		}
		if len(r.opts.HostTools) > 0 {
			if mcpPath, err = writeJSONFile(dir, "mcp.json", mcpConfig(r.opts, b.URL())); err != nil {
				r.logger.Error("writing mcp config", slog.String("error", err.Error()))
				return ExitCLIMissing
			}
		}
	}
	if mcpPath == "" && len(r.opts.MCPServers) > 0 {
		if mcpPath, err = writeJSONFile(dir, "mcp.json", mcpConfig(r.opts, "")); err != nil {
			r.logger.Error("writing mcp config", slog.String("error", err.Error()))
			return ExitCLIMissing
		}
	}

	args, err := cliArgs(r.opts, r.cfg.Prompt, mcpPath, settingsPath)
	if err != nil {
		r.logger.Error("building agent arguments", slog.String("error", err.Error()))
		return ExitUsage
	}
	return r.exec(ctx, args)
}

func (r *runner) self() (string, error) {
	if r.cfg.Self != "" {
		return r.cfg.Self, nil
	}
	return os.Executable()
}

// exec starts the agent CLI and forwards its output until it exits.
func (r *runner) exec(ctx context.Context, args []string) int {
	bin := r.cfg.CLI
	if bin == "" {
		bin = DefaultCLI
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = r.stderr
	if r.opts.Cwd != "" {
		if st, err := os.Stat(r.opts.Cwd); err == nil && st.IsDir() {
			cmd.Dir = r.opts.Cwd
		} else {
			r.logger.Warn("working directory unavailable", slog.String("cwd", r.opts.Cwd))
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.logger.Error("agent stdout", slog.String("error", err.Error()))
		return ExitCLIMissing
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			_, _ = fmt.Fprintf(r.stderr, "agent CLI not installed: %v\n", err)
		} else {
			_, _ = fmt.Fprintf(r.stderr, "starting agent CLI: %v\n", err)
		}
		return ExitCLIMissing
	}
	r.logger.Debug("agent started", slog.String("cli", bin), slog.Int("pid", cmd.Process.Pid))

	r.forward(stdout)

	err = cmd.Wait()
	if err == nil {
		return ExitOK
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode()
	}
	r.logger.Error("agent failed", slog.String("error", err.Error()))
	return ExitCLIMissing
}

// forward tags every JSON object line from the agent as a message. Anything
// else is diagnostic output and goes to stderr.
func (r *runner) forward(stdout io.Reader) {
	in := protocol.NewChannel(stdout, nil)
	for line := range in.Lines() {
		wrapped, ok := wrapMessage(line)
		if !ok {
			_, _ = fmt.Fprintf(r.stderr, "%s\n", line)
			continue
		}
		if err := r.ch.SendRaw(wrapped); err != nil {
			r.logger.Warn("forwarding message", slog.String("error", err.Error()))
		}
	}
	if err := in.Err(); err != nil {
		r.logger.Warn("reading agent output", slog.String("error", err.Error()))
		// Keep the pipe drained so the agent never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, stdout)
	}
}

// wrapMessage adds "_type":"message" to a JSON object line.
func wrapMessage(line []byte) ([]byte, bool) {
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil {
		return nil, false
	}
	obj[protocol.TypeField] = json.RawMessage(`"` + string(protocol.KindMessage) + `"`)
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Package session drives one agent run inside a sandbox: it launches the
// relay, routes hook and host tool requests to their dispatchers and yields
// the agent's messages to the caller in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/agentbox/internal/audit"
	"github.com/jkaninda/agentbox/internal/errdefs"
	"github.com/jkaninda/agentbox/internal/hooks"
	"github.com/jkaninda/agentbox/internal/hosttools"
	"github.com/jkaninda/agentbox/internal/message"
	"github.com/jkaninda/agentbox/internal/observability"
	"github.com/jkaninda/agentbox/internal/protocol"
	"github.com/jkaninda/agentbox/internal/sandbox"
)

const (
	// maxStderr bounds the diagnostics kept from the relay's stderr.
	maxStderr = 64 << 10
	// terminateTimeout bounds sandbox teardown.
	terminateTimeout = 30 * time.Second
)

// waitGrace bounds the stderr drain and Process.Wait once the output stream
// has ended.
var waitGrace = 30 * time.Second

// ErrConsumed is returned when an execution's messages are iterated twice.
var ErrConsumed = errors.New("execution already consumed")

// NoHostToolsText answers tool requests when no host tools are registered.
const NoHostToolsText = "Error: no host tools registered"

// cliMissingPatterns mark stderr output of an image without the agent CLI.
var cliMissingPatterns = []string{
	"ModuleNotFoundError",
	"executable file not found",
	"command not found",
	"agent CLI not installed",
}

// State is the lifecycle state of an execution.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Orchestrator runs agent sessions on a sandbox provider. It is safe for
// concurrent use; each run gets its own channel, registry and dispatchers.
type Orchestrator struct {
	provider sandbox.Provider
	logger   *slog.Logger
	recorder audit.Recorder
	obs      *observability.Observability // nil = observability disabled
}

// NewOrchestrator creates an orchestrator creating sandboxes with provider.
func NewOrchestrator(provider sandbox.Provider, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		provider: provider,
		logger:   logger,
		recorder: audit.Nop{},
	}
}

// WithRecorder sets where hook decisions and host tool calls are audited.
func (o *Orchestrator) WithRecorder(r audit.Recorder) *Orchestrator {
	if r != nil {
		o.recorder = r
	}
	return o
}

// WithObservability attaches metrics, tracing and anomaly detection. Sandbox
// creation is instrumented and audit events feed the metrics.
func (o *Orchestrator) WithObservability(obs *observability.Observability) *Orchestrator {
	o.obs = obs
	if obs != nil {
		o.provider = observability.NewInstrumentedProvider(o.provider, obs)
	}
	return o
}

// ProviderName returns the name of the sandbox provider.
func (o *Orchestrator) ProviderName() string { return o.provider.Name() }

func (o *Orchestrator) auditRecorder() audit.Recorder {
	recs := o.obs.Recorders()
	if len(recs) == 0 {
		return o.recorder
	}
	return audit.Multi(append([]audit.Recorder{o.recorder}, recs...))
}

// Run starts an execution and returns its message sequence. The sequence is
// single-pass; errors are yielded last with a nil message.
func (o *Orchestrator) Run(ctx context.Context, prompt string, opts Options) iter.Seq2[message.Message, error] {
	return o.Execute(prompt, opts).Messages(ctx)
}

// Execute prepares an execution without starting it. It starts when its
// messages are first iterated.
func (o *Orchestrator) Execute(prompt string, opts Options) *Execution {
	return &Execution{
		orch:   o,
		prompt: prompt,
		opts:   opts.withDefaults(),
		logger: o.logger,
	}
}

// CreateSandbox validates opts and creates a sandbox for them.
func (o *Orchestrator) CreateSandbox(ctx context.Context, opts Options) (sandbox.Sandbox, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	env, err := opts.sandboxEnv(o.logger)
	if err != nil {
		return nil, err
	}
	return o.createSandbox(ctx, opts, env)
}

func (o *Orchestrator) createSandbox(ctx context.Context, opts Options, env map[string]string) (sandbox.Sandbox, error) {
	sb, err := o.provider.Create(ctx, opts.spec(env))
	if err != nil {
		return nil, &errdefs.SandboxCreationError{Provider: o.provider.Name(), Err: err}
	}
	return sb, nil
}

// Execution is a single agent run.
type Execution struct {
	orch   *Orchestrator
	prompt string
	opts   Options
	logger *slog.Logger

	started   atomic.Bool
	state     atomic.Int32
	kept      atomic.Bool // early stop left the sandbox running
	mu        sync.Mutex
	sessionID string
	sandboxID string
	stderr    string
}

// State returns the current lifecycle state.
func (e *Execution) State() State { return State(e.state.Load()) }

// SessionID returns the agent session id once the run reported it.
func (e *Execution) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// SandboxID returns the id of the sandbox the run used.
func (e *Execution) SandboxID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sandboxID
}

// Stderr returns the captured relay diagnostics.
func (e *Execution) Stderr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stderr
}

func (e *Execution) setState(s State) { e.state.Store(int32(s)) }

// Messages returns the agent messages as they arrive. Stopping the iteration
// early terminates the sandbox, or only the relay process when the sandbox is
// kept for a later turn.
func (e *Execution) Messages(ctx context.Context) iter.Seq2[message.Message, error] {
	return func(yield func(message.Message, error) bool) {
		if !e.started.CompareAndSwap(false, true) {
			yield(nil, ErrConsumed)
			return
		}

		metrics := e.orch.obs.MetricsOrNil()
		ctx, span := e.orch.obs.StartSpan(ctx, "session.run",
			attribute.String("sandbox.provider", e.orch.provider.Name()),
		)
		metrics.SessionStarted()
		start := time.Now()

		stopped := false
		err := e.run(ctx, func(m message.Message) bool {
			metrics.MessageYielded(string(m.MessageType()))
			if !yield(m, nil) {
				stopped = true
				return false
			}
			return true
		})

		state := e.State()
		metrics.SessionFinished(e.orch.provider.Name(), state.String(), time.Since(start))
		span.SetAttributes(
			attribute.String("session.state", state.String()),
			attribute.String("session.id", e.SessionID()),
		)
		if err != nil {
			span.RecordError(err)
		}
		span.End()

		e.logger.InfoContext(ctx, "session finished",
			slog.String("state", state.String()),
			slog.String("session_id", e.SessionID()),
			slog.String("sandbox_id", e.SandboxID()),
			slog.Duration("duration", time.Since(start)),
		)
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// run drives the execution through its states. emit returns false when the
// caller stopped iterating.
func (e *Execution) run(ctx context.Context, emit func(message.Message) bool) error {
	if err := e.opts.validate(); err != nil {
		e.setState(StateFailed)
		return err
	}
	env, err := e.opts.sandboxEnv(e.logger)
	if err != nil {
		e.setState(StateFailed)
		return err
	}

	rec := e.orch.auditRecorder()
	var hookDisp *hooks.Dispatcher
	if e.opts.Hooks.Enabled() {
		hookDisp, err = hooks.NewDispatcher(*e.opts.Hooks, hooks.WithLogger(e.logger), hooks.WithRecorder(rec))
		if err != nil {
			e.setState(StateFailed)
			return err
		}
	}
	var toolDisp *hosttools.Dispatcher
	if len(e.opts.HostTools) > 0 {
		toolDisp, err = hosttools.NewDispatcher(e.opts.HostTools, hosttools.WithLogger(e.logger), hosttools.WithRecorder(rec))
		if err != nil {
			e.setState(StateFailed)
			return err
		}
	}
	blob, err := e.opts.relayOptions(toolDisp).Encode()
	if err != nil {
		e.setState(StateFailed)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sb := e.opts.Sandbox
	owned := sb == nil
	if owned {
		sb, err = e.orch.createSandbox(ctx, e.opts, env)
		if err != nil {
			e.setState(StateFailed)
			return err
		}
	}
	e.mu.Lock()
	e.sandboxID = sb.ID()
	e.mu.Unlock()

	var terminated atomic.Bool
	terminate := sync.OnceFunc(func() {
		terminated.Store(true)
		tctx, tcancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
		defer tcancel()
		if err := sb.Terminate(tctx); err != nil {
			e.logger.Warn("sandbox terminate failed",
				slog.String("sandbox_id", sb.ID()),
				slog.String("error", err.Error()),
			)
		}
	})
	keep := !owned && e.opts.KeepSandbox
	defer func() {
		if !keep {
			terminate()
		}
	}()

	command := append(append([]string(nil), e.opts.RelayCommand...), blob, e.prompt)
	proc, err := sb.Exec(ctx, command, sandbox.ExecOptions{Workdir: e.opts.Cwd, Env: env})
	if err != nil {
		e.setState(StateFailed)
		return &errdefs.SandboxCreationError{Provider: e.orch.provider.Name(), Err: fmt.Errorf("starting relay: %w", err)}
	}
	e.setState(StateRunning)
	e.logger.DebugContext(ctx, "relay started",
		slog.String("sandbox_id", sb.ID()),
		slog.Bool("hooks", hookDisp != nil),
		slog.Bool("host_tools", toolDisp != nil),
	)

	// A cancelled or expired ctx kills the sandbox so the stream ends.
	stopAfter := context.AfterFunc(ctx, terminate)
	defer stopAfter()

	stderrDone := make(chan string, 1)
	go func() { stderrDone <- drainStderr(proc.Stderr()) }()

	ch := protocol.NewChannel(proc.Stdout(), proc.Stdin(), protocol.WithChannelLogger(e.logger))
	r := &router{
		ch:      ch,
		hooks:   hookDisp,
		tools:   toolDisp,
		logger:  e.logger,
		metrics: e.orch.obs.MetricsOrNil(),
	}

	stopped := false
	for line := range ch.Lines() {
		msg, ok := r.route(ctx, line)
		if !ok {
			continue
		}
		e.observe(msg)
		if !emit(msg) {
			stopped = true
			break
		}
	}

	if stopped {
		stopAfter()
		if keep {
			e.kept.Store(true)
			if err := proc.Kill(); err != nil {
				e.logger.Debug("killing relay", slog.String("error", err.Error()))
			}
		} else {
			terminate()
		}
		cancel()
		r.wait()
		_ = ch.Close()
		e.setState(StateTerminated)
		return nil
	}

	r.wait()
	if err := ch.Close(); err != nil {
		e.logger.Debug("closing relay stdin", slog.String("error", err.Error()))
	}
	if err := ch.Err(); err != nil {
		e.logger.Warn("relay stream ended with error", slog.String("error", err.Error()))
	}

	stderr := e.awaitStderr(proc, stderrDone)
	e.mu.Lock()
	e.stderr = stderr
	e.mu.Unlock()

	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), waitGrace)
	defer wcancel()
	code, waitErr := proc.Wait(wctx)

	state, err := classifyExit(ctx.Err(), terminated.Load(), code, waitErr, stderr)
	e.setState(state)
	return err
}

// awaitStderr waits up to waitGrace for stderr to close after stdout ended.
// A relay that holds stderr open past that is killed.
func (e *Execution) awaitStderr(proc sandbox.Process, done <-chan string) string {
	t := time.NewTimer(waitGrace)
	defer t.Stop()
	select {
	case s := <-done:
		return s
	case <-t.C:
	}
	e.logger.Warn("relay stderr still open after stdout closed, killing relay")
	_ = proc.Kill()
	t.Reset(waitGrace)
	select {
	case s := <-done:
		return s
	case <-t.C:
		return ""
	}
}

// observe captures the session id from init and result messages.
func (e *Execution) observe(m message.Message) {
	var id string
	switch msg := m.(type) {
	case *message.ResultMessage:
		id = msg.SessionID
	case *message.SystemMessage:
		if msg.Subtype == "init" {
			id, _ = msg.Data["session_id"].(string)
		}
	}
	if id == "" {
		return
	}
	e.mu.Lock()
	e.sessionID = id
	e.mu.Unlock()
}

// classifyExit maps how the run ended onto a final state and error.
func classifyExit(ctxErr error, terminated bool, code int, waitErr error, stderr string) (State, error) {
	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return StateTimedOut, &errdefs.SandboxTimeoutError{Err: ctxErr}
	case errors.Is(ctxErr, context.Canceled):
		return StateTerminated, &errdefs.SandboxTerminatedError{Err: ctxErr}
	case errors.Is(waitErr, sandbox.ErrTimeout):
		return StateTimedOut, &errdefs.SandboxTimeoutError{Err: waitErr}
	case errors.Is(waitErr, sandbox.ErrTerminated):
		return StateTerminated, &errdefs.SandboxTerminatedError{Err: waitErr}
	case waitErr != nil && terminated:
		return StateTerminated, &errdefs.SandboxTerminatedError{Err: waitErr}
	case waitErr != nil:
		return StateFailed, &errdefs.AgentExecutionError{ExitCode: -1, Stderr: joinDiag(stderr, waitErr.Error())}
	case code == 0:
		return StateCompleted, nil
	case cliMissing(code, stderr):
		return StateFailed, &errdefs.CLINotInstalledError{Stderr: stderr}
	default:
		return StateFailed, &errdefs.AgentExecutionError{ExitCode: code, Stderr: stderr}
	}
}

// cliMissing reports whether a failed exit looks like a missing agent CLI.
// Shells report missing binaries with 126 or 127.
func cliMissing(code int, stderr string) bool {
	if code != 1 && code != 126 && code != 127 {
		return false
	}
	for _, p := range cliMissingPatterns {
		if strings.Contains(stderr, p) {
			return true
		}
	}
	return false
}

func joinDiag(stderr, extra string) string {
	if strings.TrimSpace(stderr) == "" {
		return extra
	}
	return stderr + "\n" + extra
}

// drainStderr reads r to EOF, keeping the first maxStderr bytes.
func drainStderr(r io.Reader) string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && sb.Len() < maxStderr {
			chunk := buf[:n]
			if room := maxStderr - sb.Len(); len(chunk) > room {
				chunk = chunk[:room]
			}
			sb.Write(chunk)
		}
		if err != nil {
			return sb.String()
		}
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jkaninda/agentbox/internal/protocol"
	"github.com/jkaninda/agentbox/internal/relay"
	"github.com/jkaninda/agentbox/internal/sandbox"
)

// relayEnv is what a scripted relay sees inside the fake sandbox.
type relayEnv struct {
	ctx     context.Context
	opts    relay.Options
	prompt  string
	command []string
	env     map[string]string
	ch      *protocol.Channel
	emitter *protocol.Emitter
	stderr  io.Writer
}

// emit writes one line to the host.
func (r *relayEnv) emit(v any) error { return r.ch.Send(v) }

func (r *relayEnv) text(s string) error {
	return r.emit(assistantLine(s))
}

// script plays the relay. Its exit code and error are what Process.Wait returns.
type script func(r *relayEnv) (int, error)

func assistantLine(text string) map[string]any {
	return map[string]any{
		"_type": "message",
		"type":  "assistant",
		"message": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": text}},
		},
	}
}

func resultLine(sessionID string) map[string]any {
	return map[string]any{
		"_type":      "message",
		"type":       "result",
		"subtype":    "success",
		"num_turns":  1,
		"session_id": sessionID,
	}
}

// fakeProvider creates in-memory sandboxes whose Exec runs a script.
type fakeProvider struct {
	script    script
	createErr error

	mu        sync.Mutex
	specs     []sandbox.Spec
	sandboxes []*fakeSandbox
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Create(_ context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sb := &fakeSandbox{id: fmt.Sprintf("fake-%d", len(p.sandboxes)+1), spec: spec, script: p.script}
	p.specs = append(p.specs, spec)
	p.sandboxes = append(p.sandboxes, sb)
	return sb, nil
}

func (p *fakeProvider) created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sandboxes)
}

func (p *fakeProvider) last() *fakeSandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sandboxes) == 0 {
		return nil
	}
	return p.sandboxes[len(p.sandboxes)-1]
}

type fakeSandbox struct {
	id     string
	spec   sandbox.Spec
	script script

	terminated atomic.Int32
	mu         sync.Mutex
	procs      []*fakeProcess
	commands   [][]string
}

func (s *fakeSandbox) ID() string { return s.id }

func (s *fakeSandbox) Exec(_ context.Context, command []string, opts sandbox.ExecOptions) (sandbox.Process, error) {
	if s.terminated.Load() > 0 {
		return nil, sandbox.ErrTerminated
	}
	if len(command) < 2 {
		return nil, errors.New("fake relay needs options and prompt")
	}
	ro, err := relay.ParseOptions(command[len(command)-2])
	if err != nil {
		return nil, err
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProcess{
		stdinR: stdinR, stdinW: stdinW,
		stdoutR: stdoutR, stderrR: stderrR,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	ch := protocol.NewChannel(stdinR, stdoutW)
	reg := protocol.NewRegistry()
	go func() { _ = protocol.ResponsePump(ctx, ch, reg, nil) }()
	em := protocol.NewEmitter(ch, reg, protocol.EmitterConfig{
		HookTimeout: ro.HookTimeout(),
		ToolTimeout: ro.ToolTimeout(),
		FailClosed:  ro.HookFailClosed,
	})

	go func() {
		code, err := s.script(&relayEnv{
			ctx:     ctx,
			opts:    ro,
			prompt:  command[len(command)-1],
			command: command,
			env:     opts.Env,
			ch:      ch,
			emitter: em,
			stderr:  stderrW,
		})
		_ = ch.Close()
		_ = stderrW.Close()
		p.finish(code, err)
	}()
	return p, nil
}

func (s *fakeSandbox) Terminate(context.Context) error {
	if s.terminated.Add(1) > 1 {
		return nil
	}
	s.mu.Lock()
	procs := append([]*fakeProcess(nil), s.procs...)
	s.mu.Unlock()
	for _, p := range procs {
		p.kill()
	}
	return nil
}

func (s *fakeSandbox) wasTerminated() bool { return s.terminated.Load() > 0 }

func (s *fakeSandbox) lastCommand() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commands) == 0 {
		return nil
	}
	return s.commands[len(s.commands)-1]
}

type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stderrR *io.PipeReader
	cancel  context.CancelFunc

	once   sync.Once
	done   chan struct{}
	killed atomic.Bool
	code int
	err  error
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }

func (p *fakeProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, p.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.kill()
	return nil
}

func (p *fakeProcess) finish(code int, err error) {
	p.once.Do(func() {
		p.code, p.err = code, err
		p.cancel()
		close(p.done)
	})
}

func (p *fakeProcess) kill() {
	p.finish(-1, sandbox.ErrTerminated)
	_ = p.stdoutR.CloseWithError(sandbox.ErrTerminated)
	_ = p.stderrR.CloseWithError(sandbox.ErrTerminated)
	_ = p.stdinR.CloseWithError(sandbox.ErrTerminated)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/agentbox/internal/audit"
	"github.com/jkaninda/agentbox/internal/errdefs"
	"github.com/jkaninda/agentbox/internal/hooks"
	"github.com/jkaninda/agentbox/internal/hosttools"
	"github.com/jkaninda/agentbox/internal/message"
	"github.com/jkaninda/agentbox/internal/protocol"
	"github.com/jkaninda/agentbox/internal/relay"
	"github.com/jkaninda/agentbox/internal/sandbox"
)

func baseOptions() Options {
	return Options{Env: map[string]string{"ANTHROPIC_API_KEY": "sk-test"}}
}

// collect drains a run, returning its messages and final error.
func collect(t *testing.T, seq func(func(message.Message, error) bool)) ([]message.Message, error) {
	t.Helper()
	var (
		msgs    []message.Message
		lastErr error
	)
	for msg, err := range seq {
		if err != nil {
			lastErr = err
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, lastErr
}

func texts(msgs []message.Message) []string {
	var out []string
	for _, m := range msgs {
		if a, ok := m.(*message.AssistantMessage); ok {
			out = append(out, a.Text())
		}
	}
	return out
}

// --- End to end ---

func TestRun_DeniesDestructiveCommand(t *testing.T) {
	var (
		mu        sync.Mutex
		decisions []protocol.HookResponse
	)
	provider := &fakeProvider{script: func(r *relayEnv) (int, error) {
		for _, cmd := range []string{"rm -rf /", "ls -la"} {
			resp := r.emitter.PreToolUse(r.ctx, protocol.HookRequest{
				ToolName:  "Bash",
				ToolInput: map[string]any{"command": cmd},
				ToolUseID: "tu-" + cmd[:2],
				SessionID: "sess-1",
			})
			mu.Lock()
			decisions = append(decisions, resp)
			mu.Unlock()
			if resp.Decision == protocol.DecisionDeny {
				_ = r.text("blocked: " + resp.Reason)
				continue
			}
			_ = r.text("ran: " + cmd)
		}
		_ = r.emit(resultLine("sess-1"))
		return 0, nil
	}}

	mem := audit.NewMemory(0)
	orch := NewOrchestrator(provider, discardLogger()).WithRecorder(mem)

	opts := baseOptions()
	opts.Hooks = &hooks.Config{
		ToolFilter: "Bash",
		PreToolUse: []hooks.PreHook{func(_ context.Context, in hooks.PreToolUseInput) (hooks.Decision, error) {
			if cmd, _ := in.ToolInput["command"].(string); strings.Contains(cmd, "rm -rf") {
				return hooks.Deny("destructive command"), nil
			}
			return hooks.Allow(), nil
		}},
	}

	exec := orch.Execute("clean up", opts)
	msgs, err := collect(t, exec.Messages(context.Background()))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}

	want := []string{"blocked: destructive command", "ran: ls -la"}
	if got := texts(msgs); !slices.Equal(got, want) {
		t.Errorf("texts = %q, want %q", got, want)
	}
	if len(decisions) != 2 || decisions[0].Decision != protocol.DecisionDeny || decisions[1].Decision != protocol.DecisionAllow {
		t.Errorf("decisions = %+v", decisions)
	}
	if blocked := mem.Filter(audit.ActionHookPre, audit.ResultDeny); len(blocked) != 1 {
		t.Errorf("blocked audit entries = %d, want 1", len(blocked))
	} else if blocked[0].Parameters["command"] != "rm -rf /" || blocked[0].SessionID != "sess-1" {
		t.Errorf("blocked entry = %+v", blocked[0])
	}
	if exec.State() != StateCompleted {
		t.Errorf("state = %v", exec.State())
	}
	if exec.SessionID() != "sess-1" {
		t.Errorf("session id = %q", exec.SessionID())
	}
	if !provider.last().wasTerminated() {
		t.Error("owned sandbox should be terminated after the run")
	}
}

func TestRun_ConcurrentHostToolsPairCorrectly(t *testing.T) {
	provider := &fakeProvider{script: func(r *relayEnv) (int, error) {
		var wg sync.WaitGroup
		results := make([]string, 3)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := r.emitter.CallTool(r.ctx, protocol.HostToolRequest{
					ServerName: "util",
					ToolName:   "echo",
					ToolInput:  map[string]any{"message": fmt.Sprintf("call-%d", i), "delay_ms": float64((3 - i) * 20)},
				})
				results[i] = res.Text()
			}()
		}
		wg.Wait()
		for _, s := range results {
			_ = r.text(s)
		}
		return 0, nil
	}}

	echo := hosttools.Tool{
		Name: "echo",
		Handler: func(_ context.Context, in map[string]any) (any, error) {
			if d, ok := in["delay_ms"].(float64); ok {
				time.Sleep(time.Duration(d) * time.Millisecond)
			}
			return map[string]any{"content": []any{map[string]any{"type": "text", "text": in["message"]}}}, nil
		},
	}
	opts := baseOptions()
	opts.HostTools = []hosttools.Server{{Name: "util", Tools: []hosttools.Tool{echo}}}

	msgs, err := collect(t, NewOrchestrator(provider, discardLogger()).Run(context.Background(), "go", opts))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	want := []string{"call-0", "call-1", "call-2"}
	if got := texts(msgs); !slices.Equal(got, want) {
		t.Errorf("results = %q, want %q", got, want)
	}
}

func TestRun_NoHostToolsRegistered(t *testing.T) {
	provider := &fakeProvider{script: func(r *relayEnv) (int, error) {
		res := r.emitter.CallTool(r.ctx, protocol.HostToolRequest{ServerName: "x", ToolName: "y"})
		_ = r.text(fmt.Sprintf("%v %s", res.IsError, res.Text()))
		return 0, nil
	}}
	msgs, err := collect(t, NewOrchestrator(provider, discardLogger()).Run(context.Background(), "go", baseOptions()))
	if err != nil {
		t.Fatal(err)
	}
	if got := texts(msgs); len(got) != 1 || got[0] != "true "+NoHostToolsText {
		t.Errorf("texts = %q", got)
	}
}

func TestRun_HooksAbsentAllow(t *testing.T) {
	provider := &fakeProvider{script: func(r *relayEnv) (int, error) {
		resp := r.emitter.PreToolUse(r.ctx, protocol.HookRequest{ToolName: "Bash", ToolInput: map[string]any{"command": "rm -rf /"}})
		_ = r.text(string(resp.Decision))
		return 0, nil
	}}
	msgs, _ := collect(t, NewOrchestrator(provider, discardLogger()).Run(context.Background(), "go", baseOptions()))
	if got := texts(msgs); len(got) != 1 || got[0] != "allow" {
		t.Errorf("texts = %q", got)
	}
}

func TestRun_MessagesInArrivalOrder(t *testing.T) {
	provider := &fakeProvider{script: func(r *relayEnv) (int, error) {
		_ = r.text("one")
		_ = r.ch.SendRaw([]byte("not json at all"))
		_ = r.emit(map[string]any{"_type": "mystery", "x": 1})
		_ = r.text("two")
		_ = r.emit(map[string]any{"type": "system", "subtype": "init", "session_id": "s-init"})
		_ = r.text("three")
		_ = r.emit(resultLine("s-final"))
		return 0, nil
	}}

	exec := NewOrchestrator(provider, discardLogger()).Execute("go", baseOptions())
	msgs, err := collect(t, exec.Messages(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	if got := texts(msgs); !slices.Equal(got, []string{"one", "two", "three"}) {
		t.Errorf("texts = %q", got)
	}
	if len(msgs) != 5 {
		t.Errorf("messages = %d, want 5", len(msgs))
	}
	if _, ok := msgs[len(msgs)-1].(*message.ResultMessage); !ok {
		t.Errorf("last message = %T", msgs[len(msgs)-1])
	}
	if exec.SessionID() != "s-final" {
		t.Errorf("session id = %q", exec.SessionID())
	}
}

// --- Failure kinds ---

func TestRun_ExitFailures(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		err    error
		stderr string
		state  State
		check  func(error) bool
	}{
		{"nonzero exit", 2, nil, "boom", StateFailed, func(err error) bool {
			var e *errdefs.AgentExecutionError
			return errors.As(err, &e) && e.ExitCode == 2 && strings.Contains(e.Stderr, "boom")
		}},
		{"cli missing", 1, nil, "agent CLI not installed: exec: \"claude\": executable file not found in $PATH", StateFailed, func(err error) bool {
			var e *errdefs.CLINotInstalledError
			return errors.As(err, &e)
		}},
		{"exit 1 without pattern", 1, nil, "something else", StateFailed, func(err error) bool {
			var e *errdefs.AgentExecutionError
			return errors.As(err, &e) && e.ExitCode == 1
		}},
		{"platform timeout", -1, sandbox.ErrTimeout, "", StateTimedOut, func(err error) bool {
			var e *errdefs.SandboxTimeoutError
			return errors.As(err, &e) && errors.Is(err, sandbox.ErrTimeout)
		}},
		{"platform kill", -1, sandbox.ErrTerminated, "", StateTerminated, func(err error) bool {
			var e *errdefs.SandboxTerminatedError
			return errors.As(err, &e)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{script: func(r *relayEnv) (int, error) {
				_ = r.text("partial")
				if tt.stderr != "" {
					_, _ = fmt.Fprint(r.stderr, tt.stderr)
				}
				return tt.code, tt.err
			}}
			exec := NewOrchestrator(provider, discardLogger()).Execute("go", baseOptions())
			msgs, err := collect(t, exec.Messages(context.Background()))
			if len(msgs) != 1 {
				t.Errorf("messages = %d, want the partial output", len(msgs))
			}
			if !tt.check(err) {
				t.Errorf("err = %T %v", err, err)
			}
			if exec.State() != tt.state {
				t.Errorf("state = %v, want %v", exec.State(), tt.state)
			}
		})
	}
}

func TestRun_CreateFailure(t *testing.T) {
	provider := &fakeProvider{createErr: errors.New("quota exceeded")}
	exec := NewOrchestrator(provider, discardLogger()).Execute("go", baseOptions())
	_, err := collect(t, exec.Messages(context.Background()))

	var e *errdefs.SandboxCreationError
	if !errors.As(err, &e) || e.Provider != "fake" {
		t.Fatalf("err = %v", err)
	}
	if exec.State() != StateFailed {
		t.Errorf("state = %v", exec.State())
	}
}

func TestRun_Validation(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	provider := &fakeProvider{script: func(*relayEnv) (int, error) { return 0, nil }}
	orch := NewOrchestrator(provider, discardLogger())

	opts := baseOptions()
	opts.BlockNetwork = true
	_, err := collect(t, orch.Run(context.Background(), "go", opts))
	var netErr *errdefs.NetworkConfigurationError
	if !errors.As(err, &netErr) || !strings.Contains(netErr.Error(), AnthropicCIDR) {
		t.Errorf("err = %v, want network configuration error", err)
	}

	_, err = collect(t, orch.Run(context.Background(), "go", Options{}))
	var keyErr *errdefs.MissingAPIKeyError
	if !errors.As(err, &keyErr) {
		t.Errorf("err = %v, want missing api key", err)
	}
	if provider.created() != 0 {
		t.Error("no sandbox should be created for invalid options")
	}
}

func TestRun_APIKeyResolution(t *testing.T) {
	provider := &fakeProvider{script: func(*relayEnv) (int, error) { return 0, nil }}
	orch := NewOrchestrator(provider, discardLogger())

	_, err := collect(t, orch.Run(context.Background(), "go", Options{Secrets: []string{"anthropic"}}))
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	if _, ok := provider.specs[0].Env["ANTHROPIC_API_KEY"]; ok {
		t.Error("secrets should not cause the local key to be injected")
	}

	_, err = collect(t, orch.Run(context.Background(), "go", Options{LocalAPIKey: "sk-local"}))
	if err != nil {
		t.Fatalf("local key: %v", err)
	}
	if got := provider.specs[1].Env["ANTHROPIC_API_KEY"]; got != "sk-local" {
		t.Errorf("injected key = %q", got)
	}
}

// --- Cancellation ---

func TestRun_EarlyStopTerminates(t *testing.T) {
	provider := &fakeProvider{script: func(r *relayEnv) (int, error) {
		for i := 0; ; i++ {
			if err := r.text(fmt.Sprintf("msg-%d", i)); err != nil {
				return 1, err
			}
		}
	}}
	exec := NewOrchestrator(provider, discardLogger()).Execute("go", baseOptions())

	n := 0
	for _, err := range exec.Messages(context.Background()) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		n++
		if n == 3 {
			break
		}
	}
	if exec.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", exec.State())
	}
	if !provider.last().wasTerminated() {
		t.Error("sandbox should be terminated")
	}
}

func TestClient_EarlyStopKeepsSandbox(t *testing.T) {
	var turn atomic.Int32
	provider := &fakeProvider{script: func(r *relayEnv) (int, error) {
		if turn.Add(1) == 1 {
			for i := 0; ; i++ {
				if err := r.text(fmt.Sprintf("msg-%d", i)); err != nil {
					return 1, err
				}
			}
		}
		_ = r.text("second turn")
		_ = r.emit(resultLine("conv-2"))
		return 0, nil
	}}
	client := NewClient(NewOrchestrator(provider, discardLogger()), baseOptions())
	ctx := context.Background()

	if err := client.Query(ctx, "first"); err != nil {
		t.Fatal(err)
	}
	for _, err := range client.Receive(ctx) {
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		break
	}

	sb := provider.last()
	if sb.wasTerminated() {
		t.Fatal("stopping a turn early must not terminate a kept sandbox")
	}
	sb.mu.Lock()
	killed := sb.procs[0].killed.Load()
	sb.mu.Unlock()
	if !killed {
		t.Error("the relay process of the stopped turn should be killed")
	}

	if err := client.Query(ctx, "second"); err != nil {
		t.Fatal(err)
	}
	msgs, err := collect(t, client.Receive(ctx))
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if got := texts(msgs); len(got) != 1 || got[0] != "second turn" {
		t.Errorf("texts = %q", got)
	}
	if provider.created() != 1 {
		t.Errorf("sandboxes created = %d, want 1", provider.created())
	}
	if err := client.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if !sb.wasTerminated() {
		t.Error("Close should terminate the sandbox")
	}
}

func TestRun_StderrHeldOpen(t *testing.T) {
	old := waitGrace
	waitGrace = 50 * time.Millisecond
	t.Cleanup(func() { waitGrace = old })

	provider := &fakeProvider{script: func(r *relayEnv) (int, error) {
		_ = r.text("done")
		// stdout ends but stderr stays open until the process is killed.
		_ = r.ch.Close()
		<-r.ctx.Done()
		return 0, nil
	}}
	exec := NewOrchestrator(provider, discardLogger()).Execute("go", baseOptions())

	done := make(chan struct{})
	var (
		msgs []message.Message
		err  error
	)
	go func() {
		defer close(done)
		msgs, err = collect(t, exec.Messages(context.Background()))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run blocked on an open stderr")
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}
	var e *errdefs.SandboxTerminatedError
	if !errors.As(err, &e) {
		t.Errorf("err = %v, want terminated", err)
	}
}

func TestRun_ContextDeadline(t *testing.T) {
	provider := &fakeProvider{script: func(r *relayEnv) (int, error) {
		_ = r.text("started")
		<-r.ctx.Done()
		return -1, r.ctx.Err()
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	exec := NewOrchestrator(provider, discardLogger()).Execute("go", baseOptions())
	_, err := collect(t, exec.Messages(ctx))

	var e *errdefs.SandboxTimeoutError
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if exec.State() != StateTimedOut {
		t.Errorf("state = %v", exec.State())
	}
}

func TestRun_ConsumedOnce(t *testing.T) {
	provider := &fakeProvider{script: func(*relayEnv) (int, error) { return 0, nil }}
	exec := NewOrchestrator(provider, discardLogger()).Execute("go", baseOptions())
	if _, err := collect(t, exec.Messages(context.Background())); err != nil {
		t.Fatal(err)
	}
	if _, err := collect(t, exec.Messages(context.Background())); !errors.Is(err, ErrConsumed) {
		t.Errorf("second iteration err = %v", err)
	}
}

// --- Options blob ---

func TestRun_RelayOptions(t *testing.T) {
	var seen relay.Options
	var prompt string
	provider := &fakeProvider{script: func(r *relayEnv) (int, error) {
		seen, prompt = r.opts, r.prompt
		return 0, nil
	}}

	opts := baseOptions()
	opts.Model = "claude-sonnet-4"
	opts.Hooks = &hooks.Config{
		PostToolUse: []hooks.PostHook{func(context.Context, hooks.PostToolUseInput) error { return nil }},
		Timeout:     5 * time.Second,
		FailClosed:  true,
	}
	opts.HostTools = []hosttools.Server{{Name: "db", Tools: []hosttools.Tool{{
		Name:    "query",
		Handler: func(context.Context, map[string]any) (any, error) { return nil, nil },
	}}}}
	opts.ToolTimeout = 90 * time.Second

	if _, err := collect(t, NewOrchestrator(provider, discardLogger()).Run(context.Background(), "hello", opts)); err != nil {
		t.Fatal(err)
	}

	if prompt != "hello" {
		t.Errorf("prompt = %q", prompt)
	}
	if seen.Cwd != DefaultCwd || seen.PermissionMode != DefaultPermissionMode || seen.Model != "claude-sonnet-4" {
		t.Errorf("agent options = %+v", seen)
	}
	if !slices.Contains(seen.AllowedTools, "Bash") || !slices.Contains(seen.AllowedTools, "mcp__db__query") {
		t.Errorf("allowed tools = %v", seen.AllowedTools)
	}
	if !seen.EnableHooks || !seen.HookFailClosed || seen.HookTimeoutS != 5 {
		t.Errorf("hook options = %+v", seen)
	}
	if len(seen.HostTools) != 1 || seen.HostTools[0].Tools[0].Name != "query" || seen.ToolTimeoutS != 90 {
		t.Errorf("host tools = %+v", seen.HostTools)
	}
	cmd := provider.last().lastCommand()
	if !slices.Equal(cmd[:2], DefaultRelayCommand) {
		t.Errorf("command = %v", cmd)
	}
	if provider.specs[0].Timeout != DefaultTimeout || provider.specs[0].Workdir != DefaultCwd {
		t.Errorf("spec = %+v", provider.specs[0])
	}
}

// --- Client ---

func TestClient_MultiTurn(t *testing.T) {
	turn := 0
	var resumes []string
	provider := &fakeProvider{script: func(r *relayEnv) (int, error) {
		turn++
		resumes = append(resumes, r.opts.Resume)
		_ = r.text(fmt.Sprintf("turn %d: %s", turn, r.prompt))
		_ = r.emit(resultLine("conv-1"))
		return 0, nil
	}}
	orch := NewOrchestrator(provider, discardLogger())
	client := NewClient(orch, baseOptions())
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	for _, prompt := range []string{"first", "second"} {
		if err := client.Query(ctx, prompt); err != nil {
			t.Fatalf("Query(%s): %v", prompt, err)
		}
		var got []message.Message
		for msg, err := range client.ReceiveResponse(ctx) {
			if err != nil {
				t.Fatalf("receive: %v", err)
			}
			got = append(got, msg)
		}
		if len(got) != 2 {
			t.Fatalf("turn %s messages = %d", prompt, len(got))
		}
	}

	if provider.created() != 1 {
		t.Errorf("sandboxes created = %d, want 1", provider.created())
	}
	if !slices.Equal(resumes, []string{"", "conv-1"}) {
		t.Errorf("resumes = %q", resumes)
	}
	if client.SessionID() != "conv-1" {
		t.Errorf("session id = %q", client.SessionID())
	}
	if len(client.History()) != 4 {
		t.Errorf("history = %d", len(client.History()))
	}
	if provider.last().wasTerminated() {
		t.Error("sandbox must survive turns")
	}

	var buf bytes.Buffer
	if err := client.ExportHistory(&buf); err != nil {
		t.Fatal(err)
	}
	var exported struct {
		SessionID string            `json:"session_id"`
		Messages  []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(buf.Bytes(), &exported); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if exported.SessionID != "conv-1" || len(exported.Messages) != 4 {
		t.Errorf("export = %s", buf.String())
	}

	if err := client.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if !provider.last().wasTerminated() {
		t.Error("Close should terminate the sandbox")
	}
	if err := client.Query(ctx, "third"); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Query after Close = %v", err)
	}
}

func TestClient_ReceiveWithoutQuery(t *testing.T) {
	client := NewClient(NewOrchestrator(&fakeProvider{}, discardLogger()), baseOptions())
	_, err := collect(t, client.Receive(context.Background()))
	if !errors.Is(err, ErrNoQuery) {
		t.Errorf("err = %v", err)
	}
}

// --- Local provider ---

func TestRun_LocalProcess(t *testing.T) {
	p := sandbox.NewLocalProvider(sandbox.LocalConfig{Root: t.TempDir()}, discardLogger())
	opts := baseOptions()
	// $0 is "relay", $1 the options blob, $2 the prompt.
	opts.RelayCommand = []string{"sh", "-c", `printf '{"type":"assistant","message":{"content":[{"type":"text","text":"%s"}]}}\n' "$2"; printf '{"type":"result","subtype":"success","session_id":"local-1"}\n'`, "relay"}

	exec := NewOrchestrator(p, discardLogger()).Execute("from the host", opts)
	msgs, err := collect(t, exec.Messages(context.Background()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := texts(msgs); len(got) != 1 || got[0] != "from the host" {
		t.Errorf("texts = %q", got)
	}
	if exec.SessionID() != "local-1" || exec.State() != StateCompleted {
		t.Errorf("session = %q state = %v", exec.SessionID(), exec.State())
	}
}

func TestRun_LocalOversizedLineSkipped(t *testing.T) {
	p := sandbox.NewLocalProvider(sandbox.LocalConfig{Root: t.TempDir()}, discardLogger())
	opts := baseOptions()
	// A line just over protocol.DefaultMaxLineSize, then a normal turn.
	opts.RelayCommand = []string{"sh", "-c", `head -c 17825792 /dev/zero | tr '\0' a; echo; ` +
		`printf '{"type":"assistant","message":{"content":[{"type":"text","text":"after"}]}}\n'; ` +
		`printf '{"type":"result","subtype":"success","session_id":"local-2"}\n'`, "relay"}

	exec := NewOrchestrator(p, discardLogger()).Execute("go", opts)
	msgs, err := collect(t, exec.Messages(context.Background()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := texts(msgs); len(got) != 1 || got[0] != "after" {
		t.Errorf("texts = %q", got)
	}
	if exec.State() != StateCompleted {
		t.Errorf("state = %v", exec.State())
	}
}

func TestState_String(t *testing.T) {
	if StateTimedOut.String() != "timed_out" || State(99).String() != "state(99)" {
		t.Error("unexpected state names")
	}
}

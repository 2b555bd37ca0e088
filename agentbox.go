// Package agentbox runs a coding agent inside a sandbox and relays its hook
// and tool calls back to the host.
//
// A one-shot run:
//
//	for msg, err := range agentbox.Query(ctx, "fix the failing test", agentbox.Options{}) {
//		...
//	}
//
// Host code intercepts the agent's tool use through Options.Hooks and offers
// it extra tools through Options.HostTools. Both run in the calling process.
package agentbox

import (
	"context"
	"iter"
	"log/slog"
	"sync"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/agentbox/internal/errdefs"
	"github.com/jkaninda/agentbox/internal/hooks"
	"github.com/jkaninda/agentbox/internal/hosttools"
	"github.com/jkaninda/agentbox/internal/message"
	"github.com/jkaninda/agentbox/internal/sandbox"
	"github.com/jkaninda/agentbox/internal/session"
)

// Session types.
type (
	Options      = session.Options
	Client       = session.Client
	Orchestrator = session.Orchestrator
	Execution    = session.Execution
)

// Message types.
type (
	Message          = message.Message
	AssistantMessage = message.AssistantMessage
	UserMessage      = message.UserMessage
	SystemMessage    = message.SystemMessage
	ResultMessage    = message.ResultMessage
	StreamEvent      = message.StreamEvent
	ContentBlock     = message.ContentBlock
)

// Hook types.
type (
	HookConfig       = hooks.Config
	PreHook          = hooks.PreHook
	PostHook         = hooks.PostHook
	PreToolUseInput  = hooks.PreToolUseInput
	PostToolUseInput = hooks.PostToolUseInput
	Decision         = hooks.Decision
)

// Host tool types.
type (
	HostServer  = hosttools.Server
	HostTool    = hosttools.Tool
	ToolHandler = hosttools.Handler
)

// Sandbox types.
type (
	Provider      = sandbox.Provider
	Sandbox       = sandbox.Sandbox
	SandboxConfig = sandbox.Config
)

// Errors. Match them with errors.As.
type (
	SandboxCreationError      = errdefs.SandboxCreationError
	NetworkConfigurationError = errdefs.NetworkConfigurationError
	MissingAPIKeyError        = errdefs.MissingAPIKeyError
	AgentExecutionError       = errdefs.AgentExecutionError
	CLINotInstalledError      = errdefs.CLINotInstalledError
	SandboxTimeoutError       = errdefs.SandboxTimeoutError
	SandboxTerminatedError    = errdefs.SandboxTerminatedError
)

// Hook decisions.
var (
	Allow  = hooks.Allow
	Deny   = hooks.Deny
	Modify = hooks.Modify
)

// NewProvider returns the sandbox provider named in cfg ("docker", "local"
// or "modal").
func NewProvider(cfg SandboxConfig, logger *slog.Logger) (Provider, error) {
	return sandbox.New(cfg, logger)
}

// NewOrchestrator runs sessions on provider.
func NewOrchestrator(provider Provider, logger *slog.Logger) *Orchestrator {
	return session.NewOrchestrator(provider, logger)
}

// defaultOrchestrator backs Query and NewClient. Its provider comes from
// AGENTBOX_PROVIDER, docker when unset.
var defaultOrchestrator = sync.OnceValues(func() (*Orchestrator, error) {
	provider, err := sandbox.New(sandbox.Config{
		Provider: goutils.Env("AGENTBOX_PROVIDER", "docker"),
	}, nil)
	if err != nil {
		return nil, err
	}
	return session.NewOrchestrator(provider, nil), nil
})

// Query runs prompt in a fresh sandbox and yields the agent's messages.
// The sequence is single-pass; a failure is yielded last with a nil message.
func Query(ctx context.Context, prompt string, opts Options) iter.Seq2[Message, error] {
	orch, err := defaultOrchestrator()
	if err != nil {
		return func(yield func(Message, error) bool) { yield(nil, err) }
	}
	return orch.Run(ctx, prompt, opts)
}

// NewClient starts a multi-turn conversation on the default provider. It
// panics only if AGENTBOX_PROVIDER names an unknown provider; use
// NewClientWith to handle that case.
func NewClient(opts Options) *Client {
	orch, err := defaultOrchestrator()
	if err != nil {
		panic(err)
	}
	return session.NewClient(orch, opts)
}

// NewClientWith starts a multi-turn conversation on orch.
func NewClientWith(orch *Orchestrator, opts Options) *Client {
	return session.NewClient(orch, opts)
}

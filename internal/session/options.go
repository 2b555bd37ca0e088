package session

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/jkaninda/agentbox/internal/errdefs"
	"github.com/jkaninda/agentbox/internal/hooks"
	"github.com/jkaninda/agentbox/internal/hosttools"
	"github.com/jkaninda/agentbox/internal/relay"
	"github.com/jkaninda/agentbox/internal/sandbox"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultCwd            = "/workspace"
	DefaultPermissionMode = "acceptEdits"
	DefaultTimeout        = time.Hour

	// AnthropicCIDR is the address block the agent must reach.
	AnthropicCIDR = "160.79.104.0/23"

	apiKeyEnv = "ANTHROPIC_API_KEY"
)

// DefaultAllowedTools are the built-in agent tools enabled when none are listed.
var DefaultAllowedTools = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep"}

// DefaultRelayCommand launches the relay shim inside the sandbox.
var DefaultRelayCommand = []string{"agentbox", "relay"}

// Options configures one agent run: the agent itself, the sandbox it runs in,
// and the host-side hooks and tools offered to it.
type Options struct {
	// Agent.
	Model              string
	PermissionMode     string
	MaxTurns           int
	AllowedTools       []string
	DisallowedTools    []string
	SystemPrompt       string
	AppendSystemPrompt string
	Cwd                string
	Resume             string // Session id to continue.
	MCPServers         map[string]any
	Agents             map[string]any
	OutputFormat       map[string]any

	// Sandbox.
	Image          string
	CPU            float64
	MemoryMiB      int
	GPU            string
	Timeout        time.Duration
	IdleTimeout    time.Duration
	Env            map[string]string
	Secrets        []string
	Volumes        map[string]string
	BlockNetwork   bool
	CIDRAllowlist  []string
	Cloud          string
	Regions        []string
	Name           string
	EncryptedPorts []int
	Verbose        bool

	// Host side.
	Hooks       *hooks.Config
	HostTools   []hosttools.Server
	ToolTimeout time.Duration // Host tool round trip bound. 0 = 60s.

	// RelayCommand is the argv prefix of the relay shim. The options blob and
	// the prompt are appended.
	RelayCommand []string

	// LocalAPIKey is injected into the sandbox when neither Secrets nor Env
	// carry a key. Empty = the host's ANTHROPIC_API_KEY.
	LocalAPIKey string

	// Sandbox reuses an existing sandbox instead of creating one. With
	// KeepSandbox set it survives the run.
	Sandbox     sandbox.Sandbox
	KeepSandbox bool
}

// withDefaults returns a copy of o with zero fields filled in.
func (o Options) withDefaults() Options {
	if len(o.AllowedTools) == 0 {
		o.AllowedTools = slices.Clone(DefaultAllowedTools)
	}
	if o.Cwd == "" {
		o.Cwd = DefaultCwd
	}
	if o.PermissionMode == "" {
		o.PermissionMode = DefaultPermissionMode
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if len(o.RelayCommand) == 0 {
		o.RelayCommand = slices.Clone(DefaultRelayCommand)
	}
	if o.LocalAPIKey == "" {
		o.LocalAPIKey = os.Getenv(apiKeyEnv)
	}
	return o
}

// validate rejects options the agent cannot run with.
func (o Options) validate() error {
	if o.BlockNetwork {
		return &errdefs.NetworkConfigurationError{
			Message: fmt.Sprintf("BlockNetwork cuts the agent off from the model API; use CIDRAllowlist: [%q] to restrict egress instead", AnthropicCIDR),
		}
	}
	return nil
}

// sandboxEnv resolves the model API credential and returns the environment
// for the sandbox. Secrets win, then Env, then the local key.
func (o Options) sandboxEnv(logger *slog.Logger) (map[string]string, error) {
	env := make(map[string]string, len(o.Env)+1)
	for k, v := range o.Env {
		env[k] = v
	}
	switch {
	case len(o.Secrets) > 0:
	case env[apiKeyEnv] != "":
	case o.LocalAPIKey != "":
		logger.Warn("passing local ANTHROPIC_API_KEY into the sandbox environment; prefer platform secrets")
		env[apiKeyEnv] = o.LocalAPIKey
	default:
		return nil, &errdefs.MissingAPIKeyError{}
	}
	return env, nil
}

// spec maps the sandbox fields onto a provider Spec.
func (o Options) spec(env map[string]string) sandbox.Spec {
	return sandbox.Spec{
		Image:          o.Image,
		CPU:            o.CPU,
		MemoryMiB:      o.MemoryMiB,
		GPU:            o.GPU,
		Timeout:        o.Timeout,
		IdleTimeout:    o.IdleTimeout,
		Workdir:        o.Cwd,
		Env:            env,
		Secrets:        o.Secrets,
		Volumes:        o.Volumes,
		BlockNetwork:   o.BlockNetwork,
		CIDRAllowlist:  o.CIDRAllowlist,
		Cloud:          o.Cloud,
		Regions:        o.Regions,
		Name:           o.Name,
		EncryptedPorts: o.EncryptedPorts,
		Verbose:        o.Verbose,
	}
}

// relayOptions builds the blob handed to the relay shim. Host tools are
// appended to the allowed tools under their agent-facing names.
func (o Options) relayOptions(tools *hosttools.Dispatcher) relay.Options {
	ro := relay.Options{
		AllowedTools:       slices.Clone(o.AllowedTools),
		DisallowedTools:    o.DisallowedTools,
		SystemPrompt:       o.SystemPrompt,
		AppendSystemPrompt: o.AppendSystemPrompt,
		MaxTurns:           o.MaxTurns,
		PermissionMode:     o.PermissionMode,
		Model:              o.Model,
		Cwd:                o.Cwd,
		Resume:             o.Resume,
		MCPServers:         o.MCPServers,
		Agents:             o.Agents,
		OutputFormat:       o.OutputFormat,
		Verbose:            o.Verbose,
	}
	if o.Hooks.Enabled() {
		ro.EnableHooks = true
		ro.HookTimeoutS = o.Hooks.TimeoutOrDefault().Seconds()
		ro.HookFailClosed = o.Hooks.FailClosed
	}
	if !tools.Empty() {
		ro.HostTools = tools.Definitions()
		ro.AllowedTools = append(ro.AllowedTools, tools.AllowedToolNames()...)
		if o.ToolTimeout > 0 {
			ro.ToolTimeoutS = o.ToolTimeout.Seconds()
		}
	}
	return ro
}

// Package errdefs defines the failure kinds surfaced to SDK callers.
// Callers branch on them with errors.As.
package errdefs

import (
	"fmt"
	"strings"
)

// SandboxCreationError reports that the sandbox or the relay process could
// not be started.
type SandboxCreationError struct {
	Provider string
	Err      error
}

func (e *SandboxCreationError) Error() string {
	return fmt.Sprintf("creating %s sandbox: %v", e.Provider, e.Err)
}

func (e *SandboxCreationError) Unwrap() error { return e.Err }

// NetworkConfigurationError rejects options that would cut the agent off from
// the model API.
type NetworkConfigurationError struct {
	Message string
}

func (e *NetworkConfigurationError) Error() string { return e.Message }

// MissingAPIKeyError reports that no model API credential could be found.
type MissingAPIKeyError struct{}

func (e *MissingAPIKeyError) Error() string {
	return "ANTHROPIC_API_KEY not found: pass it through sandbox secrets, Options.Env or the local environment"
}

// AgentExecutionError reports a nonzero exit of the agent process.
type AgentExecutionError struct {
	ExitCode int
	Stderr   string
}

func (e *AgentExecutionError) Error() string {
	msg := fmt.Sprintf("agent exited with code %d", e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLines(s, 5)
	}
	return msg
}

// CLINotInstalledError reports that the agent CLI is missing from the image.
type CLINotInstalledError struct {
	Stderr string
}

func (e *CLINotInstalledError) Error() string {
	return "agent CLI not installed in sandbox image: install the claude CLI (npm install -g @anthropic-ai/claude-code) and the agentbox binary"
}

// SandboxTimeoutError reports that the platform or the caller's deadline
// ended the run.
type SandboxTimeoutError struct {
	Err error
}

func (e *SandboxTimeoutError) Error() string {
	if e.Err == nil {
		return "sandbox timed out"
	}
	return fmt.Sprintf("sandbox timed out: %v", e.Err)
}

func (e *SandboxTimeoutError) Unwrap() error { return e.Err }

// SandboxTerminatedError reports that the sandbox was killed before the agent
// finished.
type SandboxTerminatedError struct {
	Err error
}

func (e *SandboxTerminatedError) Error() string {
	if e.Err == nil {
		return "sandbox terminated"
	}
	return fmt.Sprintf("sandbox terminated: %v", e.Err)
}

func (e *SandboxTerminatedError) Unwrap() error { return e.Err }

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

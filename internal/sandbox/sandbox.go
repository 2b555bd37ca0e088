// Package sandbox provides the isolated environments the agent runs in.
// A Provider creates a Sandbox; commands execute inside it as Processes
// whose stdio is streamed back to the host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

var (
	// ErrTimeout is returned when the sandbox or a process outlived its timeout.
	ErrTimeout = errors.New("sandbox timed out")
	// ErrTerminated is returned when the sandbox was killed while a process ran.
	ErrTerminated = errors.New("sandbox terminated")
)

// Provider creates sandboxes on one execution platform.
type Provider interface {
	Name() string
	Create(ctx context.Context, spec Spec) (Sandbox, error)
}

// Sandbox is a running environment.
type Sandbox interface {
	ID() string
	Exec(ctx context.Context, command []string, opts ExecOptions) (Process, error)
	// Terminate stops the sandbox. Calling it on a sandbox that is already
	// gone returns nil.
	Terminate(ctx context.Context) error
}

// Process is a command running inside a sandbox.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. A nonzero exit is reported through
	// the exit code, not the error.
	Wait(ctx context.Context) (int, error)
	// Kill stops this process only; the sandbox keeps running.
	Kill() error
}

// Spec describes the sandbox to create. Providers ignore settings their
// platform does not support and log them.
type Spec struct {
	Image     string
	CPU       float64 // Fractional physical cores.
	MemoryMiB int
	GPU       string // e.g. "A100", "T4:2".

	Timeout     time.Duration // Maximum lifetime.
	IdleTimeout time.Duration

	Workdir string
	Env     map[string]string
	Secrets []string          // Platform secret names.
	Volumes map[string]string // Mount path → volume name.

	BlockNetwork  bool
	CIDRAllowlist []string

	Cloud   string
	Regions []string
	Name    string

	EncryptedPorts []int
	Verbose        bool
}

// ExecOptions configures one command.
type ExecOptions struct {
	Workdir string
	Env     map[string]string
	Timeout time.Duration // 0 = bounded by the sandbox only.
}

// Config selects a provider and carries its platform settings.
type Config struct {
	Provider string // "local", "docker" or "modal".
	Local    LocalConfig
	Docker   DockerConfig
	Modal    ModalConfig
}

// New returns the provider named in cfg.
func New(cfg Config, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	switch cfg.Provider {
	case "", "docker":
		return NewDockerProvider(cfg.Docker, logger), nil
	case "local":
		return NewLocalProvider(cfg.Local, logger), nil
	case "modal":
		return NewModalProvider(cfg.Modal, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider: %s", cfg.Provider)
	}
}

func mergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/modal-labs/libmodal/modal-go"
)

// ModalConfig configures the Modal provider. Credentials come from the
// MODAL_TOKEN_ID / MODAL_TOKEN_SECRET environment or ~/.modal.toml.
type ModalConfig struct {
	AppName      string // Modal app the sandboxes belong to. Default: "agentbox".
	DefaultImage string // Registry tag used when Spec.Image is empty.
}

// ModalProvider creates sandboxes on Modal.
type ModalProvider struct {
	cfg    ModalConfig
	logger *slog.Logger

	once    sync.Once
	client  *modal.Client
	initErr error
}

// NewModalProvider creates a Modal provider. The client connects lazily on
// the first Create.
func NewModalProvider(cfg ModalConfig, logger *slog.Logger) *ModalProvider {
	if cfg.AppName == "" {
		cfg.AppName = "agentbox"
	}
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = "python:3.12-slim"
	}
	return &ModalProvider{cfg: cfg, logger: logger}
}

func (p *ModalProvider) Name() string { return "modal" }

func (p *ModalProvider) connect() (*modal.Client, error) {
	p.once.Do(func() {
		p.client, p.initErr = modal.NewClient()
	})
	return p.client, p.initErr
}

// Create resolves the app, image, secrets and volumes named in spec and
// starts the sandbox.
func (p *ModalProvider) Create(ctx context.Context, spec Spec) (Sandbox, error) {
	mc, err := p.connect()
	if err != nil {
		return nil, fmt.Errorf("modal client: %w", err)
	}

	app, err := mc.Apps.FromName(ctx, p.cfg.AppName, &modal.AppFromNameParams{CreateIfMissing: true})
	if err != nil {
		return nil, fmt.Errorf("modal app %q: %w", p.cfg.AppName, err)
	}

	tag := spec.Image
	if tag == "" {
		tag = p.cfg.DefaultImage
	}
	image := mc.Images.FromRegistry(tag, nil)

	params := &modal.SandboxCreateParams{
		CPU:            spec.CPU,
		MemoryMiB:      spec.MemoryMiB,
		GPU:            spec.GPU,
		Timeout:        spec.Timeout,
		IdleTimeout:    spec.IdleTimeout,
		Workdir:        spec.Workdir,
		Command:        []string{"sleep", "infinity"},
		Env:            spec.Env,
		EncryptedPorts: spec.EncryptedPorts,
		BlockNetwork:   spec.BlockNetwork,
		CIDRAllowlist:  spec.CIDRAllowlist,
		Cloud:          spec.Cloud,
		Regions:        spec.Regions,
		Verbose:        spec.Verbose,
		Name:           spec.Name,
	}
	for _, name := range spec.Secrets {
		secret, err := mc.Secrets.FromName(ctx, name, nil)
		if err != nil {
			return nil, fmt.Errorf("modal secret %q: %w", name, err)
		}
		params.Secrets = append(params.Secrets, secret)
	}
	if len(spec.Volumes) > 0 {
		params.Volumes = make(map[string]*modal.Volume, len(spec.Volumes))
		for mount, name := range spec.Volumes {
			vol, err := mc.Volumes.FromName(ctx, name, &modal.VolumeFromNameParams{CreateIfMissing: true})
			if err != nil {
				return nil, fmt.Errorf("modal volume %q: %w", name, err)
			}
			params.Volumes[mount] = vol
		}
	}

	sb, err := mc.Sandboxes.Create(ctx, app, image, params)
	if err != nil {
		return nil, err
	}

	p.logger.Info("modal sandbox created",
		slog.String("sandbox_id", sb.SandboxID),
		slog.String("app", p.cfg.AppName),
		slog.String("image", tag),
	)
	return &modalSandbox{sb: sb, logger: p.logger}, nil
}

type modalSandbox struct {
	sb     *modal.Sandbox
	logger *slog.Logger

	mu         sync.Mutex
	terminated bool
}

func (s *modalSandbox) ID() string { return s.sb.SandboxID }

func (s *modalSandbox) Exec(ctx context.Context, command []string, opts ExecOptions) (Process, error) {
	cp, err := s.sb.Exec(ctx, command, &modal.SandboxExecParams{
		Workdir: opts.Workdir,
		Timeout: opts.Timeout,
		Env:     opts.Env,
	})
	if err != nil {
		return nil, s.mapErr(err)
	}
	return &modalProcess{cp: cp, sandbox: s}, nil
}

func (s *modalSandbox) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	s.mu.Unlock()

	if err := s.sb.Terminate(ctx); err != nil {
		var notFound modal.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// mapErr translates platform errors into ErrTimeout / ErrTerminated.
func (s *modalSandbox) mapErr(err error) error {
	var timeout modal.SandboxTimeoutError
	if errors.As(err, &timeout) {
		return fmt.Errorf("%w: %s", ErrTimeout, timeout.Exception)
	}
	s.mu.Lock()
	terminated := s.terminated
	s.mu.Unlock()
	if terminated {
		return fmt.Errorf("%w: %v", ErrTerminated, err)
	}
	return err
}

type modalProcess struct {
	cp      *modal.ContainerProcess
	sandbox *modalSandbox
}

func (p *modalProcess) Stdin() io.WriteCloser { return p.cp.Stdin }
func (p *modalProcess) Stdout() io.Reader     { return p.cp.Stdout }
func (p *modalProcess) Stderr() io.Reader     { return p.cp.Stderr }

// Kill closes the process stdin. The relay exits on EOF; modal-go has no
// per-process signal.
func (p *modalProcess) Kill() error {
	return p.cp.Stdin.Close()
}

func (p *modalProcess) Wait(ctx context.Context) (int, error) {
	code, err := p.cp.Wait(ctx)
	if err != nil {
		return -1, p.sandbox.mapErr(err)
	}
	return code, nil
}

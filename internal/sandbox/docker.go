package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	defaultDockerPIDsLimit = 512
	defaultDockerImage     = "agentbox-runtime:latest"
)

// DockerConfig configures the Docker provider.
type DockerConfig struct {
	Binary       string   // Docker CLI path. Default: "docker".
	DefaultImage string   // Used when Spec.Image is empty.
	Runtime      string   // --runtime (e.g. "runsc" for gVisor). Empty = daemon default.
	PIDsLimit    int      // --pids-limit (prevents fork bombs).
	ReadOnlyRoot bool     // --read-only with tmpfs for /tmp and the workdir.
	ExtraArgs    []string // Appended to docker run before the image.
}

// DockerProvider runs each sandbox as a long-lived container and execs
// commands in it.
//
// Containers are hardened:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - PIDs limit prevents fork bombs
//   - Memory and CPU limits from the Spec
//   - Always removed on Terminate or timeout
type DockerProvider struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerProvider creates a Docker provider.
func NewDockerProvider(cfg DockerConfig, logger *slog.Logger) *DockerProvider {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = defaultDockerImage
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerProvider{config: cfg, logger: logger}
}

func (p *DockerProvider) Name() string { return "docker" }

// Create starts a detached container that idles until commands are exec'd.
func (p *DockerProvider) Create(ctx context.Context, spec Spec) (Sandbox, error) {
	name := spec.Name
	if name == "" {
		var err error
		if name, err = generateContainerName(); err != nil {
			return nil, fmt.Errorf("generating container name: %w", err)
		}
	}

	args := p.buildRunArgs(name, spec)
	out, err := exec.CommandContext(ctx, p.config.Binary, args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker run: %w: %s", err, bytes.TrimSpace(out))
	}

	sb := &dockerSandbox{
		name:     name,
		provider: p,
		spec:     spec,
		procs:    make(map[*exec.Cmd]*cmdProcess),
	}
	if spec.Timeout > 0 {
		sb.timer = time.AfterFunc(spec.Timeout, func() { sb.kill(ErrTimeout) })
	}

	p.logger.Info("docker sandbox created",
		slog.String("container", name),
		slog.String("image", p.image(spec)),
		slog.Int("memory_mib", spec.MemoryMiB),
		slog.Float64("cpu", spec.CPU),
		slog.Duration("timeout", spec.Timeout),
	)
	return sb, nil
}

func (p *DockerProvider) image(spec Spec) string {
	if spec.Image != "" {
		return spec.Image
	}
	return p.config.DefaultImage
}

// buildRunArgs constructs the docker run argument list.
func (p *DockerProvider) buildRunArgs(name string, spec Spec) []string {
	args := []string{
		"run", "-d", "--init",
		"--name", name,
		"--label", "agentbox.sandbox=true",

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--pids-limit=" + strconv.Itoa(p.config.PIDsLimit),
	}

	if spec.MemoryMiB > 0 {
		mem := strconv.Itoa(spec.MemoryMiB) + "m"
		args = append(args, "--memory="+mem, "--memory-swap="+mem)
	}
	if spec.CPU > 0 {
		args = append(args, "--cpus="+strconv.FormatFloat(spec.CPU, 'f', 2, 64))
	}
	if spec.GPU != "" {
		args = append(args, "--gpus=all")
	}
	if p.config.Runtime != "" {
		args = append(args, "--runtime="+p.config.Runtime)
	}
	if p.config.ReadOnlyRoot {
		args = append(args, "--read-only", "--tmpfs", "/tmp:rw,nosuid,size=256m")
		if spec.Workdir != "" {
			args = append(args, "--tmpfs", spec.Workdir+":rw,nosuid,size=1g")
		}
	}

	// Network policy. Docker has no per-CIDR egress filter.
	if spec.BlockNetwork {
		args = append(args, "--network=none")
	} else if len(spec.CIDRAllowlist) > 0 {
		p.logger.Warn("docker provider does not support CIDR allowlists, network left open",
			slog.Any("cidr_allowlist", spec.CIDRAllowlist),
		)
	}

	if spec.Workdir != "" {
		args = append(args, "--workdir", spec.Workdir)
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "--env", k+"="+spec.Env[k])
	}
	for _, mount := range sortedKeys(spec.Volumes) {
		args = append(args, "-v", spec.Volumes[mount]+":"+mount)
	}
	for _, port := range spec.EncryptedPorts {
		args = append(args, "-p", strconv.Itoa(port))
	}
	if len(spec.Secrets) > 0 {
		p.logger.Warn("docker provider has no secret store, pass credentials through Env",
			slog.Any("secrets", spec.Secrets),
		)
	}
	args = append(args, p.config.ExtraArgs...)

	// Image (must come after all flags, before command).
	args = append(args, p.image(spec), "sleep", "infinity")
	return args
}

type dockerSandbox struct {
	name     string
	provider *DockerProvider
	spec     Spec
	timer    *time.Timer

	mu     sync.Mutex
	procs  map[*exec.Cmd]*cmdProcess
	reason error
	once   sync.Once
}

func (s *dockerSandbox) ID() string { return s.name }

// Exec runs command in the container with stdin attached.
func (s *dockerSandbox) Exec(ctx context.Context, command []string, opts ExecOptions) (Process, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	s.mu.Lock()
	if s.reason != nil {
		s.mu.Unlock()
		return nil, s.reason
	}
	s.mu.Unlock()

	args := []string{"exec", "-i"}
	if opts.Workdir != "" {
		args = append(args, "--workdir", opts.Workdir)
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "--env", k+"="+opts.Env[k])
	}
	args = append(args, s.name)
	args = append(args, command...)

	cmd := exec.Command(s.provider.config.Binary, args...)
	proc, err := startCmd(cmd, s.killReason)
	if err != nil {
		return nil, fmt.Errorf("docker exec: %w", err)
	}

	s.mu.Lock()
	s.procs[cmd] = proc
	s.mu.Unlock()
	proc.onExit(func() {
		s.mu.Lock()
		delete(s.procs, cmd)
		s.mu.Unlock()
	})

	if opts.Timeout > 0 {
		t := time.AfterFunc(opts.Timeout, func() { proc.kill(ErrTimeout) })
		proc.onExit(func() { t.Stop() })
	}

	s.provider.logger.Debug("docker sandbox exec",
		slog.String("container", s.name),
		slog.Any("command", command),
	)
	return proc, nil
}

// Terminate removes the container. Errors for an already-removed container
// are swallowed.
func (s *dockerSandbox) Terminate(_ context.Context) error {
	for _, p := range s.kill(ErrTerminated) {
		p.closeOutput()
	}
	return nil
}

// kill removes the container once and returns the processes that were running.
func (s *dockerSandbox) kill(reason error) []*cmdProcess {
	s.mu.Lock()
	if s.reason == nil {
		s.reason = reason
	}
	procs := make([]*cmdProcess, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.once.Do(func() { s.provider.forceRemoveContainer(s.name) })
	for _, p := range procs {
		// The docker client exits once the container is gone; this just
		// makes sure it does.
		killGroup(p.cmd)
	}
	return procs
}

func (s *dockerSandbox) killReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// forceRemoveContainer removes a container by name. Errors are logged but not
// returned (best-effort cleanup).
func (p *DockerProvider) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.config.Binary, "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when the container is already gone.
		if !bytes.Contains(out, []byte("No such container")) {
			p.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// generateContainerName returns a unique container name: agentbox-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "agentbox-sbx-" + hex.EncodeToString(b), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// LocalConfig configures the local process provider.
type LocalConfig struct {
	// Root is where per-sandbox directories are created. Empty = os.TempDir().
	Root string
	// InheritPath passes the host PATH through so host-installed binaries
	// (the relay, the agent CLI) resolve. Otherwise a fixed minimal PATH is used.
	InheritPath bool
}

// LocalProvider runs sandboxes as process groups on the host. It offers no
// isolation beyond a private working directory and a sanitized environment
// and is meant for development and tests.
type LocalProvider struct {
	cfg    LocalConfig
	logger *slog.Logger
}

// NewLocalProvider creates a local process provider.
func NewLocalProvider(cfg LocalConfig, logger *slog.Logger) *LocalProvider {
	return &LocalProvider{cfg: cfg, logger: logger}
}

func (p *LocalProvider) Name() string { return "local" }

// Create makes a private directory for the sandbox and arms its lifetime timer.
func (p *LocalProvider) Create(_ context.Context, spec Spec) (Sandbox, error) {
	dir, err := os.MkdirTemp(p.cfg.Root, "agentbox-sbx-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}
	if spec.BlockNetwork || len(spec.CIDRAllowlist) > 0 {
		p.logger.Warn("local sandbox cannot restrict network, ignoring policy")
	}

	sb := &localSandbox{
		id:     "local-" + uuid.NewString()[:8],
		dir:    dir,
		spec:   spec,
		cfg:    p.cfg,
		procs:  make(map[*exec.Cmd]*cmdProcess),
		logger: p.logger,
	}
	if spec.Timeout > 0 {
		sb.timer = time.AfterFunc(spec.Timeout, func() { sb.kill(ErrTimeout) })
	}

	p.logger.Info("local sandbox created",
		slog.String("sandbox_id", sb.id),
		slog.String("dir", dir),
	)
	return sb, nil
}

type localSandbox struct {
	id     string
	dir    string
	spec   Spec
	cfg    LocalConfig
	timer  *time.Timer
	logger *slog.Logger

	mu     sync.Mutex
	procs  map[*exec.Cmd]*cmdProcess
	reason error // set once the sandbox is killed
}

func (s *localSandbox) ID() string { return s.id }

// Exec starts command in its own process group.
func (s *localSandbox) Exec(_ context.Context, command []string, opts ExecOptions) (Process, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	s.mu.Lock()
	if s.reason != nil {
		s.mu.Unlock()
		return nil, s.reason
	}
	s.mu.Unlock()

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = s.workdir(opts.Workdir)
	cmd.Env = s.buildEnv(mergeEnv(s.spec.Env, opts.Env))

	// Process group isolation, so the whole tree can be killed at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	proc, err := startCmd(cmd, s.killReason)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", command[0], err)
	}

	s.mu.Lock()
	s.procs[cmd] = proc
	s.mu.Unlock()
	proc.onExit(func() { s.forget(cmd) })

	if opts.Timeout > 0 {
		t := time.AfterFunc(opts.Timeout, func() { proc.kill(ErrTimeout) })
		proc.onExit(func() { t.Stop() })
	}

	s.logger.Debug("local sandbox exec",
		slog.String("sandbox_id", s.id),
		slog.Any("command", command),
		slog.String("dir", cmd.Dir),
	)
	return proc, nil
}

// Terminate kills every running process and removes the sandbox directory.
func (s *localSandbox) Terminate(_ context.Context) error {
	for _, p := range s.kill(ErrTerminated) {
		p.closeOutput()
	}
	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Warn("failed to remove sandbox dir",
			slog.String("dir", s.dir),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// kill stops every running process and returns them.
func (s *localSandbox) kill(reason error) []*cmdProcess {
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
	for _, p := range procs {
		killGroup(p.cmd)
	}
	return procs
}

func (s *localSandbox) killReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *localSandbox) forget(cmd *exec.Cmd) {
	s.mu.Lock()
	delete(s.procs, cmd)
	s.mu.Unlock()
}

// workdir maps the requested directory onto the host. Paths that do not
// exist locally (such as the default /workspace) resolve to the sandbox dir.
func (s *localSandbox) workdir(requested string) string {
	for _, dir := range []string{requested, s.spec.Workdir} {
		if dir == "" {
			continue
		}
		if !filepath.IsAbs(dir) {
			return filepath.Join(s.dir, dir)
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return s.dir
}

// buildEnv constructs a minimal environment. The parent's environment is not
// inherited, so host credentials only reach the sandbox when passed explicitly.
func (s *localSandbox) buildEnv(extra map[string]string) []string {
	path := "/usr/local/bin:/usr/bin:/bin"
	if s.cfg.InheritPath {
		if hostPath := os.Getenv("PATH"); hostPath != "" {
			path = hostPath
		}
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + s.dir,
		"TMPDIR=" + s.dir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative PID = the entire process group.
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// --- cmdProcess: an exec.Cmd exposed as a Process ---

// cmdProcess adapts a started exec.Cmd. Output is delivered through pipes that
// close once the command exits and its output has been copied, so readers
// see EOF without having to call Wait first.
type cmdProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *io.PipeReader
	stderr *io.PipeReader

	done     chan struct{}
	exitCode int
	waitErr  error

	mu       sync.Mutex
	exited   bool
	reason   error
	hooks    []func()
	reasonFn func() error
}

// startCmd starts cmd. reasonFn reports why the enclosing sandbox killed it,
// if it did.
func startCmd(cmd *exec.Cmd, reasonFn func() error) (*cmdProcess, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return nil, err
	}

	p := &cmdProcess{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   outR,
		stderr:   errR,
		done:     make(chan struct{}),
		reasonFn: reasonFn,
	}
	go func() {
		err := cmd.Wait()
		_ = outW.Close()
		_ = errW.Close()

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				p.exitCode = exitErr.ExitCode()
			} else {
				p.waitErr = err
			}
		}

		p.mu.Lock()
		p.exited = true
		if p.reason == nil && p.reasonFn != nil && p.exitCode != 0 {
			p.reason = p.reasonFn()
		}
		hooks := p.hooks
		p.hooks = nil
		p.mu.Unlock()

		for _, h := range hooks {
			h()
		}
		close(p.done)
	}()
	return p, nil
}

func (p *cmdProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *cmdProcess) Stdout() io.Reader     { return p.stdout }
func (p *cmdProcess) Stderr() io.Reader     { return p.stderr }

func (p *cmdProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	p.mu.Lock()
	reason := p.reason
	p.mu.Unlock()
	if reason != nil && p.exitCode != 0 {
		return -1, reason
	}
	if p.waitErr != nil {
		return -1, p.waitErr
	}
	return p.exitCode, nil
}

// Kill stops the process group and unblocks its readers.
func (p *cmdProcess) Kill() error {
	p.kill(ErrTerminated)
	p.closeOutput()
	return nil
}

// kill records reason and kills the process group.
func (p *cmdProcess) kill(reason error) {
	p.mu.Lock()
	if p.reason == nil && !p.exited {
		p.reason = reason
	}
	p.mu.Unlock()
	killGroup(p.cmd)
}

// closeOutput unblocks the output copiers when nobody reads anymore.
func (p *cmdProcess) closeOutput() {
	_ = p.stdout.CloseWithError(ErrTerminated)
	_ = p.stderr.CloseWithError(ErrTerminated)
}

// onExit registers f to run when the command exits. If it already exited,
// f runs immediately.
func (p *cmdProcess) onExit(f func()) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		f()
		return
	}
	p.hooks = append(p.hooks, f)
	p.mu.Unlock()
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/agentbox/internal/audit"
	"github.com/jkaninda/agentbox/internal/config"
	"github.com/jkaninda/agentbox/internal/hooks"
	"github.com/jkaninda/agentbox/internal/hosttools"
	"github.com/jkaninda/agentbox/internal/observability"
	"github.com/jkaninda/agentbox/internal/sandbox"
	"github.com/jkaninda/agentbox/internal/session"
)

// configPath is shared by the commands that read the config file.
var configPath string

// newLogger builds the JSON stderr logger. verbose forces debug level.
func newLogger(level string, verbose bool) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// loadConfig reads the config named by AGENTBOX_CONFIG or --config, then
// ~/.agentbox/config.yaml if it exists. With none of them the defaults apply.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("AGENTBOX_CONFIG", configPath)
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
			path = config.DefaultConfigPath()
		}
	}
	return config.Load(path)
}

// Runtime holds everything query and serve need. Built once by initRuntime,
// torn down by Cleanup.
type Runtime struct {
	Config       *config.Config
	Logger       *slog.Logger
	Obs          *observability.Observability
	Provider     sandbox.Provider
	Orchestrator *session.Orchestrator
	Recorder     audit.Recorder
	AuditStore   *audit.Store // nil unless audit.driver is set.
	Base         session.Options

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (rt *Runtime) Cleanup() {
	for i := len(rt.cleanups) - 1; i >= 0; i-- {
		rt.cleanups[i]()
	}
}

func (rt *Runtime) addCleanup(fn func()) {
	rt.cleanups = append(rt.cleanups, fn)
}

// initRuntime wires observability, audit, the sandbox provider, host tools
// and hooks into an orchestrator. Callers must call rt.Cleanup() when done.
func initRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	rt.Obs = obs
	rt.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Audit.
	recorder, err := rt.initAudit()
	if err != nil {
		rt.Cleanup()
		return nil, err
	}
	rt.Recorder = recorder
	if obs != nil && rt.AuditStore != nil {
		obs.Health.AddCheck("audit_store", rt.AuditStore.Ping)
	}

	// Sandbox provider.
	provider, err := sandbox.New(sandboxConfig(cfg), logger)
	if err != nil {
		rt.Cleanup()
		return nil, fmt.Errorf("initializing sandbox provider: %w", err)
	}
	rt.Provider = provider
	if obs != nil && provider.Name() == "docker" {
		binary := "docker"
		if cfg.Sandbox.Docker != nil && cfg.Sandbox.Docker.Binary != "" {
			binary = cfg.Sandbox.Docker.Binary
		}
		obs.Health.AddCheck("docker", observability.CommandCheck(binary, "version"))
	}
	logger.Debug("sandbox provider initialized", slog.String("provider", provider.Name()))

	// Base options, then what the host offers the agent.
	base := baseOptions(cfg)

	hookCfg, err := hooks.FromConfig(cfg.Hooks)
	if err != nil {
		rt.Cleanup()
		return nil, fmt.Errorf("initializing hooks: %w", err)
	}
	base.Hooks = hookCfg

	if cfg.HostTools != nil && len(cfg.HostTools.MCP) > 0 {
		importer := hosttools.NewMCPImporter(version, logger)
		rt.addCleanup(importer.Close)
		base.HostTools = importer.ImportAll(ctx, cfg.HostTools.MCP)
		base.ToolTimeout = cfg.HostTools.Timeout()
		logger.Info("host tools imported", slog.Int("servers", len(base.HostTools)))
	}
	rt.Base = base

	rt.Orchestrator = session.NewOrchestrator(provider, logger).
		WithRecorder(recorder).
		WithObservability(obs)

	return rt, nil
}

// initAudit opens the JSONL file and SQL store the config asks for.
func (rt *Runtime) initAudit() (audit.Recorder, error) {
	cfg, logger := rt.Config, rt.Logger
	var recs audit.Multi

	if path := cfg.AuditLogPath(); path != "" {
		fl, err := audit.NewFileLogger(path, audit.FileOptions{
			MaxBytes:   int64(cfg.Audit.MaxSizeMB) << 20,
			MaxBackups: cfg.Audit.MaxBackups,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing audit log: %w", err)
		}
		rt.addCleanup(func() { _ = fl.Close() })
		recs = append(recs, fl)
		logger.Debug("audit log initialized", slog.String("path", path))
	}

	if dsn := cfg.AuditDSN(); dsn != "" {
		store, err := audit.OpenStore(audit.StoreConfig{Driver: cfg.Audit.Driver, DSN: dsn}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing audit store: %w", err)
		}
		rt.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing audit store", slog.String("error", err.Error()))
			}
		})
		rt.AuditStore = store
		recs = append(recs, store)
		logger.Debug("audit store initialized", slog.String("driver", cfg.Audit.Driver))
	}

	switch len(recs) {
	case 0:
		return audit.Nop{}, nil
	case 1:
		return recs[0], nil
	default:
		return recs, nil
	}
}

func sandboxConfig(cfg *config.Config) sandbox.Config {
	sc := sandbox.Config{Provider: cfg.Sandbox.Provider}
	if d := cfg.Sandbox.Docker; d != nil {
		sc.Docker = sandbox.DockerConfig{
			Binary:       d.Binary,
			Runtime:      d.Runtime,
			PIDsLimit:    d.PIDsLimit,
			ReadOnlyRoot: d.ReadOnlyRoot,
			ExtraArgs:    d.ExtraArgs,
		}
	}
	sc.Docker.DefaultImage = cfg.Sandbox.Image
	if l := cfg.Sandbox.Local; l != nil {
		sc.Local = sandbox.LocalConfig{Root: l.Root, InheritPath: l.InheritPath}
	}
	if m := cfg.Sandbox.Modal; m != nil {
		sc.Modal.AppName = m.AppName
	}
	sc.Modal.DefaultImage = cfg.Sandbox.Image
	return sc
}

// baseOptions maps the agent and sandbox sections onto session options.
func baseOptions(cfg *config.Config) session.Options {
	a, s := cfg.Agent, cfg.Sandbox
	opts := session.Options{
		Model:              a.Model,
		PermissionMode:     a.PermissionMode,
		MaxTurns:           a.MaxTurns,
		AllowedTools:       a.AllowedTools,
		DisallowedTools:    a.DisallowedTools,
		SystemPrompt:       a.SystemPrompt,
		AppendSystemPrompt: a.AppendSystemPrompt,
		Cwd:                a.Cwd,
		RelayCommand:       a.RelayCommand,
		LocalAPIKey:        a.APIKey,

		Image:          s.Image,
		CPU:            s.CPU,
		MemoryMiB:      s.MemoryMiB,
		GPU:            s.GPU,
		Timeout:        s.Timeout(),
		Env:            s.Env,
		Secrets:        s.Secrets,
		Volumes:        s.Volumes,
		BlockNetwork:   s.BlockNetwork,
		CIDRAllowlist:  s.CIDRAllowlist,
		Cloud:          s.Cloud,
		Regions:        s.Regions,
		EncryptedPorts: s.EncryptedPorts,
		Verbose:        cfg.LogLevel == "debug",
	}
	if s.IdleTimeoutSeconds > 0 {
		opts.IdleTimeout = time.Duration(s.IdleTimeoutSeconds) * time.Second
	}
	return opts
}

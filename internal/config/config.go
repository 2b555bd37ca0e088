// Package config handles loading and validating agentbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for agentbox.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.agentbox. Override: AGENTBOX_DATA_DIR env var.
	LogLevel      string                `json:"log_level,omitempty" yaml:"log_level,omitempty"` // "debug", "info" (default), "warn", "error".
	Agent         AgentConfig           `json:"agent" yaml:"agent"`
	Sandbox       SandboxConfig         `json:"sandbox" yaml:"sandbox"`
	Hooks         *HooksConfig          `json:"hooks,omitempty" yaml:"hooks,omitempty"`                 // nil = no hook interception
	HostTools     *HostToolsConfig      `json:"host_tools,omitempty" yaml:"host_tools,omitempty"`       // nil = no host tools
	Audit         *AuditConfig          `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = audit disabled
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Gateway       *GatewayConfig        `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = defaults for `agentbox serve`
	Scheduler     *SchedulerConfig      `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = cron scheduler disabled
	Notifications []NotificationChannel `json:"notifications,omitempty" yaml:"notifications,omitempty"` // Where scheduled job failures are reported.
}

// AgentConfig holds the defaults passed to the agent CLI in the sandbox.
type AgentConfig struct {
	Model              string   `json:"model,omitempty" yaml:"model,omitempty"`
	PermissionMode     string   `json:"permission_mode,omitempty" yaml:"permission_mode,omitempty"` // Default: "acceptEdits".
	MaxTurns           int      `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	AllowedTools       []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	DisallowedTools    []string `json:"disallowed_tools,omitempty" yaml:"disallowed_tools,omitempty"`
	SystemPrompt       string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	AppendSystemPrompt string   `json:"append_system_prompt,omitempty" yaml:"append_system_prompt,omitempty"`
	Cwd                string   `json:"cwd,omitempty" yaml:"cwd,omitempty"`                     // Default: "/workspace".
	RelayCommand       []string `json:"relay_command,omitempty" yaml:"relay_command,omitempty"` // Default: ["agentbox", "relay"].
	APIKey             string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`             // Override: ANTHROPIC_API_KEY env var.
}

// SandboxConfig selects the execution platform and the sandbox shape.
type SandboxConfig struct {
	Provider           string            `json:"provider,omitempty" yaml:"provider,omitempty"` // "docker" (default), "local" or "modal". Override: AGENTBOX_PROVIDER.
	Image              string            `json:"image,omitempty" yaml:"image,omitempty"`       // Override: AGENTBOX_IMAGE.
	CPU                float64           `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	MemoryMiB          int               `json:"memory_mib,omitempty" yaml:"memory_mib,omitempty"`
	GPU                string            `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	TimeoutSeconds     int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // Default: 3600.
	IdleTimeoutSeconds int               `json:"idle_timeout_seconds,omitempty" yaml:"idle_timeout_seconds,omitempty"`
	Env                map[string]string `json:"env,omitempty" yaml:"env,omitempty"` // Values support ${VAR} expansion.
	Secrets            []string          `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	Volumes            map[string]string `json:"volumes,omitempty" yaml:"volumes,omitempty"` // Mount path → volume name.
	BlockNetwork       bool              `json:"block_network,omitempty" yaml:"block_network,omitempty"`
	CIDRAllowlist      []string          `json:"cidr_allowlist,omitempty" yaml:"cidr_allowlist,omitempty"`
	Cloud              string            `json:"cloud,omitempty" yaml:"cloud,omitempty"`
	Regions            []string          `json:"regions,omitempty" yaml:"regions,omitempty"`
	EncryptedPorts     []int             `json:"encrypted_ports,omitempty" yaml:"encrypted_ports,omitempty"`
	Docker             *DockerConfig     `json:"docker,omitempty" yaml:"docker,omitempty"`
	Local              *LocalConfig      `json:"local,omitempty" yaml:"local,omitempty"`
	Modal              *ModalConfig      `json:"modal,omitempty" yaml:"modal,omitempty"`
}

// Timeout returns the sandbox lifetime with a default of one hour.
func (s *SandboxConfig) Timeout() time.Duration {
	if s != nil && s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return time.Hour
}

// DockerConfig holds Docker-specific sandbox settings.
type DockerConfig struct {
	Binary       string   `json:"binary,omitempty" yaml:"binary,omitempty"`   // Default: "docker".
	Runtime      string   `json:"runtime,omitempty" yaml:"runtime,omitempty"` // e.g. "runsc".
	PIDsLimit    int      `json:"pids_limit,omitempty" yaml:"pids_limit,omitempty"`
	ReadOnlyRoot bool     `json:"read_only_root,omitempty" yaml:"read_only_root,omitempty"`
	ExtraArgs    []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
}

// LocalConfig holds settings for the host-process provider.
type LocalConfig struct {
	Root        string `json:"root,omitempty" yaml:"root,omitempty"`
	InheritPath bool   `json:"inherit_path,omitempty" yaml:"inherit_path,omitempty"`
}

// ModalConfig holds Modal-specific settings.
type ModalConfig struct {
	AppName string `json:"app_name,omitempty" yaml:"app_name,omitempty"` // Default: "agentbox".
}

// HooksConfig enables tool-use interception with declarative deny rules.
type HooksConfig struct {
	Enabled        bool       `json:"enabled" yaml:"enabled"`
	ToolFilter     string     `json:"tool_filter,omitempty" yaml:"tool_filter,omitempty"` // Regex anchored at the start of the tool name.
	TimeoutSeconds int        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	FailClosed     bool       `json:"fail_closed,omitempty" yaml:"fail_closed,omitempty"`
	Deny           []DenyRule `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// Timeout returns the hook timeout with a default of 30s.
func (h *HooksConfig) Timeout() time.Duration {
	if h != nil && h.TimeoutSeconds > 0 {
		return time.Duration(h.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// DenyRule blocks a tool call whose input field matches Pattern.
type DenyRule struct {
	Tool    string `json:"tool" yaml:"tool"`                       // Exact tool name, e.g. "Bash".
	Field   string `json:"field,omitempty" yaml:"field,omitempty"` // Input field to match. Default: "command".
	Pattern string `json:"pattern" yaml:"pattern"`                 // Regex.
	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// InputField returns the field the rule inspects.
func (r DenyRule) InputField() string {
	if r.Field != "" {
		return r.Field
	}
	return "command"
}

// HostToolsConfig configures tools that run on the host.
type HostToolsConfig struct {
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MCP            []MCPServerConfig `json:"mcp,omitempty" yaml:"mcp,omitempty"` // Host-local MCP servers re-exposed to the agent.
}

// Timeout returns the host tool timeout with a default of 60s.
func (h *HostToolsConfig) Timeout() time.Duration {
	if h != nil && h.TimeoutSeconds > 0 {
		return time.Duration(h.TimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// MCPServerConfig defines a single MCP server reachable from the host.
// agentbox connects as an MCP client, discovers its tools and exposes them
// to the agent as host tools.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`                           // Server name used for tool namespacing (e.g., "github").
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
}

// AuditConfig configures the audit trail of hook decisions and host tool calls.
type AuditConfig struct {
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`     // JSONL file. Override: AGENTBOX_AUDIT_PATH.
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"` // "sqlite" or "postgres". Empty = no SQL store.
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`       // SQLite file path or postgres DSN.

	MaxSizeMB  int `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"` // Rotate the JSONL file at this size. 0 = never.
	MaxBackups int `json:"max_backups,omitempty" yaml:"max_backups,omitempty"` // Rotated files kept. Default: 3.
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "agentbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// GatewayConfig configures the HTTP API served by `agentbox serve`.
type GatewayConfig struct {
	ListenAddr    string   `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // Default: ":8080".
	APIKeys       []string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`       // Bearer tokens. Empty = no auth.
	MaxConcurrent int      `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
	RateLimit     int      `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // Requests per minute per API key. 0 = unlimited.
	EnableDocs    bool     `json:"enable_docs,omitempty" yaml:"enable_docs,omitempty"`
}

// Addr returns the listen address with a default of ":8080".
func (g *GatewayConfig) Addr() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// Concurrency returns the max number of concurrent sessions. Default: 4.
func (g *GatewayConfig) Concurrency() int {
	if g != nil && g.MaxConcurrent > 0 {
		return g.MaxConcurrent
	}
	return 4
}

// SchedulerConfig configures cron-scheduled prompts.
type SchedulerConfig struct {
	Enabled             bool           `json:"enabled" yaml:"enabled"`
	PollIntervalSeconds int            `json:"poll_interval_seconds,omitempty" yaml:"poll_interval_seconds,omitempty"` // Default: 30.
	Jobs                []ScheduledJob `json:"jobs,omitempty" yaml:"jobs,omitempty"`
}

// PollInterval returns the poll interval with a default of 30s.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s != nil && s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// ScheduledJob is a prompt run on a cron schedule.
type ScheduledJob struct {
	Name     string `json:"name" yaml:"name"`
	Schedule string `json:"schedule" yaml:"schedule"` // Standard 5-field cron expression.
	Prompt   string `json:"prompt" yaml:"prompt"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
}

// NotificationChannel is one destination for failure notifications.
type NotificationChannel struct {
	Name      string `json:"name" yaml:"name"`
	Type      string `json:"type" yaml:"type"`                                 // "webhook" or "slack".
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`               // webhook only.
	ChannelID string `json:"channel_id,omitempty" yaml:"channel_id,omitempty"` // slack only.
	Token     string `json:"token,omitempty" yaml:"token,omitempty"`           // slack bot token. Supports ${VAR} expansion.
	Secret    string `json:"secret,omitempty" yaml:"secret,omitempty"`         // webhook HMAC key. Supports ${VAR} expansion.
	Disabled  bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// DefaultConfigPath returns the default config file path (~/.agentbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".agentbox", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. An empty path yields the defaults. Environment variables
// take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		// Expand ~ in config path.
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}

		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".agentbox")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Agent.APIKey = v
	}
	if v := os.Getenv("AGENTBOX_PROVIDER"); v != "" {
		c.Sandbox.Provider = v
	}
	if v := os.Getenv("AGENTBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("AGENTBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("AGENTBOX_AUDIT_PATH"); v != "" {
		if c.Audit == nil {
			c.Audit = &AuditConfig{}
		}
		c.Audit.Path = v
	}
	for k, v := range c.Sandbox.Env {
		c.Sandbox.Env[k] = os.ExpandEnv(v)
	}
	for i := range c.Notifications {
		c.Notifications[i].Token = os.ExpandEnv(c.Notifications[i].Token)
		c.Notifications[i].Secret = os.ExpandEnv(c.Notifications[i].Secret)
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return ".agentbox"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// AuditLogPath returns the JSONL audit path, or "" when file audit is off.
func (c *Config) AuditLogPath() string {
	if c.Audit == nil {
		return ""
	}
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	if c.Audit.Driver == "" {
		return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
	}
	return ""
}

// AuditDSN returns the SQL audit store DSN, deriving a SQLite path under the
// data directory when none is set.
func (c *Config) AuditDSN() string {
	if c.Audit == nil || c.Audit.Driver == "" {
		return ""
	}
	if c.Audit.DSN != "" {
		return c.Audit.DSN
	}
	if c.Audit.Driver == "sqlite" {
		return filepath.Join(c.ResolvedDataDir(), "audit.db")
	}
	return ""
}

func (c *Config) validate() error {
	switch c.Sandbox.Provider {
	case "", "docker", "local", "modal":
	default:
		return fmt.Errorf("sandbox.provider %q is not supported (use docker, local or modal)", c.Sandbox.Provider)
	}
	if c.Sandbox.MemoryMiB < 0 {
		return fmt.Errorf("sandbox.memory_mib must not be negative")
	}
	if c.Sandbox.CPU < 0 {
		return fmt.Errorf("sandbox.cpu must not be negative")
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Sandbox.BlockNetwork && len(c.Sandbox.CIDRAllowlist) > 0 {
		return fmt.Errorf("sandbox.block_network and sandbox.cidr_allowlist are mutually exclusive")
	}
	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must not be negative")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported", c.LogLevel)
	}

	if c.Hooks != nil {
		if c.Hooks.ToolFilter != "" {
			if _, err := regexp.Compile(c.Hooks.ToolFilter); err != nil {
				return fmt.Errorf("hooks.tool_filter: %w", err)
			}
		}
		for i, r := range c.Hooks.Deny {
			if r.Tool == "" {
				return fmt.Errorf("hooks.deny[%d].tool is required", i)
			}
			if _, err := regexp.Compile(r.Pattern); err != nil {
				return fmt.Errorf("hooks.deny[%d].pattern: %w", i, err)
			}
		}
	}

	if c.Audit != nil {
		switch c.Audit.Driver {
		case "", "sqlite":
		case "postgres":
			if c.Audit.DSN == "" {
				return fmt.Errorf("audit.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("audit.driver %q is not supported (use sqlite or postgres)", c.Audit.Driver)
		}
	}

	if c.Scheduler != nil && c.Scheduler.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		names := make(map[string]bool, len(c.Scheduler.Jobs))
		for i, j := range c.Scheduler.Jobs {
			if j.Name == "" {
				return fmt.Errorf("scheduler.jobs[%d].name is required", i)
			}
			if names[j.Name] {
				return fmt.Errorf("scheduler.jobs[%d]: duplicate job name %q", i, j.Name)
			}
			names[j.Name] = true
			if j.Prompt == "" {
				return fmt.Errorf("scheduler.jobs[%d] (%q): prompt is required", i, j.Name)
			}
			if _, err := parser.Parse(j.Schedule); err != nil {
				return fmt.Errorf("scheduler.jobs[%d] (%q): invalid schedule: %w", i, j.Name, err)
			}
		}
	}

	notifyNames := make(map[string]bool, len(c.Notifications))
	for i, n := range c.Notifications {
		if n.Name == "" {
			return fmt.Errorf("notifications[%d].name is required", i)
		}
		if notifyNames[n.Name] {
			return fmt.Errorf("notifications[%d]: duplicate channel name %q", i, n.Name)
		}
		notifyNames[n.Name] = true
		switch n.Type {
		case "webhook":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d] (%q): url is required for webhook channels", i, n.Name)
			}
		case "slack":
			if n.ChannelID == "" || n.Token == "" {
				return fmt.Errorf("notifications[%d] (%q): channel_id and token are required for slack channels", i, n.Name)
			}
		default:
			return fmt.Errorf("notifications[%d] (%q): type must be webhook or slack", i, n.Name)
		}
	}

	// MCP server config validation.
	if c.HostTools != nil {
		mcpNames := make(map[string]bool, len(c.HostTools.MCP))
		for i, srv := range c.HostTools.MCP {
			if srv.Name == "" {
				return fmt.Errorf("host_tools.mcp[%d].name is required", i)
			}
			if mcpNames[srv.Name] {
				return fmt.Errorf("host_tools.mcp[%d]: duplicate server name %q", i, srv.Name)
			}
			mcpNames[srv.Name] = true
			switch srv.Transport {
			case "", "stdio":
				if srv.Command == "" {
					return fmt.Errorf("host_tools.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
				}
			case "sse", "streamable_http":
				if srv.URL == "" {
					return fmt.Errorf("host_tools.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
				}
			default:
				return fmt.Errorf("host_tools.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
			}
		}
	}
	return nil
}

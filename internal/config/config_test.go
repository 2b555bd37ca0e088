package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("AGENTBOX_PROVIDER", "")
	t.Setenv("TEST_TOKEN", "s3cret")

	path := writeFile(t, "agentbox.yaml", `
agent:
  model: claude-sonnet-4
  max_turns: 5
sandbox:
  provider: local
  timeout_seconds: 120
  env:
    TOKEN: ${TEST_TOKEN}
hooks:
  enabled: true
  tool_filter: "Bash|Write"
  deny:
    - tool: Bash
      pattern: 'rm\s+-rf'
host_tools:
  mcp:
    - name: github
      transport: stdio
      command: github-mcp
scheduler:
  enabled: true
  jobs:
    - name: nightly
      schedule: "0 3 * * *"
      prompt: "summarize the repo"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Model != "claude-sonnet-4" || cfg.Agent.MaxTurns != 5 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Sandbox.Provider != "local" || cfg.Sandbox.Timeout() != 2*time.Minute {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Sandbox.Env["TOKEN"] != "s3cret" {
		t.Errorf("env not expanded: %v", cfg.Sandbox.Env)
	}
	if cfg.Hooks == nil || len(cfg.Hooks.Deny) != 1 || cfg.Hooks.Deny[0].InputField() != "command" {
		t.Errorf("hooks = %+v", cfg.Hooks)
	}
	if cfg.HostTools.Timeout() != 60*time.Second {
		t.Errorf("host tool timeout = %v", cfg.HostTools.Timeout())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "agentbox.json", `{"sandbox":{"provider":"modal","modal":{"app_name":"demo"}}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Modal == nil || cfg.Sandbox.Modal.AppName != "demo" {
		t.Errorf("modal = %+v", cfg.Sandbox.Modal)
	}
}

func TestLoad_EmptyPathDefaults(t *testing.T) {
	t.Setenv("AGENTBOX_PROVIDER", "")
	t.Setenv("AGENTBOX_AUDIT_PATH", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Timeout() != time.Hour {
		t.Errorf("default timeout = %v", cfg.Sandbox.Timeout())
	}
	if cfg.Gateway.Addr() != ":8080" || cfg.Gateway.Concurrency() != 4 {
		t.Error("nil gateway should return defaults")
	}
	if cfg.Hooks.Timeout() != 30*time.Second {
		t.Error("nil hooks should return the default timeout")
	}
	if cfg.AuditLogPath() != "" {
		t.Error("audit should be off without an audit section")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	t.Setenv("AGENTBOX_PROVIDER", "local")
	t.Setenv("AGENTBOX_IMAGE", "custom:1")
	t.Setenv("AGENTBOX_AUDIT_PATH", "/tmp/agentbox-audit.jsonl")

	path := writeFile(t, "c.yaml", "agent:\n  api_key: sk-file\nsandbox:\n  provider: docker\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.APIKey != "sk-env" {
		t.Errorf("api key = %q, env should win", cfg.Agent.APIKey)
	}
	if cfg.Sandbox.Provider != "local" || cfg.Sandbox.Image != "custom:1" {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.AuditLogPath() != "/tmp/agentbox-audit.jsonl" {
		t.Errorf("audit path = %q", cfg.AuditLogPath())
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("AGENTBOX_PROVIDER", "")
	tests := []struct {
		name, yaml, want string
	}{
		{"provider", "sandbox:\n  provider: vm\n", "sandbox.provider"},
		{"network", "sandbox:\n  block_network: true\n  cidr_allowlist: [10.0.0.0/8]\n", "mutually exclusive"},
		{"filter", "hooks:\n  tool_filter: '('\n", "hooks.tool_filter"},
		{"deny tool", "hooks:\n  deny:\n    - pattern: x\n", "hooks.deny[0].tool"},
		{"audit driver", "audit:\n  driver: mysql\n", "audit.driver"},
		{"postgres dsn", "audit:\n  driver: postgres\n", "audit.dsn"},
		{"cron", "scheduler:\n  enabled: true\n  jobs:\n    - name: a\n      schedule: nope\n      prompt: p\n", "invalid schedule"},
		{"mcp url", "host_tools:\n  mcp:\n    - name: a\n      transport: sse\n", "url is required"},
		{"log level", "log_level: loud\n", "log_level"},
		{"notify type", "notifications:\n  - name: a\n    type: pager\n", "type must be webhook or slack"},
		{"notify slack", "notifications:\n  - name: a\n    type: slack\n    channel_id: C1\n", "token are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestAuditPaths(t *testing.T) {
	c := &Config{DataDir: "/data", Audit: &AuditConfig{}}
	if got := c.AuditLogPath(); got != "/data/audit.jsonl" {
		t.Errorf("AuditLogPath = %q", got)
	}
	c.Audit.Driver = "sqlite"
	if c.AuditLogPath() != "" {
		t.Error("file audit should be off when a SQL driver is selected without a path")
	}
	if got := c.AuditDSN(); got != "/data/audit.db" {
		t.Errorf("AuditDSN = %q", got)
	}
}

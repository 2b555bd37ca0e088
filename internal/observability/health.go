package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 3 * time.Second

// CheckFunc probes one dependency; a nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Status   string `json:"status"` // "ok" or "fail"
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// HealthChecker runs the registered readiness checks in parallel.
type HealthChecker struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]CheckFunc
	logger *slog.Logger
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{checks: make(map[string]CheckFunc), logger: logger}
}

// AddCheck registers check under name, replacing an earlier one with the
// same name.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

// CheckHealth reports liveness, which is "ok" while the process serves.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every check with a shared timeout. The status is
// "degraded" when any check fails.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := append([]string(nil), h.names...)
	checks := make([]CheckFunc, len(names))
	for i, n := range names {
		checks[i] = h.checks[n]
	}
	h.mu.RUnlock()

	if len(names) == 0 {
		return HealthStatus{Status: "ok"}
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(names))
	var g errgroup.Group
	for i := range names {
		g.Go(func() error {
			start := time.Now()
			err := checks[i](ctx)
			res := CheckResult{Status: "ok", Duration: time.Since(start).Round(time.Millisecond).String()}
			if err != nil {
				res.Status = "fail"
				res.Message = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{Status: "ok", Checks: make(map[string]CheckResult, len(names))}
	for i, name := range names {
		status.Checks[name] = results[i]
		if results[i].Status == "fail" {
			status.Status = "degraded"
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", name),
					slog.String("error", results[i].Message),
				)
			}
		}
	}
	return status
}

// CommandCheck returns a check that passes when the command exits zero,
// e.g. CommandCheck("docker", "version") for the docker provider.
func CommandCheck(name string, args ...string) CheckFunc {
	return func(ctx context.Context) error {
		out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
		if err == nil {
			return nil
		}
		msg := strings.TrimSpace(string(out))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("%s: %w: %s", name, err, msg)
	}
}

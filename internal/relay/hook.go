package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jkaninda/agentbox/internal/protocol"
)

// Hook events accepted by the hook command.
const (
	HookPre  = "pre"
	HookPost = "post"
)

// hookOutput is the decision document the agent CLI reads from a hook's stdout.
type hookOutput struct {
	HookSpecificOutput hookSpecificOutput `json:"hookSpecificOutput"`
}

type hookSpecificOutput struct {
	HookEventName            string         `json:"hookEventName"`
	PermissionDecision       string         `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string         `json:"permissionDecisionReason,omitempty"`
	UpdatedInput             map[string]any `json:"updatedInput,omitempty"`
}

// HookUnavailableReason is the deny reason printed in fail-closed mode when
// the bridge cannot produce a decision.
const HookUnavailableReason = "Host hook bridge unavailable"

// Hook is the command the agent CLI runs for every tool hook. It forwards
// the hook input on stdin to the bridge at endpoint and prints the CLI
// decision for pre hooks. It always returns 0. When the bridge cannot
// produce a decision a pre hook prints nothing, which the CLI treats as
// allow, unless failClosed is set, in which case it prints a deny.
func Hook(ctx context.Context, event, endpoint string, failClosed bool, stdin io.Reader, stdout io.Writer) int {
	event = strings.ToLower(event)
	if event != HookPre && event != HookPost {
		return ExitOK
	}
	input, err := io.ReadAll(stdin)
	if err != nil {
		return hookFallback(event, failClosed, fmt.Errorf("reading hook input: %w", err), stdout)
	}
	if len(bytes.TrimSpace(input)) == 0 {
		return ExitOK
	}

	d, err := forwardHook(ctx, event, endpoint, input)
	if err != nil {
		return hookFallback(event, failClosed, err, stdout)
	}
	if event == HookPre {
		if out, ok := formatDecision(d); ok {
			_, _ = fmt.Fprintln(stdout, string(out))
		}
	}
	return ExitOK
}

// forwardHook posts input to the bridge route for event. Post hooks carry no
// decision and return the zero Decision.
func forwardHook(ctx context.Context, event, endpoint string, input []byte) (Decision, error) {
	url := strings.TrimRight(endpoint, "/") + "/hooks/" + event
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(input))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Decision{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Decision{}, fmt.Errorf("bridge returned %d", resp.StatusCode)
	}
	if event == HookPost {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Decision{}, nil
	}
	var d Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return Decision{}, fmt.Errorf("decoding decision: %w", err)
	}
	return d, nil
}

// hookFallback prints the decision used when the bridge gave none. Only a
// fail-closed pre hook prints anything.
func hookFallback(event string, failClosed bool, err error, stdout io.Writer) int {
	if event != HookPre || !failClosed {
		return ExitOK
	}
	out, ok := formatDecision(Decision{
		Decision: protocol.DecisionDeny,
		Reason:   HookUnavailableReason + ": " + err.Error(),
	})
	if ok {
		_, _ = fmt.Fprintln(stdout, string(out))
	}
	return ExitOK
}

// formatDecision renders d for the CLI. A plain allow renders nothing so the
// CLI's own permission mode still applies.
func formatDecision(d Decision) ([]byte, bool) {
	spec := hookSpecificOutput{HookEventName: protocol.HookEventPreToolUse}
	switch {
	case d.Decision == protocol.DecisionDeny:
		reason := d.Reason
		if reason == "" {
			reason = protocol.DefaultDenyReason
		}
		spec.PermissionDecision = string(protocol.DecisionDeny)
		spec.PermissionDecisionReason = reason
	case d.UpdatedInput != nil:
		spec.UpdatedInput = d.UpdatedInput
	default:
		return nil, false
	}
	out, err := json.Marshal(hookOutput{HookSpecificOutput: spec})
	if err != nil {
		return nil, false
	}
	return out, true
}

package hooks

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jkaninda/agentbox/internal/config"
)

type denyRule struct {
	tool    string
	field   string
	pattern *regexp.Regexp
	reason  string
}

// DenyRules compiles declarative deny rules into a pre callback. A call is
// denied when its tool matches a rule and the rule's input field, rendered as
// a string, matches the pattern. The first matching rule wins.
func DenyRules(rules []config.DenyRule) (PreHook, error) {
	compiled := make([]denyRule, 0, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("deny rule %d (%s): %w", i, r.Tool, err)
		}
		reason := r.Reason
		if reason == "" {
			reason = fmt.Sprintf("%s blocked by policy: %s matches %q", r.Tool, r.InputField(), r.Pattern)
		}
		compiled = append(compiled, denyRule{
			tool:    r.Tool,
			field:   r.InputField(),
			pattern: re,
			reason:  reason,
		})
	}

	return func(_ context.Context, in PreToolUseInput) (Decision, error) {
		for _, r := range compiled {
			if r.tool != in.ToolName {
				continue
			}
			v, ok := in.ToolInput[r.field]
			if !ok {
				continue
			}
			s, isString := v.(string)
			if !isString {
				s = fmt.Sprint(v)
			}
			if r.pattern.MatchString(s) {
				return Deny(r.reason), nil
			}
		}
		return Allow(), nil
	}, nil
}

// FromConfig builds a hook Config from the file configuration, or nil when
// hooks are disabled. extra callbacks run after the deny rules.
func FromConfig(cfg *config.HooksConfig, extra ...PreHook) (*Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	out := &Config{
		ToolFilter: cfg.ToolFilter,
		Timeout:    cfg.Timeout(),
		FailClosed: cfg.FailClosed,
	}
	if len(cfg.Deny) > 0 {
		deny, err := DenyRules(cfg.Deny)
		if err != nil {
			return nil, err
		}
		out.PreToolUse = append(out.PreToolUse, deny)
	}
	out.PreToolUse = append(out.PreToolUse, extra...)
	return out, nil
}

package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// WildcardType on a rule matches every hook event type.
const WildcardType = "any"

// Rule tags events whose type matches HookEventType (exactly, or via the
// wildcard) and whose serialized payload matches PayloadMatch. Patterns
// are matched case-insensitively; an empty pattern never matches.
type Rule struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	HookEventType string   `json:"hook_event_type"`
	PayloadMatch  string   `json:"payload_match"`
	AutoTag       []string `json:"auto_tag"`
}

// CompileError reports a rule whose pattern failed to compile. The whole
// rule set update is rejected; the previous set stays active.
type CompileError struct {
	Rule string
	Err  error
}

func (e CompileError) Error() string { return fmt.Sprintf("rule %q: %v", e.Rule, e.Err) }

func (e CompileError) Unwrap() error { return e.Err }

type compiledRule struct {
	rule    Rule
	pattern *regexp.Regexp
}

type Engine struct {
	mu     sync.RWMutex
	active []compiledRule
}

func NewEngine() *Engine {
	return &Engine{}
}

// SetRules replaces the whole active set atomically. Everything is
// compiled and validated before the swap, so a bad rule leaves the
// previous set untouched.
func (e *Engine) SetRules(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return fmt.Errorf("rule name is required")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate rule name %q", name)
		}
		seen[name] = struct{}{}

		entry := compiledRule{rule: rule}
		if rule.PayloadMatch != "" {
			pattern, err := regexp.Compile("(?i)" + rule.PayloadMatch)
			if err != nil {
				return CompileError{Rule: rule.Name, Err: err}
			}
			entry.pattern = pattern
		}
		compiled = append(compiled, entry)
	}

	e.mu.Lock()
	e.active = compiled
	e.mu.Unlock()
	return nil
}

// Rules returns a copy of the active set.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.active))
	for i, entry := range e.active {
		out[i] = entry.rule
	}
	return out
}

// Evaluate returns the tags every matching rule contributes for an event,
// in rule order, de-duplicated. The payload is matched as serialized JSON
// text, so a pattern can span key names and values.
func (e *Engine) Evaluate(hookEventType string, payload map[string]any) []string {
	e.mu.RLock()
	active := e.active
	e.mu.RUnlock()
	if len(active) == 0 {
		return nil
	}

	text := "{}"
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil
		}
		text = string(data)
	}

	var out []string
	for _, entry := range active {
		if entry.rule.HookEventType != WildcardType && entry.rule.HookEventType != hookEventType {
			continue
		}
		if entry.pattern == nil || !entry.pattern.MatchString(text) {
			continue
		}
		for _, tag := range entry.rule.AutoTag {
			if tag == "" || containsTag(out, tag) {
				continue
			}
			out = append(out, tag)
		}
	}
	return out
}

func containsTag(list []string, tag string) bool {
	for _, v := range list {
		if v == tag {
			return true
		}
	}
	return false
}

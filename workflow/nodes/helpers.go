// Package nodes is the built-in node pack: every handler the engine ships
// with, registered under its dotted type identifier.
package nodes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lyzr/supervisor/services"
	"github.com/lyzr/supervisor/workflow/registry"
)

// Config values arrive resolved but untyped; these helpers coerce the
// shapes JSON decoding and template resolution produce.

func getString(cfg map[string]any, key string) string {
	switch v := cfg[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func getStringDefault(cfg map[string]any, key, fallback string) string {
	if s, ok := cfg[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func requireString(cfg map[string]any, key string) (string, error) {
	s, ok := cfg[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("config %q is required", key)
	}
	return s, nil
}

func getInt(cfg map[string]any, key string, fallback int) int {
	switch n := cfg[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	default:
		return fallback
	}
}

func getBool(cfg map[string]any, key string, fallback bool) bool {
	switch b := cfg[key].(type) {
	case bool:
		return b
	case string:
		if b == "true" {
			return true
		}
		if b == "false" {
			return false
		}
		return fallback
	default:
		return fallback
	}
}

func getMap(cfg map[string]any, key string) map[string]any {
	m, _ := cfg[key].(map[string]any)
	return m
}

// getSlice accepts a native array or a JSON array string.
func getSlice(cfg map[string]any, key string) []any {
	switch v := cfg[key].(type) {
	case []any:
		return v
	case string:
		var parsed []any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			return parsed
		}
		return nil
	default:
		return nil
	}
}

func getStrings(cfg map[string]any, key string) []string {
	var out []string
	for _, v := range getSlice(cfg, key) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		if s, ok := cfg[key].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getDuration(cfg map[string]any, key string, fallback time.Duration) time.Duration {
	if n := getInt(cfg, key, 0); n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}

// Service accessors fail the node when the collaborator is not wired.

func svcs(eng registry.Engine) (*services.Registry, error) {
	if eng == nil || eng.Services() == nil {
		return nil, fmt.Errorf("service registry not available")
	}
	return eng.Services(), nil
}

func kanbanOf(eng registry.Engine) (services.Kanban, error) {
	s, err := svcs(eng)
	if err != nil {
		return nil, err
	}
	if s.Kanban == nil {
		return nil, fmt.Errorf("kanban service not configured")
	}
	return s.Kanban, nil
}

func gitOf(eng registry.Engine) (services.Git, error) {
	s, err := svcs(eng)
	if err != nil {
		return nil, err
	}
	if s.Git == nil {
		return nil, fmt.Errorf("git service not configured")
	}
	return s.Git, nil
}

func worktreesOf(eng registry.Engine) (services.Worktrees, error) {
	s, err := svcs(eng)
	if err != nil {
		return nil, err
	}
	if s.Worktrees == nil {
		return nil, fmt.Errorf("worktree service not configured")
	}
	return s.Worktrees, nil
}

func agentPoolOf(eng registry.Engine) (services.AgentPool, error) {
	s, err := svcs(eng)
	if err != nil {
		return nil, err
	}
	if s.AgentPool == nil {
		return nil, fmt.Errorf("agent pool not configured")
	}
	return s.AgentPool, nil
}

func claimsOf(eng registry.Engine) (services.Claims, error) {
	s, err := svcs(eng)
	if err != nil {
		return nil, err
	}
	if s.Claims == nil {
		return nil, fmt.Errorf("claims service not configured")
	}
	return s.Claims, nil
}

func telegramOf(eng registry.Engine) (services.Telegram, error) {
	s, err := svcs(eng)
	if err != nil {
		return nil, err
	}
	if s.Telegram == nil {
		return nil, fmt.Errorf("telegram service not configured")
	}
	return s.Telegram, nil
}

func slotsOf(eng registry.Engine) (*services.SlotPool, error) {
	s, err := svcs(eng)
	if err != nil {
		return nil, err
	}
	if s.Slots == nil {
		return nil, fmt.Errorf("slot pool not configured")
	}
	return s.Slots, nil
}

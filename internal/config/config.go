// Package config implements the hierarchical, read-only config tree (§6)
// loaded from TOML, matching the teacher's preference for
// github.com/pelletier/go-toml/v2 over hand-rolled flag parsing.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Tree is a concurrency-safe, read-only view over a loaded TOML document.
// Keys are dotted paths, e.g. "general.router_port".
type Tree struct {
	mu   sync.RWMutex
	data map[string]any
}

// Load parses path as TOML into a new Tree.
func Load(path string) (*Tree, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var data map[string]any
	if err := toml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return &Tree{data: data}, nil
}

// GetOptVar returns the string at the dotted key, if present.
func (t *Tree) GetOptVar(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok := lookup(t.data, strings.Split(key, "."))
	if !ok {
		return "", false
	}
	s, ok := toString(v)
	return s, ok
}

// GetVar returns the string at key, panicking if absent — a startup-time
// misconfiguration, not a recoverable runtime condition.
func (t *Tree) GetVar(key string) string {
	v, ok := t.GetOptVar(key)
	if !ok {
		panic(fmt.Sprintf("config: required key %q is not set", key))
	}
	return v
}

// GetOptStringList returns a string-list value at key, if present — used
// for general.user_agents and proxy.list.
func (t *Tree) GetOptStringList(key string) ([]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok := lookup(t.data, strings.Split(key, "."))
	if !ok {
		return nil, false
	}

	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := toString(item); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func lookup(data map[string]any, path []string) (any, bool) {
	var cur any = data
	for _, segment := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case int64:
		return fmt.Sprintf("%d", t), true
	case float64:
		return fmt.Sprintf("%v", t), true
	default:
		return "", false
	}
}

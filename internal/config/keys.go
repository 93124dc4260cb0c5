package config

import (
	"fmt"
	"strings"
)

// secrets are the dotted keys whose values are never printed in full.
var secrets = map[string]bool{
	"remote.token": true,
}

// Secret reports whether a dotted key holds a credential.
func Secret(key string) bool {
	return secrets[key]
}

// MaskValue hides a secret behind its last four characters. Values of other
// keys, and empty or non-string secrets, are returned as is.
func MaskValue(key string, v any) any {
	s, ok := v.(string)
	if !secrets[key] || !ok || s == "" {
		return v
	}
	if n := len(s); n > 4 {
		s = s[n-4:]
	}
	return "***" + s
}

// leaves walks a decoded config tree and returns every scalar under its
// dotted key. Empty sections contribute nothing.
func leaves(tree map[string]any) map[string]any {
	out := map[string]any{}
	var walk func(prefix []string, node map[string]any)
	walk = func(prefix []string, node map[string]any) {
		for name, v := range node {
			key := append(prefix[:len(prefix):len(prefix)], name)
			if section, ok := v.(map[string]any); ok {
				walk(key, section)
				continue
			}
			out[strings.Join(key, ".")] = v
		}
	}
	walk(nil, tree)
	return out
}

// lookup returns the scalar stored under a dotted key.
func lookup(tree map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	node := tree
	for _, name := range parts[:len(parts)-1] {
		section, ok := node[name].(map[string]any)
		if !ok {
			return nil, false
		}
		node = section
	}
	v, ok := node[parts[len(parts)-1]]
	if _, isSection := v.(map[string]any); isSection {
		return nil, false
	}
	return v, ok
}

// assign stores v under a dotted key, creating sections on the way. A
// scalar standing where a section is needed is replaced.
func assign(tree map[string]any, key string, v any) error {
	parts := strings.Split(key, ".")
	for _, name := range parts {
		if name == "" {
			return fmt.Errorf("invalid config key: %q", key)
		}
	}
	node := tree
	for _, name := range parts[:len(parts)-1] {
		section, ok := node[name].(map[string]any)
		if !ok {
			section = map[string]any{}
			node[name] = section
		}
		node = section
	}
	node[parts[len(parts)-1]] = v
	return nil
}

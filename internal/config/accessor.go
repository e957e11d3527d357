package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// The accessors below operate on the JSON form of Config, so paths use the
// json tag names ("rateLimit.maxRequests", "providers.openai.apiKey").

type tree = map[string]any

func toTree(cfg *Config) (tree, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	t := tree{}
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode config tree: %w", err)
	}
	return t, nil
}

func fromTree(t tree, into *Config) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode config tree: %w", err)
	}
	return json.Unmarshal(raw, into)
}

// GetByPath returns the value at a dotted path. Numeric segments index
// into lists.
func GetByPath(cfg *Config, path string) (any, error) {
	t, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	var node any = t
	for _, seg := range strings.Split(path, ".") {
		node, err = step(node, seg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return node, nil
}

func step(node any, seg string) (any, error) {
	switch n := node.(type) {
	case tree:
		v, ok := n[seg]
		if !ok {
			return nil, fmt.Errorf("no key %q", seg)
		}
		return v, nil
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(n) {
			return nil, fmt.Errorf("bad index %q", seg)
		}
		return n[i], nil
	}
	return nil, fmt.Errorf("%q is not a section", seg)
}

// SetByPath writes value at a dotted path, creating missing sections.
// String values that look like booleans or numbers are stored as such.
func SetByPath(cfg *Config, path string, value any) error {
	segs := strings.Split(path, ".")
	if path == "" || len(segs) == 0 {
		return errors.New("empty config path")
	}
	t, err := toTree(cfg)
	if err != nil {
		return err
	}

	section := t
	for _, seg := range segs[:len(segs)-1] {
		switch next := section[seg].(type) {
		case tree:
			section = next
		case nil:
			created := tree{}
			section[seg] = created
			section = created
		default:
			return fmt.Errorf("%s: %q holds a %T, not a section", path, seg, next)
		}
	}
	section[segs[len(segs)-1]] = coerce(value)
	return fromTree(t, cfg)
}

func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a deep copy of cfg with API keys and tokens masked.
func Sanitize(cfg *Config) *Config {
	t, err := toTree(cfg)
	if err != nil {
		return cfg
	}
	out := &Config{}
	if err := fromTree(t, out); err != nil {
		return cfg
	}

	for name, p := range out.Providers {
		p.APIKey = mask(p.APIKey)
		out.Providers[name] = p
	}
	out.Transcription.APIKey = mask(out.Transcription.APIKey)
	out.Channels.Telegram.Token = mask(out.Channels.Telegram.Token)
	return out
}

func mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "***"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}

// ResolveEnv expands ${VAR} references in an in-memory config the way Load
// does for a file.
func ResolveEnv(cfg *Config) (*Config, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	out := &Config{}
	if err := json.Unmarshal([]byte(ExpandEnvVars(string(raw))), out); err != nil {
		return nil, fmt.Errorf("decode expanded config: %w", err)
	}
	return out, nil
}

// ListPaths flattens cfg into leaf path/value pairs. Lists are leaves.
func ListPaths(cfg *Config) map[string]any {
	t, err := toTree(cfg)
	if err != nil {
		return nil
	}
	leaves := map[string]any{}
	var walk func(prefix string, n tree)
	walk = func(prefix string, n tree) {
		for k, v := range n {
			if prefix != "" {
				k = prefix + "." + k
			}
			if sub, ok := v.(tree); ok {
				walk(k, sub)
				continue
			}
			leaves[k] = v
		}
	}
	walk("", t)
	return leaves
}

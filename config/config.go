// Package config normalizes raw settings into an immutable Configuration:
// named inference provider entries and named tool server entries. Secret
// values may be written as ${VAR} placeholders and are resolved against the
// process environment at build time; a missing variable fails resolution
// rather than silently substituting an empty string.
//
// Parsing settings from disk or flags is the caller's concern; this package
// only validates and resolves an already-decoded Settings value.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
)

// Error reports a malformed settings entry or an unresolvable secret
// placeholder. Fatal at startup; never recovered from.
type Error struct {
	Entry      string // settings entry the problem was found in
	Reason     string
	MissingVar string // set when a ${VAR} placeholder had no value
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.MissingVar != "" {
		return fmt.Sprintf("config entry %q: environment variable %s is not set", e.Entry, e.MissingVar)
	}
	return fmt.Sprintf("config entry %q: %s", e.Entry, e.Reason)
}

// ProviderSettings is one raw inference provider entry.
type ProviderSettings struct {
	Kind        string  `json:"kind"` // "openai", "anthropic", "mock"
	Model       string  `json:"model"`
	BaseURL     string  `json:"base_url,omitempty"`
	APIKey      string  `json:"api_key,omitempty"` // literal or ${VAR}
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int64   `json:"max_tokens,omitempty"`
}

// ServerSettings is one raw tool server entry describing how to launch the
// provider process. Args and Env values may contain ${VAR} placeholders.
type ServerSettings struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Settings is the raw, unvalidated input to Resolve.
type Settings struct {
	Providers   map[string]ProviderSettings `json:"providers"`
	ToolServers map[string]ServerSettings   `json:"tool_servers"`
}

// Provider is a resolved, validated inference provider entry.
type Provider struct {
	Name        string
	Kind        string
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int64
}

// ToolServerSpec identifies how to start one tool provider process. All
// placeholders are resolved; values are ready for exec.
type ToolServerSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// Config is the immutable output of Resolve.
type Config struct {
	Providers   map[string]Provider
	ToolServers map[string]ToolServerSpec
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Resolve validates settings and expands ${VAR} placeholders against the
// environment. It is pure apart from reading environment variables.
func Resolve(settings Settings) (*Config, error) {
	cfg := &Config{
		Providers:   make(map[string]Provider, len(settings.Providers)),
		ToolServers: make(map[string]ToolServerSpec, len(settings.ToolServers)),
	}

	for name, ps := range settings.Providers {
		if ps.Kind == "" {
			return nil, &Error{Entry: name, Reason: "provider kind is required"}
		}
		if ps.Model == "" {
			return nil, &Error{Entry: name, Reason: "model id is required"}
		}
		baseURL, err := expand(name, ps.BaseURL)
		if err != nil {
			return nil, err
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || !u.IsAbs() || u.Host == "" {
				return nil, &Error{Entry: name, Reason: fmt.Sprintf("base_url %q is not an absolute URL", baseURL)}
			}
		}
		apiKey, err := expand(name, ps.APIKey)
		if err != nil {
			return nil, err
		}
		cfg.Providers[name] = Provider{
			Name:        name,
			Kind:        ps.Kind,
			Model:       ps.Model,
			BaseURL:     baseURL,
			APIKey:      apiKey,
			Temperature: ps.Temperature,
			MaxTokens:   ps.MaxTokens,
		}
	}

	for name, ss := range settings.ToolServers {
		if ss.Command == "" {
			return nil, &Error{Entry: name, Reason: "command is required"}
		}
		command, err := expand(name, ss.Command)
		if err != nil {
			return nil, err
		}
		args := make([]string, len(ss.Args))
		for i, a := range ss.Args {
			v, err := expand(name, a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		var env map[string]string
		if len(ss.Env) > 0 {
			env = make(map[string]string, len(ss.Env))
			for k, raw := range ss.Env {
				v, err := expand(name, raw)
				if err != nil {
					return nil, err
				}
				env[k] = v
			}
		}
		cfg.ToolServers[name] = ToolServerSpec{Name: name, Command: command, Args: args, Env: env}
	}

	return cfg, nil
}

// expand substitutes every ${VAR} in value from the environment, failing
// closed on the first variable without a value.
func expand(entry, value string) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(value, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", &Error{Entry: entry, MissingVar: missing}
	}
	return out, nil
}

// Redact masks secret-bearing values for safe logging. Short secrets are
// fully masked; longer ones keep a four character prefix.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", 4)
}

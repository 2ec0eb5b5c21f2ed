package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// envPattern matches `{{ env.NAME }}`, spec.md's External Interfaces
// substitution syntax. It is applied to the raw YAML text before
// unmarshaling, so it works uniformly across every string field without a
// per-field reflection walk (unlike the teacher's AGENTFLOW_-prefixed env
// overlay, which overlays whole fields rather than substituting inside
// them — spec.md asks for in-string templating instead).
var envPattern = regexp.MustCompile(`\{\{\s*env\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Loader loads and validates a Config, mirroring the teacher's
// config.Loader builder (WithConfigPath/WithValidator/Load).
type Loader struct {
	path       string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default Lifecycle validators from
// spec §3 already registered.
func NewLoader() *Loader {
	return &Loader{validators: []func(*Config) error{validateProviders, validateGroups, validateMCP}}
}

// WithConfigPath sets the YAML file path to load.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

// WithValidator registers an additional validation pass.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load reads the YAML file, substitutes `{{ env.NAME }}` references
// (aborting if any referenced variable is unset, per spec.md's
// "Unresolved env vars abort startup"), unmarshals into Config, and runs
// every registered validator.
func (l *Loader) Load() (*Config, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	substituted, err := substituteEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(substituted), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	for _, v := range l.validators {
		if err := v(&cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}
	return &cfg, nil
}

func substituteEnv(text string) (string, error) {
	var missing []string
	out := envPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// validateProviders enforces spec §3 Lifecycle: every provider has at least
// one explicit model or a model_filter; filters must be non-empty and
// contain no "/"; forward_token is rejected for Bedrock.
func validateProviders(cfg *Config) error {
	for _, p := range cfg.LLM.Providers {
		if len(p.Models) == 0 && p.ModelFilter == "" {
			return fmt.Errorf("provider %q: must declare at least one explicit model or a model_filter", p.Name)
		}
		if p.ModelFilter != "" && strings.Contains(p.ModelFilter, "/") {
			return fmt.Errorf("provider %q: model_filter must not contain '/'", p.Name)
		}
		if p.Kind == "bedrock" && p.ForwardToken {
			return fmt.Errorf("provider %q: forward_token is not allowed for Bedrock", p.Name)
		}
	}
	return nil
}

// validateGroups enforces that every group referenced by a rate-limit tree
// appears in identity.group_values.
func validateGroups(cfg *Config) error {
	declared := make(map[string]bool, len(cfg.Identity.GroupValues))
	for _, g := range cfg.Identity.GroupValues {
		declared[g] = true
	}
	check := func(scope string, grl *GroupRateLimit) error {
		if grl == nil {
			return nil
		}
		for g := range grl.Groups {
			if !declared[g] {
				return fmt.Errorf("%s: group %q referenced in rate_limit but not declared in identity.group_values", scope, g)
			}
		}
		return nil
	}
	for _, p := range cfg.LLM.Providers {
		if err := check(fmt.Sprintf("provider %q", p.Name), p.RateLimit); err != nil {
			return err
		}
		for _, m := range p.Models {
			if err := check(fmt.Sprintf("provider %q model %q", p.Name, m.ID), m.RateLimit); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateMCP enforces that downstream server transports are internally
// consistent (the transport-specific config block matching Transport is
// present).
func validateMCP(cfg *Config) error {
	for _, s := range cfg.MCP {
		switch s.Transport {
		case "stdio":
			if s.Stdio == nil {
				return fmt.Errorf("mcp server %q: transport=stdio requires a stdio block", s.Name)
			}
		case "http":
			if s.HTTP == nil {
				return fmt.Errorf("mcp server %q: transport=http requires an http block", s.Name)
			}
		case "sse":
			if s.SSE == nil {
				return fmt.Errorf("mcp server %q: transport=sse requires an sse block", s.Name)
			}
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q", s.Name, s.Transport)
		}
	}
	return nil
}

package llm

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/grafbase/nexus/config"
	"github.com/grafbase/nexus/llm/providers/anthropic"
	"github.com/grafbase/nexus/llm/providers/bedrock"
	"github.com/grafbase/nexus/llm/providers/google"
	"github.com/grafbase/nexus/llm/providers/openai"
)

// BuildProviderSpecs translates config.ProviderConfig entries into the
// ProviderSpec + provider-client instances NewRouter consumes, compiling
// each header rule's regex pattern once at startup rather than per-call.
// Grounded on the teacher's own provider-registry bootstrap
// (cmd/agentflow/server.go's handler wiring), generalized from a single
// hardcoded provider kind to spec §4.3's four-kind registry.
func BuildProviderSpecs(ctx context.Context, providers []config.ProviderConfig, logger *zap.Logger) ([]ProviderSpec, error) {
	specs := make([]ProviderSpec, 0, len(providers))
	for _, p := range providers {
		headers, err := headerRulesFromConfig(p.Headers)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.Name, err)
		}
		var modelFilter *regexp.Regexp
		if p.ModelFilter != "" {
			modelFilter, err = regexp.Compile(p.ModelFilter)
			if err != nil {
				return nil, fmt.Errorf("provider %q: invalid model_filter: %w", p.Name, err)
			}
		}
		explicitModels := make([]ExplicitModel, 0, len(p.Models))
		for _, m := range p.Models {
			modelHeaders, err := headerRulesFromConfig(m.Headers)
			if err != nil {
				return nil, fmt.Errorf("provider %q model %q: %w", p.Name, m.ID, err)
			}
			explicitModels = append(explicitModels, ExplicitModel{
				ID: m.ID, Rename: m.Rename, Headers: modelHeaders, RateLimit: m.RateLimit,
			})
		}

		client, err := buildClient(ctx, p, headers, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.Name, err)
		}

		specs = append(specs, ProviderSpec{
			Name: p.Name, Client: client, ModelFilter: modelFilter,
			ExplicitModels: explicitModels, Headers: headers, RateLimit: p.RateLimit,
		})
	}
	return specs, nil
}

func buildClient(ctx context.Context, p config.ProviderConfig, headers []HeaderRule, logger *zap.Logger) (Provider, error) {
	switch p.Kind {
	case "openai":
		return openai.New(openai.Config{
			Name: p.Name, APIKey: p.APIKey, BaseURL: p.BaseURL,
			ForwardToken: p.ForwardToken, Timeout: p.Timeout, Headers: headers,
		}, logger), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{
			Name: p.Name, APIKey: p.APIKey, BaseURL: p.BaseURL,
			ForwardToken: p.ForwardToken, Timeout: p.Timeout, Headers: headers,
		}, logger), nil
	case "google":
		return google.New(google.Config{
			Name: p.Name, APIKey: p.APIKey, BaseURL: p.BaseURL,
			ForwardToken: p.ForwardToken, Timeout: p.Timeout, Headers: headers,
		}, logger), nil
	case "bedrock":
		return bedrock.New(ctx, bedrock.Config{
			Name: p.Name, Region: p.AWSRegion, Profile: p.AWSProfile, Timeout: p.Timeout, Headers: headers,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}

func headerRulesFromConfig(rules []config.HeaderRuleConfig) ([]HeaderRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	out := make([]HeaderRule, 0, len(rules))
	for _, r := range rules {
		rule := HeaderRule{
			Kind: HeaderRuleKind(r.Kind), Name: r.Name, Default: r.Default, Rename: r.Rename, Value: r.Value,
		}
		if r.Pattern != "" {
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid header pattern %q: %w", r.Pattern, err)
			}
			rule.Pattern = re
		}
		out = append(out, rule)
	}
	return out, nil
}

package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grafbase/nexus/config"
	"github.com/grafbase/nexus/internal/nexuserr"
)

// DiscoveryInterval is how often the background task refreshes the
// ModelMap, per spec §3 Steady-state.
const DiscoveryInterval = 5 * time.Minute

// ExplicitModel is one statically configured model entry under a provider.
type ExplicitModel struct {
	ID        string // exposed id within the provider
	Rename    string // upstream id, when it differs from ID; empty means ID is also the upstream id
	Headers   []HeaderRule           // model-level header rules; replace (not merge with) the provider's, per spec §4.3
	RateLimit *config.GroupRateLimit // model-level LLM token-rate-limit tree (spec §4.1)
}

// ProviderSpec is the routing-relevant slice of a provider's configuration:
// its registered client, and the discovery rules from spec §3/§4.3.
type ProviderSpec struct {
	Name           string
	Client         Provider
	ModelFilter    *regexp.Regexp // nil means "explicit models only, no discovery filter applied"
	ExplicitModels []ExplicitModel
	Headers        []HeaderRule           // provider-level header rules, used when the resolved model declares none
	RateLimit      *config.GroupRateLimit // provider-level LLM token-rate-limit tree (spec §4.1)
}

func (p ExplicitModel) upstreamID() string {
	if p.Rename != "" {
		return p.Rename
	}
	return p.ID
}

// Router owns the provider registry and the ModelMap watch, and resolves
// model names to dispatchable providers. Grounded on the teacher's
// llm/router.go Router struct shape (providers map + logger + background
// task lifecycle), with the DB-backed canary/health/tag strategies replaced
// by spec §4.3's ModelMap-snapshot resolution — Nexus has no model registry
// database, routing is config- and discovery-driven.
type Router struct {
	mu        sync.RWMutex
	providers map[string]ProviderSpec
	watch     *ModelMapWatch
	logger    *zap.Logger

	refreshCancel context.CancelFunc
}

// NewRouter constructs a Router over the given provider specs. It does not
// start discovery; call DiscoverAll once at startup (fatal on error per spec
// §3 Lifecycle) before calling StartBackgroundRefresh.
func NewRouter(specs []ProviderSpec, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	providers := make(map[string]ProviderSpec, len(specs))
	for _, s := range specs {
		providers[s.Name] = s
	}
	return &Router{
		providers: providers,
		watch:     NewModelMapWatch(),
		logger:    logger.With(zap.String("component", "llm_router")),
	}
}

// ModelMap returns the current snapshot for callers needing to enumerate
// models (GET /llm/openai/v1/models) or report its size.
func (r *Router) ModelMap() *ModelMap { return r.watch.Current() }

// Provider returns the registered client for a provider name.
func (r *Router) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, false
	}
	return p.Client, true
}

// Resolved is the outcome of resolving a caller-supplied model string.
type Resolved struct {
	Provider     Provider
	ProviderName string
	UpstreamID   string
	// HeaderRules is the rule set a dispatcher should apply for this call:
	// the matched explicit model's rules when it declares any, the
	// provider's rules otherwise (spec §4.3: "model-level rules replace
	// provider-level rules, not merge").
	HeaderRules []HeaderRule
	// ProviderRateLimit and ModelRateLimit are the token-rate-limit trees
	// (spec §4.1) a dispatcher should pass to ratelimit.ResolveLLMSpec;
	// ModelRateLimit is nil when the resolved model declared none, in which
	// case ResolveLLMSpec already falls back to the provider's tree.
	ProviderRateLimit *config.GroupRateLimit
	ModelRateLimit    *config.GroupRateLimit
}

// Resolve implements spec §4.3's two-path resolution: "provider/model"
// splits and looks up the provider's explicit model directly; a bare name
// consults the current ModelMap snapshot.
func (r *Router) Resolve(model string) (Resolved, error) {
	if model == "" {
		return Resolved{}, nexuserr.New(nexuserr.KindInvalidRequest, "model is required")
	}
	if idx := strings.IndexByte(model, '/'); idx >= 0 {
		providerName, modelID := model[:idx], model[idx+1:]
		r.mu.RLock()
		spec, ok := r.providers[providerName]
		r.mu.RUnlock()
		if !ok {
			return Resolved{}, nexuserr.New(nexuserr.KindModelNotFound, fmt.Sprintf("provider %q not configured", providerName))
		}
		for _, em := range spec.ExplicitModels {
			if em.ID == modelID {
				return Resolved{
					Provider: spec.Client, ProviderName: providerName, UpstreamID: em.upstreamID(),
					HeaderRules:       headerRulesFor(spec, em),
					ProviderRateLimit: spec.RateLimit, ModelRateLimit: em.RateLimit,
				}, nil
			}
		}
		// Not explicit; fall through to the published snapshot in case it
		// was discovered under this provider.
		if entry, ok := r.watch.Current().Qualified(providerName, modelID); ok {
			return Resolved{
				Provider: spec.Client, ProviderName: providerName, UpstreamID: entry.UpstreamID,
				HeaderRules:       spec.Headers,
				ProviderRateLimit: spec.RateLimit,
			}, nil
		}
		return Resolved{}, nexuserr.New(nexuserr.KindModelNotFound, fmt.Sprintf("Model '%s' not found", modelID))
	}

	entry, ok := r.watch.Current().Bare(model)
	if !ok {
		return Resolved{}, nexuserr.New(nexuserr.KindModelNotFound, fmt.Sprintf("Model '%s' not found", model))
	}
	r.mu.RLock()
	spec, ok := r.providers[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return Resolved{}, nexuserr.New(nexuserr.KindModelNotFound, fmt.Sprintf("Model '%s' not found", model))
	}
	var headerRules []HeaderRule
	var modelRateLimit *config.GroupRateLimit
	for _, em := range spec.ExplicitModels {
		if em.upstreamID() == entry.UpstreamID {
			headerRules = headerRulesFor(spec, em)
			modelRateLimit = em.RateLimit
			break
		}
	}
	if headerRules == nil {
		headerRules = spec.Headers
	}
	return Resolved{
		Provider: spec.Client, ProviderName: entry.Provider, UpstreamID: entry.UpstreamID,
		HeaderRules:       headerRules,
		ProviderRateLimit: spec.RateLimit, ModelRateLimit: modelRateLimit,
	}, nil
}

// headerRulesFor implements spec §4.3's replace-not-merge precedence: a
// model that declares its own header rules fully shadows its provider's.
func headerRulesFor(spec ProviderSpec, em ExplicitModel) []HeaderRule {
	if len(em.Headers) > 0 {
		return em.Headers
	}
	return spec.Headers
}

// DiscoverAll runs one discovery pass across every provider concurrently
// and publishes the resulting snapshot. Per spec §3 Lifecycle this call is
// fatal at startup: if any provider's ListModels fails, the error is
// returned and the caller must abort startup without publishing anything.
func (r *Router) DiscoverAll(ctx context.Context) error {
	snapshot, err := r.discoverOnce(ctx)
	if err != nil {
		return err
	}
	r.watch.Publish(snapshot)
	return nil
}

type discoveryResult struct {
	provider string
	models   []Model
	err      error
}

func (r *Router) discoverOnce(ctx context.Context) (*ModelMap, error) {
	r.mu.RLock()
	specs := make([]ProviderSpec, 0, len(r.providers))
	for _, s := range r.providers {
		specs = append(specs, s)
	}
	r.mu.RUnlock()

	results := make(chan discoveryResult, len(specs))
	for _, s := range specs {
		go func(s ProviderSpec) {
			models, err := s.Client.ListModels(ctx)
			results <- discoveryResult{provider: s.Name, models: models, err: err}
		}(s)
	}

	byProvider := make(map[string][]Model, len(specs))
	for range specs {
		res := <-results
		if res.err != nil {
			return nil, nexuserr.Wrap(nexuserr.KindConnectionError, fmt.Sprintf("provider %q model discovery failed", res.provider), res.err).WithProvider(res.provider)
		}
		byProvider[res.provider] = res.models
	}

	builder := newModelMapBuilder()
	// Configuration order matters for first-wins bare-name dedup; iterate
	// the original spec slice, not the map, to preserve it.
	r.mu.RLock()
	orderedSpecs := make([]ProviderSpec, 0, len(r.providers))
	for _, s := range specs {
		orderedSpecs = append(orderedSpecs, s)
	}
	r.mu.RUnlock()

	for _, s := range orderedSpecs {
		for _, em := range s.ExplicitModels {
			builder.AddQualified(s.Name, em.ID, em.upstreamID())
		}
		for _, m := range byProvider[s.Name] {
			if s.ModelFilter == nil || !s.ModelFilter.MatchString(m.ID) {
				continue
			}
			builder.AddQualified(s.Name, m.ID, m.ID)
			if !builder.AddBare(s.Name, m.ID, m.ID) {
				r.logger.Warn("duplicate bare model name, keeping first-configured provider",
					zap.String("model", m.ID), zap.String("provider", s.Name))
			}
		}
	}
	return builder.Build(), nil
}

// StartBackgroundRefresh launches the steady-state 5-minute discovery loop.
// On failure the previous snapshot is kept (spec §3 Steady-state) and the
// error is logged, not returned — only the initial DiscoverAll is fatal.
func (r *Router) StartBackgroundRefresh(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.refreshCancel = cancel
	ticker := time.NewTicker(DiscoveryInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snapshot, err := r.discoverOnce(ctx)
				if err != nil {
					r.logger.Warn("model discovery refresh failed, keeping previous snapshot", zap.Error(err))
					continue
				}
				r.watch.Publish(snapshot)
			}
		}
	}()
}

// Stop halts the background refresh loop.
func (r *Router) Stop() {
	if r.refreshCancel != nil {
		r.refreshCancel()
	}
}

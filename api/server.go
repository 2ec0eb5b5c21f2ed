// Server composes every route and the fixed middleware chain spec §4.4
// mandates: logging -> metrics -> trace-context -> OAuth2 validation -> client
// identification -> HTTP rate-limit -> route handler. Grounded on the
// teacher's cmd/agentflow/server.go route-registration style (net/http
// ServeMux, no third-party router — the teacher itself uses the stdlib
// mux for its own HTTP surface).
package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/grafbase/nexus/config"
	"github.com/grafbase/nexus/internal/metrics"
	"github.com/grafbase/nexus/llm"
	"github.com/grafbase/nexus/mcp"
	"github.com/grafbase/nexus/ratelimit"
)

// skipAuthPaths never require OAuth2 validation, per spec §4.4.
var skipAuthPaths = map[string]bool{
	"/health":                              true,
	"/.well-known/oauth-protected-resource": true,
}

// NewServer builds the complete http.Handler for Nexus's public surface.
func NewServer(cfg *config.Config, router *llm.Router, federation *mcp.Federation, limiter *ratelimit.Limiter, collector *metrics.Collector, logger *zap.Logger) http.Handler {
	identity := NewIdentityExtractor(cfg.Identity, logger)
	openai := NewOpenAIHandler(router, limiter, logger)
	anthropic := NewAnthropicHandler(openai, logger)
	mcpHandler := NewMCPHandler(federation, logger)
	oauthHandler := NewOAuthMetadataHandler(cfg.Identity.OAuthResource, cfg.Identity.OAuthAuthzServers)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", mcpHandler.ServeHTTP)
	mux.HandleFunc("POST /llm/openai/v1/chat/completions", openai.HandleChatCompletions)
	mux.HandleFunc("GET /llm/openai/v1/models", openai.HandleListModels)
	mux.HandleFunc("POST /llm/anthropic/v1/messages", anthropic.HandleMessages)
	mux.HandleFunc("GET /health", HandleHealth)
	mux.Handle("GET /.well-known/oauth-protected-resource", oauthHandler)

	return Chain(mux,
		Logging(logger),
		Metrics(collector),
		TraceContext(),
		identity.OAuth2Validation(skipAuthPaths),
		identity.ClientIdentification,
		HTTPRateLimit(limiter, cfg.RateLimit.Global, cfg.RateLimit.PerIP, cfg.Identity.TrustedProxyHops, logger),
	)
}

// Package ctxkeys centralizes the context.Context keys shared across Nexus's
// HTTP middleware chain and downstream dispatch so packages never collide on
// raw string keys.
package ctxkeys

import (
	"context"
	"net/http"

	"github.com/grafbase/nexus/llm"
)

type contextKey string

const (
	requestIDKey      contextKey = "request_id"
	clientIDKey       contextKey = "client_id"
	clientGroupKey    contextKey = "client_group"
	authTokenKey      contextKey = "auth_token"
	traceIDKey        contextKey = "trace_id"
	inboundHeadersKey contextKey = "inbound_headers"
	headerRulesKey    contextKey = "header_rules"
)

// WithRequestID attaches the per-request correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the correlation id set by WithRequestID.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	return v, ok && v != ""
}

// WithClientID attaches the extracted client identity id.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

// ClientID returns the client id set by WithClientID.
func ClientID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(clientIDKey).(string)
	return v, ok && v != ""
}

// WithClientGroup attaches the extracted client group.
func WithClientGroup(ctx context.Context, group string) context.Context {
	return context.WithValue(ctx, clientGroupKey, group)
}

// ClientGroup returns the client group set by WithClientGroup.
func ClientGroup(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(clientGroupKey).(string)
	return v, ok && v != ""
}

// WithAuthToken attaches the caller's raw bearer token, used for MCP
// auth-forwarding and LLM provider token forwarding.
func WithAuthToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, authTokenKey, token)
}

// AuthToken returns the token set by WithAuthToken.
func AuthToken(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(authTokenKey).(string)
	return v, ok && v != ""
}

// WithTraceID attaches a W3C/X-Ray propagated trace id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceID returns the trace id set by WithTraceID.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	return v, ok && v != ""
}

// WithInboundHeaders attaches the caller's original HTTP request headers so
// a downstream LLM provider client can evaluate spec §4.3's `forward` and
// `rename_duplicate` header rules, which read the inbound request rather
// than a value fixed at config time.
func WithInboundHeaders(ctx context.Context, headers http.Header) context.Context {
	return context.WithValue(ctx, inboundHeadersKey, headers)
}

// InboundHeaders returns the headers set by WithInboundHeaders.
func InboundHeaders(ctx context.Context) (http.Header, bool) {
	v, ok := ctx.Value(inboundHeadersKey).(http.Header)
	return v, ok && v != nil
}

// WithHeaderRules attaches the header rule set a dispatcher resolved for
// one call (llm.Resolved.HeaderRules: the matched model's rules, or its
// provider's when the model declares none). A provider client reads this
// in preference to the static rules it was constructed with, so the
// model-replaces-provider precedence from spec §4.3 is enforced once at
// dispatch time rather than duplicated in every provider client.
func WithHeaderRules(ctx context.Context, rules []llm.HeaderRule) context.Context {
	return context.WithValue(ctx, headerRulesKey, rules)
}

// HeaderRules returns the rule set set by WithHeaderRules.
func HeaderRules(ctx context.Context) ([]llm.HeaderRule, bool) {
	v, ok := ctx.Value(headerRulesKey).([]llm.HeaderRule)
	return v, ok
}

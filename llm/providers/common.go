// Package providers holds the shared HTTP plumbing every REST-based LLM
// provider client uses: error mapping and error-body reading. Grounded on
// the teacher's llm/providers/common.go (MapHTTPError/ReadErrorMessage),
// adapted to return *nexuserr.Error instead of *llm.Error.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/grafbase/nexus/internal/ctxkeys"
	"github.com/grafbase/nexus/internal/nexuserr"
	"github.com/grafbase/nexus/llm"
)

// MapHTTPError classifies an upstream HTTP status into the Nexus error
// taxonomy (spec §7), same status-code table the teacher's common.go uses.
func MapHTTPError(status int, msg, provider string) *nexuserr.Error {
	switch status {
	case http.StatusUnauthorized:
		return nexuserr.New(nexuserr.KindAuthenticationFailed, msg).WithProvider(provider).WithHTTPStatus(status)
	case http.StatusForbidden:
		return nexuserr.New(nexuserr.KindInsufficientQuota, msg).WithProvider(provider).WithHTTPStatus(status)
	case http.StatusTooManyRequests:
		return nexuserr.New(nexuserr.KindRateLimitExceeded, msg).WithProvider(provider).WithRetryable(true)
	case http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") || strings.Contains(lower, "limit") {
			return nexuserr.New(nexuserr.KindInsufficientQuota, msg).WithProvider(provider).WithHTTPStatus(status)
		}
		return nexuserr.New(nexuserr.KindInvalidRequest, msg).WithProvider(provider)
	default:
		return nexuserr.FromHTTPStatus(status, msg, provider)
	}
}

// ReadErrorMessage attempts to pull a human-readable message out of an
// upstream error body (OpenAI/Anthropic/Google all nest it under
// `{"error": {"message": ...}}`), falling back to the raw body.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error.Message != "" {
		if parsed.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", parsed.Error.Message, parsed.Error.Type)
		}
		return parsed.Error.Message
	}
	return string(data)
}

// SafeCloseBody closes an HTTP response body, ignoring a nil receiver —
// used in defers right after a client.Do error check.
func SafeCloseBody(body io.ReadCloser) {
	if body != nil {
		_ = body.Close()
	}
}

// BuildHeaders evaluates a provider or model's header rules (spec §4.3)
// against the caller's inbound request headers, attached to ctx by the API
// layer via internal/ctxkeys.WithInboundHeaders. If the dispatcher resolved
// a rule set for this specific call (internal/ctxkeys.WithHeaderRules, set
// from llm.Resolved.HeaderRules so a model's rules can replace its
// provider's per spec §4.3), that set wins over the fallback passed in by
// the provider client itself. With no rules and no inbound headers
// captured, it returns an empty header set.
func BuildHeaders(ctx context.Context, fallback []llm.HeaderRule) http.Header {
	rules := fallback
	if resolved, ok := ctxkeys.HeaderRules(ctx); ok {
		rules = resolved
	}
	inbound, _ := ctxkeys.InboundHeaders(ctx)
	return llm.ApplyHeaderRules(rules, inbound)
}

// ResolveAPIKey returns the key a provider call should authenticate with:
// the caller's forwarded bearer token (spec §4.3 "Token forwarding") when
// forwardToken is enabled and one was supplied, the statically configured
// key otherwise. Returns ok=false when neither resolves, which the caller
// must map to a 401 per spec §4.3.
func ResolveAPIKey(ctx context.Context, forwardToken bool, configured string) (string, bool) {
	if forwardToken {
		if token, ok := ctxkeys.AuthToken(ctx); ok && strings.TrimSpace(token) != "" {
			return token, true
		}
		return "", false
	}
	if strings.TrimSpace(configured) == "" {
		return "", false
	}
	return configured, true
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/grafbase/nexus/config"
	"github.com/grafbase/nexus/internal/nexuserr"
	"github.com/grafbase/nexus/ratelimit"
)

const namespaceSeparator = "__"

// toolRecord is everything Federation needs about one downstream tool to
// serve search and execute without re-touching config on every call.
type toolRecord struct {
	ServerName     string
	ToolName       string
	NamespacedName string
	Description    string
	Parameters     json.RawMessage
	ACL            EffectiveACL
	ToolRateLimit  *config.RateLimitSpec // nil when the tool has no override
}

// Federation owns every downstream MCP session, the shared tool index, and
// implements the two tools Nexus exposes upstream: search and execute
// (spec §4.2 "MCP federation layer").
type Federation struct {
	mu       sync.RWMutex
	sessions map[string]*DownstreamSession // server name -> session (static servers only)
	configs  map[string]config.DownstreamServerConfig
	records  map[string]toolRecord // namespaced name -> record, static tools only

	index   *Index
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewFederation constructs an empty federation; call Start to dial every
// configured downstream server.
func NewFederation(limiter *ratelimit.Limiter, logger *zap.Logger) *Federation {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Federation{
		sessions: make(map[string]*DownstreamSession),
		configs:  make(map[string]config.DownstreamServerConfig),
		records:  make(map[string]toolRecord),
		index:    NewIndex(),
		limiter:  limiter,
		logger:   logger.With(zap.String("component", "mcp_federation")),
	}
}

// Start dials every configured downstream server and discovers its tool
// catalog. A server that fails to connect or list tools is logged and
// skipped; the rest of federation continues to operate (spec §4.2 "On
// failure of one server, log and continue").
func (f *Federation) Start(ctx context.Context, servers []config.DownstreamServerConfig) {
	for _, cfg := range servers {
		f.configs[cfg.Name] = cfg
		sess, err := NewDownstreamSession(ctx, cfg, f.logger)
		if err != nil {
			f.logger.Error("failed to connect downstream server", zap.String("server", cfg.Name), zap.Error(err))
			continue
		}
		f.mu.Lock()
		f.sessions[cfg.Name] = sess
		f.mu.Unlock()

		if sess.IsDynamic() {
			// Dynamic servers are discovered per-session, never placed in
			// the shared index (spec §4.2 "Auth").
			continue
		}
		if err := f.discoverStatic(ctx, cfg.Name, sess); err != nil {
			f.logger.Error("failed to list tools", zap.String("server", cfg.Name), zap.Error(err))
		}
	}
}

func (f *Federation) discoverStatic(ctx context.Context, serverName string, sess *DownstreamSession) error {
	tools, err := sess.ListTools(ctx)
	if err != nil {
		return err
	}
	cfg := f.configs[serverName]

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tools {
		if err := validateInputSchema(t.InputSchema); err != nil {
			f.logger.Warn("skipping tool with invalid input schema",
				zap.String("server", serverName), zap.String("tool", t.Name), zap.Error(err))
			continue
		}
		namespaced := serverName + namespaceSeparator + t.Name
		override := cfg.Tools[t.Name]
		rec := toolRecord{
			ServerName:     serverName,
			ToolName:       t.Name,
			NamespacedName: namespaced,
			Description:    t.Description,
			Parameters:     t.InputSchema,
			ACL:            ResolveACL(cfg.ACL, override.ACL),
			ToolRateLimit:  override.RateLimit,
		}
		f.records[namespaced] = rec
		f.index.Put(namespaced, serverName, t.Name, t.Description, t.InputSchema)
	}
	f.logger.Info("discovered downstream tools", zap.String("server", serverName), zap.Int("count", len(tools)))
	return nil
}

// SearchResult is one entry returned by Search.
type SearchResult struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Caller carries the requesting identity's group/token for ACL and
// auth-forwarding decisions.
type Caller struct {
	ClientID    string
	Group       string
	HasIdentity bool
	Token       string // caller's own bearer token, forwarded to dynamic servers
}

// Search runs the fuzzy multi-keyword lexical query over the static index,
// then best-effort appends live matches from each dynamic server's
// per-caller catalog (spec §4.2). Results are capped at maxSearchResults
// in total.
func (f *Federation) Search(ctx context.Context, keywords []string, caller Caller) []SearchResult {
	f.mu.RLock()
	allowed := func(name string) bool {
		rec, ok := f.records[name]
		if !ok {
			return false
		}
		return rec.ACL.Allowed(caller.Group, caller.HasIdentity)
	}
	entries := f.index.Search(keywords, allowed)
	dynamicSessions := f.dynamicSessionsLocked()
	f.mu.RUnlock()

	results := make([]SearchResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, SearchResult{Name: e.NamespacedName, Description: e.Description, Parameters: e.Parameters})
	}

	for serverName, sess := range dynamicSessions {
		if len(results) >= maxSearchResults {
			break
		}
		cfg := f.configs[serverName]
		tools, err := sess.ListTools(withCallerToken(ctx, caller.Token))
		if err != nil {
			f.logger.Warn("dynamic tool discovery failed", zap.String("server", serverName), zap.Error(err))
			continue
		}
		for _, t := range tools {
			if len(results) >= maxSearchResults {
				break
			}
			override := cfg.Tools[t.Name]
			acl := ResolveACL(cfg.ACL, override.ACL)
			if !acl.Allowed(caller.Group, caller.HasIdentity) {
				continue
			}
			if !matchesKeywords(t.Name, t.Description, keywords) {
				continue
			}
			results = append(results, SearchResult{
				Name:        serverName + namespaceSeparator + t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
	}
	return results
}

func (f *Federation) dynamicSessionsLocked() map[string]*DownstreamSession {
	out := make(map[string]*DownstreamSession)
	for name, sess := range f.sessions {
		if sess.IsDynamic() {
			out[name] = sess
		}
	}
	return out
}

func matchesKeywords(name, description string, keywords []string) bool {
	haystack := strings.ToLower(name + " " + description)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if !strings.Contains(haystack, kw) {
			return false
		}
	}
	return true
}

// Execute resolves a namespaced tool name, enforces ACL and rate limits,
// and dispatches the call to its owning downstream session (spec §4.2
// "execute").
func (f *Federation) Execute(ctx context.Context, namespacedName string, arguments json.RawMessage, caller Caller) (*CallToolResult, error) {
	serverName, toolName, ok := splitNamespaced(namespacedName)
	if !ok {
		return nil, toolNotFound(namespacedName)
	}

	f.mu.RLock()
	sess, hasSession := f.sessions[serverName]
	cfg, hasConfig := f.configs[serverName]
	rec, hasRecord := f.records[namespacedName]
	f.mu.RUnlock()

	if !hasSession || !hasConfig {
		return nil, toolNotFound(namespacedName)
	}

	var acl EffectiveACL
	var toolRateLimit *config.RateLimitSpec
	if sess.IsDynamic() {
		// Dynamic tools aren't pre-recorded; resolve ACL straight from
		// config using any declared tool-level override.
		override := cfg.Tools[toolName]
		acl = ResolveACL(cfg.ACL, override.ACL)
		toolRateLimit = override.RateLimit
	} else {
		if !hasRecord {
			return nil, toolNotFound(namespacedName)
		}
		acl = rec.ACL
		toolRateLimit = rec.ToolRateLimit
	}

	if !acl.Allowed(caller.Group, caller.HasIdentity) {
		// Deny-empty ACLs must look identical to a missing tool (spec §7
		// scenario 5: "-32601 ToolNotFound so as not to leak existence").
		return nil, toolNotFound(namespacedName)
	}

	if f.limiter != nil {
		checks := []ratelimit.Check{
			{Scope: ratelimit.ScopeMCPServer, Key: ratelimit.Key{Scope: ratelimit.ScopeMCPServer, Server: serverName}, Spec: cfg.RateLimit},
			{Scope: ratelimit.ScopeMCPTool, Key: ratelimit.Key{Scope: ratelimit.ScopeMCPTool, Server: serverName, Tool: toolName}, Spec: toolRateLimit},
		}
		decision, scope, err := f.limiter.CheckChain(ctx, checks, 1)
		if err != nil {
			return nil, nexuserr.Wrap(nexuserr.KindInternalError, "rate-limit check failed", err)
		}
		if !decision.Allowed {
			rlErr := nexuserr.New(nexuserr.KindRateLimitExceeded, fmt.Sprintf("rate limit exceeded at %s", scope)).
				WithRetryable(true)
			rlErr.RetryAfter = int(decision.RetryAfter)
			return nil, rlErr
		}
	}

	callerToken := ""
	if sess.IsDynamic() {
		callerToken = caller.Token
	}
	result, err := sess.CallTool(ctx, toolName, arguments, callerToken)
	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			return nil, nexuserr.New(nexuserr.KindInternalError, rpcErr.Message).WithServer(serverName)
		}
		return nil, nexuserr.Wrap(nexuserr.KindConnectionError, "downstream tool call failed", err).WithServer(serverName)
	}
	return result, nil
}

func splitNamespaced(name string) (server, tool string, ok bool) {
	idx := strings.Index(name, namespaceSeparator)
	if idx <= 0 || idx+len(namespaceSeparator) >= len(name) {
		return "", "", false
	}
	return name[:idx], name[idx+len(namespaceSeparator):], true
}

func toolNotFound(name string) error {
	return nexuserr.New(nexuserr.KindToolNotFound, fmt.Sprintf("unknown tool %q", name))
}

func withCallerToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return withForwardedToken(ctx, token)
}

// Close tears down every downstream session.
func (f *Federation) Close() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var firstErr error
	for name, sess := range f.sessions {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
	}
	return firstErr
}

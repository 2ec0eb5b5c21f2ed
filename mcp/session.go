package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/grafbase/nexus/config"
	"github.com/grafbase/nexus/internal/nexuserr"
	"github.com/grafbase/nexus/llm"
)

// defaultCallTimeout bounds a single tools/call or tools/list round trip
// when the server config doesn't specify one explicitly.
const defaultCallTimeout = 30 * time.Second

// DownstreamSession owns one live connection to a federated MCP server. For
// stdio and SSE transports it runs a single reader goroutine that demuxes
// replies by JSON-RPC id into per-call reply channels (the correlation map
// pattern grounded on the teacher's agent/protocol/mcp.DefaultMCPClient:
// pending map[id]chan *Message guarded by a mutex, a background read loop,
// handleMessage routing by id). Streamable-HTTP answers inline via
// RequestResponder, so no reader goroutine is needed for it.
type DownstreamSession struct {
	name      string
	transport Transport
	responder RequestResponder // non-nil for synchronous transports (HTTP)

	nextID    int64
	pending   map[string]chan *Message
	pendingMu sync.Mutex
	failed    error // set once the transport has crashed/closed; guarded by pendingMu

	dynamic     bool // true when auth forwards the caller's own token
	baseHeaders http.Header
	callTimeout time.Duration

	logger *zap.Logger

	stop context.CancelFunc
}

// NewDownstreamSession dials the transport named by cfg.Transport and, for
// async transports, starts the demux loop. The caller calls ListTools
// before normal use; no initialize handshake is sent.
func NewDownstreamSession(ctx context.Context, cfg config.DownstreamServerConfig, logger *zap.Logger) (*DownstreamSession, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("mcp_server", cfg.Name))

	callTimeout := defaultCallTimeout
	if cfg.Stdio != nil && cfg.Stdio.StartupTimeout > 0 {
		callTimeout = cfg.Stdio.StartupTimeout
	}

	headerRules := make([]llm.HeaderRule, 0, len(cfg.Headers))
	for _, h := range cfg.Headers {
		rule, err := toHeaderRule(h)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
		}
		headerRules = append(headerRules, rule)
	}
	baseHeaders := llm.ApplyHeaderRules(headerRules, http.Header{})

	dynamic := cfg.Auth != nil && cfg.Auth.Type == "forward"
	if cfg.Auth != nil && cfg.Auth.Type == "static" && cfg.Auth.Token != "" {
		baseHeaders.Set("Authorization", "Bearer "+cfg.Auth.Token)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &DownstreamSession{
		name:        cfg.Name,
		pending:     make(map[string]chan *Message),
		dynamic:     dynamic,
		baseHeaders: baseHeaders,
		callTimeout: callTimeout,
		logger:      logger,
		stop:        cancel,
	}

	switch cfg.Transport {
	case "stdio":
		if cfg.Stdio == nil {
			cancel()
			return nil, fmt.Errorf("server %s: stdio transport requires stdio config", cfg.Name)
		}
		t, err := StartStdioTransport(sessCtx, StdioConfig{
			Command:        cfg.Stdio.Command,
			Args:           cfg.Stdio.Args,
			Env:            cfg.Stdio.Env,
			Cwd:            cfg.Stdio.Cwd,
			StderrPolicy:   StderrPolicy(cfg.Stdio.StderrPolicy),
			StderrFile:     cfg.Stdio.StderrFile,
			StartupTimeout: cfg.Stdio.StartupTimeout,
		}, logger)
		if err != nil {
			cancel()
			return nil, err
		}
		s.transport = t
		go s.readLoop(sessCtx)

	case "http":
		if cfg.HTTP == nil {
			cancel()
			return nil, fmt.Errorf("server %s: http transport requires http config", cfg.Name)
		}
		t := NewHTTPTransport(cfg.HTTP.URL, baseHeaders)
		s.transport = t
		s.responder = t

	case "sse":
		if cfg.SSE == nil {
			cancel()
			return nil, fmt.Errorf("server %s: sse transport requires sse config", cfg.Name)
		}
		t := NewSSETransport(cfg.SSE.URL, cfg.SSE.MessageURL, baseHeaders, logger)
		if err := t.Connect(sessCtx); err != nil {
			cancel()
			return nil, err
		}
		s.transport = t
		go s.readLoop(sessCtx)

	default:
		cancel()
		return nil, fmt.Errorf("server %s: unknown transport %q", cfg.Name, cfg.Transport)
	}

	return s, nil
}

func toHeaderRule(h config.HeaderRuleConfig) (llm.HeaderRule, error) {
	rule := llm.HeaderRule{
		Kind:    llm.HeaderRuleKind(h.Kind),
		Name:    h.Name,
		Default: h.Default,
		Rename:  h.Rename,
		Value:   h.Value,
	}
	if h.Pattern != "" {
		compiled, err := regexp.Compile("(?i)" + h.Pattern)
		if err != nil {
			return rule, fmt.Errorf("compile header pattern %q: %w", h.Pattern, err)
		}
		rule.Pattern = compiled
	}
	return rule, nil
}

// readLoop demuxes inbound messages from an async transport (stdio/SSE) by
// JSON-RPC id into the waiting call's reply channel. Messages with no
// matching pending call (unsolicited notifications) are dropped. A
// transport read failure (stdio child crash, SSE connection drop) fails
// every in-flight call immediately instead of letting them degrade to a
// callTimeout (spec.md: "A process crash invalidates all pending calls with
// a transport error").
func (s *DownstreamSession) readLoop(ctx context.Context) {
	for {
		msg, err := s.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("downstream read failed", zap.Error(err))
			s.failSession(nexuserr.Wrap(nexuserr.KindConnectionError, "downstream transport failed", err).WithServer(s.name))
			return
		}
		if msg.ID == nil {
			continue
		}
		key := idToString(msg.ID)
		s.pendingMu.Lock()
		ch, ok := s.pending[key]
		s.pendingMu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

// failSession marks the session permanently failed and unblocks every
// call() currently waiting on a reply by pushing a synthetic transport-error
// message into each pending channel. Future calls observe s.failed and
// return immediately instead of registering a reply channel that would
// never be filled (the demux loop that would fill it has already exited).
func (s *DownstreamSession) failSession(cause error) {
	s.pendingMu.Lock()
	if s.failed != nil {
		s.pendingMu.Unlock()
		return
	}
	s.failed = cause
	pending := s.pending
	s.pending = make(map[string]chan *Message)
	s.pendingMu.Unlock()

	errMsg := &Message{JSONRPC: "2.0", Error: &Error{Code: ErrCodeInternalError, Message: cause.Error()}}
	for _, ch := range pending {
		select {
		case ch <- errMsg:
		default:
		}
	}
}

// call performs one JSON-RPC request/response round trip, bounded by
// callTimeout, and returns the downstream's result payload or a
// *nexuserr.Error-worthy failure.
func (s *DownstreamSession) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	id := atomic.AddInt64(&s.nextID, 1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	var reply *Message
	if s.responder != nil {
		reply, err = s.responder.RequestResponse(ctx, req)
		if err != nil {
			return nil, err
		}
	} else {
		key := idToString(req.ID)
		replyCh := make(chan *Message, 1)
		s.pendingMu.Lock()
		if s.failed != nil {
			err := s.failed
			s.pendingMu.Unlock()
			return nil, err
		}
		s.pending[key] = replyCh
		s.pendingMu.Unlock()
		defer func() {
			s.pendingMu.Lock()
			delete(s.pending, key)
			s.pendingMu.Unlock()
		}()

		if err := s.transport.Send(ctx, req); err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case reply = <-replyCh:
		}
	}

	if reply.Error != nil {
		return nil, reply.Error
	}
	return reply.Result, nil
}

// ListTools fetches the downstream server's tool catalog.
func (s *DownstreamSession) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	result, err := s.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var out ListToolsResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return out.Tools, nil
}

// CallTool invokes one downstream tool by its unnamespaced name. callerToken
// is forwarded as the Authorization header when the server's auth policy is
// "forward" (a dynamic tool); it is ignored otherwise.
func (s *DownstreamSession) CallTool(ctx context.Context, name string, arguments json.RawMessage, callerToken string) (*CallToolResult, error) {
	if s.dynamic && callerToken != "" {
		ctx = withForwardedToken(ctx, callerToken)
	}
	result, err := s.call(ctx, "tools/call", CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var out CallToolResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &out, nil
}

// IsDynamic reports whether this server's tools require the caller's own
// credential to be forwarded on every call (spec §4.2 "dynamic tools").
func (s *DownstreamSession) IsDynamic() bool { return s.dynamic }

// Close tears down the transport and stops the demux loop.
func (s *DownstreamSession) Close() error {
	s.stop()
	return s.transport.Close()
}

type forwardedTokenKey struct{}

func withForwardedToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, forwardedTokenKey{}, token)
}

func forwardedTokenFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(forwardedTokenKey{}).(string)
	return v, ok
}

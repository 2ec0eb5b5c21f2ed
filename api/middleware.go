package api

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/grafbase/nexus/config"
	"github.com/grafbase/nexus/internal/ctxkeys"
	"github.com/grafbase/nexus/internal/nexuserr"
	"github.com/grafbase/nexus/ratelimit"
)

// Middleware is one stage of the chain spec §4.4 fixes: logging ->
// trace-context extraction -> OAuth2 validation -> client-identification ->
// rate-limit -> route handler.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares outside-in: the first middleware listed runs
// first on the way in. Grounded on the teacher's cmd/agentflow/middleware.go
// Chain.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying ResponseWriter's Flusher so SSE
// responses keep working through the logging middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging is spec §4.4's outermost stage. Every request also gets a
// request id (generated, or honored from an inbound X-Request-ID),
// surfaced both in the response header and in the log line, matching the
// teacher's RequestLogger + RequestID middlewares combined into one pass.
func Logging(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := ctxkeys.WithRequestID(r.Context(), id)

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			logger.Info("request",
				zap.String("request_id", id),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// TraceContext extracts a W3C traceparent/tracestate into the request's
// span context via a composite OTel propagator, and starts a server span
// for the request. Grounded on the teacher's OTelTracing
// (cmd/agentflow/middleware.go). The composite also holds xrayPropagator,
// which does not parse AWS X-Ray's "X-Amzn-Trace-Id" header, so that
// header does not contribute to the span context.
func TraceContext() Middleware {
	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
		xrayPropagator{},
	)
	tracer := otel.Tracer("nexus/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			spanCtx := trace.SpanContextFromContext(ctx)
			if spanCtx.IsValid() {
				ctx = ctxkeys.WithTraceID(ctx, spanCtx.TraceID().String())
			}
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.response.status_code", sw.status))
		})
	}
}

// xrayPropagator lists AWS's non-W3C "X-Amzn-Trace-Id" header in Fields,
// but its Extract leaves the context unchanged and its Inject writes
// nothing: the X-Ray header is not parsed and never supplies a trace id.
type xrayPropagator struct{}

func (xrayPropagator) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {}

func (xrayPropagator) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	header := carrier.Get("X-Amzn-Trace-Id")
	if header == "" {
		return ctx
	}
	return ctx
}

func (xrayPropagator) Fields() []string { return []string{"X-Amzn-Trace-Id"} }

// HTTPRateLimit enforces spec §4.1's two outermost HTTP levels, Global then
// IP (the hierarchy's first two links; MCP-server/MCP-tool are enforced
// inside mcp.Federation.Execute itself, closer to the resource they guard).
// A nil global or per-ip spec in cfg disables that level.
func HTTPRateLimit(limiter *ratelimit.Limiter, global, perIP *config.RateLimitSpec, trustedHops int, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trustedHops)
			checks := []ratelimit.Check{
				{Scope: ratelimit.ScopeGlobal, Key: ratelimit.Key{Scope: ratelimit.ScopeGlobal}, Spec: global},
				{Scope: ratelimit.ScopeIP, Key: ratelimit.Key{Scope: ratelimit.ScopeIP, IPHash: ratelimit.HashIP(ip)}, Spec: perIP},
			}
			decision, scope, err := limiter.CheckChain(r.Context(), checks, 1)
			if err != nil {
				writeError(w, nexuserr.Wrap(nexuserr.KindInternalError, "rate-limit check failed", err), logger)
				return
			}
			if !decision.Allowed {
				rlErr := nexuserr.New(nexuserr.KindRateLimitExceeded, "rate limit exceeded at "+string(scope)).WithRetryable(true)
				writeError(w, rlErr, logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

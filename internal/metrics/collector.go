// Package metrics provides the internal Prometheus metrics surface for Nexus.
// It is a thin wrapper: each exported method updates one or more metric
// families, named and labeled so they compose with OpenTelemetry semantic conventions
// where they overlap (gen_ai.client.*).
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Collector is the process-wide metrics registry for Nexus.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	llmOperationDuration *prometheus.HistogramVec
	llmTokensUsed        *prometheus.CounterVec
	llmRequestsTotal     *prometheus.CounterVec

	mcpSearchTotal   *prometheus.CounterVec
	mcpSearchResults *prometheus.HistogramVec
	mcpExecuteTotal  *prometheus.CounterVec
	mcpExecuteDuration *prometheus.HistogramVec

	rateLimitDecisions *prometheus.CounterVec

	modelMapSize *prometheus.GaugeVec

	// genAIOperationDuration mirrors llmOperationDuration under the exact
	// OTel GenAI semantic-convention name (spec §8 scenario 1: "one counter
	// increment on gen_ai.client.operation.duration"), emitted against the
	// global otel API so a host process that installs an SDK/exporter
	// (outside this module's scope, spec.md §1) picks it up for free.
	genAIOperationDuration metric.Float64Histogram
}

// NewCollector registers and returns the Nexus metrics collector under the
// given Prometheus namespace (typically "nexus").
func NewCollector(namespace string) *Collector {
	c := &Collector{}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests served by Nexus.",
		},
		[]string{"method", "route", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	c.llmOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gen_ai_client",
			Name:      "operation_duration_seconds",
			Help:      "Duration of an LLM chat-completion call, unary or streaming-to-first-byte.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model", "operation"},
	)

	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Total tokens consumed, by direction.",
		},
		[]string{"provider", "model", "direction"}, // direction: input|output
	)

	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total LLM chat-completion requests by outcome.",
		},
		[]string{"provider", "model", "status"},
	)

	c.mcpSearchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mcp_search_total",
			Help:      "Total MCP search tool invocations.",
		},
		[]string{"status"},
	)

	c.mcpSearchResults = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mcp_search_results",
			Help:      "Result count returned by the MCP search tool.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25},
		},
		[]string{},
	)

	c.mcpExecuteTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mcp_execute_total",
			Help:      "Total MCP execute tool invocations by downstream server and outcome.",
		},
		[]string{"server", "status"},
	)

	c.mcpExecuteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mcp_execute_duration_seconds",
			Help:      "Latency of a dispatched MCP execute call.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	c.rateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate-limit check outcomes by scope and decision.",
		},
		[]string{"scope", "decision"}, // decision: allowed|denied
	)

	c.modelMapSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_map_size",
			Help:      "Number of resolvable model entries in the last published ModelMap snapshot.",
		},
		[]string{},
	)

	meter := otel.Meter("github.com/grafbase/nexus/internal/metrics")
	if h, err := meter.Float64Histogram("gen_ai.client.operation.duration",
		metric.WithDescription("Duration of a GenAI chat-completion client operation."),
		metric.WithUnit("s"),
	); err == nil {
		c.genAIOperationDuration = h
	}

	return c
}

// RecordHTTPRequest records one completed HTTP request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordLLMRequest records the outcome, latency, and token usage of one
// chat-completion dispatch (unary or streaming).
func (c *Collector) RecordLLMRequest(provider, model, operation, status string, duration time.Duration, inputTokens, outputTokens int) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmOperationDuration.WithLabelValues(provider, model, operation).Observe(duration.Seconds())
	if inputTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
	if c.genAIOperationDuration != nil {
		c.genAIOperationDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("gen_ai.provider.name", provider),
				attribute.String("gen_ai.request.model", model),
				attribute.String("gen_ai.operation.name", operation),
				attribute.String("status", status),
			),
		)
	}
}

// RecordMCPSearch records one search() tool invocation.
func (c *Collector) RecordMCPSearch(status string, resultCount int) {
	c.mcpSearchTotal.WithLabelValues(status).Inc()
	c.mcpSearchResults.WithLabelValues().Observe(float64(resultCount))
}

// RecordMCPExecute records one execute() tool dispatch.
func (c *Collector) RecordMCPExecute(server, status string, duration time.Duration) {
	c.mcpExecuteTotal.WithLabelValues(server, status).Inc()
	if duration > 0 {
		c.mcpExecuteDuration.WithLabelValues(server).Observe(duration.Seconds())
	}
}

// RecordRateLimitDecision records one check_and_consume outcome at a given scope.
func (c *Collector) RecordRateLimitDecision(scope string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	c.rateLimitDecisions.WithLabelValues(scope, decision).Inc()
}

// SetModelMapSize records the resolvable-model count of the latest snapshot.
func (c *Collector) SetModelMapSize(n int) {
	c.modelMapSize.WithLabelValues().Set(float64(n))
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

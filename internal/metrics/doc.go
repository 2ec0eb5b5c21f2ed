// Package metrics provides the Prometheus metrics surface for Nexus,
// covering HTTP, LLM chat-completion, MCP tool dispatch, and rate-limit
// decisions. Collector registers its Prometheus families through promauto
// (and the gen_ai.client.operation.duration histogram through the global
// OpenTelemetry meter) so callers never touch a Registry directly.
package metrics

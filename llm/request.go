// Package llm implements the LLM routing and protocol bridge: the unified
// request/response/chunk types, the ModelMap watch-snapshot, the provider
// registry and router, and the per-provider clients. Wire-format adapters
// (OpenAI-shape and Anthropic-shape HTTP bodies) live in package api and
// translate into/out of the types defined here.
package llm

import "github.com/grafbase/nexus/types"

// UnifiedRequest is the protocol-agnostic chat-completion request that every
// wire adapter produces and every provider client consumes. See spec §9:
// collapsing O(providers × wire-formats) translators into O(providers +
// wire-formats).
type UnifiedRequest struct {
	Model       string             `json:"model"`
	Messages    []types.Message    `json:"messages"`
	Tools       []types.ToolSchema `json:"tools,omitempty"`
	ToolChoice  *types.ToolChoice  `json:"tool_choice,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	MaxTokens   *int               `json:"max_tokens,omitempty"`
	Stream      bool               `json:"stream"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop,omitempty"`
}

// Choice is one completion candidate. Message is populated for a unary
// UnifiedResponse; Delta is populated for a UnifiedChunk.
type Choice struct {
	Index        int              `json:"index"`
	Message      *types.Message   `json:"message,omitempty"`
	Delta        *types.Message   `json:"delta,omitempty"`
	FinishReason types.FinishReason `json:"finish_reason"`
}

// UnifiedResponse is the unary (non-streaming) chat-completion result.
type UnifiedResponse struct {
	ID      string       `json:"id"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []Choice     `json:"choices"`
	Usage   types.Usage  `json:"usage"`
}

// UnifiedChunk is one frame of a streaming chat-completion response. The
// contract (spec §4.3 Streaming contract) requires a provider client to
// guarantee exactly one terminal chunk carrying FinishReason and Usage, even
// when the upstream connection closes early.
type UnifiedChunk struct {
	ID      string      `json:"id"`
	Created int64       `json:"created"`
	Model   string       `json:"model"`
	Choices []Choice     `json:"choices"`
	// Usage is only populated on the terminal chunk.
	Usage *types.Usage `json:"usage,omitempty"`
}

// Terminal reports whether this chunk carries a finish reason on any choice,
// i.e. it is (or subsumes) the stream's terminal frame.
func (c UnifiedChunk) Terminal() bool {
	for _, ch := range c.Choices {
		if ch.FinishReason != types.FinishNone {
			return true
		}
	}
	return false
}

// Model describes one entry of a provider's catalog, as returned by
// list_models and as surfaced on GET /llm/openai/v1/models.
type Model struct {
	ID         string // exposed id, "provider/model" or bare
	Provider   string
	UpstreamID string
	Created    int64
}

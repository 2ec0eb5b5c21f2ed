package llm

import "context"

// Provider is the unified adapter interface every LLM backend (OpenAI,
// Anthropic, Google, Bedrock) implements. Stream returns a channel instead
// of an iterator so the caller can select on it alongside context
// cancellation, matching the teacher's Provider.Stream shape
// (llm/provider.go) generalized to the UnifiedChunk type.
type Provider interface {
	// Name is the provider's configured key.
	Name() string

	// Completion sends a unary chat-completion request.
	Completion(ctx context.Context, req UnifiedRequest) (*UnifiedResponse, error)

	// Stream sends a streaming chat-completion request. The returned channel
	// is closed after the terminal chunk (or an error) is delivered; the
	// implementation guarantees exactly one terminal chunk per spec §4.3.
	Stream(ctx context.Context, req UnifiedRequest) (<-chan StreamEvent, error)

	// ListModels returns the provider's discovered model catalog, bare IDs
	// (no "provider/" prefix — the router adds that). Providers that cannot
	// list models (Anthropic and Bedrock in this implementation) return nil, nil.
	ListModels(ctx context.Context) ([]Model, error)
}

// StreamEvent is one item from a Provider's Stream channel: either a chunk
// or a terminal error, never both.
type StreamEvent struct {
	Chunk *UnifiedChunk
	Err   error
}

// Anthropic-compatible wire adapter: translates the public
// /llm/anthropic/v1/messages JSON shape into/out of
// llm.UnifiedRequest/Response/Chunk. Grounded on the same teacher
// api/handlers/chat.go dispatch pattern as api/openai.go; the
// system/tool_use/tool_result block shapes are grounded on
// llm/providers/anthropic/provider.go's own wire-to-unified conversion,
// since that is the one place in this repo already translating Anthropic's
// content-block model.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/grafbase/nexus/internal/ctxkeys"
	"github.com/grafbase/nexus/internal/nexuserr"
	"github.com/grafbase/nexus/llm"
	"github.com/grafbase/nexus/types"
)

// AnthropicHandler serves the Anthropic-compatible Messages route.
type AnthropicHandler struct {
	shared *OpenAIHandler // reuses resolveAndCheck; Anthropic and OpenAI share the same resolution+rate-limit path
	logger *zap.Logger
}

// NewAnthropicHandler wires itself against the same router/limiter/logger as
// openai so both surfaces resolve models and charge LLM token rate limits
// identically (spec §4.1 rate limits and §4.3 resolution apply uniformly
// across wire protocols).
func NewAnthropicHandler(shared *OpenAIHandler, logger *zap.Logger) *AnthropicHandler {
	return &AnthropicHandler{shared: shared, logger: logger}
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`         // tool_use
	Name      string          `json:"name,omitempty"`       // tool_use
	Input     json.RawMessage `json:"input,omitempty"`      // tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"` // tool_result
	Content   json.RawMessage `json:"content,omitempty"`     // tool_result
	IsError   bool            `json:"is_error,omitempty"`    // tool_result
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      json.RawMessage    `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  json.RawMessage    `json:"tool_choice,omitempty"`
	MaxTokens   *int               `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

func anthropicContentToBlocksAndCalls(raw json.RawMessage) ([]types.ContentBlock, []types.ToolCall, *types.ToolResult) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []types.ContentBlock{types.TextBlock(s)}, nil, nil
	}
	var parts []anthropicContentBlock
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, nil, nil
	}
	var blocks []types.ContentBlock
	var calls []types.ToolCall
	var result *types.ToolResult
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, types.TextBlock(p.Text))
		case "tool_use":
			calls = append(calls, types.ToolCall{ID: p.ID, Name: p.Name, Arguments: p.Input})
		case "tool_result":
			var content string
			if len(p.Content) > 0 {
				if json.Unmarshal(p.Content, &content) != nil {
					content = string(p.Content)
				}
			}
			result = &types.ToolResult{ToolCallID: p.ToolUseID, Content: content, IsError: p.IsError}
		}
	}
	return blocks, calls, result
}

func (h *AnthropicHandler) toUnifiedRequest(req anthropicRequest) llm.UnifiedRequest {
	messages := make([]types.Message, 0, len(req.Messages)+1)
	if len(req.System) > 0 {
		var sysText string
		if json.Unmarshal(req.System, &sysText) == nil {
			messages = append(messages, types.NewTextMessage(types.RoleSystem, sysText))
		} else {
			blocks, _, _ := anthropicContentToBlocksAndCalls(req.System)
			messages = append(messages, types.Message{Role: types.RoleSystem, Blocks: blocks})
		}
	}
	for _, m := range req.Messages {
		blocks, calls, result := anthropicContentToBlocksAndCalls(m.Content)
		if result != nil {
			messages = append(messages, types.Message{Role: types.RoleTool, ToolResult: result})
			continue
		}
		messages = append(messages, types.Message{Role: types.Role(m.Role), Blocks: blocks, ToolCalls: calls})
	}

	var tools []types.ToolSchema
	for _, t := range req.Tools {
		tools = append(tools, types.ToolSchema{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}

	maxTokens := req.MaxTokens
	if maxTokens == nil {
		defaultMax := 4096 // spec §4.3: Anthropic requires max_tokens; default when the caller omits it
		maxTokens = &defaultMax
	}

	return llm.UnifiedRequest{
		Model: req.Model, Messages: messages, Tools: tools,
		ToolChoice:  anthropicToolChoice(req.ToolChoice),
		Temperature: req.Temperature, MaxTokens: maxTokens, TopP: req.TopP, Stream: req.Stream,
	}
}

func anthropicToolChoice(raw json.RawMessage) *types.ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if json.Unmarshal(raw, &tc) != nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		return &types.ToolChoice{Mode: types.ToolChoiceAuto}
	case "any":
		return &types.ToolChoice{Mode: types.ToolChoiceRequired}
	case "none":
		return &types.ToolChoice{Mode: types.ToolChoiceNone}
	case "tool":
		return &types.ToolChoice{Mode: types.ToolChoiceSpecific, Name: tc.Name}
	}
	return nil
}

type anthropicResponseBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID           string                   `json:"id"`
	Type         string                   `json:"type"`
	Role         string                   `json:"role"`
	Model        string                   `json:"model"`
	Content      []anthropicResponseBlock `json:"content"`
	StopReason   string                   `json:"stop_reason"`
	Usage        anthropicUsage           `json:"usage"`
}

func blocksFromMessage(m *types.Message) []anthropicResponseBlock {
	if m == nil {
		return nil
	}
	var out []anthropicResponseBlock
	if text := m.Text(); text != "" {
		out = append(out, anthropicResponseBlock{Type: "text", Text: text})
	}
	for _, tc := range m.ToolCalls {
		out = append(out, anthropicResponseBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
	}
	return out
}

func anthropicStopReason(fr types.FinishReason) string {
	switch fr {
	case types.FinishStop:
		return "end_turn"
	case types.FinishLength:
		return "max_tokens"
	case types.FinishToolCalls:
		return "tool_use"
	case types.FinishContentFilter:
		return "stop_sequence"
	default:
		return ""
	}
}

func (h *AnthropicHandler) fromUnifiedResponse(r *llm.UnifiedResponse) anthropicResponse {
	out := anthropicResponse{ID: r.ID, Type: "message", Role: "assistant", Model: r.Model, Usage: anthropicUsage{
		InputTokens: r.Usage.PromptTokens, OutputTokens: r.Usage.CompletionTokens,
	}}
	if len(r.Choices) > 0 {
		out.Content = blocksFromMessage(r.Choices[0].Message)
		out.StopReason = anthropicStopReason(r.Choices[0].FinishReason)
	}
	return out
}

// HandleMessages implements POST /llm/anthropic/v1/messages, sharing model
// resolution and LLM token-rate-limiting with the OpenAI surface.
func (h *AnthropicHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	var req anthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nexuserr.New(nexuserr.KindInvalidRequest, "invalid JSON body"), h.logger)
		return
	}
	if req.Model == "" {
		writeError(w, nexuserr.New(nexuserr.KindInvalidRequest, "model is required"), h.logger)
		return
	}
	unified := h.toUnifiedRequest(req)

	resolved, err := h.shared.resolveAndCheck(r, unified)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	ctx := ctxkeys.WithHeaderRules(r.Context(), resolved.HeaderRules)

	if !req.Stream {
		resp, err := resolved.Provider.Completion(ctx, unified)
		if err != nil {
			writeError(w, err, h.logger)
			return
		}
		writeJSON(w, http.StatusOK, h.fromUnifiedResponse(resp))
		return
	}

	events, err := resolved.Provider.Stream(ctx, unified)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	h.streamSSE(w, events)
}

// streamSSE writes the named-event SSE framing Anthropic's
// streaming API uses ("event: content_block_delta\ndata: {...}\n\n"),
// unlike OpenAI's single unnamed "data:" line per chunk.
func (h *AnthropicHandler) streamSSE(w http.ResponseWriter, events <-chan llm.StreamEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	started := false
	for ev := range events {
		if ev.Err != nil {
			h.logger.Error("stream terminated with error", zap.Error(ev.Err))
			break
		}
		if ev.Chunk == nil {
			continue
		}
		if !started {
			started = true
			writeSSEEvent(w, "message_start", map[string]any{"type": "message_start", "message": map[string]any{
				"id": ev.Chunk.ID, "type": "message", "role": "assistant", "model": ev.Chunk.Model,
			}})
		}
		for _, c := range ev.Chunk.Choices {
			if c.Delta != nil {
				if text := c.Delta.Text(); text != "" {
					writeSSEEvent(w, "content_block_delta", map[string]any{
						"type": "content_block_delta", "index": c.Index,
						"delta": map[string]any{"type": "text_delta", "text": text},
					})
				}
			}
			if c.FinishReason != types.FinishNone {
				writeSSEEvent(w, "message_delta", map[string]any{
					"type": "message_delta",
					"delta": map[string]any{"stop_reason": anthropicStopReason(c.FinishReason)},
				})
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	writeSSEEvent(w, "message_stop", map[string]any{"type": "message_stop"})
	if flusher != nil {
		flusher.Flush()
	}
}

func writeSSEEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

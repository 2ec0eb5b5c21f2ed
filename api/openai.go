// OpenAI-compatible wire adapter: translates the public
// /llm/openai/v1/chat/completions and /llm/openai/v1/models JSON shapes
// into/out of llm.UnifiedRequest/Response/Chunk. Grounded on the teacher's
// api/handlers/chat.go (unary vs. SSE dispatch, flusher-driven streaming
// loop) generalized from agentflow's single internal wire shape to the
// public OpenAI Chat Completions schema.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/grafbase/nexus/internal/ctxkeys"
	"github.com/grafbase/nexus/internal/nexuserr"
	"github.com/grafbase/nexus/llm"
	"github.com/grafbase/nexus/llm/tokenizer"
	"github.com/grafbase/nexus/ratelimit"
	"github.com/grafbase/nexus/types"
)

// OpenAIHandler serves the OpenAI-compatible chat-completions and models
// routes.
type OpenAIHandler struct {
	router  *llm.Router
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

func NewOpenAIHandler(router *llm.Router, limiter *ratelimit.Limiter, logger *zap.Logger) *OpenAIHandler {
	return &OpenAIHandler{router: router, limiter: limiter, logger: logger}
}

// openAIMessage is the public Chat Completions message shape. Content may be
// a plain string or an array of {type, text|image_url} parts; messageToUnified
// normalizes both into Blocks.
type openAIMessage struct {
	Role       string              `json:"role"`
	Content    json.RawMessage     `json:"content,omitempty"`
	Name       string              `json:"name,omitempty"`
	ToolCalls  []openAIToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string              `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

func messageToUnified(m openAIMessage) types.Message {
	out := types.Message{Role: types.Role(m.Role), Name: m.Name}
	if m.ToolCallID != "" {
		content := contentText(m.Content)
		out.ToolResult = &types.ToolResult{ToolCallID: m.ToolCallID, Content: content}
		return out
	}
	if len(m.Content) > 0 {
		out.Blocks = contentToBlocks(m.Content)
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID: tc.ID, Name: tc.Function.Name, Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

func contentText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	blocks := contentToBlocks(raw)
	var out string
	for _, b := range blocks {
		if b.Type == types.ContentText {
			out += b.Text
		}
	}
	return out
}

func contentToBlocks(raw json.RawMessage) []types.ContentBlock {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []types.ContentBlock{types.TextBlock(s)}
	}
	var parts []openAIContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	blocks := make([]types.ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, types.TextBlock(p.Text))
		case "image_url":
			if p.ImageURL != nil {
				blocks = append(blocks, types.ContentBlock{Type: types.ContentImage, ImageURL: p.ImageURL.URL})
			}
		}
	}
	return blocks
}

func toolsToUnified(tools []openAITool) []types.ToolSchema {
	if len(tools) == 0 {
		return nil
	}
	out := make([]types.ToolSchema, 0, len(tools))
	for _, t := range tools {
		out = append(out, types.ToolSchema{
			Name: t.Function.Name, Description: t.Function.Description, Parameters: t.Function.Parameters,
		})
	}
	return out
}

func toolChoiceToUnified(raw json.RawMessage) *types.ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "auto":
			return &types.ToolChoice{Mode: types.ToolChoiceAuto}
		case "none":
			return &types.ToolChoice{Mode: types.ToolChoiceNone}
		case "required":
			return &types.ToolChoice{Mode: types.ToolChoiceRequired}
		}
		return nil
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &named) == nil && named.Function.Name != "" {
		return &types.ToolChoice{Mode: types.ToolChoiceSpecific, Name: named.Function.Name}
	}
	return nil
}

func (h *OpenAIHandler) toUnifiedRequest(req openAIChatRequest) llm.UnifiedRequest {
	messages := make([]types.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, messageToUnified(m))
	}
	return llm.UnifiedRequest{
		Model:       req.Model,
		Messages:    messages,
		Tools:       toolsToUnified(req.Tools),
		ToolChoice:  toolChoiceToUnified(req.ToolChoice),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}
}

// openAIChatMessage and openAIChoice mirror the public response shape;
// distinct from openAIMessage because responses never carry a tool_call_id
// on the top-level message and always render content as a plain string.
type openAIChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIChoice struct {
	Index        int                `json:"index"`
	Message      *openAIChatMessage `json:"message,omitempty"`
	Delta        *openAIChatMessage `json:"delta,omitempty"`
	FinishReason *string            `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

func messageFromUnified(m *types.Message) *openAIChatMessage {
	if m == nil {
		return nil
	}
	out := &openAIChatMessage{Role: string(m.Role), Content: m.Text()}
	for _, tc := range m.ToolCalls {
		var wireTC openAIToolCall
		wireTC.ID = tc.ID
		wireTC.Type = "function"
		wireTC.Function.Name = tc.Name
		wireTC.Function.Arguments = string(tc.Arguments)
		out.ToolCalls = append(out.ToolCalls, wireTC)
	}
	return out
}

func finishReasonPtr(fr types.FinishReason) *string {
	if fr == types.FinishNone {
		return nil
	}
	s := string(fr)
	return &s
}

func choicesFromUnified(choices []llm.Choice, streaming bool) []openAIChoice {
	out := make([]openAIChoice, 0, len(choices))
	for _, c := range choices {
		oc := openAIChoice{Index: c.Index, FinishReason: finishReasonPtr(c.FinishReason)}
		if streaming {
			oc.Delta = messageFromUnified(c.Delta)
		} else {
			oc.Message = messageFromUnified(c.Message)
		}
		out = append(out, oc)
	}
	return out
}

func responseFromUnified(r *llm.UnifiedResponse) openAIChatResponse {
	return openAIChatResponse{
		ID: r.ID, Object: "chat.completion", Created: r.Created, Model: r.Model,
		Choices: choicesFromUnified(r.Choices, false),
		Usage: openAIUsage{
			PromptTokens: r.Usage.PromptTokens, CompletionTokens: r.Usage.CompletionTokens, TotalTokens: r.Usage.TotalTokens,
		},
	}
}

type openAIChatChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
}

func chunkFromUnified(c *llm.UnifiedChunk) openAIChatChunk {
	out := openAIChatChunk{
		ID: c.ID, Object: "chat.completion.chunk", Created: c.Created, Model: c.Model,
		Choices: choicesFromUnified(c.Choices, true),
	}
	if c.Usage != nil {
		out.Usage = &openAIUsage{
			PromptTokens: c.Usage.PromptTokens, CompletionTokens: c.Usage.CompletionTokens, TotalTokens: c.Usage.TotalTokens,
		}
	}
	return out
}

// resolveAndCheck performs spec §4.3 model resolution plus the §4.1 LLM
// token-rate-limit check shared by the unary and streaming paths. On
// success it returns the resolved route; the callers attach its header
// rule set to the context handed to the provider client.
func (h *OpenAIHandler) resolveAndCheck(r *http.Request, unified llm.UnifiedRequest) (llm.Resolved, error) {
	resolved, err := h.router.Resolve(unified.Model)
	if err != nil {
		return llm.Resolved{}, err
	}
	clientID, _ := ctxkeys.ClientID(r.Context())
	group, _ := ctxkeys.ClientGroup(r.Context())
	n := int64(tokenizer.CountRequest(resolved.UpstreamID, unified.Messages, unified.Tools))
	decision, err := h.limiter.CheckLLMTokens(r.Context(), resolved.ProviderRateLimit, resolved.ModelRateLimit,
		resolved.ProviderName, resolved.UpstreamID, clientID, group, n)
	if err != nil {
		return llm.Resolved{}, nexuserr.Wrap(nexuserr.KindInternalError, "rate-limit check failed", err)
	}
	if !decision.Allowed {
		return llm.Resolved{}, nexuserr.New(nexuserr.KindRateLimitExceeded, "rate limit exceeded").WithRetryable(true)
	}
	return resolved, nil
}

// HandleChatCompletions implements POST /llm/openai/v1/chat/completions,
// dispatching to either Completion or Stream depending on the request's
// stream flag; streaming responses are written as an SSE event per chunk
// terminated by the literal "data: [DONE]\n\n" line OpenAI clients expect.
func (h *OpenAIHandler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openAIChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nexuserr.New(nexuserr.KindInvalidRequest, "invalid JSON body"), h.logger)
		return
	}
	if req.Model == "" {
		writeError(w, nexuserr.New(nexuserr.KindInvalidRequest, "model is required"), h.logger)
		return
	}
	unified := h.toUnifiedRequest(req)

	resolved, err := h.resolveAndCheck(r, unified)
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
		writeJSON(w, http.StatusOK, responseFromUnified(resp))
		return
	}

	events, err := resolved.Provider.Stream(ctx, unified)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	h.streamSSE(w, events)
}

func (h *OpenAIHandler) streamSSE(w http.ResponseWriter, events <-chan llm.StreamEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for ev := range events {
		if ev.Err != nil {
			h.logger.Error("stream terminated with error", zap.Error(ev.Err))
			break
		}
		if ev.Chunk == nil {
			continue
		}
		payload, err := json.Marshal(chunkFromUnified(ev.Chunk))
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		if flusher != nil {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type openAIModelList struct {
	Object string        `json:"object"`
	Data   []openAIModel `json:"data"`
}

// HandleListModels implements GET /llm/openai/v1/models by reading one
// ModelMap snapshot, per spec §3's "no read-tearing" invariant: the listing
// reflects a single point-in-time view, never a mix of two discovery
// passes.
func (h *OpenAIHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	snapshot := h.router.ModelMap()
	entries := snapshot.Models()
	out := openAIModelList{Object: "list", Data: make([]openAIModel, 0, len(entries))}
	for _, e := range entries {
		out.Data = append(out.Data, openAIModel{ID: e.ID, Object: "model", Created: e.Created, OwnedBy: e.Provider})
	}
	writeJSON(w, http.StatusOK, out)
}

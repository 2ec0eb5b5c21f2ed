// Package google implements llm.Provider against the Gemini
// generateContent/streamGenerateContent REST API with a hand-rolled
// net/http client rather than an official SDK: Gemini is the one provider
// SPEC_FULL.md keeps on the standard library, since no example repo in the
// corpus imports google.golang.org/genai or google/generative-ai-go against
// a REST base URL Nexus's own config supplies (the examples that do use
// Gemini go through google/generative-ai-go, whose client is constructed
// with a fixed endpoint and doesn't take the per-call BaseURL/header
// override surface spec §4.3 requires). Style (endpoint building, header
// construction, SSE line scanning, status-to-error mapping) is grounded on
// the teacher's providers/anthropic/provider.go (claude.ClaudeProvider),
// which takes the identical hand-rolled-REST-plus-SSE shape; message/role
// conversion is grounded on taipm-go-deep-agent/agent/adapters/gemini_adapter.go
// (system via a dedicated field, user/assistant -> user/model role rename,
// parts-based content, FunctionCall/FunctionResponse tool encoding).
package google

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grafbase/nexus/internal/nexuserr"
	"github.com/grafbase/nexus/internal/tlsutil"
	"github.com/grafbase/nexus/llm"
	"github.com/grafbase/nexus/llm/providers"
	"github.com/grafbase/nexus/types"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultBaseURL  = "https://generativelanguage.googleapis.com/v1beta"
	defaultMaxTokens = 4096
)

// Config configures one Gemini-backed provider instance.
type Config struct {
	Name         string
	APIKey       string
	BaseURL      string
	ForwardToken bool
	Timeout      time.Duration
	Headers      []llm.HeaderRule
}

// Provider implements llm.Provider against Gemini's REST API.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds a Gemini provider client.
func New(cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger.With(zap.String("provider", cfg.Name)),
	}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) buildRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	key, ok := providers.ResolveAPIKey(ctx, p.cfg.ForwardToken, p.cfg.APIKey)
	if !ok {
		return nil, nexuserr.New(nexuserr.KindAuthenticationFailed, "no API key available for provider "+p.cfg.Name).WithProvider(p.cfg.Name)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindInternalError, "build gemini request", err).WithProvider(p.cfg.Name)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", key)
	for name, values := range providers.BuildHeaders(ctx, p.cfg.Headers) {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	return httpReq, nil
}

func (p *Provider) endpoint(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", strings.TrimRight(p.cfg.BaseURL, "/"), model, method)
}

func (p *Provider) Completion(ctx context.Context, req llm.UnifiedRequest) (*llm.UnifiedResponse, error) {
	body, err := json.Marshal(toGenerateRequest(req))
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindInvalidRequest, "encode gemini request", err).WithProvider(p.cfg.Name)
	}
	httpReq, err := p.buildRequest(ctx, http.MethodPost, p.endpoint(req.Model, "generateContent"), body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindConnectionError, "gemini request failed", err).WithProvider(p.cfg.Name).WithRetryable(true)
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.cfg.Name)
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindProviderAPIError, "decode gemini response", err).WithProvider(p.cfg.Name).WithRetryable(true)
	}
	return fromGenerateResponse(req.Model, parsed), nil
}

func (p *Provider) Stream(ctx context.Context, req llm.UnifiedRequest) (<-chan llm.StreamEvent, error) {
	body, err := json.Marshal(toGenerateRequest(req))
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindInvalidRequest, "encode gemini request", err).WithProvider(p.cfg.Name)
	}
	url := p.endpoint(req.Model, "streamGenerateContent") + "?alt=sse"
	httpReq, err := p.buildRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindConnectionError, "gemini request failed", err).WithProvider(p.cfg.Name).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		defer providers.SafeCloseBody(resp.Body)
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.cfg.Name)
	}

	ch := make(chan llm.StreamEvent)
	go func() {
		defer providers.SafeCloseBody(resp.Body)
		defer close(ch)

		reader := bufio.NewReader(resp.Body)
		var sawTerminal bool
		var usage *types.Usage

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					ch <- llm.StreamEvent{Err: nexuserr.Wrap(nexuserr.KindProviderAPIError, "gemini stream read failed", err).WithProvider(p.cfg.Name).WithRetryable(true)}
				}
				break
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}

			var parsed generateResponse
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				ch <- llm.StreamEvent{Err: nexuserr.Wrap(nexuserr.KindProviderAPIError, "decode gemini stream chunk", err).WithProvider(p.cfg.Name)}
				return
			}

			uc := toUnifiedChunk(req.Model, parsed)
			if uc.Usage != nil {
				usage = uc.Usage
			}
			if uc.Terminal() {
				sawTerminal = true
			}
			ch <- llm.StreamEvent{Chunk: &uc}
		}

		if !sawTerminal {
			ch <- llm.StreamEvent{Chunk: &llm.UnifiedChunk{
				Model:   req.Model,
				Choices: []llm.Choice{{Index: 0, FinishReason: types.FinishStop}},
				Usage:   usage,
			}}
		}
	}()
	return ch, nil
}

// ListModels calls Gemini's models.list REST endpoint.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	url := fmt.Sprintf("%s/models", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, err := p.buildRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindConnectionError, "gemini request failed", err).WithProvider(p.cfg.Name).WithRetryable(true)
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.cfg.Name)
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"` // "models/gemini-1.5-pro"
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindProviderAPIError, "decode gemini models response", err).WithProvider(p.cfg.Name)
	}

	out := make([]llm.Model, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		id := strings.TrimPrefix(m.Name, "models/")
		out = append(out, llm.Model{ID: id, Provider: p.cfg.Name, UpstreamID: id})
	}
	return out, nil
}

// Wire types for the Gemini REST API.

type contentPart struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type functionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type content struct {
	Role  string        `json:"role,omitempty"` // "user" or "model"
	Parts []contentPart `json:"parts"`
}

type generateRequest struct {
	Contents          []content          `json:"contents"`
	SystemInstruction *content           `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig  `json:"generationConfig,omitempty"`
	Tools             []geminiTool       `json:"tools,omitempty"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type generateResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

// toGenerateRequest converts a UnifiedRequest into Gemini's contents/parts
// shape: system messages move into SystemInstruction, assistant is renamed
// to "model" (spec §4.3's literal Gemini wire mapping), and tool results
// are reported back as a user-role functionResponse part.
func toGenerateRequest(req llm.UnifiedRequest) generateRequest {
	out := generateRequest{}

	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			if text := m.Text(); text != "" {
				out.SystemInstruction = &content{Parts: []contentPart{{Text: text}}}
			}
			continue
		}
		if m.Role == types.RoleTool {
			if m.ToolResult == nil {
				continue
			}
			resp, _ := json.Marshal(map[string]string{"result": m.ToolResult.Content})
			out.Contents = append(out.Contents, content{
				Role: "user",
				Parts: []contentPart{{
					FunctionResponse: &functionResponse{Name: m.ToolResult.ToolCallID, Response: resp},
				}},
			})
			continue
		}

		role := "user"
		if m.Role == types.RoleAssistant {
			role = "model"
		}
		var parts []contentPart
		if text := m.Text(); text != "" {
			parts = append(parts, contentPart{Text: text})
		}
		for _, tc := range m.ToolCalls {
			parts = append(parts, contentPart{FunctionCall: &functionCall{Name: tc.Name, Args: tc.Arguments}})
		}
		if len(parts) == 0 {
			continue
		}
		out.Contents = append(out.Contents, content{Role: role, Parts: parts})
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	gc := &generationConfig{MaxOutputTokens: maxTokens, StopSequences: req.Stop}
	if req.Temperature != nil {
		t := *req.Temperature
		if t > 1.0 {
			t = 1.0 // Gemini's temperature range is 0-1, clamp rather than reject
		}
		gc.Temperature = &t
	}
	if req.TopP != nil {
		gc.TopP = req.TopP
	}
	out.GenerationConfig = gc

	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return out
}

func fromGenerateResponse(model string, resp generateResponse) *llm.UnifiedResponse {
	out := &llm.UnifiedResponse{Model: model}
	for _, c := range resp.Candidates {
		msg := fromContent(c.Content)
		out.Choices = append(out.Choices, llm.Choice{
			Index:        c.Index,
			Message:      &msg,
			FinishReason: mapFinishReason(c.FinishReason),
		})
	}
	if resp.UsageMetadata != nil {
		out.Usage = types.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out
}

func toUnifiedChunk(model string, resp generateResponse) llm.UnifiedChunk {
	uc := llm.UnifiedChunk{Model: model}
	for _, c := range resp.Candidates {
		msg := fromContent(c.Content)
		uc.Choices = append(uc.Choices, llm.Choice{
			Index:        c.Index,
			Delta:        &msg,
			FinishReason: mapFinishReason(c.FinishReason),
		})
	}
	if resp.UsageMetadata != nil {
		uc.Usage = &types.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return uc
}

func fromContent(c content) types.Message {
	msg := types.Message{Role: types.RoleAssistant}
	for _, part := range c.Parts {
		if part.Text != "" {
			msg.Blocks = append(msg.Blocks, types.TextBlock(part.Text))
		}
		if part.FunctionCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}
	return msg
}

func mapFinishReason(reason string) types.FinishReason {
	switch reason {
	case "STOP":
		return types.FinishStop
	case "MAX_TOKENS":
		return types.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return types.FinishContentFilter
	case "":
		return types.FinishNone
	default:
		return types.FinishStop
	}
}

// Package openai implements llm.Provider against the OpenAI Chat
// Completions API using the official github.com/openai/openai-go SDK.
// Grounded on the teacher's pack-sibling usage of the same SDK
// (other_examples NeboLoop openai.go: client construction, per-request
// option.RequestOption, ChatCompletionAccumulator-free streaming via
// stream.Next/Current/Err) and taipm-go-deep-agent/agent/builder.go
// (ChatCompletionNewParams field population, tool-call round-tripping).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/grafbase/nexus/internal/nexuserr"
	"github.com/grafbase/nexus/internal/tlsutil"
	"github.com/grafbase/nexus/llm"
	"github.com/grafbase/nexus/llm/providers"
	"github.com/grafbase/nexus/types"
)

// defaultTimeout is the upstream request timeout used when Config.Timeout
// is not positive.
const defaultTimeout = 60 * time.Second

// Config configures one OpenAI-backed provider instance.
type Config struct {
	Name         string
	APIKey       string
	BaseURL      string
	ForwardToken bool
	Timeout      time.Duration
	Headers      []llm.HeaderRule
}

// Provider implements llm.Provider against the OpenAI Chat Completions API.
type Provider struct {
	cfg    Config
	client sdk.Client
	logger *zap.Logger
}

// New builds an OpenAI provider client.
func New(cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opts := []option.RequestOption{
		option.WithHTTPClient(tlsutil.SecureHTTPClient(timeout)),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{
		cfg:    cfg,
		client: sdk.NewClient(opts...),
		logger: logger.With(zap.String("provider", cfg.Name)),
	}
}

func (p *Provider) Name() string { return p.cfg.Name }

// callOptions resolves the per-call auth key (honoring token forwarding)
// and header rules into openai-go request options.
func (p *Provider) callOptions(ctx context.Context) ([]option.RequestOption, error) {
	key, ok := providers.ResolveAPIKey(ctx, p.cfg.ForwardToken, p.cfg.APIKey)
	if !ok {
		return nil, nexuserr.New(nexuserr.KindAuthenticationFailed, "no API key available for provider "+p.cfg.Name).WithProvider(p.cfg.Name)
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	for name, values := range providers.BuildHeaders(ctx, p.cfg.Headers) {
		for _, v := range values {
			opts = append(opts, option.WithHeader(name, v))
		}
	}
	return opts, nil
}

func (p *Provider) Completion(ctx context.Context, req llm.UnifiedRequest) (*llm.UnifiedResponse, error) {
	opts, err := p.callOptions(ctx)
	if err != nil {
		return nil, err
	}
	params, err := toChatParams(req)
	if err != nil {
		return nil, err
	}
	completion, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, mapError(err, p.cfg.Name)
	}
	return fromChatCompletion(completion), nil
}

func (p *Provider) Stream(ctx context.Context, req llm.UnifiedRequest) (<-chan llm.StreamEvent, error) {
	opts, err := p.callOptions(ctx)
	if err != nil {
		return nil, err
	}
	params, err := toChatParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		var sawTerminal bool
		var lastID, lastModel string
		var usage *types.Usage

		for stream.Next() {
			chunk := stream.Current()
			lastID = chunk.ID
			lastModel = chunk.Model
			uc := fromChatChunk(chunk)
			if uc.Terminal() {
				sawTerminal = true
			}
			if uc.Usage != nil {
				usage = uc.Usage
			}
			ch <- llm.StreamEvent{Chunk: &uc}
		}
		if err := stream.Err(); err != nil {
			ch <- llm.StreamEvent{Err: mapError(err, p.cfg.Name)}
			return
		}
		// spec §4.3 streaming contract: guarantee exactly one terminal chunk
		// even when the upstream closes early without a finish_reason.
		if !sawTerminal {
			ch <- llm.StreamEvent{Chunk: &llm.UnifiedChunk{
				ID:      lastID,
				Model:   lastModel,
				Choices: []llm.Choice{{Index: 0, FinishReason: types.FinishStop}},
				Usage:   usage,
			}}
		}
	}()
	return ch, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	key, ok := providers.ResolveAPIKey(ctx, p.cfg.ForwardToken, p.cfg.APIKey)
	if !ok {
		return nil, nexuserr.New(nexuserr.KindAuthenticationFailed, "no API key available for provider "+p.cfg.Name).WithProvider(p.cfg.Name)
	}
	iter := p.client.Models.ListAutoPaging(ctx, option.WithAPIKey(key))
	var out []llm.Model
	for iter.Next() {
		m := iter.Current()
		out = append(out, llm.Model{ID: m.ID, Provider: p.cfg.Name, UpstreamID: m.ID, Created: m.Created})
	}
	if err := iter.Err(); err != nil {
		return nil, mapError(err, p.cfg.Name)
	}
	return out, nil
}

func toChatParams(req llm.UnifiedRequest) (sdk.ChatCompletionNewParams, error) {
	messages, err := toMessages(req.Messages)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = sdk.Int(int64(*req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = sdk.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if len(req.Tools) > 0 {
		params.Tools = toTools(req.Tools)
	}
	if req.ToolChoice != nil {
		params.ToolChoice = toToolChoice(*req.ToolChoice)
	}
	return params, nil
}

func toMessages(msgs []types.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Text()))
		case types.RoleUser:
			out = append(out, sdk.UserMessage(m.Text()))
		case types.RoleAssistant:
			assistant := sdk.ChatCompletionAssistantMessageParam{}
			if text := m.Text(); text != "" {
				assistant.Content = sdk.ChatCompletionAssistantMessageParamContentUnion{
					OfString: sdk.String(text),
				}
			}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case types.RoleTool:
			if m.ToolResult == nil {
				return nil, nexuserr.New(nexuserr.KindInvalidRequest, "tool message missing tool_result")
			}
			out = append(out, sdk.ToolMessage(m.ToolResult.Content, m.ToolResult.ToolCallID))
		default:
			return nil, nexuserr.New(nexuserr.KindInvalidRequest, fmt.Sprintf("unsupported role %q", m.Role))
		}
	}
	return out, nil
}

func toTools(tools []types.ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.Parameters, &schema)
		out = append(out, sdk.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			Parameters:  shared.FunctionParameters(schema),
		}))
	}
	return out
}

func toToolChoice(choice types.ToolChoice) sdk.ChatCompletionToolChoiceOptionUnionParam {
	switch choice.Mode {
	case types.ToolChoiceNone:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("none")}
	case types.ToolChoiceRequired:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("required")}
	case types.ToolChoiceSpecific:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}
	default:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("auto")}
	}
}

func fromChatCompletion(c *sdk.ChatCompletion) *llm.UnifiedResponse {
	resp := &llm.UnifiedResponse{
		ID:      c.ID,
		Created: c.Created,
		Model:   c.Model,
	}
	for _, choice := range c.Choices {
		msg := types.Message{Role: types.RoleAssistant}
		if choice.Message.Content != "" {
			msg.Blocks = []types.ContentBlock{types.TextBlock(choice.Message.Content)}
		}
		for _, tc := range choice.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		resp.Choices = append(resp.Choices, llm.Choice{
			Index:        int(choice.Index),
			Message:      &msg,
			FinishReason: mapFinishReason(string(choice.FinishReason)),
		})
	}
	resp.Usage = types.Usage{
		PromptTokens:     int(c.Usage.PromptTokens),
		CompletionTokens: int(c.Usage.CompletionTokens),
		TotalTokens:      int(c.Usage.TotalTokens),
	}
	return resp
}

func fromChatChunk(c sdk.ChatCompletionChunk) llm.UnifiedChunk {
	uc := llm.UnifiedChunk{ID: c.ID, Created: c.Created, Model: c.Model}
	for _, choice := range c.Choices {
		delta := types.Message{Role: types.RoleAssistant}
		if choice.Delta.Content != "" {
			delta.Blocks = []types.ContentBlock{types.TextBlock(choice.Delta.Content)}
		}
		for _, tc := range choice.Delta.ToolCalls {
			delta.ToolCalls = append(delta.ToolCalls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		uc.Choices = append(uc.Choices, llm.Choice{
			Index:        int(choice.Index),
			Delta:        &delta,
			FinishReason: mapFinishReason(string(choice.FinishReason)),
		})
	}
	if c.Usage.TotalTokens > 0 {
		uc.Usage = &types.Usage{
			PromptTokens:     int(c.Usage.PromptTokens),
			CompletionTokens: int(c.Usage.CompletionTokens),
			TotalTokens:      int(c.Usage.TotalTokens),
		}
	}
	return uc
}

func mapFinishReason(reason string) types.FinishReason {
	switch reason {
	case "stop":
		return types.FinishStop
	case "length":
		return types.FinishLength
	case "tool_calls":
		return types.FinishToolCalls
	case "content_filter":
		return types.FinishContentFilter
	default:
		return types.FinishNone
	}
}

func mapError(err error, provider string) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		return providers.MapHTTPError(apiErr.StatusCode, msg, provider)
	}
	return nexuserr.Wrap(nexuserr.KindConnectionError, "openai request failed", err).WithProvider(provider)
}

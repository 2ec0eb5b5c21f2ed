// Package anthropic implements llm.Provider against the Anthropic Messages
// API using github.com/anthropics/anthropic-sdk-go. Request/response
// translation and the streaming event switch are grounded on
// goadesign-goa-ai/features/model/anthropic/{client,stream}.go (system
// extraction, tool_use/tool_result block encoding, ContentBlockDelta/
// MessageDelta/MessageStop event handling), adapted from that package's
// planner-facing model.Request/Response shape to Nexus's UnifiedRequest/
// UnifiedResponse/UnifiedChunk.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/grafbase/nexus/internal/nexuserr"
	"github.com/grafbase/nexus/internal/tlsutil"
	"github.com/grafbase/nexus/llm"
	"github.com/grafbase/nexus/llm/providers"
	"github.com/grafbase/nexus/types"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultMaxTokens = 4096 // spec §4.3: Anthropic requires max_tokens, default 4096 if the caller omits it
)

// Config configures one Anthropic-backed provider instance.
type Config struct {
	Name         string
	APIKey       string
	BaseURL      string
	ForwardToken bool
	Timeout      time.Duration
	Headers      []llm.HeaderRule
}

// Provider implements llm.Provider against the Anthropic Messages API.
type Provider struct {
	cfg    Config
	client sdk.Client
	logger *zap.Logger
}

// New builds an Anthropic provider client.
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
	params, err := toMessageParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, mapError(err, p.cfg.Name)
	}
	return fromMessage(msg), nil
}

func (p *Provider) Stream(ctx context.Context, req llm.UnifiedRequest) (<-chan llm.StreamEvent, error) {
	opts, err := p.callOptions(ctx)
	if err != nil {
		return nil, err
	}
	params, err := toMessageParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params, opts...)

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		proc := newEventProcessor()
		var sawTerminal bool

		for stream.Next() {
			event := stream.Current()
			uc, ok := proc.handle(event)
			if !ok {
				continue
			}
			if uc.Terminal() {
				sawTerminal = true
			}
			ch <- llm.StreamEvent{Chunk: &uc}
		}
		if err := stream.Err(); err != nil {
			ch <- llm.StreamEvent{Err: mapError(err, p.cfg.Name)}
			return
		}
		if !sawTerminal {
			ch <- llm.StreamEvent{Chunk: &llm.UnifiedChunk{
				ID:      proc.id,
				Model:   proc.model,
				Choices: []llm.Choice{{Index: 0, FinishReason: types.FinishStop}},
				Usage:   proc.usage,
			}}
		}
	}()
	return ch, nil
}

// ListModels is unsupported by this client: Anthropic's model listing API
// exists but every Nexus deployment pins explicit Anthropic models rather
// than discovering them (no recognizable public model-filter use case for
// Claude's catalog), so this returns an empty list rather than wiring a
// second HTTP surface with no caller.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return nil, nil
}

func toMessageParams(req llm.UnifiedRequest) (sdk.MessageNewParams, error) {
	system, messages, err := toMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if len(req.Tools) > 0 {
		params.Tools = toTools(req.Tools)
	}
	if req.ToolChoice != nil {
		params.ToolChoice = toToolChoice(*req.ToolChoice)
	}
	return params, nil
}

// toMessages extracts system messages into the dedicated `system` field and
// converts the remaining user/assistant/tool turns into Anthropic's
// content-block message shape (spec §4.3: "system extracted from messages
// into `system`; user/assistant alternation enforced" — alternation is the
// caller's responsibility, this function preserves ordering as given).
func toMessages(msgs []types.Message) ([]sdk.TextBlockParam, []sdk.MessageParam, error) {
	var system []sdk.TextBlockParam
	var out []sdk.MessageParam

	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, sdk.TextBlockParam{Text: text})
			}
			continue
		}
		if m.Role == types.RoleTool {
			if m.ToolResult == nil {
				return nil, nil, nexuserr.New(nexuserr.KindInvalidRequest, "tool message missing tool_result")
			}
			out = append(out, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolResult.ToolCallID, m.ToolResult.Content, m.ToolResult.IsError),
			))
			continue
		}

		var blocks []sdk.ContentBlockParamUnion
		if text := m.Text(); text != "" {
			blocks = append(blocks, sdk.NewTextBlock(text))
		}
		for _, tc := range m.ToolCalls {
			var input any
			_ = json.Unmarshal(tc.Arguments, &input)
			blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case types.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case types.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, nexuserr.New(nexuserr.KindInvalidRequest, "unsupported message role for anthropic")
		}
	}
	if len(out) == 0 {
		return nil, nil, nexuserr.New(nexuserr.KindInvalidRequest, "at least one user/assistant message is required")
	}
	return system, out, nil
}

func toTools(tools []types.ToolSchema) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.Parameters, &schema)
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, t.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out
}

func toToolChoice(choice types.ToolChoice) sdk.ToolChoiceUnionParam {
	switch choice.Mode {
	case types.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}
	case types.ToolChoiceRequired:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	case types.ToolChoiceSpecific:
		return sdk.ToolChoiceParamOfTool(choice.Name)
	default:
		return sdk.ToolChoiceUnionParam{}
	}
}

func fromMessage(msg *sdk.Message) *llm.UnifiedResponse {
	message := types.Message{Role: types.RoleAssistant}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				message.Blocks = append(message.Blocks, types.TextBlock(block.Text))
			}
		case "tool_use":
			raw, _ := json.Marshal(block.Input)
			message.ToolCalls = append(message.ToolCalls, types.ToolCall{
				ID: block.ID, Name: block.Name, Arguments: raw,
			})
		}
	}
	return &llm.UnifiedResponse{
		ID:    msg.ID,
		Model: msg.Model,
		Choices: []llm.Choice{{
			Index:        0,
			Message:      &message,
			FinishReason: mapStopReason(string(msg.StopReason)),
		}},
		Usage: types.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

// eventProcessor accumulates one Anthropic stream's tool_use blocks and
// tracks the running id/model/usage needed to synthesize a terminal chunk
// if the upstream connection closes before message_stop arrives.
type eventProcessor struct {
	id, model  string
	toolBlocks map[int64]*toolCallBuffer
	usage      *types.Usage
	stopReason string
}

type toolCallBuffer struct {
	id, name string
	args     []byte
}

func newEventProcessor() *eventProcessor {
	return &eventProcessor{toolBlocks: make(map[int64]*toolCallBuffer)}
}

// handle translates one stream event into a UnifiedChunk. ok is false for
// events that carry no caller-visible delta (message_start bookkeeping).
func (p *eventProcessor) handle(event sdk.MessageStreamEventUnion) (llm.UnifiedChunk, bool) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.id = ev.Message.ID
		p.model = ev.Message.Model
		return llm.UnifiedChunk{}, false

	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			p.toolBlocks[ev.Index] = &toolCallBuffer{id: toolUse.ID, name: toolUse.Name}
		}
		return llm.UnifiedChunk{}, false

	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return llm.UnifiedChunk{}, false
			}
			return p.chunk(types.Message{
				Role:   types.RoleAssistant,
				Blocks: []types.ContentBlock{types.TextBlock(delta.Text)},
			}, types.FinishNone), true
		case sdk.InputJSONDelta:
			tb := p.toolBlocks[ev.Index]
			if tb == nil || delta.PartialJSON == "" {
				return llm.UnifiedChunk{}, false
			}
			tb.args = append(tb.args, []byte(delta.PartialJSON)...)
			return llm.UnifiedChunk{}, false
		default:
			return llm.UnifiedChunk{}, false
		}

	case sdk.ContentBlockStopEvent:
		tb := p.toolBlocks[ev.Index]
		if tb == nil {
			return llm.UnifiedChunk{}, false
		}
		delete(p.toolBlocks, ev.Index)
		args := tb.args
		if len(args) == 0 {
			args = []byte("{}")
		}
		return p.chunk(types.Message{
			Role:      types.RoleAssistant,
			ToolCalls: []types.ToolCall{{ID: tb.id, Name: tb.name, Arguments: args}},
		}, types.FinishNone), true

	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		p.usage = &types.Usage{
			PromptTokens:     int(ev.Usage.InputTokens),
			CompletionTokens: int(ev.Usage.OutputTokens),
			TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
		}
		return llm.UnifiedChunk{}, false

	case sdk.MessageStopEvent:
		uc := p.chunk(types.Message{Role: types.RoleAssistant}, mapStopReason(p.stopReason))
		uc.Usage = p.usage
		return uc, true

	default:
		return llm.UnifiedChunk{}, false
	}
}

func (p *eventProcessor) chunk(delta types.Message, finish types.FinishReason) llm.UnifiedChunk {
	return llm.UnifiedChunk{
		ID:      p.id,
		Model:   p.model,
		Choices: []llm.Choice{{Index: 0, Delta: &delta, FinishReason: finish}},
	}
}

func mapStopReason(reason string) types.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return types.FinishStop
	case "max_tokens":
		return types.FinishLength
	case "tool_use":
		return types.FinishToolCalls
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
	return nexuserr.Wrap(nexuserr.KindConnectionError, "anthropic request failed", err).WithProvider(provider)
}

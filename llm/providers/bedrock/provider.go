// Package bedrock implements llm.Provider against AWS Bedrock's unified
// Converse/ConverseStream API, covering every Bedrock-hosted model family
// through one wire shape rather than per-model request formats. Grounded on
// goadesign-goa-ai/features/model/bedrock/{client,stream}.go: message/tool
// encoding into brtypes.ContentBlock/ToolConfiguration, the
// ConverseStreamEventStream event-channel consumption loop, and tool-name
// sanitization to Bedrock's [a-zA-Z0-9_-]{1,64} constraint. Credential
// resolution (env -> shared profile -> IAM role) is the AWS SDK's own
// default chain, loaded via aws-sdk-go-v2/config.LoadDefaultConfig; Bedrock
// never accepts a forwarded caller token (spec §4.3), a rule config.Loader
// already enforces at startup (config/loader.go validateProviders).
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"

	"github.com/grafbase/nexus/internal/nexuserr"
	"github.com/grafbase/nexus/llm"
	"github.com/grafbase/nexus/llm/providers"
	"github.com/grafbase/nexus/types"
)

const defaultTimeout = 60 * time.Second

// Config configures one Bedrock-backed provider instance.
type Config struct {
	Name    string
	Region  string
	Profile string
	Timeout time.Duration
	// Headers is intentionally unused: spec §4.3 says all non-SigV4 header
	// rules are ignored for Bedrock and warned about at startup, since
	// every outbound header is computed by the SDK's SigV4 signer.
	Headers []llm.HeaderRule
}

// Provider implements llm.Provider against AWS Bedrock Converse/ConverseStream.
type Provider struct {
	cfg     Config
	runtime *bedrockruntime.Client
	logger  *zap.Logger
}

// New resolves AWS credentials via the SDK's default chain (environment,
// shared config/profile, EC2/ECS IAM role) and builds a Bedrock provider.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts []func(*awscfg.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awscfg.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awscfg.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config for bedrock provider %s: %w", cfg.Name, err)
	}
	if len(cfg.Headers) > 0 {
		logger.Warn("ignoring header rules for bedrock provider: all non-SigV4 headers are computed by the AWS signer",
			zap.String("provider", cfg.Name))
	}
	return &Provider{
		cfg:     cfg,
		runtime: bedrockruntime.NewFromConfig(awsCfg),
		logger:  logger.With(zap.String("provider", cfg.Name)),
	}, nil
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Completion(ctx context.Context, req llm.UnifiedRequest) (*llm.UnifiedResponse, error) {
	parts, err := toConverseParts(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  &req.Model,
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	input.InferenceConfig = inferenceConfig(req)

	output, err := p.runtime.Converse(ctx, input)
	if err != nil {
		return nil, mapError(err, p.cfg.Name)
	}
	return fromConverseOutput(req.Model, output, parts.nameBySanitized)
}

func (p *Provider) Stream(ctx context.Context, req llm.UnifiedRequest) (<-chan llm.StreamEvent, error) {
	parts, err := toConverseParts(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  &req.Model,
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	input.InferenceConfig = inferenceConfig(req)

	output, err := p.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, mapError(err, p.cfg.Name)
	}
	stream := output.GetStream()
	if stream == nil {
		return nil, nexuserr.New(nexuserr.KindProviderAPIError, "bedrock stream output missing event stream").WithProvider(p.cfg.Name)
	}

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		defer stream.Close()

		proc := newEventProcessor(req.Model, parts.nameBySanitized)
		var sawTerminal bool

		for event := range stream.Events() {
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
				Model:   req.Model,
				Choices: []llm.Choice{{Index: 0, FinishReason: types.FinishStop}},
				Usage:   proc.usage,
			}}
		}
	}()
	return ch, nil
}

// ListModels is unsupported: Bedrock model availability is governed by
// per-account model-access grants, not a public catalog endpoint callable
// with the runtime client this provider holds (bedrock.ListFoundationModels
// lives on the separate control-plane "bedrock" client, which Nexus has no
// other use for) — every Bedrock deployment pins explicit model IDs.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return nil, nil
}

type converseParts struct {
	messages        []brtypes.Message
	system          []brtypes.SystemContentBlock
	toolConfig      *brtypes.ToolConfiguration
	nameBySanitized map[string]string // sanitized tool name -> original name
}

func toConverseParts(req llm.UnifiedRequest) (*converseParts, error) {
	toolConfig, sanitizedByName, nameBySanitized, err := encodeTools(req.Tools, req.ToolChoice)
	if err != nil {
		return nil, err
	}
	messages, system, err := encodeMessages(req.Messages, sanitizedByName)
	if err != nil {
		return nil, err
	}
	return &converseParts{messages: messages, system: system, toolConfig: toolConfig, nameBySanitized: nameBySanitized}, nil
}

func encodeMessages(msgs []types.Message, sanitizedByName map[string]string) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var system []brtypes.SystemContentBlock
	var conversation []brtypes.Message

	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: text})
			}
			continue
		}
		if m.Role == types.RoleTool {
			if m.ToolResult == nil {
				return nil, nil, nexuserr.New(nexuserr.KindInvalidRequest, "tool message missing tool_result")
			}
			conversation = append(conversation, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: &m.ToolResult.ToolCallID,
						Content: []brtypes.ToolResultContentBlock{
							&brtypes.ToolResultContentBlockMemberText{Value: m.ToolResult.Content},
						},
					},
				}},
			})
			continue
		}

		var blocks []brtypes.ContentBlock
		if text := m.Text(); text != "" {
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: text})
		}
		for _, tc := range m.ToolCalls {
			name := sanitizeToolName(tc.Name)
			if sanitized, ok := sanitizedByName[tc.Name]; ok {
				name = sanitized
			}
			id := tc.ID
			blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
				ToolUseId: &id,
				Name:      &name,
				Input:     toDocument(tc.Arguments),
			}})
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == types.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, nexuserr.New(nexuserr.KindInvalidRequest, "at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(tools []types.ToolSchema, choice *types.ToolChoice) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(tools) == 0 {
		return nil, nil, nil, nil
	}
	sanitizedByName := make(map[string]string, len(tools))
	nameBySanitized := make(map[string]string, len(tools))
	specs := make([]brtypes.Tool, 0, len(tools))
	for _, t := range tools {
		sanitized := sanitizeToolName(t.Name)
		sanitizedByName[t.Name] = sanitized
		nameBySanitized[sanitized] = t.Name
		specs = append(specs, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        &sanitized,
			Description: &t.Description,
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(t.Parameters)},
		}})
	}
	cfg := &brtypes.ToolConfiguration{Tools: specs}
	if choice != nil {
		switch choice.Mode {
		case types.ToolChoiceRequired:
			cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
		case types.ToolChoiceSpecific:
			sanitized, ok := sanitizedByName[choice.Name]
			if !ok {
				return nil, nil, nil, nexuserr.New(nexuserr.KindInvalidRequest, "tool choice name does not match any tool")
			}
			cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: &sanitized}}
		}
	}
	return cfg, sanitizedByName, nameBySanitized, nil
}

// sanitizeToolName maps a tool name to Bedrock's [a-zA-Z0-9_-]{1,64} charset.
func sanitizeToolName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	sanitized := string(out)
	if len(sanitized) > 64 {
		sanitized = sanitized[:64]
	}
	return sanitized
}

func inferenceConfig(req llm.UnifiedRequest) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	var set bool
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		tokens := int32(*req.MaxTokens)
		cfg.MaxTokens = &tokens
		set = true
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		cfg.Temperature = &temp
		set = true
	}
	if req.TopP != nil {
		topP := float32(*req.TopP)
		cfg.TopP = &topP
		set = true
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
		set = true
	}
	if !set {
		return nil
	}
	return &cfg
}

func fromConverseOutput(model string, output *bedrockruntime.ConverseOutput, nameBySanitized map[string]string) (*llm.UnifiedResponse, error) {
	if output == nil {
		return nil, nexuserr.New(nexuserr.KindProviderAPIError, "bedrock response is nil")
	}
	message := types.Message{Role: types.RoleAssistant}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value != "" {
					message.Blocks = append(message.Blocks, types.TextBlock(v.Value))
				}
			case *brtypes.ContentBlockMemberToolUse:
				name := ""
				if v.Value.Name != nil {
					name = *v.Value.Name
					if canonical, ok := nameBySanitized[name]; ok {
						name = canonical
					}
				}
				id := ""
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				args, _ := json.Marshal(decodeDocument(v.Value.Input))
				message.ToolCalls = append(message.ToolCalls, types.ToolCall{ID: id, Name: name, Arguments: args})
			}
		}
	}
	resp := &llm.UnifiedResponse{
		Model: model,
		Choices: []llm.Choice{{
			Index:        0,
			Message:      &message,
			FinishReason: mapStopReason(string(output.StopReason)),
		}},
	}
	if output.Usage != nil {
		resp.Usage = types.Usage{
			PromptTokens:     int(int32Value(output.Usage.InputTokens)),
			CompletionTokens: int(int32Value(output.Usage.OutputTokens)),
			TotalTokens:      int(int32Value(output.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

// eventProcessor accumulates one ConverseStream's tool_use blocks into
// tool-call chunks (only the MessageStop event yields the terminal chunk),
// mirroring the teacher's bedrock chunkProcessor shape.
type eventProcessor struct {
	model           string
	nameBySanitized map[string]string
	toolBlocks      map[int32]*toolBuffer
	usage           *types.Usage
	stopReason      string
}

type toolBuffer struct {
	id, name string
	args     []byte
}

func newEventProcessor(model string, nameBySanitized map[string]string) *eventProcessor {
	return &eventProcessor{model: model, nameBySanitized: nameBySanitized, toolBlocks: make(map[int32]*toolBuffer)}
}

func (p *eventProcessor) handle(event brtypes.ConverseStreamOutput) (llm.UnifiedChunk, bool) {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			idx := int32Value(ev.Value.ContentBlockIndex)
			name := ""
			if start.Value.Name != nil {
				name = *start.Value.Name
				if canonical, ok := p.nameBySanitized[name]; ok {
					name = canonical
				}
			}
			id := ""
			if start.Value.ToolUseId != nil {
				id = *start.Value.ToolUseId
			}
			p.toolBlocks[int32(idx)] = &toolBuffer{id: id, name: name}
		}
		return llm.UnifiedChunk{}, false

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := int32Value(ev.Value.ContentBlockIndex)
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return llm.UnifiedChunk{}, false
			}
			return p.chunk(types.Message{Role: types.RoleAssistant, Blocks: []types.ContentBlock{types.TextBlock(delta.Value)}}, types.FinishNone), true
		case *brtypes.ContentBlockDeltaMemberToolUse:
			tb := p.toolBlocks[int32(idx)]
			if tb == nil || delta.Value.Input == nil {
				return llm.UnifiedChunk{}, false
			}
			tb.args = append(tb.args, []byte(*delta.Value.Input)...)
			return llm.UnifiedChunk{}, false
		default:
			return llm.UnifiedChunk{}, false
		}

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := int32Value(ev.Value.ContentBlockIndex)
		tb := p.toolBlocks[int32(idx)]
		if tb == nil {
			return llm.UnifiedChunk{}, false
		}
		delete(p.toolBlocks, int32(idx))
		args := tb.args
		if len(args) == 0 {
			args = []byte("{}")
		}
		return p.chunk(types.Message{
			Role:      types.RoleAssistant,
			ToolCalls: []types.ToolCall{{ID: tb.id, Name: tb.name, Arguments: args}},
		}, types.FinishNone), true

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		p.stopReason = string(ev.Value.StopReason)
		return p.chunk(types.Message{Role: types.RoleAssistant}, mapStopReason(p.stopReason)), true

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage != nil {
			p.usage = &types.Usage{
				PromptTokens:     int(int32Value(ev.Value.Usage.InputTokens)),
				CompletionTokens: int(int32Value(ev.Value.Usage.OutputTokens)),
				TotalTokens:      int(int32Value(ev.Value.Usage.TotalTokens)),
			}
		}
		return llm.UnifiedChunk{}, false

	default:
		return llm.UnifiedChunk{}, false
	}
}

func (p *eventProcessor) chunk(delta types.Message, finish types.FinishReason) llm.UnifiedChunk {
	uc := llm.UnifiedChunk{
		Model:   p.model,
		Choices: []llm.Choice{{Index: 0, Delta: &delta, FinishReason: finish}},
	}
	if finish != types.FinishNone {
		uc.Usage = p.usage
	}
	return uc
}

func mapStopReason(reason string) types.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence", "complete":
		return types.FinishStop
	case "max_tokens":
		return types.FinishLength
	case "tool_use":
		return types.FinishToolCalls
	case "content_filtered":
		return types.FinishContentFilter
	default:
		return types.FinishNone
	}
}

func toDocument(schema json.RawMessage) document.Interface {
	if len(schema) == 0 {
		return document.NewLazyDocument(map[string]any{"type": "object"})
	}
	var decoded any
	if err := json.Unmarshal(schema, &decoded); err != nil {
		return document.NewLazyDocument(map[string]any{"type": "object"})
	}
	return document.NewLazyDocument(decoded)
}

func decodeDocument(doc document.Interface) any {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil
	}
	var out any
	_ = json.Unmarshal(data, &out)
	return out
}

func int32Value(ptr *int32) int32 {
	if ptr == nil {
		return 0
	}
	return *ptr
}

func mapError(err error, provider string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return nexuserr.New(nexuserr.KindRateLimitExceeded, apiErr.ErrorMessage()).WithProvider(provider).WithRetryable(true)
		case "AccessDeniedException", "UnrecognizedClientException":
			return nexuserr.New(nexuserr.KindAuthenticationFailed, apiErr.ErrorMessage()).WithProvider(provider)
		case "ValidationException":
			return nexuserr.New(nexuserr.KindInvalidRequest, apiErr.ErrorMessage()).WithProvider(provider)
		case "ResourceNotFoundException":
			return nexuserr.New(nexuserr.KindModelNotFound, apiErr.ErrorMessage()).WithProvider(provider)
		}
		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) {
			return providers.MapHTTPError(respErr.HTTPStatusCode(), apiErr.ErrorMessage(), provider)
		}
		return nexuserr.New(nexuserr.KindProviderAPIError, apiErr.ErrorMessage()).WithProvider(provider)
	}
	return nexuserr.Wrap(nexuserr.KindConnectionError, "bedrock request failed", err).WithProvider(provider)
}

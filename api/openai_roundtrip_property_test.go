package api

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/grafbase/nexus/types"
)

// Property: OpenAI wire -> UnifiedRequest -> OpenAI wire preserves an
// assistant message's tool calls (id, name, arguments) and a user message's
// plain-string content, per spec.md §8's round-trip law for the fields the
// public schema actually carries. Grounded on the teacher's
// checkpoint_property_test.go (gopter.NewProperties/prop.ForAll/gen.*).
func TestProperty_OpenAIMessageRoundTrip_UserContent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("user message content survives wire->unified->wire", prop.ForAll(
		func(content string) bool {
			raw, _ := json.Marshal(content)
			wire := openAIMessage{Role: "user", Content: raw}
			unified := messageToUnified(wire)
			back := messageFromUnified(&unified)
			return back.Content == content
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestProperty_OpenAIToolCallRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tool call id/name/arguments survive wire->unified->wire", prop.ForAll(
		func(id, name, args string) bool {
			wire := openAIMessage{
				Role: "assistant",
				ToolCalls: []openAIToolCall{
					{ID: id, Type: "function", Function: struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					}{Name: name, Arguments: args}},
				},
			}
			unified := messageToUnified(wire)
			if len(unified.ToolCalls) != 1 {
				return false
			}
			back := messageFromUnified(&unified)
			if len(back.ToolCalls) != 1 {
				return false
			}
			tc := back.ToolCalls[0]
			return tc.ID == id && tc.Function.Name == name && tc.Function.Arguments == args
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// finishReasonPtr round-trips every non-empty FinishReason to a pointer
// carrying the identical wire string, and FinishNone to a nil pointer (the
// adapter must omit finish_reason while a stream has not yet terminated).
func TestProperty_FinishReasonPointerRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("non-empty finish reasons round-trip through the pointer", prop.ForAll(
		func(fr types.FinishReason) bool {
			ptr := finishReasonPtr(fr)
			if fr == types.FinishNone {
				return ptr == nil
			}
			return ptr != nil && *ptr == string(fr)
		},
		gen.OneConstOf(types.FinishStop, types.FinishLength, types.FinishToolCalls, types.FinishContentFilter, types.FinishNone),
	))

	properties.TestingRun(t)
}

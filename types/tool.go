package types

import "encoding/json"

// ToolSchema is a tool's function-calling interface, as surfaced to an LLM
// provider by the protocol bridge and as indexed by the MCP federation layer.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolChoiceMode constrains how a model may use the tools offered to it.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceSpecific ToolChoiceMode = "specific"
)

// ToolChoice selects auto/none/required, or pins a specific tool by name.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string // set when Mode == ToolChoiceSpecific
}

// NewToolResultMessage builds the `role: tool` message reporting a tool
// invocation's outcome back to the model.
func NewToolResultMessage(toolCallID, content string, isError bool) Message {
	return Message{
		Role: RoleTool,
		ToolResult: &ToolResult{
			ToolCallID: toolCallID,
			Content:    content,
			IsError:    isError,
		},
	}
}

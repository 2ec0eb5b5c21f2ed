// Package mcp federates downstream Model Context Protocol servers behind
// two public tools, `search` and `execute` (spec §4.2). It speaks JSON-RPC
// 2.0 over three transport kinds (stdio, streamable-HTTP, SSE), maintains a
// lexical tool index, and enforces per-server/per-tool access control.
//
// Grounded on the teacher's agent/protocol/mcp package (protocol.go,
// transport.go, server.go): the wire message shape and Content-Length
// stdio framing are kept near-verbatim; the MCPServer/MCPClient interfaces
// (a general-purpose resource/prompt/tool server abstraction) are dropped
// since Nexus is a federation client, not an MCP server implementation in
// its own right — it only ever dials downstream servers and re-exposes two
// fixed tools upstream.
package mcp

import "encoding/json"

// ProtocolVersion is the MCP protocol version Nexus declares during
// initialize.
const ProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 / MCP error codes (spec §6).
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
	ErrCodeRateLimit      = -32000
)

// Message is a JSON-RPC 2.0 envelope: a request has Method (+ID for calls
// expecting a reply), a response has ID and either Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// NewRequest builds a JSON-RPC request/notification. A nil id marks it as a
// notification (no reply expected).
func NewRequest(id any, method string, params any) (*Message, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	m := &Message{JSONRPC: "2.0", Method: method, Params: paramsJSON}
	if id != nil {
		idJSON, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		m.ID = idJSON
	}
	return m, nil
}

// NewResponse builds a successful JSON-RPC response.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: id, Result: resultJSON}, nil
}

// NewErrorResponse builds a JSON-RPC error response.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Message {
	return &Message{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

// ToolDefinition is one tool as reported by a downstream server's
// tools/list, before Nexus namespaces it.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the result shape of a tools/list call.
type ListToolsResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// CallToolParams is the params shape of a tools/call request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CallToolResult is the result shape of a tools/call response. Content
// holds the downstream server's response verbatim (MCP leaves its
// structure to the tool), IsError flags a tool-level failure that still
// round-trips as a successful JSON-RPC response per the MCP spec.
type CallToolResult struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError,omitempty"`
}

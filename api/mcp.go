// MCP JSON-RPC 2.0 HTTP handler: POST /mcp. Dispatches initialize,
// tools/list (reporting exactly {search, execute}), and tools/call
// (forwarding to mcp.Federation.Search/Execute). Grounded on the teacher's
// agent/protocol/mcp server dispatch loop, reduced to the two fixed tools
// spec §4.2 exposes upstream instead of the teacher's general-purpose
// resource/prompt/tool server surface.
package api

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/grafbase/nexus/internal/ctxkeys"
	"github.com/grafbase/nexus/mcp"
)

// MCPHandler serves the federated MCP endpoint.
type MCPHandler struct {
	federation *mcp.Federation
	logger     *zap.Logger
}

func NewMCPHandler(federation *mcp.Federation, logger *zap.Logger) *MCPHandler {
	return &MCPHandler{federation: federation, logger: logger}
}

var mcpTools = []mcp.ToolDefinition{
	{
		Name:        "search",
		Description: "Fuzzy multi-keyword lexical search over every federated tool's name, description, and parameters.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"keywords":{"type":"array","items":{"type":"string"}}},"required":["keywords"]}`),
	},
	{
		Name:        "execute",
		Description: "Invoke a federated tool previously surfaced by search, by its namespaced name.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"arguments":{"type":"object"}},"required":["name","arguments"]}`),
	},
}

type searchParams struct {
	Keywords []string `json:"keywords"`
}

type executeParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func callerFromContext(r *http.Request) mcp.Caller {
	clientID, hasID := ctxkeys.ClientID(r.Context())
	group, _ := ctxkeys.ClientGroup(r.Context())
	token, _ := ctxkeys.AuthToken(r.Context())
	return mcp.Caller{ClientID: clientID, Group: group, HasIdentity: hasID, Token: token}
}

// ServeHTTP handles one JSON-RPC request per HTTP POST; Nexus's MCP
// transport to its own callers is unary request/response, not
// a persistent stdio/SSE session (those transport kinds are how Nexus
// dials downstream servers, not how it is dialed itself).
func (h *MCPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONRPCError(w, nil, mcp.ErrCodeParseError, "failed to read request body")
		return
	}
	var msg mcp.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSONRPCError(w, nil, mcp.ErrCodeParseError, "invalid JSON-RPC envelope")
		return
	}

	switch msg.Method {
	case "initialize":
		h.handleInitialize(w, msg)
	case "tools/list":
		h.handleToolsList(w, msg)
	case "tools/call":
		h.handleToolsCall(w, r, msg)
	default:
		writeJSONRPCError(w, msg.ID, mcp.ErrCodeMethodNotFound, "method not found: "+msg.Method)
	}
}

func (h *MCPHandler) handleInitialize(w http.ResponseWriter, msg mcp.Message) {
	result := map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"serverInfo":      map[string]string{"name": "nexus", "version": "1.0.0"},
		"capabilities":    map[string]any{"tools": map[string]any{}},
	}
	writeJSONRPCResult(w, msg.ID, result)
}

func (h *MCPHandler) handleToolsList(w http.ResponseWriter, msg mcp.Message) {
	writeJSONRPCResult(w, msg.ID, mcp.ListToolsResult{Tools: mcpTools})
}

func (h *MCPHandler) handleToolsCall(w http.ResponseWriter, r *http.Request, msg mcp.Message) {
	var params mcp.CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		writeJSONRPCError(w, msg.ID, mcp.ErrCodeInvalidParams, "invalid tools/call params")
		return
	}
	caller := callerFromContext(r)

	switch params.Name {
	case "search":
		var sp searchParams
		if err := json.Unmarshal(params.Arguments, &sp); err != nil {
			writeJSONRPCError(w, msg.ID, mcp.ErrCodeInvalidParams, "invalid search arguments")
			return
		}
		results := h.federation.Search(r.Context(), sp.Keywords, caller)
		payload, _ := json.Marshal(results)
		writeJSONRPCResult(w, msg.ID, mcp.CallToolResult{Content: payload})
	case "execute":
		var ep executeParams
		if err := json.Unmarshal(params.Arguments, &ep); err != nil {
			writeJSONRPCError(w, msg.ID, mcp.ErrCodeInvalidParams, "invalid execute arguments")
			return
		}
		result, err := h.federation.Execute(r.Context(), ep.Name, ep.Arguments, caller)
		if err != nil {
			writeJSONRPCErrorFromErr(w, msg.ID, err)
			return
		}
		writeJSONRPCResult(w, msg.ID, result)
	default:
		writeJSONRPCError(w, msg.ID, mcp.ErrCodeMethodNotFound, "tool not found: "+params.Name)
	}
}

func writeJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp, err := mcp.NewResponse(id, result)
	if err != nil {
		writeJSONRPCError(w, id, mcp.ErrCodeInternalError, "failed to encode result")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeJSON(w, http.StatusOK, mcp.NewErrorResponse(id, code, message, nil))
}

// writeJSONRPCErrorFromErr maps a *nexuserr.Error (or any error) into the
// MCP/JSON-RPC error code table (spec §6) via the same JSONRPCCode method
// the federation layer's errors already carry.
func writeJSONRPCErrorFromErr(w http.ResponseWriter, id json.RawMessage, err error) {
	type jsonrpcCoder interface{ JSONRPCCode() int }
	code := mcp.ErrCodeInternalError
	if c, ok := err.(jsonrpcCoder); ok {
		code = c.JSONRPCCode()
	}
	writeJSONRPCError(w, id, code, err.Error())
}

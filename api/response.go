// Package api implements Nexus's HTTP surface (spec §4.4): the
// OpenAI-compatible and Anthropic-compatible LLM endpoints, the MCP
// JSON-RPC endpoint, health, and OAuth2 resource metadata, plus the
// middleware chain in front of them. Grounded on the teacher's api/
// package (api/handlers/common.go's WriteJSON/WriteError conventions,
// api/handlers/health.go, api/handlers/chat.go's SSE loop), generalized
// from agentflow's single internal chat API to Nexus's three public wire
// protocols.
package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/grafbase/nexus/internal/nexuserr"
)

// writeJSON encodes data as the response body with the given status,
// mirroring the teacher's handlers.WriteJSON.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorBody is the JSON shape every Nexus error response shares, regardless
// of which wire protocol the route speaks — OpenAI and Anthropic clients
// alike only look at HTTP status plus a human-readable message.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type,omitempty"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// writeError maps err into the taxonomy (spec §7) and writes it. Any error
// not already a *nexuserr.Error is wrapped as KindInternalError so no raw
// upstream text ever reaches the client unsanitized.
func writeError(w http.ResponseWriter, err error, logger *zap.Logger) {
	nerr, ok := err.(*nexuserr.Error)
	if !ok {
		nerr = nexuserr.Wrap(nexuserr.KindInternalError, "internal error", err)
	}
	if logger != nil {
		logger.Error("request failed",
			zap.String("kind", string(nerr.Kind)),
			zap.Int("http_status", nerr.HTTPStatus),
			zap.String("provider", nerr.Provider),
			zap.String("server", nerr.Server),
			zap.Error(nerr),
		)
	}
	var body errorBody
	body.Error.Message = nerr.Message
	body.Error.Type = string(nerr.Kind)
	if nerr.HTTPStatus == http.StatusTooManyRequests {
		// spec §7: "no Retry-After header to match upstream provider
		// behavior" — deliberately not set here.
		body.Error.Code = "rate_limit_exceeded"
	}
	status := nerr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, body)
}

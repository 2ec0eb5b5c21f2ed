package mcp

import (
	"context"
	"encoding/json"
)

// Transport is a bidirectional MCP message channel to one downstream
// server, independent of the underlying connection kind. Grounded on the
// teacher's agent/protocol/mcp.Transport interface (Send/Receive/Close).
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	// Receive blocks for the next inbound message (stdio/SSE) or is
	// unused by request/response transports (streamable-HTTP), whose
	// replies are returned by RequestResponse instead.
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// RequestResponder is implemented by transports where a single call
// produces its reply inline (streamable-HTTP) rather than via the
// out-of-band Receive loop (stdio, SSE).
type RequestResponder interface {
	RequestResponse(ctx context.Context, msg *Message) (*Message, error)
}

func idToString(id json.RawMessage) string {
	return string(id)
}

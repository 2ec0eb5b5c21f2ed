package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grafbase/nexus/config"
	"github.com/grafbase/nexus/internal/nexuserr"
)

// fakeResponder is an in-process stand-in for a downstream MCP server,
// answering tools/list and tools/call synchronously like the real
// streamable-HTTP transport does, without any network or subprocess.
type fakeResponder struct {
	tools      []ToolDefinition
	callResult CallToolResult
	callErr    error
	calls      int
}

func (f *fakeResponder) Send(ctx context.Context, msg *Message) error { return nil }
func (f *fakeResponder) Receive(ctx context.Context) (*Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (f *fakeResponder) Close() error { return nil }

func (f *fakeResponder) RequestResponse(ctx context.Context, msg *Message) (*Message, error) {
	switch msg.Method {
	case "tools/list":
		return NewResponse(msg.ID, ListToolsResult{Tools: f.tools})
	case "tools/call":
		f.calls++
		if f.callErr != nil {
			return NewErrorResponse(msg.ID, ErrCodeInternalError, f.callErr.Error(), nil), nil
		}
		return NewResponse(msg.ID, f.callResult)
	default:
		return nil, fmt.Errorf("unexpected method %s", msg.Method)
	}
}

func newFakeSession(responder *fakeResponder) *DownstreamSession {
	return &DownstreamSession{
		name:        "fs",
		transport:   responder,
		responder:   responder,
		pending:     make(map[string]chan *Message),
		callTimeout: callTimeoutForTest,
		logger:      zap.NewNop(),
		stop:        func() {},
	}
}

const callTimeoutForTest = defaultCallTimeout

func TestFederation_SearchThenExecute(t *testing.T) {
	ctx := context.Background()
	responder := &fakeResponder{
		tools: []ToolDefinition{{Name: "read_file", Description: "Read a file from disk", InputSchema: paramsSchema("path")}},
		callResult: CallToolResult{
			Content: json.RawMessage(`{"data":"hello"}`),
		},
	}
	sess := newFakeSession(responder)

	fed := NewFederation(nil, zap.NewNop())
	fed.configs["fs"] = config.DownstreamServerConfig{Name: "fs", Transport: "http"}
	fed.sessions["fs"] = sess
	require.NoError(t, fed.discoverStatic(ctx, "fs", sess))

	results := fed.Search(ctx, []string{"read", "file"}, Caller{HasIdentity: true})
	require.Len(t, results, 1)
	assert.Equal(t, "fs__read_file", results[0].Name)

	result, err := fed.Execute(ctx, "fs__read_file", json.RawMessage(`{"path":"/x"}`), Caller{HasIdentity: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":"hello"}`, string(result.Content))
	assert.Equal(t, 1, responder.calls)
}

func TestFederation_ExecuteUnknownToolFailsWithoutDownstreamCall(t *testing.T) {
	ctx := context.Background()
	responder := &fakeResponder{}
	sess := newFakeSession(responder)

	fed := NewFederation(nil, zap.NewNop())
	fed.configs["fs"] = config.DownstreamServerConfig{Name: "fs", Transport: "http"}
	fed.sessions["fs"] = sess
	require.NoError(t, fed.discoverStatic(ctx, "fs", sess))

	_, err := fed.Execute(ctx, "fs__does_not_exist", json.RawMessage(`{}`), Caller{HasIdentity: true})
	require.Error(t, err)
	nexErr, ok := err.(*nexuserr.Error)
	require.True(t, ok)
	assert.Equal(t, nexuserr.KindToolNotFound, nexErr.Kind)
	assert.Equal(t, 0, responder.calls, "an unknown tool must never reach the downstream session")
}

func TestFederation_ACLDenyEmptyHidesToolFromSearchAndExecute(t *testing.T) {
	ctx := context.Background()
	responder := &fakeResponder{
		tools: []ToolDefinition{{Name: "charge_card", Description: "Charge a customer's card", InputSchema: paramsSchema("amount")}},
	}
	sess := newFakeSession(responder)

	fed := NewFederation(nil, zap.NewNop())
	fed.configs["premium_tools"] = config.DownstreamServerConfig{
		Name:      "premium_tools",
		Transport: "http",
		ACL:       &config.ACLConfig{Allow: []string{}},
	}
	fed.sessions["premium_tools"] = sess
	require.NoError(t, fed.discoverStatic(ctx, "premium_tools", sess))

	results := fed.Search(ctx, []string{"charge", "card"}, Caller{ClientID: "u1", Group: "admin", HasIdentity: true})
	assert.Empty(t, results, "allow=[] must hide the tool from search for every identity")

	_, err := fed.Execute(ctx, "premium_tools__charge_card", json.RawMessage(`{}`), Caller{ClientID: "u1", Group: "admin", HasIdentity: true})
	require.Error(t, err)
	nexErr, ok := err.(*nexuserr.Error)
	require.True(t, ok)
	assert.Equal(t, nexuserr.KindToolNotFound, nexErr.Kind, "ACL-denied must look identical to unknown, not a distinct forbidden error")
	assert.Equal(t, -32601, nexErr.JSONRPCCode())
	assert.Equal(t, 0, responder.calls)
}

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/grafbase/nexus/internal/tlsutil"
)

// HTTPTransport speaks streamable-HTTP: POST a JSON-RPC message to the
// configured URL; the upstream may answer with either a single JSON body
// or a newline-delimited stream of JSON messages (spec §4.2) — both are
// handled by RequestResponse, which returns the first message whose id
// matches the request (a notification stream's intermediate messages, if
// any, are otherwise discarded for this single-call contract).
type HTTPTransport struct {
	url     string
	client  *http.Client
	headers http.Header
}

// NewHTTPTransport builds a streamable-HTTP transport. headers are applied
// to every outbound request (static auth/insert headers resolved by the
// caller).
func NewHTTPTransport(url string, headers http.Header) *HTTPTransport {
	return &HTTPTransport{url: url, client: tlsutil.SecureHTTPClient(60 * time.Second), headers: headers}
}

// Send is unused for this transport; use RequestResponse.
func (t *HTTPTransport) Send(ctx context.Context, msg *Message) error {
	_, err := t.RequestResponse(ctx, msg)
	return err
}

// Receive is unused for this transport: every call is synchronous via
// RequestResponse.
func (t *HTTPTransport) Receive(ctx context.Context) (*Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// RequestResponse POSTs one JSON-RPC message and returns its reply,
// transparently handling both response shapes streamable-HTTP allows.
func (t *HTTPTransport) RequestResponse(ctx context.Context, msg *Message) (*Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for name, vals := range t.headers {
		for _, v := range vals {
			req.Header.Add(name, v)
		}
	}
	if token, ok := forwardedTokenFrom(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("downstream returned status %d: %s", resp.StatusCode, string(data))
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		var out Message
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode downstream response: %w", err)
		}
		return &out, nil
	}

	// Newline-delimited streaming body: return the first message whose id
	// matches the request (or the first message, for a notification).
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var candidate Message
		if err := json.Unmarshal([]byte(line), &candidate); err != nil {
			continue
		}
		if msg.ID == nil || idToString(candidate.ID) == idToString(msg.ID) {
			return &candidate, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read downstream stream: %w", err)
	}
	return nil, fmt.Errorf("downstream closed stream without a matching response")
}

// Close releases the underlying HTTP client's idle connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

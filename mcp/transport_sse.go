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

	"go.uber.org/zap"

	"github.com/grafbase/nexus/internal/tlsutil"
)

// SSETransport connects to url for inbound events and POSTs outbound
// requests to messageURL (falling back to url when absent), correlating
// replies by id (spec §4.2). Grounded near-verbatim on the teacher's
// agent/protocol/mcp.SSETransport (GET .../sse event loop, POST
// .../message sender), generalized to configurable message URLs instead of
// a fixed "/message" suffix.
type SSETransport struct {
	eventsURL  string
	messageURL string
	client     *http.Client
	headers    http.Header
	eventChan  chan *Message
	cancel     context.CancelFunc
	logger     *zap.Logger
}

// NewSSETransport builds (but does not connect) an SSE transport.
func NewSSETransport(eventsURL, messageURL string, headers http.Header, logger *zap.Logger) *SSETransport {
	if messageURL == "" {
		messageURL = eventsURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSETransport{
		eventsURL:  eventsURL,
		messageURL: messageURL,
		client:     tlsutil.SecureHTTPClient(0), // long-lived event stream: no fixed deadline
		headers:    headers,
		eventChan:  make(chan *Message, 128),
		logger:     logger,
	}
}

// Connect opens the GET event stream and starts the background reader.
func (t *SSETransport) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.eventsURL, nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	for name, vals := range t.headers {
		for _, v := range vals {
			req.Header.Add(name, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("sse connect: unexpected status %d", resp.StatusCode)
	}

	go t.readEvents(ctx, resp.Body)
	return nil
}

func (t *SSETransport) readEvents(ctx context.Context, body io.ReadCloser) {
	defer body.Close()
	defer close(t.eventChan)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			if data != "" {
				var msg Message
				if err := json.Unmarshal([]byte(data), &msg); err != nil {
					t.logger.Warn("sse event parse failed", zap.Error(err))
				} else {
					select {
					case t.eventChan <- &msg:
					case <-ctx.Done():
						return
					}
				}
				data = ""
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data += strings.TrimPrefix(line, "data:")
		}
	}
}

// Send POSTs a request to messageURL; the reply arrives asynchronously
// over the event stream and is picked up by Receive.
func (t *SSETransport) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.messageURL, bytes.NewReader(body))
	if err != nil {
		return err
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
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sse send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Receive returns the next event-stream message.
func (t *SSETransport) Receive(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-t.eventChan:
		if !ok {
			return nil, fmt.Errorf("sse event stream closed")
		}
		return msg, nil
	}
}

// Close stops the background reader.
func (t *SSETransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

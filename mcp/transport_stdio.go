package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StderrPolicy controls what a stdio-spawned downstream server's stderr is
// connected to (spec §4.2).
type StderrPolicy string

const (
	StderrDiscard StderrPolicy = "discard"
	StderrInherit StderrPolicy = "inherit"
	StderrFile    StderrPolicy = "file"
)

// StdioConfig configures a subprocess-backed downstream server.
type StdioConfig struct {
	Command        string
	Args           []string
	Env            map[string]string
	Cwd            string
	StderrPolicy   StderrPolicy
	StderrFile     string
	StartupTimeout time.Duration
}

// StdioTransport frames JSON-RPC messages over a subprocess's stdin/stdout
// using Content-Length headers, matching the teacher's
// agent/protocol/mcp.StdioTransport wire format exactly (this is the MCP
// spec's own stdio framing, not a teacher-specific choice).
type StdioTransport struct {
	cmd     *exec.Cmd
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex
	logger  *zap.Logger
}

// StartStdioTransport spawns the configured child process and wires its
// stdio per StderrPolicy. The process is reaped on Close.
func StartStdioTransport(ctx context.Context, cfg StdioConfig, logger *zap.Logger) (*StdioTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	switch cfg.StderrPolicy {
	case StderrInherit:
		cmd.Stderr = os.Stderr
	case StderrFile:
		f, err := os.OpenFile(cfg.StderrFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open stderr file: %w", err)
		}
		cmd.Stderr = f
	default:
		cmd.Stderr = io.Discard
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start downstream process: %w", err)
	}

	return &StdioTransport{
		cmd:    cmd,
		reader: bufio.NewReader(stdout),
		writer: stdin,
		logger: logger,
	}, nil
}

// Send writes one Content-Length-framed message to the child's stdin.
func (t *StdioTransport) Send(_ context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := t.writer.Write([]byte(header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	_, err = t.writer.Write(body)
	return err
}

// Receive reads the next Content-Length-framed message from the child's
// stdout. A process exit surfaces as the underlying io.EOF/read error.
func (t *StdioTransport) Receive(_ context.Context) (*Message, error) {
	var contentLength int
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
		fmt.Sscanf(line, "Content-Length: %d", &contentLength)
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Close signals and reaps the child process (spec §4.2: "on shutdown the
// child is signalled and reaped").
func (t *StdioTransport) Close() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	_ = t.cmd.Process.Kill()
	_ = t.cmd.Wait()
	return nil
}

// Package acpclient spawns the agent-control-protocol subprocess and
// exposes it as an acp.Client: a narrow handle for minting new agent
// sessions and sending prompts over the line-delimited JSON-RPC connection
// defined in internal/protocol.
package acpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/kynetic-ai/kbot/internal/protocol"
)

// Options configures the agent subprocess and its framing connection.
type Options struct {
	Command        string
	Args           []string
	Env            []string
	RequestTimeout time.Duration // default 30s, mirrors config.RuntimeConfig.DefaultRequestTimeout
	Logger         *log.Logger
}

// Client owns the agent subprocess and its JSON-RPC connection.
type Client struct {
	cmd  *exec.Cmd
	conn *protocol.Conn

	onUpdate []func(sessionID string, raw json.RawMessage)

	stderrMu   sync.Mutex
	stderrSubs map[string][]func(line string)
}

// Start launches the agent subprocess and begins framing its stdio.
func Start(ctx context.Context, opts Options) (*Client, error) {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Env = opts.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("acpclient: failed to open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("acpclient: failed to open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("acpclient: failed to open agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("acpclient: failed to start agent: %w", err)
	}

	conn := protocol.NewConn(stdin, nil, timeout)
	c := &Client{cmd: cmd, conn: conn, stderrSubs: make(map[string][]func(line string))}
	conn.OnNotification(c.handleNotification)
	go conn.Start(ctx, stdout)
	go c.broadcastStderr(stderr)
	return c, nil
}

// broadcastStderr fans every stderr line out to every session's
// subscribers; the subprocess multiplexes sessions on one stream, so
// subscribers filter by content themselves (the usage probe matches lines
// it recognizes as a usage block regardless of which session is current).
func (c *Client) broadcastStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		c.stderrMu.Lock()
		subs := make([]func(string), 0, len(c.stderrSubs))
		for _, fns := range c.stderrSubs {
			subs = append(subs, fns...)
		}
		c.stderrMu.Unlock()
		for _, fn := range subs {
			fn(line)
		}
	}
}

// SubscribeStderr implements usage.StderrSource.
func (c *Client) SubscribeStderr(agentSessionID string, onLine func(line string)) func() {
	c.stderrMu.Lock()
	c.stderrSubs[agentSessionID] = append(c.stderrSubs[agentSessionID], onLine)
	idx := len(c.stderrSubs[agentSessionID]) - 1
	c.stderrMu.Unlock()

	return func() {
		c.stderrMu.Lock()
		defer c.stderrMu.Unlock()
		fns := c.stderrSubs[agentSessionID]
		if idx < len(fns) {
			fns[idx] = func(string) {}
		}
	}
}

// SendUsagePrompt implements usage.Prompter by asking the agent session to
// emit a usage block on stderr.
func (c *Client) SendUsagePrompt(ctx context.Context, agentSessionID string) error {
	return c.Prompt(ctx, agentSessionID, "/usage")
}

// OnSessionUpdate registers a callback invoked for every session/update
// notification the agent emits, in arrival order.
func (c *Client) OnSessionUpdate(fn func(sessionID string, raw json.RawMessage)) {
	c.onUpdate = append(c.onUpdate, fn)
}

func (c *Client) handleNotification(n protocol.Notification) {
	if n.Method != "session/update" {
		return
	}
	var payload struct {
		SessionID string          `json:"session_id"`
		Update    json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(n.Params, &payload); err != nil {
		return
	}
	for _, fn := range c.onUpdate {
		fn(payload.SessionID, payload.Update)
	}
}

// NewSession implements acp.Client: it asks the agent to mint a fresh
// session id.
func (c *Client) NewSession(ctx context.Context) (string, error) {
	raw, err := c.conn.SendRequest(ctx, "session/new", nil, nil)
	if err != nil {
		return "", fmt.Errorf("acpclient: session/new failed: %w", err)
	}
	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("acpclient: malformed session/new result: %w", err)
	}
	return result.SessionID, nil
}

// Prompt sends a prompt to an existing agent session and waits for the
// agent's turn-complete response; streamed content arrives via
// OnSessionUpdate notifications in the interim.
func (c *Client) Prompt(ctx context.Context, agentSessionID, content string) error {
	params := map[string]string{"session_id": agentSessionID, "content": content}
	_, err := c.conn.SendRequest(ctx, "session/prompt", params, nil)
	if err != nil {
		return fmt.Errorf("acpclient: session/prompt failed: %w", err)
	}
	return nil
}

// Close stops the framing connection and waits for the agent to exit.
func (c *Client) Close() error {
	if err := c.conn.Close(); err != nil {
		return err
	}
	return c.cmd.Wait()
}

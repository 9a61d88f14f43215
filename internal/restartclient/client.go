// Package restartclient is the child side of a planned restart: it asks
// the supervisor to acknowledge a checkpoint, then the caller exits
// voluntarily once the acknowledgment arrives.
package restartclient

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/kynetic-ai/kbot/internal/kerrors"
	"github.com/kynetic-ai/kbot/internal/supervisor"
)

// RequestOptions configures one restart request.
type RequestOptions struct {
	CheckpointPath string
	Timeout        time.Duration // default 5s
	MaxRetries     int           // default 1
}

// Client is the agent process's handle to its supervisor's control
// channel, if any.
type Client struct {
	control io.ReadWriteCloser // nil when not supervised
	writer  *supervisor.MessageWriter
	Logger  *log.Logger

	mu      sync.Mutex
	pending chan supervisor.Envelope // non-nil while a request is in flight
}

// New wraps control, the child's end of the supervisor-assigned IPC pipe.
// control may be nil, meaning this process is not supervised.
func New(control io.ReadWriteCloser) *Client {
	c := &Client{control: control}
	if control != nil {
		c.writer = supervisor.NewMessageWriter(control)
		go c.readLoop()
	}
	return c
}

// IsSupervised reports whether a control channel was wired in.
func (c *Client) IsSupervised() bool {
	return c.control != nil
}

// IsPending reports whether a restart request is currently awaiting an
// acknowledgment.
func (c *Client) IsPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

func (c *Client) readLoop() {
	reader := supervisor.NewMessageReader(c.control)
	for {
		env, err := reader.Next()
		if err != nil {
			c.mu.Lock()
			ch := c.pending
			c.pending = nil
			c.mu.Unlock()
			if ch != nil {
				close(ch)
			}
			return
		}
		switch env.Type {
		case supervisor.MsgRestartAck, supervisor.MsgError:
			c.mu.Lock()
			ch := c.pending
			c.mu.Unlock()
			if ch != nil {
				ch <- env
			}
		default:
			if c.Logger != nil {
				c.Logger.Printf("restartclient: ignoring unexpected message type %q", env.Type)
			}
		}
	}
}

// RequestRestart asks the supervisor to acknowledge opts.CheckpointPath so
// the caller can exit knowing the next spawn will receive it. It retries on
// ack timeout up to MaxRetries times, and always unsubscribes its listener
// before returning, on every exit path.
func (c *Client) RequestRestart(ctx context.Context, opts RequestOptions) error {
	if !c.IsSupervised() {
		return kerrors.New(kerrors.CodeNoIPCChannel, "no supervisor IPC channel is wired into this process")
	}

	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return kerrors.New(kerrors.CodeRestartPending, "a restart request is already in flight")
	}
	ch := make(chan supervisor.Envelope, 1)
	c.pending = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending == ch {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.writer.Write(supervisor.Envelope{Type: supervisor.MsgPlannedRestart, Checkpoint: opts.CheckpointPath}); err != nil {
			return fmt.Errorf("restartclient: failed to send planned_restart: %w", err)
		}

		select {
		case env, ok := <-ch:
			if !ok {
				return fmt.Errorf("restartclient: control channel closed while awaiting acknowledgment")
			}
			switch env.Type {
			case supervisor.MsgRestartAck:
				return nil
			case supervisor.MsgError:
				return fmt.Errorf("restartclient: supervisor rejected restart: %s", env.Message)
			}
		case <-time.After(timeout):
			lastErr = kerrors.New(kerrors.CodeTimeout, fmt.Sprintf("timed out after %s awaiting restart_ack", timeout))
			if c.Logger != nil {
				c.Logger.Printf("restartclient: attempt %d timed out awaiting restart_ack", attempt+1)
			}
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

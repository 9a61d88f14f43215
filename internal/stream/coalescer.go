// Package stream buffers streamed agent output into rate-friendly chunks
// and batches rich-widget edits behind a debounce window and token bucket,
// so a chat platform's send/edit rate limit is never exceeded.
package stream

import (
	"strings"
	"sync"
	"time"
)

// Mode selects whether a Coalescer delivers incremental chunks or a single
// payload on completion.
type Mode int

const (
	// ModeStreaming flushes buffered text via OnChunk as it crosses
	// thresholds, then once more on Complete.
	ModeStreaming Mode = iota
	// ModeBuffered accumulates silently and delivers the whole response
	// once, via OnComplete, omitting OnChunk entirely.
	ModeBuffered
)

// Options configures a Coalescer.
type Options struct {
	Mode     Mode
	MinChars int           // flush threshold; zero means any non-empty buffer flushes immediately
	IdleTime time.Duration // flush after this much time with no Push; default 2s

	OnChunk    func(chunk string) error
	OnComplete func(fullText string)
	OnError    func(err error)
}

// DefaultOptions returns the out-of-the-box tunables for a streaming
// coalescer.
func DefaultOptions() Options {
	return Options{
		Mode:     ModeStreaming,
		MinChars: 40,
		IdleTime: 2 * time.Second,
	}
}

// Coalescer buffers pushed text and delivers it through OnChunk/OnComplete
// at a pace a chat platform can tolerate. Deliveries are strictly serial:
// the mutex held while invoking a callback blocks any concurrent flush
// (timer-triggered or explicit) from racing it, so callers may assume
// back-to-back calls complete in push order before the next begins.
//
// A Coalescer is single-use: once Complete or Abort has run, all further
// Push calls are silently dropped.
type Coalescer struct {
	opts Options

	mu        sync.Mutex
	buf       strings.Builder
	full      strings.Builder
	idleTimer *time.Timer
	done      bool
}

// New builds a Coalescer. Zero-valued IdleTime falls back to
// DefaultOptions' 2s.
func New(opts Options) *Coalescer {
	if opts.IdleTime <= 0 {
		opts.IdleTime = DefaultOptions().IdleTime
	}
	return &Coalescer{opts: opts}
}

// Push appends text to the buffer. In ModeStreaming it flushes immediately
// once the buffer reaches MinChars; otherwise it resets the idle timer.
// Dropped silently if Complete or Abort has already run.
func (c *Coalescer) Push(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done || text == "" {
		return
	}
	c.full.WriteString(text)
	c.buf.WriteString(text)
	c.resetIdleTimerLocked()

	if c.opts.Mode == ModeStreaming && c.buf.Len() >= c.opts.MinChars {
		c.flushLocked()
	}
}

// Flush delivers the buffered text (if any) to OnChunk immediately,
// regardless of MinChars. A no-op in ModeBuffered or after completion.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done || c.opts.Mode != ModeStreaming {
		return
	}
	c.flushLocked()
}

// Complete flushes any remaining buffer (ModeStreaming) or delivers the
// entire accumulated text (ModeBuffered), then invokes OnComplete exactly
// once. Idempotent: calling it again, or calling Push/Flush afterward, is a
// no-op.
func (c *Coalescer) Complete() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.stopIdleTimerLocked()
	if c.opts.Mode == ModeStreaming {
		c.flushLocked()
	}
	fullText := c.full.String()
	c.mu.Unlock()

	if c.opts.OnComplete != nil {
		c.opts.OnComplete(fullText)
	}
}

// Abort clears the buffer and cancels timers without ever invoking
// OnComplete. Idempotent.
func (c *Coalescer) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	c.stopIdleTimerLocked()
	c.buf.Reset()
	c.full.Reset()
}

func (c *Coalescer) resetIdleTimerLocked() {
	c.stopIdleTimerLocked()
	c.idleTimer = time.AfterFunc(c.opts.IdleTime, c.onIdle)
}

func (c *Coalescer) stopIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Coalescer) onIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done || c.opts.Mode != ModeStreaming {
		return
	}
	c.flushLocked()
}

// flushLocked must be called with mu held. It delivers the current buffer
// to OnChunk (if non-empty) and resets it; the callback runs with the lock
// held, which is what gives callers serial delivery.
func (c *Coalescer) flushLocked() {
	if c.buf.Len() == 0 {
		return
	}
	chunk := c.buf.String()
	c.buf.Reset()
	if c.opts.OnChunk == nil {
		return
	}
	if err := c.opts.OnChunk(chunk); err != nil && c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

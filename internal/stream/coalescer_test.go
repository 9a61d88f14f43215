package stream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoalescerFlushesOnMinChars(t *testing.T) {
	var chunks []string
	var mu sync.Mutex
	c := New(Options{
		Mode:     ModeStreaming,
		MinChars: 5,
		IdleTime: time.Hour,
		OnChunk: func(chunk string) error {
			mu.Lock()
			chunks = append(chunks, chunk)
			mu.Unlock()
			return nil
		},
	})

	c.Push("ab")
	c.Push("cde") // buffer now "abcde", length 5 >= MinChars

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"abcde"}, chunks)
}

func TestCoalescerIdleOnlyFlush(t *testing.T) {
	var chunks []string
	var mu sync.Mutex
	c := New(Options{
		Mode:     ModeStreaming,
		MinChars: 100,
		IdleTime: 20 * time.Millisecond,
		OnChunk: func(chunk string) error {
			mu.Lock()
			chunks = append(chunks, chunk)
			mu.Unlock()
			return nil
		},
	})

	c.Push("hello")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chunks) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"hello"}, chunks)
}

func TestCoalescerExplicitFlush(t *testing.T) {
	var got string
	c := New(Options{
		Mode:     ModeStreaming,
		MinChars: 100,
		IdleTime: time.Hour,
		OnChunk:  func(chunk string) error { got = chunk; return nil },
	})

	c.Push("partial")
	require.Empty(t, got)
	c.Flush()
	require.Equal(t, "partial", got)
}

func TestCoalescerCompleteFlushesRemainingAndInvokesOnComplete(t *testing.T) {
	var chunks []string
	var full string
	c := New(Options{
		Mode:       ModeStreaming,
		MinChars:   100,
		IdleTime:   time.Hour,
		OnChunk:    func(chunk string) error { chunks = append(chunks, chunk); return nil },
		OnComplete: func(fullText string) { full = fullText },
	})

	c.Push("hello ")
	c.Push("world")
	c.Complete()

	require.Equal(t, []string{"hello world"}, chunks)
	require.Equal(t, "hello world", full)
}

func TestCoalescerPushAfterCompleteIsDropped(t *testing.T) {
	var completeCalls int
	c := New(Options{
		OnComplete: func(fullText string) { completeCalls++ },
	})
	c.Push("a")
	c.Complete()
	c.Push("b")
	c.Complete()
	require.Equal(t, 1, completeCalls)
}

func TestCoalescerAbortDropsBufferWithoutOnComplete(t *testing.T) {
	var completeCalled bool
	var chunkCalled bool
	c := New(Options{
		MinChars:   100,
		IdleTime:   time.Hour,
		OnChunk:    func(chunk string) error { chunkCalled = true; return nil },
		OnComplete: func(fullText string) { completeCalled = true },
	})

	c.Push("buffered text")
	c.Abort()

	require.False(t, completeCalled)
	require.False(t, chunkCalled)
}

func TestCoalescerOnChunkErrorInvokesOnError(t *testing.T) {
	boom := errors.New("rate limited")
	var gotErr error
	c := New(Options{
		MinChars: 1,
		IdleTime: time.Hour,
		OnChunk:  func(chunk string) error { return boom },
		OnError:  func(err error) { gotErr = err },
	})
	c.Push("x")
	require.ErrorIs(t, gotErr, boom)
}

func TestBufferedCoalescerSendsWholeResponseOnlyOnComplete(t *testing.T) {
	var chunkCalls int
	var full string
	c := New(Options{
		Mode:       ModeBuffered,
		IdleTime:   time.Hour,
		OnChunk:    func(chunk string) error { chunkCalls++; return nil },
		OnComplete: func(fullText string) { full = fullText },
	})

	c.Push("part one ")
	c.Push("part two")
	require.Equal(t, 0, chunkCalls)

	c.Complete()
	require.Equal(t, 0, chunkCalls)
	require.Equal(t, "part one part two", full)
}

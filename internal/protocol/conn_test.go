package protocol

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sinkWriter records every line a Conn writes to out, so tests can inspect
// outbound traffic while feeding inbound lines through a pipe.
type sinkWriter struct {
	mu    sync.Mutex
	lines [][]byte
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), p...)
	s.lines = append(s.lines, cp)
	return len(p), nil
}

func TestSendRequestResolvesOnMatchingResponse(t *testing.T) {
	out := &sinkWriter{}
	conn := NewConn(out, nil, time.Second)

	pr, pw := io.Pipe()
	go conn.Start(context.Background(), pr)
	defer pw.Close()

	done := make(chan struct{})
	var result json.RawMessage
	var sendErr error
	go func() {
		result, sendErr = conn.SendRequest(context.Background(), "tool/call", map[string]string{"x": "1"}, nil)
		close(done)
	}()

	// Wait for the request to actually be written, then respond with id 1.
	require.Eventually(t, func() bool { out.mu.Lock(); defer out.mu.Unlock(); return len(out.lines) == 1 }, time.Second, time.Millisecond)
	_, err := pw.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}` + "\n"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SendRequest")
	}

	require.NoError(t, sendErr)
	var got string
	require.NoError(t, json.Unmarshal(result, &got))
	require.Equal(t, "ok", got)
}

func TestSplitChunksStillProduceOneRequest(t *testing.T) {
	out := &sinkWriter{}
	conn := NewConn(out, nil, time.Second)

	pr, pw := io.Pipe()
	go conn.Start(context.Background(), pr)
	defer pw.Close()

	received := make(chan Request, 1)
	conn.OnRequest(func(r Request) { received <- r })

	go func() {
		_, _ = pw.Write([]byte(`{"jsonrpc":"2.0","id":1`))
		time.Sleep(20 * time.Millisecond)
		_, _ = pw.Write([]byte(`,"method":"test"}` + "\n"))
	}()

	select {
	case r := <-received:
		require.Equal(t, "test", r.Method)
	case <-time.After(time.Second):
		t.Fatal("expected exactly one request event")
	}
}

func TestTimeoutResetOnInboundActivity(t *testing.T) {
	out := &sinkWriter{}
	conn := NewConn(out, nil, 100*time.Millisecond)

	pr, pw := io.Pipe()
	go conn.Start(context.Background(), pr)
	defer pw.Close()

	done := make(chan struct{})
	var result json.RawMessage
	var sendErr error
	go func() {
		result, sendErr = conn.SendRequest(context.Background(), "long/method", nil, nil)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	_, err := pw.Write([]byte(`{"jsonrpc":"2.0","id":"x","method":"tool/call"}` + "\n"))
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond) // total 120ms since start, past original 100ms timeout
	_, err = pw.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}` + "\n"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SendRequest")
	}

	require.NoError(t, sendErr)
	var got string
	require.NoError(t, json.Unmarshal(result, &got))
	require.Equal(t, "ok", got)
}

func TestSendRequestTimesOutWithoutActivity(t *testing.T) {
	out := &sinkWriter{}
	conn := NewConn(out, nil, 30*time.Millisecond)

	pr, pw := io.Pipe()
	go conn.Start(context.Background(), pr)
	defer pw.Close()

	_, err := conn.SendRequest(context.Background(), "slow/method", nil, nil)
	require.Error(t, err)
}

func TestConcurrentRequestsNeverShareAnID(t *testing.T) {
	out := &sinkWriter{}
	conn := NewConn(out, nil, time.Second)

	pr, pw := io.Pipe()
	go conn.Start(context.Background(), pr)
	defer pw.Close()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = conn.SendRequest(context.Background(), "noop", nil, &SendOptions{Timeout: 50})
		}()
	}
	wg.Wait()

	out.mu.Lock()
	defer out.mu.Unlock()
	seen := make(map[int64]bool)
	for _, line := range out.lines {
		var raw RawMessage
		require.NoError(t, json.Unmarshal(line, &raw))
		var id int64
		require.NoError(t, json.Unmarshal(raw.ID, &id))
		require.False(t, seen[id], "id %d reused", id)
		seen[id] = true
	}
	require.Len(t, seen, n)
}

func TestCloseRejectsAllPending(t *testing.T) {
	out := &sinkWriter{}
	conn := NewConn(out, nil, time.Second)

	pr, pw := io.Pipe()
	go conn.Start(context.Background(), pr)
	defer pw.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.SendRequest(context.Background(), "never/responds", nil, nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close()) // idempotent

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected SendRequest to reject on Close")
	}
}

func TestMalformedLineEmitsParseError(t *testing.T) {
	out := &sinkWriter{}
	conn := NewConn(out, nil, time.Second)

	pr, pw := io.Pipe()
	go conn.Start(context.Background(), pr)
	defer pw.Close()

	_, err := pw.Write([]byte("not json\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out.mu.Lock()
		defer out.mu.Unlock()
		if len(out.lines) == 0 {
			return false
		}
		var raw RawMessage
		_ = json.Unmarshal(out.lines[0], &raw)
		return raw.Error != nil && raw.Error.Code == ErrCodeParseError
	}, time.Second, 5*time.Millisecond)
}

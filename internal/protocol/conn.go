package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kynetic-ai/kbot/internal/kerrors"
)

// pendingRequest is owned exclusively by Conn until it completes.
type pendingRequest struct {
	id      int64
	method  string
	timeout time.Duration
	timer   *time.Timer
	resultC chan pendingResult
	silent  bool
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Conn is a JSON-RPC 2.0 connection over a line-delimited stdio pair.
type Conn struct {
	out   io.Writer
	outMu sync.Mutex

	errOut *log.Logger

	defaultTimeout time.Duration
	methodTimeouts map[string]time.Duration

	nextID int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest
	closed  bool
	closeC  chan struct{}

	onRequest      []func(Request)
	onNotification []func(Notification)
	onResponse     []func(Response)
	onError        []func(error)
	handlersMu     sync.RWMutex
}

// NewConn wraps the out and err byte streams. Call Start with the in stream
// to begin reading.
func NewConn(out io.Writer, errOut io.Writer, defaultTimeout time.Duration) *Conn {
	var logger *log.Logger
	if errOut != nil {
		logger = log.New(errOut, "[protocol] ", log.LstdFlags)
	} else {
		logger = log.New(io.Discard, "", 0)
	}
	return &Conn{
		out:            out,
		errOut:         logger,
		defaultTimeout: defaultTimeout,
		methodTimeouts: make(map[string]time.Duration),
		pending:        make(map[int64]*pendingRequest),
		closeC:         make(chan struct{}),
	}
}

// SetMethodTimeout overrides the default timeout for outbound requests of
// the given method.
func (c *Conn) SetMethodTimeout(method string, timeout time.Duration) {
	c.mu.Lock()
	c.methodTimeouts[method] = timeout
	c.mu.Unlock()
}

// OnRequest subscribes to inbound requests.
func (c *Conn) OnRequest(fn func(Request)) {
	c.handlersMu.Lock()
	c.onRequest = append(c.onRequest, fn)
	c.handlersMu.Unlock()
}

// OnNotification subscribes to inbound notifications.
func (c *Conn) OnNotification(fn func(Notification)) {
	c.handlersMu.Lock()
	c.onNotification = append(c.onNotification, fn)
	c.handlersMu.Unlock()
}

// OnUnmatchedResponse subscribes to responses/errors that did not match a
// pending request.
func (c *Conn) OnUnmatchedResponse(fn func(Response)) {
	c.handlersMu.Lock()
	c.onResponse = append(c.onResponse, fn)
	c.handlersMu.Unlock()
}

// OnError subscribes to transport-level errors (parse failures, read
// errors).
func (c *Conn) OnError(fn func(error)) {
	c.handlersMu.Lock()
	c.onError = append(c.onError, fn)
	c.handlersMu.Unlock()
}

// Start begins reading newline-delimited JSON-RPC messages from in until
// EOF, a read error, or Close. It blocks; run it in a goroutine.
func (c *Conn) Start(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-c.closeC:
			return
		case <-ctx.Done():
			c.Close()
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(append([]byte(nil), line...))
	}

	if err := scanner.Err(); err != nil {
		c.emitError(err)
	}
	c.Close()
}

func (c *Conn) handleLine(line []byte) {
	var raw RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		c.writeError(nil, ErrCodeParseError, "Parse error")
		return
	}

	if raw.JSONRPC != Version || !hasRecognizableShape(&raw) {
		c.writeError(raw.ID, ErrCodeInvalidRequest, "Invalid Request")
		return
	}

	switch {
	case raw.ID != nil && raw.Method != "":
		c.resetIdleTimers()
		req := Request{Method: raw.Method, Params: raw.Params}
		var id int64
		if err := json.Unmarshal(raw.ID, &id); err == nil {
			req.ID = id
		}
		c.dispatchRequest(req, raw.ID)
	case raw.ID == nil && raw.Method != "":
		c.resetIdleTimers()
		c.dispatchNotification(Notification{Method: raw.Method, Params: raw.Params})
	case raw.ID != nil && (raw.Result != nil || raw.Error != nil):
		c.handleResponse(raw)
	default:
		c.writeError(raw.ID, ErrCodeInvalidRequest, "Invalid Request")
	}
}

func hasRecognizableShape(raw *RawMessage) bool {
	hasMethod := raw.Method != ""
	hasResultOrError := raw.Result != nil || raw.Error != nil
	return hasMethod || hasResultOrError
}

func (c *Conn) dispatchRequest(req Request, rawID json.RawMessage) {
	_ = rawID
	c.handlersMu.RLock()
	handlers := append([]func(Request){}, c.onRequest...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(req)
	}
}

func (c *Conn) dispatchNotification(n Notification) {
	c.handlersMu.RLock()
	handlers := append([]func(Notification){}, c.onNotification...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(n)
	}
}

func (c *Conn) handleResponse(raw RawMessage) {
	var id int64
	if err := json.Unmarshal(raw.ID, &id); err != nil {
		c.emitUnmatched(Response{ID: raw.ID, Result: raw.Result, Error: raw.Error})
		return
	}

	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.emitUnmatched(Response{ID: raw.ID, Result: raw.Result, Error: raw.Error})
		return
	}

	pr.timer.Stop()
	if raw.Error != nil {
		if raw.Error.Code == ErrCodeMethodNotFound && !pr.silent {
			c.errOut.Printf("method not found: %s", pr.method)
		}
		pr.resultC <- pendingResult{err: raw.Error}
		return
	}
	pr.resultC <- pendingResult{result: raw.Result}
}

func (c *Conn) emitUnmatched(r Response) {
	c.handlersMu.RLock()
	handlers := append([]func(Response){}, c.onResponse...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(r)
	}
}

func (c *Conn) emitError(err error) {
	c.handlersMu.RLock()
	handlers := append([]func(error){}, c.onError...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// resetIdleTimers resets every pending request's timeout whenever any
// inbound request or notification arrives, so a busy but responsive peer
// never times out mid-conversation.
func (c *Conn) resetIdleTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pr := range c.pending {
		pr.timer.Reset(pr.timeout)
	}
}

// SendRequest assigns a strictly increasing positive integer id, writes the
// request, and blocks until a matching response arrives, the timeout
// expires, or ctx is cancelled.
func (c *Conn) SendRequest(ctx context.Context, method string, params interface{}, opts *SendOptions) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	timeout := c.defaultTimeout
	c.mu.Lock()
	if mt, ok := c.methodTimeouts[method]; ok {
		timeout = mt
	}
	c.mu.Unlock()
	silent := false
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = time.Duration(opts.Timeout) * time.Millisecond
		}
		silent = opts.Silent
	}

	paramsRaw, err := marshalParams(params)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.CodeValidation, "failed to marshal params", err)
	}

	pr := &pendingRequest{id: id, method: method, timeout: timeout, resultC: make(chan pendingResult, 1), silent: silent}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, kerrors.New(kerrors.CodeClosed, "connection is closed")
	}
	pr.timer = time.AfterFunc(timeout, func() { c.timeoutRequest(id, method, timeout) })
	c.pending[id] = pr
	c.mu.Unlock()

	idRaw, _ := json.Marshal(id)
	msg := RawMessage{JSONRPC: Version, ID: idRaw, Method: method, Params: paramsRaw}
	if err := c.writeLine(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		pr.timer.Stop()
		return nil, err
	}

	select {
	case res := <-pr.resultC:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		pr.timer.Stop()
		return nil, ctx.Err()
	}
}

func (c *Conn) timeoutRequest(id int64, method string, timeout time.Duration) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	pr.resultC <- pendingResult{err: kerrors.New(kerrors.CodeTimeout, fmt.Sprintf("timed out after %dms", timeout.Milliseconds()))}
}

// SendNotification writes a JSON-RPC notification; it is never matched to a
// response.
func (c *Conn) SendNotification(method string, params interface{}) error {
	paramsRaw, err := marshalParams(params)
	if err != nil {
		return kerrors.Wrap(kerrors.CodeValidation, "failed to marshal params", err)
	}
	return c.writeLine(RawMessage{JSONRPC: Version, Method: method, Params: paramsRaw})
}

// SendResponse serves a successful result back to an inbound request id.
func (c *Conn) SendResponse(id int64, result interface{}) error {
	resultRaw, err := marshalParams(result)
	if err != nil {
		return kerrors.Wrap(kerrors.CodeValidation, "failed to marshal result", err)
	}
	idRaw, _ := json.Marshal(id)
	return c.writeLine(RawMessage{JSONRPC: Version, ID: idRaw, Result: resultRaw})
}

// SendError serves an error response. id may be nil for parse/invalid-request
// errors that predate correlation.
func (c *Conn) SendError(id *int64, code int, message string, data interface{}) error {
	var idRaw json.RawMessage
	if id != nil {
		idRaw, _ = json.Marshal(*id)
	}
	var dataRaw json.RawMessage
	if data != nil {
		dataRaw, _ = json.Marshal(data)
	}
	return c.writeLine(RawMessage{JSONRPC: Version, ID: idRaw, Error: &RPCError{Code: code, Message: message, Data: dataRaw}})
}

func (c *Conn) writeError(rawID json.RawMessage, code int, message string) {
	if err := c.writeLine(RawMessage{JSONRPC: Version, ID: rawID, Error: &RPCError{Code: code, Message: message}}); err != nil {
		c.emitError(err)
	}
}

func (c *Conn) writeLine(msg RawMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err = c.out.Write(data)
	return err
}

func marshalParams(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Close rejects all pending requests with a "closed" error and stops
// accepting new traffic. It is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	close(c.closeC)
	c.mu.Unlock()

	for _, pr := range pending {
		pr.timer.Stop()
		pr.resultC <- pendingResult{err: kerrors.New(kerrors.CodeClosed, "connection closed")}
	}
	return nil
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State is one of the lifecycle's bounded states.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateStopping  State = "stopping"
)

// Options tunes one Lifecycle. Zero values are replaced with defaults by
// NewLifecycle.
type Options struct {
	HealthCheckInterval  time.Duration
	FailureThreshold     int
	MaxReconnectAttempts int
	SendMaxAttempts      int
	SendBaseBackoff      time.Duration
	SendMaxBackoff       time.Duration
	DrainTimeout         time.Duration
	HealthCheck          func(ctx context.Context) error // optional; nil means health checks are skipped
}

// DefaultOptions returns the out-of-the-box tunables.
func DefaultOptions() Options {
	return Options{
		HealthCheckInterval:  30 * time.Second,
		FailureThreshold:     3,
		MaxReconnectAttempts: 5,
		SendMaxAttempts:      3,
		SendBaseBackoff:      500 * time.Millisecond,
		SendMaxBackoff:       10 * time.Second,
		DrainTimeout:         15 * time.Second,
	}
}

// Events is the lifecycle's typed observer registry.
type Events struct {
	mu           sync.RWMutex
	onState      []func(platform string, from, to State)
	onSendFailed []func(platform, channelID string, err error)
}

func (e *Events) OnStateChange(fn func(platform string, from, to State)) {
	e.mu.Lock()
	e.onState = append(e.onState, fn)
	e.mu.Unlock()
}
func (e *Events) OnSendFailed(fn func(platform, channelID string, err error)) {
	e.mu.Lock()
	e.onSendFailed = append(e.onSendFailed, fn)
	e.mu.Unlock()
}
func (e *Events) emitState(platform string, from, to State) {
	e.mu.RLock()
	hs := append([]func(string, State, State){}, e.onState...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(platform, from, to)
	}
}
func (e *Events) emitSendFailed(platform, channelID string, err error) {
	e.mu.RLock()
	hs := append([]func(string, string, error){}, e.onSendFailed...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(platform, channelID, err)
	}
}

type sendJob struct {
	channelID string
	text      string
	result    chan error
}

// Lifecycle drives one Adapter through idle/starting/healthy/unhealthy/
// stopping with a FIFO send queue, periodic health checks, and reconnect
// backoff.
type Lifecycle struct {
	adapter Adapter
	opts    Options
	Events  Events
	Logger  *log.Logger

	mu       sync.Mutex
	state    State
	draining bool

	queue    chan sendJob
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewLifecycle wires adapter behind a Lifecycle. Zero-valued fields in opts
// fall back to DefaultOptions.
func NewLifecycle(adapter Adapter, opts Options) *Lifecycle {
	defaults := DefaultOptions()
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaults.FailureThreshold
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if opts.SendMaxAttempts <= 0 {
		opts.SendMaxAttempts = defaults.SendMaxAttempts
	}
	if opts.SendBaseBackoff <= 0 {
		opts.SendBaseBackoff = defaults.SendBaseBackoff
	}
	if opts.SendMaxBackoff <= 0 {
		opts.SendMaxBackoff = defaults.SendMaxBackoff
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaults.DrainTimeout
	}

	return &Lifecycle{
		adapter: adapter,
		opts:    opts,
		state:   StateIdle,
		queue:   make(chan sendJob, 256),
		stopCh:  make(chan struct{}),
	}
}

func (l *Lifecycle) setState(to State) {
	l.mu.Lock()
	from := l.state
	l.state = to
	l.mu.Unlock()
	if from != to {
		l.Events.emitState(l.adapter.Platform(), from, to)
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CanAcceptMessages reports whether new sends should be accepted: false
// while starting, draining, or stopped.
func (l *Lifecycle) CanAcceptMessages() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.draining && (l.state == StateHealthy || l.state == StateUnhealthy)
}

var errNotIdle = errors.New("channel: lifecycle must be idle to start")

// Start transitions idle -> starting -> healthy. On adapter failure it
// restores idle and returns the error.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return errNotIdle
	}
	l.mu.Unlock()

	l.setState(StateStarting)
	if err := l.adapter.Start(ctx); err != nil {
		l.setState(StateIdle)
		return fmt.Errorf("channel: adapter %s failed to start: %w", l.adapter.Platform(), err)
	}
	l.setState(StateHealthy)

	l.wg.Add(2)
	go l.healthLoop()
	go l.sendLoop()
	return nil
}

// Stop drains the send queue (bounded by DrainTimeout), stops the adapter,
// and returns to idle. It is idempotent and safe to call from any state.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateIdle {
		l.mu.Unlock()
		return nil
	}
	l.draining = true
	l.mu.Unlock()

	l.setState(StateStopping)

	drained := make(chan struct{})
	go func() {
		for len(l.queue) > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(l.opts.DrainTimeout):
		if l.Logger != nil {
			l.Logger.Printf("channel: %s drain timed out, stopping with messages still queued", l.adapter.Platform())
		}
	}

	close(l.stopCh)
	l.wg.Wait()

	if err := l.adapter.Stop(ctx); err != nil && l.Logger != nil {
		l.Logger.Printf("channel: %s adapter stop failed: %v", l.adapter.Platform(), err)
	}

	l.mu.Lock()
	l.draining = false
	l.mu.Unlock()
	l.setState(StateIdle)
	return nil
}

// SendMessage enqueues text for delivery to channelID and waits for the
// send to complete or fail. Rejected immediately if not accepting messages.
func (l *Lifecycle) SendMessage(ctx context.Context, channelID, text string) error {
	if !l.CanAcceptMessages() {
		return fmt.Errorf("channel: %s not accepting messages in state %s", l.adapter.Platform(), l.State())
	}
	job := sendJob{channelID: channelID, text: text, result: make(chan error, 1)}
	select {
	case l.queue <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTyping best-effort pings the typing indicator. Errors are swallowed;
// it is a no-op when the adapter doesn't support typing or isn't healthy.
func (l *Lifecycle) SendTyping(ctx context.Context, channelID string) {
	if l.State() != StateHealthy {
		return
	}
	ta, ok := l.adapter.(TypingAdapter)
	if !ok {
		return
	}
	if err := ta.SendTyping(ctx, channelID); err != nil && l.Logger != nil {
		l.Logger.Printf("channel: %s typing indicator failed: %v", l.adapter.Platform(), err)
	}
}

func (l *Lifecycle) sendLoop() {
	defer l.wg.Done()
	for {
		select {
		case job := <-l.queue:
			l.runSendJob(job)
		case <-l.stopCh:
			l.drainRemainingWithRejection()
			return
		}
	}
}

func (l *Lifecycle) drainRemainingWithRejection() {
	for {
		select {
		case job := <-l.queue:
			job.result <- fmt.Errorf("channel: %s shut down before message could be sent", l.adapter.Platform())
		default:
			return
		}
	}
}

func (l *Lifecycle) runSendJob(job sendJob) {
	backoff := l.opts.SendBaseBackoff
	var lastErr error
	for attempt := 1; attempt <= l.opts.SendMaxAttempts; attempt++ {
		for l.State() == StateUnhealthy {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-l.stopCh:
				job.result <- fmt.Errorf("channel: %s shut down while paused for unhealthy state", l.adapter.Platform())
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := l.adapter.SendMessage(ctx, job.channelID, job.text)
		cancel()
		if err == nil {
			job.result <- nil
			return
		}
		lastErr = err
		l.Events.emitSendFailed(l.adapter.Platform(), job.channelID, err)
		if attempt < l.opts.SendMaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > l.opts.SendMaxBackoff {
				backoff = l.opts.SendMaxBackoff
			}
		}
	}
	job.result <- fmt.Errorf("channel: %s failed to send after %d attempts: %w", l.adapter.Platform(), l.opts.SendMaxAttempts, lastErr)
}

func (l *Lifecycle) healthLoop() {
	defer l.wg.Done()
	if l.opts.HealthCheck == nil {
		<-l.stopCh
		return
	}

	ticker := time.NewTicker(l.opts.HealthCheckInterval)
	defer ticker.Stop()
	consecutiveFailures := 0

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.opts.HealthCheckInterval)
			err := l.opts.HealthCheck(ctx)
			cancel()

			if err == nil {
				consecutiveFailures = 0
				if l.State() == StateUnhealthy {
					l.setState(StateHealthy)
				}
				continue
			}

			consecutiveFailures++
			if consecutiveFailures < l.opts.FailureThreshold {
				continue
			}
			if l.State() != StateUnhealthy {
				l.setState(StateUnhealthy)
			}
			l.attemptReconnect()
		}
	}
}

func (l *Lifecycle) attemptReconnect() {
	for attempt := 1; attempt <= l.opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-l.stopCh:
			return
		case <-time.After(time.Duration(attempt) * time.Second):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := l.opts.HealthCheck(ctx)
		cancel()
		if err == nil {
			l.setState(StateHealthy)
			return
		}
	}
	if l.Logger != nil {
		l.Logger.Printf("channel: %s exhausted %d reconnect attempts, remaining unhealthy", l.adapter.Platform(), l.opts.MaxReconnectAttempts)
	}
}

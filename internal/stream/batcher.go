package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// BatcherOptions configures an UpdateBatcher.
type BatcherOptions struct {
	DebounceWindow  time.Duration // delay before a newly queued message's first flush; default 200ms
	MaxQueue        int           // hard cap on distinct pending message ids; default 50
	BucketCapacity  float64       // token-bucket capacity; default 5
	RefillPerSecond float64       // token-bucket refill rate; default 1

	// Edit delivers one update. Errors are logged; other queued entries
	// keep being processed.
	Edit   func(ctx context.Context, channelID string, payload any) error
	Logger *log.Logger
}

// DefaultBatcherOptions returns the out-of-the-box tunables.
func DefaultBatcherOptions() BatcherOptions {
	return BatcherOptions{
		DebounceWindow:  200 * time.Millisecond,
		MaxQueue:        50,
		BucketCapacity:  5,
		RefillPerSecond: 1,
	}
}

type pendingEntry struct {
	channelID string
	payload   any
	timer     *time.Timer
	ready     bool
}

// UpdateBatcher coalesces rapid-fire edits to the same message id behind a
// debounce window and a token bucket, so a burst of widget updates never
// exceeds a chat platform's edit rate limit.
type UpdateBatcher struct {
	opts   BatcherOptions
	bucket *tokenBucket

	mu         sync.Mutex
	pending    map[string]*pendingEntry
	readyOrder []string
	stopped    bool
	stopCh     chan struct{}
	wakeCh     chan struct{}
}

// NewUpdateBatcher builds and starts an UpdateBatcher. Call Stop to release
// its background dispatch loop.
func NewUpdateBatcher(opts BatcherOptions) *UpdateBatcher {
	defaults := DefaultBatcherOptions()
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = defaults.DebounceWindow
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = defaults.MaxQueue
	}
	if opts.BucketCapacity <= 0 {
		opts.BucketCapacity = defaults.BucketCapacity
	}
	if opts.RefillPerSecond <= 0 {
		opts.RefillPerSecond = defaults.RefillPerSecond
	}

	b := &UpdateBatcher{
		opts:    opts,
		bucket:  newTokenBucket(opts.BucketCapacity, opts.RefillPerSecond),
		pending: make(map[string]*pendingEntry),
		stopCh:  make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
	}
	go b.dispatchLoop()
	return b
}

// QueueUpdate replaces any pending entry for messageID (coalescing rapid
// edits) or creates a new one. New entries past MaxQueue are dropped and
// return an error; updates to an already-pending message id always
// succeed regardless of queue size.
func (b *UpdateBatcher) QueueUpdate(messageID, channelID string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.pending[messageID]; ok {
		entry.channelID = channelID
		entry.payload = payload
		return nil
	}

	if len(b.pending) >= b.opts.MaxQueue {
		return fmt.Errorf("stream: update queue full (max %d), dropping new entry for message %s", b.opts.MaxQueue, messageID)
	}

	entry := &pendingEntry{channelID: channelID, payload: payload}
	b.pending[messageID] = entry
	entry.timer = time.AfterFunc(b.opts.DebounceWindow, func() { b.markReady(messageID) })
	return nil
}

func (b *UpdateBatcher) markReady(messageID string) {
	b.mu.Lock()
	entry, ok := b.pending[messageID]
	if !ok || entry.ready {
		b.mu.Unlock()
		return
	}
	entry.ready = true
	b.readyOrder = append(b.readyOrder, messageID)
	b.mu.Unlock()

	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

func (b *UpdateBatcher) dispatchLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-b.wakeCh:
		case <-ticker.C:
		}
		b.tryDispatchReady()
	}
}

type dispatchJob struct {
	messageID string
	channelID string
	payload   any
}

func (b *UpdateBatcher) tryDispatchReady() {
	b.mu.Lock()
	var jobs []dispatchJob
	var stillReady []string
	for i, id := range b.readyOrder {
		entry, ok := b.pending[id]
		if !ok {
			continue
		}
		if !b.bucket.TryTake() {
			stillReady = append(stillReady, b.readyOrder[i:]...)
			break
		}
		jobs = append(jobs, dispatchJob{messageID: id, channelID: entry.channelID, payload: entry.payload})
		delete(b.pending, id)
	}
	b.readyOrder = stillReady
	b.mu.Unlock()

	for _, job := range jobs {
		b.deliver(job)
	}
}

func (b *UpdateBatcher) deliver(job dispatchJob) {
	if b.opts.Edit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.opts.Edit(ctx, job.channelID, job.payload); err != nil && b.opts.Logger != nil {
		b.opts.Logger.Printf("stream: update edit for message %s failed: %v", job.messageID, err)
	}
}

// Stop halts the background dispatch loop. Pending entries are discarded.
func (b *UpdateBatcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()
	close(b.stopCh)
}

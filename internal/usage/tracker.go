// Package usage maintains a best-effort context-window usage estimate per
// agent session: current/max token counts, percentage used, and a
// per-category breakdown, probed out-of-band via a "/usage" prompt and a
// stderr scrape.
package usage

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Usage is a best-effort context-window usage snapshot.
type Usage struct {
	Model      string
	Current    int64
	Max        int64
	Percentage float64
	Categories map[string]int64
	Estimated  bool // true when derived from the local token-count fallback
}

// StderrSource lets the tracker subscribe to one agent session's stderr
// stream. The returned func unsubscribes; it must be safe to call more than
// once.
type StderrSource interface {
	SubscribeStderr(agentSessionID string, onLine func(line string)) (unsubscribe func())
}

// Prompter issues the "/usage" prompt that triggers the agent to emit a
// usage block on stderr.
type Prompter interface {
	SendUsagePrompt(ctx context.Context, agentSessionID string) error
}

// TextSupplier optionally exposes the accumulated input text for a session,
// used for the local token-count fallback when no cached usage exists and
// the live probe fails.
type TextSupplier interface {
	EstimateInputText(agentSessionID string) string
}

// Events is the tracker's typed observer registry.
type Events struct {
	mu         sync.RWMutex
	onUpdate   []func(sessionID string, usage Usage)
	onError    []func(sessionID string, err error)
	onTimeout  []func(sessionID string)
}

func (e *Events) OnUpdate(fn func(sessionID string, usage Usage)) {
	e.mu.Lock()
	e.onUpdate = append(e.onUpdate, fn)
	e.mu.Unlock()
}
func (e *Events) OnError(fn func(sessionID string, err error)) {
	e.mu.Lock()
	e.onError = append(e.onError, fn)
	e.mu.Unlock()
}
func (e *Events) OnTimeout(fn func(sessionID string)) {
	e.mu.Lock()
	e.onTimeout = append(e.onTimeout, fn)
	e.mu.Unlock()
}

func (e *Events) emitUpdate(sessionID string, u Usage) {
	e.mu.RLock()
	hs := append([]func(string, Usage){}, e.onUpdate...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(sessionID, u)
	}
}
func (e *Events) emitError(sessionID string, err error) {
	e.mu.RLock()
	hs := append([]func(string, error){}, e.onError...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(sessionID, err)
	}
}
func (e *Events) emitTimeout(sessionID string) {
	e.mu.RLock()
	hs := append([]func(string){}, e.onTimeout...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(sessionID)
	}
}

type cacheEntry struct {
	usage     Usage
	checkedAt time.Time
}

// Tracker probes and caches usage per agent session.
type Tracker struct {
	DebounceInterval time.Duration
	ProbeTimeout     time.Duration

	Stderr   StderrSource
	Prompter Prompter
	Texts    TextSupplier // optional
	Events   Events
	Logger   *log.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// New builds a Tracker. debounce and probeTimeout typically come from
// RuntimeConfig.UsageDebounceInterval / UsageProbeTimeout.
func New(stderr StderrSource, prompter Prompter, debounce, probeTimeout time.Duration) *Tracker {
	return &Tracker{
		DebounceInterval: debounce,
		ProbeTimeout:     probeTimeout,
		Stderr:           stderr,
		Prompter:         prompter,
		cache:            make(map[string]*cacheEntry),
	}
}

const (
	startMarker = "<local-command-stdout>"
	endMarker   = "</local-command-stdout>"
)

var (
	usageLineRe = regexp.MustCompile(`([\d.]+k?)\s*/\s*([\d.]+k?)\s*\(([\d.]+)%\)`)
	modelLineRe = regexp.MustCompile(`(?i)model:\s*(\S+)`)
	categoryRe  = regexp.MustCompile(`^\s*([A-Za-z][\w .\-]*?):\s*([\d.]+k?)\s*$`)
)

// Probe returns the cached usage if it is fresher than DebounceInterval,
// otherwise issues a fresh "/usage" prompt and scrapes the result from
// stderr, racing against ProbeTimeout.
func (t *Tracker) Probe(ctx context.Context, agentSessionID string) (*Usage, error) {
	t.mu.Lock()
	if entry, ok := t.cache[agentSessionID]; ok && time.Since(entry.checkedAt) < t.DebounceInterval {
		cached := entry.usage
		t.mu.Unlock()
		return &cached, nil
	}
	t.mu.Unlock()

	blockCh := make(chan string, 1)
	var buf strings.Builder
	var inBlock bool
	var once sync.Once

	unsubscribe := t.Stderr.SubscribeStderr(agentSessionID, func(line string) {
		if !inBlock {
			if strings.Contains(line, startMarker) {
				inBlock = true
			}
			return
		}
		if strings.Contains(line, endMarker) {
			once.Do(func() { blockCh <- buf.String() })
			return
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	})
	defer unsubscribe()

	promptCtx, cancel := context.WithTimeout(ctx, t.ProbeTimeout)
	defer cancel()

	go func() {
		if err := t.Prompter.SendUsagePrompt(promptCtx, agentSessionID); err != nil {
			if t.Logger != nil {
				t.Logger.Printf("usage: prompt failed for %s: %v", agentSessionID, err)
			}
		}
	}()

	select {
	case block := <-blockCh:
		parsed, err := parseUsageBlock(block)
		if err != nil {
			t.Events.emitError(agentSessionID, err)
			return t.fallback(agentSessionID, err)
		}
		t.mu.Lock()
		t.cache[agentSessionID] = &cacheEntry{usage: parsed, checkedAt: time.Now()}
		t.mu.Unlock()
		t.Events.emitUpdate(agentSessionID, parsed)
		return &parsed, nil
	case <-promptCtx.Done():
		t.Events.emitTimeout(agentSessionID)
		return t.fallback(agentSessionID, fmt.Errorf("usage probe timed out after %s", t.ProbeTimeout))
	}
}

// fallback prefers stale cached data over no data, and otherwise falls back
// to a local token-count estimate when a TextSupplier is wired.
func (t *Tracker) fallback(agentSessionID string, probeErr error) (*Usage, error) {
	t.mu.Lock()
	entry, ok := t.cache[agentSessionID]
	t.mu.Unlock()
	if ok {
		cached := entry.usage
		return &cached, nil
	}

	if t.Texts == nil {
		return nil, probeErr
	}
	text := t.Texts.EstimateInputText(agentSessionID)
	if text == "" {
		return nil, probeErr
	}
	tokens := estimateTokens(text)
	return &Usage{Current: int64(tokens), Estimated: true}, nil
}

func parseUsageBlock(block string) (Usage, error) {
	var u Usage
	if m := modelLineRe.FindStringSubmatch(block); m != nil {
		u.Model = m[1]
	}
	m := usageLineRe.FindStringSubmatch(block)
	if m == nil {
		return u, fmt.Errorf("usage: no current/max/percentage token line found in probe output")
	}
	current, err := parseTokenCount(m[1])
	if err != nil {
		return u, fmt.Errorf("usage: invalid current token count %q: %w", m[1], err)
	}
	max, err := parseTokenCount(m[2])
	if err != nil {
		return u, fmt.Errorf("usage: invalid max token count %q: %w", m[2], err)
	}
	pct, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return u, fmt.Errorf("usage: invalid percentage %q: %w", m[3], err)
	}
	u.Current = current
	u.Max = max
	u.Percentage = pct

	categories := make(map[string]int64)
	for _, line := range strings.Split(block, "\n") {
		cm := categoryRe.FindStringSubmatch(line)
		if cm == nil {
			continue
		}
		n, err := parseTokenCount(cm[2])
		if err != nil {
			continue
		}
		categories[strings.TrimSpace(cm[1])] = n
	}
	if len(categories) > 0 {
		u.Categories = categories
	}
	return u, nil
}

func parseTokenCount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	if strings.HasSuffix(s, "k") {
		mult = 1000
		s = strings.TrimSuffix(s, "k")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f * float64(mult)), nil
}

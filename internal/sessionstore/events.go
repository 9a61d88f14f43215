package sessionstore

import "sync"

// Events is a typed observer registry for Store lifecycle notifications.
// Each event kind gets its own subscribe/emit pair rather than a generic
// dynamic-dispatch callback. Subscriptions are for observability only; no
// store behavior depends on a listener being registered.
type Events struct {
	mu              sync.RWMutex
	onCreated       []func(*AgentSession)
	onUpdated       []func(*AgentSession)
	onEnded         []func(*AgentSession)
	onEventAppended []func(*SessionEvent)
	onReadErrors    []func(sessionID string, stats ReadStats)
}

func (e *Events) OnCreated(fn func(*AgentSession)) { e.mu.Lock(); e.onCreated = append(e.onCreated, fn); e.mu.Unlock() }
func (e *Events) OnUpdated(fn func(*AgentSession)) { e.mu.Lock(); e.onUpdated = append(e.onUpdated, fn); e.mu.Unlock() }
func (e *Events) OnEnded(fn func(*AgentSession))   { e.mu.Lock(); e.onEnded = append(e.onEnded, fn); e.mu.Unlock() }
func (e *Events) OnEventAppended(fn func(*SessionEvent)) {
	e.mu.Lock()
	e.onEventAppended = append(e.onEventAppended, fn)
	e.mu.Unlock()
}
func (e *Events) OnReadErrors(fn func(sessionID string, stats ReadStats)) {
	e.mu.Lock()
	e.onReadErrors = append(e.onReadErrors, fn)
	e.mu.Unlock()
}

func (e *Events) emitCreated(s *AgentSession) {
	e.mu.RLock()
	hs := append([]func(*AgentSession){}, e.onCreated...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(s)
	}
}

func (e *Events) emitUpdated(s *AgentSession) {
	e.mu.RLock()
	hs := append([]func(*AgentSession){}, e.onUpdated...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(s)
	}
}

func (e *Events) emitEnded(s *AgentSession) {
	e.mu.RLock()
	hs := append([]func(*AgentSession){}, e.onEnded...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(s)
	}
}

func (e *Events) emitEventAppended(ev *SessionEvent) {
	e.mu.RLock()
	handlers := append([]func(*SessionEvent){}, e.onEventAppended...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
func (e *Events) emitReadErrors(sessionID string, stats ReadStats) {
	e.mu.RLock()
	handlers := append([]func(string, ReadStats){}, e.onReadErrors...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h(sessionID, stats)
	}
}

package convstore

import "sync"

// Events is convstore's typed observer registry, mirroring
// sessionstore.Events.
type Events struct {
	mu              sync.RWMutex
	onCreated       []func(*Conversation)
	onArchived      []func(*Conversation)
	onTurnAppended  []func(turn *ConversationTurn, wasDuplicate bool)
	onReadErrors    []func(conversationID string, stats ReadStats)
}

func (e *Events) OnCreated(fn func(*Conversation))  { e.mu.Lock(); e.onCreated = append(e.onCreated, fn); e.mu.Unlock() }
func (e *Events) OnArchived(fn func(*Conversation)) { e.mu.Lock(); e.onArchived = append(e.onArchived, fn); e.mu.Unlock() }
func (e *Events) OnTurnAppended(fn func(turn *ConversationTurn, wasDuplicate bool)) {
	e.mu.Lock()
	e.onTurnAppended = append(e.onTurnAppended, fn)
	e.mu.Unlock()
}
func (e *Events) OnReadErrors(fn func(conversationID string, stats ReadStats)) {
	e.mu.Lock()
	e.onReadErrors = append(e.onReadErrors, fn)
	e.mu.Unlock()
}

func (e *Events) emitCreated(c *Conversation) {
	e.mu.RLock()
	hs := append([]func(*Conversation){}, e.onCreated...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(c)
	}
}

func (e *Events) emitArchived(c *Conversation) {
	e.mu.RLock()
	hs := append([]func(*Conversation){}, e.onArchived...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(c)
	}
}

func (e *Events) emitTurnAppended(turn *ConversationTurn, wasDuplicate bool) {
	e.mu.RLock()
	hs := append([]func(*ConversationTurn, bool){}, e.onTurnAppended...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(turn, wasDuplicate)
	}
}

func (e *Events) emitReadErrors(conversationID string, stats ReadStats) {
	e.mu.RLock()
	hs := append([]func(string, ReadStats){}, e.onReadErrors...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(conversationID, stats)
	}
}

package acp

import (
	"context"
	"log"
	"sync"
	"time"
)

const completedStatus = "completed"

// liveSession is the in-memory record of a session_key's current agent
// session.
type liveSession struct {
	agentSessionID string
	storeSessionID string // sessionstore row id backing this live session, empty until persisted
	conversationID string
	lastUsagePct   float64
	haveUsage      bool
}

// Events is SessionLifecycle's typed observer registry.
type Events struct {
	mu           sync.RWMutex
	onCreated    []func(key, agentSessionID string)
	onRecovered  []func(key, agentSessionID, conversationID string)
	onRotated    []func(key, oldID, newID string)
	onEnded      []func(key string)
}

func (e *Events) OnCreated(fn func(key, agentSessionID string)) {
	e.mu.Lock()
	e.onCreated = append(e.onCreated, fn)
	e.mu.Unlock()
}
func (e *Events) OnRecovered(fn func(key, agentSessionID, conversationID string)) {
	e.mu.Lock()
	e.onRecovered = append(e.onRecovered, fn)
	e.mu.Unlock()
}
func (e *Events) OnRotated(fn func(key, oldID, newID string)) {
	e.mu.Lock()
	e.onRotated = append(e.onRotated, fn)
	e.mu.Unlock()
}
func (e *Events) OnEnded(fn func(key string)) {
	e.mu.Lock()
	e.onEnded = append(e.onEnded, fn)
	e.mu.Unlock()
}

func (e *Events) emitCreated(key, id string) {
	e.mu.RLock()
	hs := append([]func(string, string){}, e.onCreated...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(key, id)
	}
}
func (e *Events) emitRecovered(key, id, convID string) {
	e.mu.RLock()
	hs := append([]func(string, string, string){}, e.onRecovered...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(key, id, convID)
	}
}
func (e *Events) emitRotated(key, oldID, newID string) {
	e.mu.RLock()
	hs := append([]func(string, string, string){}, e.onRotated...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(key, oldID, newID)
	}
}
func (e *Events) emitEnded(key string) {
	e.mu.RLock()
	hs := append([]func(string){}, e.onEnded...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(key)
	}
}

// Result describes the outcome of GetOrCreateSession.
type Result struct {
	AgentSessionID string
	IsNew          bool
	WasRotated     bool
	WasRecovered   bool
}

// SessionLifecycle maps session_key -> live agent session, deciding reuse
// vs. rotate vs. recover, and serializing all work per key.
type SessionLifecycle struct {
	RotationThreshold       float64
	RecentConversationWindow time.Duration

	Client  Client
	SessStore SessionStore
	ConvStore ConversationLookup
	Events  Events
	Logger  *log.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
	chains   map[string]*sync.Mutex
}

// New builds a SessionLifecycle. rotationThreshold and recentWindow should
// come from the runtime config (0.70 and 30 minutes by default).
func New(client Client, sessStore SessionStore, convStore ConversationLookup, rotationThreshold float64, recentWindow time.Duration) *SessionLifecycle {
	return &SessionLifecycle{
		RotationThreshold:        rotationThreshold,
		RecentConversationWindow: recentWindow,
		Client:                   client,
		SessStore:                sessStore,
		ConvStore:                convStore,
		sessions:                 make(map[string]*liveSession),
		chains:                   make(map[string]*sync.Mutex),
	}
}

// withLock runs fn while holding key's mutex, so calls for the same key
// never overlap; different keys run concurrently. Callers waiting on the
// same key acquire it in no guaranteed order.
func (l *SessionLifecycle) withLock(key string, fn func() error) error {
	l.mu.Lock()
	chain, ok := l.chains[key]
	if !ok {
		chain = &sync.Mutex{}
		l.chains[key] = chain
	}
	l.mu.Unlock()

	chain.Lock()
	defer chain.Unlock()
	return fn()
}

// GetOrCreateSession implements get_or_create_session: reuse the live
// session for key unless rotation is warranted, else rotate; on a cold
// start, recover a recent conversation or start fresh.
func (l *SessionLifecycle) GetOrCreateSession(ctx context.Context, key string) (Result, error) {
	var result Result
	err := l.withLock(key, func() error {
		l.mu.Lock()
		live, exists := l.sessions[key]
		l.mu.Unlock()

		if exists {
			if !l.rotationWarranted(live) {
				result = Result{AgentSessionID: live.agentSessionID}
				return nil
			}
			return l.rotateLocked(ctx, key, &result)
		}

		convID, updatedAt, found, err := l.ConvStore.GetConversationBySessionKeyInfo(key)
		if err != nil {
			return err
		}

		recovered := found && time.Since(time.UnixMilli(updatedAt)) <= l.RecentConversationWindow

		agentSessionID, err := l.Client.NewSession(ctx)
		if err != nil {
			return err
		}

		persisted, err := l.SessStore.CreateSession(CreateSessionInput{
			ID:             agentSessionID,
			SessionKey:     key,
			ConversationID: convID,
		})
		if err != nil {
			return err
		}
		storeSessionID := persisted.ID

		l.mu.Lock()
		l.sessions[key] = &liveSession{agentSessionID: agentSessionID, storeSessionID: storeSessionID, conversationID: convID}
		l.mu.Unlock()

		result = Result{AgentSessionID: agentSessionID, IsNew: true, WasRecovered: recovered}
		if recovered {
			l.Events.emitRecovered(key, agentSessionID, convID)
		} else {
			l.Events.emitCreated(key, agentSessionID)
		}
		return nil
	})
	return result, err
}

// rotationWarranted reports whether the live session has known usage at or
// above the rotation threshold. No usage data means reuse.
func (l *SessionLifecycle) rotationWarranted(live *liveSession) bool {
	return live.haveUsage && live.lastUsagePct >= l.RotationThreshold
}

func (l *SessionLifecycle) rotateLocked(ctx context.Context, key string, result *Result) error {
	l.mu.Lock()
	old := l.sessions[key]
	l.mu.Unlock()

	newID, err := l.Client.NewSession(ctx)
	if err != nil {
		return err
	}

	persisted, err := l.SessStore.CreateSession(CreateSessionInput{
		ID:             newID,
		SessionKey:     key,
		ConversationID: old.conversationID,
	})
	if err != nil {
		return err
	}

	if _, err := l.SessStore.UpdateSessionStatus(old.storeSessionID, completedStatus); err != nil && l.Logger != nil {
		l.Logger.Printf("acp: best-effort complete of rotated-out session %s failed: %v", old.storeSessionID, err)
	}

	l.mu.Lock()
	l.sessions[key] = &liveSession{agentSessionID: newID, storeSessionID: persisted.ID, conversationID: old.conversationID}
	l.mu.Unlock()

	*result = Result{AgentSessionID: newID, IsNew: true, WasRotated: true}
	l.Events.emitRotated(key, old.agentSessionID, newID)
	return nil
}

// UpdateUsage records the latest known context-window usage percentage for
// key's live session. Unknown keys are ignored.
func (l *SessionLifecycle) UpdateUsage(key string, percentage float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	live, ok := l.sessions[key]
	if !ok {
		return
	}
	live.lastUsagePct = percentage
	live.haveUsage = true
}

// EndSession removes in-memory state for key and emits session:ended.
func (l *SessionLifecycle) EndSession(key string) {
	l.mu.Lock()
	delete(l.sessions, key)
	l.mu.Unlock()
	l.Events.emitEnded(key)
}

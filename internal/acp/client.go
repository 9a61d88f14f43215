// Package acp maps session keys (one per chat-platform conversation) to
// live agent sessions, deciding whether to reuse, rotate, or recover a
// session, and serializing all work for a given key.
package acp

import "context"

// Client is the narrow view of the agent-control-protocol connection this
// package needs: minting new agent sessions by id.
type Client interface {
	NewSession(ctx context.Context) (agentSessionID string, err error)
}

// SessionStore is the slice of sessionstore.Store that SessionLifecycle
// drives directly.
type SessionStore interface {
	CreateSession(input CreateSessionInput) (*PersistedSession, error)
	UpdateSessionStatus(id string, status string) (*PersistedSession, error)
}

// CreateSessionInput mirrors sessionstore.CreateSessionInput's shape
// without importing it, so this package stays independent of the storage
// layer's concrete types.
type CreateSessionInput struct {
	ID             string
	AgentType      string
	ConversationID string
	SessionKey     string
}

// PersistedSession is the subset of sessionstore.AgentSession the
// lifecycle needs back.
type PersistedSession struct {
	ID string
}

// ConversationLookup is the slice of convstore.Store SessionLifecycle needs
// to decide reuse vs. recovery on a cold start.
type ConversationLookup interface {
	GetConversationBySessionKeyInfo(sessionKey string) (conversationID string, updatedAtUnixMilli int64, found bool, err error)
}

// Package convstore persists durable conversation metadata plus an
// append-only, pointer-only turn log.
//
// Layout: baseDir/conversations/<id>/conversation.yaml + turns.jsonl +
// .lock + message-id-index.json, plus a global
// baseDir/conversations/session-key-index.json protected by its own lock.
// Turns store pointers (session id + event range), not content; content is
// materialized on demand from the referenced session's event log.
package convstore

import (
	"encoding/json"
	"time"
)

// Status is a Conversation's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Conversation is the persisted metadata for one durable conversation.
type Conversation struct {
	ID         string    `yaml:"id" json:"id"`
	SessionKey string    `yaml:"session_key" json:"session_key"`
	Status     Status    `yaml:"status" json:"status"`
	CreatedAt  time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt  time.Time `yaml:"updated_at" json:"updated_at"`
	TurnCount  int       `yaml:"turn_count" json:"turn_count"`
}

// Role is a ConversationTurn's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// EventRange points at the inclusive [StartSeq, EndSeq] range of session
// events a turn's content derives from.
type EventRange struct {
	StartSeq int `json:"start_seq"`
	EndSeq   int `json:"end_seq"`
}

// ConversationTurn is one JSONL line in a conversation's turn log. Turns do
// not store content: content is derived from SessionID + EventRange on
// demand.
type ConversationTurn struct {
	TS        int64           `json:"ts"`
	Seq       int             `json:"seq"`
	Role      Role            `json:"role"`
	SessionID string          `json:"session_id"`
	EventRange EventRange     `json:"event_range"`
	MessageID string          `json:"message_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// AppendTurnInput describes a new turn to append. Seq and TS are assigned
// by the store.
type AppendTurnInput struct {
	Role       Role
	SessionID  string
	EventRange EventRange
	MessageID  string
	Metadata   json.RawMessage
}

// AppendTurnResult reports the appended (or previously-appended, for a
// duplicate message_id) turn.
type AppendTurnResult struct {
	Turn        ConversationTurn
	WasDuplicate bool
}

// SessionExistence is the narrow view convstore needs of the session store
// to validate foreign session_id references.
type SessionExistence interface {
	SessionExists(id string) bool
}

// ReadStats summarizes a tolerant read over turns.jsonl.
type ReadStats struct {
	ParseFailures  int
	SchemaFailures int
}

func (s ReadStats) total() int { return s.ParseFailures + s.SchemaFailures }

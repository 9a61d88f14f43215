// Package sessionstore persists durable agent-session metadata plus an
// append-only event log, one directory per session:
// baseDir/sessions/<id>/session.yaml + events.jsonl + .lock.
package sessionstore

import (
	"encoding/json"
	"time"
)

// Status is an AgentSession's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// AgentSession is the persisted metadata for one agent run.
type AgentSession struct {
	ID             string     `yaml:"id" json:"id"`
	AgentType      string     `yaml:"agent_type" json:"agent_type"`
	ConversationID string     `yaml:"conversation_id" json:"conversation_id"`
	SessionKey     string     `yaml:"session_key" json:"session_key"`
	Status         Status     `yaml:"status" json:"status"`
	StartedAt      time.Time  `yaml:"started_at" json:"started_at"`
	EndedAt        *time.Time `yaml:"ended_at,omitempty" json:"ended_at,omitempty"`
}

// EventType enumerates the kinds of SessionEvent a session's log can hold.
type EventType string

const (
	EventPromptSent    EventType = "prompt.sent"
	EventMessageChunk  EventType = "message.chunk"
	EventSessionUpdate EventType = "session.update"
	EventToolCall      EventType = "tool.call"
	EventToolResult    EventType = "tool.result"
	EventSessionStart  EventType = "session.start"
	EventSessionEnd    EventType = "session.end"
)

// SessionEvent is one JSONL line in a session's event log.
type SessionEvent struct {
	TS        int64           `json:"ts"`
	Seq       int             `json:"seq"`
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// CreateSessionInput describes a new AgentSession to persist.
type CreateSessionInput struct {
	ID             string // optional; assigned via ulid.New if empty
	AgentType      string
	ConversationID string
	SessionKey     string
}

// AppendEventInput describes a new SessionEvent to append. Seq and TS are
// assigned by the store.
type AppendEventInput struct {
	Type    EventType
	TraceID string
	Data    json.RawMessage
}

// Filter narrows ListSessions results.
type Filter struct {
	SessionKey string
	Status     Status
}

// ReadStats summarizes a tolerant read over a JSONL log.
type ReadStats struct {
	ParseFailures  int
	SchemaFailures int
}

func (s ReadStats) total() int { return s.ParseFailures + s.SchemaFailures }

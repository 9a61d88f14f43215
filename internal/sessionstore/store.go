package sessionstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kynetic-ai/kbot/internal/kerrors"
	"github.com/kynetic-ai/kbot/internal/ulid"
	"gopkg.in/yaml.v3"
)

// Store persists AgentSession metadata and SessionEvent logs under baseDir.
type Store struct {
	baseDir     string
	lockTimeout time.Duration

	Events Events

	// appendMu serializes in-process append attempts per session, so at
	// most one append is ever in flight for a given session even before
	// the cross-process flock is attempted.
	appendMu   sync.Mutex
	appendLock map[string]*sync.Mutex
}

// New creates a Store rooted at baseDir/sessions. baseDir is created if
// absent.
func New(baseDir string, lockTimeout time.Duration) (*Store, error) {
	dir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}
	return &Store{
		baseDir:     baseDir,
		lockTimeout: lockTimeout,
		appendLock:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.baseDir, "sessions", id)
}

func (s *Store) metaPath(id string) string   { return filepath.Join(s.sessionDir(id), "session.yaml") }
func (s *Store) eventsPath(id string) string { return filepath.Join(s.sessionDir(id), "events.jsonl") }
func (s *Store) lockPath(id string) string   { return filepath.Join(s.sessionDir(id), ".lock") }

func (s *Store) perSessionMutex(id string) *sync.Mutex {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	m, ok := s.appendLock[id]
	if !ok {
		m = &sync.Mutex{}
		s.appendLock[id] = m
	}
	return m
}

// CreateSession validates input, assigns an id if absent, writes YAML,
// creates an empty JSONL log, and emits session:created.
func (s *Store) CreateSession(input CreateSessionInput) (*AgentSession, error) {
	if input.SessionKey == "" {
		return nil, kerrors.Field("session_key", "session_key is required")
	}
	if input.AgentType == "" {
		return nil, kerrors.Field("agent_type", "agent_type is required")
	}

	id := input.ID
	if id == "" {
		id = ulid.New()
	}

	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	session := &AgentSession{
		ID:             id,
		AgentType:      input.AgentType,
		ConversationID: input.ConversationID,
		SessionKey:     input.SessionKey,
		Status:         StatusActive,
		StartedAt:      time.Now().UTC(),
	}

	if err := s.writeMeta(session); err != nil {
		return nil, err
	}

	eventsFile := s.eventsPath(id)
	if _, err := os.Stat(eventsFile); os.IsNotExist(err) {
		if err := os.WriteFile(eventsFile, nil, 0o644); err != nil {
			return nil, fmt.Errorf("failed to create events log: %w", err)
		}
	}

	s.Events.emitCreated(session)
	return session, nil
}

func (s *Store) writeMeta(session *AgentSession) error {
	data, err := yaml.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	return os.WriteFile(s.metaPath(session.ID), data, 0o644)
}

// GetSession reads a session's metadata.
func (s *Store) GetSession(id string) (*AgentSession, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kerrors.New(kerrors.CodeSessionNotFound, fmt.Sprintf("session %s not found", id))
		}
		return nil, fmt.Errorf("failed to read session metadata: %w", err)
	}
	var session AgentSession
	if err := yaml.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to parse session metadata: %w", err)
	}
	return &session, nil
}

// SessionExists reports whether a session directory with metadata exists.
func (s *Store) SessionExists(id string) bool {
	_, err := os.Stat(s.metaPath(id))
	return err == nil
}

// ListSessions returns sessions matching filter, sorted by StartedAt
// ascending.
func (s *Store) ListSessions(filter Filter) ([]*AgentSession, error) {
	root := filepath.Join(s.baseDir, "sessions")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var out []*AgentSession
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		session, err := s.GetSession(entry.Name())
		if err != nil {
			continue
		}
		if filter.SessionKey != "" && session.SessionKey != filter.SessionKey {
			continue
		}
		if filter.Status != "" && session.Status != filter.Status {
			continue
		}
		out = append(out, session)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// UpdateSessionStatus transitions status, stamping EndedAt when entering a
// terminal state, and emits session:ended or session:updated.
func (s *Store) UpdateSessionStatus(id string, status Status) (*AgentSession, error) {
	lock, err := acquireLock(s.lockPath(id), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	session, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}

	session.Status = status
	terminal := status == StatusCompleted || status == StatusAbandoned
	if terminal && session.EndedAt == nil {
		now := time.Now().UTC()
		session.EndedAt = &now
	}

	if err := s.writeMeta(session); err != nil {
		return nil, err
	}

	if terminal {
		s.Events.emitEnded(session)
	} else {
		s.Events.emitUpdated(session)
	}
	return session, nil
}

// AppendEvent appends a SessionEvent under the per-session lock, assigning
// the next dense, gap-free seq.
func (s *Store) AppendEvent(sessionID string, input AppendEventInput) (*SessionEvent, error) {
	if input.Type == "" {
		return nil, kerrors.Field("type", "event type is required")
	}

	mu := s.perSessionMutex(sessionID)
	mu.Lock()
	defer mu.Unlock()

	lock, err := acquireLock(s.lockPath(sessionID), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	count, err := s.countLinesLocked(sessionID)
	if err != nil {
		return nil, err
	}

	event := &SessionEvent{
		TS:        time.Now().UnixMilli(),
		Seq:       count,
		Type:      input.Type,
		SessionID: sessionID,
		TraceID:   input.TraceID,
		Data:      input.Data,
	}

	line, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.eventsPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open events log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	s.Events.emitEventAppended(event)
	return event, nil
}

func (s *Store) countLinesLocked(sessionID string) (int, error) {
	f, err := os.Open(s.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open events log: %w", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		count++
	}
	return count, scanner.Err()
}

// ReadEvents returns every valid event for a session, sorted by seq,
// tolerating malformed lines.
func (s *Store) ReadEvents(sessionID string) ([]SessionEvent, error) {
	return s.ReadEventsSince(sessionID, 0, nil)
}

// ReadEventsSince returns events with seq in [since, until] (until nil
// means unbounded).
func (s *Store) ReadEventsSince(sessionID string, since int, until *int) ([]SessionEvent, error) {
	f, err := os.Open(s.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open events log: %w", err)
	}
	defer f.Close()

	var events []SessionEvent
	var stats ReadStats

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var event SessionEvent
		if err := json.Unmarshal(line, &event); err != nil {
			stats.ParseFailures++
			continue
		}
		if event.Type == "" || event.SessionID == "" {
			stats.SchemaFailures++
			continue
		}
		if event.Seq < since {
			continue
		}
		if until != nil && event.Seq > *until {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events log: %w", err)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	if stats.total() > 0 {
		s.Events.emitReadErrors(sessionID, stats)
	}

	return events, nil
}

// GetLastEvent returns the highest-seq event, or nil if none exist.
func (s *Store) GetLastEvent(sessionID string) (*SessionEvent, error) {
	events, err := s.ReadEvents(sessionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[len(events)-1], nil
}

// GetEventCount returns the number of valid events for a session.
func (s *Store) GetEventCount(sessionID string) (int, error) {
	events, err := s.ReadEvents(sessionID)
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// RecoverOrphanedSessions transitions every active session to abandoned,
// for use at startup when a prior process crashed mid-session. Returns the
// count transitioned.
func (s *Store) RecoverOrphanedSessions() (int, error) {
	sessions, err := s.ListSessions(Filter{Status: StatusActive})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, session := range sessions {
		if _, err := s.UpdateSessionStatus(session.ID, StatusAbandoned); err != nil {
			return n, fmt.Errorf("failed to abandon session %s: %w", session.ID, err)
		}
		n++
	}
	return n, nil
}

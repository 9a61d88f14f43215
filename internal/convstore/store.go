package convstore

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

// Store persists Conversation metadata and ConversationTurn logs under
// baseDir.
type Store struct {
	baseDir     string
	lockTimeout time.Duration

	// SessionStore is optional; when wired, AppendTurn validates that
	// session_id exists before accepting a turn.
	SessionStore SessionExistence

	Events Events

	appendMu   sync.Mutex
	appendLock map[string]*sync.Mutex
}

// New creates a Store rooted at baseDir/conversations. baseDir is created
// if absent.
func New(baseDir string, lockTimeout time.Duration) (*Store, error) {
	dir := filepath.Join(baseDir, "conversations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create conversations dir: %w", err)
	}
	return &Store{
		baseDir:     baseDir,
		lockTimeout: lockTimeout,
		appendLock:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) conversationDir(id string) string {
	return filepath.Join(s.baseDir, "conversations", id)
}
func (s *Store) metaPath(id string) string  { return filepath.Join(s.conversationDir(id), "conversation.yaml") }
func (s *Store) turnsPath(id string) string { return filepath.Join(s.conversationDir(id), "turns.jsonl") }
func (s *Store) lockPath(id string) string  { return filepath.Join(s.conversationDir(id), ".lock") }

func (s *Store) perConversationMutex(id string) *sync.Mutex {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	m, ok := s.appendLock[id]
	if !ok {
		m = &sync.Mutex{}
		s.appendLock[id] = m
	}
	return m
}

// CreateConversation validates session_key, persists metadata, creates an
// empty turn log, and registers the key in the global session-key index
// under its dedicated lock. At most one non-archived conversation exists
// per session key; an existing active conversation is returned as-is.
func (s *Store) CreateConversation(sessionKey string) (*Conversation, error) {
	if sessionKey == "" {
		return nil, kerrors.Field("session_key", "session_key is required")
	}

	var conv *Conversation
	err := s.withSessionKeyIndex(func(idx map[string]string) (bool, error) {
		if existingID, ok := idx[sessionKey]; ok {
			existing, err := s.GetConversation(existingID)
			if err == nil && existing.Status == StatusActive {
				conv = existing
				return false, nil
			}
		}

		id := ulid.New()
		now := time.Now().UTC()
		c := &Conversation{ID: id, SessionKey: sessionKey, Status: StatusActive, CreatedAt: now, UpdatedAt: now}

		if err := os.MkdirAll(s.conversationDir(id), 0o755); err != nil {
			return false, fmt.Errorf("failed to create conversation dir: %w", err)
		}
		if err := s.writeMeta(c); err != nil {
			return false, err
		}
		if _, err := os.Stat(s.turnsPath(id)); os.IsNotExist(err) {
			if err := os.WriteFile(s.turnsPath(id), nil, 0o644); err != nil {
				return false, fmt.Errorf("failed to create turns log: %w", err)
			}
		}

		idx[sessionKey] = id
		conv = c
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if conv.CreatedAt.Equal(conv.UpdatedAt) {
		s.Events.emitCreated(conv)
	}
	return conv, nil
}

// GetOrCreateConversation returns the existing non-archived conversation for
// sessionKey, or creates one.
func (s *Store) GetOrCreateConversation(sessionKey string) (*Conversation, error) {
	if existing, err := s.GetConversationBySessionKey(sessionKey); err == nil && existing != nil {
		return existing, nil
	}
	return s.CreateConversation(sessionKey)
}

// GetConversationBySessionKey looks up the session-key index; nil, nil is
// returned (not an error) when no conversation is registered for the key.
func (s *Store) GetConversationBySessionKey(sessionKey string) (*Conversation, error) {
	idx, err := s.loadSessionKeyIndex()
	if err != nil {
		return nil, err
	}
	id, ok := idx[sessionKey]
	if !ok {
		return nil, nil
	}
	return s.GetConversation(id)
}

func (s *Store) writeMeta(c *Conversation) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation metadata: %w", err)
	}
	return os.WriteFile(s.metaPath(c.ID), data, 0o644)
}

// GetConversation reads a conversation's metadata.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kerrors.New(kerrors.CodeNotFound, fmt.Sprintf("conversation %s not found", id))
		}
		return nil, fmt.Errorf("failed to read conversation metadata: %w", err)
	}
	var c Conversation
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse conversation metadata: %w", err)
	}
	return &c, nil
}

// ArchiveConversation sets status=archived and stamps UpdatedAt.
func (s *Store) ArchiveConversation(id string) (*Conversation, error) {
	lock, err := acquireLock(s.lockPath(id), s.lockTimeout, codeLockFailed)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	c, err := s.GetConversation(id)
	if err != nil {
		return nil, err
	}
	c.Status = StatusArchived
	c.UpdatedAt = time.Now().UTC()
	if err := s.writeMeta(c); err != nil {
		return nil, err
	}
	s.Events.emitArchived(c)
	return c, nil
}

// AppendTurn validates, checks session existence, enforces message_id
// idempotency, appends a pointer-only turn line, and updates the
// conversation's turn_count/updated_at. Appending the same message_id twice
// returns the original turn unchanged, with WasDuplicate set.
func (s *Store) AppendTurn(conversationID string, input AppendTurnInput) (*AppendTurnResult, error) {
	if err := validateAppendTurnInput(input); err != nil {
		return nil, err
	}

	if s.SessionStore != nil && !s.SessionStore.SessionExists(input.SessionID) {
		return nil, kerrors.New(kerrors.CodeInvalidSessionRef, fmt.Sprintf("session %s does not exist", input.SessionID))
	}

	mu := s.perConversationMutex(conversationID)
	mu.Lock()
	defer mu.Unlock()

	lock, err := acquireLock(s.lockPath(conversationID), s.lockTimeout, codeLockFailed)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	if input.MessageID != "" {
		idx, err := s.loadMessageIDIndex(conversationID)
		if err != nil {
			return nil, err
		}
		if seq, ok := idx[input.MessageID]; ok {
			turn, err := s.findTurnBySeqLocked(conversationID, seq)
			if err != nil {
				return nil, err
			}
			if turn != nil {
				s.Events.emitTurnAppended(turn, true)
				return &AppendTurnResult{Turn: *turn, WasDuplicate: true}, nil
			}
		}
	}

	seq, err := s.countLinesLocked(conversationID)
	if err != nil {
		return nil, err
	}

	turn := ConversationTurn{
		TS:         time.Now().UnixMilli(),
		Seq:        seq,
		Role:       input.Role,
		SessionID:  input.SessionID,
		EventRange: input.EventRange,
		MessageID:  input.MessageID,
		Metadata:   input.Metadata,
	}

	line, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal turn: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.turnsPath(conversationID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open turns log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to append turn: %w", err)
	}
	f.Close()

	if input.MessageID != "" {
		idx, err := s.loadMessageIDIndex(conversationID)
		if err != nil {
			return nil, err
		}
		idx[input.MessageID] = turn.Seq
		if err := s.saveMessageIDIndex(conversationID, idx); err != nil {
			return nil, err
		}
	}

	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	conv.TurnCount = seq + 1
	conv.UpdatedAt = time.Now().UTC()
	if err := s.writeMeta(conv); err != nil {
		return nil, err
	}

	s.Events.emitTurnAppended(&turn, false)
	return &AppendTurnResult{Turn: turn, WasDuplicate: false}, nil
}

func validateAppendTurnInput(input AppendTurnInput) error {
	switch input.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return kerrors.Field("role", fmt.Sprintf("invalid role %q", input.Role))
	}
	if input.SessionID == "" {
		return kerrors.Field("session_id", "session_id is required")
	}
	if input.EventRange.EndSeq < input.EventRange.StartSeq {
		return kerrors.Field("event_range", "end_seq must be >= start_seq")
	}
	return nil
}

func (s *Store) countLinesLocked(conversationID string) (int, error) {
	f, err := os.Open(s.turnsPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open turns log: %w", err)
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

func (s *Store) findTurnBySeqLocked(conversationID string, seq int) (*ConversationTurn, error) {
	turns, _, err := s.readTurnsUntracked(conversationID)
	if err != nil {
		return nil, err
	}
	for _, t := range turns {
		if t.Seq == seq {
			return &t, nil
		}
	}
	return nil, nil
}

// ReadTurns returns every valid turn, sorted by seq, tolerating malformed
// lines; it rebuilds the message-id index when the turn log is non-empty
// but the index is missing.
func (s *Store) ReadTurns(conversationID string) ([]ConversationTurn, error) {
	turns, stats, err := s.readTurnsUntracked(conversationID)
	if err != nil {
		return nil, err
	}
	if stats.total() > 0 {
		s.Events.emitReadErrors(conversationID, stats)
	}

	if len(turns) > 0 {
		if _, statErr := os.Stat(s.messageIDIndexPath(conversationID)); os.IsNotExist(statErr) {
			if _, err := s.rebuildMessageIDIndex(conversationID); err != nil {
				return nil, err
			}
		}
	}

	return turns, nil
}

// readTurnsUntracked is the shared tolerant reader used by ReadTurns and the
// internal duplicate/rebuild helpers; it does not emit events itself.
func (s *Store) readTurnsUntracked(conversationID string) ([]ConversationTurn, ReadStats, error) {
	f, err := os.Open(s.turnsPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ReadStats{}, nil
		}
		return nil, ReadStats{}, fmt.Errorf("failed to open turns log: %w", err)
	}
	defer f.Close()

	var turns []ConversationTurn
	var stats ReadStats

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var t ConversationTurn
		if err := json.Unmarshal(line, &t); err != nil {
			stats.ParseFailures++
			continue
		}
		if t.SessionID == "" || t.EventRange.EndSeq < t.EventRange.StartSeq {
			stats.SchemaFailures++
			continue
		}
		turns = append(turns, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("failed to read turns log: %w", err)
	}

	sort.Slice(turns, func(i, j int) bool { return turns[i].Seq < turns[j].Seq })
	return turns, stats, nil
}

package convstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// messageIDIndexPath returns the per-conversation idempotency index path,
// giving O(1) lookup of a message_id's assigned seq.
func (s *Store) messageIDIndexPath(convID string) string {
	return filepath.Join(s.conversationDir(convID), "message-id-index.json")
}

func (s *Store) loadMessageIDIndex(convID string) (map[string]int, error) {
	data, err := os.ReadFile(s.messageIDIndexPath(convID))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int{}, nil
		}
		return nil, fmt.Errorf("failed to read message-id index: %w", err)
	}
	var idx map[string]int
	if err := json.Unmarshal(data, &idx); err != nil {
		return map[string]int{}, nil // a corrupt index reads as empty; it is not rebuilt
	}
	return idx, nil
}

func (s *Store) saveMessageIDIndex(convID string, idx map[string]int) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal message-id index: %w", err)
	}
	return os.WriteFile(s.messageIDIndexPath(convID), data, 0o644)
}

// rebuildMessageIDIndex scans turns.jsonl and reconstructs the message-id ->
// seq index from scratch; ReadTurns calls it when the index file is missing.
func (s *Store) rebuildMessageIDIndex(convID string) (map[string]int, error) {
	turns, _, err := s.readTurnsUntracked(convID)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]int, len(turns))
	for _, t := range turns {
		if t.MessageID != "" {
			idx[t.MessageID] = t.Seq
		}
	}
	if err := s.saveMessageIDIndex(convID, idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// sessionKeyIndexPath / Lock are global, one per baseDir: the index is
// protected by its own dedicated lock file, separate from any
// per-conversation lock.
func (s *Store) sessionKeyIndexPath() string {
	return filepath.Join(s.baseDir, "conversations", "session-key-index.json")
}

func (s *Store) sessionKeyIndexLockPath() string {
	return filepath.Join(s.baseDir, "conversations", ".session-key-index.lock")
}

func (s *Store) loadSessionKeyIndex() (map[string]string, error) {
	data, err := os.ReadFile(s.sessionKeyIndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read session-key index: %w", err)
	}
	var idx map[string]string
	if err := json.Unmarshal(data, &idx); err != nil {
		return map[string]string{}, nil
	}
	return idx, nil
}

func (s *Store) saveSessionKeyIndex(idx map[string]string) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session-key index: %w", err)
	}
	return os.WriteFile(s.sessionKeyIndexPath(), data, 0o644)
}

// withSessionKeyIndex acquires the global session-key index lock, loads the
// index, runs fn, persists any mutation fn made, and releases the lock.
// This serializes two conversations being created concurrently for the
// same session key, so at most one non-archived conversation ever exists
// per key.
func (s *Store) withSessionKeyIndex(fn func(idx map[string]string) (changed bool, err error)) error {
	lock, err := acquireLock(s.sessionKeyIndexLockPath(), s.lockTimeout, codeIndexLockFailed)
	if err != nil {
		return err
	}
	defer lock.release()

	idx, err := s.loadSessionKeyIndex()
	if err != nil {
		return err
	}

	changed, err := fn(idx)
	if err != nil {
		return err
	}
	if changed {
		return s.saveSessionKeyIndex(idx)
	}
	return nil
}

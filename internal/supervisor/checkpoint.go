package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kynetic-ai/kbot/internal/ulid"
)

// CheckpointVersion is the schema version written into every synthesized
// checkpoint file.
const CheckpointVersion = 1

// Checkpoint is the minimal restart marker the supervisor hands to a
// freshly respawned child after a crash.
type Checkpoint struct {
	Version       int       `json:"version"`
	ID            string    `json:"id"`
	RestartReason string    `json:"restart_reason"`
	CreatedAt     time.Time `json:"created_at"`
}

const crashRestartReason = "crash"

// WriteCrashCheckpoint synthesizes a minimal checkpoint at a stable path
// under dir and returns that path.
func WriteCrashCheckpoint(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("supervisor: failed to create checkpoint dir %s: %w", dir, err)
	}

	ck := Checkpoint{
		Version:       CheckpointVersion,
		ID:            ulid.New(),
		RestartReason: crashRestartReason,
		CreatedAt:     time.Now(),
	}
	data, err := json.MarshalIndent(ck, "", "  ")
	if err != nil {
		return "", fmt.Errorf("supervisor: failed to marshal crash checkpoint: %w", err)
	}

	path := filepath.Join(dir, "crash-checkpoint.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("supervisor: failed to write crash checkpoint %s: %w", path, err)
	}
	return path, nil
}

// CheckpointAccessible reports whether path exists and is readable.
func CheckpointAccessible(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// PruneCheckpoints removes checkpoint files under dir beyond keepMost
// recent, oldest first. It is best-effort: stat/remove errors are returned
// but partial progress is kept.
func PruneCheckpoints(dir string, keepMost int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("supervisor: failed to list checkpoint dir %s: %w", dir, err)
	}

	type fileInfo struct {
		name    string
		modTime time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime()})
	}
	if len(files) <= keepMost {
		return nil
	}

	for i := 0; i < len(files); i++ {
		for j := i + 1; j < len(files); j++ {
			if files[j].modTime.Before(files[i].modTime) {
				files[i], files[j] = files[j], files[i]
			}
		}
	}

	toRemove := files[:len(files)-keepMost]
	for _, f := range toRemove {
		if err := os.Remove(filepath.Join(dir, f.name)); err != nil {
			return fmt.Errorf("supervisor: failed to prune checkpoint %s: %w", f.name, err)
		}
	}
	return nil
}

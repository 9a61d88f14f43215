package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteCrashCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteCrashCheckpoint(dir)
	require.NoError(t, err)
	require.True(t, CheckpointAccessible(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var ck Checkpoint
	require.NoError(t, json.Unmarshal(data, &ck))
	require.Equal(t, CheckpointVersion, ck.Version)
	require.Equal(t, crashRestartReason, ck.RestartReason)
	require.NotEmpty(t, ck.ID)
}

func TestCheckpointAccessibleFalseForMissingFile(t *testing.T) {
	require.False(t, CheckpointAccessible(filepath.Join(t.TempDir(), "nope.json")))
}

func TestPruneCheckpointsKeepsMostRecent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, "ck-"+string(rune('a'+i))+".json")
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
		modTime := time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, modTime, modTime))
	}

	require.NoError(t, PruneCheckpoints(dir, 2))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "ck-d.json", entries[0].Name())
	require.Equal(t, "ck-e.json", entries[1].Name())
}

package sessionstore

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), time.Second)
	require.NoError(t, err)
	return store
}

func TestCreateSessionRequiresSessionKeyAndAgentType(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateSession(CreateSessionInput{AgentType: "main"})
	require.Error(t, err)

	_, err = store.CreateSession(CreateSessionInput{SessionKey: "agent:main:discord:dm:u1"})
	require.Error(t, err)
}

func TestCreateSessionAndGetSession(t *testing.T) {
	store := newTestStore(t)

	session, err := store.CreateSession(CreateSessionInput{AgentType: "main", SessionKey: "agent:main:discord:dm:u1"})
	require.NoError(t, err)
	require.Equal(t, StatusActive, session.Status)
	require.True(t, store.SessionExists(session.ID))

	got, err := store.GetSession(session.ID)
	require.NoError(t, err)
	require.Equal(t, session.SessionKey, got.SessionKey)
}

func TestUpdateSessionStatusStampsEndedAt(t *testing.T) {
	store := newTestStore(t)
	session, err := store.CreateSession(CreateSessionInput{AgentType: "main", SessionKey: "k"})
	require.NoError(t, err)

	updated, err := store.UpdateSessionStatus(session.ID, StatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, updated.EndedAt)
	require.Equal(t, StatusCompleted, updated.Status)
}

func TestAppendEventAssignsDenseSeq(t *testing.T) {
	store := newTestStore(t)
	session, err := store.CreateSession(CreateSessionInput{AgentType: "main", SessionKey: "k"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ev, err := store.AppendEvent(session.ID, AppendEventInput{Type: EventMessageChunk, Data: json.RawMessage(`{"content":"x"}`)})
		require.NoError(t, err)
		require.Equal(t, i, ev.Seq)
	}

	events, err := store.ReadEvents(session.ID)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		require.Equal(t, i, ev.Seq)
	}
}

func TestAppendEventConcurrentIsSerialAndDense(t *testing.T) {
	store := newTestStore(t)
	session, err := store.CreateSession(CreateSessionInput{AgentType: "main", SessionKey: "k"})
	require.NoError(t, err)

	const n = 25
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := store.AppendEvent(session.ID, AppendEventInput{Type: EventMessageChunk, Data: json.RawMessage(`{}`)})
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
	}

	events, err := store.ReadEvents(session.ID)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, ev := range events {
		require.Equal(t, i, ev.Seq)
	}
}

func TestReadEventsToleratesMalformedLines(t *testing.T) {
	store := newTestStore(t)
	session, err := store.CreateSession(CreateSessionInput{AgentType: "main", SessionKey: "k"})
	require.NoError(t, err)

	_, err = store.AppendEvent(session.ID, AppendEventInput{Type: EventMessageChunk, Data: json.RawMessage(`{}`)})
	require.NoError(t, err)

	f, err := os.OpenFile(store.eventsPath(session.ID), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var gotStats ReadStats
	store.Events.OnReadErrors(func(id string, stats ReadStats) { gotStats = stats })

	events, err := store.ReadEvents(session.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, 1, gotStats.ParseFailures)
}

func TestRecoverOrphanedSessionsAbandonsActiveOnly(t *testing.T) {
	store := newTestStore(t)
	active, err := store.CreateSession(CreateSessionInput{AgentType: "main", SessionKey: "k1"})
	require.NoError(t, err)
	done, err := store.CreateSession(CreateSessionInput{AgentType: "main", SessionKey: "k2"})
	require.NoError(t, err)
	_, err = store.UpdateSessionStatus(done.ID, StatusCompleted)
	require.NoError(t, err)

	n, err := store.RecoverOrphanedSessions()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.GetSession(active.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAbandoned, got.Status)
}

func TestGetSessionNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetSession("missing")
	require.Error(t, err)
}

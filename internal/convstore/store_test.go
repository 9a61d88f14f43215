package convstore

import (
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

type fakeSessionExistence struct {
	known map[string]bool
}

func (f fakeSessionExistence) SessionExists(id string) bool { return f.known[id] }

func TestCreateConversationRequiresSessionKey(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateConversation("")
	require.Error(t, err)
}

func TestCreateConversationIsIdempotentPerSessionKey(t *testing.T) {
	store := newTestStore(t)

	c1, err := store.CreateConversation("agent:main:discord:dm:u1")
	require.NoError(t, err)

	c2, err := store.CreateConversation("agent:main:discord:dm:u1")
	require.NoError(t, err)

	require.Equal(t, c1.ID, c2.ID)

	got, err := store.GetConversationBySessionKey("agent:main:discord:dm:u1")
	require.NoError(t, err)
	require.Equal(t, c1.ID, got.ID)
}

func TestArchivedConversationAllowsNewOneForSameKey(t *testing.T) {
	store := newTestStore(t)

	c1, err := store.CreateConversation("k1")
	require.NoError(t, err)
	_, err = store.ArchiveConversation(c1.ID)
	require.NoError(t, err)

	c2, err := store.CreateConversation("k1")
	require.NoError(t, err)
	require.NotEqual(t, c1.ID, c2.ID)
}

func TestAppendTurnAssignsDenseSeqAndUpdatesConversation(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.CreateConversation("k1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := store.AppendTurn(conv.ID, AppendTurnInput{
			Role:       RoleUser,
			SessionID:  "sess-1",
			EventRange: EventRange{StartSeq: i, EndSeq: i},
		})
		require.NoError(t, err)
		require.False(t, result.WasDuplicate)
		require.Equal(t, i, result.Turn.Seq)
	}

	got, err := store.GetConversation(conv.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.TurnCount)
}

// TestAppendTurnWithSameMessageIDIsIdempotent covers repeated delivery of the
// same message_id: the second append returns the original turn unchanged
// and turn_count does not grow.
func TestAppendTurnWithSameMessageIDIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.CreateConversation("k1")
	require.NoError(t, err)

	input := AppendTurnInput{
		Role:       RoleUser,
		SessionID:  "sess-1",
		EventRange: EventRange{StartSeq: 0, EndSeq: 0},
		MessageID:  "msg-abc",
	}

	first, err := store.AppendTurn(conv.ID, input)
	require.NoError(t, err)
	require.False(t, first.WasDuplicate)

	second, err := store.AppendTurn(conv.ID, input)
	require.NoError(t, err)
	require.True(t, second.WasDuplicate)
	require.Equal(t, first.Turn.Seq, second.Turn.Seq)
	require.Equal(t, first.Turn.TS, second.Turn.TS)

	got, err := store.GetConversation(conv.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.TurnCount)

	idx, err := store.loadMessageIDIndex(conv.ID)
	require.NoError(t, err)
	require.Len(t, idx, 1)
}

func TestAppendTurnRejectsInvalidEventRange(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.CreateConversation("k1")
	require.NoError(t, err)

	_, err = store.AppendTurn(conv.ID, AppendTurnInput{
		Role:       RoleUser,
		SessionID:  "sess-1",
		EventRange: EventRange{StartSeq: 5, EndSeq: 2},
	})
	require.Error(t, err)
}

func TestAppendTurnValidatesSessionReferenceWhenWired(t *testing.T) {
	store := newTestStore(t)
	store.SessionStore = fakeSessionExistence{known: map[string]bool{"sess-1": true}}

	conv, err := store.CreateConversation("k1")
	require.NoError(t, err)

	_, err = store.AppendTurn(conv.ID, AppendTurnInput{
		Role:       RoleUser,
		SessionID:  "sess-unknown",
		EventRange: EventRange{StartSeq: 0, EndSeq: 0},
	})
	require.Error(t, err)

	_, err = store.AppendTurn(conv.ID, AppendTurnInput{
		Role:       RoleUser,
		SessionID:  "sess-1",
		EventRange: EventRange{StartSeq: 0, EndSeq: 0},
	})
	require.NoError(t, err)
}

func TestReadTurnsToleratesMalformedLinesAndRebuildsIndex(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.CreateConversation("k1")
	require.NoError(t, err)

	_, err = store.AppendTurn(conv.ID, AppendTurnInput{
		Role:       RoleUser,
		SessionID:  "sess-1",
		EventRange: EventRange{StartSeq: 0, EndSeq: 0},
		MessageID:  "msg-1",
	})
	require.NoError(t, err)

	f, err := os.OpenFile(store.turnsPath(conv.ID), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var gotStats ReadStats
	store.Events.OnReadErrors(func(id string, stats ReadStats) { gotStats = stats })

	require.NoError(t, os.Remove(store.messageIDIndexPath(conv.ID)))

	turns, err := store.ReadTurns(conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, 1, gotStats.ParseFailures)

	idx, err := store.loadMessageIDIndex(conv.ID)
	require.NoError(t, err)
	require.Equal(t, 0, idx["msg-1"])
}

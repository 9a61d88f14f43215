package acp

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	counter int64
}

func (c *fakeClient) NewSession(ctx context.Context) (string, error) {
	n := atomic.AddInt64(&c.counter, 1)
	return "agent-" + string(rune('a'+n-1)), nil
}

type fakeSessStore struct {
	completed map[string]bool
}

func (s *fakeSessStore) CreateSession(input CreateSessionInput) (*PersistedSession, error) {
	return &PersistedSession{ID: input.ID}, nil
}

func (s *fakeSessStore) UpdateSessionStatus(id string, status string) (*PersistedSession, error) {
	if s.completed == nil {
		s.completed = map[string]bool{}
	}
	if status == completedStatus {
		s.completed[id] = true
	}
	return &PersistedSession{ID: id}, nil
}

type fakeConvLookup struct {
	found     bool
	convID    string
	updatedAt int64
}

func (c fakeConvLookup) GetConversationBySessionKeyInfo(sessionKey string) (string, int64, bool, error) {
	return c.convID, c.updatedAt, c.found, nil
}

func TestGetOrCreateSessionReusesBelowThreshold(t *testing.T) {
	client := &fakeClient{}
	sess := &fakeSessStore{}
	lc := New(client, sess, fakeConvLookup{}, 0.70, 30*time.Minute)

	r1, err := lc.GetOrCreateSession(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, r1.IsNew)

	lc.UpdateUsage("k", 0.50)

	r2, err := lc.GetOrCreateSession(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, r1.AgentSessionID, r2.AgentSessionID)
	require.False(t, r2.WasRotated)
}

// TestGetOrCreateSessionRotatesAt70Percent covers the rotation step: once
// usage reaches 75% (above the 70% threshold) the next call rotates.
func TestGetOrCreateSessionRotatesAt70Percent(t *testing.T) {
	client := &fakeClient{}
	sess := &fakeSessStore{}
	lc := New(client, sess, fakeConvLookup{}, 0.70, 30*time.Minute)

	r1, err := lc.GetOrCreateSession(context.Background(), "k")
	require.NoError(t, err)

	lc.UpdateUsage("k", 0.75)

	r2, err := lc.GetOrCreateSession(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, r2.IsNew)
	require.True(t, r2.WasRotated)
	require.NotEqual(t, r1.AgentSessionID, r2.AgentSessionID)
	require.True(t, sess.completed[r1.AgentSessionID])
}

func TestGetOrCreateSessionRecoversWithinWindow(t *testing.T) {
	client := &fakeClient{}
	sess := &fakeSessStore{}
	lookup := fakeConvLookup{found: true, convID: "conv-1", updatedAt: time.Now().Add(-5 * time.Minute).UnixMilli()}
	lc := New(client, sess, lookup, 0.70, 30*time.Minute)

	result, err := lc.GetOrCreateSession(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, result.WasRecovered)
}

func TestGetOrCreateSessionDoesNotRecoverOutsideWindow(t *testing.T) {
	client := &fakeClient{}
	sess := &fakeSessStore{}
	lookup := fakeConvLookup{found: true, convID: "conv-1", updatedAt: time.Now().Add(-time.Hour).UnixMilli()}
	lc := New(client, sess, lookup, 0.70, 30*time.Minute)

	result, err := lc.GetOrCreateSession(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, result.WasRecovered)
}

func TestEndSessionRemovesLiveState(t *testing.T) {
	client := &fakeClient{}
	sess := &fakeSessStore{}
	lc := New(client, sess, fakeConvLookup{}, 0.70, 30*time.Minute)

	r1, err := lc.GetOrCreateSession(context.Background(), "k")
	require.NoError(t, err)

	lc.EndSession("k")

	r2, err := lc.GetOrCreateSession(context.Background(), "k")
	require.NoError(t, err)
	require.NotEqual(t, r1.AgentSessionID, r2.AgentSessionID)
}

func TestUpdateUsageIgnoresUnknownKey(t *testing.T) {
	lc := New(&fakeClient{}, &fakeSessStore{}, fakeConvLookup{}, 0.70, 30*time.Minute)
	lc.UpdateUsage("missing", 0.9) // must not panic
}

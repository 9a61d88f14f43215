package restartclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kynetic-ai/kbot/internal/kerrors"
	"github.com/kynetic-ai/kbot/internal/supervisor"
)

func TestRequestRestartFailsWithoutIPCChannel(t *testing.T) {
	c := New(nil)
	require.False(t, c.IsSupervised())

	err := c.RequestRestart(context.Background(), RequestOptions{CheckpointPath: "/tmp/ck"})
	require.True(t, kerrors.Is(err, kerrors.CodeNoIPCChannel))
}

func TestRequestRestartSucceedsOnAck(t *testing.T) {
	childSide, supervisorSide := net.Pipe()
	c := New(childSide)
	require.True(t, c.IsSupervised())

	go func() {
		reader := supervisor.NewMessageReader(supervisorSide)
		env, err := reader.Next()
		if err != nil {
			return
		}
		require.Equal(t, supervisor.MsgPlannedRestart, env.Type)
		writer := supervisor.NewMessageWriter(supervisorSide)
		writer.Write(supervisor.Envelope{Type: supervisor.MsgRestartAck})
	}()

	err := c.RequestRestart(context.Background(), RequestOptions{CheckpointPath: "/tmp/ck", Timeout: time.Second})
	require.NoError(t, err)
	require.False(t, c.IsPending())
}

func TestRequestRestartRejectsWhileAlreadyPending(t *testing.T) {
	childSide, supervisorSide := net.Pipe()
	defer supervisorSide.Close()
	c := New(childSide)

	// Supervisor side never responds, so the first request stays pending
	// until its timeout.
	done := make(chan error, 1)
	go func() {
		done <- c.RequestRestart(context.Background(), RequestOptions{CheckpointPath: "/tmp/ck", Timeout: 200 * time.Millisecond, MaxRetries: 0})
	}()

	require.Eventually(t, func() bool { return c.IsPending() }, time.Second, time.Millisecond)

	err := c.RequestRestart(context.Background(), RequestOptions{CheckpointPath: "/tmp/ck2"})
	require.True(t, kerrors.Is(err, kerrors.CodeRestartPending))

	<-done
}

func TestRequestRestartRetriesOnTimeout(t *testing.T) {
	childSide, supervisorSide := net.Pipe()
	c := New(childSide)

	reader := supervisor.NewMessageReader(supervisorSide)
	writer := supervisor.NewMessageWriter(supervisorSide)
	go func() {
		// Drop the first planned_restart, ack the second.
		first, err := reader.Next()
		if err != nil {
			return
		}
		require.Equal(t, supervisor.MsgPlannedRestart, first.Type)

		second, err := reader.Next()
		if err != nil {
			return
		}
		require.Equal(t, supervisor.MsgPlannedRestart, second.Type)
		writer.Write(supervisor.Envelope{Type: supervisor.MsgRestartAck})
	}()

	err := c.RequestRestart(context.Background(), RequestOptions{CheckpointPath: "/tmp/ck", Timeout: 100 * time.Millisecond, MaxRetries: 1})
	require.NoError(t, err)
}

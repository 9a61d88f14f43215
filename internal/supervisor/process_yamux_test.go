package supervisor

import (
	"net"
	"testing"

	"github.com/hashicorp/yamux"
	"github.com/stretchr/testify/require"
)

// TestYamuxControlStreamCarriesEnvelopes exercises the session/stream
// pairing NewYamuxExecFactory relies on without spawning a real child: a
// yamux server and client negotiated over an in-memory net.Pipe, same as
// they would be over the real AF_UNIX socketpair.
func TestYamuxControlStreamCarriesEnvelopes(t *testing.T) {
	parentConn, childConn := net.Pipe()

	serverDone := make(chan error, 1)
	var serverStream net.Conn
	go func() {
		session, err := yamux.Server(parentConn, yamux.DefaultConfig())
		if err != nil {
			serverDone <- err
			return
		}
		serverStream, err = session.Accept()
		serverDone <- err
	}()

	clientSession, err := yamux.Client(childConn, yamux.DefaultConfig())
	require.NoError(t, err)
	clientStream, err := clientSession.Open()
	require.NoError(t, err)

	require.NoError(t, <-serverDone)
	require.NotNil(t, serverStream)

	writer := NewMessageWriter(clientStream)
	reader := NewMessageReader(serverStream)
	require.NoError(t, writer.Write(Envelope{Type: MsgPlannedRestart, Checkpoint: "/tmp/ck"}))

	env, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, MsgPlannedRestart, env.Type)
	require.Equal(t, "/tmp/ck", env.Checkpoint)
}

package supervisor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewMessageWriter(&buf)
	require.NoError(t, w.Write(Envelope{Type: MsgPlannedRestart, Checkpoint: "/tmp/ck"}))
	require.NoError(t, w.Write(Envelope{Type: MsgRestartAck}))

	r := NewMessageReader(&buf)
	first, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, MsgPlannedRestart, first.Type)
	require.Equal(t, "/tmp/ck", first.Checkpoint)

	second, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, MsgRestartAck, second.Type)

	_, err = r.Next()
	require.Error(t, err) // io.EOF
}

func TestMessageReaderRejectsMalformedLine(t *testing.T) {
	r := NewMessageReader(bytes.NewBufferString("not json\n"))
	_, err := r.Next()
	require.Error(t, err)
}

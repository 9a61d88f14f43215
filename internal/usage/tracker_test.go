package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStderr struct {
	handlers map[string]func(string)
}

func newFakeStderr() *fakeStderr { return &fakeStderr{handlers: map[string]func(string){}} }

func (f *fakeStderr) SubscribeStderr(id string, onLine func(string)) func() {
	f.handlers[id] = onLine
	return func() { delete(f.handlers, id) }
}

func (f *fakeStderr) emit(id string, lines ...string) {
	h := f.handlers[id]
	for _, l := range lines {
		h(l)
	}
}

type fakePrompter struct {
	onSend func()
	err    error
}

func (p *fakePrompter) SendUsagePrompt(ctx context.Context, id string) error {
	if p.onSend != nil {
		p.onSend()
	}
	return p.err
}

func TestProbeParsesUsageBlock(t *testing.T) {
	stderr := newFakeStderr()
	prompter := &fakePrompter{onSend: func() {
		stderr.emit("s1",
			"<local-command-stdout>",
			"model: claude-opus",
			"12.5k/200k (6.25%)",
			"system: 2k",
			"tools: 1.5k",
			"</local-command-stdout>",
		)
	}}
	tr := New(stderr, prompter, time.Minute, time.Second)

	usage, err := tr.Probe(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "claude-opus", usage.Model)
	require.Equal(t, int64(12500), usage.Current)
	require.Equal(t, int64(200000), usage.Max)
	require.InDelta(t, 6.25, usage.Percentage, 0.001)
	require.Equal(t, int64(2000), usage.Categories["system"])
}

func TestProbeReturnsCachedWithinDebounceWindow(t *testing.T) {
	stderr := newFakeStderr()
	calls := 0
	prompter := &fakePrompter{onSend: func() {
		calls++
		stderr.emit("s1", "<local-command-stdout>", "10/100 (10%)", "</local-command-stdout>")
	}}
	tr := New(stderr, prompter, time.Minute, time.Second)

	_, err := tr.Probe(context.Background(), "s1")
	require.NoError(t, err)

	_, err = tr.Probe(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestProbeTimesOutAndFallsBackToStaleCache(t *testing.T) {
	stderr := newFakeStderr()
	prompter := &fakePrompter{onSend: func() {
		stderr.emit("s1", "<local-command-stdout>", "10/100 (10%)", "</local-command-stdout>")
	}}
	tr := New(stderr, prompter, 0, 50*time.Millisecond)

	first, err := tr.Probe(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, int64(10), first.Current)

	prompter.onSend = nil // second probe: nothing written, forces timeout
	var timedOut bool
	tr.Events.OnTimeout(func(string) { timedOut = true })

	second, err := tr.Probe(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, timedOut)
	require.Equal(t, int64(10), second.Current)
}

func TestProbeTimeoutWithNoCacheReturnsError(t *testing.T) {
	stderr := newFakeStderr()
	prompter := &fakePrompter{}
	tr := New(stderr, prompter, time.Minute, 30*time.Millisecond)

	_, err := tr.Probe(context.Background(), "s1")
	require.Error(t, err)
}

type fakeTexts struct{ text string }

func (f fakeTexts) EstimateInputText(id string) string { return f.text }

func TestProbeFallsBackToLocalEstimateWhenNoCache(t *testing.T) {
	stderr := newFakeStderr()
	prompter := &fakePrompter{}
	tr := New(stderr, prompter, time.Minute, 30*time.Millisecond)
	tr.Texts = fakeTexts{text: "this is a reasonably long piece of conversation text to estimate"}

	usage, err := tr.Probe(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, usage.Estimated)
	require.Greater(t, usage.Current, int64(0))
}

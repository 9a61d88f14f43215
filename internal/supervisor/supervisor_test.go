package supervisor

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid     int
	waitCh  chan ExitResult
	control net.Conn

	mu      sync.Mutex
	signals []os.Signal
}

func newFakeProcess(pid int) (*fakeProcess, net.Conn) {
	parentSide, childSide := net.Pipe()
	return &fakeProcess{pid: pid, waitCh: make(chan ExitResult, 1), control: parentSide}, childSide
}

func (p *fakeProcess) Pid() int { return p.pid }
func (p *fakeProcess) Wait() (ExitResult, error) {
	r := <-p.waitCh
	p.control.Close()
	return r, nil
}
func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	return nil
}
func (p *fakeProcess) Control() io.ReadWriteCloser { return p.control }
func (p *fakeProcess) sentSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal{}, p.signals...)
}

type fakeFactory struct {
	mu         sync.Mutex
	procs      []*fakeProcess
	childSides []net.Conn
	opts       []SpawnOptions
}

func (f *fakeFactory) spawn(ctx context.Context, opts SpawnOptions) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	p, childSide := newFakeProcess(len(f.procs) + 1)
	f.procs = append(f.procs, p)
	f.childSides = append(f.childSides, childSide)
	return p, nil
}

func (f *fakeFactory) childSide(i int) net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.childSides[i]
}

func (f *fakeFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeFactory) proc(i int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func (f *fakeFactory) optsAt(i int) SpawnOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[i]
}

func TestSupervisorExitsCleanlyOnZeroExitWithNoRestartPending(t *testing.T) {
	f := &fakeFactory{}
	s := New(f.spawn, Options{CheckpointDir: t.TempDir(), MinBackoff: 2 * time.Millisecond, MaxBackoff: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return f.calls() == 1 }, time.Second, time.Millisecond)
	f.proc(0).waitCh <- ExitResult{Code: 0}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	require.Equal(t, 1, f.calls())
}

func TestSupervisorRespawnsOnCrashWithBackoff(t *testing.T) {
	f := &fakeFactory{}
	var respawns []int
	var mu sync.Mutex
	s := New(f.spawn, Options{CheckpointDir: t.TempDir(), MinBackoff: 5 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	s.Events.OnRespawn(func(attempt int, backoff time.Duration) {
		mu.Lock()
		respawns = append(respawns, attempt)
		mu.Unlock()
	})

	go s.Run(context.Background())

	require.Eventually(t, func() bool { return f.calls() == 1 }, time.Second, time.Millisecond)
	f.proc(0).waitCh <- ExitResult{Code: 1}

	require.Eventually(t, func() bool { return f.calls() == 2 }, time.Second, time.Millisecond)

	mu.Lock()
	gotRespawns := append([]int{}, respawns...)
	mu.Unlock()
	require.Equal(t, []int{1}, gotRespawns)

	// Second spawn should carry the synthesized crash checkpoint.
	opts := f.optsAt(1)
	require.NotEmpty(t, opts.CheckpointPath)
	require.FileExists(t, opts.CheckpointPath)

	s.HardShutdown()
	f.proc(1).waitCh <- ExitResult{Code: 0}
}

func TestSupervisorPlannedRestartRespawnsWithChildCheckpoint(t *testing.T) {
	f := &fakeFactory{}
	s := New(f.spawn, Options{CheckpointDir: t.TempDir(), MinBackoff: 5 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})

	go s.Run(context.Background())
	require.Eventually(t, func() bool { return f.calls() == 1 }, time.Second, time.Millisecond)

	ckFile, err := os.CreateTemp(t.TempDir(), "ck-*.json")
	require.NoError(t, err)
	ckPath := ckFile.Name()
	ckFile.Close()

	childSide := f.childSide(0)

	writer := NewMessageWriter(childSide)
	reader := NewMessageReader(childSide)
	require.NoError(t, writer.Write(Envelope{Type: MsgPlannedRestart, Checkpoint: ckPath}))

	ack, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, MsgRestartAck, ack.Type)

	// Child now exits voluntarily as part of the handshake.
	f.proc(0).waitCh <- ExitResult{Code: 3}

	require.Eventually(t, func() bool { return f.calls() == 2 }, time.Second, time.Millisecond)
	opts := f.optsAt(1)
	require.Equal(t, ckPath, opts.CheckpointPath)

	s.HardShutdown()
	f.proc(1).waitCh <- ExitResult{Code: 0}
}

func TestSupervisorShutdownDrainsInflightThenSendsSIGTERM(t *testing.T) {
	f := &fakeFactory{}
	s := New(f.spawn, Options{
		CheckpointDir:   t.TempDir(),
		MinBackoff:      5 * time.Millisecond,
		MaxBackoff:      50 * time.Millisecond,
		ShutdownTimeout: 200 * time.Millisecond,
	})

	go s.Run(context.Background())
	require.Eventually(t, func() bool { return f.calls() == 1 }, time.Second, time.Millisecond)

	s.AddInflight()
	s.AddInflight()

	shutdownDone := make(chan struct{})
	go func() {
		s.Shutdown(context.Background())
		close(shutdownDone)
	}()

	require.Eventually(t, func() bool { return !s.CanAcceptMessages() }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, f.proc(0).sentSignals(), "must not signal before inflight drains")

	s.DoneInflight()
	s.DoneInflight()

	require.Eventually(t, func() bool { return len(f.proc(0).sentSignals()) > 0 }, time.Second, time.Millisecond)

	f.proc(0).waitCh <- ExitResult{Code: 0}
	<-shutdownDone
}

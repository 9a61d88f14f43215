package supervisor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"syscall"
	"time"
)

// State is one of the supervisor's bounded states.
type State string

const (
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// Options tunes one Supervisor. Zero values fall back to DefaultOptions.
type Options struct {
	Command         string
	BaseArgs        []string
	BaseEnv         []string
	CheckpointDir   string
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	ShutdownTimeout time.Duration
}

// DefaultOptions returns the out-of-the-box tunables.
func DefaultOptions() Options {
	return Options{
		MinBackoff:      500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Events is the supervisor's typed observer registry.
type Events struct {
	mu           sync.RWMutex
	onSpawn      []func(pid int)
	onExit       []func(result ExitResult)
	onRespawn    []func(attempt int, backoff time.Duration)
	onEscalation []func(consecutiveFailures int)
	onDraining   []func()
	onShutdown   []func()
	onIPCError   []func(err error)
}

func (e *Events) OnSpawn(fn func(pid int))                         { e.mu.Lock(); e.onSpawn = append(e.onSpawn, fn); e.mu.Unlock() }
func (e *Events) OnExit(fn func(result ExitResult))                { e.mu.Lock(); e.onExit = append(e.onExit, fn); e.mu.Unlock() }
func (e *Events) OnRespawn(fn func(attempt int, backoff time.Duration)) {
	e.mu.Lock()
	e.onRespawn = append(e.onRespawn, fn)
	e.mu.Unlock()
}
func (e *Events) OnEscalation(fn func(consecutiveFailures int)) {
	e.mu.Lock()
	e.onEscalation = append(e.onEscalation, fn)
	e.mu.Unlock()
}
func (e *Events) OnDraining(fn func())          { e.mu.Lock(); e.onDraining = append(e.onDraining, fn); e.mu.Unlock() }
func (e *Events) OnShutdown(fn func())          { e.mu.Lock(); e.onShutdown = append(e.onShutdown, fn); e.mu.Unlock() }
func (e *Events) OnIPCError(fn func(err error)) { e.mu.Lock(); e.onIPCError = append(e.onIPCError, fn); e.mu.Unlock() }

func (e *Events) emitSpawn(pid int) {
	e.mu.RLock()
	hs := append([]func(int){}, e.onSpawn...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(pid)
	}
}
func (e *Events) emitExit(r ExitResult) {
	e.mu.RLock()
	hs := append([]func(ExitResult){}, e.onExit...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(r)
	}
}
func (e *Events) emitRespawn(attempt int, backoff time.Duration) {
	e.mu.RLock()
	hs := append([]func(int, time.Duration){}, e.onRespawn...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(attempt, backoff)
	}
}
func (e *Events) emitEscalation(failures int) {
	e.mu.RLock()
	hs := append([]func(int){}, e.onEscalation...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(failures)
	}
}
func (e *Events) emitDraining() {
	e.mu.RLock()
	hs := append([]func(){}, e.onDraining...)
	e.mu.RUnlock()
	for _, h := range hs {
		h()
	}
}
func (e *Events) emitShutdown() {
	e.mu.RLock()
	hs := append([]func(){}, e.onShutdown...)
	e.mu.RUnlock()
	for _, h := range hs {
		h()
	}
}
func (e *Events) emitIPCError(err error) {
	e.mu.RLock()
	hs := append([]func(error){}, e.onIPCError...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(err)
	}
}

// Supervisor forks and manages one child process across its lifetime:
// spawn, crash-respawn with backoff, planned-restart handshake, and
// soft/hard shutdown.
type Supervisor struct {
	opts    Options
	factory Factory
	Events  Events
	Logger  *log.Logger

	mu                  sync.Mutex
	state               State
	inflight            int
	restartInFlight     bool
	pendingCheckpoint   string
	proc                Process
	consecutiveFailures int
	shutdownRequested   bool

	doneCh chan struct{}
}

// New builds a Supervisor. Zero-valued fields in opts fall back to
// DefaultOptions.
func New(factory Factory, opts Options) *Supervisor {
	defaults := DefaultOptions()
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaults.MinBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaults.MaxBackoff
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaults.ShutdownTimeout
	}
	return &Supervisor{
		opts:    opts,
		factory: factory,
		state:   StateRunning,
		doneCh:  make(chan struct{}),
	}
}

// AddInflight marks one request as in progress; Shutdown waits for the
// count to return to zero before signaling the child.
func (s *Supervisor) AddInflight() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
}

// DoneInflight marks one in-progress request as complete.
func (s *Supervisor) DoneInflight() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// CanAcceptMessages reports whether new work should be accepted: false
// while draining or stopped.
func (s *Supervisor) CanAcceptMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

// Run spawns and supervises the child until it exits cleanly with no
// restart pending, or Shutdown/HardShutdown concludes the lifecycle. It
// blocks; run it in a goroutine.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.doneCh)

	for {
		s.mu.Lock()
		if s.shutdownRequested {
			s.mu.Unlock()
			break
		}
		checkpoint := s.pendingCheckpoint
		s.pendingCheckpoint = ""
		s.mu.Unlock()

		proc, err := s.factory(ctx, SpawnOptions{
			Path:           s.opts.Command,
			Args:           s.opts.BaseArgs,
			Env:            s.opts.BaseEnv,
			CheckpointPath: checkpoint,
			SupervisorPID:  os.Getpid(),
		})
		if err != nil {
			s.Events.emitIPCError(fmt.Errorf("supervisor: spawn failed: %w", err))
			time.Sleep(s.opts.MinBackoff)
			continue
		}

		s.mu.Lock()
		s.proc = proc
		s.restartInFlight = false
		s.mu.Unlock()
		s.Events.emitSpawn(proc.Pid())

		ipcDone := make(chan struct{})
		go func() {
			defer close(ipcDone)
			s.handleIPC(proc.Control())
		}()

		result, waitErr := proc.Wait()
		<-ipcDone
		if waitErr != nil {
			s.Events.emitIPCError(fmt.Errorf("supervisor: wait failed: %w", waitErr))
		}
		s.Events.emitExit(result)

		s.mu.Lock()
		shuttingDown := s.shutdownRequested
		wasPlanned := s.restartInFlight
		s.mu.Unlock()

		if shuttingDown && !wasPlanned {
			break
		}

		if result.Code == 0 && !result.Signaled && !wasPlanned {
			return nil
		}

		if wasPlanned {
			// Child exited as part of a handshake it initiated; the
			// checkpoint to pass on was already recorded by handleIPC.
			continue
		}

		s.mu.Lock()
		s.consecutiveFailures++
		attempt := s.consecutiveFailures
		s.mu.Unlock()

		ckPath, err := WriteCrashCheckpoint(s.opts.CheckpointDir)
		if err != nil && s.Logger != nil {
			s.Logger.Printf("supervisor: failed to write crash checkpoint: %v", err)
		}
		s.mu.Lock()
		s.pendingCheckpoint = ckPath
		s.mu.Unlock()

		backoff := ComputeBackoff(attempt, s.opts.MinBackoff, s.opts.MaxBackoff)
		s.Events.emitRespawn(attempt, backoff)
		if AtBackoffCap(attempt, s.opts.MinBackoff, s.opts.MaxBackoff) {
			s.Events.emitEscalation(attempt)
		}
		time.Sleep(backoff)
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.Events.emitShutdown()
	return nil
}

func (s *Supervisor) handleIPC(control io.ReadWriteCloser) {
	reader := NewMessageReader(control)
	writer := NewMessageWriter(control)

	for {
		env, err := reader.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.Events.emitIPCError(err)
			continue
		}

		switch env.Type {
		case MsgPlannedRestart:
			if CheckpointAccessible(env.Checkpoint) {
				s.mu.Lock()
				s.pendingCheckpoint = env.Checkpoint
				s.restartInFlight = true
				s.mu.Unlock()
				if err := writer.Write(Envelope{Type: MsgRestartAck}); err != nil {
					s.Events.emitIPCError(err)
				}
			} else {
				msg := fmt.Sprintf("checkpoint %s not accessible", env.Checkpoint)
				if err := writer.Write(Envelope{Type: MsgError, Message: msg}); err != nil {
					s.Events.emitIPCError(err)
				}
			}
		case MsgError:
			if s.Logger != nil {
				s.Logger.Printf("supervisor: child reported error: %s", env.Message)
			}
		default:
			if s.Logger != nil {
				s.Logger.Printf("supervisor: ignoring malformed control message of type %q", env.Type)
			}
		}
	}
}

func (s *Supervisor) currentProc() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Shutdown drains in-flight work (bounded by ShutdownTimeout), then sends
// SIGTERM, escalating to SIGKILL if the child hasn't exited by the
// deadline. If a planned restart is in progress, shutdown simply waits for
// that handshake to finish instead of double-signaling the child.
// Idempotent.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		<-s.doneCh
		return nil
	}
	s.state = StateDraining
	s.shutdownRequested = true
	inRestart := s.restartInFlight
	s.mu.Unlock()
	s.Events.emitDraining()

	deadlineAt := time.Now().Add(s.opts.ShutdownTimeout)

	if !inRestart {
		drained := make(chan struct{})
		go func() {
			for {
				s.mu.Lock()
				n := s.inflight
				s.mu.Unlock()
				if n == 0 {
					close(drained)
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		}()
		select {
		case <-drained:
		case <-time.After(time.Until(deadlineAt)):
		case <-s.doneCh:
			return nil
		}

		if proc := s.currentProc(); proc != nil {
			proc.Signal(syscall.SIGTERM)
		}
	}

	remaining := time.Until(deadlineAt)
	if remaining < 0 {
		remaining = 0
	}
	select {
	case <-s.doneCh:
	case <-time.After(remaining):
		if proc := s.currentProc(); proc != nil {
			proc.Signal(syscall.SIGKILL)
		}
		<-s.doneCh
	}
	return nil
}

// HardShutdown signals the running child with SIGKILL immediately, without
// draining.
func (s *Supervisor) HardShutdown() error {
	s.mu.Lock()
	s.shutdownRequested = true
	s.mu.Unlock()
	if proc := s.currentProc(); proc != nil {
		return proc.Signal(syscall.SIGKILL)
	}
	return nil
}

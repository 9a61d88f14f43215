package supervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"syscall"

	"github.com/hashicorp/yamux"
)

// NewYamuxExecFactory is a Factory variant that carries the control channel
// over a single duplex socket instead of the two anonymous pipes
// NewExecFactory uses, multiplexed with yamux the way
// core/internal/bridge/client.go multiplexes its cloud RPC traffic over one
// connection. Useful on hosts or sandboxes that only let a child inherit a
// single extra file descriptor.
func NewYamuxExecFactory() Factory {
	return func(ctx context.Context, opts SpawnOptions) (Process, error) {
		parentFile, childFile, err := controlSocketpair()
		if err != nil {
			return nil, fmt.Errorf("supervisor: failed to create control socketpair: %w", err)
		}

		args := append([]string{}, opts.Args...)
		if opts.CheckpointPath != "" {
			args = append(args, "--checkpoint", opts.CheckpointPath)
		}

		cmd := exec.CommandContext(ctx, opts.Path, args...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.ExtraFiles = []*os.File{childFile}

		env := append(os.Environ(), opts.Env...)
		env = append(env,
			"KBOT_SUPERVISED=1",
			fmt.Sprintf("KBOT_SUPERVISOR_PID=%d", opts.SupervisorPID),
			"KBOT_CONTROL_FD=3",
		)
		if opts.CheckpointPath != "" {
			env = append(env, "KBOT_CHECKPOINT_PATH="+opts.CheckpointPath)
		}
		cmd.Env = env

		parentConn, err := net.FileConn(parentFile)
		parentFile.Close()
		if err != nil {
			childFile.Close()
			return nil, fmt.Errorf("supervisor: failed to wrap control socket: %w", err)
		}

		if err := cmd.Start(); err != nil {
			parentConn.Close()
			childFile.Close()
			return nil, fmt.Errorf("supervisor: failed to start child: %w", err)
		}
		childFile.Close()

		session, err := yamux.Server(parentConn, yamux.DefaultConfig())
		if err != nil {
			parentConn.Close()
			return nil, fmt.Errorf("supervisor: failed to establish yamux session: %w", err)
		}
		stream, err := session.Accept()
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("supervisor: failed to accept control stream: %w", err)
		}

		return &yamuxExecProcess{cmd: cmd, session: session, stream: stream}, nil
	}
}

// controlSocketpair returns one connected AF_UNIX socket pair as *os.File,
// the parent's end and the child's end.
func controlSocketpair() (*os.File, *os.File, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "kbot-control-parent"), os.NewFile(uintptr(fds[1]), "kbot-control-child"), nil
}

// yamuxExecProcess is the Process implementation for NewYamuxExecFactory.
type yamuxExecProcess struct {
	cmd     *exec.Cmd
	session *yamux.Session
	stream  net.Conn
}

func (p *yamuxExecProcess) Pid() int { return p.cmd.Process.Pid }

func (p *yamuxExecProcess) Wait() (ExitResult, error) {
	err := p.cmd.Wait()
	p.stream.Close()
	p.session.Close()
	if err == nil {
		return ExitResult{Code: 0}, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return ExitResult{}, err
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitResult{Code: exitErr.ExitCode()}, nil
	}
	if status.Signaled() {
		return ExitResult{Signaled: true, Signal: status.Signal()}, nil
	}
	return ExitResult{Code: status.ExitStatus()}, nil
}

func (p *yamuxExecProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *yamuxExecProcess) Control() io.ReadWriteCloser { return p.stream }

package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// NewPTYExecFactory is a Factory variant that gives the child a
// pseudo-terminal for stdin/stdout/stderr instead of inheriting the
// supervisor's own file descriptors, for agent subprocesses that behave
// differently when they can't detect a TTY. The control channel is
// unaffected: it's still carried over the dedicated pipe pair
// NewExecFactory uses, since the pty only replaces the child's own stdio.
func NewPTYExecFactory() Factory {
	return func(ctx context.Context, opts SpawnOptions) (Process, error) {
		childToParentR, childToParentW, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("supervisor: failed to create control pipe: %w", err)
		}
		parentToChildR, parentToChildW, err := os.Pipe()
		if err != nil {
			childToParentR.Close()
			childToParentW.Close()
			return nil, fmt.Errorf("supervisor: failed to create control pipe: %w", err)
		}

		args := append([]string{}, opts.Args...)
		if opts.CheckpointPath != "" {
			args = append(args, "--checkpoint", opts.CheckpointPath)
		}

		cmd := exec.CommandContext(ctx, opts.Path, args...)
		cmd.ExtraFiles = []*os.File{childToParentW, parentToChildR}

		env := append(os.Environ(), opts.Env...)
		env = append(env,
			"KBOT_SUPERVISED=1",
			fmt.Sprintf("KBOT_SUPERVISOR_PID=%d", opts.SupervisorPID),
			"KBOT_CONTROL_WRITE_FD=3",
			"KBOT_CONTROL_READ_FD=4",
		)
		if opts.CheckpointPath != "" {
			env = append(env, "KBOT_CHECKPOINT_PATH="+opts.CheckpointPath)
		}
		cmd.Env = env

		ptyFile, err := pty.Start(cmd)
		if err != nil {
			childToParentR.Close()
			childToParentW.Close()
			parentToChildR.Close()
			parentToChildW.Close()
			return nil, fmt.Errorf("supervisor: failed to start child under pty: %w", err)
		}

		// Mirror NewExecFactory: the parent only needs its own ends of the
		// control pipes.
		childToParentW.Close()
		parentToChildR.Close()

		return &ptyExecProcess{
			cmd:     cmd,
			pty:     ptyFile,
			control: &pipeControlConn{r: childToParentR, w: parentToChildW},
		}, nil
	}
}

// ptyExecProcess is the Process implementation for NewPTYExecFactory.
type ptyExecProcess struct {
	cmd     *exec.Cmd
	pty     *os.File
	control *pipeControlConn
}

func (p *ptyExecProcess) Pid() int { return p.cmd.Process.Pid }

func (p *ptyExecProcess) Wait() (ExitResult, error) {
	err := p.cmd.Wait()
	p.pty.Close()
	p.control.Close()
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

func (p *ptyExecProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *ptyExecProcess) Control() io.ReadWriteCloser { return p.control }

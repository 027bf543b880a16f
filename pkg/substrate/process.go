package substrate

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// stopTimeout is how long Stop waits after SIGTERM before killing.
const stopTimeout = 5 * time.Second

type process struct {
	cmd     *exec.Cmd
	lines   chan string
	done    chan struct{}
	waitErr error
}

// startProcess launches cmdline with combined output streamed line by line.
func startProcess(ctx context.Context, cmdline []string) (*process, error) {
	if len(cmdline) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, cmdline[0], cmdline[1:]...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, err
	}

	p := &process{
		cmd:   cmd,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}

	go func() {
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			// Never block the child on a slow reader.
			select {
			case p.lines <- sc.Text():
			default:
			}
		}
		close(p.lines)
	}()

	go func() {
		p.waitErr = cmd.Wait()
		pw.Close()
		close(p.done)
	}()

	return p, nil
}

func (p *process) Output() <-chan string { return p.lines }

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Pid() int { return p.cmd.Process.Pid }

func (p *process) Stop() error {
	select {
	case <-p.done:
		return p.exitErr()
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	select {
	case <-p.done:
	case <-time.After(stopTimeout):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	return p.exitErr()
}

// exitErr treats termination by our own SIGTERM as a clean exit.
func (p *process) exitErr() error {
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGTERM {
			return nil
		}
	}
	return p.waitErr
}

/*
Copyright © 2026 Benny Powers <web@bennypowers.com>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/
package typecheck

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/cockroachdb/errors"

	"bennypowers.dev/ngtools/internal/logger"
)

// WorkerCommand is the hidden subcommand that runs Serve over stdio.
const WorkerCommand = "typecheck-worker"

// Process is a running worker.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until the worker has exited. It is called once, after
	// Stdout is exhausted.
	Wait() error
	Kill() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// ExecLauncher runs the worker as a child process, by default the
// current executable with WorkerCommand.
type ExecLauncher struct {
	// Path defaults to os.Executable.
	Path string
	// Args default to WorkerCommand.
	Args []string
	Env  []string
}

// Launch implements Launcher. The worker outlives ctx; Bridge.Stop ends it.
func (l ExecLauncher) Launch(_ context.Context) (Process, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "locating ngtools executable")
		}
		path = exe
	}
	args := l.Args
	if len(args) == 0 {
		args = []string{WorkerCommand}
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), l.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start worker %s", path)
	}

	go stderrLoop(stderr, cmd.Process.Pid)
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// stderrLoop forwards the worker's log output so it never blocks on a
// full pipe.
func stderrLoop(r io.Reader, pid int) {
	log := logger.Named("worker")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			log.Debugw(line, "pid", pid)
		}
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return errors.New("no worker process to kill")
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "failed to kill worker (pid %d)", p.cmd.Process.Pid)
	}
	return nil
}

// PipeLauncher runs workers in-process over pipes. Each launch gets a
// fresh Checker.
type PipeLauncher struct {
	NewChecker func() Checker

	mu       sync.Mutex
	launched []*PipeProcess
}

// Launch implements Launcher.
func (l *PipeLauncher) Launch(_ context.Context) (Process, error) {
	if l.NewChecker == nil {
		return nil, errors.New("pipe launcher has no checker")
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	p := &PipeProcess{
		stdin:  inW,
		stdout: outR,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	checker := l.NewChecker()
	go func() {
		err := Serve(ctx, inR, outW, checker)
		_ = inR.Close()
		_ = outW.Close()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	l.mu.Lock()
	l.launched = append(l.launched, p)
	l.mu.Unlock()
	return p, nil
}

// Launched returns every process started so far, oldest first.
func (l *PipeLauncher) Launched() []*PipeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*PipeProcess(nil), l.launched...)
}

// PipeProcess is an in-process worker.
type PipeProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	err    error
	killed bool
}

func (p *PipeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *PipeProcess) Stdout() io.Reader     { return p.stdout }

// Wait implements Process.
func (p *PipeProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return errors.New("worker killed")
	}
	return p.err
}

// Kill stops the worker as if its process had died.
func (p *PipeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.cancel()
	_ = p.stdin.Close()
	return nil
}

// Exited reports whether the worker has stopped.
func (p *PipeProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

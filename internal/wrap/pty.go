// Package wrap runs a program under a pseudo-terminal, mirrors its output to
// the user and answers the prompts the dispatcher recognises in it.
package wrap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// PTY wraps a command with a pseudo-terminal for interactive use.
type PTY struct {
	cmd      *exec.Cmd
	ptmx     *os.File
	stdin    io.Reader
	oldState *term.State
	winch    chan os.Signal
	writeMu  sync.Mutex
	closed   sync.Once
}

// NewPTY creates a PTY wrapper for the given command. stdin is forwarded to
// the program; nil means os.Stdin.
func NewPTY(stdin io.Reader, name string, args ...string) *PTY {
	if stdin == nil {
		stdin = os.Stdin
	}
	return &PTY{cmd: exec.Command(name, args...), stdin: stdin}
}

// Start starts the command and returns its terminal output. When stdin is the
// controlling terminal it is switched to raw mode until Close.
func (p *PTY) Start() (io.Reader, error) {
	ptmx, err := pty.Start(p.cmd)
	if err != nil {
		return nil, err
	}
	p.ptmx = ptmx

	if f, ok := p.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.winch = make(chan os.Signal, 1)
		signal.Notify(p.winch, syscall.SIGWINCH)
		go func() {
			for range p.winch {
				pty.InheritSize(f, ptmx)
			}
		}()
		p.winch <- syscall.SIGWINCH

		if oldState, err := term.MakeRaw(int(f.Fd())); err == nil {
			p.oldState = oldState
		}
	}

	go p.forwardInput()

	return ptmx, nil
}

// forwardInput copies user keystrokes to the program, sharing the write lock
// with automated responses so the two never interleave mid-sequence.
func (p *PTY) forwardInput() {
	buf := make([]byte, 1024)
	for {
		n, err := p.stdin.Read(buf)
		if n > 0 {
			if _, werr := p.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Write sends input bytes to the program.
func (p *PTY) Write(b []byte) (int, error) {
	if p.ptmx == nil {
		return 0, errors.New("pty not started")
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ptmx.Write(b)
}

// PID returns the program's process id, or 0 before Start.
func (p *PTY) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Signal delivers sig to the program.
func (p *PTY) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("pty not started")
	}
	return p.cmd.Process.Signal(sig)
}

// Wait waits for the command to finish and returns its exit code. The
// terminal stays open so buffered output can still be read.
func (p *PTY) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, fmt.Errorf("wait for %s: %w", p.cmd.Path, err)
	}
	return 0, nil
}

// Close restores the terminal and closes the pseudo-terminal. It is safe to
// call more than once.
func (p *PTY) Close() {
	p.closed.Do(func() {
		if p.winch != nil {
			signal.Stop(p.winch)
			close(p.winch)
		}
		if p.oldState != nil {
			if f, ok := p.stdin.(*os.File); ok {
				term.Restore(int(f.Fd()), p.oldState)
			}
		}
		if p.ptmx != nil {
			p.ptmx.Close()
		}
	})
}

//go:build !windows
// +build !windows

package guest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"

	"github.com/lazyproc/lazyproc/pkg/module"
)

// NativeProcess runs a command as a real host process. It is the fallback
// for commands that have no module route; the handle surface is identical
// to the module-backed executors. Unlike batch module guests, a native
// child starts immediately on spawn, matching host process semantics.
type NativeProcess struct {
	out  *outputs
	opts SpawnOptions
	cmd  *exec.Cmd

	mu          sync.Mutex
	stdin       io.WriteCloser
	ptmx        *os.File
	stdinClosed bool
}

var _ Process = &NativeProcess{}

func NewNativeProcess(ctx context.Context, opts SpawnOptions) (*NativeProcess, error) {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Env.Cwd
	cmd.Env = opts.Env.Environ()

	p := &NativeProcess{
		out:  newOutputs(opts.Size),
		opts: opts,
		cmd:  cmd,
	}

	var pumps errgroup.Group

	if opts.Interactive {
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
			Rows: opts.Size.Rows,
			Cols: opts.Size.Cols,
		})
		if err != nil {
			return nil, err
		}

		p.ptmx = ptmx
		p.stdin = ptmx
		p.out.rawMode = true

		pumps.Go(func() error {
			return p.pump(ptmx, false)
		})
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, err
		}

		p.stdin = stdin

		pumps.Go(func() error {
			return p.pump(stdout, false)
		})
		pumps.Go(func() error {
			return p.pump(stderr, true)
		})

		if err := cmd.Start(); err != nil {
			return nil, err
		}
	}

	slog.Debug("guest started", "strategy", "native", "pid", p.out.pid,
		"trace", p.out.trace, "command", opts.Command)

	go func() {
		// Output pipes must be drained before Wait reaps the child.
		pumpErr := pumps.Wait()

		err := cmd.Wait()

		if p.ptmx != nil {
			p.ptmx.Close()
		}

		p.out.setExit(nativeExitCode(err))

		if pumpErr != nil {
			slog.Debug("native pump stopped", "pid", p.out.pid, "err", pumpErr)
		}
	}()

	return p, nil
}

func nativeExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}

	return 1
}

func (p *NativeProcess) pump(r io.Reader, stderr bool) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.out.appendStream(stderr, buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// A pty read fails with EIO once the child side closes.
			return nil
		}
	}
}

// ID implements Process.
func (p *NativeProcess) ID() int { return p.out.pid }

// WriteStdin implements Process.
func (p *NativeProcess) WriteStdin(b []byte) int {
	if _, exited := p.out.tryWait(); exited {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdinClosed {
		return 0
	}

	n, err := p.stdin.Write(b)
	if err != nil {
		return 0
	}
	return n
}

// CloseStdin implements Process.
func (p *NativeProcess) CloseStdin() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdinClosed {
		return
	}
	p.stdinClosed = true

	// Closing a pty master would tear down the terminal, so only pipe
	// stdin is closed eagerly.
	if p.ptmx == nil {
		p.stdin.Close()
	}
}

// ReadStdout implements Process.
func (p *NativeProcess) ReadStdout(max int) []byte { return p.out.readStdout(max) }

// ReadStderr implements Process.
func (p *NativeProcess) ReadStderr(max int) []byte { return p.out.readStderr(max) }

// TryWait implements Process.
func (p *NativeProcess) TryWait() (int, bool) { return p.out.tryWait() }

// Wait implements Process.
func (p *NativeProcess) Wait(ctx context.Context) (int, error) { return p.out.wait(ctx) }

// SetRawMode implements Process.
func (p *NativeProcess) SetRawMode(on bool) {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	p.out.rawMode = on
}

// RawMode implements Process.
func (p *NativeProcess) RawMode() bool {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	return p.out.rawMode
}

// TerminalSize implements Process.
func (p *NativeProcess) TerminalSize() module.TerminalSize {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	return p.out.size
}

// Resize implements Process.
func (p *NativeProcess) Resize(cols, rows uint16) {
	p.out.mu.Lock()
	p.out.size = module.TerminalSize{Cols: cols, Rows: rows}
	ptmx := p.ptmx
	p.out.mu.Unlock()

	if ptmx != nil {
		if err := pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
			slog.Warn("failed to resize pty", "pid", p.out.pid, "err", err)
		}
	}
}

// Signal implements Process. Native children get the real thing.
func (p *NativeProcess) Signal(num int) {
	if p.cmd.Process == nil {
		return
	}

	if err := p.cmd.Process.Signal(syscall.Signal(num)); err != nil {
		slog.Debug("failed to signal process", "pid", p.out.pid, "signal", num, "err", err)
	}
}

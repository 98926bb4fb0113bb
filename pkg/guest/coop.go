package guest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lazyproc/lazyproc/pkg/module"
)

// How often the interactive stdin path re-checks for input when the queue
// is empty. Trades a little latency for a suspension point the host
// scheduler can rely on.
const stdinPollInterval = 20 * time.Millisecond

// Interactive stdin is bounded; WriteStdin reports a short write once the
// queue is full so a fast producer sees the stall instead of growing the
// buffer without limit.
const interactiveStdinLimit = 1 << 20

// CoopProcess runs a guest interleaved with the host scheduler. Stdin is
// buffered centrally; the guest's blocking reads suspend the running
// goroutine until input arrives or stdin closes. Output is captured
// synchronously, so partial output is visible before the guest exits.
type CoopProcess struct {
	out  *outputs
	prog module.Program
	opts SpawnOptions

	stdin *stdinQueue

	mu      sync.Mutex
	started bool
	sigExit int

	runCtx context.Context
	cancel context.CancelFunc
}

var _ Process = &CoopProcess{}

// NewCoopProcess spawns a guest under the cooperative strategy. Batch
// processes do not run until the first CloseStdin hands them the
// accumulated input; interactive processes run immediately.
func NewCoopProcess(ctx context.Context, prog module.Program, opts SpawnOptions) *CoopProcess {
	runCtx, cancel := context.WithCancel(ctx)

	p := &CoopProcess{
		out:    newOutputs(opts.Size),
		prog:   prog,
		opts:   opts,
		runCtx: runCtx,
		cancel: cancel,
	}

	if opts.Interactive {
		p.stdin = newStdinQueue(interactiveStdinLimit, stdinPollInterval)
		p.out.rawMode = true
		p.start()
	} else {
		p.stdin = newStdinQueue(0, 0)
	}

	return p
}

func (p *CoopProcess) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true

	if _, exited := p.out.tryWait(); exited {
		return
	}

	slog.Debug("guest started", "strategy", "coop", "pid", p.out.pid,
		"trace", p.out.trace, "command", p.opts.Command)

	go p.run()
}

func (p *CoopProcess) run() {
	proc := &module.Proc{
		Command: p.opts.Command,
		Args:    p.opts.Args,
		Env:     p.opts.Env,
		Size:    p.opts.Size,
		Stdin:   p.stdin,
		Stdout:  &streamWriter{out: p.out},
		Stderr:  &streamWriter{out: p.out, stderr: true},
	}

	code, err := runProgram(p.runCtx, p.prog, proc)
	if err != nil {
		if errors.Is(err, context.Canceled) || p.runCtx.Err() != nil {
			p.mu.Lock()
			code = p.sigExit
			p.mu.Unlock()
			if code == 0 {
				code = exitCodeForSignal(SigTerm)
			}
		} else {
			p.out.diagnostic(p.opts.Command, err)
			code = 1
		}
	}

	p.out.setExit(code)
}

// ID implements Process.
func (p *CoopProcess) ID() int { return p.out.pid }

// WriteStdin implements Process.
func (p *CoopProcess) WriteStdin(b []byte) int {
	if _, exited := p.out.tryWait(); exited {
		return 0
	}
	return p.stdin.write(b)
}

// CloseStdin implements Process. The first close is the flush point that
// starts a batch guest.
func (p *CoopProcess) CloseStdin() {
	p.stdin.close()

	if !p.opts.Interactive {
		p.start()
	}
}

// ReadStdout implements Process.
func (p *CoopProcess) ReadStdout(max int) []byte { return p.out.readStdout(max) }

// ReadStderr implements Process.
func (p *CoopProcess) ReadStderr(max int) []byte { return p.out.readStderr(max) }

// TryWait implements Process.
func (p *CoopProcess) TryWait() (int, bool) { return p.out.tryWait() }

// Wait implements Process.
func (p *CoopProcess) Wait(ctx context.Context) (int, error) { return p.out.wait(ctx) }

// SetRawMode implements Process.
func (p *CoopProcess) SetRawMode(on bool) {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	p.out.rawMode = on
}

// RawMode implements Process.
func (p *CoopProcess) RawMode() bool {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	return p.out.rawMode
}

// TerminalSize implements Process.
func (p *CoopProcess) TerminalSize() module.TerminalSize {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	return p.out.size
}

// Resize implements Process.
func (p *CoopProcess) Resize(cols, rows uint16) {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	p.out.size = module.TerminalSize{Cols: cols, Rows: rows}
}

// Signal implements Process. Interrupts are cooperative under this
// strategy: signal 2 injects the interrupt byte into stdin, observed on
// the guest's next read, with no timeliness guarantee. Signal 15 cancels
// the run context and closes stdin; a guest that honors neither cannot be
// stopped by this executor.
func (p *CoopProcess) Signal(num int) {
	if _, exited := p.out.tryWait(); exited {
		return
	}

	switch num {
	case SigInt:
		p.stdin.inject(interruptByte)
	case SigTerm:
		p.mu.Lock()
		p.sigExit = exitCodeForSignal(SigTerm)
		started := p.started
		p.mu.Unlock()

		p.cancel()
		p.stdin.close()

		// A batch guest that never started has nothing to unwind.
		if !started {
			p.out.setExit(exitCodeForSignal(SigTerm))
		}
	default:
		slog.Debug("ignoring unsupported signal", "pid", p.out.pid, "signal", num)
	}
}

// stdinQueue is the centrally buffered stdin of a cooperative process.
// Reads return buffered data immediately; otherwise they suspend the
// calling goroutine until new input arrives or the queue closes, which
// yields an empty read (io.EOF) signalling end-of-input.
type stdinQueue struct {
	mu     sync.Mutex
	buf    fifo
	closed bool

	limit int
	poll  time.Duration

	arrived chan struct{}
}

func newStdinQueue(limit int, poll time.Duration) *stdinQueue {
	return &stdinQueue{
		limit:   limit,
		poll:    poll,
		arrived: make(chan struct{}, 1),
	}
}

func (q *stdinQueue) notify() {
	select {
	case q.arrived <- struct{}{}:
	default:
	}
}

func (q *stdinQueue) write(b []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}

	n := len(b)
	if q.limit > 0 {
		n = min(n, q.limit-q.buf.len())
		if n < 0 {
			n = 0
		}
	}

	q.buf.append(b[:n])
	if n > 0 {
		q.notify()
	}

	return n
}

// inject delivers a control byte regardless of the queue bound.
func (q *stdinQueue) inject(b byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.buf.append([]byte{b})
	q.notify()
}

func (q *stdinQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notify()
}

// Read implements io.Reader for the guest side.
func (q *stdinQueue) Read(b []byte) (int, error) {
	for {
		q.mu.Lock()
		if q.buf.len() > 0 {
			chunk := q.buf.next(len(b))
			q.mu.Unlock()
			return copy(b, chunk), nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return 0, io.EOF
		}

		if q.poll > 0 {
			// Interactive path: fixed short poll simulating suspension.
			select {
			case <-q.arrived:
			case <-time.After(q.poll):
			}
		} else {
			<-q.arrived
		}
	}
}

// runProgram runs a guest, catching panics at the executor boundary so a
// broken guest surfaces as a stderr diagnostic and exit 1, never as a
// fault in the dispatch layer.
func runProgram(ctx context.Context, prog module.Program, proc *module.Proc) (code int, err error) {
	defer func() {
		if r := recover(); r != nil {
			code = 1
			err = errors.New("guest fault: " + panicString(r))
		}
	}()

	return prog.Run(ctx, proc)
}

func panicString(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	if s, ok := r.(string); ok {
		return s
	}
	return "unknown panic"
}

package guest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lazyproc/lazyproc/pkg/hostcap"
	"github.com/lazyproc/lazyproc/pkg/module"
)

// Stream tags for the return channel. Each payload round is prefixed with
// the stream it belongs to; per-stream order is preserved, cross-stream
// order is not.
const (
	tagStdout = 0x01
	tagStderr = 0x02
)

// How long a graceful terminate waits before falling back to force-kill.
const termGracePeriod = 500 * time.Millisecond

// ErrNoIsolatedContext reports a bridge spawn on a host that cannot run
// isolated execution contexts. Strategy selection is global; there is no
// per-call fallback to the cooperative executor.
var ErrNoIsolatedContext = errors.New("blocking bridge unavailable on this host")

// BridgeProcess runs a guest on a dedicated OS-thread-backed execution
// context. The guest blocks for real on the control words of a pair of
// shared channels; the host side never blocks, it only deposits stdin
// into a pending buffer and drains output asynchronously into the same
// caller-side buffers the cooperative executor uses.
//
// This is the only strategy that can guarantee interruption: signal 2
// terminates the isolated context outright instead of waiting for the
// guest to cooperate.
type BridgeProcess struct {
	out  *outputs
	prog module.Program
	opts SpawnOptions

	in  *Channel // stdin, host to guest
	ret *Channel // stdout+stderr, guest to host

	mu          sync.Mutex
	pending     fifo
	stdinClosed bool
	started     bool
	sigExit     int
	grace       *time.Timer

	note  chan struct{}
	pumps errgroup.Group

	runCtx context.Context
	cancel context.CancelFunc
}

var _ Process = &BridgeProcess{}

// NewBridgeProcess spawns a guest under the shared-memory blocking
// strategy. A fresh channel pair is allocated per spawn and never reused.
func NewBridgeProcess(ctx context.Context, prog module.Program, opts SpawnOptions) (*BridgeProcess, error) {
	if !hostcap.BridgeAvailable() {
		return nil, ErrNoIsolatedContext
	}

	runCtx, cancel := context.WithCancel(ctx)

	p := &BridgeProcess{
		out:    newOutputs(opts.Size),
		prog:   prog,
		opts:   opts,
		in:     NewChannel(opts.HandshakeTimeout),
		ret:    NewChannel(opts.HandshakeTimeout),
		note:   make(chan struct{}, 1),
		runCtx: runCtx,
		cancel: cancel,
	}

	if opts.Interactive {
		p.out.rawMode = true
		p.start()
	}

	return p, nil
}

func (p *BridgeProcess) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true

	if _, exited := p.out.tryWait(); exited {
		return
	}

	slog.Debug("guest started", "strategy", "bridge", "pid", p.out.pid,
		"trace", p.out.trace, "command", p.opts.Command)

	p.pumps.Go(p.pumpStdin)
	p.pumps.Go(p.pumpOutput)

	go p.runGuest()
}

// runGuest hosts the guest on its own execution context. The guest runs
// fully synchronously and its blocking reads physically block this thread
// on the stdin channel's control flags.
func (p *BridgeProcess) runGuest() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	proc := &module.Proc{
		Command: p.opts.Command,
		Args:    p.opts.Args,
		Env:     p.opts.Env,
		Size:    p.opts.Size,
		Stdin:   &bridgeReader{ch: p.in},
		Stdout:  &bridgeWriter{ch: p.ret, tag: tagStdout},
		Stderr:  &bridgeWriter{ch: p.ret, tag: tagStderr},
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

	// Drain the return direction before the exit code becomes visible:
	// a caller observing the exit must also observe all captured output.
	p.ret.CloseSend()
	p.cancel()
	p.in.Close()
	if err := p.pumps.Wait(); err != nil {
		slog.Debug("bridge pump stopped", "pid", p.out.pid, "err", err)
	}

	p.finish(code)
}

func (p *BridgeProcess) finish(code int) {
	p.mu.Lock()
	if p.grace != nil {
		p.grace.Stop()
	}
	p.mu.Unlock()

	p.out.setExit(code)
	p.in.Close()
}

// pumpStdin hands buffered host-side stdin across the thread boundary.
// The handshake is gated per round: the data area is never rewritten
// while the guest has not consumed the previous payload.
func (p *BridgeProcess) pumpStdin() error {
	for {
		p.mu.Lock()
		chunk := p.pending.next(DataCapacity)
		closed := p.stdinClosed
		p.mu.Unlock()

		if len(chunk) > 0 {
			if err := p.in.Send(chunk); err != nil {
				return err
			}
			continue
		}

		if closed {
			p.in.CloseSend()
			return nil
		}

		select {
		case <-p.note:
		case <-p.runCtx.Done():
			// A graceful terminate cancels the context and closes stdin
			// in one step; the guest still needs to observe end-of-input.
			p.mu.Lock()
			closed = p.stdinClosed
			p.mu.Unlock()
			if closed {
				p.in.CloseSend()
			}
			return nil
		case <-p.out.done:
			return nil
		}
	}
}

// pumpOutput drains the return channel into the caller-side buffers so
// both executors present an identical read interface.
func (p *BridgeProcess) pumpOutput() error {
	for {
		payload, err := p.ret.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(payload) == 0 {
			continue
		}

		p.out.appendStream(payload[0] == tagStderr, payload[1:])
	}
}

// ID implements Process.
func (p *BridgeProcess) ID() int { return p.out.pid }

// WriteStdin implements Process. Fire-and-forget: the caller deposits
// bytes and returns immediately, the pump performs the handshake.
func (p *BridgeProcess) WriteStdin(b []byte) int {
	if _, exited := p.out.tryWait(); exited {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdinClosed {
		return 0
	}

	p.pending.append(b)

	select {
	case p.note <- struct{}{}:
	default:
	}

	return len(b)
}

// CloseStdin implements Process.
func (p *BridgeProcess) CloseStdin() {
	p.mu.Lock()
	p.stdinClosed = true
	select {
	case p.note <- struct{}{}:
	default:
	}
	p.mu.Unlock()

	if !p.opts.Interactive {
		p.start()
	}
}

// ReadStdout implements Process.
func (p *BridgeProcess) ReadStdout(max int) []byte { return p.out.readStdout(max) }

// ReadStderr implements Process.
func (p *BridgeProcess) ReadStderr(max int) []byte { return p.out.readStderr(max) }

// TryWait implements Process.
func (p *BridgeProcess) TryWait() (int, bool) { return p.out.tryWait() }

// Wait implements Process.
func (p *BridgeProcess) Wait(ctx context.Context) (int, error) { return p.out.wait(ctx) }

// SetRawMode implements Process.
func (p *BridgeProcess) SetRawMode(on bool) {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	p.out.rawMode = on
}

// RawMode implements Process.
func (p *BridgeProcess) RawMode() bool {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	return p.out.rawMode
}

// TerminalSize implements Process.
func (p *BridgeProcess) TerminalSize() module.TerminalSize {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	return p.out.size
}

// Resize implements Process.
func (p *BridgeProcess) Resize(cols, rows uint16) {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	p.out.size = module.TerminalSize{Cols: cols, Rows: rows}
}

// Signal implements Process. Signal 2 terminates the isolated context
// outright and sets exit code 130: the guest may be blocked in a tight
// loop that will never check a cooperative flag. Signal 15 requests a
// graceful shutdown (stdin EOF plus context cancellation) and falls back
// to force-kill after a grace period.
func (p *BridgeProcess) Signal(num int) {
	switch num {
	case SigInt:
		p.forceKill(exitCodeForSignal(SigInt))
	case SigTerm:
		p.mu.Lock()
		if _, exited := p.out.tryWait(); exited {
			p.mu.Unlock()
			return
		}
		p.sigExit = exitCodeForSignal(SigTerm)
		p.stdinClosed = true
		started := p.started
		if p.grace == nil {
			p.grace = time.AfterFunc(termGracePeriod, func() {
				p.forceKill(exitCodeForSignal(SigTerm))
			})
		}
		select {
		case p.note <- struct{}{}:
		default:
		}
		p.mu.Unlock()

		p.cancel()

		if !started {
			p.forceKill(exitCodeForSignal(SigTerm))
		}
	default:
		slog.Debug("ignoring unsupported signal", "pid", p.out.pid, "signal", num)
	}
}

// forceKill terminates the isolated context. The run context is closed
// (which tears down guests whose runtime honors it, wazero included) and
// both channels are released so nothing stays blocked on the handshake.
// The exit code is visible immediately; whatever the guest still does
// afterwards is discarded.
func (p *BridgeProcess) forceKill(code int) {
	if !p.out.detach(code) {
		return
	}

	p.mu.Lock()
	if p.grace != nil {
		p.grace.Stop()
	}
	p.mu.Unlock()

	p.cancel()
	p.in.Close()
	p.ret.Close()
}

// bridgeReader is the guest-side stdin. Recv physically blocks the
// isolated context on the control flags until the host deposits a payload
// or closes the stream.
type bridgeReader struct {
	ch   *Channel
	rest []byte
}

func (r *bridgeReader) Read(b []byte) (int, error) {
	if len(r.rest) == 0 {
		payload, err := r.ch.Recv()
		if err != nil {
			// A torn-down channel reads as end-of-input so the guest
			// unwinds instead of spinning on errors.
			return 0, io.EOF
		}
		r.rest = payload
	}

	n := copy(b, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}

// bridgeWriter forwards one guest output stream through the return
// channel, one tagged payload per round.
type bridgeWriter struct {
	ch  *Channel
	tag byte
}

func (w *bridgeWriter) Write(b []byte) (int, error) {
	// Chunk below the data area capacity so every round carries its tag.
	for off := 0; off < len(b); off += DataCapacity - 1 {
		end := min(off+DataCapacity-1, len(b))

		payload := make([]byte, 0, end-off+1)
		payload = append(payload, w.tag)
		payload = append(payload, b[off:end]...)

		if err := w.ch.Send(payload); err != nil {
			return off, err
		}
	}

	return len(b), nil
}

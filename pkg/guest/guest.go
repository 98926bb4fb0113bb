// Package guest gives every guest process a uniform lifecycle regardless of
// the execution strategy backing it: write and close stdin, read stdout and
// stderr, poll or await the exit code, resize, toggle raw mode and deliver
// signals.
//
// There are two strategies, selected once per process lifetime by
// pkg/hostcap. The cooperative executor (coop.go) interleaves guests with
// the host scheduler; the blocking bridge (bridge.go) gives each guest a
// dedicated OS thread and a fixed-layout shared channel. Call sites depend
// only on the Process interface and cannot tell the two apart.
package guest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lazyproc/lazyproc/pkg/module"
)

const (
	SigInt  = 2
	SigTerm = 15

	// The control byte injected into stdin by a cooperative interrupt.
	interruptByte = 0x03
)

// ErrExited is returned by Wait when the handle is driven after teardown.
var ErrExited = errors.New("guest process already exited")

// ErrNativeUnsupported reports a native fallback spawn on a platform
// without process support.
var ErrNativeUnsupported = errors.New("native fallback not supported on this platform")

// Process is the uniform handle over a guest process.
//
// WriteStdin after CloseStdin is a no-op returning 0, not an error. Batch
// processes do not begin executing until the first CloseStdin; interactive
// processes execute immediately and read stdin live. Once the exit code is
// set every call returns immediately: reads are empty and writes count 0.
type Process interface {
	ID() int

	WriteStdin(p []byte) int
	CloseStdin()
	ReadStdout(max int) []byte
	ReadStderr(max int) []byte

	// TryWait is a non-blocking poll of the exit status.
	TryWait() (code int, exited bool)
	// Wait suspends the caller until the guest completes. This is the
	// point where the host scheduler gets to advance other pending work.
	Wait(ctx context.Context) (int, error)

	SetRawMode(on bool)
	RawMode() bool
	TerminalSize() module.TerminalSize
	Resize(cols, rows uint16)

	// Signal delivers signal semantics. SigInt and SigTerm are understood;
	// exit codes 130 and 143 are normal outcomes, not errors.
	Signal(num int)
}

// SpawnOptions describe one spawn. Env is snapshotted: the guest cannot
// mutate the caller's environment.
type SpawnOptions struct {
	Command string
	Args    []string
	Env     module.ExecEnv
	Size    module.TerminalSize

	// Interactive processes begin executing immediately on spawn, read
	// stdin live and start in raw mode. Batch processes wait for the
	// first CloseStdin.
	Interactive bool

	// Bound for bridge handshakes; zero means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

var lastPid atomic.Int64

func nextPid() int {
	return int(lastPid.Add(1))
}

func exitCodeForSignal(num int) int {
	return 128 + num
}

// outputs is the caller-side capture of a process: both stream buffers,
// the exit code and the terminal state. It is shared by every executor so
// the read interface is identical across strategies.
//
// Buffers are append-only from the producer side and consumed FIFO by the
// reader. The exit code is set at most once and never cleared. After the
// process is detached (forced interrupt) further producer writes are
// dropped.
type outputs struct {
	pid   int
	trace uuid.UUID

	mu       sync.Mutex
	stdout   fifo
	stderr   fifo
	exitCode int
	exited   bool
	detached bool
	rawMode  bool
	size     module.TerminalSize

	done chan struct{}
}

func newOutputs(size module.TerminalSize) *outputs {
	return &outputs{
		pid:   nextPid(),
		trace: uuid.New(),
		size:  size,
		done:  make(chan struct{}),
	}
}

func (o *outputs) readStdout(max int) []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stdout.next(max)
}

func (o *outputs) readStderr(max int) []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stderr.next(max)
}

// setExit records the exit code. Only the first call wins.
func (o *outputs) setExit(code int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.exited {
		return false
	}

	o.exitCode = code
	o.exited = true
	close(o.done)

	return true
}

// detach drops the process: the exit code is forced and any writes still
// in flight from the guest are discarded from now on.
func (o *outputs) detach(code int) bool {
	o.mu.Lock()
	o.detached = true
	o.mu.Unlock()

	return o.setExit(code)
}

func (o *outputs) tryWait() (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exitCode, o.exited
}

func (o *outputs) wait(ctx context.Context) (int, error) {
	select {
	case <-o.done:
		code, _ := o.tryWait()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (o *outputs) appendStream(stderr bool, p []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.detached {
		return
	}

	if stderr {
		o.stderr.append(p)
	} else {
		o.stdout.append(p)
	}
}

// diagnostic reports a guest runtime fault on stderr. Faults never
// propagate to the dispatch layer as errors; the process just exits 1.
func (o *outputs) diagnostic(command string, err error) {
	o.appendStream(true, []byte(fmt.Sprintf("%s: %v\n", command, err)))
}

// streamWriter adapts one side of outputs to io.Writer for the guest.
type streamWriter struct {
	out    *outputs
	stderr bool
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.out.appendStream(w.stderr, p)
	return len(p), nil
}

// fifo is a growable byte queue: appended at the tail, consumed from the
// head.
type fifo struct {
	buf []byte
}

func (f *fifo) append(p []byte) {
	f.buf = append(f.buf, p...)
}

func (f *fifo) next(max int) []byte {
	if max <= 0 || len(f.buf) == 0 {
		return nil
	}

	n := min(max, len(f.buf))

	ret := make([]byte, n)
	copy(ret, f.buf[:n])
	f.buf = f.buf[n:]

	return ret
}

func (f *fifo) len() int {
	return len(f.buf)
}

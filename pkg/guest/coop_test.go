package guest

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/lazyproc/lazyproc/pkg/module"
)

// echoProgram copies stdin to stdout, the canonical blocking guest.
var echoProgram = module.Func(func(ctx context.Context, proc *module.Proc) (int, error) {
	if _, err := io.Copy(proc.Stdout, proc.Stdin); err != nil {
		return 1, err
	}
	return 0, nil
})

func drainStdout(p Process) []byte {
	var out bytes.Buffer
	for {
		chunk := p.ReadStdout(1 << 16)
		if len(chunk) == 0 {
			return out.Bytes()
		}
		out.Write(chunk)
	}
}

func drainStderr(p Process) []byte {
	var out bytes.Buffer
	for {
		chunk := p.ReadStderr(1 << 16)
		if len(chunk) == 0 {
			return out.Bytes()
		}
		out.Write(chunk)
	}
}

func waitFor(t *testing.T, p Process) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := p.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return code
}

func TestCoopStdinOrdering(t *testing.T) {
	p := NewCoopProcess(context.Background(), echoProgram, SpawnOptions{Command: "echo"})

	for _, chunk := range []string{"a", "bc", "d"} {
		if n := p.WriteStdin([]byte(chunk)); n != len(chunk) {
			t.Fatalf("short write: %d of %d", n, len(chunk))
		}
	}
	p.CloseStdin()

	if code := waitFor(t, p); code != 0 {
		t.Fatalf("expected exit 0 got %d", code)
	}

	if got := drainStdout(p); string(got) != "abcd" {
		t.Fatalf("expected abcd got %q", got)
	}
}

func TestCoopNoOutputBeforeFlush(t *testing.T) {
	p := NewCoopProcess(context.Background(), echoProgram, SpawnOptions{Command: "echo"})

	p.WriteStdin([]byte("hello"))

	time.Sleep(20 * time.Millisecond)

	if out := p.ReadStdout(1 << 16); len(out) != 0 {
		t.Fatalf("batch guest produced output before flush: %q", out)
	}
	if _, exited := p.TryWait(); exited {
		t.Fatal("batch guest exited before flush")
	}

	p.CloseStdin()

	if code := waitFor(t, p); code != 0 {
		t.Fatalf("expected exit 0 got %d", code)
	}
	if got := drainStdout(p); string(got) != "hello" {
		t.Fatalf("expected hello got %q", got)
	}
}

func TestCoopExitCodeSetOnce(t *testing.T) {
	exit42 := module.Func(func(ctx context.Context, proc *module.Proc) (int, error) {
		return 42, nil
	})

	p := NewCoopProcess(context.Background(), exit42, SpawnOptions{Command: "exit42"})
	p.CloseStdin()

	waitFor(t, p)

	for i := 0; i < 3; i++ {
		code, exited := p.TryWait()
		if !exited || code != 42 {
			t.Fatalf("poll %d: expected (42, true) got (%d, %v)", i, code, exited)
		}
	}

	// Signals after exit must not disturb the recorded code.
	p.Signal(SigInt)
	p.Signal(SigTerm)

	if code, _ := p.TryWait(); code != 42 {
		t.Fatalf("exit code changed to %d", code)
	}
}

func TestCoopWriteAfterClose(t *testing.T) {
	p := NewCoopProcess(context.Background(), echoProgram, SpawnOptions{Command: "echo"})

	p.CloseStdin()

	if n := p.WriteStdin([]byte("late")); n != 0 {
		t.Fatalf("write after close counted %d bytes", n)
	}

	waitFor(t, p)
}

func TestCoopInteractiveStartsImmediately(t *testing.T) {
	banner := module.Func(func(ctx context.Context, proc *module.Proc) (int, error) {
		proc.Stdout.Write([]byte("ready\n"))
		io.Copy(io.Discard, proc.Stdin)
		return 0, nil
	})

	p := NewCoopProcess(context.Background(), banner, SpawnOptions{
		Command:     "banner",
		Interactive: true,
	})

	if !p.RawMode() {
		t.Fatal("interactive spawn should start in raw mode")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if out := p.ReadStdout(64); len(out) > 0 {
			if !strings.HasPrefix(string(out), "ready") {
				t.Fatalf("unexpected banner %q", out)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("interactive guest never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.CloseStdin()
	waitFor(t, p)
}

func TestCoopInterruptByte(t *testing.T) {
	// Reads until it observes the interrupt byte, like a cooperative TUI
	// guest watching its input stream.
	guest := module.Func(func(ctx context.Context, proc *module.Proc) (int, error) {
		buf := make([]byte, 1)
		for {
			n, err := proc.Stdin.Read(buf)
			if err != nil {
				return 0, nil
			}
			if n == 1 && buf[0] == 0x03 {
				return 130, nil
			}
		}
	})

	p := NewCoopProcess(context.Background(), guest, SpawnOptions{
		Command:     "tui",
		Interactive: true,
	})

	p.WriteStdin([]byte("ab"))
	p.Signal(SigInt)

	if code := waitFor(t, p); code != 130 {
		t.Fatalf("expected exit 130 got %d", code)
	}
}

func TestCoopGuestFault(t *testing.T) {
	faulty := module.Func(func(ctx context.Context, proc *module.Proc) (int, error) {
		panic("guest exploded")
	})

	p := NewCoopProcess(context.Background(), faulty, SpawnOptions{Command: "faulty"})
	p.CloseStdin()

	if code := waitFor(t, p); code != 1 {
		t.Fatalf("expected exit 1 got %d", code)
	}

	if diag := drainStderr(p); !strings.Contains(string(diag), "guest exploded") {
		t.Fatalf("expected diagnostic on stderr, got %q", diag)
	}
}

func TestCoopTerminateUnstarted(t *testing.T) {
	p := NewCoopProcess(context.Background(), echoProgram, SpawnOptions{Command: "echo"})

	p.Signal(SigTerm)

	if code := waitFor(t, p); code != 143 {
		t.Fatalf("expected exit 143 got %d", code)
	}
}

func TestCoopInteractiveBackpressure(t *testing.T) {
	blocked := module.Func(func(ctx context.Context, proc *module.Proc) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	p := NewCoopProcess(context.Background(), blocked, SpawnOptions{
		Command:     "blocked",
		Interactive: true,
	})

	payload := make([]byte, 2<<20)
	if n := p.WriteStdin(payload); n != interactiveStdinLimit {
		t.Fatalf("expected short write of %d got %d", interactiveStdinLimit, n)
	}

	p.Signal(SigTerm)

	if code := waitFor(t, p); code != 143 {
		t.Fatalf("expected exit 143 got %d", code)
	}
}

func TestCoopPartialOutputVisible(t *testing.T) {
	stages := module.Func(func(ctx context.Context, proc *module.Proc) (int, error) {
		proc.Stdout.Write([]byte("stage1\n"))
		// Block on more input before finishing.
		buf := make([]byte, 1)
		proc.Stdin.Read(buf)
		proc.Stdout.Write([]byte("stage2\n"))
		return 0, nil
	})

	p := NewCoopProcess(context.Background(), stages, SpawnOptions{
		Command:     "stages",
		Interactive: true,
	})

	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for len(got) == 0 {
		got = p.ReadStdout(64)
		if time.Now().After(deadline) {
			t.Fatal("no partial output before exit")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if string(got) != "stage1\n" {
		t.Fatalf("expected stage1 got %q", got)
	}

	p.WriteStdin([]byte("x"))
	p.CloseStdin()
	waitFor(t, p)
}

// Package module is the loading boundary for guest modules. A Loader turns
// a module name into a Module whose Program can be run by an executor; the
// executors in pkg/guest do not know or care how the program is implemented.
package module

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var ErrNotFound = errors.New("module not found")

// An environment variable. The order of variables is preserved from the
// spawn call; the guest sees a snapshot and cannot mutate the caller.
type EnvVar struct {
	Name  string
	Value string
}

// ExecEnv is the immutable environment snapshot passed at spawn time.
type ExecEnv struct {
	Cwd  string
	Vars []EnvVar
}

func (e ExecEnv) Get(name string) string {
	for _, v := range e.Vars {
		if v.Name == name {
			return v.Value
		}
	}
	return ""
}

// Environ returns the variables in "name=value" form, in order.
func (e ExecEnv) Environ() []string {
	ret := make([]string, 0, len(e.Vars))
	for _, v := range e.Vars {
		ret = append(ret, v.Name+"="+v.Value)
	}
	return ret
}

type TerminalSize struct {
	Cols uint16
	Rows uint16
}

// Proc is the view of a process a running program gets: its argument
// vector, environment and standard streams. Reads from Stdin follow the
// blocking model the guest was written for; whether that blocks a thread
// or suspends cooperatively is the executor's business.
type Proc struct {
	Command string
	Args    []string
	Env     ExecEnv
	Size    TerminalSize

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Program is a loaded guest entry point. Run executes the guest to
// completion and returns its exit code. Implementations must honor ctx
// cancellation on their blocking paths where they can; executors treat a
// ctx-cancelled run as an interrupted guest, not an error.
type Program interface {
	Run(ctx context.Context, proc *Proc) (int, error)
}

// Func adapts a plain Go function into a Program.
type Func func(ctx context.Context, proc *Proc) (int, error)

func (f Func) Run(ctx context.Context, proc *Proc) (int, error) {
	return f(ctx, proc)
}

// A loaded module. Loaded modules are immutable and shared by reference;
// the registry caches them for the lifetime of the process.
type Module struct {
	Name    string
	Program Program
}

// Loader loads a module by name. Load is expected to be a one-time,
// bounded-duration operation; the registry guarantees it is called at most
// once per name unless it fails.
type Loader interface {
	Load(ctx context.Context, name string) (*Module, error)
}

// FuncLoader serves modules from an in-memory table. Used for built-in
// utilities and in tests.
type FuncLoader map[string]Program

func (l FuncLoader) Load(ctx context.Context, name string) (*Module, error) {
	prog, ok := l[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return &Module{Name: name, Program: prog}, nil
}

package module

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasmLoader loads WASI command modules with wazero. Compilation happens
// once per module name; each run gets a fresh instantiation so module state
// never leaks between processes.
type WasmLoader struct {
	store   *Store
	runtime wazero.Runtime
}

func NewWasmLoader(ctx context.Context, store *Store) *WasmLoader {
	// CloseOnContextDone is what makes forced interruption work: closing
	// the run context terminates guest execution even inside a tight loop.
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true))

	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	return &WasmLoader{store: store, runtime: rt}
}

// Load implements Loader.
func (l *WasmLoader) Load(ctx context.Context, name string) (*Module, error) {
	contents, err := l.store.Read(ctx, name)
	if err != nil {
		return nil, err
	}

	compiled, err := l.runtime.CompileModule(ctx, contents)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}

	return &Module{
		Name:    name,
		Program: &wasmProgram{runtime: l.runtime, compiled: compiled},
	}, nil
}

func (l *WasmLoader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

type wasmProgram struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// Run implements Program.
func (w *wasmProgram) Run(ctx context.Context, proc *Proc) (int, error) {
	config := wazero.NewModuleConfig().
		WithName(""). // anonymous, so concurrent instantiations don't collide
		WithArgs(append([]string{proc.Command}, proc.Args...)...).
		WithStdin(proc.Stdin).
		WithStdout(proc.Stdout).
		WithStderr(proc.Stderr).
		WithStartFunctions()

	for _, v := range proc.Env.Vars {
		config = config.WithEnv(v.Name, v.Value)
	}
	if proc.Env.Cwd != "" {
		config = config.WithEnv("PWD", proc.Env.Cwd)
	}
	if proc.Size.Cols != 0 {
		config = config.WithEnv("COLUMNS", strconv.Itoa(int(proc.Size.Cols)))
		config = config.WithEnv("LINES", strconv.Itoa(int(proc.Size.Rows)))
	}

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, config)
	if err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok {
			return int(exitErr.ExitCode()), nil
		}
		return -1, err
	}
	defer mod.Close(ctx)

	start := mod.ExportedFunction("_start")
	if start == nil {
		return -1, fmt.Errorf("wasm: no _start function found")
	}

	if _, err := start.Call(ctx); err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok {
			return int(exitErr.ExitCode()), nil
		}
		return -1, fmt.Errorf("failed to call _start: %w", err)
	}

	return 0, nil
}

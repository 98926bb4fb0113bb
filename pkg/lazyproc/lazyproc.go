// Package lazyproc wires the module registry, the module loader and the
// capability-selected executor into the surface the dispatch layer drives:
// resolve a command, spawn it, stream its standard streams, await its exit
// code.
package lazyproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lazyproc/lazyproc/pkg/config"
	"github.com/lazyproc/lazyproc/pkg/guest"
	"github.com/lazyproc/lazyproc/pkg/hostcap"
	"github.com/lazyproc/lazyproc/pkg/module"
	"github.com/lazyproc/lazyproc/pkg/registry"
)

// ErrUnknownCommand reports a command with no registered module. Reported
// synchronously, before any spawn is attempted.
var ErrUnknownCommand = errors.New("no module registered for command")

type Host struct {
	cfg      config.Config
	reg      *registry.Registry
	strategy hostcap.Strategy
}

// New builds a host around an explicit loader. The execution strategy is
// resolved exactly once here and backs every subsequent spawn; there is no
// per-call fallback between strategies.
func New(cfg config.Config, loader module.Loader) *Host {
	if s, ok := hostcap.Parse(cfg.Strategy); ok {
		hostcap.Force(s)
	}

	reg := registry.New(loader)
	for command, route := range cfg.Commands {
		reg.AddRoute(command, registry.Route{
			Module:      route.Module,
			Interactive: route.Interactive,
		})
	}

	h := &Host{
		cfg:      cfg,
		reg:      reg,
		strategy: hostcap.Active(),
	}

	slog.Debug("host ready", "strategy", h.strategy)

	return h
}

// NewFromConfig builds a host with the standard wazero-backed loader:
// modules are read from the configured directory, decompressed if needed,
// and optionally fetched from the configured module source.
func NewFromConfig(ctx context.Context, cfg config.Config) *Host {
	var fetcher *module.Fetcher
	if cfg.ModuleSource != "" {
		fetcher = module.NewFetcher(cfg.ModuleSource, cfg.CacheDir)
	}

	store := module.NewStore(cfg.ModulesDir, fetcher)

	return New(cfg, module.NewWasmLoader(ctx, store))
}

// Strategy returns the strategy backing every spawn from this host.
func (h *Host) Strategy() hostcap.Strategy { return h.strategy }

// ResolveModule returns the module name serving a command.
func (h *Host) ResolveModule(command string) (string, bool) {
	return h.reg.Resolve(command)
}

// Interactive reports whether a command should be spawned interactively.
func (h *Host) Interactive(command string) bool {
	return h.reg.Interactive(command)
}

// Registry exposes the registry for route management.
func (h *Host) Registry() *registry.Registry { return h.reg }

// Spawn starts a batch process: stdin accumulates until the first
// CloseStdin hands it to the guest.
func (h *Host) Spawn(ctx context.Context, command string, args []string, env module.ExecEnv) (guest.Process, error) {
	return h.spawn(ctx, command, args, env, module.TerminalSize{}, false)
}

// SpawnInteractive starts an immediate-execute process in raw mode with
// the given terminal size.
func (h *Host) SpawnInteractive(ctx context.Context, command string, args []string, env module.ExecEnv, size module.TerminalSize) (guest.Process, error) {
	return h.spawn(ctx, command, args, env, size, true)
}

func (h *Host) spawn(ctx context.Context, command string, args []string, env module.ExecEnv, size module.TerminalSize, interactive bool) (guest.Process, error) {
	opts := guest.SpawnOptions{
		Command:          command,
		Args:             args,
		Env:              env,
		Size:             size,
		Interactive:      interactive,
		HandshakeTimeout: h.cfg.HandshakeTimeout,
	}

	name, ok := h.reg.Resolve(command)
	if !ok {
		if h.cfg.NativeFallback {
			return guest.NewNativeProcess(ctx, opts)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}

	mod, err := h.reg.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}

	switch h.strategy {
	case hostcap.StrategyCoop:
		return guest.NewCoopProcess(ctx, mod.Program, opts), nil
	case hostcap.StrategyBridge:
		return guest.NewBridgeProcess(ctx, mod.Program, opts)
	default:
		return nil, fmt.Errorf("unknown execution strategy: %s", h.strategy)
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anmitsu/go-shlex"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lazyproc/lazyproc/pkg/guest"
	"github.com/lazyproc/lazyproc/pkg/lazyproc"
	"github.com/lazyproc/lazyproc/pkg/module"
)

var (
	runCommandString string
	runNoInput       bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Resolve a command to its module, spawn it and stream its output",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runCommandString != "" {
			split, err := shlex.Split(runCommandString, true)
			if err != nil {
				return err
			}
			args = append(split, args...)
		}

		if len(args) == 0 {
			return fmt.Errorf("run requires a command")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		host := lazyproc.NewFromConfig(cmd.Context(), cfg)

		env, err := snapshotEnviron()
		if err != nil {
			return err
		}

		command, rest := args[0], args[1:]

		interactive := host.Interactive(command) && isatty.IsTerminal(os.Stdin.Fd())

		var proc guest.Process
		if interactive {
			proc, err = spawnInteractive(cmd.Context(), host, command, rest, env)
		} else {
			proc, err = spawnBatch(cmd.Context(), host, command, rest, env)
		}
		if err != nil {
			return err
		}

		code := stream(proc)

		slog.Debug("guest exited", "command", command, "code", code)

		if code != 0 {
			os.Exit(code)
		}

		return nil
	},
}

func snapshotEnviron() (module.ExecEnv, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return module.ExecEnv{}, err
	}

	env := module.ExecEnv{Cwd: cwd}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env.Vars = append(env.Vars, module.EnvVar{Name: name, Value: value})
	}

	return env, nil
}

func spawnBatch(ctx context.Context, host *lazyproc.Host, command string, args []string, env module.ExecEnv) (guest.Process, error) {
	proc, err := host.Spawn(ctx, command, args, env)
	if err != nil {
		return nil, err
	}

	if runNoInput || isatty.IsTerminal(os.Stdin.Fd()) {
		proc.CloseStdin()
		return proc, nil
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				proc.WriteStdin(buf[:n])
			}
			if err != nil {
				proc.CloseStdin()
				return
			}
		}
	}()

	return proc, nil
}

func spawnInteractive(ctx context.Context, host *lazyproc.Host, command string, args []string, env module.ExecEnv) (guest.Process, error) {
	fd := int(os.Stdin.Fd())

	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return nil, err
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}

	proc, err := host.SpawnInteractive(ctx, command, args, env, module.TerminalSize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		term.Restore(fd, oldState)
		return nil, err
	}

	go watchWindowSize(fd, proc)

	go func() {
		defer term.Restore(fd, oldState)

		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				proc.WriteStdin(buf[:n])
			}
			if err != nil {
				proc.CloseStdin()
				return
			}
			if _, exited := proc.TryWait(); exited {
				return
			}
		}
	}()

	return proc, nil
}

// stream drains the guest's output to the host terminal until it exits.
// The handle has no blocking read, so this polls; the interval matches the
// interactive stdin poll.
func stream(proc guest.Process) int {
	flush := func() bool {
		wrote := false
		if out := proc.ReadStdout(1 << 16); len(out) > 0 {
			os.Stdout.Write(out)
			wrote = true
		}
		if out := proc.ReadStderr(1 << 16); len(out) > 0 {
			os.Stderr.Write(out)
			wrote = true
		}
		return wrote
	}

	for {
		wrote := flush()

		if code, exited := proc.TryWait(); exited {
			for flush() {
			}
			return code
		}

		if !wrote {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func init() {
	runCmd.Flags().StringVarP(&runCommandString, "command", "c", "", "a command string to split and run")
	runCmd.Flags().BoolVar(&runNoInput, "no-input", false, "close stdin immediately instead of forwarding it")
	rootCmd.AddCommand(runCmd)
}

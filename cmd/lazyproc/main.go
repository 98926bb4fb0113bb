package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/lazyproc/lazyproc/pkg/config"
)

var (
	rootConfigFile string
	rootModulesDir string
	rootStrategy   string
	rootVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "lazyproc",
	Short: "lazyproc: run blocking guest programs on lazily loaded modules",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		w := os.Stderr

		level := slog.LevelInfo
		if rootVerbose {
			level = slog.LevelDebug
		}

		slog.SetDefault(slog.New(
			tint.NewHandler(w, &tint.Options{
				Level:      level,
				TimeFormat: time.RFC3339Nano,
				NoColor:    !isatty.IsTerminal(w.Fd()),
			}),
		))
	},
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()

	if rootConfigFile != "" {
		var err error
		cfg, err = config.Load(rootConfigFile)
		if err != nil {
			return cfg, err
		}
	}

	if rootModulesDir != "" {
		cfg.ModulesDir = rootModulesDir
	}
	if rootStrategy != "" {
		cfg.Strategy = rootStrategy
	}

	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigFile, "config", "", "specify a configuration file")
	rootCmd.PersistentFlags().StringVar(&rootModulesDir, "modules-dir", "", "specify the directory module files are loaded from")
	rootCmd.PersistentFlags().StringVar(&rootStrategy, "strategy", "", "specify the execution strategy (options: [auto, coop, bridge])")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

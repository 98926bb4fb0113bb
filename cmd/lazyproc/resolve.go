package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazyproc/lazyproc/pkg/lazyproc"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <command>",
	Short: "Print the module a command resolves to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		host := lazyproc.NewFromConfig(cmd.Context(), cfg)

		name, ok := host.ResolveModule(args[0])
		if !ok {
			return fmt.Errorf("no module registered for %s", args[0])
		}

		if host.Interactive(args[0]) {
			fmt.Printf("%s (interactive)\n", name)
		} else {
			fmt.Println(name)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazyproc/lazyproc/pkg/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the lazyproc version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lazyproc %s\n", buildinfo.VERSION)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

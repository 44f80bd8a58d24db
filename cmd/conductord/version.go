package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "conductord %s\n", version)
	fmt.Fprintf(w, "  commit:  %s\n", gitCommit)
	fmt.Fprintf(w, "  built:   %s\n", buildDate)
	fmt.Fprintf(w, "  go:      %s\n", runtime.Version())
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags.
var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "sesshubd",
		Short: "Host daemon that drives agent CLIs and uplinks them to a sesshub gateway",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(stopCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

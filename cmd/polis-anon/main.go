// Package main is the entry point for the polis-anon binary.
// It runs the anonymizing forward proxy and offers offline evaluation of
// captured requests.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-anon
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-anon",
		Short: "Privacy filtering forward proxy",
		Long: `A forward HTTP proxy that cancels third-party tracking requests and
replaces the User-Agent of everything else.

Example:
  polis-anon serve --config polis-anon.yaml
  echo '{"method":"GET","url":"https://example.com/","type":"main_frame"}' | polis-anon evaluate`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd(), newEvaluateCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "polis-anon %s\n", version)
			return err
		},
	}
}

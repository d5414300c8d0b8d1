// Command vcscored runs the vcscore artifact store and sync protocol
// server described in SPEC_FULL.md: it opens (or creates) a repository
// database and serves the sync-over-HTTP transport.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{Use: "vcscored"}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

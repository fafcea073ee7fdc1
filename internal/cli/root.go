// Package cli implements the corewire-debug command-line interface using
// Cobra: a local, single-binary way to drive a Client (create identities
// and groups, send and sync messages, seal/verify archives) without a real
// backend, useful for demos and for exercising the library end to end.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	flagStateDir string
	flagNetwork  string
	flagInboxID  string
)

var rootCmd = &cobra.Command{
	Use:   "corewire-debug",
	Short: "Debug driver for a corewire installation",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", ".corewire", "directory holding this installation's encrypted database and config")
	rootCmd.PersistentFlags().StringVar(&flagNetwork, "network", "./corewire-network.json", "path to the shared (simulated) network file every installation reads/writes")
	rootCmd.PersistentFlags().StringVar(&flagInboxID, "inbox-id", "", "this installation's inbox id (required unless already recorded in state-dir)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

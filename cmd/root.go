// Package cmd implements cardinalctl, the engine's thin administrative
// CLI: a small cobra command set that exercises mount/fsck/inspect
// against a real device handle. Formatting and the full user-facing shell
// live elsewhere.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	devicePath string
	sectorSize uint32
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "cardinalctl",
	Short: "Cardinal engine administrative CLI",
	Long: `cardinalctl drives the Cardinal block-storage engine against a
single volume: mounting it through the full Mount State Machine, running
an fsck pass (Cardinal Vote + Chronicle verification, which heals phantom
Chronicle heads; --repair also rewrites divergent replicas), and
inspecting the four Superblock replicas directly.`,
	Version: "0.1.0-dev",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&devicePath, "device", "", "path to the backing file/device")
	rootCmd.PersistentFlags().Uint32Var(&sectorSize, "sector-size", 512, "device sector size in bytes")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cardinalctl: %v\n", err)
		os.Exit(1)
	}
}

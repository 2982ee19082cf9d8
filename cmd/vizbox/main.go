// vizbox — sandboxed execution and virtual-display service for
// AI-generated programs.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vizbox",
	Short: "vizbox runs untrusted programs in isolated processes and captures their output and frames.",
	Long: `vizbox executes submitted source files — including graphical programs —
in isolated child processes. It captures textual output and periodic visual
snapshots, rendering onto a virtual display server when one is installed and
onto a software raster buffer when not.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// socketPath is the control-socket path tapbridgectl dials for every
// command.
var socketPath string

// rootCmd is the top-level cobra command for tapbridgectl.
var rootCmd = &cobra.Command{
	Use:   "tapbridgectl",
	Short: "CLI client for the tapbridged daemon",
	Long:  "tapbridgectl talks to the tapbridged control socket to send frames and inspect link status.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/tapbridged/control.sock",
		"tapbridged control socket path")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

package commands

import (
	"fmt"

	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

var rootCmd = &cobra.Command{
	Use:   "sensor-hub",
	Short: "Device server for Android sensor recorders",
	Long: `sensor-hub accepts TCP connections from Android recording devices, keeps
per-device priority queues, heartbeats and latency statistics, and exposes a
command API bridged to MQTT.

Use "sensor-hub [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "configs/config.yaml", "Path to the YAML configuration file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}

// versionCmd shows version info
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "sensor-hub\n")
		fmt.Fprintf(out, "  Version:  %s\n", Version)
		fmt.Fprintf(out, "  Commit:   %s\n", Commit)
		fmt.Fprintf(out, "  Protocol: %d\n", constants.ProtocolVersion)
	},
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ionlink",
	Short: "Pair with and monitor an Ionphor water filter",
	Long: `Host-side link to an Ionphor water filter:

- Discover filters in setup mode over BLE
- Pair, hand over home network credentials and move to WiFi
- Sync family member profiles
- Monitor consumption and water quality telemetry
- Dispense water for a family member

Every command runs against real hardware, or against the built-in firmware
simulator with --simulate.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("ionlink %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(dispenseCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Config file (YAML); IONLINK_* variables override it")
	rootCmd.PersistentFlags().Bool("simulate", false, "Run against the built-in filter simulator")
	rootCmd.PersistentFlags().StringP("format", "f", "", "Output format (table, json)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}

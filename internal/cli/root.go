// Package cli implements the mlsclient command-line interface using
// Cobra: a thin operator surface over the messaging core's identity,
// group, and sync packages.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/xmtp-go/mlscore/internal/telemetry"
)

var logger = slog.Default()

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "mlsclient",
	Short: "Messaging-core MLS client",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		handles, err := telemetry.Init(telemetry.Config{
			ServiceName: "mlsclient",
			Level:       level,
		})
		if err != nil {
			return err
		}
		logger = handles.Logger
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// Package cmd wires taucore's CLI flag surface (spec.md §6) onto the
// dispatch core: a "serve" command that runs every configured
// transport's poller against one shared dispatch.Scheduler per
// transport, a "doctor" environment-health report, and "release"
// subcommands over internal/release. Grounded on the teacher's
// cmd/root.go cobra tree (PersistentFlags + subcommand registration
// idiom), trimmed to the subcommands this core's spec names instead of
// the teacher's broader agent/pairing/cron/sessions surface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tauhq/taucore/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/tauhq/taucore/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "taucore",
	Short: "taucore — multi-channel AI coding-agent orchestrator",
	Long:  "taucore: event-ingestion dispatch core for Slack/GitHub/Telegram/Discord/WhatsApp-backed coding agents.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $TAUCORE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(artifactsCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taucore %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("TAUCORE_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

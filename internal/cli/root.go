// Package cli provides the command-line interface for peekr.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configDir string
	logLevel  string
	noColor   bool
}

func defaultConfigDir() string {
	if dir := os.Getenv("PEEKR_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".peekr"
	}
	return filepath.Join(home, ".peekr")
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "peekr",
		Short:         "Read YouTube, Facebook, RSS, Telegram and WhatsApp in one feed",
		Long:          "peekr pulls the latest items from the sources you follow on several platforms into one local store and shows them as a single chronological feed.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configDir, "config", defaultConfigDir(), "config directory")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)")
	cmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable ANSI colors")

	cmd.AddCommand(
		newVersionCmd(),
		newInitCmd(opts),
		newSyncCmd(opts),
		newFeedCmd(opts),
		newReadCmd(opts),
		newAccountsCmd(opts),
		newTelegramCmd(opts),
		newWhatsAppCmd(opts),
		newDaemonCmd(opts),
		newPruneCmd(opts),
		newImportCmd(opts),
		newStatusCmd(opts),
		newDoctorCmd(opts),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "peekr %s (%s)\n", Version, Commit)
		},
	}
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

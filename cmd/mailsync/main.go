package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/model"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "mailsync",
		Short:         "Keep IMAP mailboxes synchronized into a local store",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	if commit != "" {
		rootCmd.Version = version + " (" + commit + ")"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", model.DefaultConfigPath(), "Path to the YAML configuration file")

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newValidateCmd(&configPath),
		newCursorsCmd(&configPath),
		newQuarantineCmd(&configPath),
		newInitCmd(&configPath),
		newKeyringCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

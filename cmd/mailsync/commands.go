package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source/email"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
)

func newValidateCmd(configPath *string) *cobra.Command {
	var connect bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration, optionally connecting to every account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := sync.ValidateAccounts(cfg.Accounts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d account(s) configured\n", len(cfg.Accounts))
			if !connect {
				return nil
			}

			dialer := email.NewIMAPClient(credential.Ring{}, cfg.Sync.CommandTimeout, log)
			var failed int
			for _, acct := range cfg.Accounts {
				ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Sync.ConnectTimeout+cfg.Sync.CommandTimeout)
				statuses, err := email.Probe(ctx, dialer, acct)
				cancel()
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: FAILED: %s\n", acct.ID, logging.RedactEmailsIn(err.Error()))
					continue
				}
				for _, st := range statuses {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s ok (uidvalidity %d, %d messages)\n",
						acct.ID, st.Name, st.UIDValidity, st.NumMessages)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d account(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "Log in to every account and select its folders")
	return cmd
}

func openStore(configPath string) (*store.SQLiteStore, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(cfg.Store.Path)
}

func newCursorsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cursors",
		Short: "List the stored sync watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			cursors, err := st.ListCursors(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tFOLDER\tUIDVALIDITY\tLAST UID\tLAST MESSAGE\tUPDATED")
			for _, c := range cursors {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					c.AccountID, c.Folder, c.UIDValidity, c.LastUID,
					formatTime(c.LastTimestamp), formatTime(c.UpdatedAt))
			}
			return w.Flush()
		},
	}
}

func newQuarantineCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "quarantine",
		Short: "List messages that exhausted their delivery attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.ListQuarantine(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tFOLDER\tUID\tRECORD\tATTEMPTS\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
					e.AccountID, e.Folder, e.UID, e.RecordID, e.Attempts, e.Reason)
			}
			return w.Flush()
		},
	}
}

func newInitCmd(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", *configPath)
			}
			cfg := model.DefaultAppConfig()
			cfg.Accounts = []model.AccountConfig{{
				ID:       "work",
				Host:     "imap.example.com",
				Port:     993,
				TLS:      true,
				Username: "me@example.com",
				Password: "keyring:work-imap",
				Folders:  []string{model.DefaultFolder},
			}}
			if err := model.SaveConfig(*configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", *configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newKeyringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyring",
		Short: "Manage secrets referenced as keyring:<key> in the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret read from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.ErrOrStderr(), "Secret for %s: ", args[0])
			secret, err := readSecret()
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if secret == "" {
				return errors.New("empty secret")
			}
			return credential.Set(args[0], secret)
		},
	})
	return cmd
}

// readSecret reads a line without echo when stdin is a terminal.
func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		return strings.TrimSpace(string(b)), err
	}
	var line string
	_, err := fmt.Fscanln(os.Stdin, &line)
	return strings.TrimSpace(line), err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

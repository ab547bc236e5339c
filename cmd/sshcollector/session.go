package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Vansh-Raja/SSHCollector/internal/unlock"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the cached database unlock session",
	}

	var (
		ttl           time.Duration
		passwordStdin bool
	)
	unlockCmd := &cobra.Command{
		Use:     "unlock",
		Short:   "Cache the database password",
		Example: "  printf 'DB_PASSWORD' | sshcollector session unlock --password-stdin --ttl 15m",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !passwordStdin {
				return errors.New("unlock requires --password-stdin")
			}
			pw, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := unlock.Save(pw, ttl); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session: unlocked")
			return nil
		},
	}
	unlockCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	unlockCmd.Flags().DurationVar(&ttl, "ttl", unlock.DefaultTTL, "How long the session stays unlocked")

	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Forget the cached database password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session: locked")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a database password is cached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			s, err := unlock.Load()
			switch {
			case err != nil:
				fmt.Fprintln(out, "session: unavailable")
			case !s.Active(time.Now()):
				fmt.Fprintln(out, "session: locked")
			default:
				fmt.Fprintf(out, "session: unlocked until %s\n", s.ExpiresAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.AddCommand(unlockCmd, lockCmd, statusCmd)
	return cmd
}

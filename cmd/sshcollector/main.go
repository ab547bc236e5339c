package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Errorln(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "sshcollector",
		Short: "Collect command output from network devices behind SSH jump hosts",
		Long: `sshcollector builds an SSH tunnel chain through the configured jump servers,
logs into every device of a device list or database and stores the output of
a list of show commands as JSON, text files or database rows.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setLogLevel(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "error", "Log level: debug, info, warn, error or critical")

	root.AddCommand(newRunCmd())
	root.AddCommand(newSessionCmd())
	return root
}

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Vansh-Raja/SSHCollector/internal/app"
	"github.com/Vansh-Raja/SSHCollector/internal/config"
	"github.com/Vansh-Raja/SSHCollector/internal/ui"
)

func newRunCmd() *cobra.Command {
	var (
		opts          app.Options
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "run SETTINGS_FILE COMMAND_LIST CREDENTIAL_FILE",
		Short: "Collect the command list from every device",
		Example: `  sshcollector run settings.yaml commands.txt credentials.yaml --device_list devices.txt -j out/capture.json
  printf 'DB_PASSWORD' | sshcollector run settings.yaml commands.txt credentials.yaml --database --db-password-stdin`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SettingsFile, opts.CommandList, opts.CredentialFile = args[0], args[1], args[2]
			opts.ConnectionType = strings.ToUpper(opts.ConnectionType)
			switch opts.ConnectionType {
			case config.ConnectionSSH, config.ConnectionTelnet:
			default:
				return errors.Errorf("unsupported connection type %q (SSH or TELNET)", opts.ConnectionType)
			}
			if opts.AllowOtherThanShow {
				log.Warn("Commands other than show commands are allowed!")
			}
			if passwordStdin {
				if !opts.Database {
					return errors.New("--db-password-stdin requires --database")
				}
				pw, err := readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
				opts.DatabasePassword = pw
			}

			reports, err := app.NewRunner(opts).Run()
			if len(reports) > 0 {
				fmt.Fprint(cmd.OutOrStdout(), ui.Summary("sshcollector "+version, summaryRows(reports)))
			}
			return err
		},
	}

	f := cmd.Flags()
	f.BoolVarP(&opts.Reset, "reset", "r", false, "Ignore stored passwords and ask for every password again")
	f.StringVarP(&opts.OutputDir, "output_dir", "o", "", "Directory for one text file per captured command")
	f.StringVarP(&opts.JSONOutput, "json_output", "j", "", "JSON output file")
	f.StringVarP(&opts.ConnectionType, "connection", "c", config.ConnectionSSH, "Connection type of device list entries (SSH or TELNET)")
	f.BoolVar(&opts.AllowOtherThanShow, "allow_other_than_show", false, "CAUTION: also send commands that are not show commands")
	f.BoolVar(&opts.Database, "database", false, "Read devices from and write output to the database")
	f.StringVar(&opts.DeviceList, "device_list", "", "Text file with one device per line")
	f.BoolVar(&passwordStdin, "db-password-stdin", false, "Read the database password from stdin")
	cmd.MarkFlagsMutuallyExclusive("database", "device_list")
	cmd.MarkFlagsOneRequired("database", "device_list")
	return cmd
}

func readSecret(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", errors.Wrap(err, "failed to read password from stdin")
	}
	pw := strings.TrimSpace(string(b))
	if pw == "" {
		return "", errors.New("empty password")
	}
	return pw, nil
}

func summaryRows(reports []app.DeviceReport) []ui.Row {
	rows := make([]ui.Row, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, ui.Row{
			Device:   r.Name,
			Address:  r.Address,
			Status:   r.Status.String(),
			Commands: r.Commands,
			Error:    r.Err,
			Health:   health(r),
		})
	}
	return rows
}

func health(r app.DeviceReport) ui.Health {
	switch {
	case r.Status.Connected() && r.Err == "":
		return ui.HealthOK
	case r.Status.Connected():
		return ui.HealthWarning
	default:
		return ui.HealthError
	}
}

// Package app runs one collection: it builds the tunnel chain, logs into the
// jump servers, captures the command list from every device and writes the
// captured output.
package app

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Vansh-Raja/SSHCollector/internal/collector"
	"github.com/Vansh-Raja/SSHCollector/internal/config"
	"github.com/Vansh-Raja/SSHCollector/internal/credentials"
	"github.com/Vansh-Raja/SSHCollector/internal/db"
	"github.com/Vansh-Raja/SSHCollector/internal/session"
	"github.com/Vansh-Raja/SSHCollector/internal/ssh"
	"github.com/Vansh-Raja/SSHCollector/internal/status"
	"github.com/Vansh-Raja/SSHCollector/internal/tunnel"
	"github.com/Vansh-Raja/SSHCollector/internal/unlock"
)

// Options are the inputs of one run.
type Options struct {
	SettingsFile   string
	CommandList    string
	CredentialFile string

	// Exactly one device source: DeviceList or Database.
	DeviceList string
	Database   bool
	// DatabasePassword unlocks the database; the session cache and then a
	// prompt are tried when it is empty.
	DatabasePassword string

	ConnectionType     string
	AllowOtherThanShow bool
	Reset              bool

	OutputDir  string
	JSONOutput string
}

// DeviceReport is the outcome of one device.
type DeviceReport struct {
	Name     string
	Address  string
	Status   status.ConnectionStatus
	Commands int
	Err      string
}

// Runner executes a collection run.
type Runner struct {
	opts Options

	router   session.Router
	spawner  session.Spawner
	provider credentials.Provider
	prompter credentials.Prompter
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithRouter skips building the tunnel chain from the settings file.
func WithRouter(r session.Router) RunnerOption {
	return func(rn *Runner) { rn.router = r }
}

// WithSpawner replaces the client chosen by settings.client.
func WithSpawner(s session.Spawner) RunnerOption {
	return func(rn *Runner) { rn.spawner = s }
}

// WithProvider replaces the credentials file backed provider.
func WithProvider(p credentials.Provider) RunnerOption {
	return func(rn *Runner) { rn.provider = p }
}

// WithPrompter replaces the terminal prompter used for the database password.
func WithPrompter(p credentials.Prompter) RunnerOption {
	return func(rn *Runner) { rn.prompter = p }
}

func NewRunner(opts Options, ropts ...RunnerOption) *Runner {
	r := &Runner{opts: opts}
	for _, o := range ropts {
		o(r)
	}
	return r
}

// Run performs the collection and returns one report per device. An error
// means the run could not start or its jump servers were unreachable;
// device failures are only reported.
func (r *Runner) Run() ([]DeviceReport, error) {
	opts := r.opts
	log.Infof("Settings file: %s", opts.SettingsFile)
	log.Infof("Command list file: %s", opts.CommandList)
	log.Infof("Credential file: %s (reset: %t)", opts.CredentialFile, opts.Reset)
	log.Infof("Allow other than show commands: %t", opts.AllowOtherThanShow)

	if (opts.DeviceList == "") == !opts.Database {
		return nil, errors.New("exactly one of --device_list and --database is required")
	}

	settings, err := config.Load(opts.SettingsFile)
	if err != nil {
		return nil, err
	}
	commands, err := ReadCommands(opts.CommandList)
	if err != nil {
		return nil, err
	}

	var store *db.Store
	var devices []collector.Device
	if opts.Database {
		store, err = r.openDatabase(settings)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		models, err := store.Devices()
		if err != nil {
			return nil, err
		}
		devices = collector.DevicesFromDB(models)
		log.Infof("Devices from database loaded! (Total: %d)", len(devices))
	} else {
		connType := strings.ToUpper(opts.ConnectionType)
		if connType == "" {
			connType = config.ConnectionSSH
		}
		devices, err = collector.ReadDeviceList(opts.DeviceList, connType)
		if err != nil {
			return nil, err
		}
		log.Infof("Devices from file loaded! (Total: %d)", len(devices))
	}

	provider, err := r.credentialProvider()
	if err != nil {
		return nil, err
	}
	spawner, err := r.clientSpawner(settings)
	if err != nil {
		return nil, err
	}
	router := r.router
	if router == nil {
		chain, err := BuildChain(settings)
		if err != nil {
			return nil, err
		}
		if _, err := chain.ConnectChain(); err != nil {
			return nil, err
		}
		log.Infof("Connected to jump servers %s", strings.Join(chain.Path(), " -> "))
		router = chain
	}

	m := session.NewManager(session.Config{
		SSHCommand:     settings.Settings.SSHCommand,
		TelnetCommand:  settings.Settings.TelnetCommand,
		ConnectionType: opts.ConnectionType,
		Timeout:        settings.Timeout(),
		MaxRetry:       settings.Settings.MaxRetry,
	}, router, spawner, provider)
	defer func() {
		if err := m.Close(); err != nil {
			log.Warnf("Tunnel teardown: %v", err)
		}
	}()

	if err := m.ConnectJumpServer(JumpDevices(settings)); err != nil {
		return nil, err
	}

	c := collector.New()
	log.Infof("Performing device captures (run %s)...", c.RunID)
	reports := make([]DeviceReport, 0, len(devices))
	for _, d := range devices {
		reports = append(reports, r.capture(m, c, d, commands, settings.Settings.PostCommands))
	}

	if err := r.writeOutputs(c, store); err != nil {
		return reports, err
	}
	return reports, nil
}

// capture connects to one device, runs the post connect commands and then
// the command list, and disconnects again.
func (r *Runner) capture(m *session.Manager, c *collector.Collector, d collector.Device, commands, post []string) DeviceReport {
	c.AddHost(d)
	rep := DeviceReport{Name: d.Name, Address: d.Address()}

	st, err := m.HostConnect(d.Name, session.ConnectOptions{
		ConnectionType: d.Settings.ConnectionType,
		Port:           d.Settings.Port,
		Address:        d.Address(),
		ExpectedPrompt: d.Settings.Prompt,
		Timeout:        d.Settings.Timeout,
	})
	rep.Status = st
	switch {
	case err != nil:
		log.Errorf("Connection to %s failed: %v", d.Name, err)
		rep.Err = err.Error()
		return rep
	case !st.Connected():
		rep.Err = "login ended with " + m.LastLogin().String()
		return rep
	}

	for _, cmd := range post {
		if _, err := m.SendCommand(d.Name, cmd, true); err != nil {
			log.Warnf("Post connect command '%s' on %s: %v", cmd, d.Name, err)
		}
	}

	for _, cmd := range commands {
		out, err := m.SendCommand(d.Name, cmd, r.opts.AllowOtherThanShow)
		if errors.Is(err, session.ErrCommandRejected) {
			rep.Err = err.Error()
			continue
		}
		if err != nil {
			rep.Err = err.Error()
			rep.Status = status.Failed
			break
		}
		c.AddCommand(d.Name, cmd, out)
		rep.Commands++
	}

	m.DisconnectHost(d.Name)
	return rep
}

func (r *Runner) writeOutputs(c *collector.Collector, store *db.Store) error {
	if r.opts.OutputDir != "" {
		if err := c.WriteTextFiles(r.opts.OutputDir); err != nil {
			return err
		}
	}
	if r.opts.JSONOutput != "" {
		if err := c.WriteJSON(r.opts.JSONOutput); err != nil {
			return errors.Wrap(err, "failed to write JSON output")
		}
	}
	if r.opts.Database {
		if err := c.WriteDB(store); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) credentialProvider() (credentials.Provider, error) {
	if r.provider != nil {
		return r.provider, nil
	}
	file, err := credentials.LoadFile(r.opts.CredentialFile)
	if err != nil {
		return nil, err
	}
	opts := []credentials.Option{credentials.WithReset(r.opts.Reset)}
	if r.prompter != nil {
		opts = append(opts, credentials.WithPrompter(r.prompter))
	}
	return credentials.NewManager(file, opts...), nil
}

func (r *Runner) clientSpawner(settings config.Settings) (session.Spawner, error) {
	if r.spawner != nil {
		return r.spawner, nil
	}
	switch settings.Settings.Client {
	case config.ClientNative:
		return session.NativeSpawner{Term: os.Getenv("SSHCOLLECTOR_SSH_TERM")}, nil
	default:
		if err := ssh.CheckPrereqs(clientTools(settings)...); err != nil {
			return nil, err
		}
		return session.ProcessSpawner{}, nil
	}
}

// clientTools are the local binaries the configured templates start.
func clientTools(settings config.Settings) []string {
	var tools []string
	for _, tmpl := range []string{settings.Settings.SSHCommand, settings.Settings.TelnetCommand} {
		if f := strings.Fields(tmpl); len(f) > 0 {
			tools = append(tools, f[0])
		}
	}
	return tools
}

// openDatabase unlocks the database with the given password, the cached
// session password or a prompted one. Only "session unlock" writes the
// cache.
func (r *Runner) openDatabase(settings config.Settings) (*db.Store, error) {
	path, err := settings.DatabasePath()
	if err != nil {
		return nil, err
	}
	password := r.opts.DatabasePassword
	if password == "" {
		if cached, err := unlock.Load(); err == nil && cached.Active(time.Now()) {
			log.Debugf("Using cached database unlock session")
			password = cached.Secret
		}
	}
	if password == "" {
		prompter := r.prompter
		if prompter == nil {
			prompter = credentials.NewTerminalPrompter()
		}
		password, err = prompter.Prompt("Database password: ", true)
		if err != nil {
			return nil, err
		}
	}

	return db.Open(path, password)
}

// BuildChain validates the jump path of settings and returns an unconnected
// chain.
func BuildChain(settings config.Settings) (*tunnel.JumpChain, error) {
	servers := make(map[string]tunnel.ServerSettings, len(settings.JumpServers))
	for name, j := range settings.JumpServers {
		servers[name] = tunnel.ServerSettings{
			ConnectionType: j.ConnectionType,
			Hostname:       j.Hostname,
			Username:       j.Username,
			Password:       j.Password,
			KeyFile:        j.RSAKeyFile,
			Port:           j.Port,
			KnownHostsFile: j.KnownHostsFile,
		}
	}
	return tunnel.NewJumpChain(settings.Settings.Path, servers, tunnel.WithTimeout(settings.Timeout()))
}

// JumpDevices returns the interactive login path as devices.
func JumpDevices(settings config.Settings) []collector.Device {
	devices := make([]collector.Device, 0, len(settings.Settings.LoginPath))
	for _, name := range settings.Settings.LoginPath {
		j := settings.JumpServers[name]
		devices = append(devices, collector.Device{
			Name: name,
			IP:   j.Hostname,
			Settings: collector.ConnectionSettings{
				ConnectionType: j.ConnectionType,
				Username:       j.Username,
				Password:       j.Password,
				Prompt:         j.Prompt,
				SSHCommand:     j.SSHCommand,
				TelnetCommand:  j.TelnetCommand,
				Port:           j.Port,
				KeyFile:        j.RSAKeyFile,
				KnownHostsFile: j.KnownHostsFile,
				Timeout:        config.Seconds(j.Timeout),
			},
		})
	}
	return devices
}

// ReadCommands reads the command list, one command per line. Blank lines
// are skipped.
func ReadCommands(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open command list")
	}
	defer f.Close()
	return readCommands(f)
}

func readCommands(r io.Reader) ([]string, error) {
	var commands []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			commands = append(commands, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read command list")
	}
	return commands, nil
}

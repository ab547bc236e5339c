package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSSHCommand    = "ssh -o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no USER@HOST -p PORT"
	DefaultTelnetCommand = "telnet HOST PORT"
	DefaultTimeout       = 10
	DefaultMaxRetry      = 5
	DefaultPostCommand   = "terminal length 0"
)

// ClientMode selects how local client sessions are opened.
type ClientMode string

const (
	// ClientProcess spawns the ssh/telnet command template on a pty.
	ClientProcess ClientMode = "process"
	// ClientNative opens an in-process x/crypto/ssh shell session.
	ClientNative ClientMode = "native"
)

// Connection types accepted for jump servers and devices.
const (
	ConnectionSSH    = "SSH"
	ConnectionTelnet = "TELNET"
)

type JumpServer struct {
	ConnectionType string `yaml:"connection_type"`
	// Hostname overrides the name used as dial address.
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	RSAKeyFile     string `yaml:"rsa_key_file"`
	Port           int    `yaml:"port"`
	Prompt         string `yaml:"prompt"`
	KnownHostsFile string `yaml:"known_hosts_file"`
	SSHCommand     string `yaml:"ssh_command"`
	TelnetCommand  string `yaml:"telnet_command"`
	Timeout        int    `yaml:"timeout"`
}

type Settings struct {
	Settings struct {
		Path          []string   `yaml:"path"`
		LoginPath     []string   `yaml:"login_path"`
		SSHCommand    string     `yaml:"ssh_command"`
		TelnetCommand string     `yaml:"telnet_command"`
		Timeout       int        `yaml:"timeout"`
		MaxRetry      int        `yaml:"max_retry"`
		Client        ClientMode `yaml:"client"`
		PostCommands  []string   `yaml:"post_commands"`
		Database      struct {
			Path string `yaml:"path"`
		} `yaml:"database"`
	} `yaml:"settings"`

	JumpServers map[string]JumpServer `yaml:"jumpservers"`
}

func Default() Settings {
	var s Settings
	s.Settings.SSHCommand = DefaultSSHCommand
	s.Settings.TelnetCommand = DefaultTelnetCommand
	s.Settings.Timeout = DefaultTimeout
	s.Settings.MaxRetry = DefaultMaxRetry
	s.Settings.Client = ClientProcess
	s.Settings.PostCommands = []string{DefaultPostCommand}
	s.JumpServers = map[string]JumpServer{}
	return s
}

// DataDir returns the base data directory for the collector.
// Respects SSHCOLLECTOR_DATA_DIR env var for testing/custom setups.
func DataDir() (string, error) {
	if dir := os.Getenv("SSHCOLLECTOR_DATA_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", err
		}
		return dir, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sshcollector"), nil
}

// Load reads a YAML (or JSON) settings file and validates it.
func Load(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Default(), errors.Wrap(err, "failed to read settings file")
	}
	return Parse(b)
}

func Parse(b []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Default(), errors.Wrap(err, "failed to parse settings")
	}
	s = withDefaults(s)
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate checks the parts of the file that are not the tunnel chain's
// concern; missing jump server fields are reported when the chain is built.
func (s Settings) Validate() error {
	if len(s.Settings.Path) == 0 {
		return errors.New("settings.path must name at least one jump server")
	}
	for _, name := range s.Settings.LoginPath {
		if _, ok := s.JumpServers[name]; !ok {
			return errors.Errorf("login_path entry %q has no jumpservers record", name)
		}
	}
	for name, j := range s.JumpServers {
		switch j.ConnectionType {
		case ConnectionSSH, ConnectionTelnet, "":
		default:
			return errors.Errorf("jump server %q: unsupported connection type %q", name, j.ConnectionType)
		}
	}
	return nil
}

// Timeout is the per operation channel timeout.
func (s Settings) Timeout() time.Duration {
	return Seconds(s.Settings.Timeout)
}

// Seconds converts a settings file timeout.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// DatabasePath returns the configured database or <data dir>/collector.db.
func (s Settings) DatabasePath() (string, error) {
	if s.Settings.Database.Path != "" {
		return s.Settings.Database.Path, nil
	}
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "collector.db"), nil
}

func withDefaults(s Settings) Settings {
	def := Default()

	if strings.TrimSpace(s.Settings.SSHCommand) == "" {
		s.Settings.SSHCommand = def.Settings.SSHCommand
	}
	if strings.TrimSpace(s.Settings.TelnetCommand) == "" {
		s.Settings.TelnetCommand = def.Settings.TelnetCommand
	}
	if s.Settings.Timeout <= 0 || s.Settings.Timeout > 600 {
		s.Settings.Timeout = def.Settings.Timeout
	}
	if s.Settings.MaxRetry <= 0 {
		s.Settings.MaxRetry = def.Settings.MaxRetry
	}
	switch s.Settings.Client {
	case ClientProcess, ClientNative:
	default:
		s.Settings.Client = def.Settings.Client
	}
	// An explicit empty list disables post commands; only a missing key defaults.
	if s.Settings.PostCommands == nil {
		s.Settings.PostCommands = def.Settings.PostCommands
	}
	if s.JumpServers == nil {
		s.JumpServers = map[string]JumpServer{}
	}

	for name, j := range s.JumpServers {
		j.ConnectionType = strings.ToUpper(strings.TrimSpace(j.ConnectionType))
		if j.SSHCommand == "" {
			j.SSHCommand = s.Settings.SSHCommand
		}
		if j.TelnetCommand == "" {
			j.TelnetCommand = s.Settings.TelnetCommand
		}
		if j.Timeout <= 0 {
			j.Timeout = s.Settings.Timeout
		}
		s.JumpServers[name] = j
	}
	return s
}

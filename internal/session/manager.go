// Package session drives interactive device logins through a jump host
// chain and runs gated commands on the device that is currently connected.
package session

import (
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Vansh-Raja/SSHCollector/internal/collector"
	"github.com/Vansh-Raja/SSHCollector/internal/config"
	"github.com/Vansh-Raja/SSHCollector/internal/credentials"
	"github.com/Vansh-Raja/SSHCollector/internal/expect"
	"github.com/Vansh-Raja/SSHCollector/internal/ssh"
	"github.com/Vansh-Raja/SSHCollector/internal/status"
	"github.com/Vansh-Raja/SSHCollector/internal/tunnel"
)

// Localhost is the fallback name while no remote jump shell is live.
const Localhost = "localhost"

const (
	disconnectAttempts = 7
	// after this many attempts "exit" is replaced by "q"
	gentleExitAttempts = 3
)

var (
	showCommand      = regexp.MustCompile(`^\s*show\s+\w+`)
	connectionClosed = regexp.MustCompile(`[Cc]onnection (to \S+ )?closed`)
)

// Router supplies local endpoints for hosts when no remote shell is live.
// *tunnel.JumpChain implements it.
type Router interface {
	Route(host string, port int) (string, int, error)
	DisconnectFinal() error
	DisconnectChain() error
}

var _ Router = (*tunnel.JumpChain)(nil)

// Config holds the defaults applied to every connection.
type Config struct {
	SSHCommand     string
	TelnetCommand  string
	ConnectionType string
	Timeout        time.Duration
	MaxRetry       int
}

// ConnectOptions override Config for one HostConnect. Zero values mean the
// default: the prompt "<host>#", port 22 for SSH and 23 for Telnet, and the
// host name as address.
type ConnectOptions struct {
	ConnectionType string
	Timeout        time.Duration
	ExpectedPrompt string
	Port           int
	Address        string
	// Credentials replaces the provider lookup for this host.
	Credentials    *LoginCredentials
	KeyFile        string
	KnownHostsFile string

	// jump routes by name so the chain can reuse its own tunnels
	jump bool
}

// Manager owns the single terminal session of a collection run and tracks
// where in the jump chain it currently sits.
type Manager struct {
	cfg     Config
	router  Router
	spawner Spawner
	creds   credentials.Provider
	matcher expect.PromptMatcher

	session        *TerminalSession
	currentHost    string
	fallbackName   string
	fallbackPrompt *regexp.Regexp
	// fallbackTimeout is restored on the shared channel when a device typed
	// into the jump shell is left again
	fallbackTimeout time.Duration
	sshCommand      string
	telnetCommand   string
	lastLogin       status.ConnectionStatus
}

// NewManager returns a Manager positioned at localhost. router may be nil
// when devices are reachable directly; spawner defaults to ProcessSpawner.
func NewManager(cfg Config, router Router, spawner Spawner, creds credentials.Provider) *Manager {
	if cfg.SSHCommand == "" {
		cfg.SSHCommand = config.DefaultSSHCommand
	}
	if cfg.TelnetCommand == "" {
		cfg.TelnetCommand = config.DefaultTelnetCommand
	}
	if cfg.ConnectionType == "" {
		cfg.ConnectionType = config.ConnectionSSH
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = expect.DefaultTimeout
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = config.DefaultMaxRetry
	}
	if spawner == nil {
		spawner = ProcessSpawner{}
	}
	return &Manager{
		cfg:           cfg,
		router:        router,
		spawner:       spawner,
		creds:         creds,
		currentHost:   Localhost,
		fallbackName:  Localhost,
		sshCommand:    cfg.SSHCommand,
		telnetCommand: cfg.TelnetCommand,
	}
}

func (m *Manager) CurrentHost() string  { return m.currentHost }
func (m *Manager) FallbackName() string { return m.fallbackName }

// LastLogin is the status the most recent login ended with, before any
// fallback was applied.
func (m *Manager) LastLogin() status.ConnectionStatus { return m.lastLogin }

// HostConnect logs into host and locates its prompt. A login that does not
// reach a shell is rolled back to the fallback host and reported as
// Fallback when the rollback worked. A prompt detection failure is returned
// as ErrPromptDetection after the same rollback. A channel answering outside
// the expected patterns is rolled back too and surfaces as Unknown with
// ErrProtocol.
func (m *Manager) HostConnect(host string, opts ConnectOptions) (status.ConnectionStatus, error) {
	opts, err := m.connectDefaults(host, opts)
	if err != nil {
		return status.Failed, err
	}
	expected, err := regexp.Compile(opts.ExpectedPrompt)
	if err != nil {
		return status.Failed, errors.Wrapf(err, "invalid prompt for %s", host)
	}
	creds := m.providerCredentials(host)
	if opts.Credentials != nil {
		creds = *opts.Credentials
	}

	if m.currentHost != m.fallbackName {
		log.Warnf("Still connected to %s, disconnecting before connecting to %s", m.currentHost, host)
		m.DisconnectHost(m.currentHost)
	}

	log.Infof("Connecting to %s (%s %s:%d)", host, opts.ConnectionType, opts.Address, opts.Port)
	if err := m.openChannel(host, opts, creds); err != nil {
		m.lastLogin = status.Failed
		if errors.Is(err, tunnel.ErrAuthentication) {
			m.lastLogin = status.AuthenticationIssue
		}
		return m.lastLogin, err
	}
	m.currentHost = host
	m.session.timeout = opts.Timeout

	st, err := m.session.Login(host, creds, expected, opts.Timeout, m.cfg.MaxRetry)
	m.lastLogin = st
	if err != nil {
		m.rollback(host)
		return st, err
	}

	if st.NeedsFallback() {
		log.Errorf("Login to %s ended with %s, falling back to %s", host, st, m.fallbackName)
		if m.rollback(host) == status.Success {
			return status.Fallback, nil
		}
		return status.Failed, nil
	}

	if err := m.session.PromptDetect(host, expected); err != nil {
		log.Errorf("Prompt not detected on %s, falling back to %s", host, m.fallbackName)
		rolledBack := m.rollback(host) == status.Success
		switch {
		case errors.Is(err, ErrProtocol):
			m.lastLogin = status.Unknown
			return status.Unknown, err
		case rolledBack:
			return status.Fallback, err
		default:
			return status.Failed, err
		}
	}
	log.Infof("Connected to %s (%s)", host, st)
	return st, nil
}

// ConnectJumpServer logs into every jump host of path in order, each one
// from the shell of the previous. A hop equal to the one before it is
// skipped. Any failure is fatal and returned as ErrJumpServer.
func (m *Manager) ConnectJumpServer(path []collector.Device) error {
	seen := make(map[string]int, len(path))
	for _, jump := range path {
		seen[jump.Name]++
		if seen[jump.Name] == 2 {
			log.Warnf("Jump server %s appears more than once in the login path", jump.Name)
		}
	}

	previous := m.fallbackName
	for _, jump := range path {
		if jump.Name == previous {
			log.Debugf("Already connected to %s, skipping", jump.Name)
			continue
		}
		s := jump.Settings
		creds := StaticCredentials(s.Username, s.Password, m.resetFunc(jump.Name, s.Username))
		st, err := m.HostConnect(jump.Name, ConnectOptions{
			ConnectionType: s.ConnectionType,
			Timeout:        s.Timeout,
			ExpectedPrompt: s.Prompt,
			Port:           s.Port,
			Address:        jump.Address(),
			Credentials:    &creds,
			KeyFile:        s.KeyFile,
			KnownHostsFile: s.KnownHostsFile,
			jump:           true,
		})
		if err != nil {
			return errors.Wrapf(ErrJumpServer, "%s: %v", jump.Name, err)
		}
		if !st.Connected() {
			return errors.Wrapf(ErrJumpServer, "%s: %s", jump.Name, st)
		}

		if s.SSHCommand != "" {
			m.sshCommand = s.SSHCommand
		}
		if s.TelnetCommand != "" {
			m.telnetCommand = s.TelnetCommand
		}
		m.fallbackName = jump.Name
		m.fallbackPrompt = m.session.Prompt()
		m.fallbackTimeout = m.session.timeout
		previous = jump.Name
		log.Infof("Jump server %s connected", jump.Name)
	}
	return nil
}

// SendCommand runs command on host and returns its output without the
// echoed command line. Commands other than "show <word>" are rejected
// unless allowMoreShow is set; that check comes before any traffic.
func (m *Manager) SendCommand(host, command string, allowMoreShow bool) (string, error) {
	if !allowMoreShow && !showCommand.MatchString(command) {
		log.Warnf("Command '%s' not sent to %s, only show commands are allowed", command, host)
		return "", errors.Wrapf(ErrCommandRejected, "%q is not a show command, pass --allow_other_than_show to send it", command)
	}
	if !m.checkPrompt(host) {
		log.Errorf("Not connected to %s, command '%s' not sent", host, command)
		return "", errors.Wrapf(ErrNotConnected, "%s (current host %s)", host, m.currentHost)
	}

	log.Debugf("Sending '%s' to %s", command, host)
	ch := m.session.ch
	if err := ch.SendLine(command); err != nil {
		return "", errors.Wrapf(ErrNotConnected, "%s: %v", host, err)
	}
	outcome, res, err := m.matcher.ExpectOnly(ch, m.session.Prompt(), m.cfg.Timeout)
	if err == nil && outcome == expect.OutcomeInterest {
		return commandOutput(res.Before, command), nil
	}
	if errors.Is(err, expect.ErrUnexpectedMatch) {
		log.Errorf("Unexpected answer from %s after '%s': %v", host, command, err)
		m.DisconnectHost(host)
		return "", errors.Wrapf(ErrProtocol, "%s: %q: %v", host, command, err)
	}

	log.Errorf("No prompt from %s after '%s' (%s)", host, command, outcome)
	m.DisconnectHost(host)
	return "", errors.Wrapf(ErrCommandTimeout, "%s: %q, last output: %s", host, command, res.Before)
}

// DisconnectHost leaves host and returns to the fallback host. It returns
// Fallback without sending anything when the session already sits there and
// Failed when host is not the current host. When the fallback cannot be
// reached the session is closed and the fallback reset to localhost.
func (m *Manager) DisconnectHost(host string) status.ConnectionStatus {
	if host != m.currentHost || host == m.fallbackName {
		if m.currentHost == m.fallbackName {
			log.Debugf("Already at fallback host %s", m.fallbackName)
			return status.Fallback
		}
		log.Warnf("Cannot disconnect %s, current host is %s", host, m.currentHost)
		return status.Failed
	}

	if m.fallbackName == Localhost || m.session == nil {
		log.Debugf("Closing session to %s", host)
		if m.session != nil {
			if err := m.session.ch.SendLine("exit"); err == nil {
				m.matcher.ExpectOnly(m.session.ch, connectionClosed, m.cfg.Timeout)
			}
		}
		m.closeSession()
		m.resetFallback()
		return status.Success
	}

	ch := m.session.ch
	for attempt := 1; attempt <= disconnectAttempts; attempt++ {
		outcome, _, err := m.matcher.ExpectOnly(ch, m.fallbackPrompt, m.cfg.Timeout)
		if err != nil || outcome == expect.OutcomeEOF {
			break
		}
		if outcome == expect.OutcomeInterest {
			m.currentHost = m.fallbackName
			m.session.setPrompt(m.fallbackPrompt)
			m.session.timeout = m.fallbackTimeout
			if m.checkPrompt(m.fallbackName) {
				log.Infof("Disconnected from %s, back on %s", host, m.fallbackName)
				return status.Success
			}
			log.Errorf("Prompt of %s does not answer", m.fallbackName)
			return status.Failed
		}

		exit := "exit"
		if attempt > gentleExitAttempts {
			exit = "q"
		}
		log.Debugf("Disconnecting from %s (%d out of %d), sending %s", host, attempt, disconnectAttempts, exit)
		if ch.SendLine("") != nil || ch.SendLine(exit) != nil {
			break
		}
	}

	log.Errorf("Could not return from %s to %s, closing session", host, m.fallbackName)
	m.closeSession()
	m.resetFallback()
	return status.Failed
}

// Close ends the session and tears the tunnel chain down.
func (m *Manager) Close() error {
	m.closeSession()
	m.resetFallback()
	if m.router == nil {
		return nil
	}
	return m.router.DisconnectChain()
}

func (m *Manager) connectDefaults(host string, opts ConnectOptions) (ConnectOptions, error) {
	opts.ConnectionType = strings.ToUpper(strings.TrimSpace(opts.ConnectionType))
	if opts.ConnectionType == "" {
		opts.ConnectionType = strings.ToUpper(m.cfg.ConnectionType)
	}
	switch opts.ConnectionType {
	case config.ConnectionSSH:
		if opts.Port == 0 {
			opts.Port = 22
		}
	case config.ConnectionTelnet:
		if opts.Port == 0 {
			opts.Port = 23
		}
	default:
		return opts, errors.Errorf("%s: unsupported connection type %q", host, opts.ConnectionType)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = m.cfg.Timeout
	}
	if opts.ExpectedPrompt == "" {
		opts.ExpectedPrompt = regexp.QuoteMeta(host) + "#"
	}
	if opts.Address == "" {
		opts.Address = host
	}
	return opts, nil
}

// openChannel types the client command into the live jump shell, or spawns
// a local client when the session is at localhost.
func (m *Manager) openChannel(host string, opts ConnectOptions, creds LoginCredentials) error {
	template := m.sshCommand
	if opts.ConnectionType == config.ConnectionTelnet {
		template = m.telnetCommand
	}

	if m.fallbackName != Localhost && m.session != nil {
		conn := ssh.Connection{Hostname: opts.Address, Port: opts.Port}
		if strings.Contains(template, "USER") {
			user, err := creds.Username()
			if err != nil {
				return errors.Wrapf(err, "username for %s", host)
			}
			conn.Username = user
		}
		line := ssh.Expand(template, conn)
		log.Debugf("Connecting to %s from %s: %s", host, m.fallbackName, line)
		return m.session.ch.SendLine(line)
	}

	address, port := opts.Address, opts.Port
	if m.router != nil {
		target := opts.Address
		if opts.jump {
			target = host
		}
		var err error
		address, port, err = m.router.Route(target, opts.Port)
		if err != nil {
			return errors.Wrapf(err, "no route to %s", host)
		}
	}

	ch, err := m.spawner.Spawn(SpawnRequest{
		Protocol:       opts.ConnectionType,
		Template:       template,
		Host:           host,
		Address:        address,
		Port:           port,
		Credentials:    creds,
		KeyFile:        opts.KeyFile,
		KnownHostsFile: opts.KnownHostsFile,
		Timeout:        opts.Timeout,
	})
	if err != nil {
		if m.router != nil {
			_ = m.router.DisconnectFinal()
		}
		return err
	}
	m.replaceSession(ch, opts.Timeout)
	return nil
}

// replaceSession installs a new terminal session, closing the previous one.
func (m *Manager) replaceSession(ch expect.Channel, timeout time.Duration) {
	if m.session != nil {
		if err := m.session.ch.Close(); err != nil {
			log.Debugf("Closing previous session: %v", err)
		}
	}
	m.session = newTerminalSession(ch, timeout)
}

func (m *Manager) closeSession() {
	if m.session == nil {
		return
	}
	if err := m.session.ch.Close(); err != nil {
		log.Debugf("Closing session: %v", err)
	}
	m.session = nil
	if m.router != nil {
		if err := m.router.DisconnectFinal(); err != nil {
			log.Warnf("Closing final tunnel: %v", err)
		}
	}
}

func (m *Manager) resetFallback() {
	m.currentHost = Localhost
	m.fallbackName = Localhost
	m.fallbackPrompt = nil
	m.fallbackTimeout = 0
	m.sshCommand = m.cfg.SSHCommand
	m.telnetCommand = m.cfg.TelnetCommand
}

// rollback returns to the fallback host after a failed login and makes
// sure no half authenticated channel survives a failed return.
func (m *Manager) rollback(host string) status.ConnectionStatus {
	st := m.DisconnectHost(host)
	if st != status.Success {
		m.closeSession()
		m.resetFallback()
	}
	return st
}

// checkPrompt reports whether the live prompt answers a blank line on host.
func (m *Manager) checkPrompt(host string) bool {
	if m.session == nil || m.session.Prompt() == nil || host != m.currentHost {
		return false
	}
	if err := m.session.ch.SendLine(""); err != nil {
		return false
	}
	outcome, _, err := m.matcher.ExpectOnly(m.session.ch, m.session.Prompt(), m.cfg.Timeout)
	return err == nil && outcome == expect.OutcomeInterest
}

func (m *Manager) providerCredentials(host string) LoginCredentials {
	var user string
	username := func() (string, error) {
		if user != "" {
			return user, nil
		}
		if m.creds == nil {
			return "", errors.Errorf("no credentials for %s", host)
		}
		u, err := m.creds.Username(host)
		if err != nil {
			return "", err
		}
		user = u
		return user, nil
	}
	return LoginCredentials{
		Username: username,
		Password: func(reset bool) (string, error) {
			u, err := username()
			if err != nil {
				return "", err
			}
			if t := m.creds.PasswordType(host); t != credentials.PasswordFixed {
				return "", errors.Errorf("%s: unsupported password type %q", host, t)
			}
			return m.creds.Password(host, u, reset)
		},
	}
}

func (m *Manager) resetFunc(host, username string) func() (string, error) {
	if m.creds == nil {
		return nil
	}
	return func() (string, error) {
		return m.creds.Password(host, username, true)
	}
}

// commandOutput drops the echoed command line from the captured text.
func commandOutput(before, command string) string {
	first, rest, found := strings.Cut(before, "\n")
	if !strings.Contains(first, strings.TrimSpace(command)) {
		return before
	}
	if !found {
		return ""
	}
	return rest
}

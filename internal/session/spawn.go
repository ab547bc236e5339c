package session

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/Vansh-Raja/SSHCollector/internal/config"
	"github.com/Vansh-Raja/SSHCollector/internal/expect"
	"github.com/Vansh-Raja/SSHCollector/internal/ssh"
	"github.com/Vansh-Raja/SSHCollector/internal/tunnel"
)

// SpawnRequest is everything needed to open a fresh local client channel.
type SpawnRequest struct {
	Protocol string
	Template string
	// Host names the device for logs and host key checks.
	Host        string
	Address     string
	Port        int
	Credentials LoginCredentials
	KeyFile     string
	// KnownHostsFile enables host key verification for the native client.
	KnownHostsFile string
	Timeout        time.Duration
}

// Spawner opens a local channel to a device. The returned channel has not
// been logged into.
type Spawner interface {
	Spawn(req SpawnRequest) (expect.Channel, error)
}

// ProcessSpawner runs the system ssh or telnet client on a pseudo terminal.
type ProcessSpawner struct{}

func (ProcessSpawner) Spawn(req SpawnRequest) (expect.Channel, error) {
	conn := ssh.Connection{Hostname: req.Address, Port: req.Port}
	if strings.Contains(req.Template, "USER") {
		user, err := req.Credentials.Username()
		if err != nil {
			return nil, errors.Wrapf(err, "username for %s", req.Host)
		}
		conn.Username = user
	}
	cmd, err := ssh.Command(req.Template, conn)
	if err != nil {
		return nil, err
	}
	log.Debugf("Spawning %s client: %s", req.Protocol, strings.Join(cmd.Args, " "))
	ch, err := expect.StartProcess(cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to spawn client for %s", req.Host)
	}
	return ch, nil
}

// NativeSpawner opens SSH shells in process. Authentication happens during
// the handshake, so the channel starts at the shell prompt. Telnet is handed
// to Fallback.
type NativeSpawner struct {
	Fallback Spawner
	Term     string
}

func (n NativeSpawner) Spawn(req SpawnRequest) (expect.Channel, error) {
	if req.Protocol != config.ConnectionSSH {
		fallback := n.Fallback
		if fallback == nil {
			fallback = ProcessSpawner{}
		}
		return fallback.Spawn(req)
	}

	user, err := req.Credentials.Username()
	if err != nil {
		return nil, errors.Wrapf(err, "username for %s", req.Host)
	}
	cfg := tunnel.HopConfig{
		Name:           req.Host,
		Address:        net.JoinHostPort(req.Address, strconv.Itoa(req.Port)),
		Username:       user,
		KeyFile:        req.KeyFile,
		KnownHostsFile: req.KnownHostsFile,
		HostKeyAddr:    net.JoinHostPort(req.Host, strconv.Itoa(req.Port)),
		Timeout:        req.Timeout,
	}

	client, err := n.dial(cfg, req.Credentials, false)
	if errors.Is(err, tunnel.ErrAuthentication) && !errors.Is(err, tunnel.ErrHostKeyMismatch) {
		log.Errorf("Authentication issue for %s, requesting new password", req.Host)
		client, err = n.dial(cfg, req.Credentials, true)
	}
	if err != nil {
		return nil, err
	}

	ch, err := expect.OpenShell(client, n.Term)
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "failed to open shell on %s", req.Host)
	}
	return ch, nil
}

func (n NativeSpawner) dial(cfg tunnel.HopConfig, creds LoginCredentials, reset bool) (*cryptossh.Client, error) {
	if cfg.KeyFile == "" || reset {
		password, err := creds.Password(reset)
		if err != nil {
			return nil, errors.Wrapf(err, "password for %s", cfg.Name)
		}
		cfg.Password = password
	}
	return tunnel.DialClient(cfg)
}

package tunnel

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultDialTimeout bounds the TCP dial and SSH handshake of a hop.
const DefaultDialTimeout = 10 * time.Second

// Hop is one forwarded listener in a chain.
type Hop interface {
	Connect() error
	Disconnect() error
	LocalPort() int
}

// HopConfig describes one SSH forward: connect to Address as Username and
// forward a local loopback port to RemoteHost:RemotePort.
type HopConfig struct {
	Name           string
	Address        string
	Username       string
	Password       string
	KeyFile        string
	KnownHostsFile string
	// HostKeyAddr is checked against KnownHostsFile. Empty means Address.
	HostKeyAddr string
	RemoteHost  string
	RemotePort  int
	Timeout     time.Duration
}

// RemoteAddr is the forward target as seen from the SSH server.
func (c HopConfig) RemoteAddr() string {
	return net.JoinHostPort(c.RemoteHost, strconv.Itoa(c.RemotePort))
}

// TunnelHop forwards 127.0.0.1:<LocalPort> to RemoteAddr through an SSH server.
type TunnelHop struct {
	cfg HopConfig

	mu        sync.Mutex
	client    *ssh.Client
	listener  net.Listener
	localPort int
	wg        sync.WaitGroup
}

func NewTunnelHop(cfg HopConfig) *TunnelHop {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDialTimeout
	}
	return &TunnelHop{cfg: cfg}
}

// LocalPort is 0 until Connect succeeds and fixed afterwards.
func (h *TunnelHop) LocalPort() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.localPort
}

// Connect opens the SSH transport and starts the local listener. Failures are
// not retried: ErrAuthentication, ErrConnectivity or ErrTransport is returned.
func (h *TunnelHop) Connect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.localPort != 0 {
		return errors.Errorf("hop %s already connected on port %d", h.cfg.Name, h.localPort)
	}

	log.Debugf("Opening tunnel %s: %s@%s -> %s", h.cfg.Name, h.cfg.Username, h.cfg.Address, h.cfg.RemoteAddr())
	client, err := DialClient(h.cfg)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return errors.Wrapf(ErrTransport, "%s: local listener: %v", h.cfg.Name, err)
	}

	h.client = client
	h.listener = listener
	h.localPort = listener.Addr().(*net.TCPAddr).Port

	h.wg.Add(1)
	go h.serve(listener, client)

	log.Debugf("Tunnel %s listening on 127.0.0.1:%d", h.cfg.Name, h.localPort)
	return nil
}

// DialClient opens an authenticated SSH client to cfg.Address. Errors are
// classified as ErrAuthentication, ErrConnectivity or ErrTransport.
func DialClient(cfg HopConfig) (*ssh.Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDialTimeout
	}
	config, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", cfg.Address, cfg.Timeout)
	if err != nil {
		return nil, errors.Wrapf(ErrConnectivity, "%s (%s): %v", cfg.Name, cfg.Address, err)
	}
	_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	hostKeyAddr := cfg.HostKeyAddr
	if hostKeyAddr == "" {
		hostKeyAddr = cfg.Address
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, hostKeyAddr, config)
	if err != nil {
		conn.Close()
		return nil, classifyHandshakeError(cfg, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// Disconnect stops the listener and closes the SSH transport. It is a no-op
// when the hop is not connected.
func (h *TunnelHop) Disconnect() error {
	h.mu.Lock()
	listener, client := h.listener, h.client
	h.listener, h.client = nil, nil
	h.mu.Unlock()

	if listener == nil {
		return nil
	}
	_ = listener.Close()
	err := client.Close()
	h.wg.Wait()
	log.Debugf("Tunnel %s to %s terminated", h.cfg.Name, h.cfg.RemoteAddr())
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrapf(err, "failed to close tunnel %s", h.cfg.Name)
	}
	return nil
}

func (h *TunnelHop) serve(listener net.Listener, client *ssh.Client) {
	defer h.wg.Done()
	for {
		local, err := listener.Accept()
		if err != nil {
			return
		}
		h.wg.Add(1)
		go h.forward(local, client)
	}
}

func (h *TunnelHop) forward(local net.Conn, client *ssh.Client) {
	defer h.wg.Done()
	defer local.Close()

	upstream, err := client.Dial("tcp", h.cfg.RemoteAddr())
	if err != nil {
		log.Warnf("Tunnel %s could not reach %s: %v", h.cfg.Name, h.cfg.RemoteAddr(), err)
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, local)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(local, upstream)
		done <- struct{}{}
	}()
	<-done
}

func clientConfig(cfg HopConfig) (*ssh.ClientConfig, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(expandHome(cfg.KnownHostsFile))
		if err != nil {
			return nil, errors.Wrapf(ErrConfig, "%s: known hosts: %v", cfg.Name, err)
		}
	}
	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}, nil
}

// authMethods prefers the key file and falls back to the password. An
// encrypted key is unlocked with the password.
func authMethods(cfg HopConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if strings.TrimSpace(cfg.KeyFile) != "" {
		signer, err := loadSigner(cfg.KeyFile, cfg.Password)
		switch {
		case err == nil:
			methods = append(methods, ssh.PublicKeys(signer))
		case cfg.Password != "":
			log.Warnf("Key file for %s unusable, falling back to password: %v", cfg.Name, err)
		default:
			return nil, errors.Wrapf(ErrAuthentication, "%s: %v", cfg.Name, err)
		}
	}

	if cfg.Password != "" {
		password := cfg.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, errors.Wrapf(ErrAuthentication, "%s: no password or key file", cfg.Name)
	}
	return methods, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read key file")
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
		if err == nil {
			return signer, nil
		}
	}
	return nil, errors.Wrap(err, "failed to parse key file")
}

func classifyHandshakeError(cfg HopConfig, err error) error {
	var keyErr *knownhosts.KeyError
	switch {
	case errors.As(err, &keyErr), strings.Contains(err.Error(), "knownhosts:"):
		return errors.Wrapf(ErrHostKeyMismatch, "%s: %v", cfg.Name, err)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return errors.Wrapf(ErrAuthentication, "%s@%s: %v", cfg.Username, cfg.Address, err)
	case isNetError(err):
		return errors.Wrapf(ErrConnectivity, "%s (%s): %v", cfg.Name, cfg.Address, err)
	default:
		return errors.Wrapf(ErrTransport, "%s (%s): %v", cfg.Name, cfg.Address, err)
	}
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.EOF)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

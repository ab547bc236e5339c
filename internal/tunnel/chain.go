// Package tunnel builds nested SSH local port forwards through an ordered
// path of jump hosts.
package tunnel

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const loopback = "127.0.0.1"

// HopFactory creates the hop for one forward. Tests swap it for fakes.
type HopFactory func(HopConfig) Hop

// ChainOption customises a JumpChain.
type ChainOption func(*JumpChain)

// WithHopFactory replaces the x/crypto/ssh backed TunnelHop.
func WithHopFactory(f HopFactory) ChainOption {
	return func(c *JumpChain) { c.newHop = f }
}

// WithTimeout sets the dial and handshake timeout of every hop.
func WithTimeout(d time.Duration) ChainOption {
	return func(c *JumpChain) { c.timeout = d }
}

// JumpChain owns the hops that nest through path. Once ConnectChain succeeds
// it holds len(path)-1 hops plus at most one final hop.
type JumpChain struct {
	path    []string
	servers map[string]ServerSettings
	newHop  HopFactory
	timeout time.Duration

	hops  []Hop
	final Hop
}

// NewJumpChain validates that every path entry has complete settings. No
// connection is attempted.
func NewJumpChain(path []string, servers map[string]ServerSettings, opts ...ChainOption) (*JumpChain, error) {
	if err := validate(path, servers); err != nil {
		return nil, err
	}
	c := &JumpChain{
		path:    append([]string(nil), path...),
		servers: servers,
		newHop:  func(cfg HopConfig) Hop { return NewTunnelHop(cfg) },
		timeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Path returns the configured hop names.
func (c *JumpChain) Path() []string {
	return append([]string(nil), c.path...)
}

// Last is the final path entry, the host the chain gives access to.
func (c *JumpChain) Last() string {
	return c.path[len(c.path)-1]
}

// Hops is the number of established chain hops, excluding the final hop.
func (c *JumpChain) Hops() int {
	return len(c.hops)
}

// LocalPort is the entry point to the last path entry, or 0 when no chain
// hop is established.
func (c *JumpChain) LocalPort() int {
	if len(c.hops) == 0 {
		return 0
	}
	return c.hops[len(c.hops)-1].LocalPort()
}

// ConnectChain forwards hop i to path[i+1] for every entry but the last,
// nesting each hop through the previous one's local port. It returns the
// local port that reaches the last entry. A single entry path connects
// nothing and returns 0.
func (c *JumpChain) ConnectChain() (int, error) {
	if len(c.hops) > 0 {
		return c.LocalPort(), nil
	}

	for i := 0; i < len(c.path)-1; i++ {
		name, next := c.path[i], c.path[i+1]
		cfg := c.hopConfig(name, c.dialAddress(i), c.servers[next].Address(next), c.servers[next].Port)
		cfg.Name = name + "->" + next

		hop := c.newHop(cfg)
		if err := hop.Connect(); err != nil {
			log.Errorf("Cannot create SSH tunnel via %s! Check password or key file!", name)
			c.teardownChain()
			return 0, errors.Wrapf(err, "tunnel hop %d (%s)", i+1, cfg.Name)
		}
		c.hops = append(c.hops, hop)
	}
	return c.LocalPort(), nil
}

// ConnectFinal forwards one more hop from the last path entry to
// destination:port, replacing any existing final hop.
func (c *JumpChain) ConnectFinal(destination string, port int) (int, error) {
	if err := c.DisconnectFinal(); err != nil {
		return 0, err
	}
	if len(c.path) > 1 && len(c.hops) != len(c.path)-1 {
		return 0, errors.New("jump chain is not connected")
	}

	last := c.Last()
	cfg := c.hopConfig(last, c.dialAddress(len(c.path)-1), destination, port)
	cfg.Name = last + "->" + destination

	hop := c.newHop(cfg)
	if err := hop.Connect(); err != nil {
		return 0, errors.Wrapf(err, "final tunnel hop to %s:%d", destination, port)
	}
	c.final = hop
	return hop.LocalPort(), nil
}

// Route returns the address a local client should dial to reach host:port.
// Jump hosts already at the end of the chain, or dialled directly, are
// returned as is; anything else gets a final hop.
func (c *JumpChain) Route(host string, port int) (string, int, error) {
	switch {
	case host == c.Last() && len(c.hops) > 0:
		return loopback, c.LocalPort(), nil
	case host == c.path[0]:
		return c.servers[host].Address(host), port, nil
	}
	localPort, err := c.ConnectFinal(host, port)
	if err != nil {
		return "", 0, err
	}
	return loopback, localPort, nil
}

// DisconnectFinal tears down the final hop, if any.
func (c *JumpChain) DisconnectFinal() error {
	if c.final == nil {
		return nil
	}
	log.Debugf("Terminating SSH tunnel to final host")
	err := c.final.Disconnect()
	c.final = nil
	return err
}

// DisconnectChain tears down the final hop and then the chain hops,
// innermost first.
func (c *JumpChain) DisconnectChain() error {
	err := c.DisconnectFinal()
	if chainErr := c.teardownChain(); err == nil {
		err = chainErr
	}
	return err
}

func (c *JumpChain) teardownChain() error {
	var first error
	for i := len(c.hops) - 1; i >= 0; i-- {
		if err := c.hops[i].Disconnect(); err != nil && first == nil {
			first = err
		}
	}
	c.hops = nil
	return first
}

// dialAddress is where the SSH server for path[i] is reached: directly for
// the first entry, through the previous hop's local port otherwise.
func (c *JumpChain) dialAddress(i int) string {
	if i == 0 {
		name := c.path[0]
		s := c.servers[name]
		return net.JoinHostPort(s.Address(name), strconv.Itoa(s.Port))
	}
	return net.JoinHostPort(loopback, strconv.Itoa(c.hops[i-1].LocalPort()))
}

func (c *JumpChain) hopConfig(server, address, remoteHost string, remotePort int) HopConfig {
	s := c.servers[server]
	return HopConfig{
		Address:        address,
		Username:       s.Username,
		Password:       s.Password,
		KeyFile:        s.KeyFile,
		KnownHostsFile: s.KnownHostsFile,
		HostKeyAddr:    net.JoinHostPort(s.Address(server), strconv.Itoa(s.Port)),
		RemoteHost:     remoteHost,
		RemotePort:     remotePort,
		Timeout:        c.timeout,
	}
}

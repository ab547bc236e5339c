package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testSSHServer accepts password or public key logins for testuser and
// serves direct-tcpip forwards.
type testSSHServer struct {
	listener   net.Listener
	config     *ssh.ServerConfig
	port       int
	knownHosts string
	wg         sync.WaitGroup
}

func startTestSSHServer(t *testing.T, password string, publicKey ssh.PublicKey) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{}
	if password != "" {
		config.PasswordCallback = func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		}
	}
	if publicKey != nil {
		config.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(publicKey.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		}
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := fmt.Sprintf("[127.0.0.1]:%d %s\n", port, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(hostKey.PublicKey()))))
	require.NoError(t, os.WriteFile(knownHosts, []byte(line), 0o644))

	s := &testSSHServer{listener: listener, config: config, port: port, knownHosts: knownHosts}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(func() {
		listener.Close()
		s.wg.Wait()
	})
	return s
}

func (s *testSSHServer) addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port))
}

func (s *testSSHServer) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *testSSHServer) handle(conn net.Conn) {
	defer conn.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "direct-tcpip" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		var target struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(newChannel.ExtraData(), &target); err != nil {
			_ = newChannel.Reject(ssh.ConnectionFailed, "bad payload")
			continue
		}
		upstream, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
		if err != nil {
			_ = newChannel.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			upstream.Close()
			continue
		}
		go ssh.DiscardRequests(requests)
		go func() {
			defer channel.Close()
			defer upstream.Close()
			go func() { _, _ = io.Copy(upstream, channel) }()
			_, _ = io.Copy(channel, upstream)
		}()
	}
}

// startEchoServer answers every line with "echo: <line>".
func startEchoServer(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if _, err := c.Write(append([]byte("echo: "), buf[:n]...)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return listener.Addr().(*net.TCPAddr).Port
}

func roundTrip(t *testing.T, port int, msg string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestTunnelHop_PasswordForward(t *testing.T) {
	server := startTestSSHServer(t, "secret", nil)
	echoPort := startEchoServer(t)

	hop := NewTunnelHop(HopConfig{
		Name:       "jump1",
		Address:    server.addr(),
		Username:   "testuser",
		Password:   "secret",
		RemoteHost: "127.0.0.1",
		RemotePort: echoPort,
		Timeout:    2 * time.Second,
	})
	assert.Zero(t, hop.LocalPort())

	require.NoError(t, hop.Connect())
	port := hop.LocalPort()
	require.NotZero(t, port)
	assert.Equal(t, "echo: ping", roundTrip(t, port, "ping"))

	require.NoError(t, hop.Disconnect())
	require.NoError(t, hop.Disconnect())
	assert.Equal(t, port, hop.LocalPort())
}

func TestTunnelHop_KeyFileWithKnownHosts(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600))

	server := startTestSSHServer(t, "", sshPub)
	echoPort := startEchoServer(t)

	hop := NewTunnelHop(HopConfig{
		Name:           "jump1",
		Address:        server.addr(),
		Username:       "testuser",
		KeyFile:        keyFile,
		KnownHostsFile: server.knownHosts,
		RemoteHost:     "127.0.0.1",
		RemotePort:     echoPort,
		Timeout:        2 * time.Second,
	})
	require.NoError(t, hop.Connect())
	defer hop.Disconnect()
	assert.Equal(t, "echo: key", roundTrip(t, hop.LocalPort(), "key"))
}

func TestTunnelHop_WrongPassword(t *testing.T) {
	server := startTestSSHServer(t, "secret", nil)

	hop := NewTunnelHop(HopConfig{
		Name:       "jump1",
		Address:    server.addr(),
		Username:   "testuser",
		Password:   "wrong",
		RemoteHost: "127.0.0.1",
		RemotePort: 22,
		Timeout:    2 * time.Second,
	})
	err := hop.Connect()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Zero(t, hop.LocalPort())
}

func TestTunnelHop_HostKeyMismatch(t *testing.T) {
	server := startTestSSHServer(t, "secret", nil)
	other := startTestSSHServer(t, "secret", nil)

	hop := NewTunnelHop(HopConfig{
		Name:           "jump1",
		Address:        server.addr(),
		HostKeyAddr:    server.addr(),
		Username:       "testuser",
		Password:       "secret",
		KnownHostsFile: rewriteKnownHosts(t, other.knownHosts, other.port, server.port),
		RemoteHost:     "127.0.0.1",
		RemotePort:     22,
		Timeout:        2 * time.Second,
	})
	err := hop.Connect()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, err, ErrHostKeyMismatch)
}

// rewriteKnownHosts claims another server's host key for port.
func rewriteKnownHosts(t *testing.T, path string, from, to int) string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := strings.Replace(string(data), fmt.Sprintf("]:%d ", from), fmt.Sprintf("]:%d ", to), 1)
	rewritten := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(rewritten, []byte(out), 0o644))
	return rewritten
}

func TestTunnelHop_Unreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	hop := NewTunnelHop(HopConfig{
		Name:       "jump1",
		Address:    addr,
		Username:   "testuser",
		Password:   "secret",
		RemoteHost: "127.0.0.1",
		RemotePort: 22,
		Timeout:    time.Second,
	})
	err = hop.Connect()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectivity)
}

func TestTunnelHop_NoCredentials(t *testing.T) {
	hop := NewTunnelHop(HopConfig{Name: "jump1", Address: "127.0.0.1:1", Username: "testuser"})
	err := hop.Connect()
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestJumpChain_RealNestedForward(t *testing.T) {
	jump1 := startTestSSHServer(t, "one", nil)
	jump2 := startTestSSHServer(t, "two", nil)
	echoPort := startEchoServer(t)

	servers := map[string]ServerSettings{
		"jump1": {ConnectionType: "SSH", Hostname: "127.0.0.1", Username: "testuser", Password: "one", Port: jump1.port},
		"jump2": {ConnectionType: "SSH", Hostname: "127.0.0.1", Username: "testuser", Password: "two", Port: jump2.port},
	}
	chain, err := NewJumpChain([]string{"jump1", "jump2"}, servers, WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer chain.DisconnectChain()

	port, err := chain.ConnectChain()
	require.NoError(t, err)
	assert.Equal(t, 1, chain.Hops())
	assert.Equal(t, chain.LocalPort(), port)

	finalPort, err := chain.ConnectFinal("127.0.0.1", echoPort)
	require.NoError(t, err)
	assert.Equal(t, "echo: through two hops", roundTrip(t, finalPort, "through two hops"))

	require.NoError(t, chain.DisconnectChain())
	assert.Zero(t, chain.Hops())
}

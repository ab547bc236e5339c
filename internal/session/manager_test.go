package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vansh-Raja/SSHCollector/internal/collector"
	"github.com/Vansh-Raja/SSHCollector/internal/credentials"
	"github.com/Vansh-Raja/SSHCollector/internal/expect"
	"github.com/Vansh-Raja/SSHCollector/internal/expect/expecttest"
	"github.com/Vansh-Raja/SSHCollector/internal/status"
	"github.com/Vansh-Raja/SSHCollector/internal/tunnel"
)

type fakeRouter struct {
	routed []string
	finals int
	chains int
}

func (r *fakeRouter) Route(host string, port int) (string, int, error) {
	r.routed = append(r.routed, fmt.Sprintf("%s:%d", host, port))
	return "127.0.0.1", 40000 + len(r.routed), nil
}

func (r *fakeRouter) DisconnectFinal() error {
	r.finals++
	return nil
}

func (r *fakeRouter) DisconnectChain() error {
	r.chains++
	return nil
}

type fakeSpawner struct {
	channels []*expecttest.Channel
	requests []SpawnRequest
	err      error
}

func (s *fakeSpawner) Spawn(req SpawnRequest) (expect.Channel, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.channels) == 0 {
		return nil, errors.New("no channel scripted")
	}
	ch := s.channels[0]
	s.channels = s.channels[1:]
	return ch, nil
}

type fakeProvider struct {
	resets       int
	passwordType string
}

func (p *fakeProvider) Username(string) (string, error) { return "admin", nil }

func (p *fakeProvider) Password(_, _ string, reset bool) (string, error) {
	if reset {
		p.resets++
		return "devpw-new", nil
	}
	return "devpw", nil
}

func (p *fakeProvider) PasswordType(string) string {
	if p.passwordType == "" {
		return credentials.PasswordFixed
	}
	return p.passwordType
}

// channelSpawner hands out one prepared channel.
type channelSpawner struct {
	ch expect.Channel
}

func (s channelSpawner) Spawn(SpawnRequest) (expect.Channel, error) { return s.ch, nil }

func testConfig() Config {
	return Config{
		SSHCommand:    "ssh USER@HOST -p PORT",
		TelnetCommand: "telnet HOST PORT",
		Timeout:       time.Second,
		MaxRetry:      5,
	}
}

func jump(name, ip string) collector.Device {
	return collector.Device{
		Name: name,
		IP:   ip,
		Settings: collector.ConnectionSettings{
			ConnectionType: "SSH",
			Username:       "jumpuser",
			Password:       "jumppw",
			Port:           22,
		},
	}
}

// jumpLogin is what jump1 prints while being logged into and located.
func jumpLogin(name string) []expecttest.Step {
	return []expecttest.Step{
		expecttest.Out("Password: "),
		expecttest.Out("\r\nWelcome\r\n" + name + "#"),
		expecttest.Out("\r\n" + name + "#"),
	}
}

// deviceLogin is what router1 prints while being logged into and located.
func deviceLogin() []expecttest.Step {
	return []expecttest.Step{
		expecttest.Out("Password: "),
		expecttest.Out("\r\nrouter1#"),
		expecttest.Out("\r\nrouter1#"),
	}
}

// directDevice returns a manager logged into 10.0.0.5 straight from localhost.
func directDevice(t *testing.T, extra ...expecttest.Step) (*Manager, *expecttest.Channel, *fakeRouter) {
	t.Helper()
	ch := expecttest.New(append(deviceLogin(), extra...)...)
	router := &fakeRouter{}
	m := NewManager(testConfig(), router, &fakeSpawner{channels: []*expecttest.Channel{ch}}, &fakeProvider{})

	st, err := m.HostConnect("10.0.0.5", ConnectOptions{})
	require.NoError(t, err)
	require.Equal(t, status.Success, st)
	require.Equal(t, "10.0.0.5", m.CurrentHost())
	return m, ch, router
}

func TestEndToEndThroughJumpServer(t *testing.T) {
	var steps []expecttest.Step
	steps = append(steps, jumpLogin("jump1")...)
	steps = append(steps, deviceLogin()...)
	steps = append(steps,
		expecttest.Out("\r\nrouter1#"),
		expecttest.Out("show interfaces\r\nGi0/1 is up\r\nGi0/2 is down\r\nrouter1#"),
		expecttest.Stall(),
		expecttest.Out("\r\nrouter1#exit\r\nConnection to 10.0.0.5 closed.\r\njump1#"),
		expecttest.Out("\r\njump1#"),
	)
	ch := expecttest.New(steps...)
	router := &fakeRouter{}
	spawner := &fakeSpawner{channels: []*expecttest.Channel{ch}}
	m := NewManager(testConfig(), router, spawner, &fakeProvider{})

	require.NoError(t, m.ConnectJumpServer([]collector.Device{jump("jump1", "192.0.2.10")}))
	assert.Equal(t, "jump1", m.FallbackName())
	assert.Equal(t, []string{"jump1:22"}, router.routed)
	require.Len(t, spawner.requests, 1)
	assert.Equal(t, "127.0.0.1", spawner.requests[0].Address)
	assert.Equal(t, 40001, spawner.requests[0].Port)

	st, err := m.HostConnect("10.0.0.5", ConnectOptions{Port: 22})
	require.NoError(t, err)
	assert.Equal(t, status.Success, st)
	assert.Equal(t, "10.0.0.5", m.CurrentHost())
	assert.Len(t, router.routed, 1, "device is reached from the jump shell")

	out, err := m.SendCommand("10.0.0.5", "show interfaces", false)
	require.NoError(t, err)
	assert.Equal(t, "Gi0/1 is up\r\nGi0/2 is down\r\n", out)

	assert.Equal(t, status.Success, m.DisconnectHost("10.0.0.5"))
	assert.Equal(t, "jump1", m.CurrentHost())
	assert.False(t, ch.Closed())

	assert.Equal(t, []string{
		"jumppw", "",
		"ssh admin@10.0.0.5 -p 22", "devpw", "",
		"", "show interfaces",
		"", "exit", "",
	}, ch.Lines())
	assert.Zero(t, ch.Remaining())
}

func TestDisconnectHostIsIdempotent(t *testing.T) {
	m, ch, router := directDevice(t)

	assert.Equal(t, status.Success, m.DisconnectHost("10.0.0.5"))
	assert.True(t, ch.Closed())
	assert.Equal(t, 1, router.finals)
	writes := len(ch.Writes())

	first := m.DisconnectHost("10.0.0.5")
	second := m.DisconnectHost("10.0.0.5")
	assert.Equal(t, status.Fallback, first)
	assert.Equal(t, first, second)
	assert.Len(t, ch.Writes(), writes)
	assert.Equal(t, 1, router.finals)
}

func TestDisconnectHostNotCurrent(t *testing.T) {
	m, ch, _ := directDevice(t)
	writes := len(ch.Writes())

	assert.Equal(t, status.Failed, m.DisconnectHost("10.0.0.9"))
	assert.Len(t, ch.Writes(), writes)
	assert.Equal(t, "10.0.0.5", m.CurrentHost())
}

func TestDisconnectHostEscalatesToQuit(t *testing.T) {
	var steps []expecttest.Step
	steps = append(steps, jumpLogin("jump1")...)
	steps = append(steps, deviceLogin()...)
	for i := 0; i < 4; i++ {
		steps = append(steps, expecttest.Stall())
	}
	steps = append(steps, expecttest.Out("\r\njump1#"), expecttest.Out("\r\njump1#"))
	ch := expecttest.New(steps...)
	m := NewManager(testConfig(), &fakeRouter{}, &fakeSpawner{channels: []*expecttest.Channel{ch}}, &fakeProvider{})
	require.NoError(t, m.ConnectJumpServer([]collector.Device{jump("jump1", "192.0.2.10")}))
	_, err := m.HostConnect("10.0.0.5", ConnectOptions{})
	require.NoError(t, err)
	before := len(ch.Lines())

	assert.Equal(t, status.Success, m.DisconnectHost("10.0.0.5"))
	assert.Equal(t, []string{"", "exit", "", "exit", "", "exit", "", "q", ""}, ch.Lines()[before:])
}

func TestDisconnectHostGivesUp(t *testing.T) {
	var steps []expecttest.Step
	steps = append(steps, jumpLogin("jump1")...)
	steps = append(steps, deviceLogin()...)
	for i := 0; i < disconnectAttempts; i++ {
		steps = append(steps, expecttest.Stall())
	}
	ch := expecttest.New(steps...)
	router := &fakeRouter{}
	m := NewManager(testConfig(), router, &fakeSpawner{channels: []*expecttest.Channel{ch}}, &fakeProvider{})
	require.NoError(t, m.ConnectJumpServer([]collector.Device{jump("jump1", "192.0.2.10")}))
	_, err := m.HostConnect("10.0.0.5", ConnectOptions{})
	require.NoError(t, err)

	assert.Equal(t, status.Failed, m.DisconnectHost("10.0.0.5"))
	assert.True(t, ch.Closed())
	assert.Equal(t, Localhost, m.CurrentHost())
	assert.Equal(t, Localhost, m.FallbackName())
	assert.Equal(t, 1, router.finals)
}

func TestSendCommandShowGate(t *testing.T) {
	m, ch, _ := directDevice(t,
		expecttest.Out("\r\nrouter1#"),
		expecttest.Out("show version\r\nIOS XE 17.3\r\nrouter1#"),
		expecttest.Out("\r\nrouter1#"),
		expecttest.Out("reload\r\nProceed with reload? [confirm]\r\nrouter1#"),
	)

	out, err := m.SendCommand("10.0.0.5", "show version", false)
	require.NoError(t, err)
	assert.Equal(t, "IOS XE 17.3\r\n", out)

	writes := len(ch.Writes())
	_, err = m.SendCommand("10.0.0.5", "reload", false)
	require.ErrorIs(t, err, ErrCommandRejected)
	assert.Len(t, ch.Writes(), writes, "rejected command must not touch the channel")

	out, err = m.SendCommand("10.0.0.5", "reload", true)
	require.NoError(t, err)
	assert.Contains(t, out, "Proceed with reload?")
}

func TestSendCommandGateComesBeforeConnectionCheck(t *testing.T) {
	m, ch, _ := directDevice(t)
	writes := len(ch.Writes())

	_, err := m.SendCommand("10.0.0.9", "reload", false)
	assert.ErrorIs(t, err, ErrCommandRejected)

	_, err = m.SendCommand("10.0.0.9", "show version", false)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Len(t, ch.Writes(), writes)
}

func TestSendCommandNotConnectedWhenPromptSilent(t *testing.T) {
	m, _, _ := directDevice(t, expecttest.Stall())

	_, err := m.SendCommand("10.0.0.5", "show version", false)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendCommandTimeoutFallsBack(t *testing.T) {
	m, ch, router := directDevice(t,
		expecttest.Out("\r\nrouter1#"),
		expecttest.Out("show tech-support\r\n------ show clock ------\r\n"),
		expecttest.Stall(),
	)

	_, err := m.SendCommand("10.0.0.5", "show tech-support", false)
	require.ErrorIs(t, err, ErrCommandTimeout)
	assert.Contains(t, err.Error(), "show clock")
	assert.True(t, ch.Closed())
	assert.Equal(t, Localhost, m.CurrentHost())
	assert.Equal(t, 1, router.finals)
}

func TestHostConnectAuthenticationIssueFallsBackToJump(t *testing.T) {
	var steps []expecttest.Step
	steps = append(steps, jumpLogin("jump1")...)
	steps = append(steps,
		expecttest.Out("Password: "),
		expecttest.Out("\r\nPermission denied, please try again.\r\nPassword: "),
		expecttest.Out("\r\nPermission denied (publickey,password).\r\njump1#"),
		expecttest.Out("\r\njump1#"),
	)
	ch := expecttest.New(steps...)
	provider := &fakeProvider{}
	m := NewManager(testConfig(), &fakeRouter{}, &fakeSpawner{channels: []*expecttest.Channel{ch}}, provider)
	require.NoError(t, m.ConnectJumpServer([]collector.Device{jump("jump1", "192.0.2.10")}))
	before := len(ch.Lines())

	st, err := m.HostConnect("10.0.0.5", ConnectOptions{})
	require.NoError(t, err)
	assert.Equal(t, status.Fallback, st)
	assert.Equal(t, status.AuthenticationIssue, m.LastLogin())
	assert.Equal(t, 1, provider.resets)
	assert.Equal(t, "jump1", m.CurrentHost())
	assert.Equal(t, []string{"ssh admin@10.0.0.5 -p 22", "devpw", "devpw-new", ""}, ch.Lines()[before:])
}

func TestHostConnectPromptDetectionFailureLeavesSessionClosed(t *testing.T) {
	ch := expecttest.New(
		expecttest.Out("Password: "),
		expecttest.Out("\r\nrouter1#"),
		expecttest.Stall(),
		expecttest.Stall(),
		expecttest.Stall(),
	)
	router := &fakeRouter{}
	m := NewManager(testConfig(), router, &fakeSpawner{channels: []*expecttest.Channel{ch}}, &fakeProvider{})

	st, err := m.HostConnect("10.0.0.5", ConnectOptions{})
	require.ErrorIs(t, err, ErrPromptDetection)
	assert.Equal(t, status.Fallback, st)
	assert.Equal(t, status.Success, m.LastLogin())
	assert.True(t, ch.Closed())
	assert.Equal(t, Localhost, m.CurrentHost())
	assert.Equal(t, 1, router.finals)
	assert.Equal(t, []string{"devpw", "", "", "", "exit"}, ch.Lines())

	_, err = m.SendCommand("10.0.0.5", "show version", false)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHostConnectSpawnFailure(t *testing.T) {
	router := &fakeRouter{}
	spawner := &fakeSpawner{err: errors.Wrap(tunnel.ErrAuthentication, "router1")}
	m := NewManager(testConfig(), router, spawner, &fakeProvider{})

	st, err := m.HostConnect("10.0.0.5", ConnectOptions{})
	require.Error(t, err)
	assert.Equal(t, status.AuthenticationIssue, st)
	assert.Equal(t, 1, router.finals)
	assert.Equal(t, Localhost, m.CurrentHost())
}

func TestHostConnectStrayMatchIsUnknown(t *testing.T) {
	ch := &strayMatchChannel{}
	router := &fakeRouter{}
	m := NewManager(testConfig(), router, channelSpawner{ch: ch}, &fakeProvider{})

	st, err := m.HostConnect("10.0.0.5", ConnectOptions{})
	require.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, status.Unknown, st)
	assert.Equal(t, status.Unknown, m.LastLogin())
	assert.True(t, ch.closed)
	assert.Equal(t, Localhost, m.CurrentHost())
	assert.Equal(t, 1, router.finals)
}

func TestHostConnectRejectsUnsupportedPasswordType(t *testing.T) {
	ch := expecttest.New(deviceLogin()...)
	m := NewManager(testConfig(), &fakeRouter{}, &fakeSpawner{channels: []*expecttest.Channel{ch}}, &fakeProvider{passwordType: "rsa"})

	st, err := m.HostConnect("10.0.0.5", ConnectOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported password type "rsa"`)
	assert.Equal(t, status.Failed, st)
	assert.NotContains(t, ch.Lines(), "devpw")
	assert.True(t, ch.Closed())
}

func TestHostConnectUsesDeviceTimeoutInJumpShell(t *testing.T) {
	var steps []expecttest.Step
	steps = append(steps, jumpLogin("jump1")...)
	steps = append(steps, deviceLogin()...)
	steps = append(steps,
		expecttest.Out("\r\nConnection to 10.0.0.5 closed.\r\njump1#"),
		expecttest.Out("\r\njump1#"),
	)
	ch := expecttest.New(steps...)
	m := NewManager(testConfig(), &fakeRouter{}, &fakeSpawner{channels: []*expecttest.Channel{ch}}, &fakeProvider{})
	require.NoError(t, m.ConnectJumpServer([]collector.Device{jump("jump1", "192.0.2.10")}))

	st, err := m.HostConnect("10.0.0.5", ConnectOptions{Timeout: 3 * time.Second})
	require.NoError(t, err)
	require.Equal(t, status.Success, st)
	require.Equal(t, status.Success, m.DisconnectHost("10.0.0.5"))

	sec := time.Second
	assert.Equal(t, []time.Duration{
		sec, sec, sec, // jump1 login and prompt
		3 * sec, 3 * sec, 3 * sec, // router1 login and prompt
		sec, sec, // return to jump1
	}, ch.Timeouts())
	assert.Equal(t, sec, m.session.timeout)
}

func TestHostConnectDefaults(t *testing.T) {
	ch := expecttest.New(expecttest.Out("\r\nrouter1>"), expecttest.Out("\r\nrouter1>"))
	spawner := &fakeSpawner{channels: []*expecttest.Channel{ch}}
	router := &fakeRouter{}
	m := NewManager(testConfig(), router, spawner, &fakeProvider{})

	st, err := m.HostConnect("core1", ConnectOptions{ConnectionType: "telnet", Address: "10.1.1.1"})
	require.NoError(t, err)
	assert.Equal(t, status.Success, st)
	assert.Equal(t, []string{"10.1.1.1:23"}, router.routed)
	require.Len(t, spawner.requests, 1)
	assert.Equal(t, "TELNET", spawner.requests[0].Protocol)
	assert.Equal(t, "telnet HOST PORT", spawner.requests[0].Template)

	_, err = m.HostConnect("core2", ConnectOptions{ConnectionType: "rlogin"})
	assert.Error(t, err)
}

func TestHostConnectLeavesPreviousDevice(t *testing.T) {
	first := expecttest.New(deviceLogin()...)
	second := expecttest.New(deviceLogin()...)
	router := &fakeRouter{}
	m := NewManager(testConfig(), router, &fakeSpawner{channels: []*expecttest.Channel{first, second}}, &fakeProvider{})

	_, err := m.HostConnect("10.0.0.5", ConnectOptions{})
	require.NoError(t, err)
	_, err = m.HostConnect("10.0.0.6", ConnectOptions{})
	require.NoError(t, err)

	assert.True(t, first.Closed())
	assert.Equal(t, "exit", first.Lines()[len(first.Lines())-1])
	assert.False(t, second.Closed())
	assert.Equal(t, "10.0.0.6", m.CurrentHost())
}

func TestConnectJumpServerSkipsRepeatedHop(t *testing.T) {
	var steps []expecttest.Step
	steps = append(steps, jumpLogin("jump1")...)
	steps = append(steps, jumpLogin("jump2")...)
	ch := expecttest.New(steps...)
	router := &fakeRouter{}
	m := NewManager(testConfig(), router, &fakeSpawner{channels: []*expecttest.Channel{ch}}, &fakeProvider{})

	j2 := jump("jump2", "10.9.9.9")
	j2.Settings.SSHCommand = "ssh -l USER HOST PORT"
	path := []collector.Device{jump("jump1", "192.0.2.10"), jump("jump1", "192.0.2.10"), j2}
	require.NoError(t, m.ConnectJumpServer(path))

	assert.Equal(t, "jump2", m.FallbackName())
	assert.Equal(t, "jump2", m.CurrentHost())
	assert.Equal(t, []string{"jump1:22"}, router.routed)
	assert.Equal(t, []string{"jumppw", "", "ssh jumpuser@10.9.9.9 -p 22", "jumppw", ""}, ch.Lines())
	assert.Equal(t, "ssh -l USER HOST PORT", m.sshCommand)
}

func TestConnectJumpServerFailureIsFatal(t *testing.T) {
	ch := expecttest.New(expecttest.Out("ssh: connect to host 192.0.2.10 port 22: Connection refused\r\n"))
	router := &fakeRouter{}
	m := NewManager(testConfig(), router, &fakeSpawner{channels: []*expecttest.Channel{ch}}, &fakeProvider{})

	err := m.ConnectJumpServer([]collector.Device{jump("jump1", "192.0.2.10")})
	require.ErrorIs(t, err, ErrJumpServer)
	assert.Equal(t, Localhost, m.FallbackName())
	assert.True(t, ch.Closed())
}

func TestClose(t *testing.T) {
	m, ch, router := directDevice(t)

	require.NoError(t, m.Close())
	assert.True(t, ch.Closed())
	assert.Equal(t, 1, router.chains)
	assert.Equal(t, Localhost, m.CurrentHost())
}

func TestCommandOutput(t *testing.T) {
	assert.Equal(t, "line\r\n", commandOutput("show x\r\nline\r\n", "show x"))
	assert.Equal(t, "", commandOutput("show x", "show x"))
	assert.Equal(t, "banner\r\nline", commandOutput("banner\r\nline", "show x"))
}

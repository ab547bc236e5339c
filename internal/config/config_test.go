package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
settings:
  path: [jump1, jump2]
  login_path: [jump2]
  timeout: 5
jumpservers:
  jump1: {connection_type: ssh, username: u1, password: p1, rsa_key_file: "", port: 22, prompt: "jump1#"}
  jump2:
    connection_type: SSH
    username: u2
    password: p2
    port: 2222
    prompt: "jump2>"
    telnet_command: "telnet HOST"
`

func TestParse_AppliesDefaults(t *testing.T) {
	s, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, []string{"jump1", "jump2"}, s.Settings.Path)
	assert.Equal(t, 5*time.Second, s.Timeout())
	assert.Equal(t, DefaultMaxRetry, s.Settings.MaxRetry)
	assert.Equal(t, ClientProcess, s.Settings.Client)
	assert.Equal(t, []string{DefaultPostCommand}, s.Settings.PostCommands)
	assert.Equal(t, DefaultSSHCommand, s.Settings.SSHCommand)

	j1 := s.JumpServers["jump1"]
	assert.Equal(t, ConnectionSSH, j1.ConnectionType)
	assert.Equal(t, DefaultSSHCommand, j1.SSHCommand)
	assert.Equal(t, 5, j1.Timeout)

	j2 := s.JumpServers["jump2"]
	assert.Equal(t, "telnet HOST", j2.TelnetCommand)
	assert.Equal(t, 2222, j2.Port)
}

func TestParse_JSONIsAccepted(t *testing.T) {
	s, err := Parse([]byte(`{"settings": {"path": ["jump1"], "client": "native", "post_commands": []}, "jumpservers": {"jump1": {"connection_type": "SSH", "username": "u", "password": "p", "port": 22}}}`))
	require.NoError(t, err)
	assert.Equal(t, ClientNative, s.Settings.Client)
	assert.Empty(t, s.Settings.PostCommands)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty path":     "settings: {path: []}\n",
		"unknown login":  "settings: {path: [a], login_path: [b]}\njumpservers: {a: {username: u}}\n",
		"bad connection": "settings: {path: [a]}\njumpservers: {a: {connection_type: rlogin}}\n",
		"malformed yaml": "settings: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDataDir_EnvOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	t.Setenv("SSHCOLLECTOR_DATA_DIR", dir)

	got, err := DataDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
	_, err = os.Stat(dir)
	assert.NoError(t, err)

	s := Default()
	path, err := s.DatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "collector.db"), path)
}

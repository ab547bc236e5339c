// Package ssh builds the local ssh and telnet client processes the collector
// drives through a pseudo-terminal.
package ssh

import (
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Connection holds the values substituted into a client command template.
type Connection struct {
	Hostname string
	Username string
	Port     int
}

// Expand substitutes the USER, HOST and PORT placeholders in template verbatim.
func Expand(template string, conn Connection) string {
	r := strings.NewReplacer(
		"USER", conn.Username,
		"HOST", conn.Hostname,
		"PORT", strconv.Itoa(conn.Port),
	)
	return r.Replace(template)
}

// Command expands template into a client process ready to be started on a pty.
// Templates are split on whitespace; quoted arguments are not supported.
func Command(template string, conn Connection) (*exec.Cmd, error) {
	args := strings.Fields(Expand(template, conn))
	if len(args) == 0 {
		return nil, errors.New("client command template is empty")
	}
	if !HasTool(args[0]) {
		return nil, errors.Errorf("%s not found in PATH", args[0])
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = clientEnv()
	return cmd, nil
}

// clientEnv is the caller's environment with TERM taken from
// SSHCOLLECTOR_SSH_TERM, then TERM.
func clientEnv() []string {
	env := os.Environ()

	term := os.Getenv("SSHCOLLECTOR_SSH_TERM")
	if term == "" {
		term = os.Getenv("TERM")
	}
	if term == "" || term == "xterm-ghostty" {
		// Network gear rarely knows modern terminfo entries.
		term = "vt100"
	}
	return setEnv(env, "TERM", term)
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

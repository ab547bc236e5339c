package expect

import (
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// OpenShell requests a pty and an interactive shell on client. Closing the
// channel ends the session and the client connection.
func OpenShell(client *ssh.Client, term string) (*StreamChannel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ssh session")
	}
	if term == "" {
		term = "vt100"
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
	if err := session.RequestPty(term, 24, 200, modes); err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to request pty")
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to open session stdin")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to open session stdout")
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to open session stderr")
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to start remote shell")
	}

	closeFn := func() error {
		_ = stdin.Close()
		_ = session.Close()
		return client.Close()
	}
	return NewStreamChannel(io.MultiReader(stdout, stderr), stdin, closeFn), nil
}

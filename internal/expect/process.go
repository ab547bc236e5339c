package expect

import (
	"os/exec"

	"github.com/creack/pty"
	"github.com/pkg/errors"
)

// StartProcess runs cmd on a new pseudo-terminal and returns a channel over
// its output. Closing the channel kills the process.
func StartProcess(cmd *exec.Cmd) (*StreamChannel, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 200})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", cmd.Path)
	}
	closeFn := func() error {
		_ = f.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		// The exit status of a killed client is not interesting.
		_ = cmd.Wait()
		return nil
	}
	return NewStreamChannel(f, f, closeFn), nil
}

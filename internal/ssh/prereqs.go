package ssh

import (
	"os/exec"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// RequiredTools lists the client binaries the process spawner can launch.
var RequiredTools = []string{"ssh", "telnet"}

// HasTool reports whether name resolves on PATH.
func HasTool(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// CheckPrereqs verifies that the given client tools (RequiredTools when none
// are named) are available in PATH. The error carries installation hints for
// the current platform.
func CheckPrereqs(tools ...string) error {
	if len(tools) == 0 {
		tools = RequiredTools
	}
	var missing []string
	for _, tool := range tools {
		if !HasTool(tool) {
			missing = append(missing, tool)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	var instructions string
	switch runtime.GOOS {
	case "windows":
		instructions = `On Windows, install OpenSSH:
  1. Open Settings > Apps > Optional Features
  2. Click "Add a feature"
  3. Find and install "OpenSSH Client"

Telnet is available as the optional "Telnet Client" feature.`
	case "darwin":
		instructions = `OpenSSH should be pre-installed on macOS. Check your PATH.
Telnet can be installed with: brew install telnet`
	default:
		instructions = `Install the clients using your package manager:
  Ubuntu/Debian: sudo apt install openssh-client telnet
  Fedora/RHEL:   sudo dnf install openssh-clients telnet
  Arch:          sudo pacman -S openssh inetutils`
	}

	return errors.Errorf("missing required tools: %s\n\n%s",
		strings.Join(missing, ", "), instructions)
}

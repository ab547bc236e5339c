package tunnel

import "github.com/pkg/errors"

var (
	// ErrConfig marks missing or incomplete jump server settings.
	ErrConfig = errors.New("jump server configuration error")
	// ErrAuthentication marks rejected credentials, unusable keys and host key mismatches.
	ErrAuthentication = errors.New("ssh authentication failed")
	// ErrHostKeyMismatch is the ErrAuthentication case that a new password cannot fix.
	ErrHostKeyMismatch = errors.Wrap(ErrAuthentication, "host key mismatch")
	// ErrConnectivity marks unreachable hosts and refused connections.
	ErrConnectivity = errors.New("ssh host unreachable")
	// ErrTransport wraps every other transport fault.
	ErrTransport = errors.New("ssh transport failure")
)

package session

import "github.com/pkg/errors"

var (
	// ErrPromptDetection means no shell prompt was seen after login; the
	// session position is unknown.
	ErrPromptDetection = errors.New("could not detect prompt")
	// ErrProtocol marks an expect result outside the anticipated outcomes.
	ErrProtocol = errors.New("unexpected response from channel")
	// ErrNotConnected is returned when the live prompt does not answer for a host.
	ErrNotConnected = errors.New("not connected")
	// ErrCommandRejected is returned for commands outside the show gate.
	ErrCommandRejected = errors.New("command rejected")
	// ErrCommandTimeout is returned when a command's output never ends in the prompt.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrJumpServer means a jump server in the login path could not be reached.
	ErrJumpServer = errors.New("jump server connection unsuccessful")
)

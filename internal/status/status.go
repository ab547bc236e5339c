package status

// ConnectionStatus is the terminal outcome of a connection attempt or rollback.
// Callers branch on this value only, never on raw device output.
type ConnectionStatus int

const (
	Unknown ConnectionStatus = iota
	Success
	PrivilegeMode
	EnableMode
	ConfigMode
	UsernamePromptDetected
	PasswordPromptDetected
	Failed
	Fallback
	AuthenticationIssue
)

var statusNames = map[ConnectionStatus]string{
	Unknown:                "UNKNOWN",
	Success:                "SUCCESS",
	PrivilegeMode:          "PRIVILEGE_MODE",
	EnableMode:             "ENABLE_MODE",
	ConfigMode:             "CONFIG_MODE",
	UsernamePromptDetected: "USERNAME_PROMPT_DETECTED",
	PasswordPromptDetected: "PASSWORD_PROMPT_DETECTED",
	Failed:                 "FAILED",
	Fallback:               "FALLBACK",
	AuthenticationIssue:    "AUTHENTICATION_ISSUE",
}

func (s ConnectionStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Connected reports whether the status leaves the session at a usable shell prompt.
func (s ConnectionStatus) Connected() bool {
	return s == Success || s == PrivilegeMode
}

// NeedsFallback reports whether a login ending in s must be rolled back to the
// last known-good jump host.
func (s ConnectionStatus) NeedsFallback() bool {
	return !s.Connected()
}

// LoginStage tracks where a login handshake currently is. It never escapes the
// login state machine; the final result is always a ConnectionStatus.
type LoginStage int

const (
	StageAwaitingResponse LoginStage = iota
	StageUsernameSent
	StagePasswordSent
	StageResetPasswordPending
	StageDone
)

func (s LoginStage) String() string {
	switch s {
	case StageAwaitingResponse:
		return "awaiting-response"
	case StageUsernameSent:
		return "username-sent"
	case StagePasswordSent:
		return "password-sent"
	case StageResetPasswordPending:
		return "reset-password-pending"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

package session

import (
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Vansh-Raja/SSHCollector/internal/expect"
	"github.com/Vansh-Raja/SSHCollector/internal/status"
)

// promptDetectAttempts is the total number of blank lines sent while
// looking for the shell prompt.
const promptDetectAttempts = 3

// LoginCredentials are fetched lazily, only when the device asks.
type LoginCredentials struct {
	Username func() (string, error)
	// Password with reset set must return a freshly obtained password.
	Password func(reset bool) (string, error)
}

// StaticCredentials always answers with the given values. A reset goes to
// onReset when set and returns password otherwise.
func StaticCredentials(username, password string, onReset func() (string, error)) LoginCredentials {
	return LoginCredentials{
		Username: func() (string, error) { return username, nil },
		Password: func(reset bool) (string, error) {
			if reset && onReset != nil {
				return onReset()
			}
			return password, nil
		},
	}
}

// TerminalSession drives one interactive channel through login and keeps
// the pattern of the prompt it is sitting at.
type TerminalSession struct {
	ch      expect.Channel
	matcher expect.PromptMatcher
	timeout time.Duration

	prompt *regexp.Regexp
	stage  status.LoginStage
}

func newTerminalSession(ch expect.Channel, timeout time.Duration) *TerminalSession {
	if timeout <= 0 {
		timeout = expect.DefaultTimeout
	}
	return &TerminalSession{ch: ch, timeout: timeout}
}

// Prompt is the live prompt pattern, nil before PromptDetect succeeds.
func (s *TerminalSession) Prompt() *regexp.Regexp {
	return s.prompt
}

// Stage is where the last Login stopped.
func (s *TerminalSession) Stage() status.LoginStage {
	return s.stage
}

func (s *TerminalSession) setPrompt(p *regexp.Regexp) {
	s.prompt = p
}

// Login waits for the first response and answers username and password
// prompts until a shell prompt appears. Every wait counts against maxRetry.
// A permission denied is answered once with a reset password; a second one,
// or a host key mismatch, is an authentication issue.
func (s *TerminalSession) Login(host string, creds LoginCredentials, expected *regexp.Regexp, timeout time.Duration, maxRetry int) (status.ConnectionStatus, error) {
	if timeout <= 0 {
		timeout = s.timeout
	}
	s.stage = status.StageAwaitingResponse
	exchanged := false
	denied := 0
	var password string
	havePassword := false

	for wait := 0; wait <= maxRetry; wait++ {
		if wait > 0 {
			log.Debugf("Login to %s (%d out of %d)...", host, wait, maxRetry)
		}
		outcome, res, err := s.matcher.Expect(s.ch, expected, timeout)
		if errors.Is(err, expect.ErrUnexpectedMatch) {
			s.stage = status.StageDone
			return status.Unknown, errors.Wrapf(ErrProtocol, "login to %s: %v", host, err)
		}
		if err != nil {
			s.stage = status.StageDone
			return status.Failed, errors.Wrapf(err, "login to %s", host)
		}

		switch outcome {
		case expect.OutcomeInterest, expect.OutcomeNormalPrompt:
			log.Debugf("Prompt returned for %s", host)
			s.stage = status.StageDone
			return status.Success, nil

		case expect.OutcomePrivilegedPrompt:
			s.stage = status.StageDone
			if exchanged {
				return status.Success, nil
			}
			log.Warnf("Privilege mode prompt received from %s without login", host)
			return status.PrivilegeMode, nil

		case expect.OutcomeUsernamePrompt:
			user, err := creds.Username()
			if err != nil {
				return status.Failed, errors.Wrapf(err, "username for %s", host)
			}
			log.Debugf("Username line detected, sending username %s", user)
			if err := s.ch.SendLine(user); err != nil {
				return status.Failed, err
			}
			exchanged = true
			s.stage = status.StageUsernameSent

		case expect.OutcomePasswordPrompt:
			if !havePassword {
				password, err = creds.Password(false)
				if err != nil {
					return status.Failed, errors.Wrapf(err, "password for %s", host)
				}
				havePassword = true
			}
			log.Debugf("Password line detected, sending password")
			if err := s.ch.SendLine(password); err != nil {
				return status.Failed, err
			}
			exchanged = true
			s.stage = status.StagePasswordSent

		case expect.OutcomePermissionDenied:
			denied++
			if denied > 1 {
				log.Errorf("Authentication issue for %s", host)
				s.stage = status.StageDone
				return status.AuthenticationIssue, nil
			}
			log.Errorf("Authentication issue for %s, requesting new password", host)
			password, err = creds.Password(true)
			if err != nil {
				return status.AuthenticationIssue, errors.Wrapf(err, "password reset for %s", host)
			}
			havePassword = true
			s.stage = status.StageResetPasswordPending

		case expect.OutcomeHostKeyMismatch:
			log.Errorf("RSA key seems not matching, make sure the correct key is known for %s!", host)
			s.stage = status.StageDone
			return status.AuthenticationIssue, nil

		case expect.OutcomeConnectionRefused:
			log.Errorf("Connection refused by %s", host)
			s.stage = status.StageDone
			return status.Failed, nil

		case expect.OutcomeTimeout, expect.OutcomeEOF:
			log.Errorf("Connection to %s ended during login (%s): %q", host, outcome, res.Before)
			s.stage = status.StageDone
			return status.Failed, nil

		default:
			s.stage = status.StageDone
			return status.Unknown, errors.Wrapf(ErrProtocol, "login to %s: outcome %s", host, outcome)
		}
	}

	log.Errorf("Login to %s did not complete within %d attempts", host, maxRetry)
	s.stage = status.StageDone
	return status.Failed, nil
}

// PromptDetect sends a blank line and waits for expected or any shell
// prompt, resending on timeout. The last line of the match becomes the live
// prompt, quoted literally.
func (s *TerminalSession) PromptDetect(host string, expected *regexp.Regexp) error {
	log.Debugf("Trying to receive prompt on %s (%v)...", host, expected)
	if err := s.ch.SendLine(""); err != nil {
		return errors.Wrapf(ErrPromptDetection, "%s: %v", host, err)
	}

	for attempt := 1; attempt <= promptDetectAttempts; attempt++ {
		outcome, res, err := s.matcher.Expect(s.ch, expected, s.timeout)
		if errors.Is(err, expect.ErrUnexpectedMatch) {
			return errors.Wrapf(ErrProtocol, "prompt of %s: %v", host, err)
		}
		if err != nil {
			return errors.Wrapf(ErrPromptDetection, "%s: %v", host, err)
		}
		switch outcome {
		case expect.OutcomeInterest, expect.OutcomePrivilegedPrompt, expect.OutcomeNormalPrompt:
			prompt := lastLine(res.After)
			if prompt == "" {
				return errors.Wrapf(ErrPromptDetection, "%s: empty prompt", host)
			}
			s.prompt = regexp.MustCompile(regexp.QuoteMeta(prompt))
			log.Debugf("Detected prompt '%s'", prompt)
			return nil
		case expect.OutcomeTimeout:
			log.Debugf("Prompt detection timed out, retry (%d out of %d)", attempt, promptDetectAttempts)
			if attempt < promptDetectAttempts {
				if err := s.ch.SendLine(""); err != nil {
					return errors.Wrapf(ErrPromptDetection, "%s: %v", host, err)
				}
			}
		default:
			return errors.Wrapf(ErrPromptDetection, "%s: %s while waiting for prompt", host, outcome)
		}
	}
	return errors.Wrapf(ErrPromptDetection, "%s: no prompt after %d attempts", host, promptDetectAttempts)
}

func lastLine(text string) string {
	text = strings.TrimRight(text, "\r\n")
	if i := strings.LastIndexAny(text, "\r\n"); i >= 0 {
		text = text[i+1:]
	}
	return strings.TrimSpace(text)
}

package expect

import (
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// Outcome is the tagged result of a PromptMatcher wait. Every caller switches
// on it instead of inspecting pattern indices or raw text.
type Outcome int

const (
	OutcomeInterest Outcome = iota
	OutcomeTimeout
	OutcomeEOF
	OutcomeUsernamePrompt
	OutcomePasswordPrompt
	OutcomePrivilegedPrompt
	OutcomeNormalPrompt
	OutcomePermissionDenied
	OutcomeConnectionRefused
	OutcomeHostKeyMismatch
	// OutcomeUnexpected is returned with ErrUnexpectedMatch when a channel
	// reports a match no pattern accounts for.
	OutcomeUnexpected
)

// ErrUnexpectedMatch means the channel answered outside the patterns it was
// given. Callers treat it as a protocol violation, never as a timeout.
var ErrUnexpectedMatch = errors.New("unexpected match")

func (o Outcome) String() string {
	switch o {
	case OutcomeInterest:
		return "interest"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeEOF:
		return "eof"
	case OutcomeUsernamePrompt:
		return "username-prompt"
	case OutcomePasswordPrompt:
		return "password-prompt"
	case OutcomePrivilegedPrompt:
		return "privileged-prompt"
	case OutcomeNormalPrompt:
		return "normal-prompt"
	case OutcomePermissionDenied:
		return "permission-denied"
	case OutcomeConnectionRefused:
		return "connection-refused"
	case OutcomeHostKeyMismatch:
		return "host-key-mismatch"
	case OutcomeUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

var (
	UsernamePrompt    = regexp.MustCompile(`[Uu]sername:`)
	PasswordPrompt    = regexp.MustCompile(`[Pp]assword:`)
	PrivilegedPrompt  = regexp.MustCompile(`\w+#`)
	NormalPrompt      = regexp.MustCompile(`\w+>`)
	PermissionDenied  = regexp.MustCompile(`Permission denied`)
	ConnectionRefused = regexp.MustCompile(`Connection refused`)
	HostKeyMismatch   = regexp.MustCompile(`Offending RSA key`)
)

// standard lists the fixed patterns in match priority order, paired with the
// outcome each one maps to.
var standard = []struct {
	pattern *regexp.Regexp
	outcome Outcome
}{
	{UsernamePrompt, OutcomeUsernamePrompt},
	{PasswordPrompt, OutcomePasswordPrompt},
	{PrivilegedPrompt, OutcomePrivilegedPrompt},
	{NormalPrompt, OutcomeNormalPrompt},
	{PermissionDenied, OutcomePermissionDenied},
	{ConnectionRefused, OutcomeConnectionRefused},
	{HostKeyMismatch, OutcomeHostKeyMismatch},
}

// PromptMatcher combines a caller's pattern of interest with the fixed set of
// login and failure patterns.
type PromptMatcher struct{}

// Expect waits on ch for interest or any standard pattern. interest may be nil.
func (PromptMatcher) Expect(ch Channel, interest *regexp.Regexp, timeout time.Duration) (Outcome, Result, error) {
	patterns := make([]*regexp.Regexp, 0, len(standard)+1)
	outcomes := make([]Outcome, 0, len(standard)+1)
	if interest != nil {
		patterns = append(patterns, interest)
		outcomes = append(outcomes, OutcomeInterest)
	}
	for _, s := range standard {
		patterns = append(patterns, s.pattern)
		outcomes = append(outcomes, s.outcome)
	}
	return expectAndMap(ch, patterns, outcomes, timeout)
}

// ExpectOnly waits for pattern alone. The outcome is OutcomeInterest,
// OutcomeTimeout or OutcomeEOF.
func (PromptMatcher) ExpectOnly(ch Channel, pattern *regexp.Regexp, timeout time.Duration) (Outcome, Result, error) {
	if pattern == nil {
		return OutcomeTimeout, Result{}, errors.New("no pattern to expect")
	}
	return expectAndMap(ch, []*regexp.Regexp{pattern}, []Outcome{OutcomeInterest}, timeout)
}

func expectAndMap(ch Channel, patterns []*regexp.Regexp, outcomes []Outcome, timeout time.Duration) (Outcome, Result, error) {
	res, err := ch.Expect(patterns, timeout)
	if err != nil {
		return OutcomeEOF, res, err
	}
	switch res.Kind {
	case Timeout:
		return OutcomeTimeout, res, nil
	case EOF:
		return OutcomeEOF, res, nil
	case Matched:
		if res.Index < 0 || res.Index >= len(outcomes) {
			return OutcomeUnexpected, res, errors.Wrapf(ErrUnexpectedMatch, "match index %d outside %d expected patterns", res.Index, len(outcomes))
		}
		return outcomes[res.Index], res, nil
	default:
		return OutcomeUnexpected, res, errors.Wrapf(ErrUnexpectedMatch, "result kind %s", res.Kind)
	}
}

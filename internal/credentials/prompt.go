package credentials

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

// Prompter asks the operator for a value.
type Prompter interface {
	Prompt(label string, secret bool) (string, error)
}

// TerminalPrompter reads from stdin, hiding secrets when stdin is a terminal.
type TerminalPrompter struct {
	in  *os.File
	out io.Writer
	r   *bufio.Reader
}

func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{in: os.Stdin, out: os.Stderr, r: bufio.NewReader(os.Stdin)}
}

func (p *TerminalPrompter) Prompt(label string, secret bool) (string, error) {
	fmt.Fprint(p.out, label)
	if secret && term.IsTerminal(int(p.in.Fd())) {
		b, err := term.ReadPassword(int(p.in.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return "", errors.Wrap(err, "failed to read password")
		}
		return string(b), nil
	}
	line, err := p.r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", errors.Wrap(err, "failed to read input")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

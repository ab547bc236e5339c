package tunnel

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ServerSettings is the per jump host record a JumpChain is built from.
type ServerSettings struct {
	ConnectionType string
	// Hostname is the address to dial. Empty means the path entry name.
	Hostname       string
	Username       string
	Password       string
	KeyFile        string
	Port           int
	KnownHostsFile string
}

// Address returns the host to dial for the path entry name.
func (s ServerSettings) Address(name string) string {
	if s.Hostname != "" {
		return s.Hostname
	}
	return name
}

// Missing lists the required fields that are not set. A hop needs a
// connection type, a username, a port and at least one of password or key file.
func (s ServerSettings) Missing() []string {
	var missing []string
	if strings.TrimSpace(s.ConnectionType) == "" {
		missing = append(missing, "connection_type")
	}
	if strings.TrimSpace(s.Username) == "" {
		missing = append(missing, "username")
	}
	if s.Password == "" && strings.TrimSpace(s.KeyFile) == "" {
		missing = append(missing, "password|rsa_key_file")
	}
	if s.Port <= 0 || s.Port > 65535 {
		missing = append(missing, "port")
	}
	return missing
}

func validate(path []string, servers map[string]ServerSettings) error {
	if len(path) == 0 {
		return errors.Wrap(ErrConfig, "jump path is empty")
	}
	var problems []string
	for _, name := range path {
		s, ok := servers[name]
		if !ok {
			problems = append(problems, name+": no settings")
			continue
		}
		if missing := s.Missing(); len(missing) > 0 {
			problems = append(problems, name+": missing "+strings.Join(missing, ", "))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.Wrap(ErrConfig, strings.Join(problems, "; "))
}

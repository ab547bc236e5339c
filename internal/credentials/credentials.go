// Package credentials supplies device usernames and passwords. Usernames come
// from a YAML credentials file, passwords from the secure store, and anything
// missing is asked for on the terminal.
package credentials

import (
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Vansh-Raja/SSHCollector/internal/securestore"
)

// PasswordFixed is the only password type currently understood.
const PasswordFixed = "fixed"

// Provider is what the session layer asks for credentials.
type Provider interface {
	Username(host string) (string, error)
	// Password returns the password for username on host. reset discards any
	// stored value and asks again.
	Password(host, username string, reset bool) (string, error)
	PasswordType(host string) string
}

// Entry is the credential record of one host.
type Entry struct {
	Username     string `yaml:"username"`
	PasswordType string `yaml:"password_type"`
}

// File is the credentials file.
type File struct {
	Default Entry            `yaml:"default"`
	Hosts   map[string]Entry `yaml:"hosts"`
}

// LoadFile reads a credentials file.
func LoadFile(path string) (File, error) {
	var f File
	b, err := os.ReadFile(path)
	if err != nil {
		return f, errors.Wrap(err, "failed to read credentials file")
	}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return f, errors.Wrap(err, "failed to parse credentials file")
	}
	return f, nil
}

// SecretStore persists passwords between runs.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

type keyringStore struct{}

func (keyringStore) Get(key string) (string, error) { return securestore.Get(key) }
func (keyringStore) Set(key, value string) error    { return securestore.Set(key, value) }

// Option customises a Manager.
type Option func(*Manager)

// WithPrompter replaces the terminal prompter.
func WithPrompter(p Prompter) Option {
	return func(m *Manager) { m.prompter = p }
}

// WithStore replaces the OS keyring backed store.
func WithStore(s SecretStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithReset makes the first lookup of every password ignore stored values.
func WithReset(reset bool) Option {
	return func(m *Manager) { m.forceReset = reset }
}

// Manager implements Provider.
type Manager struct {
	file       File
	prompter   Prompter
	store      SecretStore
	forceReset bool

	mu        sync.Mutex
	usernames map[string]string
	passwords map[string]string
	refreshed map[string]bool
}

func NewManager(file File, opts ...Option) *Manager {
	m := &Manager{
		file:      file,
		prompter:  NewTerminalPrompter(),
		store:     keyringStore{},
		usernames: make(map[string]string),
		passwords: make(map[string]string),
		refreshed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) entry(host string) (Entry, bool) {
	e, ok := m.file.Hosts[host]
	return e, ok
}

func (m *Manager) Username(host string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.usernames[host]; ok {
		return u, nil
	}
	u := m.file.Default.Username
	if e, ok := m.entry(host); ok && e.Username != "" {
		u = e.Username
	}
	if u == "" {
		var err error
		u, err = m.prompter.Prompt("Username for "+host+": ", false)
		if err != nil {
			return "", errors.Wrapf(err, "no username for %s", host)
		}
		u = strings.TrimSpace(u)
		if u == "" {
			return "", errors.Errorf("no username for %s", host)
		}
	}
	m.usernames[host] = u
	return u, nil
}

// secretKey groups hosts without their own entry under the default record,
// so one prompt serves all of them.
func (m *Manager) secretKey(host, username string) string {
	if _, ok := m.entry(host); ok {
		return "password:" + host + ":" + username
	}
	return "password:*:" + username
}

func (m *Manager) Password(host, username string, reset bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.secretKey(host, username)
	if m.forceReset && !m.refreshed[key] {
		reset = true
	}

	if !reset {
		if p, ok := m.passwords[key]; ok {
			return p, nil
		}
		if p, err := m.store.Get(key); err == nil && p != "" {
			m.passwords[key] = p
			return p, nil
		} else if err != nil && !errors.Is(err, securestore.ErrNotFound) {
			log.Debugf("Stored password for %s unavailable: %v", host, err)
		}
	} else {
		log.Infof("Requesting new password for %s@%s", username, host)
	}

	p, err := m.prompter.Prompt("Password for "+username+"@"+host+": ", true)
	if err != nil {
		return "", errors.Wrapf(err, "no password for %s@%s", username, host)
	}
	m.passwords[key] = p
	m.refreshed[key] = true
	if err := m.store.Set(key, p); err != nil {
		log.Warnf("Could not store password for %s@%s: %v", username, host, err)
	}
	return p, nil
}

func (m *Manager) PasswordType(host string) string {
	if e, ok := m.entry(host); ok && e.PasswordType != "" {
		return strings.ToLower(e.PasswordType)
	}
	if m.file.Default.PasswordType != "" {
		return strings.ToLower(m.file.Default.PasswordType)
	}
	return PasswordFixed
}

// Package unlock caches the database passphrase for a limited time so
// repeated collection runs do not prompt for it.
package unlock

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Vansh-Raja/SSHCollector/internal/securestore"
)

// DefaultTTL applies when Save is given a non-positive ttl.
const DefaultTTL = 15 * time.Minute

const recordVersion = 1

// Session is a cached passphrase and its expiry. The zero value means
// nothing is cached.
type Session struct {
	Version   int       `json:"version"`
	ExpiresAt time.Time `json:"expires_at"`
	Secret    string    `json:"secret"`
}

// Active reports whether s holds a secret that has not expired at now.
func (s Session) Active(now time.Time) bool {
	return s.Secret != "" && now.Before(s.ExpiresAt)
}

func Save(secret string, ttl time.Duration) error {
	s := Session{Version: recordVersion, Secret: strings.TrimSpace(secret)}
	if s.Secret == "" {
		return errors.New("missing session secret")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.ExpiresAt = time.Now().UTC().Add(ttl)
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return errors.Wrap(securestore.StoreSessionUnlock(string(b)), "store unlock session")
}

// Load returns the cached session. An expired session is removed and
// returned with its expiry so callers can report it.
func Load() (Session, error) {
	raw, err := securestore.LoadSessionUnlock()
	switch {
	case errors.Is(err, securestore.ErrNotFound):
		return Session{}, nil
	case err != nil:
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Session{}, errors.Wrap(err, "corrupt session cache")
	}
	if !s.Active(time.Now()) {
		_ = securestore.ClearSessionUnlock()
		return Session{ExpiresAt: s.ExpiresAt}, nil
	}
	return s, nil
}

func Clear() error {
	return securestore.ClearSessionUnlock()
}

package securestore

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/zalando/go-keyring"
)

const (
	serviceName          = "sshcollector"
	vaultUnlockCacheUser = "session-unlock-cache-v1"
)

// ErrNotFound is returned when no secret is stored under a key.
var ErrNotFound = errors.New("secret not found")

// disableKeyringEnv forces the file store, for hosts without a secret service.
const disableKeyringEnv = "SSHCOLLECTOR_NO_KEYRING"

func keyringDisabled() bool {
	return os.Getenv(disableKeyringEnv) != ""
}

// Get returns the secret stored for user, preferring the OS keyring.
func Get(user string) (string, error) {
	if !keyringDisabled() {
		v, err := keyring.Get(serviceName, user)
		if err == nil {
			return v, nil
		}
		if err != keyring.ErrNotFound {
			log.Debugf("Keyring unavailable, using file store: %v", err)
		}
	}
	vault, err := openVault()
	if err != nil {
		return "", err
	}
	return vault.Get(serviceName, user)
}

// Set stores value for user in the OS keyring, or the file store when the
// keyring cannot be used.
func Set(user, value string) error {
	if !keyringDisabled() {
		err := keyring.Set(serviceName, user, value)
		if err == nil {
			return nil
		}
		log.Debugf("Keyring unavailable, using file store: %v", err)
	}
	vault, err := openVault()
	if err != nil {
		return err
	}
	return vault.Set(serviceName, user, value)
}

// Delete removes user from both stores. Missing entries are not an error.
func Delete(user string) error {
	if !keyringDisabled() {
		if err := keyring.Delete(serviceName, user); err != nil && err != keyring.ErrNotFound {
			log.Debugf("Keyring delete failed: %v", err)
		}
	}
	vault, err := openVault()
	if err != nil {
		return err
	}
	if err := vault.Delete(serviceName, user); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func StoreSessionUnlock(value string) error {
	return Set(vaultUnlockCacheUser, value)
}

func LoadSessionUnlock() (string, error) {
	return Get(vaultUnlockCacheUser)
}

func ClearSessionUnlock() error {
	return Delete(vaultUnlockCacheUser)
}

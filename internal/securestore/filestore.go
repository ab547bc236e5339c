package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Vansh-Raja/SSHCollector/internal/config"
	"github.com/Vansh-Raja/SSHCollector/internal/crypto"
)

const (
	vaultFileName = "keystore.json"
	vaultKeyName  = "keystore.key"
)

// vaultFile is the fallback for hosts without a usable keyring. Values are
// sealed with a random key stored beside the JSON file, both mode 0600.
type vaultFile struct {
	mu  sync.Mutex
	dir string
}

type vaultContents struct {
	Entries map[string]string `json:"entries"`
}

var (
	vaultsMu sync.Mutex
	vaults   = map[string]*vaultFile{}
)

// openVault returns the vault for the current data directory. One instance
// exists per directory so concurrent writers share a lock.
func openVault() (*vaultFile, error) {
	dir, err := config.DataDir()
	if err != nil {
		return nil, err
	}
	vaultsMu.Lock()
	defer vaultsMu.Unlock()
	if v, ok := vaults[dir]; ok {
		return v, nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}
	v := &vaultFile{dir: dir}
	vaults[dir] = v
	return v, nil
}

func entryName(service, user string) string { return service + ":" + user }

func (v *vaultFile) sealer() (*crypto.Sealer, error) {
	keyPath := filepath.Join(v.dir, vaultKeyName)
	key, err := os.ReadFile(keyPath)
	switch {
	case err == nil && len(key) == crypto.KeySize:
	case err == nil:
		return nil, errors.Errorf("vault key %s has %d bytes, want %d", keyPath, len(key), crypto.KeySize)
	case os.IsNotExist(err):
		if key, err = crypto.RandomBytes(crypto.KeySize); err != nil {
			return nil, err
		}
		if err := os.WriteFile(keyPath, key, 0600); err != nil {
			return nil, errors.Wrap(err, "write vault key")
		}
	default:
		return nil, errors.Wrap(err, "read vault key")
	}
	return crypto.NewSealer(key)
}

func (v *vaultFile) read() (map[string]string, error) {
	raw, err := os.ReadFile(filepath.Join(v.dir, vaultFileName))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read vault")
	}
	var c vaultContents
	if err := json.Unmarshal(raw, &c); err != nil {
		log.Warnf("Vault file is unreadable, starting empty: %v", err)
		return map[string]string{}, nil
	}
	if c.Entries == nil {
		c.Entries = map[string]string{}
	}
	return c.Entries, nil
}

func (v *vaultFile) write(entries map[string]string) error {
	raw, err := json.MarshalIndent(vaultContents{Entries: entries}, "", "  ")
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(filepath.Join(v.dir, vaultFileName), raw, 0600), "write vault")
}

func (v *vaultFile) Get(service, user string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := v.read()
	if err != nil {
		return "", err
	}
	sealed, ok := entries[entryName(service, user)]
	if !ok {
		return "", ErrNotFound
	}
	s, err := v.sealer()
	if err != nil {
		return "", err
	}
	plain, err := s.Open(sealed)
	if err != nil {
		return "", errors.Wrap(err, "decrypt stored secret")
	}
	return string(plain), nil
}

func (v *vaultFile) Set(service, user, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := v.read()
	if err != nil {
		return err
	}
	s, err := v.sealer()
	if err != nil {
		return err
	}
	if entries[entryName(service, user)], err = s.Seal([]byte(value)); err != nil {
		return err
	}
	return v.write(entries)
}

func (v *vaultFile) Delete(service, user string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := v.read()
	if err != nil {
		return err
	}
	name := entryName(service, user)
	if _, ok := entries[name]; !ok {
		return ErrNotFound
	}
	delete(entries, name)
	return v.write(entries)
}

// Package credential resolves account secrets kept in the OS keyring,
// so configuration files can reference a password instead of embedding it.
package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/99designs/keyring"
)

const ServiceName = "mcp-email-server"

// ErrNotFound is returned when the keyring has no item for a key.
var ErrNotFound = errors.New("credential not found")

// Opener opens a keyring lazily, on the first lookup.
type Opener func() (keyring.Keyring, error)

// Store reads and writes secrets by key.
type Store struct {
	open Opener

	once sync.Once
	ring keyring.Keyring
	err  error
}

// NewStore returns a Store backed by the keyring returned by open.
func NewStore(open Opener) *Store {
	return &Store{open: open}
}

// NewSystemStore returns a Store using the platform keyring and falling back
// to an encrypted file under the user config dir.
func NewSystemStore() *Store {
	return NewStore(openSystemKeyring)
}

func openSystemKeyring() (keyring.Keyring, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "~/.config"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dir, ServiceName, "credentials"),
		FilePasswordFunc:         filePassword,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// filePassword unlocks the file backend with MCP_EMAIL_SERVER_KEYRING_PASSWORD.
func filePassword(string) (string, error) {
	if v, ok := os.LookupEnv("MCP_EMAIL_SERVER_KEYRING_PASSWORD"); ok {
		return v, nil
	}
	return "", errors.New("MCP_EMAIL_SERVER_KEYRING_PASSWORD is not set")
}

func (s *Store) keyring() (keyring.Keyring, error) {
	s.once.Do(func() {
		s.ring, s.err = s.open()
	})
	return s.ring, s.err
}

// Get retrieves a secret by key.
func (s *Store) Get(key string) (string, error) {
	ring, err := s.keyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a secret by key.
func (s *Store) Set(key, value string) error {
	ring, err := s.keyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: ServiceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a secret by key.
func (s *Store) Delete(key string) error {
	ring, err := s.keyring()
	if err != nil {
		return err
	}

	if err = ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

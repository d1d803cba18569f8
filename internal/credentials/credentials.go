// Package credentials stores operator secrets (provider API keys and
// passwords) outside the configuration file.
package credentials

import (
	"errors"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// ServiceName is the keyring service secrets are stored under
const ServiceName = "inboxgrove"

var ErrNotFound = errors.New("secret not found")

// Store holds named secrets
type Store interface {
	Set(name, secret string) error
	Get(name string) (string, error)
	Delete(name string) error
}

// DefaultStore returns the store backed by the OS keychain
func DefaultStore() Store {
	return NewKeyringStore(ServiceName)
}

// NormalizeName lowercases and trims a secret name
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// KeyringStore keeps secrets in the OS keychain
type KeyringStore struct {
	serviceName string
}

func NewKeyringStore(serviceName string) *KeyringStore {
	if serviceName == "" {
		serviceName = ServiceName
	}
	return &KeyringStore{serviceName: serviceName}
}

func (k *KeyringStore) Set(name, secret string) error {
	return keyring.Set(k.serviceName, NormalizeName(name), secret)
}

func (k *KeyringStore) Get(name string) (string, error) {
	secret, err := keyring.Get(k.serviceName, NormalizeName(name))
	if err == nil {
		return secret, nil
	}
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return "", err
}

func (k *KeyringStore) Delete(name string) error {
	err := keyring.Delete(k.serviceName, NormalizeName(name))
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// MemoryStore is an in-memory store for tests and keyring-less hosts
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

func (m *MemoryStore) Set(name, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[NormalizeName(name)] = secret
	return nil
}

func (m *MemoryStore) Get(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.secrets[NormalizeName(name)]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

func (m *MemoryStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeName(name)
	if _, ok := m.secrets[key]; !ok {
		return ErrNotFound
	}
	delete(m.secrets, key)
	return nil
}

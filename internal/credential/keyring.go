package credential

import (
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "mailsync"

// refPrefix marks a config value that names a keyring entry instead of
// holding the secret itself.
const refPrefix = "keyring:"

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailsync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Resolver looks secrets up by key. Ring is the default implementation.
type Resolver interface {
	Get(key string) (string, error)
}

// Ring resolves secrets from the system keyring.
type Ring struct{}

// Get retrieves a credential value by key from the system keyring.
func (Ring) Get(key string) (string, error) {
	return Get(key)
}

// IsRef reports whether value is a keyring reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, refPrefix)
}

// Resolve returns value unchanged unless it is a "keyring:<key>"
// reference, in which case the secret stored under key is returned.
func Resolve(r Resolver, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	key := strings.TrimSpace(strings.TrimPrefix(value, refPrefix))
	if key == "" {
		return "", fmt.Errorf("empty keyring reference")
	}
	return r.Get(key)
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

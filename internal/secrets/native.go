package secrets

import (
	"errors"
	"fmt"

	gokeyring "github.com/zalando/go-keyring"
)

// NativeSource stores the master key through the OS credential store
// directly (Keychain, Secret Service over D-Bus, Windows Credential Manager)
// without the file fallback of KeyringSource.
type NativeSource struct {
	service string
}

// NewNativeSource creates a native key source for the given service name.
func NewNativeSource(service string) *NativeSource {
	return &NativeSource{service: service}
}

// Key returns the stored master key, generating and storing one on first use.
func (s *NativeSource) Key() ([]byte, error) {
	encoded, err := gokeyring.Get(s.service, MasterKeyName)
	if err == nil {
		return decodeKey(encoded)
	}
	if !errors.Is(err, gokeyring.ErrNotFound) {
		return nil, fmt.Errorf("keychain get: %w", err)
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	if err := gokeyring.Set(s.service, MasterKeyName, encodeKey(key)); err != nil {
		return nil, fmt.Errorf("keychain set: %w", err)
	}

	encoded, err = gokeyring.Get(s.service, MasterKeyName)
	if err != nil {
		return nil, fmt.Errorf("keychain verify: %w", err)
	}
	return decodeKey(encoded)
}

func (s *NativeSource) Name() string { return "native keychain" }

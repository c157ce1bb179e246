package secrets

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// KeyringSource keeps the master key in the OS keyring (macOS Keychain,
// Secret Service, Windows Credential Manager, ...) or, when restricted to
// keyring.FileBackend, in a password-protected file.
type KeyringSource struct {
	cfg keyring.Config
}

// NewKeyringSource creates a keyring-backed key source. A nil backends list
// lets the keyring library pick the best available backend.
func NewKeyringSource(service, fileDir string, backends []keyring.BackendType, password keyring.PromptFunc) *KeyringSource {
	return &KeyringSource{
		cfg: keyring.Config{
			ServiceName:              service,
			AllowedBackends:          backends,
			KeychainTrustApplication: true, // macOS: don't prompt every access
			FileDir:                  fileDir,
			FilePasswordFunc:         password,
		},
	}
}

// Key returns the stored master key, generating and storing one on first use.
func (s *KeyringSource) Key() ([]byte, error) {
	ring, err := keyring.Open(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	item, err := ring.Get(MasterKeyName)
	if err == nil {
		return decodeKey(string(item.Data))
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("keyring get failed: %w", err)
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	if err := ring.Set(keyring.Item{
		Key:         MasterKeyName,
		Data:        []byte(encodeKey(key)),
		Label:       s.cfg.ServiceName + " vault key",
		Description: "Encrypts the local git credential vault",
	}); err != nil {
		return nil, fmt.Errorf("keyring set failed: %w", err)
	}

	// Re-read so a key written concurrently by another process wins.
	item, err = ring.Get(MasterKeyName)
	if err != nil {
		return nil, fmt.Errorf("failed to verify stored key: %w", err)
	}
	return decodeKey(string(item.Data))
}

// Name describes the backend.
func (s *KeyringSource) Name() string {
	if len(s.cfg.AllowedBackends) == 1 && s.cfg.AllowedBackends[0] == keyring.FileBackend {
		return "encrypted file keyring (" + s.cfg.FileDir + ")"
	}
	return "system keyring"
}

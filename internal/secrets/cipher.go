// Package secrets wraps the platform's reversible encryption primitive.
//
// The master key never leaves OS-managed storage except in memory: a
// KeySource fetches (or creates on first use) a 32-byte key from the system
// keychain, and AEADCipher seals byte blobs with AES-256-GCM under it.
// Data sealed on another machine or for another user fails to decrypt with
// autherr.ErrDecryption. If no key can be obtained the cipher reports itself
// unavailable and every call fails with autherr.ErrEncryptionUnavailable.
package secrets

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/semmy-space/gitauth/internal/autherr"
)

// KeySize is the master key size in bytes (AES-256).
const KeySize = 32

// MasterKeyName is the keyring item holding the vault master key.
const MasterKeyName = "vault-master-key"

// magic prefixes every sealed blob so foreign or plaintext input is
// rejected before the AEAD is consulted.
var magic = []byte("GAV1")

// Cipher encrypts and decrypts byte blobs bound to the local user/machine.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	Available() bool
}

// KeySource yields the master key from OS-level storage.
type KeySource interface {
	Key() ([]byte, error)
	Name() string
}

// AEADCipher implements Cipher with AES-256-GCM. The key is loaded lazily
// on first use and cached for the life of the process.
type AEADCipher struct {
	source KeySource

	once sync.Once
	aead cipher.AEAD
	err  error
}

// NewCipher creates a cipher backed by the given key source.
func NewCipher(source KeySource) *AEADCipher {
	return &AEADCipher{source: source}
}

func (c *AEADCipher) load() {
	key, err := c.source.Key()
	if err != nil {
		c.err = fmt.Errorf("%s: %w", c.source.Name(), err)
		return
	}
	if len(key) != KeySize {
		c.err = fmt.Errorf("%s: invalid key length: expected %d bytes, got %d", c.source.Name(), KeySize, len(key))
		return
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		c.err = fmt.Errorf("failed to create cipher: %w", err)
		return
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		c.err = fmt.Errorf("failed to create GCM: %w", err)
		return
	}
	c.aead = gcm
}

// Available reports whether the key could be obtained.
func (c *AEADCipher) Available() bool {
	c.once.Do(c.load)
	return c.err == nil
}

// Err returns the reason the cipher is unavailable, or nil.
func (c *AEADCipher) Err() error {
	c.once.Do(c.load)
	return c.err
}

// Backend names the key source in use.
func (c *AEADCipher) Backend() string {
	return c.source.Name()
}

// Encrypt seals plaintext with a random 12-byte nonce.
// Layout: magic || nonce || ciphertext+tag.
func (c *AEADCipher) Encrypt(plaintext []byte) ([]byte, error) {
	if !c.Available() {
		return nil, fmt.Errorf("%w: %v", autherr.ErrEncryptionUnavailable, c.err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, magic...)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (c *AEADCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if !c.Available() {
		return nil, fmt.Errorf("%w: %v", autherr.ErrEncryptionUnavailable, c.err)
	}

	if !bytes.HasPrefix(ciphertext, magic) {
		return nil, autherr.Wrap(autherr.ErrDecryption, "unrecognized format")
	}
	body := ciphertext[len(magic):]

	nonceSize := c.aead.NonceSize()
	if len(body) < nonceSize+c.aead.Overhead() {
		return nil, autherr.Wrap(autherr.ErrDecryption, "ciphertext too short")
	}

	nonce, sealed := body[:nonceSize], body[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrDecryption, "key mismatch or tampered data")
	}
	return plaintext, nil
}

// StaticKey is a KeySource holding a fixed key, for tests and embedders
// that manage key material themselves.
type StaticKey []byte

func (k StaticKey) Key() ([]byte, error) {
	return append([]byte(nil), k...), nil
}

func (k StaticKey) Name() string { return "static key" }

type unavailable struct{ reason error }

// Unavailable returns a KeySource that always fails with reason.
func Unavailable(reason error) KeySource {
	return unavailable{reason: reason}
}

func (u unavailable) Key() ([]byte, error) { return nil, u.reason }
func (u unavailable) Name() string         { return "unavailable" }

func generateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating random key: %w", err)
	}
	return key, nil
}

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: expected %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Package vault persists credential records in a single encrypted file.
//
// The whole record map is sealed as one blob with the platform cipher and
// replaced atomically on every write. Reads that cannot decrypt or parse the
// file move it aside under a .corrupt suffix and start over with an empty map;
// a plaintext file from before encryption was introduced is upgraded in
// place instead.
package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/semmy-space/gitauth/internal/autherr"
	"github.com/semmy-space/gitauth/internal/secrets"
)

// FileName is the vault file name inside the data directory.
const FileName = "tokens.bin"

const (
	lockTimeout    = 10 * time.Second
	lockRetryDelay = 50 * time.Millisecond
)

// Store is the encrypted record store. All methods are safe for concurrent
// use; read-modify-write sequences go through Update so concurrent writers
// never lose each other's changes.
type Store struct {
	path   string
	cipher secrets.Cipher
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	lock *flock.Flock
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for quarantine and migration notices.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the clock used to stamp quarantined files.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a store for the vault file at path. The parent directory is
// created with 0700 permissions.
func New(path string, c secrets.Cipher, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	s := &Store{
		path:   path,
		cipher: c,
		logger: slog.Default(),
		now:    time.Now,
		lock:   flock.New(path + ".lock"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the vault file location.
func (s *Store) Path() string {
	return s.path
}

// acquire serializes access within the process and across processes.
func (s *Store) acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()

	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		s.mu.Unlock()
		if err == nil {
			err = errors.New("lock held by another process")
		}
		return nil, fmt.Errorf("failed to lock vault: %w", err)
	}

	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}

// ReadAll returns every record in the vault. A missing or empty file is an
// empty vault.
func (s *Store) ReadAll(ctx context.Context) (map[Key]Record, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.read()
}

// WriteAll replaces the vault contents with records.
func (s *Store) WriteAll(ctx context.Context, records map[Key]Record) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.write(records)
}

// Update applies fn to the current records and writes the result, holding
// the vault lock for the whole sequence. If fn fails nothing is written.
func (s *Store) Update(ctx context.Context, fn func(records map[Key]Record) error) error {
	return s.update(ctx, func(records map[Key]Record) (bool, error) {
		return true, fn(records)
	})
}

func (s *Store) update(ctx context.Context, fn func(records map[Key]Record) (bool, error)) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	records, err := s.read()
	if err != nil {
		return err
	}
	changed, err := fn(records)
	if err != nil || !changed {
		return err
	}
	return s.write(records)
}

// Upsert stores rec under its (host, account) key.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.Update(ctx, func(records map[Key]Record) error {
		records[rec.Key()] = rec
		return nil
	})
}

// Remove deletes the record for (host, account). Removing an absent record
// is not an error and leaves the file untouched.
func (s *Store) Remove(ctx context.Context, host, account string) error {
	key := Key{Host: host, Account: account}
	return s.update(ctx, func(records map[Key]Record) (bool, error) {
		if _, ok := records[key]; !ok {
			return false, nil
		}
		delete(records, key)
		return true, nil
	})
}

// Find returns the record for (host, account), or nil if there is none.
func (s *Store) Find(ctx context.Context, host, account string) (*Record, error) {
	records, err := s.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	rec, ok := records[Key{Host: host, Account: account}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Accounts returns the sorted account names stored for host.
func (s *Store) Accounts(ctx context.Context, host string) ([]string, error) {
	records, err := s.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	accounts := []string{}
	for k := range records {
		if k.Host == host {
			accounts = append(accounts, k.Account)
		}
	}
	sort.Strings(accounts)
	return accounts, nil
}

// Seal encrypts an access token for storage in a record.
func (s *Store) Seal(token string) ([]byte, error) {
	return s.cipher.Encrypt([]byte(token))
}

// Open decrypts a record's access token.
func (s *Store) Open(rec Record) (string, error) {
	plaintext, err := s.cipher.Decrypt(rec.AccessTokenCiphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *Store) read() (map[Key]Record, error) {
	if !s.cipher.Available() {
		return nil, s.unavailable()
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[Key]Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[Key]Record{}, nil
	}

	plaintext, err := s.cipher.Decrypt(data)
	switch {
	case err == nil:
		records, dropped, perr := s.decode(plaintext, json.Unmarshal)
		if perr != nil {
			s.quarantine(perr)
			return map[Key]Record{}, nil
		}
		if dropped > 0 {
			s.preserve(data, dropped)
		}
		return records, nil
	case errors.Is(err, autherr.ErrEncryptionUnavailable):
		return nil, err
	}

	// Not ours: either a plaintext vault from before encryption or garbage.
	records, dropped, perr := s.decode(data, json5.Unmarshal)
	if perr != nil {
		s.quarantine(fmt.Errorf("%w; %w", err, perr))
		return map[Key]Record{}, nil
	}
	if dropped > 0 {
		s.preserve(data, dropped)
	}

	s.logger.Info("upgrading plaintext vault", "path", s.path, "records", len(records))
	if werr := s.write(records); werr != nil {
		s.logger.Warn("failed to re-encrypt vault", "path", s.path, "error", werr)
	}
	return records, nil
}

// decode parses a vault document, returning the readable records and how
// many were dropped.
func (s *Store) decode(data []byte, unmarshal func([]byte, any) error) (map[Key]Record, int, error) {
	var doc map[string]rawRecord
	if err := unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("invalid vault document: %w", err)
	}

	records := make(map[Key]Record, len(doc))
	dropped := 0
	for key, raw := range doc {
		rec, err := migrate(key, raw, s.Seal)
		if err != nil {
			s.logger.Warn("dropping unreadable vault record", "key", key, "error", err)
			dropped++
			continue
		}
		records[rec.Key()] = rec
	}
	return records, dropped, nil
}

func (s *Store) write(records map[Key]Record) error {
	if !s.cipher.Available() {
		return s.unavailable()
	}

	doc := make(map[string]storedRecord, len(records))
	for k, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
		if rec.Key() != k {
			return autherr.Wrap(autherr.ErrInvalidRecord, fmt.Sprintf("record %s stored under %s", rec.Key(), k))
		}
		doc[k.String()] = storedRecord{Version: schemaVersion, Record: rec}
	}

	plaintext, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode vault: %w", err)
	}
	sealed, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return err
	}

	if err := atomic.WriteFile(s.path, bytes.NewReader(sealed)); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		return fmt.Errorf("failed to set vault permissions: %w", err)
	}
	return nil
}

// quarantine moves an unreadable vault aside so the next write starts fresh.
func (s *Store) quarantine(reason error) {
	dest := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().UnixMilli())
	if err := os.Rename(s.path, dest); err != nil {
		s.logger.Error("failed to quarantine vault", "path", s.path, "error", err)
		return
	}
	s.logger.Warn("vault unreadable, quarantined and reset",
		"path", s.path,
		"quarantine", dest,
		"error", fmt.Errorf("%w: %w", autherr.ErrVaultCorrupt, reason),
	)
}

// preserve keeps a copy of a vault file that had records dropped on read,
// since the next write no longer contains them. The copy is named after the
// content so repeated reads of the same file keep a single copy.
func (s *Store) preserve(data []byte, dropped int) {
	sum := sha256.Sum256(data)
	dest := fmt.Sprintf("%s.dropped-%x", s.path, sum[:8])
	if _, err := os.Stat(dest); err == nil {
		return
	}
	if err := atomic.WriteFile(dest, bytes.NewReader(data)); err != nil {
		s.logger.Error("failed to preserve vault", "path", s.path, "error", err)
		return
	}
	if err := os.Chmod(dest, 0o600); err != nil {
		s.logger.Warn("failed to set vault copy permissions", "path", dest, "error", err)
	}
	s.logger.Warn("vault records unreadable, copy preserved",
		"path", s.path,
		"copy", dest,
		"dropped", dropped,
	)
}

func (s *Store) unavailable() error {
	if c, ok := s.cipher.(interface{ Err() error }); ok && c.Err() != nil {
		return fmt.Errorf("%w: %v", autherr.ErrEncryptionUnavailable, c.Err())
	}
	return autherr.ErrEncryptionUnavailable
}

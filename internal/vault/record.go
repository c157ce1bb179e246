package vault

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/semmy-space/gitauth/internal/autherr"
	"github.com/semmy-space/gitauth/internal/provider"
)

// schemaVersion is written into every record. Records without it predate
// the versioned layout and go through migrate.
const schemaVersion = 2

// Kind is the credential kind stored in a record.
type Kind string

const (
	KindOAuth  Kind = "oauth"  // provider-issued OAuth token
	KindBasic  Kind = "basic"  // username + password or personal access token
	KindBearer Kind = "bearer" // manually stored bearer token
)

// Key identifies a record.
type Key struct {
	Host    string
	Account string
}

// String renders the key the way the vault file stores it.
func (k Key) String() string {
	return k.Host + ":" + k.Account
}

func parseKey(s string) Key {
	host, account, _ := strings.Cut(s, ":")
	return Key{Host: host, Account: account}
}

// Record is one stored credential.
type Record struct {
	Host                  string      `json:"host"`
	Account               string      `json:"account"`
	Kind                  Kind        `json:"kind"`
	Provider              provider.ID `json:"provider,omitempty"`
	AccessTokenCiphertext []byte      `json:"access_token_enc"`
	RefreshToken          string      `json:"refresh_token,omitempty"`
	ExpiresAt             *int64      `json:"expires_at,omitempty"` // unix millis
}

// Key returns the record's (host, account) key.
func (r Record) Key() Key {
	return Key{Host: r.Host, Account: r.Account}
}

// Expiry returns the expiry time and whether one is set.
func (r Record) Expiry() (time.Time, bool) {
	if r.ExpiresAt == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*r.ExpiresAt), true
}

// Validate checks the record invariants enforced on every write.
func (r Record) Validate() error {
	switch {
	case r.Host == "":
		return autherr.Wrap(autherr.ErrInvalidRecord, "host is required")
	case len(r.AccessTokenCiphertext) == 0:
		return autherr.Wrap(autherr.ErrInvalidRecord, "access token ciphertext is required")
	case r.RefreshToken != "" && r.ExpiresAt == nil:
		return autherr.Wrap(autherr.ErrInvalidRecord, "refresh token without expiry")
	}

	switch r.Kind {
	case KindOAuth:
		if r.Provider == "" {
			return autherr.Wrap(autherr.ErrInvalidRecord, "oauth record without provider")
		}
	case KindBasic, KindBearer:
	default:
		return autherr.Wrap(autherr.ErrInvalidRecord, fmt.Sprintf("unknown kind %q", r.Kind))
	}
	return nil
}

// Millis converts t to the millisecond timestamp stored in ExpiresAt.
// A zero time yields nil (no expiry).
func Millis(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// storedRecord is the on-disk shape of a current record.
type storedRecord struct {
	Version int `json:"v"`
	Record
}

// rawRecord accepts every field name any schema version has used.
type rawRecord struct {
	Version  int    `json:"v"`
	Host     string `json:"host"`
	Account  string `json:"account"`
	Kind     string `json:"kind"`
	Type     string `json:"type"`
	Provider string `json:"provider"`

	AccessTokenEnc string `json:"access_token_enc"`
	Enc            string `json:"enc"`
	Token          string `json:"token"`

	RefreshToken       string `json:"refresh_token"`
	RefreshTokenLegacy string `json:"refreshToken"`

	ExpiresAt       *int64 `json:"expires_at"`
	ExpiresAtLegacy *int64 `json:"expiresAt"`
}

// migrate normalizes a record of any schema version to the current shape.
// New field names win over old ones. A plaintext token from a pre-encryption
// layout is sealed with seal.
func migrate(key string, raw rawRecord, seal func(string) ([]byte, error)) (Record, error) {
	k := parseKey(key)
	rec := Record{
		Host:         firstNonEmpty(raw.Host, k.Host),
		Account:      firstNonEmpty(raw.Account, k.Account),
		RefreshToken: firstNonEmpty(raw.RefreshToken, raw.RefreshTokenLegacy),
		ExpiresAt:    raw.ExpiresAt,
	}
	if rec.ExpiresAt == nil {
		rec.ExpiresAt = raw.ExpiresAtLegacy
	}

	kind, err := migrateKind(firstNonEmpty(raw.Kind, raw.Type))
	if err != nil {
		return Record{}, err
	}
	rec.Kind = kind

	rec.Provider = provider.ID(raw.Provider)
	if rec.Provider == "" && rec.Kind == KindOAuth {
		rec.Provider, _ = provider.ForHost(rec.Host)
	}

	switch {
	case raw.AccessTokenEnc != "":
		rec.AccessTokenCiphertext, err = base64.StdEncoding.DecodeString(raw.AccessTokenEnc)
	case raw.Enc != "":
		rec.AccessTokenCiphertext, err = base64.StdEncoding.DecodeString(raw.Enc)
	case raw.Token != "":
		rec.AccessTokenCiphertext, err = seal(raw.Token)
	default:
		err = fmt.Errorf("no access token")
	}
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", key, err)
	}

	// A refreshable record must have an expiry to refresh against; an
	// undated one is treated as already expired.
	if rec.RefreshToken != "" && rec.ExpiresAt == nil {
		var epoch int64
		rec.ExpiresAt = &epoch
	}

	if err := rec.Validate(); err != nil {
		return Record{}, fmt.Errorf("record %s: %w", key, err)
	}
	return rec, nil
}

func migrateKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "oauth", "oauthtoken", "oauth_token":
		return KindOAuth, nil
	case "basic", "pat", "password", "app_password":
		return KindBasic, nil
	case "bearer", "token":
		return KindBearer, nil
	}
	return "", fmt.Errorf("unknown credential kind %q", s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

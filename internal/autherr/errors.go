// Package autherr defines the error taxonomy shared by the vault, the OAuth
// flow and the credential facade. Callers match with errors.Is; producers
// wrap a sentinel with %w and append the provider's human-readable text.
package autherr

import (
	"errors"
	"fmt"
)

var (
	// ErrEncryptionUnavailable means the platform cipher cannot be used.
	// It is fatal for every vault operation; there is no plaintext fallback.
	ErrEncryptionUnavailable = errors.New("encryption unavailable")

	// ErrDecryption is returned by a cipher when the input was produced under
	// different key material or is not validly formatted.
	ErrDecryption = errors.New("decryption failed")

	// ErrVaultCorrupt is logged when the vault file is quarantined. It never
	// reaches callers of the vault.
	ErrVaultCorrupt = errors.New("vault corrupt")

	// ErrInvalidRecord is returned when a record violates a vault invariant.
	ErrInvalidRecord = errors.New("invalid credential record")

	ErrOAuthDenied         = errors.New("authorization denied")
	ErrStateMismatch       = errors.New("state mismatch (possible CSRF attack)")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrCallbackTimeout     = errors.New("timed out waiting for the browser redirect")
	ErrFlowInProgress      = errors.New("another sign-in is already in progress")

	ErrRefreshFailed   = errors.New("token refresh failed")
	ErrReauthRequired  = errors.New("re-authentication required")
	ErrNoCredential    = errors.New("no credential stored")
	ErrUnsupportedHost = errors.New("unsupported host")
)

// Wrap attaches a provider or context message to a sentinel.
// An empty message returns the sentinel unchanged.
func Wrap(sentinel error, msg string) error {
	if msg == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

// IsAuth reports whether err should route the user back to sign-in rather
// than be presented as a generic failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrReauthRequired) ||
		errors.Is(err, ErrNoCredential) ||
		errors.Is(err, ErrRefreshFailed) ||
		errors.Is(err, ErrOAuthDenied) ||
		errors.Is(err, ErrStateMismatch) ||
		errors.Is(err, ErrTokenExchangeFailed) ||
		errors.Is(err, ErrCallbackTimeout)
}

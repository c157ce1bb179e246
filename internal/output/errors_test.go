package output

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/semmy-space/gitauth/internal/autherr"
)

func TestNewCLIError(t *testing.T) {
	err := NewCLIError(ExitAuth, "authentication failed")
	assert.Equal(t, ExitAuth, err.ExitCode)
	assert.Equal(t, "authentication failed", err.Message)
	assert.Empty(t, err.Hint)
}

func TestCLIErrorWithHint(t *testing.T) {
	err := NewCLIError(ExitAuth, "auth failed")
	result := err.WithHint("Run: gitauth auth login")

	// Fluent builder returns same pointer
	assert.Same(t, err, result)
	assert.Equal(t, "Run: gitauth auth login", err.Hint)
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantHint string
	}{
		{name: "reauth", err: autherr.Wrap(autherr.ErrReauthRequired, "refresh token revoked"), wantCode: ExitAuth, wantHint: "Run: gitauth auth login"},
		{name: "denied", err: autherr.Wrap(autherr.ErrOAuthDenied, "access_denied"), wantCode: ExitAuth, wantHint: "Run: gitauth auth login"},
		{name: "no credential", err: autherr.Wrap(autherr.ErrNoCredential, "github.com:git"), wantCode: ExitNotFound, wantHint: "Run: gitauth auth login"},
		{name: "exchange", err: autherr.Wrap(autherr.ErrTokenExchangeFailed, "invalid_grant"), wantCode: ExitProvider, wantHint: "Run: gitauth auth login"},
		{name: "crypto", err: fmt.Errorf("opening vault: %w", autherr.ErrEncryptionUnavailable), wantCode: ExitCryptoError, wantHint: "GITAUTH_VAULT_PASSWORD"},
		{name: "timeout", err: autherr.ErrCallbackTimeout, wantCode: ExitTimeout, wantHint: "--manual"},
		{name: "in progress", err: autherr.ErrFlowInProgress, wantCode: ExitConflict, wantHint: "already running"},
		{name: "unsupported host", err: autherr.Wrap(autherr.ErrUnsupportedHost, "gitlab.com"), wantCode: ExitUsage},
		{name: "unknown", err: errors.New("disk full"), wantCode: ExitGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			assert.Equal(t, tt.wantCode, got.ExitCode)
			assert.Equal(t, tt.err.Error(), got.Message)
			if tt.wantHint == "" {
				assert.Empty(t, got.Hint)
			} else {
				assert.Contains(t, got.Hint, tt.wantHint)
			}
			assert.ErrorIs(t, got, tt.err)
		})
	}

	t.Run("cli errors pass through", func(t *testing.T) {
		orig := NewCLIError(ExitConfigError, "bad config")
		assert.Same(t, orig, FromError(fmt.Errorf("wrapped: %w", orig)))
	})

	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, FromError(nil))
	})
}

func TestExitWithError(t *testing.T) {
	var out, errOut bytes.Buffer
	f := NewWriter("plain", false, &out, &errOut)

	code := ExitWithError(f, autherr.Wrap(autherr.ErrReauthRequired, "token revoked"))
	assert.Equal(t, ExitAuth, code)
	assert.Contains(t, errOut.String(), "error: ")
	assert.Contains(t, errOut.String(), "token revoked")
	assert.Contains(t, errOut.String(), "hint: Run: gitauth auth login")
	assert.Empty(t, out.String())

	assert.Equal(t, ExitOK, ExitWithError(f, nil))
}

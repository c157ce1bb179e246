package output

import (
	"errors"
	"fmt"

	"github.com/semmy-space/gitauth/internal/autherr"
)

// Exit codes following sysexits.h convention
const (
	ExitOK          = 0  // Success
	ExitGeneral     = 1  // General error
	ExitUsage       = 2  // Invalid usage / bad arguments
	ExitAuth        = 3  // Sign-in required or rejected
	ExitNotFound    = 4  // No stored credential
	ExitConflict    = 5  // Another sign-in is running
	ExitTimeout     = 8  // Browser redirect never arrived
	ExitProvider    = 9  // Provider rejected a token request
	ExitConfigError = 10 // Configuration error
	ExitCryptoError = 12 // Vault key unavailable or vault unreadable
)

// CLIError represents a structured error with exit code and optional hint
type CLIError struct {
	ExitCode int
	Message  string
	Hint     string
	Err      error
}

// Error implements the error interface
func (e *CLIError) Error() string {
	return e.Message
}

// Unwrap exposes the underlying failure to errors.Is.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError
func NewCLIError(code int, msg string) *CLIError {
	return &CLIError{
		ExitCode: code,
		Message:  msg,
	}
}

// WithHint adds a user-facing hint to the error
func (e *CLIError) WithHint(hint string) *CLIError {
	e.Hint = hint
	return e
}

// FromError maps a failure to its exit code and hint. CLIErrors pass through.
func FromError(err error) *CLIError {
	if err == nil {
		return nil
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr
	}

	e := &CLIError{ExitCode: ExitGeneral, Message: err.Error(), Err: err}
	switch {
	case errors.Is(err, autherr.ErrEncryptionUnavailable):
		e.ExitCode = ExitCryptoError
		e.Hint = "Unlock the OS keyring, or set GITAUTH_VAULT_PASSWORD to use the file keyring"
	case errors.Is(err, autherr.ErrDecryption), errors.Is(err, autherr.ErrVaultCorrupt):
		e.ExitCode = ExitCryptoError
	case errors.Is(err, autherr.ErrFlowInProgress):
		e.ExitCode = ExitConflict
		e.Hint = "Finish or cancel the sign-in already running"
	case errors.Is(err, autherr.ErrCallbackTimeout):
		e.ExitCode = ExitTimeout
		e.Hint = "Run: gitauth auth login --manual to paste the redirect URL instead"
	case errors.Is(err, autherr.ErrNoCredential):
		e.ExitCode = ExitNotFound
		e.Hint = "Run: gitauth auth login"
	case errors.Is(err, autherr.ErrTokenExchangeFailed), errors.Is(err, autherr.ErrRefreshFailed):
		e.ExitCode = ExitProvider
		e.Hint = "Run: gitauth auth login"
	case autherr.IsAuth(err):
		e.ExitCode = ExitAuth
		e.Hint = "Run: gitauth auth login"
	case errors.Is(err, autherr.ErrUnsupportedHost), errors.Is(err, autherr.ErrInvalidRecord):
		e.ExitCode = ExitUsage
	}
	return e
}

// ExitWithError prints the error and its hint via the formatter
// and returns the process exit code.
func ExitWithError(formatter Formatter, err error) int {
	cliErr := FromError(err)
	if cliErr == nil {
		return ExitOK
	}
	formatter.PrintError(fmt.Errorf("%s", cliErr.Message))
	if cliErr.Hint != "" {
		formatter.PrintHint(cliErr.Hint)
	}
	return cliErr.ExitCode
}

package secrets

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/99designs/keyring"
)

// Options selects and configures the key source.
type Options struct {
	Service     string // keyring service name
	Backend     string // "keyring" (default) or "native"
	FileDir     string // directory for the file keyring fallback
	Password    string // file keyring password (GITAUTH_VAULT_PASSWORD)
	Interactive bool   // allow a terminal password prompt
}

// SourceFor picks the key source for this platform.
// WSL and headless Linux cannot reach a desktop keyring, so the keyring
// library is restricted to its encrypted file backend there. Without a
// password or a terminal to prompt on, the source is unavailable rather
// than falling back to an unprotected key.
func SourceFor(opts Options) KeySource {
	switch opts.Backend {
	case "native":
		return NewNativeSource(opts.Service)
	case "", "keyring":
	default:
		return Unavailable(fmt.Errorf("unknown key backend %q (valid: keyring, native)", opts.Backend))
	}

	if !IsWSL() && !IsHeadless() {
		return NewKeyringSource(opts.Service, opts.FileDir, nil, keyring.TerminalPrompt)
	}

	var prompt keyring.PromptFunc
	switch {
	case opts.Password != "":
		prompt = keyring.FixedStringPrompt(opts.Password)
	case opts.Interactive:
		prompt = keyring.TerminalPrompt
	default:
		return Unavailable(errors.New("no desktop keyring in this environment; set GITAUTH_VAULT_PASSWORD to unlock the file keyring"))
	}
	return NewKeyringSource(opts.Service, opts.FileDir, []keyring.BackendType{keyring.FileBackend}, prompt)
}

// IsWSL returns true if running under Windows Subsystem for Linux.
func IsWSL() bool {
	if runtime.GOOS != "linux" {
		return false
	}

	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}

	version := strings.ToLower(string(data))
	return strings.Contains(version, "microsoft") || strings.Contains(version, "wsl")
}

// IsHeadless returns true on Linux without an X11 or Wayland display.
func IsHeadless() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	return os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == ""
}

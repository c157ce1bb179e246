package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/semmy-space/gitauth/internal/credential"
	"github.com/semmy-space/gitauth/internal/provider"
	"github.com/semmy-space/gitauth/internal/vault"
)

// helperRequest is one git credential protocol message: key=value lines
// terminated by a blank line or EOF.
type helperRequest map[string]string

func readHelperRequest(r io.Reader) (helperRequest, error) {
	req := helperRequest{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed credential line %q", line)
		}
		req[key] = value
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credential request: %w", err)
	}
	if u, ok := req["url"]; ok {
		if err := req.fillFromURL(u); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// fillFromURL expands url= into its parts without overriding explicit ones.
func (req helperRequest) fillFromURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid credential url: %w", err)
	}
	for key, value := range map[string]string{
		"protocol": u.Scheme,
		"host":     u.Host,
		"path":     strings.TrimPrefix(u.Path, "/"),
		"username": u.User.Username(),
	} {
		if _, set := req[key]; !set && value != "" {
			req[key] = value
		}
	}
	return nil
}

// URL rebuilds the remote URL git is authenticating against.
func (req helperRequest) URL() (string, error) {
	host := req["host"]
	if host == "" {
		return "", fmt.Errorf("credential request has no host")
	}
	proto := req["protocol"]
	if proto == "" {
		proto = "https"
	}

	u := url.URL{Scheme: proto, Host: host, Path: "/" + req["path"]}
	if user := req["username"]; user != "" {
		u.User = url.User(user)
	}
	return u.String(), nil
}

// Host returns the request host without any port.
func (req helperRequest) Host() string {
	return strings.ToLower((&url.URL{Host: req["host"]}).Hostname())
}

func writeHelperResponse(w io.Writer, cred *credential.Descriptor) error {
	username := cred.Principal
	if username == "" {
		username = cred.Account
	}
	_, err := fmt.Fprintf(w, "username=%s\npassword=%s\n", username, cred.Secret)
	return err
}

// isTokenUsername reports whether username is one of the fixed names paired
// with OAuth tokens, meaning git is echoing back a credential it got from us.
func isTokenUsername(username string) bool {
	for _, d := range provider.Defaults {
		if d.TokenUsername == username {
			return true
		}
	}
	return false
}

// HelperGetCmd implements git's credential get action
type HelperGetCmd struct{}

// Run answers git with the credential for the requested remote. Printing
// nothing lets git fall through to the next configured helper.
func (cmd *HelperGetCmd) Run(ctx context.Context, sp *ServiceProvider, logger *slog.Logger) error {
	req, err := readHelperRequest(os.Stdin)
	if err != nil {
		return err
	}
	if req["protocol"] != "" && req["protocol"] != "https" {
		return nil
	}
	if isTokenUsername(req["username"]) {
		delete(req, "username")
	}

	remoteURL, err := req.URL()
	if err != nil {
		return err
	}

	svc, err := sp.Credentials()
	if err != nil {
		return err
	}
	cred, err := svc.CredentialForRemote(ctx, remoteURL, "")
	if err != nil {
		return err
	}
	if cred == nil {
		logger.Debug("no stored credential", "host", req.Host())
		return nil
	}
	return writeHelperResponse(os.Stdout, cred)
}

// HelperStoreCmd implements git's credential store action
type HelperStoreCmd struct{}

// Run keeps a username/password git obtained elsewhere, for hosts where
// nothing is stored yet. Credentials this helper handed out are ignored.
func (cmd *HelperStoreCmd) Run(ctx context.Context, sp *ServiceProvider, logger *slog.Logger) error {
	req, err := readHelperRequest(os.Stdin)
	if err != nil {
		return err
	}
	username, password := req["username"], req["password"]
	if username == "" || password == "" || isTokenUsername(username) {
		return nil
	}
	host := req.Host()

	store, err := sp.Vault()
	if err != nil {
		return err
	}
	existing, err := store.Find(ctx, host, username)
	if err != nil || existing != nil {
		return err
	}

	svc, err := sp.Credentials()
	if err != nil {
		return err
	}
	logger.Info("storing credential from git", "host", host, "account", username)
	return svc.SaveToken(ctx, host, username, vault.KindBasic, password)
}

// HelperEraseCmd implements git's credential erase action
type HelperEraseCmd struct{}

// Run forgets a manually stored credential that git saw rejected. OAuth
// records are kept: their refresh token may still be good.
func (cmd *HelperEraseCmd) Run(ctx context.Context, sp *ServiceProvider, logger *slog.Logger) error {
	req, err := readHelperRequest(os.Stdin)
	if err != nil {
		return err
	}
	username := req["username"]
	if username == "" || isTokenUsername(username) {
		return nil
	}
	host := req.Host()

	store, err := sp.Vault()
	if err != nil {
		return err
	}
	rec, err := store.Find(ctx, host, username)
	if err != nil || rec == nil {
		return err
	}
	if rec.Kind == vault.KindOAuth {
		logger.Warn("git rejected an OAuth credential; keeping it", "host", host, "account", username)
		return nil
	}

	svc, err := sp.Credentials()
	if err != nil {
		return err
	}
	return svc.DeleteCredential(ctx, host, username)
}

// Package remote turns a repository's remote URL into the host and provider
// the credential vault is keyed by.
package remote

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/semmy-space/gitauth/internal/autherr"
	"github.com/semmy-space/gitauth/internal/provider"
)

// DefaultRemote is the remote consulted when a Repo names none.
const DefaultRemote = "origin"

// scp-like syntax: user@host:owner/repo(.git)
var sshShorthand = regexp.MustCompile(`^[^@/\s]+@([^:/\s]+):([^/].*?)(\.git)?$`)

// NormalizeRemoteURL rewrites the SSH shorthand form to HTTPS.
// Any other input is returned unchanged (apart from surrounding space).
func NormalizeRemoteURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := sshShorthand.FindStringSubmatch(raw); m != nil {
		return "https://" + m[1] + "/" + m[2] + ".git"
	}
	return raw
}

// ResolveHost extracts the lower-cased host (without port) from a URL.
func ResolveHost(normalized string) (string, error) {
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("invalid remote URL %q: %w", normalized, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("remote URL %q has no host", normalized)
	}
	return host, nil
}

// ProviderFor maps a host to its OAuth provider.
func ProviderFor(host string) (provider.ID, error) {
	id, ok := provider.ForHost(host)
	if !ok {
		return "", autherr.Wrap(autherr.ErrUnsupportedHost, host)
	}
	return id, nil
}

// UserInfo returns the username embedded in a URL (https://alice@host/...).
func UserInfo(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil || u.User == nil {
		return ""
	}
	return u.User.Username()
}

// Owner returns the first path segment (the owner or workspace).
func Owner(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	owner, _, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	return owner
}

// Repo identifies a working copy and the remote to authenticate against.
// It is passed explicitly to every call instead of living in process state.
type Repo struct {
	Dir    string
	Remote string
}

// RemoteName returns the configured remote, defaulting to origin.
func (r Repo) RemoteName() string {
	if r.Remote == "" {
		return DefaultRemote
	}
	return r.Remote
}

// URLReader reads a remote's configured URL from a working copy.
type URLReader interface {
	RemoteURL(ctx context.Context, dir, remote string) (string, error)
}

// Info describes a resolved remote. Provider is empty for unsupported hosts.
type Info struct {
	URL      string      `json:"url"`
	Host     string      `json:"host"`
	Provider provider.ID `json:"provider,omitempty"`
}

// Resolve normalizes a raw URL and resolves its host and provider.
func Resolve(raw string) (Info, error) {
	normalized := NormalizeRemoteURL(raw)
	host, err := ResolveHost(normalized)
	if err != nil {
		return Info{}, err
	}
	id, _ := provider.ForHost(host)
	return Info{URL: normalized, Host: host, Provider: id}, nil
}

// Detect reads repo's remote URL and resolves it.
func Detect(ctx context.Context, r URLReader, repo Repo) (Info, error) {
	raw, err := r.RemoteURL(ctx, repo.Dir, repo.RemoteName())
	if err != nil {
		return Info{}, err
	}
	return Resolve(raw)
}

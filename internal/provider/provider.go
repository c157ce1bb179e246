// Package provider describes the OAuth providers the vault can sign in to.
// Provider differences live here, in one table, so call sites never branch
// on GitHub vs Bitbucket themselves.
package provider

import (
	"fmt"
	"sort"
	"strings"
)

// ID identifies a provider.
type ID string

const (
	GitHub    ID = "github"
	Bitbucket ID = "bitbucket"
)

// Descriptor holds everything the flow engine and refresh manager need to
// talk to one provider. Client credentials are filled in from configuration.
type Descriptor struct {
	ID   ID
	Name string
	Host string // public git host served by this provider

	AuthURL    string
	TokenURL   string
	RefreshURL string // empty means TokenURL
	APIURL     string

	Scopes []string

	ClientID     string
	ClientSecret string

	RequiresSecret bool // exchange and refresh fail without a client secret
	IssuesRefresh  bool // the provider returns refresh tokens with a lifetime

	DefaultAccount string // account used when the caller names none
	TokenUsername  string // basic-auth username paired with an OAuth token
}

// Defaults maps provider IDs to their public endpoints.
var Defaults = map[ID]Descriptor{
	GitHub: {
		ID:             GitHub,
		Name:           "GitHub",
		Host:           "github.com",
		AuthURL:        "https://github.com/login/oauth/authorize",
		TokenURL:       "https://github.com/login/oauth/access_token",
		APIURL:         "https://api.github.com/",
		Scopes:         []string{"repo"},
		DefaultAccount: "git",
		TokenUsername:  "x-access-token",
	},
	Bitbucket: {
		ID:             Bitbucket,
		Name:           "Bitbucket",
		Host:           "bitbucket.org",
		AuthURL:        "https://bitbucket.org/site/oauth2/authorize",
		TokenURL:       "https://bitbucket.org/site/oauth2/access_token",
		APIURL:         "https://api.bitbucket.org/2.0",
		Scopes:         []string{"repository", "account"},
		RequiresSecret: true,
		IssuesRefresh:  true,
		TokenUsername:  "x-token-auth",
	},
}

// Get returns the default descriptor for id.
func Get(id ID) (Descriptor, error) {
	d, ok := Defaults[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown provider: %s", id)
	}
	d.Scopes = append([]string(nil), d.Scopes...)
	return d, nil
}

// Parse converts user input ("github", "GitHub", "bitbucket.org") to an ID.
func Parse(s string) (ID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for id, d := range Defaults {
		if s == string(id) || s == d.Host {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown provider: %q (valid: %s)", s, strings.Join(Names(), ", "))
}

// ForHost returns the provider serving host. Only exact public hostnames
// match; self-hosted and enterprise variants are not OAuth-capable here.
func ForHost(host string) (ID, bool) {
	host = strings.ToLower(host)
	for id, d := range Defaults {
		if d.Host == host {
			return id, true
		}
	}
	return "", false
}

// Names returns the sorted provider IDs as strings.
func Names() []string {
	names := make([]string, 0, len(Defaults))
	for id := range Defaults {
		names = append(names, string(id))
	}
	sort.Strings(names)
	return names
}

// ScopeString joins scopes with spaces, as RFC 6749 requires.
func (d Descriptor) ScopeString() string {
	return strings.Join(d.Scopes, " ")
}

// RefreshEndpoint returns the URL used for refresh_token grants.
func (d Descriptor) RefreshEndpoint() string {
	if d.RefreshURL != "" {
		return d.RefreshURL
	}
	return d.TokenURL
}

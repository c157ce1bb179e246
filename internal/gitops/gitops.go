// Package gitops is the git-operations collaborator: it reads remotes and
// identity from a working copy and performs authenticated read-only calls
// against remotes, using go-git instead of shelling out to git.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/semmy-space/gitauth/internal/autherr"
	"github.com/semmy-space/gitauth/internal/credential"
)

func open(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s is not a git repository", dir)
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return repo, nil
}

// Repos reads repository metadata from working copies on disk.
type Repos struct{}

// RemoteURL returns the first URL configured for the named remote.
func (Repos) RemoteURL(_ context.Context, dir, name string) (string, error) {
	repo, err := open(dir)
	if err != nil {
		return "", err
	}
	rem, err := repo.Remote(name)
	if errors.Is(err, git.ErrRemoteNotFound) {
		return "", fmt.Errorf("remote %q not found", name)
	}
	if err != nil {
		return "", err
	}
	urls := rem.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %q has no URL", name)
	}
	return urls[0], nil
}

// Lister lists remote references with a stored credential.
type Lister struct{}

// ListRefs performs an authenticated ls-remote against url. Nothing is
// written to disk.
func (Lister) ListRefs(ctx context.Context, url string, cred credential.Descriptor) error {
	rem := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})

	_, err := rem.ListContext(ctx, &git.ListOptions{Auth: AuthMethod(cred)})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return autherr.Wrap(autherr.ErrReauthRequired, err.Error())
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return nil
	}
	return fmt.Errorf("listing %s: %w", url, err)
}

// AuthMethod adapts a descriptor to go-git's HTTP transport.
func AuthMethod(cred credential.Descriptor) transport.AuthMethod {
	if cred.Scheme == credential.SchemeBearer {
		return &http.TokenAuth{Token: cred.Secret}
	}
	return &http.BasicAuth{Username: cred.Principal, Password: cred.Secret}
}

// Identity is the committer identity configured for a repository.
type Identity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Complete reports whether both fields are set.
func (i Identity) Complete() bool {
	return strings.TrimSpace(i.Name) != "" && strings.TrimSpace(i.Email) != ""
}

// GetIdentity reads user.name and user.email from the repository config.
func GetIdentity(dir string) (Identity, error) {
	repo, err := open(dir)
	if err != nil {
		return Identity{}, err
	}
	cfg, err := repo.Config()
	if err != nil {
		return Identity{}, fmt.Errorf("reading config: %w", err)
	}
	return Identity{Name: cfg.User.Name, Email: cfg.User.Email}, nil
}

// SetIdentity writes the non-empty fields of id to the repository config.
func SetIdentity(dir string, id Identity) error {
	repo, err := open(dir)
	if err != nil {
		return err
	}
	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if id.Name != "" {
		cfg.User.Name = id.Name
	}
	if id.Email != "" {
		cfg.User.Email = id.Email
	}
	if err := repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// EnsureIdentity fills in whichever of user.name and user.email is unset,
// leaving configured values alone. It returns the resulting identity.
func EnsureIdentity(dir string, fallback Identity) (Identity, error) {
	current, err := GetIdentity(dir)
	if err != nil {
		return Identity{}, err
	}
	if current.Complete() {
		return current, nil
	}

	missing := Identity{}
	if strings.TrimSpace(current.Name) == "" {
		missing.Name = fallback.Name
	}
	if strings.TrimSpace(current.Email) == "" {
		missing.Email = fallback.Email
	}
	if missing == (Identity{}) {
		return current, nil
	}
	if err := SetIdentity(dir, missing); err != nil {
		return Identity{}, err
	}
	return GetIdentity(dir)
}

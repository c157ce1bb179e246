// Package credential is the facade consumers call: sign in, sign out, and
// resolve the credential to present for a remote.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/oauth2"

	"github.com/semmy-space/gitauth/internal/autherr"
	"github.com/semmy-space/gitauth/internal/provider"
	"github.com/semmy-space/gitauth/internal/remote"
	"github.com/semmy-space/gitauth/internal/vault"
)

// Scheme is the authentication shape a transport should use.
type Scheme string

const (
	SchemeBasic  Scheme = "basic"
	SchemeBearer Scheme = "bearer"
)

// Descriptor is a transport-agnostic credential. For SchemeBasic, Principal
// is the username; for SchemeBearer it is empty.
type Descriptor struct {
	Scheme    Scheme      `json:"scheme"`
	Principal string      `json:"principal,omitempty"`
	Secret    string      `json:"secret"`
	Host      string      `json:"host"`
	Account   string      `json:"account"`
	Provider  provider.ID `json:"provider,omitempty"`
}

// Store is the part of the vault the facade uses.
type Store interface {
	ReadAll(ctx context.Context) (map[vault.Key]vault.Record, error)
	Find(ctx context.Context, host, account string) (*vault.Record, error)
	Upsert(ctx context.Context, rec vault.Record) error
	Remove(ctx context.Context, host, account string) error
	Accounts(ctx context.Context, host string) ([]string, error)
	Seal(token string) ([]byte, error)
	Open(rec vault.Record) (string, error)
}

// Providers resolves a provider ID to its configured descriptor.
type Providers interface {
	Provider(id provider.ID) (provider.Descriptor, error)
}

// Authenticator runs an interactive sign-in against a provider.
type Authenticator interface {
	Login(ctx context.Context, desc provider.Descriptor) (*oauth2.Token, error)
}

// TokenSource returns usable OAuth access tokens, refreshing as needed.
type TokenSource interface {
	EnsureUsableToken(ctx context.Context, host, account string) (string, error)
}

// RefLister performs a read-only authenticated call against a remote.
type RefLister interface {
	ListRefs(ctx context.Context, url string, cred Descriptor) error
}

// AccountResolver looks up the login a fresh access token belongs to.
type AccountResolver func(ctx context.Context, desc provider.Descriptor, accessToken string) (string, error)

// Options wires the facade's collaborators. Store and Providers are
// required; the rest are only needed by the operations that use them.
type Options struct {
	Store     Store
	Providers Providers
	Flow      Authenticator
	Tokens    TokenSource
	Lister    RefLister
	Remotes   remote.URLReader
	Whoami    AccountResolver
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service implements the consumer-facing credential operations.
type Service struct {
	store     Store
	providers Providers
	flow      Authenticator
	tokens    TokenSource
	lister    RefLister
	remotes   remote.URLReader
	whoami    AccountResolver
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a Service.
func New(opts Options) *Service {
	s := &Service{
		store:     opts.Store,
		providers: opts.Providers,
		flow:      opts.Flow,
		tokens:    opts.Tokens,
		lister:    opts.Lister,
		remotes:   opts.Remotes,
		whoami:    opts.Whoami,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Account summarizes a stored record without its secrets.
type Account struct {
	Host        string      `json:"host"`
	Account     string      `json:"account"`
	Kind        vault.Kind  `json:"kind"`
	Provider    provider.ID `json:"provider,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	Refreshable bool        `json:"refreshable"`
}

func summarize(rec vault.Record) Account {
	a := Account{
		Host:        rec.Host,
		Account:     rec.Account,
		Kind:        rec.Kind,
		Provider:    rec.Provider,
		Refreshable: rec.RefreshToken != "",
	}
	if exp, ok := rec.Expiry(); ok {
		a.ExpiresAt = &exp
	}
	return a
}

// SignIn runs the provider's browser flow and stores the result. The
// account defaults to the provider's default identity, then to the login
// the new token belongs to.
func (s *Service) SignIn(ctx context.Context, id provider.ID, account string) (*Account, error) {
	if s.flow == nil {
		return nil, errors.New("sign-in is not available")
	}
	desc, err := s.providers.Provider(id)
	if err != nil {
		return nil, err
	}

	token, err := s.flow.Login(ctx, desc)
	if err != nil {
		return nil, err
	}

	if account == "" {
		account = desc.DefaultAccount
	}
	if account == "" && s.whoami != nil {
		account, err = s.whoami(ctx, desc, token.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("resolving %s account: %w", desc.Name, err)
		}
	}
	if account == "" {
		return nil, fmt.Errorf("%s requires an account name", desc.Name)
	}

	sealed, err := s.store.Seal(token.AccessToken)
	if err != nil {
		return nil, err
	}
	rec := vault.Record{
		Host:                  desc.Host,
		Account:               account,
		Kind:                  vault.KindOAuth,
		Provider:              desc.ID,
		AccessTokenCiphertext: sealed,
		RefreshToken:          token.RefreshToken,
		ExpiresAt:             vault.Millis(token.Expiry),
	}
	if rec.RefreshToken != "" && rec.ExpiresAt == nil {
		rec.ExpiresAt = vault.Millis(s.now())
	}

	if err := s.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("signed in", "host", rec.Host, "account", rec.Account, "provider", rec.Provider)

	a := summarize(rec)
	return &a, nil
}

// SignOut deletes the record for (host, account). It does not fail when
// there is nothing to delete.
func (s *Service) SignOut(ctx context.Context, host, account string) error {
	return s.store.Remove(ctx, host, account)
}

// DeleteCredential is SignOut under the name consumers use.
func (s *Service) DeleteCredential(ctx context.Context, host, account string) error {
	return s.SignOut(ctx, host, account)
}

// CredentialForRemote resolves the credential to present for remoteURL.
// It returns nil and no error when nothing is stored for the remote.
//
// With a non-empty hint only that account is considered. Otherwise the
// candidates are, in order: the URL's userinfo, the provider's default
// identity, the only account stored for the host, and the URL's owner
// segment.
func (s *Service) CredentialForRemote(ctx context.Context, remoteURL, hint string) (*Descriptor, error) {
	info, err := remote.Resolve(remoteURL)
	if err != nil {
		return nil, err
	}

	rec, err := s.selectRecord(ctx, info, hint)
	if err != nil || rec == nil {
		return nil, err
	}
	return s.describe(ctx, *rec)
}

func (s *Service) selectRecord(ctx context.Context, info remote.Info, hint string) (*vault.Record, error) {
	if hint != "" {
		return s.store.Find(ctx, info.Host, hint)
	}

	candidates := []string{remote.UserInfo(info.URL)}
	if d, ok := provider.Defaults[info.Provider]; ok {
		candidates = append(candidates, d.DefaultAccount)
	}
	for _, account := range candidates {
		if account == "" {
			continue
		}
		rec, err := s.store.Find(ctx, info.Host, account)
		if err != nil || rec != nil {
			return rec, err
		}
	}

	accounts, err := s.store.Accounts(ctx, info.Host)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 1 {
		return s.store.Find(ctx, info.Host, accounts[0])
	}

	if owner := remote.Owner(info.URL); owner != "" {
		return s.store.Find(ctx, info.Host, owner)
	}
	return nil, nil
}

// describe turns a record into a descriptor, refreshing OAuth tokens.
func (s *Service) describe(ctx context.Context, rec vault.Record) (*Descriptor, error) {
	d := &Descriptor{
		Host:     rec.Host,
		Account:  rec.Account,
		Provider: rec.Provider,
	}

	switch rec.Kind {
	case vault.KindOAuth:
		if rec.Provider == "" {
			return nil, autherr.Wrap(autherr.ErrUnsupportedHost, rec.Host)
		}
		if s.tokens == nil {
			return nil, errors.New("token refresh is not available")
		}
		desc, err := s.providers.Provider(rec.Provider)
		if err != nil {
			return nil, err
		}
		token, err := s.tokens.EnsureUsableToken(ctx, rec.Host, rec.Account)
		if err != nil {
			return nil, err
		}
		d.Scheme, d.Principal, d.Secret = SchemeBasic, desc.TokenUsername, token

	case vault.KindBasic:
		token, err := s.store.Open(rec)
		if err != nil {
			return nil, err
		}
		principal := rec.Account
		if principal == "" {
			principal = "git"
		}
		d.Scheme, d.Principal, d.Secret = SchemeBasic, principal, token

	case vault.KindBearer:
		token, err := s.store.Open(rec)
		if err != nil {
			return nil, err
		}
		d.Scheme, d.Secret = SchemeBearer, token

	default:
		return nil, autherr.Wrap(autherr.ErrInvalidRecord, fmt.Sprintf("unknown kind %q", rec.Kind))
	}
	return d, nil
}

// LoadCredential returns the descriptor for (host, account), or nil if
// nothing is stored.
func (s *Service) LoadCredential(ctx context.Context, host, account string) (*Descriptor, error) {
	rec, err := s.store.Find(ctx, host, account)
	if err != nil || rec == nil {
		return nil, err
	}
	return s.describe(ctx, *rec)
}

// TestResult reports the outcome of TestCredential.
type TestResult struct {
	OK             bool   `json:"ok"`
	Error          string `json:"error,omitempty"`
	ReauthRequired bool   `json:"reauth_required,omitempty"`
}

// TestCredential lists the references of remoteURL with the stored
// credential for (host, account). Failures are reported in the result.
func (s *Service) TestCredential(ctx context.Context, host, account, remoteURL string) TestResult {
	fail := func(err error) TestResult {
		return TestResult{Error: err.Error(), ReauthRequired: autherr.IsAuth(err)}
	}

	if s.lister == nil {
		return fail(errors.New("remote access is not available"))
	}
	rec, err := s.store.Find(ctx, host, account)
	if err != nil {
		return fail(err)
	}
	if rec == nil {
		return fail(autherr.Wrap(autherr.ErrNoCredential, vault.Key{Host: host, Account: account}.String()))
	}
	cred, err := s.describe(ctx, *rec)
	if err != nil {
		return fail(err)
	}
	if err := s.lister.ListRefs(ctx, remote.NormalizeRemoteURL(remoteURL), *cred); err != nil {
		return fail(err)
	}
	return TestResult{OK: true}
}

// DetectRemote resolves the remote of repo.
func (s *Service) DetectRemote(ctx context.Context, repo remote.Repo) (remote.Info, error) {
	if s.remotes == nil {
		return remote.Info{}, errors.New("repository access is not available")
	}
	return remote.Detect(ctx, s.remotes, repo)
}

// Accounts returns the accounts stored for host.
func (s *Service) Accounts(ctx context.Context, host string) ([]string, error) {
	return s.store.Accounts(ctx, host)
}

// List summarizes every stored record, sorted by host then account.
func (s *Service) List(ctx context.Context) ([]Account, error) {
	records, err := s.store.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(records))
	for _, rec := range records {
		out = append(out, summarize(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Account < out[j].Account
	})
	return out, nil
}

// SaveToken stores a manually supplied token: a username/password or
// personal access token (basic) or a bearer token for hosts without OAuth.
func (s *Service) SaveToken(ctx context.Context, host, account string, kind vault.Kind, token string) error {
	if kind != vault.KindBasic && kind != vault.KindBearer {
		return autherr.Wrap(autherr.ErrInvalidRecord, fmt.Sprintf("cannot save %s credentials manually", kind))
	}
	if token == "" {
		return autherr.Wrap(autherr.ErrInvalidRecord, "token is empty")
	}

	sealed, err := s.store.Seal(token)
	if err != nil {
		return err
	}
	id, _ := provider.ForHost(host)
	return s.store.Upsert(ctx, vault.Record{
		Host:                  host,
		Account:               account,
		Kind:                  kind,
		Provider:              id,
		AccessTokenCiphertext: sealed,
	})
}

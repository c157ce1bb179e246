package credential

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/semmy-space/gitauth/internal/auth"
	"github.com/semmy-space/gitauth/internal/autherr"
	"github.com/semmy-space/gitauth/internal/log"
	"github.com/semmy-space/gitauth/internal/provider"
	"github.com/semmy-space/gitauth/internal/remote"
	"github.com/semmy-space/gitauth/internal/secrets"
	"github.com/semmy-space/gitauth/internal/vault"
)

type defaultProviders struct{}

func (defaultProviders) Provider(id provider.ID) (provider.Descriptor, error) {
	return provider.Get(id)
}

// countingTransport fails every request and counts attempts.
type countingTransport struct{ calls atomic.Int32 }

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return nil, errors.New("network disabled in test")
}

type fakeFlow struct {
	token *oauth2.Token
	err   error
	got   provider.Descriptor
}

func (f *fakeFlow) Login(_ context.Context, desc provider.Descriptor) (*oauth2.Token, error) {
	f.got = desc
	return f.token, f.err
}

type fakeLister struct {
	err   error
	calls int
	url   string
	cred  Descriptor
}

func (f *fakeLister) ListRefs(_ context.Context, url string, cred Descriptor) error {
	f.calls++
	f.url, f.cred = url, cred
	return f.err
}

type fixture struct {
	store   *vault.Store
	network *countingTransport
	flow    *fakeFlow
	lister  *fakeLister
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := secrets.StaticKey(bytes.Repeat([]byte{3}, secrets.KeySize))
	store, err := vault.New(filepath.Join(t.TempDir(), vault.FileName), secrets.NewCipher(key), vault.WithLogger(log.Discard()))
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		network: &countingTransport{},
		flow:    &fakeFlow{},
		lister:  &fakeLister{},
	}
	refresher := auth.NewRefresher(store, defaultProviders{},
		auth.WithRefreshClient(&http.Client{Transport: f.network}),
		auth.WithRefreshLogger(log.Discard()),
		auth.WithRetry(0, time.Millisecond),
	)
	f.svc = New(Options{
		Store:     store,
		Providers: defaultProviders{},
		Flow:      f.flow,
		Tokens:    refresher,
		Lister:    f.lister,
		Logger:    log.Discard(),
	})
	return f
}

func (f *fixture) put(t *testing.T, rec vault.Record, token string) {
	t.Helper()
	ct, err := f.store.Seal(token)
	require.NoError(t, err)
	rec.AccessTokenCiphertext = ct
	require.NoError(t, f.store.Upsert(context.Background(), rec))
}

func bitbucketRecord(account string, expiresIn time.Duration, refresh string) vault.Record {
	return vault.Record{
		Host:         "bitbucket.org",
		Account:      account,
		Kind:         vault.KindOAuth,
		Provider:     provider.Bitbucket,
		RefreshToken: refresh,
		ExpiresAt:    vault.Millis(time.Now().Add(expiresIn)),
	}
}

func TestCredentialForRemoteEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.put(t, bitbucketRecord("alice", time.Hour, "RT1"), "AT1")

	cred, err := f.svc.CredentialForRemote(context.Background(), "https://bitbucket.org/alice/repo.git", "")
	require.NoError(t, err)
	require.NotNil(t, cred)

	assert.Equal(t, SchemeBasic, cred.Scheme)
	assert.Equal(t, "x-token-auth", cred.Principal)
	assert.Equal(t, "AT1", cred.Secret)
	assert.Zero(t, f.network.calls.Load())
}

func TestCredentialForRemoteAccountSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, bitbucketRecord("alice", time.Hour, "RT"), "AT-alice")
	f.put(t, bitbucketRecord("bob", time.Hour, "RT"), "AT-bob")
	f.put(t, bitbucketRecord("team", time.Hour, "RT"), "AT-team")
	f.put(t, vault.Record{Host: "github.com", Account: "git", Kind: vault.KindOAuth, Provider: provider.GitHub}, "gho_x")

	tests := []struct {
		name       string
		url        string
		hint       string
		wantSecret string
		wantUser   string
	}{
		{name: "hint wins", url: "https://bob@bitbucket.org/team/repo.git", hint: "alice", wantSecret: "AT-alice", wantUser: "x-token-auth"},
		{name: "url userinfo", url: "https://bob@bitbucket.org/team/repo.git", wantSecret: "AT-bob", wantUser: "x-token-auth"},
		{name: "owner segment", url: "https://bitbucket.org/team/repo.git", wantSecret: "AT-team", wantUser: "x-token-auth"},
		{name: "ssh shorthand", url: "git@bitbucket.org:alice/repo.git", wantSecret: "AT-alice", wantUser: "x-token-auth"},
		{name: "github default identity", url: "https://github.com/octo/repo.git", wantSecret: "gho_x", wantUser: "x-access-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := f.svc.CredentialForRemote(ctx, tt.url, tt.hint)
			require.NoError(t, err)
			require.NotNil(t, cred)
			assert.Equal(t, tt.wantSecret, cred.Secret)
			assert.Equal(t, tt.wantUser, cred.Principal)
		})
	}

	t.Run("missing hint returns nothing", func(t *testing.T) {
		cred, err := f.svc.CredentialForRemote(ctx, "https://bitbucket.org/team/repo.git", "carol")
		require.NoError(t, err)
		assert.Nil(t, cred)
	})

	t.Run("ambiguous without owner match returns nothing", func(t *testing.T) {
		cred, err := f.svc.CredentialForRemote(ctx, "https://bitbucket.org/someone-else/repo.git", "")
		require.NoError(t, err)
		assert.Nil(t, cred)
	})
}

func TestCredentialForRemoteNothingStored(t *testing.T) {
	f := newFixture(t)

	cred, err := f.svc.CredentialForRemote(context.Background(), "https://github.com/o/r.git", "")
	require.NoError(t, err)
	assert.Nil(t, cred)

	cred, err = f.svc.CredentialForRemote(context.Background(), "https://git.example.com/o/r.git", "")
	require.NoError(t, err)
	assert.Nil(t, cred)

	_, err = f.svc.CredentialForRemote(context.Background(), "/local/path", "")
	assert.ErrorContains(t, err, "has no host")
}

func TestCredentialForRemoteManualKinds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.svc.SaveToken(ctx, "git.example.com", "me", vault.KindBasic, "pat-1"))
	require.NoError(t, f.svc.SaveToken(ctx, "git.corp.example", "", vault.KindBasic, "pat-2"))
	require.NoError(t, f.svc.SaveToken(ctx, "registry.example.com", "ci", vault.KindBearer, "bearer-3"))

	cred, err := f.svc.CredentialForRemote(ctx, "https://git.example.com/me/repo.git", "")
	require.NoError(t, err)
	assert.Equal(t, Descriptor{Scheme: SchemeBasic, Principal: "me", Secret: "pat-1", Host: "git.example.com", Account: "me"}, *cred)

	cred, err = f.svc.CredentialForRemote(ctx, "https://git.corp.example/x/y.git", "")
	require.NoError(t, err)
	assert.Equal(t, "git", cred.Principal)

	cred, err = f.svc.CredentialForRemote(ctx, "https://registry.example.com/x/y.git", "ci")
	require.NoError(t, err)
	assert.Equal(t, SchemeBearer, cred.Scheme)
	assert.Empty(t, cred.Principal)
	assert.Equal(t, "bearer-3", cred.Secret)

	err = f.svc.SaveToken(ctx, "github.com", "git", vault.KindOAuth, "gho")
	assert.ErrorIs(t, err, autherr.ErrInvalidRecord)
	err = f.svc.SaveToken(ctx, "github.com", "git", vault.KindBasic, "")
	assert.ErrorIs(t, err, autherr.ErrInvalidRecord)
}

func TestCredentialForRemoteReauth(t *testing.T) {
	f := newFixture(t)
	f.put(t, bitbucketRecord("alice", -time.Minute, ""), "AT1")

	_, err := f.svc.CredentialForRemote(context.Background(), "https://bitbucket.org/alice/repo.git", "")
	assert.ErrorIs(t, err, autherr.ErrReauthRequired)
	assert.Zero(t, f.network.calls.Load())
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()

	t.Run("bitbucket resolves account from token", func(t *testing.T) {
		f := newFixture(t)
		expiry := time.Now().Add(2 * time.Hour).Truncate(time.Millisecond)
		f.flow.token = &oauth2.Token{AccessToken: "AT1", RefreshToken: "RT1", Expiry: expiry}

		var whoamiToken string
		f.svc.whoami = func(_ context.Context, desc provider.Descriptor, token string) (string, error) {
			whoamiToken = token
			return "alice", nil
		}

		acct, err := f.svc.SignIn(ctx, provider.Bitbucket, "")
		require.NoError(t, err)
		assert.Equal(t, "alice", acct.Account)
		assert.True(t, acct.Refreshable)
		assert.Equal(t, "AT1", whoamiToken)
		assert.Equal(t, "bitbucket.org", f.flow.got.Host)

		rec, err := f.store.Find(ctx, "bitbucket.org", "alice")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "RT1", rec.RefreshToken)
		assert.Equal(t, expiry.UnixMilli(), *rec.ExpiresAt)
		token, err := f.store.Open(*rec)
		require.NoError(t, err)
		assert.Equal(t, "AT1", token)
	})

	t.Run("github uses default identity", func(t *testing.T) {
		f := newFixture(t)
		f.flow.token = &oauth2.Token{AccessToken: "gho_x"}
		f.svc.whoami = func(context.Context, provider.Descriptor, string) (string, error) {
			t.Fatal("whoami must not be called")
			return "", nil
		}

		acct, err := f.svc.SignIn(ctx, provider.GitHub, "")
		require.NoError(t, err)
		assert.Equal(t, "git", acct.Account)
		assert.Nil(t, acct.ExpiresAt)
	})

	t.Run("explicit account", func(t *testing.T) {
		f := newFixture(t)
		f.flow.token = &oauth2.Token{AccessToken: "AT", RefreshToken: "RT", Expiry: time.Now().Add(time.Hour)}

		acct, err := f.svc.SignIn(ctx, provider.Bitbucket, "work")
		require.NoError(t, err)
		assert.Equal(t, "work", acct.Account)
	})

	t.Run("bitbucket without resolvable account", func(t *testing.T) {
		f := newFixture(t)
		f.flow.token = &oauth2.Token{AccessToken: "AT", RefreshToken: "RT", Expiry: time.Now().Add(time.Hour)}

		_, err := f.svc.SignIn(ctx, provider.Bitbucket, "")
		assert.ErrorContains(t, err, "requires an account name")

		accounts, err := f.svc.Accounts(ctx, "bitbucket.org")
		require.NoError(t, err)
		assert.Empty(t, accounts)
	})

	t.Run("flow error stores nothing", func(t *testing.T) {
		f := newFixture(t)
		f.flow.err = autherr.ErrStateMismatch

		_, err := f.svc.SignIn(ctx, provider.GitHub, "")
		assert.ErrorIs(t, err, autherr.ErrStateMismatch)

		list, err := f.svc.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, bitbucketRecord("alice", time.Hour, "RT"), "AT")

	require.NoError(t, f.svc.SignOut(ctx, "bitbucket.org", "alice"))
	require.NoError(t, f.svc.DeleteCredential(ctx, "bitbucket.org", "alice"))

	cred, err := f.svc.LoadCredential(ctx, "bitbucket.org", "alice")
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestTestCredential(t *testing.T) {
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		f := newFixture(t)
		f.put(t, bitbucketRecord("alice", time.Hour, "RT"), "AT1")

		res := f.svc.TestCredential(ctx, "bitbucket.org", "alice", "git@bitbucket.org:alice/repo.git")
		assert.Equal(t, TestResult{OK: true}, res)
		assert.Equal(t, "https://bitbucket.org/alice/repo.git", f.lister.url)
		assert.Equal(t, "AT1", f.lister.cred.Secret)
	})

	t.Run("remote rejects credential", func(t *testing.T) {
		f := newFixture(t)
		f.put(t, bitbucketRecord("alice", time.Hour, "RT"), "AT1")
		f.lister.err = errors.New("authentication required")

		res := f.svc.TestCredential(ctx, "bitbucket.org", "alice", "https://bitbucket.org/alice/repo.git")
		assert.False(t, res.OK)
		assert.Equal(t, "authentication required", res.Error)
		assert.False(t, res.ReauthRequired)
	})

	t.Run("expired without refresh token", func(t *testing.T) {
		f := newFixture(t)
		f.put(t, bitbucketRecord("alice", -time.Hour, ""), "AT1")

		res := f.svc.TestCredential(ctx, "bitbucket.org", "alice", "https://bitbucket.org/alice/repo.git")
		assert.False(t, res.OK)
		assert.True(t, res.ReauthRequired)
		assert.Zero(t, f.lister.calls)
	})

	t.Run("nothing stored", func(t *testing.T) {
		f := newFixture(t)
		res := f.svc.TestCredential(ctx, "github.com", "git", "https://github.com/o/r.git")
		assert.False(t, res.OK)
		assert.True(t, res.ReauthRequired)
	})
}

type fakeRemotes struct{ url string }

func (f fakeRemotes) RemoteURL(context.Context, string, string) (string, error) {
	return f.url, nil
}

func TestDetectRemote(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.DetectRemote(context.Background(), remote.Repo{Dir: "."})
	assert.Error(t, err)

	f.svc.remotes = fakeRemotes{url: "git@github.com:octo/repo.git"}
	info, err := f.svc.DetectRemote(context.Background(), remote.Repo{Dir: "."})
	require.NoError(t, err)
	assert.Equal(t, remote.Info{URL: "https://github.com/octo/repo.git", Host: "github.com", Provider: provider.GitHub}, info)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, bitbucketRecord("bob", time.Hour, "RT"), "AT")
	f.put(t, bitbucketRecord("alice", time.Hour, ""), "AT")
	f.put(t, vault.Record{Host: "github.com", Account: "git", Kind: vault.KindOAuth, Provider: provider.GitHub}, "gho")

	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, "alice", list[0].Account)
	assert.False(t, list[0].Refreshable)
	assert.Equal(t, "bob", list[1].Account)
	assert.True(t, list[1].Refreshable)
	assert.Equal(t, "github.com", list[2].Host)
	assert.Nil(t, list[2].ExpiresAt)
}

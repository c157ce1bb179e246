package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semmy-space/gitauth/internal/autherr"
	"github.com/semmy-space/gitauth/internal/log"
	"github.com/semmy-space/gitauth/internal/provider"
	"github.com/semmy-space/gitauth/internal/secrets"
	"github.com/semmy-space/gitauth/internal/vault"
)

type staticProviders map[provider.ID]provider.Descriptor

func (p staticProviders) Provider(id provider.ID) (provider.Descriptor, error) {
	d, ok := p[id]
	if !ok {
		return provider.Descriptor{}, fmt.Errorf("unknown provider: %s", id)
	}
	return d, nil
}

func newVault(t *testing.T) *vault.Store {
	t.Helper()
	key := secrets.StaticKey(bytes.Repeat([]byte{7}, secrets.KeySize))
	s, err := vault.New(filepath.Join(t.TempDir(), vault.FileName), secrets.NewCipher(key), vault.WithLogger(log.Discard()))
	require.NoError(t, err)
	return s
}

func putRecord(t *testing.T, s *vault.Store, rec vault.Record, token string) vault.Record {
	t.Helper()
	ct, err := s.Seal(token)
	require.NoError(t, err)
	rec.AccessTokenCiphertext = ct
	require.NoError(t, s.Upsert(context.Background(), rec))
	return rec
}

func expiringIn(d time.Duration) *int64 {
	return vault.Millis(time.Now().Add(d))
}

func newTestRefresher(t *testing.T, s *vault.Store, ts *tokenServer) *Refresher {
	t.Helper()
	providers := staticProviders{}
	if ts != nil {
		providers[provider.Bitbucket] = bitbucketDescriptor(ts)
	}
	return NewRefresher(s, providers,
		WithRefreshLogger(log.Discard()),
		WithRetry(2, time.Millisecond),
	)
}

func TestIsExpiringSoon(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	skew := 60 * time.Second
	at := func(d time.Duration) *int64 { return vault.Millis(now.Add(d)) }

	tests := []struct {
		name      string
		expiresAt *int64
		want      bool
	}{
		{name: "absent expiry", expiresAt: nil, want: true},
		{name: "exactly at expiry minus skew", expiresAt: at(skew), want: true},
		{name: "one millisecond before boundary", expiresAt: at(skew + time.Millisecond), want: false},
		{name: "well before", expiresAt: at(time.Hour), want: false},
		{name: "already expired", expiresAt: at(-time.Minute), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := vault.Record{ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.want, IsExpiringSoon(rec, skew, now))
		})
	}
}

func bitbucketRecord(account, refresh string, expiresAt *int64) vault.Record {
	return vault.Record{
		Host:         "bitbucket.org",
		Account:      account,
		Kind:         vault.KindOAuth,
		Provider:     provider.Bitbucket,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}
}

func TestEnsureUsableTokenFresh(t *testing.T) {
	ctx := context.Background()
	s := newVault(t)
	ts := newTokenServer(t, `{}`)
	putRecord(t, s, bitbucketRecord("alice", "RT1", expiringIn(time.Hour)), "AT1")

	token, err := newTestRefresher(t, s, ts).EnsureUsableToken(ctx, "bitbucket.org", "alice")
	require.NoError(t, err)
	assert.Equal(t, "AT1", token)
	assert.Zero(t, ts.calls.Load())
}

func TestEnsureUsableTokenRotation(t *testing.T) {
	ctx := context.Background()
	s := newVault(t)
	ts := newTokenServer(t, `{"access_token":"AT2","refresh_token":"RT2","token_type":"bearer","expires_in":7200}`)
	putRecord(t, s, bitbucketRecord("alice", "RT1", expiringIn(30*time.Second)), "AT1")

	before := time.Now()
	token, err := newTestRefresher(t, s, ts).EnsureUsableToken(ctx, "bitbucket.org", "alice")
	require.NoError(t, err)
	assert.Equal(t, "AT2", token)

	form := ts.lastForm()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "RT1", form.Get("refresh_token"))
	assert.Equal(t, "cid", form.Get("client_id"))
	assert.Equal(t, "csecret", form.Get("client_secret"))

	rec, err := s.Find(ctx, "bitbucket.org", "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "RT2", rec.RefreshToken)
	stored, err := s.Open(*rec)
	require.NoError(t, err)
	assert.Equal(t, "AT2", stored)

	exp, ok := rec.Expiry()
	require.True(t, ok)
	assert.WithinDuration(t, before.Add(7200*time.Second-DefaultSkew), exp, 5*time.Second)
}

func TestEnsureUsableTokenKeepsRefreshTokenWhenNoneIssued(t *testing.T) {
	ctx := context.Background()
	s := newVault(t)
	ts := newTokenServer(t, `{"access_token":"AT2","expires_in":7200}`)
	putRecord(t, s, bitbucketRecord("alice", "RT1", expiringIn(-time.Minute)), "AT1")

	_, err := newTestRefresher(t, s, ts).EnsureUsableToken(ctx, "bitbucket.org", "alice")
	require.NoError(t, err)

	rec, err := s.Find(ctx, "bitbucket.org", "alice")
	require.NoError(t, err)
	assert.Equal(t, "RT1", rec.RefreshToken)
}

func TestEnsureUsableTokenWithoutRefreshToken(t *testing.T) {
	ctx := context.Background()
	s := newVault(t)
	ts := newTokenServer(t, `{}`)
	putRecord(t, s, bitbucketRecord("alice", "", expiringIn(-time.Minute)), "AT1")

	_, err := newTestRefresher(t, s, ts).EnsureUsableToken(ctx, "bitbucket.org", "alice")
	assert.ErrorIs(t, err, autherr.ErrReauthRequired)
	assert.True(t, autherr.IsAuth(err))
	assert.Zero(t, ts.calls.Load())
}

func TestEnsureUsableTokenRefreshFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	s := newVault(t)
	ts := newTokenServer(t, `{}`)
	ts.respond(http.StatusBadRequest, `{"error":"invalid_grant","error_description":"refresh token revoked"}`)
	stored := putRecord(t, s, bitbucketRecord("alice", "RT1", expiringIn(-time.Minute)), "AT1")

	_, err := newTestRefresher(t, s, ts).EnsureUsableToken(ctx, "bitbucket.org", "alice")
	assert.ErrorIs(t, err, autherr.ErrRefreshFailed)
	assert.ErrorContains(t, err, "refresh token revoked")
	assert.Equal(t, int32(1), ts.calls.Load(), "provider errors are not retried")

	rec, err := s.Find(ctx, "bitbucket.org", "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, stored, *rec)
}

func TestEnsureUsableTokenNoCredential(t *testing.T) {
	_, err := newTestRefresher(t, newVault(t), nil).EnsureUsableToken(context.Background(), "bitbucket.org", "nobody")
	assert.ErrorIs(t, err, autherr.ErrNoCredential)
}

func TestEnsureUsableTokenGitHubNonExpiring(t *testing.T) {
	ctx := context.Background()
	s := newVault(t)
	putRecord(t, s, vault.Record{
		Host:     "github.com",
		Account:  "git",
		Kind:     vault.KindOAuth,
		Provider: provider.GitHub,
	}, "gho_x")

	token, err := newTestRefresher(t, s, nil).EnsureUsableToken(ctx, "github.com", "git")
	require.NoError(t, err)
	assert.Equal(t, "gho_x", token)
}

func TestEnsureUsableTokenConcurrentRefreshCollapses(t *testing.T) {
	ctx := context.Background()
	s := newVault(t)
	ts := newTokenServer(t, `{"access_token":"AT2","refresh_token":"RT2","expires_in":7200}`)
	putRecord(t, s, bitbucketRecord("alice", "RT1", expiringIn(-time.Minute)), "AT1")
	r := newTestRefresher(t, s, ts)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := r.EnsureUsableToken(ctx, "bitbucket.org", "alice")
			assert.NoError(t, err)
			assert.Equal(t, "AT2", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestEnsureUsableTokenRefreshLoop(t *testing.T) {
	ctx := context.Background()
	s := newVault(t)
	// A lifetime shorter than the skew is expiring the moment it is stored.
	ts := newTokenServer(t, `{"access_token":"AT2","refresh_token":"RT2","expires_in":1}`)
	putRecord(t, s, bitbucketRecord("alice", "RT1", expiringIn(-time.Minute)), "AT1")
	r := newTestRefresher(t, s, ts)

	var err error
	for i := 0; i < refreshBurst+1; i++ {
		_, err = r.EnsureUsableToken(ctx, "bitbucket.org", "alice")
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, autherr.ErrReauthRequired)
	assert.Equal(t, int32(refreshBurst), ts.calls.Load())
}

// flakyTransport fails the first n requests before reaching the network.
type flakyTransport struct {
	failures atomic.Int32
	n        int32
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.failures.Add(1) <= f.n {
		return nil, errors.New("connection reset by peer")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestEnsureUsableTokenRetriesTransportErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers within retry budget", func(t *testing.T) {
		s := newVault(t)
		ts := newTokenServer(t, `{"access_token":"AT2","expires_in":7200}`)
		putRecord(t, s, bitbucketRecord("alice", "RT1", expiringIn(-time.Minute)), "AT1")

		r := newTestRefresher(t, s, ts)
		r.client = &http.Client{Transport: &flakyTransport{n: 2}}

		token, err := r.EnsureUsableToken(ctx, "bitbucket.org", "alice")
		require.NoError(t, err)
		assert.Equal(t, "AT2", token)
		assert.Equal(t, int32(1), ts.calls.Load())
	})

	t.Run("gives up after retry budget", func(t *testing.T) {
		s := newVault(t)
		ts := newTokenServer(t, `{"access_token":"AT2","expires_in":7200}`)
		putRecord(t, s, bitbucketRecord("alice", "RT1", expiringIn(-time.Minute)), "AT1")

		r := newTestRefresher(t, s, ts)
		r.client = &http.Client{Transport: &flakyTransport{n: 3}}

		_, err := r.EnsureUsableToken(ctx, "bitbucket.org", "alice")
		assert.ErrorIs(t, err, autherr.ErrRefreshFailed)
		assert.ErrorContains(t, err, "connection reset by peer")
		assert.Zero(t, ts.calls.Load())
	})
}

func TestEnsureUsableTokenSignOutDuringRefresh(t *testing.T) {
	ctx := context.Background()
	s := newVault(t)
	ts := newTokenServer(t, `{"access_token":"AT2","refresh_token":"RT2","expires_in":7200}`)
	putRecord(t, s, bitbucketRecord("alice", "RT1", expiringIn(-time.Minute)), "AT1")
	ts.before(func() {
		assert.NoError(t, s.Remove(ctx, "bitbucket.org", "alice"))
	})

	_, err := newTestRefresher(t, s, ts).EnsureUsableToken(ctx, "bitbucket.org", "alice")
	assert.ErrorIs(t, err, autherr.ErrReauthRequired)

	rec, err := s.Find(ctx, "bitbucket.org", "alice")
	require.NoError(t, err)
	assert.Nil(t, rec, "signed-out credential must stay removed")
}

func TestEnsureUsableTokenSignInDuringRefresh(t *testing.T) {
	ctx := context.Background()
	s := newVault(t)
	ts := newTokenServer(t, `{"access_token":"AT2","refresh_token":"RT2","expires_in":7200}`)
	putRecord(t, s, bitbucketRecord("alice", "RT1", expiringIn(-time.Minute)), "AT1")
	var signedIn vault.Record
	ts.before(func() {
		signedIn = putRecord(t, s, bitbucketRecord("alice", "RT9", expiringIn(time.Hour)), "AT9")
	})

	token, err := newTestRefresher(t, s, ts).EnsureUsableToken(ctx, "bitbucket.org", "alice")
	require.NoError(t, err)
	assert.Equal(t, "AT2", token)

	rec, err := s.Find(ctx, "bitbucket.org", "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, signedIn, *rec)
}

func TestEnsureUsableTokenMalformedResponseNotRetried(t *testing.T) {
	ctx := context.Background()
	s := newVault(t)
	ts := newTokenServer(t, `{"token_type":"bearer"}`)
	putRecord(t, s, bitbucketRecord("alice", "RT1", expiringIn(-time.Minute)), "AT1")

	_, err := newTestRefresher(t, s, ts).EnsureUsableToken(ctx, "bitbucket.org", "alice")
	assert.ErrorIs(t, err, autherr.ErrRefreshFailed)
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestEnsureUsableTokenCallerCancelDoesNotFailOthers(t *testing.T) {
	s := newVault(t)
	ts := newTokenServer(t, `{"access_token":"AT2","refresh_token":"RT2","expires_in":7200}`)
	putRecord(t, s, bitbucketRecord("alice", "RT1", expiringIn(-time.Minute)), "AT1")
	r := newTestRefresher(t, s, ts)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ts.before(func() {
		once.Do(func() { close(started) })
		<-release
	})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.EnsureUsableToken(first, "bitbucket.org", "alice")
		firstErr <- err
	}()
	<-started

	second := make(chan string, 1)
	go func() {
		token, err := r.EnsureUsableToken(context.Background(), "bitbucket.org", "alice")
		assert.NoError(t, err)
		second <- token
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	assert.Equal(t, "AT2", <-second)
	assert.Equal(t, int32(1), ts.calls.Load())
}

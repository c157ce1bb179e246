package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/semmy-space/gitauth/internal/autherr"
	"github.com/semmy-space/gitauth/internal/provider"
	"github.com/semmy-space/gitauth/internal/vault"
)

// RecordStore is the part of the vault the refresher reads and writes.
type RecordStore interface {
	Find(ctx context.Context, host, account string) (*vault.Record, error)
	Update(ctx context.Context, fn func(records map[vault.Key]vault.Record) error) error
	Seal(token string) ([]byte, error)
	Open(rec vault.Record) (string, error)
}

// Providers resolves a provider ID to its configured descriptor.
type Providers interface {
	Provider(id provider.ID) (provider.Descriptor, error)
}

const (
	defaultRefreshRetries = 2
	// A record legitimately refreshes once per token lifetime; more than
	// refreshBurst refreshes inside refreshWindow means the provider keeps
	// handing back tokens that are already expiring.
	refreshBurst  = 3
	refreshWindow = time.Minute
	// Bounds a shared refresh once the caller that started it has gone.
	refreshTimeout = 2 * time.Minute
)

// IsExpiringSoon reports whether rec must be refreshed before use: its
// expiry is absent, or now is at or past expiry minus skew.
func IsExpiringSoon(rec vault.Record, skew time.Duration, now time.Time) bool {
	exp, ok := rec.Expiry()
	if !ok {
		return true
	}
	return !now.Before(exp.Add(-skew))
}

// Refresher hands out usable access tokens, refreshing expiring OAuth
// records against their provider at the point of use.
type Refresher struct {
	store     RecordStore
	providers Providers
	skew      time.Duration
	client    *http.Client
	now       func() time.Time
	logger    *slog.Logger

	retries       uint64
	retryInterval time.Duration

	group    singleflight.Group
	limMu    sync.Mutex
	limiters map[vault.Key]*rate.Limiter
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithRefreshSkew sets the expiry margin.
func WithRefreshSkew(d time.Duration) RefresherOption {
	return func(r *Refresher) { r.skew = d }
}

// WithRefreshClient sets the HTTP client for refresh requests.
func WithRefreshClient(c *http.Client) RefresherOption {
	return func(r *Refresher) { r.client = c }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

// WithRefreshLogger sets the logger.
func WithRefreshLogger(l *slog.Logger) RefresherOption {
	return func(r *Refresher) { r.logger = l }
}

// WithRetry sets how often a refresh failing at the transport level is
// retried, and the initial delay between attempts.
func WithRetry(retries uint64, interval time.Duration) RefresherOption {
	return func(r *Refresher) {
		r.retries = retries
		r.retryInterval = interval
	}
}

// NewRefresher returns a refresher over store.
func NewRefresher(store RecordStore, providers Providers, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:         store,
		providers:     providers,
		skew:          DefaultSkew,
		client:        &http.Client{Timeout: 30 * time.Second},
		now:           time.Now,
		logger:        slog.Default(),
		retries:       defaultRefreshRetries,
		retryInterval: 500 * time.Millisecond,
		limiters:      make(map[vault.Key]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureUsableToken returns a plaintext access token for (host, account)
// that is not about to expire, refreshing and persisting it if needed.
//
// A missing record yields autherr.ErrNoCredential. An expiring record with
// no refresh token yields autherr.ErrReauthRequired without any network
// call. A failed refresh yields autherr.ErrRefreshFailed and leaves the
// stored record as it was. A record signed out while its refresh was in
// flight stays removed and yields autherr.ErrReauthRequired.
func (r *Refresher) EnsureUsableToken(ctx context.Context, host, account string) (string, error) {
	rec, err := r.store.Find(ctx, host, account)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", autherr.Wrap(autherr.ErrNoCredential, vault.Key{Host: host, Account: account}.String())
	}
	if !r.needsRefresh(*rec) {
		return r.store.Open(*rec)
	}
	if rec.RefreshToken == "" {
		return "", autherr.Wrap(autherr.ErrReauthRequired, "token expired and no refresh token is stored")
	}

	key := rec.Key()
	ch := r.group.DoChan(key.String(), func() (any, error) {
		// Joined callers must not fail because the first one gave up.
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return r.refresh(shared, key)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// needsRefresh applies IsExpiringSoon, except that an undated record from
// a provider that never issues refresh tokens is valid until revoked.
func (r *Refresher) needsRefresh(rec vault.Record) bool {
	if rec.ExpiresAt == nil && rec.RefreshToken == "" {
		if d, ok := provider.Defaults[rec.Provider]; ok && !d.IssuesRefresh {
			return false
		}
	}
	return IsExpiringSoon(rec, r.skew, r.now())
}

func (r *Refresher) refresh(ctx context.Context, key vault.Key) (string, error) {
	// Re-read: another process may have refreshed while we waited.
	rec, err := r.store.Find(ctx, key.Host, key.Account)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", autherr.Wrap(autherr.ErrNoCredential, key.String())
	}
	if !r.needsRefresh(*rec) {
		return r.store.Open(*rec)
	}
	if rec.RefreshToken == "" {
		return "", autherr.Wrap(autherr.ErrReauthRequired, "token expired and no refresh token is stored")
	}
	if !r.limiter(key).Allow() {
		return "", autherr.Wrap(autherr.ErrReauthRequired, "refreshed token keeps expiring")
	}

	desc, err := r.providers.Provider(rec.Provider)
	if err != nil {
		return "", fmt.Errorf("%w: %w", autherr.ErrRefreshFailed, err)
	}

	token, err := r.exchange(ctx, desc, rec.RefreshToken)
	if err != nil {
		r.logger.Warn("token refresh failed", "host", key.Host, "account", key.Account, "error", err)
		return "", providerError(autherr.ErrRefreshFailed, err)
	}

	sealed, err := r.store.Seal(token.AccessToken)
	if err != nil {
		return "", err
	}

	next := *rec
	next.AccessTokenCiphertext = sealed
	if token.RefreshToken != "" {
		next.RefreshToken = token.RefreshToken
	}
	next.ExpiresAt = vault.Millis(applySkew(token.Expiry, r.skew))
	if next.ExpiresAt == nil && next.RefreshToken != "" {
		next.ExpiresAt = vault.Millis(r.now())
	}

	// The record may have been signed out or replaced while the request was
	// in flight; only the record the refresh token came from is overwritten.
	var removed, replaced bool
	err = r.store.Update(ctx, func(records map[vault.Key]vault.Record) error {
		current, ok := records[key]
		switch {
		case !ok:
			removed = true
		case current.RefreshToken != rec.RefreshToken:
			replaced = true
		default:
			records[key] = next
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	if removed {
		r.logger.Debug("credential removed during refresh", "host", key.Host, "account", key.Account)
		return "", autherr.Wrap(autherr.ErrReauthRequired, "credential was removed during refresh")
	}
	if replaced {
		r.logger.Debug("credential replaced during refresh, keeping stored record", "host", key.Host, "account", key.Account)
		return token.AccessToken, nil
	}

	r.logger.Debug("token refreshed", "host", key.Host, "account", key.Account, "expires_at", next.ExpiresAt)
	return token.AccessToken, nil
}

// exchange performs the refresh_token grant. Transport failures are
// retried; any response from the provider, well-formed or not, is final.
func (r *Refresher) exchange(ctx context.Context, desc provider.Descriptor, refreshToken string) (*oauth2.Token, error) {
	cfg := oauthConfig(desc, "")
	cfg.Endpoint.TokenURL = desc.RefreshEndpoint()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	var token *oauth2.Token
	op := func() error {
		t, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			if !isTransportError(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			r.logger.Debug("refresh attempt failed, retrying", "provider", desc.ID, "error", err)
			return err
		}
		token = t
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, r.retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, errors.New("server response missing access_token")
	}
	return token, nil
}

// isTransportError reports whether err happened before a response arrived.
func isTransportError(err error) bool {
	var ue *url.Error
	var ne net.Error
	return errors.As(err, &ue) || errors.As(err, &ne)
}

func (r *Refresher) limiter(key vault.Key) *rate.Limiter {
	r.limMu.Lock()
	defer r.limMu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(refreshWindow/refreshBurst), refreshBurst)
		r.limiters[key] = l
	}
	return l
}
